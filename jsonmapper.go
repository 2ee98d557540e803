package ogórek
// jsonmapper.go maps between ogórek's pickle value types and a JSON-native
// tree (the same nil/bool/int64/*big.Int/float64/string/[]interface{}/
// map[string]interface{} shapes encoding/json itself understands), plus
// the handful of "@"-prefixed marker objects that carry pickle shapes JSON
// has no native representation for.
//
// Marker priority on the way back from JSON mirrors the order a reader
// should check in: a more specific marker is tried before a more general
// one, and — for a handful of markers whose payload shape can fail to
// match even though the key is present — falling through to the next
// candidate rather than erroring outright. The known-type handlers
// (knowntypes.go) and the BTree transform (btree.go) plug into this same
// priority chain rather than being reimplemented here.

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"unicode/utf8"
)

// JSONConfig controls the pickle<->JSON mapping's few behavioural knobs.
type JSONConfig struct {
	// SanitizeNUL replaces U+0000 in decoded text with U+FFFD before it is
	// placed into the JSON tree. JSON technically permits embedded NULs,
	// but many JSON consumers (including some JSON columns in SQL
	// databases) choke on them; the storage-backend entry point in
	// zodb.go turns this on, the plain pickle_to_json_text entry point
	// leaves it off so it stays a faithful, lossless round-trip.
	SanitizeNUL bool

	// MaxBytesLen caps the decoded length of any single @b/@ba/@pkl
	// base64 payload. Zero means MaxBinSize8 (256 MiB), the same ceiling
	// the pickle layer itself enforces on a single bytes object.
	MaxBytesLen int
}

func (c JSONConfig) maxBytesLen() int {
	if c.MaxBytesLen > 0 {
		return c.MaxBytesLen
	}
	return MaxBinSize8
}

func (c JSONConfig) sanitize(s string) string {
	if !c.SanitizeNUL {
		return s
	}
	hasNUL := false
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			hasNUL = true
			break
		}
	}
	if !hasNUL {
		return s
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == 0 {
			r = '�'
		}
		out = append(out, r)
	}
	return string(out)
}

// ValueToJSON renders a decoded pickle value (anything [Decoder] or this
// package's other types can produce) as a JSON-native tree.
func (c JSONConfig) ValueToJSON(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case None:
		return nil, nil
	case bool:
		return x, nil
	case int64:
		return x, nil
	case *big.Int:
		return map[string]interface{}{"@bi": x.String()}, nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, nil
		}
		return x, nil
	case string:
		return c.sanitize(x), nil
	case unicode:
		return c.sanitize(string(x)), nil
	case ByteString:
		return map[string]interface{}{"@b": encodeB64([]byte(x))}, nil
	case Bytes:
		return map[string]interface{}{"@b": encodeB64([]byte(x))}, nil
	case []byte:
		return map[string]interface{}{"@ba": encodeB64(x)}, nil
	case RawPickle:
		return map[string]interface{}{"@pkl": encodeB64([]byte(x))}, nil
	case Tuple:
		arr, err := c.sliceToJSON(x)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"@t": arr}, nil
	case []interface{}:
		return c.sliceToJSON(x)
	case Set:
		arr, err := c.sliceToJSON(x)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"@set": arr}, nil
	case FrozenSet:
		arr, err := c.sliceToJSON(x)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"@fset": arr}, nil
	case OrderedDict:
		return c.dictToJSON(x)
	case Dict:
		return c.dictToJSON(fromDict(x))
	case map[interface{}]interface{}:
		pairs := make(OrderedDict, 0, len(x))
		for k, v := range x {
			pairs = append(pairs, DictItem{Key: k, Value: v})
		}
		return c.dictToJSON(pairs)
	case Class:
		return map[string]interface{}{"@cls": []interface{}{x.Module, x.Name}}, nil
	case *Call:
		return c.callToJSON(x)
	case Ref:
		inner, err := c.ValueToJSON(x.Pid)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"@ref": inner}, nil
	}
	return nil, fmt.Errorf("ogórek: ValueToJSON: no mapping for %T", v)
}

func (c JSONConfig) sliceToJSON(items []interface{}) ([]interface{}, error) {
	out := make([]interface{}, len(items))
	for i, it := range items {
		j, err := c.ValueToJSON(it)
		if err != nil {
			return nil, err
		}
		out[i] = j
	}
	return out, nil
}

func (c JSONConfig) dictToJSON(pairs OrderedDict) (interface{}, error) {
	allStringKeys := true
	for _, p := range pairs {
		if _, ok := p.Key.(string); !ok {
			allStringKeys = false
			break
		}
	}
	if allStringKeys {
		obj := make(map[string]interface{}, len(pairs))
		for _, p := range pairs {
			key := p.Key.(string)
			if !utf8.ValidString(key) {
				return nil, codecErr(ErrInvalidUtf8Key, "dict key %q is not valid UTF-8", key)
			}
			v, err := c.ValueToJSON(p.Value)
			if err != nil {
				return nil, err
			}
			obj[c.sanitize(key)] = v
		}
		return obj, nil
	}
	arr := make([]interface{}, len(pairs))
	for i, p := range pairs {
		kj, err := c.ValueToJSON(p.Key)
		if err != nil {
			return nil, err
		}
		vj, err := c.ValueToJSON(p.Value)
		if err != nil {
			return nil, err
		}
		arr[i] = []interface{}{kj, vj}
	}
	return map[string]interface{}{"@d": arr}, nil
}

// callToJSON renders a *Call — REDUCE, optionally with BUILD/APPENDS/
// SETITEMS applied — as JSON. Known-type handlers and the BTree transform
// get first refusal; what is left falls to the generic @cls+@s ("Instance"
// shaped: Args is empty, so only State matters — the common NEWOBJ+BUILD
// case) or @reduce ("Reduce" shaped: Args is what reconstructs the object,
// with an optional "state" field when BUILD also ran — the
// copy_reg._reconstructor(cls, base, state) shape old-style classes and
// ZODB class pickles use, where both the constructor args and the later
// BUILD state carry real information). @list/@dict(/list_items,dict_items)
// are this package's own extension to either shape, for a [*Call] whose
// ListItems/DictItems is non-empty, which has no equivalent upstream.
func (c JSONConfig) callToJSON(call *Call) (interface{}, error) {
	if j, ok, err := pickleToKnownJSON(call, c.ValueToJSON); err != nil {
		return nil, err
	} else if ok {
		return j, nil
	}
	if j, ok, err := btreeToJSON(call, c.ValueToJSON); err != nil {
		return nil, err
	} else if ok {
		return j, nil
	}

	j, err := c.genericCallToJSON(call)
	if err != nil {
		if pkl, ok := fallbackPkl(call); ok {
			return pkl, nil
		}
		return nil, err
	}
	return j, nil
}

// fallbackPkl re-renders call as a standalone pickle and wraps the bytes in
// the universal @pkl escape hatch, for the rare Reduce chain whose state
// the generic mapping below cannot turn into JSON (most often a dict keyed
// by byte strings that are not valid UTF-8). This is what keeps the mapper
// from ever failing on a syntactically valid pickle.
func fallbackPkl(call *Call) (interface{}, bool) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(call); err != nil {
		return nil, false
	}
	return map[string]interface{}{"@pkl": encodeB64(buf.Bytes())}, true
}

// genericCallToJSON is the last-resort mapping for a *Call neither a
// known-type handler nor the BTree transform claimed.
func (c JSONConfig) genericCallToJSON(call *Call) (interface{}, error) {
	clsJSON := []interface{}{call.Callable.Module, call.Callable.Name}

	if len(call.Args) == 0 {
		stateJSON, err := c.ValueToJSON(call.State)
		if err != nil {
			return nil, err
		}
		out := map[string]interface{}{"@cls": clsJSON, "@s": stateJSON}
		if len(call.ListItems) > 0 {
			arr, err := c.sliceToJSON(call.ListItems)
			if err != nil {
				return nil, err
			}
			out["@list"] = arr
		}
		if len(call.DictItems) > 0 {
			d, err := c.dictToJSON(OrderedDict(call.DictItems))
			if err != nil {
				return nil, err
			}
			out["@dict"] = d
		}
		return out, nil
	}

	argsJSON, err := c.sliceToJSON(call.Args)
	if err != nil {
		return nil, err
	}
	reduce := map[string]interface{}{
		"callable": clsJSON,
		"args":     argsJSON,
	}
	if call.State != nil {
		stateJSON, err := c.ValueToJSON(call.State)
		if err != nil {
			return nil, err
		}
		reduce["state"] = stateJSON
	}
	if len(call.ListItems) > 0 {
		arr, err := c.sliceToJSON(call.ListItems)
		if err != nil {
			return nil, err
		}
		reduce["list_items"] = arr
	}
	if len(call.DictItems) > 0 {
		d, err := c.dictToJSON(OrderedDict(call.DictItems))
		if err != nil {
			return nil, err
		}
		reduce["dict_items"] = d
	}
	return map[string]interface{}{"@reduce": reduce}, nil
}

func encodeB64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func decodeB64(s string, limit int) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) > limit {
		return nil, codecErr(ErrSizeLimit, "base64 payload exceeds %d bytes", limit)
	}
	return b, nil
}

// JSONToValue is the reverse of [JSONConfig.ValueToJSON].
func (c JSONConfig) JSONToValue(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case nil:
		return None{}, nil
	case bool:
		return x, nil
	case int64:
		return x, nil
	case *big.Int:
		return x, nil
	case float64:
		return x, nil
	case string:
		return x, nil
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, it := range x {
			pv, err := c.JSONToValue(it)
			if err != nil {
				return nil, err
			}
			out[i] = pv
		}
		return out, nil
	case map[string]interface{}:
		return c.objectToValue(x)
	}
	return nil, fmt.Errorf("ogórek: JSONToValue: unsupported JSON node %T", v)
}

func (c JSONConfig) objectToValue(m map[string]interface{}) (interface{}, error) {
	if raw, ok := m["@t"]; ok {
		if arr, ok := raw.([]interface{}); ok {
			out := make(Tuple, len(arr))
			for i, it := range arr {
				pv, err := c.JSONToValue(it)
				if err != nil {
					return nil, err
				}
				out[i] = pv
			}
			return out, nil
		}
	}
	if raw, ok := m["@b"]; ok {
		if s, ok := raw.(string); ok {
			b, err := decodeB64(s, c.maxBytesLen())
			if err != nil {
				return nil, err
			}
			return Bytes(b), nil
		}
	}
	if raw, ok := m["@ba"]; ok {
		if s, ok := raw.(string); ok {
			b, err := decodeB64(s, c.maxBytesLen())
			if err != nil {
				return nil, err
			}
			return b, nil
		}
	}
	if raw, ok := m["@bi"]; ok {
		if s, ok := raw.(string); ok {
			n, ok := new(big.Int).SetString(s, 10)
			if !ok {
				return nil, fmt.Errorf("ogórek: @bi: malformed integer %q", s)
			}
			return n, nil
		}
	}
	if raw, ok := m["@d"]; ok {
		if arr, ok := raw.([]interface{}); ok {
			out := make(map[interface{}]interface{}, len(arr))
			for _, pair := range arr {
				p, ok := pair.([]interface{})
				if !ok || len(p) != 2 {
					return nil, fmt.Errorf("ogórek: @d: want [key, value] pairs, got %v", pair)
				}
				k, err := c.JSONToValue(p[0])
				if err != nil {
					return nil, err
				}
				v, err := c.JSONToValue(p[1])
				if err != nil {
					return nil, err
				}
				if !mapTryAssign(out, k, v) {
					return nil, fmt.Errorf("ogórek: @d: invalid key type %T", k)
				}
			}
			return out, nil
		}
	}
	if raw, ok := m["@set"]; ok {
		if v, handled, err := reduceSetFromJSON(raw, c.JSONToValue, "set"); err != nil || handled {
			return v, err
		}
	}
	if raw, ok := m["@fset"]; ok {
		if v, handled, err := reduceSetFromJSON(raw, c.JSONToValue, "frozenset"); err != nil || handled {
			return v, err
		}
	}
	if raw, ok := m["@ref"]; ok {
		pid, err := c.JSONToValue(raw)
		if err != nil {
			return nil, err
		}
		return Ref{Pid: pid}, nil
	}
	if raw, ok := m["@pkl"]; ok {
		if s, ok := raw.(string); ok {
			b, err := decodeB64(s, c.maxBytesLen())
			if err != nil {
				return nil, err
			}
			return RawPickle(b), nil
		}
	}
	if v, handled, err := jsonToKnownPickle(m, c.JSONToValue); err != nil {
		return nil, err
	} else if handled {
		return v, nil
	}

	if rawCls, ok := m["@cls"]; ok {
		arr, ok := rawCls.([]interface{})
		if !ok || len(arr) != 2 {
			return nil, codecErr(ErrBadMarker, "@cls: want a [module, name] array, got %v", rawCls)
		}
		module, ok1 := arr[0].(string)
		name, ok2 := arr[1].(string)
		if !ok1 || !ok2 {
			return nil, codecErr(ErrBadMarker, "@cls: module/name must be strings")
		}

		if v, handled, err := jsonToBTree(module, name, m, c.JSONToValue); err != nil {
			return nil, err
		} else if handled {
			return v, nil
		}

		class := Class{Module: module, Name: name}
		if rawState, ok := m["@s"]; ok {
			state, err := c.JSONToValue(rawState)
			if err != nil {
				return nil, err
			}
			call := &Call{Callable: class, State: state}
			if rawList, ok := m["@list"]; ok {
				arr, ok := rawList.([]interface{})
				if !ok {
					return nil, codecErr(ErrBadMarker, "@list: want an array")
				}
				for _, it := range arr {
					pv, err := c.JSONToValue(it)
					if err != nil {
						return nil, err
					}
					call.ListItems = append(call.ListItems, pv)
				}
			}
			if rawDict, ok := m["@dict"]; ok {
				dm, ok := rawDict.(map[string]interface{})
				if !ok {
					return nil, codecErr(ErrBadMarker, "@dict: want an object")
				}
				items, err := dictItemsFromJSON(dm, c.JSONToValue)
				if err != nil {
					return nil, err
				}
				call.DictItems = items
			}
			return call, nil
		}
		return class, nil
	}

	if raw, ok := m["@reduce"]; ok {
		rm, ok := raw.(map[string]interface{})
		if !ok {
			return nil, codecErr(ErrBadMarker, "@reduce: want an object, got %T", raw)
		}
		callableRaw, ok := rm["callable"].([]interface{})
		if !ok || len(callableRaw) != 2 {
			return nil, codecErr(ErrBadMarker, "@reduce: callable must be a [module, name] array")
		}
		module, ok1 := callableRaw[0].(string)
		name, ok2 := callableRaw[1].(string)
		if !ok1 || !ok2 {
			return nil, codecErr(ErrBadMarker, "@reduce: callable module/name must be strings")
		}
		call := &Call{Callable: Class{Module: module, Name: name}}
		if rawArgs, ok := rm["args"].([]interface{}); ok {
			for _, it := range rawArgs {
				pv, err := c.JSONToValue(it)
				if err != nil {
					return nil, err
				}
				call.Args = append(call.Args, pv)
			}
		}
		if rawState, ok := rm["state"]; ok {
			state, err := c.JSONToValue(rawState)
			if err != nil {
				return nil, err
			}
			call.State = state
		}
		if rawList, ok := rm["list_items"].([]interface{}); ok {
			for _, it := range rawList {
				pv, err := c.JSONToValue(it)
				if err != nil {
					return nil, err
				}
				call.ListItems = append(call.ListItems, pv)
			}
		}
		if rawDict, ok := rm["dict_items"].(map[string]interface{}); ok {
			items, err := dictItemsFromJSON(rawDict, c.JSONToValue)
			if err != nil {
				return nil, err
			}
			call.DictItems = items
		}
		return call, nil
	}

	// fall back: a regular JSON object with no marker key is a Python
	// dict whose keys are all plain strings.
	out := make(map[interface{}]interface{}, len(m))
	for k, v := range m {
		pv, err := c.JSONToValue(v)
		if err != nil {
			return nil, err
		}
		out[k] = pv
	}
	return out, nil
}

// dictItemsFromJSON reads back either shape dictToJSON can produce: a bare
// object (string keys) or {"@d": [[k,v],...]} (arbitrary keys).
func dictItemsFromJSON(m map[string]interface{}, fromJSON func(interface{}) (interface{}, error)) ([]DictItem, error) {
	if raw, ok := m["@d"]; ok {
		arr, ok := raw.([]interface{})
		if !ok {
			return nil, codecErr(ErrBadMarker, "@d: want an array")
		}
		out := make([]DictItem, 0, len(arr))
		for _, pair := range arr {
			p, ok := pair.([]interface{})
			if !ok || len(p) != 2 {
				return nil, codecErr(ErrBadMarker, "@d: want [key, value] pairs")
			}
			k, err := fromJSON(p[0])
			if err != nil {
				return nil, err
			}
			v, err := fromJSON(p[1])
			if err != nil {
				return nil, err
			}
			out = append(out, DictItem{Key: k, Value: v})
		}
		return out, nil
	}
	out := make([]DictItem, 0, len(m))
	for k, v := range m {
		pv, err := fromJSON(v)
		if err != nil {
			return nil, err
		}
		out = append(out, DictItem{Key: k, Value: pv})
	}
	return out, nil
}

// PickleToJSONText renders a decoded pickle value as JSON text.
func (c JSONConfig) PickleToJSONText(v interface{}) ([]byte, error) {
	tree, err := c.ValueToJSON(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(tree)
}

// JSONTextToPickle parses JSON text into a pickle value ready for [Encoder].
func (c JSONConfig) JSONTextToPickle(data []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var tree interface{}
	if err := dec.Decode(&tree); err != nil {
		return nil, err
	}
	canon, err := canonicalizeNumbers(tree)
	if err != nil {
		return nil, err
	}
	return c.JSONToValue(canon)
}

// canonicalizeNumbers walks a tree produced by a json.Decoder in UseNumber
// mode and replaces each json.Number with int64 (if it fits), *big.Int (if
// it is an integer too large for int64) or float64 — the same three
// numeric types [JSONConfig.ValueToJSON] itself produces, so a round trip
// through JSON text does not silently narrow an exact integer to float64.
func canonicalizeNumbers(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case json.Number:
		if n, err := strconv.ParseInt(x.String(), 10, 64); err == nil {
			return n, nil
		}
		if bi, ok := new(big.Int).SetString(x.String(), 10); ok {
			return bi, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("ogórek: malformed JSON number %q: %s", x.String(), err)
		}
		return f, nil
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, it := range x {
			cv, err := canonicalizeNumbers(it)
			if err != nil {
				return nil, err
			}
			out[i] = cv
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, it := range x {
			cv, err := canonicalizeNumbers(it)
			if err != nil {
				return nil, err
			}
			out[k] = cv
		}
		return out, nil
	default:
		return v, nil
	}
}
