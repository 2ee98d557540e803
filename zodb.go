package ogórek
// zodb.go implements the ZODB-specific layer on top of the generic pickle
// and JSON mapper: joining/splitting the two pickles a ZODB storage record
// holds (class pickle + state pickle, one shared memo), the top-level
// transcoder entry points a storage backend calls, and the two hooks that
// backend additionally needs — persistent-OID extraction and NUL-sanitised
// JSON text for a SQL text column.
//
// None of this is ogórek's own domain; it mirrors how ZODB's FileStorage/
// RelStorage record format lays out (class, state) and how BTrees objects
// pickle, translated into marker-form JSON the same way the rest of this
// package already does.

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// classInfo extracts the (module, name) a ZODB class pickle names.
//
// The common case is a plain Global (GLOBAL/STACK_GLOBAL), decoded as
// [Class]. Old-style classes and some legacy ZODB records instead pickle
// their class through `copy_reg._reconstructor(cls, base, state)`: a REDUCE
// whose own callable is the reconstructor helper, not the real class. In
// that shape the real class is the Reduce's first argument, and wrap is
// returned non-nil so the caller can carry the reconstructor's own
// construction args (base, placeholder state) alongside the record's real
// state.
func classInfo(class interface{}) (module, name string, wrap *Call, err error) {
	switch c := class.(type) {
	case Class:
		return c.Module, c.Name, nil, nil
	case Tuple:
		if len(c) == 2 {
			if m, ok := c[0].(string); ok {
				if n, ok := c[1].(string); ok {
					return m, n, nil, nil
				}
			}
		}
	case *Call:
		if len(c.Args) >= 1 {
			if klass, ok := c.Args[0].(Class); ok {
				return klass.Module, klass.Name, c, nil
			}
		}
	}
	return "", "", nil, fmt.Errorf("ogórek: zodb record: unrecognised class pickle shape %T", class)
}

// DecodeZODBRecord decodes a ZODB record — a class pickle immediately
// followed by a state pickle, sharing one memo — into the record-level JSON
// tree `{"@cls": [module, name], "@s": state}`.
func DecodeZODBRecord(data []byte, cfg JSONConfig) (interface{}, error) {
	d := NewDecoder(bytes.NewReader(data))
	classVal, stateVal, err := d.DecodeTwo()
	if err != nil {
		return nil, err
	}

	module, name, wrap, err := classInfo(classVal)
	if err != nil {
		return nil, err
	}

	var stateJSON interface{}
	if wrap != nil {
		reconstructed := &Call{Callable: wrap.Callable, Args: wrap.Args, State: stateVal}
		stateJSON, err = cfg.ValueToJSON(reconstructed)
	} else {
		stateJSON, err = cfg.ValueToJSON(stateVal)
	}
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"@cls": []interface{}{module, name},
		"@s":   compactRefs(stateJSON),
	}, nil
}

// EncodeZODBRecord is the reverse of [DecodeZODBRecord]: it re-serialises
// the class and state pickles through a single [Encoder] so they share one
// memo, as the original record did.
func EncodeZODBRecord(tree interface{}, protocol int) ([]byte, error) {
	m, ok := tree.(map[string]interface{})
	if !ok {
		return nil, codecErr(ErrBadMarker, "zodb record: want an object, got %T", tree)
	}
	rawCls, ok := m["@cls"]
	if !ok {
		return nil, codecErr(ErrBadMarker, "zodb record: missing @cls")
	}
	arr, ok := rawCls.([]interface{})
	if !ok || len(arr) != 2 {
		return nil, codecErr(ErrBadMarker, "zodb record: @cls wants a [module, name] array")
	}
	module, ok1 := arr[0].(string)
	name, ok2 := arr[1].(string)
	if !ok1 || !ok2 {
		return nil, codecErr(ErrBadMarker, "zodb record: @cls module/name must be strings")
	}

	cfg := JSONConfig{}
	stateNode := expandRefs(m["@s"])
	stateVal, err := cfg.JSONToValue(stateNode)
	if err != nil {
		return nil, err
	}

	var classVal, recordState interface{}
	if wrap, ok := stateVal.(*Call); ok && len(wrap.Args) >= 1 {
		if klass, ok := wrap.Args[0].(Class); ok && klass.Module == module && klass.Name == name {
			classVal = &Call{Callable: wrap.Callable, Args: wrap.Args}
			recordState = wrap.State
		}
	}
	if classVal == nil {
		classVal = Class{Module: module, Name: name}
		recordState = stateVal
	}

	var buf bytes.Buffer
	e := NewEncoderWithConfig(&buf, &EncoderConfig{Protocol: protocol})
	if err := e.Encode(classVal); err != nil {
		return nil, err
	}
	if err := e.Encode(recordState); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PickleToValue decodes a single pickle into a marker-form JSON value tree,
// the `pickle_to_value` entry point.
func PickleToValue(data []byte, cfg JSONConfig) (interface{}, error) {
	d := NewDecoder(bytes.NewReader(data))
	v, err := d.Decode()
	if err != nil {
		return nil, err
	}
	tree, err := cfg.ValueToJSON(v)
	if err != nil {
		return nil, err
	}
	return compactRefs(tree), nil
}

// ValueToPickle encodes a marker-form JSON value tree back into a single
// pickle, the `value_to_pickle` entry point.
func ValueToPickle(tree interface{}, protocol int) ([]byte, error) {
	cfg := JSONConfig{}
	v, err := cfg.JSONToValue(expandRefs(tree))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	e := NewEncoderWithConfig(&buf, &EncoderConfig{Protocol: protocol})
	if err := e.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PickleToJSONText decodes a single pickle straight to JSON text,
// compacting `@ref` the ZODB way, the `pickle_to_json_text` entry point.
func PickleToJSONText(data []byte, cfg JSONConfig) ([]byte, error) {
	tree, err := PickleToValue(data, cfg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(tree)
}

// JSONTextToPickle parses JSON text (with ZODB-style compact `@ref`) and
// encodes it as a single pickle, the `json_text_to_pickle` entry point.
func JSONTextToPickle(data []byte, protocol int) ([]byte, error) {
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
	return ValueToPickle(canon, protocol)
}

// StorageRecord is the result of the combined storage-backend entry point:
// a single decode pass that yields the marker-form value, the OIDs it
// references, and (optionally) NUL-sanitised text all at once, rather than
// asking the caller to walk the tree a second time for ref extraction.
type StorageRecord struct {
	Value interface{}
	Refs  []string
}

// DecodeForStorage is the optimised storage-backend entry point: it decodes
// a pickle, extracts every `@ref` OID it finds, and (when sanitizeNUL is
// set) replaces embedded NUL bytes in decoded strings with U+FFFD so the
// result is safe to store in a SQL text column.
func DecodeForStorage(data []byte, sanitizeNUL bool) (StorageRecord, error) {
	d := NewDecoder(bytes.NewReader(data))
	v, err := d.Decode()
	if err != nil {
		return StorageRecord{}, err
	}
	cfg := JSONConfig{SanitizeNUL: sanitizeNUL}
	tree, err := cfg.ValueToJSON(v)
	if err != nil {
		return StorageRecord{}, err
	}
	tree = compactRefs(tree)
	return StorageRecord{Value: tree, Refs: collectRefs(tree, nil)}, nil
}

// collectRefs walks a marker-form JSON tree (after [compactRefs] has run)
// gathering every `@ref` OID it finds, in encounter order, deduplicated.
func collectRefs(node interface{}, seen map[string]bool) []string {
	if seen == nil {
		seen = make(map[string]bool)
	}
	var out []string
	var walk func(interface{})
	walk = func(n interface{}) {
		switch x := n.(type) {
		case map[string]interface{}:
			if len(x) == 1 {
				if raw, ok := x["@ref"]; ok {
					if oid, ok := refOID(raw); ok {
						if !seen[oid] {
							seen[oid] = true
							out = append(out, oid)
						}
						return
					}
				}
			}
			for _, v := range x {
				walk(v)
			}
		case []interface{}:
			for _, v := range x {
				walk(v)
			}
		}
	}
	walk(node)
	return out
}

// refOID extracts the hex OID out of a compacted `@ref` payload, which is
// either the bare hex string or a [hexOID, classPath] pair.
func refOID(raw interface{}) (string, bool) {
	switch v := raw.(type) {
	case string:
		return v, true
	case []interface{}:
		if len(v) == 2 {
			if s, ok := v[0].(string); ok {
				return s, true
			}
		}
	}
	return "", false
}

// compactRefs rewrites every generic `{"@ref": {"@t": [{"@b": ...}, ...]}}`
// node produced by the ordinary [Ref] mapping into the ZODB-specific
// compact form: a bare hex OID string, or `[hexOID, "module.Name"]` when a
// class hint tuple rides along. A ref whose Pid does not have that shape
// (a non-ZODB persistent id) is left exactly as the generic mapper produced
// it; compaction is best-effort, never lossy.
func compactRefs(node interface{}) interface{} {
	switch n := node.(type) {
	case map[string]interface{}:
		if len(n) == 1 {
			if inner, ok := n["@ref"]; ok {
				if compact, ok := tryCompactRef(inner); ok {
					return map[string]interface{}{"@ref": compact}
				}
			}
		}
		out := make(map[string]interface{}, len(n))
		for k, v := range n {
			out[k] = compactRefs(v)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(n))
		for i, v := range n {
			out[i] = compactRefs(v)
		}
		return out
	default:
		return node
	}
}

func tryCompactRef(inner interface{}) (interface{}, bool) {
	m, ok := inner.(map[string]interface{})
	if !ok {
		return nil, false
	}
	// a plain OID-only persistent id (no class hint) maps straight to @b.
	if oidHex, ok := refBytesHex(m); ok {
		return oidHex, true
	}
	tArr, ok := m["@t"].([]interface{})
	if !ok || len(tArr) < 1 || len(tArr) > 2 {
		return nil, false
	}
	oidHex, ok := refBytesHex(tArr[0])
	if !ok {
		return nil, false
	}
	if len(tArr) == 1 || tArr[1] == nil {
		return oidHex, true
	}
	clsMap, ok := tArr[1].(map[string]interface{})
	if !ok {
		return nil, false
	}
	clsArr, ok := clsMap["@cls"].([]interface{})
	if !ok || len(clsArr) != 2 {
		return nil, false
	}
	mod, ok1 := clsArr[0].(string)
	name, ok2 := clsArr[1].(string)
	if !ok1 || !ok2 {
		return nil, false
	}
	return []interface{}{oidHex, mod + "." + name}, true
}

func refBytesHex(node interface{}) (string, bool) {
	m, ok := node.(map[string]interface{})
	if !ok {
		return "", false
	}
	if b64, ok := m["@b"].(string); ok {
		b, err := decodeB64(b64, MaxBinSize8)
		if err != nil {
			return "", false
		}
		return hex.EncodeToString(b), true
	}
	return "", false
}

// expandRefs is the reverse of [compactRefs]: it rewrites a compact
// `{"@ref": "hexoid"}` or `{"@ref": [hexoid, "module.Name"]}` node back
// into the generic shape [JSONConfig.JSONToValue] understands. Any `@ref`
// node whose payload is already the generic shape (an object) passes
// through untouched.
func expandRefs(node interface{}) interface{} {
	switch n := node.(type) {
	case map[string]interface{}:
		if len(n) == 1 {
			if inner, ok := n["@ref"]; ok {
				if expanded, ok := tryExpandRef(inner); ok {
					return map[string]interface{}{"@ref": expanded}
				}
			}
		}
		out := make(map[string]interface{}, len(n))
		for k, v := range n {
			out[k] = expandRefs(v)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(n))
		for i, v := range n {
			out[i] = expandRefs(v)
		}
		return out
	default:
		return node
	}
}

func tryExpandRef(inner interface{}) (interface{}, bool) {
	switch v := inner.(type) {
	case string:
		oid, err := hex.DecodeString(v)
		if err != nil {
			return nil, false
		}
		return map[string]interface{}{"@b": encodeB64(oid)}, true
	case []interface{}:
		if len(v) != 2 {
			return nil, false
		}
		hexOID, ok := v[0].(string)
		if !ok {
			return nil, false
		}
		classPath, ok := v[1].(string)
		if !ok {
			return nil, false
		}
		oid, err := hex.DecodeString(hexOID)
		if err != nil {
			return nil, false
		}
		mod, name, ok := splitClassPath(classPath)
		if !ok {
			return nil, false
		}
		return map[string]interface{}{"@t": []interface{}{
			map[string]interface{}{"@b": encodeB64(oid)},
			map[string]interface{}{"@cls": []interface{}{mod, name}},
		}}, true
	}
	return nil, false
}

// splitClassPath splits a "package.module.ClassName" path at its last dot
// into (module, name). A class path with no dot is not representable this
// way (the original [Class] always carries a non-empty module).
func splitClassPath(path string) (module, name string, ok bool) {
	i := -1
	for j := 0; j < len(path); j++ {
		if path[j] == '.' {
			i = j
		}
	}
	if i < 0 {
		return "", "", false
	}
	return path[:i], path[i+1:], true
}
