package ogórek
// BTree transform: flattening ZODB's BTrees package types (OOBTree,
// IOBucket, LLTreeSet, ...) into a compact JSON shape and back.
//
// A BTrees.*.*BTree/*.*TreeSet node pickles its reduce-state in one of two
// shapes depending on how many items it holds:
//
//   - small: everything fits in the tree's own single implicit bucket, and
//     __reduce__ wraps that bucket's own state in one extra 1-tuple.
//   - large: the tree holds multiple child buckets/subtrees; the state is
//     a 2-tuple of (children, firstbucket), where children alternates
//     child-refs and the separator keys between them.
//
// *Bucket/*Set nodes (leaves) never have the "large" shape; their state is
// a 1-tuple of the flat key/value (or key-only) data, optionally followed
// by a persistent reference to the next bucket in the chain.
//
// This mirrors the BTrees pickling support in ZODB itself; there is no
// third-party Go package for it in the retrieval pack, so it is
// implemented directly against that wire shape (justified in DESIGN.md).

import (
	"strings"
)

// classifyBTree reports whether c names one of the BTrees container
// classes, and if so whether it is a mapping (BTree/Bucket, key+value
// pairs) or a pure key set (TreeSet/Set), and whether it is a multi-level
// tree (BTree/TreeSet) or a single leaf (Bucket/Set).
//
// Suffix order matters: TreeSet must be checked before Set, since it also
// ends in "Set". BTrees.Length.Length is deliberately excluded here; it
// gets its own scalar handling in knowntypes.go.
func classifyBTree(c Class) (isMapping, isTree, ok bool) {
	if !strings.HasPrefix(c.Module, "BTrees.") {
		return false, false, false
	}
	switch {
	case strings.HasSuffix(c.Name, "BTree"):
		return true, true, true
	case strings.HasSuffix(c.Name, "Bucket"):
		return true, false, true
	case strings.HasSuffix(c.Name, "TreeSet"):
		return false, true, true
	case strings.HasSuffix(c.Name, "Set"):
		return false, false, true
	}
	return false, false, false
}

// btreeToJSON renders a decoded BTrees.*.* Call as
// {"@cls":[mod,name],"@s":{...}} with the flattened-shape keys (@kv/@ks/@next
// or @children/@first) nested under @s, or {"@cls":[mod,name],"@s":null} for
// an empty node.
func btreeToJSON(c *Call, toJSON func(interface{}) (interface{}, error)) (interface{}, bool, error) {
	isMapping, isTree, ok := classifyBTree(c.Callable)
	if !ok {
		return nil, false, nil
	}
	clsJSON := []interface{}{c.Callable.Module, c.Callable.Name}

	if len(c.Args) == 0 {
		return map[string]interface{}{"@cls": clsJSON, "@s": nil}, true, nil
	}
	if len(c.Args) != 1 {
		return nil, false, codecErr(ErrMalformedBTree, "%s.%s: want a 1-tuple reduce state, got %d args", c.Callable.Module, c.Callable.Name, len(c.Args))
	}
	state := c.Args[0]
	if state == nil {
		return map[string]interface{}{"@cls": clsJSON, "@s": nil}, true, nil
	}

	if isTree {
		if children, first, ok := unwrapLargeBTree(state); ok {
			childrenJSON, err := toJSONSlice(children, toJSON)
			if err != nil {
				return nil, false, err
			}
			s := map[string]interface{}{"@children": childrenJSON}
			if first != nil {
				firstJSON, err := toJSON(first)
				if err != nil {
					return nil, false, err
				}
				s["@first"] = firstJSON
			}
			return map[string]interface{}{"@cls": clsJSON, "@s": s}, true, nil
		}
		inner, ok := unwrapSmallBTree(state)
		if !ok {
			return nil, false, codecErr(ErrMalformedBTree, "%s.%s: unrecognised small-tree state shape", c.Callable.Module, c.Callable.Name)
		}
		state = inner
	}

	items, next, err := unwrapLeafState(state)
	if err != nil {
		return nil, false, err
	}
	itemsJSON, key, err := leafItemsToJSON(items, isMapping, toJSON)
	if err != nil {
		return nil, false, err
	}
	s := map[string]interface{}{key: itemsJSON}
	if next != nil {
		nextJSON, err := toJSON(next)
		if err != nil {
			return nil, false, err
		}
		s["@next"] = nextJSON
	}
	return map[string]interface{}{"@cls": clsJSON, "@s": s}, true, nil
}

// unwrapLargeBTree recognises a 2-tuple (children, firstbucket) state.
func unwrapLargeBTree(state interface{}) (children Tuple, first interface{}, ok bool) {
	t, ok := state.(Tuple)
	if !ok || len(t) != 2 {
		return nil, nil, false
	}
	ch, ok := t[0].(Tuple)
	if !ok {
		return nil, nil, false
	}
	return ch, t[1], true
}

// unwrapSmallBTree recognises the single extra 1-tuple wrap a BTree/TreeSet
// node adds around its sole bucket's state when everything fits in it.
func unwrapSmallBTree(state interface{}) (interface{}, bool) {
	t, ok := state.(Tuple)
	if !ok || len(t) != 1 {
		return nil, false
	}
	inner, ok := t[0].(Tuple)
	if !ok {
		return nil, false
	}
	return inner, true
}

// unwrapLeafState recognises a Bucket/Set's own state: a 1-tuple of flat
// items, optionally followed by a persistent reference to the next bucket.
func unwrapLeafState(state interface{}) (items []interface{}, next interface{}, err error) {
	t, ok := state.(Tuple)
	if !ok || len(t) < 1 || len(t) > 2 {
		return nil, nil, codecErr(ErrMalformedBTree, "leaf state: want a 1- or 2-tuple, got %T", state)
	}
	flat, ok := t[0].([]interface{})
	if !ok {
		if flatT, ok2 := t[0].(Tuple); ok2 {
			flat = flatT
		} else {
			return nil, nil, codecErr(ErrMalformedBTree, "leaf state: want a flat sequence of items, got %T", t[0])
		}
	}
	if len(t) == 2 {
		next = t[1]
	}
	return flat, next, nil
}

func leafItemsToJSON(items []interface{}, isMapping bool, toJSON func(interface{}) (interface{}, error)) (interface{}, string, error) {
	if isMapping {
		if len(items)%2 != 0 {
			return nil, "", codecErr(ErrMalformedBTree, "bucket state: odd number of flat items for a mapping type (%d)", len(items))
		}
		pairs := make([]interface{}, 0, len(items)/2)
		for i := 0; i < len(items); i += 2 {
			k, err := toJSON(items[i])
			if err != nil {
				return nil, "", err
			}
			v, err := toJSON(items[i+1])
			if err != nil {
				return nil, "", err
			}
			pairs = append(pairs, []interface{}{k, v})
		}
		return pairs, "@kv", nil
	}
	keys, err := toJSONSlice(items, toJSON)
	if err != nil {
		return nil, "", err
	}
	return keys, "@ks", nil
}

func toJSONSlice(items []interface{}, toJSON func(interface{}) (interface{}, error)) ([]interface{}, error) {
	out := make([]interface{}, len(items))
	for i, it := range items {
		j, err := toJSON(it)
		if err != nil {
			return nil, err
		}
		out[i] = j
	}
	return out, nil
}

// jsonToBTree is the reverse of btreeToJSON: given the class name from
// "@cls" and the sibling "@s" object, it rebuilds the pickle-level Call.
func jsonToBTree(module, name string, m map[string]interface{}, fromJSON func(interface{}) (interface{}, error)) (interface{}, bool, error) {
	class := Class{Module: module, Name: name}
	isMapping, isTree, ok := classifyBTree(class)
	if !ok {
		return nil, false, nil
	}

	rawS, hasS := m["@s"]
	if hasS && rawS == nil {
		return &Call{Callable: class, Args: Tuple{}}, true, nil
	}
	s, ok := rawS.(map[string]interface{})
	if !ok {
		return nil, false, codecErr(ErrMalformedBTree, "%s.%s: @s: want an object, got %T", module, name, rawS)
	}

	if children, hasChildren := s["@children"]; hasChildren {
		if !isTree {
			return nil, false, codecErr(ErrMalformedBTree, "%s.%s: @children is only valid on a tree, not a leaf", module, name)
		}
		childArr, ok := children.([]interface{})
		if !ok {
			return nil, false, codecErr(ErrMalformedBTree, "%s.%s: @children: want an array, got %T", module, name, children)
		}
		childTuple := make(Tuple, len(childArr))
		for i, v := range childArr {
			pv, err := fromJSON(v)
			if err != nil {
				return nil, false, err
			}
			childTuple[i] = pv
		}
		var first interface{}
		if f, ok := s["@first"]; ok {
			pv, err := fromJSON(f)
			if err != nil {
				return nil, false, err
			}
			first = pv
		}
		return &Call{Callable: class, Args: Tuple{Tuple{childTuple, first}}}, true, nil
	}

	var items []interface{}
	var err error
	if isMapping {
		raw, ok := s["@kv"]
		if !ok {
			return nil, false, codecErr(ErrMalformedBTree, "%s.%s: missing @kv", module, name)
		}
		items, err = flatPairsFromJSON(raw, fromJSON)
	} else {
		raw, ok := s["@ks"]
		if !ok {
			return nil, false, codecErr(ErrMalformedBTree, "%s.%s: missing @ks", module, name)
		}
		items, err = flatKeysFromJSON(raw, fromJSON)
	}
	if err != nil {
		return nil, false, err
	}

	var next interface{}
	if n, ok := s["@next"]; ok {
		next, err = fromJSON(n)
		if err != nil {
			return nil, false, err
		}
	}

	leafState := Tuple{append(Tuple{}, items...)}
	if next != nil {
		leafState = append(leafState, next)
	}

	state := interface{}(leafState)
	if isTree {
		// re-wrap in the extra 1-tuple a small BTree/TreeSet carries
		// around its sole bucket's state.
		state = Tuple{leafState}
	}
	return &Call{Callable: class, Args: Tuple{state}}, true, nil
}

func flatPairsFromJSON(raw interface{}, fromJSON func(interface{}) (interface{}, error)) ([]interface{}, error) {
	arr, ok := raw.([]interface{})
	if !ok {
		return nil, codecErr(ErrMalformedBTree, "@kv: want an array, got %T", raw)
	}
	out := make([]interface{}, 0, len(arr)*2)
	for _, pair := range arr {
		p, ok := pair.([]interface{})
		if !ok || len(p) != 2 {
			return nil, codecErr(ErrMalformedBTree, "@kv: want [key, value] pairs, got %v", pair)
		}
		k, err := fromJSON(p[0])
		if err != nil {
			return nil, err
		}
		v, err := fromJSON(p[1])
		if err != nil {
			return nil, err
		}
		out = append(out, k, v)
	}
	return out, nil
}

func flatKeysFromJSON(raw interface{}, fromJSON func(interface{}) (interface{}, error)) ([]interface{}, error) {
	arr, ok := raw.([]interface{})
	if !ok {
		return nil, codecErr(ErrMalformedBTree, "@ks: want an array, got %T", raw)
	}
	out := make([]interface{}, len(arr))
	for i, v := range arr {
		pv, err := fromJSON(v)
		if err != nil {
			return nil, err
		}
		out[i] = pv
	}
	return out, nil
}
