package ogórek
// the value model: container types used to represent pickled Python objects.
//
// Go has no built-in tagged union, so — following how ogórek already
// represents None, Tuple, Bytes, Class and Ref — every pickle shape gets its
// own named Go type and the "PickleValue" of the design is simply
// interface{} holding one of them (or a plain bool/int64/*big.Int/float64/
// string/[]interface{}/[]byte).

import (
	"fmt"
	"reflect"
)

// RawPickle is a span of already-serialized pickle bytes for a single
// value, opaque to the rest of the codec.
//
// [Decoder] never produces RawPickle: every opcode it understands is fully
// interpreted into one of the other value types (or an error). RawPickle
// exists as a write-path escape hatch, for a caller assembling a value to
// encode that already holds pre-pickled bytes for some subtree (most often
// because those bytes round-tripped through the JSON mapper's `@pkl`
// marker) and wants them written out verbatim rather than re-derived from a
// decoded Go value.
type RawPickle []byte

// Set represents Python's set.
//
// Item order is whatever order the pickled list argument of
// builtins.set(...) carried; ogórek does not sort it.
type Set []interface{}

// FrozenSet represents Python's frozenset. See [Set].
type FrozenSet []interface{}

// DictItem is one key/value pair of an [OrderedDict], in the order it was
// inserted (equivalently: in the order pickle's SETITEM/SETITEMS/DICT
// opcodes put it on the stack).
type DictItem struct {
	Key   interface{}
	Value interface{}
}

// OrderedDict is an insertion-ordered sequence of key/value pairs, any of
// which may be an arbitrary PickleValue — including keys that would not be
// a legal Go map key (e.g. Tuple, or another OrderedDict).
//
// [Decoder] itself never produces OrderedDict: dict-producing opcodes build
// map[interface{}]interface{} (DecoderConfig.PyDict = false) or [Dict]
// (PyDict = true). The JSON mapper copies either of those into an
// OrderedDict before serializing, in Go map (or Dict) iteration order, so
// the pair order of a resulting @d marker can differ from one call to the
// next.
//
// Key lookup uses the same Python-equality as [Dict] (see equal in dict.go):
// Set/Get treat int64(1), float64(1.0) and *big.Int(1) as the same key.
type OrderedDict []DictItem

// NewOrderedDict returns an empty OrderedDict.
func NewOrderedDict() OrderedDict { return OrderedDict{} }

// Get returns the value associated with an equal key, and whether it was found.
func (d OrderedDict) Get(key interface{}) (interface{}, bool) {
	for _, it := range d {
		if equal(it.Key, key) {
			return it.Value, true
		}
	}
	return nil, false
}

// Set assigns key to value, replacing any previous equal key's value
// in-place (so insertion order for re-assigned keys does not change,
// mirroring Python dict semantics).
func (d *OrderedDict) Set(key, value interface{}) {
	for i, it := range *d {
		if equal(it.Key, key) {
			(*d)[i].Value = value
			return
		}
	}
	*d = append(*d, DictItem{Key: key, Value: value})
}

// Len returns the number of items.
func (d OrderedDict) Len() int { return len(d) }

// String renders the dict similarly to Dict.String, for debugging.
func (d OrderedDict) String() string {
	s := "{"
	for i, it := range d {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%v: %v", it.Key, it.Value)
	}
	s += "}"
	return s
}

// identity returns a stable address for d's backing map, used by the
// encoder to recognise when the same Dict value is reached twice while
// walking a tree (see identityOf in encode.go).
func (d Dict) identity() uintptr {
	return reflect.ValueOf(d.m).Pointer()
}

// toDict converts an OrderedDict to a Dict (PyDict mode), losing order but
// gaining O(1) Python-equality lookup. No code in this package calls it.
func (d OrderedDict) toDict() Dict {
	nd := NewDictWithSizeHint(len(d))
	for _, it := range d {
		nd.Set(it.Key, it.Value)
	}
	return nd
}

// fromDict converts a Dict back to an OrderedDict. Iteration order of Dict
// is arbitrary, so the result's key order is likewise arbitrary — callers
// that need deterministic JSON output should avoid round-tripping through
// Dict.
func fromDict(src Dict) OrderedDict {
	od := make(OrderedDict, 0, src.Len())
	src.Iter()(func(k, v interface{}) bool {
		od = append(od, DictItem{Key: k, Value: v})
		return true
	})
	return od
}
