package ogórek

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

// S1 — a flat dict with string keys has no "@" keys in its JSON form.
func TestJSONMapperFlatDict(t *testing.T) {
	cfg := JSONConfig{}
	v := map[interface{}]interface{}{"title": "Hello", "count": int64(42)}

	got, err := cfg.ValueToJSON(v)
	if err != nil {
		t.Fatalf("ValueToJSON: %v", err)
	}
	want := map[string]interface{}{"title": "Hello", "count": int64(42)}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %#v, want %#v", got, want)
	}

	back, err := cfg.JSONToValue(got)
	if err != nil {
		t.Fatalf("JSONToValue: %v", err)
	}
	if !reflect.DeepEqual(back, v) {
		t.Errorf("JSONToValue: got %#v, want %#v", back, v)
	}
}

// S2 — tuple inside list.
func TestJSONMapperTupleInList(t *testing.T) {
	cfg := JSONConfig{}
	v := []interface{}{Tuple{int64(1), int64(2)}, int64(3)}

	got, err := cfg.ValueToJSON(v)
	if err != nil {
		t.Fatalf("ValueToJSON: %v", err)
	}
	want := []interface{}{map[string]interface{}{"@t": []interface{}{int64(1), int64(2)}}, int64(3)}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %#v, want %#v", got, want)
	}

	back, err := cfg.JSONToValue(got)
	if err != nil {
		t.Fatalf("JSONToValue: %v", err)
	}
	if !reflect.DeepEqual(back, v) {
		t.Errorf("JSONToValue: got %#v, want %#v", back, v)
	}
}

// S3 — bytes.
func TestJSONMapperBytes(t *testing.T) {
	cfg := JSONConfig{}
	v := Bytes([]byte{1, 2, 3, 0xff})

	got, err := cfg.ValueToJSON(v)
	if err != nil {
		t.Fatalf("ValueToJSON: %v", err)
	}
	want := map[string]interface{}{"@b": "AQID/w=="}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %#v, want %#v", got, want)
	}

	back, err := cfg.JSONToValue(got)
	if err != nil {
		t.Fatalf("JSONToValue: %v", err)
	}
	if !reflect.DeepEqual(back, v) {
		t.Errorf("JSONToValue: got %#v, want %#v", back, v)
	}
}

func TestJSONMapperIntText(t *testing.T) {
	cfg := JSONConfig{}
	txt, err := cfg.PickleToJSONText(int64(1))
	if err != nil {
		t.Fatalf("PickleToJSONText: %v", err)
	}
	if string(txt) != "1" {
		t.Errorf("got %s", txt)
	}
}

func TestJSONMapperNonStringKeyDict(t *testing.T) {
	cfg := JSONConfig{}
	v := map[interface{}]interface{}{int64(1): "x"}

	got, err := cfg.ValueToJSON(v)
	if err != nil {
		t.Fatalf("ValueToJSON: %v", err)
	}
	m, ok := got.(map[string]interface{})
	if !ok {
		t.Fatalf("got %T", got)
	}
	if _, ok := m["@d"]; !ok {
		t.Fatalf("missing @d marker: %#v", got)
	}

	back, err := cfg.JSONToValue(got)
	if err != nil {
		t.Fatalf("JSONToValue: %v", err)
	}
	if !reflect.DeepEqual(back, v) {
		t.Errorf("JSONToValue: got %#v, want %#v", back, v)
	}
}

// S9-style — a Reduce over an unrecognised global with a dict state keyed
// by a non-UTF-8 byte string cannot be represented as a plain JSON object
// key, so it falls back to the universal @pkl escape hatch instead of
// failing the whole mapping.
func TestJSONMapperPklFallback(t *testing.T) {
	cfg := JSONConfig{}
	badKey := string([]byte{0xff, 0xfe})
	call := &Call{
		Callable: Class{Module: "some.pkg", Name: "Exotic"},
		Args:     Tuple{int64(1)},
		State:    OrderedDict{{Key: badKey, Value: int64(1)}},
	}

	got, err := cfg.ValueToJSON(call)
	if err != nil {
		t.Fatalf("ValueToJSON returned an error instead of falling back: %v", err)
	}
	m, ok := got.(map[string]interface{})
	if !ok {
		t.Fatalf("got %T", got)
	}
	b64, ok := m["@pkl"].(string)
	if !ok {
		t.Fatalf("missing @pkl marker: %#v", got)
	}

	back, err := cfg.JSONToValue(got)
	if err != nil {
		t.Fatalf("JSONToValue: %v", err)
	}
	raw, ok := back.(RawPickle)
	if !ok {
		t.Fatalf("JSONToValue: got %T", back)
	}

	d := NewDecoder(bytes.NewReader(raw))
	decoded, err := d.Decode()
	if err != nil {
		t.Fatalf("decode @pkl payload: %v", err)
	}
	dc, ok := decoded.(*Call)
	if !ok || dc.Callable != call.Callable {
		t.Fatalf("decoded @pkl payload = %#v", decoded)
	}
	_ = b64
}

func TestJSONMapperInvalidUtf8KeyOnPlainDict(t *testing.T) {
	cfg := JSONConfig{}
	badKey := string([]byte{0xff, 0xfe})
	v := map[interface{}]interface{}{badKey: int64(1)}

	_, err := cfg.ValueToJSON(v)
	var cerr *CodecError
	if !errors.As(err, &cerr) || cerr.Kind != ErrInvalidUtf8Key {
		t.Fatalf("got err %v, want ErrInvalidUtf8Key", err)
	}
}
