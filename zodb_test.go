package ogórek

import (
	"bytes"
	"reflect"
	"testing"
)

func encodeZODBParts(t *testing.T, class, state interface{}) []byte {
	t.Helper()
	var buf bytes.Buffer
	e := NewEncoder(&buf)
	if err := e.Encode(class); err != nil {
		t.Fatalf("encode class: %v", err)
	}
	if err := e.Encode(state); err != nil {
		t.Fatalf("encode state: %v", err)
	}
	return buf.Bytes()
}

func TestZODBRecordPlainGlobal(t *testing.T) {
	class := Class{Module: "mypkg", Name: "MyClass"}
	state := map[interface{}]interface{}{"foo": "bar"}
	data := encodeZODBParts(t, class, state)

	tree, err := DecodeZODBRecord(data, JSONConfig{})
	if err != nil {
		t.Fatalf("DecodeZODBRecord: %v", err)
	}
	want := map[string]interface{}{
		"@cls": []interface{}{"mypkg", "MyClass"},
		"@s":   map[string]interface{}{"foo": "bar"},
	}
	if !reflect.DeepEqual(tree, want) {
		t.Fatalf("got %#v, want %#v", tree, want)
	}

	out, err := EncodeZODBRecord(tree, 2)
	if err != nil {
		t.Fatalf("EncodeZODBRecord: %v", err)
	}
	d := NewDecoder(bytes.NewReader(out))
	gotClass, gotState, err := d.DecodeTwo()
	if err != nil {
		t.Fatalf("DecodeTwo: %v", err)
	}
	if !reflect.DeepEqual(gotClass, class) {
		t.Errorf("class: got %#v, want %#v", gotClass, class)
	}
	if !reflect.DeepEqual(gotState, state) {
		t.Errorf("state: got %#v, want %#v", gotState, state)
	}
}

func TestZODBRecordCopyRegReconstructor(t *testing.T) {
	class := &Call{
		Callable: Class{Module: "copy_reg", Name: "_reconstructor"},
		Args: Tuple{
			Class{Module: "mypkg", Name: "Old"},
			Class{Module: "__builtin__", Name: "object"},
			None{},
		},
	}
	state := map[interface{}]interface{}{"x": int64(1)}
	data := encodeZODBParts(t, class, state)

	tree, err := DecodeZODBRecord(data, JSONConfig{})
	if err != nil {
		t.Fatalf("DecodeZODBRecord: %v", err)
	}
	m, ok := tree.(map[string]interface{})
	if !ok {
		t.Fatalf("got %T", tree)
	}
	if !reflect.DeepEqual(m["@cls"], []interface{}{"mypkg", "Old"}) {
		t.Errorf("@cls = %#v", m["@cls"])
	}
	sm, ok := m["@s"].(map[string]interface{})
	if !ok {
		t.Fatalf("@s = %#v", m["@s"])
	}
	reduce, ok := sm["@reduce"].(map[string]interface{})
	if !ok {
		t.Fatalf("@s has no @reduce: %#v", sm)
	}
	if !reflect.DeepEqual(reduce["callable"], []interface{}{"copy_reg", "_reconstructor"}) {
		t.Errorf("callable = %#v", reduce["callable"])
	}
	if !reflect.DeepEqual(reduce["state"], map[string]interface{}{"x": int64(1)}) {
		t.Errorf("state = %#v", reduce["state"])
	}

	out, err := EncodeZODBRecord(tree, 2)
	if err != nil {
		t.Fatalf("EncodeZODBRecord: %v", err)
	}
	d := NewDecoder(bytes.NewReader(out))
	gotClass, gotState, err := d.DecodeTwo()
	if err != nil {
		t.Fatalf("DecodeTwo: %v", err)
	}
	if !reflect.DeepEqual(gotClass, class) {
		t.Errorf("class: got %#v, want %#v", gotClass, class)
	}
	if !reflect.DeepEqual(gotState, state) {
		t.Errorf("state: got %#v, want %#v", gotState, state)
	}
}

func TestDecodeForStorage(t *testing.T) {
	v := map[interface{}]interface{}{
		"title": "hello\x00world",
		"next":  Ref{Pid: Bytes([]byte{0, 0, 0, 0, 0, 0, 0, 7})},
	}
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(v); err != nil {
		t.Fatalf("encode: %v", err)
	}

	rec, err := DecodeForStorage(buf.Bytes(), true)
	if err != nil {
		t.Fatalf("DecodeForStorage: %v", err)
	}
	if len(rec.Refs) != 1 || rec.Refs[0] != "0000000000000007" {
		t.Fatalf("Refs = %#v", rec.Refs)
	}
	m, ok := rec.Value.(map[string]interface{})
	if !ok {
		t.Fatalf("Value = %T", rec.Value)
	}
	if got := m["title"]; got != "hello�world" {
		t.Errorf("title = %q, want NUL sanitised", got)
	}
	ref, ok := m["next"].(map[string]interface{})
	if !ok || ref["@ref"] != "0000000000000007" {
		t.Errorf("next = %#v", m["next"])
	}
}

func TestPickleToValueRoundTrip(t *testing.T) {
	cfg := JSONConfig{}
	v := []interface{}{Tuple{int64(1), int64(2)}, "hi"}
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(v); err != nil {
		t.Fatalf("encode: %v", err)
	}

	tree, err := PickleToValue(buf.Bytes(), cfg)
	if err != nil {
		t.Fatalf("PickleToValue: %v", err)
	}
	out, err := ValueToPickle(tree, 2)
	if err != nil {
		t.Fatalf("ValueToPickle: %v", err)
	}
	d := NewDecoder(bytes.NewReader(out))
	back, err := d.Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(back, v) {
		t.Errorf("got %#v, want %#v", back, v)
	}
}

func TestPickleJSONTextRoundTrip(t *testing.T) {
	cfg := JSONConfig{}
	v := map[interface{}]interface{}{"n": int64(7)}
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(v); err != nil {
		t.Fatalf("encode: %v", err)
	}

	text, err := PickleToJSONText(buf.Bytes(), cfg)
	if err != nil {
		t.Fatalf("PickleToJSONText: %v", err)
	}
	out, err := JSONTextToPickle(text, 2)
	if err != nil {
		t.Fatalf("JSONTextToPickle: %v", err)
	}
	d := NewDecoder(bytes.NewReader(out))
	back, err := d.Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(back, v) {
		t.Errorf("got %#v, want %#v", back, v)
	}
}
