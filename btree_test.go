package ogórek

import (
	"errors"
	"reflect"
	"testing"
)

// S6 — Bucket holding [("a",1),("b",2)] with next-ref OID 0x03.
func TestBTreeBucketWithNext(t *testing.T) {
	cfg := JSONConfig{}

	call := &Call{
		Callable: Class{Module: "BTrees.OOBTree", Name: "OOBucket"},
		Args: Tuple{Tuple{
			[]interface{}{"a", int64(1), "b", int64(2)},
			Ref{Pid: Bytes([]byte{0, 0, 0, 0, 0, 0, 0, 3})},
		}},
	}

	got, err := cfg.ValueToJSON(call)
	if err != nil {
		t.Fatalf("ValueToJSON: %v", err)
	}
	got = compactRefs(got)

	want := map[string]interface{}{
		"@cls": []interface{}{"BTrees.OOBTree", "OOBucket"},
		"@s": map[string]interface{}{
			"@kv":   []interface{}{[]interface{}{"a", int64(1)}, []interface{}{"b", int64(2)}},
			"@next": map[string]interface{}{"@ref": "0000000000000003"},
		},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %#v,\nwant %#v", got, want)
	}

	back, err := cfg.JSONToValue(expandRefs(got))
	if err != nil {
		t.Fatalf("JSONToValue: %v", err)
	}
	bc, ok := back.(*Call)
	if !ok {
		t.Fatalf("JSONToValue: got %T", back)
	}
	if bc.Callable != call.Callable {
		t.Errorf("Callable = %#v", bc.Callable)
	}
	state, ok := bc.Args[0].(Tuple)
	if !ok || len(state) != 2 {
		t.Fatalf("Args[0] = %#v", bc.Args[0])
	}
	ref, ok := state[1].(Ref)
	if !ok {
		t.Fatalf("next = %T, want Ref", state[1])
	}
	if pid, ok := ref.Pid.(Bytes); !ok || []byte(pid)[7] != 3 {
		t.Errorf("ref.Pid = %#v", ref.Pid)
	}
}

func TestBTreeEmpty(t *testing.T) {
	cfg := JSONConfig{}
	call := &Call{Callable: Class{Module: "BTrees.OOBTree", Name: "OOBTree"}, Args: Tuple{}}

	got, err := cfg.ValueToJSON(call)
	if err != nil {
		t.Fatalf("ValueToJSON: %v", err)
	}
	want := map[string]interface{}{
		"@cls": []interface{}{"BTrees.OOBTree", "OOBTree"},
		"@s":   nil,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %#v, want %#v", got, want)
	}

	back, err := cfg.JSONToValue(got)
	if err != nil {
		t.Fatalf("JSONToValue: %v", err)
	}
	if !reflect.DeepEqual(back, call) {
		t.Errorf("JSONToValue: got %#v, want %#v", back, call)
	}
}

func TestBTreeLargeTree(t *testing.T) {
	cfg := JSONConfig{}
	bucket := &Call{
		Callable: Class{Module: "BTrees.OOBTree", Name: "OOBucket"},
		Args:     Tuple{Tuple{Tuple{"a", int64(1)}}},
	}
	call := &Call{
		Callable: Class{Module: "BTrees.OOBTree", Name: "OOBTree"},
		Args: Tuple{Tuple{
			Tuple{bucket, "m", bucket},
			bucket,
		}},
	}

	got, err := cfg.ValueToJSON(call)
	if err != nil {
		t.Fatalf("ValueToJSON: %v", err)
	}
	m, ok := got.(map[string]interface{})
	if !ok {
		t.Fatalf("got %T", got)
	}
	s, ok := m["@s"].(map[string]interface{})
	if !ok {
		t.Fatalf("@s = %#v", m["@s"])
	}
	if _, ok := s["@children"]; !ok {
		t.Fatalf("missing @children: %#v", s)
	}
	if _, ok := s["@first"]; !ok {
		t.Fatalf("missing @first: %#v", s)
	}

	back, err := cfg.JSONToValue(got)
	if err != nil {
		t.Fatalf("JSONToValue: %v", err)
	}
	if !reflect.DeepEqual(back, call) {
		t.Errorf("JSONToValue: got %#v, want %#v", back, call)
	}
}

// S10 — a Bucket whose flat items have odd length fails with MalformedBTree.
func TestBTreeOddBucketRejected(t *testing.T) {
	cfg := JSONConfig{}
	call := &Call{
		Callable: Class{Module: "BTrees.OOBTree", Name: "OOBucket"},
		Args:     Tuple{Tuple{[]interface{}{"a", int64(1), "b"}}},
	}
	_, err := cfg.ValueToJSON(call)
	var cerr *CodecError
	if !errors.As(err, &cerr) || cerr.Kind != ErrMalformedBTree {
		t.Fatalf("got err %v, want ErrMalformedBTree", err)
	}
}
