package ogórek

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"testing"
)

// CODEC-C1 — a length-prefixed opcode declaring a negative length fails
// with BadLength instead of wrapping around to a huge unsigned read.
func TestBoundBadLength(t *testing.T) {
	data := []byte{opBinbytes, 0xff, 0xff, 0xff, 0xff} // length -1 as int32
	d := NewDecoder(bytes.NewReader(data))
	_, err := d.Decode()

	var cerr *CodecError
	if !errors.As(err, &cerr) || cerr.Kind != ErrBadLength {
		t.Fatalf("got err %v, want ErrBadLength", err)
	}
}

// S8 / CODEC-M3 — a BINBYTES8 declaring 2^32 bytes must fail with SizeLimit
// before any allocation is attempted; no payload bytes follow because the
// decoder must reject based on the length alone.
func TestOversizedBinBytes8Rejected(t *testing.T) {
	data := []byte{opBinbytes8, 0, 0, 0, 0, 1, 0, 0, 0} // 2^32, little-endian
	d := NewDecoder(bytes.NewReader(data))
	_, err := d.Decode()

	var cerr *CodecError
	if !errors.As(err, &cerr) || cerr.Kind != ErrSizeLimit {
		t.Fatalf("got err %v, want ErrSizeLimit", err)
	}
}

// CODEC-C2 — more than MaxMemoEntries distinct memo slots requested in one
// decode fails with MemoLimit. A single pushed value is reused as the top
// of the stack for every PUT, so the test only has to vary the memo key.
func TestBoundMemoLimit(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(opNone)
	for i := 0; i <= MaxMemoEntries; i++ {
		buf.WriteByte(opPut)
		fmt.Fprintf(&buf, "%d\n", i)
	}

	d := NewDecoder(bytes.NewReader(buf.Bytes()))
	_, err := d.Decode()

	var cerr *CodecError
	if !errors.As(err, &cerr) || cerr.Kind != ErrMemoLimit {
		t.Fatalf("got err %v, want ErrMemoLimit", err)
	}
}

// CODEC-H1 — recursion depth beyond MaxDepth fails with DepthLimit rather
// than overflowing the Go call stack.
func TestBoundDepthLimit(t *testing.T) {
	var v interface{} = Tuple{}
	for i := 0; i < MaxDepth+100; i++ {
		v = Tuple{v}
	}

	var buf bytes.Buffer
	err := NewEncoder(&buf).Encode(v)

	var cerr *CodecError
	if !errors.As(err, &cerr) || cerr.Kind != ErrDepthLimit {
		t.Fatalf("got err %v, want ErrDepthLimit", err)
	}
}

// S7 — a state {"x": S, "y": S} where S is a memoised dict encodes S once
// plus one BINGET, decodes to an x and y that are equal, and re-encoding
// the decoded tree preserves that single-emission form.
func TestSharedSubtreeSingleEmission(t *testing.T) {
	shared := map[interface{}]interface{}{"k": "v"}
	outer := map[interface{}]interface{}{"x": shared, "y": shared}

	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(outer); err != nil {
		t.Fatalf("encode: %v", err)
	}
	data := buf.Bytes()
	if n := bytes.Count(data, []byte{opBinput}); n != 1 {
		t.Errorf("BINPUT count = %d, want 1", n)
	}
	if n := bytes.Count(data, []byte{opBinget}); n != 1 {
		t.Errorf("BINGET count = %d, want 1", n)
	}

	d := NewDecoder(bytes.NewReader(data))
	back, err := d.Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	m, ok := back.(map[interface{}]interface{})
	if !ok {
		t.Fatalf("decode: got %T", back)
	}
	if !reflect.DeepEqual(m["x"], m["y"]) {
		t.Fatalf("x != y: %#v vs %#v", m["x"], m["y"])
	}

	var buf2 bytes.Buffer
	if err := NewEncoder(&buf2).Encode(back); err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	data2 := buf2.Bytes()
	if n := bytes.Count(data2, []byte{opBinput}); n != 1 {
		t.Errorf("re-encode BINPUT count = %d, want 1", n)
	}
	if n := bytes.Count(data2, []byte{opBinget}); n != 1 {
		t.Errorf("re-encode BINGET count = %d, want 1", n)
	}
}
