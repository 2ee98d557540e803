package ogórek

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"reflect"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Errors returned by Encode when a value cannot be represented at the
// requested protocol's text-only opcode forms (protocol 0, and GLOBAL for
// protocols 0-3).
var (
	// errP0UnicodeUTF8Only is returned when encoding a strict-unicode string
	// at protocol 0: the UNICODE opcode's raw-unicode-escape text form can
	// only represent valid Unicode text, and the string is not valid UTF-8.
	errP0UnicodeUTF8Only = errors.New("pickle: protocol 0 UNICODE requires valid UTF-8")

	// errP0123GlobalStringLineOnly is returned when a Class's Module or Name
	// contains a newline: GLOBAL's text format is two newline-terminated
	// lines, so a newline inside either field can't be represented below
	// protocol 4 (where STACK_GLOBAL takes length-prefixed strings instead).
	errP0123GlobalStringLineOnly = errors.New("pickle: GLOBAL below protocol 4 requires single-line module/name")

	// errP0PersIDStringLineOnly is returned when a persistent id is not a
	// single-line string at protocol 0: PERSID's text format is one
	// newline-terminated line, so only a string pid without embedded
	// newlines can be represented; any other value needs BINPERSID
	// (protocol >= 1).
	errP0PersIDStringLineOnly = errors.New("pickle: protocol 0 PERSID requires a single-line string id")

	// errBytesRequireProtocol3 is returned when encoding [Bytes] (or a
	// []byte via the reflect fallback) below protocol 3: those protocols
	// have no BINBYTES-family opcode, and ogórek's encoder does not
	// reproduce Python 2's `_codecs.encode(text, 'latin1')` REDUCE-call
	// fallback for representing bytes on the wire.
	errBytesRequireProtocol3 = errors.New("pickle: Bytes requires protocol >= 3")
)

// An Encoder encodes PickleValue-shaped Go values (and, for anything that
// does not match one of ogórek's own types, arbitrary Go values via
// reflection) into a pickle byte stream.
type Encoder struct {
	w io.Writer

	config EncoderConfig

	// memo maps the identity of an already-written composite value (its
	// slice/map/pointer header address) to the memo slot it was PUT under.
	memo map[uintptr]int

	// classMemo is keyed by content rather than identity: [Class] is a
	// plain value with no pointer identity to key off (GLOBAL/STACK_GLOBAL
	// always construct a fresh value on decode), but two Class values with
	// the same module/name are always the same Python class, so content
	// equality is the correct memo key here.
	classMemo map[Class]int

	// nextMemoIdx is the single counter behind both memo and classMemo:
	// pickle has one memo table, and slots are handed out in PUT order
	// regardless of which Go-side map records them.
	nextMemoIdx int

	// shared and sharedClass record which identities/classes occur more
	// than once in the value passed to Encode, computed once up front by
	// countRefs. Only those get a PUT: a value that occurs exactly once
	// never needs a GET to come back to it, and emitting PUT/MEMOIZE for
	// every single container (the way a streaming pickler with no
	// lookahead must) would bloat output for the common case of a
	// tree-shaped (non-shared) value.
	shared      map[uintptr]bool
	sharedClass map[Class]bool
}

// EncoderConfig allows to tune Encoder.
type EncoderConfig struct {
	// Protocol selects the pickle protocol version to target. The value is
	// used as given, so zero means protocol 0; NewEncoder selects protocol 2.
	Protocol int

	// PersistentRef, if !nil, is consulted before encoding any value. If it
	// returns a non-nil *Ref, that ref's Pid is encoded and wrapped in a
	// persistent-reference opcode (BINPERSID for protocol >= 1, PERSID for
	// protocol 0) instead of encoding v inline.
	//
	// This is the encode-side counterpart of DecoderConfig.PersistentLoad:
	// together they let persistent references round-trip through a
	// domain-specific Go representation instead of [Ref].
	PersistentRef func(v interface{}) *Ref

	// StrictUnicode, when set, treats a plain Go string as Python `unicode`
	// text at every protocol, always using the UNICODE/BINUNICODE family.
	// When unset (the default), a plain string is treated as ambiguous text
	// the way Python 2's pickler treats `str`: protocols 0-2 use the
	// STRING/BINSTRING family and only protocol >= 3 switches to
	// UNICODE/BINUNICODE. Either way a [ByteString] always uses
	// STRING/BINSTRING, matching its role as the unambiguous py2-str type.
	StrictUnicode bool
}

// NewEncoder returns a new Encoder with default configuration (protocol 2).
func NewEncoder(w io.Writer) *Encoder {
	return NewEncoderWithConfig(w, &EncoderConfig{Protocol: 2})
}

// NewEncoderWithConfig is like NewEncoder but allows specifying encoder
// configuration. Unlike NewEncoder, config.Protocol is used literally,
// including zero (protocol 0) — callers that want the default should pass 2
// explicitly, the way NewEncoder does.
func NewEncoderWithConfig(w io.Writer, config *EncoderConfig) *Encoder {
	cfg := EncoderConfig{}
	if config != nil {
		cfg = *config
	}
	return &Encoder{
		w:         w,
		config:    cfg,
		memo:      make(map[uintptr]int),
		classMemo: make(map[Class]int),
	}
}

// Encode writes the pickle encoding of v to the encoder's writer.
func (e *Encoder) Encode(v interface{}) error {
	counts, classCounts := make(map[uintptr]int), make(map[Class]int)
	countRefs(v, make(map[uintptr]bool), counts, classCounts)
	e.shared, e.sharedClass = make(map[uintptr]bool), make(map[Class]bool)
	for id, n := range counts {
		if n > 1 {
			e.shared[id] = true
		}
	}
	for c, n := range classCounts {
		if n > 1 {
			e.sharedClass[c] = true
		}
	}

	if e.config.Protocol >= 2 {
		if _, err := e.w.Write([]byte{opProto, byte(e.config.Protocol)}); err != nil {
			return err
		}
	}
	if err := e.encode(v, 0); err != nil {
		return err
	}
	_, err := e.w.Write([]byte{opStop})
	return err
}

// countRefs walks v once, counting how many times each composite identity
// (see identityOf) and each distinct [Class] is reached. A count of 2 or
// more means the value is shared (or, if reached again through its own
// children, cyclic) and needs a memo slot; seen stops the walk from
// recursing into a value's children more than once, which both bounds the
// work on shared subtrees and keeps a genuine cycle from looping forever.
func countRefs(v interface{}, seen map[uintptr]bool, counts map[uintptr]int, classCounts map[Class]int) {
	if id, ok := identityOf(v); ok {
		counts[id]++
		if seen[id] {
			return
		}
		seen[id] = true
	}

	switch x := v.(type) {
	case Tuple:
		for _, it := range x {
			countRefs(it, seen, counts, classCounts)
		}
	case []interface{}:
		for _, it := range x {
			countRefs(it, seen, counts, classCounts)
		}
	case Set:
		for _, it := range x {
			countRefs(it, seen, counts, classCounts)
		}
	case FrozenSet:
		for _, it := range x {
			countRefs(it, seen, counts, classCounts)
		}
	case OrderedDict:
		for _, it := range x {
			countRefs(it.Key, seen, counts, classCounts)
			countRefs(it.Value, seen, counts, classCounts)
		}
	case Dict:
		x.Iter()(func(k, v interface{}) bool {
			countRefs(k, seen, counts, classCounts)
			countRefs(v, seen, counts, classCounts)
			return true
		})
	case map[interface{}]interface{}:
		for k, v := range x {
			countRefs(k, seen, counts, classCounts)
			countRefs(v, seen, counts, classCounts)
		}
	case Class:
		classCounts[x]++
	case *Call:
		if x == nil {
			return
		}
		classCounts[x.Callable]++
		countRefs(x.Args, seen, counts, classCounts)
		if x.State != nil {
			countRefs(x.State, seen, counts, classCounts)
		}
		for _, it := range x.ListItems {
			countRefs(it, seen, counts, classCounts)
		}
		for _, it := range x.DictItems {
			countRefs(it.Key, seen, counts, classCounts)
			countRefs(it.Value, seen, counts, classCounts)
		}
	case Ref:
		countRefs(x.Pid, seen, counts, classCounts)
	}
}

// protocol returns the effective target protocol.
func (e *Encoder) protocol() int {
	return e.config.Protocol
}

func (e *Encoder) write(p []byte) error {
	_, err := e.w.Write(p)
	return err
}

// identityOf returns a stable identity for a value that ogórek's decoder
// produces as a reference type (slice, map, or pointer header), and whether
// one could be determined. Scalars (bool, int64, *big.Int, float64, string,
// [Bytes], [ByteString]) have no such identity here: two equal-content
// scalars decoded from different memo slots are indistinguishable in Go, so
// the encoder re-serialises them on every occurrence instead of sharing
// them via GET.
func identityOf(v interface{}) (uintptr, bool) {
	switch x := v.(type) {
	case *Call:
		if x == nil {
			return 0, false
		}
		return reflect.ValueOf(x).Pointer(), true
	case Dict:
		return x.identity(), true
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice:
		if rv.IsNil() {
			return 0, false
		}
		return rv.Pointer(), true
	case reflect.Map, reflect.Ptr:
		if rv.IsNil() {
			return 0, false
		}
		return rv.Pointer(), true
	}
	return 0, false
}

// tryGetMemo emits BINGET/LONG_BINGET for v if it (by identity) was already
// PUT into the memo, reporting whether it did so.
func (e *Encoder) tryGetMemo(v interface{}) (bool, error) {
	id, ok := identityOf(v)
	if !ok {
		return false, nil
	}
	idx, ok := e.memo[id]
	if !ok {
		return false, nil
	}
	return true, e.writeGet(idx)
}

func (e *Encoder) writeGet(idx int) error {
	if idx < 256 {
		return e.write([]byte{opBinget, byte(idx)})
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(idx))
	return e.write(append([]byte{opLongBinget}, b[:]...))
}

// putMemo registers v's identity under a new memo slot and emits the
// corresponding PUT/MEMOIZE opcode, but only if v was found (by countRefs) to
// occur more than once in the tree passed to Encode — a value reached only
// once never needs a GET to come back to it. Call this right after writing
// whatever constructs v onto the pickle stack.
func (e *Encoder) putMemo(v interface{}) error {
	id, ok := identityOf(v)
	if !ok || !e.shared[id] {
		return nil
	}
	idx := e.nextMemoIdx
	e.nextMemoIdx++
	e.memo[id] = idx
	return e.writePut(idx)
}

func (e *Encoder) writePut(idx int) error {
	if e.protocol() >= 4 {
		return e.write([]byte{opMemoize})
	}
	if idx < 256 {
		return e.write([]byte{opBinput, byte(idx)})
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(idx))
	return e.write(append([]byte{opLongBinput}, b[:]...))
}

func (e *Encoder) encode(v interface{}, depth int) error {
	depth++
	if depth > MaxDepth {
		return codecErr(ErrDepthLimit, "recursion depth exceeds %d", MaxDepth)
	}

	if e.config.PersistentRef != nil {
		if ref := e.config.PersistentRef(v); ref != nil {
			return e.encodePersistentRef(ref.Pid, depth)
		}
	}

	if done, err := e.tryGetMemo(v); err != nil {
		return err
	} else if done {
		return nil
	}

	switch x := v.(type) {
	case nil:
		return e.write([]byte{opNone})
	case None:
		return e.write([]byte{opNone})
	case bool:
		return e.encodeBool(x)
	case int:
		return e.encodeInt(int64(x))
	case int8:
		return e.encodeInt(int64(x))
	case int16:
		return e.encodeInt(int64(x))
	case int32:
		return e.encodeInt(int64(x))
	case int64:
		return e.encodeInt(x)
	case uint:
		return e.encodeUint(uint64(x))
	case uint8:
		return e.encodeUint(uint64(x))
	case uint16:
		return e.encodeUint(uint64(x))
	case uint32:
		return e.encodeUint(uint64(x))
	case uint64:
		return e.encodeUint(x)
	case *big.Int:
		return e.encodeBigInt(x)
	case float32:
		return e.encodeFloat(float64(x))
	case float64:
		return e.encodeFloat(x)
	case string:
		return e.encodeUnicode(x)
	case ByteString:
		return e.encodeByteString(x)
	case unicode:
		return e.encodeTrueUnicode(string(x))
	case Bytes:
		return e.encodeBytesValue([]byte(x))
	case []byte:
		return e.encodeReflect(reflect.ValueOf(x), depth)
	case RawPickle:
		return e.write(x)
	case Tuple:
		return e.encodeTuple(x, depth)
	case []interface{}:
		return e.encodeList(x, depth)
	case Set:
		return e.encodeSet(x, depth)
	case FrozenSet:
		return e.encodeFrozenSet(x, depth)
	case OrderedDict:
		return e.encodeOrderedDict(x, depth)
	case Dict:
		return e.encodeDict(x, depth)
	case map[interface{}]interface{}:
		return e.encodeGenericMap(x, depth)
	case Class:
		return e.encodeClass(x)
	case *Call:
		return e.encodeCall(x, depth)
	case Ref:
		return e.encodePersistentRef(x.Pid, depth)
	}

	return e.encodeReflect(reflect.ValueOf(v), depth)
}

func (e *Encoder) encodePersistentRef(pid interface{}, depth int) error {
	if e.protocol() == 0 {
		s, ok := pid.(string)
		if !ok || strings.Contains(s, "\n") {
			return errP0PersIDStringLineOnly
		}
		return e.write(append([]byte{opPersid}, append([]byte(s), '\n')...))
	}
	if err := e.encode(pid, depth); err != nil {
		return err
	}
	return e.write([]byte{opBinpersid})
}

func (e *Encoder) encodeBool(b bool) error {
	if e.protocol() >= 2 {
		if b {
			return e.write([]byte{opNewtrue})
		}
		return e.write([]byte{opNewfalse})
	}
	if b {
		return e.write([]byte(opTrue))
	}
	return e.write([]byte(opFalse))
}

// encodeInt picks the smallest opcode that can represent i exactly:
// BININT1 (0..255), BININT2 (0..65535), BININT (any int32). Protocol 0 has
// no binary int opcode at all, so it always uses INT's decimal text form;
// at any protocol, an int64 outside BININT's int32 range also falls back to
// INT's text form rather than LONG1/LONG4 — those are reserved for values
// that arrived as *big.Int (Python long), not int64 (Python's bounded int).
func (e *Encoder) encodeInt(i int64) error {
	if e.protocol() == 0 {
		return e.write([]byte(fmt.Sprintf("I%d\n", i)))
	}
	switch {
	case i >= 0 && i <= math.MaxUint8:
		return e.write([]byte{opBinint1, byte(i)})
	case i >= 0 && i <= math.MaxUint16:
		return e.write([]byte{opBinint2, byte(i), byte(i >> 8)})
	case i >= math.MinInt32 && i <= math.MaxInt32:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(int32(i)))
		return e.write(append([]byte{opBinint}, b[:]...))
	}
	return e.write([]byte(fmt.Sprintf("I%d\n", i)))
}

// encodeUint is encodeInt's counterpart for values too large for int64: it
// still goes through INT's opcodes (binary where they fit, decimal text
// otherwise), never LONG1/LONG4 — like encodeInt, those are reserved for
// *big.Int (Python long), and a Go uint64 models Python's bounded int just
// as much as int64 does.
func (e *Encoder) encodeUint(u uint64) error {
	if u <= math.MaxInt64 {
		return e.encodeInt(int64(u))
	}
	return e.write([]byte(fmt.Sprintf("I%d\n", u)))
}

// encodeBigInt writes the 2's-complement little-endian encoding of v via
// LONG1 (payload < 256 bytes) or LONG4 (otherwise). Protocol 0 has no binary
// long opcode, so it uses LONG's decimal text form instead.
func (e *Encoder) encodeBigInt(v *big.Int) error {
	if e.protocol() == 0 {
		return e.write([]byte(fmt.Sprintf("L%sL\n", v.String())))
	}
	data := encodeLong(v)
	if len(data) < 256 {
		return e.write(append([]byte{opLong1, byte(len(data))}, data...))
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(len(data)))
	return e.write(append(append([]byte{opLong4}, b[:]...), data...))
}

// encodeLong is the encode-side inverse of decodeLong: it turns a signed
// big.Int into its 2's-complement little-endian byte encoding, with the
// minimal length needed to recover the sign on decode (an extra 0x00 or
// 0xff high byte when the magnitude alone would flip the sign bit).
func encodeLong(v *big.Int) []byte {
	if v.Sign() == 0 {
		return nil
	}
	if v.Sign() > 0 {
		b := v.Bytes() // big-endian magnitude
		reverse(b)
		if len(b) > 0 && b[len(b)-1]&0x80 != 0 {
			b = append(b, 0x00)
		}
		return b
	}
	// negative: encode (v + 2^(8*n)) for the smallest n that keeps the sign bit set
	n := new(big.Int).Neg(v) // magnitude
	nbytes := len(n.Bytes())
	if nbytes == 0 {
		nbytes = 1
	}
	mod := new(big.Int).Lsh(big.NewInt(1), uint(8*nbytes))
	twos := new(big.Int).Add(v, mod)
	b := twos.Bytes()
	// left-pad to nbytes (big-endian) then reverse to little-endian
	for len(b) < nbytes {
		b = append([]byte{0}, b...)
	}
	reverse(b)
	if len(b) > 0 && b[len(b)-1]&0x80 == 0 {
		b = append(b, 0xff)
	}
	return b
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

// encodeFloat writes f via BINFLOAT, or FLOAT's decimal text form at
// protocol 0. The text form uses Go's shortest round-tripping decimal
// formatting, which matches Python's repr(float) for ordinary values but is
// not guaranteed identical in every corner case (e.g. exponent formatting).
func (e *Encoder) encodeFloat(f float64) error {
	if e.protocol() == 0 {
		return e.write([]byte(fmt.Sprintf("F%s\n", strconv.FormatFloat(f, 'g', -1, 64))))
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(f))
	return e.write(append([]byte{opBinfloat}, b[:]...))
}

// encodeUnicode writes a Go string. Python distinguished text (`unicode`)
// from ambiguous bytes-or-text (`str`) up through protocol 2; ogórek keeps
// that distinction on decode via [ByteString], but a plain Go string has no
// such tag, so EncoderConfig.StrictUnicode decides how to treat it:
//   - StrictUnicode: always UNICODE/BINUNICODE/SHORT_BINUNICODE.
//   - default (loose): STRING/(SHORT_)BINSTRING below protocol 3 (matching
//     how py2's str was actually pickled), UNICODE family from protocol 3
//     on (where str and unicode converged).
func (e *Encoder) encodeUnicode(s string) error {
	if !e.config.StrictUnicode && e.protocol() <= 2 {
		return e.encodeStrOpcode([]byte(s))
	}
	return e.encodeTrueUnicode(s)
}

// encodeTrueUnicode writes s via the smallest UNICODE-family opcode: text
// form (raw-unicode-escape) at protocol 0, else the smallest of
// SHORT_BINUNICODE/BINUNICODE/BINUNICODE8 for its UTF-8 length.
func (e *Encoder) encodeTrueUnicode(s string) error {
	if e.protocol() == 0 {
		if !utf8.ValidString(s) {
			return errP0UnicodeUTF8Only
		}
		return e.write(append([]byte{opUnicode}, append([]byte(pyRawUnicodeEscape(s)), '\n')...))
	}
	data := []byte(s)
	l := len(data)
	switch {
	case e.protocol() >= 4 && l < 256:
		return e.write(append([]byte{opShortBinUnicode, byte(l)}, data...))
	case l <= math.MaxUint32:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(l))
		return e.write(append(append([]byte{opBinunicode}, b[:]...), data...))
	default:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(l))
		return e.write(append(append([]byte{opBinunicode8}, b[:]...), data...))
	}
}

// encodeByteString writes a [ByteString] (py2 unambiguous str) using the
// STRING/(SHORT_)BINSTRING family at every protocol — unlike a plain Go
// string, a [ByteString] is explicitly tagged as py2 str, so it never
// switches to the UNICODE family regardless of protocol or StrictUnicode.
func (e *Encoder) encodeByteString(s ByteString) error {
	return e.encodeStrOpcode([]byte(s))
}

// encodeStrOpcode writes data via STRING's text form (protocol 0, quoted
// the way Python's repr would) or the smallest of SHORT_BINSTRING/BINSTRING
// for its length (protocol >= 1).
func (e *Encoder) encodeStrOpcode(data []byte) error {
	if e.protocol() == 0 {
		return e.write(append([]byte{opString}, append([]byte(pyquote(string(data))), '\n')...))
	}
	l := len(data)
	if l < 256 {
		return e.write(append([]byte{opShortBinstring, byte(l)}, data...))
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(l))
	return e.write(append(append([]byte{opBinstring}, b[:]...), data...))
}

// encodeBytesValue writes a Python bytes object via the smallest BYTES opcode.
// encodeBytesValue writes a Python bytes object via the smallest BINBYTES
// opcode. Those opcodes only exist from protocol 3 on — Python 2 had no
// `bytes` distinct from `str` to pickle, and represented it on the wire (for
// forward compat with protocol 3+ readers) via a `_codecs.encode(text,
// 'latin1')` REDUCE call, which ogórek's encoder does not reproduce; request
// protocol >= 3 to encode [Bytes].
func (e *Encoder) encodeBytesValue(data []byte) error {
	if e.protocol() < 3 {
		return errBytesRequireProtocol3
	}
	l := len(data)
	switch {
	case l < 256:
		return e.write(append([]byte{opShortBinbytes, byte(l)}, data...))
	case l <= math.MaxUint32:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(l))
		return e.write(append(append([]byte{opBinbytes}, b[:]...), data...))
	default:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(l))
		return e.write(append(append([]byte{opBinbytes8}, b[:]...), data...))
	}
}

// encodeByteArray8 writes data via the BYTEARRAY8 opcode, the native
// protocol 5 representation of Python's bytearray (opcode opBytearray8,
// an 8-byte little-endian length followed by the raw bytes). Below
// protocol 5 a bytearray has no opcode of its own and is instead pickled
// as a REDUCE call to the bytearray constructor; see encodeReflect.
func (e *Encoder) encodeByteArray8(data []byte) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(len(data)))
	return e.write(append(append([]byte{opBytearray8}, b[:]...), data...))
}

func (e *Encoder) encodeList(items []interface{}, depth int) error {
	if err := e.write([]byte{opEmptyList}); err != nil {
		return err
	}
	if err := e.putMemo(items); err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	if err := e.write([]byte{opMark}); err != nil {
		return err
	}
	for _, it := range items {
		if err := e.encode(it, depth); err != nil {
			return err
		}
	}
	return e.write([]byte{opAppends})
}

func (e *Encoder) encodeTuple(items Tuple, depth int) error {
	if len(items) == 0 {
		if e.protocol() == 0 {
			return e.write([]byte{opMark, opTuple})
		}
		return e.write([]byte{opEmptyTuple})
	}
	// TUPLE1/2/3 exist from protocol 2 on; below that, and for longer
	// tuples, the items go between MARK and TUPLE.
	marked := e.protocol() < 2 || len(items) > 3
	if marked {
		if err := e.write([]byte{opMark}); err != nil {
			return err
		}
	}
	for _, it := range items {
		if err := e.encode(it, depth); err != nil {
			return err
		}
	}
	var err error
	switch {
	case marked:
		err = e.write([]byte{opTuple})
	case len(items) == 1:
		err = e.write([]byte{opTuple1})
	case len(items) == 2:
		err = e.write([]byte{opTuple2})
	default:
		err = e.write([]byte{opTuple3})
	}
	if err != nil {
		return err
	}
	return e.putMemo(items)
}

func (e *Encoder) encodeSet(items Set, depth int) error {
	if err := e.write([]byte{opEmptySet}); err != nil {
		return err
	}
	if err := e.putMemo(items); err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	if err := e.write([]byte{opMark}); err != nil {
		return err
	}
	for _, it := range items {
		if err := e.encode(it, depth); err != nil {
			return err
		}
	}
	return e.write([]byte{opAddItems})
}

func (e *Encoder) encodeFrozenSet(items FrozenSet, depth int) error {
	if err := e.write([]byte{opMark}); err != nil {
		return err
	}
	for _, it := range items {
		if err := e.encode(it, depth); err != nil {
			return err
		}
	}
	if err := e.write([]byte{opFrozenSet}); err != nil {
		return err
	}
	return e.putMemo(items)
}

func (e *Encoder) encodeOrderedDict(d OrderedDict, depth int) error {
	if err := e.write([]byte{opEmptyDict}); err != nil {
		return err
	}
	if err := e.putMemo(d); err != nil {
		return err
	}
	if len(d) == 0 {
		return nil
	}
	if err := e.write([]byte{opMark}); err != nil {
		return err
	}
	for _, it := range d {
		if err := e.encode(it.Key, depth); err != nil {
			return err
		}
		if err := e.encode(it.Value, depth); err != nil {
			return err
		}
	}
	return e.write([]byte{opSetitems})
}

func (e *Encoder) encodeDict(d Dict, depth int) error {
	if err := e.write([]byte{opEmptyDict}); err != nil {
		return err
	}
	if err := e.putMemo(d); err != nil {
		return err
	}
	if d.Len() == 0 {
		return nil
	}
	if err := e.write([]byte{opMark}); err != nil {
		return err
	}
	var encErr error
	d.Iter()(func(k, v interface{}) bool {
		if encErr = e.encode(k, depth); encErr != nil {
			return false
		}
		if encErr = e.encode(v, depth); encErr != nil {
			return false
		}
		return true
	})
	if encErr != nil {
		return encErr
	}
	return e.write([]byte{opSetitems})
}

func (e *Encoder) encodeGenericMap(m map[interface{}]interface{}, depth int) error {
	if err := e.write([]byte{opEmptyDict}); err != nil {
		return err
	}
	if err := e.putMemo(m); err != nil {
		return err
	}
	if len(m) == 0 {
		return nil
	}
	if err := e.write([]byte{opMark}); err != nil {
		return err
	}
	for k, v := range m {
		if err := e.encode(k, depth); err != nil {
			return err
		}
		if err := e.encode(v, depth); err != nil {
			return err
		}
	}
	return e.write([]byte{opSetitems})
}

func (e *Encoder) encodeClass(c Class) error {
	if idx, ok := e.classMemo[c]; ok {
		return e.writeGet(idx)
	}

	if e.protocol() >= 4 {
		if err := e.encodeUnicode(c.Module); err != nil {
			return err
		}
		if err := e.encodeUnicode(c.Name); err != nil {
			return err
		}
		if err := e.write([]byte{opStackGlobal}); err != nil {
			return err
		}
	} else {
		if strings.Contains(c.Module, "\n") || strings.Contains(c.Name, "\n") {
			return errP0123GlobalStringLineOnly
		}
		line := c.Module + "\n" + c.Name + "\n"
		if err := e.write(append([]byte{opGlobal}, []byte(line)...)); err != nil {
			return err
		}
	}

	if !e.sharedClass[c] {
		return nil
	}
	idx := e.nextMemoIdx
	e.nextMemoIdx++
	e.classMemo[c] = idx
	return e.writePut(idx)
}

// encodeCall writes a *Call as REDUCE (class, args), memoising the result
// immediately afterwards so that a self-referential State (BUILD against
// the just-created object) can GET it back, then writes any State via
// BUILD and any trailing ListItems/DictItems via APPENDS/SETITEMS.
func (e *Encoder) encodeCall(c *Call, depth int) error {
	if err := e.encodeClass(c.Callable); err != nil {
		return err
	}
	if err := e.encodeTuple(c.Args, depth); err != nil {
		return err
	}
	if err := e.write([]byte{opReduce}); err != nil {
		return err
	}
	if err := e.putMemo(c); err != nil {
		return err
	}
	if c.State != nil {
		if err := e.encode(c.State, depth); err != nil {
			return err
		}
		if err := e.write([]byte{opBuild}); err != nil {
			return err
		}
	}
	if len(c.ListItems) > 0 {
		if err := e.write([]byte{opMark}); err != nil {
			return err
		}
		for _, it := range c.ListItems {
			if err := e.encode(it, depth); err != nil {
				return err
			}
		}
		if err := e.write([]byte{opAppends}); err != nil {
			return err
		}
	}
	if len(c.DictItems) > 0 {
		if err := e.write([]byte{opMark}); err != nil {
			return err
		}
		for _, it := range c.DictItems {
			if err := e.encode(it.Key, depth); err != nil {
				return err
			}
			if err := e.encode(it.Value, depth); err != nil {
				return err
			}
		}
		if err := e.write([]byte{opSetitems}); err != nil {
			return err
		}
	}
	return nil
}

// encodeReflect is the fallback path for arbitrary host Go values that are
// not already one of ogórek's own types: the direct host-value bridge's
// encode-side half, kept in the reflect-based style the checked-in encoder
// originally used for this (structs with optional `pickle:"..."` tags,
// generic slices/maps/pointers).
func (e *Encoder) encodeReflect(rv reflect.Value, depth int) error {
	switch rv.Kind() {
	case reflect.Invalid:
		return e.write([]byte{opNone})
	case reflect.Bool:
		return e.encodeBool(rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return e.encodeInt(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return e.encodeUint(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return e.encodeFloat(rv.Float())
	case reflect.String:
		return e.encodeUnicode(rv.String())
	case reflect.Array, reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(b), rv)
			// a Go []byte models Python's bytearray. Protocol 5 added a
			// dedicated BYTEARRAY8 opcode for it; below that it has none,
			// and pickles as a REDUCE call to the bytearray constructor
			// instead (which itself needs protocol >= 3 to pass it a bytes
			// argument, so this still errors the same way below protocol 3).
			if e.protocol() >= 5 {
				return e.encodeByteArray8(b)
			}
			return e.encodeCall(&Call{
				Callable: pybuiltin(e.protocol(), "bytearray"),
				Args:     Tuple{Bytes(b)},
			}, depth)
		}
		items := make([]interface{}, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		return e.encodeList(items, depth)
	case reflect.Map:
		m := make(map[interface{}]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().Interface()] = iter.Value().Interface()
		}
		return e.encodeGenericMap(m, depth)
	case reflect.Struct:
		return e.encodeStructReflect(rv, depth)
	case reflect.Interface:
		return e.encode(rv.Elem().Interface(), depth)
	case reflect.Ptr:
		if rv.IsNil() {
			return e.write([]byte{opNone})
		}
		return e.encode(rv.Elem().Interface(), depth)
	}
	return fmt.Errorf("pickle: encode: no support for type %s", rv.Kind())
}

func (e *Encoder) encodeStructReflect(st reflect.Value, depth int) error {
	typ := st.Type()
	structTags := getStructTags(st)

	var keys []string
	var vals []interface{}
	if structTags != nil {
		for f, i := range structTags {
			keys = append(keys, f)
			vals = append(vals, st.Field(i).Interface())
		}
	} else {
		for i := 0; i < typ.NumField(); i++ {
			fty := typ.Field(i)
			if fty.PkgPath != "" {
				continue
			}
			keys = append(keys, fty.Name)
			vals = append(vals, st.Field(i).Interface())
		}
	}

	if err := e.write([]byte{opEmptyDict, opMark}); err != nil {
		return err
	}
	for i, k := range keys {
		if err := e.encodeUnicode(k); err != nil {
			return err
		}
		if err := e.encode(vals[i], depth); err != nil {
			return err
		}
	}
	return e.write([]byte{opSetitems})
}

func getStructTags(ptr reflect.Value) map[string]int {
	if ptr.Kind() != reflect.Struct {
		return nil
	}

	m := make(map[string]int)

	t := ptr.Type()

	l := t.NumField()
	numTags := 0
	for i := 0; i < l; i++ {
		field := t.Field(i).Tag.Get("pickle")
		if field != "" {
			m[field] = i
			numTags++
		}
	}

	if numTags == 0 {
		return nil
	}

	return m
}
