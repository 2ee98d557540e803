package ogórek
// the typed error enumeration described in the transcoder design: the memo,
// length, size, depth, UTF-8, BTree-shape and marker-shape failures of the
// decoder, encoder, BTree transform and JSON mapper surface as a *CodecError
// carrying one CodecErrorKind. Truncated input, unknown opcodes and some
// malformed marker payloads are reported as io.ErrUnexpectedEOF, OpcodeError
// or plain errors instead.

import (
	"fmt"
)

// CodecErrorKind enumerates the kinds of error the transcoder can raise.
type CodecErrorKind int

const (
	_ CodecErrorKind = iota

	// ErrTruncated names input that ended before a value could be fully
	// read. The decoder reports that case as io.ErrUnexpectedEOF instead.
	ErrTruncated
	// ErrUnsupportedOpcode names an opcode outside the supported table. The
	// decoder reports that case as an OpcodeError instead.
	ErrUnsupportedOpcode
	// ErrBadLength means a length-prefixed opcode declared a negative length
	// (CODEC-C1).
	ErrBadLength
	// ErrSizeLimit means a BINUNICODE8/BINBYTES8/BYTEARRAY8 declared a
	// length beyond the configured cap, checked before allocation (CODEC-M3).
	ErrSizeLimit
	// ErrMemoLimit means more than MaxMemoEntries distinct memo slots were
	// requested in one decode (CODEC-C2).
	ErrMemoLimit
	// ErrMemoMiss means GET/BINGET/LONG_BINGET referenced an absent memo slot.
	ErrMemoMiss
	// ErrStackUnderflow means an opcode popped more values than the stack held.
	ErrStackUnderflow
	// ErrDepthLimit means recursion depth exceeded MaxDepth while encoding
	// a value tree (CODEC-H1).
	ErrDepthLimit
	// ErrMalformedBTree means a BTree bucket/set's flat item list had the
	// wrong shape for its kind (odd length for a map-type bucket) (CODEC-M2).
	ErrMalformedBTree
	// ErrInvalidUtf8 means a string opcode's payload was not valid UTF-8
	// under DecoderConfig.StrictUnicode.
	ErrInvalidUtf8
	// ErrInvalidUtf8Key is like ErrInvalidUtf8 but for a dict key specifically.
	ErrInvalidUtf8Key
	// ErrBadMarker means a JSON value under an `@`-prefixed key did not have
	// the shape the marker grammar requires.
	ErrBadMarker
)

func (k CodecErrorKind) String() string {
	switch k {
	case ErrTruncated:
		return "Truncated"
	case ErrUnsupportedOpcode:
		return "UnsupportedOpcode"
	case ErrBadLength:
		return "BadLength"
	case ErrSizeLimit:
		return "SizeLimit"
	case ErrMemoLimit:
		return "MemoLimit"
	case ErrMemoMiss:
		return "MemoMiss"
	case ErrStackUnderflow:
		return "StackUnderflow"
	case ErrDepthLimit:
		return "DepthLimit"
	case ErrMalformedBTree:
		return "MalformedBTree"
	case ErrInvalidUtf8:
		return "InvalidUtf8"
	case ErrInvalidUtf8Key:
		return "InvalidUtf8Key"
	case ErrBadMarker:
		return "BadMarker"
	}
	return "Unknown"
}

// CodecError is the error type returned for every failure kind in §7 of the
// transcoder design. Use errors.As to recover the Kind.
type CodecError struct {
	Kind CodecErrorKind
	Msg  string
	// Pos is the byte offset in the pickle stream, or -1 if not applicable.
	Pos int
}

func (e *CodecError) Error() string {
	if e.Pos >= 0 {
		return fmt.Sprintf("pickle: %s at %d: %s", e.Kind, e.Pos, e.Msg)
	}
	return fmt.Sprintf("pickle: %s: %s", e.Kind, e.Msg)
}

// codecErr constructs a *CodecError with no associated stream position.
func codecErr(kind CodecErrorKind, format string, argv ...interface{}) *CodecError {
	return &CodecError{Kind: kind, Msg: fmt.Sprintf(format, argv...), Pos: -1}
}

// codecErrAt is like codecErr but records the byte position in the stream.
func codecErrAt(kind CodecErrorKind, pos int, format string, argv ...interface{}) *CodecError {
	return &CodecError{Kind: kind, Msg: fmt.Sprintf(format, argv...), Pos: pos}
}

// truncateDigits bounds the digit string of a LONG embedded in an error
// message to MaxLongDigits characters (CODEC-M1), so a pathological pickle
// cannot force a huge error message.
func truncateDigits(s string) string {
	if len(s) <= MaxLongDigits {
		return s
	}
	return s[:MaxLongDigits] + "..."
}

// Bounds enforced everywhere in the codec (spec.md §5).
const (
	// MaxMemoEntries is the memo-size cap enforced by the decoder (CODEC-C2).
	MaxMemoEntries = 100_000
	// MaxBinSize8 is the default cap on any single BINUNICODE8/BINBYTES8/
	// BYTEARRAY8 payload, checked before allocation (CODEC-M3).
	MaxBinSize8 = 256 << 20 // 256 MiB
	// MaxDepth is the recursion-depth cap of the encoder (CODEC-H1).
	MaxDepth = 1000
	// MaxLongDigits bounds the textual decimal form used in error messages
	// for an oversized LONG (CODEC-M1).
	MaxLongDigits = 10_000
)
