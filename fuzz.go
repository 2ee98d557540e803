// +build gofuzz

package ogórek

import (
	"bytes"
)

func Fuzz(data []byte) int {
	_, err := NewDecoder(bytes.NewBuffer(data)).Decode()
	if err != nil {
		return 0
	}
	return 1
}

// FuzzJSON exercises the pickle<->JSON mapper: any input Fuzz itself would
// accept must also survive a round trip through PickleToValue/ValueToPickle
// without panicking, regardless of whether the marker-form tree it produces
// matches byte-for-byte.
func FuzzJSON(data []byte) int {
	tree, err := PickleToValue(data, JSONConfig{})
	if err != nil {
		return 0
	}
	if _, err := ValueToPickle(tree, 2); err != nil {
		return 0
	}
	return 1
}

// FuzzZODBRecord exercises the two-pickle ZODB record framing: data is
// passed whole to DecodeZODBRecord, which reads it as a (class, state) pair
// of concatenated pickles sharing one memo, the way an on-disk ZODB record
// is laid out.
func FuzzZODBRecord(data []byte) int {
	tree, err := DecodeZODBRecord(data, JSONConfig{})
	if err != nil {
		return 0
	}
	if _, err := EncodeZODBRecord(tree, 2); err != nil {
		return 0
	}
	return 1
}
