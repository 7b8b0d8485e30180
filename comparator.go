package stonekv

import "bytes"

// Comparator defines a total order over byte keys plus a successor
// function used to build prefix-scan upper bounds.
type Comparator interface {
	// Compare returns a negative number, zero, or a positive number as a
	// compares before, equal to, or after b.
	Compare(a, b []byte) int

	// Name identifies the comparator, primarily for diagnostics.
	Name() string

	// Successor returns the shortest key strictly greater than key: the
	// last byte that is not 0xFF is incremented and the tail after it is
	// dropped. If key is entirely 0xFF bytes (including empty), there is no
	// shorter successor and key is returned unchanged.
	Successor(key []byte) []byte
}

// BytewiseComparator orders keys by unsigned byte value, the default and
// only comparator the core ships.
type BytewiseComparator struct{}

var _ Comparator = BytewiseComparator{}

func (BytewiseComparator) Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

func (BytewiseComparator) Name() string {
	return "BytewiseComparator"
}

func (BytewiseComparator) Successor(key []byte) []byte {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] != 0xFF {
			res := make([]byte, i+1)
			copy(res, key[:i+1])
			res[i]++
			return res
		}
	}
	out := make([]byte, len(key))
	copy(out, key)
	return out
}
