// Package seenstate tracks the set of states an object attribute has ever shown.
//
// States are mapped to small integers per (service, object type, attribute) scope by the
// Codec, so the set itself is a compact bitset.
package seenstate

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

// Set is a bitset over codec-assigned state ids.
// Bit i is set iff the state with id i has been observed.
type Set struct {
	bits *bitset.BitSet
}

// NewSet returns an empty set.
func NewSet() *Set {
	return &Set{bits: bitset.New(0)}
}

// UnmarshalSet decodes the compact form written by MarshalBinary.
func UnmarshalSet(data []byte) (*Set, error) {
	s := NewSet()
	if len(data) == 0 {
		return s, nil
	}
	if err := s.bits.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("decode seen states: %w", err)
	}
	return s, nil
}

// Add sets bit id and reports whether it was newly set.
func (s *Set) Add(id int) bool {
	if s.bits.Test(uint(id)) {
		return false
	}
	s.bits.Set(uint(id))
	return true
}

// Remove clears bit id.
func (s *Set) Remove(id int) {
	s.bits.Clear(uint(id))
}

// Has reports whether bit id is set.
func (s *Set) Has(id int) bool {
	return s.bits.Test(uint(id))
}

// Len is the number of states in the set.
func (s *Set) Len() int {
	return int(s.bits.Count())
}

// IDs returns the set bits in ascending order.
func (s *Set) IDs() []int {
	ids := make([]int, 0, s.Len())
	for i, ok := s.bits.NextSet(0); ok; i, ok = s.bits.NextSet(i + 1) {
		ids = append(ids, int(i))
	}
	return ids
}

// Clone returns an independent copy.
func (s *Set) Clone() *Set {
	return &Set{bits: s.bits.Clone()}
}

// MarshalBinary returns the compact bit-vector encoding.
func (s *Set) MarshalBinary() ([]byte, error) {
	data, err := s.bits.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode seen states: %w", err)
	}
	return data, nil
}
