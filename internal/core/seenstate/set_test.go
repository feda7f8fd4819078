package seenstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSet_AddReportsNewBits(t *testing.T) {
	s := NewSet()

	assert.True(t, s.Add(3))
	assert.False(t, s.Add(3))
	assert.True(t, s.Add(0))
	assert.True(t, s.Add(70))

	assert.Equal(t, 3, s.Len())
	assert.Equal(t, []int{0, 3, 70}, s.IDs())
	assert.True(t, s.Has(70))
	assert.False(t, s.Has(1))
}

func TestSet_Remove(t *testing.T) {
	s := NewSet()
	s.Add(1)
	s.Add(2)
	s.Remove(1)

	assert.Equal(t, []int{2}, s.IDs())
	assert.False(t, s.Has(1))
}

func TestSet_CloneIsIndependent(t *testing.T) {
	s := NewSet()
	s.Add(1)

	c := s.Clone()
	c.Add(5)

	assert.Equal(t, []int{1}, s.IDs())
	assert.Equal(t, []int{1, 5}, c.IDs())
}

func TestSet_BinaryRoundTrip(t *testing.T) {
	s := NewSet()
	for _, id := range []int{0, 9, 64, 200} {
		s.Add(id)
	}

	data, err := s.MarshalBinary()
	require.NoError(t, err)

	got, err := UnmarshalSet(data)
	require.NoError(t, err)
	assert.Equal(t, s.IDs(), got.IDs())
}

func TestUnmarshalSet_EmptyInput(t *testing.T) {
	s, err := UnmarshalSet(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Len())
}

func TestUnmarshalSet_Garbage(t *testing.T) {
	_, err := UnmarshalSet([]byte{0x01})
	require.Error(t, err)
}
