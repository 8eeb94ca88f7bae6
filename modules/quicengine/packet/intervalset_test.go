package packet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIntervalSetCoalesce(t *testing.T) {
	s := NewIntervalSet()
	s.Add(5)
	s.Add(6)
	s.Add(7)
	require.Equal(t, 1, s.NumIntervals())
	s.Add(10)
	require.Equal(t, 2, s.NumIntervals())
	s.AddRange(8, 10)
	require.Equal(t, 1, s.NumIntervals())

	min, ok := s.Min()
	require.True(t, ok)
	require.EqualValues(t, 5, min)
	max, ok := s.Max()
	require.True(t, ok)
	require.EqualValues(t, 10, max)
}

func TestIntervalSetContains(t *testing.T) {
	s := NewIntervalSet()
	s.AddRange(100, 110)
	require.True(t, s.Contains(100))
	require.True(t, s.Contains(109))
	require.False(t, s.Contains(110))
	require.False(t, s.Contains(99))
}

func TestIntervalSetRemoveUpTo(t *testing.T) {
	s := NewIntervalSet()
	s.AddRange(0, 5)
	s.AddRange(10, 15)
	s.RemoveUpTo(12)
	require.False(t, s.Contains(0))
	require.False(t, s.Contains(11))
	require.True(t, s.Contains(12))
	require.True(t, s.Contains(14))
}

func TestIntervalSetRemoveSmallestInterval(t *testing.T) {
	s := NewIntervalSet()
	s.AddRange(0, 1)   // length 1
	s.AddRange(5, 10)  // length 5
	s.AddRange(20, 22) // length 2
	require.Equal(t, 3, s.NumIntervals())
	s.RemoveSmallestInterval()
	require.Equal(t, 2, s.NumIntervals())
	require.False(t, s.Contains(0))
	require.True(t, s.Contains(5))
	require.True(t, s.Contains(20))
}

func TestIntervalSetLastIntervalLength(t *testing.T) {
	s := NewIntervalSet()
	require.EqualValues(t, 0, s.LastIntervalLength())
	s.AddRange(0, 3)
	s.AddRange(10, 17)
	require.EqualValues(t, 7, s.LastIntervalLength())
}

func TestConnectionIDRoundTrip(t *testing.T) {
	cid := NewConnectionID([]byte{1, 2, 3, 4})
	require.Equal(t, 4, cid.Len())
	require.Equal(t, []byte{1, 2, 3, 4}, cid.Bytes())

	other := NewConnectionID([]byte{1, 2, 3, 4})
	require.True(t, cid.Equal(other))

	zero := NewConnectionID(nil)
	require.Equal(t, 0, zero.Len())
	require.False(t, zero.Equal(cid))
}

func TestConnectionIDCompareOrdersByLengthThenBytes(t *testing.T) {
	short := NewConnectionID([]byte{0xff})
	long := NewConnectionID([]byte{0x00, 0x00})
	require.Negative(t, short.Compare(long))
	require.Positive(t, long.Compare(short))

	a := NewConnectionID([]byte{1, 2})
	b := NewConnectionID([]byte{1, 3})
	require.Negative(t, a.Compare(b))
}

func TestConnectionIDPanicsOnOverlong(t *testing.T) {
	require.Panics(t, func() {
		NewConnectionID(make([]byte, MaxConnectionIDLength+1))
	})
}
