package packet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPacketNumberArithmetic(t *testing.T) {
	a := NewNumber(10)
	b := NewNumber(15)
	require.True(t, a.Less(b))
	require.EqualValues(t, 5, b.Sub(a))
	require.Equal(t, NewNumber(11), a.Next())
	require.Equal(t, NewNumber(13), a.Add(3))
}

func TestPacketNumberUninitializedPanics(t *testing.T) {
	require.False(t, UninitializedNumber.IsInitialized())
	require.Panics(t, func() { UninitializedNumber.Uint64() })
	require.Panics(t, func() { UninitializedNumber.Next() })
}

func TestPacketNumberSubUnderflowPanics(t *testing.T) {
	a := NewNumber(5)
	b := NewNumber(10)
	require.Panics(t, func() { a.Sub(b) })
}

func TestPacketNumberNeverCrossesMax(t *testing.T) {
	require.Panics(t, func() { NewNumber(MaxPacketNumber + 1) })
	near := NewNumber(MaxPacketNumber)
	require.Panics(t, func() { near.Add(1) })
}
