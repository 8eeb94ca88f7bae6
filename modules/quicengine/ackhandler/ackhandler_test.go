package ackhandler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/klzgrad/naiveproxy-sub075/modules/quicengine/packet"
)

func newTestManager() *Manager {
	return NewManager(Config{Mode: AckModeTCP}, true, packet.NewNumber(0), nil)
}

func TestRecordPacketReceivedTracksLargestAcked(t *testing.T) {
	m := newTestManager()
	now := time.Now()

	m.RecordPacketReceived(packet.NewNumber(1), now)
	m.RecordPacketReceived(packet.NewNumber(2), now.Add(time.Millisecond))

	f := m.GetUpdatedAckFrame(now.Add(2 * time.Millisecond))
	require.NotNil(t, f)
	require.EqualValues(t, 2, f.LargestAcked.Uint64())
	require.True(t, f.Packets.Contains(1))
	require.True(t, f.Packets.Contains(2))
}

func TestRecordPacketReceivedDropsAlreadySeen(t *testing.T) {
	m := newTestManager()
	now := time.Now()
	m.RecordPacketReceived(packet.NewNumber(5), now)
	require.False(t, m.IsAwaitingPacket(packet.NewNumber(5)))
	// A duplicate record must not regress largestAcked or panic.
	m.RecordPacketReceived(packet.NewNumber(5), now.Add(time.Second))
	f := m.GetUpdatedAckFrame(now)
	require.EqualValues(t, 5, f.LargestAcked.Uint64())
}

func TestReorderingUpdatesStats(t *testing.T) {
	m := newTestManager()
	now := time.Now()
	m.RecordPacketReceived(packet.NewNumber(10), now)
	m.RecordPacketReceived(packet.NewNumber(5), now.Add(-time.Millisecond)) // arrives "late", reordered

	packets, dur := m.MaxReordering()
	require.EqualValues(t, 5, packets)
	require.Greater(t, dur, time.Duration(0))
}

func TestRecordPacketReceivedReportsReorderedEvenWithoutNewMax(t *testing.T) {
	m := newTestManager()
	now := time.Now()

	require.False(t, m.RecordPacketReceived(packet.NewNumber(105), now))
	require.True(t, m.RecordPacketReceived(packet.NewNumber(100), now)) // reordered by 5, sets the max
	require.False(t, m.RecordPacketReceived(packet.NewNumber(110), now))

	packetsBefore, _ := m.MaxReordering()
	require.EqualValues(t, 5, packetsBefore)

	// Reordered by only 4, below the existing max: MaxReordering doesn't
	// change, but this is still a real reorder event.
	require.True(t, m.RecordPacketReceived(packet.NewNumber(106), now))

	packetsAfter, _ := m.MaxReordering()
	require.Equal(t, packetsBefore, packetsAfter)
}

func TestGetUpdatedAckFrameEmptyReturnsNil(t *testing.T) {
	m := newTestManager()
	require.Nil(t, m.GetUpdatedAckFrame(time.Now()))
}

func TestGetUpdatedAckFrameCoalescesToMaxRanges(t *testing.T) {
	m := NewManager(Config{Mode: AckModeTCP, MaxAckRanges: 2}, false, packet.NewNumber(0), nil)
	now := time.Now()
	// Three disjoint single-packet ranges: 1, 3, 5.
	m.RecordPacketReceived(packet.NewNumber(1), now)
	m.RecordPacketReceived(packet.NewNumber(3), now)
	m.RecordPacketReceived(packet.NewNumber(5), now)

	f := m.GetUpdatedAckFrame(now)
	require.LessOrEqual(t, f.Packets.NumIntervals(), 2)
}

func TestResetAckStatesClearsTimeout(t *testing.T) {
	m := newTestManager()
	now := time.Now()
	m.MaybeUpdateAckTimeout(now, packet.NewNumber(1), true, false)
	_, has := m.AckTimeout()
	require.True(t, has)

	m.ResetAckStates(packet.NewNumber(1))
	_, has = m.AckTimeout()
	require.False(t, has)
}

func TestMaybeUpdateAckTimeoutBelowLastSentAcksImmediately(t *testing.T) {
	m := newTestManager()
	now := time.Now()
	m.ResetAckStates(packet.NewNumber(10))

	m.MaybeUpdateAckTimeout(now, packet.NewNumber(3), false, false)
	deadline, has := m.AckTimeout()
	require.True(t, has)
	require.Equal(t, now, deadline)
}

func TestMaybeUpdateAckTimeoutNonRetransmittableNoOp(t *testing.T) {
	m := newTestManager()
	now := time.Now()
	m.MaybeUpdateAckTimeout(now, packet.NewNumber(1), false, false)
	_, has := m.AckTimeout()
	require.False(t, has)
}

func TestMaybeUpdateAckTimeoutTCPFrequency(t *testing.T) {
	m := NewManager(Config{Mode: AckModeTCP, AckFrequencyBeforeDecimation: 2}, false, packet.NewNumber(0), nil)
	now := time.Now()

	m.MaybeUpdateAckTimeout(now, packet.NewNumber(1), true, false)
	_, has := m.AckTimeout()
	require.True(t, has) // scheduled, delayed

	m.MaybeUpdateAckTimeout(now, packet.NewNumber(2), true, false)
	deadline, has := m.AckTimeout()
	require.True(t, has)
	require.Equal(t, now, deadline) // second retransmittable packet: ack immediately
}

func TestMaybeUpdateAckTimeoutReorderingAccelerates(t *testing.T) {
	m := NewManager(Config{Mode: AckModeDecimationWithReordering}, false, packet.NewNumber(0), nil)
	m.SetMinRTT(80 * time.Millisecond)
	now := time.Now()

	m.MaybeUpdateAckTimeout(now, packet.NewNumber(1), true, true)
	deadline, has := m.AckTimeout()
	require.True(t, has)
	require.True(t, deadline.Sub(now) <= 10*time.Millisecond)
}

func TestLeastReceivedPacketNumber(t *testing.T) {
	m := newTestManager()
	now := time.Now()
	m.RecordPacketReceived(packet.NewNumber(9), now)
	m.RecordPacketReceived(packet.NewNumber(4), now)
	m.RecordPacketReceived(packet.NewNumber(20), now)
	require.EqualValues(t, 4, m.LeastReceivedPacketNumber().Uint64())
}
