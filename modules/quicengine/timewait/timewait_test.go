package timewait

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/klzgrad/naiveproxy-sub075/modules/quicengine/packet"
)

func cid(b byte) packet.ConnectionID {
	return packet.NewConnectionID([]byte{b, b, b, b})
}

func newManager() *Manager {
	return NewManager([]byte("test-secret"), time.Minute, 100, 10, 0, 0, nil, nil)
}

func TestAddConnectionIndexesEveryActiveID(t *testing.T) {
	m := newManager()
	now := time.Unix(0, 0)
	m.AddConnection([]packet.ConnectionID{cid(1), cid(2)}, SendStatelessReset, nil, true, 0, now)

	require.True(t, m.IsInTimeWait(cid(1)))
	require.True(t, m.IsInTimeWait(cid(2)))
	require.False(t, m.IsInTimeWait(cid(3)))
	require.Equal(t, 1, m.NumConnections())
}

func TestReinsertionPreservesNumPackets(t *testing.T) {
	m := newManager()
	now := time.Unix(0, 0)
	m.AddConnection([]packet.ConnectionID{cid(1)}, SendStatelessReset, nil, true, 0, now)

	// Drive the packet counter up.
	m.ProcessPacket(cid(1), ShortHeader)
	m.ProcessPacket(cid(1), ShortHeader)
	m.ProcessPacket(cid(1), ShortHeader)

	m.AddConnection([]packet.ConnectionID{cid(1)}, SendStatelessReset, nil, true, 0, now.Add(time.Second))

	// A 4th packet should make the preserved counter (3) roll to 4, a
	// power of two, and trigger a response rather than restart at 1.
	d := m.ProcessPacket(cid(1), ShortHeader)
	require.True(t, d.Send)
}

func TestProcessPacketThrottlesToPowersOfTwo(t *testing.T) {
	m := newManager()
	now := time.Unix(0, 0)
	m.AddConnection([]packet.ConnectionID{cid(1)}, SendStatelessReset, nil, true, 0, now)

	var sent []bool
	for i := 0; i < 5; i++ {
		d := m.ProcessPacket(cid(1), ShortHeader)
		sent = append(sent, d.Send)
	}
	// Counts 1,2,3,4,5 -> power-of-two at 1,2,4.
	require.Equal(t, []bool{true, true, false, true, false}, sent)
}

func TestSendTerminationPacketsUsesStatelessResetForShortHeader(t *testing.T) {
	m := newManager()
	now := time.Unix(0, 0)
	pkts := [][]byte{[]byte("close")}
	m.AddConnection([]packet.ConnectionID{cid(1)}, SendTerminationPackets, pkts, true, 0, now)

	d := m.ProcessPacket(cid(1), ShortHeader)
	require.True(t, d.Send)
	require.True(t, d.StatelessReset)
}

func TestSendTerminationPacketsUsesSavedPacketsForLongHeader(t *testing.T) {
	m := newManager()
	now := time.Unix(0, 0)
	pkts := [][]byte{[]byte("close")}
	m.AddConnection([]packet.ConnectionID{cid(1)}, SendTerminationPackets, pkts, true, 0, now)

	d := m.ProcessPacket(cid(1), LongHeader)
	require.True(t, d.Send)
	require.False(t, d.StatelessReset)
	require.Equal(t, pkts, d.Packets)
}

func TestDoNothingNeverSends(t *testing.T) {
	m := newManager()
	now := time.Unix(0, 0)
	m.AddConnection([]packet.ConnectionID{cid(1)}, DoNothing, nil, true, 0, now)

	d := m.ProcessPacket(cid(1), LongHeader)
	require.False(t, d.Send)
}

func TestStatelessResetTokenIsDeterministicAndVerifiable(t *testing.T) {
	m := newManager()
	tok := m.StatelessResetToken(cid(5))
	require.True(t, m.VerifyStatelessResetToken(cid(5), tok))

	other := m.StatelessResetToken(cid(6))
	require.NotEqual(t, tok, other)
	require.False(t, m.VerifyStatelessResetToken(cid(5), other))
}

func TestEnqueueWriteRespectsMaxPendingPackets(t *testing.T) {
	m := NewManager([]byte("s"), time.Minute, 100, 2, 0, 0, nil, nil)
	require.True(t, m.EnqueueWrite([]byte("a")))
	require.True(t, m.EnqueueWrite([]byte("b")))
	require.False(t, m.EnqueueWrite([]byte("c")))
	require.Equal(t, 2, m.PendingWrites())
}

func TestOnBlockedWriterCanWriteDrainsInOrder(t *testing.T) {
	m := newManager()
	m.EnqueueWrite([]byte("a"))
	m.EnqueueWrite([]byte("b"))
	m.EnqueueWrite([]byte("c"))

	var written []string
	blockAt := "b"
	m.OnBlockedWriterCanWrite(func(data []byte) bool {
		if string(data) == blockAt {
			return false
		}
		written = append(written, string(data))
		return true
	})
	require.Equal(t, []string{"a"}, written)
	require.Equal(t, 2, m.PendingWrites())

	m.OnBlockedWriterCanWrite(func(data []byte) bool {
		written = append(written, string(data))
		return true
	})
	require.Equal(t, []string{"a", "b", "c"}, written)
	require.Equal(t, 0, m.PendingWrites())
}

func TestExpireEvictsFIFOAfterTimeWaitPeriod(t *testing.T) {
	m := NewManager([]byte("s"), time.Minute, 100, 10, 0, 0, nil, nil)
	start := time.Unix(0, 0)
	m.AddConnection([]packet.ConnectionID{cid(1)}, SendStatelessReset, nil, true, 0, start)
	m.AddConnection([]packet.ConnectionID{cid(2)}, SendStatelessReset, nil, true, 0, start.Add(30*time.Second))

	evicted := m.Expire(start.Add(61 * time.Second))
	require.Equal(t, 1, evicted)
	require.False(t, m.IsInTimeWait(cid(1)))
	require.True(t, m.IsInTimeWait(cid(2)))

	evicted = m.Expire(start.Add(91 * time.Second))
	require.Equal(t, 1, evicted)
	require.False(t, m.IsInTimeWait(cid(2)))
}

func TestTrimIfNeededBoundsStoreSize(t *testing.T) {
	m := NewManager([]byte("s"), time.Minute, 2, 10, 0, 0, nil, nil)
	now := time.Unix(0, 0)
	m.AddConnection([]packet.ConnectionID{cid(1)}, SendStatelessReset, nil, true, 0, now)
	m.AddConnection([]packet.ConnectionID{cid(2)}, SendStatelessReset, nil, true, 0, now)
	require.Equal(t, 2, m.NumConnections())

	// Adding a third beyond max_connections evicts the oldest.
	m.AddConnection([]packet.ConnectionID{cid(3)}, SendStatelessReset, nil, true, 0, now)
	require.Equal(t, 2, m.NumConnections())
	require.False(t, m.IsInTimeWait(cid(1)))
	require.True(t, m.IsInTimeWait(cid(3)))
}

func TestOldestTimeAddedTracksFIFOHead(t *testing.T) {
	m := newManager()
	_, ok := m.OldestTimeAdded()
	require.False(t, ok)

	start := time.Unix(100, 0)
	m.AddConnection([]packet.ConnectionID{cid(1)}, SendStatelessReset, nil, true, 0, start)
	got, ok := m.OldestTimeAdded()
	require.True(t, ok)
	require.True(t, got.Equal(start))
}

func TestResetLimiterThrottlesAcrossDistinctConnections(t *testing.T) {
	// A tiny, single-token bucket: the first connection's first packet
	// (a power-of-two count) drains the only token, so a second,
	// distinct connection's first packet is throttled even though its
	// own per-entry counter would otherwise allow a response.
	m := NewManager([]byte("s"), time.Minute, 100, 10, 0.0001, 1, nil, nil)
	now := time.Unix(0, 0)
	m.AddConnection([]packet.ConnectionID{cid(1)}, SendStatelessReset, nil, true, 0, now)
	m.AddConnection([]packet.ConnectionID{cid(2)}, SendStatelessReset, nil, true, 0, now)

	d1 := m.ProcessPacket(cid(1), ShortHeader)
	require.True(t, d1.Send)

	d2 := m.ProcessPacket(cid(2), ShortHeader)
	require.False(t, d2.Send)
	require.True(t, d2.Throttled)
}

func TestResetLimiterDisabledWhenRateIsZero(t *testing.T) {
	m := newManager()
	now := time.Unix(0, 0)
	m.AddConnection([]packet.ConnectionID{cid(1)}, SendStatelessReset, nil, true, 0, now)
	m.AddConnection([]packet.ConnectionID{cid(2)}, SendStatelessReset, nil, true, 0, now)

	require.True(t, m.ProcessPacket(cid(1), ShortHeader).Send)
	require.True(t, m.ProcessPacket(cid(2), ShortHeader).Send)
}

func TestDiagnosticIDStableAcrossReinsertion(t *testing.T) {
	m := newManager()
	now := time.Unix(0, 0)
	m.AddConnection([]packet.ConnectionID{cid(1)}, SendStatelessReset, nil, true, 0, now)
	id1, ok := m.DiagnosticID(cid(1))
	require.True(t, ok)

	m.AddConnection([]packet.ConnectionID{cid(1)}, SendStatelessReset, nil, true, 0, now.Add(time.Second))
	id2, ok := m.DiagnosticID(cid(1))
	require.True(t, ok)
	require.Equal(t, id1, id2)

	m.Expire(now.Add(2 * time.Minute))
	_, ok = m.DiagnosticID(cid(1))
	require.False(t, ok)
}
