package notifier

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/klzgrad/naiveproxy-sub075/modules/quicengine/frame"
	"github.com/klzgrad/naiveproxy-sub075/modules/quicengine/streams"
)

func TestOnCanWriteOrdersByFiveSteps(t *testing.T) {
	n := NewNotifier(nil)

	// Step 5 candidate: brand-new stream data, registered first.
	sb := streams.NewSendBuffer()
	sb.WriteOrBufferData([]byte("newdata"), false)
	n.RegisterStream(4, sb)

	// Step 1 candidate: lost crypto data at Handshake level.
	n.WriteOrBufferCrypto(EncryptionHandshake, []byte("chlo-retry"))
	off, data, _ := n.crypto[EncryptionHandshake].NextWritableRange(100)
	n.crypto[EncryptionHandshake].OnStreamDataSent(off, len(data), false)
	n.OnCryptoFrameLost(EncryptionHandshake, off, uint64(len(data)))

	// Step 4 candidate: a never-sent buffered control frame.
	n.WriteOrBufferControlFrame(frame.Frame{Kind: frame.KindPing})

	// Step 2 candidate: a lost control frame.
	n.OnControlFrameLost(frame.Frame{Kind: frame.KindMaxData, ControlFrameID: 7})

	items := n.OnCanWrite(false)
	require.Len(t, items, 4)
	require.Equal(t, WriteCryptoRetransmit, items[0].Kind)
	require.Equal(t, WriteControlRetransmit, items[1].Kind)
	require.Equal(t, WriteControlNew, items[2].Kind)
	require.Equal(t, WriteStreamNew, items[3].Kind)
}

func TestOnCanWriteMergesCryptoLevelsInLevelOrder(t *testing.T) {
	n := NewNotifier(nil)

	for _, level := range []EncryptionLevel{Encryption1RTT, EncryptionInitial, EncryptionHandshake} {
		n.WriteOrBufferCrypto(level, []byte("data"))
		off, data, _ := n.crypto[level].NextWritableRange(100)
		n.crypto[level].OnStreamDataSent(off, len(data), false)
		n.OnCryptoFrameLost(level, off, uint64(len(data)))
	}

	items := n.OnCanWrite(false)
	require.Len(t, items, 3)
	require.Equal(t, EncryptionInitial, items[0].Level)
	require.Equal(t, EncryptionHandshake, items[1].Level)
	require.Equal(t, Encryption1RTT, items[2].Level)
}

func TestOnCanWriteProbeTagsEveryItemPTO(t *testing.T) {
	n := NewNotifier(nil)
	n.WriteOrBufferControlFrame(frame.Frame{Kind: frame.KindPing})
	items := n.OnCanWrite(true)
	require.Len(t, items, 1)
	require.Equal(t, PTORetransmission, items[0].Type)
}

func TestCryptoRetransmitDoesNotLoopForever(t *testing.T) {
	n := NewNotifier(nil)
	n.WriteOrBufferCrypto(EncryptionInitial, []byte("hello"))
	off, data, _ := n.crypto[EncryptionInitial].NextWritableRange(100)
	n.crypto[EncryptionInitial].OnStreamDataSent(off, len(data), false)
	n.OnCryptoFrameLost(EncryptionInitial, off, uint64(len(data)))

	items := n.OnCanWrite(false)
	require.Len(t, items, 1)
	require.Equal(t, WriteCryptoRetransmit, items[0].Kind)
	require.False(t, n.crypto[EncryptionInitial].HasPendingRetransmission())
}

func TestOnControlFrameAckedOnlyNewlyAckedOnce(t *testing.T) {
	n := NewNotifier(nil)
	require.True(t, n.OnControlFrameAcked(3))
	require.False(t, n.OnControlFrameAcked(3))
}

func TestOnStreamFrameLostAndAckedRoundTrip(t *testing.T) {
	n := NewNotifier(nil)
	sb := streams.NewSendBuffer()
	sb.WriteOrBufferData([]byte("abc"), true)
	n.RegisterStream(8, sb)

	off, data, fin := sb.NextWritableRange(100)
	sb.OnStreamDataSent(off, len(data), fin)

	n.OnStreamFrameLost(8, 0, 3, true)
	require.True(t, sb.HasPendingRetransmission())

	acked := n.OnStreamFrameAcked(8, 0, 3, true)
	require.True(t, acked)
}
