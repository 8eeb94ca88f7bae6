package quicengine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/klzgrad/naiveproxy-sub075/internal/qerr"
	"github.com/klzgrad/naiveproxy-sub075/modules/quicengine/frame"
	"github.com/klzgrad/naiveproxy-sub075/modules/quicengine/notifier"
	"github.com/klzgrad/naiveproxy-sub075/modules/quicengine/packet"
)

func testConfig(perspective Perspective) Config {
	return Config{
		Perspective:             perspective,
		ActiveConnectionIDLimit: 2,
		InitialMaxStreamsBidi:   2,
		InitialMaxStreamsUni:    2,
		MaxAckHeightThreshold:   1.0,
		ConnectionIDGenerator: func() packet.ConnectionID {
			return packet.NewConnectionID([]byte{9, 9, 9, 9})
		},
	}
}

func newTestConnection(t *testing.T, perspective Perspective) *Connection {
	t.Helper()
	return NewConnection(testConfig(perspective), packet.NewNumber(1), nil, nil)
}

func TestOpenStreamAllocatesIDsByParityAndDirectionality(t *testing.T) {
	c := newTestConnection(t, PerspectiveClient)

	bidi1, err := c.OpenStream(true, 0, 1<<20, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(0), bidi1.ID)

	bidi2, err := c.OpenStream(true, 0, 1<<20, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(4), bidi2.ID)

	uni1, err := c.OpenStream(false, 0, 1<<20, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(2), uni1.ID)
}

func TestOpenStreamServerPerspectiveUsesOddIDs(t *testing.T) {
	c := newTestConnection(t, PerspectiveServer)

	bidi, err := c.OpenStream(true, 0, 1<<20, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(1), bidi.ID)

	uni, err := c.OpenStream(false, 0, 1<<20, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(3), uni.ID)
}

func TestOpenStreamFailsOnceCreditExhausted(t *testing.T) {
	c := newTestConnection(t, PerspectiveClient)
	_, err := c.OpenStream(true, 0, 1<<20, nil)
	require.NoError(t, err)
	_, err = c.OpenStream(true, 0, 1<<20, nil)
	require.NoError(t, err)

	_, err = c.OpenStream(true, 0, 1<<20, nil)
	require.Error(t, err)
}

func TestHandleStreamFrameCreatesIncomingStreamAndDeliversData(t *testing.T) {
	c := newTestConnection(t, PerspectiveClient)

	err := c.HandleFrame(packet.EncryptionApplication, &frame.Frame{
		Kind: frame.KindStream,
		Stream: &frame.StreamFrame{
			StreamID: 1, // server-initiated bidi, first in that space
			Offset:   0,
			Data:     []byte("hi"),
			Fin:      false,
		},
	})
	require.NoError(t, err)

	st, ok := c.streamsByID[1]
	require.True(t, ok)
	require.Equal(t, uint64(2), st.Sequencer.ReadableBytes())
}

func TestHandleStreamFrameRejectsIDBeyondCredit(t *testing.T) {
	c := newTestConnection(t, PerspectiveClient)

	// serverBidi incoming credit is 2 (InitialMaxStreamsBidi); stream id 9
	// (the 3rd server-initiated bidi id: 1, 5, 9) exceeds it.
	err := c.HandleFrame(packet.EncryptionApplication, &frame.Frame{
		Kind:   frame.KindStream,
		Stream: &frame.StreamFrame{StreamID: 9, Data: []byte("x")},
	})
	require.Error(t, err)
}

func TestHandleResetStreamMarksStreamReset(t *testing.T) {
	c := newTestConnection(t, PerspectiveClient)
	require.NoError(t, c.HandleFrame(packet.EncryptionApplication, &frame.Frame{
		Kind:   frame.KindStream,
		Stream: &frame.StreamFrame{StreamID: 1, Data: []byte("x")},
	}))

	err := c.HandleFrame(packet.EncryptionApplication, &frame.Frame{
		Kind:        frame.KindResetStream,
		ResetStream: &frame.ResetStreamFrame{StreamID: 1, FinalSize: 1},
	})
	require.NoError(t, err)
	require.True(t, c.streamsByID[1].IsReset())
}

func TestHandleResetStreamForUnknownStreamIsANoop(t *testing.T) {
	c := newTestConnection(t, PerspectiveClient)
	err := c.HandleFrame(packet.EncryptionApplication, &frame.Frame{
		Kind:        frame.KindResetStream,
		ResetStream: &frame.ResetStreamFrame{StreamID: 41},
	})
	require.NoError(t, err)
}

func TestHandleMaxStreamsRaisesOutgoingCredit(t *testing.T) {
	c := newTestConnection(t, PerspectiveClient)
	_, err := c.OpenStream(true, 0, 1<<20, nil)
	require.NoError(t, err)
	_, err = c.OpenStream(true, 0, 1<<20, nil)
	require.NoError(t, err)
	_, err = c.OpenStream(true, 0, 1<<20, nil)
	require.Error(t, err) // credit (2) exhausted

	require.NoError(t, c.HandleFrame(packet.EncryptionApplication, &frame.Frame{
		Kind:       frame.KindMaxStreams,
		MaxStreams: &frame.MaxStreamsFrame{Bidirectional: true, MaximumStreams: 10},
	}))

	_, err = c.OpenStream(true, 0, 1<<20, nil)
	require.NoError(t, err)
}

func TestHandleStreamsBlockedResendsMaxStreams(t *testing.T) {
	c := newTestConnection(t, PerspectiveClient)

	require.NoError(t, c.HandleFrame(packet.EncryptionApplication, &frame.Frame{
		Kind:           frame.KindStreamsBlocked,
		StreamsBlocked: &frame.StreamsBlockedFrame{Bidirectional: true, StreamLimit: 1},
	}))

	items := c.OnCanWrite(false)
	require.Len(t, items, 1)
	require.Equal(t, notifier.WriteControlNew, items[0].Kind)
	require.Equal(t, frame.KindMaxStreams, items[0].Control.Kind)
	require.Equal(t, uint64(2), items[0].Control.MaxStreams.MaximumStreams)
}

func TestHandleNewConnectionIDRegistersWithPeerManager(t *testing.T) {
	c := newTestConnection(t, PerspectiveClient)
	err := c.HandleFrame(packet.EncryptionApplication, &frame.Frame{
		Kind: frame.KindNewConnectionID,
		NewConnectionID: &frame.NewConnectionIDFrame{
			SequenceNumber: 1,
			ConnectionID:   packet.NewConnectionID([]byte{1, 2, 3, 4}),
		},
	})
	require.NoError(t, err)

	_, ok := c.peerCIDs.ConsumeOneUnusedConnectionID()
	require.True(t, ok)
}

func TestHandlePathChallengeQueuesPathResponse(t *testing.T) {
	c := newTestConnection(t, PerspectiveClient)
	require.NoError(t, c.HandleFrame(packet.EncryptionApplication, &frame.Frame{
		Kind:          frame.KindPathChallenge,
		PathChallenge: &frame.PathChallengeFrame{Data: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}},
	}))

	items := c.OnCanWrite(false)
	require.Len(t, items, 1)
	require.Equal(t, frame.KindPathResponse, items[0].Control.Kind)
	require.Equal(t, [8]byte{1, 2, 3, 4, 5, 6, 7, 8}, items[0].Control.PathResponse.Data)
}

func TestHandleConnectionCloseInvokesVisitorOnce(t *testing.T) {
	c := newTestConnection(t, PerspectiveClient)
	var calls int
	var lastFromLocal bool
	c.SetVisitor(visitorFunc{onClosed: func(err *qerr.TransportError, fromLocal bool) {
		calls++
		lastFromLocal = fromLocal
	}})

	require.NoError(t, c.HandleFrame(packet.EncryptionApplication, &frame.Frame{
		Kind: frame.KindConnectionClose,
		ConnectionClose: &frame.ConnectionCloseFrame{
			ErrorCode:    uint64(qerr.ProtocolViolation),
			ReasonPhrase: "peer said so",
		},
	}))
	require.Equal(t, 1, calls)
	require.False(t, lastFromLocal)

	// A second close (local, this time) must not re-invoke the visitor.
	f := c.Close(qerr.NoError, "done")
	require.Nil(t, f)
	require.Equal(t, 1, calls)
}

func TestCloseQueuesConnectionCloseAndInvokesVisitorOnce(t *testing.T) {
	c := newTestConnection(t, PerspectiveClient)
	var calls int
	c.SetVisitor(visitorFunc{onClosed: func(err *qerr.TransportError, fromLocal bool) {
		calls++
		require.True(t, fromLocal)
	}})

	f := c.Close(qerr.InternalError, "bug")
	require.NotNil(t, f)
	require.Equal(t, frame.KindConnectionClose, f.Kind)
	require.Equal(t, uint64(qerr.InternalError), f.ConnectionClose.ErrorCode)

	f2 := c.Close(qerr.InternalError, "bug again")
	require.Nil(t, f2)
	require.Equal(t, 1, calls)
}

func TestPacketSentAckedUpdatesBytesInFlightAndNotifiesStream(t *testing.T) {
	c := newTestConnection(t, PerspectiveClient)
	st, err := c.OpenStream(true, 0, 1<<20, nil)
	require.NoError(t, err)
	st.Send.WriteOrBufferData([]byte("hello"), false)

	items := c.OnCanWrite(false)
	require.Len(t, items, 1)
	require.Equal(t, notifier.WriteStreamNew, items[0].Kind)

	sentTime := time.Unix(1, 0)
	pn := packet.NewNumber(1)
	c.OnPacketSent(packet.EncryptionApplication, pn, items, 30, sentTime, false)
	require.Equal(t, uint64(30), c.BytesInFlight(packet.EncryptionApplication))

	ack := &frame.ACKFrame{Packets: packet.NewIntervalSet()}
	ack.Packets.AddRange(pn.Uint64(), pn.Uint64()+1)
	c.OnAckReceived(packet.EncryptionApplication, ack, sentTime.Add(50*time.Millisecond))

	require.Equal(t, uint64(0), c.BytesInFlight(packet.EncryptionApplication))
	require.False(t, st.Send.FinAcked()) // no fin was sent
	require.Equal(t, uint64(0), st.Send.BytesOutstanding())
}

func TestPacketLostRequeuesStreamDataForRetransmission(t *testing.T) {
	c := newTestConnection(t, PerspectiveClient)
	st, err := c.OpenStream(true, 0, 1<<20, nil)
	require.NoError(t, err)
	st.Send.WriteOrBufferData([]byte("hello"), false)

	items := c.OnCanWrite(false)
	require.Len(t, items, 1)

	sentTime := time.Unix(1, 0)
	pn := packet.NewNumber(1)
	c.OnPacketSent(packet.EncryptionApplication, pn, items, 30, sentTime, false)

	c.OnPacketLost(packet.EncryptionApplication, pn)
	require.Equal(t, uint64(0), c.BytesInFlight(packet.EncryptionApplication))
	require.True(t, st.Send.HasPendingRetransmission())

	// Losing the same packet number again is a no-op (already removed).
	c.OnPacketLost(packet.EncryptionApplication, pn)
}

func TestPNSpaceCollapsesZeroAndOneRTTIntoApplication(t *testing.T) {
	require.Equal(t, SpaceInitial, pnSpaceFor(packet.EncryptionInitial))
	require.Equal(t, SpaceHandshake, pnSpaceFor(packet.EncryptionHandshake))
	require.Equal(t, SpaceApplication, pnSpaceFor(packet.EncryptionZeroRTT))
	require.Equal(t, SpaceApplication, pnSpaceFor(packet.EncryptionApplication))
}

func TestOnPacketReceivedFeedsAckGeneration(t *testing.T) {
	c := newTestConnection(t, PerspectiveClient)
	now := time.Unix(1, 0)
	c.OnPacketReceived(packet.EncryptionApplication, packet.NewNumber(5), now, true)

	ack := c.GetAckFrame(packet.EncryptionApplication, now)
	require.NotNil(t, ack)
	require.Equal(t, uint64(5), ack.LargestAcked.Uint64())
}

// visitorFunc adapts a plain function to the Visitor interface for tests.
type visitorFunc struct {
	onClosed func(err *qerr.TransportError, fromLocal bool)
}

func (v visitorFunc) OnConnectionClosed(err *qerr.TransportError, fromLocal bool) {
	v.onClosed(err, fromLocal)
}
