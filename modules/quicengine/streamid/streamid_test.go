package streamid

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/klzgrad/naiveproxy-sub075/internal/qerr"
)

func TestOpenOutgoingStreamAllocatesByDelta(t *testing.T) {
	m := NewManager(4, 0, 1, 3, nil)
	id1, ok := m.OpenOutgoingStream()
	require.True(t, ok)
	require.EqualValues(t, 0, id1)

	id2, ok := m.OpenOutgoingStream()
	require.True(t, ok)
	require.EqualValues(t, 4, id2)
}

func TestOpenOutgoingStreamBlockedAtLimit(t *testing.T) {
	m := NewManager(4, 0, 1, 1, nil)
	_, ok := m.OpenOutgoingStream()
	require.True(t, ok)
	_, ok = m.OpenOutgoingStream()
	require.False(t, ok)

	m.SetOutgoingMaxStreams(2)
	_, ok = m.OpenOutgoingStream()
	require.True(t, ok)
}

func TestMaybeIncreaseLargestPeerStreamIDWrongParityRejected(t *testing.T) {
	m := NewManager(4, 0, 1, 10, nil)
	err := m.MaybeIncreaseLargestPeerStreamID(0) // belongs to the other perspective's space
	require.Error(t, err)
	var te *qerr.TransportError
	require.ErrorAs(t, err, &te)
	require.Equal(t, qerr.StreamLimitError, te.Kind)
}

func TestMaybeIncreaseLargestPeerStreamIDFillsGapIntoAvailable(t *testing.T) {
	m := NewManager(4, 0, 1, 10, nil)
	require.NoError(t, m.MaybeIncreaseLargestPeerStreamID(9)) // opens 1, 5, 9: 5 becomes available
	require.EqualValues(t, 3, m.IncomingStreamCount())

	// 5 was a gap-filled id; accepting it should not double count.
	require.NoError(t, m.MaybeIncreaseLargestPeerStreamID(5))
	require.EqualValues(t, 3, m.IncomingStreamCount())
}

func TestMaybeIncreaseLargestPeerStreamIDExceedsLimitFails(t *testing.T) {
	m := NewManager(4, 0, 1, 2, nil)
	err := m.MaybeIncreaseLargestPeerStreamID(9) // would need 3 streams of credit, only 2 advertised
	require.Error(t, err)
	var te *qerr.TransportError
	require.ErrorAs(t, err, &te)
	require.Equal(t, qerr.StreamLimitError, te.Kind)
}

func TestOnStreamClosedAdvertisesMaxStreamsPastThreshold(t *testing.T) {
	m := NewManager(4, 0, 1, 4, nil)
	// Open all 4 incoming streams, exhausting the advertised credit.
	for _, id := range []uint64{1, 5, 9, 13} {
		require.NoError(t, m.MaybeIncreaseLargestPeerStreamID(id))
	}
	require.EqualValues(t, 4, m.IncomingStreamCount())
	require.EqualValues(t, 4, m.IncomingAdvertisedMaxStreams())

	// Credit is fully exhausted (remaining = advertised - count = 0,
	// already below initial/2 = 2), so closing any one of them must
	// bump the advertised limit using the newly incremented actual value.
	newAdvertised, shouldSend := m.OnStreamClosed()
	require.True(t, shouldSend)
	require.EqualValues(t, 5, newAdvertised)
}

func TestOnStreamsBlockedAboveAdvertisedIsProtocolViolation(t *testing.T) {
	m := NewManager(4, 0, 1, 3, nil)
	_, err := m.OnStreamsBlocked(4)
	require.Error(t, err)
	var te *qerr.TransportError
	require.ErrorAs(t, err, &te)
	require.Equal(t, qerr.ProtocolViolation, te.Kind)
}

func TestOnStreamsBlockedBelowActualTriggersResend(t *testing.T) {
	m := NewManager(4, 0, 1, 3, nil)
	m.incomingActualMaxStreams = 5
	resend, err := m.OnStreamsBlocked(3)
	require.NoError(t, err)
	require.True(t, resend)
}
