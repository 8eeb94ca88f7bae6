package connid

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/klzgrad/naiveproxy-sub075/internal/qerr"
	"github.com/klzgrad/naiveproxy-sub075/modules/quicengine/packet"
)

func cid(b byte) packet.ConnectionID { return packet.NewConnectionID([]byte{b, b, b, b}) }

func tok(b byte) [16]byte {
	var t [16]byte
	for i := range t {
		t[i] = b
	}
	return t
}

func TestPeerIssuedAcceptsNewConnectionID(t *testing.T) {
	m := NewPeerIssuedManager(4, nil)
	err := m.OnNewConnectionID(1, 0, cid(1), tok(1))
	require.NoError(t, err)

	got, ok := m.ConsumeOneUnusedConnectionID()
	require.True(t, ok)
	require.True(t, got.Equal(cid(1)))
}

func TestPeerIssuedDuplicateFrameIsNoOp(t *testing.T) {
	m := NewPeerIssuedManager(4, nil)
	require.NoError(t, m.OnNewConnectionID(1, 0, cid(1), tok(1)))
	require.NoError(t, m.OnNewConnectionID(1, 0, cid(1), tok(1)))
}

func TestPeerIssuedSameSeqDifferentCIDIsProtocolViolation(t *testing.T) {
	m := NewPeerIssuedManager(4, nil)
	require.NoError(t, m.OnNewConnectionID(1, 0, cid(1), tok(1)))
	err := m.OnNewConnectionID(1, 0, cid(2), tok(1))
	require.Error(t, err)
	var te *qerr.TransportError
	require.ErrorAs(t, err, &te)
	require.Equal(t, qerr.ProtocolViolation, te.Kind)
}

func TestPeerIssuedSameCIDDifferentSeqIsProtocolViolation(t *testing.T) {
	m := NewPeerIssuedManager(4, nil)
	require.NoError(t, m.OnNewConnectionID(1, 0, cid(1), tok(1)))
	err := m.OnNewConnectionID(2, 0, cid(1), tok(1))
	require.Error(t, err)
}

func TestPeerIssuedExceedingActiveLimitErrors(t *testing.T) {
	m := NewPeerIssuedManager(2, nil)
	require.NoError(t, m.OnNewConnectionID(1, 0, cid(1), tok(1)))
	require.NoError(t, m.OnNewConnectionID(2, 0, cid(2), tok(2)))
	err := m.OnNewConnectionID(3, 0, cid(3), tok(3))
	require.Error(t, err)
	var te *qerr.TransportError
	require.ErrorAs(t, err, &te)
	require.Equal(t, qerr.ConnectionIDLimitError, te.Kind)
}

func TestPeerIssuedTooManyGapsIsProtocolViolation(t *testing.T) {
	m := NewPeerIssuedManager(1000, nil)
	// Every even sequence number, leaving a gap after each: far more than
	// maxGaps distinct intervals.
	var lastErr error
	for i := uint64(0); i < 2*(maxGaps+5); i += 2 {
		lastErr = m.OnNewConnectionID(i, 0, packet.NewConnectionID([]byte{byte(i), byte(i >> 8)}), tok(byte(i)))
		if lastErr != nil {
			break
		}
	}
	require.Error(t, lastErr)
}

func TestPeerIssuedRetirePriorToQueuesUnusedIDs(t *testing.T) {
	m := NewPeerIssuedManager(10, nil)
	require.NoError(t, m.OnNewConnectionID(0, 0, cid(1), tok(1)))
	require.NoError(t, m.OnNewConnectionID(1, 0, cid(2), tok(2)))
	require.NoError(t, m.OnNewConnectionID(2, 2, cid(3), tok(3))) // retire_prior_to=2

	pending := m.PendingRetirements()
	require.Len(t, pending, 2)
}

func TestSelfIssuedEmitsUpToLimit(t *testing.T) {
	next := byte(1)
	gen := func() packet.ConnectionID {
		c := cid(next)
		next++
		return c
	}
	m := NewSelfIssuedManager(3, gen, nil, nil)
	m.emitUpToLimit()
	require.Equal(t, 3, m.activeCount())
}

func TestSelfIssuedRetireUnknownSeqIsProtocolViolation(t *testing.T) {
	m := NewSelfIssuedManager(2, func() packet.ConnectionID { return cid(9) }, nil, nil)
	err := m.OnRetireConnectionID(5)
	require.Error(t, err)
	var te *qerr.TransportError
	require.ErrorAs(t, err, &te)
	require.Equal(t, qerr.ProtocolViolation, te.Kind)
}

func TestSelfIssuedRetireReplacesCurrentPathCID(t *testing.T) {
	seq := byte(0)
	gen := func() packet.ConnectionID {
		c := cid(seq)
		seq++
		return c
	}
	m := NewSelfIssuedManager(2, gen, nil, nil)
	m.emitUpToLimit()
	first, ok := m.active[0]
	require.True(t, ok)
	m.SetCurrentPathConnectionID(first.cid)

	require.NoError(t, m.OnRetireConnectionID(0))
	require.False(t, m.currentPathCID.Equal(first.cid))

	pending := m.PendingRetirements()
	require.Contains(t, pending, uint64(0))
}

func TestSelfIssuedTooManyWaitingToRetire(t *testing.T) {
	seq := byte(0)
	gen := func() packet.ConnectionID {
		c := cid(seq)
		seq++
		return c
	}
	m := NewSelfIssuedManager(uint64(maxToBeRetired)+5, gen, nil, nil)
	m.emitUpToLimit()

	var lastErr error
	for i := uint64(0); i < uint64(maxToBeRetired)+2; i++ {
		lastErr = m.OnRetireConnectionID(i)
		if lastErr != nil {
			break
		}
	}
	require.Error(t, lastErr)
	var te *qerr.TransportError
	require.ErrorAs(t, lastErr, &te)
	require.Equal(t, qerr.TooManyConnectionIDWaitingToRetire, te.Kind)
}

func TestSelfIssuedPreferredAddressOnlyOnce(t *testing.T) {
	m := NewSelfIssuedManager(2, func() packet.ConnectionID { return cid(7) }, nil, nil)
	_, _, ok := m.IssuePreferredAddressConnectionID()
	require.True(t, ok)

	_, _, ok = m.IssuePreferredAddressConnectionID()
	require.False(t, ok)
}

func TestSelfIssuedSuppressUntilConfirmedBlocksVoluntaryIssuance(t *testing.T) {
	m := NewSelfIssuedManager(3, func() packet.ConnectionID { return cid(3) }, nil, nil)
	m.suppressUntilConfirmed = true
	m.emitUpToLimit()
	require.Equal(t, 0, m.activeCount())

	m.SetSuppressUntilConfirmed(false)
	require.Equal(t, 3, m.activeCount())
}
