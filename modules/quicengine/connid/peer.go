// Package connid implements component F: the peer-issued and
// self-issued connection-ID lifecycle managers described in spec.md
// §4.F.
package connid

import (
	"go.uber.org/zap"

	"github.com/klzgrad/naiveproxy-sub075/internal/qerr"
	"github.com/klzgrad/naiveproxy-sub075/modules/quicengine/packet"
)

// maxGaps bounds the number of disjoint gaps tolerated in the observed
// sequence-number space, per spec.md §4.F ("bounded (≤ ~20)").
const maxGaps = 20

// issuedID is one NEW_CONNECTION_ID entry the peer has given us.
type issuedID struct {
	seq     uint64
	cid     packet.ConnectionID
	token   [16]byte
	retired bool
}

// PeerIssuedManager tracks connection IDs the peer has issued to us via
// NEW_CONNECTION_ID frames, so we can rotate our destination CID on
// future packets.
type PeerIssuedManager struct {
	logger *zap.Logger

	activeConnectionIDLimit uint64

	bySeq         map[uint64]*issuedID
	seen          *packet.IntervalSet // observed sequence numbers, for the gap bound
	retirePriorTo uint64

	toBeRetired []packet.ConnectionID
}

// NewPeerIssuedManager returns a manager enforcing activeConnectionIDLimit
// active IDs (the value we ourselves advertised in our transport
// parameters).
func NewPeerIssuedManager(activeConnectionIDLimit uint64, logger *zap.Logger) *PeerIssuedManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PeerIssuedManager{
		logger:                  logger,
		activeConnectionIDLimit: activeConnectionIDLimit,
		bySeq:                   map[uint64]*issuedID{},
		seen:                    packet.NewIntervalSet(),
	}
}

// OnNewConnectionID handles a NEW_CONNECTION_ID frame per spec.md §4.F.
func (m *PeerIssuedManager) OnNewConnectionID(seq uint64, retirePriorTo uint64, cid packet.ConnectionID, token [16]byte) error {
	if existing, ok := m.bySeq[seq]; ok {
		if !existing.cid.Equal(cid) || existing.token != token {
			return qerr.Newf(qerr.ProtocolViolation, "connid: seq %d reused with a different cid or token", seq)
		}
		// Duplicate frame: no-op.
		return m.applyRetirePriorTo(retirePriorTo)
	}

	for s, other := range m.bySeq {
		if other.cid.Equal(cid) && s != seq {
			return qerr.Newf(qerr.ProtocolViolation, "connid: cid reused under a different sequence number (%d and %d)", s, seq)
		}
	}

	active := 0
	for _, e := range m.bySeq {
		if !e.retired {
			active++
		}
	}
	if uint64(active) >= m.activeConnectionIDLimit {
		return qerr.Newf(qerr.ConnectionIDLimitError, "connid: received more than active_connection_id_limit (%d) active ids", m.activeConnectionIDLimit)
	}

	m.seen.Add(seq)
	if gaps := numGaps(m.seen); gaps > maxGaps {
		return qerr.Newf(qerr.ProtocolViolation, "connid: %d gaps in connection id sequence numbers exceeds bound %d", gaps, maxGaps)
	}

	m.bySeq[seq] = &issuedID{seq: seq, cid: cid, token: token}

	return m.applyRetirePriorTo(retirePriorTo)
}

// applyRetirePriorTo raises the retire-prior-to high-water mark, moving
// any now-stale unused IDs into the to-be-retired queue.
func (m *PeerIssuedManager) applyRetirePriorTo(retirePriorTo uint64) error {
	if retirePriorTo <= m.retirePriorTo {
		return nil
	}
	m.retirePriorTo = retirePriorTo
	for seq, e := range m.bySeq {
		if seq < retirePriorTo && !e.retired {
			e.retired = true
			m.toBeRetired = append(m.toBeRetired, e.cid)
		}
	}
	return nil
}

// ConsumeOneUnusedConnectionID returns an arbitrary unused (not yet
// retired) connection ID, or false if none is available.
func (m *PeerIssuedManager) ConsumeOneUnusedConnectionID() (packet.ConnectionID, bool) {
	for _, e := range m.bySeq {
		if !e.retired {
			e.retired = true
			return e.cid, true
		}
	}
	return packet.ConnectionID{}, false
}

// PrepareToRetireActiveConnectionID queues cid for retirement (it is
// currently the path's active destination CID, so it cannot be retired
// until a replacement is in use).
func (m *PeerIssuedManager) PrepareToRetireActiveConnectionID(cid packet.ConnectionID) {
	m.toBeRetired = append(m.toBeRetired, cid)
}

// PendingRetirements returns and clears the queue of connection IDs ready
// to be announced via RETIRE_CONNECTION_ID frames. The caller is
// expected to call this from the coalescing retirement alarm once no
// outstanding frame still addresses the old ID.
func (m *PeerIssuedManager) PendingRetirements() []packet.ConnectionID {
	out := m.toBeRetired
	m.toBeRetired = nil
	return out
}

func numGaps(s *packet.IntervalSet) int {
	n := s.NumIntervals()
	if n == 0 {
		return 0
	}
	return n - 1
}
