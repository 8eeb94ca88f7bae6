package connid

import (
	"time"

	"go.uber.org/zap"

	"github.com/klzgrad/naiveproxy-sub075/internal/qerr"
	"github.com/klzgrad/naiveproxy-sub075/internal/quicalarm"
	"github.com/klzgrad/naiveproxy-sub075/modules/quicengine/packet"
)

// maxToBeRetired bounds the self-issued manager's outstanding
// to-be-retired queue (an implementation-defined bound per spec.md
// §4.F); exceeding it fails the connection.
const maxToBeRetired = 20

// retirementDelayPTOs is the number of PTOs the self-issued manager
// waits before actually announcing a retirement, coalescing nearby
// retirements into one RETIRE_CONNECTION_ID-prompting window.
const retirementDelayPTOs = 3

// selfIssuedID is one connection ID we have given the peer.
type selfIssuedID struct {
	seq     uint64
	cid     packet.ConnectionID
	retired bool
}

// SelfIssuedManager tracks the connection IDs we have issued to the
// peer via NEW_CONNECTION_ID frames, and processes the peer's
// RETIRE_CONNECTION_ID frames.
type SelfIssuedManager struct {
	logger *zap.Logger
	clock  quicalarm.Clock

	activeConnectionIDLimit uint64
	nextSeq                 uint64
	retirePriorTo           uint64

	active  map[uint64]*selfIssuedID
	pending []uint64 // sequence numbers retired but not yet announced

	currentPathCID packet.ConnectionID

	cidGen func() packet.ConnectionID

	preferredAddressIssued bool
	suppressUntilConfirmed bool

	unsent []IssuedConnectionID
}

// IssuedConnectionID is one connection ID minted but not yet announced
// to the peer via a NEW_CONNECTION_ID frame.
type IssuedConnectionID struct {
	SequenceNumber uint64
	RetirePriorTo  uint64
	ConnectionID   packet.ConnectionID
}

// NewSelfIssuedManager returns a manager that mints new connection IDs
// with cidGen (the engine's CID-generation strategy — random bytes sized
// to its configured length) and advertises activeConnectionIDLimit
// entries to the peer at a time.
func NewSelfIssuedManager(activeConnectionIDLimit uint64, cidGen func() packet.ConnectionID, clock quicalarm.Clock, logger *zap.Logger) *SelfIssuedManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = quicalarm.SystemClock{}
	}
	return &SelfIssuedManager{
		logger:                  logger,
		clock:                   clock,
		activeConnectionIDLimit: activeConnectionIDLimit,
		active:                  map[uint64]*selfIssuedID{},
		cidGen:                  cidGen,
	}
}

// SetCurrentPathConnectionID records which issued CID the active path
// currently uses, so OnRetireConnectionID can replace it before
// retiring it.
func (m *SelfIssuedManager) SetCurrentPathConnectionID(cid packet.ConnectionID) {
	m.currentPathCID = cid
}

// OnRetireConnectionID handles a RETIRE_CONNECTION_ID { seq } frame per
// spec.md §4.F.
func (m *SelfIssuedManager) OnRetireConnectionID(seq uint64) error {
	if seq >= m.nextSeq {
		return qerr.Newf(qerr.ProtocolViolation, "connid: retire_connection_id seq %d was never issued", seq)
	}
	e, ok := m.active[seq]
	if !ok || e.retired {
		return nil // already retired, no-op
	}

	if e.cid.Equal(m.currentPathCID) {
		if replacement, ok := m.issueOne(); ok {
			m.currentPathCID = replacement
		}
	}

	e.retired = true
	m.pending = append(m.pending, seq)

	if len(m.pending) > maxToBeRetired {
		return qerr.Newf(qerr.TooManyConnectionIDWaitingToRetire, "connid: %d connection ids waiting to retire exceeds bound %d", len(m.pending), maxToBeRetired)
	}

	m.emitUpToLimit()
	return nil
}

// emitUpToLimit mints new connection IDs until the active count reaches
// activeConnectionIDLimit, advancing retire_prior_to by one with each.
func (m *SelfIssuedManager) emitUpToLimit() {
	if m.suppressUntilConfirmed {
		return
	}
	for uint64(m.activeCount()) < m.activeConnectionIDLimit {
		if _, ok := m.issueOne(); !ok {
			return
		}
		m.retirePriorTo++
	}
}

func (m *SelfIssuedManager) activeCount() int {
	n := 0
	for _, e := range m.active {
		if !e.retired {
			n++
		}
	}
	return n
}

// issueOne mints and registers a new connection ID, returning it.
func (m *SelfIssuedManager) issueOne() (packet.ConnectionID, bool) {
	if m.cidGen == nil {
		return packet.ConnectionID{}, false
	}
	cid := m.cidGen()
	seq := m.nextSeq
	m.nextSeq++
	m.active[seq] = &selfIssuedID{seq: seq, cid: cid}
	m.unsent = append(m.unsent, IssuedConnectionID{SequenceNumber: seq, RetirePriorTo: m.retirePriorTo, ConnectionID: cid})
	return cid, true
}

// DrainUnsent returns and clears the connection IDs minted since the
// last call, for the engine to announce via NEW_CONNECTION_ID frames.
func (m *SelfIssuedManager) DrainUnsent() []IssuedConnectionID {
	out := m.unsent
	m.unsent = nil
	return out
}

// IssuePreferredAddressConnectionID mints the single connection ID
// advertised in the preferred_address transport parameter. It may only
// be called once; subsequent voluntary issuance (emitUpToLimit) is
// suppressed until SetSuppressUntilConfirmed(false) is called after
// handshake confirmation, per the SPEC_FULL.md §5 supplement grounded
// on quic_connection_id_manager_test.cc's handshake-confirmation cases.
func (m *SelfIssuedManager) IssuePreferredAddressConnectionID() (packet.ConnectionID, uint64, bool) {
	if m.preferredAddressIssued {
		return packet.ConnectionID{}, 0, false
	}
	m.preferredAddressIssued = true
	m.suppressUntilConfirmed = true
	cid, ok := m.issueOne()
	seq := m.nextSeq - 1
	return cid, seq, ok
}

// SetSuppressUntilConfirmed toggles whether emitUpToLimit is allowed to
// mint further IDs; clearing it tops the active set back up at once.
// Connection does not call it.
func (m *SelfIssuedManager) SetSuppressUntilConfirmed(suppress bool) {
	m.suppressUntilConfirmed = suppress
	if !suppress {
		m.emitUpToLimit()
	}
}

// PendingRetirements returns and clears the sequence numbers whose
// retirement has been accepted but not yet announced. RetirementAlarmDelay
// gives the delay for a coalescing retirement alarm that drains it;
// Connection schedules no such alarm and does not call this method.
func (m *SelfIssuedManager) PendingRetirements() []uint64 {
	out := m.pending
	m.pending = nil
	return out
}

// RetirementAlarmDelay returns the delay the engine should schedule the
// coalescing retirement alarm at, given the current PTO estimate.
func RetirementAlarmDelay(pto time.Duration) time.Duration {
	return retirementDelayPTOs * pto
}
