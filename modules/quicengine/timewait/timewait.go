// Package timewait implements component K: the time-wait list manager
// that handles packets for connections that have already closed,
// described in spec.md §4.K.
package timewait

import (
	"crypto/sha256"
	"crypto/subtle"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/klzgrad/naiveproxy-sub075/internal/quicalarm"
	"github.com/klzgrad/naiveproxy-sub075/modules/quicengine/packet"
)

// Action is the dispatch action recorded for a time-wait entry.
type Action int

const (
	// SendTerminationPackets replays saved termination packets for
	// long-header inputs, or a stateless reset for short-header inputs.
	SendTerminationPackets Action = iota
	// SendConnectionClosePackets replays saved CONNECTION_CLOSE packets
	// regardless of header format.
	SendConnectionClosePackets
	// SendStatelessReset always sends a stateless reset.
	SendStatelessReset
	// DoNothing is used only for IETF QUIC.
	DoNothing
)

// HeaderFormat distinguishes the three packet shapes ProcessPacket needs
// to tell apart for SendTerminationPackets dispatch.
type HeaderFormat int

const (
	LongHeader HeaderFormat = iota
	ShortHeader
	GoogleQUICHeader
)

// Dispatch is the outcome of ProcessPacket: what the caller (the
// dispatcher's writer) should actually send, if anything.
type Dispatch struct {
	Send           bool
	Packets        [][]byte
	StatelessReset bool
	StatelessToken [16]byte
	Throttled      bool
}

// entry is one canonical connection's time-wait record.
type entry struct {
	canonicalID        packet.ConnectionID
	activeIDs          []packet.ConnectionID
	action             Action
	terminationPackets [][]byte
	ietfQUIC           bool
	smoothedRTT        time.Duration
	timeAdded          time.Time
	numPacketsReceived uint64

	// diagnosticID is a process-local handle for correlating this
	// entry's termination-packet replays and resets across log lines,
	// independent of the connection ID (an entry carries several).
	diagnosticID uuid.UUID
}

// Manager is the process-wide time-wait list: a canonical-CID-keyed map
// of entries, an indirect map from every active ID to its canonical key,
// a FIFO eviction order, and a bounded writer back-pressure queue.
type Manager struct {
	logger *zap.Logger
	clock  quicalarm.Clock
	secret []byte

	timeWaitPeriod    time.Duration
	maxConnections    int
	maxPendingPackets int

	entries  map[string]*entry
	indirect map[string]string
	order    []string // canonical keys, oldest first

	pending [][]byte

	// resetLimiter throttles stateless-reset and termination-packet
	// replies to a steady rate, so a flood of packets addressed to
	// already-closed connections can't be turned into a reflection
	// amplifier against a third party.
	resetLimiter *rate.Limiter
}

// NewManager returns an empty time-wait list manager. secret is the
// per-process stateless-reset secret. resetsPerSecond and
// resetBurst bound how often ProcessPacket will actually dispatch a
// reply; a non-positive resetsPerSecond disables throttling.
func NewManager(secret []byte, timeWaitPeriod time.Duration, maxConnections, maxPendingPackets int, resetsPerSecond float64, resetBurst int, clock quicalarm.Clock, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = quicalarm.SystemClock{}
	}
	var limiter *rate.Limiter
	if resetsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(resetsPerSecond), resetBurst)
	}
	return &Manager{
		logger:            logger,
		clock:             clock,
		secret:            append([]byte(nil), secret...),
		timeWaitPeriod:    timeWaitPeriod,
		maxConnections:    maxConnections,
		maxPendingPackets: maxPendingPackets,
		entries:           map[string]*entry{},
		indirect:          map[string]string{},
		resetLimiter:      limiter,
	}
}

func idKey(id packet.ConnectionID) string { return string(id.Bytes()) }

// AddConnection inserts (or, per the idempotence law, re-inserts and
// preserves the received-packet count of) a time-wait entry keyed by the
// canonical connection ID — the first of activeIDs.
func (m *Manager) AddConnection(activeIDs []packet.ConnectionID, action Action, terminationPackets [][]byte, ietfQUIC bool, smoothedRTT time.Duration, now time.Time) {
	if len(activeIDs) == 0 {
		return
	}
	canonical := activeIDs[0]
	ck := idKey(canonical)

	var numPackets uint64
	diagnosticID := uuid.New()
	if old, ok := m.entries[ck]; ok {
		numPackets = old.numPacketsReceived
		diagnosticID = old.diagnosticID
		m.removeEntry(ck)
	}

	m.trimIfNeeded()

	e := &entry{
		canonicalID:        canonical,
		activeIDs:          activeIDs,
		action:             action,
		terminationPackets: terminationPackets,
		ietfQUIC:           ietfQUIC,
		smoothedRTT:        smoothedRTT,
		timeAdded:          now,
		numPacketsReceived: numPackets,
		diagnosticID:       diagnosticID,
	}
	m.entries[ck] = e
	m.order = append(m.order, ck)
	for _, id := range activeIDs {
		m.indirect[idKey(id)] = ck
	}
}

func (m *Manager) removeEntry(ck string) {
	e, ok := m.entries[ck]
	if !ok {
		return
	}
	for _, id := range e.activeIDs {
		delete(m.indirect, idKey(id))
	}
	delete(m.entries, ck)
	for i, o := range m.order {
		if o == ck {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// trimIfNeeded evicts the oldest entries, regardless of expiry, until
// the list is under maxConnections — mirroring
// TrimTimeWaitListIfNeeded's unconditional cap.
func (m *Manager) trimIfNeeded() {
	if m.maxConnections <= 0 {
		return
	}
	for len(m.order) >= m.maxConnections {
		m.removeEntry(m.order[0])
	}
}

// IsInTimeWait reports whether id (any active ID, not just canonical)
// belongs to a tracked connection.
func (m *Manager) IsInTimeWait(id packet.ConnectionID) bool {
	_, ok := m.indirect[idKey(id)]
	return ok
}

// DiagnosticID returns the process-local diagnostic handle for the
// canonical entry id belongs to, if any.
func (m *Manager) DiagnosticID(id packet.ConnectionID) (uuid.UUID, bool) {
	ck, ok := m.indirect[idKey(id)]
	if !ok {
		return uuid.UUID{}, false
	}
	e, ok := m.entries[ck]
	if !ok {
		return uuid.UUID{}, false
	}
	return e.diagnosticID, true
}

// shouldSendResponse throttles responses to powers of two, matching
// ShouldSendResponse's bit trick.
func shouldSendResponse(count uint64) bool {
	return count&(count-1) == 0
}

// ProcessPacket handles one datagram addressed to id, which must already
// satisfy IsInTimeWait. It increments the received-packet counter,
// throttles to powers of two, and dispatches per the entry's Action.
func (m *Manager) ProcessPacket(id packet.ConnectionID, format HeaderFormat) Dispatch {
	ck, ok := m.indirect[idKey(id)]
	if !ok {
		return Dispatch{}
	}
	e, ok := m.entries[ck]
	if !ok {
		return Dispatch{}
	}
	e.numPacketsReceived++

	if !shouldSendResponse(e.numPacketsReceived) {
		return Dispatch{Throttled: true}
	}

	if m.resetLimiter != nil && !m.resetLimiter.Allow() {
		m.logger.Debug("time-wait reply suppressed by rate limiter",
			zap.Stringer("diagnostic_id", e.diagnosticID))
		return Dispatch{Throttled: true}
	}

	switch e.action {
	case SendTerminationPackets:
		if len(e.terminationPackets) == 0 {
			return Dispatch{}
		}
		if format == ShortHeader {
			return m.statelessResetDispatch(id)
		}
		return Dispatch{Send: true, Packets: e.terminationPackets}

	case SendConnectionClosePackets:
		if len(e.terminationPackets) == 0 {
			return Dispatch{}
		}
		return Dispatch{Send: true, Packets: e.terminationPackets}

	case SendStatelessReset:
		return m.statelessResetDispatch(id)

	case DoNothing:
		return Dispatch{}

	default:
		return Dispatch{}
	}
}

func (m *Manager) statelessResetDispatch(id packet.ConnectionID) Dispatch {
	return Dispatch{Send: true, StatelessReset: true, StatelessToken: m.StatelessResetToken(id)}
}

// StatelessResetToken derives SHA-256(secret || connection_id)[:16].
func (m *Manager) StatelessResetToken(id packet.ConnectionID) [16]byte {
	h := sha256.New()
	h.Write(m.secret)
	h.Write(id.Bytes())
	sum := h.Sum(nil)
	var token [16]byte
	copy(token[:], sum[:16])
	return token
}

// VerifyStatelessResetToken constant-time compares a received token
// against the token this connection ID's entry would carry.
func (m *Manager) VerifyStatelessResetToken(id packet.ConnectionID, got [16]byte) bool {
	want := m.StatelessResetToken(id)
	return subtle.ConstantTimeCompare(want[:], got[:]) == 1
}

// EnqueueWrite appends data to the bounded pending-write queue, used
// when the underlying writer reports itself blocked. Returns false if
// the queue is already at max_pending_packets and the packet is
// dropped, matching SendOrQueuePacket's back-pressure behavior.
func (m *Manager) EnqueueWrite(data []byte) bool {
	if len(m.pending) >= m.maxPendingPackets {
		return false
	}
	m.pending = append(m.pending, data)
	return true
}

// OnBlockedWriterCanWrite drains the pending queue in order via write,
// stopping (and leaving the remainder queued) the first time write
// reports it is still blocked.
func (m *Manager) OnBlockedWriterCanWrite(write func([]byte) (wrote bool)) {
	for len(m.pending) > 0 {
		if !write(m.pending[0]) {
			return
		}
		m.pending = m.pending[1:]
	}
}

// PendingWrites returns the number of packets currently queued behind a
// blocked writer.
func (m *Manager) PendingWrites() int { return len(m.pending) }

// Expire evicts entries whose time_added+time_wait_period has passed,
// walking the FIFO insertion order and stopping at the first still-live
// entry. OldestTimeAdded plus time_wait_period is the earliest time a
// call can evict anything; the connection engine does not call Expire.
func (m *Manager) Expire(now time.Time) int {
	evicted := 0
	for len(m.order) > 0 {
		ck := m.order[0]
		e, ok := m.entries[ck]
		if !ok {
			m.order = m.order[1:]
			continue
		}
		if now.Before(e.timeAdded.Add(m.timeWaitPeriod)) {
			break
		}
		m.removeEntry(ck)
		evicted++
	}
	return evicted
}

// NumConnections returns the number of distinct canonical entries
// currently tracked.
func (m *Manager) NumConnections() int { return len(m.entries) }

// OldestTimeAdded returns the time_added of the oldest tracked entry;
// adding time_wait_period gives the deadline for the next Expire call.
func (m *Manager) OldestTimeAdded() (time.Time, bool) {
	if len(m.order) == 0 {
		return time.Time{}, false
	}
	e, ok := m.entries[m.order[0]]
	if !ok {
		return time.Time{}, false
	}
	return e.timeAdded, true
}
