// Package streamid implements component H: the per-direction,
// perspective-aware stream-ID manager described in spec.md §4.H.
package streamid

import (
	"go.uber.org/zap"

	"github.com/klzgrad/naiveproxy-sub075/internal/qerr"
)

// maxStreamsCreditDivisor sets the credit-window threshold at which
// maybe_send_max_streams_frame advertises a higher limit: it fires once
// the remaining credit (advertised − count) falls below
// initial_max/divisor.
const maxStreamsCreditDivisor = 2

// Manager tracks outgoing and incoming stream-ID accounting for one
// stream type (bidirectional or unidirectional) from one perspective.
// The engine (component M) owns one Manager per (perspective, type)
// pair, since ID spaces for bidi/uni and client/server streams never
// interact.
type Manager struct {
	logger *zap.Logger

	delta uint64 // stream_id_delta(version): 4 for IETF QUIC

	firstOutgoingID      uint64
	nextOutgoingStreamID uint64
	outgoingStreamCount  uint64
	outgoingMaxStreams   uint64

	firstIncomingID               uint64
	incomingActualMaxStreams      uint64
	incomingAdvertisedMaxStreams  uint64
	incomingInitialMaxOpenStreams uint64
	incomingStreamCount           uint64
	hasLargestPeerCreated         bool
	largestPeerCreatedStreamID    uint64

	available map[uint64]bool
}

// NewManager returns a manager for one stream type/perspective.
// firstOutgoingID and firstIncomingID are the lowest stream IDs in each
// direction's space (e.g. 0 for client-initiated bidi, 1 for
// server-initiated bidi, 2/3 for the corresponding uni spaces).
// incomingInitialMaxOpenStreams is the MAX_STREAMS value we first
// advertise to the peer.
func NewManager(delta, firstOutgoingID, firstIncomingID, incomingInitialMaxOpenStreams uint64, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:                        logger,
		delta:                         delta,
		firstOutgoingID:               firstOutgoingID,
		nextOutgoingStreamID:          firstOutgoingID,
		outgoingMaxStreams:            incomingInitialMaxOpenStreams,
		firstIncomingID:               firstIncomingID,
		incomingActualMaxStreams:      incomingInitialMaxOpenStreams,
		incomingAdvertisedMaxStreams:  incomingInitialMaxOpenStreams,
		incomingInitialMaxOpenStreams: incomingInitialMaxOpenStreams,
		available:                     map[uint64]bool{},
	}
}

// SetOutgoingMaxStreams updates the credit the peer has granted us via
// MAX_STREAMS, never decreasing it (a peer is not permitted to shrink
// the limit, but a stale/reordered frame must not regress it either).
func (m *Manager) SetOutgoingMaxStreams(max uint64) {
	if max > m.outgoingMaxStreams {
		m.outgoingMaxStreams = max
	}
}

// CanOpenNextOutgoingStream reports whether opening another outgoing
// stream is currently within credit.
func (m *Manager) CanOpenNextOutgoingStream() bool {
	return m.outgoingStreamCount < m.outgoingMaxStreams
}

// OpenOutgoingStream allocates the next outgoing stream ID, incrementing
// outgoing_stream_count. The caller must check CanOpenNextOutgoingStream
// first (or handle the returned false by sending STREAMS_BLOCKED).
func (m *Manager) OpenOutgoingStream() (id uint64, ok bool) {
	if !m.CanOpenNextOutgoingStream() {
		return 0, false
	}
	id = m.nextOutgoingStreamID
	m.nextOutgoingStreamID += m.delta
	m.outgoingStreamCount++
	return id, true
}

// MaybeIncreaseLargestPeerStreamID processes a peer-created incoming
// stream ID per spec.md §4.H.
func (m *Manager) MaybeIncreaseLargestPeerStreamID(id uint64) error {
	if id < m.firstIncomingID || (id-m.firstIncomingID)%m.delta != 0 {
		return qerr.Newf(qerr.StreamLimitError, "streamid: id %d has the wrong parity/directionality for this space", id)
	}

	if m.available[id] {
		delete(m.available, id)
		return nil
	}

	if m.hasLargestPeerCreated && id <= m.largestPeerCreatedStreamID {
		return nil // already seen and already accounted for
	}

	leastNewStreamID := m.firstIncomingID
	if m.hasLargestPeerCreated {
		leastNewStreamID = m.largestPeerCreatedStreamID + m.delta
	}

	delta := (id-leastNewStreamID)/m.delta + 1
	if m.incomingStreamCount+delta > m.incomingAdvertisedMaxStreams {
		return qerr.Newf(qerr.StreamLimitError, "streamid: incoming_stream_count+%d exceeds advertised max %d", delta, m.incomingAdvertisedMaxStreams)
	}

	for gap := leastNewStreamID; gap < id; gap += m.delta {
		m.available[gap] = true
	}
	m.incomingStreamCount += delta
	m.hasLargestPeerCreated = true
	m.largestPeerCreatedStreamID = id
	return nil
}

// OnStreamClosed processes the closure of a peer-created incoming
// stream: it increments incoming_actual_max_streams (capped, per
// spec.md §4.H) and reports whether a new MAX_STREAMS frame should be
// sent.
func (m *Manager) OnStreamClosed() (newAdvertised uint64, shouldSend bool) {
	if m.incomingActualMaxStreams < maxActualStreamsCap {
		m.incomingActualMaxStreams++
	}
	return m.maybeSendMaxStreamsFrame()
}

// maxActualStreamsCap bounds incoming_actual_max_streams so a peer
// cannot drive it (and thus our future MAX_STREAMS advertisements)
// without bound by opening and closing streams indefinitely.
const maxActualStreamsCap = 1 << 60

func (m *Manager) maybeSendMaxStreamsFrame() (newAdvertised uint64, shouldSend bool) {
	remaining := m.incomingAdvertisedMaxStreams - m.incomingStreamCount
	threshold := m.incomingInitialMaxOpenStreams / maxStreamsCreditDivisor
	if remaining >= threshold {
		return m.incomingAdvertisedMaxStreams, false
	}
	m.incomingAdvertisedMaxStreams = m.incomingActualMaxStreams
	return m.incomingAdvertisedMaxStreams, true
}

// OnStreamsBlocked processes a STREAMS_BLOCKED { stream_count } frame
// per spec.md §4.H, returning whether MAX_STREAMS should be resent.
func (m *Manager) OnStreamsBlocked(streamCount uint64) (resend bool, err error) {
	if streamCount > m.incomingAdvertisedMaxStreams {
		return false, qerr.Newf(qerr.ProtocolViolation, "streamid: streams_blocked count %d exceeds advertised max %d", streamCount, m.incomingAdvertisedMaxStreams)
	}
	if streamCount < m.incomingActualMaxStreams {
		return true, nil
	}
	return false, nil
}

// IncomingAdvertisedMaxStreams returns the MAX_STREAMS value currently
// advertised to the peer.
func (m *Manager) IncomingAdvertisedMaxStreams() uint64 { return m.incomingAdvertisedMaxStreams }

// OutgoingStreamCount returns the number of outgoing streams opened so
// far.
func (m *Manager) OutgoingStreamCount() uint64 { return m.outgoingStreamCount }

// IncomingStreamCount returns the number of incoming streams the peer
// has opened so far.
func (m *Manager) IncomingStreamCount() uint64 { return m.incomingStreamCount }
