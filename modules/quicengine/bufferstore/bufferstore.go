// Package bufferstore implements component J: the buffered-packet store
// that holds packets arriving before a connection exists, described in
// spec.md §4.J.
package bufferstore

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/klzgrad/naiveproxy-sub075/internal/qerr"
	"github.com/klzgrad/naiveproxy-sub075/internal/quicalarm"
	"github.com/klzgrad/naiveproxy-sub075/modules/quicengine/packet"
)

// BufferedPacket is one datagram buffered for a not-yet-established
// connection.
type BufferedPacket struct {
	Data      []byte
	IsCHLO    bool
	IsInitial bool
}

// entry holds every packet buffered so far for one connection ID.
type entry struct {
	cid          packet.ConnectionID
	packets      []BufferedPacket
	numNonCHLO   uint64
	hasCHLO      bool
	creationTime time.Time
	needsTLSInit bool

	// diagnosticID is a process-local handle for correlating this
	// entry's packets across log lines, independent of the wire
	// connection ID (which may be later discarded or rotated).
	diagnosticID uuid.UUID
}

// Store buffers pre-connection packets keyed by connection ID, enforcing
// store-wide and per-CID caps per spec.md §4.J.
type Store struct {
	logger *zap.Logger
	clock  quicalarm.Clock

	maxConnections            uint64
	maxConnectionsWithoutCHLO uint64
	maxUndecryptablePackets   uint64
	connectionLifeSpan        time.Duration

	entries          map[string]*entry
	order            []string // insertion order, used for both FIFO expiration and as the fallback iteration order
	chloOrder        []string // keys of entries with at least one CHLO, in first-CHLO order
	withoutCHLOCount uint64

	// chloExtract collapses concurrent CHLO-extraction attempts for the
	// same connection ID (e.g. racing dispatcher goroutines that both
	// observed the same buffered entry) into a single execution.
	chloExtract singleflight.Group
}

// NewStore returns an empty buffered-packet store.
func NewStore(maxConnections, maxConnectionsWithoutCHLO, maxUndecryptablePackets uint64, connectionLifeSpan time.Duration, clock quicalarm.Clock, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = quicalarm.SystemClock{}
	}
	return &Store{
		logger:                    logger,
		clock:                     clock,
		maxConnections:            maxConnections,
		maxConnectionsWithoutCHLO: maxConnectionsWithoutCHLO,
		maxUndecryptablePackets:   maxUndecryptablePackets,
		connectionLifeSpan:        connectionLifeSpan,
		entries:                   map[string]*entry{},
	}
}

func key(cid packet.ConnectionID) string { return string(cid.Bytes()) }

// EnqueuePacket buffers data for cid per spec.md §4.J: a CHLO is pushed
// to the front of the per-CID list and marks the connection as
// CHLO-bearing; anything else is pushed to the back, and the first
// non-CHLO packet for a new connection flags that a TLS-CHLO extractor
// should be initialized (NeedsTLSExtractorInit drains that flag).
func (s *Store) EnqueuePacket(cid packet.ConnectionID, data []byte, isCHLO, isInitial bool, now time.Time) error {
	k := key(cid)
	e, ok := s.entries[k]
	if !ok {
		if uint64(len(s.entries)) >= s.maxConnections {
			return qerr.Newf(qerr.TooManyConnections, "bufferstore: store already holds max_connections (%d)", s.maxConnections)
		}
		if !isCHLO && s.withoutCHLOCount >= s.maxConnectionsWithoutCHLO {
			return qerr.Newf(qerr.TooManyConnections, "bufferstore: store already holds max_connections_without_chlo (%d)", s.maxConnectionsWithoutCHLO)
		}
		e = &entry{cid: cid, creationTime: now, diagnosticID: uuid.New()}
		s.entries[k] = e
		s.order = append(s.order, k)
		s.logger.Debug("buffering packets for new connection",
			zap.Stringer("diagnostic_id", e.diagnosticID))
		if !isCHLO {
			s.withoutCHLOCount++
		}
	}

	if !isCHLO && e.numNonCHLO >= s.maxUndecryptablePackets {
		return qerr.Newf(qerr.TooManyPackets, "bufferstore: connection already holds max_undecryptable_packets (%d)", s.maxUndecryptablePackets)
	}

	bp := BufferedPacket{Data: data, IsCHLO: isCHLO, IsInitial: isInitial}
	if isCHLO {
		e.packets = append([]BufferedPacket{bp}, e.packets...)
		if !e.hasCHLO {
			e.hasCHLO = true
			if s.withoutCHLOCount > 0 {
				s.withoutCHLOCount--
			}
			s.chloOrder = append(s.chloOrder, k)
		}
	} else {
		if len(e.packets) == 0 {
			e.needsTLSInit = true
		}
		e.packets = append(e.packets, bp)
		e.numNonCHLO++
	}
	return nil
}

// NeedsTLSExtractorInit reports and clears whether cid's entry just
// received its first packet and needs a TLS-CHLO extractor started.
func (s *Store) NeedsTLSExtractorInit(cid packet.ConnectionID) bool {
	e, ok := s.entries[key(cid)]
	if !ok || !e.needsTLSInit {
		return false
	}
	e.needsTLSInit = false
	return true
}

// DeliverPacketsForNextConnection returns the oldest CHLO-bearing
// connection's buffered packets, with Initial packets stably reordered
// to the front (per the SPEC_FULL.md §5 supplement grounded on
// quic_buffered_packet_store.cc), removing it from the store.
func (s *Store) DeliverPacketsForNextConnection() (cid packet.ConnectionID, packets []BufferedPacket, ok bool) {
	if len(s.chloOrder) == 0 {
		return packet.ConnectionID{}, nil, false
	}
	k := s.chloOrder[0]
	s.chloOrder = s.chloOrder[1:]

	e, ok := s.entries[k]
	if !ok {
		return packet.ConnectionID{}, nil, false
	}
	s.removeEntry(k)

	return e.cid, stablePartitionInitialFirst(e.packets), true
}

func stablePartitionInitialFirst(packets []BufferedPacket) []BufferedPacket {
	out := make([]BufferedPacket, 0, len(packets))
	for _, p := range packets {
		if p.IsInitial {
			out = append(out, p)
		}
	}
	for _, p := range packets {
		if !p.IsInitial {
			out = append(out, p)
		}
	}
	return out
}

func (s *Store) removeEntry(k string) {
	e, ok := s.entries[k]
	if !ok {
		return
	}
	if !e.hasCHLO && s.withoutCHLOCount > 0 {
		s.withoutCHLOCount--
	}
	delete(s.entries, k)
	for i, o := range s.order {
		if o == k {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Expire evicts every entry whose creation_time + connection_life_span is
// at or before now, in FIFO (insertion) order, returning the count
// evicted. The engine calls this from the store's expiration alarm.
func (s *Store) Expire(now time.Time) int {
	evicted := 0
	for len(s.order) > 0 {
		k := s.order[0]
		e, ok := s.entries[k]
		if !ok {
			s.order = s.order[1:]
			continue
		}
		if now.Before(e.creationTime.Add(s.connectionLifeSpan)) {
			break
		}
		s.order = s.order[1:]
		delete(s.entries, k)
		if !e.hasCHLO && s.withoutCHLOCount > 0 {
			s.withoutCHLOCount--
		}
		s.removeFromCHLOOrder(k)
		evicted++
	}
	return evicted
}

func (s *Store) removeFromCHLOOrder(k string) {
	for i, o := range s.chloOrder {
		if o == k {
			s.chloOrder = append(s.chloOrder[:i], s.chloOrder[i+1:]...)
			return
		}
	}
}

// HasCHLOForConnection reports whether any buffered entry for cid has
// received a CHLO.
func (s *Store) HasCHLOForConnection(cid packet.ConnectionID) bool {
	e, ok := s.entries[key(cid)]
	return ok && e.hasCHLO
}

// DiagnosticID returns the process-local diagnostic handle assigned to
// cid's entry, if one is currently buffered.
func (s *Store) DiagnosticID(cid packet.ConnectionID) (uuid.UUID, bool) {
	e, ok := s.entries[key(cid)]
	if !ok {
		return uuid.UUID{}, false
	}
	return e.diagnosticID, true
}

// ExtractCHLO runs extract for cid exactly once even if called
// concurrently for the same connection ID, returning whether this
// caller's goroutine actually ran extract or shared another caller's
// in-flight result.
func (s *Store) ExtractCHLO(cid packet.ConnectionID, extract func() (any, error)) (result any, err error, shared bool) {
	return s.chloExtract.Do(key(cid), extract)
}

// NumConnections returns the number of distinct connections currently
// buffered.
func (s *Store) NumConnections() int { return len(s.entries) }
