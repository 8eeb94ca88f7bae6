// Package ackhandler implements component E: the received-packet
// manager, which tracks which packet numbers have arrived, generates ACK
// frames from that history, and decides when an ACK is due under TCP-
// style, decimated, or reordering-sensitive policies.
package ackhandler

import (
	"math"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/klzgrad/naiveproxy-sub075/modules/quicengine/frame"
	"github.com/klzgrad/naiveproxy-sub075/modules/quicengine/packet"
)

// receiptRecordApproxSize estimates receiptRecord's in-memory footprint
// (a packet.Number plus a time.Time), for the retained-timestamp-buffer
// size logged by RecordPacketReceived.
const receiptRecordApproxSize = 32

// AckMode selects the ACK-timeout policy maybeUpdateAckTimeout applies.
type AckMode int

const (
	// AckModeTCP acks every AckFrequencyBeforeDecimation-th
	// retransmittable packet, otherwise delays by LocalMaxAckDelay.
	AckModeTCP AckMode = iota
	// AckModeDecimation additionally delays acks by a fraction of the
	// smoothed RTT once past the initial burst.
	AckModeDecimation
	// AckModeDecimationWithReordering is AckModeDecimation plus a
	// tighter re-ack schedule (min_rtt/8) when a gap is newly observed.
	AckModeDecimationWithReordering
)

// Config bundles the tunables named in spec.md §4.E. Zero values apply
// sane defaults except where noted.
type Config struct {
	Mode AckMode

	// MaxAckRanges bounds how many disjoint ranges an outgoing ACK frame
	// may carry; get_updated_ack_frame drops the smallest interval until
	// the set fits.
	MaxAckRanges int

	LocalMaxAckDelay time.Duration

	// AckDecimationDelay is the fraction of min_rtt used to schedule a
	// decimated ack, e.g. 0.25.
	AckDecimationDelay float64

	// AckDecimationGranularity floors the decimated delay; zero disables
	// the floor.
	AckDecimationGranularity time.Duration

	MinReceivedBeforeAckDecimation uint64
	UnlimitedAckDecimation         bool
	MaxRetransmittableBeforeAck    uint64
	AckFrequencyBeforeDecimation   uint64
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxAckRanges == 0 {
		out.MaxAckRanges = 256
	}
	if out.LocalMaxAckDelay == 0 {
		out.LocalMaxAckDelay = 25 * time.Millisecond
	}
	if out.AckDecimationDelay == 0 {
		out.AckDecimationDelay = 0.25
	}
	if out.MinReceivedBeforeAckDecimation == 0 {
		out.MinReceivedBeforeAckDecimation = 100
	}
	if out.MaxRetransmittableBeforeAck == 0 {
		out.MaxRetransmittableBeforeAck = 10
	}
	if out.AckFrequencyBeforeDecimation == 0 {
		out.AckFrequencyBeforeDecimation = 2
	}
	return out
}

type receiptRecord struct {
	pn   packet.Number
	when time.Time
}

// Manager is the received-packet manager for one encryption level's
// packet-number space.
type Manager struct {
	cfg    Config
	logger *zap.Logger

	packets                   *packet.IntervalSet
	largestAcked              packet.Number
	timeLargestObserved       time.Time
	leastReceivedPacketNumber packet.Number

	saveTimestamps bool
	receivedTimes  []receiptRecord

	// Reordering statistics (SPEC_FULL.md supplement from
	// quic_received_packet_manager.cc): the largest reordering observed,
	// tracked in both packet-number space and wall-clock time.
	maxPacketsReordered uint64
	maxTimeReordered    time.Duration

	// ACK-timeout policy state.
	hasAckTimeout                  bool
	ackTimeout                     time.Time
	numRetransmittableSinceLastAck uint64
	lastSentLargestAcked           packet.Number
	firstSending                   packet.Number
	minRTT                         time.Duration
}

// NewManager returns a Manager ready to track a fresh packet-number
// space. firstSending is the first packet number the local endpoint will
// send in this space, used as the decimation baseline.
func NewManager(cfg Config, saveTimestamps bool, firstSending packet.Number, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:                       cfg.withDefaults(),
		logger:                    logger,
		packets:                   packet.NewIntervalSet(),
		largestAcked:              packet.UninitializedNumber,
		leastReceivedPacketNumber: packet.UninitializedNumber,
		lastSentLargestAcked:      packet.UninitializedNumber,
		saveTimestamps:            saveTimestamps,
		firstSending:              firstSending,
	}
}

// SetMinRTT updates the smoothed minimum RTT the decimation schedule is
// computed against; the engine calls this as its RTT estimator updates.
func (m *Manager) SetMinRTT(rtt time.Duration) { m.minRTT = rtt }

// IsAwaitingPacket reports whether pn has not yet been recorded, i.e.
// whether record_packet_received(pn, ...) would not be a pure drop.
func (m *Manager) IsAwaitingPacket(pn packet.Number) bool {
	return !m.packets.Contains(pn.Uint64())
}

// RecordPacketReceived implements the received-packet-manager "Record"
// algorithm. It reports wasReordered, true whenever pn arrived behind
// the largest packet number already observed in this space — a signal
// the caller needs per-call, not only when it sets a new all-time-high
// in MaxReordering (rule 6 fires on every reorder event, not just
// record-breaking ones).
func (m *Manager) RecordPacketReceived(pn packet.Number, receiptTime time.Time) (wasReordered bool) {
	if !m.IsAwaitingPacket(pn) {
		return false
	}
	if m.packets.Empty() {
		m.receivedTimes = nil
	}

	if m.largestAcked.IsInitialized() && pn.Less(m.largestAcked) {
		wasReordered = true
		m.updateReorderingStats(pn, receiptTime)
	} else {
		m.largestAcked = pn
		m.timeLargestObserved = receiptTime
	}

	m.packets.Add(pn.Uint64())

	if m.saveTimestamps {
		if len(m.receivedTimes) == 0 || receiptTime.After(m.receivedTimes[len(m.receivedTimes)-1].when) {
			m.receivedTimes = append(m.receivedTimes, receiptRecord{pn: pn, when: receiptTime})
			if n := len(m.receivedTimes); n%64 == 0 {
				m.logger.Debug("retained ack-timestamp history growing",
					zap.Int("entries", n),
					zap.String("approx_size", humanize.Bytes(uint64(n)*receiptRecordApproxSize)))
			}
		} else {
			m.logger.Debug("received packet timestamp not monotonic, dropping", zap.Uint64("packet_number", pn.Uint64()))
		}
	}

	if !m.leastReceivedPacketNumber.IsInitialized() || pn.Less(m.leastReceivedPacketNumber) {
		m.leastReceivedPacketNumber = pn
	}

	return wasReordered
}

func (m *Manager) updateReorderingStats(pn packet.Number, receiptTime time.Time) {
	reordered := m.largestAcked.Sub(pn)
	if reordered > m.maxPacketsReordered {
		m.maxPacketsReordered = reordered
	}
	if !m.timeLargestObserved.IsZero() && receiptTime.Before(m.timeLargestObserved) {
		if d := m.timeLargestObserved.Sub(receiptTime); d > m.maxTimeReordered {
			m.maxTimeReordered = d
		}
	}
}

// MaxReordering returns the largest reordering distance and duration
// observed so far, exposed as metrics gauges by the engine.
func (m *Manager) MaxReordering() (packets uint64, dur time.Duration) {
	return m.maxPacketsReordered, m.maxTimeReordered
}

// LeastReceivedPacketNumber returns the smallest packet number ever
// recorded, or the uninitialized sentinel if none has been.
func (m *Manager) LeastReceivedPacketNumber() packet.Number { return m.leastReceivedPacketNumber }

const maxTimestampDistance = math.MaxUint8

// GetUpdatedAckFrame implements get_updated_ack_frame(now): it returns
// nil if there is nothing to acknowledge.
func (m *Manager) GetUpdatedAckFrame(now time.Time) *frame.ACKFrame {
	if m.packets.Empty() {
		return nil
	}

	var ackDelay time.Duration
	if now.After(m.timeLargestObserved) {
		ackDelay = now.Sub(m.timeLargestObserved)
	}

	for m.packets.NumIntervals() > m.cfg.MaxAckRanges {
		m.packets.RemoveSmallestInterval()
	}

	if len(m.receivedTimes) > 0 {
		kept := m.receivedTimes[:0]
		for _, r := range m.receivedTimes {
			if m.largestAcked.Sub(r.pn) <= maxTimestampDistance {
				kept = append(kept, r)
			}
		}
		m.receivedTimes = kept
	}

	largest, _ := m.packets.Max()
	clone := packet.NewIntervalSet()
	for _, iv := range m.packets.Intervals() {
		clone.AddRange(iv.Start, iv.End)
	}

	return &frame.ACKFrame{
		LargestAcked: packet.NewNumber(largest),
		AckDelay:     uint64(ackDelay / time.Microsecond),
		Packets:      clone,
	}
}

// ResetAckStates implements reset_ack_states(): it is called immediately
// after an ACK frame is actually sent.
func (m *Manager) ResetAckStates(lastSentLargestAcked packet.Number) {
	m.hasAckTimeout = false
	m.ackTimeout = time.Time{}
	m.numRetransmittableSinceLastAck = 0
	m.lastSentLargestAcked = lastSentLargestAcked
}
