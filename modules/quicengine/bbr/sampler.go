// Package bbr implements component L: the bandwidth sampler that turns
// packet send/ack/loss events into bandwidth and RTT samples for a
// (non-sampler) congestion controller, described in spec.md §4.L.
//
// The congestion controller itself (BBR's mode machine, pacing gain
// cycling, and so on) is explicitly out of scope; this package only
// produces the samples BBR-like controllers consume.
package bbr

import (
	"sort"
	"time"

	"go.uber.org/zap"
)

// Bandwidth is a sampled or estimated rate in bytes per second.
type Bandwidth float64

// BandwidthFromBytesAndDelta computes bytes/delta, returning 0 if delta
// is not positive (division would be meaningless or would divide by a
// window that hasn't actually elapsed).
func BandwidthFromBytesAndDelta(bytes uint64, delta time.Duration) Bandwidth {
	if delta <= 0 {
		return 0
	}
	return Bandwidth(float64(bytes) / delta.Seconds())
}

// SendTimeState snapshots the sampler's running totals at the moment a
// packet was sent, so a later ack or loss can compute deltas against it.
type SendTimeState struct {
	IsValid         bool
	IsAppLimited    bool
	TotalBytesSent  uint64
	TotalBytesAcked uint64
	TotalBytesLost  uint64
	BytesInFlight   uint64
}

// connectionStateEntry is the per-packet-number record spec.md §4.L
// calls ConnectionState.
type connectionStateEntry struct {
	sentTime      time.Time
	size          uint64
	sendTimeState SendTimeState
	isAppLimited  bool
}

// CongestionEventSample is everything OnCongestionEvent reports back for
// one batch of acks and losses.
type CongestionEventSample struct {
	SampleMaxBandwidth  Bandwidth
	SampleIsAppLimited  bool
	SampleRTT           time.Duration
	SampleMaxInflight   uint64
	LastPacketSendState SendTimeState
	ExtraAcked          uint64
}

// Sampler tracks one ConnectionState entry per in-flight retransmittable
// packet and turns acks into bandwidth samples per spec.md §4.L.
type Sampler struct {
	logger *zap.Logger

	totalBytesSent     uint64
	totalBytesAcked    uint64
	totalBytesLost     uint64
	totalBytesNeutered uint64

	entries map[uint64]*connectionStateEntry

	isAppLimited bool

	haveLastSample      bool
	lastSampleSendTime  time.Time
	lastSampleSendState SendTimeState

	ackHeight *MaxAckHeightTracker
}

// NewSampler returns an empty sampler. thresholdMultiplier configures
// the max-ack-height tracker's epoch-reset threshold
// (ack_aggregation_bandwidth_threshold).
func NewSampler(thresholdMultiplier float64, logger *zap.Logger) *Sampler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sampler{
		logger:    logger,
		entries:   map[uint64]*connectionStateEntry{},
		ackHeight: NewMaxAckHeightTracker(thresholdMultiplier),
	}
}

// SetAppLimited marks whether future OnPacketSent calls record
// app-limited entries.
func (s *Sampler) SetAppLimited(limited bool) { s.isAppLimited = limited }

// IsAppLimited reports the sampler's current app-limited state.
func (s *Sampler) IsAppLimited() bool { return s.isAppLimited }

// OnPacketSent records a ConnectionState entry keyed by packetNumber and
// updates total_bytes_sent. Non-retransmittable packets are excluded
// from bytes-in-flight and are not tracked for sampling, per spec.md
// §4.L.
func (s *Sampler) OnPacketSent(sentTime time.Time, packetNumber, size, bytesInFlightBeforeSend uint64, hasRetransmittableData bool) {
	s.totalBytesSent += size
	if !hasRetransmittableData {
		return
	}
	state := SendTimeState{
		IsValid:         true,
		IsAppLimited:    s.isAppLimited,
		TotalBytesSent:  s.totalBytesSent,
		TotalBytesAcked: s.totalBytesAcked,
		TotalBytesLost:  s.totalBytesLost,
		BytesInFlight:   bytesInFlightBeforeSend + size,
	}
	s.entries[packetNumber] = &connectionStateEntry{
		sentTime:      sentTime,
		size:          size,
		sendTimeState: state,
		isAppLimited:  s.isAppLimited,
	}
}

// OnPacketNeutered discards a tracked entry without counting it as
// acked or lost (e.g. a key-discard at a retired encryption level).
func (s *Sampler) OnPacketNeutered(packetNumber uint64) {
	if e, ok := s.entries[packetNumber]; ok {
		s.totalBytesNeutered += e.size
		delete(s.entries, packetNumber)
	}
}

// OnCongestionEvent folds a batch of acked and lost packet numbers into
// one CongestionEventSample, per spec.md §4.L's two-rate-candidate
// minimum and the max-ack-height tracker.
func (s *Sampler) OnCongestionEvent(ackTime time.Time, ackedPacketNumbers, lostPacketNumbers []uint64, currentBandwidth Bandwidth) CongestionEventSample {
	for _, pn := range lostPacketNumbers {
		if e, ok := s.entries[pn]; ok {
			s.totalBytesLost += e.size
			delete(s.entries, pn)
		}
	}

	acked := append([]uint64(nil), ackedPacketNumbers...)
	sort.Slice(acked, func(i, j int) bool { return acked[i] < acked[j] })

	var sample CongestionEventSample
	var totalAckedThisEvent uint64

	for _, pn := range acked {
		e, ok := s.entries[pn]
		if !ok {
			continue
		}
		s.totalBytesAcked += e.size
		totalAckedThisEvent += e.size

		candidate1 := BandwidthFromBytesAndDelta(s.totalBytesAcked-e.sendTimeState.TotalBytesAcked, ackTime.Sub(e.sentTime))
		candidate2 := candidate1
		if s.haveLastSample {
			if sentDelta := e.sentTime.Sub(s.lastSampleSendTime); sentDelta > 0 {
				candidate2 = BandwidthFromBytesAndDelta(e.sendTimeState.TotalBytesSent-s.lastSampleSendState.TotalBytesSent, sentDelta)
			}
		}
		sampleBandwidth := candidate1
		if candidate2 < sampleBandwidth {
			sampleBandwidth = candidate2
		}

		if sampleBandwidth > sample.SampleMaxBandwidth {
			sample.SampleMaxBandwidth = sampleBandwidth
			sample.SampleRTT = ackTime.Sub(e.sentTime)
		}
		if e.sendTimeState.BytesInFlight > sample.SampleMaxInflight {
			sample.SampleMaxInflight = e.sendTimeState.BytesInFlight
		}
		sample.LastPacketSendState = e.sendTimeState
		sample.SampleIsAppLimited = sample.SampleIsAppLimited || e.isAppLimited

		s.lastSampleSendTime = e.sentTime
		s.lastSampleSendState = e.sendTimeState
		s.haveLastSample = true

		delete(s.entries, pn)
	}

	if totalAckedThisEvent > 0 {
		bw := currentBandwidth
		if sample.SampleMaxBandwidth > bw {
			bw = sample.SampleMaxBandwidth
		}
		sample.ExtraAcked = s.ackHeight.Update(ackTime, totalAckedThisEvent, bw)
	}

	return sample
}

// RemoveObsoletePackets releases every tracked entry with a packet
// number strictly below threshold, returning the count released.
func (s *Sampler) RemoveObsoletePackets(threshold uint64) int {
	removed := 0
	for pn := range s.entries {
		if pn < threshold {
			delete(s.entries, pn)
			removed++
		}
	}
	return removed
}

// NumTrackedPackets returns the number of ConnectionState entries
// currently outstanding — sent minus acked, lost, neutered, and
// removed-obsolete, per spec.md §8 invariant 6.
func (s *Sampler) NumTrackedPackets() int { return len(s.entries) }

// TotalBytesLost returns the running total of bytes the sampler has
// observed lost.
func (s *Sampler) TotalBytesLost() uint64 { return s.totalBytesLost }

// MaxAckHeightTracker maintains an aggregation epoch and reports
// extra_acked — the largest observed positive deviation of acked bytes
// from bandwidth × epoch_duration during the current episode.
type MaxAckHeightTracker struct {
	thresholdMultiplier float64

	epochStart   time.Time
	epochStarted bool
	epochBytes   uint64
	maxAckHeight uint64
}

// NewMaxAckHeightTracker returns a tracker with no epoch started yet.
func NewMaxAckHeightTracker(thresholdMultiplier float64) *MaxAckHeightTracker {
	return &MaxAckHeightTracker{thresholdMultiplier: thresholdMultiplier}
}

// Update folds ackedBytes received at ackTime into the current epoch,
// returning this call's extra_acked contribution. A new epoch begins
// whenever the epoch's measured arrival rate so far has fallen back
// below threshold_multiplier × bandwidth — the aggregation has
// dissipated and accumulation starts over from this ack.
func (t *MaxAckHeightTracker) Update(ackTime time.Time, ackedBytes uint64, bandwidth Bandwidth) uint64 {
	if !t.epochStarted {
		t.epochStarted = true
		t.epochStart = ackTime
		t.epochBytes = ackedBytes
		return 0
	}

	arrivalRate := BandwidthFromBytesAndDelta(t.epochBytes, ackTime.Sub(t.epochStart))
	if arrivalRate < Bandwidth(t.thresholdMultiplier)*bandwidth {
		t.epochStart = ackTime
		t.epochBytes = ackedBytes
		return 0
	}

	t.epochBytes += ackedBytes
	expected := uint64(float64(bandwidth) * ackTime.Sub(t.epochStart).Seconds())
	if t.epochBytes <= expected {
		return 0
	}
	extra := t.epochBytes - expected
	if extra > t.maxAckHeight {
		t.maxAckHeight = extra
	}
	return extra
}

// MaxAckHeight returns the largest extra_acked value observed across
// every epoch so far.
func (t *MaxAckHeightTracker) MaxAckHeight() uint64 { return t.maxAckHeight }
