package bbr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const regularPacketSize = 1280

func TestOnPacketSentTracksOnlyRetransmittablePackets(t *testing.T) {
	s := NewSampler(1.0, nil)
	start := time.Unix(1, 0)

	s.OnPacketSent(start, 1, regularPacketSize, 0, true)
	require.Equal(t, 1, s.NumTrackedPackets())

	s.OnPacketSent(start, 2, regularPacketSize, regularPacketSize, false)
	require.Equal(t, 1, s.NumTrackedPackets())
}

func TestSimpleAckProducesOneSample(t *testing.T) {
	s := NewSampler(1.0, nil)
	start := time.Unix(1, 0)
	s.OnPacketSent(start, 1, regularPacketSize, 0, true)

	ackTime := start.Add(100 * time.Millisecond)
	sample := s.OnCongestionEvent(ackTime, []uint64{1}, nil, 0)

	require.Equal(t, 100*time.Millisecond, sample.SampleRTT)
	require.Greater(t, float64(sample.SampleMaxBandwidth), 0.0)
	require.False(t, sample.SampleIsAppLimited)
	require.Equal(t, 0, s.NumTrackedPackets())
}

func TestLossUpdatesTotalBytesLostAndStopsTracking(t *testing.T) {
	s := NewSampler(1.0, nil)
	start := time.Unix(1, 0)
	s.OnPacketSent(start, 1, regularPacketSize, 0, true)

	sample := s.OnCongestionEvent(start.Add(time.Second), nil, []uint64{1}, 0)
	require.Equal(t, uint64(regularPacketSize), s.TotalBytesLost())
	require.Equal(t, 0, s.NumTrackedPackets())
	require.Equal(t, Bandwidth(0), sample.SampleMaxBandwidth)
}

func TestAppLimitedFlagPropagatesToSample(t *testing.T) {
	s := NewSampler(1.0, nil)
	start := time.Unix(1, 0)
	s.SetAppLimited(true)
	s.OnPacketSent(start, 1, regularPacketSize, 0, true)

	sample := s.OnCongestionEvent(start.Add(50*time.Millisecond), []uint64{1}, nil, 0)
	require.True(t, sample.SampleIsAppLimited)
}

func TestOnPacketNeuteredRemovesEntryWithoutSample(t *testing.T) {
	s := NewSampler(1.0, nil)
	start := time.Unix(1, 0)
	s.OnPacketSent(start, 1, regularPacketSize, 0, true)
	s.OnPacketNeutered(1)
	require.Equal(t, 0, s.NumTrackedPackets())

	sample := s.OnCongestionEvent(start.Add(time.Second), []uint64{1}, nil, 0)
	require.Equal(t, Bandwidth(0), sample.SampleMaxBandwidth)
}

func TestRemoveObsoletePacketsPrunesBelowThreshold(t *testing.T) {
	s := NewSampler(1.0, nil)
	start := time.Unix(1, 0)
	s.OnPacketSent(start, 1, regularPacketSize, 0, true)
	s.OnPacketSent(start, 2, regularPacketSize, regularPacketSize, true)
	s.OnPacketSent(start, 5, regularPacketSize, 2*regularPacketSize, true)

	removed := s.RemoveObsoletePackets(5)
	require.Equal(t, 2, removed)
	require.Equal(t, 1, s.NumTrackedPackets())
}

func TestMaxAckHeightTrackerAccumulatesWithinEpoch(t *testing.T) {
	tr := NewMaxAckHeightTracker(1.0)
	start := time.Unix(1, 0)
	bandwidth := BandwidthFromBytesAndDelta(regularPacketSize, 10*time.Millisecond)

	// First call just starts the epoch.
	extra := tr.Update(start, regularPacketSize, bandwidth)
	require.Equal(t, uint64(0), extra)

	// A burst of acked bytes well above what the bandwidth would predict
	// for this short an elapsed duration produces positive extra_acked.
	extra = tr.Update(start.Add(time.Millisecond), 10*regularPacketSize, bandwidth)
	require.Greater(t, extra, uint64(0))
	require.Equal(t, tr.MaxAckHeight(), extra)
}

func TestMaxAckHeightTrackerStartsNewEpochWhenRateDrops(t *testing.T) {
	tr := NewMaxAckHeightTracker(1.0)
	start := time.Unix(1, 0)
	bandwidth := BandwidthFromBytesAndDelta(regularPacketSize, 10*time.Millisecond)

	tr.Update(start, regularPacketSize, bandwidth)
	// A long, low-rate gap means the measured arrival rate over the
	// epoch so far has dropped well below bandwidth: new epoch, no
	// extra_acked credited for this call.
	extra := tr.Update(start.Add(10*time.Second), 1, bandwidth)
	require.Equal(t, uint64(0), extra)
}
