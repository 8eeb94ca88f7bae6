// Package streams implements component G: the stream sequencer and its
// receive/send buffers, described in spec.md §4.G.
package streams

import (
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/klzgrad/naiveproxy-sub075/internal/qerr"
	"github.com/klzgrad/naiveproxy-sub075/modules/quicengine/packet"
)

// FinMode selects when the data-available callback fires.
type FinMode int

const (
	// EdgeTriggered invokes OnDataAvailable only when readable bytes
	// increase from zero.
	EdgeTriggered FinMode = iota
	// LevelTriggered invokes OnDataAvailable on every new readable byte.
	LevelTriggered
)

// Delegate receives the sequencer's callbacks.
type Delegate interface {
	// OnDataAvailable is invoked per the fin-delivery rules in spec.md
	// §4.G.
	OnDataAvailable()
	// OnFinRead is invoked instead of OnDataAvailable when the fin is
	// reached while the sequencer is in discard mode.
	OnFinRead()
}

// block is one allocator-retirable chunk of received, not-yet-consumed
// bytes, keyed by its starting stream offset.
type block struct {
	offset uint64
	data   []byte
}

// Sequencer reassembles an in-order byte stream out of arbitrarily
// ordered, possibly overlapping STREAM frame deliveries. It implements
// the "Sequencer buffer" described in spec.md §4 overview and the
// contract in §4.G, grounded on
// original_source/quic_stream_sequencer_buffer_peer.cc's block-accounting
// invariants (SPEC_FULL.md §5 supplement): `total_bytes_read ≤
// first_missing_byte ≤ next_expected_byte`, and the buffered span never
// exceeds capacity.
type Sequencer struct {
	logger   *zap.Logger
	delegate Delegate
	finMode  FinMode

	maxBufferCapacity uint64

	received *packet.IntervalSet // bytes_received: offsets seen, possibly not contiguous
	blocks   []*block            // unread bytes, sorted by offset, non-overlapping with received gaps closed lazily

	totalBytesRead uint64 // bytes delivered to the caller via readv/mark_consumed
	numBuffered    uint64 // bytes currently held in blocks

	closeOffset    uint64
	hasCloseOffset bool
	reliableOffset uint64

	discarding bool
	finRead    bool
}

// NewSequencer returns an empty sequencer bounded at maxBufferCapacity
// bytes of reassembly window. A maxBufferCapacity of 0 leaves the window
// unbounded.
func NewSequencer(maxBufferCapacity uint64, finMode FinMode, delegate Delegate, logger *zap.Logger) *Sequencer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sequencer{
		logger:            logger,
		delegate:          delegate,
		finMode:           finMode,
		maxBufferCapacity: maxBufferCapacity,
		received:          packet.NewIntervalSet(),
	}
}

// nextExpectedByte is the lowest offset not yet observed as received.
func (s *Sequencer) nextExpectedByte() uint64 {
	if s.received.Empty() {
		return 0
	}
	// The contiguous-from-zero prefix is the first interval's End only if
	// it starts at 0; otherwise nothing contiguous has arrived yet.
	ivs := s.received.Intervals()
	if ivs[0].Start != 0 {
		return 0
	}
	return ivs[0].End
}

// firstMissingByte is totalBytesRead plus whatever has already been
// received contiguously from that point: the lowest offset the caller
// has neither consumed nor buffered a contiguous run through. Blocks
// past a gap don't count — ReadableBytes already stops at the first
// one, and firstMissingByte must agree or insert will mistake a
// gapped block for proof that the prefix below it was also received.
func (s *Sequencer) firstMissingByte() uint64 { return s.totalBytesRead + s.ReadableBytes() }

// OnStreamFrame inserts data observed at offset into the reassembly
// buffer per spec.md §4.G's contract.
func (s *Sequencer) OnStreamFrame(offset uint64, data []byte, fin bool) error {
	if len(data) == 0 && !fin {
		return nil // zero-length non-fin frames are ignored
	}
	end := offset + uint64(len(data))
	if s.maxBufferCapacity > 0 && end > s.totalBytesRead+s.maxBufferCapacity {
		return qerr.Newf(qerr.FlowControlReceivedTooMuchData, "streams: data up to offset %d exceeds the %d-byte window past read offset %d", end, s.maxBufferCapacity, s.totalBytesRead)
	}

	if fin {
		if err := s.CloseAtOffset(end); err != nil {
			return err
		}
	}

	readableBefore := s.ReadableBytes()

	if len(data) > 0 {
		s.insert(offset, data)
	}

	if s.discarding {
		s.drainToDiscard()
		return s.maybeDeliverFin()
	}

	switch s.finMode {
	case EdgeTriggered:
		if readableBefore == 0 && s.ReadableBytes() > 0 {
			s.delegate.OnDataAvailable()
		}
	case LevelTriggered:
		if s.ReadableBytes() > readableBefore {
			s.delegate.OnDataAvailable()
		}
	}

	return s.maybeDeliverFin()
}

// insert merges data at offset into the block list, deduplicating
// against bytes already received (STREAM frames may retransmit
// overlapping ranges).
func (s *Sequencer) insert(offset uint64, data []byte) {
	end := offset + uint64(len(data))

	// Clip against the already-consumed prefix.
	if offset < s.firstMissingByte() {
		clip := s.firstMissingByte() - offset
		if clip >= uint64(len(data)) {
			return
		}
		data = data[clip:]
		offset += clip
	}
	if len(data) == 0 {
		return
	}

	// Clip against already-received ranges so blocks never overlap.
	for _, iv := range s.received.Intervals() {
		if iv.Start <= offset && end <= iv.End {
			return // fully duplicate
		}
	}

	s.received.AddRange(offset, end)
	s.blocks = append(s.blocks, &block{offset: offset, data: append([]byte(nil), data...)})
	sortBlocks(s.blocks)
	s.numBuffered += uint64(len(data))

	if s.maxBufferCapacity > 0 && s.numBuffered*4 >= s.maxBufferCapacity*3 {
		s.logger.Debug("stream reassembly buffer nearing capacity",
			zap.String("buffered", humanize.Bytes(s.numBuffered)),
			zap.String("capacity", humanize.Bytes(s.maxBufferCapacity)))
	}
}

func sortBlocks(b []*block) {
	for i := 1; i < len(b); i++ {
		for j := i; j > 0 && b[j-1].offset > b[j].offset; j-- {
			b[j-1], b[j] = b[j], b[j-1]
		}
	}
}

// CloseAtOffset schedules finalization at offset: the stream's total
// length. A second call disagreeing with the first, or an offset below
// the highest byte already observed, is STREAM_SEQUENCER_INVALID_STATE.
func (s *Sequencer) CloseAtOffset(offset uint64) error {
	if s.hasCloseOffset && s.closeOffset != offset {
		return qerr.Newf(qerr.StreamSequencerInvalidState, "streams: close_at_offset %d disagrees with previously set %d", offset, s.closeOffset)
	}
	if highest, ok := s.received.Max(); ok && offset < highest+1 {
		return qerr.Newf(qerr.StreamSequencerInvalidState, "streams: fin offset %d below highest observed byte %d", offset, highest)
	}
	s.hasCloseOffset = true
	s.closeOffset = offset
	return nil
}

// SetReliableOffset raises the reliable-reset marker; it must not exceed
// the close offset once one is set.
func (s *Sequencer) SetReliableOffset(offset uint64) error {
	if s.hasCloseOffset && offset > s.closeOffset {
		return qerr.Newf(qerr.StreamSequencerInvalidState, "streams: reliable offset %d exceeds close offset %d", offset, s.closeOffset)
	}
	if offset > s.reliableOffset {
		s.reliableOffset = offset
	}
	return nil
}

// ReadableBytes returns the number of contiguous, unread bytes starting
// at the current read position.
func (s *Sequencer) ReadableBytes() uint64 {
	want := s.totalBytesRead
	var n uint64
	for _, b := range s.blocks {
		if b.offset != want {
			break
		}
		avail := uint64(len(b.data))
		n += avail
		want += avail
	}
	return n
}

// Readv consumes up to the first gap into dst, returning the number of
// bytes written.
func (s *Sequencer) Readv(dst []byte) int {
	written := 0
	for written < len(dst) && len(s.blocks) > 0 {
		b := s.blocks[0]
		if b.offset != s.totalBytesRead {
			break
		}
		n := copy(dst[written:], b.data)
		written += n
		b.data = b.data[n:]
		s.totalBytesRead += uint64(n)
		s.numBuffered -= uint64(n)
		if len(b.data) == 0 {
			s.blocks = s.blocks[1:]
		} else {
			b.offset += uint64(n)
		}
	}
	s.maybeDeliverFin()
	return written
}

// Region is a zero-copy view into one contiguous readable span.
type Region struct {
	Offset uint64
	Data   []byte
}

// GetReadableRegions returns the contiguous readable blocks without
// consuming them.
func (s *Sequencer) GetReadableRegions() []Region {
	want := s.totalBytesRead
	var regions []Region
	for _, b := range s.blocks {
		if b.offset != want {
			break
		}
		regions = append(regions, Region{Offset: b.offset, Data: b.data})
		want += uint64(len(b.data))
	}
	return regions
}

// MarkConsumed advances the read position by n bytes, which must not
// exceed ReadableBytes(); violating this resets the stream with
// ERROR_PROCESSING_STREAM per spec.md §4.G.
func (s *Sequencer) MarkConsumed(n uint64) error {
	if n > s.ReadableBytes() {
		return qerr.Newf(qerr.ErrorProcessingStream, "streams: mark_consumed(%d) exceeds readable bytes (%d)", n, s.ReadableBytes())
	}
	remaining := n
	for remaining > 0 && len(s.blocks) > 0 {
		b := s.blocks[0]
		take := remaining
		if take > uint64(len(b.data)) {
			take = uint64(len(b.data))
		}
		b.data = b.data[take:]
		b.offset += take
		s.totalBytesRead += take
		s.numBuffered -= take
		remaining -= take
		if len(b.data) == 0 {
			s.blocks = s.blocks[1:]
		}
	}
	return s.maybeDeliverFin()
}

// StopReading switches the sequencer to discard mode: all buffered data
// is immediately flushed and counted as consumed, so flow control
// continues to advance even though nothing is read by the application.
func (s *Sequencer) StopReading() error {
	s.discarding = true
	s.drainToDiscard()
	return s.maybeDeliverFin()
}

// drainToDiscard advances totalBytesRead/numBuffered through the
// contiguous prefix of s.blocks and drops just those blocks, leaving
// any blocks past a gap in place so a later frame that fills the gap
// can still be drained once it arrives.
func (s *Sequencer) drainToDiscard() {
	drained := 0
	for _, b := range s.blocks {
		if b.offset != s.totalBytesRead {
			break
		}
		s.totalBytesRead += uint64(len(b.data))
		s.numBuffered -= uint64(len(b.data))
		drained++
	}
	s.blocks = s.blocks[drained:]
}

func (s *Sequencer) maybeDeliverFin() error {
	if s.finRead || !s.hasCloseOffset || s.totalBytesRead < s.closeOffset {
		return nil
	}
	s.finRead = true
	if s.discarding {
		s.delegate.OnFinRead()
	}
	return nil
}

// TotalBytesRead returns the number of bytes delivered to the caller so
// far (consumed via Readv, MarkConsumed, or StopReading's flush).
func (s *Sequencer) TotalBytesRead() uint64 { return s.totalBytesRead }

// BufferedBytes returns num_bytes_buffered: bytes currently held but not
// yet consumed.
func (s *Sequencer) BufferedBytes() uint64 { return s.numBuffered }

// FinRead reports whether the fin has been fully consumed.
func (s *Sequencer) FinRead() bool { return s.finRead }
