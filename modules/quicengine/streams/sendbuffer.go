package streams

import "github.com/klzgrad/naiveproxy-sub075/modules/quicengine/packet"

// pendingChunk is one contiguous slice of not-yet-fully-acked outgoing
// bytes, keyed by its stream offset.
type pendingChunk struct {
	offset uint64
	data   []byte
}

// SendBuffer is the stream's outgoing byte sequence plus the bookkeeping
// spec.md §4 overview describes: stream_offset (next offset to assign),
// stream_bytes_written (consumed by the framer), bytes_acked, and
// pending_retransmissions interval sets, and a bytes_outstanding counter.
type SendBuffer struct {
	chunks []pendingChunk

	streamOffset       uint64 // next offset to assign to newly written bytes
	streamBytesWritten uint64 // offset up to which the framer has pulled bytes

	bytesAcked             *packet.IntervalSet
	pendingRetransmissions *packet.IntervalSet
	bytesOutstanding       uint64

	finOffset  uint64
	hasFin     bool
	finWritten bool
	finAcked   bool
}

// NewSendBuffer returns an empty send buffer.
func NewSendBuffer() *SendBuffer {
	return &SendBuffer{
		bytesAcked:             packet.NewIntervalSet(),
		pendingRetransmissions: packet.NewIntervalSet(),
	}
}

// WriteOrBufferData appends data (and, if fin, records the stream's
// total length) to the outgoing sequence, returning the offset it was
// assigned.
func (b *SendBuffer) WriteOrBufferData(data []byte, fin bool) uint64 {
	offset := b.streamOffset
	if len(data) > 0 {
		b.chunks = append(b.chunks, pendingChunk{offset: offset, data: append([]byte(nil), data...)})
		b.streamOffset += uint64(len(data))
	}
	if fin {
		b.hasFin = true
		b.finOffset = b.streamOffset
	}
	return offset
}

// HasPendingData reports whether there is new (never-written) data or an
// unwritten fin.
func (b *SendBuffer) HasPendingData() bool {
	return b.streamBytesWritten < b.streamOffset || (b.hasFin && !b.finWritten)
}

// NextWritableRange returns the next span of never-written bytes, up to
// maxLen, along with whether a fin should be bundled with it.
func (b *SendBuffer) NextWritableRange(maxLen uint64) (offset uint64, data []byte, fin bool) {
	offset = b.streamBytesWritten
	avail := b.streamOffset - offset
	if avail > maxLen {
		avail = maxLen
	}
	data = b.sliceAt(offset, avail)
	bundleFin := b.hasFin && !b.finWritten && offset+avail == b.streamOffset
	return offset, data, bundleFin
}

// OnStreamDataSent records that [offset, offset+len(data)) (and
// optionally the fin) has been handed to the framer.
func (b *SendBuffer) OnStreamDataSent(offset uint64, n int, fin bool) {
	if end := offset + uint64(n); end > b.streamBytesWritten {
		b.streamBytesWritten = end
	}
	b.bytesOutstanding += uint64(n)
	if fin {
		b.finWritten = true
	}
}

// OnStreamFrameAcked marks [offset, offset+length) acked, returning
// whether this newly acknowledges any bytes not already known acked.
func (b *SendBuffer) OnStreamFrameAcked(offset uint64, length uint64, fin bool) bool {
	newlyAcked := false
	for o := offset; o < offset+length; o++ {
		if !b.bytesAcked.Contains(o) {
			newlyAcked = true
			break
		}
	}
	if length > 0 {
		b.bytesAcked.AddRange(offset, offset+length)
	}
	b.pendingRetransmissions.RemoveUpTo(offset + length)
	if length <= b.bytesOutstanding {
		b.bytesOutstanding -= length
	} else {
		b.bytesOutstanding = 0
	}
	if fin && !b.finAcked {
		b.finAcked = true
		newlyAcked = true
	}
	return newlyAcked
}

// OnStreamFrameLost records [offset, offset+length) as lost, queuing it
// (and the fin, if lost) for retransmission.
func (b *SendBuffer) OnStreamFrameLost(offset uint64, length uint64, fin bool) {
	if length > 0 {
		b.pendingRetransmissions.AddRange(offset, offset+length)
	}
	if fin {
		b.hasFin = true
		b.finWritten = false
	}
}

// HasPendingRetransmission reports whether any lost range awaits resend.
func (b *SendBuffer) HasPendingRetransmission() bool {
	return !b.pendingRetransmissions.Empty()
}

// NextPendingRetransmission consumes and returns the lowest-offset lost
// range, bundling a fin if this range reaches the stream's end and the
// fin itself is lost. The range is removed from the pending set as part
// of this call: it is now in flight again, not still "lost but unsent".
// A subsequent loss notification (OnStreamFrameLost) re-queues it if it
// is lost again.
func (b *SendBuffer) NextPendingRetransmission() (offset uint64, data []byte, fin bool, ok bool) {
	if b.pendingRetransmissions.Empty() {
		return 0, nil, false, false
	}
	iv := b.pendingRetransmissions.Intervals()[0]
	data = b.sliceAt(iv.Start, iv.Len())
	bundleFin := b.hasFin && !b.finWritten && iv.End == b.finOffset
	b.pendingRetransmissions.RemoveUpTo(iv.End)
	return iv.Start, data, bundleFin, true
}

// sliceAt reassembles length bytes starting at offset out of the chunk
// list.
func (b *SendBuffer) sliceAt(offset, length uint64) []byte {
	if length == 0 {
		return nil
	}
	out := make([]byte, 0, length)
	for _, c := range b.chunks {
		cEnd := c.offset + uint64(len(c.data))
		if cEnd <= offset || c.offset >= offset+length {
			continue
		}
		start := offset
		if c.offset > start {
			start = c.offset
		}
		end := offset + length
		if cEnd < end {
			end = cEnd
		}
		out = append(out, c.data[start-c.offset:end-c.offset]...)
	}
	return out
}

// BytesOutstanding returns the count of sent-but-not-yet-acked bytes.
func (b *SendBuffer) BytesOutstanding() uint64 { return b.bytesOutstanding }

// StreamOffset returns the next offset that will be assigned to newly
// written bytes.
func (b *SendBuffer) StreamOffset() uint64 { return b.streamOffset }

// FinAcked reports whether the fin has been acknowledged.
func (b *SendBuffer) FinAcked() bool { return b.finAcked }
