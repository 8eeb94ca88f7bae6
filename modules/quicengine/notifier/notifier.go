// Package notifier implements component I: the session notifier that
// owns the retransmit queue of control frames and per-stream send state,
// described in spec.md §4.I.
package notifier

import (
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/klzgrad/naiveproxy-sub075/modules/quicengine/frame"
	"github.com/klzgrad/naiveproxy-sub075/modules/quicengine/streams"
)

// EncryptionLevel names the four independent CRYPTO-stream spaces,
// grounded on simple_session_notifier.cc's per-level retransmit queues
// (SPEC_FULL.md §5 supplement): each level has its own offset space and
// must not be conflated with the others.
type EncryptionLevel int

const (
	EncryptionInitial EncryptionLevel = iota
	EncryptionHandshake
	Encryption0RTT
	Encryption1RTT
	numEncryptionLevels
)

// TransmissionType tags every write the notifier plans, mirroring the
// spec's set_transmission_type(...) call preceding each write.
type TransmissionType int

const (
	NotRetransmission TransmissionType = iota
	HandshakeRetransmission
	LossRetransmission
	PTORetransmission
)

// WriteKind identifies which step of on_can_write's five-step order
// produced a WriteItem.
type WriteKind int

const (
	WriteCryptoRetransmit WriteKind = iota
	WriteControlRetransmit
	WriteStreamRetransmit
	WriteControlNew
	WriteStreamNew
)

// WriteItem is one planned write, in the order on_can_write should emit
// them.
type WriteItem struct {
	Kind      WriteKind
	Type      TransmissionType
	Level     EncryptionLevel // meaningful for WriteCryptoRetransmit
	StreamID  uint64          // meaningful for stream items
	Offset    uint64
	Data      []byte
	Fin       bool
	Control   frame.Frame // meaningful for control items
	ControlID uint64
}

// Notifier owns the per-encryption-level crypto retransmit queues, the
// control-frame retransmit/buffered queues, and the registered streams'
// send buffers, and plans on_can_write's writes in spec order.
type Notifier struct {
	logger *zap.Logger

	nextControlFrameID uint64

	crypto [numEncryptionLevels]*streams.SendBuffer

	lostControlFrames     map[uint64]frame.Frame
	bufferedControlFrames []frame.Frame
	ackedControlFrames    map[uint64]bool

	streamSendBuffers map[uint64]*streams.SendBuffer
	streamOrder       []uint64
}

// NewNotifier returns an empty notifier.
func NewNotifier(logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Notifier{
		logger:             logger,
		lostControlFrames:  map[uint64]frame.Frame{},
		ackedControlFrames: map[uint64]bool{},
		streamSendBuffers:  map[uint64]*streams.SendBuffer{},
	}
	for i := range n.crypto {
		n.crypto[i] = streams.NewSendBuffer()
	}
	return n
}

// NextControlFrameID allocates the next retransmittable control-frame
// id, used to populate frame.Frame.ControlFrameID before queuing it.
func (n *Notifier) NextControlFrameID() uint64 {
	n.nextControlFrameID++
	return n.nextControlFrameID
}

// RegisterStream makes id's send buffer known to the notifier, in
// insertion order, so new data fans out in the order streams were first
// registered.
func (n *Notifier) RegisterStream(id uint64, sb *streams.SendBuffer) {
	if _, ok := n.streamSendBuffers[id]; ok {
		return
	}
	n.streamSendBuffers[id] = sb
	n.streamOrder = append(n.streamOrder, id)
}

// WriteOrBufferCrypto appends data to level's crypto send buffer.
func (n *Notifier) WriteOrBufferCrypto(level EncryptionLevel, data []byte) uint64 {
	return n.crypto[level].WriteOrBufferData(data, false)
}

// WriteOrBufferControlFrame queues f unchanged for the next on_can_write
// pass. It does not assign a ControlFrameID; callers that want f tracked
// for retransmission set one from NextControlFrameID first.
func (n *Notifier) WriteOrBufferControlFrame(f frame.Frame) {
	n.bufferedControlFrames = append(n.bufferedControlFrames, f)
}

// OnCryptoFrameLost records [offset, offset+length) as lost at level,
// queuing it for retransmission.
func (n *Notifier) OnCryptoFrameLost(level EncryptionLevel, offset, length uint64) {
	n.crypto[level].OnStreamFrameLost(offset, length, false)
}

// OnCryptoFrameAcked marks [offset, offset+length) acked at level,
// returning whether this newly acknowledges bytes.
func (n *Notifier) OnCryptoFrameAcked(level EncryptionLevel, offset, length uint64) bool {
	return n.crypto[level].OnStreamFrameAcked(offset, length, false)
}

// OnStreamFrameLost records [offset, offset+length) (and optionally the
// fin) as lost for streamID.
func (n *Notifier) OnStreamFrameLost(streamID, offset, length uint64, fin bool) {
	if sb, ok := n.streamSendBuffers[streamID]; ok {
		sb.OnStreamFrameLost(offset, length, fin)
	}
}

// OnStreamFrameAcked marks [offset, offset+length) (and optionally the
// fin) acked for streamID, returning whether this newly acknowledges
// anything.
func (n *Notifier) OnStreamFrameAcked(streamID, offset, length uint64, fin bool) bool {
	sb, ok := n.streamSendBuffers[streamID]
	if !ok {
		return false
	}
	return sb.OnStreamFrameAcked(offset, length, fin)
}

// OnControlFrameLost moves f (keyed by its ControlFrameID) into the
// retransmit queue.
func (n *Notifier) OnControlFrameLost(f frame.Frame) {
	n.lostControlFrames[f.ControlFrameID] = f
}

// OnControlFrameAcked removes controlFrameID from the retransmit queue
// (if present) and reports whether this is the first ack seen for it.
func (n *Notifier) OnControlFrameAcked(controlFrameID uint64) bool {
	delete(n.lostControlFrames, controlFrameID)
	if n.ackedControlFrames[controlFrameID] {
		return false
	}
	n.ackedControlFrames[controlFrameID] = true
	return true
}

// OnCanWrite plans the next batch of writes in the five-step order from
// spec.md §4.I. probe marks this as a PTO probe, which tags every
// retransmission item PTORetransmission instead of its usual type.
func (n *Notifier) OnCanWrite(probe bool) []WriteItem {
	var items []WriteItem

	retransmitType := func(base TransmissionType) TransmissionType {
		if probe {
			return PTORetransmission
		}
		return base
	}

	// 1. Retransmit lost CRYPTO data at the correct encryption level.
	// Each level's send buffer is independent state, so the four scans
	// run concurrently; results are merged back in level order below to
	// preserve the deterministic write order the spec requires.
	perLevel := make([][]WriteItem, numEncryptionLevels)
	var g errgroup.Group
	for level := EncryptionLevel(0); level < numEncryptionLevels; level++ {
		level := level
		g.Go(func() error {
			sb := n.crypto[level]
			var out []WriteItem
			for sb.HasPendingRetransmission() {
				offset, data, _, ok := sb.NextPendingRetransmission()
				if !ok {
					break
				}
				out = append(out, WriteItem{
					Kind: WriteCryptoRetransmit, Type: retransmitType(HandshakeRetransmission),
					Level: level, Offset: offset, Data: data,
				})
				sb.OnStreamDataSent(offset, len(data), false)
			}
			perLevel[level] = out
			return nil
		})
	}
	_ = g.Wait() // the scan functions above never return an error
	for _, out := range perLevel {
		items = append(items, out...)
	}

	// 2. Retransmit lost control frames in id order.
	ids := make([]uint64, 0, len(n.lostControlFrames))
	for id := range n.lostControlFrames {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		f := n.lostControlFrames[id]
		items = append(items, WriteItem{
			Kind: WriteControlRetransmit, Type: retransmitType(LossRetransmission),
			Control: f, ControlID: id,
		})
		delete(n.lostControlFrames, id)
	}

	// 3. Retransmit lost stream data, bundling a fin with the last
	// retransmitted range when feasible.
	for _, id := range n.streamOrder {
		sb := n.streamSendBuffers[id]
		for sb.HasPendingRetransmission() {
			offset, data, fin, ok := sb.NextPendingRetransmission()
			if !ok {
				break
			}
			items = append(items, WriteItem{
				Kind: WriteStreamRetransmit, Type: retransmitType(LossRetransmission),
				StreamID: id, Offset: offset, Data: data, Fin: fin,
			})
			sb.OnStreamDataSent(offset, len(data), fin)
		}
	}

	// 4. Write buffered (never-sent) control frames.
	for _, f := range n.bufferedControlFrames {
		items = append(items, WriteItem{
			Kind: WriteControlNew, Type: retransmitType(NotRetransmission),
			Control: f, ControlID: f.ControlFrameID,
		})
	}
	n.bufferedControlFrames = n.bufferedControlFrames[:0]

	// 5. Fan out new stream data in insertion order, preferring to
	// bundle fins.
	for _, id := range n.streamOrder {
		sb := n.streamSendBuffers[id]
		for sb.HasPendingData() {
			offset, data, fin := sb.NextWritableRange(defaultStreamChunk)
			if len(data) == 0 && !fin {
				break
			}
			items = append(items, WriteItem{
				Kind: WriteStreamNew, Type: retransmitType(NotRetransmission),
				StreamID: id, Offset: offset, Data: data, Fin: fin,
			})
			sb.OnStreamDataSent(offset, len(data), fin)
		}
	}

	return items
}

// defaultStreamChunk bounds how much of one stream's pending data a
// single OnCanWrite pass will pull in one range, so one large write
// doesn't starve the other registered streams' fan-out turn.
const defaultStreamChunk = 1 << 20
