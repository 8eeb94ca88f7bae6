// Package quicengine implements component M: the connection engine that
// orchestrates every other component package in this module into one
// per-connection QUIC state machine, described in spec.md's §4 overview
// and §5 (concurrency & resource model).
//
// TLS handshake crypto, platform socket syscalls, HTTP semantics above
// HEADERS/DATA, the server dispatcher, and non-sampler congestion control
// remain named interfaces only, per spec.md §1 Non-goals.
package quicengine

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/klzgrad/naiveproxy-sub075/internal/qerr"
	"github.com/klzgrad/naiveproxy-sub075/internal/quicalarm"
	"github.com/klzgrad/naiveproxy-sub075/modules/quicengine/ackhandler"
	"github.com/klzgrad/naiveproxy-sub075/modules/quicengine/bbr"
	"github.com/klzgrad/naiveproxy-sub075/modules/quicengine/connid"
	"github.com/klzgrad/naiveproxy-sub075/modules/quicengine/frame"
	"github.com/klzgrad/naiveproxy-sub075/modules/quicengine/notifier"
	"github.com/klzgrad/naiveproxy-sub075/modules/quicengine/packet"
	"github.com/klzgrad/naiveproxy-sub075/modules/quicengine/streamid"
	"github.com/klzgrad/naiveproxy-sub075/modules/quicengine/streams"
	"github.com/klzgrad/naiveproxy-sub075/quiccore"
)

// Perspective distinguishes which side of the handshake this engine is
// playing, since that determines which stream-ID parity each of the four
// streamid.Manager instances owns.
type Perspective int

const (
	PerspectiveClient Perspective = iota
	PerspectiveServer
)

// PNSpace is one of the three independent packet-number spaces RFC 9000
// defines. 0-RTT and 1-RTT packets share the Application space.
type PNSpace int

const (
	SpaceInitial PNSpace = iota
	SpaceHandshake
	SpaceApplication
	numPNSpaces
)

func (s PNSpace) String() string {
	switch s {
	case SpaceInitial:
		return "Initial"
	case SpaceHandshake:
		return "Handshake"
	case SpaceApplication:
		return "Application"
	default:
		return "unknown"
	}
}

func pnSpaceFor(level packet.EncryptionLevel) PNSpace {
	switch level {
	case packet.EncryptionInitial:
		return SpaceInitial
	case packet.EncryptionHandshake:
		return SpaceHandshake
	default:
		return SpaceApplication
	}
}

func toNotifierLevel(level packet.EncryptionLevel) notifier.EncryptionLevel {
	return notifier.EncryptionLevel(level)
}

// Visitor receives connection-lifecycle callbacks. OnConnectionClosed is
// invoked exactly once per connection, per spec.md §4's user-visible
// behavior note.
type Visitor interface {
	OnConnectionClosed(err *qerr.TransportError, fromLocal bool)
}

// sentFrameKind says which notifier bookkeeping call a sentFrameRecord
// should be replayed against when its packet is later acked or lost.
type sentFrameKind int

const (
	sentControl sentFrameKind = iota
	sentStream
	sentCrypto
)

type sentFrameRecord struct {
	kind      sentFrameKind
	controlID uint64
	control   frame.Frame
	streamID  uint64
	offset    uint64
	length    uint64
	fin       bool
	cryptoLvl notifier.EncryptionLevel
}

type sentPacketRecord struct {
	sentTime          time.Time
	size              uint64
	isRetransmittable bool
	items             []sentFrameRecord
}

// streamIDManagers is the four independent credit spaces RFC 9000
// defines: one per (initiator, directionality) pair. Component H's
// DESIGN.md entry documents this as the expected instantiation shape.
type streamIDManagers struct {
	clientBidi *streamid.Manager
	serverBidi *streamid.Manager
	clientUni  *streamid.Manager
	serverUni  *streamid.Manager
}

func (m *streamIDManagers) forIncoming(id uint64) *streamid.Manager {
	clientInitiated := id&0x1 == 0
	bidi := id&0x2 == 0
	switch {
	case clientInitiated && bidi:
		return m.clientBidi
	case clientInitiated && !bidi:
		return m.clientUni
	case !clientInitiated && bidi:
		return m.serverBidi
	default:
		return m.serverUni
	}
}

func (m *streamIDManagers) forOutgoing(perspective Perspective, bidi bool) *streamid.Manager {
	switch {
	case perspective == PerspectiveClient && bidi:
		return m.clientBidi
	case perspective == PerspectiveClient && !bidi:
		return m.clientUni
	case perspective == PerspectiveServer && bidi:
		return m.serverBidi
	default:
		return m.serverUni
	}
}

// Config bundles the engine's tunables, normally populated from
// negotiated transport parameters (component D) plus local policy.
type Config struct {
	Perspective             Perspective
	ActiveConnectionIDLimit uint64
	InitialMaxStreamsBidi   uint64
	InitialMaxStreamsUni    uint64
	AckConfig               ackhandler.Config
	MaxAckHeightThreshold   float64
	ConnectionIDGenerator   func() packet.ConnectionID
}

// Connection is the per-connection QUIC state machine: it owns one
// instance of every component package (E-L) and dispatches ingress
// frames, egress scheduling, and lifecycle events across them.
type Connection struct {
	logger      *zap.Logger
	clock       quicalarm.Clock
	perspective Perspective
	visitor     Visitor

	ackManagers   [numPNSpaces]*ackhandler.Manager
	samplers      [numPNSpaces]*bbr.Sampler
	sentPackets   [numPNSpaces]map[uint64]*sentPacketRecord
	bytesInFlight [numPNSpaces]uint64

	peerCIDs *connid.PeerIssuedManager
	selfCIDs *connid.SelfIssuedManager

	streamIDs   streamIDManagers
	streamsByID map[uint64]*streams.Stream

	notifier *notifier.Notifier

	closed   bool
	closeErr *qerr.TransportError
}

// NewConnection wires up every component for a fresh connection,
// grounded on spec.md §4's overview of the per-component state each
// connection owns.
func NewConnection(cfg Config, firstSendingPN packet.Number, clock quicalarm.Clock, logger *zap.Logger) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = quicalarm.SystemClock{}
	}

	c := &Connection{
		logger:      logger,
		clock:       clock,
		perspective: cfg.Perspective,
		streamsByID: map[uint64]*streams.Stream{},
		peerCIDs:    connid.NewPeerIssuedManager(cfg.ActiveConnectionIDLimit, logger),
		selfCIDs:    connid.NewSelfIssuedManager(cfg.ActiveConnectionIDLimit, cfg.ConnectionIDGenerator, clock, logger),
		notifier:    notifier.NewNotifier(logger),
	}

	for i := range c.ackManagers {
		c.ackManagers[i] = ackhandler.NewManager(cfg.AckConfig, false, firstSendingPN, logger)
		c.samplers[i] = bbr.NewSampler(cfg.MaxAckHeightThreshold, logger)
		c.sentPackets[i] = map[uint64]*sentPacketRecord{}
	}

	clientFirstBidi, clientFirstUni := uint64(0), uint64(2)
	serverFirstBidi, serverFirstUni := uint64(1), uint64(3)
	delta := uint64(4)

	c.streamIDs = streamIDManagers{
		clientBidi: streamid.NewManager(delta, clientFirstBidi, clientFirstBidi, cfg.InitialMaxStreamsBidi, logger),
		clientUni:  streamid.NewManager(delta, clientFirstUni, clientFirstUni, cfg.InitialMaxStreamsUni, logger),
		serverBidi: streamid.NewManager(delta, serverFirstBidi, serverFirstBidi, cfg.InitialMaxStreamsBidi, logger),
		serverUni:  streamid.NewManager(delta, serverFirstUni, serverFirstUni, cfg.InitialMaxStreamsUni, logger),
	}
	// Only the credit for streams THIS side receives matters as
	// "incoming"; the manager for streams this side opens only uses its
	// outgoing half. Both halves of a Manager are always present since a
	// peer CAN reject symmetric usage, but engine code only calls the
	// relevant half per direction.
	if cfg.Perspective == PerspectiveClient {
		c.streamIDs.serverBidi.SetOutgoingMaxStreams(cfg.InitialMaxStreamsBidi)
		c.streamIDs.serverUni.SetOutgoingMaxStreams(cfg.InitialMaxStreamsUni)
	} else {
		c.streamIDs.clientBidi.SetOutgoingMaxStreams(cfg.InitialMaxStreamsBidi)
		c.streamIDs.clientUni.SetOutgoingMaxStreams(cfg.InitialMaxStreamsUni)
	}

	return c
}

// SetVisitor installs the lifecycle callback target.
func (c *Connection) SetVisitor(v Visitor) { c.visitor = v }

// OpenStream allocates the next outgoing stream ID in the requested
// directionality, registering its send buffer with the notifier.
func (c *Connection) OpenStream(bidi bool, finMode streams.FinMode, maxReceiveWindow uint64, delegate streams.Delegate) (*streams.Stream, error) {
	mgr := c.streamIDs.forOutgoing(c.perspective, bidi)
	id, ok := mgr.OpenOutgoingStream()
	if !ok {
		return nil, qerr.Newf(qerr.StreamLimitError, "no outgoing stream credit remaining")
	}
	if delegate == nil {
		delegate = noopDelegate{}
	}
	st := streams.NewStream(id, maxReceiveWindow, finMode, delegate, c.logger)
	c.streamsByID[id] = st
	c.notifier.RegisterStream(id, st.Send)
	return st, nil
}

// streamFor returns the stream for id, creating it (and validating the
// peer's credit) if this is the first frame seen for a peer-initiated
// stream.
func (c *Connection) streamFor(id uint64, finMode streams.FinMode, maxReceiveWindow uint64, delegate streams.Delegate) (*streams.Stream, error) {
	if st, ok := c.streamsByID[id]; ok {
		return st, nil
	}
	mgr := c.streamIDs.forIncoming(id)
	if err := mgr.MaybeIncreaseLargestPeerStreamID(id); err != nil {
		return nil, err
	}
	if delegate == nil {
		delegate = noopDelegate{}
	}
	st := streams.NewStream(id, maxReceiveWindow, finMode, delegate, c.logger)
	c.streamsByID[id] = st
	c.notifier.RegisterStream(id, st.Send)
	return st, nil
}

// noopDelegate satisfies streams.Delegate for streams the engine
// auto-creates from an incoming frame before application code has
// attached a real read delegate.
type noopDelegate struct{}

func (noopDelegate) OnDataAvailable() {}
func (noopDelegate) OnFinRead()       {}

// CloseStream finalizes bookkeeping for a fully consumed/reset stream:
// the owning manager's actual-max-streams credit advances, possibly
// requiring a MAX_STREAMS frame.
func (c *Connection) CloseStream(id uint64, bidiHint bool) {
	delete(c.streamsByID, id)
	mgr := c.streamIDs.forIncoming(id)
	newMax, shouldSend := mgr.OnStreamClosed()
	if !shouldSend {
		return
	}
	c.notifier.WriteOrBufferControlFrame(frame.Frame{
		Kind:           frame.KindMaxStreams,
		ControlFrameID: c.notifier.NextControlFrameID(),
		MaxStreams:     &frame.MaxStreamsFrame{Bidirectional: bidiHint, MaximumStreams: newMax},
	})
}

// HandleFrame dispatches one decoded ingress frame to the component that
// owns its semantics, per spec.md §4's per-module frame handling.
func (c *Connection) HandleFrame(level packet.EncryptionLevel, f *frame.Frame) error {
	quiccore.RecordFrameReceived(f.Kind.String())
	switch f.Kind {
	case frame.KindPadding, frame.KindPing:
		return nil

	case frame.KindCrypto:
		// Handshake crypto content itself is out of scope (spec.md §1);
		// the engine only needs to know CRYPTO bytes arrived so an idle
		// timer can be reset. No sequencer call here since the crypto
		// stream's reassembly is the (out-of-scope) handshake
		// collaborator's responsibility.
		return nil

	case frame.KindStream:
		sf := f.Stream
		st, err := c.streamFor(sf.StreamID, streams.EdgeTriggered, 0, nil)
		if err != nil {
			return err
		}
		return st.Sequencer.OnStreamFrame(sf.Offset, sf.Data, sf.Fin)

	case frame.KindResetStream:
		rs := f.ResetStream
		st, ok := c.streamsByID[rs.StreamID]
		if !ok {
			return nil
		}
		return st.ResetReceived()

	case frame.KindMaxStreams:
		ms := f.MaxStreams
		var mgr *streamid.Manager
		if ms.Bidirectional {
			mgr = c.streamIDs.forOutgoing(c.perspective, true)
		} else {
			mgr = c.streamIDs.forOutgoing(c.perspective, false)
		}
		mgr.SetOutgoingMaxStreams(ms.MaximumStreams)
		return nil

	case frame.KindStreamsBlocked:
		sb := f.StreamsBlocked
		mgr := c.streamIDs.forIncoming(streamIDForBlockedDirection(c.perspective, sb.Bidirectional))
		resend, err := mgr.OnStreamsBlocked(sb.StreamLimit)
		if err != nil {
			return err
		}
		if resend {
			c.notifier.WriteOrBufferControlFrame(frame.Frame{
				Kind:           frame.KindMaxStreams,
				ControlFrameID: c.notifier.NextControlFrameID(),
				MaxStreams:     &frame.MaxStreamsFrame{Bidirectional: sb.Bidirectional, MaximumStreams: mgr.IncomingAdvertisedMaxStreams()},
			})
		}
		return nil

	case frame.KindNewConnectionID:
		nc := f.NewConnectionID
		return c.peerCIDs.OnNewConnectionID(nc.SequenceNumber, nc.RetirePriorTo, nc.ConnectionID, nc.StatelessResetToken)

	case frame.KindRetireConnectionID:
		return c.selfCIDs.OnRetireConnectionID(f.RetireConnectionID.SequenceNumber)

	case frame.KindMaxData, frame.KindMaxStreamData, frame.KindDataBlocked, frame.KindStreamDataBlocked:
		// Connection/stream-level flow control is not a named component
		// (spec.md §1 scope); frames are accepted but not enforced.
		return nil

	case frame.KindPathChallenge:
		pc := f.PathChallenge
		c.notifier.WriteOrBufferControlFrame(frame.Frame{Kind: frame.KindPathResponse, PathResponse: &frame.PathResponseFrame{Data: pc.Data}})
		return nil

	case frame.KindPathResponse, frame.KindACK, frame.KindNewToken, frame.KindHandshakeDone,
		frame.KindMessage, frame.KindWindowUpdate, frame.KindGoAway, frame.KindStopWaiting,
		frame.KindBlocked, frame.KindMTUDiscovery, frame.KindStopSending:
		return nil

	case frame.KindConnectionClose:
		cc := f.ConnectionClose
		c.onClosedByPeer(qerr.New(qerr.Kind(cc.ErrorCode), cc.ReasonPhrase))
		return nil

	default:
		return qerr.Newf(qerr.FrameEncodingError, "unknown frame kind %v", f.Kind)
	}
}

func streamIDForBlockedDirection(perspective Perspective, bidi bool) uint64 {
	// STREAMS_BLOCKED names a direction, not a concrete ID; the low two
	// bits the lookup only needs identify which of the four managers'
	// "incoming" half the peer's own outgoing credit maps to.
	if perspective == PerspectiveClient {
		if bidi {
			return 1 // server-initiated bidi
		}
		return 3 // server-initiated uni
	}
	if bidi {
		return 0 // client-initiated bidi
	}
	return 2 // client-initiated uni
}

// OnPacketReceived records an inbound packet for ACK-generation purposes
// (component E) in the packet-number space level belongs to.
func (c *Connection) OnPacketReceived(level packet.EncryptionLevel, pn packet.Number, receiptTime time.Time, isRetransmittable bool) {
	quiccore.RecordPacketReceived(level.String())
	space := pnSpaceFor(level)
	mgr := c.ackManagers[space]
	wasReordered := mgr.RecordPacketReceived(pn, receiptTime)
	mgr.MaybeUpdateAckTimeout(receiptTime, pn, isRetransmittable, wasReordered)
}

// GetAckFrame returns the pending ACK frame for level's packet-number
// space, if an ACK is due.
func (c *Connection) GetAckFrame(level packet.EncryptionLevel, now time.Time) *frame.ACKFrame {
	return c.ackManagers[pnSpaceFor(level)].GetUpdatedAckFrame(now)
}

// OnCanWrite returns the notifier's plan for what to send next across
// every encryption level, per spec.md §4.I's five-step order.
func (c *Connection) OnCanWrite(probe bool) []notifier.WriteItem {
	return c.notifier.OnCanWrite(probe)
}

// DrainNewConnectionIDFrames returns a NEW_CONNECTION_ID frame for every
// connection ID component F's self-issued manager has minted since the
// last call, so the caller can queue them for the next outgoing packet.
func (c *Connection) DrainNewConnectionIDFrames() []frame.Frame {
	issued := c.selfCIDs.DrainUnsent()
	if len(issued) == 0 {
		return nil
	}
	frames := make([]frame.Frame, 0, len(issued))
	for _, id := range issued {
		frames = append(frames, frame.Frame{
			Kind: frame.KindNewConnectionID,
			NewConnectionID: &frame.NewConnectionIDFrame{
				SequenceNumber: id.SequenceNumber,
				RetirePriorTo:  id.RetirePriorTo,
				ConnectionID:   id.ConnectionID,
			},
		})
		quiccore.RecordConnectionIDIssued()
	}
	return frames
}

// QueueCrypto buffers outgoing CRYPTO data for level's offset space.
func (c *Connection) QueueCrypto(level packet.EncryptionLevel, data []byte) uint64 {
	return c.notifier.WriteOrBufferCrypto(toNotifierLevel(level), data)
}

// OnPacketSent records what was sent in pn (within level's
// packet-number space) so a later ack or loss notice can be replayed to
// the right component, and feeds the bandwidth sampler.
func (c *Connection) OnPacketSent(level packet.EncryptionLevel, pn packet.Number, items []notifier.WriteItem, size uint64, sentTime time.Time, isAppLimited bool) {
	quiccore.RecordPacketSent(level.String())
	space := pnSpaceFor(level)
	records := make([]sentFrameRecord, 0, len(items))
	retransmittable := false
	for _, it := range items {
		retransmittable = true
		switch it.Kind {
		case notifier.WriteCryptoRetransmit:
			records = append(records, sentFrameRecord{kind: sentCrypto, cryptoLvl: it.Level, offset: it.Offset, length: uint64(len(it.Data)), fin: it.Fin})
		case notifier.WriteStreamRetransmit, notifier.WriteStreamNew:
			records = append(records, sentFrameRecord{kind: sentStream, streamID: it.StreamID, offset: it.Offset, length: uint64(len(it.Data)), fin: it.Fin})
		case notifier.WriteControlRetransmit, notifier.WriteControlNew:
			records = append(records, sentFrameRecord{kind: sentControl, controlID: it.ControlID, control: it.Control})
		}
	}

	c.sentPackets[space][pn.Uint64()] = &sentPacketRecord{
		sentTime:          sentTime,
		size:              size,
		isRetransmittable: retransmittable,
		items:             records,
	}
	if retransmittable {
		c.bytesInFlight[space] += size
	}

	c.samplers[space].SetAppLimited(isAppLimited)
	c.samplers[space].OnPacketSent(sentTime, pn.Uint64(), size, c.bytesInFlight[space]-boolToUint64(retransmittable)*size, retransmittable)
}

func boolToUint64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// OnAckReceived folds a received ACK frame (covering packets THIS engine
// sent) into the per-space ack/loss fan-out: every newly-acked packet's
// frames are replayed to the notifier/CID managers that own them, and a
// single bandwidth-sampler congestion event is raised for the batch.
func (c *Connection) OnAckReceived(level packet.EncryptionLevel, ack *frame.ACKFrame, ackTime time.Time) {
	space := pnSpaceFor(level)
	var acked []uint64
	for _, iv := range ack.Packets.Intervals() {
		for pn := iv.Start; pn < iv.End; pn++ {
			if rec, ok := c.sentPackets[space][pn]; ok {
				c.replayAcked(rec)
				if rec.isRetransmittable {
					c.bytesInFlight[space] -= minU64(rec.size, c.bytesInFlight[space])
				}
				delete(c.sentPackets[space], pn)
				acked = append(acked, pn)
			}
		}
	}
	if len(acked) > 0 {
		c.samplers[space].OnCongestionEvent(ackTime, acked, nil, 0)
		quiccore.RecordBandwidthSample()
	}
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func (c *Connection) replayAcked(rec *sentPacketRecord) {
	for _, it := range rec.items {
		switch it.kind {
		case sentCrypto:
			c.notifier.OnCryptoFrameAcked(it.cryptoLvl, it.offset, it.length)
		case sentStream:
			c.notifier.OnStreamFrameAcked(it.streamID, it.offset, it.length, it.fin)
		case sentControl:
			c.notifier.OnControlFrameAcked(it.controlID)
		}
	}
}

// OnPacketLost replays a congestion-controller-declared loss of pn
// (within level's space) to whichever component owns the lost frames,
// queuing them for retransmission via the notifier.
func (c *Connection) OnPacketLost(level packet.EncryptionLevel, pn packet.Number) {
	space := pnSpaceFor(level)
	rec, ok := c.sentPackets[space][pn.Uint64()]
	if !ok {
		return
	}
	delete(c.sentPackets[space], pn.Uint64())
	if rec.isRetransmittable {
		c.bytesInFlight[space] -= minU64(rec.size, c.bytesInFlight[space])
	}
	for _, it := range rec.items {
		switch it.kind {
		case sentCrypto:
			c.notifier.OnCryptoFrameLost(it.cryptoLvl, it.offset, it.length)
		case sentStream:
			c.notifier.OnStreamFrameLost(it.streamID, it.offset, it.length, it.fin)
		case sentControl:
			c.notifier.OnControlFrameLost(it.control)
		}
	}
	c.samplers[space].OnCongestionEvent(rec.sentTime, nil, []uint64{pn.Uint64()}, 0)
	quiccore.RecordRetransmission()
}

// Close performs a local connection close: it returns the CONNECTION_CLOSE
// frame for the caller to send (at the highest usable encryption level,
// per spec.md §4's user-visible behavior note), and the visitor is invoked
// exactly once. A repeat call, or one after the peer closed, returns nil.
func (c *Connection) Close(kind qerr.Kind, details string) *frame.Frame {
	if c.closed {
		return nil
	}
	c.closed = true
	c.closeErr = qerr.New(kind, details)
	if c.visitor != nil {
		c.visitor.OnConnectionClosed(c.closeErr, true)
	}
	return &frame.Frame{
		Kind: frame.KindConnectionClose,
		ConnectionClose: &frame.ConnectionCloseFrame{
			ErrorCode:    uint64(kind),
			ReasonPhrase: details,
		},
	}
}

func (c *Connection) onClosedByPeer(err *qerr.TransportError) {
	if c.closed {
		return
	}
	c.closed = true
	c.closeErr = err
	if c.visitor != nil {
		c.visitor.OnConnectionClosed(err, false)
	}
}

// Closed reports whether this connection has already closed, either
// locally or by the peer.
func (c *Connection) Closed() (bool, *qerr.TransportError) { return c.closed, c.closeErr }

// BytesInFlight returns the outstanding retransmittable byte count for
// level's packet-number space.
func (c *Connection) BytesInFlight(level packet.EncryptionLevel) uint64 {
	return c.bytesInFlight[pnSpaceFor(level)]
}

// String renders a short diagnostic identity for logging.
func (c *Connection) String() string {
	return fmt.Sprintf("quicengine.Connection{perspective=%v streams=%d}", c.perspective, len(c.streamsByID))
}
