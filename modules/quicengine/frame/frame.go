// Package frame defines the QUIC frame tagged union: the 20+ frame kinds
// the packet framer decodes and the session notifier retransmits, plus
// their wire encode/decode against a wire.Reader/Writer.
//
// Every variant that carries fields (PING, ACK, CRYPTO, STREAM,
// MAX_STREAMS, PATH_CHALLENGE/RESPONSE, ...) is referenced by pointer
// inside the Frame union, so copying a Frame doesn't copy its payload;
// PADDING, HANDSHAKE_DONE, BLOCKED and MTU_DISCOVERY have no field.
package frame

import (
	"fmt"

	"github.com/klzgrad/naiveproxy-sub075/modules/quicengine/packet"
)

// Kind identifies which union member a Frame holds.
type Kind uint8

const (
	KindPadding Kind = iota
	KindPing
	KindACK
	KindResetStream
	KindStopSending
	KindCrypto
	KindNewToken
	KindStream
	KindMaxData
	KindMaxStreamData
	KindMaxStreams
	KindDataBlocked
	KindStreamDataBlocked
	KindStreamsBlocked
	KindNewConnectionID
	KindRetireConnectionID
	KindPathChallenge
	KindPathResponse
	KindConnectionClose
	KindHandshakeDone
	KindMessage
	KindWindowUpdate
	KindGoAway
	KindStopWaiting
	KindBlocked
	KindMTUDiscovery
)

// Frame is a tagged union over every frame kind the engine understands.
// Exactly one of the typed fields is meaningful, selected by Kind; callers
// switch on Kind rather than type-asserting.
type Frame struct {
	Kind Kind

	// ControlFrameID is non-zero iff this is a retransmittable control
	// frame tracked by the session notifier's retransmit queue. Frames
	// that are never individually retransmitted (PADDING, ACK, PATH
	// responses sent reactively) leave this at the sentinel zero.
	ControlFrameID uint64

	Ping               *PingFrame
	ACK                *ACKFrame
	ResetStream        *ResetStreamFrame
	StopSending        *StopSendingFrame
	Crypto             *CryptoFrame
	NewToken           *NewTokenFrame
	Stream             *StreamFrame
	MaxData            *MaxDataFrame
	MaxStreamData      *MaxStreamDataFrame
	MaxStreams         *MaxStreamsFrame
	DataBlocked        *DataBlockedFrame
	StreamDataBlocked  *StreamDataBlockedFrame
	StreamsBlocked     *StreamsBlockedFrame
	NewConnectionID    *NewConnectionIDFrame
	RetireConnectionID *RetireConnectionIDFrame
	PathChallenge      *PathChallengeFrame
	PathResponse       *PathResponseFrame
	ConnectionClose    *ConnectionCloseFrame
	Message            *MessageFrame
	WindowUpdate       *WindowUpdateFrame
	GoAway             *GoAwayFrame
	StopWaiting        *StopWaitingFrame
}

func (k Kind) String() string {
	switch k {
	case KindPadding:
		return "PADDING"
	case KindPing:
		return "PING"
	case KindACK:
		return "ACK"
	case KindResetStream:
		return "RESET_STREAM"
	case KindStopSending:
		return "STOP_SENDING"
	case KindCrypto:
		return "CRYPTO"
	case KindNewToken:
		return "NEW_TOKEN"
	case KindStream:
		return "STREAM"
	case KindMaxData:
		return "MAX_DATA"
	case KindMaxStreamData:
		return "MAX_STREAM_DATA"
	case KindMaxStreams:
		return "MAX_STREAMS"
	case KindDataBlocked:
		return "DATA_BLOCKED"
	case KindStreamDataBlocked:
		return "STREAM_DATA_BLOCKED"
	case KindStreamsBlocked:
		return "STREAMS_BLOCKED"
	case KindNewConnectionID:
		return "NEW_CONNECTION_ID"
	case KindRetireConnectionID:
		return "RETIRE_CONNECTION_ID"
	case KindPathChallenge:
		return "PATH_CHALLENGE"
	case KindPathResponse:
		return "PATH_RESPONSE"
	case KindConnectionClose:
		return "CONNECTION_CLOSE"
	case KindHandshakeDone:
		return "HANDSHAKE_DONE"
	case KindMessage:
		return "MESSAGE"
	case KindWindowUpdate:
		return "WINDOW_UPDATE"
	case KindGoAway:
		return "GOAWAY"
	case KindStopWaiting:
		return "STOP_WAITING"
	case KindBlocked:
		return "BLOCKED"
	case KindMTUDiscovery:
		return "MTU_DISCOVERY"
	default:
		return fmt.Sprintf("UNKNOWN_FRAME(%d)", uint8(k))
	}
}

// PingFrame keeps a connection from being considered idle.
type PingFrame struct{}

// ResetStreamFrame abruptly terminates a stream's send side.
type ResetStreamFrame struct {
	StreamID             uint64
	ApplicationErrorCode uint64
	FinalSize            uint64
}

// StopSendingFrame asks the peer to stop sending on a stream.
type StopSendingFrame struct {
	StreamID             uint64
	ApplicationErrorCode uint64
}

// CryptoFrame carries handshake bytes at the current encryption level.
type CryptoFrame struct {
	Offset uint64
	Data   []byte
}

// NewTokenFrame carries an address-validation token for future 0-RTT.
type NewTokenFrame struct {
	Token []byte
}

// StreamFrame carries application stream bytes.
type StreamFrame struct {
	StreamID uint64
	Offset   uint64
	Data     []byte
	Fin      bool
}

// MaxDataFrame raises the connection-level flow-control limit.
type MaxDataFrame struct {
	MaximumData uint64
}

// MaxStreamDataFrame raises a per-stream flow-control limit.
type MaxStreamDataFrame struct {
	StreamID          uint64
	MaximumStreamData uint64
}

// MaxStreamsFrame advertises a new stream-count credit for one direction.
type MaxStreamsFrame struct {
	Bidirectional  bool
	MaximumStreams uint64
}

// DataBlockedFrame signals the sender is blocked on connection-level flow
// control.
type DataBlockedFrame struct {
	DataLimit uint64
}

// StreamDataBlockedFrame signals the sender is blocked on a per-stream
// flow-control limit.
type StreamDataBlockedFrame struct {
	StreamID  uint64
	DataLimit uint64
}

// StreamsBlockedFrame signals the sender wanted to open more streams than
// its credit allowed.
type StreamsBlockedFrame struct {
	Bidirectional bool
	StreamLimit   uint64
}

// NewConnectionIDFrame issues a new connection ID the peer may route to.
type NewConnectionIDFrame struct {
	SequenceNumber      uint64
	RetirePriorTo       uint64
	ConnectionID        packet.ConnectionID
	StatelessResetToken [16]byte
}

// RetireConnectionIDFrame asks the peer to stop using a sequence number.
type RetireConnectionIDFrame struct {
	SequenceNumber uint64
}

// PathChallengeFrame probes path liveness/ownership.
type PathChallengeFrame struct {
	Data [8]byte
}

// PathResponseFrame answers a PathChallengeFrame.
type PathResponseFrame struct {
	Data [8]byte
}

// ConnectionCloseFrame carries the terminal error kind and details.
type ConnectionCloseFrame struct {
	IsApplicationError bool
	ErrorCode          uint64
	FrameType          uint64 // only meaningful when !IsApplicationError
	ReasonPhrase       string
}

// MessageFrame carries an unreliable, unordered datagram (DATAGRAM
// extension).
type MessageFrame struct {
	Data []byte
}

// WindowUpdateFrame is the legacy (gQUIC) equivalent of MAX_STREAM_DATA /
// MAX_DATA, retained for the pre-IETF wire format.
type WindowUpdateFrame struct {
	StreamID   uint64
	ByteOffset uint64
}

// GoAwayFrame is the legacy (gQUIC) session-level shutdown notice.
type GoAwayFrame struct {
	ErrorCode        uint64
	LastGoodStreamID uint64
	Reason           string
}

// StopWaitingFrame is the legacy (gQUIC) counterpart of an ACK's implicit
// low-water mark.
type StopWaitingFrame struct {
	LeastUnacked packet.Number
}

// IsRetransmittable reports whether losing this frame means its content
// must be sent again. CRYPTO and STREAM report true, although the
// notifier resends their bytes by range rather than by frame identity.
func (f *Frame) IsRetransmittable() bool {
	switch f.Kind {
	case KindPadding, KindACK, KindPathResponse, KindConnectionClose:
		return false
	default:
		return true
	}
}
