// Package qerr defines the closed set of transport error kinds the
// connection engine can close a connection with, and the CONNECTION_CLOSE
// value that carries one across the wire.
package qerr

import "fmt"

// Kind is a QUIC transport error code. The set is closed: new kinds are
// never invented at a call site, only referenced from here.
type Kind uint64

const (
	// NoError indicates a normal, non-error close.
	NoError Kind = 0x0

	// FrameEncodingError means a frame was truncated, malformed, or of an
	// unknown type within a known frame space.
	FrameEncodingError Kind = 0x7

	// ProtocolViolation covers contradictions with RFC 9000 semantics that
	// aren't one of the more specific kinds below.
	ProtocolViolation Kind = 0xa

	// InvalidStreamData means stream bytes were offered in a way that
	// can't be reassembled (offset+length overflow, data past a FIN).
	InvalidStreamData Kind = 0xa00

	// StreamSequencerInvalidState means a second close-at-offset call
	// disagreed with the first, or a FIN arrived below the highest
	// observed byte.
	StreamSequencerInvalidState Kind = 0xa01

	// InvalidCryptoMessageType is surfaced by the (out-of-scope) crypto
	// stream collaborator and threaded through unchanged.
	InvalidCryptoMessageType Kind = 0xa02

	// ConnectionIDLimitError means the peer advertised more active
	// connection IDs than active_connection_id_limit allows.
	ConnectionIDLimitError Kind = 0x9

	// TooManyConnectionIDWaitingToRetire means the self-issued CID
	// manager's to-be-retired queue exceeded its bound.
	TooManyConnectionIDWaitingToRetire Kind = 0x12

	// StreamLimitError means a peer-created stream ID exceeded the
	// advertised MAX_STREAMS credit.
	StreamLimitError Kind = 0x4

	// FlowControlReceivedTooMuchData means data arrived past an
	// advertised flow-control limit.
	FlowControlReceivedTooMuchData Kind = 0x3

	// HandshakeFailed is used when the (out-of-scope) handshake
	// collaborator reports it cannot complete.
	HandshakeFailed Kind = 0x128

	// HandshakeTimeout fires from the coalesced idle/handshake/blackhole
	// alarm when the handshake does not complete in time.
	HandshakeTimeout Kind = 0x102

	// NetworkIdleTimeout fires from the same coalesced alarm when no
	// packet of any kind is exchanged within the negotiated idle period.
	NetworkIdleTimeout Kind = 0x103

	// TooManyRTOs fires when the network-blackhole detector gives up.
	TooManyRTOs Kind = 0x104

	// PublicReset is used locally to record that a short-header packet
	// failed decryption and matched the peer's stateless-reset token; no
	// CONNECTION_CLOSE is sent for this kind, the connection is simply
	// torn down.
	PublicReset Kind = 0x105

	// InternalError is used when a local invariant would otherwise
	// panic; it surfaces as a bug-logged connection close rather than a
	// crash.
	InternalError Kind = 0x1

	// ErrorProcessingStream means a caller of the stream sequencer's
	// reader API violated a local invariant (e.g. mark_consumed with n
	// greater than the readable byte count); the stream is reset rather
	// than the whole connection closed, but the kind is recorded here
	// since it still flows through CONNECTION_CLOSE style reporting when
	// escalated.
	ErrorProcessingStream Kind = 0xa03

	// TooManyConnections means the buffered-packet store's store-wide
	// max_connections (or max_connections_without_chlo) bound was hit; the
	// offending pre-connection packet is dropped rather than buffered.
	TooManyConnections Kind = 0xa04

	// TooManyPackets means a buffered-packet store entry's per-CID
	// max_undecryptable_packets bound was hit; the offending packet is
	// dropped.
	TooManyPackets Kind = 0xa05
)

var names = map[Kind]string{
	NoError:                            "NO_ERROR",
	FrameEncodingError:                 "FRAME_ENCODING_ERROR",
	ProtocolViolation:                  "PROTOCOL_VIOLATION",
	InvalidStreamData:                  "INVALID_STREAM_DATA",
	StreamSequencerInvalidState:        "STREAM_SEQUENCER_INVALID_STATE",
	InvalidCryptoMessageType:           "INVALID_CRYPTO_MESSAGE_TYPE",
	ConnectionIDLimitError:             "CONNECTION_ID_LIMIT_ERROR",
	TooManyConnectionIDWaitingToRetire: "TOO_MANY_CONNECTION_ID_WAITING_TO_RETIRE",
	StreamLimitError:                   "STREAM_LIMIT_ERROR",
	FlowControlReceivedTooMuchData:     "FLOW_CONTROL_RECEIVED_TOO_MUCH_DATA",
	HandshakeFailed:                    "HANDSHAKE_FAILED",
	HandshakeTimeout:                   "HANDSHAKE_TIMEOUT",
	NetworkIdleTimeout:                 "NETWORK_IDLE_TIMEOUT",
	TooManyRTOs:                        "TOO_MANY_RTOS",
	PublicReset:                        "PUBLIC_RESET",
	InternalError:                      "INTERNAL_ERROR",
	ErrorProcessingStream:              "ERROR_PROCESSING_STREAM",
	TooManyConnections:                 "TOO_MANY_CONNECTIONS",
	TooManyPackets:                     "TOO_MANY_PACKETS",
}

func (k Kind) String() string {
	if s, ok := names[k]; ok {
		return s
	}
	return fmt.Sprintf("UNKNOWN_ERROR(0x%x)", uint64(k))
}

// TransportError is the error value carried by a CONNECTION_CLOSE frame: a
// closed Kind plus a human-readable Details string. It implements error so
// it can be wrapped and inspected with errors.As like any other Go error.
type TransportError struct {
	Kind    Kind
	Details string
}

func New(kind Kind, details string) *TransportError {
	return &TransportError{Kind: kind, Details: details}
}

func Newf(kind Kind, format string, args ...any) *TransportError {
	return &TransportError{Kind: kind, Details: fmt.Sprintf(format, args...)}
}

func (e *TransportError) Error() string {
	if e.Details == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Details)
}

// IsLocal reports whether this error kind always originates locally
// (never received from the peer in a CONNECTION_CLOSE), which matters for
// on_connection_closed(error, from=LOCAL|PEER) bookkeeping.
func (k Kind) IsLocal() bool {
	switch k {
	case PublicReset, InternalError, HandshakeTimeout, NetworkIdleTimeout, TooManyRTOs:
		return true
	default:
		return false
	}
}
