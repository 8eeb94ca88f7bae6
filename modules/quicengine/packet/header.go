package packet

import "fmt"

// Format distinguishes the long, short, and legacy (QUIC-CRYPTO
// predecessor) public header encodings.
type Format uint8

const (
	FormatLong Format = iota
	FormatShort
	FormatLegacy
)

// LongType is the long-header packet type, meaningful only when
// Format == FormatLong.
type LongType uint8

const (
	LongTypeInitial LongType = iota
	LongTypeZeroRTT
	LongTypeHandshake
	LongTypeRetry
)

// EncryptionLevel names the four encryption levels a packet or frame is
// confined to.
type EncryptionLevel uint8

const (
	EncryptionInitial EncryptionLevel = iota
	EncryptionHandshake
	EncryptionZeroRTT
	EncryptionApplication
)

func (l EncryptionLevel) String() string {
	switch l {
	case EncryptionInitial:
		return "Initial"
	case EncryptionHandshake:
		return "Handshake"
	case EncryptionZeroRTT:
		return "0-RTT"
	case EncryptionApplication:
		return "1-RTT"
	default:
		return "unknown"
	}
}

// Level maps a long-header type to its encryption level; short-header
// packets are always Application level.
func (t LongType) Level() EncryptionLevel {
	switch t {
	case LongTypeInitial:
		return EncryptionInitial
	case LongTypeZeroRTT:
		return EncryptionZeroRTT
	case LongTypeHandshake:
		return EncryptionHandshake
	default:
		return EncryptionInitial
	}
}

// Header describes a parsed (but not yet decrypted) QUIC public header.
// Its field set matches spec.md §3: the header size depends on which of
// these are present, so Header carries explicit presence rather than
// relying on zero values.
type Header struct {
	Format Format

	// DestConnectionID and SrcConnectionID are held by value;
	// HasSrcConnectionID records whether the wire format carried a source
	// CID (a short header never does). A long header only sometimes
	// carries a non-empty destination CID.
	DestConnectionID   ConnectionID
	SrcConnectionID    ConnectionID
	HasSrcConnectionID bool

	VersionFlag bool
	Version     uint32

	LongType LongType

	// PacketNumberLength is the wire length (1 to 4 bytes) of the
	// truncated packet number; it is itself protected and only known
	// once the header protection sample has been removed, so a freshly
	// parsed Header may have this at 0 until the framer fills it in.
	PacketNumberLength int
	PacketNumber       Number

	DiversificationNonce    [32]byte
	HasDiversificationNonce bool

	RetryTokenLengthLength int
	RetryToken             []byte

	RemainingLengthLength int
	RemainingLength       uint64

	// KeyPhase is meaningful only for short headers.
	KeyPhase bool
	// SpinBit is the latency-spin bit, short headers only.
	SpinBit bool
}

// Level returns the encryption level this header's packet belongs to.
func (h *Header) Level() EncryptionLevel {
	if h.Format == FormatShort {
		return EncryptionApplication
	}
	return h.LongType.Level()
}

// StartOfEncryptedData returns the byte offset within a parsed packet at
// which the authenticated payload begins: immediately after the fixed
// header fields and, for long headers with a length field, after the
// (already-read) remaining-length varint and the packet number.
//
// headerLenWithoutPN is the number of bytes consumed up to but excluding
// the packet number field, as returned by the framer's header parse step.
func StartOfEncryptedData(headerLenWithoutPN int, packetNumberLength int) int {
	return headerLenWithoutPN + packetNumberLength
}

// HeaderSize computes the on-wire size of h's non-packet-number fields,
// i.e. everything ParseHeader consumes before the truncated packet
// number appears. It is used by the writer to reserve space and by
// StartOfEncryptedData's callers to know where the packet number begins.
func (h *Header) HeaderSize() int {
	switch h.Format {
	case FormatShort:
		// first byte + destination CID (length inferred from context,
		// not carried on the wire)
		return 1 + h.DestConnectionID.Len()
	case FormatLegacy:
		return 1 + h.DestConnectionID.Len()
	default: // FormatLong
		size := 1 /* first byte */ + 4 /* version */ + 1 + h.DestConnectionID.Len() + 1
		if h.HasSrcConnectionID {
			size += h.SrcConnectionID.Len()
		}
		if h.HasDiversificationNonce {
			size += 32
		}
		if h.LongType == LongTypeInitial {
			size += h.RetryTokenLengthLength + len(h.RetryToken)
		}
		if h.LongType != LongTypeRetry {
			size += h.RemainingLengthLength
		}
		return size
	}
}

var errHeaderTooShort = fmt.Errorf("packet: header too short")
