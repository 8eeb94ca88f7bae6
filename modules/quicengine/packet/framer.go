package packet

import (
	"fmt"

	"github.com/klzgrad/naiveproxy-sub075/internal/qerr"
	"github.com/klzgrad/naiveproxy-sub075/modules/quicengine/frame"
	"github.com/klzgrad/naiveproxy-sub075/modules/quicengine/wire"
)

// Visitor receives each frame decoded from a packet, in order. Per
// spec.md §5, a Visitor must not retain slices borrowed from the frame
// past the callback returning (CryptoFrame.Data, StreamFrame.Data, and
// NewToken/ConnectionClose byte slices are only valid for the call).
type Visitor interface {
	OnFrame(level EncryptionLevel, pn Number, f *frame.Frame) error
}

// VisitorFunc adapts a function to Visitor.
type VisitorFunc func(level EncryptionLevel, pn Number, f *frame.Frame) error

func (fn VisitorFunc) OnFrame(level EncryptionLevel, pn Number, f *frame.Frame) error {
	return fn(level, pn, f)
}

// Decrypter is the external collaborator named in spec.md §1: TLS/crypto
// key derivation and AEAD sealing/opening are out of scope here.
type Decrypter interface {
	// DecryptPacket removes header protection and authenticates+decrypts
	// the payload in place, returning the decrypted payload and the full
	// (non-truncated) packet number. largestReceived supplies the
	// context needed to reconstruct a truncated packet number.
	DecryptPacket(level EncryptionLevel, header []byte, payload []byte, truncatedPN Number, pnLen int, largestReceived Number) ([]byte, Number, error)
}

// Encrypter is the send-side counterpart of Decrypter.
type Encrypter interface {
	EncryptPacket(level EncryptionLevel, header []byte, payload []byte, pn Number) ([]byte, error)
	// Overhead returns the AEAD's expansion in bytes, needed to size the
	// remaining-length field before the payload is sealed.
	Overhead() int
}

// StatelessResetChecker compares the trailing bytes of an undecryptable
// short-header packet against the peer's advertised token.
type StatelessResetChecker interface {
	IsStatelessReset(last16 [16]byte) bool
}

// VersionNegotiation is the parsed content of a version-negotiation
// packet (spec.md §4.B "Version negotiation").
type VersionNegotiation struct {
	DestConnectionID  ConnectionID
	SrcConnectionID   ConnectionID
	SupportedVersions []uint32
}

// Framer parses and builds QUIC packets: component B. It dispatches
// decrypted frames to a Visitor and is itself stateless across calls
// except for the per-level Decrypter/Encrypter it's handed.
type Framer struct {
	// ShortHeaderDestConnIDLen is the length the local endpoint expects
	// for destination CIDs on short-header packets. Short headers don't
	// carry a CID length field, so the framer must be told.
	ShortHeaderDestConnIDLen int

	// IsServer indicates perspective, needed to recognize version
	// negotiation packets (only a client ever receives one).
	IsServer bool
}

// ParseHeader parses the public header fields of a packet from the front
// of b, without touching the encrypted payload. It returns the header
// and the number of bytes consumed (header size, excluding the packet
// number, which remains protected until ProcessPacket removes header
// protection).
func (fr *Framer) ParseHeader(b []byte) (*Header, int, error) {
	if len(b) < 1 {
		return nil, 0, errHeaderTooShort
	}
	first := b[0]
	if first&0x80 != 0 {
		return fr.parseLongHeader(b)
	}
	return fr.parseShortHeader(b, first)
}

func (fr *Framer) parseLongHeader(b []byte) (*Header, int, error) {
	r := wire.NewReader(b)
	first, err := r.ReadByte()
	if err != nil {
		return nil, 0, err
	}
	h := &Header{Format: FormatLong, VersionFlag: true}

	version, err := r.ReadUint32()
	if err != nil {
		return nil, 0, fmt.Errorf("packet: long header version: %w", err)
	}
	h.Version = version

	h.LongType = LongType((first >> 4) & 0x3)

	dcidLen, err := r.ReadByte()
	if err != nil {
		return nil, 0, err
	}
	dcidBytes, err := r.ReadN(int(dcidLen))
	if err != nil {
		return nil, 0, fmt.Errorf("packet: long header dest cid: %w", err)
	}
	h.DestConnectionID = NewConnectionID(dcidBytes)

	scidLen, err := r.ReadByte()
	if err != nil {
		return nil, 0, err
	}
	scidBytes, err := r.ReadN(int(scidLen))
	if err != nil {
		return nil, 0, fmt.Errorf("packet: long header src cid: %w", err)
	}
	h.SrcConnectionID = NewConnectionID(scidBytes)
	h.HasSrcConnectionID = true

	if version == 0 {
		// Version negotiation: the header ends after the two CIDs; caller
		// should route to ParseVersionNegotiation.
		return h, r.Pos(), nil
	}

	if h.LongType == LongTypeInitial {
		tokenLen, n, ok := wire.ConsumeVarInt(r.Rest())
		if !ok {
			return nil, 0, fmt.Errorf("packet: initial retry-token length: truncated")
		}
		h.RetryTokenLengthLength = n
		if _, err := r.ReadN(n); err != nil {
			return nil, 0, err
		}
		token, err := r.ReadN(int(tokenLen))
		if err != nil {
			return nil, 0, fmt.Errorf("packet: initial retry-token: %w", err)
		}
		h.RetryToken = append([]byte(nil), token...)
	}

	if h.LongType == LongTypeRetry {
		// Retry packets carry an opaque integrity tag instead of a
		// length + packet number; the caller treats the rest of the
		// datagram as that tag.
		return h, r.Pos(), nil
	}

	remLen, n, ok := wire.ConsumeVarInt(r.Rest())
	if !ok {
		return nil, 0, fmt.Errorf("packet: remaining-length: truncated")
	}
	h.RemainingLengthLength = n
	h.RemainingLength = remLen
	if _, err := r.ReadN(n); err != nil {
		return nil, 0, err
	}

	return h, r.Pos(), nil
}

func (fr *Framer) parseShortHeader(b []byte, first byte) (*Header, int, error) {
	r := wire.NewReader(b)
	if _, err := r.ReadByte(); err != nil {
		return nil, 0, err
	}
	h := &Header{Format: FormatShort}
	h.SpinBit = first&0x20 != 0
	h.KeyPhase = first&0x04 != 0

	dcidBytes, err := r.ReadN(fr.ShortHeaderDestConnIDLen)
	if err != nil {
		return nil, 0, fmt.Errorf("packet: short header dest cid: %w", err)
	}
	h.DestConnectionID = NewConnectionID(dcidBytes)
	return h, r.Pos(), nil
}

// ParseVersionNegotiation parses a version-negotiation datagram (Version
// field == 0, only ever sent server->client). Callers detect this case by
// noticing ParseHeader returned h.Version == 0 on a long-format packet.
func ParseVersionNegotiation(b []byte, headerLen int) (*VersionNegotiation, error) {
	r := wire.NewReader(b)
	if _, err := r.ReadN(headerLen); err != nil {
		return nil, err
	}
	// re-derive the two connection IDs from the already-parsed prefix
	fr := &Framer{}
	h, _, err := fr.parseLongHeader(b)
	if err != nil {
		return nil, err
	}
	vn := &VersionNegotiation{DestConnectionID: h.DestConnectionID, SrcConnectionID: h.SrcConnectionID}
	rest := r.Rest()
	if len(rest)%4 != 0 {
		return nil, fmt.Errorf("packet: version negotiation list not a multiple of 4 bytes")
	}
	for i := 0; i+4 <= len(rest); i += 4 {
		vr := wire.NewReader(rest[i:])
		v, err := vr.ReadUint32()
		if err != nil {
			return nil, err
		}
		vn.SupportedVersions = append(vn.SupportedVersions, v)
	}
	return vn, nil
}

// ProcessPacket implements process_packet: it parses the header, asks
// dec to remove header protection and decrypt the payload, then feeds
// every decoded frame to visitor in order. A frame that is truncated,
// malformed, or of unknown type fails the whole packet with
// qerr.FrameEncodingError.
func (fr *Framer) ProcessPacket(raw []byte, dec Decrypter, largestReceived Number, visitor Visitor) error {
	h, headerLen, err := fr.ParseHeader(raw)
	if err != nil {
		return qerr.New(qerr.FrameEncodingError, err.Error())
	}
	if h.Format == FormatLong && h.Version == 0 {
		return fmt.Errorf("packet: version-negotiation packet given to ProcessPacket")
	}

	// Packet-number length is itself under header protection; in this
	// engine's split of responsibilities, dec.DecryptPacket is handed the
	// still-protected region and returns both plaintext and the
	// reconstructed full packet number, matching how header protection
	// removal and AEAD opening are usually fused into one call.
	protectedRegion := raw[headerLen:]
	payload, pn, err := dec.DecryptPacket(h.Level(), raw[:headerLen], protectedRegion, UninitializedNumber, 0, largestReceived)
	if err != nil {
		return err
	}

	r := wire.NewReader(payload)
	for r.Len() > 0 {
		f, err := frame.Decode(r)
		if err != nil {
			return qerr.New(qerr.FrameEncodingError, err.Error())
		}
		if err := visitor.OnFrame(h.Level(), pn, f); err != nil {
			return err
		}
	}
	return nil
}

// BuildPacket implements build_packet: it writes h's header fields, then
// each frame in order, reserving and back-patching the long-header length
// field once the encrypted payload size is known, then hands the whole
// thing to enc for header protection + AEAD sealing.
//
// It returns the built datagram bytes and the length of the encrypted
// portion (packet-number bytes + sealed payload), mirroring the
// two return values spec.md's contract names.
func (fr *Framer) BuildPacket(h *Header, frames []*frame.Frame, enc Encrypter) ([]byte, int, error) {
	hw := wire.NewWriter(64)
	var lengthFieldOffset, lengthFieldWidth int

	switch h.Format {
	case FormatLong:
		typeBits := byte(h.LongType) << 4
		hw.WriteByte(0x80 | 0x40 | typeBits | byte(h.PacketNumberLength-1))
		hw.WriteUint32(h.Version)
		dcidBytes := h.DestConnectionID.Bytes()
		hw.WriteByte(byte(len(dcidBytes)))
		hw.Write(dcidBytes)
		scidBytes := h.SrcConnectionID.Bytes()
		hw.WriteByte(byte(len(scidBytes)))
		hw.Write(scidBytes)
		if h.LongType == LongTypeInitial {
			hw.WriteVarInt(uint64(len(h.RetryToken)))
			hw.Write(h.RetryToken)
		}
		if h.LongType != LongTypeRetry {
			lengthFieldWidth = 2
			lengthFieldOffset = hw.ReserveLength(lengthFieldWidth)
		}
	case FormatShort:
		first := byte(0x40)
		if h.SpinBit {
			first |= 0x20
		}
		if h.KeyPhase {
			first |= 0x04
		}
		first |= byte(h.PacketNumberLength - 1)
		hw.WriteByte(first)
		hw.Write(h.DestConnectionID.Bytes())
	default:
		return nil, 0, fmt.Errorf("packet: unsupported header format %d for build", h.Format)
	}

	writePacketNumber(hw, h.PacketNumber, h.PacketNumberLength)

	payload := wire.NewWriter(256)
	for _, f := range frames {
		if err := f.Encode(payload); err != nil {
			return nil, 0, err
		}
	}

	if lengthFieldWidth > 0 {
		encryptedLen := uint64(h.PacketNumberLength + len(payload.Bytes()) + enc.Overhead())
		if err := hw.PatchVarIntAt(lengthFieldOffset, lengthFieldWidth, encryptedLen); err != nil {
			return nil, 0, err
		}
	}

	full, err := enc.EncryptPacket(h.Level(), hw.Bytes(), payload.Bytes(), h.PacketNumber)
	if err != nil {
		return nil, 0, err
	}
	encryptedLength := len(full) - (len(hw.Bytes()) - h.PacketNumberLength)
	return full, encryptedLength, nil
}

func writePacketNumber(w *wire.Writer, pn Number, length int) {
	v := pn.Uint64()
	switch length {
	case 1:
		w.WriteByte(byte(v))
	case 2:
		w.WriteUint16(uint16(v))
	case 4:
		w.WriteUint32(uint32(v))
	default:
		w.WriteUint16(uint16(v >> 8))
		w.WriteByte(byte(v))
	}
}

// CheckStatelessReset implements the "stateless reset" rule: when
// decryption of a short-header packet fails, the last 16 bytes of the
// datagram are compared against the peer's advertised token.
func CheckStatelessReset(datagram []byte, checker StatelessResetChecker) bool {
	if len(datagram) < 16 {
		return false
	}
	var last16 [16]byte
	copy(last16[:], datagram[len(datagram)-16:])
	return checker.IsStatelessReset(last16)
}
