package packet

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/klzgrad/naiveproxy-sub075/modules/quicengine/frame"
)

// identityCrypto is a no-op Decrypter/Encrypter used to test the framer's
// header and frame handling in isolation from the (out-of-scope) TLS
// crypto layer: it passes payload bytes through unchanged, except that
// DecryptPacket strips the leading packet-number bytes (their length read
// from the unprotected first header byte) and hands them back as if they
// were already the full number.
type identityCrypto struct{}

func (identityCrypto) DecryptPacket(level EncryptionLevel, header, payload []byte, truncatedPN Number, pnLen int, largestReceived Number) ([]byte, Number, error) {
	pnLen = int(header[0]&0x03) + 1
	if len(payload) < pnLen {
		return nil, UninitializedNumber, errHeaderTooShort
	}
	var pn uint64
	for _, b := range payload[:pnLen] {
		pn = pn<<8 | uint64(b)
	}
	return payload[pnLen:], NewNumber(pn), nil
}

func (identityCrypto) EncryptPacket(level EncryptionLevel, header, payload []byte, pn Number) ([]byte, error) {
	out := append([]byte(nil), header...)
	out = append(out, payload...)
	return out, nil
}

func (identityCrypto) Overhead() int { return 0 }

func TestParseLongHeaderInitial(t *testing.T) {
	fr := &Framer{}
	h := &Header{
		Format:             FormatLong,
		VersionFlag:        true,
		Version:            1,
		LongType:           LongTypeInitial,
		DestConnectionID:   NewConnectionID([]byte{1, 2, 3, 4}),
		SrcConnectionID:    NewConnectionID([]byte{5, 6}),
		HasSrcConnectionID: true,
		PacketNumberLength: 2,
		PacketNumber:       NewNumber(7),
	}
	raw, _, err := fr.BuildPacket(h, []*frame.Frame{{Kind: frame.KindPing, Ping: &frame.PingFrame{}}}, identityCrypto{})
	require.NoError(t, err)

	parsed, headerLen, err := fr.ParseHeader(raw)
	require.NoError(t, err)
	require.Equal(t, FormatLong, parsed.Format)
	require.Equal(t, LongTypeInitial, parsed.LongType)
	require.True(t, parsed.DestConnectionID.Equal(h.DestConnectionID))
	require.True(t, parsed.SrcConnectionID.Equal(h.SrcConnectionID))
	require.Greater(t, headerLen, 0)
}

func TestParseShortHeader(t *testing.T) {
	fr := &Framer{ShortHeaderDestConnIDLen: 4}
	h := &Header{
		Format:             FormatShort,
		DestConnectionID:   NewConnectionID([]byte{9, 9, 9, 9}),
		PacketNumberLength: 1,
		PacketNumber:       NewNumber(3),
	}
	raw, _, err := fr.BuildPacket(h, []*frame.Frame{{Kind: frame.KindPing, Ping: &frame.PingFrame{}}}, identityCrypto{})
	require.NoError(t, err)

	parsed, _, err := fr.ParseHeader(raw)
	require.NoError(t, err)
	require.Equal(t, FormatShort, parsed.Format)
	require.True(t, parsed.DestConnectionID.Equal(h.DestConnectionID))
}

func TestProcessPacketDispatchesFramesInOrder(t *testing.T) {
	fr := &Framer{ShortHeaderDestConnIDLen: 4}
	h := &Header{
		Format:             FormatShort,
		DestConnectionID:   NewConnectionID([]byte{1, 1, 1, 1}),
		PacketNumberLength: 1,
		PacketNumber:       NewNumber(5),
	}
	frames := []*frame.Frame{
		{Kind: frame.KindPing, Ping: &frame.PingFrame{}},
		{Kind: frame.KindStream, Stream: &frame.StreamFrame{StreamID: 0, Data: []byte("hi"), Fin: true}},
	}
	raw, _, err := fr.BuildPacket(h, frames, identityCrypto{})
	require.NoError(t, err)

	var seen []frame.Kind
	err = fr.ProcessPacket(raw, identityCrypto{}, UninitializedNumber, VisitorFunc(func(level EncryptionLevel, pn Number, f *frame.Frame) error {
		seen = append(seen, f.Kind)
		return nil
	}))
	require.NoError(t, err)
	require.Equal(t, []frame.Kind{frame.KindPing, frame.KindStream}, seen)
}

func TestProcessPacketMalformedFrameFailsConnection(t *testing.T) {
	fr := &Framer{ShortHeaderDestConnIDLen: 4}
	h := &Header{Format: FormatShort, DestConnectionID: NewConnectionID([]byte{1, 1, 1, 1}), PacketNumberLength: 1, PacketNumber: NewNumber(1)}
	raw, headerLen, err := fr.BuildPacket(h, nil, identityCrypto{})
	require.NoError(t, err)
	// Append an unknown frame type byte after the header.
	raw = append(raw, 0xff)
	_ = headerLen

	err = fr.ProcessPacket(raw, identityCrypto{}, UninitializedNumber, VisitorFunc(func(EncryptionLevel, Number, *frame.Frame) error {
		return nil
	}))
	require.Error(t, err)
}

func TestParseVersionNegotiation(t *testing.T) {
	fr := &Framer{}
	dcid := []byte{1, 2}
	scid := []byte{3, 4}

	raw := []byte{0x80, 0, 0, 0, 0} // first byte + version=0
	raw = append(raw, byte(len(dcid)))
	raw = append(raw, dcid...)
	raw = append(raw, byte(len(scid)))
	raw = append(raw, scid...)
	raw = append(raw, 0, 0, 0, 1, 0xff, 0, 0, 0) // two supported versions

	h, headerLen, err := fr.ParseHeader(raw)
	require.NoError(t, err)
	require.EqualValues(t, 0, h.Version)

	vn, err := ParseVersionNegotiation(raw, headerLen)
	require.NoError(t, err)
	require.True(t, vn.DestConnectionID.Equal(NewConnectionID(dcid)))
	require.True(t, vn.SrcConnectionID.Equal(NewConnectionID(scid)))
	require.Equal(t, []uint32{1, 0xff000000}, vn.SupportedVersions)
}
