package h2framing

import (
	"encoding/binary"
	"testing"

	"github.com/quic-go/qpack"
	"github.com/stretchr/testify/require"
)

// recordingVisitor records every callback invocation for assertion.
type recordingVisitor struct {
	DiscardVisitor
	data         []*DataFrame
	headers      []*HeadersFrame
	settings     []*SettingsFrame
	ping         []*PingFrame
	goaway       []*GoAwayFrame
	windowUpdate []*WindowUpdateFrame
	unknown      []FrameHeader
	sizeErrors   []FrameHeader
	frameErrors  []FrameHeader
}

func (r *recordingVisitor) OnDataFrame(h FrameHeader, f *DataFrame) error {
	r.data = append(r.data, f)
	return nil
}
func (r *recordingVisitor) OnHeadersFrame(h FrameHeader, f *HeadersFrame) error {
	r.headers = append(r.headers, f)
	return nil
}
func (r *recordingVisitor) OnSettingsFrame(h FrameHeader, f *SettingsFrame) error {
	r.settings = append(r.settings, f)
	return nil
}
func (r *recordingVisitor) OnPingFrame(h FrameHeader, f *PingFrame) error {
	r.ping = append(r.ping, f)
	return nil
}
func (r *recordingVisitor) OnGoAwayFrame(h FrameHeader, f *GoAwayFrame) error {
	r.goaway = append(r.goaway, f)
	return nil
}
func (r *recordingVisitor) OnWindowUpdateFrame(h FrameHeader, f *WindowUpdateFrame) error {
	r.windowUpdate = append(r.windowUpdate, f)
	return nil
}
func (r *recordingVisitor) OnUnknownFrame(h FrameHeader, payload []byte) error {
	r.unknown = append(r.unknown, h)
	return nil
}
func (r *recordingVisitor) OnFrameSizeError(h FrameHeader) error {
	r.sizeErrors = append(r.sizeErrors, h)
	return nil
}
func (r *recordingVisitor) OnFrameError(h FrameHeader, err error) error {
	r.frameErrors = append(r.frameErrors, h)
	return nil
}

func appendFrameHeader(b []byte, length uint32, typ Type, flags Flags, streamID uint32) []byte {
	b = append(b, byte(length>>16), byte(length>>8), byte(length))
	b = append(b, byte(typ), byte(flags))
	var sid [4]byte
	binary.BigEndian.PutUint32(sid[:], streamID)
	return append(b, sid[:]...)
}

func TestDecodePingFrame(t *testing.T) {
	v := &recordingVisitor{}
	d := NewDecoder(v)

	var raw []byte
	raw = appendFrameHeader(raw, 8, TypePing, 0, 0)
	raw = append(raw, []byte("12345678")...)

	n, err := d.Write(raw)
	require.NoError(t, err)
	require.Equal(t, len(raw), n)
	require.Len(t, v.ping, 1)
	require.Equal(t, [8]byte{'1', '2', '3', '4', '5', '6', '7', '8'}, v.ping[0].Data)
	require.False(t, v.ping[0].Ack)
}

func TestDecodeSplitAcrossWrites(t *testing.T) {
	v := &recordingVisitor{}
	d := NewDecoder(v)

	var raw []byte
	raw = appendFrameHeader(raw, 8, TypePing, FlagAck, 0)
	raw = append(raw, []byte("abcdefgh")...)

	for i := 0; i < len(raw); i++ {
		n, err := d.Write(raw[i : i+1])
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}
	require.Len(t, v.ping, 1)
	require.True(t, v.ping[0].Ack)
}

func TestDecodeDataFrameWithPadding(t *testing.T) {
	v := &recordingVisitor{}
	d := NewDecoder(v)

	payload := []byte{3, 'h', 'i', '!', 0, 0, 0} // pad length 3, data "hi!", 3 pad bytes
	var raw []byte
	raw = appendFrameHeader(raw, uint32(len(payload)), TypeData, FlagPadded|FlagEndStream, 4)
	raw = append(raw, payload...)

	_, err := d.Write(raw)
	require.NoError(t, err)
	require.Len(t, v.data, 1)
	require.Equal(t, []byte("hi!"), v.data[0].Data)
	require.True(t, v.data[0].Padded)
	require.EqualValues(t, 3, v.data[0].PadLength)
}

func TestDecodeSettingsFrame(t *testing.T) {
	v := &recordingVisitor{}
	d := NewDecoder(v)

	var payload []byte
	payload = binary.BigEndian.AppendUint16(payload, 0x1)
	payload = binary.BigEndian.AppendUint32(payload, 100)
	payload = binary.BigEndian.AppendUint16(payload, 0x4)
	payload = binary.BigEndian.AppendUint32(payload, 65535)

	var raw []byte
	raw = appendFrameHeader(raw, uint32(len(payload)), TypeSettings, 0, 0)
	raw = append(raw, payload...)

	_, err := d.Write(raw)
	require.NoError(t, err)
	require.Len(t, v.settings, 1)
	require.Len(t, v.settings[0].Params, 2)
	require.Equal(t, SettingParam{ID: 1, Value: 100}, v.settings[0].Params[0])
}

func TestDecodeSettingsAckMustBeEmpty(t *testing.T) {
	v := &recordingVisitor{}
	d := NewDecoder(v)

	var raw []byte
	raw = appendFrameHeader(raw, 6, TypeSettings, FlagAck, 0)
	raw = append(raw, make([]byte, 6)...)

	_, err := d.Write(raw)
	require.NoError(t, err)
	require.Len(t, v.frameErrors, 1)
	require.Empty(t, v.settings)
}

func TestDecodeSettingsWrongMultiple(t *testing.T) {
	v := &recordingVisitor{}
	d := NewDecoder(v)

	var raw []byte
	raw = appendFrameHeader(raw, 4, TypeSettings, 0, 0)
	raw = append(raw, make([]byte, 4)...)

	_, err := d.Write(raw)
	require.NoError(t, err)
	require.Len(t, v.frameErrors, 1)
}

func TestDecodeUnknownFrameTypeDeliveredOpaquely(t *testing.T) {
	v := &recordingVisitor{}
	d := NewDecoder(v)

	var raw []byte
	raw = appendFrameHeader(raw, 3, Type(0x7f), Flags(0xff), 0)
	raw = append(raw, []byte("abc")...)

	_, err := d.Write(raw)
	require.NoError(t, err)
	require.Len(t, v.unknown, 1)
	require.Equal(t, Flags(0xff), v.unknown[0].Flags) // unmasked: unknown type keeps flags verbatim
}

func TestKnownTypeClearsUnknownFlagBits(t *testing.T) {
	v := &recordingVisitor{}
	d := NewDecoder(v)

	var raw []byte
	raw = appendFrameHeader(raw, 4, TypeWindowUpdate, Flags(0xff), 0) // WINDOW_UPDATE defines no flags
	raw = binary.BigEndian.AppendUint32(raw, 1000)

	_, err := d.Write(raw)
	require.NoError(t, err)
	require.Len(t, v.windowUpdate, 1)
	require.EqualValues(t, 1000, v.windowUpdate[0].WindowSizeIncrement)
	require.Equal(t, Flags(0), d.cur.Flags)
}

func TestOversizePayloadReportsFrameSizeErrorAndSkipsSubDecoder(t *testing.T) {
	v := &recordingVisitor{}
	d := &Decoder{Visitor: v, MaxPayloadSize: 4}
	d.qdec = qpack.NewDecoder(func(qpack.HeaderField) {})

	var raw []byte
	raw = appendFrameHeader(raw, 8, TypePing, 0, 0)
	raw = append(raw, []byte("abcdefgh")...)

	n, err := d.Write(raw)
	require.NoError(t, err)
	require.Equal(t, len(raw), n)
	require.Len(t, v.sizeErrors, 1)
	require.Empty(t, v.ping)
}

func TestDecodeGoAwayFrame(t *testing.T) {
	v := &recordingVisitor{}
	d := NewDecoder(v)

	var payload []byte
	payload = binary.BigEndian.AppendUint32(payload, 41)
	payload = binary.BigEndian.AppendUint32(payload, 0)
	payload = append(payload, []byte("bye")...)

	var raw []byte
	raw = appendFrameHeader(raw, uint32(len(payload)), TypeGoAway, 0, 0)
	raw = append(raw, payload...)

	_, err := d.Write(raw)
	require.NoError(t, err)
	require.Len(t, v.goaway, 1)
	require.EqualValues(t, 41, v.goaway[0].LastStreamID)
	require.Equal(t, []byte("bye"), v.goaway[0].DebugData)
}

func TestDecodeHeadersFrameEndHeadersValidatesQpack(t *testing.T) {
	v := &recordingVisitor{}
	d := NewDecoder(v)

	block := encodeQpackFieldSection(t, []qpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":path", Value: "/"},
	})

	var raw []byte
	raw = appendFrameHeader(raw, uint32(len(block)), TypeHeaders, FlagEndHeaders|FlagEndStream, 1)
	raw = append(raw, block...)

	_, err := d.Write(raw)
	require.NoError(t, err)
	require.Len(t, v.headers, 1)
	require.True(t, v.headers[0].EndHeaders)
	require.True(t, v.headers[0].EndStream)
}

func encodeQpackFieldSection(t *testing.T, fields []qpack.HeaderField) []byte {
	t.Helper()
	// qpack.Encoder is grounded on the same library used for decode-side
	// validation; encoding here just produces a realistic field section
	// for the round-trip test.
	var buf []byte
	enc := qpack.NewEncoder(&byteSliceWriter{b: &buf})
	for _, f := range fields {
		require.NoError(t, enc.WriteField(f))
	}
	return buf
}

type byteSliceWriter struct{ b *[]byte }

func (w *byteSliceWriter) Write(p []byte) (int, error) {
	*w.b = append(*w.b, p...)
	return len(p), nil
}
