package h2framing

import (
	"encoding/binary"
	"fmt"

	"github.com/quic-go/qpack"
)

// DefaultMaxPayloadSize is used when a Decoder's MaxPayloadSize is zero:
// the largest payload representable by the 24-bit length field.
const DefaultMaxPayloadSize = 1<<24 - 1

// Decoder is a streaming HTTP/2-over-QUIC frame decoder: component C. It
// is fed arbitrarily-chunked bytes via Write and invokes a Visitor once
// per fully decoded frame. Each frame's declared-length payload is
// buffered in full before its sub-decoder runs (frames are capped at
// MaxPayloadSize, so this bounded buffering never grows unboundedly),
// which keeps every sub-decoder a simple bounded-slice parser rather
// than its own incremental state machine.
type Decoder struct {
	// MaxPayloadSize bounds payload_length; frames declaring a larger
	// length are reported via Visitor.OnFrameSizeError and discarded
	// without invoking their typed sub-decoder. Zero means
	// DefaultMaxPayloadSize.
	MaxPayloadSize uint32

	Visitor Visitor

	st     state
	hdrBuf [frameHeaderLen]byte
	hdrLen int

	cur     FrameHeader
	payload []byte

	discardRemaining uint32

	qdec        *qpack.Decoder
	headerAccum []byte
	headerOpen  bool
}

// NewDecoder returns a Decoder delivering frames to v.
func NewDecoder(v Visitor) *Decoder {
	d := &Decoder{Visitor: v}
	d.qdec = qpack.NewDecoder(func(qpack.HeaderField) {})
	return d
}

func (d *Decoder) maxPayload() uint32 {
	if d.MaxPayloadSize == 0 {
		return DefaultMaxPayloadSize
	}
	return d.MaxPayloadSize
}

// Write feeds data into the decoder. It consumes as much of data as it
// can, dispatching every frame it completes to the Visitor, and returns
// the number of bytes consumed (always len(data) unless the Visitor
// returns an error, in which case decoding stops at the frame boundary
// where the error occurred).
func (d *Decoder) Write(data []byte) (int, error) {
	consumed := 0
	for len(data) > 0 {
		switch d.st {
		case stateAwaitingHeader, stateReadingHeader:
			need := frameHeaderLen - d.hdrLen
			n := copy(d.hdrBuf[d.hdrLen:], data)
			if n > need {
				n = need
			}
			d.hdrLen += n
			data = data[n:]
			consumed += n
			if d.hdrLen < frameHeaderLen {
				d.st = stateReadingHeader
				return consumed, nil
			}
			sizeErr := d.beginFrame()
			if sizeErr {
				if err := d.Visitor.OnFrameSizeError(d.cur); err != nil {
					return consumed, err
				}
			} else if d.cur.Length == 0 {
				err := d.dispatch(d.cur, d.payload)
				d.resetForNextFrame()
				if err != nil {
					return consumed, err
				}
			}

		case stateReadingPayload:
			remaining := int(d.cur.Length) - len(d.payload)
			n := len(data)
			if n > remaining {
				n = remaining
			}
			d.payload = append(d.payload, data[:n]...)
			data = data[n:]
			consumed += n
			if len(d.payload) < int(d.cur.Length) {
				return consumed, nil
			}
			err := d.dispatch(d.cur, d.payload)
			d.resetForNextFrame()
			if err != nil {
				return consumed, err
			}

		case stateDiscardingPayload:
			n := len(data)
			if uint32(n) > d.discardRemaining {
				n = int(d.discardRemaining)
			}
			d.discardRemaining -= uint32(n)
			data = data[n:]
			consumed += n
			if d.discardRemaining == 0 {
				d.resetForNextFrame()
			}
		}
	}
	return consumed, nil
}

// beginFrame parses the just-completed 9-byte header and transitions
// into either payload reading or, for oversize frames, discarding. It
// reports whether h.Length violated the maximum-payload-size policy, so
// Write can invoke Visitor.OnFrameSizeError without invoking the typed
// sub-decoder, per spec.
func (d *Decoder) beginFrame() (sizeErr bool) {
	h := parseFrameHeader(d.hdrBuf)
	h.Flags = maskKnownFlags(h.Type, h.Flags)
	d.cur = h

	if h.Length > d.maxPayload() {
		d.st = stateDiscardingPayload
		d.discardRemaining = h.Length
		return true
	}
	d.st = stateReadingPayload
	d.payload = make([]byte, 0, h.Length)
	return false
}

func (d *Decoder) resetForNextFrame() {
	d.st = stateAwaitingHeader
	d.hdrLen = 0
	d.payload = nil
}

func parseFrameHeader(b [frameHeaderLen]byte) FrameHeader {
	length := uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	return FrameHeader{
		Length:   length,
		Type:     Type(b[3]),
		Flags:    Flags(b[4]),
		StreamID: binary.BigEndian.Uint32(b[5:9]) &^ (1 << 31),
	}
}

// dispatch routes a fully-buffered frame to its typed sub-decoder (or,
// for a size-policy violation that was caught in beginFrame, the
// OnFrameSizeError report) and then to the Visitor.
func (d *Decoder) dispatch(h FrameHeader, payload []byte) error {
	switch h.Type {
	case TypeData:
		f, err := decodeData(h, payload)
		if err != nil {
			return d.Visitor.OnFrameError(h, err)
		}
		return d.Visitor.OnDataFrame(h, f)

	case TypeHeaders:
		f, err := decodeHeaders(h, payload)
		if err != nil {
			return d.Visitor.OnFrameError(h, err)
		}
		if err := d.accumulateHeaderBlock(f.HeaderBlockFragment, f.EndHeaders); err != nil {
			return err
		}
		return d.Visitor.OnHeadersFrame(h, f)

	case TypePriority:
		f, err := decodePriority(h, payload)
		if err != nil {
			return d.Visitor.OnFrameError(h, err)
		}
		return d.Visitor.OnPriorityFrame(h, f)

	case TypeRstStream:
		f, err := decodeRstStream(h, payload)
		if err != nil {
			return d.Visitor.OnFrameError(h, err)
		}
		return d.Visitor.OnRstStreamFrame(h, f)

	case TypeSettings:
		f, err := decodeSettings(h, payload)
		if err != nil {
			return d.Visitor.OnFrameError(h, err)
		}
		return d.Visitor.OnSettingsFrame(h, f)

	case TypePushPromise:
		f, err := decodePushPromise(h, payload)
		if err != nil {
			return d.Visitor.OnFrameError(h, err)
		}
		if err := d.accumulateHeaderBlock(f.HeaderBlockFragment, f.EndHeaders); err != nil {
			return err
		}
		return d.Visitor.OnPushPromiseFrame(h, f)

	case TypePing:
		f, err := decodePing(h, payload)
		if err != nil {
			return d.Visitor.OnFrameError(h, err)
		}
		return d.Visitor.OnPingFrame(h, f)

	case TypeGoAway:
		f, err := decodeGoAway(h, payload)
		if err != nil {
			return d.Visitor.OnFrameError(h, err)
		}
		return d.Visitor.OnGoAwayFrame(h, f)

	case TypeWindowUpdate:
		f, err := decodeWindowUpdate(h, payload)
		if err != nil {
			return d.Visitor.OnFrameError(h, err)
		}
		return d.Visitor.OnWindowUpdateFrame(h, f)

	case TypeContinuation:
		f := decodeContinuation(h, payload)
		if err := d.accumulateHeaderBlock(f.HeaderBlockFragment, f.EndHeaders); err != nil {
			return err
		}
		return d.Visitor.OnContinuationFrame(h, f)

	case TypeAltSvc:
		f := decodeAltSvc(payload)
		return d.Visitor.OnAltSvcFrame(h, f)

	default:
		return d.Visitor.OnUnknownFrame(h, payload)
	}
}

// accumulateHeaderBlock folds a HEADERS/PUSH_PROMISE/CONTINUATION
// header-block fragment into the in-flight field block, running a
// bounds-validating qpack decode once END_HEADERS closes it. This is a
// sanity check on name/value length framing, not a full QPACK dynamic-
// table decode (the dynamic table itself is out of scope — see
// SPEC_FULL.md's domain-stack wiring for h2framing).
func (d *Decoder) accumulateHeaderBlock(fragment []byte, endHeaders bool) error {
	d.headerAccum = append(d.headerAccum, fragment...)
	d.headerOpen = true
	if !endHeaders {
		return nil
	}
	block := d.headerAccum
	d.headerAccum = nil
	d.headerOpen = false
	if _, err := d.qdec.DecodeFull(block); err != nil {
		return fmt.Errorf("h2framing: invalid header block: %w", err)
	}
	return nil
}
