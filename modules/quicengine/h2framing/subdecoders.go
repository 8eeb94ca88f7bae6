package h2framing

import (
	"encoding/binary"
	"fmt"
)

// Each decodeX function is a bounded-slice sub-decoder: it reads only
// from payload (already truncated to the frame's declared length by the
// outer driver) and returns an error if payload is malformed for that
// frame type, never reading past its end.

func stripPadding(h FrameHeader, payload []byte) (body []byte, padded bool, padLen uint8, err error) {
	if !h.Flags.Has(FlagPadded) {
		return payload, false, 0, nil
	}
	if len(payload) < 1 {
		return nil, false, 0, fmt.Errorf("h2framing: %s: missing pad length", h.Type)
	}
	pl := payload[0]
	rest := payload[1:]
	if int(pl) > len(rest) {
		return nil, false, 0, fmt.Errorf("h2framing: %s: pad length %d exceeds payload", h.Type, pl)
	}
	return rest[:len(rest)-int(pl)], true, pl, nil
}

func decodeData(h FrameHeader, payload []byte) (*DataFrame, error) {
	body, padded, padLen, err := stripPadding(h, payload)
	if err != nil {
		return nil, err
	}
	return &DataFrame{Data: body, Padded: padded, PadLength: padLen}, nil
}

func decodePriorityParam(b []byte) PriorityParam {
	v := binary.BigEndian.Uint32(b)
	return PriorityParam{
		Exclusive:        v&(1<<31) != 0,
		StreamDependency: v &^ (1 << 31),
		Weight:           b[4],
	}
}

func decodeHeaders(h FrameHeader, payload []byte) (*HeadersFrame, error) {
	body, padded, padLen, err := stripPadding(h, payload)
	if err != nil {
		return nil, err
	}
	f := &HeadersFrame{
		Padded:     padded,
		PadLength:  padLen,
		EndStream:  h.Flags.Has(FlagEndStream),
		EndHeaders: h.Flags.Has(FlagEndHeaders),
	}
	if h.Flags.Has(FlagPriority) {
		if len(body) < 5 {
			return nil, fmt.Errorf("h2framing: HEADERS: truncated priority block")
		}
		f.HasPriority = true
		f.Priority = decodePriorityParam(body[:5])
		body = body[5:]
	}
	f.HeaderBlockFragment = body
	return f, nil
}

func decodePriority(h FrameHeader, payload []byte) (*PriorityFrame, error) {
	if len(payload) != 5 {
		return nil, fmt.Errorf("h2framing: PRIORITY: want 5 bytes, got %d", len(payload))
	}
	return &PriorityFrame{PriorityParam: decodePriorityParam(payload)}, nil
}

func decodeRstStream(h FrameHeader, payload []byte) (*RstStreamFrame, error) {
	if len(payload) != 4 {
		return nil, fmt.Errorf("h2framing: RST_STREAM: want 4 bytes, got %d", len(payload))
	}
	return &RstStreamFrame{ErrorCode: binary.BigEndian.Uint32(payload)}, nil
}

func decodeSettings(h FrameHeader, payload []byte) (*SettingsFrame, error) {
	ack := h.Flags.Has(FlagAck)
	if ack {
		if len(payload) != 0 {
			return nil, fmt.Errorf("h2framing: SETTINGS ACK: must carry no payload")
		}
		return &SettingsFrame{Ack: true}, nil
	}
	if len(payload)%6 != 0 {
		return nil, fmt.Errorf("h2framing: SETTINGS: length %d not a multiple of 6", len(payload))
	}
	f := &SettingsFrame{}
	for i := 0; i+6 <= len(payload); i += 6 {
		f.Params = append(f.Params, SettingParam{
			ID:    binary.BigEndian.Uint16(payload[i:]),
			Value: binary.BigEndian.Uint32(payload[i+2:]),
		})
	}
	return f, nil
}

func decodePushPromise(h FrameHeader, payload []byte) (*PushPromiseFrame, error) {
	body, padded, padLen, err := stripPadding(h, payload)
	if err != nil {
		return nil, err
	}
	if len(body) < 4 {
		return nil, fmt.Errorf("h2framing: PUSH_PROMISE: truncated promised stream id")
	}
	promised := binary.BigEndian.Uint32(body) &^ (1 << 31)
	return &PushPromiseFrame{
		PromisedStreamID:    promised,
		HeaderBlockFragment: body[4:],
		Padded:              padded,
		PadLength:           padLen,
		EndHeaders:          h.Flags.Has(FlagEndHeaders),
	}, nil
}

func decodePing(h FrameHeader, payload []byte) (*PingFrame, error) {
	if len(payload) != 8 {
		return nil, fmt.Errorf("h2framing: PING: want 8 bytes, got %d", len(payload))
	}
	f := &PingFrame{Ack: h.Flags.Has(FlagAck)}
	copy(f.Data[:], payload)
	return f, nil
}

func decodeGoAway(h FrameHeader, payload []byte) (*GoAwayFrame, error) {
	if len(payload) < 8 {
		return nil, fmt.Errorf("h2framing: GOAWAY: truncated, got %d bytes", len(payload))
	}
	return &GoAwayFrame{
		LastStreamID: binary.BigEndian.Uint32(payload) &^ (1 << 31),
		ErrorCode:    binary.BigEndian.Uint32(payload[4:]),
		DebugData:    payload[8:],
	}, nil
}

func decodeWindowUpdate(h FrameHeader, payload []byte) (*WindowUpdateFrame, error) {
	if len(payload) != 4 {
		return nil, fmt.Errorf("h2framing: WINDOW_UPDATE: want 4 bytes, got %d", len(payload))
	}
	return &WindowUpdateFrame{WindowSizeIncrement: binary.BigEndian.Uint32(payload) &^ (1 << 31)}, nil
}

func decodeContinuation(h FrameHeader, payload []byte) *ContinuationFrame {
	return &ContinuationFrame{HeaderBlockFragment: payload, EndHeaders: h.Flags.Has(FlagEndHeaders)}
}

func decodeAltSvc(payload []byte) *AltSvcFrame {
	if len(payload) < 2 {
		return &AltSvcFrame{Value: payload}
	}
	originLen := int(binary.BigEndian.Uint16(payload))
	if originLen+2 > len(payload) {
		return &AltSvcFrame{Value: payload}
	}
	return &AltSvcFrame{
		Origin: payload[2 : 2+originLen],
		Value:  payload[2+originLen:],
	}
}
