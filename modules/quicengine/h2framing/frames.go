package h2framing

// PriorityParam is the 5-byte stream-dependency/weight structure shared
// by PRIORITY frames and the optional priority block at the front of a
// HEADERS frame.
type PriorityParam struct {
	Exclusive        bool
	StreamDependency uint32
	Weight           uint8 // on-wire weight-1; callers add 1 for the RFC weight
}

// DataFrame is a decoded DATA frame payload.
type DataFrame struct {
	Data      []byte
	Padded    bool
	PadLength uint8
}

// HeadersFrame is a decoded HEADERS frame payload. HeaderBlockFragment is
// the (possibly partial, if END_HEADERS is unset) compressed field
// block; assembling the complete block across CONTINUATION frames is the
// caller's responsibility.
type HeadersFrame struct {
	HeaderBlockFragment []byte
	Padded              bool
	PadLength           uint8
	HasPriority         bool
	Priority            PriorityParam
	EndStream           bool
	EndHeaders          bool
}

// PriorityFrame is a decoded PRIORITY frame payload.
type PriorityFrame struct {
	PriorityParam
}

// RstStreamFrame is a decoded RST_STREAM frame payload.
type RstStreamFrame struct {
	ErrorCode uint32
}

// SettingParam is one SETTINGS identifier/value pair.
type SettingParam struct {
	ID    uint16
	Value uint32
}

// SettingsFrame is a decoded SETTINGS frame payload.
type SettingsFrame struct {
	Ack    bool
	Params []SettingParam
}

// PushPromiseFrame is a decoded PUSH_PROMISE frame payload.
type PushPromiseFrame struct {
	PromisedStreamID    uint32
	HeaderBlockFragment []byte
	Padded              bool
	PadLength           uint8
	EndHeaders          bool
}

// PingFrame is a decoded PING frame payload.
type PingFrame struct {
	Ack  bool
	Data [8]byte
}

// GoAwayFrame is a decoded GOAWAY frame payload.
type GoAwayFrame struct {
	LastStreamID uint32
	ErrorCode    uint32
	DebugData    []byte
}

// WindowUpdateFrame is a decoded WINDOW_UPDATE frame payload.
type WindowUpdateFrame struct {
	WindowSizeIncrement uint32
}

// ContinuationFrame is a decoded CONTINUATION frame payload.
type ContinuationFrame struct {
	HeaderBlockFragment []byte
	EndHeaders          bool
}

// AltSvcFrame is a decoded ALTSVC frame payload (RFC 7838): an optional
// origin (when sent on stream 0) followed by the Alt-Svc field value.
type AltSvcFrame struct {
	Origin []byte
	Value  []byte
}
