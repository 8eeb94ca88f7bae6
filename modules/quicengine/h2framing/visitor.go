package h2framing

// Visitor receives decoded frames from a Decoder. Each OnXxx method is
// called once per fully decoded frame of that type; OnUnknownFrame is
// called for frame types outside the known set, delivered opaquely with
// their flags unmodified. OnFrameSizeError is called instead of any
// OnXxx method when a frame's declared length exceeds the decoder's
// configured maximum.
//
// Returning a non-nil error from any method aborts decoding of the
// current Write call; bytes already consumed stay consumed.
type Visitor interface {
	OnDataFrame(h FrameHeader, f *DataFrame) error
	OnHeadersFrame(h FrameHeader, f *HeadersFrame) error
	OnPriorityFrame(h FrameHeader, f *PriorityFrame) error
	OnRstStreamFrame(h FrameHeader, f *RstStreamFrame) error
	OnSettingsFrame(h FrameHeader, f *SettingsFrame) error
	OnPushPromiseFrame(h FrameHeader, f *PushPromiseFrame) error
	OnPingFrame(h FrameHeader, f *PingFrame) error
	OnGoAwayFrame(h FrameHeader, f *GoAwayFrame) error
	OnWindowUpdateFrame(h FrameHeader, f *WindowUpdateFrame) error
	OnContinuationFrame(h FrameHeader, f *ContinuationFrame) error
	OnAltSvcFrame(h FrameHeader, f *AltSvcFrame) error
	OnUnknownFrame(h FrameHeader, payload []byte) error
	OnFrameSizeError(h FrameHeader) error
	// OnFrameError is called when a frame's type-specific sub-decoder
	// rejects its (length-policy-compliant) payload as malformed, e.g.
	// a SETTINGS frame whose length isn't a multiple of 6.
	OnFrameError(h FrameHeader, err error) error
}

// DiscardVisitor implements Visitor with every method a no-op returning
// nil. Embed it and override only the methods a caller cares about.
type DiscardVisitor struct{}

func (DiscardVisitor) OnDataFrame(FrameHeader, *DataFrame) error                 { return nil }
func (DiscardVisitor) OnHeadersFrame(FrameHeader, *HeadersFrame) error           { return nil }
func (DiscardVisitor) OnPriorityFrame(FrameHeader, *PriorityFrame) error         { return nil }
func (DiscardVisitor) OnRstStreamFrame(FrameHeader, *RstStreamFrame) error       { return nil }
func (DiscardVisitor) OnSettingsFrame(FrameHeader, *SettingsFrame) error         { return nil }
func (DiscardVisitor) OnPushPromiseFrame(FrameHeader, *PushPromiseFrame) error   { return nil }
func (DiscardVisitor) OnPingFrame(FrameHeader, *PingFrame) error                 { return nil }
func (DiscardVisitor) OnGoAwayFrame(FrameHeader, *GoAwayFrame) error             { return nil }
func (DiscardVisitor) OnWindowUpdateFrame(FrameHeader, *WindowUpdateFrame) error { return nil }
func (DiscardVisitor) OnContinuationFrame(FrameHeader, *ContinuationFrame) error { return nil }
func (DiscardVisitor) OnAltSvcFrame(FrameHeader, *AltSvcFrame) error             { return nil }
func (DiscardVisitor) OnUnknownFrame(FrameHeader, []byte) error                  { return nil }
func (DiscardVisitor) OnFrameSizeError(FrameHeader) error                        { return nil }
func (DiscardVisitor) OnFrameError(FrameHeader, error) error                     { return nil }
