package streams

import "go.uber.org/zap"

// Stream binds one stream's receive-side Sequencer and send-side
// SendBuffer under a stream ID, the unit the engine (component M) and
// the session notifier (component I) operate on.
type Stream struct {
	ID uint64

	logger *zap.Logger

	Sequencer *Sequencer
	Send      *SendBuffer

	resetSent     bool
	resetReceived bool
}

// NewStream returns a stream with fresh sequencer and send-buffer state.
// delegate receives the sequencer's data-available/fin-read callbacks.
func NewStream(id uint64, maxReceiveWindow uint64, finMode FinMode, delegate Delegate, logger *zap.Logger) *Stream {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stream{
		ID:        id,
		logger:    logger,
		Sequencer: NewSequencer(maxReceiveWindow, finMode, delegate, logger),
		Send:      NewSendBuffer(),
	}
}

// ResetSent records that we have sent a RESET_STREAM for this stream;
// further writes are suppressed.
func (s *Stream) ResetSent() { s.resetSent = true }

// ResetReceived records that the peer reset this stream; the sequencer
// is switched to discard mode so flow control keeps advancing even
// though no more application reads will occur.
func (s *Stream) ResetReceived() error {
	s.resetReceived = true
	return s.Sequencer.StopReading()
}

// IsReset reports whether either side has reset the stream.
func (s *Stream) IsReset() bool { return s.resetSent || s.resetReceived }
