package ackhandler

import (
	"time"

	"github.com/klzgrad/naiveproxy-sub075/modules/quicengine/packet"
)

// MaybeUpdateAckTimeout implements spec.md §4.E's "ACK timeout policy".
// The engine calls this once per received packet, after
// RecordPacketReceived, passing:
//
//   - pn: the packet number just received
//   - now: current time
//   - isRetransmittable: whether that packet carried an ack-eliciting frame
//   - newMissingPacketObserved: whether recording pn opened a gap below
//     the previously largest acked packet number (i.e. pn was reordered)
func (m *Manager) MaybeUpdateAckTimeout(now time.Time, pn packet.Number, isRetransmittable, newMissingPacketObserved bool) {
	// Rule 1: a packet below our last-sent-largest-acked means the peer
	// hasn't learned about packets we already acked; ack immediately so
	// it isn't left waiting on a stale ACK.
	if m.lastSentLargestAcked.IsInitialized() && pn.Less(m.lastSentLargestAcked) {
		m.ackImmediately(now)
		return
	}

	// Rule 2.
	if !isRetransmittable {
		return
	}

	// Rule 3.
	m.numRetransmittableSinceLastAck++

	pastDecimationThreshold := m.firstSending.IsInitialized() &&
		pn.Uint64() >= m.firstSending.Uint64()+m.cfg.MinReceivedBeforeAckDecimation

	if m.cfg.Mode != AckModeTCP && pastDecimationThreshold {
		// Rule 4.
		if !m.cfg.UnlimitedAckDecimation && m.numRetransmittableSinceLastAck >= m.cfg.MaxRetransmittableBeforeAck {
			m.ackImmediately(now)
		} else {
			delay := m.cfg.LocalMaxAckDelay
			if decimated := time.Duration(float64(m.minRTT) * m.cfg.AckDecimationDelay); decimated < delay {
				delay = decimated
			}
			if m.cfg.AckDecimationGranularity > 0 && delay < m.cfg.AckDecimationGranularity {
				delay = m.cfg.AckDecimationGranularity
			}
			if !m.hasAckTimeout {
				// Quick-out-of-quiescence shortcut: no ACK is currently
				// owed, so this is the first retransmittable packet
				// after a quiet period — ack it immediately rather than
				// waiting out the full decimation delay.
				m.ackImmediately(now)
			} else {
				m.scheduleAckNoLaterThan(now.Add(delay))
			}
		}
	} else {
		// Rule 5: TCP-style.
		if m.numRetransmittableSinceLastAck >= m.cfg.AckFrequencyBeforeDecimation {
			m.ackImmediately(now)
		} else {
			m.scheduleAckNoLaterThan(now.Add(m.cfg.LocalMaxAckDelay))
		}
	}

	// Rule 6: accelerate on newly observed reordering.
	if newMissingPacketObserved {
		if m.cfg.Mode == AckModeDecimationWithReordering {
			m.scheduleAckNoLaterThan(now.Add(m.minRTT / 8))
		} else {
			m.ackImmediately(now)
		}
	}
}

func (m *Manager) ackImmediately(now time.Time) {
	m.hasAckTimeout = true
	m.ackTimeout = now
}

// scheduleAckNoLaterThan sets the ack timeout to t unless one is already
// scheduled for an earlier time.
func (m *Manager) scheduleAckNoLaterThan(t time.Time) {
	if m.hasAckTimeout && m.ackTimeout.Before(t) {
		return
	}
	m.hasAckTimeout = true
	m.ackTimeout = t
}

// AckTimeout returns the currently scheduled ack deadline and whether one
// is set at all.
func (m *Manager) AckTimeout() (time.Time, bool) { return m.ackTimeout, m.hasAckTimeout }
