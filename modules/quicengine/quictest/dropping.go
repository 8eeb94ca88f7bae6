// Package quictest provides a fault-injecting test writer, grounded on the
// same fault-injection shape quiche's test tools use. No other package
// imports it; only its own tests exercise it.
package quictest

import "math/rand/v2"

// minSuccessesAfterDrop is the number of writes a DroppingWriter must let
// through after a drop before it is allowed to drop again, even at 100%
// configured loss. Without this floor, two endpoints each dropping packets
// independently can statistically starve a test of any forward progress.
const minSuccessesAfterDrop = 2

// DroppingWriter decides, call by call, whether a simulated packet write
// should be dropped. It guarantees at least minSuccessesAfterDrop
// successful calls between any two drops, so randomized drop schedules
// never produce the flaky total-stall failures a naive percentage check
// would allow.
type DroppingWriter struct {
	lossPercent int
	rnd         *rand.Rand

	consecutiveSuccesses int
	numCalls             int
	numDropped           int
}

// NewDroppingWriter returns a DroppingWriter that drops roughly
// lossPercent percent of calls to Write, seeded from seed so a failing
// test can be reproduced deterministically. lossPercent is clamped to
// [0, 100].
func NewDroppingWriter(lossPercent int, seed uint64) *DroppingWriter {
	if lossPercent < 0 {
		lossPercent = 0
	}
	if lossPercent > 100 {
		lossPercent = 100
	}
	return &DroppingWriter{
		lossPercent: lossPercent,
		rnd:         rand.New(rand.NewPCG(seed, seed>>32|1)),
		// no successes are required before the first possible drop
		consecutiveSuccesses: minSuccessesAfterDrop,
	}
}

// Write reports whether the call should be treated as delivered (true) or
// dropped (false).
func (w *DroppingWriter) Write() bool {
	w.numCalls++

	if w.lossPercent == 0 {
		w.consecutiveSuccesses++
		return true
	}

	if w.consecutiveSuccesses < minSuccessesAfterDrop {
		w.consecutiveSuccesses++
		return true
	}

	if w.lossPercent == 100 || w.rnd.IntN(100) < w.lossPercent {
		w.consecutiveSuccesses = 0
		w.numDropped++
		return false
	}

	w.consecutiveSuccesses++
	return true
}

// NumCalls returns the total number of calls to Write so far.
func (w *DroppingWriter) NumCalls() int { return w.numCalls }

// NumDropped returns the number of calls to Write that were dropped.
func (w *DroppingWriter) NumDropped() int { return w.numDropped }
