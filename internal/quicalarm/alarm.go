// Package quicalarm provides the engine's alarm abstraction: a deadline
// timer with idempotent set/update/cancel semantics and no dependency on
// wall-clock Now() at call sites, so tests can drive a fake clock.
//
// The connection engine coalesces several logical timers (ACK alarm,
// retransmission alarm, ping alarm, idle-network detector, path-degrading
// detector, retire-CID alarms) onto handles created from one Factory so
// that cancellation and rescheduling are uniform.
package quicalarm

import (
	"sync"
	"time"
)

// Clock abstracts away time.Now so engine code and its tests can share the
// same scheduling logic against a real or fake clock.
type Clock interface {
	Now() time.Time
}

// SystemClock is the Clock backed by the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Delegate receives the callback when an Alarm fires. It must not block:
// long work belongs on the caller's own event loop, scheduled from here.
type Delegate interface {
	OnAlarm()
}

// DelegateFunc adapts a plain function to Delegate.
type DelegateFunc func()

func (f DelegateFunc) OnAlarm() { f() }

// Factory creates Alarms bound to a Clock and an underlying scheduler. It
// is the per-connection collaborator named in spec.md §5; production code
// backs it with a real timer wheel, tests back it with a manual clock that
// only fires when advanced explicitly.
type Factory interface {
	NewAlarm(delegate Delegate) *Alarm
}

// Alarm is a single deadline timer. Every method is safe to call from
// inside the delegate's OnAlarm, including Cancel.
type Alarm struct {
	mu           sync.Mutex
	deadline     time.Time
	set          bool
	permanentOff bool
	delegate     Delegate
	timer        *time.Timer
	clock        Clock
}

// NewAlarm constructs an Alarm that invokes delegate.OnAlarm no earlier
// than its configured deadline. clock is stored on the Alarm but not
// consulted: firing is scheduled against the wall clock with
// time.AfterFunc, and Set does not check deadlines against clock.
func NewAlarm(clock Clock, delegate Delegate) *Alarm {
	return &Alarm{clock: clock, delegate: delegate}
}

// Set arms the alarm for deadline, replacing any previous deadline. A
// past deadline fires on the next scheduler tick rather than being rejected, matching
// the "set is never refused" contract production timer wheels rely on.
func (a *Alarm) Set(deadline time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.permanentOff {
		return
	}
	a.deadline = deadline
	a.set = true
	a.reschedule()
}

// Update is a no-op if the new deadline is within granularity of the
// current one; otherwise it behaves like Set. This matches the alarm
// contract's "update(deadline, granularity)" and avoids timer churn for
// tunables like the ACK alarm that move by single milliseconds.
func (a *Alarm) Update(deadline time.Time, granularity time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.permanentOff {
		return
	}
	if a.set {
		diff := deadline.Sub(a.deadline)
		if diff < 0 {
			diff = -diff
		}
		if diff < granularity {
			return
		}
	}
	a.deadline = deadline
	a.set = true
	a.reschedule()
}

// Cancel disarms the alarm. Safe to call from within OnAlarm.
func (a *Alarm) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.set = false
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// PermanentCancel disarms the alarm and makes every future Set/Update a
// no-op. Used when the owning connection is torn down but weak references
// to this alarm may still be reachable from a pending timer-wheel entry.
func (a *Alarm) PermanentCancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.permanentOff = true
	a.set = false
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// Deadline reports the currently armed deadline and whether the alarm is
// set at all.
func (a *Alarm) Deadline() (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deadline, a.set
}

func (a *Alarm) reschedule() {
	if a.timer != nil {
		a.timer.Stop()
	}
	d := time.Until(a.deadline)
	if d < 0 {
		d = 0
	}
	a.timer = time.AfterFunc(d, a.fire)
}

func (a *Alarm) fire() {
	a.mu.Lock()
	if a.permanentOff || !a.set {
		a.mu.Unlock()
		return
	}
	a.set = false
	delegate := a.delegate
	a.mu.Unlock()
	if delegate != nil {
		delegate.OnAlarm()
	}
}

// EarliestOf coalesces several deadlines into the one that should arm a
// shared alarm, as the engine does for the idle-network detector, the
// handshake timer, and the network-blackhole detector. A zero time.Time
// is treated as "not set" and excluded.
func EarliestOf(deadlines ...time.Time) (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, d := range deadlines {
		if d.IsZero() {
			continue
		}
		if !found || d.Before(earliest) {
			earliest = d
			found = true
		}
	}
	return earliest, found
}
