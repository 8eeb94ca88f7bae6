// Package packet implements the QUIC packet number and connection ID data
// model, the packet-number interval set used for received-packet
// tracking and ACK ranges, and the long/short header packet framer.
package packet

import "fmt"

// uninitialized is the sentinel packet number value. It is never a valid
// packet number because a packet number may not cross math.MaxUint64-1.
const uninitialized = ^uint64(0)

// MaxPacketNumber is the largest legal packet number.
const MaxPacketNumber = ^uint64(0) - 1

// Number is a monotonic packet-number ordinal with a distinguished
// uninitialized state. The zero value is uninitialized, not packet number
// zero, so a Number must be constructed with NewNumber or assigned from
// another initialized Number before use.
type Number struct {
	v uint64
}

// UninitializedNumber is the explicit sentinel; comparing, incrementing,
// or subtracting it is a programmer error and panics.
var UninitializedNumber = Number{v: uninitialized}

// NewNumber constructs an initialized Number. It panics if n exceeds
// MaxPacketNumber, matching the invariant that a packet number never
// crosses u64::MAX-1.
func NewNumber(n uint64) Number {
	if n > MaxPacketNumber {
		panic(fmt.Sprintf("packet: packet number %d exceeds MaxPacketNumber", n))
	}
	return Number{v: n}
}

// IsInitialized reports whether n holds a real packet number.
func (n Number) IsInitialized() bool { return n.v != uninitialized }

// Uint64 returns the raw value. It panics if n is uninitialized.
func (n Number) Uint64() uint64 {
	n.mustBeInitialized()
	return n.v
}

func (n Number) mustBeInitialized() {
	if !n.IsInitialized() {
		panic("packet: operation on uninitialized packet number")
	}
}

// Less reports whether n < other. Both must be initialized.
func (n Number) Less(other Number) bool {
	n.mustBeInitialized()
	other.mustBeInitialized()
	return n.v < other.v
}

// LessOrEqual reports whether n <= other. Both must be initialized.
func (n Number) LessOrEqual(other Number) bool {
	n.mustBeInitialized()
	other.mustBeInitialized()
	return n.v <= other.v
}

// Equal reports whether n == other. Both must be initialized.
func (n Number) Equal(other Number) bool {
	n.mustBeInitialized()
	other.mustBeInitialized()
	return n.v == other.v
}

// Add returns n+delta. Panics if n is uninitialized or the result would
// exceed MaxPacketNumber.
func (n Number) Add(delta uint64) Number {
	n.mustBeInitialized()
	if delta > MaxPacketNumber-n.v {
		panic("packet: packet number addition overflow")
	}
	return Number{v: n.v + delta}
}

// Next returns n+1, the usual way to allocate the next outgoing packet
// number.
func (n Number) Next() Number { return n.Add(1) }

// Sub returns n-other as a delta. Defined only when n >= other; both must
// be initialized.
func (n Number) Sub(other Number) uint64 {
	n.mustBeInitialized()
	other.mustBeInitialized()
	if n.v < other.v {
		panic("packet: packet number subtraction underflow")
	}
	return n.v - other.v
}

func (n Number) String() string {
	if !n.IsInitialized() {
		return "uninitialized"
	}
	return fmt.Sprintf("%d", n.v)
}
