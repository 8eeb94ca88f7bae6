package packet

import "sort"

// Interval is a closed-open range [Start, End) of packet numbers or
// stream offsets, depending on the set it lives in.
type Interval struct {
	Start, End uint64
}

func (iv Interval) Len() uint64 { return iv.End - iv.Start }

func (iv Interval) contains(n uint64) bool { return n >= iv.Start && n < iv.End }

// IntervalSet is an ordered, non-overlapping, coalescing set of uint64
// ranges. It backs the received-packet manager's "packets" set, the send
// buffer's "bytes_acked" and "pending_retransmissions" sets, the
// sequencer buffer's "bytes_received" set, and the peer-issued CID
// manager's observed-sequence-number set.
type IntervalSet struct {
	ivs []Interval
}

// NewIntervalSet returns an empty set.
func NewIntervalSet() *IntervalSet { return &IntervalSet{} }

// Add inserts the single value n, coalescing with adjacent/overlapping
// intervals.
func (s *IntervalSet) Add(n uint64) { s.AddRange(n, n+1) }

// AddRange inserts [start, end), coalescing with adjacent/overlapping
// intervals. A range with end <= start is a no-op.
func (s *IntervalSet) AddRange(start, end uint64) {
	if end <= start {
		return
	}
	// Find the first interval whose End is >= start: everything before it
	// is strictly disjoint and unaffected.
	i := sort.Search(len(s.ivs), func(i int) bool { return s.ivs[i].End >= start })

	newStart, newEnd := start, end
	j := i
	for j < len(s.ivs) && s.ivs[j].Start <= newEnd {
		if s.ivs[j].Start < newStart {
			newStart = s.ivs[j].Start
		}
		if s.ivs[j].End > newEnd {
			newEnd = s.ivs[j].End
		}
		j++
	}

	merged := Interval{Start: newStart, End: newEnd}
	s.ivs = append(s.ivs[:i], append([]Interval{merged}, s.ivs[j:]...)...)
}

// Contains reports whether n lies in any interval.
func (s *IntervalSet) Contains(n uint64) bool {
	i := sort.Search(len(s.ivs), func(i int) bool { return s.ivs[i].End > n })
	return i < len(s.ivs) && s.ivs[i].contains(n)
}

// RemoveUpTo deletes every value strictly below n (i.e. restricts the set
// to [n, +inf)). Used when an ACK's lowest acknowledged range or a
// sequencer's consumed-bytes watermark advances.
func (s *IntervalSet) RemoveUpTo(n uint64) {
	i := sort.Search(len(s.ivs), func(i int) bool { return s.ivs[i].End > n })
	s.ivs = s.ivs[i:]
	if len(s.ivs) > 0 && s.ivs[0].Start < n {
		s.ivs[0].Start = n
	}
}

// NumIntervals returns the number of disjoint ranges currently held.
func (s *IntervalSet) NumIntervals() int { return len(s.ivs) }

// Min returns the lowest value in the set.
func (s *IntervalSet) Min() (uint64, bool) {
	if len(s.ivs) == 0 {
		return 0, false
	}
	return s.ivs[0].Start, true
}

// Max returns the highest value in the set (inclusive).
func (s *IntervalSet) Max() (uint64, bool) {
	if len(s.ivs) == 0 {
		return 0, false
	}
	return s.ivs[len(s.ivs)-1].End - 1, true
}

// LastIntervalLength returns the length of the highest-valued interval,
// used by the ACK generator to report first_ack_range.
func (s *IntervalSet) LastIntervalLength() uint64 {
	if len(s.ivs) == 0 {
		return 0
	}
	return s.ivs[len(s.ivs)-1].Len()
}

// RemoveSmallestInterval drops the smallest (by length) interval,
// preferring the lowest-valued one on a tie. This bounds ACK-range
// fan-out: get_updated_ack_frame calls this repeatedly until the set fits
// within max_ack_ranges.
func (s *IntervalSet) RemoveSmallestInterval() {
	if len(s.ivs) == 0 {
		return
	}
	smallest := 0
	for i := 1; i < len(s.ivs); i++ {
		if s.ivs[i].Len() < s.ivs[smallest].Len() {
			smallest = i
		}
	}
	s.ivs = append(s.ivs[:smallest], s.ivs[smallest+1:]...)
}

// Intervals returns the disjoint ranges in ascending order. The returned
// slice must not be mutated by the caller.
func (s *IntervalSet) Intervals() []Interval { return s.ivs }

// Empty reports whether the set holds no values.
func (s *IntervalSet) Empty() bool { return len(s.ivs) == 0 }

// Size returns the total number of values covered by every interval.
func (s *IntervalSet) Size() uint64 {
	var total uint64
	for _, iv := range s.ivs {
		total += iv.Len()
	}
	return total
}

// Clear empties the set.
func (s *IntervalSet) Clear() { s.ivs = s.ivs[:0] }
