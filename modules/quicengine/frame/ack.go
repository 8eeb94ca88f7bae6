package frame

import (
	"github.com/klzgrad/naiveproxy-sub075/modules/quicengine/packet"
	"github.com/klzgrad/naiveproxy-sub075/modules/quicengine/wire"
)

// ECNCounts is the optional ECN trailer carried by an ACK frame whose type
// byte signals ECN support.
type ECNCounts struct {
	ECT0, ECT1, ECNCE uint64
}

// ACKFrame is the decoded form of an ACK frame: a packet-number interval
// set (already expanded from gap/length pairs) plus the delay and
// optional ECN counts. Packets is reused directly as the acked-ranges
// representation the session notifier consumes.
type ACKFrame struct {
	LargestAcked packet.Number
	AckDelay     uint64
	Packets      *packet.IntervalSet
	ECN          *ECNCounts
}

// encode serializes the interval set back into gap/length pairs in
// descending order, exactly inverting Decode's expansion.
func (a *ACKFrame) encode(w *wire.Writer) error {
	ivs := a.Packets.Intervals()
	if len(ivs) == 0 {
		return nil
	}

	if a.ECN != nil {
		w.WriteVarInt(typeACKECN)
	} else {
		w.WriteVarInt(typeACK)
	}

	last := ivs[len(ivs)-1]
	largest := last.End - 1
	firstRange := last.Len() - 1

	w.WriteVarInt(largest)
	w.WriteVarInt(a.AckDelay)
	w.WriteVarInt(uint64(len(ivs) - 1))
	w.WriteVarInt(firstRange)

	prevSmallest := last.Start
	for i := len(ivs) - 2; i >= 0; i-- {
		iv := ivs[i]
		gap := prevSmallest - iv.End - 1
		length := iv.Len() - 1
		w.WriteVarInt(gap)
		w.WriteVarInt(length)
		prevSmallest = iv.Start
	}

	if a.ECN != nil {
		w.WriteVarInt(a.ECN.ECT0)
		w.WriteVarInt(a.ECN.ECT1)
		w.WriteVarInt(a.ECN.ECNCE)
	}
	return nil
}
