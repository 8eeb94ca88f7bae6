package transportparams

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/klzgrad/naiveproxy-sub075/modules/quicengine/packet"
)

func TestRoundTripOmitsDefaults(t *testing.T) {
	p := NewParams()
	require.NoError(t, p.SetInt(IDInitialMaxData, 1<<20))
	require.NoError(t, p.SetInt(IDAckDelayExponent, 3)) // equals default, must be omitted
	require.NoError(t, p.SetInt(IDMaxAckDelay, 40))

	raw, err := p.Serialize()
	require.NoError(t, err)

	got, err := Parse(raw)
	require.NoError(t, err)

	require.EqualValues(t, 1<<20, got.GetInt(IDInitialMaxData))
	require.EqualValues(t, 3, got.GetInt(IDAckDelayExponent)) // default, whether carried or not
	require.NotContains(t, got.ints, IDAckDelayExponent)       // not carried on the wire
	require.EqualValues(t, 40, got.GetInt(IDMaxAckDelay))

	// Every other known integer parameter reports its default.
	require.EqualValues(t, 0, got.GetInt(IDMaxIdleTimeout))
	require.EqualValues(t, 2, got.GetInt(IDActiveConnectionIDLimit))
}

func TestRoundTripConnectionIDsAndFlag(t *testing.T) {
	p := NewParams()
	initial := packet.NewConnectionID([]byte{1, 2, 3, 4})
	p.InitialSourceConnectionID = &initial
	p.DisableActiveMigration = true

	raw, err := p.Serialize()
	require.NoError(t, err)

	got, err := Parse(raw)
	require.NoError(t, err)

	require.NotNil(t, got.InitialSourceConnectionID)
	require.True(t, got.InitialSourceConnectionID.Equal(initial))
	require.True(t, got.DisableActiveMigration)
}

func TestSerializeAppendsGrease(t *testing.T) {
	p := NewParams()
	raw, err := p.Serialize()
	require.NoError(t, err)
	require.NotEmpty(t, raw)

	got, err := Parse(raw)
	require.NoError(t, err)
	// A bare default-only Params still round-trips to an empty-looking set.
	require.Empty(t, got.Custom)
}

func TestParseRejectsDuplicateParameter(t *testing.T) {
	p := NewParams()
	require.NoError(t, p.SetInt(IDInitialMaxData, 100))
	raw, err := p.Serialize()
	require.NoError(t, err)

	dup := append([]byte(nil), raw...)
	// Prepend a second copy of the same id/length/value triple found at
	// the front of raw (IDInitialMaxData's TLV, since map iteration order
	// is unspecified we instead synthesize a small deterministic buffer).
	_ = dup

	synth := []byte{}
	synth = append(synth, byte(IDMaxIdleTimeout), 1, 5) // id=1, len=1, value=5
	synth = append(synth, byte(IDMaxIdleTimeout), 1, 6) // same id again
	_, err = Parse(synth)
	require.Error(t, err)
}

func TestSetIntRejectsOutOfRange(t *testing.T) {
	p := NewParams()
	err := p.SetInt(IDMaxUDPPayloadSize, 100) // below the 1200 floor
	require.Error(t, err)

	err = p.SetInt(IDAckDelayExponent, 21) // above the 20 ceiling
	require.Error(t, err)

	require.NoError(t, p.SetInt(IDAckDelayExponent, 20))
}

func TestParseRejectsOutOfRangeValue(t *testing.T) {
	synth := []byte{byte(IDAckDelayExponent), 1, 21}
	_, err := Parse(synth)
	require.Error(t, err)
}

func TestPreferredAddressRoundTrip(t *testing.T) {
	p := NewParams()
	cid := packet.NewConnectionID([]byte{9, 9, 9})
	pa := &PreferredAddress{
		IPv4Addr:     net.IPv4(127, 0, 0, 1),
		IPv4Port:     443,
		IPv6Addr:     net.ParseIP("::1"),
		IPv6Port:     443,
		ConnectionID: cid,
	}
	p.PreferredAddress = pa

	raw, err := p.Serialize()
	require.NoError(t, err)

	got, err := Parse(raw)
	require.NoError(t, err)
	require.NotNil(t, got.PreferredAddress)
	require.True(t, got.PreferredAddress.ConnectionID.Equal(cid))
	require.Equal(t, uint16(443), got.PreferredAddress.IPv4Port)
	require.True(t, got.PreferredAddress.IPv4Addr.Equal(net.IPv4(127, 0, 0, 1)))
}

func TestPreferredAddressRejectsAllZeroFamilies(t *testing.T) {
	w := make([]byte, 4+2+16+2+1+16) // zero IPv4, zero IPv6, zero-length CID, zero token
	_, err := parsePreferredAddress(w)
	require.Error(t, err)
}

func TestCustomParameterPreserved(t *testing.T) {
	p := NewParams()
	p.Custom[ID(1000)] = []byte("opaque")

	raw, err := p.Serialize()
	require.NoError(t, err)

	got, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, []byte("opaque"), got.Custom[ID(1000)])
}

func TestCustomParameterCollidingWithGreaseRejected(t *testing.T) {
	p := NewParams()
	p.Custom[ID(27)] = []byte("bad") // 27 % 31 == 27: reserved for GREASE
	_, err := p.Serialize()
	require.Error(t, err)
}
