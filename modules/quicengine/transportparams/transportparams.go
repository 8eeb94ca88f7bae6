// Package transportparams implements the handshake transport-parameter
// TLV codec: component D. Each recognized parameter has a fixed ID, a
// default value, and a legal range; integers equal to their default are
// omitted on send, and a GREASE parameter is always appended so peers
// exercise their unknown-parameter tolerance.
package transportparams

import (
	"crypto/rand"
	"fmt"
	"net"

	"github.com/klzgrad/naiveproxy-sub075/modules/quicengine/packet"
	"github.com/klzgrad/naiveproxy-sub075/modules/quicengine/wire"
)

// ID is a transport-parameter identifier.
type ID uint64

const (
	IDOriginalDestinationConnectionID ID = 0x00
	IDMaxIdleTimeout                  ID = 0x01
	IDStatelessResetToken             ID = 0x02
	IDMaxUDPPayloadSize               ID = 0x03
	IDInitialMaxData                  ID = 0x04
	IDInitialMaxStreamDataBidiLocal   ID = 0x05
	IDInitialMaxStreamDataBidiRemote  ID = 0x06
	IDInitialMaxStreamDataUni         ID = 0x07
	IDInitialMaxStreamsBidi           ID = 0x08
	IDInitialMaxStreamsUni            ID = 0x09
	IDAckDelayExponent                ID = 0x0a
	IDMaxAckDelay                     ID = 0x0b
	IDDisableActiveMigration          ID = 0x0c
	IDPreferredAddress                ID = 0x0d
	IDActiveConnectionIDLimit         ID = 0x0e
	IDInitialSourceConnectionID       ID = 0x0f
	IDRetrySourceConnectionID         ID = 0x10
)

// bound describes the legal [min, max] range and default for one integer
// parameter.
type bound struct {
	min, max, def uint64
}

var integerBounds = map[ID]bound{
	IDMaxIdleTimeout:                 {0, wire.MaxVarInt, 0},
	IDMaxUDPPayloadSize:              {1200, wire.MaxVarInt, 65527},
	IDInitialMaxData:                 {0, wire.MaxVarInt, 0},
	IDInitialMaxStreamDataBidiLocal:  {0, wire.MaxVarInt, 0},
	IDInitialMaxStreamDataBidiRemote: {0, wire.MaxVarInt, 0},
	IDInitialMaxStreamDataUni:        {0, wire.MaxVarInt, 0},
	IDInitialMaxStreamsBidi:          {0, 1 << 60, 0},
	IDInitialMaxStreamsUni:           {0, 1 << 60, 0},
	IDAckDelayExponent:               {0, 20, 3},
	IDMaxAckDelay:                    {0, (1 << 14) - 1, 25},
	IDActiveConnectionIDLimit:        {2, wire.MaxVarInt, 2},
}

// PreferredAddress is the preferred-address parameter's decoded form.
// Both address families must be set (non-zero), or parsing the
// enclosing parameter fails.
type PreferredAddress struct {
	IPv4Addr            net.IP
	IPv4Port            uint16
	IPv6Addr            net.IP
	IPv6Port            uint16
	ConnectionID        packet.ConnectionID
	StatelessResetToken [16]byte
}

// Params is the decoded transport-parameter set. Unset integer fields are
// reported as their default by Get/accessors. Params does not record
// which parameters were seen on the wire; Parse detects duplicate
// parameters with its own local set while decoding.
type Params struct {
	OriginalDestinationConnectionID *packet.ConnectionID
	StatelessResetToken             *[16]byte
	InitialSourceConnectionID       *packet.ConnectionID
	RetrySourceConnectionID         *packet.ConnectionID
	PreferredAddress                *PreferredAddress
	DisableActiveMigration          bool

	ints map[ID]uint64

	// Custom holds opaque parameters whose ID is not one of the known
	// IDs above and not a GREASE reserved ID, preserved verbatim.
	Custom map[ID][]byte
}

// NewParams returns a Params with every integer parameter at its
// specified default.
func NewParams() *Params {
	return &Params{ints: map[ID]uint64{}, Custom: map[ID][]byte{}}
}

// GetInt returns the value of an integer parameter, or its default if it
// was never set.
func (p *Params) GetInt(id ID) uint64 {
	if v, ok := p.ints[id]; ok {
		return v
	}
	return integerBounds[id].def
}

// SetInt sets an integer parameter's value, validating it against that
// parameter's legal range.
func (p *Params) SetInt(id ID, v uint64) error {
	b, known := integerBounds[id]
	if known && (v < b.min || v > b.max) {
		return fmt.Errorf("transportparams: value %d for parameter %#x out of range [%d, %d]", v, id, b.min, b.max)
	}
	p.ints[id] = v
	return nil
}

// isGrease reports whether id is reserved for GREASE use: id % 31 == 27.
func isGrease(id ID) bool { return uint64(id)%31 == 27 }

func isKnown(id ID) bool {
	switch id {
	case IDOriginalDestinationConnectionID, IDMaxIdleTimeout, IDStatelessResetToken,
		IDMaxUDPPayloadSize, IDInitialMaxData, IDInitialMaxStreamDataBidiLocal,
		IDInitialMaxStreamDataBidiRemote, IDInitialMaxStreamDataUni, IDInitialMaxStreamsBidi,
		IDInitialMaxStreamsUni, IDAckDelayExponent, IDMaxAckDelay, IDDisableActiveMigration,
		IDPreferredAddress, IDActiveConnectionIDLimit, IDInitialSourceConnectionID,
		IDRetrySourceConnectionID:
		return true
	default:
		return false
	}
}

// Serialize writes id||length||value for every set parameter, skipping
// integer parameters equal to their default, then appends one random
// GREASE parameter whose ID satisfies id%31==27 and whose content is
// 0-16 random bytes.
func (p *Params) Serialize() ([]byte, error) {
	w := wire.NewWriter(256)

	for id, b := range integerBounds {
		v, ok := p.ints[id]
		if !ok || v == b.def {
			continue
		}
		writeTLV(w, id, wire.AppendVarInt(nil, v))
	}
	if p.DisableActiveMigration {
		writeTLV(w, IDDisableActiveMigration, nil)
	}
	if p.OriginalDestinationConnectionID != nil {
		writeTLV(w, IDOriginalDestinationConnectionID, p.OriginalDestinationConnectionID.Bytes())
	}
	if p.InitialSourceConnectionID != nil {
		writeTLV(w, IDInitialSourceConnectionID, p.InitialSourceConnectionID.Bytes())
	}
	if p.RetrySourceConnectionID != nil {
		writeTLV(w, IDRetrySourceConnectionID, p.RetrySourceConnectionID.Bytes())
	}
	if p.StatelessResetToken != nil {
		writeTLV(w, IDStatelessResetToken, p.StatelessResetToken[:])
	}
	if p.PreferredAddress != nil {
		writeTLV(w, IDPreferredAddress, serializePreferredAddress(p.PreferredAddress))
	}
	for id, v := range p.Custom {
		if isKnown(id) || isGrease(id) {
			return nil, fmt.Errorf("transportparams: custom parameter %#x collides with a known or GREASE ID", id)
		}
		writeTLV(w, id, v)
	}

	greaseID, greaseVal, err := randomGrease()
	if err != nil {
		return nil, err
	}
	writeTLV(w, greaseID, greaseVal)

	return w.Bytes(), nil
}

func writeTLV(w *wire.Writer, id ID, value []byte) {
	w.WriteVarInt(uint64(id))
	w.WriteVarInt(uint64(len(value)))
	w.Write(value)
}

func randomGrease() (ID, []byte, error) {
	var idBuf [8]byte
	if _, err := rand.Read(idBuf[:]); err != nil {
		return 0, nil, err
	}
	base := ID(0)
	for i, b := range idBuf {
		base += ID(b) << (uint(i) * 8)
	}
	id := (base%1000)*31 + 27
	if id > wire.MaxVarInt {
		id = 27
	}

	var lenByte [1]byte
	if _, err := rand.Read(lenByte[:]); err != nil {
		return 0, nil, err
	}
	n := int(lenByte[0]) % 17 // 0-16 bytes
	val := make([]byte, n)
	if n > 0 {
		if _, err := rand.Read(val); err != nil {
			return 0, nil, err
		}
	}
	return id, val, nil
}

// Parse decodes a serialized transport-parameter block. Receiving the
// same parameter ID twice is a protocol violation and returns an error;
// unknown, non-GREASE-colliding IDs are preserved in Custom.
func Parse(b []byte) (*Params, error) {
	p := NewParams()
	r := wire.NewReader(b)
	seen := map[ID]bool{}

	for r.Len() > 0 {
		idv, err := r.ReadVarInt()
		if err != nil {
			return nil, fmt.Errorf("transportparams: reading id: %w", err)
		}
		id := ID(idv)
		length, err := r.ReadVarInt()
		if err != nil {
			return nil, fmt.Errorf("transportparams: reading length: %w", err)
		}
		value, err := r.ReadN(int(length))
		if err != nil {
			return nil, fmt.Errorf("transportparams: reading value for %#x: %w", id, err)
		}

		if seen[id] {
			return nil, fmt.Errorf("transportparams: parameter %#x received twice", id)
		}
		seen[id] = true

		if err := p.parseOne(id, value); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Params) parseOne(id ID, value []byte) error {
	if b, known := integerBounds[id]; known {
		v, n, ok := wire.ConsumeVarInt(value)
		if !ok || n != len(value) {
			return fmt.Errorf("transportparams: malformed integer for %#x", id)
		}
		if v < b.min || v > b.max {
			return fmt.Errorf("transportparams: value %d for %#x out of range [%d, %d]", v, id, b.min, b.max)
		}
		p.ints[id] = v
		return nil
	}

	switch id {
	case IDDisableActiveMigration:
		p.DisableActiveMigration = true
	case IDOriginalDestinationConnectionID:
		cid := packet.NewConnectionID(value)
		p.OriginalDestinationConnectionID = &cid
	case IDInitialSourceConnectionID:
		cid := packet.NewConnectionID(value)
		p.InitialSourceConnectionID = &cid
	case IDRetrySourceConnectionID:
		cid := packet.NewConnectionID(value)
		p.RetrySourceConnectionID = &cid
	case IDStatelessResetToken:
		if len(value) != 16 {
			return fmt.Errorf("transportparams: stateless_reset_token must be 16 bytes, got %d", len(value))
		}
		var tok [16]byte
		copy(tok[:], value)
		p.StatelessResetToken = &tok
	case IDPreferredAddress:
		pa, err := parsePreferredAddress(value)
		if err != nil {
			return err
		}
		p.PreferredAddress = pa
	default:
		if isGrease(id) {
			return nil // tolerated and discarded
		}
		p.Custom[id] = append([]byte(nil), value...)
	}
	return nil
}

func serializePreferredAddress(pa *PreferredAddress) []byte {
	w := wire.NewWriter(64)
	v4 := pa.IPv4Addr.To4()
	if v4 == nil {
		v4 = make([]byte, 4)
	}
	w.Write(v4)
	w.WriteUint16(pa.IPv4Port)
	v6 := pa.IPv6Addr.To16()
	if v6 == nil {
		v6 = make([]byte, 16)
	}
	w.Write(v6)
	w.WriteUint16(pa.IPv6Port)
	cidBytes := pa.ConnectionID.Bytes()
	w.WriteByte(byte(len(cidBytes)))
	w.Write(cidBytes)
	w.Write(pa.StatelessResetToken[:])
	return w.Bytes()
}

func parsePreferredAddress(value []byte) (*PreferredAddress, error) {
	r := wire.NewReader(value)
	v4, err := r.ReadN(4)
	if err != nil {
		return nil, fmt.Errorf("transportparams: preferred_address ipv4: %w", err)
	}
	v4Port, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}
	v6, err := r.ReadN(16)
	if err != nil {
		return nil, fmt.Errorf("transportparams: preferred_address ipv6: %w", err)
	}
	v6Port, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}
	cidLen, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	cidBytes, err := r.ReadN(int(cidLen))
	if err != nil {
		return nil, err
	}
	tokenBytes, err := r.ReadN(16)
	if err != nil {
		return nil, fmt.Errorf("transportparams: preferred_address token: %w", err)
	}

	allZero := func(b []byte) bool {
		for _, c := range b {
			if c != 0 {
				return false
			}
		}
		return true
	}
	if allZero(v4) || allZero(v6) {
		return nil, fmt.Errorf("transportparams: preferred_address must set both address families")
	}

	var tok [16]byte
	copy(tok[:], tokenBytes)
	return &PreferredAddress{
		IPv4Addr:            net.IP(append([]byte(nil), v4...)),
		IPv4Port:            v4Port,
		IPv6Addr:            net.IP(append([]byte(nil), v6...)),
		IPv6Port:            v6Port,
		ConnectionID:        packet.NewConnectionID(cidBytes),
		StatelessResetToken: tok,
	}, nil
}
