package transportparams

import (
	"crypto/sha256"

	"github.com/klzgrad/naiveproxy-sub075/modules/quicengine/wire"
)

// ResumptionHash computes the digest a 0-RTT resumption ticket carries so
// a resuming connection can detect that the server's transport
// parameters changed since the ticket was issued. A mismatch on
// resumption means 0-RTT must be aborted (falling back to 1-RTT).
func (p *Params) ResumptionHash(version uint32, appData []byte) [32]byte {
	w := wire.NewWriter(256)
	w.WriteUint32(version)
	w.WriteVarInt(uint64(len(appData)))
	w.Write(appData)
	w.WriteUint32(version) // parameter_version: tied to the same version space
	for id := IDOriginalDestinationConnectionID; id <= IDRetrySourceConnectionID; id++ {
		if _, ok := integerBounds[id]; !ok {
			continue
		}
		w.WriteVarInt(uint64(id))
		w.WriteVarInt(p.GetInt(id))
	}
	if p.DisableActiveMigration {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
	return sha256.Sum256(w.Bytes())
}
