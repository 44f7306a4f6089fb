package poolmsg

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// ComputePoolID derives the 64-hex-char pool identifier from the
// initiator's public key and a microsecond unix timestamp:
// id = lower-hex(SHA256(initiator_pubkey || microseconds_be)).
func ComputePoolID(initiator PubKey, microseconds uint64) string {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], microseconds)
	h := sha256.New()
	h.Write(initiator[:])
	h.Write(ts[:])
	return hex.EncodeToString(h.Sum(nil))
}
