// Package hashid derives fixed-width command identifiers from descriptors.
// Every field is tagged and length-prefixed before hashing so that fields of
// different semantic type can never collide (an empty signature hashes
// differently from an absent one, a value byte can never bleed into data).
package hashid

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"

	"timelock/internal/domain"
)

const (
	tagTarget    = 0x01
	tagValue     = 0x02
	tagSignature = 0x03
	tagData      = 0x04
	tagFrom      = 0x05
	tagTo        = 0x06

	// Distinct tag space for emergency keys so a registry key can never
	// equal a command identifier for any input.
	tagEmergencyTarget    = 0x11
	tagEmergencySignature = 0x12
)

// SelectorSize is the number of digest bytes prefixed to dispatch payloads
// for a non-empty signature.
const SelectorSize = 4

// Derive computes the identifier for a command descriptor. Pure and total:
// identical descriptors always yield identical identifiers.
func Derive(d domain.Descriptor) string {
	h := sha256.New()
	writeTagged(h, tagTarget, []byte(d.Target))
	writeTagged(h, tagValue, uint64Bytes(d.Value))
	writeTagged(h, tagSignature, []byte(d.Signature))
	writeTagged(h, tagData, d.Data)
	writeTagged(h, tagFrom, uint64Bytes(uint64(d.WindowFrom)))
	writeTagged(h, tagTo, uint64Bytes(uint64(d.WindowTo)))
	return hex.EncodeToString(h.Sum(nil))
}

// EmergencyKey computes the registry key for a (target, signature) pair.
func EmergencyKey(target, signature string) string {
	h := sha256.New()
	writeTagged(h, tagEmergencyTarget, []byte(target))
	writeTagged(h, tagEmergencySignature, []byte(signature))
	return hex.EncodeToString(h.Sum(nil))
}

// Selector returns the payload prefix for a function signature: the first
// SelectorSize bytes of the signature digest.
func Selector(signature string) []byte {
	sum := sha256.Sum256([]byte(signature))
	return sum[:SelectorSize]
}

func writeTagged(h hash.Hash, tag byte, b []byte) {
	var ln [8]byte
	binary.BigEndian.PutUint64(ln[:], uint64(len(b)))
	h.Write([]byte{tag})
	h.Write(ln[:])
	h.Write(b)
}

func uint64Bytes(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}
