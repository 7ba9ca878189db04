package core

import (
	"crypto/sha256"
	"encoding/hex"
)

// Key is the content address of one formatting outcome: a hex sha256 over the
// input bytes, the profile identifier, and the formatter version. Identical
// (input, profile, version) triples always collapse to one key.
type Key string

func (k Key) String() string {
	return string(k)
}

// Shard returns the two-character fan-out prefix used for the on-disk layout.
func (k Key) Shard() string {
	if len(k) < 2 {
		return "00"
	}
	return string(k[:2])
}

// ComputeKey derives the deterministic cache key for a formatting request.
// The profile ID and version are length-prefix separated from the payload so
// distinct triples can never collide by concatenation.
func ComputeKey(input []byte, profileID, version string) Key {
	h := sha256.New()
	writeField(h.Write, []byte(profileID))
	writeField(h.Write, []byte(version))
	writeField(h.Write, input)
	return Key(hex.EncodeToString(h.Sum(nil)))
}

func writeField(write func([]byte) (int, error), field []byte) {
	var sizeBuf [8]byte
	size := uint64(len(field))
	for i := 0; i < 8; i++ {
		sizeBuf[i] = byte(size >> (8 * i))
	}
	write(sizeBuf[:])
	write(field)
}
