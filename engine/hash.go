package engine

import (
	"crypto/sha256"
	"encoding/binary"
)

// hashSeed is the fixed seed for composite hashing. Changing it would
// reshuffle every A/B-test bucket assignment, so it is a constant, not
// configuration.
const hashSeed = "flowgraph/v1"

// HashComposite computes a stable, seeded, order-sensitive 64-bit hash
// over the given string parts (e.g. [nodeID, definitionVersion, keyValue]).
//
// The hash is a pure function of its inputs and the fixed seed: the same
// parts produce the same value across repeated evaluations and across
// process restarts. No randomness and no wall clock are involved, which is
// what makes deterministic A/B bucketing and sticky assignment possible.
//
// Each part is length-prefixed before hashing so that part boundaries are
// unambiguous: ["ab","c"] and ["a","bc"] hash differently.
func HashComposite(parts []string) uint64 {
	h := sha256.New()
	h.Write([]byte(hashSeed))
	var lenBuf [4]byte
	for _, p := range parts {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(p)))
		h.Write(lenBuf[:])
		h.Write([]byte(p))
	}
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

// ToBucket maps a hash into [0, bucketCount). A bucketCount of zero or
// less returns 0.
func ToBucket(hash uint64, bucketCount int) int {
	if bucketCount <= 0 {
		return 0
	}
	return int(hash % uint64(bucketCount))
}
