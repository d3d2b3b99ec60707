package simulation

import (
	"hash/fnv"
	"math/rand/v2"
)

// RandomSource yields uniform draws in [0,1).
//
// Each vehicle gets its own source so concurrent workers never share
// generator state and a seeded run replays exactly.
type RandomSource interface {
	Float64() float64
}

// NewSource returns a source seeded from the run seed and a per-vehicle key.
func NewSource(seed int64, key string) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(key))
	return rand.New(rand.NewPCG(uint64(seed), h.Sum64()))
}

// uniform draws from U(lo, hi).
func uniform(rng RandomSource, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}
