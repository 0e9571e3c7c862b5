package bench

import (
	"math/rand/v2"
)

// FastRandom is a seeded generator; equal seeds give equal sequences.
type FastRandom struct {
	r *rand.Rand
}

func NewFastRandom(seed uint64) *FastRandom {
	return &FastRandom{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Next returns a value in [lo, hi].
func (f *FastRandom) Next(lo, hi uint32) uint32 {
	if hi <= lo {
		return lo
	}
	return lo + uint32(f.r.Uint64N(uint64(hi-lo)+1))
}

// Fill returns n values in [lo, hi].
func (f *FastRandom) Fill(n int, lo, hi uint32) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = f.Next(lo, hi)
	}
	return out
}
