// Package rng holds the random draws the movement policy consumes. The
// source is always passed in explicitly so tests can pin a seed or script
// the exact sequence of draws.
package rng

import "math/rand/v2"

type Source interface {
	// Bernoulli returns true with probability p.
	Bernoulli(p float64) bool
	// Coin is an independent fair draw.
	Coin() bool
	// IntN returns a uniform int in [0, n).
	IntN(n int) int
	// Float64 returns a uniform float in [0, 1).
	Float64() float64
}

// PCG is a seeded Source. Not safe for concurrent use: each partition owns one.
type PCG struct {
	r *rand.Rand
}

func New(seed uint64, stream uint64) *PCG {
	return &PCG{r: rand.New(rand.NewPCG(seed, stream))}
}

func (p *PCG) Bernoulli(prob float64) bool {
	if prob <= 0 {
		return false
	}
	if prob >= 1 {
		return true
	}
	return p.r.Float64() < prob
}

func (p *PCG) Coin() bool { return p.r.Uint64()&1 == 1 }

func (p *PCG) IntN(n int) int { return p.r.IntN(n) }

func (p *PCG) Float64() float64 { return p.r.Float64() }

// Range returns a uniform float in [lo, hi].
func Range(s Source, lo, hi float64) float64 {
	if hi <= lo {
		return lo
	}
	return lo + s.Float64()*(hi-lo)
}
