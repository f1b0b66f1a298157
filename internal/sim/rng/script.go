package rng

import "fmt"

// Script replays a fixed sequence of draws. Each method consumes from its
// own queue and panics when the queue is exhausted, which makes an
// unexpected extra draw fail loudly in tests.
type Script struct {
	Bernoullis []bool
	Coins      []bool
	Ints       []int
	Floats     []float64

	CoinCalls int
}

func (s *Script) Bernoulli(float64) bool {
	if len(s.Bernoullis) == 0 {
		panic("rng.Script: bernoulli queue exhausted")
	}
	v := s.Bernoullis[0]
	s.Bernoullis = s.Bernoullis[1:]
	return v
}

func (s *Script) Coin() bool {
	s.CoinCalls++
	if len(s.Coins) == 0 {
		panic("rng.Script: coin queue exhausted")
	}
	v := s.Coins[0]
	s.Coins = s.Coins[1:]
	return v
}

func (s *Script) IntN(n int) int {
	if len(s.Ints) == 0 {
		panic("rng.Script: int queue exhausted")
	}
	v := s.Ints[0]
	s.Ints = s.Ints[1:]
	if v < 0 || v >= n {
		panic(fmt.Sprintf("rng.Script: scripted int %d outside [0,%d)", v, n))
	}
	return v
}

func (s *Script) Float64() float64 {
	if len(s.Floats) == 0 {
		panic("rng.Script: float queue exhausted")
	}
	v := s.Floats[0]
	s.Floats = s.Floats[1:]
	return v
}
