package agent

import (
	"heatbugs.ai/internal/sim/grid"
	"heatbugs.ai/internal/sim/heat"
	"heatbugs.ai/internal/sim/rng"
)

// ChooseTarget picks where an agent at pos goes next. The result is an
// absolute, unwrapped cell at most one step away (possibly pos itself).
//
// With probability randomMoveProb it takes a uniform step in {-1,0,1}^2.
// Otherwise it heads for the coldest neighbour when too warm and the warmest
// when too cold, and stays when exactly at its ideal temperature.
func ChooseTarget(pos grid.Pos, idealTemp, randomMoveProb float64, field heat.Field, r rng.Source) grid.Pos {
	if r.Bernoulli(randomMoveProb) {
		return grid.Pos{X: pos.X + r.IntN(3) - 1, Y: pos.Y + r.IntN(3) - 1}
	}
	t := field.Get(pos.X, pos.Y)
	switch {
	case t > idealTemp:
		return scanNeighbours(pos, field, r, func(cand, best float64) bool { return cand < best })
	case t < idealTemp:
		return scanNeighbours(pos, field, r, func(cand, best float64) bool { return cand > best })
	default:
		return pos
	}
}

// scanNeighbours walks the eight neighbours in dx-major order. A tie with the
// current best is broken by a fresh coin per tied candidate, which keeps a
// flat field from pulling everyone toward the first cell scanned.
func scanNeighbours(pos grid.Pos, field heat.Field, r rng.Source, better func(cand, best float64) bool) grid.Pos {
	var (
		best     grid.Pos
		bestHeat float64
		found    bool
	)
	for dx := -1; dx <= 1; dx++ {
		for dy := -1; dy <= 1; dy++ {
			if dx == 0 && dy == 0 {
				continue
			}
			c := grid.Pos{X: pos.X + dx, Y: pos.Y + dy}
			h := field.Get(c.X, c.Y)
			if !found || better(h, bestHeat) || (h == bestHeat && r.Coin()) {
				best, bestHeat, found = c, h, true
			}
		}
	}
	return best
}
