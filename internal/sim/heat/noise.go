package heat

import (
	opensimplex "github.com/ojrac/opensimplex-go"
)

const noiseFrequency = 0.08

// SeedNoise fills the owned block with a smooth initial landscape in
// [0, amplitude]. Sampling uses global coordinates so neighbouring
// partitions agree along their shared edges.
func (g *Grid) SeedNoise(seed int64, amplitude float64) {
	if amplitude <= 0 {
		return
	}
	noise := opensimplex.NewNormalized(seed)
	for lx := 0; lx < g.own.W; lx++ {
		for ly := 0; ly < g.own.H; ly++ {
			x := float64(g.own.X0 + lx)
			y := float64(g.own.Y0 + ly)
			v := noise.Eval2(x*noiseFrequency, y*noiseFrequency) * amplitude
			g.cells[(lx+1)*g.stride+(ly+1)] = g.clamp(v)
		}
	}
}
