// Package heat stores the per-partition slice of the global heat field.
//
// A Grid covers the block a partition owns plus a one-cell halo ring, and is
// addressed with global coordinates. Only the owning partition's goroutine
// touches a Grid; the halo is refreshed between ticks by copying the border
// cells of neighbouring partitions.
package heat

import (
	"errors"
	"fmt"

	"heatbugs.ai/internal/sim/grid"
)

// Field is the narrow view agents get of the heat field.
type Field interface {
	Get(x, y int) float64
	// Set stores v clamped to [0, max].
	Set(x, y int, v float64) error
}

var (
	ErrOutsideHalo = errors.New("cell outside partition halo")
	ErrHaloWrite   = errors.New("write to halo cell")
)

type Grid struct {
	width  int
	height int
	own    grid.Rect
	max    float64

	stride  int
	cells   []float64
	scratch []float64
}

func NewGrid(width, height int, own grid.Rect, maxHeat float64) *Grid {
	stride := own.H + 2
	n := (own.W + 2) * stride
	return &Grid{
		width:   width,
		height:  height,
		own:     own,
		max:     maxHeat,
		stride:  stride,
		cells:   make([]float64, n),
		scratch: make([]float64, n),
	}
}

func (g *Grid) Owned() grid.Rect { return g.own }
func (g *Grid) Max() float64     { return g.max }

func localAxis(v, origin, size, extent int) (int, bool) {
	r := grid.Mod(v-origin, extent)
	switch {
	case r < size:
		return r, true
	case r == size:
		return size, true
	case r == extent-1:
		return -1, true
	}
	return 0, false
}

func (g *Grid) index(x, y int) (idx int, owned bool, err error) {
	lx, ok := localAxis(x, g.own.X0, g.own.W, g.width)
	if !ok {
		return 0, false, fmt.Errorf("%w: (%d,%d) own=%+v", ErrOutsideHalo, x, y, g.own)
	}
	ly, ok := localAxis(y, g.own.Y0, g.own.H, g.height)
	if !ok {
		return 0, false, fmt.Errorf("%w: (%d,%d) own=%+v", ErrOutsideHalo, x, y, g.own)
	}
	owned = lx >= 0 && lx < g.own.W && ly >= 0 && ly < g.own.H
	return (lx+1)*g.stride + (ly + 1), owned, nil
}

// Get reads an owned or halo cell. Reading further away is a programming
// error: agents only look one cell around a cell their partition owns.
func (g *Grid) Get(x, y int) float64 {
	i, _, err := g.index(x, y)
	if err != nil {
		panic(err)
	}
	return g.cells[i]
}

func (g *Grid) Set(x, y int, v float64) error {
	i, owned, err := g.index(x, y)
	if err != nil {
		return err
	}
	if !owned {
		return fmt.Errorf("%w: (%d,%d)", ErrHaloWrite, x, y)
	}
	g.cells[i] = g.clamp(v)
	return nil
}

func (g *Grid) clamp(v float64) float64 {
	if v > g.max {
		return g.max
	}
	if v < 0 {
		return 0
	}
	return v
}

// FillHalo refreshes the ring around the owned block from lookup, which is
// called with wrapped global coordinates of cells other partitions own.
func (g *Grid) FillHalo(lookup func(x, y int) float64) {
	for lx := -1; lx <= g.own.W; lx++ {
		for ly := -1; ly <= g.own.H; ly++ {
			if lx >= 0 && lx < g.own.W && ly >= 0 && ly < g.own.H {
				continue
			}
			gx := grid.Mod(g.own.X0+lx, g.width)
			gy := grid.Mod(g.own.Y0+ly, g.height)
			g.cells[(lx+1)*g.stride+(ly+1)] = lookup(gx, gy)
		}
	}
}

// Diffuse spreads heat toward the 3x3 neighbourhood mean and evaporates:
// new = evaporation * (old + diffusion * (mean - old)). The halo must be
// fresh; it is stale afterwards.
func (g *Grid) Diffuse(diffusion, evaporation float64) {
	for lx := 0; lx < g.own.W; lx++ {
		for ly := 0; ly < g.own.H; ly++ {
			c := (lx+1)*g.stride + (ly + 1)
			sum := 0.0
			for dx := -1; dx <= 1; dx++ {
				row := c + dx*g.stride
				sum += g.cells[row-1] + g.cells[row] + g.cells[row+1]
			}
			old := g.cells[c]
			g.scratch[c] = g.clamp(evaporation * (old + diffusion*(sum/9-old)))
		}
	}
	g.cells, g.scratch = g.scratch, g.cells
}

// Cells returns the owned block, x-major.
func (g *Grid) Cells() []float64 {
	out := make([]float64, 0, g.own.Area())
	for lx := 0; lx < g.own.W; lx++ {
		base := (lx+1)*g.stride + 1
		out = append(out, g.cells[base:base+g.own.H]...)
	}
	return out
}

// Load replaces the owned block with cells in Cells order.
func (g *Grid) Load(cells []float64) error {
	if len(cells) != g.own.Area() {
		return fmt.Errorf("heat cells: got %d want %d", len(cells), g.own.Area())
	}
	for lx := 0; lx < g.own.W; lx++ {
		base := (lx+1)*g.stride + 1
		for ly := 0; ly < g.own.H; ly++ {
			g.cells[base+ly] = g.clamp(cells[lx*g.own.H+ly])
		}
	}
	return nil
}

func (g *Grid) Total() float64 {
	sum := 0.0
	for lx := 0; lx < g.own.W; lx++ {
		base := (lx+1)*g.stride + 1
		for ly := 0; ly < g.own.H; ly++ {
			sum += g.cells[base+ly]
		}
	}
	return sum
}
