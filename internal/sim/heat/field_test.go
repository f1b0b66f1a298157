package heat

import (
	"errors"
	"math"
	"testing"

	"heatbugs.ai/internal/sim/grid"
)

func wholeGrid(w, h int, maxHeat float64) *Grid {
	return NewGrid(w, h, grid.Rect{X0: 0, Y0: 0, W: w, H: h}, maxHeat)
}

func TestGrid_SetClampsToMax(t *testing.T) {
	g := wholeGrid(4, 4, 100)
	for i := 0; i < 50; i++ {
		if err := g.Set(1, 1, g.Get(1, 1)+7.5); err != nil {
			t.Fatalf("set: %v", err)
		}
		if v := g.Get(1, 1); v > 100 {
			t.Fatalf("deposit %d: heat=%v exceeds max", i, v)
		}
	}
	if v := g.Get(1, 1); v != 100 {
		t.Fatalf("heat=%v want=100", v)
	}
	if err := g.Set(2, 2, -3); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v := g.Get(2, 2); v != 0 {
		t.Fatalf("negative heat stored: %v", v)
	}
}

func TestGrid_WholeTorusAliasesHalo(t *testing.T) {
	g := wholeGrid(5, 5, 10)
	_ = g.Set(4, 0, 3)
	g.FillHalo(g.Get)
	if v := g.Get(-1, 0); v != 3 {
		t.Fatalf("Get(-1,0)=%v want=3", v)
	}
	if v := g.Get(4, 5); v != 3 {
		t.Fatalf("Get(4,5)=%v want=3", v)
	}
}

func TestGrid_HaloFromNeighbour(t *testing.T) {
	l, err := grid.NewLayout(8, 4, 1, 2)
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	b0, _ := l.Bounds(0)
	b1, _ := l.Bounds(1)
	g0 := NewGrid(8, 4, b0, 50)
	g1 := NewGrid(8, 4, b1, 50)
	for y := 0; y < 4; y++ {
		_ = g1.Set(4, y, float64(10+y))
		_ = g1.Set(7, y, float64(20+y))
	}
	lookup := func(x, y int) float64 {
		if b0.Contains(x, y) {
			return g0.Get(x, y)
		}
		return g1.Get(x, y)
	}
	g0.FillHalo(lookup)

	if v := g0.Get(4, 2); v != 12 {
		t.Fatalf("east halo=%v want=12", v)
	}
	if v := g0.Get(-1, 3); v != 23 {
		t.Fatalf("west halo (wrapped)=%v want=23", v)
	}
	if err := g0.Set(4, 2, 1); !errors.Is(err, ErrHaloWrite) {
		t.Fatalf("halo write err=%v want ErrHaloWrite", err)
	}
	if err := g0.Set(6, 2, 1); !errors.Is(err, ErrOutsideHalo) {
		t.Fatalf("far write err=%v want ErrOutsideHalo", err)
	}
}

func TestGrid_DiffuseUniformEvaporates(t *testing.T) {
	g := wholeGrid(6, 6, 1000)
	cells := make([]float64, 36)
	for i := range cells {
		cells[i] = 100
	}
	if err := g.Load(cells); err != nil {
		t.Fatalf("load: %v", err)
	}
	g.FillHalo(g.Get)
	g.Diffuse(1.0, 0.5)
	for _, v := range g.Cells() {
		if math.Abs(v-50) > 1e-9 {
			t.Fatalf("cell=%v want=50", v)
		}
	}
}

func TestGrid_DiffuseSpreadsPeak(t *testing.T) {
	g := wholeGrid(5, 5, 1000)
	_ = g.Set(2, 2, 90)
	g.FillHalo(g.Get)
	before := g.Total()
	g.Diffuse(1.0, 1.0)
	if v := g.Get(2, 2); math.Abs(v-10) > 1e-9 {
		t.Fatalf("center=%v want=10", v)
	}
	if v := g.Get(1, 3); math.Abs(v-10) > 1e-9 {
		t.Fatalf("neighbour=%v want=10", v)
	}
	if math.Abs(g.Total()-before) > 1e-9 {
		t.Fatalf("total changed without evaporation: %v -> %v", before, g.Total())
	}
}

func TestGrid_SeedNoiseWithinAmplitude(t *testing.T) {
	g := wholeGrid(16, 16, 1000)
	g.SeedNoise(7, 30)
	nonzero := 0
	for _, v := range g.Cells() {
		if v < 0 || v > 30 {
			t.Fatalf("seeded heat %v outside [0,30]", v)
		}
		if v > 0 {
			nonzero++
		}
	}
	if nonzero == 0 {
		t.Fatalf("noise produced an empty field")
	}
}
