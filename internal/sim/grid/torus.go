package grid

// Pos is a cell on the global toroidal grid.
type Pos struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// WrapAxis folds a candidate coordinate back into [0, extent).
// Candidates are produced at most one cell past either edge, so a single
// add of extent is enough before the modulo.
func WrapAxis(v, extent int) int {
	if v < 0 {
		v += extent
	}
	return v % extent
}

// Wrap folds (x, y) onto a width x height torus.
func Wrap(x, y, width, height int) Pos {
	return Pos{X: WrapAxis(x, width), Y: WrapAxis(y, height)}
}

// Mod is the non-negative remainder for any a (b > 0).
func Mod(a, b int) int {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
