package grid

import (
	"errors"
	"fmt"
)

var ErrUnknownPartition = errors.New("unknown partition")

// Layout is a fixed block decomposition of a Width x Height torus into
// PW x PH partitions. CellHeight is the x extent of one block and CellWidth
// the y extent, so a rank is (x / CellHeight) * PH + (y / CellWidth).
type Layout struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
	PH     int `json:"p_h" yaml:"p_h"`
	PW     int `json:"p_w" yaml:"p_w"`

	CellHeight int `json:"cell_height" yaml:"-"`
	CellWidth  int `json:"cell_width" yaml:"-"`
}

// Rect is a half-open block [X0, X0+W) x [Y0, Y0+H) of the global grid.
type Rect struct {
	X0 int `json:"x0"`
	Y0 int `json:"y0"`
	W  int `json:"w"`
	H  int `json:"h"`
}

func (r Rect) Contains(x, y int) bool {
	return x >= r.X0 && x < r.X0+r.W && y >= r.Y0 && y < r.Y0+r.H
}

func (r Rect) Area() int { return r.W * r.H }

func NewLayout(width, height, ph, pw int) (Layout, error) {
	l := Layout{Width: width, Height: height, PH: ph, PW: pw}
	if err := l.Validate(); err != nil {
		return Layout{}, err
	}
	l.derive()
	return l, nil
}

func (l *Layout) derive() {
	l.CellHeight = l.Width / l.PW
	l.CellWidth = l.Height / l.PH
}

func (l Layout) Validate() error {
	if l.Width <= 0 || l.Height <= 0 {
		return fmt.Errorf("grid %dx%d must be positive", l.Width, l.Height)
	}
	if l.PH <= 0 || l.PW <= 0 {
		return fmt.Errorf("partition grid p_h=%d p_w=%d must be positive", l.PH, l.PW)
	}
	if l.Width%l.PW != 0 {
		return fmt.Errorf("width %d not divisible by p_w %d", l.Width, l.PW)
	}
	if l.Height%l.PH != 0 {
		return fmt.Errorf("height %d not divisible by p_h %d", l.Height, l.PH)
	}
	return nil
}

// Normalize fills the derived block sizes (e.g. after YAML decode).
func (l *Layout) Normalize() {
	if l.PW > 0 && l.PH > 0 {
		l.derive()
	}
}

func (l Layout) Partitions() int { return l.PH * l.PW }

// OwnerOf returns the rank owning (x, y). Coordinates must already be wrapped.
func (l Layout) OwnerOf(x, y int) int {
	return (x/l.CellHeight)*l.PH + y/l.CellWidth
}

// Bounds is the inverse of OwnerOf: the block owned by rank.
func (l Layout) Bounds(rank int) (Rect, error) {
	if rank < 0 || rank >= l.Partitions() {
		return Rect{}, fmt.Errorf("%w: rank %d of %d", ErrUnknownPartition, rank, l.Partitions())
	}
	return Rect{
		X0: (rank / l.PH) * l.CellHeight,
		Y0: (rank % l.PH) * l.CellWidth,
		W:  l.CellHeight,
		H:  l.CellWidth,
	}, nil
}

func (l Layout) Wrap(x, y int) Pos {
	return Wrap(x, y, l.Width, l.Height)
}
