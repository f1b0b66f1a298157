package migration

import (
	"fmt"
	"math"
)

// RecordSlots is the encoded size of one Record in buffer slots (float64).
const RecordSlots = 5

// Record is the state a migrating agent carries to its new owner. The slot
// layout is fixed: ideal temperature, heat output, random-move probability,
// x, y. Destinations rebuild agents from exactly these five values.
type Record struct {
	IdealTemp      float64 `json:"ideal_temp"`
	HeatOutput     float64 `json:"heat_output"`
	RandomMoveProb float64 `json:"random_move_prob"`
	X              int     `json:"x"`
	Y              int     `json:"y"`
}

func (r Record) Encode() [RecordSlots]float64 {
	return [RecordSlots]float64{r.IdealTemp, r.HeatOutput, r.RandomMoveProb, float64(r.X), float64(r.Y)}
}

func DecodeRecord(s []float64) (Record, error) {
	if len(s) < RecordSlots {
		return Record{}, fmt.Errorf("record: %d slots, need %d", len(s), RecordSlots)
	}
	x, y := s[3], s[4]
	if x != math.Trunc(x) || y != math.Trunc(y) {
		return Record{}, fmt.Errorf("record: non-integral position (%v,%v)", x, y)
	}
	return Record{
		IdealTemp:      s[0],
		HeatOutput:     s[1],
		RandomMoveProb: s[2],
		X:              int(x),
		Y:              int(y),
	}, nil
}
