package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	TickRateHz         int `yaml:"tick_rate_hz"`
	SnapshotEveryTicks int `yaml:"snapshot_every_ticks"`

	MaxHeat         float64 `yaml:"max_heat"`
	DiffusionRate   float64 `yaml:"diffusion_rate"`
	EvaporationRate float64 `yaml:"evaporation_rate"`
	InitialHeatAmp  float64 `yaml:"initial_heat_amplitude"`

	Bugs BugTuning `yaml:"bugs"`
}

// BugTuning bounds the preferences new agents are drawn with.
type BugTuning struct {
	MinIdealTemp          float64 `yaml:"min_ideal_temp"`
	MaxIdealTemp          float64 `yaml:"max_ideal_temp"`
	MinOutputHeat         float64 `yaml:"min_output_heat"`
	MaxOutputHeat         float64 `yaml:"max_output_heat"`
	RandomMoveProbability float64 `yaml:"random_move_probability"`
}

func Defaults() Tuning {
	return Tuning{
		TickRateHz:         20,
		SnapshotEveryTicks: 500,
		MaxHeat:            32000,
		DiffusionRate:      1.0,
		EvaporationRate:    0.99,
		InitialHeatAmp:     0,
		Bugs: BugTuning{
			MinIdealTemp:          17000,
			MaxIdealTemp:          31000,
			MinOutputHeat:         6000,
			MaxOutputHeat:         10000,
			RandomMoveProbability: 0.1,
		},
	}
}

// Load reads a tuning file over Defaults, so a partial file only overrides
// what it names.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	if t.TickRateHz < 0 {
		return fmt.Errorf("tick_rate_hz must be >= 0")
	}
	if t.SnapshotEveryTicks < 0 {
		return fmt.Errorf("snapshot_every_ticks must be >= 0")
	}
	if t.MaxHeat <= 0 {
		return fmt.Errorf("max_heat must be > 0")
	}
	if t.DiffusionRate < 0 || t.DiffusionRate > 1 {
		return fmt.Errorf("diffusion_rate must be in [0,1]")
	}
	if t.EvaporationRate < 0 || t.EvaporationRate > 1 {
		return fmt.Errorf("evaporation_rate must be in [0,1]")
	}
	b := t.Bugs
	if b.MinIdealTemp > b.MaxIdealTemp {
		return fmt.Errorf("bugs.min_ideal_temp > bugs.max_ideal_temp")
	}
	if b.MinOutputHeat > b.MaxOutputHeat {
		return fmt.Errorf("bugs.min_output_heat > bugs.max_output_heat")
	}
	if b.RandomMoveProbability < 0 || b.RandomMoveProbability > 1 {
		return fmt.Errorf("bugs.random_move_probability must be in [0,1]")
	}
	return nil
}
