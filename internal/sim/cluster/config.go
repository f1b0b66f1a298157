package cluster

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"heatbugs.ai/internal/sim/grid"
)

type Config struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
	PH     int `yaml:"p_h"`
	PW     int `yaml:"p_w"`

	Population int   `yaml:"population"`
	Seed       int64 `yaml:"seed"`

	// ChannelCapacity is the receive buffer size per partition, in records.
	// Zero means Population, which can never overflow.
	ChannelCapacity int `yaml:"channel_capacity,omitempty"`
}

func Defaults() Config {
	return Config{
		Width:      100,
		Height:     100,
		PH:         2,
		PW:         2,
		Population: 100,
		Seed:       1337,
	}
}

func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("cluster.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("cluster.yaml: %w", err)
	}
	return cfg, nil
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	if c.ChannelCapacity <= 0 {
		c.ChannelCapacity = c.Population
	}
}

func (c Config) Validate() error {
	if _, err := c.Layout(); err != nil {
		return err
	}
	if c.Population < 0 {
		return fmt.Errorf("population must be >= 0")
	}
	if c.Population > c.Width*c.Height {
		return fmt.Errorf("population %d exceeds %d cells", c.Population, c.Width*c.Height)
	}
	capacity := c.ChannelCapacity
	if capacity <= 0 {
		capacity = c.Population
	}
	if capacity < c.Population {
		// Every agent may walk into the same partition in one tick.
		return fmt.Errorf("channel_capacity %d smaller than population %d", capacity, c.Population)
	}
	return nil
}

func (c Config) Layout() (grid.Layout, error) {
	return grid.NewLayout(c.Width, c.Height, c.PH, c.PW)
}
