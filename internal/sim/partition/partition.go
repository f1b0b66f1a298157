// Package partition runs one block of the grid.
//
// A Partition owns its heat grid, its agents and its random source, and all
// of that is only ever touched by the goroutine started with Run. Callers
// drive it through blocking request methods (Step, Drain, FillHalo, ...),
// one phase at a time; agents inside a phase are stepped sequentially.
package partition

import (
	"errors"
	"fmt"
	"log"
	"sync/atomic"

	"heatbugs.ai/internal/persistence/snapshot"
	"heatbugs.ai/internal/sim/agent"
	"heatbugs.ai/internal/sim/grid"
	"heatbugs.ai/internal/sim/heat"
	"heatbugs.ai/internal/sim/migration"
	"heatbugs.ai/internal/sim/rng"
)

// Inbox gives a partition access to its own migration channel.
type Inbox interface {
	Drain(rank int) ([]migration.Record, error)
}

type Config struct {
	Rank        int
	Layout      grid.Layout
	Seed        int64
	MaxHeat     float64
	Diffusion   float64
	Evaporation float64
}

// StepStats summarises one Step phase.
type StepStats struct {
	Rank     int     `json:"rank"`
	Agents   int     `json:"agents"`
	Sent     int     `json:"sent"`
	Local    int     `json:"local"`
	Received int     `json:"received"`
	Heat     float64 `json:"heat"`
}

type Metrics struct {
	Rank          int     `json:"rank"`
	Tick          uint64  `json:"tick"`
	Agents        int     `json:"agents"`
	SentTotal     uint64  `json:"sent_total"`
	LocalTotal    uint64  `json:"local_total"`
	ReceivedTotal uint64  `json:"received_total"`
	Heat          float64 `json:"heat"`
}

type Partition struct {
	cfg    Config
	bounds grid.Rect
	field  *heat.Grid
	agents []*agent.Agent
	env    agent.Env
	inbox  Inbox
	log    *log.Logger

	reqs chan request
	done chan struct{}

	tick          atomic.Uint64
	agentCount    atomic.Int64
	sentTotal     atomic.Uint64
	localTotal    atomic.Uint64
	receivedTotal atomic.Uint64
	heatBits      atomic.Uint64
}

var ErrStopped = errors.New("partition stopped")

func New(cfg Config, win migration.Window, inbox Inbox, logger *log.Logger) (*Partition, error) {
	bounds, err := cfg.Layout.Bounds(cfg.Rank)
	if err != nil {
		return nil, err
	}
	if win == nil || inbox == nil {
		return nil, fmt.Errorf("partition %d: window and inbox required", cfg.Rank)
	}
	if logger == nil {
		logger = log.Default()
	}
	field := heat.NewGrid(cfg.Layout.Width, cfg.Layout.Height, bounds, cfg.MaxHeat)
	p := &Partition{
		cfg:    cfg,
		bounds: bounds,
		field:  field,
		inbox:  inbox,
		log:    logger,
		reqs:   make(chan request),
		done:   make(chan struct{}),
		env: agent.Env{
			Field:     field,
			Layout:    cfg.Layout,
			Migration: migration.NewMigrator(win),
			Rand:      rng.New(uint64(cfg.Seed), uint64(cfg.Rank)),
			MaxHeat:   cfg.MaxHeat,
		},
	}
	return p, nil
}

func (p *Partition) Rank() int         { return p.cfg.Rank }
func (p *Partition) Bounds() grid.Rect { return p.bounds }

// Add hands bootstrap agents to the partition. Only valid before Run.
func (p *Partition) Add(agents ...*agent.Agent) error {
	for _, a := range agents {
		if !p.bounds.Contains(a.X, a.Y) {
			return fmt.Errorf("partition %d: agent at (%d,%d) outside %+v", p.cfg.Rank, a.X, a.Y, p.bounds)
		}
		p.agents = append(p.agents, a)
	}
	p.agentCount.Store(int64(len(p.agents)))
	return nil
}

// SeedHeat fills the owned block with noise. Only valid before Run.
func (p *Partition) SeedHeat(amplitude float64) {
	p.field.SeedNoise(p.cfg.Seed, amplitude)
	p.storeHeat()
}

// Restore replaces heat and agents from a snapshot. Only valid before Run.
func (p *Partition) Restore(snap snapshot.SnapshotV1) error {
	if snap.Header.Rank != p.cfg.Rank {
		return fmt.Errorf("partition %d: snapshot is for rank %d", p.cfg.Rank, snap.Header.Rank)
	}
	if snap.Layout.Width != p.cfg.Layout.Width || snap.Layout.Height != p.cfg.Layout.Height ||
		snap.Layout.PH != p.cfg.Layout.PH || snap.Layout.PW != p.cfg.Layout.PW {
		return fmt.Errorf("partition %d: snapshot layout %+v does not match %+v", p.cfg.Rank, snap.Layout, p.cfg.Layout)
	}
	if err := p.field.Load(snap.Cells); err != nil {
		return fmt.Errorf("partition %d: %w", p.cfg.Rank, err)
	}
	p.agents = p.agents[:0]
	for _, a := range snap.Agents {
		var ag *agent.Agent
		if a.Deposited {
			ag = agent.FromRecord(migration.Record{IdealTemp: a.IdealTemp, HeatOutput: a.HeatOutput, RandomMoveProb: a.RandomMoveProb, X: a.X, Y: a.Y})
		} else {
			ag = agent.New(a.IdealTemp, a.HeatOutput, a.RandomMoveProb, a.X, a.Y)
		}
		if err := p.Add(ag); err != nil {
			return err
		}
	}
	p.tick.Store(snap.Header.Tick)
	p.storeHeat()
	return nil
}

// HeatAt reads an owned cell. Other partitions call it during the halo
// phase, while this partition's owned cells are not being written.
func (p *Partition) HeatAt(x, y int) float64 {
	return p.field.Get(x, y)
}

func (p *Partition) Metrics() Metrics {
	return Metrics{
		Rank:          p.cfg.Rank,
		Tick:          p.tick.Load(),
		Agents:        int(p.agentCount.Load()),
		SentTotal:     p.sentTotal.Load(),
		LocalTotal:    p.localTotal.Load(),
		ReceivedTotal: p.receivedTotal.Load(),
		Heat:          loadFloat(&p.heatBits),
	}
}

func (p *Partition) storeHeat() {
	storeFloat(&p.heatBits, p.field.Total())
}
