// Package cluster schedules a set of partitions in lockstep.
//
// A tick is a sequence of phases separated by barriers: every partition
// steps its agents (in parallel across partitions), then every partition
// drains its migration channel, then halos are exchanged, heat diffuses and
// halos are exchanged again. Partitions only interact through migration
// windows during the step phase and through read-only border lookups during
// the halo phase.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"heatbugs.ai/internal/persistence/snapshot"
	"heatbugs.ai/internal/sim/agent"
	"heatbugs.ai/internal/sim/grid"
	"heatbugs.ai/internal/sim/migration"
	"heatbugs.ai/internal/sim/partition"
	"heatbugs.ai/internal/sim/rng"
	"heatbugs.ai/internal/sim/tuning"
)

// TickLogEntry is written once per completed tick.
type TickLogEntry struct {
	RunID          string                `json:"run_id"`
	Tick           uint64                `json:"tick"`
	Agents         int                   `json:"agents"`
	Migrations     int                   `json:"migrations"`
	CrossPartition int                   `json:"cross_partition"`
	Heat           float64               `json:"heat"`
	DurationMS     float64               `json:"duration_ms"`
	Partitions     []partition.StepStats `json:"partitions"`
}

type TickLogger interface {
	WriteTick(entry TickLogEntry) error
}

type Options struct {
	// Inbox holds every partition's channel. Built from Config when nil.
	Inbox *migration.LocalWindow
	// Window is what senders reserve and write through. Inbox when nil.
	Window migration.Window
	// WindowFor, when set, gives each partition its own window and takes
	// precedence over Window.
	WindowFor func(rank int) (migration.Window, error)

	RunID  string
	Logger *log.Logger
}

var ErrAgentCountDrift = errors.New("agent count drift")

type Cluster struct {
	cfg    Config
	tune   tuning.Tuning
	layout grid.Layout
	runID  string
	log    *log.Logger

	inbox *migration.LocalWindow
	parts []*partition.Partition

	tick       atomic.Uint64
	population int
	started    bool
	wg         sync.WaitGroup

	mu       sync.Mutex
	tickLog  TickLogger
	snapSink chan<- []snapshot.SnapshotV1
}

// NewInbox builds one empty channel per partition.
func NewInbox(cfg Config) (*migration.LocalWindow, error) {
	cfg.Normalize()
	layout, err := cfg.Layout()
	if err != nil {
		return nil, err
	}
	chans := make([]*migration.Channel, layout.Partitions())
	for r := range chans {
		chans[r] = migration.NewChannel(r, cfg.ChannelCapacity)
	}
	return migration.NewLocalWindow(chans), nil
}

func New(cfg Config, tune tuning.Tuning, opts Options) (*Cluster, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := tune.Validate(); err != nil {
		return nil, err
	}
	layout, err := cfg.Layout()
	if err != nil {
		return nil, err
	}
	inbox := opts.Inbox
	if inbox == nil {
		if inbox, err = NewInbox(cfg); err != nil {
			return nil, err
		}
	}
	win := opts.Window
	if win == nil {
		win = inbox
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	c := &Cluster{
		cfg:    cfg,
		tune:   tune,
		layout: layout,
		runID:  runID,
		log:    logger,
		inbox:  inbox,
	}
	for r := 0; r < layout.Partitions(); r++ {
		pw := win
		if opts.WindowFor != nil {
			if pw, err = opts.WindowFor(r); err != nil {
				return nil, fmt.Errorf("window for partition %d: %w", r, err)
			}
		}
		p, err := partition.New(partition.Config{
			Rank:        r,
			Layout:      layout,
			Seed:        cfg.Seed,
			MaxHeat:     tune.MaxHeat,
			Diffusion:   tune.DiffusionRate,
			Evaporation: tune.EvaporationRate,
		}, pw, inbox, logger)
		if err != nil {
			return nil, err
		}
		c.parts = append(c.parts, p)
	}
	return c, nil
}

func (c *Cluster) RunID() string                 { return c.runID }
func (c *Cluster) Layout() grid.Layout           { return c.layout }
func (c *Cluster) CurrentTick() uint64           { return c.tick.Load() }
func (c *Cluster) Population() int               { return c.population }
func (c *Cluster) Inbox() *migration.LocalWindow { return c.inbox }

func (c *Cluster) SetTickLogger(l TickLogger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickLog = l
}

// SetSnapshotSink receives one slice of per-partition snapshots every
// tuning.SnapshotEveryTicks ticks. Sends never block the tick loop.
func (c *Cluster) SetSnapshotSink(ch chan<- []snapshot.SnapshotV1) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapSink = ch
}

// Populate places the configured number of fresh agents uniformly over the
// grid and seeds the heat landscape. Call before Start.
func (c *Cluster) Populate() error {
	if c.started {
		return fmt.Errorf("populate after start")
	}
	r := rng.New(uint64(c.cfg.Seed), 1<<32)
	b := c.tune.Bugs
	for i := 0; i < c.cfg.Population; i++ {
		x := r.IntN(c.layout.Width)
		y := r.IntN(c.layout.Height)
		a := agent.New(
			rng.Range(r, b.MinIdealTemp, b.MaxIdealTemp),
			rng.Range(r, b.MinOutputHeat, b.MaxOutputHeat),
			b.RandomMoveProbability,
			x, y,
		)
		if err := c.parts[c.layout.OwnerOf(x, y)].Add(a); err != nil {
			return err
		}
	}
	for _, p := range c.parts {
		p.SeedHeat(c.tune.InitialHeatAmp)
	}
	c.population = c.cfg.Population
	return nil
}

// Restore loads one snapshot per partition, all from the same tick.
// Call before Start.
func (c *Cluster) Restore(snaps []snapshot.SnapshotV1) error {
	if c.started {
		return fmt.Errorf("restore after start")
	}
	if len(snaps) != len(c.parts) {
		return fmt.Errorf("restore: %d snapshots for %d partitions", len(snaps), len(c.parts))
	}
	tick := snaps[0].Header.Tick
	seen := make([]bool, len(c.parts))
	total := 0
	for _, s := range snaps {
		total += len(s.Agents)
		if s.Header.Tick != tick {
			return fmt.Errorf("restore: mixed ticks %d and %d", tick, s.Header.Tick)
		}
		if s.Header.Rank < 0 || s.Header.Rank >= len(c.parts) {
			return fmt.Errorf("restore: %w: rank %d", grid.ErrUnknownPartition, s.Header.Rank)
		}
		if seen[s.Header.Rank] {
			return fmt.Errorf("restore: duplicate rank %d", s.Header.Rank)
		}
		seen[s.Header.Rank] = true
	}
	// Every agent may walk into the same partition in one tick.
	if total > c.cfg.ChannelCapacity {
		return fmt.Errorf("restore: %d agents exceed channel_capacity %d", total, c.cfg.ChannelCapacity)
	}
	for _, s := range snaps {
		if err := c.parts[s.Header.Rank].Restore(s); err != nil {
			return err
		}
	}
	if s0 := snaps[0].Header.RunID; s0 != "" {
		c.runID = s0
	}
	c.population = total
	c.tick.Store(tick)
	return nil
}

// Start launches one goroutine per partition and primes the halos.
func (c *Cluster) Start(ctx context.Context) error {
	if c.started {
		return fmt.Errorf("already started")
	}
	c.started = true
	for _, p := range c.parts {
		c.wg.Add(1)
		go func(p *partition.Partition) {
			defer c.wg.Done()
			if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.log.Printf("partition %d stopped: %v", p.Rank(), err)
			}
		}(p)
	}
	return c.exchangeHalos(ctx)
}

// Wait blocks until every partition goroutine has returned.
func (c *Cluster) Wait() { c.wg.Wait() }

func (c *Cluster) Metrics() []partition.Metrics {
	out := make([]partition.Metrics, 0, len(c.parts))
	for _, p := range c.parts {
		out = append(out, p.Metrics())
	}
	return out
}
