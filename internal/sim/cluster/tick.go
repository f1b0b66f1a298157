package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"heatbugs.ai/internal/persistence/snapshot"
	"heatbugs.ai/internal/sim/partition"
)

// Run ticks at tuning.TickRateHz until ctx is done or a tick fails. A zero
// rate ticks as fast as the partitions allow. maxTicks > 0 stops after that
// many ticks. A returned error other than ctx's is fatal for the run.
func (c *Cluster) Run(ctx context.Context, maxTicks uint64) error {
	var ticker *time.Ticker
	if c.tune.TickRateHz > 0 {
		ticker = time.NewTicker(time.Second / time.Duration(c.tune.TickRateHz))
		defer ticker.Stop()
	}
	var done uint64
	for maxTicks == 0 || done < maxTicks {
		if ticker != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := c.Tick(ctx); err != nil {
			return err
		}
		done++
	}
	return nil
}

// Tick runs one full tick. Phases are not interrupted by ctx cancellation
// once the tick has begun; a half-applied step would lose agents.
func (c *Cluster) Tick(ctx context.Context) (TickLogEntry, error) {
	if !c.started {
		return TickLogEntry{}, fmt.Errorf("tick before start")
	}
	start := time.Now()
	pctx := context.WithoutCancel(ctx)

	stepped := make([]partition.StepStats, len(c.parts))
	if err := c.each(pctx, func(ctx context.Context, i int, p *partition.Partition) error {
		st, err := p.Step(ctx)
		stepped[i] = st
		return err
	}); err != nil {
		return TickLogEntry{}, fmt.Errorf("step: %w", err)
	}

	drained := make([]partition.StepStats, len(c.parts))
	if err := c.each(pctx, func(ctx context.Context, i int, p *partition.Partition) error {
		st, err := p.Drain(ctx)
		drained[i] = st
		return err
	}); err != nil {
		return TickLogEntry{}, fmt.Errorf("drain: %w", err)
	}

	if err := c.exchangeHalos(pctx); err != nil {
		return TickLogEntry{}, err
	}
	if err := c.each(pctx, func(ctx context.Context, _ int, p *partition.Partition) error {
		return p.Diffuse(ctx)
	}); err != nil {
		return TickLogEntry{}, fmt.Errorf("diffuse: %w", err)
	}
	if err := c.exchangeHalos(pctx); err != nil {
		return TickLogEntry{}, err
	}

	tick := c.tick.Add(1)
	entry := TickLogEntry{
		RunID:      c.runID,
		Tick:       tick,
		Partitions: make([]partition.StepStats, len(c.parts)),
	}
	for i := range c.parts {
		st := stepped[i]
		st.Received = drained[i].Received
		st.Agents = drained[i].Agents
		st.Heat = c.parts[i].Metrics().Heat
		entry.Partitions[i] = st
		entry.Agents += st.Agents
		entry.Migrations += st.Sent
		entry.CrossPartition += st.Sent - st.Local
		entry.Heat += st.Heat
	}
	entry.DurationMS = float64(time.Since(start).Microseconds()) / 1000
	if entry.Agents != c.population {
		return entry, fmt.Errorf("%w: tick %d has %d agents, expected %d", ErrAgentCountDrift, tick, entry.Agents, c.population)
	}

	c.mu.Lock()
	tickLog, sink := c.tickLog, c.snapSink
	c.mu.Unlock()
	if tickLog != nil {
		if err := tickLog.WriteTick(entry); err != nil {
			c.log.Printf("tick log: %v", err)
		}
	}
	if sink != nil && c.tune.SnapshotEveryTicks > 0 && tick%uint64(c.tune.SnapshotEveryTicks) == 0 {
		snaps, err := c.Snapshot(pctx)
		if err != nil {
			return entry, err
		}
		select {
		case sink <- snaps:
		default:
			c.log.Printf("snapshot sink full, dropping tick %d", tick)
		}
	}
	return entry, nil
}

// Snapshot exports every partition. Only meaningful between ticks.
func (c *Cluster) Snapshot(ctx context.Context) ([]snapshot.SnapshotV1, error) {
	snaps := make([]snapshot.SnapshotV1, len(c.parts))
	err := c.each(ctx, func(ctx context.Context, i int, p *partition.Partition) error {
		s, err := p.Export(ctx, c.runID)
		snaps[i] = s
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return snaps, nil
}

func (c *Cluster) exchangeHalos(ctx context.Context) error {
	lookup := func(x, y int) float64 {
		return c.parts[c.layout.OwnerOf(x, y)].HeatAt(x, y)
	}
	if err := c.each(ctx, func(ctx context.Context, _ int, p *partition.Partition) error {
		return p.FillHalo(ctx, lookup)
	}); err != nil {
		return fmt.Errorf("halo: %w", err)
	}
	return nil
}

// each runs fn for every partition concurrently and waits for all of them:
// the barrier between phases. The first error wins.
func (c *Cluster) each(ctx context.Context, fn func(ctx context.Context, i int, p *partition.Partition) error) error {
	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	for i, p := range c.parts {
		wg.Add(1)
		go func(i int, p *partition.Partition) {
			defer wg.Done()
			if err := fn(ctx, i, p); err != nil {
				once.Do(func() { firstErr = err })
			}
		}(i, p)
	}
	wg.Wait()
	return firstErr
}
