package partition

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"

	"heatbugs.ai/internal/persistence/snapshot"
	"heatbugs.ai/internal/sim/agent"
)

type requestKind int

const (
	reqStep requestKind = iota + 1
	reqDrain
	reqHalo
	reqDiffuse
	reqExport
)

type request struct {
	kind   requestKind
	ctx    context.Context
	lookup func(x, y int) float64
	runID  string
	resp   chan response
}

type response struct {
	stats StepStats
	snap  snapshot.SnapshotV1
	err   error
}

// Run owns the partition until ctx is done.
func (p *Partition) Run(ctx context.Context) error {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-p.reqs:
			req.resp <- p.handle(req)
		}
	}
}

func (p *Partition) handle(req request) response {
	switch req.kind {
	case reqStep:
		st, err := p.step(req.ctx)
		return response{stats: st, err: err}
	case reqDrain:
		st, err := p.drain()
		return response{stats: st, err: err}
	case reqHalo:
		p.field.FillHalo(req.lookup)
		return response{}
	case reqDiffuse:
		p.field.Diffuse(p.cfg.Diffusion, p.cfg.Evaporation)
		p.storeHeat()
		return response{}
	case reqExport:
		return response{snap: p.export(req.runID)}
	}
	return response{err: fmt.Errorf("partition %d: unknown request %d", p.cfg.Rank, req.kind)}
}

func (p *Partition) do(ctx context.Context, req request) (response, error) {
	req.ctx = ctx
	req.resp = make(chan response, 1)
	select {
	case p.reqs <- req:
	case <-p.done:
		return response{}, ErrStopped
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
	// A request that was accepted always completes; waiting here keeps a
	// phase from being abandoned half way through its agents.
	resp := <-req.resp
	return resp, resp.err
}

// Step moves every local agent once. All of them leave the local list:
// each has been written into some partition's channel, possibly this one's.
func (p *Partition) Step(ctx context.Context) (StepStats, error) {
	resp, err := p.do(ctx, request{kind: reqStep})
	return resp.stats, err
}

// Drain rebuilds the local agent list from this partition's channel.
func (p *Partition) Drain(ctx context.Context) (StepStats, error) {
	resp, err := p.do(ctx, request{kind: reqDrain})
	return resp.stats, err
}

func (p *Partition) FillHalo(ctx context.Context, lookup func(x, y int) float64) error {
	_, err := p.do(ctx, request{kind: reqHalo, lookup: lookup})
	return err
}

func (p *Partition) Diffuse(ctx context.Context) error {
	_, err := p.do(ctx, request{kind: reqDiffuse})
	return err
}

func (p *Partition) Export(ctx context.Context, runID string) (snapshot.SnapshotV1, error) {
	resp, err := p.do(ctx, request{kind: reqExport, runID: runID})
	return resp.snap, err
}

func (p *Partition) step(ctx context.Context) (StepStats, error) {
	st := StepStats{Rank: p.cfg.Rank, Agents: len(p.agents)}
	for i, a := range p.agents {
		mv, err := a.Step(ctx, &p.env)
		if err != nil {
			return st, fmt.Errorf("partition %d agent %d at (%d,%d): %w", p.cfg.Rank, i, a.X, a.Y, err)
		}
		st.Sent++
		if mv.Dest == p.cfg.Rank {
			st.Local++
		}
	}
	clear(p.agents)
	p.agents = p.agents[:0]
	p.agentCount.Store(0)
	p.sentTotal.Add(uint64(st.Sent))
	p.localTotal.Add(uint64(st.Local))
	p.storeHeat()
	st.Heat = p.field.Total()
	return st, nil
}

func (p *Partition) drain() (StepStats, error) {
	st := StepStats{Rank: p.cfg.Rank}
	recs, err := p.inbox.Drain(p.cfg.Rank)
	if err != nil {
		return st, fmt.Errorf("partition %d drain: %w", p.cfg.Rank, err)
	}
	for _, r := range recs {
		if !p.bounds.Contains(r.X, r.Y) {
			return st, fmt.Errorf("partition %d: misrouted record for (%d,%d)", p.cfg.Rank, r.X, r.Y)
		}
		p.agents = append(p.agents, agent.FromRecord(r))
	}
	st.Received = len(recs)
	st.Agents = len(p.agents)
	st.Heat = p.field.Total()
	p.receivedTotal.Add(uint64(len(recs)))
	p.agentCount.Store(int64(len(p.agents)))
	p.tick.Add(1)
	return st, nil
}

func (p *Partition) export(runID string) snapshot.SnapshotV1 {
	snap := snapshot.SnapshotV1{
		Header: snapshot.Header{
			Version: snapshot.Version,
			RunID:   runID,
			Rank:    p.cfg.Rank,
			Tick:    p.tick.Load(),
		},
		Layout:  p.cfg.Layout,
		Seed:    p.cfg.Seed,
		MaxHeat: p.cfg.MaxHeat,
		Cells:   p.field.Cells(),
		Agents:  make([]snapshot.AgentV1, 0, len(p.agents)),
	}
	for _, a := range p.agents {
		snap.Agents = append(snap.Agents, snapshot.AgentV1{
			IdealTemp:      a.IdealTemp,
			HeatOutput:     a.HeatOutput,
			RandomMoveProb: a.RandomMoveProbability(),
			X:              a.X,
			Y:              a.Y,
			Deposited:      a.HasDepositedHeat(),
		})
	}
	return snap
}

func storeFloat(u *atomic.Uint64, v float64) { u.Store(math.Float64bits(v)) }
func loadFloat(u *atomic.Uint64) float64     { return math.Float64frombits(u.Load()) }
