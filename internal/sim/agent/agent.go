// Package agent implements a heat bug: it warms the cell it stands on,
// drifts toward its ideal temperature and hands itself to whichever
// partition owns its next cell.
package agent

import (
	"context"
	"fmt"

	"heatbugs.ai/internal/sim/grid"
	"heatbugs.ai/internal/sim/heat"
	"heatbugs.ai/internal/sim/migration"
	"heatbugs.ai/internal/sim/rng"
)

// Requester is the migration entry point an agent calls once per step.
type Requester interface {
	Request(ctx context.Context, dest int, rec migration.Record) (int, error)
}

// Env is the shared partition state a step reads and writes. Steps within a
// partition run one at a time, so nothing here is locked.
type Env struct {
	Field     heat.Field
	Layout    grid.Layout
	Migration Requester
	Rand      rng.Source
	MaxHeat   float64
}

// Move describes what one step did.
type Move struct {
	From      grid.Pos
	To        grid.Pos
	Dest      int
	Offset    int
	Deposited bool
}

type Agent struct {
	IdealTemp  float64
	HeatOutput float64
	X, Y       int

	randomMoveProb float64
	deposited      bool
}

// New builds an agent that has not stepped yet. An out-of-range
// randomMoveProb is rejected the same way SetRandomMoveProbability rejects
// it, leaving the probability at 0.
func New(idealTemp, heatOutput, randomMoveProb float64, x, y int) *Agent {
	a := &Agent{IdealTemp: idealTemp, HeatOutput: heatOutput, X: x, Y: y}
	a.SetRandomMoveProbability(randomMoveProb)
	return a
}

// FromRecord rebuilds an agent that arrived through a migration channel.
// It has already stepped at least once, so its next step deposits heat.
func FromRecord(r migration.Record) *Agent {
	a := New(r.IdealTemp, r.HeatOutput, r.RandomMoveProb, r.X, r.Y)
	a.deposited = true
	return a
}

func (a *Agent) RandomMoveProbability() float64 { return a.randomMoveProb }

// SetRandomMoveProbability ignores values outside [0, 1].
func (a *Agent) SetRandomMoveProbability(p float64) {
	if p >= 0 && p <= 1 {
		a.randomMoveProb = p
	}
}

func (a *Agent) HasDepositedHeat() bool { return a.deposited }

func (a *Agent) Pos() grid.Pos { return grid.Pos{X: a.X, Y: a.Y} }

// Record is the agent as it travels: current preferences, given position.
func (a *Agent) Record(to grid.Pos) migration.Record {
	return migration.Record{
		IdealTemp:      a.IdealTemp,
		HeatOutput:     a.HeatOutput,
		RandomMoveProb: a.randomMoveProb,
		X:              to.X,
		Y:              to.Y,
	}
}

// Step deposits heat (except on the very first call), picks the next cell
// and migrates there. Once Step returns without error the agent belongs to
// the destination partition and the caller must drop it.
func (a *Agent) Step(ctx context.Context, env *Env) (Move, error) {
	mv := Move{From: a.Pos()}

	if a.deposited {
		h := env.Field.Get(a.X, a.Y) + a.HeatOutput
		if h > env.MaxHeat {
			h = env.MaxHeat
		}
		if err := env.Field.Set(a.X, a.Y, h); err != nil {
			return mv, fmt.Errorf("deposit heat at (%d,%d): %w", a.X, a.Y, err)
		}
		mv.Deposited = true
	} else {
		a.deposited = true
	}

	target := ChooseTarget(mv.From, a.IdealTemp, a.randomMoveProb, env.Field, env.Rand)
	mv.To = env.Layout.Wrap(target.X, target.Y)
	mv.Dest = env.Layout.OwnerOf(mv.To.X, mv.To.Y)

	off, err := env.Migration.Request(ctx, mv.Dest, a.Record(mv.To))
	if err != nil {
		return mv, err
	}
	mv.Offset = off
	a.X, a.Y = mv.To.X, mv.To.Y
	return mv, nil
}
