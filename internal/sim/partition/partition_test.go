package partition

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"

	"heatbugs.ai/internal/sim/agent"
	"heatbugs.ai/internal/sim/grid"
	"heatbugs.ai/internal/sim/migration"
)

func newTestPartition(t *testing.T, rank int, l grid.Layout, capacity int) (*Partition, *migration.LocalWindow) {
	t.Helper()
	chans := make([]*migration.Channel, l.Partitions())
	for i := range chans {
		chans[i] = migration.NewChannel(i, capacity)
	}
	win := migration.NewLocalWindow(chans)
	p, err := New(Config{
		Rank:        rank,
		Layout:      l,
		Seed:        11,
		MaxHeat:     1000,
		Diffusion:   1,
		Evaporation: 1,
	}, win, win, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return p, win
}

func run(t *testing.T, p *Partition) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errCh
	})
	return cancel
}

func mustLayout(t *testing.T, w, h, ph, pw int) grid.Layout {
	t.Helper()
	l, err := grid.NewLayout(w, h, ph, pw)
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	return l
}

func TestAddRejectsForeignAgent(t *testing.T) {
	l := mustLayout(t, 8, 8, 2, 2)
	p, _ := newTestPartition(t, 0, l, 16)
	if err := p.Add(agent.New(10, 1, 0, 1, 1)); err != nil {
		t.Fatalf("add own: %v", err)
	}
	if err := p.Add(agent.New(10, 1, 0, 6, 6)); err == nil {
		t.Fatalf("expected error adding agent outside bounds")
	}
	if m := p.Metrics(); m.Agents != 1 {
		t.Fatalf("agents=%d want=1", m.Agents)
	}
}

func TestStepThenDrainKeepsAgents(t *testing.T) {
	l := mustLayout(t, 6, 6, 1, 1)
	p, win := newTestPartition(t, 0, l, 16)
	for i := 0; i < 4; i++ {
		if err := p.Add(agent.New(500, 10, 1, i, i)); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	run(t, p)
	ctx := context.Background()
	if err := p.FillHalo(ctx, p.HeatAt); err != nil {
		t.Fatalf("halo: %v", err)
	}

	st, err := p.Step(ctx)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if st.Agents != 4 || st.Sent != 4 || st.Local != 4 {
		t.Fatalf("step stats=%+v", st)
	}
	if p.Metrics().Agents != 0 {
		t.Fatalf("agents still listed after step")
	}
	if win.Channel(0).Reserved() != 4*migration.RecordSlots {
		t.Fatalf("reserved=%d want=%d", win.Channel(0).Reserved(), 4*migration.RecordSlots)
	}

	st, err = p.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if st.Received != 4 || st.Agents != 4 {
		t.Fatalf("drain stats=%+v", st)
	}
	m := p.Metrics()
	if m.Tick != 1 || m.SentTotal != 4 || m.ReceivedTotal != 4 {
		t.Fatalf("metrics=%+v", m)
	}
	if win.Channel(0).Reserved() != 0 {
		t.Fatalf("channel not reset after drain")
	}
}

func TestDrainRejectsMisroutedRecord(t *testing.T) {
	l := mustLayout(t, 8, 8, 2, 2)
	p, win := newTestPartition(t, 0, l, 4)
	run(t, p)
	ctx := context.Background()
	rec := migration.Record{IdealTemp: 1, HeatOutput: 1, X: 7, Y: 7}
	if _, err := migration.NewMigrator(win).Request(ctx, 0, rec); err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := p.Drain(ctx); err == nil {
		t.Fatalf("expected misrouted record error")
	}
}

func TestExportRestore(t *testing.T) {
	l := mustLayout(t, 8, 8, 2, 2)
	p, _ := newTestPartition(t, 3, l, 16)
	p.SeedHeat(400)
	if err := p.Add(agent.New(100, 5, 0.2, 5, 6), agent.New(200, 6, 0.3, 7, 4)); err != nil {
		t.Fatalf("add: %v", err)
	}
	run(t, p)
	snap, err := p.Export(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if snap.Header.Rank != 3 || snap.Header.RunID != "run-1" || len(snap.Agents) != 2 {
		t.Fatalf("header=%+v agents=%d", snap.Header, len(snap.Agents))
	}
	if len(snap.Cells) != 16 {
		t.Fatalf("cells=%d want=16", len(snap.Cells))
	}
	if snap.Agents[0].Deposited {
		t.Fatalf("fresh agent exported as deposited")
	}

	q, _ := newTestPartition(t, 3, l, 16)
	snap.Header.Tick = 42
	if err := q.Restore(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	m := q.Metrics()
	if m.Tick != 42 || m.Agents != 2 {
		t.Fatalf("restored metrics=%+v", m)
	}
	if m.Heat != p.Metrics().Heat {
		t.Fatalf("heat=%v want=%v", m.Heat, p.Metrics().Heat)
	}
	if q.HeatAt(5, 6) != p.HeatAt(5, 6) {
		t.Fatalf("cell (5,6) heat=%v want=%v", q.HeatAt(5, 6), p.HeatAt(5, 6))
	}

	wrong, _ := newTestPartition(t, 2, l, 16)
	if err := wrong.Restore(snap); err == nil {
		t.Fatalf("expected rank mismatch error")
	}
}

func TestRequestsAfterStop(t *testing.T) {
	l := mustLayout(t, 4, 4, 1, 1)
	p, _ := newTestPartition(t, 0, l, 4)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("run err=%v", err)
	}
	if _, err := p.Step(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("step err=%v want ErrStopped", err)
	}
}
