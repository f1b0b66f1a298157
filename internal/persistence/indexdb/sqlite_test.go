package indexdb

import (
	"context"
	"path/filepath"
	"testing"

	"heatbugs.ai/internal/persistence/snapshot"
	"heatbugs.ai/internal/sim/cluster"
	"heatbugs.ai/internal/sim/partition"
	"heatbugs.ai/internal/sim/tuning"
)

func tickEntry(runID string, tick uint64) cluster.TickLogEntry {
	return cluster.TickLogEntry{
		RunID:          runID,
		Tick:           tick,
		Agents:         10,
		Migrations:     10,
		CrossPartition: 3,
		Heat:           123.5,
		DurationMS:     0.7,
		Partitions: []partition.StepStats{
			{Rank: 0, Agents: 6, Sent: 5, Local: 3, Received: 6, Heat: 60},
			{Rank: 1, Agents: 4, Sent: 5, Local: 4, Received: 4, Heat: 63.5},
		},
	}
}

func TestSQLiteIndex_TicksAndMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index", "heatbugs.sqlite")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = idx.Close() }()

	if err := idx.RecordRun("run-a", cluster.Defaults(), tuning.Defaults()); err != nil {
		t.Fatalf("record run: %v", err)
	}
	for tick := uint64(1); tick <= 4; tick++ {
		if err := idx.WriteTick(tickEntry("run-a", tick)); err != nil {
			t.Fatalf("write tick: %v", err)
		}
	}
	_ = idx.WriteTick(tickEntry("run-b", 1))
	idx.RecordSnapshot("/data/0/4.snap.zst", snapshot.SnapshotV1{
		Header: snapshot.Header{Version: snapshot.Version, RunID: "run-a", Rank: 0, Tick: 4},
		Cells:  []float64{1, 2, 3},
		Agents: make([]snapshot.AgentV1, 6),
	})

	ctx := context.Background()
	if err := idx.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	ticks, err := idx.TickStats(ctx, "run-a", 2, 0)
	if err != nil {
		t.Fatalf("tick stats: %v", err)
	}
	if len(ticks) != 3 || ticks[0].Tick != 2 || ticks[2].Tick != 4 {
		t.Fatalf("ticks=%+v", ticks)
	}
	if ticks[0].CrossPartition != 3 || ticks[0].Heat != 123.5 {
		t.Fatalf("row=%+v", ticks[0])
	}

	mig, err := idx.Migrations(ctx, "run-a", 1, 4)
	if err != nil {
		t.Fatalf("migrations: %v", err)
	}
	if len(mig) != 2 {
		t.Fatalf("migrations=%+v", mig)
	}
	if mig[0].Rank != 0 || mig[0].Ticks != 4 || mig[0].Sent != 20 || mig[0].Local != 12 || mig[0].Received != 24 {
		t.Fatalf("rank 0 summary=%+v", mig[0])
	}

	snaps, err := idx.Snapshots(ctx, "run-a")
	if err != nil {
		t.Fatalf("snapshots: %v", err)
	}
	if len(snaps) != 1 || snaps[0].Agents != 6 || snaps[0].Heat != 6 {
		t.Fatalf("snapshots=%+v", snaps)
	}

	if st := idx.Stats(); st.DropTickTotal != 0 || st.WriteErrorTotal != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestSQLiteIndex_ReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heatbugs.sqlite")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = idx.WriteTick(tickEntry("run-a", 9))
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Writes after close are ignored.
	_ = idx.WriteTick(tickEntry("run-a", 10))

	idx, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = idx.Close() }()
	ticks, err := idx.TickStats(context.Background(), "run-a", 0, 0)
	if err != nil {
		t.Fatalf("tick stats: %v", err)
	}
	if len(ticks) != 1 || ticks[0].Tick != 9 {
		t.Fatalf("ticks=%+v", ticks)
	}
}

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqTick, tick: cluster.TickLogEntry{Tick: 1}}

	_ = s.WriteTick(cluster.TickLogEntry{Tick: 2})
	s.RecordSnapshot("/tmp/2.snap.zst", snapshot.SnapshotV1{})

	st := s.Stats()
	if st.DropTickTotal != 1 {
		t.Fatalf("DropTickTotal=%d want=1", st.DropTickTotal)
	}
	if st.DropSnapshotTotal != 1 {
		t.Fatalf("DropSnapshotTotal=%d want=1", st.DropSnapshotTotal)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}
