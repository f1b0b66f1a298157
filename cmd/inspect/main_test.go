package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"heatbugs.ai/internal/persistence/indexdb"
	persistlog "heatbugs.ai/internal/persistence/log"
	"heatbugs.ai/internal/persistence/snapshot"
	"heatbugs.ai/internal/sim/cluster"
	"heatbugs.ai/internal/sim/grid"
	"heatbugs.ai/internal/sim/partition"
)

func tickEntry(tick uint64, agents int) cluster.TickLogEntry {
	return cluster.TickLogEntry{
		RunID:          "run-1",
		Tick:           tick,
		Agents:         agents,
		Migrations:     agents,
		CrossPartition: 1,
		Partitions: []partition.StepStats{
			{Rank: 0, Agents: agents - 1, Sent: agents - 1, Local: agents - 2, Received: agents - 1},
			{Rank: 1, Agents: 1, Sent: 1, Local: 1, Received: 1},
		},
	}
}

func writeEvents(t *testing.T, dir string, entries ...cluster.TickLogEntry) string {
	t.Helper()
	l := persistlog.NewTickLogger(dir)
	for _, e := range entries {
		if err := l.WriteTick(e); err != nil {
			t.Fatalf("write tick: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return filepath.Join(dir, "events")
}

func TestRunSummarisesSnapshotEventsAndIndex(t *testing.T) {
	dir := t.TempDir()
	eventsDir := writeEvents(t, dir, tickEntry(1, 5), tickEntry(2, 5), tickEntry(3, 5))

	layout, err := grid.NewLayout(4, 4, 2, 1)
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	snap := snapshot.SnapshotV1{
		Header: snapshot.Header{Version: snapshot.Version, RunID: "run-1", Rank: 1, Tick: 3},
		Layout: layout,
		Seed:   9,
		Cells:  []float64{1, 2, 3, 4, 0, 0, 0, 0},
		Agents: []snapshot.AgentV1{{X: 2, Y: 1, Deposited: true}},
	}
	snapPath := snapshot.Path(dir, 1, 3)
	if err := snapshot.WriteSnapshot(snapPath, snap); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	dbPath := filepath.Join(dir, "index", "heatbugs.sqlite")
	idx, err := indexdb.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	for tick := uint64(1); tick <= 3; tick++ {
		_ = idx.WriteTick(tickEntry(tick, 5))
	}
	if err := idx.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	_ = idx.Close()

	var out bytes.Buffer
	err = run(&out, options{SnapshotPath: snapPath, EventsDir: eventsDir, DBPath: dbPath})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	got := out.String()
	for _, want := range []string{
		"run=run-1 rank=1 tick=3 seed=9 grid=4x4 partitions=2x1 cells=8 agents=1 deposited=1 heat=10.0",
		"events ok: run=run-1 ticks=1..3 (3 checked) agents=5 migrations=15 cross_partition=3",
		"rank=0 ticks=3 sent=12 local=9 received=12",
		"rank=1 ticks=3 sent=3 local=3 received=3",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
}

func TestCheckEventsDetectsDrift(t *testing.T) {
	dir := t.TempDir()
	eventsDir := writeEvents(t, dir, tickEntry(1, 5), tickEntry(2, 6))
	if _, err := checkEvents(eventsDir, 0, 0); err == nil || !strings.Contains(err.Error(), "agents=6") {
		t.Fatalf("expected agent drift error, got %v", err)
	}
}

func TestCheckEventsDetectsGap(t *testing.T) {
	dir := t.TempDir()
	eventsDir := writeEvents(t, dir, tickEntry(1, 5), tickEntry(3, 5))
	if _, err := checkEvents(eventsDir, 0, 0); err == nil || !strings.Contains(err.Error(), "tick gap") {
		t.Fatalf("expected gap error, got %v", err)
	}
	// Restricting the range to one side of the gap is fine.
	sum, err := checkEvents(eventsDir, 3, 0)
	if err != nil || sum.Ticks != 1 || sum.First != 3 {
		t.Fatalf("sum=%+v err=%v", sum, err)
	}
}

func TestCheckEventsAcceptsResumedRun(t *testing.T) {
	dir := t.TempDir()
	// Resumed from the tick 1 snapshot: ticks 2 and 3 are logged again.
	eventsDir := writeEvents(t, dir,
		tickEntry(1, 5), tickEntry(2, 5), tickEntry(3, 5), tickEntry(2, 5), tickEntry(3, 5))
	sum, err := checkEvents(eventsDir, 0, 0)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if sum.First != 1 || sum.Last != 3 || sum.Ticks != 3 || sum.Resumes != 1 {
		t.Fatalf("sum=%+v", sum)
	}
	if sum.Migrations != 15 || sum.CrossPartition != 3 {
		t.Fatalf("migrations=%d cross=%d want=15/3", sum.Migrations, sum.CrossPartition)
	}

	// A resumed run that crashed again before catching up ends earlier.
	dir = t.TempDir()
	eventsDir = writeEvents(t, dir, tickEntry(1, 5), tickEntry(2, 5), tickEntry(3, 5), tickEntry(2, 5))
	sum, err = checkEvents(eventsDir, 0, 0)
	if err != nil || sum.Last != 2 || sum.Ticks != 2 {
		t.Fatalf("sum=%+v err=%v", sum, err)
	}
}

func TestCheckEventsRejectsRewindBeforeFirstTick(t *testing.T) {
	dir := t.TempDir()
	eventsDir := writeEvents(t, dir, tickEntry(3, 5), tickEntry(4, 5), tickEntry(2, 5))
	if _, err := checkEvents(eventsDir, 0, 0); err == nil || !strings.Contains(err.Error(), "rewind") {
		t.Fatalf("expected rewind error, got %v", err)
	}

	other := tickEntry(2, 5)
	other.RunID = "run-2"
	dir = t.TempDir()
	eventsDir = writeEvents(t, dir, tickEntry(1, 5), tickEntry(2, 5), other)
	if _, err := checkEvents(eventsDir, 0, 0); err == nil || !strings.Contains(err.Error(), "run-2") {
		t.Fatalf("expected run id error, got %v", err)
	}
}

func TestRunNeedsRunIDForIndex(t *testing.T) {
	var out bytes.Buffer
	if err := run(&out, options{DBPath: filepath.Join(t.TempDir(), "x.sqlite")}); err == nil {
		t.Fatalf("expected error without run id")
	}
}
