package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"heatbugs.ai/internal/persistence/indexdb"
	persistlog "heatbugs.ai/internal/persistence/log"
	"heatbugs.ai/internal/persistence/snapshot"
	"heatbugs.ai/internal/sim/cluster"
)

type options struct {
	SnapshotPath string
	EventsDir    string
	DBPath       string
	FromTick     uint64
	ToTick       uint64
}

func main() {
	var opts options
	flag.StringVar(&opts.SnapshotPath, "snapshot", "", "path to a partition .snap.zst (optional)")
	flag.StringVar(&opts.EventsDir, "events", "", "events dir containing events-*.jsonl.zst (optional)")
	flag.StringVar(&opts.DBPath, "db", "", "sqlite index to summarise migrations from (optional)")
	flag.Uint64Var(&opts.FromTick, "from_tick", 0, "first tick to check (inclusive, optional)")
	flag.Uint64Var(&opts.ToTick, "to_tick", 0, "last tick to check (inclusive, optional)")
	flag.Parse()

	if opts.SnapshotPath == "" && opts.EventsDir == "" && opts.DBPath == "" {
		fmt.Fprintln(os.Stderr, "need at least one of -snapshot, -events, -db")
		os.Exit(2)
	}
	if err := run(os.Stdout, opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(out io.Writer, opts options) error {
	runID := ""
	if opts.SnapshotPath != "" {
		snap, err := snapshot.ReadSnapshot(opts.SnapshotPath)
		if err != nil {
			return fmt.Errorf("read snapshot: %w", err)
		}
		printSnapshot(out, snap)
		runID = snap.Header.RunID
	}
	if opts.EventsDir != "" {
		sum, err := checkEvents(opts.EventsDir, opts.FromTick, opts.ToTick)
		if err != nil {
			return fmt.Errorf("events: %w", err)
		}
		fmt.Fprintf(out, "events ok: run=%s ticks=%d..%d (%s checked) agents=%s migrations=%s cross_partition=%s resumes=%d\n",
			sum.RunID, sum.First, sum.Last, humanize.Comma(int64(sum.Ticks)),
			humanize.Comma(int64(sum.Agents)), humanize.Comma(int64(sum.Migrations)), humanize.Comma(int64(sum.CrossPartition)),
			sum.Resumes)
		if runID == "" {
			runID = sum.RunID
		}
	}
	if opts.DBPath != "" {
		if err := printMigrations(out, opts.DBPath, runID, opts.FromTick, opts.ToTick); err != nil {
			return fmt.Errorf("index: %w", err)
		}
	}
	return nil
}

func printSnapshot(out io.Writer, snap snapshot.SnapshotV1) {
	heat := 0.0
	for _, v := range snap.Cells {
		heat += v
	}
	deposited := 0
	for _, a := range snap.Agents {
		if a.Deposited {
			deposited++
		}
	}
	l := snap.Layout
	fmt.Fprintf(out, "snapshot v%d run=%s rank=%d tick=%d seed=%d grid=%dx%d partitions=%dx%d cells=%s agents=%s deposited=%s heat=%.1f\n",
		snap.Header.Version, snap.Header.RunID, snap.Header.Rank, snap.Header.Tick, snap.Seed,
		l.Width, l.Height, l.PH, l.PW,
		humanize.Comma(int64(len(snap.Cells))), humanize.Comma(int64(len(snap.Agents))),
		humanize.Comma(int64(deposited)), heat)
}

type eventSummary struct {
	RunID          string
	First, Last    uint64
	Ticks          int
	Agents         int
	Migrations     int
	CrossPartition int

	// Resumes counts rewinds: a resumed run restarts from its last
	// complete snapshot and logs the ticks after it again.
	Resumes int
}

type tickTotals struct {
	migrations int
	cross      int
}

// checkEvents walks the tick log in order and verifies that ticks are
// contiguous, that the agent count never changes and that every record sent
// was received. A tick logged again by the same run replaces the earlier
// entry and everything logged after it.
func checkEvents(dir string, from, to uint64) (eventSummary, error) {
	files, err := persistlog.ListFiles(dir, "events")
	if err != nil {
		return eventSummary{}, err
	}
	if len(files) == 0 {
		return eventSummary{}, fmt.Errorf("no events files found in %s", dir)
	}

	var sum eventSummary
	var prev uint64
	started := false
	seen := map[uint64]tickTotals{}
	for _, path := range files {
		err := persistlog.ReadTicks(path, func(e cluster.TickLogEntry) error {
			if e.Tick < from || (to != 0 && e.Tick > to) {
				return nil
			}
			if !started {
				started = true
				sum.RunID = e.RunID
				sum.First = e.Tick
				sum.Agents = e.Agents
			} else {
				if e.RunID != sum.RunID {
					return fmt.Errorf("%s: tick %d belongs to run %s, want %s", filepath.Base(path), e.Tick, e.RunID, sum.RunID)
				}
				switch {
				case e.Tick == prev+1:
				case e.Tick <= prev && e.Tick >= sum.First:
					for t := e.Tick; t <= prev; t++ {
						delete(seen, t)
					}
					sum.Resumes++
				case e.Tick <= prev:
					return fmt.Errorf("%s: rewind to tick %d before first tick %d", filepath.Base(path), e.Tick, sum.First)
				default:
					return fmt.Errorf("%s: tick gap %d -> %d", filepath.Base(path), prev, e.Tick)
				}
				if e.Agents != sum.Agents {
					return fmt.Errorf("%s: tick %d agents=%d want %d", filepath.Base(path), e.Tick, e.Agents, sum.Agents)
				}
			}
			sent, received := 0, 0
			for _, p := range e.Partitions {
				sent += p.Sent
				received += p.Received
			}
			if sent != received {
				return fmt.Errorf("%s: tick %d sent=%d received=%d", filepath.Base(path), e.Tick, sent, received)
			}
			seen[e.Tick] = tickTotals{migrations: e.Migrations, cross: e.CrossPartition}
			prev = e.Tick
			return nil
		})
		if err != nil {
			return sum, err
		}
	}
	if len(seen) == 0 {
		return sum, fmt.Errorf("no ticks in range")
	}
	sum.Last = prev
	sum.Ticks = len(seen)
	for _, tt := range seen {
		sum.Migrations += tt.migrations
		sum.CrossPartition += tt.cross
	}
	return sum, nil
}

func printMigrations(out io.Writer, dbPath, runID string, from, to uint64) error {
	if runID == "" {
		return fmt.Errorf("-db needs a run id from -snapshot or -events")
	}
	idx, err := indexdb.OpenSQLite(dbPath)
	if err != nil {
		return err
	}
	defer idx.Close()

	rows, err := idx.Migrations(context.Background(), runID, from, to)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "migrations run=%s partitions=%d\n", runID, len(rows))
	for _, r := range rows {
		fmt.Fprintf(out, "  rank=%d ticks=%s sent=%s local=%s received=%s\n",
			r.Rank, humanize.Comma(int64(r.Ticks)), humanize.Comma(int64(r.Sent)),
			humanize.Comma(int64(r.Local)), humanize.Comma(int64(r.Received)))
	}
	return nil
}
