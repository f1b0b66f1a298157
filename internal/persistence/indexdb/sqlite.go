package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"heatbugs.ai/internal/persistence/snapshot"
	"heatbugs.ai/internal/sim/cluster"
	"heatbugs.ai/internal/sim/tuning"
)

// SQLiteIndex is a queryable secondary copy of the tick log and snapshot
// catalogue. Writes are queued and applied by one goroutine; when the queue
// is full they are dropped and counted. The JSONL logs stay the source of
// truth.
type SQLiteIndex struct {
	db *sqlx.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTick     atomic.Uint64
	dropSnapshot atomic.Uint64
	writeErrs    atomic.Uint64
}

type Stats struct {
	QueueDepth        int    `json:"queue_depth"`
	QueueCapacity     int    `json:"queue_capacity"`
	DropTickTotal     uint64 `json:"drop_tick_total"`
	DropSnapshotTotal uint64 `json:"drop_snapshot_total"`
	WriteErrorTotal   uint64 `json:"write_error_total"`
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqSnapshot
	reqFlush
)

type req struct {
	kind reqKind

	tick     cluster.TickLogEntry
	snapshot SnapshotRow
	done     chan struct{}
}

// TickRow is one row of the ticks table.
type TickRow struct {
	RunID          string  `db:"run_id" json:"run_id"`
	Tick           uint64  `db:"tick" json:"tick"`
	Agents         int     `db:"agents" json:"agents"`
	Migrations     int     `db:"migrations" json:"migrations"`
	CrossPartition int     `db:"cross_partition" json:"cross_partition"`
	Heat           float64 `db:"heat" json:"heat"`
	DurationMS     float64 `db:"duration_ms" json:"duration_ms"`
}

// PartitionTickRow is one partition's share of a tick.
type PartitionTickRow struct {
	RunID    string  `db:"run_id" json:"run_id"`
	Tick     uint64  `db:"tick" json:"tick"`
	Rank     int     `db:"rank" json:"rank"`
	Agents   int     `db:"agents" json:"agents"`
	Sent     int     `db:"sent" json:"sent"`
	Local    int     `db:"local" json:"local"`
	Received int     `db:"received" json:"received"`
	Heat     float64 `db:"heat" json:"heat"`
}

type SnapshotRow struct {
	RunID  string  `db:"run_id" json:"run_id"`
	Tick   uint64  `db:"tick" json:"tick"`
	Rank   int     `db:"rank" json:"rank"`
	Path   string  `db:"path" json:"path"`
	Agents int     `db:"agents" json:"agents"`
	Heat   float64 `db:"heat" json:"heat"`
}

// MigrationSummary aggregates partition_ticks per rank over a tick range.
type MigrationSummary struct {
	Rank     int `db:"rank" json:"rank"`
	Ticks    int `db:"ticks" json:"ticks"`
	Sent     int `db:"sent" json:"sent"`
	Local    int `db:"local" json:"local"`
	Received int `db:"received" json:"received"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, 65536)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sqlx.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sqlx.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			config_digest TEXT NOT NULL,
			config_json TEXT NOT NULL,
			tuning_json TEXT NOT NULL,
			started_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			run_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			agents INTEGER NOT NULL,
			migrations INTEGER NOT NULL,
			cross_partition INTEGER NOT NULL,
			heat REAL NOT NULL,
			duration_ms REAL NOT NULL,
			PRIMARY KEY (run_id, tick)
		);`,
		`CREATE TABLE IF NOT EXISTS partition_ticks (
			run_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			rank INTEGER NOT NULL,
			agents INTEGER NOT NULL,
			sent INTEGER NOT NULL,
			local INTEGER NOT NULL,
			received INTEGER NOT NULL,
			heat REAL NOT NULL,
			PRIMARY KEY (run_id, tick, rank)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_partition_ticks_rank ON partition_ticks(rank, tick);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			run_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			rank INTEGER NOT NULL,
			path TEXT NOT NULL,
			agents INTEGER NOT NULL,
			heat REAL NOT NULL,
			PRIMARY KEY (run_id, tick, rank)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// Flush waits until everything queued so far is committed.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqFlush, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropTickTotal:     s.dropTick.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
		WriteErrorTotal:   s.writeErrs.Load(),
	}
}

func (s *SQLiteIndex) WriteTick(entry cluster.TickLogEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqTick, tick: entry}:
	default:
		s.dropTick.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	if s == nil || s.closed.Load() {
		return
	}
	heat := 0.0
	for _, c := range snap.Cells {
		heat += c
	}
	r := SnapshotRow{
		RunID:  snap.Header.RunID,
		Tick:   snap.Header.Tick,
		Rank:   snap.Header.Rank,
		Path:   path,
		Agents: len(snap.Agents),
		Heat:   heat,
	}
	select {
	case s.ch <- req{kind: reqSnapshot, snapshot: r}:
	default:
		s.dropSnapshot.Add(1)
	}
}

// RecordRun stores the configuration a run was started with. It writes
// synchronously; call it once at startup.
func (s *SQLiteIndex) RecordRun(runID string, cfg cluster.Config, tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	tuneJSON, err := json.Marshal(tune)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(append(append([]byte{}, cfgJSON...), tuneJSON...))
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT OR IGNORE INTO runs(run_id,config_digest,config_json,tuning_json,started_at) VALUES(?,?,?,?,?)`,
		runID, hex.EncodeToString(sum[:]), string(cfgJSON), string(tuneJSON), now,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// TickStats returns ticks in [from, to] for a run, ordered by tick. to == 0
// means no upper bound.
func (s *SQLiteIndex) TickStats(ctx context.Context, runID string, from, to uint64) ([]TickRow, error) {
	if to == 0 {
		to = 1<<63 - 1
	}
	var rows []TickRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT run_id, tick, agents, migrations, cross_partition, heat, duration_ms
		   FROM ticks WHERE run_id = ? AND tick BETWEEN ? AND ? ORDER BY tick`,
		runID, int64(from), int64(to))
	return rows, err
}

// Migrations sums per-partition traffic for a run over [from, to].
func (s *SQLiteIndex) Migrations(ctx context.Context, runID string, from, to uint64) ([]MigrationSummary, error) {
	if to == 0 {
		to = 1<<63 - 1
	}
	var rows []MigrationSummary
	err := s.db.SelectContext(ctx, &rows,
		`SELECT rank, COUNT(*) AS ticks, SUM(sent) AS sent, SUM(local) AS local, SUM(received) AS received
		   FROM partition_ticks WHERE run_id = ? AND tick BETWEEN ? AND ?
		  GROUP BY rank ORDER BY rank`,
		runID, int64(from), int64(to))
	return rows, err
}

func (s *SQLiteIndex) Snapshots(ctx context.Context, runID string) ([]SnapshotRow, error) {
	var rows []SnapshotRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT run_id, tick, rank, path, agents, heat FROM snapshots WHERE run_id = ? ORDER BY tick, rank`,
		runID)
	return rows, err
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(run_id,tick,agents,migrations,cross_partition,heat,duration_ms) VALUES(?,?,?,?,?,?,?)`)
	insertPart, _ := s.db.Prepare(`INSERT OR REPLACE INTO partition_ticks(run_id,tick,rank,agents,sent,local,received,heat) VALUES(?,?,?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(run_id,tick,rank,path,agents,heat) VALUES(?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertTick, insertPart, insertSnapshot} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.writeErrs.Add(1)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		s.writeErrs.Add(1)
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	idle := time.NewTicker(500 * time.Millisecond)
	defer idle.Stop()

	for {
		var r req
		select {
		case rr, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			r = rr
		case <-idle.C:
			if tx != nil && time.Since(lastCommit) >= commitMaxWait {
				commit()
			}
			continue
		}
		if r.kind == reqFlush {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			s.writeErrs.Add(1)
			continue
		}
		switch r.kind {
		case reqTick:
			e := r.tick
			if insertTick == nil || insertPart == nil {
				rollback()
				continue
			}
			if _, err := tx.Stmt(insertTick).Exec(
				e.RunID, int64(e.Tick), e.Agents, e.Migrations, e.CrossPartition, e.Heat, e.DurationMS,
			); err != nil {
				rollback()
				continue
			}
			opCount++
			for _, p := range e.Partitions {
				if _, err := tx.Stmt(insertPart).Exec(
					e.RunID, int64(e.Tick), p.Rank, p.Agents, p.Sent, p.Local, p.Received, p.Heat,
				); err != nil {
					rollback()
					break
				}
				opCount++
			}

		case reqSnapshot:
			sn := r.snapshot
			if insertSnapshot == nil {
				rollback()
				continue
			}
			if _, err := tx.Stmt(insertSnapshot).Exec(
				sn.RunID, int64(sn.Tick), sn.Rank, sn.Path, sn.Agents, sn.Heat,
			); err != nil {
				rollback()
				continue
			}
			opCount++
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}
}
