package indexdb

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"heatbugs.ai/internal/persistence/snapshot"
	"heatbugs.ai/internal/sim/cluster"
	"heatbugs.ai/internal/sim/tuning"
)

// IngestConfig configures HTTPIndex, which ships index rows in JSON
// batches to a remote ingest endpoint instead of a local database.
type IngestConfig struct {
	Endpoint      string
	Token         string
	BatchSize     int
	FlushInterval time.Duration
	HTTPTimeout   time.Duration
	// MaxRetained caps how many undelivered events are kept across failed
	// flushes before the oldest are dropped.
	MaxRetained int
	Logger      *log.Logger
}

type HTTPIndex struct {
	cfg        IngestConfig
	httpClient *http.Client

	ch   chan ingestEvent
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	queueDropped  atomic.Uint64
	retainDropped atomic.Uint64
	flushOK       atomic.Uint64
	flushFail     atomic.Uint64
}

type IngestStats struct {
	QueueDepth         int    `json:"queue_depth"`
	QueueCapacity      int    `json:"queue_capacity"`
	QueueDroppedTotal  uint64 `json:"queue_dropped_total"`
	RetainDroppedTotal uint64 `json:"retain_dropped_total"`
	FlushOKTotal       uint64 `json:"flush_ok_total"`
	FlushFailTotal     uint64 `json:"flush_fail_total"`
}

type ingestEvent struct {
	Kind    string `json:"kind"`
	RunID   string `json:"run_id"`
	Payload any    `json:"payload"`
}

type ingestRunPayload struct {
	ConfigDigest string         `json:"config_digest"`
	Config       cluster.Config `json:"config"`
	Tuning       tuning.Tuning  `json:"tuning"`
	StartedAt    string         `json:"started_at"`
}

func OpenHTTP(cfg IngestConfig) (*HTTPIndex, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("empty ingest endpoint")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 128
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if cfg.MaxRetained <= 0 {
		cfg.MaxRetained = 16 * cfg.BatchSize
	}

	d := &HTTPIndex{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
		ch: make(chan ingestEvent, 32768),
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop()
	}()
	return d, nil
}

func (d *HTTPIndex) Close() error {
	if d == nil {
		return nil
	}
	d.once.Do(func() {
		d.closed.Store(true)
		close(d.ch)
		d.wg.Wait()
	})
	return nil
}

func (d *HTTPIndex) Stats() IngestStats {
	if d == nil {
		return IngestStats{}
	}
	return IngestStats{
		QueueDepth:         len(d.ch),
		QueueCapacity:      cap(d.ch),
		QueueDroppedTotal:  d.queueDropped.Load(),
		RetainDroppedTotal: d.retainDropped.Load(),
		FlushOKTotal:       d.flushOK.Load(),
		FlushFailTotal:     d.flushFail.Load(),
	}
}

func (d *HTTPIndex) WriteTick(entry cluster.TickLogEntry) error {
	d.enqueue(ingestEvent{Kind: "tick", RunID: entry.RunID, Payload: entry})
	return nil
}

func (d *HTTPIndex) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	heat := 0.0
	for _, c := range snap.Cells {
		heat += c
	}
	d.enqueue(ingestEvent{Kind: "snapshot", RunID: snap.Header.RunID, Payload: SnapshotRow{
		RunID:  snap.Header.RunID,
		Tick:   snap.Header.Tick,
		Rank:   snap.Header.Rank,
		Path:   path,
		Agents: len(snap.Agents),
		Heat:   heat,
	}})
}

func (d *HTTPIndex) RecordRun(runID string, cfg cluster.Config, tune tuning.Tuning) error {
	b, err := json.Marshal(struct {
		Config cluster.Config `json:"config"`
		Tuning tuning.Tuning  `json:"tuning"`
	}{cfg, tune})
	if err != nil {
		return err
	}
	sum := sha256.Sum256(b)
	d.enqueue(ingestEvent{Kind: "run", RunID: runID, Payload: ingestRunPayload{
		ConfigDigest: hex.EncodeToString(sum[:]),
		Config:       cfg,
		Tuning:       tune,
		StartedAt:    time.Now().UTC().Format(time.RFC3339Nano),
	}})
	return nil
}

// Flush is a no-op beyond what the background loop does; batches are
// delivered on BatchSize or FlushInterval.
func (d *HTTPIndex) Flush(ctx context.Context) error { return nil }

func (d *HTTPIndex) enqueue(ev ingestEvent) {
	if d == nil || d.closed.Load() {
		return
	}
	select {
	case d.ch <- ev:
	default:
		d.queueDropped.Add(1)
		d.printf("ingest queue full; drop kind=%s run=%s", ev.Kind, ev.RunID)
	}
}

func (d *HTTPIndex) loop() {
	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]ingestEvent, 0, d.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		n := len(batch)
		if n > d.cfg.BatchSize {
			n = d.cfg.BatchSize
		}
		if err := d.sendBatch(batch[:n]); err != nil {
			d.flushFail.Add(1)
			d.printf("ingest flush failed batch=%d err=%v", n, err)
			if over := len(batch) - d.cfg.MaxRetained; over > 0 {
				d.retainDropped.Add(uint64(over))
				batch = append(batch[:0], batch[over:]...)
			}
			return
		}
		d.flushOK.Add(1)
		batch = append(batch[:0], batch[n:]...)
	}

	for {
		select {
		case ev, ok := <-d.ch:
			if !ok {
				for len(batch) > 0 {
					before := len(batch)
					flush()
					if len(batch) == before {
						d.printf("ingest closing with %d undelivered events", before)
						return
					}
				}
				return
			}
			batch = append(batch, ev)
			if len(batch) >= d.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (d *HTTPIndex) sendBatch(events []ingestEvent) error {
	body := struct {
		Events []ingestEvent `json:"events"`
	}{Events: events}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		req, err := http.NewRequest(http.MethodPost, d.cfg.Endpoint, bytes.NewReader(buf))
		if err != nil {
			return err
		}
		req.Header.Set("content-type", "application/json")
		if d.cfg.Token != "" {
			req.Header.Set("x-hb-index-token", d.cfg.Token)
		}

		resp, err := d.httpClient.Do(req)
		if err == nil {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			err = fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
		lastErr = err
		time.Sleep(time.Duration(100*(1<<attempt)) * time.Millisecond)
	}
	return lastErr
}

func (d *HTTPIndex) printf(format string, args ...any) {
	if d != nil && d.cfg.Logger != nil {
		d.cfg.Logger.Printf(format, args...)
	}
}
