package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"heatbugs.ai/internal/persistence/indexdb"
	"heatbugs.ai/internal/persistence/snapshot"
	"heatbugs.ai/internal/sim/cluster"
	"heatbugs.ai/internal/sim/tuning"
)

type runtimeIndex interface {
	cluster.TickLogger
	Close() error
	RecordRun(runID string, cfg cluster.Config, tune tuning.Tuning) error
	RecordSnapshot(path string, snap snapshot.SnapshotV1)
}

func openRuntimeIndex(dataDir string, disableDB bool, logger *log.Logger) (runtimeIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("HB_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		dbPath := filepath.Join(dataDir, "index", "heatbugs.sqlite")
		return indexdb.OpenSQLite(dbPath)
	case "http":
		endpoint := strings.TrimSpace(os.Getenv("HB_INDEX_INGEST_URL"))
		token := strings.TrimSpace(os.Getenv("HB_INDEX_INGEST_TOKEN"))
		if endpoint == "" {
			return nil, fmt.Errorf("HB_INDEX_BACKEND=http but HB_INDEX_INGEST_URL is empty")
		}
		flushMS := envInt("HB_INDEX_FLUSH_MS", 500)
		batchSize := envInt("HB_INDEX_BATCH_SIZE", 128)
		idx, err := indexdb.OpenHTTP(indexdb.IngestConfig{
			Endpoint:      endpoint,
			Token:         token,
			BatchSize:     batchSize,
			FlushInterval: time.Duration(flushMS) * time.Millisecond,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unsupported HB_INDEX_BACKEND: %s", backend)
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
