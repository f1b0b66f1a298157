package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"heatbugs.ai/internal/sim/grid"
)

const Version = 1

type Header struct {
	Version int    `json:"version"`
	RunID   string `json:"run_id"`
	Rank    int    `json:"rank"`
	Tick    uint64 `json:"tick"`
}

// SnapshotV1 is one partition at a tick boundary: after drain, before the
// next step. Migration channels are always empty at that point and are not
// stored.
type SnapshotV1 struct {
	Header Header `json:"header"`

	Layout  grid.Layout `json:"layout"`
	Seed    int64       `json:"seed"`
	MaxHeat float64     `json:"max_heat"`

	// Owned block in x-major order.
	Cells  []float64 `json:"cells"`
	Agents []AgentV1 `json:"agents"`
}

type AgentV1 struct {
	IdealTemp      float64 `json:"ideal_temp"`
	HeatOutput     float64 `json:"heat_output"`
	RandomMoveProb float64 `json:"random_move_prob"`
	X              int     `json:"x"`
	Y              int     `json:"y"`
	Deposited      bool    `json:"deposited"`
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := writeFile(tmp, snap); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func writeFile(path string, snap SnapshotV1) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return enc.Close()
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// Header line is for humans and tools; gob carries it too.
	_, _ = br.ReadBytes('\n')

	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("snapshot version %d not supported", snap.Header.Version)
	}
	return snap, nil
}

// Path is where a partition's snapshot for tick lives under dataDir.
func Path(dataDir string, rank int, tick uint64) string {
	return filepath.Join(PartitionDir(dataDir, rank), "snapshots", fmt.Sprintf("%d.snap.zst", tick))
}

func PartitionDir(dataDir string, rank int) string {
	return filepath.Join(dataDir, "partitions", strconv.Itoa(rank))
}

// Ticks lists the ticks that have a snapshot for rank, ascending.
func Ticks(dataDir string, rank int) ([]uint64, error) {
	dir := filepath.Join(PartitionDir(dataDir, rank), "snapshots")
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []uint64
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		t, err := strconv.ParseUint(strings.TrimSuffix(name, ".snap.zst"), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// LatestComplete finds the newest tick for which every rank in [0, ranks)
// has a snapshot. ok is false when there is none.
func LatestComplete(dataDir string, ranks int) (tick uint64, ok bool, err error) {
	if ranks <= 0 {
		return 0, false, nil
	}
	counts := map[uint64]int{}
	for r := 0; r < ranks; r++ {
		ticks, err := Ticks(dataDir, r)
		if err != nil {
			return 0, false, err
		}
		for _, t := range ticks {
			counts[t]++
		}
	}
	for t, n := range counts {
		if n == ranks && (!ok || t > tick) {
			tick, ok = t, true
		}
	}
	return tick, ok, nil
}
