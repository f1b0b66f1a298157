package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	persistlog "heatbugs.ai/internal/persistence/log"
	"heatbugs.ai/internal/persistence/snapshot"
	"heatbugs.ai/internal/sim/cluster"
	"heatbugs.ai/internal/sim/migration"
	"heatbugs.ai/internal/sim/tuning"
	"heatbugs.ai/internal/transport/rmaws"
)

func main() {
	var (
		addr        = flag.String("addr", ":8080", "http listen address")
		configDir   = flag.String("configs", "./configs", "config directory")
		clusterPath = flag.String("cluster", "", "path to cluster.yaml (default: <configs>/cluster.yaml)")
		tuningPath  = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		dataDir     = flag.String("data", "./data", "runtime data directory")
		maxTicks    = flag.Uint64("ticks", 0, "stop after this many ticks (0 runs until interrupted)")
		transport   = flag.String("transport", "local", "migration transport: local or ws")
		disableDB   = flag.Bool("disable_db", false, "disable indexing (tick stats + snapshot metadata)")
		loadLatest  = flag.Bool("load_latest_snapshot", true, "resume from the latest complete snapshot set in the data dir")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[heatbugs] ", log.LstdFlags|log.Lmicroseconds)

	cp := strings.TrimSpace(*clusterPath)
	if cp == "" {
		cp = filepath.Join(*configDir, "cluster.yaml")
	}
	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	cfg, err := cluster.Load(cp)
	if err != nil {
		logger.Fatalf("load cluster config: %v", err)
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}
	layout, err := cfg.Layout()
	if err != nil {
		logger.Fatalf("layout: %v", err)
	}
	_ = os.MkdirAll(*dataDir, 0o755)

	// Find the snapshot set to resume from before anything touches the data dir.
	var resumeTick uint64
	resume := false
	if *loadLatest {
		resumeTick, resume, err = snapshot.LatestComplete(*dataDir, layout.Partitions())
		if err != nil {
			logger.Fatalf("scan snapshots: %v", err)
		}
	}

	// Optional: read-model index backend (does not affect the simulation).
	idx, err := openRuntimeIndex(*dataDir, *disableDB, logger)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	inbox, err := cluster.NewInbox(cfg)
	if err != nil {
		logger.Fatalf("inbox: %v", err)
	}

	mux := http.NewServeMux()
	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		logger.Fatalf("listen: %v", err)
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	opts := cluster.Options{
		Inbox:  inbox,
		Logger: logger,
	}
	var rma *rmaws.Server
	var clients []*rmaws.Client
	switch *transport {
	case "local":
	case "ws":
		rma = rmaws.NewServer(inbox, logger)
		mux.HandleFunc("/v1/rma", rma.Handler())
		url := "ws://" + loopbackAddr(ln.Addr()) + "/v1/rma"
		opts.WindowFor = func(rank int) (migration.Window, error) {
			dctx, dcancel := context.WithTimeout(ctx, 5*time.Second)
			defer dcancel()
			cl, err := rmaws.Dial(dctx, url, rmaws.DialOptions{Rank: rank, Logger: logger})
			if err != nil {
				return nil, err
			}
			clients = append(clients, cl)
			return cl, nil
		}
	default:
		logger.Fatalf("unsupported -transport %q (want local or ws)", *transport)
	}

	// The rma endpoint must be reachable before partitions dial it.
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Serve: %v", err)
		}
	}()
	logger.Printf("listening on %s", ln.Addr())

	var snaps []snapshot.SnapshotV1
	if resume {
		for r := 0; r < layout.Partitions(); r++ {
			s, err := snapshot.ReadSnapshot(snapshot.Path(*dataDir, r, resumeTick))
			if err != nil {
				logger.Fatalf("read snapshot: %v", err)
			}
			snaps = append(snaps, s)
		}
		// The run continues under the id it was started with.
		opts.RunID = snaps[0].Header.RunID
	}

	c, err := cluster.New(cfg, tune, opts)
	if err != nil {
		logger.Fatalf("cluster: %v", err)
	}
	if resume {
		if err := c.Restore(snaps); err != nil {
			logger.Fatalf("restore: %v", err)
		}
		logger.Printf("resumed run=%s tick=%d agents=%s", c.RunID(), c.CurrentTick(), humanize.Comma(int64(c.Population())))
	} else {
		if err := c.Populate(); err != nil {
			logger.Fatalf("populate: %v", err)
		}
		logger.Printf("new run=%s grid=%dx%d partitions=%dx%d agents=%s", c.RunID(), cfg.Width, cfg.Height, cfg.PH, cfg.PW, humanize.Comma(int64(c.Population())))
	}

	runLog := persistlog.NewRunLogger(*dataDir)
	kind := "start"
	if resume {
		kind = "resume"
	}
	writeRunEvent(runLog, logger, c, kind, "transport="+*transport)

	if idx != nil {
		if err := idx.RecordRun(c.RunID(), cfg, tune); err != nil {
			logger.Printf("index backend: record run: %v", err)
		}
	}

	tickLog := persistlog.NewTickLogger(*dataDir)
	c.SetTickLogger(multiTickLogger{a: tickLog, b: idx})

	// Snapshot writer.
	snapCh := make(chan []snapshot.SnapshotV1, 2)
	c.SetSnapshotSink(snapCh)
	snapDone := make(chan struct{})
	go func() {
		defer close(snapDone)
		for {
			select {
			case <-ctx.Done():
				return
			case set := <-snapCh:
				writeSnapshotSet(*dataDir, set, idx, logger)
			}
		}
	}()

	registerStatusHandlers(mux, statusDeps{cluster: c, rma: rma, index: idx})
	registerAdminHandlers(mux, c, logger)

	if err := c.Start(ctx); err != nil {
		logger.Fatalf("start: %v", err)
	}
	started := time.Now()
	startTick := c.CurrentTick()
	runErr := c.Run(ctx, *maxTicks)

	cancel()
	c.Wait()
	<-snapDone
	for _, cl := range clients {
		_ = cl.Close()
	}
	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	_ = srv.Shutdown(ctx2)
	cancel2()

	ticks := c.CurrentTick() - startTick
	elapsed := time.Since(started)
	logger.Printf("stopped at tick=%d after %s ticks in %s", c.CurrentTick(), humanize.Comma(int64(ticks)), elapsed.Round(time.Millisecond))

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		writeRunEvent(runLog, logger, c, "error", runErr.Error())
		closeAll(tickLog, runLog, idx)
		logger.Fatalf("run: %v", runErr)
	}
	writeRunEvent(runLog, logger, c, "stop", fmt.Sprintf("ticks=%d elapsed_ms=%d", ticks, elapsed.Milliseconds()))
	closeAll(tickLog, runLog, idx)
}

func writeSnapshotSet(dataDir string, set []snapshot.SnapshotV1, idx runtimeIndex, logger *log.Logger) {
	for _, snap := range set {
		path := snapshot.Path(dataDir, snap.Header.Rank, snap.Header.Tick)
		if err := snapshot.WriteSnapshot(path, snap); err != nil {
			logger.Printf("snapshot write rank=%d tick=%d: %v", snap.Header.Rank, snap.Header.Tick, err)
			continue
		}
		if idx != nil {
			idx.RecordSnapshot(path, snap)
		}
	}
	if len(set) > 0 {
		logger.Printf("snapshot tick=%d partitions=%d", set[0].Header.Tick, len(set))
	}
}

func writeRunEvent(l *persistlog.RunLogger, logger *log.Logger, c *cluster.Cluster, kind, msg string) {
	err := l.WriteEvent(persistlog.RunEvent{
		Time:    time.Now().UTC(),
		RunID:   c.RunID(),
		Kind:    kind,
		Tick:    c.CurrentTick(),
		Message: msg,
	})
	if err != nil {
		logger.Printf("run log: %v", err)
	}
}

func closeAll(tickLog *persistlog.TickLogger, runLog *persistlog.RunLogger, idx runtimeIndex) {
	_ = tickLog.Close()
	_ = runLog.Close()
	if idx != nil {
		_ = idx.Close()
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

// loopbackAddr turns a wildcard listen address into one a local client can dial.
func loopbackAddr(a net.Addr) string {
	tcp, ok := a.(*net.TCPAddr)
	if !ok {
		return a.String()
	}
	if tcp.IP == nil || tcp.IP.IsUnspecified() {
		return net.JoinHostPort("127.0.0.1", fmt.Sprint(tcp.Port))
	}
	return tcp.String()
}

type multiTickLogger struct {
	a cluster.TickLogger
	b cluster.TickLogger
}

func (m multiTickLogger) WriteTick(entry cluster.TickLogEntry) error {
	if m.a != nil {
		_ = m.a.WriteTick(entry)
	}
	if m.b != nil {
		_ = m.b.WriteTick(entry)
	}
	return nil
}
