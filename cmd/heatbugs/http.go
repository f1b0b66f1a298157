package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"

	"heatbugs.ai/internal/persistence/indexdb"
	"heatbugs.ai/internal/sim/cluster"
	"heatbugs.ai/internal/sim/grid"
	"heatbugs.ai/internal/sim/partition"
	"heatbugs.ai/internal/transport/rmaws"
)

type statusDeps struct {
	cluster *cluster.Cluster
	rma     *rmaws.Server
	index   runtimeIndex
}

func registerStatusHandlers(mux *http.ServeMux, d statusDeps) {
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeClusterMetrics(rw, d.cluster)
		writeRMAMetrics(rw, d.rma)
		writeIndexMetrics(rw, d.index)
	})
}

func registerAdminHandlers(mux *http.ServeMux, c *cluster.Cluster, logger *log.Logger) {
	enableAdminHTTP := envBool("HB_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("HB_ENABLE_PPROF_HTTP", false)
	if enableAdminHTTP {
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			resp := struct {
				RunID      string              `json:"run_id"`
				Tick       uint64              `json:"tick"`
				Population int                 `json:"population"`
				Layout     grid.Layout         `json:"layout"`
				Partitions []partition.Metrics `json:"partitions"`
			}{
				RunID:      c.RunID(),
				Tick:       c.CurrentTick(),
				Population: c.Population(),
				Layout:     c.Layout(),
				Partitions: c.Metrics(),
			}
			_ = json.NewEncoder(rw).Encode(resp)
		})
	} else {
		logger.Printf("admin endpoints disabled (HB_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (HB_ENABLE_PPROF_HTTP=false)")
	}
}

func writeClusterMetrics(rw http.ResponseWriter, c *cluster.Cluster) {
	run := c.RunID()
	parts := c.Metrics()

	// Minimal Prometheus exposition format.
	fmt.Fprintf(rw, "# HELP heatbugs_tick Last completed tick.\n")
	fmt.Fprintf(rw, "# TYPE heatbugs_tick gauge\n")
	fmt.Fprintf(rw, "heatbugs_tick{run=%q} %d\n", run, c.CurrentTick())

	fmt.Fprintf(rw, "# HELP heatbugs_population Agents the run was started with.\n")
	fmt.Fprintf(rw, "# TYPE heatbugs_population gauge\n")
	fmt.Fprintf(rw, "heatbugs_population{run=%q} %d\n", run, c.Population())

	fmt.Fprintf(rw, "# HELP heatbugs_partition_agents Agents currently owned by a partition.\n")
	fmt.Fprintf(rw, "# TYPE heatbugs_partition_agents gauge\n")
	for _, m := range parts {
		fmt.Fprintf(rw, "heatbugs_partition_agents{run=%q,rank=\"%d\"} %d\n", run, m.Rank, m.Agents)
	}

	fmt.Fprintf(rw, "# HELP heatbugs_partition_migrations_total Migration records by direction.\n")
	fmt.Fprintf(rw, "# TYPE heatbugs_partition_migrations_total counter\n")
	for _, m := range parts {
		fmt.Fprintf(rw, "heatbugs_partition_migrations_total{run=%q,rank=\"%d\",dir=%q} %d\n", run, m.Rank, "sent", m.SentTotal)
		fmt.Fprintf(rw, "heatbugs_partition_migrations_total{run=%q,rank=\"%d\",dir=%q} %d\n", run, m.Rank, "local", m.LocalTotal)
		fmt.Fprintf(rw, "heatbugs_partition_migrations_total{run=%q,rank=\"%d\",dir=%q} %d\n", run, m.Rank, "received", m.ReceivedTotal)
	}

	fmt.Fprintf(rw, "# HELP heatbugs_partition_heat Sum of owned heat cells.\n")
	fmt.Fprintf(rw, "# TYPE heatbugs_partition_heat gauge\n")
	for _, m := range parts {
		fmt.Fprintf(rw, "heatbugs_partition_heat{run=%q,rank=\"%d\"} %.3f\n", run, m.Rank, m.Heat)
	}
}

func writeRMAMetrics(rw http.ResponseWriter, s *rmaws.Server) {
	if s == nil {
		return
	}
	st := s.Stats()
	fmt.Fprintf(rw, "# HELP heatbugs_rma_sessions Open websocket RMA sessions.\n")
	fmt.Fprintf(rw, "# TYPE heatbugs_rma_sessions gauge\n")
	fmt.Fprintf(rw, "heatbugs_rma_sessions %d\n", st.Sessions)

	fmt.Fprintf(rw, "# HELP heatbugs_rma_ops_total RMA operations served.\n")
	fmt.Fprintf(rw, "# TYPE heatbugs_rma_ops_total counter\n")
	fmt.Fprintf(rw, "heatbugs_rma_ops_total{op=%q} %d\n", "fetch_add", st.FetchAdds)
	fmt.Fprintf(rw, "heatbugs_rma_ops_total{op=%q} %d\n", "put", st.Puts)

	fmt.Fprintf(rw, "# HELP heatbugs_rma_failures_total RMA operations answered with an error code.\n")
	fmt.Fprintf(rw, "# TYPE heatbugs_rma_failures_total counter\n")
	fmt.Fprintf(rw, "heatbugs_rma_failures_total %d\n", st.Failures)
}

func writeIndexMetrics(rw http.ResponseWriter, idx runtimeIndex) {
	switch v := idx.(type) {
	case *indexdb.SQLiteIndex:
		st := v.Stats()
		fmt.Fprintf(rw, "# HELP heatbugs_index_queue_depth Index writer queue depth.\n")
		fmt.Fprintf(rw, "# TYPE heatbugs_index_queue_depth gauge\n")
		fmt.Fprintf(rw, "heatbugs_index_queue_depth{backend=%q} %d\n", "sqlite", st.QueueDepth)

		fmt.Fprintf(rw, "# HELP heatbugs_index_dropped_total Index rows dropped because the queue was full.\n")
		fmt.Fprintf(rw, "# TYPE heatbugs_index_dropped_total counter\n")
		fmt.Fprintf(rw, "heatbugs_index_dropped_total{backend=%q,kind=%q} %d\n", "sqlite", "tick", st.DropTickTotal)
		fmt.Fprintf(rw, "heatbugs_index_dropped_total{backend=%q,kind=%q} %d\n", "sqlite", "snapshot", st.DropSnapshotTotal)

		fmt.Fprintf(rw, "# HELP heatbugs_index_write_errors_total Failed index writes.\n")
		fmt.Fprintf(rw, "# TYPE heatbugs_index_write_errors_total counter\n")
		fmt.Fprintf(rw, "heatbugs_index_write_errors_total{backend=%q} %d\n", "sqlite", st.WriteErrorTotal)
	case *indexdb.HTTPIndex:
		st := v.Stats()
		fmt.Fprintf(rw, "# HELP heatbugs_index_queue_depth Index writer queue depth.\n")
		fmt.Fprintf(rw, "# TYPE heatbugs_index_queue_depth gauge\n")
		fmt.Fprintf(rw, "heatbugs_index_queue_depth{backend=%q} %d\n", "http", st.QueueDepth)

		fmt.Fprintf(rw, "# HELP heatbugs_index_dropped_total Index rows dropped because the queue was full.\n")
		fmt.Fprintf(rw, "# TYPE heatbugs_index_dropped_total counter\n")
		fmt.Fprintf(rw, "heatbugs_index_dropped_total{backend=%q,kind=%q} %d\n", "http", "queue", st.QueueDroppedTotal)
		fmt.Fprintf(rw, "heatbugs_index_dropped_total{backend=%q,kind=%q} %d\n", "http", "retain", st.RetainDroppedTotal)

		fmt.Fprintf(rw, "# HELP heatbugs_index_flush_total Ingest batch flushes by outcome.\n")
		fmt.Fprintf(rw, "# TYPE heatbugs_index_flush_total counter\n")
		fmt.Fprintf(rw, "heatbugs_index_flush_total{result=%q} %d\n", "ok", st.FlushOKTotal)
		fmt.Fprintf(rw, "heatbugs_index_flush_total{result=%q} %d\n", "fail", st.FlushFailTotal)
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
