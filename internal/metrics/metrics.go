// Package metrics holds the Prometheus instruments and the health
// snapshot served over HTTP. The Metrics value is injected into the
// driver, worker and watchdog at startup; there is no process-wide
// singleton.
package metrics

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons used as the label of DroppedRowsTotal.
const (
	DropQueueFull = "queue_full"
	DropDuplicate = "duplicate"
	DropFilter    = "filter"
	DropMapError  = "map_error"
)

// Metrics holds all Prometheus metrics for the collector.
type Metrics struct {
	PushRowsTotal     prometheus.Counter
	PollFetchedTotal  prometheus.Counter
	PollAcceptedTotal prometheus.Counter
	PollEnqueuedTotal prometheus.Counter
	DroppedRowsTotal  *prometheus.CounterVec // labels: reason
	Reconnects        prometheus.Counter

	QueueDepth    prometheus.Gauge
	QueueOverflow prometheus.Gauge

	CommitsTotal      prometheus.Counter
	RowsInsertedTotal prometheus.Counter
	RowsIgnoredTotal  prometheus.Counter
	CommitLatency     prometheus.Histogram
	BusyBackoffTotal  prometheus.Counter
	WriterRebuilds    prometheus.Counter
	WALSizeBytes      prometheus.Gauge

	WatchdogState      prometheus.Gauge // 0=ok 1=degraded 2=recovering 3=persistent_stall
	WriterRecoveries   prometheus.Counter
	RecoveryFailures   prometheus.Gauge
	DriftSeconds       prometheus.Gauge
	MaxSeqLag          prometheus.Gauge
}

// New registers and returns the collector metrics on reg. main passes
// prometheus.DefaultRegisterer; tests pass a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PushRowsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hktick_push_rows_total",
			Help: "Push-path rows offered into the queue",
		}),
		PollFetchedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hktick_poll_fetched_total",
			Help: "Rows fetched by the poll fallback",
		}),
		PollAcceptedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hktick_poll_accepted_total",
			Help: "Polled rows that passed the dedupe baseline",
		}),
		PollEnqueuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hktick_poll_enqueued_total",
			Help: "Polled rows offered into the queue",
		}),
		DroppedRowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hktick_dropped_rows_total",
			Help: "Rows dropped before persistence, by reason",
		}, []string{"reason"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hktick_gateway_reconnects_total",
			Help: "Gateway reconnection attempts",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hktick_queue_depth_rows",
			Help: "Rows buffered between the gateway paths and the worker",
		}),
		QueueOverflow: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hktick_queue_overflow_rows",
			Help: "Cumulative rows rejected by a full queue",
		}),
		CommitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hktick_db_commits_total",
			Help: "Batch transactions committed",
		}),
		RowsInsertedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hktick_rows_inserted_total",
			Help: "Rows inserted into day stores",
		}),
		RowsIgnoredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hktick_rows_ignored_total",
			Help: "Rows ignored as unique-index conflicts",
		}),
		CommitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hktick_commit_latency_seconds",
			Help:    "SQLite batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		BusyBackoffTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hktick_busy_backoff_total",
			Help: "Commit retries caused by busy/locked",
		}),
		WriterRebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hktick_writer_rebuilds_total",
			Help: "Writer connections rebuilt after permanent storage errors",
		}),
		WALSizeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hktick_wal_size_bytes",
			Help: "Write-ahead log size of the active day file",
		}),
		WatchdogState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hktick_watchdog_state",
			Help: "Watchdog state (0=ok 1=degraded 2=recovering 3=persistent_stall)",
		}),
		WriterRecoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hktick_writer_recoveries_total",
			Help: "Watchdog-triggered writer recoveries",
		}),
		RecoveryFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hktick_recovery_failures",
			Help: "Consecutive failed recovery cycles",
		}),
		DriftSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hktick_ts_drift_seconds",
			Help: "Wall clock minus max event time seen on the push/poll paths (not limited to committed rows)",
		}),
		MaxSeqLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hktick_max_seq_lag",
			Help: "Largest seen-persisted seq gap across symbols",
		}),
	}

	reg.MustRegister(
		m.PushRowsTotal,
		m.PollFetchedTotal,
		m.PollAcceptedTotal,
		m.PollEnqueuedTotal,
		m.DroppedRowsTotal,
		m.Reconnects,
		m.QueueDepth,
		m.QueueOverflow,
		m.CommitsTotal,
		m.RowsInsertedTotal,
		m.RowsIgnoredTotal,
		m.CommitLatency,
		m.BusyBackoffTotal,
		m.WriterRebuilds,
		m.WALSizeBytes,
		m.WatchdogState,
		m.WriterRecoveries,
		m.RecoveryFailures,
		m.DriftSeconds,
		m.MaxSeqLag,
	)
	return m
}

// Drop increments the dropped-rows counter for a reason.
func (m *Metrics) Drop(reason string, n int) {
	if n > 0 {
		m.DroppedRowsTotal.WithLabelValues(reason).Add(float64(n))
	}
}

// HealthStatus is the JSON document served at /healthz.
type HealthStatus struct {
	mu sync.RWMutex

	Connected      bool      `json:"connected"`
	LastTickTime   time.Time `json:"last_tick_time"`
	QueueDepth     int       `json:"queue_depth"`
	QueueCapacity  int       `json:"queue_capacity"`
	WatchdogState  string    `json:"watchdog_state"`
	TradingDay     string    `json:"trading_day"`
	TotalCommitted int64     `json:"total_committed"`
	StartedAt      time.Time `json:"started_at"`
}

func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now(), WatchdogState: "ok"}
}

func (h *HealthStatus) SetConnected(v bool) {
	h.mu.Lock()
	h.Connected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) Update(queueDepth, queueCap int, state, tradingDay string, committed int64) {
	h.mu.Lock()
	h.QueueDepth = queueDepth
	h.QueueCapacity = queueCap
	h.WatchdogState = state
	h.TradingDay = tradingDay
	h.TotalCommitted = committed
	h.mu.Unlock()
}

func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "healthy"
	code := http.StatusOK
	if !h.Connected || h.WatchdogState == "degraded" || h.WatchdogState == "recovering" {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	if h.WatchdogState == "persistent_stall" {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	payload := struct {
		Status         string `json:"status"`
		Uptime         string `json:"uptime"`
		Connected      bool   `json:"connected"`
		LastTickTime   string `json:"last_tick_time"`
		TickAge        string `json:"tick_age"`
		QueueDepth     int    `json:"queue_depth"`
		QueueCapacity  int    `json:"queue_capacity"`
		WatchdogState  string `json:"watchdog_state"`
		TradingDay     string `json:"trading_day"`
		TotalCommitted int64  `json:"total_committed"`
	}{
		Status:         status,
		Uptime:         time.Since(h.StartedAt).Round(time.Second).String(),
		Connected:      h.Connected,
		LastTickTime:   h.LastTickTime.Format(time.RFC3339),
		TickAge:        tickAge,
		QueueDepth:     h.QueueDepth,
		QueueCapacity:  h.QueueCapacity,
		WatchdogState:  h.WatchdogState,
		TradingDay:     h.TradingDay,
		TotalCommitted: h.TotalCommitted,
	}

	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(payload)
}

// Server exposes /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
}

func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)
	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: mux},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
