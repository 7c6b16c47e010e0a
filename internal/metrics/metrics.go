package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the ingestion engine.
type Metrics struct {
	TicksTotal   prometheus.Counter
	TicksSkipped prometheus.Counter
	TickDur      prometheus.Histogram

	TokensProcessed prometheus.Counter
	TokensDisabled  prometheus.Counter

	FetchesTotal    *prometheus.CounterVec // labels: vendor, outcome
	FetchDur        prometheus.Histogram
	CandlesIngested *prometheus.CounterVec // labels: timeframe, source
	CreditsSpent    *prometheus.CounterVec // labels: vendor
	CreditResets    prometheus.Counter

	PassFailures *prometheus.CounterVec   // labels: pass
	PassDur      *prometheus.HistogramVec // labels: pass

	AlertsEmitted *prometheus.CounterVec // labels: type
	NotifySends   *prometheus.CounterVec // labels: outcome
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickerd_ticks_total",
			Help: "Scheduler ticks executed",
		}),
		TicksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickerd_ticks_skipped_total",
			Help: "Ticks skipped because the previous one was still running",
		}),
		TickDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tickerd_tick_duration_seconds",
			Help:    "Wall-clock duration of one tick",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 240},
		}),

		TokensProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickerd_tokens_processed_total",
			Help: "Token pipeline runs completed",
		}),
		TokensDisabled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickerd_tokens_disabled_total",
			Help: "Tokens disabled after bootstrap or pipeline failures",
		}),

		FetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickerd_fetches_total",
			Help: "Vendor OHLCV fetches (by vendor and outcome)",
		}, []string{"vendor", "outcome"}),
		FetchDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tickerd_fetch_duration_seconds",
			Help:    "Vendor fetch latency including pagination",
			Buckets: prometheus.DefBuckets,
		}),
		CandlesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickerd_candles_ingested_total",
			Help: "Bars persisted (by timeframe and source)",
		}, []string{"timeframe", "source"}),
		CreditsSpent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickerd_credits_spent_total",
			Help: "Vendor API credits consumed",
		}, []string{"vendor"}),
		CreditResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickerd_credit_resets_total",
			Help: "Credential budget resets applied",
		}),

		PassFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickerd_pass_failures_total",
			Help: "Engine pass failures (by pass)",
		}, []string{"pass"}),
		PassDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tickerd_pass_duration_seconds",
			Help:    "Engine pass latency including its transaction",
			Buckets: prometheus.DefBuckets,
		}, []string{"pass"}),

		AlertsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickerd_alerts_emitted_total",
			Help: "Strategy events emitted (by type)",
		}, []string{"type"}),
		NotifySends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickerd_notify_sends_total",
			Help: "Notification delivery attempts (by outcome)",
		}, []string{"outcome"}),
	}

	prometheus.MustRegister(
		m.TicksTotal,
		m.TicksSkipped,
		m.TickDur,
		m.TokensProcessed,
		m.TokensDisabled,
		m.FetchesTotal,
		m.FetchDur,
		m.CandlesIngested,
		m.CreditsSpent,
		m.CreditResets,
		m.PassFailures,
		m.PassDur,
		m.AlertsEmitted,
		m.NotifySends,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	LastTickTime   time.Time `json:"last_tick_time"`
	ActiveTokens   int       `json:"active_tokens"`
	RedisEnabled   bool      `json:"redis_enabled"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		SQLiteOK:  true,
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetActiveTokens(n int) {
	h.mu.Lock()
	h.ActiveTokens = n
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisEnabled(v bool) {
	h.mu.Lock()
	h.RedisEnabled = v
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite runs a trivial query and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint. SQLite is the hard
// dependency; Redis only degrades the status when it is configured.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK
	if h.RedisEnabled && !h.RedisConnected {
		overallStatus = "degraded"
	}
	if !h.SQLiteOK {
		overallStatus = "unhealthy"
		httpCode = http.StatusServiceUnavailable
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		LastTickTime    string  `json:"last_tick_time"`
		TickAge         string  `json:"tick_age"`
		ActiveTokens    int     `json:"active_tokens"`
		RedisEnabled    bool    `json:"redis_enabled"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		LastTickTime:    h.LastTickTime.Format(time.RFC3339),
		TickAge:         tickAge,
		ActiveTokens:    h.ActiveTokens,
		RedisEnabled:    h.RedisEnabled,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
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
