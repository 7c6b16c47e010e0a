// Package scheduler drives the ingestion loop. Every tick it loads the
// due 15m catalog rows, pulls fresh bars from the vendors, folds the
// higher timeframes, advances the indicator chains, and evaluates
// alerts. Tokens are processed by a small worker pool; one bad token
// never stalls the rest of the tick.
package scheduler

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/obscurainvera/onchain-sub000/internal/alert"
	"github.com/obscurainvera/onchain-sub000/internal/logger"
	"github.com/obscurainvera/onchain-sub000/internal/marketcap"
	"github.com/obscurainvera/onchain-sub000/internal/marketdata"
	"github.com/obscurainvera/onchain-sub000/internal/metrics"
	"github.com/obscurainvera/onchain-sub000/internal/model"
	"github.com/obscurainvera/onchain-sub000/internal/notification"
	"github.com/obscurainvera/onchain-sub000/internal/store/redis"
	"github.com/obscurainvera/onchain-sub000/internal/store/sqlite"
)

// Config tunes the loop. Zero values fall back to the defaults below.
type Config struct {
	TickInterval     time.Duration
	TickBudget       time.Duration
	Workers          int
	BufferSeconds    int64
	CreditResetCheck time.Duration
	KeepaliveURL     string
	KeepaliveEvery   time.Duration
}

// Deps are the collaborators the loop drives. Publisher and MarketCap
// may be nil; both degrade to a no-op.
type Deps struct {
	Store     *sqlite.Store
	Fetcher   *marketdata.Fetcher
	Alerts    *alert.Engine
	Composer  *notification.Composer
	Notifier  notification.Notifier
	MarketCap *marketcap.Client
	Publisher *redis.Publisher
	Metrics   *metrics.Metrics
	Health    *metrics.HealthStatus
}

// Service is the scheduler. One instance runs per process.
type Service struct {
	cfg      Config
	store    *sqlite.Store
	fetcher  *marketdata.Fetcher
	engine   *alert.Engine
	composer *notification.Composer
	notifier notification.Notifier
	mcap     *marketcap.Client
	pub      *redis.Publisher
	prom     *metrics.Metrics
	health   *metrics.HealthStatus

	mu   sync.Mutex // held for the duration of one tick
	ping *http.Client
}

func New(cfg Config, d Deps) *Service {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Minute
	}
	if cfg.TickBudget <= 0 {
		cfg.TickBudget = 4 * time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BufferSeconds <= 0 {
		cfg.BufferSeconds = 60
	}
	if cfg.CreditResetCheck <= 0 {
		cfg.CreditResetCheck = 10 * time.Minute
	}
	if cfg.KeepaliveEvery <= 0 {
		cfg.KeepaliveEvery = 10 * time.Minute
	}
	return &Service{
		cfg:      cfg,
		store:    d.Store,
		fetcher:  d.Fetcher,
		engine:   d.Alerts,
		composer: d.Composer,
		notifier: d.Notifier,
		mcap:     d.MarketCap,
		pub:      d.Publisher,
		prom:     d.Metrics,
		health:   d.Health,
		ping:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Run blocks until ctx is cancelled. The first tick fires immediately
// so a restart does not sit out a full interval.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	resets := time.NewTicker(s.cfg.CreditResetCheck)
	defer resets.Stop()
	keepalive := time.NewTicker(s.cfg.KeepaliveEvery)
	defer keepalive.Stop()

	slog.Info("scheduler started",
		"tick", s.cfg.TickInterval.String(),
		"budget", s.cfg.TickBudget.String(),
		"workers", s.cfg.Workers)

	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		case <-resets.C:
			s.resetCredits(ctx)
		case <-keepalive.C:
			s.keepalive(ctx)
		}
	}
}

// Tick runs one scheduling pass. If the previous tick is still in
// flight the call is dropped; a slow tick must never pile up behind
// itself.
func (s *Service) Tick(ctx context.Context) {
	if !s.mu.TryLock() {
		s.prom.TicksSkipped.Inc()
		slog.Warn("tick skipped, previous run still in flight")
		return
	}
	defer s.mu.Unlock()

	runID := uuid.NewString()[:8]
	ctx, cancel := context.WithTimeout(logger.WithTraceID(ctx, runID), s.cfg.TickBudget)
	defer cancel()

	start := time.Now()
	s.prom.TicksTotal.Inc()

	tokens, err := s.activeTokens(ctx)
	if err != nil {
		slog.Error("load active tokens", "run", runID, "err", err)
		return
	}
	s.health.SetActiveTokens(len(tokens))

	due, err := s.store.DueTimeframes(ctx, model.TF15m, start.Unix(), s.cfg.BufferSeconds)
	if err != nil {
		slog.Error("load due set", "run", runID, "err", err)
		return
	}

	sum := &tickSummary{}
	if len(due) > 0 {
		s.processDue(ctx, tokens, due, sum)
	}

	s.health.SetLastTickTime(time.Now())
	s.prom.TickDur.Observe(time.Since(start).Seconds())
	slog.Info("tick complete",
		"run", runID,
		"active", len(tokens),
		"due", len(due),
		"processed", sum.processed.Load(),
		"failed", sum.failed.Load(),
		"candles", sum.candles.Load(),
		"alerts", sum.alerts.Load(),
		"notified", sum.notified.Load(),
		"elapsed", time.Since(start).Round(time.Millisecond).String())
}

// processDue fans the due rows out over the worker pool and waits for
// the pool to drain.
func (s *Service) processDue(ctx context.Context, tokens map[string]*model.Token, due []model.TimeframeRecord, sum *tickSummary) {
	jobs := make(chan model.TimeframeRecord)
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range jobs {
				tok, ok := tokens[rec.TokenAddress]
				if !ok {
					continue // disabled between the two queries
				}
				s.processToken(ctx, tok, rec, sum)
			}
		}()
	}

feed:
	for _, rec := range due {
		select {
		case jobs <- rec:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()
}

func (s *Service) activeTokens(ctx context.Context) (map[string]*model.Token, error) {
	list, err := s.store.ActiveTokens(ctx)
	if err != nil {
		return nil, err
	}
	m := make(map[string]*model.Token, len(list))
	for i := range list {
		m[list[i].TokenAddress] = &list[i]
	}
	return m, nil
}

// resetCredits restores vendor key budgets whose daily window has
// rolled over.
func (s *Service) resetCredits(ctx context.Context) {
	n, err := s.store.ResetDueCredentials(ctx, time.Now().Unix())
	if err != nil {
		slog.Error("credential reset", "err", err)
		return
	}
	if n > 0 {
		s.prom.CreditResets.Add(float64(n))
		slog.Info("credentials reset", "count", n)
	}
}

// keepalive pings an external URL so free-tier hosts do not idle the
// process out.
func (s *Service) keepalive(ctx context.Context) {
	if s.cfg.KeepaliveURL == "" {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.KeepaliveURL, nil)
	if err != nil {
		return
	}
	resp, err := s.ping.Do(req)
	if err != nil {
		slog.Warn("keepalive ping failed", "err", err)
		return
	}
	resp.Body.Close()
}

// tickSummary aggregates per-token outcomes across the worker pool.
type tickSummary struct {
	processed atomic.Int64
	failed    atomic.Int64
	candles   atomic.Int64
	alerts    atomic.Int64
	notified  atomic.Int64
}

// kv appends the request trace to a slog argument list.
func kv(ctx context.Context, args ...any) []any {
	return append(args, logger.LogWithTrace(ctx)...)
}
