package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/obscurainvera/onchain-sub000/config"
	"github.com/obscurainvera/onchain-sub000/internal/alert"
	"github.com/obscurainvera/onchain-sub000/internal/bootstrap"
	"github.com/obscurainvera/onchain-sub000/internal/logger"
	"github.com/obscurainvera/onchain-sub000/internal/marketcap"
	"github.com/obscurainvera/onchain-sub000/internal/marketdata"
	"github.com/obscurainvera/onchain-sub000/internal/metrics"
	"github.com/obscurainvera/onchain-sub000/internal/notification"
	"github.com/obscurainvera/onchain-sub000/internal/scheduler"
	redisstore "github.com/obscurainvera/onchain-sub000/internal/store/redis"
	sqlitestore "github.com/obscurainvera/onchain-sub000/internal/store/sqlite"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[tickerd] starting...")

	// ---- Load config from env ----
	cfg := config.Load()
	logger.Init("tickerd", logger.ParseLevel(cfg.LogLevel))

	// ---- Metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Graceful shutdown plumbing ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- SQLite store ----
	os.MkdirAll("data", 0o755)
	store, err := sqlitestore.Open(sqlitestore.Config{
		Path:    cfg.DBPath,
		Retries: cfg.DBRetries,
		Backoff: cfg.DBRetryBackoff(),
	})
	if err != nil {
		log.Fatalf("[tickerd] sqlite init failed: %v", err)
	}
	defer store.Close()
	health.SetSQLiteOK(true)
	log.Println("[tickerd] sqlite store ready")

	// ---- Redis mirror (optional) ----
	var pub *redisstore.Publisher
	if cfg.RedisEnabled() {
		pub, err = redisstore.New(redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			log.Printf("[tickerd] WARNING: redis init failed: %v (continuing without the mirror)", err)
			pub = nil
		} else {
			health.SetRedisEnabled(true)
			log.Println("[tickerd] redis mirror ready")
		}
	}

	// ---- Periodic liveness checks ----
	if pub != nil {
		health.StartLivenessChecker(ctx, pub.Client(), store.DB(), 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, store.DB(), 10*time.Second)
	}

	// ---- Candle vendors ----
	birdeye := marketdata.NewBirdeye(marketdata.BirdeyeConfig{
		BaseURL:  cfg.BirdeyeBaseURL,
		Chain:    cfg.Chain,
		PageSize: cfg.PageSize,
	})
	gecko := marketdata.NewGecko(marketdata.GeckoConfig{
		BaseURL:  cfg.GeckoBaseURL,
		Chain:    cfg.Chain,
		PageSize: cfg.PageSize,
	})
	fetcher := marketdata.NewFetcher(store, birdeye, gecko)

	// ---- Strategy engine & notification fan-out ----
	alertCfg := alert.DefaultConfig()
	alertCfg.TouchGapSeconds = int64(cfg.TouchGapSeconds)
	alertCfg.MaxTouchNotifies = int64(cfg.MaxTouchNotifies)
	engine := alert.New(alertCfg)
	composer := notification.NewComposer(cfg.TelegramChatID)

	var channels []notification.Notifier
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		channels = append(channels, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
		log.Println("[tickerd] telegram notifier ready")
	}
	if cfg.WebhookURL != "" {
		channels = append(channels, notification.NewWebhookNotifier(cfg.WebhookURL))
		log.Println("[tickerd] webhook notifier ready")
	}
	var notifier notification.Notifier
	switch len(channels) {
	case 0:
		notifier = notification.NewLogNotifier()
		log.Println("[tickerd] no delivery channel configured, alerts go to the log")
	case 1:
		notifier = channels[0]
	default:
		notifier = notification.NewMulti(channels...)
	}

	// ---- Onboarding & scheduler ----
	loader := bootstrap.New(store, fetcher, cfg.NewTokenMaxAgeDays, prom)

	svc := scheduler.New(scheduler.Config{
		TickInterval:     cfg.TickInterval(),
		TickBudget:       cfg.TickBudget(),
		Workers:          cfg.Workers,
		BufferSeconds:    int64(cfg.BufferSeconds),
		CreditResetCheck: time.Duration(cfg.CreditResetCheckMinutes) * time.Minute,
		KeepaliveURL:     cfg.KeepaliveURL,
		KeepaliveEvery:   time.Duration(cfg.KeepaliveMinutes) * time.Minute,
	}, scheduler.Deps{
		Store:     store,
		Fetcher:   fetcher,
		Alerts:    engine,
		Composer:  composer,
		Notifier:  notifier,
		MarketCap: marketcap.New(cfg.Chain),
		Publisher: pub,
		Metrics:   prom,
		Health:    health,
	})
	go svc.Run(ctx)

	// ---- Operator API ----
	mux := http.NewServeMux()
	scheduler.RegisterRoutes(mux, store, loader, cfg.AdminTOTPSecret)
	adminSrv := &http.Server{Addr: cfg.AdminAddr, Handler: mux}
	go func() {
		log.Printf("[tickerd] operator API listening on %s", cfg.AdminAddr)
		if err := adminSrv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[tickerd] operator API error: %v", err)
		}
	}()

	log.Println("[tickerd] ╔════════════════════════════════════════════════════════════════╗")
	log.Println("[tickerd] ║  Token Ingestion & Indicator Engine                            ║")
	log.Println("[tickerd] ║                                                                ║")
	log.Println("[tickerd] ║  [Birdeye/Gecko] → [SQLite] → [VWAP AVWAP EMA RSI] → [Alerts]  ║")
	log.Printf("[tickerd] ║  Tick: %-6s  Workers: %-2d  Chain: %-20s    ║", cfg.TickInterval(), cfg.Workers, cfg.Chain)
	log.Println("[tickerd] ╚════════════════════════════════════════════════════════════════╝")

	// ---- Wait for shutdown signal ----
	<-sigCh
	log.Println("[tickerd] shutdown signal received, cleaning up...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	adminSrv.Shutdown(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)

	if pub != nil {
		pub.Close()
	}

	log.Println("[tickerd] shutdown complete.")
}
