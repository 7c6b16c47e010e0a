package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/obscurainvera/onchain-sub000/internal/feed"
	"github.com/obscurainvera/onchain-sub000/internal/model"
)

var processStart = time.Now()

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[alertgw] starting...")

	redisAddr := getEnv("REDIS_ADDR", "localhost:6379")
	redisPassword := getEnv("REDIS_PASSWORD", "")
	redisDB := getEnvInt("REDIS_DB", 0)
	listenAddr := getEnv("FEED_ADDR", ":9091")

	// Connect to Redis
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     redisAddr,
		Password: redisPassword,
		DB:       redisDB,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("[alertgw] redis connection failed: %v", err)
	}
	log.Printf("[alertgw] redis connected at %s", redisAddr)

	// Hub manages all WebSocket connections
	hub := feed.NewHub(rdb, model.Timeframes)
	go hub.Run(ctx)
	go hub.StartStatsBroadcast(ctx, processStart)

	mux := http.NewServeMux()
	feed.RegisterRoutes(mux, hub, processStart)

	srv := &http.Server{Addr: listenAddr, Handler: mux}

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("[alertgw] ✅ serving at http://localhost%s", listenAddr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("[alertgw] server error: %v", err)
		}
	}()

	<-sigCh
	log.Println("[alertgw] shutting down...")
	cancel()
	srv.Shutdown(context.Background())
	rdb.Close()
	log.Println("[alertgw] shutdown complete.")
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n := 0
	for _, c := range v {
		if c < '0' || c > '9' {
			return fallback
		}
		n = n*10 + int(c-'0')
	}
	return n
}
