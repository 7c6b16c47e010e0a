// Package redis mirrors alert activity into Redis for downstream
// consumers (dashboards, bots). Writes are best-effort: the sqlite
// journal is the source of truth, so pipeline errors are logged and
// dropped rather than surfaced to the tick.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/obscurainvera/onchain-sub000/internal/model"
)

const (
	// Stream trimming: a few days of alerts at batch-tick volume.
	alertStreamMaxLen = 1000
	defaultLatestTTL  = 30 * time.Minute
)

// Config configures the Redis publisher.
type Config struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// Publisher writes notifications and indicator snapshots to Redis.
// A breaker shields the tick loop: after a run of failed pipelines
// writes are skipped until Redis answers a probe again.
type Publisher struct {
	client  *goredis.Client
	breaker *Breaker
}

// Client returns the underlying Redis client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// New creates a new Publisher and pings the server.
func New(cfg Config) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	breaker := NewBreaker(5, 10*time.Second)
	breaker.OnStateChange = func(from, to BreakerState) {
		log.Printf("[redis] breaker %s -> %s", from, to)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Publisher{client: client, breaker: breaker}, nil
}

// PublishAlert mirrors one journaled notification: XADD to the
// timeframe's alert stream, SET as the token's latest alert, PUBLISH
// for live subscribers. One pipeline, one roundtrip.
func (p *Publisher) PublishAlert(ctx context.Context, n *model.Notification) {
	if p.breaker.Allow() != nil {
		return
	}
	jsonData := string(n.JSON())

	pipe := p.client.Pipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: alertStreamKey(n.Timeframe),
		MaxLen: alertStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": jsonData},
	})
	pipe.Set(ctx, latestAlertKey(n.TokenAddress, n.Timeframe), jsonData, defaultLatestTTL)
	pipe.Publish(ctx, alertChannel(n.Timeframe), jsonData)

	_, err := pipe.Exec(ctx)
	p.breaker.Record(err)
	if err != nil {
		log.Printf("[redis] alert pipeline error for %s: %v", n.TokenAddress, err)
	}
}

// PublishSnapshot mirrors the latest indicator picture for a series:
// SET with TTL plus a PUBLISH so dashboards can follow along.
func (p *Publisher) PublishSnapshot(ctx context.Context, st *model.AlertState) {
	if p.breaker.Allow() != nil {
		return
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return
	}
	jsonData := string(raw)

	pipe := p.client.Pipeline()
	pipe.Set(ctx, snapshotKey(st.TokenAddress, st.Timeframe), jsonData, defaultLatestTTL)
	pipe.Publish(ctx, snapshotChannel(st.TokenAddress), jsonData)

	_, execErr := pipe.Exec(ctx)
	p.breaker.Record(execErr)
	if execErr != nil {
		log.Printf("[redis] snapshot pipeline error for %s: %v", st.TokenAddress, execErr)
	}
}

func alertStreamKey(tf model.Timeframe) string {
	return "alerts:" + string(tf)
}

func latestAlertKey(token string, tf model.Timeframe) string {
	return "alert:latest:" + token + ":" + string(tf)
}

func alertChannel(tf model.Timeframe) string {
	return "pub:alerts:" + string(tf)
}

func snapshotKey(token string, tf model.Timeframe) string {
	return "ind:latest:" + token + ":" + string(tf)
}

func snapshotChannel(token string) string {
	return "pub:ind:" + token
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
