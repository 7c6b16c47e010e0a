package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/go-redis/redis/v8"

	"github.com/obscurainvera/onchain-sub000/internal/model"
)

// Reader serves the query side of the mirror: alert backlogs out of
// the streams plus the latest per-series keys the publisher maintains.
// The feed gateway shares one connection pool between its subscriber
// and these reads.
type Reader struct {
	client *goredis.Client
}

// NewReader wraps an existing client.
func NewReader(client *goredis.Client) *Reader {
	return &Reader{client: client}
}

// AlertBacklog returns up to limit journaled alerts from the
// timeframe's stream in chronological order. beforeMs, when positive,
// bounds the scan to entries recorded before that unix-millisecond
// stream ID.
func (r *Reader) AlertBacklog(ctx context.Context, tf model.Timeframe, limit int, beforeMs int64) ([]json.RawMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	upper := "+"
	if beforeMs > 0 {
		upper = fmt.Sprintf("%d-0", beforeMs-1)
	}

	key := alertStreamKey(tf)
	msgs, err := r.client.XRevRangeN(ctx, key, upper, "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange %s: %w", key, err)
	}

	out := make([]json.RawMessage, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		data, ok := msgs[i].Values["data"].(string)
		if !ok {
			continue
		}
		out = append(out, json.RawMessage(data))
	}
	return out, nil
}

// LatestAlert returns the most recent alert payload for a series, or
// nil after the latest key has expired.
func (r *Reader) LatestAlert(ctx context.Context, token string, tf model.Timeframe) (json.RawMessage, error) {
	return r.get(ctx, latestAlertKey(token, tf))
}

// LatestState returns the last published indicator snapshot for a
// series, or nil after the key has expired.
func (r *Reader) LatestState(ctx context.Context, token string, tf model.Timeframe) (json.RawMessage, error) {
	return r.get(ctx, snapshotKey(token, tf))
}

func (r *Reader) get(ctx context.Context, key string) (json.RawMessage, error) {
	data, err := r.client.Get(ctx, key).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return json.RawMessage(data), nil
}

// StreamLen reports the current depth of a timeframe's alert stream.
func (r *Reader) StreamLen(ctx context.Context, tf model.Timeframe) int64 {
	n, err := r.client.XLen(ctx, alertStreamKey(tf)).Result()
	if err != nil {
		return 0
	}
	return n
}
