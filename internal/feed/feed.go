// Package feed fans alert traffic out to WebSocket dashboards. It
// subscribes to the Redis channels the tick pipeline publishes on,
// keeps the latest payload per channel for late joiners, and buffers
// recent envelopes so a client can backfill a gap without reconnecting.
package feed

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"

	"github.com/obscurainvera/onchain-sub000/internal/model"
	redisstore "github.com/obscurainvera/onchain-sub000/internal/store/redis"
)

// Hub owns the WebSocket client set and the Redis subscriptions.
// Sub-components split the work:
//   - Router: Redis subscription loops
//   - Broadcaster: envelope construction + filtered fan-out
type Hub struct {
	Rdb    *goredis.Client
	Reader *redisstore.Reader
	TFs    []model.Timeframe

	mu       sync.RWMutex
	clients  map[*Client]bool
	latest   map[string]latestEntry
	seq      int64
	chanSeqs map[string]int64
	backlogs map[string]*Backlog

	Latency     *LatencyTracker
	Router      *Router
	Broadcaster *Broadcaster
}

type latestEntry struct {
	Data json.RawMessage
	TS   time.Time
	Seq  int64
}

// NewHub creates a Hub watching the given timeframes.
func NewHub(rdb *goredis.Client, tfs []model.Timeframe) *Hub {
	h := &Hub{
		Rdb:      rdb,
		Reader:   redisstore.NewReader(rdb),
		TFs:      tfs,
		clients:  make(map[*Client]bool),
		latest:   make(map[string]latestEntry),
		chanSeqs: make(map[string]int64),
		backlogs: make(map[string]*Backlog),
		Latency:  NewLatencyTracker(2048),
	}
	h.Router = NewRouter(h)
	h.Broadcaster = NewBroadcaster(h)
	return h
}

// Run starts the Redis subscription loops. Blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	go h.Router.RunPattern(ctx)
	h.Router.RunExplicit(ctx)
}

// alertChannels lists the explicit subscription targets, one per
// timeframe.
func (h *Hub) alertChannels() []string {
	channels := make([]string, 0, len(h.TFs))
	for _, tf := range h.TFs {
		channels = append(channels, "pub:alerts:"+string(tf))
	}
	return channels
}

// HandleWSRequest registers an upgraded connection and starts its pumps.
func (h *Hub) HandleWSRequest(conn *websocket.Conn, lastTS string) {
	client := &Client{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
		subs: make(map[string]*Subscription),
	}

	conn.EnableWriteCompression(true)

	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()

	log.Printf("[feed] ws client connected (%d total)", count)

	go client.sendInitialState(lastTS)
	go client.writePump()
	go client.readPump()
}

// RemoveClient drops a client from the hub.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	close(c.send)
}

// GetLatestAll returns a snapshot of the last payload per channel.
func (h *Hub) GetLatestAll() map[string]json.RawMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()
	cp := make(map[string]json.RawMessage, len(h.latest))
	for k, v := range h.latest {
		cp[k] = v.Data
	}
	return cp
}

// GetBacklogRange returns buffered envelopes for a channel with
// channel_seq in [from, to]. Serves the gap-backfill REST endpoint.
func (h *Hub) GetBacklogRange(channel string, from, to int64) [][]byte {
	h.mu.RLock()
	bl, ok := h.backlogs[channel]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	return bl.Range(from, to)
}

// GetChannelSeq returns the last assigned sequence for a channel.
func (h *Hub) GetChannelSeq(channel string) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.chanSeqs[channel]
}

// ClientCount returns the number of connected WS clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
