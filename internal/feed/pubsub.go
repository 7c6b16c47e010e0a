package feed

import (
	"context"
	"log"
)

// Router runs the Redis subscription loops and hands payloads to the
// broadcaster.
type Router struct {
	hub *Hub
}

// NewRouter creates a Router backed by the given Hub.
func NewRouter(hub *Hub) *Router {
	return &Router{hub: hub}
}

// RunExplicit subscribes to the per-timeframe alert channels.
// Blocks until ctx is cancelled.
func (r *Router) RunExplicit(ctx context.Context) {
	channels := r.hub.alertChannels()
	if len(channels) == 0 {
		log.Println("[feed] WARNING: no alert channels to subscribe to")
		return
	}

	pubsub := r.hub.Rdb.Subscribe(ctx, channels...)
	defer pubsub.Close()

	log.Printf("[feed] subscribed to %d alert channels", len(channels))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.hub.Broadcaster.Broadcast(msg.Channel, []byte(msg.Payload))
		}
	}
}

// RunPattern subscribes to the token-keyed snapshot channels. The
// token set is open-ended, so these are matched by pattern.
func (r *Router) RunPattern(ctx context.Context) {
	pubsub := r.hub.Rdb.PSubscribe(ctx, "pub:ind:*")
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.hub.Broadcaster.Broadcast(msg.Channel, []byte(msg.Payload))
		}
	}
}
