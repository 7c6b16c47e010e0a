package feed

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/obscurainvera/onchain-sub000/internal/model"
)

// SubscribeMsg is the client to server SUBSCRIBE request. Timeframes
// may be empty, meaning every tracked width.
type SubscribeMsg struct {
	Type       string   `json:"type"` // "SUBSCRIBE"
	ReqID      string   `json:"req_id"`
	Token      string   `json:"token_address"`
	Timeframes []string `json:"timeframes"`
}

// UnsubscribeMsg is the client to server UNSUBSCRIBE request.
type UnsubscribeMsg struct {
	Type  string `json:"type"` // "UNSUBSCRIBE"
	ReqID string `json:"req_id"`
	Token string `json:"token_address"`
}

// SnapshotResponse is the server to client SNAPSHOT. It carries the
// latest journaled alert and indicator state per timeframe, pulled
// from the mirror's latest keys at subscribe time. A missing entry
// means the key has expired or nothing fired yet.
type SnapshotResponse struct {
	Type   string                     `json:"type"` // "SNAPSHOT"
	ReqID  string                     `json:"req_id"`
	Token  string                     `json:"token_address"`
	Alerts map[string]json.RawMessage `json:"alerts"`
	States map[string]json.RawMessage `json:"states"`
}

// ErrorResponse is the server to client ERROR message.
type ErrorResponse struct {
	Type  string `json:"type"` // "ERROR"
	ReqID string `json:"req_id,omitempty"`
	Error string `json:"error"`
}

// Subscription is one token a client follows.
type Subscription struct {
	Token string
	TFs   []model.Timeframe
}

func (c *Client) handleSubscribe(msg SubscribeMsg) {
	if msg.Token == "" {
		SendError(c, msg.ReqID, "token_address is required")
		return
	}

	tfs := make([]model.Timeframe, 0, len(msg.Timeframes))
	for _, s := range msg.Timeframes {
		tf, err := model.ParseTimeframe(s)
		if err != nil {
			SendError(c, msg.ReqID, err.Error())
			return
		}
		tfs = append(tfs, tf)
	}

	sub := &Subscription{Token: msg.Token, TFs: tfs}
	c.subMu.Lock()
	c.subs[sub.Token] = sub
	c.subMu.Unlock()

	log.Printf("[feed] client subscribed: token=%s tfs=%v", msg.Token, msg.Timeframes)

	snap := c.buildSnapshot(sub)
	snap.ReqID = msg.ReqID
	SendJSON(c, snap)
}

func (c *Client) handleUnsubscribe(msg UnsubscribeMsg) {
	c.subMu.Lock()
	delete(c.subs, msg.Token)
	c.subMu.Unlock()

	log.Printf("[feed] client unsubscribed: token=%s", msg.Token)
}

// buildSnapshot reads the latest alert and state keys for every
// subscribed timeframe. Read errors leave the entry out rather than
// failing the subscribe.
func (c *Client) buildSnapshot(sub *Subscription) *SnapshotResponse {
	snap := &SnapshotResponse{
		Type:   "SNAPSHOT",
		Token:  sub.Token,
		Alerts: make(map[string]json.RawMessage),
		States: make(map[string]json.RawMessage),
	}

	tfs := sub.TFs
	if len(tfs) == 0 {
		tfs = c.hub.TFs
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	for _, tf := range tfs {
		if raw, err := c.hub.Reader.LatestAlert(ctx, sub.Token, tf); err == nil && raw != nil {
			snap.Alerts[string(tf)] = raw
		}
		if raw, err := c.hub.Reader.LatestState(ctx, sub.Token, tf); err == nil && raw != nil {
			snap.States[string(tf)] = raw
		}
	}
	return snap
}

// SendJSON marshals and queues a message for the client.
func SendJSON(c *Client, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[feed] json marshal error: %v", err)
		return
	}
	select {
	case c.send <- data:
	default:
		log.Println("[feed] client send buffer full, dropping message")
	}
}

// SendError queues an error response.
func SendError(c *Client, reqID, errMsg string) {
	SendJSON(c, ErrorResponse{Type: "ERROR", ReqID: reqID, Error: errMsg})
}
