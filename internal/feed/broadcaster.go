package feed

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/obscurainvera/onchain-sub000/internal/model"
)

// Broadcaster builds envelope JSON and fans messages out to the
// clients whose subscriptions match.
type Broadcaster struct {
	hub *Hub
}

// NewBroadcaster creates a Broadcaster backed by the given Hub.
func NewBroadcaster(hub *Hub) *Broadcaster {
	return &Broadcaster{hub: hub}
}

// Broadcast sends one Redis payload to every matching client. The
// envelope is hand-crafted rather than marshalled; it carries a global
// seq plus a per-channel seq so clients can detect dropped frames.
func (b *Broadcaster) Broadcast(channel string, data []byte) {
	now := time.Now().UTC()

	pc := parseChannel(channel)
	token := payloadToken(pc, data)

	// Alert payloads carry their journal time; the delta to now is the
	// pipeline-to-dashboard delay.
	if b.hub.Latency != nil && pc != nil && pc.kind == kindAlert {
		if created := extractCreatedAt(data); created > 0 {
			if d := now.Sub(time.Unix(created, 0)); d >= 0 {
				b.hub.Latency.Record(d)
			}
		}
	}

	b.hub.mu.Lock()
	b.hub.chanSeqs[channel]++
	channelSeq := b.hub.chanSeqs[channel]
	b.hub.latest[channel] = latestEntry{Data: data, TS: now, Seq: channelSeq}
	b.hub.seq++
	seq := b.hub.seq
	bl, ok := b.hub.backlogs[channel]
	if !ok {
		bl = NewBacklog(256)
		b.hub.backlogs[channel] = bl
	}
	b.hub.mu.Unlock()

	buf := make([]byte, 0, len(channel)+len(data)+160)
	buf = append(buf, `{"channel":"`...)
	buf = append(buf, channel...)
	buf = append(buf, `","data":`...)
	buf = append(buf, data...)
	buf = append(buf, `,"ts":"`...)
	buf = now.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, `,"channel_seq":`...)
	buf = strconv.AppendInt(buf, channelSeq, 10)
	buf = append(buf, '}')

	bl.Push(channelSeq, buf)

	b.hub.mu.RLock()
	defer b.hub.mu.RUnlock()
	for client := range b.hub.clients {
		if !client.wants(pc, token) {
			continue
		}
		select {
		case client.send <- buf:
		default:
		}
	}
}

const (
	kindAlert = "alert"
	kindState = "state"
)

// parsedChannel holds the decoded parts of a mirror channel name.
type parsedChannel struct {
	kind  string
	tf    model.Timeframe // alert channels
	token string          // state channels
}

// parseChannel decodes "pub:alerts:{tf}" and "pub:ind:{token}".
// Returns nil for anything else.
func parseChannel(channel string) *parsedChannel {
	parts := strings.Split(channel, ":")
	if len(parts) != 3 || parts[0] != "pub" {
		return nil
	}
	switch parts[1] {
	case "alerts":
		tf := model.Timeframe(parts[2])
		if !tf.Valid() {
			return nil
		}
		return &parsedChannel{kind: kindAlert, tf: tf}
	case "ind":
		return &parsedChannel{kind: kindState, token: parts[2]}
	}
	return nil
}

// payloadToken resolves the token a message concerns. State channels
// name the token; alert channels are timeframe-scoped, so the token
// comes from the payload.
func payloadToken(pc *parsedChannel, data []byte) string {
	if pc == nil {
		return ""
	}
	if pc.kind == kindState {
		return pc.token
	}
	var partial struct {
		TokenAddress string `json:"token_address"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return ""
	}
	return partial.TokenAddress
}

func extractCreatedAt(data []byte) int64 {
	var partial struct {
		CreatedAt int64 `json:"created_at"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return 0
	}
	return partial.CreatedAt
}
