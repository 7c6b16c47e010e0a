package feed

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/obscurainvera/onchain-sub000/internal/model"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// RegisterRoutes registers the feed's HTTP surface on the provided mux.
func RegisterRoutes(mux *http.ServeMux, hub *Hub, processStart time.Time) {
	// WebSocket endpoint. last_ts trims the initial-state replay to
	// entries newer than the client's last seen envelope.
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[feed] ws upgrade error: %v", err)
			return
		}
		hub.HandleWSRequest(conn, r.URL.Query().Get("last_ts"))
	})

	// REST: alert backlog from the timeframe's stream.
	mux.HandleFunc("/api/alerts", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		w.Header().Set("Content-Type", "application/json")

		tf, err := model.ParseTimeframe(defaultStr(r.URL.Query().Get("tf"), string(model.TF15m)))
		if err != nil {
			http.Error(w, `{"error":"unknown timeframe"}`, http.StatusBadRequest)
			return
		}

		limit := 100
		if s := r.URL.Query().Get("limit"); s != "" {
			if l, err := strconv.Atoi(s); err == nil && l > 0 && l <= 1000 {
				limit = l
			}
		}

		var beforeMs int64
		if s := r.URL.Query().Get("before"); s != "" {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				beforeMs = t.UnixMilli()
			} else if t, err := time.Parse(time.RFC3339, s); err == nil {
				beforeMs = t.UnixMilli()
			}
		}

		alerts, err := hub.Reader.AlertBacklog(r.Context(), tf, limit, beforeMs)
		if err != nil {
			json.NewEncoder(w).Encode([]interface{}{})
			return
		}

		if token := r.URL.Query().Get("token"); token != "" {
			alerts = filterByToken(alerts, token)
		}
		if alerts == nil {
			alerts = []json.RawMessage{}
		}
		json.NewEncoder(w).Encode(alerts)
	})

	// REST: last payload seen per channel since boot.
	mux.HandleFunc("/api/alerts/latest", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(hub.GetLatestAll())
	})

	// REST: latest indicator state for one series.
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		w.Header().Set("Content-Type", "application/json")

		token := r.URL.Query().Get("token")
		if token == "" {
			http.Error(w, `{"error":"token is required"}`, http.StatusBadRequest)
			return
		}
		tf, err := model.ParseTimeframe(defaultStr(r.URL.Query().Get("tf"), string(model.TF15m)))
		if err != nil {
			http.Error(w, `{"error":"unknown timeframe"}`, http.StatusBadRequest)
			return
		}

		raw, err := hub.Reader.LatestState(r.Context(), token, tf)
		if err != nil {
			http.Error(w, `{"error":"mirror read failed"}`, http.StatusBadGateway)
			return
		}
		if raw == nil {
			http.Error(w, `{"error":"no state published"}`, http.StatusNotFound)
			return
		}
		w.Write(raw)
	})

	// REST: gap backfill. Returns buffered envelopes for a channel in
	// [from, to] along with the current channel seq so the client can
	// tell whether the window has already been evicted.
	mux.HandleFunc("/api/missed", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		w.Header().Set("Content-Type", "application/json")

		channel := r.URL.Query().Get("channel")
		from, err1 := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
		to, err2 := strconv.ParseInt(r.URL.Query().Get("to"), 10, 64)
		if channel == "" || err1 != nil || err2 != nil || from > to {
			http.Error(w, `{"error":"channel, from and to are required"}`, http.StatusBadRequest)
			return
		}

		envelopes := hub.GetBacklogRange(channel, from, to)
		out := struct {
			Channel    string            `json:"channel"`
			CurrentSeq int64             `json:"current_seq"`
			Envelopes  []json.RawMessage `json:"envelopes"`
		}{
			Channel:    channel,
			CurrentSeq: hub.GetChannelSeq(channel),
			Envelopes:  make([]json.RawMessage, 0, len(envelopes)),
		}
		for _, e := range envelopes {
			out.Envelopes = append(out.Envelopes, json.RawMessage(e))
		}
		json.NewEncoder(w).Encode(out)
	})

	// REST: channel scheme for clients.
	mux.HandleFunc("/api/config", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		w.Header().Set("Content-Type", "application/json")

		tfs := make([]string, 0, len(hub.TFs))
		for _, tf := range hub.TFs {
			tfs = append(tfs, string(tf))
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"timeframes":     tfs,
			"alert_channels": hub.alertChannels(),
			"state_pattern":  "pub:ind:*",
		})
	})

	// Health endpoint.
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		w.Header().Set("Content-Type", "application/json")

		redisOK := true
		if err := hub.Rdb.Ping(r.Context()).Err(); err != nil {
			redisOK = false
		}

		backlogs := make(map[string]int64, len(hub.TFs))
		if redisOK {
			for _, tf := range hub.TFs {
				backlogs[string(tf)] = hub.Reader.StreamLen(r.Context(), tf)
			}
		}

		status := "ok"
		if !redisOK {
			status = "degraded"
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":     status,
			"redis":      redisOK,
			"ws_clients": hub.ClientCount(),
			"backlogs":   backlogs,
			"uptime_sec": int64(time.Since(processStart).Seconds()),
			"ts":         time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
}

func defaultStr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// filterByToken keeps the alerts whose payload names the token.
func filterByToken(alerts []json.RawMessage, token string) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(alerts))
	for _, raw := range alerts {
		var partial struct {
			TokenAddress string `json:"token_address"`
		}
		if json.Unmarshal(raw, &partial) != nil {
			continue
		}
		if partial.TokenAddress == token {
			out = append(out, raw)
		}
	}
	return out
}
