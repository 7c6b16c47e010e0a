package scheduler

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/obscurainvera/onchain-sub000/internal/bootstrap"
	"github.com/obscurainvera/onchain-sub000/internal/model"
	"github.com/obscurainvera/onchain-sub000/internal/store/sqlite"
)

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Admin-OTP")
}

// requireOTP gates a handler behind a time-based one-time code from
// the operator's authenticator app. An empty secret disables the
// check. OPTIONS preflights pass through so CORS keeps working.
func requireOTP(secret string, next http.HandlerFunc) http.HandlerFunc {
	if secret == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "OPTIONS" {
			next(w, r)
			return
		}
		code := r.Header.Get("X-Admin-OTP")
		if code == "" || !totp.Validate(code, secret) {
			SetCORS(w)
			w.Header().Set("Content-Type", "application/json")
			log.Printf("[api] rejected %s %s: bad or missing OTP", r.Method, r.URL.Path)
			http.Error(w, `{"error":"invalid OTP"}`, http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// RegisterRoutes registers the operator endpoints on the provided mux.
// A non-empty totpSecret puts the mutating routes behind an
// X-Admin-OTP header check.
func RegisterRoutes(mux *http.ServeMux, store *sqlite.Store, loader *bootstrap.Loader, totpSecret string) {
	// POST /tokens/add: onboard a token. Anchors in the body select the
	// bounded old-token flow; without them the pair gets a full-history
	// load from creation.
	mux.HandleFunc("/tokens/add", requireOTP(totpSecret, func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		w.Header().Set("Content-Type", "application/json")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Method != "POST" {
			http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
			return
		}

		var req bootstrap.AddRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
			return
		}

		var (
			res *bootstrap.Result
			err error
		)
		if len(req.Anchors) > 0 {
			res, err = loader.AddOldToken(r.Context(), &req)
		} else {
			res, err = loader.AddNewToken(r.Context(), &req)
		}
		if err != nil {
			log.Printf("[api] add token %s: %v", req.TokenAddress, err)
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		log.Printf("[api] token %s onboarded (%s, %d candles)", res.TokenAddress, res.Mode, res.CandlesInserted)
		json.NewEncoder(w).Encode(res)
	}))

	// GET /tokens/{address}/{status|candles|notifications}.
	mux.HandleFunc("/tokens/", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		w.Header().Set("Content-Type", "application/json")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Method != "GET" {
			http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
			return
		}

		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/tokens/"), "/")
		if len(parts) != 2 || parts[0] == "" {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		address := parts[0]

		switch parts[1] {
		case "status":
			tokenStatus(w, r, store, address)
		case "candles":
			tokenCandles(w, r, store, address)
		case "notifications":
			tokenNotifications(w, r, store, address)
		default:
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		}
	})

	// POST /credentials/add: register a vendor API key in the pool.
	mux.HandleFunc("/credentials/add", requireOTP(totpSecret, func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		w.Header().Set("Content-Type", "application/json")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Method != "POST" {
			http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
			return
		}

		var c model.ServiceCredential
		if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
			http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
			return
		}
		if c.Service != model.ServiceBirdeye && c.Service != model.ServiceGecko {
			http.Error(w, `{"error":"unknown service"}`, http.StatusBadRequest)
			return
		}
		if c.APIKey == "" {
			http.Error(w, `{"error":"api_key is required"}`, http.StatusBadRequest)
			return
		}
		if c.AvailableCredits == 0 {
			c.AvailableCredits = c.DefaultCredits
		}
		c.IsActive = true

		id, err := store.InsertCredential(r.Context(), &c)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		log.Printf("[api] credential registered for %s (id %d)", c.Service, id)
		json.NewEncoder(w).Encode(map[string]interface{}{"id": id, "service": c.Service})
	}))

	// GET /healthz: liveness with a real DB ping.
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		w.Header().Set("Content-Type", "application/json")

		status, code := "ok", http.StatusOK
		if err := store.DB().PingContext(r.Context()); err != nil {
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{
			"status": status,
			"ts":     time.Now().UTC().Format(time.RFC3339),
		})
	})
}

func tokenStatus(w http.ResponseWriter, r *http.Request, store *sqlite.Store, address string) {
	ctx := r.Context()

	tok, err := store.Token(ctx, address)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if tok == nil {
		http.Error(w, `{"error":"unknown token"}`, http.StatusNotFound)
		return
	}

	recs, err := store.TokenTimeframes(ctx, address)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	type candleSummary struct {
		Count        int64 `json:"count"`
		EarliestUnix int64 `json:"earliest_unix"`
	}
	alerts := make(map[string]*model.AlertState, len(model.Timeframes))
	candles := make(map[string]candleSummary, len(model.Timeframes))
	for _, tf := range model.Timeframes {
		st, err := store.LoadAlertState(ctx, address, tf)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if st != nil {
			alerts[string(tf)] = st
		}
		n, err := store.CandleCount(ctx, address, tf)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if n == 0 {
			continue
		}
		earliest, err := store.EarliestCandleUnix(ctx, address, tf)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		candles[string(tf)] = candleSummary{Count: n, EarliestUnix: earliest}
	}

	json.NewEncoder(w).Encode(struct {
		Token      *model.Token                 `json:"token"`
		Timeframes []model.TimeframeRecord      `json:"timeframes"`
		Candles    map[string]candleSummary     `json:"candles"`
		Alerts     map[string]*model.AlertState `json:"alerts"`
	}{tok, recs, candles, alerts})
}

// tokenCandles serves a window of stored bars with whatever indicator
// columns the passes have filled in. Defaults to the last 300 bars.
func tokenCandles(w http.ResponseWriter, r *http.Request, store *sqlite.Store, address string) {
	q := r.URL.Query()
	tf, err := model.ParseTimeframe(q.Get("tf"))
	if err != nil {
		http.Error(w, `{"error":"unknown timeframe"}`, http.StatusBadRequest)
		return
	}

	to := time.Now().Unix()
	if s := q.Get("to"); s != "" {
		if v, perr := strconv.ParseInt(s, 10, 64); perr == nil {
			to = v
		}
	}
	from := to - 300*tf.Seconds()
	if s := q.Get("from"); s != "" {
		if v, perr := strconv.ParseInt(s, 10, 64); perr == nil {
			from = v
		}
	}

	candles, err := store.CandlesBetween(r.Context(), address, tf, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if candles == nil {
		candles = []model.Candle{}
	}
	json.NewEncoder(w).Encode(candles)
}

func tokenNotifications(w http.ResponseWriter, r *http.Request, store *sqlite.Store, address string) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if l, err := strconv.Atoi(s); err == nil && l > 0 && l <= 500 {
			limit = l
		}
	}

	notes, err := store.Notifications(r.Context(), address, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if notes == nil {
		notes = []model.Notification{}
	}
	json.NewEncoder(w).Encode(notes)
}

func writeError(w http.ResponseWriter, code int, err error) {
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
