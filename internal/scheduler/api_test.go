package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/obscurainvera/onchain-sub000/internal/bootstrap"
	"github.com/obscurainvera/onchain-sub000/internal/marketdata"
	"github.com/obscurainvera/onchain-sub000/internal/model"
	"github.com/obscurainvera/onchain-sub000/internal/store/sqlite"
)

func newTestAPI(t *testing.T, vendor *fakeVendor) (*httptest.Server, *sqlite.Store) {
	t.Helper()
	return newTestAPIWithOTP(t, vendor, "")
}

func newTestAPIWithOTP(t *testing.T, vendor *fakeVendor, totpSecret string) (*httptest.Server, *sqlite.Store) {
	t.Helper()
	s := newStore(t)
	loader := bootstrap.New(s, marketdata.NewFetcher(s, vendor, nil), 2, nil)
	mux := http.NewServeMux()
	RegisterRoutes(mux, s, loader, totpSecret)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, s
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func addBody(createdAt int64) map[string]interface{} {
	return map[string]interface{}{
		"token_address":   testToken,
		"pair_address":    testPair,
		"symbol":          "PEPE",
		"name":            "Pepe",
		"chain":           "solana",
		"pair_created_at": createdAt,
		"added_by":        "ops",
	}
}

func TestAddTokenAndStatusEndpoint(t *testing.T) {
	now := time.Now().Unix()
	t0 := model.TF4h.AlignFloor(now - 10*3600)
	vendor := &fakeVendor{bars: rampBars(t, t0, 28)}
	srv, _ := newTestAPI(t, vendor)

	resp := postJSON(t, srv.URL+"/tokens/add", addBody(t0+30))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("add returned %d: %s", resp.StatusCode, body)
	}
	var res bootstrap.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode add result: %v", err)
	}
	// 28 15m bars plus 7 derived 1h buckets plus 1 derived 4h bucket.
	if res.Mode != "new" || res.CandlesInserted != 36 {
		t.Fatalf("add result = %+v, want mode new with 36 candles", res)
	}

	st, err := http.Get(srv.URL + "/tokens/" + testToken + "/status")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	defer st.Body.Close()
	if st.StatusCode != http.StatusOK {
		t.Fatalf("status returned %d", st.StatusCode)
	}
	var status struct {
		Token      *model.Token            `json:"token"`
		Timeframes []model.TimeframeRecord `json:"timeframes"`
		Candles    map[string]struct {
			Count        int64 `json:"count"`
			EarliestUnix int64 `json:"earliest_unix"`
		} `json:"candles"`
		Alerts map[string]*model.AlertState `json:"alerts"`
	}
	if err := json.NewDecoder(st.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Token == nil || status.Token.TokenAddress != testToken {
		t.Fatalf("status token = %+v", status.Token)
	}
	if len(status.Timeframes) != 3 {
		t.Errorf("status timeframes = %d, want 3", len(status.Timeframes))
	}
	if c := status.Candles["15m"]; c.Count != 28 || c.EarliestUnix != t0 {
		t.Errorf("15m inventory = %+v, want 28 bars from %d", c, t0)
	}
	if status.Candles["1h"].Count != 7 || status.Candles["4h"].Count != 1 {
		t.Errorf("derived inventory = %+v", status.Candles)
	}
	// No tick has run yet, so no alert state exists.
	if len(status.Alerts) != 0 {
		t.Errorf("status alerts = %d, want none before the first tick", len(status.Alerts))
	}

	cw, err := http.Get(srv.URL + "/tokens/" + testToken + "/candles?tf=15m")
	if err != nil {
		t.Fatalf("GET candles: %v", err)
	}
	defer cw.Body.Close()
	var bars []model.Candle
	if err := json.NewDecoder(cw.Body).Decode(&bars); err != nil {
		t.Fatalf("decode candles: %v", err)
	}
	if len(bars) != 28 {
		t.Fatalf("candles window = %d bars, want 28", len(bars))
	}
	if bars[0].UnixTime != t0 {
		t.Errorf("first bar at %d, want %d", bars[0].UnixTime, t0)
	}

	badTF, err := http.Get(srv.URL + "/tokens/" + testToken + "/candles?tf=2h")
	if err != nil {
		t.Fatalf("GET candles: %v", err)
	}
	defer badTF.Body.Close()
	if badTF.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown timeframe returned %d, want 400", badTF.StatusCode)
	}

	miss, err := http.Get(srv.URL + "/tokens/definitely-not-tracked/status")
	if err != nil {
		t.Fatalf("GET missing status: %v", err)
	}
	defer miss.Body.Close()
	if miss.StatusCode != http.StatusNotFound {
		t.Errorf("unknown token status = %d, want 404", miss.StatusCode)
	}
}

func TestAddTokenOldModeAndValidation(t *testing.T) {
	now := time.Now().Unix()
	t0 := model.TF4h.AlignFloor(now - 10*3600)
	vendor := &fakeVendor{bars: rampBars(t, t0, 28)}
	srv, _ := newTestAPI(t, vendor)

	body := addBody(now - 10*86400)
	body["anchors"] = []map[string]interface{}{
		{"timeframe": "15m", "period": 21, "value": 1.10, "reference_time": t0 + 20*900},
		{"timeframe": "15m", "period": 34, "value": 1.08, "reference_time": t0 + 20*900},
	}
	resp := postJSON(t, srv.URL+"/tokens/add", body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("old-mode add returned %d: %s", resp.StatusCode, raw)
	}
	var res bootstrap.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Mode != "old" {
		t.Errorf("mode = %q, want old", res.Mode)
	}

	// A malformed anchor is rejected before anything is persisted.
	body["anchors"] = []map[string]interface{}{{"timeframe": "2h", "period": 21}}
	bad := postJSON(t, srv.URL+"/tokens/add", body)
	defer bad.Body.Close()
	if bad.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("bad anchor returned %d, want 422", bad.StatusCode)
	}

	garbled, err := http.Post(srv.URL+"/tokens/add", "application/json", strings.NewReader("{nope"))
	if err != nil {
		t.Fatalf("POST garbled: %v", err)
	}
	defer garbled.Body.Close()
	if garbled.StatusCode != http.StatusBadRequest {
		t.Errorf("garbled body returned %d, want 400", garbled.StatusCode)
	}

	wrong, err := http.Get(srv.URL + "/tokens/add")
	if err != nil {
		t.Fatalf("GET add: %v", err)
	}
	defer wrong.Body.Close()
	if wrong.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET on add returned %d, want 405", wrong.StatusCode)
	}
}

func TestCredentialsEndpoint(t *testing.T) {
	srv, s := newTestAPI(t, &fakeVendor{})

	resp := postJSON(t, srv.URL+"/credentials/add", map[string]interface{}{
		"service":            "birdeye",
		"api_key":            "bd-key-9",
		"default_credits":    2000,
		"credits_per_call":   35,
		"is_reset_available": true,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("credential add returned %d", resp.StatusCode)
	}
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["service"] != "birdeye" || out["id"] == nil {
		t.Fatalf("credential response = %+v", out)
	}

	creds, err := s.ActiveCredentials(context.Background(), model.ServiceBirdeye)
	if err != nil || len(creds) != 1 {
		t.Fatalf("stored credentials = %d (err %v), want 1", len(creds), err)
	}
	// available_credits defaults to the full budget when omitted.
	if creds[0].AvailableCredits != 2000 {
		t.Errorf("available = %d, want 2000", creds[0].AvailableCredits)
	}

	bad := postJSON(t, srv.URL+"/credentials/add", map[string]interface{}{
		"service": "coinmarketcap", "api_key": "x",
	})
	defer bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown service returned %d, want 400", bad.StatusCode)
	}

	noKey := postJSON(t, srv.URL+"/credentials/add", map[string]interface{}{
		"service": "birdeye",
	})
	defer noKey.Body.Close()
	if noKey.StatusCode != http.StatusBadRequest {
		t.Errorf("missing api_key returned %d, want 400", noKey.StatusCode)
	}
}

func TestNotificationsEndpoint(t *testing.T) {
	srv, s := newTestAPI(t, &fakeVendor{})

	resp, err := http.Get(srv.URL + "/tokens/" + testToken + "/notifications?limit=5")
	if err != nil {
		t.Fatalf("GET notifications: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("notifications returned %d", resp.StatusCode)
	}
	raw, _ := io.ReadAll(resp.Body)
	if strings.TrimSpace(string(raw)) != "[]" {
		t.Errorf("empty journal = %q, want []", raw)
	}

	note := model.Notification{
		ID:           "note-1",
		Source:       "alert-engine",
		ChatGroup:    "alerts",
		Content:      "21/34 bullish cross",
		Status:       model.NotifyPending,
		TokenAddress: testToken,
		Timeframe:    model.TF1h,
		StrategyType: model.AlertBullishCross,
		CreatedAt:    time.Now().Unix(),
	}
	if err := s.InsertNotification(context.Background(), &note); err != nil {
		t.Fatalf("insert notification: %v", err)
	}

	seeded, err := http.Get(srv.URL + "/tokens/" + testToken + "/notifications")
	if err != nil {
		t.Fatalf("GET notifications: %v", err)
	}
	defer seeded.Body.Close()
	var notes []model.Notification
	if err := json.NewDecoder(seeded.Body).Decode(&notes); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(notes) != 1 || notes[0].ID != "note-1" || notes[0].StrategyType != model.AlertBullishCross {
		t.Fatalf("journal = %+v, want the seeded row", notes)
	}
}

func TestHealthzEndpoint(t *testing.T) {
	srv, s := newTestAPI(t, &fakeVendor{})

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz returned %d", resp.StatusCode)
	}

	s.Close()
	down, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz after close: %v", err)
	}
	defer down.Body.Close()
	if down.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("healthz on a dead store = %d, want 503", down.StatusCode)
	}
}

func TestAdminOTPGuard(t *testing.T) {
	const secret = "JBSWY3DPEHPK3PXP"

	now := time.Now().Unix()
	t0 := model.TF4h.AlignFloor(now - 10*3600)
	vendor := &fakeVendor{bars: rampBars(t, t0, 28)}
	srv, _ := newTestAPIWithOTP(t, vendor, secret)

	// No header: rejected before the loader runs.
	resp := postJSON(t, srv.URL+"/tokens/add", addBody(t0+30))
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("add without OTP = %d, want 401", resp.StatusCode)
	}

	// Garbage code: rejected.
	req, _ := http.NewRequest("POST", srv.URL+"/tokens/add", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-OTP", "000000")
	bad, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST with bad OTP: %v", err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusUnauthorized {
		t.Fatalf("add with bad OTP = %d, want 401", bad.StatusCode)
	}

	// Valid code: the request reaches the loader and onboards.
	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	body, _ := json.Marshal(addBody(t0 + 30))
	req, _ = http.NewRequest("POST", srv.URL+"/tokens/add", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-OTP", code)
	ok, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST with valid OTP: %v", err)
	}
	defer ok.Body.Close()
	if ok.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(ok.Body)
		t.Fatalf("add with valid OTP = %d: %s", ok.StatusCode, raw)
	}

	// Read-only routes stay open.
	status, err := http.Get(srv.URL + "/tokens/" + testToken + "/status")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	status.Body.Close()
	if status.StatusCode != http.StatusOK {
		t.Errorf("status without OTP = %d, want 200", status.StatusCode)
	}
}
