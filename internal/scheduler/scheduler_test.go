package scheduler

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/obscurainvera/onchain-sub000/internal/alert"
	"github.com/obscurainvera/onchain-sub000/internal/bootstrap"
	"github.com/obscurainvera/onchain-sub000/internal/marketdata"
	"github.com/obscurainvera/onchain-sub000/internal/metrics"
	"github.com/obscurainvera/onchain-sub000/internal/model"
	"github.com/obscurainvera/onchain-sub000/internal/notification"
	"github.com/obscurainvera/onchain-sub000/internal/store/sqlite"
)

const (
	testToken = "So11111111111111111111111111111111111111112"
	testPair  = "8sLbNZoA1cfnvMJLPfp98ZLAnFSYCFApfJKMbiXNLwxj"
)

// One Metrics instance for the whole package; the default Prometheus
// registry rejects duplicate registration.
var (
	promOnce sync.Once
	promInst *metrics.Metrics
)

func sharedMetrics() *metrics.Metrics {
	promOnce.Do(func() { promInst = metrics.NewMetrics() })
	return promInst
}

// fakeVendor is a marketdata.Client serving a fixed bar series. It
// spends one credit page per call and applies the same window contract
// the real clients enforce.
type fakeVendor struct {
	mu   sync.Mutex
	bars []model.Candle
	err  error
	reqs []marketdata.FetchRequest
}

func (f *fakeVendor) Service() string { return model.ServiceBirdeye }

func (f *fakeVendor) Fetch(ctx context.Context, req marketdata.FetchRequest, sess *marketdata.Session) (*marketdata.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	if _, err := sess.Acquire(); err != nil {
		return nil, err
	}
	var out []model.Candle
	var latest int64
	for _, b := range f.bars {
		if b.UnixTime <= req.FromTime || b.UnixTime >= req.ToTime {
			continue
		}
		out = append(out, b)
		latest = b.UnixTime
	}
	return &marketdata.FetchResult{Candles: out, LatestTime: latest, Source: model.SourcePrimary}, nil
}

func (f *fakeVendor) addBars(bars ...model.Candle) {
	f.mu.Lock()
	f.bars = append(f.bars, bars...)
	f.mu.Unlock()
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []model.Notification
	err  error
}

func (f *fakeNotifier) Name() string { return "fake" }

func (f *fakeNotifier) Send(_ context.Context, n *model.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, *n)
	return nil
}

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(sqlite.Config{Path: ":memory:", Retries: 1, Backoff: time.Millisecond})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// rampBars builds n 15m bars starting at t0 with closes 1.00, 1.01, ...
func rampBars(t *testing.T, t0 int64, n int) []model.Candle {
	t.Helper()
	bars := make([]model.Candle, n)
	for i := 0; i < n; i++ {
		c := decimal.NewFromInt(int64(100 + i)).Div(decimal.NewFromInt(100))
		bars[i] = model.Candle{
			TokenAddress: testToken,
			PairAddress:  testPair,
			Timeframe:    model.TF15m,
			UnixTime:     t0 + int64(i)*900,
			Open:         c,
			High:         c,
			Low:          c,
			Close:        c,
			Volume:       decimal.NewFromInt(100),
			Source:       model.SourcePrimary,
		}
	}
	return bars
}

func newService(t *testing.T, s *sqlite.Store, vendor *fakeVendor, nf *fakeNotifier) *Service {
	t.Helper()
	return New(Config{
		TickInterval:  time.Minute,
		TickBudget:    time.Minute,
		Workers:       2,
		BufferSeconds: 60,
	}, Deps{
		Store:    s,
		Fetcher:  marketdata.NewFetcher(s, vendor, nil),
		Alerts:   alert.New(alert.DefaultConfig()),
		Composer: notification.NewComposer("ops-room"),
		Notifier: nf,
		Metrics:  sharedMetrics(),
		Health:   metrics.NewHealthStatus(),
	})
}

func onboard(t *testing.T, s *sqlite.Store, vendor *fakeVendor, createdAt int64) {
	t.Helper()
	loader := bootstrap.New(s, marketdata.NewFetcher(s, vendor, nil), 2, nil)
	_, err := loader.AddNewToken(context.Background(), &bootstrap.AddRequest{
		TokenAddress:  testToken,
		PairAddress:   testPair,
		Symbol:        "PEPE",
		Name:          "Pepe",
		Chain:         "solana",
		PairCreatedAt: createdAt,
		AddedBy:       "ops",
	})
	if err != nil {
		t.Fatalf("onboard: %v", err)
	}
}

// TestTickIngestsFoldsAndAlerts drives two real ticks over an onboarded
// token: the first ingests two new bars, restores every indicator chain
// from its persisted state, and emits the AVWAP breakout the ramp
// produces; the second finds the vendor empty and defers the catalog
// row instead of advancing it.
func TestTickIngestsFoldsAndAlerts(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now().Unix()
	t0 := model.TF4h.AlignFloor(now - 10*3600)

	all := rampBars(t, t0, 30)
	vendor := &fakeVendor{bars: all[:28]}

	if _, err := s.InsertCredential(ctx, &model.ServiceCredential{
		Service:          model.ServiceBirdeye,
		APIKey:           "bd-key-1",
		AvailableCredits: 2000,
		DefaultCredits:   2000,
		CreditsPerCall:   35,
		IsResetAvailable: true,
		IsActive:         true,
	}); err != nil {
		t.Fatalf("insert credential: %v", err)
	}

	onboard(t, s, vendor, t0+30)
	vendor.addBars(all[28:]...) // two bars closed since the load

	nf := &fakeNotifier{}
	svc := newService(t, s, vendor, nf)

	svc.Tick(ctx)

	n15, err := s.CandleCount(ctx, testToken, model.TF15m)
	if err != nil || n15 != 30 {
		t.Fatalf("15m count after tick = %d (err %v), want 30", n15, err)
	}
	if n1h, _ := s.CandleCount(ctx, testToken, model.TF1h); n1h != 7 {
		t.Errorf("1h count = %d, want 7 (new bucket is still incomplete)", n1h)
	}
	if n4h, _ := s.CandleCount(ctx, testToken, model.TF4h); n4h != 1 {
		t.Errorf("4h count = %d, want 1", n4h)
	}

	lastBar := t0 + 29*900
	rec, err := s.TimeframeRecord(ctx, testToken, model.TF15m)
	if err != nil || rec == nil {
		t.Fatalf("load 15m record: %v", err)
	}
	if rec.LastFetchedAt != lastBar {
		t.Errorf("watermark = %d, want %d", rec.LastFetchedAt, lastBar)
	}
	if want := lastBar + 2*900; rec.NextFetchAt != want {
		t.Errorf("next fetch = %d, want %d", rec.NextFetchAt, want)
	}

	// The passes ran in order: the new bars carry every settled column.
	bars, err := s.CandlesAfter(ctx, testToken, model.TF15m, -1)
	if err != nil || len(bars) != 30 {
		t.Fatalf("load bars: %d (err %v)", len(bars), err)
	}
	tail := bars[29]
	if tail.VWAP == nil || tail.AVWAP == nil || tail.EMA12 == nil || tail.EMA21 == nil {
		t.Fatalf("tail bar missing indicator columns: %+v", tail)
	}
	if tail.EMA34 != nil {
		t.Errorf("EMA34 stamped before its series seeded")
	}
	if bars[14].RSI == nil || math.Abs(*bars[14].RSI-100) > 1e-9 {
		t.Errorf("bar 14 RSI = %v, want 100 for a pure ramp", bars[14].RSI)
	}

	states, err := s.LoadEMAStates(ctx, testToken, model.TF15m)
	if err != nil {
		t.Fatalf("load ema states: %v", err)
	}
	if st := states[12]; st == nil || st.Status != model.EMAReady || st.LastUpdatedUnix != lastBar {
		t.Errorf("ema12 state = %+v, want ready at %d", states[12], lastBar)
	}
	if st := states[34]; st == nil || st.Status != model.EMANotAvailable {
		t.Errorf("ema34 state = %+v, want still accumulating", states[34])
	}

	// The ramp crosses its anchored VWAP once, on the second bar.
	ast, err := s.LoadAlertState(ctx, testToken, model.TF15m)
	if err != nil || ast == nil {
		t.Fatalf("load alert state: %v", err)
	}
	if ast.LastEvaluatedUnix != lastBar {
		t.Errorf("alert watermark = %d, want %d", ast.LastEvaluatedUnix, lastBar)
	}
	if ast.Pair2134.Trend != model.TrendBullish || ast.Pair1221.Trend != model.TrendBullish {
		t.Errorf("trends = %s/%s, want BULLISH/BULLISH", ast.Pair2134.Trend, ast.Pair1221.Trend)
	}
	if ast.AVWAPPosition != model.AVWAPAbove {
		t.Errorf("avwap position = %s, want ABOVE", ast.AVWAPPosition)
	}

	notes, err := s.Notifications(ctx, testToken, 10)
	if err != nil {
		t.Fatalf("load notifications: %v", err)
	}
	if len(notes) != 1 {
		t.Fatalf("notifications = %d, want exactly the breakout", len(notes))
	}
	if notes[0].StrategyType != model.AlertAVWAPBreakout {
		t.Errorf("notification type = %s, want %s", notes[0].StrategyType, model.AlertAVWAPBreakout)
	}
	if notes[0].Status != model.NotifySent || notes[0].SentAt == 0 {
		t.Errorf("notification not finalized: status %s sent_at %d", notes[0].Status, notes[0].SentAt)
	}
	if len(nf.sent) != 1 {
		t.Errorf("notifier deliveries = %d, want 1", len(nf.sent))
	}

	// Bootstrap, tick: two funded vendor calls settled to the pool.
	creds, err := s.ActiveCredentials(ctx, model.ServiceBirdeye)
	if err != nil || len(creds) != 1 {
		t.Fatalf("load credentials: %v", err)
	}
	if creds[0].AvailableCredits != 2000-2*35 {
		t.Errorf("pool balance = %d, want %d", creds[0].AvailableCredits, 2000-2*35)
	}

	// Second tick: nothing new at the vendor, so the row defers to the
	// close of the forming bar and the watermark holds.
	tick2At := time.Now().Unix()
	svc.Tick(ctx)

	rec2, err := s.TimeframeRecord(ctx, testToken, model.TF15m)
	if err != nil || rec2 == nil {
		t.Fatalf("reload 15m record: %v", err)
	}
	if rec2.LastFetchedAt != lastBar {
		t.Errorf("watermark moved on an empty fetch: %d", rec2.LastFetchedAt)
	}
	if rec2.NextFetchAt <= tick2At || rec2.NextFetchAt > tick2At+1800 || rec2.NextFetchAt%900 != 0 {
		t.Errorf("deferred next fetch = %d, want the close of the bar forming at %d", rec2.NextFetchAt, tick2At)
	}
	if n, _ := s.CandleCount(ctx, testToken, model.TF15m); n != 30 {
		t.Errorf("bar count changed on an empty fetch: %d", n)
	}
	if notes, _ := s.Notifications(ctx, testToken, 10); len(notes) != 1 {
		t.Errorf("notifications grew on an empty fetch: %d", len(notes))
	}
}

func TestTickSkipsWhileRunning(t *testing.T) {
	s := newStore(t)
	svc := newService(t, s, &fakeVendor{}, &fakeNotifier{})

	before := testutil.ToFloat64(sharedMetrics().TicksSkipped)
	svc.mu.Lock()
	svc.Tick(context.Background())
	svc.mu.Unlock()

	if got := testutil.ToFloat64(sharedMetrics().TicksSkipped); got != before+1 {
		t.Fatalf("skip counter = %v, want %v", got, before+1)
	}
}

// TestTickFetchFailureKeepsTokenActive verifies a vendor outage is a
// soft failure: the row stays due for the next tick and the token is
// not disabled.
func TestTickFetchFailureKeepsTokenActive(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now().Unix()
	t0 := model.TF4h.AlignFloor(now - 10*3600)

	vendor := &fakeVendor{bars: rampBars(t, t0, 28)}
	onboard(t, s, vendor, t0+30)

	before, err := s.TimeframeRecord(ctx, testToken, model.TF15m)
	if err != nil || before == nil {
		t.Fatalf("load record: %v", err)
	}

	vendor.err = &marketdata.VendorError{Vendor: "birdeye", Status: 500, Transient: true, Err: errors.New("upstream timeout")}
	svc := newService(t, s, vendor, &fakeNotifier{})
	svc.Tick(ctx)

	after, err := s.TimeframeRecord(ctx, testToken, model.TF15m)
	if err != nil || after == nil {
		t.Fatalf("reload record: %v", err)
	}
	if after.NextFetchAt != before.NextFetchAt || after.LastFetchedAt != before.LastFetchedAt {
		t.Errorf("catalog row moved on a failed fetch: %+v", after)
	}

	active, err := s.ActiveTokens(ctx)
	if err != nil || len(active) != 1 {
		t.Fatalf("active tokens = %d (err %v), want 1", len(active), err)
	}
	if n, _ := s.CandleCount(ctx, testToken, model.TF15m); n != 28 {
		t.Errorf("bar count changed on a failed fetch: %d", n)
	}
}
