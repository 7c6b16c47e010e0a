package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/obscurainvera/onchain-sub000/internal/model"
)

const (
	testToken = "So11111111111111111111111111111111111111112"
	testPair  = "8sLbNZoA1cfnvMJLPfp98ZLAnFSYCFApfJKMbiXNLwxj"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: ":memory:", Retries: 1, Backoff: time.Millisecond})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("decimal %q: %v", s, err)
	}
	return d
}

func bar(t *testing.T, tf model.Timeframe, unix int64, close string) model.Candle {
	t.Helper()
	c := dec(t, close)
	return model.Candle{
		TokenAddress: testToken,
		PairAddress:  testPair,
		Timeframe:    tf,
		UnixTime:     unix,
		Open:         c,
		High:         c.Add(dec(t, "0.005")),
		Low:          c.Sub(dec(t, "0.005")),
		Close:        c,
		Volume:       dec(t, "100"),
		Source:       model.SourcePrimary,
		FetchedAt:    unix + 60,
	}
}

func TestUpsertCandlesNeverOverwritesOHLCV(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	first := bar(t, model.TF15m, 1704067200, "1.00")
	if err := s.UpsertCandles(ctx, []model.Candle{first}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	replay := bar(t, model.TF15m, 1704067200, "2.00")
	replay.FetchedAt = first.FetchedAt + 900
	if err := s.UpsertCandles(ctx, []model.Candle{replay}); err != nil {
		t.Fatalf("replay: %v", err)
	}

	got, err := s.CandlesAfter(ctx, testToken, model.TF15m, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("want 1 candle, got %d", len(got))
	}
	if !got[0].Close.Equal(first.Close) {
		t.Errorf("close overwritten: want %s got %s", first.Close, got[0].Close)
	}
	if got[0].FetchedAt != replay.FetchedAt {
		t.Errorf("fetched_at not refreshed: want %d got %d", replay.FetchedAt, got[0].FetchedAt)
	}
}

func TestUpsertCandlesKeepsIndicatorColumns(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	b := bar(t, model.TF15m, 1704067200, "1.00")
	if err := s.UpsertCandles(ctx, []model.Candle{b}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	sess := &model.VWAPSession{
		TokenAddress: testToken, Timeframe: model.TF15m,
		SessionStart: 1704067200, SessionEnd: 1704153599,
		CumPV: dec(t, "100"), CumVolume: dec(t, "100"), VWAP: dec(t, "1"),
		LastCandleUnix: 1704067200, UpdatedAt: 1704068000,
	}
	points := []model.DecimalPoint{{Unix: 1704067200, Value: dec(t, "1")}}
	if err := s.SaveVWAPPass(ctx, sess, points); err != nil {
		t.Fatalf("vwap pass: %v", err)
	}

	// A vendor replay of the same bar carries no indicator values; the
	// stamped VWAP must survive the upsert.
	if err := s.UpsertCandles(ctx, []model.Candle{b}); err != nil {
		t.Fatalf("replay: %v", err)
	}

	got, err := s.CandlesAfter(ctx, testToken, model.TF15m, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got[0].VWAP == nil || !got[0].VWAP.Equal(dec(t, "1")) {
		t.Fatalf("vwap lost on replay: %v", got[0].VWAP)
	}
}

func TestCandlesAfterIsExclusiveAndOrdered(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	times := []int64{1704068100, 1704067200, 1704069000} // inserted out of order
	var batch []model.Candle
	for _, ts := range times {
		batch = append(batch, bar(t, model.TF15m, ts, "1.00"))
	}
	if err := s.UpsertCandles(ctx, batch); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.CandlesAfter(ctx, testToken, model.TF15m, 1704067200)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 candles after watermark, got %d", len(got))
	}
	if got[0].UnixTime != 1704068100 || got[1].UnixTime != 1704069000 {
		t.Errorf("wrong order: %d, %d", got[0].UnixTime, got[1].UnixTime)
	}
}

func TestAlertCandlesGating(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	vwap := dec(t, "1")
	ema := 1.05
	bars := []model.Candle{
		bar(t, model.TF15m, 1704067200, "1.00"), // pre-EMA bar: passes on availability window
		bar(t, model.TF15m, 1704068100, "1.01"), // EMA due but missing: held back
		bar(t, model.TF15m, 1704069000, "1.02"), // fully decorated
		bar(t, model.TF15m, 1704069900, "1.03"), // VWAP missing: held back
	}
	for i := range bars[:3] {
		bars[i].VWAP = &vwap
		bars[i].AVWAP = &vwap
	}
	bars[2].EMA12 = &ema
	bars[2].EMA21 = &ema
	bars[2].EMA34 = &ema
	if err := s.UpsertCandles(ctx, bars); err != nil {
		t.Fatalf("insert: %v", err)
	}

	availableAt := map[int]int64{12: 1704068100, 21: 1704068100, 34: 1704068100}
	got, err := s.AlertCandles(ctx, testToken, model.TF15m, 0, availableAt)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 alert-ready candles, got %d", len(got))
	}
	if got[0].UnixTime != 1704067200 || got[1].UnixTime != 1704069000 {
		t.Errorf("wrong bars passed the gate: %d, %d", got[0].UnixTime, got[1].UnixTime)
	}
}

func TestDueTimeframes(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := int64(1704100000)

	active := &model.Token{
		TokenAddress: testToken, PairAddress: testPair, Symbol: "WSOL",
		Chain: "solana", PairCreatedAt: 1704067200, AddedAt: now, Status: model.TokenActive,
	}
	disabled := &model.Token{
		TokenAddress: "tok2", PairAddress: "pair2", Symbol: "DEAD",
		Chain: "solana", PairCreatedAt: 1704067200, AddedAt: now, Status: model.TokenActive,
	}
	for _, tok := range []*model.Token{active, disabled} {
		if err := s.UpsertToken(ctx, tok); err != nil {
			t.Fatalf("upsert token: %v", err)
		}
	}
	if err := s.DisableToken(ctx, "tok2", "no market data", now); err != nil {
		t.Fatalf("disable: %v", err)
	}

	for _, rec := range []model.TimeframeRecord{
		{TokenAddress: testToken, PairAddress: testPair, Timeframe: model.TF15m, NextFetchAt: now - 100, UpdatedAt: now},
		{TokenAddress: testToken, PairAddress: testPair, Timeframe: model.TF1h, NextFetchAt: now - 30, UpdatedAt: now},
		{TokenAddress: "tok2", PairAddress: "pair2", Timeframe: model.TF15m, NextFetchAt: now - 500, UpdatedAt: now},
	} {
		rec := rec
		if err := s.UpsertTimeframeRecord(ctx, &rec); err != nil {
			t.Fatalf("upsert record: %v", err)
		}
	}

	due, err := s.DueTimeframes(ctx, model.TF15m, now, 60)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 || due[0].TokenAddress != testToken {
		t.Fatalf("want only active token due, got %+v", due)
	}

	// Within the buffer window nothing is due.
	due, err = s.DueTimeframes(ctx, model.TF1h, now, 60)
	if err != nil {
		t.Fatalf("due 1h: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("1h row inside buffer should not be due, got %+v", due)
	}
}

func TestAdvanceTimeframe(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := int64(1704100000)

	rec := &model.TimeframeRecord{
		TokenAddress: testToken, PairAddress: testPair, Timeframe: model.TF15m,
		LastFetchedAt: 0, NextFetchAt: 1704067200, UpdatedAt: now,
	}
	if err := s.UpsertTimeframeRecord(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	latest := int64(1704094200)
	if err := s.AdvanceTimeframe(ctx, testToken, model.TF15m, latest, now); err != nil {
		t.Fatalf("advance: %v", err)
	}

	got, err := s.TimeframeRecord(ctx, testToken, model.TF15m)
	if err != nil || got == nil {
		t.Fatalf("read: %v", err)
	}
	if got.LastFetchedAt != latest {
		t.Errorf("last_fetched_at: want %d got %d", latest, got.LastFetchedAt)
	}
	if want := model.TF15m.NextFetchAfter(latest); got.NextFetchAt != want {
		t.Errorf("next_fetch_at: want %d got %d", want, got.NextFetchAt)
	}
	if got.FetchCount != 1 {
		t.Errorf("fetch_count: want 1 got %d", got.FetchCount)
	}

	if err := s.AdvanceTimeframe(ctx, testToken, model.TF15m, latest-900, now); !errors.Is(err, ErrStateInconsistency) {
		t.Fatalf("backward advance should be refused, got %v", err)
	}
}

func TestVWAPPassWatermarkGuard(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	sess := &model.VWAPSession{
		TokenAddress: testToken, Timeframe: model.TF15m,
		SessionStart: 1704067200, SessionEnd: 1704153599,
		CumPV: dec(t, "202"), CumVolume: dec(t, "200"), VWAP: dec(t, "1.01"),
		LastCandleUnix: 1704068100, UpdatedAt: 1704069000,
	}
	if err := s.SaveVWAPPass(ctx, sess, nil); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := s.LoadVWAPSession(ctx, testToken, model.TF15m)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded == nil || !loaded.VWAP.Equal(sess.VWAP) || loaded.LastCandleUnix != sess.LastCandleUnix {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}

	stale := *sess
	stale.LastCandleUnix = 1704067200
	if err := s.SaveVWAPPass(ctx, &stale, nil); !errors.Is(err, ErrStateInconsistency) {
		t.Fatalf("stale pass should be refused, got %v", err)
	}
}

func TestEMAPassStampsColumns(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	bars := []model.Candle{
		bar(t, model.TF15m, 1704085200, "1.10"),
		bar(t, model.TF15m, 1704086100, "1.11"),
	}
	if err := s.UpsertCandles(ctx, bars); err != nil {
		t.Fatalf("insert: %v", err)
	}

	states := []*model.EMAState{{
		TokenAddress: testToken, Timeframe: model.TF15m, Period: 21,
		Status: model.EMAReady, Value: 1.11, AvailableTime: 1704085200,
		LastUpdatedUnix: 1704086100, AnchorSource: model.EMASeedSMA, UpdatedAt: 1704087000,
	}}
	points := map[int][]model.FloatPoint{21: {
		{Unix: 1704085200, Value: 1.10},
		{Unix: 1704086100, Value: 1.1095},
	}}
	if err := s.SaveEMAPass(ctx, states, points); err != nil {
		t.Fatalf("ema pass: %v", err)
	}

	got, err := s.CandlesAfter(ctx, testToken, model.TF15m, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got[0].EMA21 == nil || *got[0].EMA21 != 1.10 {
		t.Errorf("bar 0 ema21: %v", got[0].EMA21)
	}
	if got[1].EMA21 == nil || *got[1].EMA21 != 1.1095 {
		t.Errorf("bar 1 ema21: %v", got[1].EMA21)
	}

	loaded, err := s.LoadEMAStates(ctx, testToken, model.TF15m)
	if err != nil {
		t.Fatalf("load states: %v", err)
	}
	if st := loaded[21]; st == nil || st.Status != model.EMAReady || st.Value != 1.11 {
		t.Fatalf("state round trip: %+v", loaded[21])
	}
}

func TestRSIStateBuffersRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	st := &model.RSIState{
		TokenAddress: testToken, Timeframe: model.TF15m,
		AvgGain: 0.01, AvgLoss: 0.002, PrevClose: 1.27, BarCount: 29,
		RSIValues:   []float64{55.1, 60.2, 71.3},
		StochValues: []float64{40, 80, 100},
		KValues:     []float64{73.3},
		LastUpdatedUnix: 1704092400, UpdatedAt: 1704092500,
	}
	if err := s.SaveRSIPass(ctx, st, nil); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := s.LoadRSIState(ctx, testToken, model.TF15m)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded == nil || loaded.BarCount != 29 || len(loaded.RSIValues) != 3 || loaded.RSIValues[2] != 71.3 {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}
	if len(loaded.KValues) != 1 || loaded.KValues[0] != 73.3 {
		t.Fatalf("k buffer mismatch: %+v", loaded.KValues)
	}
}

func TestCredentialSettleAndReset(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := int64(1704100000)

	id1, err := s.InsertCredential(ctx, &model.ServiceCredential{
		Service: model.ServiceBirdeye, APIKey: "key-a", AvailableCredits: 250,
		DefaultCredits: 250, CreditsPerCall: 150, IsResetAvailable: true, IsActive: true,
	})
	if err != nil {
		t.Fatalf("insert key-a: %v", err)
	}
	id2, err := s.InsertCredential(ctx, &model.ServiceCredential{
		Service: model.ServiceBirdeye, APIKey: "key-b", AvailableCredits: 500,
		DefaultCredits: 500, CreditsPerCall: 150, IsResetAvailable: true, IsActive: true,
	})
	if err != nil {
		t.Fatalf("insert key-b: %v", err)
	}

	if err := s.SettleCredits(ctx, map[int64]int64{id1: 150, id2: 600}); err != nil {
		t.Fatalf("settle: %v", err)
	}

	creds, err := s.ActiveCredentials(ctx, model.ServiceBirdeye)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(creds) != 2 {
		t.Fatalf("want 2 credentials, got %d", len(creds))
	}
	if creds[0].AvailableCredits != 100 {
		t.Errorf("key-a balance: want 100 got %d", creds[0].AvailableCredits)
	}
	if creds[1].AvailableCredits != -100 {
		t.Errorf("key-b balance: want -100 got %d", creds[1].AvailableCredits)
	}

	n, err := s.ResetDueCredentials(ctx, now)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n != 2 {
		t.Fatalf("want 2 keys reset, got %d", n)
	}
	creds, _ = s.ActiveCredentials(ctx, model.ServiceBirdeye)
	if creds[0].AvailableCredits != 250 || creds[1].AvailableCredits != 500 {
		t.Errorf("balances after reset: %d, %d", creds[0].AvailableCredits, creds[1].AvailableCredits)
	}
	if creds[0].NextResetAt != now+43200 {
		t.Errorf("next reset: want %d got %d", now+43200, creds[0].NextResetAt)
	}

	// A key whose window has not elapsed keeps its balance.
	if err := s.SettleCredits(ctx, map[int64]int64{id1: 50}); err != nil {
		t.Fatalf("settle again: %v", err)
	}
	if n, _ := s.ResetDueCredentials(ctx, now+100); n != 0 {
		t.Fatalf("early reset should touch nothing, reset %d", n)
	}
}

func TestNotificationLifecycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	st := model.NewAlertState(testToken, model.TF15m)
	st.LastEvaluatedUnix = 1704092400
	st.UpdatedAt = 1704092500
	notes := []model.Notification{
		{
			ID: "n-1", Source: "alert-engine", ChatGroup: "alerts",
			Content: "bullish cross", Status: model.NotifyPending,
			TokenAddress: testToken, Timeframe: model.TF15m,
			StrategyType: model.AlertBullishCross, CreatedAt: 1704092500,
			Buttons: []model.Button{{Text: "Chart", URL: "https://example.com"}},
		},
		{
			ID: "n-2", Source: "alert-engine", ChatGroup: "alerts",
			Content: "band touch", Status: model.NotifyPending,
			TokenAddress: testToken, Timeframe: model.TF15m,
			StrategyType: model.AlertBandTouch, CreatedAt: 1704092501,
		},
	}
	if err := s.SaveAlertPass(ctx, st, nil, notes); err != nil {
		t.Fatalf("alert pass: %v", err)
	}

	if err := s.MarkNotificationSent(ctx, "n-1", 1704092510); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if err := s.MarkNotificationFailed(ctx, "n-2", "telegram: 429"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	got, err := s.Notifications(ctx, testToken, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 notifications, got %d", len(got))
	}
	// Newest first.
	if got[0].ID != "n-2" || got[0].Status != model.NotifyFailed || got[0].ErrorDetails != "telegram: 429" {
		t.Errorf("n-2 state: %+v", got[0])
	}
	if got[1].ID != "n-1" || got[1].Status != model.NotifySent || got[1].SentAt != 1704092510 {
		t.Errorf("n-1 state: %+v", got[1])
	}
}

func TestSaveBootstrapCommitsEverything(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := int64(1704092700)

	vwap := dec(t, "1.1")
	c := bar(t, model.TF15m, 1704067200, "1.00")
	c.VWAP = &vwap

	batch := &BootstrapBatch{
		Token: &model.Token{
			TokenAddress: testToken, PairAddress: testPair, Symbol: "WSOL",
			Chain: "solana", PairCreatedAt: 1704067200, AddedAt: now, Status: model.TokenActive,
		},
		Records: []model.TimeframeRecord{{
			TokenAddress: testToken, PairAddress: testPair, Timeframe: model.TF15m,
			LastFetchedAt: 1704067200, NextFetchAt: 1704069000, UpdatedAt: now,
		}},
		Candles: []model.Candle{c},
		Sessions: []*model.VWAPSession{{
			TokenAddress: testToken, Timeframe: model.TF15m,
			SessionStart: 1704067200, SessionEnd: 1704153599,
			CumPV: dec(t, "100"), CumVolume: dec(t, "100"), VWAP: dec(t, "1"),
			LastCandleUnix: 1704067200, UpdatedAt: now,
		}},
		AVWAPs: []*model.AVWAPState{{
			TokenAddress: testToken, Timeframe: model.TF15m, AnchorUnix: 1704067200,
			CumPV: dec(t, "100"), CumVolume: dec(t, "100"), AVWAP: dec(t, "1"),
			LastCandleUnix: 1704067200, UpdatedAt: now,
		}},
		EMAs: []*model.EMAState{{
			TokenAddress: testToken, Timeframe: model.TF15m, Period: 21,
			Status: model.EMANotAvailable, AvailableTime: model.EMAAvailableTime(model.TF15m, 21, 1704067200),
			AnchorSource: model.EMASeedSMA, UpdatedAt: now,
		}},
	}
	if err := s.SaveBootstrap(ctx, batch); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	tok, err := s.Token(ctx, testToken)
	if err != nil || tok == nil {
		t.Fatalf("token: %v %v", tok, err)
	}
	if tok.Status != model.TokenActive {
		t.Errorf("token status: %s", tok.Status)
	}
	if n, _ := s.CandleCount(ctx, testToken, model.TF15m); n != 1 {
		t.Errorf("candle count: %d", n)
	}
	if sess, _ := s.LoadVWAPSession(ctx, testToken, model.TF15m); sess == nil {
		t.Error("vwap session missing")
	}
	if st, _ := s.LoadAVWAPState(ctx, testToken, model.TF15m); st == nil {
		t.Error("avwap state missing")
	}
	if states, _ := s.LoadEMAStates(ctx, testToken, model.TF15m); states[21] == nil {
		t.Error("ema state missing")
	}
	if rec, _ := s.TimeframeRecord(ctx, testToken, model.TF15m); rec == nil || rec.LastFetchedAt != 1704067200 {
		t.Errorf("timeframe record: %+v", rec)
	}
}

func TestReAddReactivatesToken(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := int64(1704100000)

	tok := &model.Token{
		TokenAddress: testToken, PairAddress: testPair, Symbol: "WSOL",
		Chain: "solana", PairCreatedAt: 1704067200, AddedAt: now, Status: model.TokenActive,
	}
	if err := s.UpsertToken(ctx, tok); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.DisableToken(ctx, testToken, "vendor 404", now+10); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if err := s.UpsertToken(ctx, tok); err != nil {
		t.Fatalf("re-add: %v", err)
	}

	got, err := s.Token(ctx, testToken)
	if err != nil || got == nil {
		t.Fatalf("read: %v", err)
	}
	if got.Status != model.TokenActive || got.DisableReason != "" {
		t.Errorf("token not reactivated: %+v", got)
	}
}
