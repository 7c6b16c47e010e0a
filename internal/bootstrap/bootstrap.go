// Package bootstrap onboards tokens. Young pairs get a full-history
// load from pair creation; older pairs get a bounded 48h window with
// operator-supplied EMA anchors, because a fresh SMA seed over a short
// window would misstate every EMA. Everything one load produces is
// committed in a single transaction; a failed load disables the token
// row with the reason so the scheduler never picks up a half-loaded
// series.
package bootstrap

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/obscurainvera/onchain-sub000/internal/aggregate"
	"github.com/obscurainvera/onchain-sub000/internal/indicator"
	"github.com/obscurainvera/onchain-sub000/internal/marketdata"
	"github.com/obscurainvera/onchain-sub000/internal/metrics"
	"github.com/obscurainvera/onchain-sub000/internal/model"
	"github.com/obscurainvera/onchain-sub000/internal/store/sqlite"
)

const oldTokenWindow = 48 * time.Hour

// EMAAnchor is an operator-supplied seed for one EMA series.
type EMAAnchor struct {
	Timeframe     string  `json:"timeframe"`
	Period        int     `json:"period"`
	Value         float64 `json:"value"`
	ReferenceTime int64   `json:"reference_time"` // unix of the bar the value belongs to
}

// AddRequest describes a token to onboard.
type AddRequest struct {
	TokenAddress  string      `json:"token_address"`
	PairAddress   string      `json:"pair_address"`
	Symbol        string      `json:"symbol"`
	Name          string      `json:"name"`
	Chain         string      `json:"chain"`
	PairCreatedAt int64       `json:"pair_created_at"`
	AddedBy       string      `json:"added_by,omitempty"`
	Anchors       []EMAAnchor `json:"anchors,omitempty"`
}

func (r *AddRequest) validate() error {
	if r.TokenAddress == "" || r.PairAddress == "" {
		return fmt.Errorf("token_address and pair_address are required")
	}
	if r.PairCreatedAt <= 0 {
		return fmt.Errorf("pair_created_at is required")
	}
	return nil
}

// Result summarizes a completed onboarding.
type Result struct {
	TokenAddress    string `json:"token_address"`
	Mode            string `json:"mode"` // "new" or "old"
	CandlesInserted int    `json:"candles_inserted"`
	CreditsUsed     int64  `json:"credits_used"`
}

// CandleFetcher is the slice of the fetcher the loader needs.
type CandleFetcher interface {
	Fetch(ctx context.Context, req marketdata.FetchRequest) (*marketdata.FetchResult, error)
}

// Loader onboards tokens into the store.
type Loader struct {
	store      *sqlite.Store
	fetcher    CandleFetcher
	maxAgeDays int
	prom       *metrics.Metrics // optional
}

// New creates a loader. maxAgeDays bounds the full-history flow; prom
// may be nil.
func New(store *sqlite.Store, fetcher CandleFetcher, maxAgeDays int, prom *metrics.Metrics) *Loader {
	return &Loader{store: store, fetcher: fetcher, maxAgeDays: maxAgeDays, prom: prom}
}

// AddNewToken onboards a young pair: full 15m history from pair
// creation, 1h/4h derived in memory, VWAP/AVWAP/EMA chains run over
// the lot. RSI is left to the first scheduled pass.
func (l *Loader) AddNewToken(ctx context.Context, req *AddRequest) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	tok := tokenRow(req, now)
	if age := tok.AgeDays(now); age > float64(l.maxAgeDays) {
		return nil, fmt.Errorf("pair is %.1f days old (max %d for a full-history load): supply EMA anchors instead", age, l.maxAgeDays)
	}
	if err := l.store.UpsertToken(ctx, tok); err != nil {
		return nil, fmt.Errorf("register token: %w", err)
	}

	res, err := l.fetcher.Fetch(ctx, marketdata.FetchRequest{
		TokenAddress: tok.TokenAddress,
		PairAddress:  tok.PairAddress,
		Timeframe:    model.TF15m,
		FromTime:     model.TF15m.AlignFloor(tok.PairCreatedAt) - 1,
		ToTime:       model.TF15m.CurrentCandleStart(now),
	})
	if err != nil {
		return nil, l.disable(ctx, tok, now, fmt.Errorf("history fetch: %w", err))
	}

	batch := l.assemble(tok, res.Candles, nil, now)
	if err := l.store.SaveBootstrap(ctx, batch); err != nil {
		return nil, l.disable(ctx, tok, now, fmt.Errorf("persist bootstrap: %w", err))
	}

	log.Printf("[bootstrap] %s (%s) loaded: %d bars, %d credits",
		tok.Symbol, tok.TokenAddress, len(batch.Candles), res.CreditsUsed)
	return &Result{
		TokenAddress:    tok.TokenAddress,
		Mode:            "new",
		CandlesInserted: len(batch.Candles),
		CreditsUsed:     res.CreditsUsed,
	}, nil
}

// AddOldToken onboards a pair past the full-history cutoff: a 48h 15m
// backfill, VWAP from the window, AVWAP anchored at the earliest
// fetched bar, EMA series seeded from the operator anchors.
func (l *Loader) AddOldToken(ctx context.Context, req *AddRequest) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if len(req.Anchors) == 0 {
		return nil, fmt.Errorf("old-token flow needs at least one EMA anchor")
	}
	for _, a := range req.Anchors {
		if !model.Timeframe(a.Timeframe).Valid() {
			return nil, fmt.Errorf("anchor timeframe %q: unknown", a.Timeframe)
		}
		if a.Period <= 0 || a.ReferenceTime <= 0 {
			return nil, fmt.Errorf("anchor %s/%d: period and reference_time are required", a.Timeframe, a.Period)
		}
	}

	now := time.Now().Unix()
	tok := tokenRow(req, now)
	if err := l.store.UpsertToken(ctx, tok); err != nil {
		return nil, fmt.Errorf("register token: %w", err)
	}

	res, err := l.fetcher.Fetch(ctx, marketdata.FetchRequest{
		TokenAddress: tok.TokenAddress,
		PairAddress:  tok.PairAddress,
		Timeframe:    model.TF15m,
		FromTime:     model.TF15m.AlignFloor(now-int64(oldTokenWindow/time.Second)) - 1,
		ToTime:       model.TF15m.CurrentCandleStart(now),
	})
	if err != nil {
		return nil, l.disable(ctx, tok, now, fmt.Errorf("backfill fetch: %w", err))
	}

	batch := l.assemble(tok, res.Candles, req.Anchors, now)
	if err := l.store.SaveBootstrap(ctx, batch); err != nil {
		return nil, l.disable(ctx, tok, now, fmt.Errorf("persist bootstrap: %w", err))
	}

	log.Printf("[bootstrap] %s (%s) backfilled: %d bars, %d anchors, %d credits",
		tok.Symbol, tok.TokenAddress, len(batch.Candles), len(req.Anchors), res.CreditsUsed)
	return &Result{
		TokenAddress:    tok.TokenAddress,
		Mode:            "old",
		CandlesInserted: len(batch.Candles),
		CreditsUsed:     res.CreditsUsed,
	}, nil
}

// assemble folds the higher timeframes, runs the indicator chains
// per timeframe, and packs everything into one bootstrap batch.
// anchors nil means the full-history flow.
func (l *Loader) assemble(tok *model.Token, bars15 []model.Candle, anchors []EMAAnchor, now int64) *sqlite.BootstrapBatch {
	batch := &sqlite.BootstrapBatch{Token: tok}

	series := map[model.Timeframe][]model.Candle{
		model.TF15m: bars15,
		model.TF1h:  aggregate.Fold(bars15, model.TF1h, now),
		model.TF4h:  aggregate.Fold(bars15, model.TF4h, now),
	}

	for _, tf := range model.Timeframes {
		bars := series[tf]
		l.runChains(batch, tok, tf, bars, anchors, now)
		batch.Records = append(batch.Records, record(tok, tf, bars, now))
		batch.Candles = append(batch.Candles, bars...)
	}
	return batch
}

// runChains feeds one timeframe's bars through the VWAP, AVWAP and EMA
// engines, stamping values onto the bars in place, and collects the
// final states into the batch.
func (l *Loader) runChains(batch *sqlite.BootstrapBatch, tok *model.Token, tf model.Timeframe, bars []model.Candle, anchors []EMAAnchor, now int64) {
	engines := emaEngines(tok, tf, anchors)

	if len(bars) > 0 {
		vwap := indicator.NewVWAP(tok.TokenAddress, tf, bars[0].UnixTime)

		anchor := tf.AlignFloor(tok.PairCreatedAt)
		if anchors != nil {
			// Bounded window: creation bars are gone, anchor at the
			// earliest bar we actually have.
			anchor = bars[0].UnixTime
		}
		avwap := indicator.NewAVWAP(tok.TokenAddress, tf, anchor)

		for i := range bars {
			c := &bars[i]
			if pt, ok := vwap.Update(*c); ok {
				v := pt.Value
				c.VWAP = &v
			}
			if pt, ok := avwap.Update(*c); ok {
				v := pt.Value
				c.AVWAP = &v
			}
			for _, p := range model.EMAPeriods {
				eng, ok := engines[p]
				if !ok {
					continue
				}
				if pt, ok := eng.Update(*c); ok {
					v := pt.Value
					switch p {
					case 12:
						c.EMA12 = &v
					case 21:
						c.EMA21 = &v
					case 34:
						c.EMA34 = &v
					}
				}
			}
		}

		sess := vwap.Session()
		sess.UpdatedAt = now
		batch.Sessions = append(batch.Sessions, sess)

		st := avwap.State()
		st.UpdatedAt = now
		batch.AVWAPs = append(batch.AVWAPs, st)
	}

	for _, p := range model.EMAPeriods {
		if eng, ok := engines[p]; ok {
			st := eng.State()
			st.UpdatedAt = now
			batch.EMAs = append(batch.EMAs, st)
		}
	}
}

// emaEngines builds the EMA engines for one timeframe: SMA-seeded for
// the full-history flow, anchor-seeded for the bounded one. Periods
// without an anchor get no series; the alert gating treats a missing
// series as "expected never", so bars flow without it.
func emaEngines(tok *model.Token, tf model.Timeframe, anchors []EMAAnchor) map[int]*indicator.EMA {
	engines := make(map[int]*indicator.EMA, len(model.EMAPeriods))
	if anchors == nil {
		for _, p := range model.EMAPeriods {
			engines[p] = indicator.NewEMA(tok.TokenAddress, tf, p, tok.PairCreatedAt)
		}
		return engines
	}
	for _, a := range anchors {
		if model.Timeframe(a.Timeframe) != tf {
			continue
		}
		engines[a.Period] = indicator.NewAnchoredEMA(tok.TokenAddress, tf, a.Period, a.Value, a.ReferenceTime)
	}
	return engines
}

func record(tok *model.Token, tf model.Timeframe, bars []model.Candle, now int64) model.TimeframeRecord {
	rec := model.TimeframeRecord{
		TokenAddress: tok.TokenAddress,
		PairAddress:  tok.PairAddress,
		Timeframe:    tf,
		FetchCount:   1,
		UpdatedAt:    now,
	}
	if len(bars) > 0 {
		rec.LastFetchedAt = bars[len(bars)-1].UnixTime
		rec.NextFetchAt = tf.NextFetchAfter(rec.LastFetchedAt)
		return rec
	}
	// Nothing stored yet. A young pair is due when its first bar
	// closes; a quiet backfill is re-checked at the next boundary.
	rec.NextFetchAt = tf.FirstFetchAt(tok.PairCreatedAt)
	if next := tf.AlignFloor(now) + tf.Seconds(); rec.NextFetchAt < next {
		rec.NextFetchAt = next
	}
	return rec
}

func tokenRow(req *AddRequest, now int64) *model.Token {
	return &model.Token{
		TokenAddress:  req.TokenAddress,
		PairAddress:   req.PairAddress,
		Symbol:        req.Symbol,
		Name:          req.Name,
		Chain:         req.Chain,
		PairCreatedAt: req.PairCreatedAt,
		AddedAt:       now,
		AddedBy:       req.AddedBy,
		Status:        model.TokenActive,
	}
}

func (l *Loader) disable(ctx context.Context, tok *model.Token, now int64, cause error) error {
	if err := l.store.DisableToken(ctx, tok.TokenAddress, cause.Error(), now); err != nil {
		log.Printf("[bootstrap] disable %s: %v", tok.TokenAddress, err)
	}
	if l.prom != nil {
		l.prom.TokensDisabled.Inc()
	}
	return cause
}
