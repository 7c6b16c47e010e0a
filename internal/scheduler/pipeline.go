package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/obscurainvera/onchain-sub000/internal/aggregate"
	"github.com/obscurainvera/onchain-sub000/internal/indicator"
	"github.com/obscurainvera/onchain-sub000/internal/logger"
	"github.com/obscurainvera/onchain-sub000/internal/marketdata"
	"github.com/obscurainvera/onchain-sub000/internal/model"
	"github.com/obscurainvera/onchain-sub000/internal/store/sqlite"
)

// processToken runs the full pipeline for one due token: fetch 15m
// bars, fold the higher timeframes, then advance the indicator and
// alert chains for every timeframe that gained bars.
func (s *Service) processToken(ctx context.Context, tok *model.Token, rec model.TimeframeRecord, sum *tickSummary) {
	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(tok.TokenAddress, time.Now()))
	now := time.Now().Unix()

	n, err := s.fetch15m(ctx, tok, rec, now)
	if err != nil {
		sum.failed.Add(1)
		slog.Error("token pipeline failed", kv(ctx, "token", tok.TokenAddress, "err", err)...)
		return
	}

	var affected []model.Timeframe
	if n > 0 {
		affected = append(affected, model.TF15m)
		sum.candles.Add(int64(n))
	}

	for _, tf := range model.HigherTimeframes {
		added, err := s.foldHigher(ctx, tok, tf, now)
		if err != nil {
			s.prom.PassFailures.WithLabelValues("aggregate").Inc()
			slog.Error("aggregation failed", kv(ctx, "token", tok.TokenAddress, "timeframe", tf, "err", err)...)
			continue
		}
		if added > 0 {
			affected = append(affected, tf)
			sum.candles.Add(int64(added))
		}
	}

	for _, tf := range affected {
		s.runPasses(ctx, tok, tf, sum)
	}

	s.prom.TokensProcessed.Inc()
	sum.processed.Add(1)
}

// fetch15m pulls bars past the watermark and advances the catalog row.
// Returns the number of bars persisted. An empty response defers the
// row to the close of the bar now forming instead of advancing it.
func (s *Service) fetch15m(ctx context.Context, tok *model.Token, rec model.TimeframeRecord, now int64) (int, error) {
	from := rec.LastFetchedAt
	if from == 0 {
		from = model.TF15m.AlignFloor(tok.PairCreatedAt) - 1
	}
	to := model.TF15m.CurrentCandleStart(now)
	if to <= from+1 {
		return 0, nil // no bar has closed since the watermark
	}

	start := time.Now()
	res, err := s.fetcher.Fetch(ctx, marketdata.FetchRequest{
		TokenAddress: tok.TokenAddress,
		PairAddress:  tok.PairAddress,
		Timeframe:    model.TF15m,
		FromTime:     from,
		ToTime:       to,
	})
	s.prom.FetchDur.Observe(time.Since(start).Seconds())
	if err != nil {
		s.prom.FetchesTotal.WithLabelValues("any", "error").Inc()
		return 0, fmt.Errorf("fetch 15m: %w", err)
	}
	vendor := vendorOf(res.Source)
	s.prom.FetchesTotal.WithLabelValues(vendor, "ok").Inc()
	if res.CreditsUsed > 0 {
		s.prom.CreditsSpent.WithLabelValues(vendor).Add(float64(res.CreditsUsed))
	}

	if len(res.Candles) == 0 {
		// Quiet pair, the vendor had nothing closed yet. Re-check once
		// the forming bar closes rather than every tick.
		if err := s.store.DeferTimeframe(ctx, tok.TokenAddress, model.TF15m, now); err != nil {
			return 0, fmt.Errorf("defer catalog: %w", err)
		}
		return 0, nil
	}

	if err := s.store.UpsertCandles(ctx, res.Candles); err != nil {
		return 0, fmt.Errorf("persist bars: %w", err)
	}
	s.prom.CandlesIngested.WithLabelValues(string(model.TF15m), string(res.Source)).Add(float64(len(res.Candles)))
	if err := s.store.AdvanceTimeframe(ctx, tok.TokenAddress, model.TF15m, res.LatestTime, now); err != nil {
		return 0, fmt.Errorf("advance catalog: %w", err)
	}
	return len(res.Candles), nil
}

// foldHigher derives new tf buckets from stored 15m bars and advances
// the tf catalog row. Returns the number of buckets persisted.
func (s *Service) foldHigher(ctx context.Context, tok *model.Token, tf model.Timeframe, now int64) (int, error) {
	rec, err := s.store.TimeframeRecord(ctx, tok.TokenAddress, tf)
	if err != nil {
		return 0, err
	}

	// Source bars strictly past the last complete bucket.
	after := int64(-1)
	if rec != nil && rec.LastFetchedAt > 0 {
		after = rec.LastFetchedAt + tf.Seconds() - 1
	}
	bars, err := s.store.CandlesAfter(ctx, tok.TokenAddress, model.TF15m, after)
	if err != nil {
		return 0, err
	}
	folded := aggregate.Fold(bars, tf, now)
	if len(folded) == 0 {
		return 0, nil
	}

	if err := s.store.UpsertCandles(ctx, folded); err != nil {
		return 0, err
	}
	s.prom.CandlesIngested.WithLabelValues(string(tf), string(model.SourceAggregated)).Add(float64(len(folded)))

	latest := folded[len(folded)-1].UnixTime
	if rec == nil {
		// Catalog row missing. Bootstrap writes one for every
		// timeframe, so this only covers rows lost to manual surgery.
		return len(folded), s.store.UpsertTimeframeRecord(ctx, &model.TimeframeRecord{
			TokenAddress:  tok.TokenAddress,
			PairAddress:   tok.PairAddress,
			Timeframe:     tf,
			LastFetchedAt: latest,
			NextFetchAt:   tf.NextFetchAfter(latest),
			FetchCount:    1,
			UpdatedAt:     now,
		})
	}
	return len(folded), s.store.AdvanceTimeframe(ctx, tok.TokenAddress, tf, latest, now)
}

// runPasses advances the indicator chains and the alert state for one
// timeframe. Each pass commits its own transaction; one engine failing
// never blocks the others.
func (s *Service) runPasses(ctx context.Context, tok *model.Token, tf model.Timeframe, sum *tickSummary) {
	s.pass(ctx, "vwap", tok, tf, s.vwapPass)
	s.pass(ctx, "avwap", tok, tf, s.avwapPass)
	s.pass(ctx, "ema", tok, tf, s.emaPass)
	s.pass(ctx, "rsi", tok, tf, s.rsiPass)
	s.pass(ctx, "alert", tok, tf, func(ctx context.Context, tok *model.Token, tf model.Timeframe) error {
		return s.alertPass(ctx, tok, tf, sum)
	})
}

func (s *Service) pass(ctx context.Context, name string, tok *model.Token, tf model.Timeframe, fn func(context.Context, *model.Token, model.Timeframe) error) {
	start := time.Now()
	err := fn(ctx, tok, tf)
	s.prom.PassDur.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err == nil {
		return
	}
	s.prom.PassFailures.WithLabelValues(name).Inc()
	if errors.Is(err, sqlite.ErrStateInconsistency) {
		slog.Error("pass refused, state would regress", kv(ctx, "pass", name, "token", tok.TokenAddress, "timeframe", tf, "err", err)...)
		return
	}
	slog.Error("pass failed", kv(ctx, "pass", name, "token", tok.TokenAddress, "timeframe", tf, "err", err)...)
}

func (s *Service) vwapPass(ctx context.Context, tok *model.Token, tf model.Timeframe) error {
	sess, err := s.store.LoadVWAPSession(ctx, tok.TokenAddress, tf)
	if err != nil {
		return err
	}
	var after int64
	if sess != nil {
		after = sess.LastCandleUnix
	}
	bars, err := s.store.CandlesAfter(ctx, tok.TokenAddress, tf, after)
	if err != nil || len(bars) == 0 {
		return err
	}

	var eng *indicator.VWAP
	if sess != nil {
		eng = indicator.RestoreVWAP(sess)
	} else {
		eng = indicator.NewVWAP(tok.TokenAddress, tf, bars[0].UnixTime)
	}

	var points []model.DecimalPoint
	for _, b := range bars {
		if pt, ok := eng.Update(b); ok {
			points = append(points, pt)
		}
	}
	out := eng.Session()
	out.UpdatedAt = time.Now().Unix()
	return s.store.SaveVWAPPass(ctx, out, points)
}

func (s *Service) avwapPass(ctx context.Context, tok *model.Token, tf model.Timeframe) error {
	st, err := s.store.LoadAVWAPState(ctx, tok.TokenAddress, tf)
	if err != nil {
		return err
	}
	var after int64
	if st != nil {
		after = st.LastCandleUnix
	}
	bars, err := s.store.CandlesAfter(ctx, tok.TokenAddress, tf, after)
	if err != nil || len(bars) == 0 {
		return err
	}

	var eng *indicator.AVWAP
	if st != nil {
		eng = indicator.RestoreAVWAP(st)
	} else {
		eng = indicator.NewAVWAP(tok.TokenAddress, tf, bars[0].UnixTime)
	}

	var points []model.DecimalPoint
	for _, b := range bars {
		if pt, ok := eng.Update(b); ok {
			points = append(points, pt)
		}
	}
	out := eng.State()
	out.UpdatedAt = time.Now().Unix()
	return s.store.SaveAVWAPPass(ctx, out, points)
}

// emaPass advances every seeded EMA series. Series still accumulating
// their SMA seed replay from the first bar; ready series resume from
// the oldest per-period watermark, and their replay guards drop bars
// they have already consumed.
func (s *Service) emaPass(ctx context.Context, tok *model.Token, tf model.Timeframe) error {
	states, err := s.store.LoadEMAStates(ctx, tok.TokenAddress, tf)
	if err != nil {
		return err
	}

	engines := make(map[int]*indicator.EMA, len(model.EMAPeriods))
	after := int64(math.MaxInt64)
	for _, p := range model.EMAPeriods {
		st, ok := states[p]
		if !ok {
			// Never seeded (bounded backfill without an anchor). The
			// operator owns that decision; do not mis-seed it here.
			continue
		}
		engines[p] = indicator.RestoreEMA(st)
		if st.Status != model.EMAReady {
			after = -1
		} else if st.LastUpdatedUnix < after {
			after = st.LastUpdatedUnix
		}
	}
	if len(engines) == 0 {
		return nil
	}

	bars, err := s.store.CandlesAfter(ctx, tok.TokenAddress, tf, after)
	if err != nil || len(bars) == 0 {
		return err
	}

	points := make(map[int][]model.FloatPoint)
	for _, b := range bars {
		for p, eng := range engines {
			if pt, ok := eng.Update(b); ok {
				points[p] = append(points[p], pt)
			}
		}
	}

	now := time.Now().Unix()
	out := make([]*model.EMAState, 0, len(engines))
	for _, p := range model.EMAPeriods {
		if eng, ok := engines[p]; ok {
			st := eng.State()
			st.UpdatedAt = now
			out = append(out, st)
		}
	}
	return s.store.SaveEMAPass(ctx, out, points)
}

func (s *Service) rsiPass(ctx context.Context, tok *model.Token, tf model.Timeframe) error {
	st, err := s.store.LoadRSIState(ctx, tok.TokenAddress, tf)
	if err != nil {
		return err
	}
	var after int64
	var eng *indicator.RSIChain
	if st != nil {
		eng = indicator.RestoreRSIChain(st)
		after = st.LastUpdatedUnix
	} else {
		eng = indicator.NewRSIChain(tok.TokenAddress, tf)
	}

	bars, err := s.store.CandlesAfter(ctx, tok.TokenAddress, tf, after)
	if err != nil || len(bars) == 0 {
		return err
	}

	var points []model.RSIPoint
	for _, b := range bars {
		if pt, ok := eng.Update(b); ok {
			points = append(points, pt)
		}
	}
	out := eng.State()
	out.UpdatedAt = time.Now().Unix()
	return s.store.SaveRSIPass(ctx, out, points)
}

// alertPass evaluates the strategy over bars whose indicator columns
// are settled, journals any notifications in the same transaction as
// the state advance, then dispatches them.
func (s *Service) alertPass(ctx context.Context, tok *model.Token, tf model.Timeframe, sum *tickSummary) error {
	st, err := s.store.LoadAlertState(ctx, tok.TokenAddress, tf)
	if err != nil {
		return err
	}
	if st == nil {
		st = model.NewAlertState(tok.TokenAddress, tf)
	}

	emaStates, err := s.store.LoadEMAStates(ctx, tok.TokenAddress, tf)
	if err != nil {
		return err
	}
	availableAt := make(map[int]int64, len(emaStates))
	for p, es := range emaStates {
		availableAt[p] = es.AvailableTime
	}

	bars, err := s.store.AlertCandles(ctx, tok.TokenAddress, tf, st.LastEvaluatedUnix, availableAt)
	if err != nil || len(bars) == 0 {
		return err
	}

	points, events := s.engine.Evaluate(st, bars)

	notes := make([]model.Notification, 0, len(events))
	for _, ev := range events {
		var mcap *float64
		if s.mcap != nil {
			mcap = s.mcap.MarketCap(ctx, tok.TokenAddress)
		}
		notes = append(notes, *s.composer.Compose(ev, tok, mcap))
		s.prom.AlertsEmitted.WithLabelValues(string(ev.Type)).Inc()
	}

	st.UpdatedAt = time.Now().Unix()
	if err := s.store.SaveAlertPass(ctx, st, points, notes); err != nil {
		return err
	}
	sum.alerts.Add(int64(len(events)))

	s.dispatch(ctx, notes)
	sum.notified.Add(int64(len(notes)))

	if s.pub != nil {
		s.pub.PublishSnapshot(ctx, st)
	}
	return nil
}

// dispatch delivers journaled notifications and finalizes their rows.
// Sends are single-shot; a failure is recorded, not re-driven.
func (s *Service) dispatch(ctx context.Context, notes []model.Notification) {
	for i := range notes {
		n := &notes[i]
		if err := s.notifier.Send(ctx, n); err != nil {
			s.prom.NotifySends.WithLabelValues("failed").Inc()
			slog.Warn("notification send failed", kv(ctx, "id", n.ID, "type", n.StrategyType, "err", err)...)
			if merr := s.store.MarkNotificationFailed(ctx, n.ID, err.Error()); merr != nil {
				slog.Error("mark notification failed", kv(ctx, "id", n.ID, "err", merr)...)
			}
		} else {
			s.prom.NotifySends.WithLabelValues("sent").Inc()
			if merr := s.store.MarkNotificationSent(ctx, n.ID, time.Now().Unix()); merr != nil {
				slog.Error("mark notification sent", kv(ctx, "id", n.ID, "err", merr)...)
			}
		}
		if s.pub != nil {
			s.pub.PublishAlert(ctx, n)
		}
	}
}

func vendorOf(src model.CandleSource) string {
	switch src {
	case model.SourcePrimary:
		return model.ServiceBirdeye
	case model.SourceSecondary:
		return model.ServiceGecko
	}
	return string(src)
}
