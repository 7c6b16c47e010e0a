package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/obscurainvera/onchain-sub000/internal/model"
)

// upsertCandleSQL inserts a bar or, on conflict, refreshes fetched_at
// and fills indicator columns that arrive non-null. Raw OHLCV of an
// existing row is never overwritten and computed values never revert
// to null, so re-driving a window is idempotent.
const upsertCandleSQL = `
	INSERT INTO ohlcvdetails (
		token_address, pair_address, timeframe, unix_time,
		open, high, low, close, volume, trades, source, fetched_at,
		vwap_value, avwap_value, ema_12, ema_21, ema_34,
		rsi, stoch_rsi, stoch_k, stoch_d,
		trend, status, trend_12, status_12
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	ON CONFLICT (token_address, timeframe, unix_time) DO UPDATE SET
		fetched_at  = excluded.fetched_at,
		vwap_value  = COALESCE(excluded.vwap_value, vwap_value),
		avwap_value = COALESCE(excluded.avwap_value, avwap_value),
		ema_12      = COALESCE(excluded.ema_12, ema_12),
		ema_21      = COALESCE(excluded.ema_21, ema_21),
		ema_34      = COALESCE(excluded.ema_34, ema_34),
		rsi         = COALESCE(excluded.rsi, rsi),
		stoch_rsi   = COALESCE(excluded.stoch_rsi, stoch_rsi),
		stoch_k     = COALESCE(excluded.stoch_k, stoch_k),
		stoch_d     = COALESCE(excluded.stoch_d, stoch_d),
		trend       = COALESCE(excluded.trend, trend),
		status      = COALESCE(excluded.status, status),
		trend_12    = COALESCE(excluded.trend_12, trend_12),
		status_12   = COALESCE(excluded.status_12, status_12)`

func candleArgs(c model.Candle) []any {
	return []any{
		c.TokenAddress, c.PairAddress, string(c.Timeframe), c.UnixTime,
		c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(), c.Volume.String(),
		c.Trades, string(c.Source), c.FetchedAt,
		nullDecimal(c.VWAP), nullDecimal(c.AVWAP),
		nullFloat(c.EMA12), nullFloat(c.EMA21), nullFloat(c.EMA34),
		nullFloat(c.RSI), nullFloat(c.StochRSI), nullFloat(c.StochK), nullFloat(c.StochD),
		nullString(c.Trend), nullString(c.Status), nullString(c.Trend12), nullString(c.Status12),
	}
}

// UpsertCandles writes a batch of bars in one transaction.
func (s *Store) UpsertCandles(ctx context.Context, candles []model.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	return s.withRetry(ctx, "upsert candles", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx, upsertCandleSQL)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, c := range candles {
			if _, err := stmt.ExecContext(ctx, candleArgs(c)...); err != nil {
				return fmt.Errorf("candle %s %s@%d: %w", c.TokenAddress, c.Timeframe, c.UnixTime, err)
			}
		}
		return tx.Commit()
	})
}

const candleColumns = `
	token_address, pair_address, timeframe, unix_time,
	open, high, low, close, volume, trades, source, fetched_at,
	vwap_value, avwap_value, ema_12, ema_21, ema_34,
	rsi, stoch_rsi, stoch_k, stoch_d,
	trend, status, trend_12, status_12`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCandle(r rowScanner) (model.Candle, error) {
	var (
		c                         model.Candle
		tf, src                   string
		o, h, l, cl, v            string
		vwap, avwap               sql.NullString
		e12, e21, e34             sql.NullFloat64
		rsi, srsi, k, d           sql.NullFloat64
		trend, status, tr12, st12 sql.NullString
	)
	err := r.Scan(
		&c.TokenAddress, &c.PairAddress, &tf, &c.UnixTime,
		&o, &h, &l, &cl, &v, &c.Trades, &src, &c.FetchedAt,
		&vwap, &avwap, &e12, &e21, &e34,
		&rsi, &srsi, &k, &d,
		&trend, &status, &tr12, &st12,
	)
	if err != nil {
		return model.Candle{}, err
	}
	c.Timeframe = model.Timeframe(tf)
	c.Source = model.CandleSource(src)
	if c.Open, err = decimal.NewFromString(o); err != nil {
		return model.Candle{}, fmt.Errorf("open %q: %w", o, err)
	}
	if c.High, err = decimal.NewFromString(h); err != nil {
		return model.Candle{}, fmt.Errorf("high %q: %w", h, err)
	}
	if c.Low, err = decimal.NewFromString(l); err != nil {
		return model.Candle{}, fmt.Errorf("low %q: %w", l, err)
	}
	if c.Close, err = decimal.NewFromString(cl); err != nil {
		return model.Candle{}, fmt.Errorf("close %q: %w", cl, err)
	}
	if c.Volume, err = decimal.NewFromString(v); err != nil {
		return model.Candle{}, fmt.Errorf("volume %q: %w", v, err)
	}
	c.VWAP = decimalPtr(vwap)
	c.AVWAP = decimalPtr(avwap)
	c.EMA12 = floatPtr(e12)
	c.EMA21 = floatPtr(e21)
	c.EMA34 = floatPtr(e34)
	c.RSI = floatPtr(rsi)
	c.StochRSI = floatPtr(srsi)
	c.StochK = floatPtr(k)
	c.StochD = floatPtr(d)
	c.Trend = trend.String
	c.Status = status.String
	c.Trend12 = tr12.String
	c.Status12 = st12.String
	return c, nil
}

func (s *Store) queryCandles(ctx context.Context, query string, args ...any) ([]model.Candle, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Candle
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CandlesAfter returns bars with unix_time strictly greater than after,
// ascending.
func (s *Store) CandlesAfter(ctx context.Context, token string, tf model.Timeframe, after int64) ([]model.Candle, error) {
	return s.queryCandles(ctx, `
		SELECT `+candleColumns+`
		FROM ohlcvdetails
		WHERE token_address = ? AND timeframe = ? AND unix_time > ?
		ORDER BY unix_time ASC`,
		token, string(tf), after)
}

// CandlesBetween returns bars with from <= unix_time <= to, ascending.
func (s *Store) CandlesBetween(ctx context.Context, token string, tf model.Timeframe, from, to int64) ([]model.Candle, error) {
	return s.queryCandles(ctx, `
		SELECT `+candleColumns+`
		FROM ohlcvdetails
		WHERE token_address = ? AND timeframe = ? AND unix_time >= ? AND unix_time <= ?
		ORDER BY unix_time ASC`,
		token, string(tf), from, to)
}

// EarliestCandleUnix returns the oldest stored bar time for the pair,
// or 0 when no bars exist.
func (s *Store) EarliestCandleUnix(ctx context.Context, token string, tf model.Timeframe) (int64, error) {
	var t sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(unix_time) FROM ohlcvdetails
		WHERE token_address = ? AND timeframe = ?`,
		token, string(tf)).Scan(&t)
	if err != nil {
		return 0, err
	}
	return t.Int64, nil
}

// CandleCount counts stored bars for the pair.
func (s *Store) CandleCount(ctx context.Context, token string, tf model.Timeframe) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ohlcvdetails
		WHERE token_address = ? AND timeframe = ?`,
		token, string(tf)).Scan(&n)
	return n, err
}

// AlertCandles returns bars past the alert watermark whose indicator
// prerequisites are satisfied: VWAP and AVWAP present, and each EMA
// either present or not yet expected at the bar's time. availableAt
// maps EMA period to the first unix time a value is expected; a missing
// period gates nothing.
func (s *Store) AlertCandles(ctx context.Context, token string, tf model.Timeframe, after int64, availableAt map[int]int64) ([]model.Candle, error) {
	avail := func(p int) int64 {
		if t, ok := availableAt[p]; ok {
			return t
		}
		return math.MaxInt64
	}
	return s.queryCandles(ctx, `
		SELECT `+candleColumns+`
		FROM ohlcvdetails
		WHERE token_address = ? AND timeframe = ? AND unix_time > ?
		  AND vwap_value IS NOT NULL
		  AND avwap_value IS NOT NULL
		  AND (ema_12 IS NOT NULL OR unix_time < ?)
		  AND (ema_21 IS NOT NULL OR unix_time < ?)
		  AND (ema_34 IS NOT NULL OR unix_time < ?)
		ORDER BY unix_time ASC`,
		token, string(tf), after, avail(12), avail(21), avail(34))
}

func nullDecimal(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func decimalPtr(ns sql.NullString) *decimal.Decimal {
	if !ns.Valid {
		return nil
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return nil
	}
	return &d
}

func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}
