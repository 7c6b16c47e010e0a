package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/obscurainvera/onchain-sub000/internal/model"
)

// guardWatermark refuses a pass whose state would move backward in
// time. prev is read inside the caller's transaction.
func guardWatermark(what string, prev sql.NullInt64, next int64) error {
	if prev.Valid && next < prev.Int64 {
		return fmt.Errorf("%s: last_candle_unix %d -> %d: %w", what, prev.Int64, next, ErrStateInconsistency)
	}
	return nil
}

// LoadVWAPSession returns the VWAP session row, or nil when absent.
func (s *Store) LoadVWAPSession(ctx context.Context, token string, tf model.Timeframe) (*model.VWAPSession, error) {
	var (
		sess       model.VWAPSession
		pv, vol, v string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT session_start, session_end, cum_pv, cum_volume, vwap_value, last_candle_unix, updated_at
		FROM vwapsessions WHERE token_address = ? AND timeframe = ?`,
		token, string(tf)).Scan(&sess.SessionStart, &sess.SessionEnd, &pv, &vol, &v, &sess.LastCandleUnix, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sess.TokenAddress = token
	sess.Timeframe = tf
	if err := scanDecimal("cum_pv", pv, &sess.CumPV); err != nil {
		return nil, err
	}
	if err := scanDecimal("cum_volume", vol, &sess.CumVolume); err != nil {
		return nil, err
	}
	if err := scanDecimal("vwap_value", v, &sess.VWAP); err != nil {
		return nil, err
	}
	return &sess, nil
}

// SaveVWAPPass persists one VWAP pass atomically: stamps the computed
// points onto their bars and upserts the session row. A session that
// would step backward is refused.
func (s *Store) SaveVWAPPass(ctx context.Context, sess *model.VWAPSession, points []model.DecimalPoint) error {
	return s.withRetry(ctx, "vwap pass", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var prev sql.NullInt64
		err = tx.QueryRowContext(ctx, `
			SELECT last_candle_unix FROM vwapsessions
			WHERE token_address = ? AND timeframe = ?`,
			sess.TokenAddress, string(sess.Timeframe)).Scan(&prev)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if err := guardWatermark("vwap "+sess.TokenAddress, prev, sess.LastCandleUnix); err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx, `
			UPDATE ohlcvdetails SET vwap_value = ?
			WHERE token_address = ? AND timeframe = ? AND unix_time = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, p := range points {
			if _, err := stmt.ExecContext(ctx, p.Value.String(), sess.TokenAddress, string(sess.Timeframe), p.Unix); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO vwapsessions (
				token_address, timeframe, session_start, session_end,
				cum_pv, cum_volume, vwap_value, last_candle_unix, updated_at
			) VALUES (?,?,?,?,?,?,?,?,?)
			ON CONFLICT (token_address, timeframe) DO UPDATE SET
				session_start    = excluded.session_start,
				session_end      = excluded.session_end,
				cum_pv           = excluded.cum_pv,
				cum_volume       = excluded.cum_volume,
				vwap_value       = excluded.vwap_value,
				last_candle_unix = excluded.last_candle_unix,
				updated_at       = excluded.updated_at`,
			sess.TokenAddress, string(sess.Timeframe), sess.SessionStart, sess.SessionEnd,
			sess.CumPV.String(), sess.CumVolume.String(), sess.VWAP.String(),
			sess.LastCandleUnix, sess.UpdatedAt)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
}

// LoadAVWAPState returns the anchored VWAP row, or nil when absent.
func (s *Store) LoadAVWAPState(ctx context.Context, token string, tf model.Timeframe) (*model.AVWAPState, error) {
	var (
		st         model.AVWAPState
		pv, vol, v string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT anchor_unix, cum_pv, cum_volume, avwap_value, last_candle_unix, updated_at
		FROM avwapstates WHERE token_address = ? AND timeframe = ?`,
		token, string(tf)).Scan(&st.AnchorUnix, &pv, &vol, &v, &st.LastCandleUnix, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st.TokenAddress = token
	st.Timeframe = tf
	if err := scanDecimal("cum_pv", pv, &st.CumPV); err != nil {
		return nil, err
	}
	if err := scanDecimal("cum_volume", vol, &st.CumVolume); err != nil {
		return nil, err
	}
	if err := scanDecimal("avwap_value", v, &st.AVWAP); err != nil {
		return nil, err
	}
	return &st, nil
}

// SaveAVWAPPass persists one anchored-VWAP pass atomically.
func (s *Store) SaveAVWAPPass(ctx context.Context, st *model.AVWAPState, points []model.DecimalPoint) error {
	return s.withRetry(ctx, "avwap pass", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var prev sql.NullInt64
		err = tx.QueryRowContext(ctx, `
			SELECT last_candle_unix FROM avwapstates
			WHERE token_address = ? AND timeframe = ?`,
			st.TokenAddress, string(st.Timeframe)).Scan(&prev)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if err := guardWatermark("avwap "+st.TokenAddress, prev, st.LastCandleUnix); err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx, `
			UPDATE ohlcvdetails SET avwap_value = ?
			WHERE token_address = ? AND timeframe = ? AND unix_time = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, p := range points {
			if _, err := stmt.ExecContext(ctx, p.Value.String(), st.TokenAddress, string(st.Timeframe), p.Unix); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO avwapstates (
				token_address, timeframe, anchor_unix,
				cum_pv, cum_volume, avwap_value, last_candle_unix, updated_at
			) VALUES (?,?,?,?,?,?,?,?)
			ON CONFLICT (token_address, timeframe) DO UPDATE SET
				anchor_unix      = excluded.anchor_unix,
				cum_pv           = excluded.cum_pv,
				cum_volume       = excluded.cum_volume,
				avwap_value      = excluded.avwap_value,
				last_candle_unix = excluded.last_candle_unix,
				updated_at       = excluded.updated_at`,
			st.TokenAddress, string(st.Timeframe), st.AnchorUnix,
			st.CumPV.String(), st.CumVolume.String(), st.AVWAP.String(),
			st.LastCandleUnix, st.UpdatedAt)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
}

// LoadEMAStates returns the EMA rows for a pair keyed by period.
func (s *Store) LoadEMAStates(ctx context.Context, token string, tf model.Timeframe) (map[int]*model.EMAState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT period, status, ema_value, available_time, last_updated_unix, anchor_source, updated_at
		FROM emastates WHERE token_address = ? AND timeframe = ?`,
		token, string(tf))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int]*model.EMAState)
	for rows.Next() {
		var (
			st             model.EMAState
			status, anchor string
		)
		if err := rows.Scan(&st.Period, &status, &st.Value, &st.AvailableTime,
			&st.LastUpdatedUnix, &anchor, &st.UpdatedAt); err != nil {
			return nil, err
		}
		st.TokenAddress = token
		st.Timeframe = tf
		st.Status = model.EMAStatus(status)
		st.AnchorSource = model.EMAAnchorSource(anchor)
		out[st.Period] = &st
	}
	return out, rows.Err()
}

// SaveEMAPass persists one EMA pass atomically: the per-period state
// rows plus the computed values stamped onto bars, keyed by period.
func (s *Store) SaveEMAPass(ctx context.Context, states []*model.EMAState, points map[int][]model.FloatPoint) error {
	if len(states) == 0 {
		return nil
	}
	token, tf := states[0].TokenAddress, states[0].Timeframe
	return s.withRetry(ctx, "ema pass", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		for _, st := range states {
			var prev sql.NullInt64
			err = tx.QueryRowContext(ctx, `
				SELECT last_updated_unix FROM emastates
				WHERE token_address = ? AND timeframe = ? AND period = ?`,
				token, string(tf), st.Period).Scan(&prev)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			if err := guardWatermark(fmt.Sprintf("ema%d %s", st.Period, token), prev, st.LastUpdatedUnix); err != nil {
				return err
			}

			_, err = tx.ExecContext(ctx, `
				INSERT INTO emastates (
					token_address, timeframe, period, status, ema_value,
					available_time, last_updated_unix, anchor_source, updated_at
				) VALUES (?,?,?,?,?,?,?,?,?)
				ON CONFLICT (token_address, timeframe, period) DO UPDATE SET
					status            = excluded.status,
					ema_value         = excluded.ema_value,
					available_time    = excluded.available_time,
					last_updated_unix = excluded.last_updated_unix,
					anchor_source     = excluded.anchor_source,
					updated_at        = excluded.updated_at`,
				token, string(tf), st.Period, string(st.Status), st.Value,
				st.AvailableTime, st.LastUpdatedUnix, string(st.AnchorSource), st.UpdatedAt)
			if err != nil {
				return err
			}
		}

		for period, pts := range points {
			col, ok := emaColumn(period)
			if !ok {
				return fmt.Errorf("ema pass: unsupported period %d", period)
			}
			stmt, err := tx.PrepareContext(ctx, `
				UPDATE ohlcvdetails SET `+col+` = ?
				WHERE token_address = ? AND timeframe = ? AND unix_time = ?`)
			if err != nil {
				return err
			}
			for _, p := range pts {
				if _, err := stmt.ExecContext(ctx, p.Value, token, string(tf), p.Unix); err != nil {
					stmt.Close()
					return err
				}
			}
			stmt.Close()
		}
		return tx.Commit()
	})
}

func emaColumn(period int) (string, bool) {
	switch period {
	case 12:
		return "ema_12", true
	case 21:
		return "ema_21", true
	case 34:
		return "ema_34", true
	}
	return "", false
}

// LoadRSIState returns the RSI/StochRSI row, or nil when absent.
func (s *Store) LoadRSIState(ctx context.Context, token string, tf model.Timeframe) (*model.RSIState, error) {
	var (
		st            model.RSIState
		rsiJ, stJ, kJ string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT avg_gain, avg_loss, prev_close, bar_count,
		       rsi_values, stoch_values, k_values, last_updated_unix, updated_at
		FROM rsistates WHERE token_address = ? AND timeframe = ?`,
		token, string(tf)).Scan(&st.AvgGain, &st.AvgLoss, &st.PrevClose, &st.BarCount,
		&rsiJ, &stJ, &kJ, &st.LastUpdatedUnix, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st.TokenAddress = token
	st.Timeframe = tf
	for _, f := range []struct {
		raw string
		dst *[]float64
	}{{rsiJ, &st.RSIValues}, {stJ, &st.StochValues}, {kJ, &st.KValues}} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("rsi state buffers: %w", err)
		}
	}
	return &st, nil
}

// SaveRSIPass persists one RSI pass atomically: the rolling buffers
// plus rsi/stoch columns stamped onto bars.
func (s *Store) SaveRSIPass(ctx context.Context, st *model.RSIState, points []model.RSIPoint) error {
	return s.withRetry(ctx, "rsi pass", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var prev sql.NullInt64
		err = tx.QueryRowContext(ctx, `
			SELECT last_updated_unix FROM rsistates
			WHERE token_address = ? AND timeframe = ?`,
			st.TokenAddress, string(st.Timeframe)).Scan(&prev)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if err := guardWatermark("rsi "+st.TokenAddress, prev, st.LastUpdatedUnix); err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx, `
			UPDATE ohlcvdetails
			SET rsi = ?, stoch_rsi = ?, stoch_k = ?, stoch_d = ?
			WHERE token_address = ? AND timeframe = ? AND unix_time = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, p := range points {
			_, err := stmt.ExecContext(ctx, p.RSI, nullFloat(p.StochRSI), nullFloat(p.StochK), nullFloat(p.StochD),
				st.TokenAddress, string(st.Timeframe), p.Unix)
			if err != nil {
				return err
			}
		}

		rsiJ, _ := json.Marshal(st.RSIValues)
		stJ, _ := json.Marshal(st.StochValues)
		kJ, _ := json.Marshal(st.KValues)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO rsistates (
				token_address, timeframe, avg_gain, avg_loss, prev_close, bar_count,
				rsi_values, stoch_values, k_values, last_updated_unix, updated_at
			) VALUES (?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT (token_address, timeframe) DO UPDATE SET
				avg_gain          = excluded.avg_gain,
				avg_loss          = excluded.avg_loss,
				prev_close        = excluded.prev_close,
				bar_count         = excluded.bar_count,
				rsi_values        = excluded.rsi_values,
				stoch_values      = excluded.stoch_values,
				k_values          = excluded.k_values,
				last_updated_unix = excluded.last_updated_unix,
				updated_at        = excluded.updated_at`,
			st.TokenAddress, string(st.Timeframe), st.AvgGain, st.AvgLoss, st.PrevClose, st.BarCount,
			string(rsiJ), string(stJ), string(kJ), st.LastUpdatedUnix, st.UpdatedAt)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
}

func scanDecimal(name, raw string, dst *decimal.Decimal) error {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("%s %q: %w", name, raw, err)
	}
	*dst = d
	return nil
}
