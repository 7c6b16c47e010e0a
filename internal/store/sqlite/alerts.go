package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/obscurainvera/onchain-sub000/internal/model"
)

// LoadAlertState returns the alert row for a pair, or nil when absent.
func (s *Store) LoadAlertState(ctx context.Context, token string, tf model.Timeframe) (*model.AlertState, error) {
	var (
		st                  model.AlertState
		trend, status       string
		tr12, st12          string
		pos                 string
		vwap, avwap         sql.NullString
		e12, e21, e34       sql.NullFloat64
		rsi, stochK, stochD sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT trend, status, touch_count, latest_touch_unix,
		       trend_12, status_12, touch_count_12, latest_touch_unix_12,
		       avwap_position, vwap_value, avwap_value, ema_12, ema_21, ema_34,
		       rsi, stoch_k, stoch_d, last_evaluated_unix, updated_at
		FROM alerts WHERE token_address = ? AND timeframe = ?`,
		token, string(tf)).Scan(
		&trend, &status, &st.Pair2134.TouchCount, &st.Pair2134.LatestTouchUnix,
		&tr12, &st12, &st.Pair1221.TouchCount, &st.Pair1221.LatestTouchUnix,
		&pos, &vwap, &avwap, &e12, &e21, &e34,
		&rsi, &stochK, &stochD, &st.LastEvaluatedUnix, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st.TokenAddress = token
	st.Timeframe = tf
	st.Pair2134.Trend = model.Trend(trend)
	st.Pair2134.Status = status
	st.Pair1221.Trend = model.Trend(tr12)
	st.Pair1221.Status = st12
	st.AVWAPPosition = model.AVWAPPosition(pos)
	st.Latest = model.LatestIndicators{
		VWAP: decimalPtr(vwap), AVWAP: decimalPtr(avwap),
		EMA12: floatPtr(e12), EMA21: floatPtr(e21), EMA34: floatPtr(e34),
		RSI: floatPtr(rsi), StochK: floatPtr(stochK), StochD: floatPtr(stochD),
	}
	return &st, nil
}

// SaveAlertPass persists one alert pass atomically: trend/status
// columns stamped onto evaluated bars, the alert state row, and any
// notifications journaled as pending.
func (s *Store) SaveAlertPass(ctx context.Context, st *model.AlertState, points []model.TrendStatusPoint, notes []model.Notification) error {
	return s.withRetry(ctx, "alert pass", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var prev sql.NullInt64
		err = tx.QueryRowContext(ctx, `
			SELECT last_evaluated_unix FROM alerts
			WHERE token_address = ? AND timeframe = ?`,
			st.TokenAddress, string(st.Timeframe)).Scan(&prev)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if err := guardWatermark("alert "+st.TokenAddress, prev, st.LastEvaluatedUnix); err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx, `
			UPDATE ohlcvdetails
			SET trend = ?, status = ?, trend_12 = ?, status_12 = ?
			WHERE token_address = ? AND timeframe = ? AND unix_time = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, p := range points {
			_, err := stmt.ExecContext(ctx, string(p.Trend), p.Status, string(p.Trend12), p.Status12,
				st.TokenAddress, string(st.Timeframe), p.Unix)
			if err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO alerts (
				token_address, timeframe,
				trend, status, touch_count, latest_touch_unix,
				trend_12, status_12, touch_count_12, latest_touch_unix_12,
				avwap_position, vwap_value, avwap_value, ema_12, ema_21, ema_34,
				rsi, stoch_k, stoch_d, last_evaluated_unix, updated_at
			) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT (token_address, timeframe) DO UPDATE SET
				trend                = excluded.trend,
				status               = excluded.status,
				touch_count          = excluded.touch_count,
				latest_touch_unix    = excluded.latest_touch_unix,
				trend_12             = excluded.trend_12,
				status_12            = excluded.status_12,
				touch_count_12       = excluded.touch_count_12,
				latest_touch_unix_12 = excluded.latest_touch_unix_12,
				avwap_position       = excluded.avwap_position,
				vwap_value           = excluded.vwap_value,
				avwap_value          = excluded.avwap_value,
				ema_12               = excluded.ema_12,
				ema_21               = excluded.ema_21,
				ema_34               = excluded.ema_34,
				rsi                  = excluded.rsi,
				stoch_k              = excluded.stoch_k,
				stoch_d              = excluded.stoch_d,
				last_evaluated_unix  = excluded.last_evaluated_unix,
				updated_at           = excluded.updated_at`,
			st.TokenAddress, string(st.Timeframe),
			string(st.Pair2134.Trend), st.Pair2134.Status, st.Pair2134.TouchCount, st.Pair2134.LatestTouchUnix,
			string(st.Pair1221.Trend), st.Pair1221.Status, st.Pair1221.TouchCount, st.Pair1221.LatestTouchUnix,
			string(st.AVWAPPosition),
			nullDecimal(st.Latest.VWAP), nullDecimal(st.Latest.AVWAP),
			nullFloat(st.Latest.EMA12), nullFloat(st.Latest.EMA21), nullFloat(st.Latest.EMA34),
			nullFloat(st.Latest.RSI), nullFloat(st.Latest.StochK), nullFloat(st.Latest.StochD),
			st.LastEvaluatedUnix, st.UpdatedAt)
		if err != nil {
			return err
		}

		for i := range notes {
			if err := insertNotification(ctx, tx, &notes[i]); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

func insertNotification(ctx context.Context, tx *sql.Tx, n *model.Notification) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO notification (
			id, source, chat_group, content, status,
			token_address, timeframe, strategy_type, buttons, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		n.ID, n.Source, n.ChatGroup, n.Content, string(n.Status),
		n.TokenAddress, string(n.Timeframe), string(n.StrategyType), n.ButtonsJSON(), n.CreatedAt)
	return err
}

// InsertNotification journals a single notification outside an alert
// pass (bootstrap failures, operational alarms).
func (s *Store) InsertNotification(ctx context.Context, n *model.Notification) error {
	return s.withRetry(ctx, "insert notification", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := insertNotification(ctx, tx, n); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// MarkNotificationSent finalizes a delivered notification.
func (s *Store) MarkNotificationSent(ctx context.Context, id string, sentAt int64) error {
	return s.withRetry(ctx, "mark notification sent", func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE notification SET status = ?, sent_at = ?, error_details = NULL
			WHERE id = ?`, string(model.NotifySent), sentAt, id)
		return err
	})
}

// MarkNotificationFailed records a failed delivery. Failed sends stay
// in the journal for inspection; there is no automatic retry.
func (s *Store) MarkNotificationFailed(ctx context.Context, id, details string) error {
	return s.withRetry(ctx, "mark notification failed", func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE notification SET status = ?, error_details = ?
			WHERE id = ?`, string(model.NotifyFailed), details, id)
		return err
	})
}

// Notifications lists journal rows for a token, newest first.
func (s *Store) Notifications(ctx context.Context, token string, limit int) ([]model.Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, chat_group, content, status,
		       token_address, timeframe, strategy_type, created_at, sent_at, error_details
		FROM notification WHERE token_address = ?
		ORDER BY created_at DESC LIMIT ?`, token, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Notification
	for rows.Next() {
		var (
			n       model.Notification
			status  string
			tf      string
			sentAt  sql.NullInt64
			details sql.NullString
		)
		err := rows.Scan(&n.ID, &n.Source, &n.ChatGroup, &n.Content, &status,
			&n.TokenAddress, &tf, &n.StrategyType, &n.CreatedAt, &sentAt, &details)
		if err != nil {
			return nil, err
		}
		n.Status = model.NotificationStatus(status)
		n.Timeframe = model.Timeframe(tf)
		n.SentAt = sentAt.Int64
		n.ErrorDetails = details.String
		out = append(out, n)
	}
	return out, rows.Err()
}
