package sqlite

import (
	"context"

	"github.com/obscurainvera/onchain-sub000/internal/model"
)

// BootstrapBatch is everything a token onboarding produces. It is
// committed in a single transaction so a half-loaded token can never
// be observed.
type BootstrapBatch struct {
	Token    *model.Token
	Records  []model.TimeframeRecord
	Candles  []model.Candle
	Sessions []*model.VWAPSession
	AVWAPs   []*model.AVWAPState
	EMAs     []*model.EMAState
}

// SaveBootstrap commits a bootstrap batch atomically.
func (s *Store) SaveBootstrap(ctx context.Context, b *BootstrapBatch) error {
	return s.withRetry(ctx, "bootstrap", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		t := b.Token
		_, err = tx.ExecContext(ctx, `
			INSERT INTO trackedtokens (
				token_address, pair_address, symbol, name, chain,
				pair_created_at, added_at, added_by, status
			) VALUES (?,?,?,?,?,?,?,?,?)
			ON CONFLICT (token_address) DO UPDATE SET
				pair_address    = excluded.pair_address,
				symbol          = excluded.symbol,
				name            = excluded.name,
				chain           = excluded.chain,
				pair_created_at = excluded.pair_created_at,
				added_by        = excluded.added_by,
				status          = excluded.status,
				disabled_at     = NULL,
				disable_reason  = NULL`,
			t.TokenAddress, t.PairAddress, t.Symbol, t.Name, t.Chain,
			t.PairCreatedAt, t.AddedAt, t.AddedBy, string(t.Status))
		if err != nil {
			return err
		}

		for _, rec := range b.Records {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO timeframemetadata (
					token_address, pair_address, timeframe,
					last_fetched_at, next_fetch_at, fetch_count, updated_at
				) VALUES (?,?,?,?,?,?,?)
				ON CONFLICT (token_address, pair_address, timeframe) DO UPDATE SET
					last_fetched_at = excluded.last_fetched_at,
					next_fetch_at   = excluded.next_fetch_at,
					updated_at      = excluded.updated_at`,
				rec.TokenAddress, rec.PairAddress, string(rec.Timeframe),
				rec.LastFetchedAt, rec.NextFetchAt, rec.FetchCount, rec.UpdatedAt)
			if err != nil {
				return err
			}
		}

		if len(b.Candles) > 0 {
			stmt, err := tx.PrepareContext(ctx, upsertCandleSQL)
			if err != nil {
				return err
			}
			for _, c := range b.Candles {
				if _, err := stmt.ExecContext(ctx, candleArgs(c)...); err != nil {
					stmt.Close()
					return err
				}
			}
			stmt.Close()
		}

		for _, sess := range b.Sessions {
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
		}

		for _, st := range b.AVWAPs {
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
		}

		for _, st := range b.EMAs {
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
				st.TokenAddress, string(st.Timeframe), st.Period, string(st.Status), st.Value,
				st.AvailableTime, st.LastUpdatedUnix, string(st.AnchorSource), st.UpdatedAt)
			if err != nil {
				return err
			}
		}

		return tx.Commit()
	})
}
