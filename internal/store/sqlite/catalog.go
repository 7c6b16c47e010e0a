package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/obscurainvera/onchain-sub000/internal/model"
)

// UpsertToken inserts or refreshes a tracked token. Re-adding an
// existing token reactivates it and clears any disable reason.
func (s *Store) UpsertToken(ctx context.Context, t *model.Token) error {
	return s.withRetry(ctx, "upsert token", func() error {
		_, err := s.db.ExecContext(ctx, `
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
		return err
	})
}

func scanToken(r rowScanner) (*model.Token, error) {
	var (
		t          model.Token
		status     string
		name, by   sql.NullString
		disabledAt sql.NullInt64
		reason     sql.NullString
	)
	err := r.Scan(&t.TokenAddress, &t.PairAddress, &t.Symbol, &name, &t.Chain,
		&t.PairCreatedAt, &t.AddedAt, &by, &status, &disabledAt, &reason)
	if err != nil {
		return nil, err
	}
	t.Name = name.String
	t.AddedBy = by.String
	t.Status = model.TokenStatus(status)
	t.DisabledAt = disabledAt.Int64
	t.DisableReason = reason.String
	return &t, nil
}

const tokenColumns = `
	token_address, pair_address, symbol, name, chain,
	pair_created_at, added_at, added_by, status, disabled_at, disable_reason`

// Token returns the tracked token, or nil when unknown.
func (s *Store) Token(ctx context.Context, address string) (*model.Token, error) {
	t, err := scanToken(s.db.QueryRowContext(ctx, `
		SELECT `+tokenColumns+` FROM trackedtokens WHERE token_address = ?`, address))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// ActiveTokens lists tokens in ACTIVE status.
func (s *Store) ActiveTokens(ctx context.Context) ([]model.Token, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+tokenColumns+` FROM trackedtokens
		WHERE status = ? ORDER BY added_at ASC`, string(model.TokenActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// DisableToken marks a token DISABLED with the given reason. Disabled
// tokens keep their candles and states but drop out of scheduling.
func (s *Store) DisableToken(ctx context.Context, address, reason string, now int64) error {
	return s.withRetry(ctx, "disable token", func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE trackedtokens
			SET status = ?, disabled_at = ?, disable_reason = ?
			WHERE token_address = ?`,
			string(model.TokenDisabled), now, reason, address)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("unknown token %s", address)
		}
		return nil
	})
}

// UpsertTimeframeRecord writes a catalog row for one token+timeframe.
func (s *Store) UpsertTimeframeRecord(ctx context.Context, rec *model.TimeframeRecord) error {
	return s.withRetry(ctx, "upsert timeframe record", func() error {
		_, err := s.db.ExecContext(ctx, `
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
		return err
	})
}

func scanTimeframeRecord(r rowScanner) (model.TimeframeRecord, error) {
	var (
		rec model.TimeframeRecord
		tf  string
	)
	err := r.Scan(&rec.TokenAddress, &rec.PairAddress, &tf,
		&rec.LastFetchedAt, &rec.NextFetchAt, &rec.FetchCount, &rec.UpdatedAt)
	rec.Timeframe = model.Timeframe(tf)
	return rec, err
}

const timeframeColumns = `
	r.token_address, r.pair_address, r.timeframe,
	r.last_fetched_at, r.next_fetch_at, r.fetch_count, r.updated_at`

// TimeframeRecord returns the catalog row, or nil when absent.
func (s *Store) TimeframeRecord(ctx context.Context, token string, tf model.Timeframe) (*model.TimeframeRecord, error) {
	rec, err := scanTimeframeRecord(s.db.QueryRowContext(ctx, `
		SELECT `+timeframeColumns+` FROM timeframemetadata r
		WHERE r.token_address = ? AND r.timeframe = ?`, token, string(tf)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// TokenTimeframes returns all catalog rows for one token.
func (s *Store) TokenTimeframes(ctx context.Context, token string) ([]model.TimeframeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+timeframeColumns+` FROM timeframemetadata r
		WHERE r.token_address = ? ORDER BY r.timeframe ASC`, token)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TimeframeRecord
	for rows.Next() {
		rec, err := scanTimeframeRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DueTimeframes returns catalog rows of ACTIVE tokens whose next fetch
// time is at least bufferSeconds in the past.
func (s *Store) DueTimeframes(ctx context.Context, tf model.Timeframe, now, bufferSeconds int64) ([]model.TimeframeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+timeframeColumns+`
		FROM timeframemetadata r
		JOIN trackedtokens t ON t.token_address = r.token_address
		WHERE r.timeframe = ? AND t.status = ? AND r.next_fetch_at <= ?
		ORDER BY r.next_fetch_at ASC`,
		string(tf), string(model.TokenActive), now-bufferSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TimeframeRecord
	for rows.Next() {
		rec, err := scanTimeframeRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AdvanceTimeframe moves a catalog row forward after a successful
// fetch. latestUnix is the newest bar time the vendor returned; the
// next fetch is due once the bar after that one has closed. Moving the
// watermark backward is refused.
func (s *Store) AdvanceTimeframe(ctx context.Context, token string, tf model.Timeframe, latestUnix, now int64) error {
	return s.withRetry(ctx, "advance timeframe", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var last int64
		err = tx.QueryRowContext(ctx, `
			SELECT last_fetched_at FROM timeframemetadata
			WHERE token_address = ? AND timeframe = ?`,
			token, string(tf)).Scan(&last)
		if err != nil {
			return err
		}
		if latestUnix < last {
			return fmt.Errorf("%s %s: last_fetched_at %d -> %d: %w",
				token, tf, last, latestUnix, ErrStateInconsistency)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE timeframemetadata
			SET last_fetched_at = ?, next_fetch_at = ?, fetch_count = fetch_count + 1, updated_at = ?
			WHERE token_address = ? AND timeframe = ?`,
			latestUnix, tf.NextFetchAfter(latestUnix), now, token, string(tf))
		if err != nil {
			return err
		}
		return tx.Commit()
	})
}

// DeferTimeframe pushes a row's next fetch to the close of the bar now
// forming, without moving the watermark. Used when the vendor had no
// new bars: quiet tokens are re-checked once per bar, not every tick.
func (s *Store) DeferTimeframe(ctx context.Context, token string, tf model.Timeframe, now int64) error {
	return s.withRetry(ctx, "defer timeframe", func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE timeframemetadata
			SET next_fetch_at = ?, fetch_count = fetch_count + 1, updated_at = ?
			WHERE token_address = ? AND timeframe = ?`,
			tf.AlignFloor(now)+tf.Seconds(), now, token, string(tf))
		return err
	})
}
