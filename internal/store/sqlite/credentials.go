package sqlite

import (
	"context"
	"log"
	"time"

	"github.com/obscurainvera/onchain-sub000/internal/model"
)

const creditResetInterval = 12 * time.Hour

// InsertCredential registers an API key in the credit pool.
func (s *Store) InsertCredential(ctx context.Context, c *model.ServiceCredential) (int64, error) {
	var id int64
	err := s.withRetry(ctx, "insert credential", func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO servicecredentials (
				service, api_key, available_credits, default_credits,
				credits_per_call, is_reset_available, next_reset_at, is_active
			) VALUES (?,?,?,?,?,?,?,?)
			ON CONFLICT (api_key) DO UPDATE SET
				service            = excluded.service,
				default_credits    = excluded.default_credits,
				credits_per_call   = excluded.credits_per_call,
				is_reset_available = excluded.is_reset_available,
				is_active          = excluded.is_active`,
			c.Service, c.APIKey, c.AvailableCredits, c.DefaultCredits,
			c.CreditsPerCall, boolInt(c.IsResetAvailable), c.NextResetAt, boolInt(c.IsActive))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// ActiveCredentials returns the active keys for a vendor, ordered by
// id so key selection is deterministic.
func (s *Store) ActiveCredentials(ctx context.Context, service string) ([]model.ServiceCredential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, service, api_key, available_credits, default_credits,
		       credits_per_call, is_reset_available, next_reset_at, is_active
		FROM servicecredentials
		WHERE service = ? AND is_active = 1
		ORDER BY id ASC`, service)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ServiceCredential
	for rows.Next() {
		var (
			c            model.ServiceCredential
			reset, activ int
		)
		err := rows.Scan(&c.ID, &c.Service, &c.APIKey, &c.AvailableCredits, &c.DefaultCredits,
			&c.CreditsPerCall, &reset, &c.NextResetAt, &activ)
		if err != nil {
			return nil, err
		}
		c.IsResetAvailable = reset != 0
		c.IsActive = activ != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

// SettleCredits applies net credit deltas per key id in one
// transaction. Deltas are subtracted from available_credits; balances
// may go negative when a page ran on an overdrafted key.
func (s *Store) SettleCredits(ctx context.Context, spent map[int64]int64) error {
	if len(spent) == 0 {
		return nil
	}
	return s.withRetry(ctx, "settle credits", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx, `
			UPDATE servicecredentials
			SET available_credits = available_credits - ?
			WHERE id = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for id, delta := range spent {
			if delta == 0 {
				continue
			}
			if _, err := stmt.ExecContext(ctx, delta, id); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// ResetDueCredentials restores available_credits to default_credits on
// keys whose reset window has elapsed, and schedules the next reset.
// Returns the number of keys reset.
func (s *Store) ResetDueCredentials(ctx context.Context, now int64) (int64, error) {
	var n int64
	err := s.withRetry(ctx, "reset credentials", func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE servicecredentials
			SET available_credits = default_credits, next_reset_at = ?
			WHERE is_active = 1 AND is_reset_available = 1 AND next_reset_at <= ?`,
			now+int64(creditResetInterval/time.Second), now)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err == nil && n > 0 {
		log.Printf("[sqlite] reset credits on %d credential(s)", n)
	}
	return n, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
