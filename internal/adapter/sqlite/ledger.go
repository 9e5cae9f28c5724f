package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Poz83/Myjoe-CBS-sub001/internal/domain"
)

// LedgerStore implements domain.LedgerRepository.
type LedgerStore struct {
	*Store
}

const accountColumns = `id, plan, balance, monthly_allowance, next_reset_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*domain.Account, error) {
	var a domain.Account
	var plan string
	var next, created, updated dbTime
	if err := row.Scan(&a.ID, &plan, &a.Balance, &a.MonthlyAllowance, &next, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	a.Plan = domain.UserPlan(plan)
	a.NextResetAt = timePtr(next)
	a.CreatedAt, a.UpdatedAt = created.Time, updated.Time
	return &a, nil
}

func (s *LedgerStore) EnsureAccount(ctx context.Context, acct *domain.Account) (*domain.Account, error) {
	now := s.now()
	plan := acct.Plan
	if plan == "" {
		plan = domain.UserPlanFree
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, plan, balance, monthly_allowance, next_reset_at, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, acct.ID, string(plan), acct.MonthlyAllowance, nullableTime(acct.NextResetAt), now, now)
	if err != nil {
		return nil, fmt.Errorf("ensure account %s: %w", acct.ID, err)
	}
	return s.GetAccount(ctx, acct.ID)
}

func (s *LedgerStore) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, accountID)
	return scanAccount(row)
}

func (s *LedgerStore) Debit(ctx context.Context, t *domain.Transaction) (int64, error) {
	var balance int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			UPDATE accounts SET balance = balance + ?, updated_at = ?
			WHERE id = ? AND balance + ? >= 0
			RETURNING balance
		`, t.Delta, s.now(), t.AccountID, t.Delta).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			var available int64
			if err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = ?`, t.AccountID).Scan(&available); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return domain.ErrNotFound
				}
				return err
			}
			return &domain.InsufficientCreditsError{Required: t.Amount, Available: available}
		}
		if err != nil {
			return err
		}
		return s.insertTransaction(ctx, tx, t)
	})
	return balance, err
}

func (s *LedgerStore) Credit(ctx context.Context, t *domain.Transaction) (int64, error) {
	var balance int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		balance, err = s.credit(ctx, tx, t)
		return err
	})
	return balance, err
}

func (s *LedgerStore) credit(ctx context.Context, tx *sql.Tx, t *domain.Transaction) (int64, error) {
	var balance int64
	err := tx.QueryRowContext(ctx, `
		UPDATE accounts SET balance = balance + ?, updated_at = ?
		WHERE id = ?
		RETURNING balance
	`, t.Delta, s.now(), t.AccountID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return balance, s.insertTransaction(ctx, tx, t)
}

func (s *LedgerStore) insertTransaction(ctx context.Context, tx *sql.Tx, t *domain.Transaction) error {
	ensureID(&t.ID)
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, account_id, job_id, kind, amount, delta, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.AccountID, nullableString(t.JobID), string(t.Kind), t.Amount, t.Delta, t.Description, t.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (s *LedgerStore) Reservation(ctx context.Context, jobID string) (*domain.Reservation, error) {
	r := domain.Reservation{JobID: jobID}
	err := s.db.QueryRowContext(ctx, `
		SELECT account_id, COALESCE(SUM(amount), 0)
		FROM credit_transactions
		WHERE job_id = ? AND kind = ?
		GROUP BY account_id
	`, jobID, string(domain.TxReserve)).Scan(&r.AccountID, &r.Amount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reservation %s: %w", jobID, err)
	}
	return &r, nil
}

func (s *LedgerStore) Settle(ctx context.Context, st *domain.Settlement) (bool, int64, error) {
	var applied bool
	var balance int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO job_settlements (job_id, account_id, reserved, spent, refunded, reason, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(job_id) DO NOTHING
		`, st.JobID, st.AccountID, st.Reserved, st.Spent, st.Refunded, st.Reason, s.now())
		if err != nil {
			return fmt.Errorf("insert settlement: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = ?`, st.AccountID).Scan(&balance)
		}
		applied = true
		if st.Deduct != nil {
			if err := s.insertTransaction(ctx, tx, st.Deduct); err != nil {
				return err
			}
		}
		if st.Refund != nil && st.Refund.Delta > 0 {
			if balance, err = s.credit(ctx, tx, st.Refund); err != nil {
				return err
			}
		} else if err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = ?`, st.AccountID).Scan(&balance); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET refund_issued = 1, credits_refunded = ? WHERE id = ?`, st.Refunded, st.JobID)
		return err
	})
	if err != nil {
		return false, 0, fmt.Errorf("settle job %s: %w", st.JobID, err)
	}
	return applied, balance, nil
}

func (s *LedgerStore) ListTransactions(ctx context.Context, accountID string, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, COALESCE(job_id, ''), kind, amount, delta, description, created_at
		FROM credit_transactions
		WHERE account_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		var kind string
		var created dbTime
		if err := rows.Scan(&t.ID, &t.AccountID, &t.JobID, &kind, &t.Amount, &t.Delta, &t.Description, &created); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Kind = domain.TransactionKind(kind)
		t.CreatedAt = created.Time
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *LedgerStore) SumDeltas(ctx context.Context, accountID string) (int64, error) {
	var sum int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(delta), 0) FROM credit_transactions WHERE account_id = ?`, accountID).Scan(&sum)
	return sum, err
}

func (s *LedgerStore) DueRenewals(ctx context.Context, now time.Time, limit int) ([]domain.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE next_reset_at IS NOT NULL AND next_reset_at <= ?
		ORDER BY next_reset_at
		LIMIT ?
	`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("due renewals: %w", err)
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *LedgerStore) Renew(ctx context.Context, acct domain.Account, next time.Time, t *domain.Transaction) (bool, error) {
	if acct.NextResetAt == nil {
		return false, nil
	}
	var renewed bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE accounts SET next_reset_at = ?, updated_at = ?
			WHERE id = ? AND next_reset_at = ?
		`, next.UTC(), s.now(), acct.ID, acct.NextResetAt.UTC())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil || n == 0 {
			return err
		}
		renewed = true
		if t == nil || t.Delta <= 0 {
			return nil
		}
		_, err = s.credit(ctx, tx, t)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("renew account %s: %w", acct.ID, err)
	}
	return renewed, nil
}

func (s *LedgerStore) ApplyEvent(ctx context.Context, effect *domain.EventEffect) (bool, error) {
	ev := effect.Event
	var applied bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO billing_events (event_id, type, account_id, processed_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(event_id) DO NOTHING
		`, ev.ID, string(ev.Type), ev.AccountID, now)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil || n == 0 {
			return err
		}
		applied = true
		if ev.AccountID == "" {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO accounts (id, plan, balance, monthly_allowance, created_at, updated_at)
			VALUES (?, 'free', 0, 0, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, ev.AccountID, now, now); err != nil {
			return err
		}
		if p := effect.Plan; p != nil {
			if _, err := tx.ExecContext(ctx, `
				UPDATE accounts
				SET plan = ?, monthly_allowance = ?, next_reset_at = ?, updated_at = ?
				WHERE id = ?
			`, string(p.Plan), p.MonthlyAllowance, nullableTime(p.NextResetAt), now, p.AccountID); err != nil {
				return err
			}
		}
		if g := effect.Grant; g != nil && g.Delta > 0 {
			if _, err := s.credit(ctx, tx, g); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("apply billing event %s: %w", ev.ID, err)
	}
	return applied, nil
}
