package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Poz83/Myjoe-CBS-sub001/internal/domain"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/infra"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/sqlinline"
)

// LedgerRepositoryPG implements domain.LedgerRepository backed by PostgreSQL.
type LedgerRepositoryPG struct {
	db infra.TxRunner
}

// NewLedgerRepository creates a new ledger repository.
func NewLedgerRepository(db infra.TxRunner) *LedgerRepositoryPG {
	return &LedgerRepositoryPG{db: db}
}

func (r *LedgerRepositoryPG) EnsureAccount(ctx context.Context, acct *domain.Account) (*domain.Account, error) {
	plan := acct.Plan
	if plan == "" {
		plan = domain.UserPlanFree
	}
	if _, err := r.db.Exec(ctx, sqlinline.QEnsureAccount, acct.ID, string(plan), acct.MonthlyAllowance, acct.NextResetAt); err != nil {
		return nil, fmt.Errorf("ensure account %s: %w", acct.ID, err)
	}
	return r.GetAccount(ctx, acct.ID)
}

func (r *LedgerRepositoryPG) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	return scanAccount(r.db.QueryRow(ctx, sqlinline.QSelectAccount, accountID))
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	var plan string
	if err := row.Scan(&a.ID, &plan, &a.Balance, &a.MonthlyAllowance, &a.NextResetAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	a.Plan = domain.UserPlan(plan)
	return &a, nil
}

// Debit applies the negative delta with a conditional update so concurrent
// reservations can never drive the balance below zero.
func (r *LedgerRepositoryPG) Debit(ctx context.Context, t *domain.Transaction) (int64, error) {
	var balance int64
	err := r.db.InTx(ctx, func(q infra.SQLExecutor) error {
		err := q.QueryRow(ctx, sqlinline.QDebitAccount, t.AccountID, t.Delta).Scan(&balance)
		if infra.IsNoRows(err) {
			var available int64
			if err := q.QueryRow(ctx, sqlinline.QSelectAccountBalance, t.AccountID).Scan(&available); err != nil {
				if infra.IsNoRows(err) {
					return domain.ErrNotFound
				}
				return err
			}
			return &domain.InsufficientCreditsError{Required: t.Amount, Available: available}
		}
		if err != nil {
			return err
		}
		return insertTransaction(ctx, q, t)
	})
	return balance, err
}

func (r *LedgerRepositoryPG) Credit(ctx context.Context, t *domain.Transaction) (int64, error) {
	var balance int64
	err := r.db.InTx(ctx, func(q infra.SQLExecutor) error {
		var err error
		balance, err = credit(ctx, q, t)
		return err
	})
	return balance, err
}

func credit(ctx context.Context, q infra.SQLExecutor, t *domain.Transaction) (int64, error) {
	var balance int64
	if err := q.QueryRow(ctx, sqlinline.QCreditAccount, t.AccountID, t.Delta).Scan(&balance); err != nil {
		if infra.IsNoRows(err) {
			return 0, domain.ErrNotFound
		}
		return 0, err
	}
	return balance, insertTransaction(ctx, q, t)
}

func insertTransaction(ctx context.Context, q infra.SQLExecutor, t *domain.Transaction) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if _, err := q.Exec(ctx, sqlinline.QInsertTransaction,
		t.ID, t.AccountID, t.JobID, string(t.Kind), t.Amount, t.Delta, t.Description, t.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (r *LedgerRepositoryPG) Reservation(ctx context.Context, jobID string) (*domain.Reservation, error) {
	res := domain.Reservation{JobID: jobID}
	if err := r.db.QueryRow(ctx, sqlinline.QSelectReservation, jobID).Scan(&res.AccountID, &res.Amount); err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("reservation %s: %w", jobID, err)
	}
	return &res, nil
}

// Settle inserts the settlement row first; its primary key is the flag that
// lets exactly one caller write the deduct and refund entries.
func (r *LedgerRepositoryPG) Settle(ctx context.Context, st *domain.Settlement) (bool, int64, error) {
	var applied bool
	var balance int64
	err := r.db.InTx(ctx, func(q infra.SQLExecutor) error {
		tag, err := q.Exec(ctx, sqlinline.QInsertSettlement, st.JobID, st.AccountID, st.Reserved, st.Spent, st.Refunded, st.Reason)
		if err != nil {
			return fmt.Errorf("insert settlement: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return q.QueryRow(ctx, sqlinline.QSelectAccountBalance, st.AccountID).Scan(&balance)
		}
		applied = true
		if st.Deduct != nil {
			if err := insertTransaction(ctx, q, st.Deduct); err != nil {
				return err
			}
		}
		if st.Refund != nil && st.Refund.Delta > 0 {
			if balance, err = credit(ctx, q, st.Refund); err != nil {
				return err
			}
		} else if err := q.QueryRow(ctx, sqlinline.QSelectAccountBalance, st.AccountID).Scan(&balance); err != nil {
			return err
		}
		_, err = q.Exec(ctx, sqlinline.QMarkJobRefunded, st.JobID, st.Refunded)
		return err
	})
	if err != nil {
		return false, 0, fmt.Errorf("settle job %s: %w", st.JobID, err)
	}
	return applied, balance, nil
}

func (r *LedgerRepositoryPG) ListTransactions(ctx context.Context, accountID string, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, sqlinline.QListTransactions, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		var kind string
		if err := rows.Scan(&t.ID, &t.AccountID, &t.JobID, &kind, &t.Amount, &t.Delta, &t.Description, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Kind = domain.TransactionKind(kind)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *LedgerRepositoryPG) SumDeltas(ctx context.Context, accountID string) (int64, error) {
	var sum int64
	err := r.db.QueryRow(ctx, sqlinline.QSumDeltas, accountID).Scan(&sum)
	return sum, err
}

func (r *LedgerRepositoryPG) DueRenewals(ctx context.Context, now time.Time, limit int) ([]domain.Account, error) {
	rows, err := r.db.Query(ctx, sqlinline.QListDueRenewals, now, limit)
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

func (r *LedgerRepositoryPG) Renew(ctx context.Context, acct domain.Account, next time.Time, t *domain.Transaction) (bool, error) {
	if acct.NextResetAt == nil {
		return false, nil
	}
	var renewed bool
	err := r.db.InTx(ctx, func(q infra.SQLExecutor) error {
		tag, err := q.Exec(ctx, sqlinline.QAdvanceRenewal, acct.ID, *acct.NextResetAt, next)
		if err != nil || tag.RowsAffected() == 0 {
			return err
		}
		renewed = true
		if t == nil || t.Delta <= 0 {
			return nil
		}
		_, err = credit(ctx, q, t)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("renew account %s: %w", acct.ID, err)
	}
	return renewed, nil
}

func (r *LedgerRepositoryPG) ApplyEvent(ctx context.Context, effect *domain.EventEffect) (bool, error) {
	ev := effect.Event
	var applied bool
	err := r.db.InTx(ctx, func(q infra.SQLExecutor) error {
		tag, err := q.Exec(ctx, sqlinline.QInsertBillingEvent, ev.ID, string(ev.Type), ev.AccountID)
		if err != nil || tag.RowsAffected() == 0 {
			return err
		}
		applied = true
		if ev.AccountID == "" {
			return nil
		}
		if _, err := q.Exec(ctx, sqlinline.QEnsureBillingAccount, ev.AccountID); err != nil {
			return err
		}
		if p := effect.Plan; p != nil {
			if _, err := q.Exec(ctx, sqlinline.QUpdateAccountPlan, p.AccountID, string(p.Plan), p.MonthlyAllowance, p.NextResetAt); err != nil {
				return err
			}
		}
		if g := effect.Grant; g != nil && g.Delta > 0 {
			if _, err := credit(ctx, q, g); err != nil {
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

var _ domain.LedgerRepository = (*LedgerRepositoryPG)(nil)
