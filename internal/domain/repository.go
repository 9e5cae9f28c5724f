package domain

import (
	"context"
	"time"
)

// LedgerRepository persists accounts and the append-only transaction log.
// Every balance change is a single conditional update committed together
// with its transaction row.
type LedgerRepository interface {
	// EnsureAccount creates the account if missing and returns the stored row.
	EnsureAccount(ctx context.Context, acct *Account) (*Account, error)
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	// Debit applies tx.Delta (negative) only when the balance covers it.
	// Returns *InsufficientCreditsError when it does not.
	Debit(ctx context.Context, tx *Transaction) (int64, error)
	// Credit applies tx.Delta (non-negative) unconditionally.
	Credit(ctx context.Context, tx *Transaction) (int64, error)
	// Reservation sums the reserve entries recorded for a job.
	Reservation(ctx context.Context, jobID string) (*Reservation, error)
	// Settle records the settlement flag and its transactions once per job.
	// applied is false when the job was already settled.
	Settle(ctx context.Context, s *Settlement) (applied bool, balance int64, err error)
	ListTransactions(ctx context.Context, accountID string, limit int) ([]Transaction, error)
	SumDeltas(ctx context.Context, accountID string) (int64, error)
	DueRenewals(ctx context.Context, now time.Time, limit int) ([]Account, error)
	// Renew appends tx and advances next_reset_at, conditioned on the
	// account still holding acct.NextResetAt.
	Renew(ctx context.Context, acct Account, next time.Time, tx *Transaction) (bool, error)
	// ApplyEvent records the event id and its effects atomically; applied is
	// false when the id was seen before.
	ApplyEvent(ctx context.Context, effect *EventEffect) (applied bool, err error)
}

// JobRepository persists jobs and job items. Aggregate counters are only
// changed with atomic increments and terminal transitions are conditioned
// on the job still being non-terminal.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, jobID string) (*Job, error)
	MarkProcessing(ctx context.Context, jobID string) (bool, error)
	// ClaimItem moves the oldest pending item of a processing job to processing.
	ClaimItem(ctx context.Context) (*ClaimedItem, error)
	RecordItemOutcome(ctx context.Context, outcome ItemOutcome) (*ItemResult, error)
	// Finalize flips a fully settled job to completed or failed.
	Finalize(ctx context.Context, jobID string) (*Job, bool, error)
	Cancel(ctx context.Context, jobID, ownerID string) (*Job, error)
	// FailStuck moves a non-terminal job to failed.
	FailStuck(ctx context.Context, jobID string) (*Job, bool, error)
	ListStuck(ctx context.Context, before time.Time, limit int) ([]string, error)
	// ListUnsettled returns terminal jobs whose reservation was never settled.
	ListUnsettled(ctx context.Context, before time.Time, limit int) ([]string, error)
}
