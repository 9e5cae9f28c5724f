// Package dispatch turns accepted requests into reserved, running jobs. It
// coordinates the ledger and the job store without owning either, and keeps
// reservations and jobs paired with compensating refunds.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Poz83/Myjoe-CBS-sub001/internal/domain"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/jobs"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/ledger"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/metrics"
)

// Ledger is the ledger surface used by the dispatcher.
type Ledger interface {
	Open(ctx context.Context, accountID string) (*domain.Account, error)
	Reserve(ctx context.Context, accountID string, amount int64, jobID string) (int64, error)
	Refund(ctx context.Context, jobID string, amount int64, reason string) (*ledger.SettleResult, error)
}

// JobStore is the job state machine surface used by the dispatcher.
type JobStore interface {
	Create(ctx context.Context, job *domain.Job) error
	Start(ctx context.Context, jobID string) error
	Get(ctx context.Context, jobID, ownerID string) (*domain.Job, error)
	Cancel(ctx context.Context, jobID, ownerID string) (*jobs.CancelResult, error)
}

// Notifier wakes idle workers when new items are queued.
type Notifier interface {
	Notify()
}

// ItemSpec is one logical work item of a start request.
type ItemSpec struct {
	TargetRef string `json:"target_ref"`
	Prompt    string `json:"prompt,omitempty"`
}

// StartRequest describes a job to start. Items are assumed to have passed
// upstream safety and quota checks.
type StartRequest struct {
	AccountID string
	ProjectID string
	Type      domain.JobType
	Items     []ItemSpec
	Metadata  map[string]any
}

// StartResult is returned to the caller immediately after the job starts.
type StartResult struct {
	JobID           string           `json:"job_id"`
	Status          domain.JobStatus `json:"status"`
	CreditsReserved int64            `json:"credits_reserved"`
	Balance         int64            `json:"balance"`
}

// CancelResult reports the refund issued for a cancelled job.
type CancelResult struct {
	JobID           string `json:"job_id"`
	CreditsRefunded int64  `json:"credits_refunded"`
	NewBalance      int64  `json:"new_balance"`
}

// Balance is the account view exposed to the API layer.
type Balance struct {
	Balance     int64           `json:"balance"`
	Plan        domain.UserPlan `json:"plan"`
	NextResetAt *time.Time      `json:"next_reset_at"`
}

// Dispatcher implements the start, cancel and status operations.
type Dispatcher struct {
	ledger   Ledger
	jobs     JobStore
	pricing  domain.Pricing
	notifier Notifier
	logger   zerolog.Logger
	maxItems int
	// compensation retries the refund that undoes a reservation.
	compensation func() backoff.BackOff
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithNotifier wakes the worker pool after each start.
func WithNotifier(n Notifier) Option {
	return func(d *Dispatcher) { d.notifier = n }
}

// WithMaxItems bounds the number of items per job.
func WithMaxItems(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxItems = n
		}
	}
}

// New constructs a Dispatcher.
func New(l Ledger, j JobStore, pricing domain.Pricing, logger zerolog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		ledger:   l,
		jobs:     j,
		pricing:  pricing,
		logger:   logger,
		maxItems: 100,
		compensation: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// StartJob reserves credits, creates the job with its items and starts it.
// On insufficient credits no job is created and the returned error is a
// *domain.InsufficientCreditsError.
func (d *Dispatcher) StartJob(ctx context.Context, req StartRequest) (*StartResult, error) {
	if req.AccountID == "" {
		return nil, fmt.Errorf("%w: account id is required", domain.ErrInvalidInput)
	}
	if !req.Type.Valid() {
		metrics.JobsRejected.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedJobType, req.Type)
	}
	if len(req.Items) == 0 || len(req.Items) > d.maxItems {
		metrics.JobsRejected.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: a job needs between 1 and %d items", domain.ErrInvalidInput, d.maxItems)
	}
	required, err := d.pricing.Required(req.Type, len(req.Items))
	if err != nil {
		return nil, err
	}
	metadata, err := json.Marshal(orEmpty(req.Metadata))
	if err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", domain.ErrInvalidInput, err)
	}

	if _, err := d.ledger.Open(ctx, req.AccountID); err != nil {
		return nil, err
	}

	jobID := uuid.NewString()
	log := d.logger.With().Str("job_id", jobID).Str("account_id", req.AccountID).Logger()

	balance, err := d.ledger.Reserve(ctx, req.AccountID, required, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientCredits) {
			metrics.JobsRejected.WithLabelValues("insufficient_credits").Inc()
			log.Info().Int64("required", required).Msg("dispatch: insufficient credits")
		}
		return nil, err
	}

	job := &domain.Job{
		ID:              jobID,
		OwnerID:         req.AccountID,
		ProjectID:       req.ProjectID,
		Type:            req.Type,
		CreditsReserved: required,
		Metadata:        metadata,
		Items:           make([]domain.JobItem, len(req.Items)),
	}
	for i, spec := range req.Items {
		job.Items[i] = domain.JobItem{TargetRef: spec.TargetRef, Prompt: spec.Prompt}
	}

	if err := d.jobs.Create(ctx, job); err != nil {
		log.Error().Err(err).Msg("dispatch: create job failed, releasing reservation")
		d.compensate(ctx, jobID, required, "job creation failed")
		metrics.JobsRejected.WithLabelValues("create_failed").Inc()
		return nil, fmt.Errorf("create job: %w", err)
	}

	if err := d.jobs.Start(ctx, jobID); err != nil {
		log.Error().Err(err).Msg("dispatch: start job failed, cancelling")
		if _, cerr := d.jobs.Cancel(context.WithoutCancel(ctx), jobID, req.AccountID); cerr != nil {
			// Left pending; the reaper fails and refunds it.
			log.Error().Err(cerr).Msg("dispatch: cancel after failed start")
		}
		metrics.JobsRejected.WithLabelValues("start_failed").Inc()
		return nil, fmt.Errorf("start job: %w", err)
	}

	metrics.JobsStarted.WithLabelValues(string(req.Type)).Inc()
	log.Info().
		Str("type", string(req.Type)).
		Int("items", len(req.Items)).
		Int64("reserved", required).
		Msg("dispatch: job started")
	if d.notifier != nil {
		d.notifier.Notify()
	}
	return &StartResult{
		JobID:           jobID,
		Status:          domain.JobStatusProcessing,
		CreditsReserved: required,
		Balance:         balance,
	}, nil
}

// compensate refunds a reservation whose job could not be created. The
// refund shares the per-job settlement flag, so retries never double-credit.
func (d *Dispatcher) compensate(ctx context.Context, jobID string, amount int64, reason string) {
	ctx = context.WithoutCancel(ctx)
	_, err := backoff.Retry(ctx, func() (*ledger.SettleResult, error) {
		res, err := d.ledger.Refund(ctx, jobID, amount, reason)
		if errors.Is(err, domain.ErrLedgerInvariant) || errors.Is(err, domain.ErrInvalidAmount) {
			return nil, backoff.Permanent(err)
		}
		return res, err
	},
		backoff.WithBackOff(d.compensation()),
		backoff.WithMaxTries(5),
		backoff.WithNotify(func(err error, next time.Duration) {
			d.logger.Warn().Err(err).Str("job_id", jobID).Dur("retry_in", next).Msg("dispatch: compensating refund retry")
		}),
	)
	if err != nil {
		d.logger.Error().Err(err).Str("job_id", jobID).Int64("amount", amount).Msg("dispatch: compensating refund failed")
	}
}

// CancelJob cancels a job owned by accountID and refunds the unspent part of
// its reservation once.
func (d *Dispatcher) CancelJob(ctx context.Context, jobID, accountID string) (*CancelResult, error) {
	res, err := d.jobs.Cancel(ctx, jobID, accountID)
	if err != nil {
		return nil, err
	}
	return &CancelResult{JobID: jobID, CreditsRefunded: res.CreditsRefunded, NewBalance: res.NewBalance}, nil
}

// GetJobStatus returns the job snapshot with items.
func (d *Dispatcher) GetJobStatus(ctx context.Context, jobID, accountID string) (*domain.Job, error) {
	return d.jobs.Get(ctx, jobID, accountID)
}

// GetBalance returns the balance and the next reset instant.
func (d *Dispatcher) GetBalance(ctx context.Context, accountID string) (*Balance, error) {
	acct, err := d.ledger.Open(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &Balance{Balance: acct.Balance, Plan: acct.Plan, NextResetAt: acct.NextResetAt}, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
