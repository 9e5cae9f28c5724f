// Package jobs drives the job and job item state machine. Every terminal job
// transition is a conditional update, and only the caller that wins it
// settles the reservation with the ledger.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Poz83/Myjoe-CBS-sub001/internal/domain"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/ledger"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/metrics"
)

const sweepBatch = 100

// Settler is the part of the ledger the state machine needs.
type Settler interface {
	Settle(ctx context.Context, jobID string, spent int64) (*ledger.SettleResult, error)
	Refund(ctx context.Context, jobID string, amount int64, reason string) (*ledger.SettleResult, error)
}

// Service implements job lifecycle operations.
type Service struct {
	repo       domain.JobRepository
	ledger     Settler
	logger     zerolog.Logger
	stuckAfter time.Duration
	now        func() time.Time
}

// CancelResult is returned by Cancel.
type CancelResult struct {
	Job             *domain.Job
	CreditsRefunded int64
	NewBalance      int64
}

// NewService constructs the job service. stuckAfter bounds how long a job
// may stay non-terminal before the reaper fails it.
func NewService(repo domain.JobRepository, settler Settler, logger zerolog.Logger, stuckAfter time.Duration) *Service {
	if stuckAfter <= 0 {
		stuckAfter = 30 * time.Minute
	}
	return &Service{
		repo:       repo,
		ledger:     settler,
		logger:     logger,
		stuckAfter: stuckAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source used by the reaper.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Create persists a pending job with its items.
func (s *Service) Create(ctx context.Context, job *domain.Job) error {
	if !job.Type.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrUnsupportedJobType, job.Type)
	}
	if len(job.Items) == 0 {
		return fmt.Errorf("%w: job needs at least one item", domain.ErrInvalidInput)
	}
	job.TotalItems = len(job.Items)
	job.Status = domain.JobStatusPending
	return s.repo.Create(ctx, job)
}

// Start moves a pending job to processing. Starting a job that is already
// processing is a no-op.
func (s *Service) Start(ctx context.Context, jobID string) error {
	ok, err := s.repo.MarkProcessing(ctx, jobID)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	job, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == domain.JobStatusProcessing {
		return nil
	}
	return fmt.Errorf("%w: job %s is %s", domain.ErrConflict, jobID, job.Status)
}

// Get returns a job snapshot with items. Jobs of other owners are reported
// as domain.ErrForbidden.
func (s *Service) Get(ctx context.Context, jobID, ownerID string) (*domain.Job, error) {
	job, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && job.OwnerID != ownerID {
		return nil, domain.ErrForbidden
	}
	return job, nil
}

// Claim hands the next pending item to a worker. It returns
// domain.ErrNoItemAvailable when the queue is empty.
func (s *Service) Claim(ctx context.Context) (*domain.ClaimedItem, error) {
	return s.repo.ClaimItem(ctx)
}

// CompleteItem records a successful item and charges cost against the job.
func (s *Service) CompleteItem(ctx context.Context, itemID, artifactRef string, attempts int, cost int64) (*domain.ItemResult, error) {
	if cost < 0 {
		return nil, domain.ErrInvalidAmount
	}
	return s.record(ctx, domain.ItemOutcome{
		ItemID:      itemID,
		Status:      domain.ItemStatusCompleted,
		ArtifactRef: artifactRef,
		Attempts:    attempts,
		Cost:        cost,
	})
}

// FailItem records a failed item. Its share of the reservation stays refundable.
func (s *Service) FailItem(ctx context.Context, itemID, reason string, attempts int) (*domain.ItemResult, error) {
	return s.record(ctx, domain.ItemOutcome{
		ItemID:   itemID,
		Status:   domain.ItemStatusFailed,
		Error:    reason,
		Attempts: attempts,
	})
}

func (s *Service) record(ctx context.Context, outcome domain.ItemOutcome) (*domain.ItemResult, error) {
	res, err := s.repo.RecordItemOutcome(ctx, outcome)
	if err != nil {
		return nil, err
	}
	log := s.logger.With().Str("job_id", res.Job.ID).Str("item_id", outcome.ItemID).Logger()
	if res.Discarded {
		log.Info().Str("job_status", string(res.Job.Status)).Msg("jobs: late item result kept for audit")
		return res, nil
	}
	metrics.ItemOutcomes.WithLabelValues(string(res.Job.Type), string(outcome.Status)).Inc()
	if !res.Last {
		return res, nil
	}
	job, err := s.finalize(ctx, res.Job.ID)
	if err != nil {
		// The item is recorded; the unsettled sweep retries the settlement.
		log.Error().Err(err).Msg("jobs: finalize failed")
		return res, nil
	}
	res.Job = job
	return res, nil
}

func (s *Service) finalize(ctx context.Context, jobID string) (*domain.Job, error) {
	job, won, err := s.repo.Finalize(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !won {
		return job, nil
	}
	metrics.JobsFinished.WithLabelValues(string(job.Status), "items").Inc()
	s.logger.Info().
		Str("job_id", job.ID).
		Str("status", string(job.Status)).
		Int("completed_items", job.CompletedItems).
		Int("failed_items", job.FailedItems).
		Msg("jobs: finalized")
	return s.settle(ctx, job)
}

// settle closes out the reservation of a job this caller moved to a
// terminal status. The returned job reflects the refund.
func (s *Service) settle(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	res, err := s.ledger.Settle(ctx, job.ID, job.CreditsSpent)
	if err != nil {
		return job, fmt.Errorf("settle job %s: %w", job.ID, err)
	}
	if res.Applied {
		job.CreditsRefunded = res.Refunded
		job.RefundIssued = true
	}
	return job, nil
}

// Cancel moves a pending or processing job to cancelled and refunds
// credits_reserved minus credits_spent at that instant. In-flight items keep
// running, but their results no longer touch the job.
func (s *Service) Cancel(ctx context.Context, jobID, ownerID string) (*CancelResult, error) {
	job, err := s.repo.Cancel(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}
	metrics.JobsFinished.WithLabelValues(string(domain.JobStatusCancelled), "cancel").Inc()
	res, err := s.ledger.Refund(ctx, job.ID, job.Refundable(), "cancelled")
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("jobs: cancel refund failed")
		return nil, fmt.Errorf("refund cancelled job %s: %w", job.ID, err)
	}
	job.CreditsRefunded = res.Refunded
	job.RefundIssued = res.Applied
	s.logger.Info().
		Str("job_id", job.ID).
		Str("account_id", ownerID).
		Int64("refunded", res.Refunded).
		Msg("jobs: cancelled")
	return &CancelResult{Job: job, CreditsRefunded: res.Refunded, NewBalance: res.Balance}, nil
}

// ReapStuck fails jobs that stayed non-terminal longer than the configured
// bound, then settles terminal jobs whose settlement never ran. It returns
// the number of jobs it settled.
func (s *Service) ReapStuck(ctx context.Context) (int, error) {
	now := s.now()
	settled := 0

	stuck, err := s.repo.ListStuck(ctx, now.Add(-s.stuckAfter), sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list stuck jobs: %w", err)
	}
	for _, id := range stuck {
		job, won, err := s.repo.FailStuck(ctx, id)
		if err != nil {
			return settled, err
		}
		if !won {
			continue
		}
		metrics.JobsFinished.WithLabelValues(string(domain.JobStatusFailed), "reaper").Inc()
		s.logger.Warn().
			Str("job_id", id).
			Int("completed_items", job.CompletedItems).
			Int("failed_items", job.FailedItems).
			Int("total_items", job.TotalItems).
			Msg("jobs: reaped stuck job")
		if _, err := s.settle(ctx, job); err != nil {
			s.logger.Error().Err(err).Str("job_id", id).Msg("jobs: reaper settlement failed")
			continue
		}
		settled++
	}

	// Terminal jobs whose settlement was interrupted.
	unsettled, err := s.repo.ListUnsettled(ctx, now.Add(-time.Minute), sweepBatch)
	if err != nil {
		return settled, fmt.Errorf("list unsettled jobs: %w", err)
	}
	for _, id := range unsettled {
		job, err := s.repo.Get(ctx, id)
		if err != nil {
			return settled, err
		}
		if _, err := s.settle(ctx, job); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			s.logger.Error().Err(err).Str("job_id", id).Msg("jobs: settlement repair failed")
			continue
		}
		s.logger.Warn().Str("job_id", id).Msg("jobs: repaired missing settlement")
		settled++
	}
	return settled, nil
}
