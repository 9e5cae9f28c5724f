package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Poz83/Myjoe-CBS-sub001/internal/domain"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/infra"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/sqlinline"
)

// JobRepositoryPG implements domain.JobRepository.
type JobRepositoryPG struct {
	db infra.TxRunner
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(db infra.TxRunner) *JobRepositoryPG {
	return &JobRepositoryPG{db: db}
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var j domain.Job
	var jobType, status, metadata string
	if err := row.Scan(
		&j.ID, &j.OwnerID, &j.ProjectID, &jobType, &status, &j.TotalItems, &j.CompletedItems, &j.FailedItems,
		&j.CreditsReserved, &j.CreditsSpent, &j.CreditsRefunded, &j.RefundIssued, &metadata,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt,
	); err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	j.Type = domain.JobType(jobType)
	j.Status = domain.JobStatus(status)
	j.Metadata = []byte(metadata)
	return &j, nil
}

func scanJobItem(row pgx.Row) (*domain.JobItem, error) {
	var it domain.JobItem
	var status string
	if err := row.Scan(&it.ID, &it.JobID, &it.TargetRef, &it.Prompt, &status, &it.ArtifactRef, &it.Error, &it.Attempts, &it.CreatedAt, &it.UpdatedAt); err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	it.Status = domain.ItemStatus(status)
	return &it, nil
}

// Create inserts the job and all of its items in one transaction.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) error {
	if len(job.Items) == 0 || job.TotalItems != len(job.Items) {
		return fmt.Errorf("%w: total_items must match item count", domain.ErrInvalidInput)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = domain.JobStatusPending
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	metadata := string(job.Metadata)
	if metadata == "" {
		metadata = "{}"
	}
	return r.db.InTx(ctx, func(q infra.SQLExecutor) error {
		if _, err := q.Exec(ctx, sqlinline.QInsertJob,
			job.ID, job.OwnerID, job.ProjectID, string(job.Type), string(job.Status), job.TotalItems, job.CreditsReserved, metadata, now,
		); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		for i := range job.Items {
			it := &job.Items[i]
			if it.ID == "" {
				it.ID = uuid.NewString()
			}
			it.JobID = job.ID
			it.Status = domain.ItemStatusPending
			it.CreatedAt, it.UpdatedAt = now, now
			// Items of one job share a timestamp; the offset keeps claim order stable.
			at := now.Add(time.Duration(i) * time.Microsecond)
			if _, err := q.Exec(ctx, sqlinline.QInsertJobItem, it.ID, it.JobID, it.TargetRef, it.Prompt, at); err != nil {
				return fmt.Errorf("insert job item: %w", err)
			}
		}
		return nil
	})
}

// Get fetches a job with its items.
func (r *JobRepositoryPG) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, domain.ErrNotFound
	}
	job, err := scanJob(r.db.QueryRow(ctx, sqlinline.QSelectJob, jobID))
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, sqlinline.QListJobItems, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		it, err := scanJobItem(rows)
		if err != nil {
			return nil, err
		}
		job.Items = append(job.Items, *it)
	}
	return job, rows.Err()
}

func (r *JobRepositoryPG) MarkProcessing(ctx context.Context, jobID string) (bool, error) {
	tag, err := r.db.Exec(ctx, sqlinline.QMarkJobProcessing, jobID)
	if err != nil {
		return false, fmt.Errorf("mark processing %s: %w", jobID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimItem locks the next pending item with SKIP LOCKED so concurrent
// workers never receive the same item.
func (r *JobRepositoryPG) ClaimItem(ctx context.Context) (*domain.ClaimedItem, error) {
	var claimed domain.ClaimedItem
	err := r.db.InTx(ctx, func(q infra.SQLExecutor) error {
		it, err := scanJobItem(q.QueryRow(ctx, sqlinline.QClaimJobItem))
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrNoItemAvailable
		}
		if err != nil {
			return err
		}
		job, err := scanJob(q.QueryRow(ctx, sqlinline.QSelectJob, it.JobID))
		if err != nil {
			return err
		}
		claimed = domain.ClaimedItem{Item: *it, Job: *job}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &claimed, nil
}

func (r *JobRepositoryPG) RecordItemOutcome(ctx context.Context, o domain.ItemOutcome) (*domain.ItemResult, error) {
	if !o.Status.Terminal() {
		return nil, fmt.Errorf("%w: item outcome must be terminal", domain.ErrInvalidInput)
	}
	var completed, failed int
	var cost int64
	if o.Status == domain.ItemStatusCompleted {
		completed, cost = 1, o.Cost
	} else {
		failed = 1
	}

	var result domain.ItemResult
	err := r.db.InTx(ctx, func(q infra.SQLExecutor) error {
		var jobID string
		err := q.QueryRow(ctx, sqlinline.QFinishJobItem, o.ItemID, string(o.Status), o.ArtifactRef, o.Error, o.Attempts).Scan(&jobID)
		if infra.IsNoRows(err) {
			var exists bool
			if err := q.QueryRow(ctx, sqlinline.QJobItemExists, o.ItemID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return domain.ErrNotFound
			}
			return fmt.Errorf("%w: item %s already finished", domain.ErrConflict, o.ItemID)
		}
		if err != nil {
			return err
		}

		job, err := scanJob(q.QueryRow(ctx, sqlinline.QAccumulateJobItem, jobID, completed, failed, cost))
		if errors.Is(err, domain.ErrNotFound) {
			// Job already terminal: the item row is kept for audit only.
			job, err = scanJob(q.QueryRow(ctx, sqlinline.QSelectJob, jobID))
			if err != nil {
				return err
			}
			result = domain.ItemResult{Job: job, Discarded: true}
			return nil
		}
		if err != nil {
			return err
		}
		result = domain.ItemResult{Job: job, Last: job.Settled() == job.TotalItems}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *JobRepositoryPG) Finalize(ctx context.Context, jobID string) (*domain.Job, bool, error) {
	job, err := scanJob(r.db.QueryRow(ctx, sqlinline.QFinalizeJob, jobID))
	return r.transitioned(ctx, jobID, job, err)
}

func (r *JobRepositoryPG) FailStuck(ctx context.Context, jobID string) (*domain.Job, bool, error) {
	job, err := scanJob(r.db.QueryRow(ctx, sqlinline.QFailStuckJob, jobID))
	return r.transitioned(ctx, jobID, job, err)
}

func (r *JobRepositoryPG) transitioned(ctx context.Context, jobID string, job *domain.Job, err error) (*domain.Job, bool, error) {
	if errors.Is(err, domain.ErrNotFound) {
		current, err := scanJob(r.db.QueryRow(ctx, sqlinline.QSelectJob, jobID))
		if err != nil {
			return nil, false, err
		}
		return current, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("terminal transition %s: %w", jobID, err)
	}
	return job, true, nil
}

func (r *JobRepositoryPG) Cancel(ctx context.Context, jobID, ownerID string) (*domain.Job, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, domain.ErrNotFound
	}
	var out *domain.Job
	err := r.db.InTx(ctx, func(q infra.SQLExecutor) error {
		job, err := scanJob(q.QueryRow(ctx, sqlinline.QCancelJob, jobID, ownerID))
		if err == nil {
			out = job
			return nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		var owner, status string
		if err := q.QueryRow(ctx, sqlinline.QSelectJobOwnerStatus, jobID).Scan(&owner, &status); err != nil {
			if infra.IsNoRows(err) {
				return domain.ErrNotFound
			}
			return err
		}
		if owner != ownerID {
			return domain.ErrForbidden
		}
		return fmt.Errorf("%w: job %s is %s", domain.ErrConflict, jobID, status)
	})
	return out, err
}

func (r *JobRepositoryPG) ListStuck(ctx context.Context, before time.Time, limit int) ([]string, error) {
	return r.listIDs(ctx, sqlinline.QListStuckJobs, before, limit)
}

func (r *JobRepositoryPG) ListUnsettled(ctx context.Context, before time.Time, limit int) ([]string, error) {
	return r.listIDs(ctx, sqlinline.QListUnsettledJobs, before, limit)
}

func (r *JobRepositoryPG) listIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

var _ domain.JobRepository = (*JobRepositoryPG)(nil)
