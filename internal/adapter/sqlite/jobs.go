package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Poz83/Myjoe-CBS-sub001/internal/domain"
)

// JobStore implements domain.JobRepository.
type JobStore struct {
	*Store
}

const jobColumns = `id, owner_id, project_id, type, status, total_items, completed_items, failed_items,
	credits_reserved, credits_spent, credits_refunded, refund_issued, metadata, created_at, started_at, completed_at`

const itemColumns = `id, job_id, target_ref, prompt, status, artifact_ref, error, attempts, created_at, updated_at`

func scanJob(row scanner) (*domain.Job, error) {
	var j domain.Job
	var jobType, status, metadata string
	var created, started, completed dbTime
	if err := row.Scan(
		&j.ID, &j.OwnerID, &j.ProjectID, &jobType, &status, &j.TotalItems, &j.CompletedItems, &j.FailedItems,
		&j.CreditsReserved, &j.CreditsSpent, &j.CreditsRefunded, &j.RefundIssued, &metadata,
		&created, &started, &completed,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	j.Type = domain.JobType(jobType)
	j.Status = domain.JobStatus(status)
	j.Metadata = []byte(metadata)
	j.CreatedAt = created.Time
	j.StartedAt = timePtr(started)
	j.CompletedAt = timePtr(completed)
	return &j, nil
}

func scanItem(row scanner) (*domain.JobItem, error) {
	var it domain.JobItem
	var status string
	var created, updated dbTime
	if err := row.Scan(&it.ID, &it.JobID, &it.TargetRef, &it.Prompt, &status, &it.ArtifactRef, &it.Error, &it.Attempts, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	it.Status = domain.ItemStatus(status)
	it.CreatedAt, it.UpdatedAt = created.Time, updated.Time
	return &it, nil
}

func (s *JobStore) Create(ctx context.Context, j *domain.Job) error {
	if len(j.Items) == 0 || j.TotalItems != len(j.Items) {
		return fmt.Errorf("%w: total_items must match item count", domain.ErrInvalidInput)
	}
	ensureID(&j.ID)
	now := s.now()
	j.CreatedAt = now
	if j.Status == "" {
		j.Status = domain.JobStatusPending
	}
	metadata := string(j.Metadata)
	if metadata == "" {
		metadata = "{}"
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, owner_id, project_id, type, status, total_items, credits_reserved, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, j.ID, j.OwnerID, j.ProjectID, string(j.Type), string(j.Status), j.TotalItems, j.CreditsReserved, metadata, now); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		for i := range j.Items {
			it := &j.Items[i]
			ensureID(&it.ID)
			it.JobID = j.ID
			it.Status = domain.ItemStatusPending
			it.CreatedAt, it.UpdatedAt = now, now
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO job_items (id, job_id, target_ref, prompt, status, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, it.ID, it.JobID, it.TargetRef, it.Prompt, string(it.Status), now, now); err != nil {
				return fmt.Errorf("insert job item: %w", err)
			}
		}
		return nil
	})
}

func (s *JobStore) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID))
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM job_items WHERE job_id = ? ORDER BY created_at, rowid`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		j.Items = append(j.Items, *it)
	}
	return j, rows.Err()
}

func (s *JobStore) MarkProcessing(ctx context.Context, jobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, started_at = ?
		WHERE id = ? AND status = ?
	`, string(domain.JobStatusProcessing), s.now(), jobID, string(domain.JobStatusPending))
	if err != nil {
		return false, fmt.Errorf("mark processing %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *JobStore) ClaimItem(ctx context.Context) (*domain.ClaimedItem, error) {
	var claimed domain.ClaimedItem
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		it, err := scanItem(tx.QueryRowContext(ctx, `
			UPDATE job_items SET status = 'processing', updated_at = ?
			WHERE id = (
				SELECT i.id FROM job_items i JOIN jobs j ON j.id = i.job_id
				WHERE i.status = 'pending' AND j.status = 'processing'
				ORDER BY i.created_at, i.rowid
				LIMIT 1
			) AND status = 'pending'
			RETURNING `+itemColumns, s.now()))
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrNoItemAvailable
		}
		if err != nil {
			return err
		}
		j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, it.JobID))
		if err != nil {
			return err
		}
		claimed = domain.ClaimedItem{Item: *it, Job: *j}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &claimed, nil
}

func (s *JobStore) RecordItemOutcome(ctx context.Context, o domain.ItemOutcome) (*domain.ItemResult, error) {
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
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var jobID string
		err := tx.QueryRowContext(ctx, `
			UPDATE job_items SET status = ?, artifact_ref = ?, error = ?, attempts = ?, updated_at = ?
			WHERE id = ? AND status IN ('pending', 'processing')
			RETURNING job_id
		`, string(o.Status), o.ArtifactRef, o.Error, o.Attempts, s.now(), o.ItemID).Scan(&jobID)
		if errors.Is(err, sql.ErrNoRows) {
			var exists int
			if err := tx.QueryRowContext(ctx, `SELECT 1 FROM job_items WHERE id = ?`, o.ItemID).Scan(&exists); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return domain.ErrNotFound
				}
				return err
			}
			return fmt.Errorf("%w: item %s already finished", domain.ErrConflict, o.ItemID)
		}
		if err != nil {
			return err
		}

		j, err := scanJob(tx.QueryRowContext(ctx, `
			UPDATE jobs
			SET completed_items = completed_items + ?,
			    failed_items = failed_items + ?,
			    credits_spent = MIN(credits_spent + ?, credits_reserved)
			WHERE id = ? AND status IN ('pending', 'processing')
			RETURNING `+jobColumns, completed, failed, cost, jobID))
		if errors.Is(err, domain.ErrNotFound) {
			j, err = scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID))
			if err != nil {
				return err
			}
			result = domain.ItemResult{Job: j, Discarded: true}
			return nil
		}
		if err != nil {
			return err
		}
		result = domain.ItemResult{Job: j, Last: j.Settled() == j.TotalItems}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *JobStore) Finalize(ctx context.Context, jobID string) (*domain.Job, bool, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = CASE WHEN completed_items > 0 THEN 'completed' ELSE 'failed' END,
		    completed_at = ?
		WHERE id = ? AND status IN ('pending', 'processing')
		  AND completed_items + failed_items >= total_items
		RETURNING `+jobColumns, s.now(), jobID))
	return s.terminalResult(ctx, jobID, j, err)
}

func (s *JobStore) FailStuck(ctx context.Context, jobID string) (*domain.Job, bool, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `
		UPDATE jobs SET status = 'failed', completed_at = ?
		WHERE id = ? AND status IN ('pending', 'processing')
		RETURNING `+jobColumns, s.now(), jobID))
	return s.terminalResult(ctx, jobID, j, err)
}

func (s *JobStore) terminalResult(ctx context.Context, jobID string, j *domain.Job, err error) (*domain.Job, bool, error) {
	if errors.Is(err, domain.ErrNotFound) {
		current, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID))
		if err != nil {
			return nil, false, err
		}
		return current, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("terminal transition %s: %w", jobID, err)
	}
	return j, true, nil
}

func (s *JobStore) Cancel(ctx context.Context, jobID, ownerID string) (*domain.Job, error) {
	var out *domain.Job
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		j, err := scanJob(tx.QueryRowContext(ctx, `
			UPDATE jobs SET status = 'cancelled', completed_at = ?
			WHERE id = ? AND owner_id = ? AND status IN ('pending', 'processing')
			RETURNING `+jobColumns, s.now(), jobID, ownerID))
		if err == nil {
			out = j
			return nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		var owner, status string
		if err := tx.QueryRowContext(ctx, `SELECT owner_id, status FROM jobs WHERE id = ?`, jobID).Scan(&owner, &status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
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

func (s *JobStore) ListStuck(ctx context.Context, before time.Time, limit int) ([]string, error) {
	return s.listIDs(ctx, `
		SELECT id FROM jobs
		WHERE status IN ('pending', 'processing') AND COALESCE(started_at, created_at) < ?
		ORDER BY created_at
		LIMIT ?
	`, before.UTC(), limit)
}

func (s *JobStore) ListUnsettled(ctx context.Context, before time.Time, limit int) ([]string, error) {
	return s.listIDs(ctx, `
		SELECT id FROM jobs
		WHERE status IN ('completed', 'failed', 'cancelled') AND refund_issued = 0
		  AND completed_at < ?
		  AND NOT EXISTS (SELECT 1 FROM job_settlements s WHERE s.job_id = jobs.id)
		ORDER BY completed_at
		LIMIT ?
	`, before.UTC(), limit)
}

func (s *JobStore) listIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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
