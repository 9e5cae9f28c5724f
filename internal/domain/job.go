package domain

import "time"

// JobType enumerates billable job categories.
type JobType string

const (
	JobTypeGeneration   JobType = "generation"
	JobTypeExport       JobType = "export"
	JobTypeHeroCreation JobType = "hero_creation"
	JobTypeCalibration  JobType = "calibration"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeGeneration, JobTypeExport, JobTypeHeroCreation, JobTypeCalibration:
		return true
	default:
		return false
	}
}

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further item updates are accepted in this state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// ItemStatus enumerates job item lifecycle states.
type ItemStatus string

const (
	ItemStatusPending    ItemStatus = "pending"
	ItemStatusProcessing ItemStatus = "processing"
	ItemStatusCompleted  ItemStatus = "completed"
	ItemStatusFailed     ItemStatus = "failed"
)

// Terminal reports whether the item has finished.
func (s ItemStatus) Terminal() bool {
	return s == ItemStatusCompleted || s == ItemStatusFailed
}

// Job is one user-initiated batch of billable work.
type Job struct {
	ID              string
	OwnerID         string
	ProjectID       string
	Type            JobType
	Status          JobStatus
	TotalItems      int
	CompletedItems  int
	FailedItems     int
	CreditsReserved int64
	CreditsSpent    int64
	CreditsRefunded int64
	RefundIssued    bool
	Metadata        []byte
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	Items           []JobItem
}

// Settled returns how many items reached a terminal state.
func (j *Job) Settled() int {
	return j.CompletedItems + j.FailedItems
}

// FinalStatus classifies a fully settled job. A job with at least one
// completed item finishes as completed; failed_items stays visible.
func (j *Job) FinalStatus() JobStatus {
	if j.CompletedItems > 0 {
		return JobStatusCompleted
	}
	return JobStatusFailed
}

// Refundable is the part of the reservation not yet spent.
func (j *Job) Refundable() int64 {
	if j.CreditsSpent >= j.CreditsReserved {
		return 0
	}
	return j.CreditsReserved - j.CreditsSpent
}

// JobItem is one unit of work within a job.
type JobItem struct {
	ID          string
	JobID       string
	TargetRef   string
	Prompt      string
	Status      ItemStatus
	ArtifactRef string
	Error       string
	Attempts    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ItemOutcome is the terminal result reported by an executor.
type ItemOutcome struct {
	ItemID      string
	Status      ItemStatus
	ArtifactRef string
	Error       string
	Attempts    int
	// Cost is charged against the job only when Status is completed.
	Cost int64
}

// ItemResult describes the effect of recording an item outcome.
type ItemResult struct {
	Job *Job
	// Discarded is set when the job was already terminal; the item row was
	// updated for audit but the job aggregates were left untouched.
	Discarded bool
	// Last is set for the single outcome that brought settled items to total.
	Last bool
}

// ClaimedItem pairs a claimed item with the job it belongs to.
type ClaimedItem struct {
	Item JobItem
	Job  Job
}
