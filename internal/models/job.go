package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the aggregate status of a Job, derived from its Tasks (see
// internal/jobstatus.Aggregate). It is never written directly except by that
// recompute.
type JobStatus string

const (
	JobStatusInProgress       JobStatus = "IN_PROGRESS"
	JobStatusCompletedSuccess JobStatus = "COMPLETED_SUCCESS"
	JobStatusFailed           JobStatus = "FAILED"
	JobStatusCompletedPartial JobStatus = "COMPLETED_PARTIAL"
)

// JobKind identifies the category of work a Job represents. The core only ever
// creates "optimization" jobs; the type exists so a derivative/reoptimize job can
// be tagged distinctly if the domain grows a second kind later.
type JobKind string

const JobKindOptimization JobKind = "optimization"

// Job is a user-initiated optimization request bound to a single input parameter
// file. Its aggregate Status is a pure function of its Tasks' statuses and must
// never be set directly by callers outside the Store's recompute path.
type Job struct {
	ID               string    `db:"id" json:"id"`
	OwnerID          string    `db:"owner_id" json:"owner_id"`
	Kind             JobKind   `db:"kind" json:"kind"`
	Symbol           string    `db:"symbol" json:"symbol"`
	Timeframe        string    `db:"timeframe" json:"timeframe"`
	StrategyName     string    `db:"strategy_name" json:"strategy_name"`
	OriginalFileName string    `db:"original_file_name" json:"original_file_name"`
	Status           JobStatus `db:"status" json:"status"`
	MaxAttempts      int       `db:"max_attempts" json:"max_attempts"`
	AttemptCount     int       `db:"attempt_count" json:"attempt_count"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// NewJob constructs a Job with a fresh id and IN_PROGRESS status, the state every
// Job starts in once its initial Task exists.
func NewJob(ownerID, symbol, timeframe, strategyName, originalFileName string, maxAttempts int) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:               uuid.New().String(),
		OwnerID:          ownerID,
		Kind:             JobKindOptimization,
		Symbol:           symbol,
		Timeframe:        timeframe,
		StrategyName:     strategyName,
		OriginalFileName: originalFileName,
		Status:           JobStatusInProgress,
		MaxAttempts:      maxAttempts,
		AttemptCount:     0,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}
