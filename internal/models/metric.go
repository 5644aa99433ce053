package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Metric is a scored evaluation result attached to a Task. The Evaluator
// (internal/evaluator) reads only Distance and Score; Extra carries opaque
// worker-reported fields the core never interprets (spec.md §9's "dynamic record
// types" design note).
type Metric struct {
	ID        string          `db:"id" json:"id"`
	TaskID    string          `db:"task_id" json:"task_id"`
	Distance  float64         `db:"distance" json:"distance"`
	Score     float64         `db:"score" json:"score"`
	Extra     json.RawMessage `db:"extra" json:"extra,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

func NewMetric(taskID string, distance, score float64, extra json.RawMessage) *Metric {
	return &Metric{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Distance:  distance,
		Score:     score,
		Extra:     extra,
		CreatedAt: time.Now().UTC(),
	}
}

// ArtifactKind tags the role an Artifact's bytes play.
type ArtifactKind string

const (
	ArtifactKindOutputSet      ArtifactKind = "output_set"
	ArtifactKindAISuggestions  ArtifactKind = "ai_suggestions"
)

// Artifact is a byte blob (typically a parameter file) attached to a Task, and
// optionally linked to the Metric produced by the same evaluation pass.
type Artifact struct {
	ID        string       `db:"id" json:"id"`
	TaskID    string       `db:"task_id" json:"task_id"`
	MetricID  *string      `db:"metric_id" json:"metric_id,omitempty"`
	Kind      ArtifactKind `db:"kind" json:"kind"`
	Payload   []byte       `db:"payload" json:"-"`
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
}

func NewArtifact(taskID string, metricID *string, kind ArtifactKind, payload []byte) *Artifact {
	return &Artifact{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		MetricID:  metricID,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// ReoptimizeTrigger distinguishes an operator-initiated reoptimize from one the
// Auto-Reoptimizer created on its own.
type ReoptimizeTrigger string

const (
	ReoptimizeTriggerManual ReoptimizeTrigger = "manual"
	ReoptimizeTriggerAuto   ReoptimizeTrigger = "auto"
)

// ReoptimizeHistory is an append-only audit row: one per reoptimize action, never
// updated or deleted.
type ReoptimizeHistory struct {
	ID                  string            `db:"id" json:"id"`
	JobID               string            `db:"job_id" json:"job_id"`
	MetricID            string            `db:"metric_id" json:"metric_id"`
	Trigger             ReoptimizeTrigger `db:"trigger" json:"trigger"`
	UserID              string            `db:"user_id" json:"user_id,omitempty"`
	JobStatusAtTrigger  JobStatus         `db:"job_status_at_trigger" json:"job_status_at_trigger"`
	DerivativeFileName  string            `db:"derivative_file_name" json:"derivative_file_name"`
	CreatedAt           time.Time         `db:"created_at" json:"created_at"`
}

func NewReoptimizeHistory(jobID, metricID string, trigger ReoptimizeTrigger, userID string, statusAtTrigger JobStatus, derivativeFileName string) *ReoptimizeHistory {
	return &ReoptimizeHistory{
		ID:                 uuid.New().String(),
		JobID:              jobID,
		MetricID:           metricID,
		Trigger:            trigger,
		UserID:             userID,
		JobStatusAtTrigger: statusAtTrigger,
		DerivativeFileName: derivativeFileName,
		CreatedAt:          time.Now().UTC(),
	}
}
