package models

// Envelope is the JSON dispatch message placed on the Broker main queue
// (spec.md §6.2). Field names and JSON tags match the wire contract exactly;
// workers on the other side of the Broker depend on this shape.
type Envelope struct {
	JobID        string `json:"job_id"`
	TaskID       string `json:"task_id"`
	SetFileName  string `json:"set_file_name"`
	InputBlobKey string `json:"input_blob_key"`
	EAName       string `json:"ea_name"`
	Symbol       string `json:"symbol"`
	Timeframe    string `json:"timeframe"`
}

// NewEnvelope builds the dispatch envelope for a Task about to be published to
// the Broker main queue.
func NewEnvelope(job *Job, task *Task, blobKeyPrefix string) Envelope {
	return Envelope{
		JobID:        job.ID,
		TaskID:       task.ID,
		SetFileName:  job.OriginalFileName,
		InputBlobKey: task.BlobKey(blobKeyPrefix),
		EAName:       job.StrategyName,
		Symbol:       job.Symbol,
		Timeframe:    job.Timeframe,
	}
}

// IngestSidecar is the `<name>.set.meta.json` sidecar schema from spec.md §6.1.
type IngestSidecar struct {
	UserID                 string `json:"user_id" validate:"required"`
	Symbol                 string `json:"symbol" validate:"required"`
	Timeframe              string `json:"timeframe" validate:"required"`
	EAName                 string `json:"ea_name" validate:"required"`
	OriginalFilename       string `json:"original_filename" validate:"required"`
	ReoptimizeSourceMetricID string `json:"reoptimize_source_metric_id,omitempty"`
	ReoptimizeSourceJobID    string `json:"reoptimize_source_job_id,omitempty"`
}

// IsReoptimizeSource reports whether this sidecar was produced by a reoptimize
// action rather than an original user submission (spec.md §6.1's duplicate-path
// exception).
func (s IngestSidecar) IsReoptimizeSource() bool {
	return s.ReoptimizeSourceMetricID != "" || s.ReoptimizeSourceJobID != ""
}
