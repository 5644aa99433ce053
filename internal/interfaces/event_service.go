package interfaces

import "context"

// EventType represents a lifecycle transition published by the scheduling plane.
type EventType string

const (
	// EventJobCreated names the persisting of a new Job and its initial optimize
	// Task. No component publishes it: the Ingestor holds no EventService.
	// Payload: map[string]interface{}{"job_id", "symbol", "timeframe", "strategy_name"}
	EventJobCreated EventType = "job_created"

	// EventJobStatusChanged names a recompute of a Job's status after a Task
	// transition. No component publishes it: Store.UpdateTaskStatus recomputes
	// the status without publishing an event.
	// Payload: map[string]interface{}{"job_id", "status", "previous_status"}
	EventJobStatusChanged EventType = "job_status_changed"

	// EventTaskDispatched is published when the Scheduler's dispatch phase
	// publishes a Task's envelope to the Broker.
	// Payload: map[string]interface{}{"job_id", "task_id", "priority"}
	EventTaskDispatched EventType = "task_dispatched"

	// EventTaskCompleted is published when the Scheduler's post-worker phase
	// transitions a Task out of WORKER_COMPLETED/WORKER_FAILED.
	// Payload: map[string]interface{}{"job_id", "task_id", "status"}
	EventTaskCompleted EventType = "task_completed"

	// EventFineTuneSpawned is published when the Fine-Tune Spawner creates a
	// child Task.
	// Payload: map[string]interface{}{"job_id", "parent_task_id", "child_task_id", "fine_tune_depth"}
	EventFineTuneSpawned EventType = "fine_tune_spawned"

	// EventTaskReclaimed is published when the Watchdog resets a stuck or
	// orphaned Task.
	// Payload: map[string]interface{}{"job_id", "task_id", "reason"}
	EventTaskReclaimed EventType = "task_reclaimed"

	// EventReoptimizeTriggered is published when the Auto-Reoptimizer, on an idle
	// pass or an operator trigger, writes a derivative file into the handoff
	// directory; the derivative Job is created later by the Ingestor.
	// Payload: map[string]interface{}{"source_job_id", "trigger"}
	EventReoptimizeTriggered EventType = "reoptimize_triggered"

	// EventKeyUpdated is published when a cached key/value entry changes (used by
	// internal/services/kv for the Thresholds/job-settings Badger cache).
	// Payload: map[string]interface{}{"key_name", "old_value", "new_value", "timestamp"}
	EventKeyUpdated EventType = "key_updated"
)

// Event represents a system event
type Event struct {
	Type    EventType
	Payload interface{}
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// EventService manages pub/sub event bus
type EventService interface {
	// Subscribe to an event type
	Subscribe(eventType EventType, handler EventHandler) error

	// Unsubscribe from an event type
	Unsubscribe(eventType EventType, handler EventHandler) error

	// Publish an event to all subscribers
	Publish(ctx context.Context, event Event) error

	// PublishSync publishes event and waits for all handlers to complete
	PublishSync(ctx context.Context, event Event) error

	// Close shuts down the event service
	Close() error
}
