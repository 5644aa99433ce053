// Package finetune implements the Fine-Tune Spawner (spec.md §4.6): for every
// Task that lands in COMPLETED_PARTIAL, it spawns one child Task seeded from
// the parent's best Metric, unless a child already exists or the depth cap
// would be exceeded. Grounded on controller/main.py's spawn_fine_tune_task,
// reimplemented against the Store's idempotent CreateFineTuneChild.
package finetune

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/optorch/internal/interfaces"
	"github.com/ternarybob/optorch/internal/metrics"
	"github.com/ternarybob/optorch/internal/models"
)

// Spawner creates fine-tune child Tasks from COMPLETED_PARTIAL parents.
type Spawner struct {
	store  interfaces.Store
	events interfaces.EventService
	logger arbor.ILogger
}

func New(store interfaces.Store, events interfaces.EventService, logger arbor.ILogger) *Spawner {
	return &Spawner{store: store, events: events, logger: logger}
}

// SpawnAll scans every COMPLETED_PARTIAL Task and spawns a child for each one
// still eligible under maxFineTuneDepth, called once per Scheduler iteration
// (SPEC_FULL.md §4.5 step 3).
func (s *Spawner) SpawnAll(ctx context.Context, maxFineTuneDepth int) error {
	parents, err := s.store.ListTasksByStatus(ctx, models.TaskStatusCompletedPartial)
	if err != nil {
		return fmt.Errorf("finetune: list completed-partial tasks: %w", err)
	}

	for _, parent := range parents {
		if err := s.spawnOne(ctx, parent, maxFineTuneDepth); err != nil {
			s.logger.Warn().Err(err).Str("task_id", parent.ID).Msg("finetune: spawn child failed")
		}
	}
	return nil
}

func (s *Spawner) spawnOne(ctx context.Context, parent *models.Task, maxFineTuneDepth int) error {
	if parent.FineTuneDepth+1 > maxFineTuneDepth {
		return nil
	}

	bestMetric, bestArtifact, err := s.bestOutcome(ctx, parent)
	if err != nil {
		return fmt.Errorf("resolve best outcome: %w", err)
	}

	inputBytes := parent.InputFileBytes
	if bestArtifact != nil {
		inputBytes = bestArtifact.Payload
	}

	var bestMetricID *string
	if bestMetric != nil {
		bestMetricID = &bestMetric.ID
	}

	child := models.NewFineTuneChild(parent, bestMetricID, inputBytes)

	created, err := s.store.CreateFineTuneChild(ctx, child)
	if err != nil {
		return fmt.Errorf("create fine-tune child: %w", err)
	}
	if !created {
		return nil
	}

	s.logger.Info().Str("parent_task_id", parent.ID).Str("child_task_id", child.ID).
		Int("fine_tune_depth", child.FineTuneDepth).Msg("spawned fine-tune child")
	metrics.FineTuneSpawns.Inc()

	if s.events != nil {
		_ = s.events.Publish(ctx, interfaces.Event{
			Type: interfaces.EventFineTuneSpawned,
			Payload: map[string]interface{}{
				"job_id":          parent.JobID,
				"parent_task_id":  parent.ID,
				"child_task_id":   child.ID,
				"fine_tune_depth": child.FineTuneDepth,
			},
		})
	}
	return nil
}

// bestOutcome resolves the parent's best Metric via its recorded
// BestMetricID, and the output_set Artifact attached to that Metric if one
// exists. The Scheduler's post-worker phase records BestMetricID on a Task
// when it evaluates the Task's Metrics (internal/scheduler); Spawner only
// reads it here, never recomputes it.
func (s *Spawner) bestOutcome(ctx context.Context, parent *models.Task) (*models.Metric, *models.Artifact, error) {
	if parent.BestMetricID == nil {
		return nil, nil, nil
	}
	metric, err := s.store.GetMetric(ctx, *parent.BestMetricID)
	if err != nil {
		return nil, nil, fmt.Errorf("get best metric: %w", err)
	}

	artifact, err := s.store.GetArtifactByMetric(ctx, metric.ID, models.ArtifactKindOutputSet)
	if err != nil {
		return metric, nil, nil
	}
	return metric, artifact, nil
}
