package jobstatus

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ternarybob/optorch/internal/models"
)

func task(status models.TaskStatus) *models.Task {
	return &models.Task{Status: status}
}

func TestAggregate_R1_InProgressDominatesEverythingButSuccess(t *testing.T) {
	tasks := []*models.Task{task(models.TaskStatusFailed), task(models.TaskStatusRetrying)}
	assert.Equal(t, models.JobStatusInProgress, Aggregate(tasks))
}

func TestAggregate_R2_SuccessDominatesFailure(t *testing.T) {
	tasks := []*models.Task{task(models.TaskStatusFailed), task(models.TaskStatusCompletedSuccess)}
	assert.Equal(t, models.JobStatusCompletedSuccess, Aggregate(tasks))
}

func TestAggregate_R3_AllFailed(t *testing.T) {
	tasks := []*models.Task{task(models.TaskStatusFailed), task(models.TaskStatusFailed)}
	assert.Equal(t, models.JobStatusFailed, Aggregate(tasks))
}

func TestAggregate_R4_MixedFailedAndPartialIsPartial(t *testing.T) {
	tasks := []*models.Task{task(models.TaskStatusFailed), task(models.TaskStatusCompletedPartial)}
	assert.Equal(t, models.JobStatusCompletedPartial, Aggregate(tasks))
}

func TestAggregate_EmptyIsInProgress(t *testing.T) {
	assert.Equal(t, models.JobStatusInProgress, Aggregate(nil))
}

func TestHasSuccess(t *testing.T) {
	assert.True(t, HasSuccess([]*models.Task{task(models.TaskStatusCompletedSuccess)}))
	assert.False(t, HasSuccess([]*models.Task{task(models.TaskStatusFailed)}))
}
