package evaluator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ternarybob/optorch/internal/models"
)

func metric(distance, score float64) *models.Metric {
	return &models.Metric{Distance: distance, Score: score}
}

func TestEvaluate_SuccessWhenBothThresholdsClearOnSameMetric(t *testing.T) {
	metrics := []*models.Metric{metric(0.08, 0.9)}
	assert.Equal(t, VerdictSuccess, Evaluate(metrics, 0.1, 0.8))
}

func TestEvaluate_PartialWhenOnlyScoreClears(t *testing.T) {
	metrics := []*models.Metric{metric(0.5, 0.9)}
	assert.Equal(t, VerdictPartial, Evaluate(metrics, 0.1, 0.8))
}

func TestEvaluate_PartialWhenOnlyDistanceClears(t *testing.T) {
	metrics := []*models.Metric{metric(0.05, 0.1)}
	assert.Equal(t, VerdictPartial, Evaluate(metrics, 0.1, 0.8))
}

func TestEvaluate_NoneWhenNeitherClears(t *testing.T) {
	metrics := []*models.Metric{metric(0.5, 0.1)}
	assert.Equal(t, VerdictNone, Evaluate(metrics, 0.1, 0.8))
}

func TestEvaluate_NoneOnEmptyMetrics(t *testing.T) {
	assert.Equal(t, VerdictNone, Evaluate(nil, 0.1, 0.8))
}

func TestEvaluate_SuccessDominatesAcrossMultipleMetrics(t *testing.T) {
	metrics := []*models.Metric{metric(0.5, 0.1), metric(0.08, 0.9)}
	assert.Equal(t, VerdictSuccess, Evaluate(metrics, 0.1, 0.8))
}

func TestEvaluate_BoundaryValuesAreInclusive(t *testing.T) {
	metrics := []*models.Metric{metric(0.1, 0.8)}
	assert.Equal(t, VerdictSuccess, Evaluate(metrics, 0.1, 0.8))
}
