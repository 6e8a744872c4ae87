package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dojo-network/feedback-subnet/pkg/protocol"
)

func workerResult(values map[string]float64) protocol.TaskResult {
	return protocol.TaskResult{
		Status: protocol.TaskResultCompleted,
		ResultData: []protocol.Result{
			{Type: protocol.CriteriaMultiScore, Value: values},
		},
	}
}

func TestCalculateAveragesSingleWorker(t *testing.T) {
	results := []protocol.TaskResult{
		workerResult(map[string]float64{"obf_1": 80, "obf_2": 40}),
	}
	realIDs := map[string]string{"obf_1": "model_1", "obf_2": "model_2"}

	averages := CalculateAverages(results, realIDs)
	assert.Equal(t, map[string]float64{"model_1": 80, "model_2": 40}, averages)
}

func TestCalculateAveragesDividesByWorkerCount(t *testing.T) {
	// Two workers reported the criteria type, but only one scored model_2.
	// The divisor is still 2: the silent worker dilutes model_2's average.
	results := []protocol.TaskResult{
		workerResult(map[string]float64{"obf_1": 80, "obf_2": 60}),
		workerResult(map[string]float64{"obf_1": 40}),
	}
	realIDs := map[string]string{"obf_1": "model_1", "obf_2": "model_2"}

	averages := CalculateAverages(results, realIDs)
	assert.Equal(t, 60.0, averages["model_1"])
	assert.Equal(t, 30.0, averages["model_2"])
}

func TestCalculateAveragesFallsBackToObfuscatedID(t *testing.T) {
	results := []protocol.TaskResult{
		workerResult(map[string]float64{"unmapped_model": 50}),
	}

	averages := CalculateAverages(results, map[string]string{})
	require.Contains(t, averages, "unmapped_model")
	assert.Equal(t, 50.0, averages["unmapped_model"])
}

func TestCalculateAveragesSeparatesCriteriaTypes(t *testing.T) {
	results := []protocol.TaskResult{
		{
			Status: protocol.TaskResultCompleted,
			ResultData: []protocol.Result{
				{Type: protocol.CriteriaMultiScore, Value: map[string]float64{"m1": 90}},
				{Type: protocol.CriteriaScore, Value: map[string]float64{"m2": 30}},
			},
		},
		{
			Status: protocol.TaskResultCompleted,
			ResultData: []protocol.Result{
				{Type: protocol.CriteriaMultiScore, Value: map[string]float64{"m1": 70}},
			},
		},
	}

	averages := CalculateAverages(results, map[string]string{})
	// m1: two MULTI_SCORE workers. m2: a single SCORE worker.
	assert.Equal(t, 80.0, averages["m1"])
	assert.Equal(t, 30.0, averages["m2"])
}

func TestCalculateAveragesEmpty(t *testing.T) {
	assert.Empty(t, CalculateAverages(nil, nil))
	assert.Empty(t, CalculateAverages([]protocol.TaskResult{{}}, nil))
}
