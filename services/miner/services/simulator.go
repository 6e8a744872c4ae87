package services

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dojo-network/feedback-subnet/pkg/protocol"
	"github.com/dojo-network/feedback-subnet/services/miner/config"
)

// Behavior is the simulated worker pool's disposition for one poll.
type Behavior int

const (
	BehaviorNormal Behavior = iota
	BehaviorNoResponse
	BehaviorTimeout
)

// Simulator stands in for the worker platform: it draws a behavior per poll
// and synthesizes worker scores from the task's private ground truth.
type Simulator struct {
	normalProb float64
	noRespProb float64
	minTimeout int
	maxTimeout int

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulator builds a simulator from config. A nil rng seeds from the
// clock; tests pass a fixed seed.
func NewSimulator(cfg *config.Config, rng *rand.Rand) *Simulator {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Simulator{
		normalProb: cfg.SimNormalProb,
		noRespProb: cfg.SimNoRespProb,
		minTimeout: cfg.SimMinTimeout,
		maxTimeout: cfg.SimMaxTimeout,
		rng:        rng,
	}
}

// DrawBehavior picks the worker pool's behavior for one result poll.
func (s *Simulator) DrawBehavior() Behavior {
	s.mu.Lock()
	defer s.mu.Unlock()

	roll := s.rng.Float64()
	switch {
	case roll < s.normalProb:
		return BehaviorNormal
	case roll < s.normalProb+s.noRespProb:
		return BehaviorNoResponse
	default:
		return BehaviorTimeout
	}
}

// TimeoutDelay draws the stall duration for the timeout behavior.
func (s *Simulator) TimeoutDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	span := s.maxTimeout - s.minTimeout
	seconds := s.minTimeout
	if span > 0 {
		seconds += s.rng.Intn(span + 1)
	}
	return time.Duration(seconds) * time.Second
}

// Score derives a worker score from a ground-truth rank. The rank is noised
// by U[-0.5, 0.5), floored, scaled onto [1, 100] and clamped.
func (s *Simulator) Score(rank int) float64 {
	s.mu.Lock()
	noise := s.rng.Float64() - 0.5
	s.mu.Unlock()

	noised := math.Floor(float64(rank) + noise)
	score := math.Floor(noised/9.0*99.0 + 1)
	return math.Min(100, math.Max(1, score))
}

// BuildResults synthesizes one worker's results for a cached request: one
// entry per criteria type, scoring every model that has a ground-truth rank.
func (s *Simulator) BuildResults(synapse *protocol.TaskSynapse) []protocol.TaskResult {
	resultData := make([]protocol.Result, 0, len(synapse.CriteriaTypes))
	for _, criteria := range synapse.CriteriaTypes {
		values := make(map[string]float64, len(synapse.GroundTruth))
		for model, rank := range synapse.GroundTruth {
			values[model] = s.Score(rank)
		}
		resultData = append(resultData, protocol.Result{
			Type:  criteria.Type,
			Value: values,
		})
	}

	now := time.Now().UTC().Format(time.RFC3339)
	return []protocol.TaskResult{{
		ID:         uuid.New().String(),
		Status:     protocol.TaskResultCompleted,
		CreatedAt:  now,
		UpdatedAt:  now,
		WorkerID:   uuid.New().String(),
		TaskID:     synapse.DojoTaskID,
		ResultData: resultData,
	}}
}
