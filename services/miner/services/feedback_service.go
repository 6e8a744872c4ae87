// Package services implements the miner's request handling: accepting
// feedback fan-outs from validators, recruiting workers through the platform
// (or the simulator), and answering result polls.
package services

import (
	"context"
	"crypto/ecdsa"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dojo-network/feedback-subnet/pkg/cache"
	"github.com/dojo-network/feedback-subnet/pkg/crypto"
	"github.com/dojo-network/feedback-subnet/pkg/dojo"
	"github.com/dojo-network/feedback-subnet/pkg/protocol"
)

// FeedbackService owns the miner side of the task lifecycle. Inbound
// requests are copied into the TTL cache keyed by task id; result polls
// consume the entry exactly once.
type FeedbackService struct {
	cache      *cache.FeedbackCache
	dojoClient *dojo.Client // nil when simulating
	simulator  *Simulator
	privateKey *ecdsa.PrivateKey
	hotkey     string
	coldkey    string
	log        *logrus.Entry

	// sleep is swapped out in tests so the timeout behavior does not stall.
	sleep func(time.Duration)

	mu               sync.Mutex
	tasksByValidator map[string][]string
}

// NewFeedbackService wires the miner request pipeline. dojoClient nil puts
// the service in simulation mode and simulator must be set.
func NewFeedbackService(feedbackCache *cache.FeedbackCache, dojoClient *dojo.Client, simulator *Simulator, privateKey *ecdsa.PrivateKey, coldkey string) *FeedbackService {
	return &FeedbackService{
		cache:            feedbackCache,
		dojoClient:       dojoClient,
		simulator:        simulator,
		privateKey:       privateKey,
		hotkey:           crypto.Hotkey(privateKey),
		coldkey:          coldkey,
		log:              logrus.WithField("component", "feedback_service"),
		sleep:            time.Sleep,
		tasksByValidator: make(map[string][]string),
	}
}

// Hotkey returns the miner's public identity.
func (s *FeedbackService) Hotkey() string {
	return s.hotkey
}

// ForwardFeedbackRequest accepts a validator's task, registers it with the
// worker platform and caches a stripped copy for the later result poll.
// Invalid or failed requests come back unmodified so the validator can tell
// the miner did not take the task. The response never carries ground truth.
func (s *FeedbackService) ForwardFeedbackRequest(ctx context.Context, synapse *protocol.TaskSynapse) *protocol.TaskSynapse {
	if synapse.Dendrite == nil || synapse.Dendrite.Hotkey == "" || len(synapse.CompletionResponses) == 0 {
		s.log.WithField("task_id", synapse.TaskID).Warn("rejecting malformed feedback request")
		return synapse
	}

	dojoTaskID := synapse.TaskID
	if s.dojoClient != nil {
		taskIDs, err := s.dojoClient.CreateTask(ctx, synapse)
		if err != nil || len(taskIDs) == 0 {
			s.log.WithError(err).WithField("task_id", synapse.TaskID).Error("failed to create platform task")
			return synapse
		}
		dojoTaskID = taskIDs[0]
	}

	// The cached copy keeps the ground truth for scoring but drops the
	// completion payloads, which can be megabytes of generated code.
	cached := synapse.Copy()
	cached.DojoTaskID = dojoTaskID
	cached.CompletionResponses = nil
	s.cache.Store(synapse.TaskID, cached)

	s.mu.Lock()
	validator := synapse.Dendrite.Hotkey
	s.tasksByValidator[validator] = append(s.tasksByValidator[validator], synapse.TaskID)
	s.mu.Unlock()

	response := synapse.Copy()
	response.DojoTaskID = dojoTaskID
	response.GroundTruth = nil
	response.Axon = &protocol.TerminalInfo{Hotkey: s.hotkey, Coldkey: s.coldkey}

	s.log.WithFields(logrus.Fields{
		"task_id":      synapse.TaskID,
		"dojo_task_id": dojoTaskID,
	}).Info("accepted feedback request")
	return response
}

// ForwardTaskResultRequest answers a validator's poll for worker results.
// Unknown or expired task ids yield an empty, still-signed response. Once
// results are handed out the cache entry is dropped, so the same task id
// polled twice returns nothing the second time.
func (s *FeedbackService) ForwardTaskResultRequest(ctx context.Context, request *protocol.TaskResultRequest) *protocol.TaskResultResponse {
	response := &protocol.TaskResultResponse{
		TaskID: request.TaskID,
		Hotkey: s.hotkey,
	}

	cached := s.cache.Get(request.TaskID)
	if cached == nil {
		s.log.WithField("task_id", request.TaskID).Debug("no cached request for result poll")
		return s.sign(response)
	}

	if s.dojoClient != nil {
		results := s.dojoClient.GetTaskResultsByTaskID(ctx, cached.DojoTaskID)
		if len(results) == 0 {
			return s.sign(response)
		}
		s.cache.Take(request.TaskID)
		response.TaskResults = results
		return s.sign(response)
	}

	switch s.simulator.DrawBehavior() {
	case BehaviorNoResponse:
		return s.sign(response)
	case BehaviorTimeout:
		s.sleep(s.simulator.TimeoutDelay())
		response.TaskResults = []protocol.TaskResult{{
			Status: protocol.TaskResultFailed,
			TaskID: cached.DojoTaskID,
		}}
		return s.sign(response)
	default:
		s.cache.Take(request.TaskID)
		response.TaskResults = s.simulator.BuildResults(cached)
		return s.sign(response)
	}
}

// TasksForValidator lists the task ids a validator has fanned out here.
func (s *FeedbackService) TasksForValidator(hotkey string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tasksByValidator[hotkey]...)
}

func (s *FeedbackService) sign(response *protocol.TaskResultResponse) *protocol.TaskResultResponse {
	signature, err := crypto.SignData(s.privateKey, response.SignableBytes())
	if err != nil {
		s.log.WithError(err).Error("failed to sign task result response")
		return response
	}
	response.Signature = signature
	return response
}
