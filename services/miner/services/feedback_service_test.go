package services

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dojo-network/feedback-subnet/pkg/cache"
	"github.com/dojo-network/feedback-subnet/pkg/crypto"
	"github.com/dojo-network/feedback-subnet/pkg/protocol"
)

func newTestService(t *testing.T, normal, noResp, timeout float64) (*FeedbackService, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	sim := NewSimulator(simConfig(normal, noResp, timeout), rand.New(rand.NewSource(42)))
	svc := NewFeedbackService(cache.New(time.Hour), nil, sim, key, "0xcold")
	svc.sleep = func(time.Duration) {}
	return svc, key
}

func inboundSynapse() *protocol.TaskSynapse {
	return &protocol.TaskSynapse{
		TaskID:   "task-1",
		Prompt:   "build a page",
		TaskType: protocol.TaskTypeCodeGeneration,
		ExpireAt: time.Now().UTC().Add(8 * time.Hour).Format(time.RFC3339),
		CriteriaTypes: []protocol.CriteriaType{
			{Type: protocol.CriteriaMultiScore, Options: []string{"model_1", "model_2"}, Min: 1, Max: 100},
		},
		CompletionResponses: []*protocol.CompletionResponse{
			{CompletionID: "c1", Model: "model_1", Completion: json.RawMessage(`{"files":[]}`)},
			{CompletionID: "c2", Model: "model_2", Completion: json.RawMessage(`{"files":[]}`)},
		},
		GroundTruth: map[string]int{"model_1": 0, "model_2": 1},
		Dendrite:    &protocol.TerminalInfo{Hotkey: "0xvalidator"},
	}
}

func TestForwardFeedbackRequestScrubsGroundTruth(t *testing.T) {
	svc, _ := newTestService(t, 1, 0, 0)

	response := svc.ForwardFeedbackRequest(context.Background(), inboundSynapse())

	assert.Nil(t, response.GroundTruth)
	assert.Equal(t, "task-1", response.DojoTaskID)
	require.NotNil(t, response.Axon)
	assert.Equal(t, svc.Hotkey(), response.Axon.Hotkey)
	assert.Equal(t, "0xcold", response.Axon.Coldkey)
	assert.Len(t, response.CompletionResponses, 2)
}

func TestForwardFeedbackRequestCachesStrippedCopy(t *testing.T) {
	svc, _ := newTestService(t, 1, 0, 0)
	synapse := inboundSynapse()

	svc.ForwardFeedbackRequest(context.Background(), synapse)

	cached := svc.cache.Get("task-1")
	require.NotNil(t, cached)
	// Scoring needs the ground truth, not the payloads.
	assert.Equal(t, synapse.GroundTruth, cached.GroundTruth)
	assert.Nil(t, cached.CompletionResponses)
	assert.Equal(t, "task-1", cached.DojoTaskID)

	assert.Equal(t, []string{"task-1"}, svc.TasksForValidator("0xvalidator"))
}

func TestForwardFeedbackRequestRejectsMalformed(t *testing.T) {
	svc, _ := newTestService(t, 1, 0, 0)

	noHotkey := inboundSynapse()
	noHotkey.Dendrite = nil
	response := svc.ForwardFeedbackRequest(context.Background(), noHotkey)
	assert.Same(t, noHotkey, response)
	assert.Nil(t, svc.cache.Get("task-1"))

	noCompletions := inboundSynapse()
	noCompletions.CompletionResponses = nil
	response = svc.ForwardFeedbackRequest(context.Background(), noCompletions)
	assert.Same(t, noCompletions, response)
}

func TestForwardTaskResultRequestConsumeOnce(t *testing.T) {
	svc, key := newTestService(t, 1, 0, 0)
	svc.ForwardFeedbackRequest(context.Background(), inboundSynapse())

	request := &protocol.TaskResultRequest{TaskID: "task-1"}

	first := svc.ForwardTaskResultRequest(context.Background(), request)
	require.NotEmpty(t, first.TaskResults)
	assert.Equal(t, protocol.TaskResultCompleted, first.TaskResults[0].Status)

	ok, err := crypto.VerifySignature(crypto.Hotkey(key), first.SignableBytes(), first.Signature)
	require.NoError(t, err)
	assert.True(t, ok)

	// The entry is gone after the first successful poll.
	second := svc.ForwardTaskResultRequest(context.Background(), request)
	assert.Empty(t, second.TaskResults)
	assert.NotEmpty(t, second.Signature)
}

func TestForwardTaskResultRequestUnknownTask(t *testing.T) {
	svc, key := newTestService(t, 1, 0, 0)

	response := svc.ForwardTaskResultRequest(context.Background(), &protocol.TaskResultRequest{TaskID: "nope"})
	assert.Empty(t, response.TaskResults)
	assert.Equal(t, svc.Hotkey(), response.Hotkey)

	ok, err := crypto.VerifySignature(crypto.Hotkey(key), response.SignableBytes(), response.Signature)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestForwardTaskResultRequestNoResponseBehavior(t *testing.T) {
	svc, _ := newTestService(t, 0, 1, 0)
	svc.ForwardFeedbackRequest(context.Background(), inboundSynapse())

	response := svc.ForwardTaskResultRequest(context.Background(), &protocol.TaskResultRequest{TaskID: "task-1"})
	assert.Empty(t, response.TaskResults)

	// The entry is kept: a later poll may still get results.
	assert.NotNil(t, svc.cache.Get("task-1"))
}

func TestForwardTaskResultRequestTimeoutBehavior(t *testing.T) {
	svc, _ := newTestService(t, 0, 0, 1)
	var slept time.Duration
	svc.sleep = func(d time.Duration) { slept = d }

	svc.ForwardFeedbackRequest(context.Background(), inboundSynapse())
	response := svc.ForwardTaskResultRequest(context.Background(), &protocol.TaskResultRequest{TaskID: "task-1"})

	assert.GreaterOrEqual(t, slept, 5*time.Second)
	assert.LessOrEqual(t, slept, 10*time.Second)
	require.Len(t, response.TaskResults, 1)
	assert.Equal(t, protocol.TaskResultFailed, response.TaskResults[0].Status)
	assert.Empty(t, response.TaskResults[0].ResultData)
}
