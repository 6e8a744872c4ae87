package services

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dojo-network/feedback-subnet/pkg/protocol"
)

func newTestTaskService() *TaskService {
	return NewTaskService(nil, nil, NewMinerClient(), nil, 8*time.Hour, "0xvalidator")
}

func htmlCompletion(t *testing.T, content string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(protocol.CodeAnswer{
		Files: []protocol.FileObject{{Filename: "index.html", Content: content}},
	})
	require.NoError(t, err)
	return raw
}

func TestBuildFeedbackRequest(t *testing.T) {
	svc := newTestTaskService()

	responses := []*protocol.CompletionResponse{
		{Model: "model_1", Completion: json.RawMessage(`{"files":[]}`)},
		{Model: "model_2", Completion: json.RawMessage(`{"files":[]}`)},
	}
	groundTruth := map[string]int{"model_1": 0, "model_2": 1}

	synapse, err := svc.BuildFeedbackRequest("build a page", protocol.TaskTypeCodeGeneration, responses, groundTruth)
	require.NoError(t, err)

	assert.NotEmpty(t, synapse.TaskID)
	assert.Equal(t, "0xvalidator", synapse.Dendrite.Hotkey)
	assert.Equal(t, groundTruth, synapse.GroundTruth)

	expireAt := synapse.ExpireTime()
	require.False(t, expireAt.IsZero())
	assert.WithinDuration(t, time.Now().UTC().Add(8*time.Hour), expireAt, time.Minute)

	require.Len(t, synapse.CriteriaTypes, 1)
	criteria := synapse.CriteriaTypes[0]
	assert.Equal(t, protocol.CriteriaMultiScore, criteria.Type)
	assert.Equal(t, []string{"model_1", "model_2"}, criteria.Options)
	assert.Equal(t, 1.0, criteria.Min)
	assert.Equal(t, 100.0, criteria.Max)

	for _, resp := range synapse.CompletionResponses {
		assert.NotEmpty(t, resp.CompletionID)
	}
}

func TestBuildFeedbackRequestValidation(t *testing.T) {
	svc := newTestTaskService()

	_, err := svc.BuildFeedbackRequest("", protocol.TaskTypeCodeGeneration,
		[]*protocol.CompletionResponse{{Model: "m", Completion: json.RawMessage(`{}`)}}, nil)
	assert.ErrorIs(t, err, protocol.ErrInvalidTask)

	_, err = svc.BuildFeedbackRequest("prompt", protocol.TaskTypeCodeGeneration, nil, nil)
	assert.ErrorIs(t, err, protocol.ErrInvalidTask)
}

func TestBuildFeedbackRequestObfuscatesHTML(t *testing.T) {
	svc := newTestTaskService()
	original := "<html>\n<body>\n    <p>Hello, world</p>\n</body>\n</html>"

	// A single pass can, rarely, leave the markup untouched; a handful of
	// passes cannot.
	changed := false
	for i := 0; i < 5 && !changed; i++ {
		responses := []*protocol.CompletionResponse{
			{Model: "model_1", Completion: htmlCompletion(t, original)},
		}

		synapse, err := svc.BuildFeedbackRequest("prompt", protocol.TaskTypeCodeGeneration, responses, nil)
		require.NoError(t, err)

		var answer protocol.CodeAnswer
		require.NoError(t, json.Unmarshal(synapse.CompletionResponses[0].Completion, &answer))
		require.Len(t, answer.Files, 1)

		assert.Contains(t, answer.Files[0].Content, "Hello, world")
		changed = answer.Files[0].Content != original
	}
	assert.True(t, changed)
}

func TestBuildFeedbackRequestLeavesNonHTMLAlone(t *testing.T) {
	svc := newTestTaskService()
	raw, err := json.Marshal(protocol.CodeAnswer{
		Files: []protocol.FileObject{{Filename: "main.py", Content: "print('hi')"}},
	})
	require.NoError(t, err)

	synapse, err := svc.BuildFeedbackRequest("prompt", protocol.TaskTypeCodeGeneration,
		[]*protocol.CompletionResponse{{Model: "model_1", Completion: raw}}, nil)
	require.NoError(t, err)

	var answer protocol.CodeAnswer
	require.NoError(t, json.Unmarshal(synapse.CompletionResponses[0].Completion, &answer))
	assert.Equal(t, "print('hi')", answer.Files[0].Content)
}

func TestDedupeModels(t *testing.T) {
	responses := []*protocol.CompletionResponse{
		{Model: "model_1"},
		{Model: "model_1"},
		{Model: "model_2"},
	}

	deduped := dedupeModels(responses)
	require.Len(t, deduped, 3)
	assert.Equal(t, "model_1", deduped[0].Model)
	assert.NotEqual(t, "model_1", deduped[1].Model)
	assert.Contains(t, deduped[1].Model, "model_1_")
	assert.Equal(t, "model_2", deduped[2].Model)

	seen := map[string]bool{}
	for _, r := range deduped {
		assert.False(t, seen[r.Model])
		seen[r.Model] = true
	}
}
