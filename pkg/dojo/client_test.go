package dojo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dojo-network/feedback-subnet/pkg/protocol"
)

func testSynapse() *protocol.TaskSynapse {
	return &protocol.TaskSynapse{
		TaskID:   "task-1",
		Prompt:   "write a page",
		TaskType: protocol.TaskTypeCodeGeneration,
		ExpireAt: "2026-01-02T15:04:05Z",
		CompletionResponses: []*protocol.CompletionResponse{
			{Model: "model_1", Completion: json.RawMessage(`{"files":[]}`)},
		},
	}
}

// recordedClient returns a client pointed at url whose sleeps are captured
// instead of waited out.
func recordedClient(url string, sleeps *[]time.Duration) *Client {
	c := NewClient(url, "secret", 1)
	c.sleep = func(d time.Duration) { *sleeps = append(*sleeps, d) }
	return c
}

func TestCreateTaskRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, CodeGenTaskTitle, r.FormValue("title"))
		assert.Equal(t, "1", r.FormValue("maxResults"))

		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]string{"error": "boom"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"body": []string{"dojo-task-1"}})
	}))
	defer srv.Close()

	var sleeps []time.Duration
	c := recordedClient(srv.URL, &sleeps)

	taskIDs, err := c.CreateTask(context.Background(), testSynapse())
	require.NoError(t, err)
	assert.Equal(t, []string{"dojo-task-1"}, taskIDs)
	assert.EqualValues(t, 3, calls.Load())

	// Exponential backoff with up to one second of jitter.
	require.Len(t, sleeps, 2)
	assert.GreaterOrEqual(t, sleeps[0], 1*time.Second)
	assert.Less(t, sleeps[0], 2*time.Second)
	assert.GreaterOrEqual(t, sleeps[1], 2*time.Second)
	assert.Less(t, sleeps[1], 3*time.Second)
}

func TestCreateTaskExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(map[string]string{"error": "unavailable"})
	}))
	defer srv.Close()

	var sleeps []time.Duration
	c := recordedClient(srv.URL, &sleeps)

	_, err := c.CreateTask(context.Background(), testSynapse())
	assert.ErrorIs(t, err, protocol.ErrCreateTaskFailed)
	assert.EqualValues(t, maxRetries, calls.Load())
	assert.Len(t, sleeps, maxRetries-1)
}

func TestCreateTaskRetriesOnMalformedJSON(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Write([]byte("not json"))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"body": []string{"dojo-task-2"}})
	}))
	defer srv.Close()

	var sleeps []time.Duration
	c := recordedClient(srv.URL, &sleeps)

	taskIDs, err := c.CreateTask(context.Background(), testSynapse())
	require.NoError(t, err)
	assert.Equal(t, []string{"dojo-task-2"}, taskIDs)
}

func TestGetTaskResultsByTaskID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/tasks/task-result/dojo-task-1", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"body": map[string]any{
				"taskResults": []protocol.TaskResult{
					{ID: "r1", Status: protocol.TaskResultCompleted, WorkerID: "w1", TaskID: "dojo-task-1"},
				},
			},
		})
	}))
	defer srv.Close()

	var sleeps []time.Duration
	c := recordedClient(srv.URL, &sleeps)

	results := c.GetTaskResultsByTaskID(context.Background(), "dojo-task-1")
	require.Len(t, results, 1)
	assert.Equal(t, "r1", results[0].ID)
}

func TestGetTaskResultsEmptyBodyIsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"body": map[string]any{}})
	}))
	defer srv.Close()

	var sleeps []time.Duration
	c := recordedClient(srv.URL, &sleeps)

	assert.Nil(t, c.GetTaskResultsByTaskID(context.Background(), "dojo-task-1"))
	assert.Empty(t, sleeps)
}

func TestGetTaskResultsGivesUpQuietly(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	var sleeps []time.Duration
	c := recordedClient(srv.URL, &sleeps)

	assert.Nil(t, c.GetTaskResultsByTaskID(context.Background(), "dojo-task-1"))
	assert.EqualValues(t, maxRetries, calls.Load())
}
