package synthetic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetQA(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/synthetic-gen", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"body": map[string]any{
				"prompt": "build a landing page",
				"responses": []map[string]any{
					{"model": "model_1", "completion": map[string]any{"files": []any{}}},
				},
				"ground_truth": map[string]int{"model_1": 0},
			},
		})
	}))
	defer srv.Close()

	qa, err := NewClient(srv.URL).GetQA(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "build a landing page", qa.Prompt)
	require.Len(t, qa.Responses, 1)
	assert.Equal(t, "model_1", qa.Responses[0].Model)
	assert.Equal(t, map[string]int{"model_1": 0}, qa.GroundTruth)
}

func TestGetQAFailureEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "generation failed"})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).GetQA(context.Background())
	assert.ErrorContains(t, err, "generation failed")
}

func TestGetQABadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).GetQA(context.Background())
	assert.ErrorContains(t, err, "503")
}
