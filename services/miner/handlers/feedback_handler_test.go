package handlers

import (
	"bytes"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dojo-network/feedback-subnet/pkg/cache"
	"github.com/dojo-network/feedback-subnet/pkg/crypto"
	"github.com/dojo-network/feedback-subnet/pkg/protocol"
	"github.com/dojo-network/feedback-subnet/services/miner/config"
	"github.com/dojo-network/feedback-subnet/services/miner/services"
)

func testRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	cfg := &config.Config{
		SimNormalProb: 1,
		SimMinTimeout: 5,
		SimMaxTimeout: 10,
	}
	simulator := services.NewSimulator(cfg, rand.New(rand.NewSource(1)))
	feedbackService := services.NewFeedbackService(cache.New(time.Hour), nil, simulator, key, "0xcold")
	handler := NewFeedbackHandler(feedbackService)

	router := gin.New()
	router.POST("/api/v1/feedback-request", handler.FeedbackRequest)
	router.POST("/api/v1/task-result-request", handler.TaskResultRequest)
	router.GET("/health", handler.Health)
	return router
}

func postJSON(router *gin.Engine, path string, payload any) *httptest.ResponseRecorder {
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestFeedbackRequestEndpoint(t *testing.T) {
	router := testRouter(t)

	synapse := &protocol.TaskSynapse{
		TaskID:   "task-1",
		Prompt:   "build a page",
		TaskType: protocol.TaskTypeCodeGeneration,
		ExpireAt: time.Now().UTC().Add(8 * time.Hour).Format(time.RFC3339),
		CompletionResponses: []*protocol.CompletionResponse{
			{CompletionID: "c1", Model: "model_1", Completion: json.RawMessage(`{"files":[]}`)},
		},
		GroundTruth: map[string]int{"model_1": 0},
		Dendrite:    &protocol.TerminalInfo{Hotkey: "0xvalidator"},
	}

	w := postJSON(router, "/api/v1/feedback-request", synapse)
	require.Equal(t, http.StatusOK, w.Code)

	var response protocol.TaskSynapse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "task-1", response.DojoTaskID)
	assert.Nil(t, response.GroundTruth)
	require.NotNil(t, response.Axon)
	assert.NotEmpty(t, response.Axon.Hotkey)
}

func TestFeedbackRequestRejectsBadJSON(t *testing.T) {
	router := testRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/feedback-request", bytes.NewReader([]byte("{")))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTaskResultRequestRequiresTaskID(t *testing.T) {
	router := testRouter(t)

	w := postJSON(router, "/api/v1/task-result-request", &protocol.TaskResultRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTaskResultRequestUnknownTask(t *testing.T) {
	router := testRouter(t)

	w := postJSON(router, "/api/v1/task-result-request", &protocol.TaskResultRequest{TaskID: "nope"})
	require.Equal(t, http.StatusOK, w.Code)

	var response protocol.TaskResultResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Empty(t, response.TaskResults)
	assert.NotEmpty(t, response.Signature)
}

func TestHealthEndpoint(t *testing.T) {
	router := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}
