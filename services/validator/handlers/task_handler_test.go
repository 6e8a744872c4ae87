package handlers

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dojo-network/feedback-subnet/services/validator/services"
)

func testRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	taskService := services.NewTaskService(nil, nil, services.NewMinerClient(), nil, 8*time.Hour, "0xvalidator")
	handler := NewTaskHandler(taskService)

	router := gin.New()
	router.POST("/api/threed_gen/", handler.CreateThreeDGenTask)
	router.GET("/health", handler.Health)
	return router
}

func multipartRequest(t *testing.T, taskData string, files map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if taskData != "" {
		require.NoError(t, w.WriteField("task_data", taskData))
	}
	for name, content := range files {
		fw, err := w.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/threed_gen/", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestCreateThreeDGenTaskMissingTaskData(t *testing.T) {
	router := testRouter()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, multipartRequest(t, "", map[string]string{"scene.html": "<p>x</p>"}))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "task_data is required")
}

func TestCreateThreeDGenTaskInvalidTaskData(t *testing.T) {
	router := testRouter()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, multipartRequest(t, "{not json", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateThreeDGenTaskMissingFile(t *testing.T) {
	router := testRouter()

	taskData := `{"prompt":"a chair","responses":[{"model":"model_1","filename":"missing.html"}]}`
	w := httptest.NewRecorder()
	router.ServeHTTP(w, multipartRequest(t, taskData, map[string]string{"other.html": "<p>x</p>"}))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "missing.html")
}

func TestCreateThreeDGenTaskNoResponses(t *testing.T) {
	router := testRouter()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, multipartRequest(t, `{"prompt":"a chair","responses":[]}`, nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestValidatorHealth(t *testing.T) {
	router := testRouter()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"service":"validator"`)
}
