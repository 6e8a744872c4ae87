// Package handlers exposes the validator's ingress API over gin.
package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dojo-network/feedback-subnet/pkg/protocol"
	"github.com/dojo-network/feedback-subnet/services/validator/services"
)

// TaskHandler handles external task submissions.
type TaskHandler struct {
	taskService *services.TaskService
}

// NewTaskHandler creates a new task handler.
func NewTaskHandler(taskService *services.TaskService) *TaskHandler {
	return &TaskHandler{
		taskService: taskService,
	}
}

// threeDGenTaskData is the task_data form field: which generated file
// belongs to which model, plus the private ranking.
type threeDGenTaskData struct {
	Prompt    string         `json:"prompt"`
	Responses []modelFileRef `json:"responses"`
	// GroundTruth maps model id to its private rank.
	GroundTruth map[string]int `json:"ground_truth,omitempty"`
}

type modelFileRef struct {
	Model    string `json:"model"`
	Filename string `json:"filename"`
}

// CreateThreeDGenTask handles POST /api/threed_gen/. The request is
// multipart: generated artifacts under "files" and a "task_data" JSON field
// tying each file to the model that produced it.
func (h *TaskHandler) CreateThreeDGenTask(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		badRequest(c, "invalid multipart form: "+err.Error())
		return
	}

	taskDataJSON := c.PostForm("task_data")
	if taskDataJSON == "" {
		badRequest(c, "task_data is required")
		return
	}
	var taskData threeDGenTaskData
	if err := json.Unmarshal([]byte(taskDataJSON), &taskData); err != nil {
		badRequest(c, "invalid task_data: "+err.Error())
		return
	}
	if len(taskData.Responses) == 0 {
		badRequest(c, "task_data.responses is required")
		return
	}

	contents := make(map[string]string)
	for _, fileHeader := range form.File["files"] {
		f, err := fileHeader.Open()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"success": false,
				"message": "failed to read uploaded file: " + err.Error(),
			})
			return
		}
		raw, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"success": false,
				"message": "failed to read uploaded file: " + err.Error(),
			})
			return
		}
		contents[fileHeader.Filename] = string(raw)
	}

	responses := make([]*protocol.CompletionResponse, 0, len(taskData.Responses))
	for _, ref := range taskData.Responses {
		content, ok := contents[ref.Filename]
		if !ok {
			badRequest(c, "no uploaded file named "+ref.Filename)
			return
		}
		completion, err := json.Marshal(protocol.CodeAnswer{
			Files: []protocol.FileObject{{Filename: ref.Filename, Content: content}},
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"success": false,
				"message": "failed to encode completion: " + err.Error(),
			})
			return
		}
		responses = append(responses, &protocol.CompletionResponse{
			Model:      ref.Model,
			Completion: completion,
		})
	}

	synapse, err := h.taskService.BuildFeedbackRequest(taskData.Prompt, protocol.TaskType3DGeneration, responses, taskData.GroundTruth)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	saved, err := h.taskService.SendTask(c.Request.Context(), synapse)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "failed to dispatch task: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"body":    gin.H{"task_id": saved.TaskID},
	})
}

// Health handles basic health check.
func (h *TaskHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "validator",
	})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"success": false,
		"message": message,
	})
}
