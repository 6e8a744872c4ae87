// Package handlers exposes the miner's RPC surface over gin.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dojo-network/feedback-subnet/pkg/metrics"
	"github.com/dojo-network/feedback-subnet/pkg/protocol"
	"github.com/dojo-network/feedback-subnet/services/miner/services"
)

// FeedbackHandler handles feedback and task-result requests from validators.
type FeedbackHandler struct {
	feedbackService *services.FeedbackService
}

// NewFeedbackHandler creates a new feedback handler.
func NewFeedbackHandler(feedbackService *services.FeedbackService) *FeedbackHandler {
	return &FeedbackHandler{
		feedbackService: feedbackService,
	}
}

// FeedbackRequest handles POST /api/v1/feedback-request.
func (h *FeedbackHandler) FeedbackRequest(c *gin.Context) {
	var synapse protocol.TaskSynapse
	if err := c.ShouldBindJSON(&synapse); err != nil {
		metrics.FeedbackRequests.WithLabelValues("bad_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "Invalid request format: " + err.Error(),
		})
		return
	}

	response := h.feedbackService.ForwardFeedbackRequest(c.Request.Context(), &synapse)
	if response.DojoTaskID == "" {
		metrics.FeedbackRequests.WithLabelValues("rejected").Inc()
	} else {
		metrics.FeedbackRequests.WithLabelValues("accepted").Inc()
	}
	c.JSON(http.StatusOK, response)
}

// TaskResultRequest handles POST /api/v1/task-result-request.
func (h *FeedbackHandler) TaskResultRequest(c *gin.Context) {
	var request protocol.TaskResultRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "Invalid request format: " + err.Error(),
		})
		return
	}
	if request.TaskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "task_id is required",
		})
		return
	}

	c.JSON(http.StatusOK, h.feedbackService.ForwardTaskResultRequest(c.Request.Context(), &request))
}

// Health handles basic health check.
func (h *FeedbackHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "miner",
		"hotkey":  h.feedbackService.Hotkey(),
	})
}
