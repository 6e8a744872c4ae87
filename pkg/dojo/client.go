// Package dojo wraps the external worker platform's REST API. The platform
// recruits human workers against tasks the miner creates here; the validator
// side never talks to it directly.
package dojo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dojo-network/feedback-subnet/pkg/protocol"
)

const (
	maxRetries = 5
	baseDelay  = 1 * time.Second
	timeout    = 15 * time.Second

	// CodeGenTaskTitle is the default platform-side title for code tasks.
	CodeGenTaskTitle = "LLM Code Generation Task"

	createTasksPath = "/api/v1/tasks/create-tasks"
	taskResultPath  = "/api/v1/tasks/task-result/"
)

// Client talks to the worker platform with bounded retries. Every attempt
// gets its own 15 second budget; between attempts the client backs off
// exponentially with up to one second of jitter.
type Client struct {
	baseURL    string
	apiKey     string
	maxResults int
	httpClient *http.Client
	log        *logrus.Entry

	// sleep is swapped out in tests to observe retry timing.
	sleep func(time.Duration)
	rng   *rand.Rand
}

// NewClient creates a platform client. maxResults is the number of worker
// results requested per task (TASK_MAX_RESULTS).
func NewClient(baseURL, apiKey string, maxResults int) *Client {
	if maxResults <= 0 {
		maxResults = 1
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		maxResults: maxResults,
		httpClient: &http.Client{Timeout: timeout},
		log:        logrus.WithField("component", "dojo"),
		sleep:      time.Sleep,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// taskData is the platform's serialized view of one task.
type taskData struct {
	Prompt    string             `json:"prompt"`
	Responses []taskDataResponse `json:"responses"`
	TaskType  string             `json:"task_type"`
}

type taskDataResponse struct {
	Model      string          `json:"model"`
	Completion json.RawMessage `json:"completion"`
}

type createTasksResponse struct {
	Body  []string `json:"body"`
	Error string   `json:"error,omitempty"`
}

type taskResultsResponse struct {
	Body struct {
		TaskResults []protocol.TaskResult `json:"taskResults"`
	} `json:"body"`
}

// CreateTask registers the synapse on the worker platform and returns the
// platform-side task ids. It fails with protocol.ErrCreateTaskFailed once
// all retries are exhausted.
func (c *Client) CreateTask(ctx context.Context, synapse *protocol.TaskSynapse) ([]string, error) {
	body, contentType, err := c.buildCreateForm(synapse)
	if err != nil {
		return nil, errors.Wrap(err, "serialize task request")
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			c.sleep(c.backoff(attempt - 1))
		}

		taskIDs, err := c.postCreateTasks(ctx, body, contentType)
		if err == nil {
			c.log.WithField("task_ids", taskIDs).Info("created platform task")
			return taskIDs, nil
		}

		lastErr = err
		c.log.WithError(err).WithField("attempt", attempt+1).Warn("create task attempt failed")
	}

	return nil, fmt.Errorf("%w after %d attempts: %v", protocol.ErrCreateTaskFailed, maxRetries, lastErr)
}

func (c *Client) postCreateTasks(ctx context.Context, body []byte, contentType string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+createTasksPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var parsed createTasksResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, errors.Wrapf(err, "decode response (status %d)", resp.StatusCode)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("platform returned status %d: %s", resp.StatusCode, parsed.Error)
	}
	return parsed.Body, nil
}

// GetTaskResultsByTaskID polls the platform for worker results. It returns
// nil (no error) when the task has no results yet or the retries run out;
// the caller just polls again later.
func (c *Client) GetTaskResultsByTaskID(ctx context.Context, taskID string) []protocol.TaskResult {
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			c.sleep(c.backoff(attempt - 1))
		}

		results, err := c.getTaskResults(ctx, taskID)
		if err == nil {
			if len(results) == 0 {
				return nil
			}
			return results
		}
		c.log.WithError(err).WithFields(logrus.Fields{
			"dojo_task_id": taskID,
			"attempt":      attempt + 1,
		}).Warn("get task results attempt failed")
	}

	c.log.WithField("dojo_task_id", taskID).Error("failed to get task results after retries")
	return nil
}

func (c *Client) getTaskResults(ctx context.Context, taskID string) ([]protocol.TaskResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+taskResultPath+taskID, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("platform returned status %d", resp.StatusCode)
	}

	var parsed taskResultsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	return parsed.Body.TaskResults, nil
}

// buildCreateForm serializes the synapse into the platform's multipart form.
func (c *Client) buildCreateForm(synapse *protocol.TaskSynapse) ([]byte, string, error) {
	data := taskData{
		Prompt:   synapse.Prompt,
		TaskType: string(synapse.TaskType),
	}
	for _, completion := range synapse.CompletionResponses {
		data.Responses = append(data.Responses, taskDataResponse{
			Model:      completion.Model,
			Completion: completion.Completion,
		})
	}

	taskDataJSON, err := json.Marshal([]taskData{data})
	if err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fields := map[string]string{
		"title":      CodeGenTaskTitle,
		"body":       synapse.Prompt,
		"expireAt":   synapse.ExpireAt,
		"taskData":   string(taskDataJSON),
		"maxResults": fmt.Sprintf("%d", c.maxResults),
	}
	for name, value := range fields {
		if err := w.WriteField(name, value); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}

	return buf.Bytes(), w.FormDataContentType(), nil
}

// backoff returns base*2^attempt plus up to one second of jitter.
func (c *Client) backoff(attempt int) time.Duration {
	jitter := time.Duration(c.rng.Float64() * float64(time.Second))
	return baseDelay*(1<<uint(attempt)) + jitter
}
