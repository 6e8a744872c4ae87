// Package services implements the validator's task lifecycle: synthesizing
// tasks, fanning them out to miners, monitoring worker results and folding
// aggregated scores back into the store.
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dojo-network/feedback-subnet/pkg/protocol"
)

const (
	// rpcTimeout bounds every single miner call.
	rpcTimeout = 12 * time.Second

	// fanoutBatchSize caps how many miners are called concurrently.
	fanoutBatchSize = 10

	feedbackRequestPath   = "/api/v1/feedback-request"
	taskResultRequestPath = "/api/v1/task-result-request"
)

// MinerClient is the validator-side RPC client for miner endpoints.
type MinerClient struct {
	httpClient *http.Client
	log        *logrus.Entry
}

// NewMinerClient creates a miner RPC client.
func NewMinerClient() *MinerClient {
	return &MinerClient{
		httpClient: &http.Client{Timeout: rpcTimeout},
		log:        logrus.WithField("component", "miner_client"),
	}
}

// SendFeedbackRequest hands a task to one miner and returns its response
// synapse.
func (c *MinerClient) SendFeedbackRequest(ctx context.Context, minerURL string, synapse *protocol.TaskSynapse) (*protocol.TaskSynapse, error) {
	var response protocol.TaskSynapse
	if err := c.post(ctx, minerURL+feedbackRequestPath, synapse, &response); err != nil {
		return nil, errors.Wrap(err, "feedback request")
	}
	return &response, nil
}

// GetTaskResult polls one miner for the worker results of a task.
func (c *MinerClient) GetTaskResult(ctx context.Context, minerURL, taskID string) (*protocol.TaskResultResponse, error) {
	var response protocol.TaskResultResponse
	request := protocol.TaskResultRequest{TaskID: taskID}
	if err := c.post(ctx, minerURL+taskResultRequestPath, &request, &response); err != nil {
		return nil, errors.Wrap(err, "task result request")
	}
	return &response, nil
}

// FanOutFeedback sends the task to every miner in batches, each call under
// its own timeout. Failed miners are logged and dropped; the returned slice
// holds only the responses that came back.
func (c *MinerClient) FanOutFeedback(ctx context.Context, minerURLs []string, synapse *protocol.TaskSynapse) []*protocol.TaskSynapse {
	var (
		mu        sync.Mutex
		responses []*protocol.TaskSynapse
	)

	for start := 0; start < len(minerURLs); start += fanoutBatchSize {
		end := start + fanoutBatchSize
		if end > len(minerURLs) {
			end = len(minerURLs)
		}

		var wg sync.WaitGroup
		for _, minerURL := range minerURLs[start:end] {
			wg.Add(1)
			go func(minerURL string) {
				defer wg.Done()

				callCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
				defer cancel()

				response, err := c.SendFeedbackRequest(callCtx, minerURL, synapse)
				if err != nil {
					c.log.WithError(err).WithFields(logrus.Fields{
						"task_id": synapse.TaskID,
						"miner":   minerURL,
					}).Warn("miner fan-out call failed")
					return
				}

				mu.Lock()
				responses = append(responses, response)
				mu.Unlock()
			}(minerURL)
		}
		wg.Wait()
	}

	return responses
}

func (c *MinerClient) post(ctx context.Context, url string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("miner returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
