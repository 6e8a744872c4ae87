// Package synthetic fetches prompt/completion bundles from the model
// synthesis service. The service is an opaque collaborator: it owns prompt
// engineering, model fan-out and ground-truth construction, and this client
// only transports the result.
package synthetic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/dojo-network/feedback-subnet/pkg/protocol"
)

const qaPath = "/api/synthetic-gen"

// QA is one synthesized task: a prompt, candidate completions from several
// models, and the private ground-truth ranking over them.
type QA struct {
	Prompt      string                         `json:"prompt"`
	Responses   []*protocol.CompletionResponse `json:"responses"`
	GroundTruth map[string]int                 `json:"ground_truth"`
}

type qaEnvelope struct {
	Success bool   `json:"success"`
	Body    *QA    `json:"body"`
	Error   string `json:"error,omitempty"`
}

// Client fetches QA bundles over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a synthesis client against baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// GetQA fetches the next synthesized task. A nil QA with nil error never
// happens; failures are surfaced so the caller can skip the cycle.
func (c *Client) GetQA(ctx context.Context) (*QA, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+qaPath, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "synthetic-gen request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("synthetic-gen returned status %d", resp.StatusCode)
	}

	var envelope qaEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, errors.Wrap(err, "decode synthetic-gen response")
	}
	if !envelope.Success || envelope.Body == nil {
		return nil, fmt.Errorf("synthetic-gen failed: %s", envelope.Error)
	}
	return envelope.Body, nil
}
