// Package protocol defines the wire types exchanged between validators,
// miners and the external worker platform.
//
// A validator synthesizes a TaskSynapse (prompt + candidate completions +
// private ground truth), fans it out to miners as a feedback request, and
// later polls each miner with a TaskResultRequest. Miners answer with
// TaskResult entries aggregated from their human workers.
package protocol

import (
	"encoding/json"
	"time"
)

// TaskType represents the kind of task a validator hands to miners.
type TaskType string

const (
	TaskTypeCodeGeneration TaskType = "CODE_GENERATION"
	TaskTypeDialogue       TaskType = "DIALOGUE"
	TaskType3DGeneration   TaskType = "3D_GENERATION"
)

// TaskResultStatus is the platform-side completion status of a worker result.
type TaskResultStatus string

const (
	TaskResultCompleted TaskResultStatus = "COMPLETED"
	TaskResultFailed    TaskResultStatus = "FAILED"
)

// TerminalInfo identifies one end of a peer-to-peer exchange. Axon is the
// serving side (miner), dendrite the calling side (validator).
type TerminalInfo struct {
	Hotkey  string `json:"hotkey,omitempty"`
	Coldkey string `json:"coldkey,omitempty"`
	IP      string `json:"ip,omitempty"`
	Port    int    `json:"port,omitempty"`
}

// FileObject is a single generated source file inside a completion.
type FileObject struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
	Language string `json:"language,omitempty"`
}

// CodeAnswer is the typed view of a code-generation completion payload.
// Completions travel and persist as opaque JSON; callers that need the file
// list (obfuscation, the ingress API) decode into this shape.
type CodeAnswer struct {
	Files []FileObject `json:"files"`
}

// CompletionResponse is one candidate answer for a prompt, produced by a
// named model. Score and RankID are filled in during aggregation.
type CompletionResponse struct {
	CompletionID string          `json:"completion_id"`
	Model        string          `json:"model"`
	Completion   json.RawMessage `json:"completion"`
	Score        *float64        `json:"score,omitempty"`
	RankID       *int            `json:"rank_id,omitempty"`
}

// TaskSynapse is the feedback request that flows validator -> miner and back.
//
// GroundTruth maps obfuscated model ids to their private rank and must never
// leave the validator: miners scrub it before responding.
type TaskSynapse struct {
	TaskID              string                `json:"task_id"`
	PreviousTaskID      string                `json:"previous_task_id,omitempty"`
	Prompt              string                `json:"prompt"`
	TaskType            TaskType              `json:"task_type"`
	ExpireAt            string                `json:"expire_at"` // ISO-8601
	CriteriaTypes       []CriteriaType        `json:"criteria_types,omitempty"`
	CompletionResponses []*CompletionResponse `json:"completion_responses,omitempty"`
	GroundTruth         map[string]int        `json:"ground_truth,omitempty"`
	DojoTaskID          string                `json:"dojo_task_id,omitempty"`
	Axon                *TerminalInfo         `json:"axon,omitempty"`
	Dendrite            *TerminalInfo         `json:"dendrite,omitempty"`
}

// Copy returns a deep copy of the synapse. Miners cache a copy with the
// completion payloads stripped, so mutations on the live request never leak
// into the cache.
func (s *TaskSynapse) Copy() *TaskSynapse {
	out := *s

	if s.CriteriaTypes != nil {
		out.CriteriaTypes = make([]CriteriaType, len(s.CriteriaTypes))
		for i, c := range s.CriteriaTypes {
			out.CriteriaTypes[i] = c.copy()
		}
	}

	if s.CompletionResponses != nil {
		out.CompletionResponses = make([]*CompletionResponse, len(s.CompletionResponses))
		for i, r := range s.CompletionResponses {
			cr := *r
			cr.Completion = append(json.RawMessage(nil), r.Completion...)
			if r.Score != nil {
				v := *r.Score
				cr.Score = &v
			}
			if r.RankID != nil {
				v := *r.RankID
				cr.RankID = &v
			}
			out.CompletionResponses[i] = &cr
		}
	}

	if s.GroundTruth != nil {
		out.GroundTruth = make(map[string]int, len(s.GroundTruth))
		for k, v := range s.GroundTruth {
			out.GroundTruth[k] = v
		}
	}

	if s.Axon != nil {
		a := *s.Axon
		out.Axon = &a
	}
	if s.Dendrite != nil {
		d := *s.Dendrite
		out.Dendrite = &d
	}

	return &out
}

// ExpireTime parses the ISO-8601 expiry. Zero time when unset or malformed.
func (s *TaskSynapse) ExpireTime() time.Time {
	if s.ExpireAt == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s.ExpireAt)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// Result is one judgement a worker made: a criteria type plus a
// model id -> score-or-rank map.
type Result struct {
	Type  CriteriaTypeEnum   `json:"type"`
	Value map[string]float64 `json:"value"`
}

// TaskResult is one worker's aggregated answer for a platform task.
// TaskResults are transient: they flow through aggregation and are never
// stored.
type TaskResult struct {
	ID         string           `json:"id"`
	Status     TaskResultStatus `json:"status"`
	CreatedAt  string           `json:"created_at,omitempty"`
	UpdatedAt  string           `json:"updated_at,omitempty"`
	WorkerID   string           `json:"worker_id"`
	TaskID     string           `json:"task_id"`
	ResultData []Result         `json:"result_data"`
}

// TaskResultRequest polls a miner for the worker results of a task.
type TaskResultRequest struct {
	TaskID string `json:"task_id"`
}

// TaskResultResponse carries the miner's results back to the validator.
// Hotkey and Signature authenticate the payload (see pkg/crypto).
type TaskResultResponse struct {
	TaskID      string       `json:"task_id"`
	TaskResults []TaskResult `json:"task_results"`
	Hotkey      string       `json:"hotkey,omitempty"`
	Signature   string       `json:"signature,omitempty"`
}

// SignableBytes returns the canonical byte form covered by Signature.
func (r *TaskResultResponse) SignableBytes() []byte {
	unsigned := TaskResultResponse{
		TaskID:      r.TaskID,
		TaskResults: r.TaskResults,
		Hotkey:      r.Hotkey,
	}
	b, _ := json.Marshal(unsigned)
	return b
}
