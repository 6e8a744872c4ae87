package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dojo-network/feedback-subnet/database"
	"github.com/dojo-network/feedback-subnet/pkg/obfuscation"
	"github.com/dojo-network/feedback-subnet/pkg/protocol"
	"github.com/dojo-network/feedback-subnet/pkg/synthetic"
)

const obfuscationTimeout = 30 * time.Second

// TaskService synthesizes tasks and runs the fan-out: build the synapse,
// hide which model produced what, hand it to the miners and persist the
// accepted responses.
type TaskService struct {
	orm             *database.ORM
	syntheticClient *synthetic.Client
	minerClient     *MinerClient
	minerURLs       []string
	obfuscator      *obfuscation.Obfuscator
	taskDeadline    time.Duration
	hotkey          string
	log             *logrus.Entry
}

// NewTaskService wires the task pipeline. syntheticClient may be nil when
// tasks only arrive through the ingress API.
func NewTaskService(orm *database.ORM, syntheticClient *synthetic.Client, minerClient *MinerClient, minerURLs []string, taskDeadline time.Duration, hotkey string) *TaskService {
	return &TaskService{
		orm:             orm,
		syntheticClient: syntheticClient,
		minerClient:     minerClient,
		minerURLs:       minerURLs,
		obfuscator:      obfuscation.New(nil),
		taskDeadline:    taskDeadline,
		hotkey:          hotkey,
		log:             logrus.WithField("component", "task_service"),
	}
}

// CreateSyntheticTask pulls one QA bundle from the synthesis service, turns
// it into a feedback request, fans it out and saves the result.
func (s *TaskService) CreateSyntheticTask(ctx context.Context) (*protocol.TaskSynapse, error) {
	if s.syntheticClient == nil {
		return nil, fmt.Errorf("no synthetic source configured")
	}

	qa, err := s.syntheticClient.GetQA(ctx)
	if err != nil {
		return nil, err
	}

	synapse, err := s.buildSynapse(qa.Prompt, protocol.TaskTypeCodeGeneration, qa.Responses, qa.GroundTruth)
	if err != nil {
		return nil, err
	}
	return s.SendTask(ctx, synapse)
}

// BuildFeedbackRequest validates raw task inputs into a synapse ready for
// fan-out. Used by the ingress API.
func (s *TaskService) BuildFeedbackRequest(prompt string, taskType protocol.TaskType, responses []*protocol.CompletionResponse, groundTruth map[string]int) (*protocol.TaskSynapse, error) {
	return s.buildSynapse(prompt, taskType, responses, groundTruth)
}

func (s *TaskService) buildSynapse(prompt string, taskType protocol.TaskType, responses []*protocol.CompletionResponse, groundTruth map[string]int) (*protocol.TaskSynapse, error) {
	if prompt == "" {
		return nil, fmt.Errorf("%w: prompt is required", protocol.ErrInvalidTask)
	}
	if len(responses) == 0 {
		return nil, fmt.Errorf("%w: at least one completion is required", protocol.ErrInvalidTask)
	}

	responses = dedupeModels(responses)
	models := make([]string, 0, len(responses))
	for _, r := range responses {
		if r.CompletionID == "" {
			r.CompletionID = uuid.New().String()
		}
		models = append(models, r.Model)
	}

	synapse := &protocol.TaskSynapse{
		TaskID:   uuid.New().String(),
		Prompt:   prompt,
		TaskType: taskType,
		ExpireAt: time.Now().UTC().Add(s.taskDeadline).Format(time.RFC3339),
		CriteriaTypes: []protocol.CriteriaType{{
			Type:    protocol.CriteriaMultiScore,
			Options: models,
			Min:     1,
			Max:     100,
		}},
		CompletionResponses: responses,
		GroundTruth:         groundTruth,
		Dendrite:            &protocol.TerminalInfo{Hotkey: s.hotkey},
	}

	s.obfuscateHTMLFiles(synapse)
	return synapse, nil
}

// SendTask fans a built synapse out to the miners and persists the task with
// the responses that accepted it.
func (s *TaskService) SendTask(ctx context.Context, synapse *protocol.TaskSynapse) (*protocol.TaskSynapse, error) {
	responses := s.minerClient.FanOutFeedback(ctx, s.minerURLs, synapse)

	accepted := make([]*protocol.TaskSynapse, 0, len(responses))
	for _, response := range responses {
		if response.DojoTaskID == "" || response.Axon == nil {
			continue
		}
		accepted = append(accepted, response)
	}
	s.log.WithFields(logrus.Fields{
		"task_id":  synapse.TaskID,
		"miners":   len(s.minerURLs),
		"accepted": len(accepted),
	}).Info("fan-out complete")

	return s.orm.SaveTask(ctx, synapse, accepted)
}

// obfuscateHTMLFiles rewrites every .html file payload so workers cannot
// recognize a model by its markup style. Non-file completions pass through
// untouched.
func (s *TaskService) obfuscateHTMLFiles(synapse *protocol.TaskSynapse) {
	for _, response := range synapse.CompletionResponses {
		var answer protocol.CodeAnswer
		if err := json.Unmarshal(response.Completion, &answer); err != nil || len(answer.Files) == 0 {
			continue
		}

		changed := false
		for i, file := range answer.Files {
			if !strings.HasSuffix(file.Filename, ".html") {
				continue
			}
			answer.Files[i].Content = s.obfuscator.ObfuscateWithTimeout(file.Content, obfuscationTimeout)
			changed = true
		}
		if !changed {
			continue
		}

		encoded, err := json.Marshal(answer)
		if err != nil {
			s.log.WithError(err).WithField("model", response.Model).Warn("failed to re-encode obfuscated completion")
			continue
		}
		response.Completion = encoded
	}
}

// dedupeModels renames duplicate model ids so the scoring map stays keyed
// uniquely.
func dedupeModels(responses []*protocol.CompletionResponse) []*protocol.CompletionResponse {
	seen := make(map[string]bool, len(responses))
	for _, r := range responses {
		if seen[r.Model] {
			r.Model = fmt.Sprintf("%s_%s", r.Model, uuid.New().String()[:8])
		}
		seen[r.Model] = true
	}
	return responses
}
