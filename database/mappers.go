package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dojo-network/feedback-subnet/pkg/protocol"
)

// MapTaskSynapseToValidatorTask maps a wire task to a validator_task row
// with nested completion, criterion and ground-truth rows. The task id is
// taken from the synapse so retries collide on the primary key instead of
// duplicating the task.
func MapTaskSynapseToValidatorTask(synapse *protocol.TaskSynapse) (*ValidatorTaskRow, error) {
	if synapse.Dendrite == nil || synapse.Dendrite.Hotkey == "" {
		return nil, fmt.Errorf("%w: validator hotkey is required", protocol.ErrInvalidValidatorRequest)
	}
	if synapse.ExpireAt == "" {
		return nil, fmt.Errorf("%w: expire_at is required", protocol.ErrInvalidValidatorRequest)
	}
	expireAt := synapse.ExpireTime()
	if expireAt.IsZero() {
		return nil, fmt.Errorf("%w: expire_at %q is not ISO-8601", protocol.ErrInvalidValidatorRequest, synapse.ExpireAt)
	}
	if !expireAt.After(time.Now().UTC()) {
		return nil, fmt.Errorf("%w: expire_at must be in the future", protocol.ErrInvalidValidatorRequest)
	}

	taskID := synapse.TaskID
	if taskID == "" {
		taskID = uuid.New().String()
	}

	row := &ValidatorTaskRow{
		ID:       taskID,
		Prompt:   synapse.Prompt,
		TaskType: string(synapse.TaskType),
		Hotkey:   synapse.Dendrite.Hotkey,
		ExpireAt: expireAt,
	}
	if synapse.PreviousTaskID != "" {
		row.PreviousTaskID = sql.NullString{String: synapse.PreviousTaskID, Valid: true}
	}

	for _, resp := range synapse.CompletionResponses {
		completion := MapCompletionToRow(resp, taskID, "")
		for _, criteria := range synapse.CriteriaTypes {
			config, err := criteria.MarshalConfig()
			if err != nil {
				return nil, err
			}
			completion.Criteria = append(completion.Criteria, CriterionRow{
				ID:           uuid.New().String(),
				CompletionID: completion.ID,
				CriteriaType: string(criteria.Type),
				Config:       config,
			})
		}
		row.Completions = append(row.Completions, completion)
	}

	for modelID, rankID := range synapse.GroundTruth {
		row.GroundTruths = append(row.GroundTruths, GroundTruthRow{
			ID:                uuid.New().String(),
			ValidatorTaskID:   taskID,
			ObfuscatedModelID: modelID,
			RealModelID:       modelID,
			RankID:            rankID,
		})
	}

	return row, nil
}

// MapTaskSynapseToMinerResponse maps a miner's synapse to a miner_response
// row under the given parent task.
func MapTaskSynapseToMinerResponse(synapse *protocol.TaskSynapse, validatorTaskID string) (*MinerResponseRow, error) {
	if synapse.Axon == nil || synapse.Axon.Hotkey == "" {
		return nil, fmt.Errorf("%w: miner hotkey is required", protocol.ErrInvalidMinerResponse)
	}
	if synapse.Axon.Coldkey == "" {
		return nil, fmt.Errorf("%w: miner coldkey is required", protocol.ErrInvalidMinerResponse)
	}
	if synapse.DojoTaskID == "" {
		return nil, fmt.Errorf("%w: dojo task id is required", protocol.ErrInvalidMinerResponse)
	}

	return &MinerResponseRow{
		ID:              uuid.New().String(),
		ValidatorTaskID: validatorTaskID,
		DojoTaskID:      synapse.DojoTaskID,
		Hotkey:          synapse.Axon.Hotkey,
		Coldkey:         synapse.Axon.Coldkey,
	}, nil
}

// MapCompletionToRow maps one completion response to a row. An empty
// minerResponseID marks the validator's canonical copy.
func MapCompletionToRow(resp *protocol.CompletionResponse, validatorTaskID, minerResponseID string) CompletionRow {
	completionID := resp.CompletionID
	if completionID == "" {
		completionID = uuid.New().String()
	}

	row := CompletionRow{
		ID:              uuid.New().String(),
		CompletionID:    completionID,
		ValidatorTaskID: validatorTaskID,
		MinerResponseID: minerResponseID,
		Model:           resp.Model,
		Completion:      append([]byte(nil), resp.Completion...),
	}
	if row.Completion == nil {
		row.Completion = []byte("{}")
	}
	if resp.Score != nil {
		row.Score = sql.NullFloat64{Float64: *resp.Score, Valid: true}
	}
	if resp.RankID != nil {
		row.RankID = sql.NullInt64{Int64: int64(*resp.RankID), Valid: true}
	}
	return row
}

// MapValidatorTaskToSynapse reconstructs the wire task from a loaded row.
// With isMiner the hotkey is tagged as axon (the serving peer), otherwise as
// dendrite; ground truth is only attached on the validator view.
func MapValidatorTaskToSynapse(row *ValidatorTaskRow, isMiner bool) (*protocol.TaskSynapse, error) {
	if len(row.Completions) == 0 {
		return nil, protocol.ErrInvalidCompletion
	}

	criteriaTypes, err := criteriaFromCompletion(&row.Completions[0])
	if err != nil {
		return nil, err
	}

	synapse := &protocol.TaskSynapse{
		TaskID:              row.ID,
		PreviousTaskID:      row.PreviousTaskID.String,
		Prompt:              row.Prompt,
		TaskType:            protocol.TaskType(row.TaskType),
		ExpireAt:            row.ExpireAt.UTC().Format(time.RFC3339),
		CriteriaTypes:       criteriaTypes,
		CompletionResponses: completionsToResponses(row.Completions),
	}

	if isMiner {
		synapse.Axon = &protocol.TerminalInfo{Hotkey: row.Hotkey}
	} else {
		synapse.Dendrite = &protocol.TerminalInfo{Hotkey: row.Hotkey}
		synapse.GroundTruth = make(map[string]int, len(row.GroundTruths))
		for _, gt := range row.GroundTruths {
			synapse.GroundTruth[gt.ObfuscatedModelID] = gt.RankID
		}
	}

	return synapse, nil
}

// MapMinerResponseToSynapse builds the miner-side view of a task: the parent
// task's content, tagged with the miner's identity and platform task id.
// completions holds that miner's scored rows; when the miner has not
// reported yet the validator's canonical completions are carried instead.
func MapMinerResponseToSynapse(task *ValidatorTaskRow, miner *MinerResponseRow, completions []CompletionRow) (*protocol.TaskSynapse, error) {
	source := completions
	if len(source) == 0 {
		source = task.Completions
	}
	if len(source) == 0 {
		return nil, protocol.ErrInvalidCompletion
	}

	criteriaTypes, err := criteriaFromCompletion(&task.Completions[0])
	if err != nil {
		return nil, err
	}

	return &protocol.TaskSynapse{
		TaskID:              task.ID,
		Prompt:              task.Prompt,
		TaskType:            protocol.TaskType(task.TaskType),
		ExpireAt:            task.ExpireAt.UTC().Format(time.RFC3339),
		CriteriaTypes:       criteriaTypes,
		CompletionResponses: completionsToResponses(source),
		DojoTaskID:          miner.DojoTaskID,
		Axon: &protocol.TerminalInfo{
			Hotkey:  miner.Hotkey,
			Coldkey: miner.Coldkey,
		},
	}, nil
}

func criteriaFromCompletion(completion *CompletionRow) ([]protocol.CriteriaType, error) {
	criteriaTypes := make([]protocol.CriteriaType, 0, len(completion.Criteria))
	for _, criterion := range completion.Criteria {
		criteria, err := protocol.UnmarshalCriteria(criterion.CriteriaType, criterion.Config)
		if err != nil {
			return nil, err
		}
		criteriaTypes = append(criteriaTypes, criteria)
	}
	return criteriaTypes, nil
}

func completionsToResponses(rows []CompletionRow) []*protocol.CompletionResponse {
	responses := make([]*protocol.CompletionResponse, 0, len(rows))
	for _, row := range rows {
		resp := &protocol.CompletionResponse{
			CompletionID: row.CompletionID,
			Model:        row.Model,
			Completion:   json.RawMessage(append([]byte(nil), row.Completion...)),
		}
		if row.Score.Valid {
			score := row.Score.Float64
			resp.Score = &score
		}
		if row.RankID.Valid {
			rank := int(row.RankID.Int64)
			resp.RankID = &rank
		}
		responses = append(responses, resp)
	}
	return responses
}
