package database

import (
	"database/sql"
	"time"
)

// ValidatorTaskRow mirrors one validator_task row plus its eagerly loaded
// children.
type ValidatorTaskRow struct {
	ID             string
	PreviousTaskID sql.NullString
	Prompt         string
	TaskType       string
	Hotkey         string
	IsProcessed    bool
	ExpireAt       time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time

	Completions    []CompletionRow
	GroundTruths   []GroundTruthRow
	MinerResponses []MinerResponseRow
}

// CompletionRow mirrors one completion row. MinerResponseID is empty for the
// validator's canonical completions and set for a miner's scored copy.
type CompletionRow struct {
	ID              string
	CompletionID    string
	ValidatorTaskID string
	MinerResponseID string
	Model           string
	Completion      []byte
	Score           sql.NullFloat64
	RankID          sql.NullInt64

	Criteria []CriterionRow
}

// CriterionRow mirrors one criterion row; Config is the variant-specific
// JSON payload.
type CriterionRow struct {
	ID           string
	CompletionID string
	CriteriaType string
	Config       []byte
}

// GroundTruthRow maps an obfuscated model id to the real one plus its
// private rank within the task.
type GroundTruthRow struct {
	ID                string
	ValidatorTaskID   string
	ObfuscatedModelID string
	RealModelID       string
	RankID            int
}

// MinerResponseRow records one miner's participation in a task.
type MinerResponseRow struct {
	ID              string
	ValidatorTaskID string
	DojoTaskID      string
	Hotkey          string
	Coldkey         string
	CreatedAt       time.Time
}
