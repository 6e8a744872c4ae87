package database

import "database/sql"

// Five related tables. A validator task owns its completions, criteria,
// ground truths and miner responses by composition: deleting the task
// cascades through every child table.
//
// Completion rows exist in two flavors distinguished by miner_response_id:
// the empty string marks the validator's canonical completions (unique per
// model within a task), a miner response id marks that miner's scored copy,
// replaced wholesale on every result poll.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS validator_task (
		id               CHAR(36)     NOT NULL,
		previous_task_id CHAR(36)     NULL,
		prompt           MEDIUMTEXT   NOT NULL,
		task_type        VARCHAR(32)  NOT NULL,
		hotkey           VARCHAR(64)  NOT NULL,
		is_processed     BOOLEAN      NOT NULL DEFAULT FALSE,
		expire_at        DATETIME(3)  NOT NULL,
		created_at       DATETIME(3)  NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
		updated_at       DATETIME(3)  NOT NULL DEFAULT CURRENT_TIMESTAMP(3) ON UPDATE CURRENT_TIMESTAMP(3),
		PRIMARY KEY (id),
		KEY idx_validator_task_window (is_processed, expire_at),
		KEY idx_validator_task_hotkey (hotkey)
	)`,

	`CREATE TABLE IF NOT EXISTS completion (
		id                CHAR(36)     NOT NULL,
		completion_id     CHAR(36)     NOT NULL,
		validator_task_id CHAR(36)     NOT NULL,
		miner_response_id CHAR(36)     NOT NULL DEFAULT '',
		model             VARCHAR(255) NOT NULL,
		completion        JSON         NOT NULL,
		score             DOUBLE       NULL,
		rank_id           INT          NULL,
		created_at        DATETIME(3)  NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
		PRIMARY KEY (id),
		UNIQUE KEY uq_completion_task_model (validator_task_id, model, miner_response_id),
		KEY idx_completion_miner_response (miner_response_id),
		CONSTRAINT fk_completion_task FOREIGN KEY (validator_task_id)
			REFERENCES validator_task (id) ON DELETE CASCADE
	)`,

	`CREATE TABLE IF NOT EXISTS criterion (
		id            CHAR(36)    NOT NULL,
		completion_id CHAR(36)    NOT NULL,
		criteria_type VARCHAR(32) NOT NULL,
		config        JSON        NOT NULL,
		PRIMARY KEY (id),
		KEY idx_criterion_completion (completion_id),
		CONSTRAINT fk_criterion_completion FOREIGN KEY (completion_id)
			REFERENCES completion (id) ON DELETE CASCADE
	)`,

	`CREATE TABLE IF NOT EXISTS ground_truth (
		id                  CHAR(36)     NOT NULL,
		validator_task_id   CHAR(36)     NOT NULL,
		obfuscated_model_id VARCHAR(255) NOT NULL,
		real_model_id       VARCHAR(255) NOT NULL,
		rank_id             INT          NOT NULL,
		PRIMARY KEY (id),
		UNIQUE KEY uq_ground_truth_model (validator_task_id, obfuscated_model_id),
		CONSTRAINT fk_ground_truth_task FOREIGN KEY (validator_task_id)
			REFERENCES validator_task (id) ON DELETE CASCADE
	)`,

	`CREATE TABLE IF NOT EXISTS miner_response (
		id                CHAR(36)    NOT NULL,
		validator_task_id CHAR(36)    NOT NULL,
		dojo_task_id      VARCHAR(64) NOT NULL,
		hotkey            VARCHAR(64) NOT NULL,
		coldkey           VARCHAR(64) NOT NULL,
		created_at        DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
		PRIMARY KEY (id),
		UNIQUE KEY uq_miner_response_hotkey (validator_task_id, hotkey),
		CONSTRAINT fk_miner_response_task FOREIGN KEY (validator_task_id)
			REFERENCES validator_task (id) ON DELETE CASCADE
	)`,
}

// ApplySchema creates the tables when they do not exist yet.
func ApplySchema(db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
