package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dojo-network/feedback-subnet/pkg/metrics"
	"github.com/dojo-network/feedback-subnet/pkg/protocol"
)

const (
	defaultBatchSize = 10

	// expiredWindow is how far back the default expired-task scan reaches
	// when the caller does not pin the lower bound.
	expiredWindow = 6 * time.Hour
)

// TaskBundle is one validator task together with the per-miner views of it.
type TaskBundle struct {
	Request        *protocol.TaskSynapse
	MinerResponses []*protocol.TaskSynapse
}

// TaskBatch is one page of tasks streamed out of a window query. HasMore is
// false on the final page.
type TaskBatch struct {
	Tasks   []*TaskBundle
	HasMore bool
}

// ORM is the persistence gateway for the task lifecycle: saving fan-out
// results, scanning expiry windows, folding miner scores back in and
// flipping the processed flag.
type ORM struct {
	db           *sql.DB
	taskDeadline time.Duration
	log          *logrus.Entry
}

// NewORM wires an ORM over an open database. taskDeadline positions the
// default expired-task window relative to now.
func NewORM(db *sql.DB, taskDeadline time.Duration) *ORM {
	return &ORM{
		db:           db,
		taskDeadline: taskDeadline,
		log:          logrus.WithField("component", "orm"),
	}
}

// SaveTask persists a validator task and the miner responses that accepted
// it, all in one transaction. Miner synapses that fail validation are
// skipped; when none survive the whole save is abandoned with
// ErrInvalidTask. Duplicate miner responses for the same (task, hotkey) are
// silently ignored so retried fan-outs stay idempotent.
func (o *ORM) SaveTask(ctx context.Context, task *protocol.TaskSynapse, minerResponses []*protocol.TaskSynapse) (*protocol.TaskSynapse, error) {
	taskRow, err := MapTaskSynapseToValidatorTask(task)
	if err != nil {
		return nil, err
	}

	minerRows := make([]*MinerResponseRow, 0, len(minerResponses))
	for _, m := range minerResponses {
		row, err := MapTaskSynapseToMinerResponse(m, taskRow.ID)
		if err != nil {
			hotkey := ""
			if m.Axon != nil {
				hotkey = m.Axon.Hotkey
			}
			o.log.WithError(err).WithField("hotkey", hotkey).Debug("skipping invalid miner response")
			continue
		}
		minerRows = append(minerRows, row)
	}
	if len(minerRows) == 0 {
		return nil, fmt.Errorf("%w: no valid miner responses to save", protocol.ErrInvalidTask)
	}

	err = WithTransaction(ctx, o.db, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO validator_task (id, previous_task_id, prompt, task_type, hotkey, expire_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			taskRow.ID, taskRow.PreviousTaskID, taskRow.Prompt, taskRow.TaskType, taskRow.Hotkey, taskRow.ExpireAt,
		); err != nil {
			return errors.Wrap(err, "insert validator_task")
		}

		for _, completion := range taskRow.Completions {
			if err := insertCompletion(ctx, tx, &completion); err != nil {
				return err
			}
		}

		for _, gt := range taskRow.GroundTruths {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO ground_truth (id, validator_task_id, obfuscated_model_id, real_model_id, rank_id)
				 VALUES (?, ?, ?, ?, ?)`,
				gt.ID, gt.ValidatorTaskID, gt.ObfuscatedModelID, gt.RealModelID, gt.RankID,
			); err != nil {
				return errors.Wrap(err, "insert ground_truth")
			}
		}

		for _, miner := range minerRows {
			if _, err := tx.ExecContext(ctx,
				`INSERT IGNORE INTO miner_response (id, validator_task_id, dojo_task_id, hotkey, coldkey)
				 VALUES (?, ?, ?, ?, ?)`,
				miner.ID, miner.ValidatorTaskID, miner.DojoTaskID, miner.Hotkey, miner.Coldkey,
			); err != nil {
				return errors.Wrap(err, "insert miner_response")
			}
		}
		return nil
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("save_task").Inc()
		return nil, err
	}

	metrics.TasksSaved.Inc()
	o.log.WithFields(logrus.Fields{
		"task_id": taskRow.ID,
		"miners":  len(minerRows),
	}).Info("saved validator task")

	saved := task.Copy()
	saved.TaskID = taskRow.ID
	return saved, nil
}

func insertCompletion(ctx context.Context, tx *sql.Tx, completion *CompletionRow) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO completion (id, completion_id, validator_task_id, miner_response_id, model, completion, score, rank_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		completion.ID, completion.CompletionID, completion.ValidatorTaskID, completion.MinerResponseID,
		completion.Model, completion.Completion, completion.Score, completion.RankID,
	); err != nil {
		return errors.Wrap(err, "insert completion")
	}
	for _, criterion := range completion.Criteria {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO criterion (id, completion_id, criteria_type, config) VALUES (?, ?, ?, ?)`,
			criterion.ID, criterion.CompletionID, criterion.CriteriaType, criterion.Config,
		); err != nil {
			return errors.Wrap(err, "insert criterion")
		}
	}
	return nil
}

// GetExpiredTasks streams unprocessed tasks whose expiry falls inside
// [expireFrom, expireTo), newest first, in pages of batchSize. Nil bounds
// default to the deadline-shifted window ending at now-taskDeadline. The
// channel closes after the final page.
func (o *ORM) GetExpiredTasks(ctx context.Context, batchSize int, expireFrom, expireTo *time.Time) (<-chan TaskBatch, error) {
	if expireFrom != nil && expireTo != nil && expireFrom.After(*expireTo) {
		return nil, protocol.ErrExpiredFromAfterExpireTo
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	to := time.Now().UTC().Add(-o.taskDeadline)
	if expireTo != nil {
		to = expireTo.UTC()
	}
	from := to.Add(-expiredWindow)
	if expireFrom != nil {
		from = expireFrom.UTC()
	}
	if from.After(to) {
		return nil, protocol.ErrExpiredFromAfterExpireTo
	}

	where := `is_processed = FALSE AND expire_at >= ? AND expire_at < ?`
	args := []any{from, to}

	var total int
	var firstPage []*TaskBundle
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return o.db.QueryRowContext(gctx,
			`SELECT COUNT(*) FROM validator_task WHERE `+where, args...,
		).Scan(&total)
	})
	g.Go(func() error {
		var err error
		firstPage, err = o.loadTaskPage(gctx, where, args, batchSize, 0)
		return err
	})
	if err := g.Wait(); err != nil {
		metrics.StoreErrors.WithLabelValues("get_expired_tasks").Inc()
		return nil, errors.Wrap(err, "query expired tasks")
	}
	if total == 0 {
		return nil, protocol.ErrNoNewExpiredTasksYet
	}

	return o.streamPages(ctx, where, args, batchSize, total, firstPage), nil
}

// GetUnexpiredTasks streams unprocessed tasks that are still open and were
// issued to any of the given hotkeys. When nothing is pending it
// distinguishes "everything already processed" from "nothing ever issued".
func (o *ORM) GetUnexpiredTasks(ctx context.Context, hotkeys []string, batchSize int) (<-chan TaskBatch, error) {
	if len(hotkeys) == 0 {
		return nil, protocol.ErrNoNewUnexpiredTasksYet
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	now := time.Now().UTC()
	where := `is_processed = FALSE AND expire_at > ? AND hotkey IN (` + placeholders(len(hotkeys)) + `)`
	args := append([]any{now}, toAnySlice(hotkeys)...)

	var total int
	if err := o.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM validator_task WHERE `+where, args...,
	).Scan(&total); err != nil {
		metrics.StoreErrors.WithLabelValues("get_unexpired_tasks").Inc()
		return nil, errors.Wrap(err, "count unexpired tasks")
	}
	if total == 0 {
		var processed int
		err := o.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM validator_task
			 WHERE is_processed = TRUE AND expire_at > ? AND hotkey IN (`+placeholders(len(hotkeys))+`)`,
			args...,
		).Scan(&processed)
		if err != nil {
			metrics.StoreErrors.WithLabelValues("get_unexpired_tasks").Inc()
			return nil, errors.Wrap(err, "count processed unexpired tasks")
		}
		if processed > 0 {
			return nil, protocol.ErrUnexpiredTasksAlreadyProcessed
		}
		return nil, protocol.ErrNoNewUnexpiredTasksYet
	}

	firstPage, err := o.loadTaskPage(ctx, where, args, batchSize, 0)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("get_unexpired_tasks").Inc()
		return nil, errors.Wrap(err, "query unexpired tasks")
	}

	return o.streamPages(ctx, where, args, batchSize, total, firstPage), nil
}

// streamPages emits the prefetched first page, then keeps paging until total
// rows have been delivered or the context is cancelled.
func (o *ORM) streamPages(ctx context.Context, where string, args []any, batchSize, total int, firstPage []*TaskBundle) <-chan TaskBatch {
	out := make(chan TaskBatch)
	go func() {
		defer close(out)

		offset := 0
		page := firstPage
		for {
			hasMore := offset+len(page) < total
			select {
			case out <- TaskBatch{Tasks: page, HasMore: hasMore}:
			case <-ctx.Done():
				return
			}
			if !hasMore {
				return
			}
			offset += len(page)

			var err error
			page, err = o.loadTaskPage(ctx, where, args, batchSize, offset)
			if err != nil {
				o.log.WithError(err).Error("failed to load task page")
				return
			}
			if len(page) == 0 {
				return
			}
		}
	}()
	return out
}

// loadTaskPage loads one page of task bundles with all children attached.
func (o *ORM) loadTaskPage(ctx context.Context, where string, args []any, limit, offset int) ([]*TaskBundle, error) {
	query := `SELECT id, previous_task_id, prompt, task_type, hotkey, is_processed, expire_at, created_at, updated_at
		 FROM validator_task WHERE ` + where + `
		 ORDER BY created_at DESC LIMIT ? OFFSET ?`
	rows, err := o.db.QueryContext(ctx, query, append(append([]any{}, args...), limit, offset)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*ValidatorTaskRow
	for rows.Next() {
		var t ValidatorTaskRow
		if err := rows.Scan(&t.ID, &t.PreviousTaskID, &t.Prompt, &t.TaskType, &t.Hotkey,
			&t.IsProcessed, &t.ExpireAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		tasks = append(tasks, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}

	minerCompletions, err := o.loadChildren(ctx, tasks)
	if err != nil {
		return nil, err
	}

	bundles := make([]*TaskBundle, 0, len(tasks))
	for _, task := range tasks {
		bundle, err := o.buildBundle(task, minerCompletions)
		if err != nil {
			o.log.WithError(err).WithField("task_id", task.ID).Warn("skipping malformed task")
			continue
		}
		bundles = append(bundles, bundle)
	}
	return bundles, nil
}

// loadChildren attaches completions, criteria, ground truths and miner
// responses to the given tasks. Returned map groups miner-owned completion
// rows by miner_response_id; canonical rows land on the task directly.
func (o *ORM) loadChildren(ctx context.Context, tasks []*ValidatorTaskRow) (map[string][]CompletionRow, error) {
	byID := make(map[string]*ValidatorTaskRow, len(tasks))
	ids := make([]any, 0, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
		ids = append(ids, t.ID)
	}
	in := placeholders(len(ids))

	completionRows, err := o.db.QueryContext(ctx,
		`SELECT id, completion_id, validator_task_id, miner_response_id, model, completion, score, rank_id
		 FROM completion WHERE validator_task_id IN (`+in+`) ORDER BY created_at`, ids...)
	if err != nil {
		return nil, errors.Wrap(err, "load completions")
	}
	defer completionRows.Close()

	minerCompletions := make(map[string][]CompletionRow)
	for completionRows.Next() {
		var c CompletionRow
		if err := completionRows.Scan(&c.ID, &c.CompletionID, &c.ValidatorTaskID, &c.MinerResponseID,
			&c.Model, &c.Completion, &c.Score, &c.RankID); err != nil {
			return nil, err
		}
		if c.MinerResponseID == "" {
			task := byID[c.ValidatorTaskID]
			task.Completions = append(task.Completions, c)
		} else {
			minerCompletions[c.MinerResponseID] = append(minerCompletions[c.MinerResponseID], c)
		}
	}
	if err := completionRows.Err(); err != nil {
		return nil, err
	}

	// Index canonical rows only after every append, so the pointers survive.
	canonicalByID := make(map[string]*CompletionRow)
	for _, task := range tasks {
		for i := range task.Completions {
			canonicalByID[task.Completions[i].ID] = &task.Completions[i]
		}
	}

	if len(canonicalByID) > 0 {
		completionIDs := make([]any, 0, len(canonicalByID))
		for id := range canonicalByID {
			completionIDs = append(completionIDs, id)
		}
		criterionRows, err := o.db.QueryContext(ctx,
			`SELECT id, completion_id, criteria_type, config
			 FROM criterion WHERE completion_id IN (`+placeholders(len(completionIDs))+`)`, completionIDs...)
		if err != nil {
			return nil, errors.Wrap(err, "load criteria")
		}
		defer criterionRows.Close()
		for criterionRows.Next() {
			var cr CriterionRow
			if err := criterionRows.Scan(&cr.ID, &cr.CompletionID, &cr.CriteriaType, &cr.Config); err != nil {
				return nil, err
			}
			if completion, ok := canonicalByID[cr.CompletionID]; ok {
				completion.Criteria = append(completion.Criteria, cr)
			}
		}
		if err := criterionRows.Err(); err != nil {
			return nil, err
		}
	}

	gtRows, err := o.db.QueryContext(ctx,
		`SELECT id, validator_task_id, obfuscated_model_id, real_model_id, rank_id
		 FROM ground_truth WHERE validator_task_id IN (`+in+`)`, ids...)
	if err != nil {
		return nil, errors.Wrap(err, "load ground truths")
	}
	defer gtRows.Close()
	for gtRows.Next() {
		var gt GroundTruthRow
		if err := gtRows.Scan(&gt.ID, &gt.ValidatorTaskID, &gt.ObfuscatedModelID, &gt.RealModelID, &gt.RankID); err != nil {
			return nil, err
		}
		byID[gt.ValidatorTaskID].GroundTruths = append(byID[gt.ValidatorTaskID].GroundTruths, gt)
	}
	if err := gtRows.Err(); err != nil {
		return nil, err
	}

	minerRows, err := o.db.QueryContext(ctx,
		`SELECT id, validator_task_id, dojo_task_id, hotkey, coldkey, created_at
		 FROM miner_response WHERE validator_task_id IN (`+in+`) ORDER BY created_at`, ids...)
	if err != nil {
		return nil, errors.Wrap(err, "load miner responses")
	}
	defer minerRows.Close()
	for minerRows.Next() {
		var m MinerResponseRow
		if err := minerRows.Scan(&m.ID, &m.ValidatorTaskID, &m.DojoTaskID, &m.Hotkey, &m.Coldkey, &m.CreatedAt); err != nil {
			return nil, err
		}
		byID[m.ValidatorTaskID].MinerResponses = append(byID[m.ValidatorTaskID].MinerResponses, m)
	}
	if err := minerRows.Err(); err != nil {
		return nil, err
	}

	return minerCompletions, nil
}

func (o *ORM) buildBundle(task *ValidatorTaskRow, minerCompletions map[string][]CompletionRow) (*TaskBundle, error) {
	request, err := MapValidatorTaskToSynapse(task, false)
	if err != nil {
		return nil, err
	}

	bundle := &TaskBundle{Request: request}
	for i := range task.MinerResponses {
		miner := &task.MinerResponses[i]
		synapse, err := MapMinerResponseToSynapse(task, miner, minerCompletions[miner.ID])
		if err != nil {
			o.log.WithError(err).WithFields(logrus.Fields{
				"task_id": task.ID,
				"hotkey":  miner.Hotkey,
			}).Warn("skipping malformed miner response")
			continue
		}
		bundle.MinerResponses = append(bundle.MinerResponses, synapse)
	}
	return bundle, nil
}

// GetTaskByID loads one task bundle.
func (o *ORM) GetTaskByID(ctx context.Context, taskID string) (*TaskBundle, error) {
	bundles, err := o.loadTaskPage(ctx, `id = ?`, []any{taskID}, 1, 0)
	if err != nil {
		return nil, errors.Wrap(err, "load task")
	}
	if len(bundles) == 0 {
		return nil, sql.ErrNoRows
	}
	return bundles[0], nil
}

// GetRealModelIDs returns the obfuscated-to-real model id mapping for a task.
func (o *ORM) GetRealModelIDs(ctx context.Context, taskID string) (map[string]string, error) {
	rows, err := o.db.QueryContext(ctx,
		`SELECT obfuscated_model_id, real_model_id FROM ground_truth WHERE validator_task_id = ?`, taskID)
	if err != nil {
		return nil, errors.Wrap(err, "load real model ids")
	}
	defer rows.Close()

	mapping := make(map[string]string)
	for rows.Next() {
		var obfuscated, real string
		if err := rows.Scan(&obfuscated, &real); err != nil {
			return nil, err
		}
		mapping[obfuscated] = real
	}
	return mapping, rows.Err()
}

// UpdateMinerCompletions replaces one task's miner-owned completion rows
// with freshly scored ones, per miner, in a single transaction. Synapses
// whose hotkey has no miner_response row fail the whole update.
func (o *ORM) UpdateMinerCompletions(ctx context.Context, taskID string, minerResponses []*protocol.TaskSynapse) (bool, error) {
	err := WithTransaction(ctx, o.db, func(ctx context.Context, tx *sql.Tx) error {
		for _, synapse := range minerResponses {
			if synapse.Axon == nil || synapse.Axon.Hotkey == "" {
				return fmt.Errorf("%w: missing hotkey", protocol.ErrInvalidMinerResponse)
			}

			var minerResponseID string
			err := tx.QueryRowContext(ctx,
				`SELECT id FROM miner_response WHERE validator_task_id = ? AND hotkey = ?`,
				taskID, synapse.Axon.Hotkey,
			).Scan(&minerResponseID)
			if err == sql.ErrNoRows {
				return fmt.Errorf("%w: no miner response for hotkey %s", protocol.ErrInvalidMinerResponse, synapse.Axon.Hotkey)
			}
			if err != nil {
				return errors.Wrap(err, "find miner response")
			}

			if _, err := tx.ExecContext(ctx,
				`DELETE FROM completion WHERE miner_response_id = ?`, minerResponseID,
			); err != nil {
				return errors.Wrap(err, "delete stale miner completions")
			}

			for _, resp := range synapse.CompletionResponses {
				completion := MapCompletionToRow(resp, taskID, minerResponseID)
				if err := insertCompletion(ctx, tx, &completion); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("update_miner_completions").Inc()
		return false, err
	}
	return true, nil
}

// MarkValidatorTasksProcessed flips the processed flag on the given tasks.
func (o *ORM) MarkValidatorTasksProcessed(ctx context.Context, taskIDs []string) error {
	if len(taskIDs) == 0 {
		return nil
	}

	result, err := o.db.ExecContext(ctx,
		`UPDATE validator_task SET is_processed = TRUE WHERE id IN (`+placeholders(len(taskIDs))+`)`,
		toAnySlice(taskIDs)...)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("mark_processed").Inc()
		return errors.Wrap(err, "mark tasks processed")
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		o.log.WithField("task_ids", taskIDs).Warn("no tasks were marked processed")
		return nil
	}
	metrics.TasksProcessed.Add(float64(affected))
	return nil
}

// GetNumProcessedTasks counts tasks that finished the lifecycle.
func (o *ORM) GetNumProcessedTasks(ctx context.Context) (int, error) {
	var count int
	err := o.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM validator_task WHERE is_processed = TRUE`).Scan(&count)
	return count, errors.Wrap(err, "count processed tasks")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toAnySlice(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
