package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dojo-network/feedback-subnet/database"
	"github.com/dojo-network/feedback-subnet/pkg/crypto"
	"github.com/dojo-network/feedback-subnet/pkg/metrics"
	"github.com/dojo-network/feedback-subnet/pkg/protocol"
)

const (
	// monitorBatchSize is how many tasks one iteration pages at a time.
	monitorBatchSize = 10

	// iterationSleep separates consecutive monitor iterations.
	iterationSleep = 30 * time.Second
)

// Monitor is the validator's result collection loop. Every iteration it
// pages open tasks, polls each miner for worker results, folds the averaged
// scores into the miner's completion rows, and finally sweeps expired tasks
// into the processed state.
type Monitor struct {
	orm          *database.ORM
	minerClient  *MinerClient
	minerURLs    []string
	hotkey       string
	initialDelay time.Duration
	log          *logrus.Entry

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// NewMonitor creates the result monitor. initialDelay is the
// DOJO_TASK_MONITORING warmup before the first iteration.
func NewMonitor(orm *database.ORM, minerClient *MinerClient, minerURLs []string, hotkey string, initialDelay time.Duration) *Monitor {
	return &Monitor{
		orm:          orm,
		minerClient:  minerClient,
		minerURLs:    minerURLs,
		hotkey:       hotkey,
		initialDelay: initialDelay,
		log:          logrus.WithField("component", "monitor"),
	}
}

// Start launches the monitor loop.
func (m *Monitor) Start(parentCtx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("monitor is already running")
	}

	ctx, cancel := context.WithCancel(parentCtx)
	m.cancel = cancel
	m.running = true

	go m.loop(ctx)

	m.log.Info("monitor started")
	return nil
}

// Stop stops the monitor loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	m.cancel()
	m.running = false
	m.log.Info("monitor stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(m.initialDelay):
	}

	// The first iteration only pages tasks. It warms connections and
	// surfaces paging errors before any row is touched.
	warmup := true
	for {
		m.runIteration(ctx, warmup)
		warmup = false

		select {
		case <-ctx.Done():
			return
		case <-time.After(iterationSleep):
		}
	}
}

func (m *Monitor) runIteration(ctx context.Context, warmup bool) {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithField("panic", r).Error("monitor iteration panicked")
		}
	}()

	m.collectUnexpired(ctx, warmup)
	if !warmup {
		m.sweepExpired(ctx)
	}
}

// collectUnexpired polls miners for every still-open task issued by this
// validator and persists the aggregated scores.
func (m *Monitor) collectUnexpired(ctx context.Context, warmup bool) {
	batches, err := m.orm.GetUnexpiredTasks(ctx, []string{m.hotkey}, monitorBatchSize)
	if err != nil {
		switch err {
		case protocol.ErrNoNewUnexpiredTasksYet, protocol.ErrUnexpiredTasksAlreadyProcessed:
			m.log.WithError(err).Debug("nothing to monitor")
		default:
			m.log.WithError(err).Error("failed to page unexpired tasks")
		}
		return
	}

	for batch := range batches {
		for _, bundle := range batch.Tasks {
			if warmup {
				continue
			}
			m.collectTask(ctx, bundle)
		}
	}
}

// sweepExpired aggregates whatever results the miners still hold for tasks
// past their deadline, then marks those tasks processed exactly once.
func (m *Monitor) sweepExpired(ctx context.Context) {
	batches, err := m.orm.GetExpiredTasks(ctx, monitorBatchSize, nil, nil)
	if err != nil {
		if err == protocol.ErrNoNewExpiredTasksYet {
			m.log.Debug("no expired tasks to sweep")
		} else {
			m.log.WithError(err).Error("failed to page expired tasks")
		}
		return
	}

	for batch := range batches {
		processed := make([]string, 0, len(batch.Tasks))
		for _, bundle := range batch.Tasks {
			m.collectTask(ctx, bundle)
			processed = append(processed, bundle.Request.TaskID)
		}
		if err := m.orm.MarkValidatorTasksProcessed(ctx, processed); err != nil {
			m.log.WithError(err).Error("failed to mark tasks processed")
		}
	}
}

// collectTask polls every miner for one task and persists the score updates.
func (m *Monitor) collectTask(ctx context.Context, bundle *database.TaskBundle) {
	taskID := bundle.Request.TaskID

	realModelIDs, err := m.orm.GetRealModelIDs(ctx, taskID)
	if err != nil {
		m.log.WithError(err).WithField("task_id", taskID).Error("failed to load model id mapping")
		return
	}

	byHotkey := make(map[string]*protocol.TaskSynapse, len(bundle.MinerResponses))
	for _, miner := range bundle.MinerResponses {
		if miner.Axon == nil || miner.Axon.Hotkey == "" || miner.DojoTaskID == "" {
			m.log.WithField("task_id", taskID).WithError(protocol.ErrInvalidMinerResponse).Debug("skipping stored miner response")
			continue
		}
		byHotkey[miner.Axon.Hotkey] = miner
	}
	if len(byHotkey) == 0 {
		return
	}

	var updated []*protocol.TaskSynapse
	for _, minerURL := range m.minerURLs {
		synapse := m.pollMiner(ctx, minerURL, taskID, byHotkey, realModelIDs)
		if synapse != nil {
			updated = append(updated, synapse)
		}
	}
	if len(updated) == 0 {
		return
	}

	if ok, err := m.orm.UpdateMinerCompletions(ctx, taskID, updated); err != nil || !ok {
		m.log.WithError(err).WithField("task_id", taskID).Error("failed to update miner completions")
		return
	}
	m.log.WithFields(logrus.Fields{
		"task_id": taskID,
		"miners":  len(updated),
	}).Info("persisted aggregated scores")
}

// pollMiner fetches one miner's results for a task and applies the averaged
// scores to its in-memory synapse. Nil when there is nothing to persist.
func (m *Monitor) pollMiner(ctx context.Context, minerURL, taskID string, byHotkey map[string]*protocol.TaskSynapse, realModelIDs map[string]string) *protocol.TaskSynapse {
	callCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	response, err := m.minerClient.GetTaskResult(callCtx, minerURL, taskID)
	if err != nil {
		metrics.MinerPolls.WithLabelValues("error").Inc()
		m.log.WithError(err).WithFields(logrus.Fields{
			"task_id": taskID,
			"miner":   minerURL,
		}).Warn("task result poll failed")
		return nil
	}
	if len(response.TaskResults) == 0 {
		metrics.MinerPolls.WithLabelValues("empty").Inc()
		return nil
	}

	if response.Signature != "" {
		ok, err := crypto.VerifySignature(response.Hotkey, response.SignableBytes(), response.Signature)
		if err != nil || !ok {
			metrics.MinerPolls.WithLabelValues("bad_signature").Inc()
			m.log.WithError(err).WithFields(logrus.Fields{
				"task_id": taskID,
				"hotkey":  response.Hotkey,
			}).Warn("rejecting unverifiable task result response")
			return nil
		}
	}

	synapse, ok := byHotkey[response.Hotkey]
	if !ok {
		metrics.MinerPolls.WithLabelValues("unknown_hotkey").Inc()
		m.log.WithFields(logrus.Fields{
			"task_id": taskID,
			"hotkey":  response.Hotkey,
		}).Warn("results from a hotkey that never took the task")
		return nil
	}

	averages := CalculateAverages(response.TaskResults, realModelIDs)
	if len(averages) == 0 {
		metrics.MinerPolls.WithLabelValues("empty").Inc()
		return nil
	}
	metrics.MinerPolls.WithLabelValues("ok").Inc()

	applied := false
	for _, completion := range synapse.CompletionResponses {
		if score, ok := averages[completion.Model]; ok {
			s := score
			completion.Score = &s
			applied = true
		}
	}
	if !applied {
		return nil
	}
	return synapse
}

// CalculateAverages averages worker scores per model, translating obfuscated
// model ids back to real ones. Ids missing from the mapping are kept as-is.
//
// The divisor is the number of workers that reported a given criteria type,
// not the number of scores a model actually received: a worker that reports
// the type but omits a model still dilutes that model's average. Downstream
// scoring depends on this shape, so it stays.
func CalculateAverages(results []protocol.TaskResult, realModelIDs map[string]string) map[string]float64 {
	totals := make(map[protocol.CriteriaTypeEnum]map[string]float64)
	workers := make(map[protocol.CriteriaTypeEnum]int)

	for _, result := range results {
		for _, entry := range result.ResultData {
			workers[entry.Type]++
			if totals[entry.Type] == nil {
				totals[entry.Type] = make(map[string]float64)
			}
			for model, score := range entry.Value {
				real := realModelIDs[model]
				if real == "" {
					real = model
				}
				totals[entry.Type][real] += score
			}
		}
	}

	averages := make(map[string]float64)
	for criteriaType, models := range totals {
		n := workers[criteriaType]
		if n == 0 {
			continue
		}
		for model, total := range models {
			averages[model] = total / float64(n)
		}
	}
	return averages
}
