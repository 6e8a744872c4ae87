// Package metrics exposes process-level prometheus counters for the subnet
// services.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksSaved counts validator tasks persisted through the ORM.
	TasksSaved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "feedback_subnet",
		Name:      "tasks_saved_total",
		Help:      "Validator tasks saved to the store",
	})

	// TasksProcessed counts tasks whose processed flag was flipped.
	TasksProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "feedback_subnet",
		Name:      "tasks_processed_total",
		Help:      "Validator tasks marked as processed",
	})

	// MinerPolls counts task-result polls sent to miners, by outcome.
	MinerPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feedback_subnet",
		Name:      "miner_polls_total",
		Help:      "Task-result polls to miners",
	}, []string{"outcome"})

	// StoreErrors counts unexpected store failures, by operation.
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feedback_subnet",
		Name:      "store_errors_total",
		Help:      "Unexpected store failures",
	}, []string{"op"})

	// FeedbackRequests counts inbound feedback requests on the miner,
	// by outcome.
	FeedbackRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feedback_subnet",
		Name:      "feedback_requests_total",
		Help:      "Inbound feedback requests handled by the miner",
	}, []string{"outcome"})
)
