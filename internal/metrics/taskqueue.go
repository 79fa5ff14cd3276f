package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TaskQueue Metrics
//
// These track the HTTP/1.1 client's generic task-queue engine: how
// many tasks each worker queue is carrying and how tasks terminate.

var (
	// TaskQueueDepth is the current running+pending task count per
	// queue. Labels: queue (queue name, e.g. "httptask-0").
	TaskQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "httpengine_taskqueue_depth",
			Help: "Current number of tasks owned by a task queue",
		},
		[]string{"queue"},
	)

	// TasksCompletedTotal counts task terminations by outcome.
	// Labels: outcome (done, cancelled, error); a task that ends with
	// an error, a timeout included, counts as error.
	TasksCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpengine_taskqueue_tasks_completed_total",
			Help: "Total number of tasks that reached a terminal state",
		},
		[]string{"outcome"},
	)
)
