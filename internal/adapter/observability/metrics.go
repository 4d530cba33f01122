package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsEnqueued counts jobs accepted by kind.
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_jobs_enqueued_total",
		Help: "Jobs accepted for processing.",
	}, []string{"kind"})

	// JobsFinished counts terminal job transitions.
	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_jobs_finished_total",
		Help: "Jobs reaching a terminal status.",
	}, []string{"status"})

	// TasksDispatched counts envelopes emitted to workers per account.
	TasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_tasks_dispatched_total",
		Help: "Task envelopes sent to worker queues.",
	}, []string{"account"})

	// TaskResults counts worker results by outcome.
	TaskResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_task_results_total",
		Help: "Task results drained by the dispatcher.",
	}, []string{"outcome"})

	// LeasesReclaimed counts expired leases returned to the queue.
	LeasesReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_leases_reclaimed_total",
		Help: "Tasks returned to queued after lease expiry.",
	})

	// RateLimitRejections counts 429s at the HTTP edge.
	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_rate_limit_rejections_total",
		Help: "Requests rejected by the tenant RPM limiter.",
	}, []string{"endpoint"})

	// QuotaRejections counts pull requests refused on daily message quota.
	QuotaRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_quota_rejections_total",
		Help: "Send pulls refused because the daily quota is spent.",
	})

	// AccountInflight tracks router inflight per account.
	AccountInflight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_account_inflight",
		Help: "Tasks currently at workers per account.",
	}, []string{"account"})
)
