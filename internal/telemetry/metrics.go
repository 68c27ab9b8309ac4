package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SchedulerTicks      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "automation_scheduler_ticks_total", Help: "Scheduler ticks by outcome"}, []string{"outcome"})
	SchedulerDue        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "automation_scheduler_due", Help: "Automations due in the last tick"})
	ExecutionsTotal     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "automation_executions_total", Help: "Automation executions by type and status"}, []string{"type", "status"})
	LeadsConverted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_leads_converted_total", Help: "Leads promoted to contacts"})
	LeadsSkipped        = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_leads_skipped_total", Help: "Leads skipped because a contact already existed"})
	LeadErrors          = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_lead_errors_total", Help: "Per-lead conversion errors"})
	RetriesScheduled    = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_retries_scheduled_total", Help: "Failed executions queued for retry"})
	RetriesDeadLettered = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_retries_dead_letter_total", Help: "Retries exhausted and moved to the DLQ"})
	RetryQueueDepth     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "automation_retry_queue_depth", Help: "Retries waiting in the queue"})
	LockContention      = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_lock_contention_total", Help: "Executions skipped because another run held the lock"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_rate_limit_rejects_total", Help: "Operator requests rejected by rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SchedulerTicks,
			SchedulerDue,
			ExecutionsTotal,
			LeadsConverted,
			LeadsSkipped,
			LeadErrors,
			RetriesScheduled,
			RetriesDeadLettered,
			RetryQueueDepth,
			LockContention,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
