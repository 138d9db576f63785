// Package metrics exposes Prometheus instrumentation for the delivery
// pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EmailsSent counts successful SMTP sends.
	EmailsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowmail_emails_sent_total",
		Help: "Emails accepted by an SMTP relay.",
	})

	// EmailsFailed counts terminal email job failures.
	EmailsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowmail_emails_failed_total",
		Help: "Email jobs that exhausted their attempts.",
	})

	// RateLimited counts sends deferred by the admission controller.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowmail_sends_rate_limited_total",
		Help: "Email sends deferred because the rate window was full.",
	})

	// WebhookDeliveries counts delivery attempts by outcome.
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowmail_webhook_deliveries_total",
		Help: "Webhook delivery attempts by outcome.",
	}, []string{"outcome"})

	// JobsProcessed counts queue jobs by queue name and result.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowmail_queue_jobs_processed_total",
		Help: "Jobs processed by queue and result.",
	}, []string{"queue", "result"})

	// QueueDepth tracks per-state job counts, refreshed by the
	// maintenance loop.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flowmail_queue_depth",
		Help: "Jobs currently in each queue state.",
	}, []string{"queue", "state"})

	// JobsReclaimed counts jobs taken back from dead workers.
	JobsReclaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowmail_queue_jobs_reclaimed_total",
		Help: "Jobs reclaimed after a missed visibility deadline.",
	}, []string{"queue"})
)

// Handler serves the metrics endpoint.
func Handler() http.Handler { return promhttp.Handler() }
