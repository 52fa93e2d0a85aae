package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"MailPacer/internal/models"
)

var (
	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_sent_total",
			Help: "Total emails sent",
		},
	)

	EmailFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "email_failures_total",
			Help: "Total emails that failed for good, by error code",
		},
		[]string{"code"},
	)

	EmailRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_retries_total",
			Help: "Total send attempts rescheduled after a transient failure",
		},
	)

	JobsEnqueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total jobs accepted into the queue",
		},
	)

	JobsStalled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_stalled_total",
			Help: "Total jobs failed after their lease expired past the redelivery limit",
		},
	)

	SendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "email_send_duration_seconds",
			Help:    "Time spent in the SMTP transport per attempt",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"account"},
	)

	QueueJobs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_jobs",
			Help: "Jobs per state as of the last stats call",
		},
		[]string{"state"},
	)
)

func Init() {
	prometheus.MustRegister(EmailsSent)
	prometheus.MustRegister(EmailFailures)
	prometheus.MustRegister(EmailRetries)
	prometheus.MustRegister(JobsEnqueued)
	prometheus.MustRegister(JobsStalled)
	prometheus.MustRegister(SendDuration)
	prometheus.MustRegister(QueueJobs)
}

// ObserveQueue sets the queue_jobs gauge from a stats snapshot.
func ObserveQueue(c models.QueueCounts) {
	QueueJobs.WithLabelValues(string(models.JobWaiting)).Set(float64(c.Waiting))
	QueueJobs.WithLabelValues(string(models.JobDelayed)).Set(float64(c.Delayed))
	QueueJobs.WithLabelValues(string(models.JobActive)).Set(float64(c.Active))
	QueueJobs.WithLabelValues(string(models.JobCompleted)).Set(float64(c.Completed))
	QueueJobs.WithLabelValues(string(models.JobFailed)).Set(float64(c.Failed))
	QueueJobs.WithLabelValues(string(models.JobCancelled)).Set(float64(c.Cancelled))
}
