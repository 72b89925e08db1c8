package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gleaner_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	TasksCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gleaner_tasks_completed_total",
			Help: "Total number of tasks that reached completed",
		},
	)

	TasksFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gleaner_tasks_failed_total",
			Help: "Total number of tasks that reached failed",
		},
	)

	// Queue metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gleaner_jobs_total",
			Help: "Total number of queue jobs by state",
		},
		[]string{"state"},
	)

	JobRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gleaner_job_retries_total",
			Help: "Total number of job retry requeues",
		},
	)

	JobsDead = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gleaner_jobs_dead_total",
			Help: "Total number of jobs moved to the dead letter state",
		},
	)

	JobsRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gleaner_jobs_recovered_total",
			Help: "Total number of jobs requeued after a lease expired",
		},
	)

	// Ingestion metrics
	GroupsIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gleaner_groups_ingested_total",
			Help: "Total number of communities stored",
		},
	)

	PostsIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gleaner_posts_ingested_total",
			Help: "Total number of posts stored",
		},
	)

	CommentsIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gleaner_comments_ingested_total",
			Help: "Total number of comments stored",
		},
	)

	// Upstream metrics
	UpstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gleaner_upstream_requests_total",
			Help: "Total number of upstream API requests by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	UpstreamRateLimitWaits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gleaner_upstream_rate_limit_waits_total",
			Help: "Total number of rate limit cool-off waits",
		},
	)

	UpstreamRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gleaner_upstream_request_duration_seconds",
			Help:    "Upstream request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gleaner_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gleaner_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TasksCompleted)
	prometheus.MustRegister(TasksFailed)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobRetries)
	prometheus.MustRegister(JobsDead)
	prometheus.MustRegister(JobsRecovered)
	prometheus.MustRegister(GroupsIngested)
	prometheus.MustRegister(PostsIngested)
	prometheus.MustRegister(CommentsIngested)
	prometheus.MustRegister(UpstreamRequestsTotal)
	prometheus.MustRegister(UpstreamRateLimitWaits)
	prometheus.MustRegister(UpstreamRequestDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
