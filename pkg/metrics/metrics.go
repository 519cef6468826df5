package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Component metrics
	ComponentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zuul_components_total",
			Help: "Total number of registered components by kind and state",
		},
		[]string{"kind", "state"},
	)

	// Event queue metrics
	EventQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zuul_event_queue_depth",
			Help: "Number of unacked events per tenant queue",
		},
		[]string{"tenant", "queue"},
	)

	EventsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zuul_events_processed_total",
			Help: "Total number of events processed by queue kind",
		},
		[]string{"queue"},
	)

	// Pipeline metrics
	PipelineCurrentItems = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zuul_pipeline_current_items",
			Help: "Number of items currently in a pipeline",
		},
		[]string{"tenant", "pipeline"},
	)

	PipelineWindow = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zuul_pipeline_window",
			Help: "Current actionable window per change queue",
		},
		[]string{"tenant", "pipeline", "queue"},
	)

	ItemsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zuul_items_enqueued_total",
			Help: "Total number of items enqueued per pipeline",
		},
		[]string{"tenant", "pipeline"},
	)

	ItemsDequeued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zuul_items_dequeued_total",
			Help: "Total number of items dequeued per pipeline and result",
		},
		[]string{"tenant", "pipeline", "result"},
	)

	ItemResidenceTime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zuul_item_residence_seconds",
			Help:    "Time items spend in a pipeline from enqueue to dequeue",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
		[]string{"tenant", "pipeline"},
	)

	// Build metrics
	BuildsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zuul_builds_started_total",
			Help: "Total number of builds submitted to executors",
		},
		[]string{"tenant", "pipeline"},
	)

	BuildsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zuul_builds_completed_total",
			Help: "Total number of completed builds by result",
		},
		[]string{"tenant", "pipeline", "result"},
	)

	// Node metrics
	NodeRequestsOutstanding = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "zuul_node_requests_outstanding",
			Help: "Number of node requests awaiting fulfillment",
		},
	)

	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zuul_nodes_total",
			Help: "Total number of nodes by state",
		},
		[]string{"state"},
	)

	// Semaphore metrics
	SemaphoreHolders = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zuul_semaphore_holders",
			Help: "Current holder count per semaphore",
		},
		[]string{"tenant", "semaphore"},
	)

	// Scheduler metrics
	PipelinePassDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zuul_pipeline_pass_duration_seconds",
			Help:    "Time taken for one locked pipeline processing pass",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tenant", "pipeline"},
	)

	ReconfigurationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zuul_reconfigurations_total",
			Help: "Total number of reconfigurations by kind",
		},
		[]string{"kind"},
	)

	CleanupRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zuul_cleanup_runs_total",
			Help: "Total number of cleanup runs by job",
		},
		[]string{"job"},
	)
)

func init() {
	prometheus.MustRegister(
		ComponentsTotal,
		EventQueueDepth,
		EventsProcessed,
		PipelineCurrentItems,
		PipelineWindow,
		ItemsEnqueued,
		ItemsDequeued,
		ItemResidenceTime,
		BuildsStarted,
		BuildsCompleted,
		NodeRequestsOutstanding,
		NodesTotal,
		SemaphoreHolders,
		PipelinePassDuration,
		ReconfigurationsTotal,
		CleanupRunsTotal,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
