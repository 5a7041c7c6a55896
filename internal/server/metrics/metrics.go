package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/systemshift/oaksearch/internal/server/events"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeRefused = "refused"
)

var queryDurationBuckets = prometheus.ExponentialBuckets(0.0005, 4, 10)

var executionDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "oaksearch_query_execution_duration_seconds",
		Help:    "Time spent planning and executing ad-hoc queries, split by outcome.",
		Buckets: queryDurationBuckets,
	},
	[]string{"outcome"},
)

var iterationDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "oaksearch_query_iteration_duration_seconds",
		Help:    "Time spent iterating query results, split by outcome.",
		Buckets: queryDurationBuckets,
	},
	[]string{"outcome"},
)

var queryRowsRead = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "oaksearch_query_rows_read_total",
		Help: "Rows read from backend cursors, including rows hidden by access control.",
	},
)

var repositoryEvents = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "oaksearch_repository_events_total",
		Help: "Repository events dispatched by the event manager, split by type.",
	},
	[]string{"type"},
)

var droppedEvents = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "oaksearch_repository_events_dropped_total",
		Help: "Repository events dropped because the event buffer was full.",
	},
)

var seededNodes = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "oaksearch_seeded_nodes_total",
		Help: "Content nodes committed by the seeder.",
	},
)

// ObserveExecution records the plan+execute phase of a query
func ObserveExecution(outcome string, d time.Duration) {
	executionDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveIteration records the result iteration phase of a query
func ObserveIteration(outcome string, d time.Duration) {
	iterationDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func AddRowsRead(n int) {
	queryRowsRead.Add(float64(n))
}

// Listener counts every event the manager dispatches
func Listener(event events.Event) {
	repositoryEvents.WithLabelValues(event.Type).Inc()
	if event.Type == events.EventContentCommitted {
		seededNodes.Add(float64(event.Count))
	}
}

// Dropped counts events the manager could not buffer
func Dropped(events.Event) {
	droppedEvents.Inc()
}
