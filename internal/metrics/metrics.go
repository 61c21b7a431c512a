package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	// Store write kinds.
	WritePut    = "put"
	WriteQuiet  = "put_quiet"
	WriteRemove = "remove"

	// Loader outcomes.
	LoadHit      = "hit"
	LoadLoaded   = "loaded"
	LoadNotFound = "not_found"
	LoadFailed   = "failed"

	// Evaluation outcomes.
	EvalUpdated   = "updated"
	EvalUnchanged = "unchanged"
	EvalSkipped   = "skipped"
	EvalFailed    = "failed"
)

var (
	namespace = "wisefido"
	subsystem = "tagcache"

	storeWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "store_writes_total",
			Help:      "Total number of store writes by store and kind",
		},
		[]string{"store", "kind"},
	)

	loaderResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "store_lookups_total",
			Help:      "Total number of store lookups by store and outcome",
		},
		[]string{"store", "outcome"},
	)

	listenerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "listener_failures_total",
			Help:      "Total number of listener callbacks that returned an error or panicked",
		},
		[]string{"registry", "listener"},
	)

	listenerQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "listener_queue_depth",
			Help:      "Number of events waiting in a listener queue",
		},
		[]string{"registry", "listener"},
	)

	alarmEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "alarm_evaluations_total",
			Help:      "Total number of alarm evaluations by outcome",
		},
		[]string{"outcome"},
	)

	oscillationTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "oscillation_transitions_total",
			Help:      "Total number of alarms entering or leaving oscillation",
		},
		[]string{"transition"},
	)

	lifecycleStates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "alarm_state_entries_total",
			Help:      "Total number of alarm lifecycle state entries",
		},
		[]string{"state"},
	)

	evaluationTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tag_evaluation_duration_seconds",
			Help:      "Duration of the evaluation of all alarms of one tag",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"result"},
	)
)

// SetupMetricsEndpoint starts an HTTP server exposing /metrics.
func SetupMetricsEndpoint(addr string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics endpoint stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()

	return server
}

// RecordStoreWrite counts one write of the given kind.
func RecordStoreWrite(store, kind string) {
	storeWrites.WithLabelValues(store, kind).Inc()
}

// RecordLookup counts one lookup outcome.
func RecordLookup(store, outcome string) {
	loaderResults.WithLabelValues(store, outcome).Inc()
}

// IncListenerFailure counts a failed listener callback.
func IncListenerFailure(registry, listener string) {
	listenerFailures.WithLabelValues(registry, listener).Inc()
}

// SetListenerQueueDepth reports the number of queued events of a listener.
func SetListenerQueueDepth(registry, listener string, depth int) {
	listenerQueueDepth.WithLabelValues(registry, listener).Set(float64(depth))
}

// RecordEvaluation counts one alarm evaluation outcome.
func RecordEvaluation(outcome string) {
	alarmEvaluations.WithLabelValues(outcome).Inc()
}

// RecordOscillation counts an oscillation start ("start") or stop ("stop").
func RecordOscillation(transition string) {
	oscillationTransitions.WithLabelValues(transition).Inc()
}

// RecordStateEntry counts entries into an alarm lifecycle state.
func RecordStateEntry(state string) {
	lifecycleStates.WithLabelValues(state).Inc()
}

// ObserveEvaluationTime records how long the evaluation of one tag took.
func ObserveEvaluationTime(result string, duration time.Duration) {
	evaluationTime.WithLabelValues(result).Observe(duration.Seconds())
}
