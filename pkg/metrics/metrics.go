package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry           *prometheus.Registry
	registryOnce       sync.Once
	defaultMetricsPath = "/metrics"
	metricsEnabled     = true

	// Call lifecycle metrics
	CallsInitiated  prometheus.Counter
	CallsCompleted  *prometheus.CounterVec
	ActiveCalls     prometheus.Gauge
	CallDuration    prometheus.Histogram
	WebhookEvents   *prometheus.CounterVec
	DialFailures    prometheus.Counter

	// Conversation metrics
	TurnsProcessed  prometheus.Counter
	TurnLatency     prometheus.Histogram
	TurnFallbacks   prometheus.Counter

	// Scoring metrics
	ScoringRuns   prometheus.Counter
	JudgeRequests *prometheus.CounterVec
	JudgeFailures *prometheus.CounterVec
	JudgeLatency  prometheus.Histogram

	// Bridge and observer metrics
	BridgeSessions      prometheus.Gauge
	BridgeAudioFrames   *prometheus.CounterVec
	BridgeErrors        prometheus.Counter
	ObserverConnections prometheus.Gauge
	ObserverEvents      *prometheus.CounterVec

	// Messaging metrics
	EventsPublished  *prometheus.CounterVec
	PublishFailures  prometheus.Counter
)

// Init initializes all metrics and registers them with Prometheus
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		CallsInitiated = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shopcall_calls_initiated_total",
			Help: "Total number of outbound test calls initiated",
		})

		CallsCompleted = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shopcall_calls_completed_total",
				Help: "Total number of calls that reached a terminal status",
			},
			[]string{"status"},
		)

		ActiveCalls = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shopcall_active_calls",
			Help: "Number of calls currently in a non-terminal status",
		})

		CallDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "shopcall_call_duration_seconds",
			Help:    "Duration of completed calls",
			Buckets: prometheus.ExponentialBuckets(5, 2, 8), // 5s to ~10min
		})

		WebhookEvents = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shopcall_webhook_events_total",
				Help: "Total number of telephony provider webhook events received",
			},
			[]string{"type"},
		)

		DialFailures = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shopcall_dial_failures_total",
			Help: "Total number of outbound dials rejected by the provider",
		})

		TurnsProcessed = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shopcall_turns_processed_total",
			Help: "Total number of turn-based conversation rounds processed",
		})

		TurnLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "shopcall_turn_latency_seconds",
			Help:    "Latency of turn processing including line generation",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		})

		TurnFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shopcall_turn_fallbacks_total",
			Help: "Total number of turns that fell back to an apology line",
		})

		ScoringRuns = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shopcall_scoring_runs_total",
			Help: "Total number of scoring engine runs",
		})

		JudgeRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shopcall_judge_requests_total",
				Help: "Total number of language-model judge requests",
			},
			[]string{"category"},
		)

		JudgeFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shopcall_judge_failures_total",
				Help: "Total number of judge requests recovered via fallback scores",
			},
			[]string{"category"},
		)

		JudgeLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "shopcall_judge_latency_seconds",
			Help:    "Latency of judge requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		})

		BridgeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shopcall_bridge_sessions",
			Help: "Number of active media bridge sessions",
		})

		BridgeAudioFrames = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shopcall_bridge_audio_frames_total",
				Help: "Total number of audio frames relayed by the media bridge",
			},
			[]string{"direction"},
		)

		BridgeErrors = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shopcall_bridge_errors_total",
			Help: "Total number of speech-session failures in the media bridge",
		})

		ObserverConnections = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shopcall_observer_connections",
			Help: "Number of attached observer connections",
		})

		ObserverEvents = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shopcall_observer_events_total",
				Help: "Total number of events delivered to observers",
			},
			[]string{"type"},
		)

		EventsPublished = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shopcall_events_published_total",
				Help: "Total number of call events published to the message queue",
			},
			[]string{"event"},
		)

		PublishFailures = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shopcall_publish_failures_total",
			Help: "Total number of failed message queue publishes",
		})

		registry.MustRegister(
			CallsInitiated,
			CallsCompleted,
			ActiveCalls,
			CallDuration,
			WebhookEvents,
			DialFailures,
			TurnsProcessed,
			TurnLatency,
			TurnFallbacks,
			ScoringRuns,
			JudgeRequests,
			JudgeFailures,
			JudgeLatency,
			BridgeSessions,
			BridgeAudioFrames,
			BridgeErrors,
			ObserverConnections,
			ObserverEvents,
			EventsPublished,
			PublishFailures,
		)

		logger.Info("Prometheus metrics initialized")
	})
}

// GetRegistry returns the prometheus registry
func GetRegistry() *prometheus.Registry {
	return registry
}

// SetMetricsPath sets the HTTP path for metrics endpoint
func SetMetricsPath(path string) {
	defaultMetricsPath = path
}

// EnableMetrics enables or disables metrics collection
func EnableMetrics(enabled bool) {
	metricsEnabled = enabled
}

// IsMetricsEnabled returns whether metrics are enabled and initialized
func IsMetricsEnabled() bool {
	return metricsEnabled && registry != nil
}

// RegisterHandler registers the metrics HTTP handler
func RegisterHandler(mux *http.ServeMux) {
	if metricsEnabled && registry != nil {
		handler := promhttp.HandlerFor(
			registry,
			promhttp.HandlerOpts{
				EnableOpenMetrics: true,
				Registry:          registry,
			},
		)
		mux.Handle(defaultMetricsPath, handler)
	}
}
