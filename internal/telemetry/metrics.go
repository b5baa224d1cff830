package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the voice agent.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ActiveCalls        prometheus.Gauge
	CallOutcomes       *prometheus.CounterVec
	AudioFrames        *prometheus.CounterVec
	AudioSessions      *prometheus.CounterVec
	RealtimeReconnects prometheus.Counter
	RetryDecisions     *prometheus.CounterVec
	TasksDispatched    *prometheus.CounterVec
}

// NewMetrics creates the collectors in a dedicated registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voiceagent"
	}

	registry := prometheus.NewRegistry()

	activeCalls := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_calls",
		Help:      "Call attempts currently admitted",
	})

	callOutcomes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_outcomes_total",
			Help:      "Terminal call attempt statuses",
		},
		[]string{"status"},
	)

	audioFrames := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_sent_total",
			Help:      "Audio frames sent to the PBX",
		},
		[]string{"kind"},
	)

	audioSessions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_sessions_total",
			Help:      "Audio bridge sessions by result",
		},
		[]string{"result"},
	)

	realtimeReconnects := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "realtime_reconnects_total",
		Help:      "Reconnections of the realtime speech session",
	})

	retryDecisions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_decisions_total",
			Help:      "Retry scheduler decisions",
		},
		[]string{"decision"},
	)

	tasksDispatched := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_dispatched_total",
			Help:      "Task scheduler dispatch results",
		},
		[]string{"result"},
	)

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		activeCalls,
		callOutcomes,
		audioFrames,
		audioSessions,
		realtimeReconnects,
		retryDecisions,
		tasksDispatched,
	)

	return &Metrics{
		registry:           registry,
		ActiveCalls:        activeCalls,
		CallOutcomes:       callOutcomes,
		AudioFrames:        audioFrames,
		AudioSessions:      audioSessions,
		RealtimeReconnects: realtimeReconnects,
		RetryDecisions:     retryDecisions,
		TasksDispatched:    tasksDispatched,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetActiveCalls records the admission set size.
func (m *Metrics) SetActiveCalls(n int) {
	if m == nil {
		return
	}
	m.ActiveCalls.Set(float64(n))
}

// RecordCallOutcome counts a terminal status.
func (m *Metrics) RecordCallOutcome(status string) {
	if m == nil {
		return
	}
	m.CallOutcomes.WithLabelValues(status).Inc()
}

// RecordFrame counts one outbound audio frame.
func (m *Metrics) RecordFrame(silence bool) {
	if m == nil {
		return
	}
	kind := "audio"
	if silence {
		kind = "silence"
	}
	m.AudioFrames.WithLabelValues(kind).Inc()
}

// RecordAudioSession counts a finished bridge session.
func (m *Metrics) RecordAudioSession(result string) {
	if m == nil {
		return
	}
	m.AudioSessions.WithLabelValues(result).Inc()
}

// RecordRealtimeReconnect counts a realtime reconnection.
func (m *Metrics) RecordRealtimeReconnect() {
	if m == nil {
		return
	}
	m.RealtimeReconnects.Inc()
}

// RecordRetryDecision counts a retry scheduler outcome.
func (m *Metrics) RecordRetryDecision(decision string) {
	if m == nil {
		return
	}
	m.RetryDecisions.WithLabelValues(decision).Inc()
}

// RecordDispatch counts a task scheduler result.
func (m *Metrics) RecordDispatch(result string) {
	if m == nil {
		return
	}
	m.TasksDispatched.WithLabelValues(result).Inc()
}
