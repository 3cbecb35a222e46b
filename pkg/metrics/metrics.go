// Package metrics exposes Prometheus instrumentation for Shellie sessions.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the companion. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Audio metrics
	CaptureFramesTotal *prometheus.CounterVec
	AudioBytesTotal    *prometheus.CounterVec
	PlaybackChunks     prometheus.Counter
	Interruptions      prometheus.Counter

	// Safety and tools
	ReportsTotal   *prometheus.CounterVec
	ToolCallsTotal *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all Prometheus metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "shellie"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of active voice sessions",
		},
	)

	sessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of voice sessions by end reason",
		},
		[]string{"reason"},
	)

	sessionDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Voice session duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	captureFrames := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_frames_total",
			Help:      "Microphone frames by outcome",
		},
		[]string{"outcome"},
	)

	audioBytes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "PCM bytes exchanged with the model",
		},
		[]string{"direction"},
	)

	playbackChunks := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_chunks_total",
			Help:      "Speech chunks scheduled for playback",
		},
	)

	interruptions := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_interruptions_total",
			Help:      "Times queued speech was cut off by the student",
		},
	)

	reportsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "safety_reports_total",
			Help:      "Safety reports raised by severity",
		},
		[]string{"severity"},
	)

	toolCalls := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls by tool name and outcome",
		},
		[]string{"tool", "outcome"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of errors",
		},
		[]string{"component", "error_type"},
	)

	registry.MustRegister(
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		captureFrames,
		audioBytes,
		playbackChunks,
		interruptions,
		reportsTotal,
		toolCalls,
		errorsTotal,
	)

	return &Metrics{
		registry:           registry,
		SessionsActive:     sessionsActive,
		SessionsTotal:      sessionsTotal,
		SessionDuration:    sessionDuration,
		CaptureFramesTotal: captureFrames,
		AudioBytesTotal:    audioBytes,
		PlaybackChunks:     playbackChunks,
		Interruptions:      interruptions,
		ReportsTotal:       reportsTotal,
		ToolCallsTotal:     toolCalls,
		ErrorsTotal:        errorsTotal,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and embedding.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordSessionStart records a session going active.
func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a session that had gone active ending.
func (m *Metrics) RecordSessionEnd(reason string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(duration.Seconds())
}

// RecordSessionFailed records a session that never reached active.
func (m *Metrics) RecordSessionFailed(reason string) {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(reason).Inc()
}

// RecordCaptureFrame records the outcome of one microphone frame.
func (m *Metrics) RecordCaptureFrame(outcome string) {
	if m == nil {
		return
	}
	m.CaptureFramesTotal.WithLabelValues(outcome).Inc()
}

// RecordAudio records PCM bytes sent ("input") or received ("output").
func (m *Metrics) RecordAudio(direction string, bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

func (m *Metrics) RecordPlaybackChunk() {
	if m == nil {
		return
	}
	m.PlaybackChunks.Inc()
}

func (m *Metrics) RecordInterruption() {
	if m == nil {
		return
	}
	m.Interruptions.Inc()
}

// RecordReport records a safety report.
func (m *Metrics) RecordReport(severity string) {
	if m == nil {
		return
	}
	m.ReportsTotal.WithLabelValues(severity).Inc()
}

// RecordToolCall records a dispatched tool call.
func (m *Metrics) RecordToolCall(tool, outcome string) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(tool, outcome).Inc()
}

// RecordError records an error.
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
