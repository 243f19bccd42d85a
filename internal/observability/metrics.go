package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "live_transcriber_active_sessions",
		Help: "Number of capture sessions currently running",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "live_transcriber_sessions_total",
		Help: "Total number of capture sessions started",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "live_transcriber_session_duration_seconds",
		Help:    "Duration of capture sessions in seconds",
		Buckets: []float64{10, 60, 300, 900, 1800, 3600, 7200},
	})

	// Transcript metrics
	snippetsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "live_transcriber_snippets_total",
		Help: "Transcript snippets received from the provider",
	}, []string{"kind"}) // kind: "text" or "empty"

	sentencesEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "live_transcriber_sentences_total",
		Help: "Completed sentences written to sinks",
	})

	decodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "live_transcriber_decode_errors_total",
		Help: "Provider messages that could not be decoded",
	})

	droppedPendingChars = promauto.NewCounter(prometheus.CounterOpts{
		Name: "live_transcriber_dropped_pending_chars_total",
		Help: "Characters of unterminated text discarded at session end",
	})

	// Audio metrics
	audioBytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "live_transcriber_audio_bytes_total",
		Help: "Total audio bytes sent upstream",
	})

	speechSegments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "live_transcriber_speech_segments_total",
		Help: "Speech segments detected by the local VAD",
	})

	// Post-processing metrics
	postprocessRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "live_transcriber_postprocess_requests_total",
		Help: "Language model post-processing requests",
	}, []string{"stage", "status"})

	postprocessLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "live_transcriber_postprocess_latency_seconds",
		Help:    "Language model post-processing latency in seconds",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"stage"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "live_transcriber_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "live_transcriber_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "live_transcriber_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// Metrics tracks metrics for a single capture session
type Metrics struct {
	sessionID string
	startTime time.Time
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session
func (m *Metrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordSnippet records one decoded snippet
func (m *Metrics) RecordSnippet(empty bool) {
	kind := "text"
	if empty {
		kind = "empty"
	}
	snippetsProcessed.WithLabelValues(kind).Inc()
}

// RecordSentences records sentences written to the sinks
func (m *Metrics) RecordSentences(n int) {
	sentencesEmitted.Add(float64(n))
}

// RecordDecodeError records a provider message the decoder rejected
func (m *Metrics) RecordDecodeError() {
	decodeErrors.Inc()
}

// RecordDroppedPending records unterminated text lost when the session ends
func (m *Metrics) RecordDroppedPending(chars int) {
	droppedPendingChars.Add(float64(chars))
}

// RecordAudioBytes records audio bytes sent upstream
func (m *Metrics) RecordAudioBytes(bytes int64) {
	audioBytesSent.Add(float64(bytes))
}

// RecordSpeechSegment records a VAD speech segment
func (m *Metrics) RecordSpeechSegment() {
	speechSegments.Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// ObservePostprocess records one post-processing call
func ObservePostprocess(stage string, started time.Time, success bool) {
	postprocessLatency.WithLabelValues(stage).Observe(time.Since(started).Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	postprocessRequests.WithLabelValues(stage, status).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
