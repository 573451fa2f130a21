package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_engine_active_sessions",
		Help: "Number of active call sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_engine_sessions_total",
		Help: "Total number of call sessions started",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_engine_session_duration_seconds",
		Help:    "Duration of call sessions in seconds",
		Buckets: []float64{5, 30, 60, 120, 300, 600, 1800},
	})

	// Turn-taking metrics
	turnTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_engine_turn_transitions_total",
		Help: "Turn state transitions",
	}, []string{"from", "to"})

	bargeIns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_engine_barge_ins_total",
		Help: "Times the user interrupted AI speech",
	})

	followUps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_engine_followups_total",
		Help: "Unsolicited AI follow-ups issued",
	})

	staleEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_engine_stale_events_total",
		Help: "Events discarded because state or generation moved on",
	}, []string{"event"})

	// Recognizer metrics
	recognizerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_engine_recognizer_restarts_total",
		Help: "Automatic speech recognizer restarts",
	}, []string{"reason"})

	// TTS metrics
	ttsRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_engine_tts_requests_total",
		Help: "Total number of TTS requests",
	}, []string{"status"})

	ttsLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_engine_tts_latency_seconds",
		Help:    "TTS request latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	ttsFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_engine_tts_fallbacks_total",
		Help: "Replies spoken by the local fallback voice",
	}, []string{"reason"})

	// Text generation metrics
	textgenRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_engine_textgen_requests_total",
		Help: "Total number of text generation requests",
	}, []string{"status"})

	textgenLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_engine_textgen_latency_seconds",
		Help:    "Text generation latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_engine_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_engine_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_engine_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_engine_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"
)

// Metrics tracks metrics for a single call session. A nil *Metrics is valid and records nothing.
type Metrics struct {
	sessionID string
	startTime time.Time
	mu        sync.Mutex
	ended     bool
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
	if m == nil {
		return
	}
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session; repeated calls are ignored
func (m *Metrics) RecordSessionEnd() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return
	}
	m.ended = true
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordTransition records a turn state transition
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	turnTransitions.WithLabelValues(from, to).Inc()
}

// RecordBargeIn records a user interruption of AI speech
func (m *Metrics) RecordBargeIn() {
	if m == nil {
		return
	}
	bargeIns.Inc()
}

// RecordFollowUp records an unsolicited follow-up
func (m *Metrics) RecordFollowUp() {
	if m == nil {
		return
	}
	followUps.Inc()
}

// RecordStaleEvent records a discarded stale event
func (m *Metrics) RecordStaleEvent(event string) {
	if m == nil {
		return
	}
	staleEvents.WithLabelValues(event).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	if m == nil {
		return
	}
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	if m == nil {
		return
	}
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordRecognizerRestart records an automatic recognizer restart
func RecordRecognizerRestart(reason string) {
	recognizerRestarts.WithLabelValues(reason).Inc()
}

// RecordTTS records the outcome and latency of a TTS request
func RecordTTS(success bool, latency time.Duration) {
	ttsLatency.Observe(latency.Seconds())
	ttsRequests.WithLabelValues(statusLabel(success)).Inc()
}

// RecordTTSFallback records a reply spoken by the local voice
func RecordTTSFallback(reason string) {
	ttsFallbacks.WithLabelValues(reason).Inc()
}

// RecordTextGen records the outcome and latency of a text generation request
func RecordTextGen(success bool, latency time.Duration) {
	textgenLatency.Observe(latency.Seconds())
	textgenRequests.WithLabelValues(statusLabel(success)).Inc()
}

// RecordComponentError records an error outside a session context
func RecordComponentError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// ObserveCircuitBreaker records a breaker result, suitable as a state-change hook
func ObserveCircuitBreaker(service string, state int, failed bool) {
	UpdateCircuitBreakerState(service, state)
	if failed {
		IncrementCircuitBreakerFailures(service)
	}
}
