package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Call metrics
	activeCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "call_coordinator_active_calls",
		Help: "Number of active phone calls",
	})

	callsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_coordinator_calls_total",
		Help: "Calls processed, by end reason",
	}, []string{"reason"})

	callDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "call_coordinator_call_duration_seconds",
		Help:    "Duration of phone calls in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	stateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_coordinator_state_transitions_total",
		Help: "Conversation state transitions",
	}, []string{"from", "to"})

	// Provider metrics
	providerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_coordinator_provider_requests_total",
		Help: "Provider requests by capability, provider and outcome",
	}, []string{"kind", "provider", "status"})

	providerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "call_coordinator_provider_latency_seconds",
		Help:    "Provider request latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	}, []string{"kind", "provider"})

	turnLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "call_coordinator_turn_latency_seconds",
		Help:    "Customer speech end to first agent audio frame",
		Buckets: []float64{0.25, 0.5, 1.0, 1.5, 2.0, 3.0, 5.0, 8.0},
	})

	// Interruption metrics
	interruptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_coordinator_interruptions_total",
		Help: "Speech onsets during agent playback, by decision",
	}, []string{"decision"})

	interruptLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "call_coordinator_interrupt_latency_seconds",
		Help:    "Speech onset to playback stop",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1.0},
	})

	// Audio metrics
	bufferOverflow = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_coordinator_buffer_overflow_frames_total",
		Help: "Frames dropped because a buffer was full",
	}, []string{"direction"})

	staleFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_coordinator_stale_frames_total",
		Help: "Frames discarded for exceeding the maximum buffer age",
	}, []string{"direction"})

	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_coordinator_frames_total",
		Help: "Audio frames processed",
	}, []string{"direction"}) // direction: "in" or "out"

	playbackAborts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_coordinator_playback_aborts_total",
		Help: "Agent utterances that did not play to completion",
	}, []string{"reason"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "call_coordinator_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"provider"})
)

// Metrics records Prometheus metrics for a single call
type Metrics struct {
	callID    string
	startTime time.Time
}

// NewCallMetrics creates a new metrics tracker for a call
func NewCallMetrics(callID string) *Metrics {
	return &Metrics{
		callID:    callID,
		startTime: time.Now(),
	}
}

// RecordCallStart records the start of a call
func (m *Metrics) RecordCallStart() {
	activeCalls.Inc()
}

// RecordCallEnd records the end of a call
func (m *Metrics) RecordCallEnd(reason string) {
	activeCalls.Dec()
	callsEnded.WithLabelValues(reason).Inc()
	callDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordTransition counts a conversation state change
func (m *Metrics) RecordTransition(from, to string) {
	stateTransitions.WithLabelValues(from, to).Inc()
}

// ObserveProvider records one provider request
func ObserveProvider(kind, provider string, latency time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	providerRequests.WithLabelValues(kind, provider, status).Inc()
	providerLatency.WithLabelValues(kind, provider).Observe(latency.Seconds())
}

// ObserveTurnLatency records end of customer speech to first agent audio
func (m *Metrics) ObserveTurnLatency(d time.Duration) {
	turnLatency.Observe(d.Seconds())
}

// RecordInterruption counts an arbiter decision ("confirmed", "ignored", "cooldown")
func (m *Metrics) RecordInterruption(decision string) {
	interruptions.WithLabelValues(decision).Inc()
}

// ObserveInterruptLatency records onset to playback stop
func (m *Metrics) ObserveInterruptLatency(d time.Duration) {
	interruptLatency.Observe(d.Seconds())
}

// RecordOverflow counts frames dropped on a full buffer
func (m *Metrics) RecordOverflow(direction string, frames int) {
	bufferOverflow.WithLabelValues(direction).Add(float64(frames))
}

// RecordStale counts frames dropped for age
func (m *Metrics) RecordStale(direction string, frames int) {
	staleFrames.WithLabelValues(direction).Add(float64(frames))
}

// RecordFrames counts processed frames
func (m *Metrics) RecordFrames(direction string, frames int) {
	framesTotal.WithLabelValues(direction).Add(float64(frames))
}

// RecordPlaybackAbort counts an utterance that stopped early
func (m *Metrics) RecordPlaybackAbort(reason string) {
	playbackAborts.WithLabelValues(reason).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(provider string, state int) {
	circuitBreakerState.WithLabelValues(provider).Set(float64(state))
}
