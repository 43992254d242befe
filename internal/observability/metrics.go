package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	OutboundMessages  *prometheus.CounterVec
	ProviderErrors    *prometheus.CounterVec
	ProviderFailovers *prometheus.CounterVec
	StreamOutcomes    *prometheus.CounterVec
	StreamBytes       prometheus.Counter
	PhraseGeneration  prometheus.Histogram
	FirstAudioLatency prometheus.Histogram
	StreamFirstBurst  prometheus.Histogram
	DrainOverrun      prometheus.Histogram

	stages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of connected playback devices.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		OutboundMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Outbound frames by type and delivery result.",
		}, []string{"type", "result"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
		ProviderFailovers: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_failovers_total",
			Help:      "Active backend switches by provider kind and new backend.",
		}, []string{"kind", "backend"}),
		StreamOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_outcomes_total",
			Help:      "Audio streams by terminal outcome.",
		}, []string{"outcome"}),
		StreamBytes: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_bytes_total",
			Help:      "Audio bytes written into streams, headers included.",
		}),
		PhraseGeneration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phrase_generation_ms",
			Help:      "Time to synthesize one phrase in milliseconds.",
			Buckets:   []float64{100, 250, 500, 750, 1000, 1500, 2500, 5000, 10000},
		}),
		FirstAudioLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from turn start to the first synthesized audio in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 4000},
		}),
		StreamFirstBurst: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_first_burst_ms",
			Help:      "Device delay from stream_start to the first burst reaching its sink in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}),
		DrainOverrun: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_drain_overrun_ms",
			Help:      "Playback time beyond the audio duration of a stream in milliseconds.",
			Buckets:   []float64{0, 50, 100, 250, 500, 1000, 2500, 5000},
		}),
		stages: newStageWindow(256),
	}
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
	m.ObserveStage(StageTurnToFirstAudio, d)
}

func (m *Metrics) ObservePhrase(outcome string, d time.Duration, bytes int64) {
	m.StreamOutcomes.WithLabelValues(outcome).Inc()
	m.StreamBytes.Add(float64(bytes))
	m.PhraseGeneration.Observe(float64(d.Milliseconds()))
	m.ObserveStage(StagePhraseGeneration, d)
}

// ObserveStreamPlayback records a device playback report for a stream that
// carried audio lasting audioDur. A stream whose playback outlasts its audio
// by more than the drain overrun budget made the device wait on the wire.
func (m *Metrics) ObserveStreamPlayback(firstBurst, played, audioDur time.Duration) {
	if firstBurst > 0 {
		m.StreamFirstBurst.Observe(float64(firstBurst.Milliseconds()))
		m.ObserveStage(StageStreamFirstBurst, firstBurst)
	}
	if played <= 0 || audioDur <= 0 {
		return
	}
	overrun := max(played-audioDur, 0)
	m.DrainOverrun.Observe(float64(overrun.Milliseconds()))
	m.ObserveStage(StageDrainOverrun, overrun)
	if overrun > StageBudget(StageDrainOverrun) {
		m.ObserveIndicator(IndicatorDrainOverrun)
	}
}

func (m *Metrics) ObserveOutboundMessage(msgType, result string) {
	m.OutboundMessages.WithLabelValues(msgType, result).Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.stages.observe(stage, d)
}

func (m *Metrics) ObserveIndicator(name string) {
	m.stages.count(name)
}

// StageSnapshot summarizes the rolling latency window.
func (m *Metrics) StageSnapshot() StageSnapshot {
	return m.stages.snapshot()
}

func (m *Metrics) ResetStages() {
	m.stages.reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
