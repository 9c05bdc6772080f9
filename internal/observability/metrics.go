package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the widget process.
type Metrics struct {
	ConnectionEvents       *prometheus.CounterVec
	WSMessages             *prometheus.CounterVec
	CaptureChunks          prometheus.Counter
	CaptureFramesDropped   *prometheus.CounterVec
	PlaybackFinished       prometheus.Counter
	PlaybackOverflow       prometheus.Counter
	TurnSignals            *prometheus.CounterVec
	RelayMessages          *prometheus.CounterVec
	StorefrontRequests     *prometheus.CounterVec
	FirstAgentTextLatency  prometheus.Histogram
	FirstAgentAudioLatency prometheus.Histogram

	Latency *LatencyWindow
}

// NewMetrics registers instruments on reg. A nil reg uses the default registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		ConnectionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_events_total",
			Help:      "Agent connection lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Agent websocket messages by direction and class.",
		}, []string{"direction", "class"}),
		CaptureChunks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_chunks_total",
			Help:      "Microphone transmission units sent to the agent.",
		}),
		CaptureFramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_frames_dropped_total",
			Help:      "Microphone frames discarded before chunking, by reason.",
		}, []string{"reason"}),
		PlaybackFinished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_finished_total",
			Help:      "Agent speech bursts that drained completely.",
		}),
		PlaybackOverflow: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_overflow_samples_total",
			Help:      "Unplayed samples overwritten by newer agent audio.",
		}),
		TurnSignals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_signals_total",
			Help:      "Turn completion signals by outcome.",
		}, []string{"outcome"}),
		RelayMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_total",
			Help:      "Host page relay deliveries by message type and result.",
		}, []string{"type", "result"}),
		StorefrontRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storefront_requests_total",
			Help:      "Storefront API calls by operation and result.",
		}, []string{"op", "result"}),
		FirstAgentTextLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_agent_text_latency_ms",
			Help:      "Latency from user send to first agent text chunk in milliseconds.",
			Buckets:   []float64{100, 250, 500, 750, 1000, 1500, 2500, 5000},
		}),
		FirstAgentAudioLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_agent_audio_latency_ms",
			Help:      "Latency from user send to first agent audio frame in milliseconds.",
			Buckets:   []float64{100, 250, 500, 750, 1000, 1500, 2500, 5000},
		}),
		Latency: NewLatencyWindow(256),
	}
}

func (m *Metrics) ObserveFirstText(d time.Duration) {
	m.FirstAgentTextLatency.Observe(float64(d.Milliseconds()))
	m.Latency.Observe(StageSendToFirstText, d)
}

func (m *Metrics) ObserveFirstAudio(d time.Duration) {
	m.FirstAgentAudioLatency.Observe(float64(d.Milliseconds()))
	m.Latency.Observe(StageSendToFirstAudio, d)
}

// ObserveTurn counts a turn completion outcome and surfaces it in the latency report.
func (m *Metrics) ObserveTurn(outcome string) {
	m.TurnSignals.WithLabelValues(outcome).Inc()
	m.Latency.ObserveIndicator("turn_" + outcome)
}

// MetricsHandler serves the registry metrics were registered on.
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
