// Package metrics exposes the conversation pipeline counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vango-go/vai-live/pkg/core/live"
)

const namespace = "vai_live"

// Metrics implements live.Metrics on a Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	// Capture and upload
	FramesSent    prometheus.Counter
	BytesSent     prometheus.Counter
	FramesDropped *prometheus.CounterVec

	// Playback
	SegmentsScheduled prometheus.Counter
	SegmentSeconds    prometheus.Histogram
	SegmentsDropped   *prometheus.CounterVec
	DecodeErrors      prometheus.Counter
	Interruptions     prometheus.Counter
	InterruptDropped  prometheus.Histogram

	// Sessions
	SessionsStarted prometheus.Counter
	SessionsActive  prometheus.Gauge
	SessionsEnded   *prometheus.CounterVec
	SessionDuration prometheus.Histogram
	ConnectFailures *prometheus.CounterVec

	// Event bus
	BusPublished *prometheus.CounterVec
	BusErrors    *prometheus.CounterVec
}

// New creates all collectors on a fresh registry, which also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry creates all collectors on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,

		FramesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Microphone frames handed to the session",
		}),
		BytesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_bytes_sent_total",
			Help:      "Encoded bytes of microphone audio handed to the session",
		}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Microphone frames not sent",
		}, []string{"reason"}),

		SegmentsScheduled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_scheduled_total",
			Help:      "Assistant audio segments placed on the output clock",
		}),
		SegmentSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "segment_duration_seconds",
			Help:      "Duration of scheduled assistant audio segments",
			Buckets:   []float64{0.02, 0.05, 0.1, 0.2, 0.5, 1, 2, 5},
		}),
		SegmentsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_dropped_total",
			Help:      "Assistant audio chunks discarded before playback",
		}, []string{"reason"}),
		DecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Inbound audio chunks that failed to decode",
		}),
		Interruptions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interruptions_total",
			Help:      "Times the user barged in over assistant audio",
		}),
		InterruptDropped: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "interrupt_dropped_segments",
			Help:      "Queued segments silenced per interruption",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64},
		}),

		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Sessions that reached the live state",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently live or paused",
		}),
		SessionsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Sessions torn down, by final state",
		}, []string{"state"}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Wall time from live to teardown",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		ConnectFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failures_total",
			Help:      "Failed connection attempts, by error code",
		}, []string{"code"}),

		BusPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_published_total",
			Help:      "Session events published to the event bus",
		}, []string{"sink", "kind"}),
		BusErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_errors_total",
			Help:      "Session events that failed to publish",
		}, []string{"sink", "kind"}),
	}
}

var _ live.Metrics = (*Metrics)(nil)

func (m *Metrics) FrameSent(bytes int) {
	m.FramesSent.Inc()
	m.BytesSent.Add(float64(bytes))
}

func (m *Metrics) FrameDropped(reason string) {
	m.FramesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SegmentScheduled(d time.Duration) {
	m.SegmentsScheduled.Inc()
	m.SegmentSeconds.Observe(d.Seconds())
}

func (m *Metrics) SegmentDropped(reason string) {
	m.SegmentsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) DecodeFailed() {
	m.DecodeErrors.Inc()
}

func (m *Metrics) Interrupted(droppedSegments int) {
	m.Interruptions.Inc()
	m.InterruptDropped.Observe(float64(droppedSegments))
}

func (m *Metrics) SessionStarted() {
	m.SessionsStarted.Inc()
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionEnded(final live.SessionState, d time.Duration) {
	m.SessionsActive.Dec()
	m.SessionsEnded.WithLabelValues(final.String()).Inc()
	m.SessionDuration.Observe(d.Seconds())
}

func (m *Metrics) ConnectFailed(code string) {
	if code == "" {
		code = "unknown"
	}
	m.ConnectFailures.WithLabelValues(code).Inc()
}

// RecordPublish counts one bus publish attempt.
func (m *Metrics) RecordPublish(sink, kind string, err error) {
	if err != nil {
		m.BusErrors.WithLabelValues(sink, kind).Inc()
		return
	}
	m.BusPublished.WithLabelValues(sink, kind).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
