package bridge

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"okuma-bridge/internal/eventstream"
)

// Metrics is the bridge's Prometheus instrumentation.
type Metrics struct {
	EnvelopesPublished *prometheus.CounterVec
	PublishFailures    prometheus.Counter
	TriggersDispatched prometheus.Counter
	ControlPlaneUp     prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics builds and registers the metric set on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		EnvelopesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "okuma_bridge_envelopes_published_total",
			Help: "MacMan envelopes published to the event stream, by screen type",
		}, []string{"measurement_type"}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "okuma_bridge_publish_failures_total",
			Help: "Event-stream publish batches that failed (best-effort, never retried)",
		}),
		TriggersDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "okuma_bridge_triggers_dispatched_total",
			Help: "Control-plane notifications handed to the dispatcher, before classification and edge detection",
		}),
		ControlPlaneUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "okuma_bridge_control_plane_up",
			Help: "Whether the OPC UA control-plane session is currently open",
		}),
		registry: prometheus.NewRegistry(),
	}
	m.registry.MustRegister(m.EnvelopesPublished, m.PublishFailures, m.TriggersDispatched, m.ControlPlaneUp)
	return m
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// instrumentedSink decorates an eventstream.Sink with publish counters.
type instrumentedSink struct {
	inner   eventstream.Sink
	metrics *Metrics
}

// InstrumentSink wraps sink so every batch is counted.
func InstrumentSink(sink eventstream.Sink, metrics *Metrics) eventstream.Sink {
	return &instrumentedSink{inner: sink, metrics: metrics}
}

func (s *instrumentedSink) Publish(ctx context.Context, batch []eventstream.Envelope, metadata map[string]string) error {
	err := s.inner.Publish(ctx, batch, metadata)
	if err != nil {
		s.metrics.PublishFailures.Inc()
		return err
	}
	s.metrics.EnvelopesPublished.WithLabelValues(metadata["measurement_type"]).Add(float64(len(batch)))
	return nil
}

func (s *instrumentedSink) Close() { s.inner.Close() }
