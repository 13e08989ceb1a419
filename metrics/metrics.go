// Package metrics exports session and bridge activity as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/regginator/vconsole/rfb"
)

const DefaultNamespace = "vconsole"

// Relay outcomes, used as the "result" label
const (
	RelayClean      = "clean"
	RelayDialFailed = "dial_failed"
	RelayError      = "error"
)

const (
	DirectionToVNC     = "to_vnc"
	DirectionToBrowser = "to_browser"
)

type Config struct {
	Namespace string // Defaults to DefaultNamespace

	// Registerer to add the collectors to. Defaults to prometheus.DefaultRegisterer
	Registerer prometheus.Registerer
}

// Metrics holds every collector. It satisfies rfb.Observer so one value can be shared by
// any number of sessions.
type Metrics struct {
	handshakes         *prometheus.CounterVec
	stageTransitions   *prometheus.CounterVec
	bytesReceived      prometheus.Counter
	bytesSent          prometheus.Counter
	framebufferUpdates prometheus.Counter
	rectangles         prometheus.Counter

	activeRelays  prometheus.Gauge
	relays        *prometheus.CounterVec
	relayBytes    *prometheus.CounterVec
	relayDuration prometheus.Histogram
}

var _ rfb.Observer = (*Metrics)(nil)

func New(cfg Config) *Metrics {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultRegisterer
	}

	factory := promauto.With(cfg.Registerer)
	ns := cfg.Namespace

	return &Metrics{
		handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "session",
			Name:      "handshakes_total",
			Help:      "Finished RFB handshakes by security type and outcome",
		}, []string{"security_type", "outcome"}),

		stageTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "session",
			Name:      "stage_transitions_total",
			Help:      "Session stage transitions by destination stage",
		}, []string{"stage"}),

		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "session",
			Name:      "received_bytes_total",
			Help:      "Bytes received from VNC servers",
		}),

		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "session",
			Name:      "sent_bytes_total",
			Help:      "Bytes sent to VNC servers",
		}),

		framebufferUpdates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "session",
			Name:      "framebuffer_updates_total",
			Help:      "Complete FramebufferUpdate messages received",
		}),

		rectangles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "session",
			Name:      "rectangles_total",
			Help:      "Rectangles received across all framebuffer updates",
		}),

		activeRelays: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "bridge",
			Name:      "active_relays",
			Help:      "WebSocket to TCP relays currently open",
		}),

		relays: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "bridge",
			Name:      "relays_total",
			Help:      "Finished relays by result",
		}, []string{"result"}),

		relayBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "bridge",
			Name:      "relayed_bytes_total",
			Help:      "Bytes copied by the bridge by direction",
		}, []string{"direction"}),

		relayDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: "bridge",
			Name:      "relay_duration_seconds",
			Help:      "Lifetime of finished relays",
			Buckets:   []float64{1, 10, 60, 300, 1800, 3600, 4 * 3600},
		}),
	}
}

func (m *Metrics) StageChanged(_, to rfb.Stage) {
	m.stageTransitions.WithLabelValues(to.String()).Inc()
}

func (m *Metrics) BytesReceived(n int) {
	m.bytesReceived.Add(float64(n))
}

func (m *Metrics) BytesSent(n int) {
	m.bytesSent.Add(float64(n))
}

func (m *Metrics) HandshakeFinished(secType rfb.SecurityType, err *rfb.Error) {
	outcome := "connected"
	if err != nil {
		outcome = err.Kind.String()
	}
	m.handshakes.WithLabelValues(secType.String(), outcome).Inc()
}

func (m *Metrics) FramebufferUpdated(rects int) {
	m.framebufferUpdates.Inc()
	m.rectangles.Add(float64(rects))
}

func (m *Metrics) RelayStarted() {
	m.activeRelays.Inc()
}

func (m *Metrics) RelayBytes(direction string, n int64) {
	if n > 0 {
		m.relayBytes.WithLabelValues(direction).Add(float64(n))
	}
}

func (m *Metrics) RelayFinished(result string, lifetime time.Duration) {
	m.activeRelays.Dec()
	m.relays.WithLabelValues(result).Inc()
	m.relayDuration.Observe(lifetime.Seconds())
}
