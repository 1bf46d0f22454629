// Package metrics exposes relay counters to Prometheus. No metric carries a
// room code, address or anything derived from message content.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "adyx"

// Metrics holds the relay collectors. All methods are safe on a nil
// receiver so components can run without instrumentation.
type Metrics struct {
	roomsCreated prometheus.Counter
	roomsEnded   *prometheus.CounterVec
	roomsActive  prometheus.Gauge
	connections  prometheus.Gauge
	frames       *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	rejected     *prometheus.CounterVec
	joins        *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		roomsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rooms_created_total",
				Help:      "Number of rooms created",
			},
		),
		roomsEnded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rooms_ended_total",
				Help:      "Number of rooms ended, by reason",
			},
			[]string{"reason"},
		),
		roomsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "rooms_active",
				Help:      "Number of rooms currently held in memory",
			},
		),
		connections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connections_active",
				Help:      "Number of joined sockets",
			},
		),
		frames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_relayed_total",
				Help:      "Number of frames forwarded to a peer, by type",
			},
			[]string{"type"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_dropped_total",
				Help:      "Number of inbound frames dropped, by reason",
			},
			[]string{"reason"},
		),
		rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admission_rejected_total",
				Help:      "Number of requests or sockets refused by admission control, by reason",
			},
			[]string{"reason"},
		),
		joins: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "join_attempts_total",
				Help:      "Number of room join attempts, by result",
			},
			[]string{"result"},
		),
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.roomsCreated, m.roomsEnded, m.roomsActive, m.connections,
		m.frames, m.dropped, m.rejected, m.joins,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) RoomCreated() {
	if m == nil {
		return
	}
	m.roomsCreated.Inc()
}

func (m *Metrics) RoomEnded(reason string) {
	if m == nil {
		return
	}
	m.roomsEnded.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetRooms(n int) {
	if m == nil {
		return
	}
	m.roomsActive.Set(float64(n))
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) FrameRelayed(frameType string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(frameType).Inc()
}

func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) JoinAttempt(result string) {
	if m == nil {
		return
	}
	m.joins.WithLabelValues(result).Inc()
}
