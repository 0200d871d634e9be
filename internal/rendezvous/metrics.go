package rendezvous

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "rendezvous"

// Datagram kinds used as the "kind" label.
const (
	kindKeepalive = "keepalive"
	kindMalformed = "malformed"
	kindHost      = "host"
	kindConnect   = "connect"
)

// Metrics holds the service's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Datagrams           *prometheus.CounterVec
	Registrations       prometheus.Counter
	Removals            *prometheus.CounterVec
	Matches             prometheus.Counter
	UnknownCodes        prometheus.Counter
	SendErrors          prometheus.Counter
	ActiveRegistrations prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Datagrams: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "datagrams_received_total",
			Help:      "Inbound datagrams by classification.",
		}, []string{"kind"}),
		Registrations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "registrations_total",
			Help:      "Host codes issued.",
		}),
		Removals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "registrations_removed_total",
			Help:      "Registrations removed, by reason.",
		}, []string{"reason"}),
		Matches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "matches_total",
			Help:      "Connect requests that found a live host code.",
		}),
		UnknownCodes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "unknown_codes_total",
			Help:      "Connect requests for codes that are not live.",
		}),
		SendErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "send_errors_total",
			Help:      "Outbound datagrams that failed to send.",
		}),
		ActiveRegistrations: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_registrations",
			Help:      "Live host registrations.",
		}),
	}
}

func (m *Metrics) observeDatagram(kind string) {
	if m == nil {
		return
	}
	m.Datagrams.WithLabelValues(kind).Inc()
}

func (m *Metrics) observeRegistered() {
	if m == nil {
		return
	}
	m.Registrations.Inc()
	m.ActiveRegistrations.Inc()
}

func (m *Metrics) observeRemoved(reason RemovalReason) {
	if m == nil {
		return
	}
	m.Removals.WithLabelValues(string(reason)).Inc()
	m.ActiveRegistrations.Dec()
}

func (m *Metrics) observeMatch() {
	if m == nil {
		return
	}
	m.Matches.Inc()
}

func (m *Metrics) observeUnknownCode() {
	if m == nil {
		return
	}
	m.UnknownCodes.Inc()
}

func (m *Metrics) observeSendError() {
	if m == nil {
		return
	}
	m.SendErrors.Inc()
}
