package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions    prometheus.Gauge
	sessionsTotal     prometheus.Counter
	sessionsEvicted   prometheus.Counter
	envelopesReceived *prometheus.CounterVec
	protocolErrors    prometheus.Counter
	operatorDispatch  *prometheus.CounterVec
	webhookUpdates    *prometheus.CounterVec
}

func New(namespace string) *Metrics {
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry: r,
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "The current number of live visitor sessions.",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "The total number of visitor sessions created.",
		}),
		sessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_evicted_total",
			Help:      "Sessions removed by the inactivity sweep.",
		}),
		envelopesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_received_total",
			Help:      "Envelopes received from visitors by type.",
		}, []string{"type"}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Frames from visitors that failed to decode.",
		}),
		operatorDispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operator_dispatch_total",
			Help:      "Visitor messages forwarded to the operator by result.",
		}, []string{"result"}),
		webhookUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_updates_total",
			Help:      "Operator webhook updates by outcome.",
		}, []string{"outcome"}),
	}

	r.MustRegister(
		m.activeSessions,
		m.sessionsTotal,
		m.sessionsEvicted,
		m.envelopesReceived,
		m.protocolErrors,
		m.operatorDispatch,
		m.webhookUpdates,
	)
	return m
}

func (m *Metrics) SessionOpened() {
	m.activeSessions.Inc()
	m.sessionsTotal.Inc()
}

func (m *Metrics) SessionClosed() {
	m.activeSessions.Dec()
}

func (m *Metrics) SessionEvicted() {
	m.sessionsEvicted.Inc()
}

func (m *Metrics) EnvelopeReceived(envelopeType string) {
	m.envelopesReceived.WithLabelValues(envelopeType).Inc()
}

func (m *Metrics) ProtocolError() {
	m.protocolErrors.Inc()
}

// OperatorDispatch records a forward attempt; result is "ok" or "error".
func (m *Metrics) OperatorDispatch(result string) {
	m.operatorDispatch.WithLabelValues(result).Inc()
}

// WebhookUpdate records how an inbound operator update was handled.
func (m *Metrics) WebhookUpdate(outcome string) {
	m.webhookUpdates.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
