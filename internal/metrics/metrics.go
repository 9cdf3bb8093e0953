package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "natgate"

// Metrics bundles Prometheus instruments for the gateway.
type Metrics struct {
	registry        *prometheus.Registry
	connectionState *prometheus.GaugeVec
	uplinkConnected prometheus.Gauge
	portmapRules    prometheus.Gauge
	apClients       prometheus.Gauge
	reconnectsTotal prometheus.Counter
	errorsTotal     *prometheus.CounterVec

	mu        sync.Mutex
	lastState string
}

// NewMetrics constructs a Metrics instance with an isolated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	connectionState := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connection_state",
		Help:      "Current connection supervisor state; the active state is 1, all others 0.",
	}, []string{"state"})

	uplinkConnected := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uplink_connected",
		Help:      "Whether the STA uplink holds an address (1) or not (0).",
	})

	portmapRules := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "portmap_rules",
		Help:      "Number of occupied slots in the port mapping table.",
	})

	apClients := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ap_clients",
		Help:      "Number of stations associated with the access point.",
	})

	reconnectsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconnects_total",
		Help:      "Total number of STA reconnect attempts after a disconnect.",
	})

	errorsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Total number of gateway errors by type.",
	}, []string{"type"})

	registry.MustRegister(connectionState, uplinkConnected, portmapRules, apClients, reconnectsTotal, errorsTotal)

	return &Metrics{
		registry:        registry,
		connectionState: connectionState,
		uplinkConnected: uplinkConnected,
		portmapRules:    portmapRules,
		apClients:       apClients,
		reconnectsTotal: reconnectsTotal,
		errorsTotal:     errorsTotal,
	}
}

// SetConnectionState marks state as the active supervisor state.
func (m *Metrics) SetConnectionState(state string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastState != "" && m.lastState != state {
		m.connectionState.WithLabelValues(m.lastState).Set(0)
	}
	m.connectionState.WithLabelValues(state).Set(1)
	m.lastState = state
}

// SetUplinkConnected updates the uplink gauge.
func (m *Metrics) SetUplinkConnected(connected bool) {
	if connected {
		m.uplinkConnected.Set(1)
		return
	}
	m.uplinkConnected.Set(0)
}

// SetRuleCount records the number of occupied port mapping slots.
func (m *Metrics) SetRuleCount(count int) {
	m.portmapRules.Set(float64(count))
}

// SetAPClients records the number of associated AP stations.
func (m *Metrics) SetAPClients(count int) {
	m.apClients.Set(float64(count))
}

// IncrementReconnect counts one reconnect attempt.
func (m *Metrics) IncrementReconnect() {
	m.reconnectsTotal.Inc()
}

// IncrementError increments the error counter for the provided type label.
func (m *Metrics) IncrementError(errorType string) {
	m.errorsTotal.WithLabelValues(errorType).Inc()
}

// Handler exposes the Prometheus scrape handler bound to the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
