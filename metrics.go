package upnp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments of a Client. A nil *Metrics
// records nothing.
type Metrics struct {
	Commits          *prometheus.CounterVec // labels: status
	SOAPActions      *prometheus.CounterVec // labels: action, result
	Discoveries      *prometheus.CounterVec // labels: result
	DriftPurges      prometheus.Counter
	ConsecutiveFails prometheus.Gauge
	Fallbacks        prometheus.Counter
}

// NewMetrics creates the instruments and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Commits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "upnp_commits_total",
			Help: "Reconciliation passes by resulting status",
		}, []string{"status"}),
		SOAPActions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "upnp_soap_actions_total",
			Help: "SOAP actions sent to the gateway by action and result",
		}, []string{"action", "result"}),
		Discoveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "upnp_gateway_discoveries_total",
			Help: "Gateway discovery attempts by result",
		}, []string{"result"}),
		DriftPurges: f.NewCounter(prometheus.CounterOpts{
			Name: "upnp_drift_purges_total",
			Help: "Times all mappings were deleted because the local address changed",
		}),
		ConsecutiveFails: f.NewGauge(prometheus.GaugeOpts{
			Name: "upnp_consecutive_failures",
			Help: "Failed updates since the last successful one",
		}),
		Fallbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "upnp_fallbacks_total",
			Help: "Times the update fallback was invoked",
		}),
	}
}

func (m *Metrics) commit(s Status) {
	if m == nil {
		return
	}
	m.Commits.WithLabelValues(s.String()).Inc()
}

func (m *Metrics) soapAction(action, result string) {
	if m == nil {
		return
	}
	m.SOAPActions.WithLabelValues(action, result).Inc()
}

func (m *Metrics) discovery(result string) {
	if m == nil {
		return
	}
	m.Discoveries.WithLabelValues(result).Inc()
}

func (m *Metrics) driftPurge() {
	if m == nil {
		return
	}
	m.DriftPurges.Inc()
}

func (m *Metrics) setFailures(n int) {
	if m == nil {
		return
	}
	m.ConsecutiveFails.Set(float64(n))
}

func (m *Metrics) fallback() {
	if m == nil {
		return
	}
	m.Fallbacks.Inc()
}
