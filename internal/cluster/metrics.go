package cluster

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

const (
	outcomeSuccess  = "success"
	outcomeFailure  = "failure"
	outcomeRejected = "rejected"
)

var (
	// requestsTotal counts apiserver requests per environment by outcome.
	// Rejected means the rate limiter or circuit breaker refused the request
	// before it left the process.
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deploysync",
			Subsystem: "cluster",
			Name:      "requests_total",
			Help:      "Total number of cluster API requests by outcome",
		},
		[]string{"environment", "outcome"},
	)

	// circuitOpenTotal counts transitions of the per-host circuit breaker
	// into the open state.
	circuitOpenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deploysync",
			Subsystem: "cluster",
			Name:      "circuit_open_total",
			Help:      "Total number of times the cluster circuit breaker opened",
		},
		[]string{"environment"},
	)

	// credentialRefreshTotal counts 401-triggered credential refreshes.
	credentialRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deploysync",
			Subsystem: "cluster",
			Name:      "credential_refresh_total",
			Help:      "Total number of short-lived credential refreshes forced by the apiserver",
		},
		[]string{"environment"},
	)
)

func init() {
	metrics.Registry.MustRegister(
		requestsTotal,
		circuitOpenTotal,
		credentialRefreshTotal,
	)
}

// Metrics records transport-level metrics for one environment.
type Metrics struct {
	environment string
}

// NewMetrics creates a Metrics instance bound to the environment label.
func NewMetrics(environment string) *Metrics {
	return &Metrics{environment: environment}
}

// RecordRequest counts one request with the given outcome.
func (m *Metrics) RecordRequest(outcome string) {
	requestsTotal.WithLabelValues(m.environment, outcome).Inc()
}

// RecordCircuitOpen counts one breaker transition to open.
func (m *Metrics) RecordCircuitOpen() {
	circuitOpenTotal.WithLabelValues(m.environment).Inc()
}

// RecordCredentialRefresh counts one forced credential refresh.
func (m *Metrics) RecordCredentialRefresh() {
	credentialRefreshTotal.WithLabelValues(m.environment).Inc()
}
