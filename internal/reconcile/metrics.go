package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/dc-tec/deploysync/internal/store"
)

var (
	// syncsTotal counts settled sync passes. Degraded passes count once per
	// settlement, so a record that degrades three times before failing
	// shows up three times under Degraded and once under Failed.
	syncsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deploysync",
			Subsystem: "reconcile",
			Name:      "syncs_total",
			Help:      "Total number of settled sync passes by state and reason",
		},
		[]string{"environment", "state", "reason"},
	)

	// syncDuration observes trigger-to-terminal latency.
	syncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "deploysync",
			Subsystem: "reconcile",
			Name:      "sync_duration_seconds",
			Help:      "Time from entering Applying to reaching a terminal state",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"environment", "state"},
	)

	// applyActionsTotal counts cluster writes issued by plans.
	applyActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deploysync",
			Subsystem: "reconcile",
			Name:      "apply_actions_total",
			Help:      "Total number of cluster writes by action",
		},
		[]string{"environment", "action"},
	)

	// driftCorrectedTotal counts resync passes that found and corrected
	// drift.
	driftCorrectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deploysync",
			Subsystem: "reconcile",
			Name:      "drift_corrected_total",
			Help:      "Total number of scheduled resyncs that corrected drifted resources",
		},
		[]string{"environment"},
	)

	// activeSyncs is 1 while the environment's worker is driving a pass.
	activeSyncs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "deploysync",
			Subsystem: "reconcile",
			Name:      "active_syncs",
			Help:      "Whether a sync is currently in flight for the environment",
		},
		[]string{"environment"},
	)
)

func init() {
	metrics.Registry.MustRegister(
		syncsTotal,
		syncDuration,
		applyActionsTotal,
		driftCorrectedTotal,
		activeSyncs,
	)
}

// Metrics records reconciliation metrics for one environment.
type Metrics struct {
	environment string
}

// NewMetrics creates a Metrics instance bound to the environment label.
func NewMetrics(environment string) *Metrics {
	return &Metrics{environment: environment}
}

// RecordOutcome counts one settled pass and, for terminal records,
// observes the sync duration.
func (m *Metrics) RecordOutcome(rec store.SyncRecord) {
	syncsTotal.WithLabelValues(m.environment, string(rec.State), rec.Reason).Inc()

	if rec.State.Terminal() && !rec.StartedAt.IsZero() && !rec.FinishedAt.IsZero() {
		syncDuration.WithLabelValues(m.environment, string(rec.State)).
			Observe(rec.FinishedAt.Sub(rec.StartedAt).Seconds())
	}
}

// RecordApply counts one issued cluster write.
func (m *Metrics) RecordApply(action string) {
	applyActionsTotal.WithLabelValues(m.environment, action).Inc()
}

// RecordDrift counts one drift-correcting resync.
func (m *Metrics) RecordDrift() {
	driftCorrectedTotal.WithLabelValues(m.environment).Inc()
}

// SetActive flags whether a sync is in flight.
func (m *Metrics) SetActive(active bool) {
	v := 0.0
	if active {
		v = 1
	}
	activeSyncs.WithLabelValues(m.environment).Set(v)
}
