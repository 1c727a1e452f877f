package controller

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"

	sdcorev1alpha1 "github.com/sdcore/ausf-operator/api/v1alpha1"
)

var (
	reconcilesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ausf",
			Name:      "reconciles_total",
			Help:      "Total number of reconcile passes",
		},
	)

	reconcileErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ausf",
			Name:      "reconcile_errors_total",
			Help:      "Total number of reconcile passes that ended in a classified error",
		},
	)

	phaseGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ausf",
			Name:      "phase",
			Help:      "Current phase of an AUSF (1 for the active series)",
		},
		[]string{"namespace", "name", "phase"},
	)
)

func init() {
	metrics.Registry.MustRegister(
		reconcilesTotal,
		reconcileErrorsTotal,
		phaseGauge,
	)
}

func recordReconcile() {
	reconcilesTotal.Inc()
}

func recordReconcileError() {
	reconcileErrorsTotal.Inc()
}

var allPhases = []sdcorev1alpha1.AUSFPhase{
	sdcorev1alpha1.PhaseBlocked,
	sdcorev1alpha1.PhaseWaiting,
	sdcorev1alpha1.PhaseActive,
	sdcorev1alpha1.PhaseError,
}

// recordPhase sets the gauge for the current phase and zeroes the others so
// the series never report two phases at once.
func recordPhase(namespace, name string, phase sdcorev1alpha1.AUSFPhase) {
	for _, p := range allPhases {
		value := 0.0
		if p == phase {
			value = 1.0
		}
		phaseGauge.WithLabelValues(namespace, name, string(p)).Set(value)
	}
}
