package certs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	tlsCertExpiryTimestamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ausf",
			Name:      "tls_cert_expiry_timestamp",
			Help:      "Unix timestamp when the stored AUSF certificate expires",
		},
		[]string{"namespace", "name"},
	)

	tlsCSRRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ausf",
			Name:      "tls_csr_requests_total",
			Help:      "Total number of certificate signing requests published",
		},
		[]string{"namespace", "name"},
	)

	tlsRotationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ausf",
			Name:      "tls_rotation_total",
			Help:      "Total number of certificates taken into service",
		},
		[]string{"namespace", "name"},
	)
)

func init() {
	metrics.Registry.MustRegister(
		tlsCertExpiryTimestamp,
		tlsCSRRequestsTotal,
		tlsRotationTotal,
	)
}

// tlsMetrics provides helpers to record TLS-related metrics for one AUSF.
type tlsMetrics struct {
	namespace string
	name      string
}

func newTLSMetrics(namespace, name string) *tlsMetrics {
	return &tlsMetrics{namespace: namespace, name: name}
}

func (m *tlsMetrics) setCertExpiry(expiry time.Time) {
	tlsCertExpiryTimestamp.WithLabelValues(m.namespace, m.name).Set(float64(expiry.Unix()))
}

func (m *tlsMetrics) incrementCSRRequests() {
	tlsCSRRequestsTotal.WithLabelValues(m.namespace, m.name).Inc()
}

func (m *tlsMetrics) incrementRotation() {
	tlsRotationTotal.WithLabelValues(m.namespace, m.name).Inc()
}
