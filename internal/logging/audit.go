package logging

import "github.com/go-logr/logr"

// Event types recorded for lifecycle actions the operator takes on behalf of
// an AUSF. These are the actions a network operator audits after the fact.
const (
	EventRelationChanged    = "relation_changed"
	EventCSRPublished       = "csr_published"
	EventCertificateStored  = "certificate_stored"
	EventCertificateDropped = "certificate_dropped"
	EventWorkloadRestarted  = "workload_restarted"
)

// LogAuditEvent logs a structured audit event for operator actions.
// Audit events are distinct from regular debug/info logs and are tagged
// with "audit=true" for easy filtering in log aggregation systems.
func LogAuditEvent(logger logr.Logger, eventType string, fields map[string]string) {
	auditLogger := logger.WithValues("audit", "true", "event_type", eventType)
	for key, value := range fields {
		auditLogger = auditLogger.WithValues(key, value)
	}
	auditLogger.Info("Operator audit event")
}
