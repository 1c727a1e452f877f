package constants

// Common condition reasons used by the operator for Status conditions.
const (
	ReasonReady = "Ready"

	// ReasonRelationMissing indicates a required relation is absent or broken.
	ReasonRelationMissing = "RelationMissing"
	// ReasonAwaitingData indicates a relation exists but has not yet
	// published the data this side needs.
	ReasonAwaitingData = "AwaitingData"
	// ReasonCSRPending indicates a certificate request is in flight.
	ReasonCSRPending = "CSRPending"
	// ReasonWorkloadNotReady indicates the StatefulSet has not reported
	// ready yet.
	ReasonWorkloadNotReady = "WorkloadNotReady"
)
