package constants

import "time"

// Requeue intervals used by the controller.
const (
	RequeueShort    = 5 * time.Second
	RequeueStandard = 1 * time.Minute
)

// Workload readiness wait bounds. The wait blocks the current reconcile but
// never the event intake path; new events queue behind it.
const (
	ReadinessPollInterval = 2 * time.Second
	ReadinessTimeout      = 2 * time.Minute
)

// DefaultResyncSchedule drives the periodic reconcile trigger so expiry
// checks run even when no relation event arrives.
const DefaultResyncSchedule = "@every 10m"
