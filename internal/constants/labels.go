package constants

// Common Kubernetes label keys used by the operator.
const (
	LabelAppName      = "app.kubernetes.io/name"
	LabelAppInstance  = "app.kubernetes.io/instance"
	LabelAppManagedBy = "app.kubernetes.io/managed-by"
	LabelAppComponent = "app.kubernetes.io/component"

	LabelSDCoreFunction = "sdcore.dev/function"
)

// Common label values used by the operator.
const (
	LabelValueAppNameAUSF  = "ausf"
	LabelValueManagedBy    = "ausf-operator"
	LabelValueFunctionAUSF = "ausf"
	LabelValueComponentSBI = "sbi"
)
