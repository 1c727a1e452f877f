package constants

// Annotations applied by the operator.
const (
	// AnnotationConfigHash carries the sha256 of the rendered configuration
	// on the pod template; changing it triggers a rolling restart.
	AnnotationConfigHash = "sdcore.dev/config-hash"
)
