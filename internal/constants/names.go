package constants

// Resource name suffixes used by the operator when creating per-AUSF
// resources.
const (
	SuffixConfigMap   = "-config"
	SuffixCertsSecret = "-certs"
)

// Well-known container and binary names.
const (
	ContainerNameAUSF       = "ausf"
	ContainerNameConfigInit = "ausf-config-init"
	BinaryNameAUSF          = "/bin/ausf"
	BinaryNameConfigInit    = "/usr/local/bin/ausf-config-init"
)

// Secret keys inside the per-AUSF certs Secret. The ".next" pair exists only
// while a proactive renewal is in flight; the active pair keeps serving until
// the replacement certificate lands.
const (
	CertsKeyPrivateKey     = "ausf.key"
	CertsKeyCSR            = "ausf.csr"
	CertsKeyCertificate    = "ausf.pem"
	CertsKeyCA             = "ca.pem"
	CertsKeyChain          = "chain.pem"
	CertsKeyNextPrivateKey = "ausf.key.next"
	CertsKeyNextCSR        = "ausf.csr.next"
)

// Environment variables consumed by the operator and helper binaries.
const (
	EnvPodIP             = "POD_IP"
	EnvPodNamespace      = "POD_NAMESPACE"
	EnvOperatorInitImage = "AUSF_OPERATOR_INIT_IMAGE"
)

// FieldOwner used for server-side apply patches issued by the operator.
const FieldOwner = "ausf-operator"
