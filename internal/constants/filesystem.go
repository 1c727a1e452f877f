package constants

// Mount paths inside the AUSF workload pod. The certificate paths are
// hardcoded in the AUSF image, so they are not configurable.
const (
	PathConfigDir   = "/free5gc/config"
	PathCertsDir    = "/support/TLS"
	PathTemplateDir = "/etc/ausf/templates"
)

// File names used under the mounts above.
const (
	ConfigFileName      = "ausfcfg.conf"
	PrivateKeyFileName  = "ausf.key"
	CSRFileName         = "ausf.csr"
	CertificateFileName = "ausf.pem"
	CAFileName          = "ca.pem"
)

// Derived full paths.
const (
	PathConfigFile     = PathConfigDir + "/" + ConfigFileName
	PathConfigTemplate = PathTemplateDir + "/" + ConfigFileName
	PathCertificate    = PathCertsDir + "/" + CertificateFileName
	PathPrivateKey     = PathCertsDir + "/" + PrivateKeyFileName
)

// Volume names used by the AUSF pod.
const (
	VolumeConfig   = "config"
	VolumeCerts    = "certs"
	VolumeTemplate = "config-template"
)
