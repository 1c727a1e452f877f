package constants

// Declared relation names. These are the only integration points the AUSF
// workload exposes; anything else is a programmer error.
const (
	RelationFivegNRF     = "fiveg_nrf"
	RelationCertificates = "certificates"
)

// Data keys exchanged over the fiveg_nrf relation.
const (
	RelationKeyNRFAddress = "nrf_address"
)

// Data keys exchanged over the certificates relation. This side publishes
// the CSR; the issuer side publishes the rest.
const (
	RelationKeyCSR         = "csr"
	RelationKeyCertificate = "certificate"
	RelationKeyCA          = "ca"
	RelationKeyChain       = "chain"
)

// Resource name suffixes for the objects that carry relation data. The
// remote side creates them in the AUSF's namespace; the operator watches
// both.
const (
	SuffixNRFRelation          = "-fiveg-nrf"
	SuffixCertificatesRelation = "-certificates"
)
