/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	// AUSFFinalizer is the finalizer used to ensure cleanup logic runs
	// before an AUSF is fully deleted.
	AUSFFinalizer = "sdcore.dev/ausf-finalizer"
)

// AUSFPhase is a high-level summary of the workload state, recomputed on
// every reconcile pass.
// +kubebuilder:validation:Enum=Blocked;Waiting;Active;Error
type AUSFPhase string

const (
	// PhaseBlocked indicates a required relation is absent or broken.
	PhaseBlocked AUSFPhase = "Blocked"
	// PhaseWaiting indicates relations exist but data needed to render the
	// workload configuration is still incomplete.
	PhaseWaiting AUSFPhase = "Waiting"
	// PhaseActive indicates the configuration was rendered and applied and
	// the workload is serving.
	PhaseActive AUSFPhase = "Active"
	// PhaseError indicates the workload failed to apply or become ready.
	PhaseError AUSFPhase = "Error"
)

// ConditionType identifies a specific aspect of AUSF health or lifecycle.
type ConditionType string

const (
	// ConditionRelationsReady indicates both declared relations exist.
	ConditionRelationsReady ConditionType = "RelationsReady"
	// ConditionCertificateReady indicates a signed TLS certificate is stored.
	ConditionCertificateReady ConditionType = "CertificateReady"
	// ConditionConfigRendered indicates the runtime configuration was
	// rendered and published.
	ConditionConfigRendered ConditionType = "ConfigRendered"
	// ConditionWorkloadReady indicates the AUSF StatefulSet reports ready.
	ConditionWorkloadReady ConditionType = "WorkloadReady"
)

// TLSConfig controls the certificate request issued over the certificates
// relation.
type TLSConfig struct {
	// CommonName is the subject common name for the CSR.
	// Defaults to "ausf.sdcore", which the AUSF image expects.
	// +optional
	CommonName string `json:"commonName,omitempty"`

	// ExtraSANs are additional DNS SANs requested on the certificate.
	// +optional
	ExtraSANs []string `json:"extraSANs,omitempty"`
}

// StorageConfig sizes the persistent mounts of the workload.
type StorageConfig struct {
	// ConfigSize is the capacity requested for the rendered configuration
	// volume. Defaults to 1Mi. Certificate material needs no sizing; it is
	// projected from a Secret.
	// +optional
	ConfigSize string `json:"configSize,omitempty"`

	// StorageClassName selects the storage class for the config volume.
	// +optional
	StorageClassName *string `json:"storageClassName,omitempty"`
}

// AUSFSpec defines the desired state of an AUSF workload.
type AUSFSpec struct {
	// Image is the AUSF container image reference. Required.
	// +kubebuilder:validation:MinLength=1
	Image string `json:"image"`

	// SBIPort is the Service Based Interface port. Defaults to 29509.
	// +optional
	SBIPort int32 `json:"sbiPort,omitempty"`

	// GroupID is the AUSF group identifier placed in the rendered
	// configuration. Defaults to "ausfGroup001".
	// +optional
	GroupID string `json:"groupId,omitempty"`

	// TLS configures the certificate request.
	// +optional
	TLS TLSConfig `json:"tls,omitempty"`

	// Storage sizes the persistent mounts.
	// +optional
	Storage StorageConfig `json:"storage,omitempty"`

	// Paused suspends reconciliation when true.
	// +optional
	Paused bool `json:"paused,omitempty"`
}

// RelationStatus reports the observed state of one declared relation.
type RelationStatus struct {
	// Name is the relation name (fiveg_nrf or certificates).
	Name string `json:"name"`

	// State is the observed relation state
	// (Absent, Requested, Connected or Broken).
	State string `json:"state"`
}

// AUSFStatus defines the observed state of an AUSF workload. Only the latest
// observation is kept; no history is recorded.
type AUSFStatus struct {
	// Phase summarizes the workload state.
	// +optional
	Phase AUSFPhase `json:"phase,omitempty"`

	// Message is the most specific actionable cause for the current phase,
	// empty when Active.
	// +optional
	Message string `json:"message,omitempty"`

	// Conditions represent the latest available observations.
	// +optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`

	// Relations reports the observed state of the declared relations.
	// +optional
	Relations []RelationStatus `json:"relations,omitempty"`

	// AppliedConfigHash is the content hash of the last configuration
	// applied to the workload.
	// +optional
	AppliedConfigHash string `json:"appliedConfigHash,omitempty"`

	// CertificateExpiry is the NotAfter timestamp of the stored certificate.
	// +optional
	CertificateExpiry *metav1.Time `json:"certificateExpiry,omitempty"`

	// ObservedGeneration is the generation last acted upon.
	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:shortName=ausf
// +kubebuilder:printcolumn:name="Phase",type=string,JSONPath=`.status.phase`
// +kubebuilder:printcolumn:name="Message",type=string,JSONPath=`.status.message`
// +kubebuilder:printcolumn:name="Age",type=date,JSONPath=`.metadata.creationTimestamp`

// AUSF is the Schema for the ausfs API.
type AUSF struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   AUSFSpec   `json:"spec,omitempty"`
	Status AUSFStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// AUSFList contains a list of AUSF.
type AUSFList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []AUSF `json:"items"`
}

func init() {
	SchemeBuilder.Register(&AUSF{}, &AUSFList{})
}

// Default values applied by the defaulting helpers below. The AUSF image has
// these baked in, so they rarely need overriding.
const (
	DefaultSBIPort    int32 = 29509
	DefaultGroupID          = "ausfGroup001"
	DefaultCommonName       = "ausf.sdcore"
	DefaultMountSize        = "1Mi"
)

// EffectiveSBIPort returns the configured SBI port or the default.
func (a *AUSF) EffectiveSBIPort() int32 {
	if a.Spec.SBIPort != 0 {
		return a.Spec.SBIPort
	}
	return DefaultSBIPort
}

// EffectiveGroupID returns the configured group ID or the default.
func (a *AUSF) EffectiveGroupID() string {
	if a.Spec.GroupID != "" {
		return a.Spec.GroupID
	}
	return DefaultGroupID
}

// EffectiveCommonName returns the configured certificate subject or the
// default.
func (a *AUSF) EffectiveCommonName() string {
	if a.Spec.TLS.CommonName != "" {
		return a.Spec.TLS.CommonName
	}
	return DefaultCommonName
}

// EffectiveConfigSize returns the configured config volume size or the
// default minimum.
func (a *AUSF) EffectiveConfigSize() string {
	if a.Spec.Storage.ConfigSize != "" {
		return a.Spec.Storage.ConfigSize
	}
	return DefaultMountSize
}
