// Package status provides helpers for manipulating AUSF status conditions
// and deriving the workload phase.
package status

import (
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	sdcorev1alpha1 "github.com/sdcore/ausf-operator/api/v1alpha1"
)

// Set adds or updates a condition, stamping LastTransitionTime and
// ObservedGeneration.
func Set(conditions *[]metav1.Condition, generation int64, conditionType sdcorev1alpha1.ConditionType, status metav1.ConditionStatus, reason, message string) {
	meta.SetStatusCondition(conditions, metav1.Condition{
		Type:               string(conditionType),
		Status:             status,
		Reason:             reason,
		Message:            message,
		ObservedGeneration: generation,
		LastTransitionTime: metav1.Now(),
	})
}

// True sets a condition to True status.
func True(conditions *[]metav1.Condition, generation int64, conditionType sdcorev1alpha1.ConditionType, reason, message string) {
	Set(conditions, generation, conditionType, metav1.ConditionTrue, reason, message)
}

// False sets a condition to False status.
func False(conditions *[]metav1.Condition, generation int64, conditionType sdcorev1alpha1.ConditionType, reason, message string) {
	Set(conditions, generation, conditionType, metav1.ConditionFalse, reason, message)
}

// IsTrue returns true if the condition with the given type has Status=True.
func IsTrue(conditions []metav1.Condition, conditionType sdcorev1alpha1.ConditionType) bool {
	return meta.IsStatusConditionTrue(conditions, string(conditionType))
}

// Get returns the condition with the given type, or nil if not found.
func Get(conditions []metav1.Condition, conditionType sdcorev1alpha1.ConditionType) *metav1.Condition {
	return meta.FindStatusCondition(conditions, string(conditionType))
}

// SetPhase records the phase and its actionable message on the AUSF status.
// Only the latest observation is kept.
func SetPhase(ausf *sdcorev1alpha1.AUSF, phase sdcorev1alpha1.AUSFPhase, message string) {
	ausf.Status.Phase = phase
	ausf.Status.Message = message
	ausf.Status.ObservedGeneration = ausf.Generation
}
