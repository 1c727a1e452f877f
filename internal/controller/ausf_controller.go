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

package controller

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/util/workqueue"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/event"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"
	"sigs.k8s.io/controller-runtime/pkg/source"

	sdcorev1alpha1 "github.com/sdcore/ausf-operator/api/v1alpha1"
	"github.com/sdcore/ausf-operator/internal/certs"
	"github.com/sdcore/ausf-operator/internal/constants"
	operrors "github.com/sdcore/ausf-operator/internal/errors"
	"github.com/sdcore/ausf-operator/internal/relation"
	"github.com/sdcore/ausf-operator/internal/render"
	"github.com/sdcore/ausf-operator/internal/status"
	"github.com/sdcore/ausf-operator/internal/workload"
)

// AUSFReconciler reconciles an AUSF object. Every pass recomputes desired
// state from what currently exists in the cluster; the relation store only
// caches the last observation so lifecycle transitions can be enforced.
type AUSFReconciler struct {
	client.Client
	Scheme *runtime.Scheme

	Relations *relation.Store
	Observer  *relation.Observer
	Certs     *certs.Manager
	Workload  *workload.Manager

	// Now is the clock used for certificate expiry decisions.
	Now func() time.Time

	events chan event.GenericEvent
}

// NewAUSFReconciler wires the reconciler and its collaborators. Relation
// state changes feed back into the workqueue through an internal event
// channel so a store update always schedules a pass.
func NewAUSFReconciler(c client.Client, scheme *runtime.Scheme, workloadInitImage string) *AUSFReconciler {
	r := &AUSFReconciler{
		Client: c,
		Scheme: scheme,
		Now:    time.Now,
		events: make(chan event.GenericEvent, 64),
	}
	r.Relations = relation.NewStore(r.enqueue, constants.RelationFivegNRF, constants.RelationCertificates)
	r.Observer = relation.NewObserver(c, r.Relations)
	r.Certs = certs.NewManager(c, scheme)
	r.Workload = workload.NewManager(c, scheme, workloadInitImage)
	return r
}

// ResyncEvents exposes the internal event channel so the periodic resyncer
// can schedule passes through the same coalescing queue.
func (r *AUSFReconciler) ResyncEvents() chan event.GenericEvent {
	return r.events
}

func (r *AUSFReconciler) enqueue(owner types.NamespacedName) {
	evt := event.GenericEvent{Object: &sdcorev1alpha1.AUSF{
		ObjectMeta: metav1.ObjectMeta{Namespace: owner.Namespace, Name: owner.Name},
	}}
	select {
	case r.events <- evt:
	default:
		// Channel full; the object watches will deliver the change anyway.
	}
}

// +kubebuilder:rbac:groups=sdcore.dev,resources=ausfs,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=sdcore.dev,resources=ausfs/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=sdcore.dev,resources=ausfs/finalizers,verbs=update
// +kubebuilder:rbac:groups="",resources=secrets,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups="",resources=configmaps,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups="",resources=services,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=apps,resources=statefulsets,verbs=get;list;watch;create;update;patch;delete

// Reconcile drives one AUSF from observed state to desired state. The pass
// is level triggered: it recomputes everything from what currently exists
// and applies only the difference.
func (r *AUSFReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx).WithValues(
		"ausf_namespace", req.Namespace,
		"ausf_name", req.Name,
		"controller", "ausf",
	)
	recordReconcile()

	ausf := &sdcorev1alpha1.AUSF{}
	if err := r.Get(ctx, req.NamespacedName, ausf); err != nil {
		if apierrors.IsNotFound(err) {
			r.Relations.Forget(req.NamespacedName)
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, fmt.Errorf("failed to get AUSF %s/%s: %w", req.Namespace, req.Name, err)
	}

	if !ausf.DeletionTimestamp.IsZero() {
		return r.reconcileDeletion(ctx, logger, ausf)
	}

	if !containsFinalizer(ausf.Finalizers, sdcorev1alpha1.AUSFFinalizer) {
		ausf.Finalizers = append(ausf.Finalizers, sdcorev1alpha1.AUSFFinalizer)
		if err := r.Update(ctx, ausf); err != nil {
			return ctrl.Result{}, fmt.Errorf("failed to add finalizer to AUSF %s/%s: %w", ausf.Namespace, ausf.Name, err)
		}
		// Requeue to observe the resource with the finalizer attached.
		return ctrl.Result{}, nil
	}

	if ausf.Spec.Paused {
		logger.Info("Reconciliation is paused for AUSF")
		status.SetPhase(ausf, ausf.Status.Phase, "reconciliation is paused")
		return ctrl.Result{}, r.updateStatus(ctx, ausf)
	}

	result, err := r.reconcileWorkload(ctx, logger, ausf)
	if err != nil {
		return r.finishWithError(ctx, logger, ausf, err)
	}
	return result, r.updateStatus(ctx, ausf)
}

// reconcileDeletion withdraws the published CSR, drops cached relation state
// and releases the finalizer. Owned objects are garbage collected through
// their OwnerReferences.
func (r *AUSFReconciler) reconcileDeletion(ctx context.Context, logger logr.Logger, ausf *sdcorev1alpha1.AUSF) (ctrl.Result, error) {
	logger.Info("AUSF is marked for deletion")
	if !containsFinalizer(ausf.Finalizers, sdcorev1alpha1.AUSFFinalizer) {
		return ctrl.Result{}, nil
	}

	if err := r.Certs.Cleanup(ctx, ausf); err != nil {
		return ctrl.Result{}, err
	}
	r.Relations.Forget(types.NamespacedName{Namespace: ausf.Namespace, Name: ausf.Name})

	ausf.Finalizers = removeFinalizer(ausf.Finalizers, sdcorev1alpha1.AUSFFinalizer)
	if err := r.Update(ctx, ausf); err != nil {
		return ctrl.Result{}, fmt.Errorf("failed to remove finalizer from AUSF %s/%s: %w", ausf.Namespace, ausf.Name, err)
	}
	return ctrl.Result{}, nil
}

// reconcileWorkload is the happy-path pipeline: relations, certificate,
// configuration, workload. Each stage either completes or decides the phase.
func (r *AUSFReconciler) reconcileWorkload(ctx context.Context, logger logr.Logger, ausf *sdcorev1alpha1.AUSF) (ctrl.Result, error) {
	owner := types.NamespacedName{Namespace: ausf.Namespace, Name: ausf.Name}

	if err := r.Observer.Observe(ctx, logger, ausf); err != nil {
		return ctrl.Result{}, err
	}

	snapshot := r.Relations.Snapshot(owner)
	ausf.Status.Relations = relationStatuses(snapshot)

	if missing := missingRelations(snapshot); len(missing) > 0 {
		message := fmt.Sprintf("Waiting for %s relation(s) to be created", strings.Join(missing, ", "))
		status.False(&ausf.Status.Conditions, ausf.Generation, sdcorev1alpha1.ConditionRelationsReady,
			constants.ReasonRelationMissing, message)
		status.SetPhase(ausf, sdcorev1alpha1.PhaseBlocked, message)
		logger.Info("AUSF is blocked on missing relations", "missing", missing)
		return ctrl.Result{}, nil
	}
	status.True(&ausf.Status.Conditions, ausf.Generation, sdcorev1alpha1.ConditionRelationsReady,
		constants.ReasonReady, "all declared relations exist")

	certState := r.Relations.Get(owner, constants.RelationCertificates)
	record, err := r.Certs.Reconcile(ctx, logger, ausf, certState.RemoteData, r.Now())
	if err != nil {
		return ctrl.Result{}, err
	}
	if record.Expiry.IsZero() {
		ausf.Status.CertificateExpiry = nil
	} else {
		ausf.Status.CertificateExpiry = &metav1.Time{Time: record.Expiry}
	}
	if !record.Ready() {
		message := "Waiting for certificate to be issued"
		status.False(&ausf.Status.Conditions, ausf.Generation, sdcorev1alpha1.ConditionCertificateReady,
			constants.ReasonCSRPending, message)
		status.SetPhase(ausf, sdcorev1alpha1.PhaseWaiting, message)
		return ctrl.Result{RequeueAfter: constants.RequeueStandard}, nil
	}
	status.True(&ausf.Status.Conditions, ausf.Generation, sdcorev1alpha1.ConditionCertificateReady,
		constants.ReasonReady, "certificate is issued and stored")

	nrfState := r.Relations.Get(owner, constants.RelationFivegNRF)
	config, err := render.Config(render.Inputs{
		NRFAddress: nrfState.RemoteData[constants.RelationKeyNRFAddress],
		GroupID:    ausf.EffectiveGroupID(),
		SBIPort:    ausf.EffectiveSBIPort(),
	})
	if err != nil {
		status.False(&ausf.Status.Conditions, ausf.Generation, sdcorev1alpha1.ConditionConfigRendered,
			constants.ReasonAwaitingData, err.Error())
		return ctrl.Result{}, err
	}
	status.True(&ausf.Status.Conditions, ausf.Generation, sdcorev1alpha1.ConditionConfigRendered,
		constants.ReasonReady, "configuration rendered")

	changed, hash, err := r.Workload.Apply(ctx, logger, ausf, config)
	if err != nil {
		return ctrl.Result{}, err
	}
	ausf.Status.AppliedConfigHash = hash

	if changed {
		// Block this pass until the restarted workload reports ready. New
		// events queue behind it and coalesce.
		if err := r.Workload.WaitReady(ctx, logger, ausf); err != nil {
			return ctrl.Result{}, err
		}
	} else {
		current, err := r.Workload.CurrentStatus(ctx, ausf)
		if err != nil {
			return ctrl.Result{}, err
		}
		if !current.Ready {
			message := "Waiting for workload to become ready"
			status.False(&ausf.Status.Conditions, ausf.Generation, sdcorev1alpha1.ConditionWorkloadReady,
				constants.ReasonWorkloadNotReady, message)
			status.SetPhase(ausf, sdcorev1alpha1.PhaseWaiting, message)
			return ctrl.Result{RequeueAfter: constants.RequeueShort}, nil
		}
	}

	status.True(&ausf.Status.Conditions, ausf.Generation, sdcorev1alpha1.ConditionWorkloadReady,
		constants.ReasonReady, "workload is serving")
	status.SetPhase(ausf, sdcorev1alpha1.PhaseActive, "")
	return ctrl.Result{}, nil
}

func (r *AUSFReconciler) updateStatus(ctx context.Context, ausf *sdcorev1alpha1.AUSF) error {
	recordPhase(ausf.Namespace, ausf.Name, ausf.Status.Phase)
	if err := r.Status().Update(ctx, ausf); err != nil {
		return fmt.Errorf("failed to update status of AUSF %s/%s: %w", ausf.Namespace, ausf.Name, err)
	}
	return nil
}

// finishWithError translates a classified error into phase, status and
// requeue behavior. Incomplete state is an expected transient condition;
// workload failures retry with the queue's backoff; fatal classifications
// stop retrying until the next external event.
func (r *AUSFReconciler) finishWithError(ctx context.Context, logger logr.Logger, ausf *sdcorev1alpha1.AUSF, err error) (ctrl.Result, error) {
	recordReconcileError()

	switch {
	case operrors.IsIncompleteState(err):
		logger.Info("Inputs are incomplete; waiting", "reason", err.Error())
		status.SetPhase(ausf, sdcorev1alpha1.PhaseWaiting, err.Error())
	case operrors.IsWorkload(err):
		logger.Error(err, "Workload reconciliation failed")
		status.SetPhase(ausf, sdcorev1alpha1.PhaseError, err.Error())
	case operrors.IsUnknownRelation(err), operrors.IsPlatformUnavailable(err):
		logger.Error(err, "Fatal reconciliation error; not retrying")
		status.SetPhase(ausf, sdcorev1alpha1.PhaseError, err.Error())
	default:
		logger.Error(err, "Reconciliation failed")
		status.SetPhase(ausf, sdcorev1alpha1.PhaseError, err.Error())
	}

	if statusErr := r.updateStatus(ctx, ausf); statusErr != nil {
		return ctrl.Result{}, statusErr
	}

	requeue, after := operrors.ShouldRequeue(err)
	if !requeue {
		return ctrl.Result{}, nil
	}
	if after > 0 {
		return ctrl.Result{RequeueAfter: after}, nil
	}
	// Let the rate limiter apply exponential backoff.
	return ctrl.Result{}, err
}

func relationStatuses(snapshot []relation.State) []sdcorev1alpha1.RelationStatus {
	out := make([]sdcorev1alpha1.RelationStatus, 0, len(snapshot))
	for _, state := range snapshot {
		out = append(out, sdcorev1alpha1.RelationStatus{
			Name:  state.Name,
			State: string(state.Status),
		})
	}
	return out
}

// missingRelations lists relations the workload cannot run without, in the
// order they appear in the snapshot.
func missingRelations(snapshot []relation.State) []string {
	var missing []string
	for _, state := range snapshot {
		if state.Status == relation.StatusAbsent || state.Status == relation.StatusBroken {
			missing = append(missing, state.Name)
		}
	}
	return missing
}

func containsFinalizer(finalizers []string, value string) bool {
	for _, f := range finalizers {
		if f == value {
			return true
		}
	}
	return false
}

func removeFinalizer(finalizers []string, value string) []string {
	result := make([]string, 0, len(finalizers))
	for _, f := range finalizers {
		if f == value {
			continue
		}
		result = append(result, f)
	}
	return result
}

// mapRelationObject resolves a relation-carrying object name back to its
// owning AUSF. Objects that are not relation carriers map to nothing.
func (r *AUSFReconciler) mapRelationObject(ctx context.Context, obj client.Object) []reconcile.Request {
	name := obj.GetName()
	for _, suffix := range []string{constants.SuffixNRFRelation, constants.SuffixCertificatesRelation} {
		if owner, ok := strings.CutSuffix(name, suffix); ok && owner != "" {
			return []reconcile.Request{{NamespacedName: types.NamespacedName{
				Namespace: obj.GetNamespace(),
				Name:      owner,
			}}}
		}
	}
	return nil
}

// SetupWithManager sets up the controller with the Manager. A single worker
// with a coalescing workqueue serializes all passes per AUSF; relation
// object changes and internal store notifications funnel into the same
// queue.
func (r *AUSFReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&sdcorev1alpha1.AUSF{}).
		Owns(&appsv1.StatefulSet{}).
		Owns(&corev1.Service{}).
		Owns(&corev1.ConfigMap{}).
		Owns(&corev1.Secret{}).
		// Relation objects are created by the remote side and carry no
		// OwnerReference; map them back by name.
		Watches(&corev1.ConfigMap{}, handler.EnqueueRequestsFromMapFunc(r.mapRelationObject)).
		Watches(&corev1.Secret{}, handler.EnqueueRequestsFromMapFunc(r.mapRelationObject)).
		WatchesRawSource(source.Channel(r.events, &handler.EnqueueRequestForObject{})).
		WithOptions(controller.Options{
			MaxConcurrentReconciles: 1,
			RateLimiter:             workqueue.NewTypedItemExponentialFailureRateLimiter[ctrl.Request](1*time.Second, 60*time.Second),
		}).
		Named("ausf").
		Complete(r)
}
