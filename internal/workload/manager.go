// Package workload manages the AUSF StatefulSet and its supporting objects.
// Apply is idempotent: an unchanged configuration never restarts the pod.
package workload

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-containerregistry/pkg/name"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	sdcorev1alpha1 "github.com/sdcore/ausf-operator/api/v1alpha1"
	"github.com/sdcore/ausf-operator/internal/constants"
	operrors "github.com/sdcore/ausf-operator/internal/errors"
	"github.com/sdcore/ausf-operator/internal/logging"
	"github.com/sdcore/ausf-operator/internal/render"
)

// Status is the observed state of the AUSF workload.
type Status struct {
	Exists     bool
	Ready      bool
	ConfigHash string
}

// Manager applies and observes the AUSF workload objects. All owned objects
// carry an OwnerReference so deletion of the AUSF cleans them up.
type Manager struct {
	client client.Client
	scheme *runtime.Scheme

	// initImage is the image carrying the config init helper binary,
	// normally the operator's own image.
	initImage string

	// PollInterval and PollTimeout bound the readiness wait.
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// NewManager constructs a workload Manager. initImage must carry the
// ausf-config-init binary.
func NewManager(c client.Client, scheme *runtime.Scheme, initImage string) *Manager {
	return &Manager{
		client:       c,
		scheme:       scheme,
		initImage:    initImage,
		PollInterval: constants.ReadinessPollInterval,
		PollTimeout:  constants.ReadinessTimeout,
	}
}

// Apply renders the workload objects for the given configuration and applies
// them with Server-Side Apply. It reports whether the applied configuration
// differs from the one the pod template currently carries; an identical
// configuration leaves the pod untouched.
func (m *Manager) Apply(ctx context.Context, logger logr.Logger, ausf *sdcorev1alpha1.AUSF, config []byte) (bool, string, error) {
	if _, err := name.ParseReference(ausf.Spec.Image); err != nil {
		return false, "", operrors.WrapWorkload(fmt.Errorf("invalid image reference %q: %w", ausf.Spec.Image, err))
	}

	hash := render.Hash(config)

	previousHash := ""
	existing := &appsv1.StatefulSet{}
	err := m.client.Get(ctx, types.NamespacedName{Namespace: ausf.Namespace, Name: ausf.Name}, existing)
	switch {
	case err == nil:
		previousHash = existing.Spec.Template.Annotations[constants.AnnotationConfigHash]
	case !apierrors.IsNotFound(err):
		return false, "", operrors.WrapWorkload(fmt.Errorf("failed to get StatefulSet %s/%s: %w", ausf.Namespace, ausf.Name, err))
	}

	objects := []client.Object{
		m.buildTemplateConfigMap(ausf, config),
		m.buildService(ausf),
	}
	statefulSet, err := m.buildStatefulSet(ausf, hash)
	if err != nil {
		return false, "", err
	}
	objects = append(objects, statefulSet)

	for _, obj := range objects {
		if err := m.apply(ctx, ausf, obj); err != nil {
			return false, "", err
		}
	}

	changed := previousHash != hash
	if changed && previousHash != "" {
		logger.Info("Workload configuration changed; pod restarts with the new config",
			"previous_hash", previousHash, "hash", hash)
		logging.LogAuditEvent(logger, logging.EventWorkloadRestarted, map[string]string{
			"hash": hash,
		})
	}
	return changed, hash, nil
}

// WaitReady blocks until the StatefulSet reports ready or the bounded wait
// elapses. A timeout classifies as a workload failure.
func (m *Manager) WaitReady(ctx context.Context, logger logr.Logger, ausf *sdcorev1alpha1.AUSF) error {
	key := types.NamespacedName{Namespace: ausf.Namespace, Name: ausf.Name}
	err := wait.PollUntilContextTimeout(ctx, m.PollInterval, m.PollTimeout, true, func(ctx context.Context) (bool, error) {
		sts := &appsv1.StatefulSet{}
		if err := m.client.Get(ctx, key, sts); err != nil {
			if apierrors.IsNotFound(err) {
				return false, nil
			}
			return false, err
		}
		return statefulSetReady(sts), nil
	})
	if err != nil {
		return operrors.WrapWorkload(fmt.Errorf("StatefulSet %s/%s did not become ready within %s: %w",
			ausf.Namespace, ausf.Name, m.PollTimeout, err))
	}
	logger.Info("Workload is ready", "statefulset", key.String())
	return nil
}

// CurrentStatus reads the StatefulSet without mutating anything.
func (m *Manager) CurrentStatus(ctx context.Context, ausf *sdcorev1alpha1.AUSF) (Status, error) {
	sts := &appsv1.StatefulSet{}
	err := m.client.Get(ctx, types.NamespacedName{Namespace: ausf.Namespace, Name: ausf.Name}, sts)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return Status{}, nil
		}
		return Status{}, operrors.WrapWorkload(fmt.Errorf("failed to get StatefulSet %s/%s: %w", ausf.Namespace, ausf.Name, err))
	}
	return Status{
		Exists:     true,
		Ready:      statefulSetReady(sts),
		ConfigHash: sts.Spec.Template.Annotations[constants.AnnotationConfigHash],
	}, nil
}

func statefulSetReady(sts *appsv1.StatefulSet) bool {
	replicas := int32(1)
	if sts.Spec.Replicas != nil {
		replicas = *sts.Spec.Replicas
	}
	return sts.Status.ReadyReplicas >= replicas
}

func (m *Manager) apply(ctx context.Context, ausf *sdcorev1alpha1.AUSF, obj client.Object) error {
	if err := controllerutil.SetControllerReference(ausf, obj, m.scheme); err != nil {
		return operrors.WrapWorkload(fmt.Errorf("failed to set owner reference on %s: %w", obj.GetName(), err))
	}
	if err := m.client.Patch(ctx, obj, client.Apply, client.FieldOwner(constants.FieldOwner), client.ForceOwnership); err != nil {
		return operrors.WrapWorkload(fmt.Errorf("failed to apply %T %s/%s: %w", obj, obj.GetNamespace(), obj.GetName(), err))
	}
	return nil
}

func workloadLabels(ausf *sdcorev1alpha1.AUSF) map[string]string {
	return map[string]string{
		constants.LabelAppName:        constants.LabelValueAppNameAUSF,
		constants.LabelAppInstance:    ausf.Name,
		constants.LabelAppManagedBy:   constants.LabelValueManagedBy,
		constants.LabelSDCoreFunction: constants.LabelValueFunctionAUSF,
	}
}

func selectorLabels(ausf *sdcorev1alpha1.AUSF) map[string]string {
	return map[string]string{
		constants.LabelAppName:     constants.LabelValueAppNameAUSF,
		constants.LabelAppInstance: ausf.Name,
	}
}

func (m *Manager) buildTemplateConfigMap(ausf *sdcorev1alpha1.AUSF, config []byte) *corev1.ConfigMap {
	return &corev1.ConfigMap{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "ConfigMap"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      ausf.Name + constants.SuffixConfigMap,
			Namespace: ausf.Namespace,
			Labels:    workloadLabels(ausf),
		},
		Data: map[string]string{
			constants.ConfigFileName: string(config),
		},
	}
}

func (m *Manager) buildService(ausf *sdcorev1alpha1.AUSF) *corev1.Service {
	labels := workloadLabels(ausf)
	labels[constants.LabelAppComponent] = constants.LabelValueComponentSBI
	return &corev1.Service{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "Service"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      ausf.Name,
			Namespace: ausf.Namespace,
			Labels:    labels,
		},
		Spec: corev1.ServiceSpec{
			ClusterIP: corev1.ClusterIPNone,
			Selector:  selectorLabels(ausf),
			Ports: []corev1.ServicePort{{
				Name:       "sbi",
				Port:       ausf.EffectiveSBIPort(),
				TargetPort: intstr.FromString("sbi"),
			}},
		},
	}
}

func (m *Manager) buildStatefulSet(ausf *sdcorev1alpha1.AUSF, configHash string) (*appsv1.StatefulSet, error) {
	configSize, err := resource.ParseQuantity(ausf.EffectiveConfigSize())
	if err != nil {
		return nil, operrors.WrapWorkload(fmt.Errorf("invalid config volume size %q: %w", ausf.EffectiveConfigSize(), err))
	}

	initImage := m.initImage
	if initImage == "" {
		initImage = ausf.Spec.Image
	}

	return &appsv1.StatefulSet{
		TypeMeta: metav1.TypeMeta{APIVersion: "apps/v1", Kind: "StatefulSet"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      ausf.Name,
			Namespace: ausf.Namespace,
			Labels:    workloadLabels(ausf),
		},
		Spec: appsv1.StatefulSetSpec{
			Replicas:    ptr.To(int32(1)),
			ServiceName: ausf.Name,
			Selector: &metav1.LabelSelector{
				MatchLabels: selectorLabels(ausf),
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: workloadLabels(ausf),
					Annotations: map[string]string{
						constants.AnnotationConfigHash: configHash,
					},
				},
				Spec: corev1.PodSpec{
					InitContainers: []corev1.Container{{
						Name:    constants.ContainerNameConfigInit,
						Image:   initImage,
						Command: []string{constants.BinaryNameConfigInit},
						Args: []string{
							"--template", constants.PathConfigTemplate,
							"--output", constants.PathConfigFile,
						},
						Env: []corev1.EnvVar{{
							Name: constants.EnvPodIP,
							ValueFrom: &corev1.EnvVarSource{
								FieldRef: &corev1.ObjectFieldSelector{FieldPath: "status.podIP"},
							},
						}},
						VolumeMounts: []corev1.VolumeMount{
							{Name: constants.VolumeTemplate, MountPath: constants.PathTemplateDir, ReadOnly: true},
							{Name: constants.VolumeConfig, MountPath: constants.PathConfigDir},
						},
					}},
					Containers: []corev1.Container{{
						Name:    constants.ContainerNameAUSF,
						Image:   ausf.Spec.Image,
						Command: []string{constants.BinaryNameAUSF, "--ausfcfg", constants.PathConfigFile},
						Ports: []corev1.ContainerPort{{
							Name:          "sbi",
							ContainerPort: ausf.EffectiveSBIPort(),
						}},
						ReadinessProbe: &corev1.Probe{
							ProbeHandler: corev1.ProbeHandler{
								TCPSocket: &corev1.TCPSocketAction{Port: intstr.FromString("sbi")},
							},
							InitialDelaySeconds: 5,
							PeriodSeconds:       10,
						},
						VolumeMounts: []corev1.VolumeMount{
							{Name: constants.VolumeConfig, MountPath: constants.PathConfigDir},
							{Name: constants.VolumeCerts, MountPath: constants.PathCertsDir, ReadOnly: true},
						},
					}},
					Volumes: []corev1.Volume{
						{
							Name: constants.VolumeTemplate,
							VolumeSource: corev1.VolumeSource{
								ConfigMap: &corev1.ConfigMapVolumeSource{
									LocalObjectReference: corev1.LocalObjectReference{
										Name: ausf.Name + constants.SuffixConfigMap,
									},
								},
							},
						},
						{
							Name: constants.VolumeCerts,
							VolumeSource: corev1.VolumeSource{
								Secret: &corev1.SecretVolumeSource{
									SecretName: ausf.Name + constants.SuffixCertsSecret,
								},
							},
						},
					},
				},
			},
			VolumeClaimTemplates: []corev1.PersistentVolumeClaim{{
				ObjectMeta: metav1.ObjectMeta{Name: constants.VolumeConfig},
				Spec: corev1.PersistentVolumeClaimSpec{
					AccessModes:      []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
					StorageClassName: ausf.Spec.Storage.StorageClassName,
					Resources: corev1.VolumeResourceRequirements{
						Requests: corev1.ResourceList{
							corev1.ResourceStorage: configSize,
						},
					},
				},
			}},
		},
	}, nil
}
