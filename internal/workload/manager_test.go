package workload

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	sdcorev1alpha1 "github.com/sdcore/ausf-operator/api/v1alpha1"
	"github.com/sdcore/ausf-operator/internal/constants"
	operrors "github.com/sdcore/ausf-operator/internal/errors"
	"github.com/sdcore/ausf-operator/internal/render"
)

func newTestScheme(t *testing.T) *runtime.Scheme {
	t.Helper()
	scheme := runtime.NewScheme()
	require.NoError(t, clientgoscheme.AddToScheme(scheme))
	require.NoError(t, sdcorev1alpha1.AddToScheme(scheme))
	return scheme
}

func newAUSF() *sdcorev1alpha1.AUSF {
	return &sdcorev1alpha1.AUSF{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "ausf",
			Namespace: "sdcore",
			UID:       "11111111-2222-3333-4444-555555555555",
		},
		Spec: sdcorev1alpha1.AUSFSpec{Image: "ghcr.io/sdcore/ausf:1.3"},
	}
}

func newFixture(t *testing.T, objs ...client.Object) (*Manager, client.Client) {
	t.Helper()
	scheme := newTestScheme(t)
	c := fake.NewClientBuilder().WithScheme(scheme).WithObjects(objs...).Build()
	m := NewManager(c, scheme, "ghcr.io/sdcore/ausf-operator:1.0")
	m.PollInterval = 10 * time.Millisecond
	m.PollTimeout = 500 * time.Millisecond
	return m, c
}

func getStatefulSet(t *testing.T, c client.Client) *appsv1.StatefulSet {
	t.Helper()
	sts := &appsv1.StatefulSet{}
	require.NoError(t, c.Get(context.Background(), types.NamespacedName{Namespace: "sdcore", Name: "ausf"}, sts))
	return sts
}

func TestApplyCreatesWorkloadObjects(t *testing.T) {
	m, c := newFixture(t)
	ctx := context.Background()
	ausf := newAUSF()
	config := []byte("configuration: v1\n")

	changed, hash, err := m.Apply(ctx, logr.Discard(), ausf, config)
	require.NoError(t, err)
	require.True(t, changed, "first apply always counts as a change")
	require.Equal(t, render.Hash(config), hash)

	sts := getStatefulSet(t, c)
	require.Equal(t, hash, sts.Spec.Template.Annotations[constants.AnnotationConfigHash])
	require.Equal(t, int32(1), *sts.Spec.Replicas)
	require.Len(t, sts.Spec.Template.Spec.Containers, 1)
	require.Equal(t, []string{"/bin/ausf", "--ausfcfg", "/free5gc/config/ausfcfg.conf"},
		sts.Spec.Template.Spec.Containers[0].Command)
	require.Len(t, sts.Spec.Template.Spec.InitContainers, 1)
	require.Equal(t, "ghcr.io/sdcore/ausf-operator:1.0", sts.Spec.Template.Spec.InitContainers[0].Image)
	require.NotEmpty(t, sts.OwnerReferences)

	cm := &corev1.ConfigMap{}
	require.NoError(t, c.Get(ctx, types.NamespacedName{Namespace: "sdcore", Name: "ausf-config"}, cm))
	require.Equal(t, string(config), cm.Data[constants.ConfigFileName])

	svc := &corev1.Service{}
	require.NoError(t, c.Get(ctx, types.NamespacedName{Namespace: "sdcore", Name: "ausf"}, svc))
	require.Equal(t, corev1.ClusterIPNone, svc.Spec.ClusterIP)
	require.Equal(t, int32(29509), svc.Spec.Ports[0].Port)
}

func TestApplyUnchangedConfigDoesNotRestart(t *testing.T) {
	m, c := newFixture(t)
	ctx := context.Background()
	ausf := newAUSF()
	config := []byte("configuration: v1\n")

	_, _, err := m.Apply(ctx, logr.Discard(), ausf, config)
	require.NoError(t, err)
	before := getStatefulSet(t, c).Spec.Template.Annotations[constants.AnnotationConfigHash]

	changed, hash, err := m.Apply(ctx, logr.Discard(), ausf, config)
	require.NoError(t, err)
	require.False(t, changed, "identical configuration must not trigger a restart")
	require.Equal(t, before, hash)
}

func TestApplyChangedConfigReportsChange(t *testing.T) {
	m, c := newFixture(t)
	ctx := context.Background()
	ausf := newAUSF()

	_, _, err := m.Apply(ctx, logr.Discard(), ausf, []byte("configuration: v1\n"))
	require.NoError(t, err)

	changed, hash, err := m.Apply(ctx, logr.Discard(), ausf, []byte("configuration: v2\n"))
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, hash, getStatefulSet(t, c).Spec.Template.Annotations[constants.AnnotationConfigHash])
}

func TestApplyRejectsInvalidImage(t *testing.T) {
	m, _ := newFixture(t)
	ausf := newAUSF()
	ausf.Spec.Image = "not a valid image!!"

	_, _, err := m.Apply(context.Background(), logr.Discard(), ausf, []byte("configuration: v1\n"))
	require.Error(t, err)
	require.True(t, operrors.IsWorkload(err))
}

func TestApplyRejectsInvalidStorageSize(t *testing.T) {
	m, _ := newFixture(t)
	ausf := newAUSF()
	ausf.Spec.Storage.ConfigSize = "one-megabyte"

	_, _, err := m.Apply(context.Background(), logr.Discard(), ausf, []byte("configuration: v1\n"))
	require.Error(t, err)
	require.True(t, operrors.IsWorkload(err))
}

func TestWaitReadySucceedsWhenReplicaComesUp(t *testing.T) {
	m, c := newFixture(t)
	ctx := context.Background()
	ausf := newAUSF()

	_, _, err := m.Apply(ctx, logr.Discard(), ausf, []byte("configuration: v1\n"))
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		sts := getStatefulSet(t, c)
		sts.Status.ReadyReplicas = 1
		_ = c.Status().Update(context.Background(), sts)
	}()

	require.NoError(t, m.WaitReady(ctx, logr.Discard(), ausf))
}

func TestWaitReadyTimesOutAsWorkloadError(t *testing.T) {
	m, _ := newFixture(t)
	ctx := context.Background()
	ausf := newAUSF()

	_, _, err := m.Apply(ctx, logr.Discard(), ausf, []byte("configuration: v1\n"))
	require.NoError(t, err)

	err = m.WaitReady(ctx, logr.Discard(), ausf)
	require.Error(t, err)
	require.True(t, operrors.IsWorkload(err))
}

func TestCurrentStatus(t *testing.T) {
	m, c := newFixture(t)
	ctx := context.Background()
	ausf := newAUSF()

	status, err := m.CurrentStatus(ctx, ausf)
	require.NoError(t, err)
	require.False(t, status.Exists)

	_, hash, err := m.Apply(ctx, logr.Discard(), ausf, []byte("configuration: v1\n"))
	require.NoError(t, err)

	status, err = m.CurrentStatus(ctx, ausf)
	require.NoError(t, err)
	require.True(t, status.Exists)
	require.False(t, status.Ready)
	require.Equal(t, hash, status.ConfigHash)

	sts := getStatefulSet(t, c)
	sts.Status.ReadyReplicas = 1
	require.NoError(t, c.Status().Update(ctx, sts))

	status, err = m.CurrentStatus(ctx, ausf)
	require.NoError(t, err)
	require.True(t, status.Ready)
}
