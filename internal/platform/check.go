// Package platform verifies at startup that the cluster provides everything
// the operator depends on. A missing capability is fatal; the operator exits
// instead of retrying in a loop against an API that cannot serve it.
package platform

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	apiextensionsclient "k8s.io/apiextensions-apiserver/pkg/client/clientset/clientset"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/version"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/rest"

	operrors "github.com/sdcore/ausf-operator/internal/errors"
)

// CRDName is the CustomResourceDefinition the operator serves.
const CRDName = "ausfs.sdcore.dev"

type versionGetter interface {
	ServerVersion() (*version.Info, error)
}

type crdGetter interface {
	Get(ctx context.Context, name string, opts metav1.GetOptions) (*apiextensionsv1.CustomResourceDefinition, error)
}

// Checker probes the cluster for required capabilities.
type Checker struct {
	versions versionGetter
	crds     crdGetter
}

// NewChecker builds a Checker from a rest config.
func NewChecker(cfg *rest.Config) (*Checker, error) {
	disco, err := discovery.NewDiscoveryClientForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery client: %w", err)
	}
	extClient, err := apiextensionsclient.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create apiextensions client: %w", err)
	}
	return &Checker{
		versions: disco,
		crds:     extClient.ApiextensionsV1().CustomResourceDefinitions(),
	}, nil
}

// Check verifies that the API server answers and that the AUSF CRD is
// installed. Any failure classifies as platform unavailable.
func (c *Checker) Check(ctx context.Context, logger logr.Logger) error {
	info, err := c.versions.ServerVersion()
	if err != nil {
		return operrors.WrapPlatformUnavailable(fmt.Errorf("API server is not reachable: %w", err))
	}
	logger.Info("Connected to Kubernetes API server", "version", info.GitVersion)

	crd, err := c.crds.Get(ctx, CRDName, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return operrors.WrapPlatformUnavailable(fmt.Errorf("CustomResourceDefinition %s is not installed", CRDName))
		}
		return operrors.WrapPlatformUnavailable(fmt.Errorf("failed to check CustomResourceDefinition %s: %w", CRDName, err))
	}

	established := false
	for _, cond := range crd.Status.Conditions {
		if cond.Type == apiextensionsv1.Established && cond.Status == apiextensionsv1.ConditionTrue {
			established = true
			break
		}
	}
	if !established {
		return operrors.WrapPlatformUnavailable(fmt.Errorf("CustomResourceDefinition %s is installed but not established", CRDName))
	}
	return nil
}
