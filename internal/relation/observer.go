package relation

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	sdcorev1alpha1 "github.com/sdcore/ausf-operator/api/v1alpha1"
	"github.com/sdcore/ausf-operator/internal/constants"
	"github.com/sdcore/ausf-operator/internal/logging"
)

// Observer derives relation state from the cluster objects that carry
// relation data and feeds the store. The remote side owns those objects; the
// operator only reads them here.
type Observer struct {
	client client.Client
	store  *Store
}

// NewObserver constructs an Observer backed by the given client and store.
func NewObserver(c client.Client, store *Store) *Observer {
	return &Observer{client: c, store: store}
}

// NRFObjectName returns the name of the ConfigMap carrying fiveg_nrf data
// for the given AUSF.
func NRFObjectName(ausfName string) string {
	return ausfName + constants.SuffixNRFRelation
}

// CertificatesObjectName returns the name of the Secret carrying
// certificates relation data for the given AUSF.
func CertificatesObjectName(ausfName string) string {
	return ausfName + constants.SuffixCertificatesRelation
}

// Observe refreshes the store from the current cluster state. A relation
// object appearing fully formed still steps through Requested before
// Connected so the transition invariant holds.
func (o *Observer) Observe(ctx context.Context, logger logr.Logger, ausf *sdcorev1alpha1.AUSF) error {
	owner := types.NamespacedName{Namespace: ausf.Namespace, Name: ausf.Name}

	if err := o.observeNRF(ctx, logger, ausf, owner); err != nil {
		return err
	}
	return o.observeCertificates(ctx, logger, ausf, owner)
}

func (o *Observer) observeNRF(ctx context.Context, logger logr.Logger, ausf *sdcorev1alpha1.AUSF, owner types.NamespacedName) error {
	cm := &corev1.ConfigMap{}
	err := o.client.Get(ctx, types.NamespacedName{
		Namespace: ausf.Namespace,
		Name:      NRFObjectName(ausf.Name),
	}, cm)
	if err != nil {
		if !apierrors.IsNotFound(err) {
			return fmt.Errorf("failed to get fiveg_nrf relation ConfigMap for %s/%s: %w", ausf.Namespace, ausf.Name, err)
		}
		return o.markGone(logger, owner, constants.RelationFivegNRF)
	}

	data := make(map[string]string, len(cm.Data))
	for k, v := range cm.Data {
		data[k] = v
	}
	connected := data[constants.RelationKeyNRFAddress] != ""
	return o.markPresent(logger, owner, constants.RelationFivegNRF, connected, data)
}

func (o *Observer) observeCertificates(ctx context.Context, logger logr.Logger, ausf *sdcorev1alpha1.AUSF, owner types.NamespacedName) error {
	secret := &corev1.Secret{}
	err := o.client.Get(ctx, types.NamespacedName{
		Namespace: ausf.Namespace,
		Name:      CertificatesObjectName(ausf.Name),
	}, secret)
	if err != nil {
		if !apierrors.IsNotFound(err) {
			return fmt.Errorf("failed to get certificates relation Secret for %s/%s: %w", ausf.Namespace, ausf.Name, err)
		}
		return o.markGone(logger, owner, constants.RelationCertificates)
	}

	data := make(map[string]string, len(secret.Data))
	for k, v := range secret.Data {
		data[k] = string(v)
	}
	connected := data[constants.RelationKeyCertificate] != ""
	return o.markPresent(logger, owner, constants.RelationCertificates, connected, data)
}

// markPresent steps the relation to Requested and, when its data is
// complete, to Connected.
func (o *Observer) markPresent(logger logr.Logger, owner types.NamespacedName, name string, connected bool, data map[string]string) error {
	current := o.store.Get(owner, name)
	if current.Status == StatusAbsent || current.Status == StatusBroken {
		if err := o.store.Update(owner, name, StatusRequested, nil); err != nil {
			return err
		}
		logging.LogAuditEvent(logger, logging.EventRelationChanged, map[string]string{
			"relation": name,
			"status":   string(StatusRequested),
		})
	}
	if !connected {
		if current.Status == StatusConnected {
			// The relation object is still there but the data this side
			// needs regressed. Stay Connected with the refreshed data;
			// input validation downstream reports what is missing.
			return o.store.Update(owner, name, StatusConnected, data)
		}
		// Keep the latest partial data visible while Requested.
		return o.store.Update(owner, name, StatusRequested, data)
	}
	if err := o.store.Update(owner, name, StatusConnected, data); err != nil {
		return err
	}
	if current.Status != StatusConnected {
		logging.LogAuditEvent(logger, logging.EventRelationChanged, map[string]string{
			"relation": name,
			"status":   string(StatusConnected),
		})
	}
	return nil
}

// markGone transitions a previously observed relation to Broken. A relation
// that was never observed stays Absent.
func (o *Observer) markGone(logger logr.Logger, owner types.NamespacedName, name string) error {
	current := o.store.Get(owner, name)
	if current.Status != StatusRequested && current.Status != StatusConnected {
		return nil
	}
	if err := o.store.Update(owner, name, StatusBroken, nil); err != nil {
		return err
	}
	logging.LogAuditEvent(logger, logging.EventRelationChanged, map[string]string{
		"relation": name,
		"status":   string(StatusBroken),
	})
	return nil
}
