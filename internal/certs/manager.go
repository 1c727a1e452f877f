package certs

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/time/rate"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	sdcorev1alpha1 "github.com/sdcore/ausf-operator/api/v1alpha1"
	"github.com/sdcore/ausf-operator/internal/constants"
	operrors "github.com/sdcore/ausf-operator/internal/errors"
	"github.com/sdcore/ausf-operator/internal/logging"
)

// renewalDenominator implements the "renew when less than 20% of validity
// remains" window: remaining < total/renewalDenominator.
const renewalDenominator = 5

// RecordState is the lifecycle state of the certificate request owned by the
// Manager.
type RecordState string

const (
	// StatePending means no key pair exists yet.
	StatePending RecordState = "Pending"
	// StateCSRSent means a CSR was published and no certificate has
	// arrived for it.
	StateCSRSent RecordState = "CSRSent"
	// StateIssued means a signed certificate matching the key pair is
	// stored.
	StateIssued RecordState = "Issued"
	// StateExpired means the stored certificate is past NotAfter.
	StateExpired RecordState = "Expired"
)

// Record is the externally visible view of the certificate lifecycle.
// Private key material never leaves the Manager; the Record only reports
// whether it exists.
type Record struct {
	Subject        string
	State          RecordState
	HasPrivateKey  bool
	CSRPEM         []byte
	CertificatePEM []byte
	Issuer         string
	Expiry         time.Time
	RenewalPending bool
}

// Ready reports whether a usable certificate is stored.
func (r Record) Ready() bool {
	return r.State == StateIssued
}

// Manager owns the TLS certificate lifecycle for AUSF workloads: key pair
// and CSR generation, publication over the certificates relation, intake of
// issued certificates, and proactive expiry-driven renewal. All material
// lives in the per-AUSF certs Secret that the workload mounts.
type Manager struct {
	client client.Client
	scheme *runtime.Scheme

	// republish throttles CSR republication after a protocol desync so a
	// confused issuer is not flooded.
	republish *rate.Limiter
}

// NewManager constructs a Manager using the provided Kubernetes client. The
// scheme is used to set OwnerReferences on the certs Secret for garbage
// collection.
func NewManager(c client.Client, scheme *runtime.Scheme) *Manager {
	return &Manager{
		client:    c,
		scheme:    scheme,
		republish: rate.NewLimiter(rate.Every(time.Minute), 1),
	}
}

func certsSecretName(ausf *sdcorev1alpha1.AUSF) string {
	return ausf.Name + constants.SuffixCertsSecret
}

// Reconcile drives the certificate lifecycle one step from current state:
// ensures an outstanding CSR exists, takes in an issued certificate from the
// certificates relation data, and starts proactive renewal inside the
// renewal window. It returns the resulting Record.
//
// A certificate that matches no outstanding request is logged and dropped,
// and a fresh CSR is published (rate limited); this is not a reconcile
// failure.
func (m *Manager) Reconcile(ctx context.Context, logger logr.Logger, ausf *sdcorev1alpha1.AUSF, relationData map[string]string, now time.Time) (Record, error) {
	metrics := newTLSMetrics(ausf.Namespace, ausf.Name)

	secret, err := m.getOrInitSecret(ctx, ausf)
	if err != nil {
		return Record{}, err
	}

	created, err := m.ensureCSR(ctx, logger, ausf, secret)
	if err != nil {
		return Record{}, err
	}
	if created {
		metrics.incrementCSRRequests()
	}

	// The relation Secret can lose the published CSR, for example when the
	// relation rejoined with a fresh Secret before a certificate arrived.
	// Re-asserting it every pass keeps the request outstanding; publishCSR
	// is a no-op while the Secret already carries it.
	if err := m.publishCSR(ctx, ausf, activeOrNextCSR(secret)); err != nil {
		return Record{}, err
	}

	if cert := relationData[constants.RelationKeyCertificate]; cert != "" {
		stored, err := m.intakeCertificate(ctx, logger, ausf, secret, relationData)
		if err != nil {
			if !operrors.IsNoMatchingRequest(err) {
				return Record{}, err
			}
			logger.Info("Issued certificate matches no outstanding request; dropping it",
				"secret", certsSecretName(ausf))
			logging.LogAuditEvent(logger, logging.EventCertificateDropped, map[string]string{
				"reason": "no matching request",
			})
			if m.republish.Allow() {
				if err := m.publishCSR(ctx, ausf, activeOrNextCSR(secret)); err != nil {
					return Record{}, err
				}
			}
		} else if stored {
			metrics.incrementRotation()
		}
	}

	if err := m.maybeStartRenewal(ctx, logger, ausf, secret, now, metrics); err != nil {
		return Record{}, err
	}

	record := buildRecord(ausf, secret, now)
	if !record.Expiry.IsZero() {
		metrics.setCertExpiry(record.Expiry)
	}
	return record, nil
}

// EnsureCSR makes sure exactly one signing request is outstanding for the
// AUSF's subject. It is idempotent: with a key pair and CSR already stored
// it does nothing and reports created=false.
func (m *Manager) EnsureCSR(ctx context.Context, logger logr.Logger, ausf *sdcorev1alpha1.AUSF) (bool, error) {
	secret, err := m.getOrInitSecret(ctx, ausf)
	if err != nil {
		return false, err
	}
	return m.ensureCSR(ctx, logger, ausf, secret)
}

// Inspect returns the current Record without mutating any state.
func (m *Manager) Inspect(ctx context.Context, ausf *sdcorev1alpha1.AUSF, now time.Time) (Record, error) {
	secret, err := m.getOrInitSecret(ctx, ausf)
	if err != nil {
		return Record{}, err
	}
	return buildRecord(ausf, secret, now), nil
}

// Cleanup removes the CSR this side published into the certificates relation
// Secret. Called from the deletion path; the certs Secret itself is garbage
// collected through its OwnerReference.
func (m *Manager) Cleanup(ctx context.Context, ausf *sdcorev1alpha1.AUSF) error {
	relSecret := &corev1.Secret{}
	err := m.client.Get(ctx, types.NamespacedName{
		Namespace: ausf.Namespace,
		Name:      ausf.Name + constants.SuffixCertificatesRelation,
	}, relSecret)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to get certificates relation Secret for cleanup: %w", err)
	}
	if _, ok := relSecret.Data[constants.RelationKeyCSR]; !ok {
		return nil
	}
	delete(relSecret.Data, constants.RelationKeyCSR)
	if err := m.client.Update(ctx, relSecret); err != nil {
		return fmt.Errorf("failed to remove CSR from certificates relation Secret: %w", err)
	}
	return nil
}

func (m *Manager) getOrInitSecret(ctx context.Context, ausf *sdcorev1alpha1.AUSF) (*corev1.Secret, error) {
	name := certsSecretName(ausf)
	secret := &corev1.Secret{}
	err := m.client.Get(ctx, types.NamespacedName{Namespace: ausf.Namespace, Name: name}, secret)
	if err == nil {
		if secret.Data == nil {
			secret.Data = map[string][]byte{}
		}
		return secret, nil
	}
	if !apierrors.IsNotFound(err) {
		return nil, fmt.Errorf("failed to get certs Secret %s/%s: %w", ausf.Namespace, name, err)
	}
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: ausf.Namespace,
		},
		Type: corev1.SecretTypeOpaque,
		Data: map[string][]byte{},
	}, nil
}

// ensureCSR generates a key pair and CSR when none exists and publishes the
// CSR over the certificates relation.
func (m *Manager) ensureCSR(ctx context.Context, logger logr.Logger, ausf *sdcorev1alpha1.AUSF, secret *corev1.Secret) (bool, error) {
	if len(secret.Data[constants.CertsKeyPrivateKey]) > 0 && len(secret.Data[constants.CertsKeyCSR]) > 0 {
		return false, nil
	}

	keyPEM, csrPEM, err := generateKeyAndCSR(ausf)
	if err != nil {
		return false, err
	}

	secret.Data[constants.CertsKeyPrivateKey] = keyPEM
	secret.Data[constants.CertsKeyCSR] = csrPEM
	if err := m.applySecret(ctx, ausf, secret); err != nil {
		return false, err
	}
	if err := m.publishCSR(ctx, ausf, csrPEM); err != nil {
		return false, err
	}

	logger.Info("Generated key pair and published CSR", "subject", ausf.EffectiveCommonName())
	logging.LogAuditEvent(logger, logging.EventCSRPublished, map[string]string{
		"subject": ausf.EffectiveCommonName(),
	})
	return true, nil
}

// intakeCertificate stores an issued certificate when it matches the active
// or the renewal CSR. A renewal match promotes the new key pair; the old
// pair served until this point.
func (m *Manager) intakeCertificate(ctx context.Context, logger logr.Logger, ausf *sdcorev1alpha1.AUSF, secret *corev1.Secret, relationData map[string]string) (bool, error) {
	certPEM := []byte(relationData[constants.RelationKeyCertificate])
	if string(secret.Data[constants.CertsKeyCertificate]) == string(certPEM) {
		// Already stored; level-triggered reconciles pass through here.
		return false, nil
	}

	cert, err := parseCertificate(certPEM)
	if err != nil {
		return false, fmt.Errorf("%w: certificate does not parse: %w", operrors.ErrNoMatchingRequest, err)
	}

	switch {
	case csrMatchesCertificate(secret.Data[constants.CertsKeyNextCSR], cert):
		// Renewal cutover: promote the pending key pair.
		secret.Data[constants.CertsKeyPrivateKey] = secret.Data[constants.CertsKeyNextPrivateKey]
		secret.Data[constants.CertsKeyCSR] = secret.Data[constants.CertsKeyNextCSR]
		delete(secret.Data, constants.CertsKeyNextPrivateKey)
		delete(secret.Data, constants.CertsKeyNextCSR)
	case csrMatchesCertificate(secret.Data[constants.CertsKeyCSR], cert):
	default:
		return false, fmt.Errorf("%w: issued certificate public key matches no stored CSR", operrors.ErrNoMatchingRequest)
	}

	secret.Data[constants.CertsKeyCertificate] = certPEM
	if ca := relationData[constants.RelationKeyCA]; ca != "" {
		secret.Data[constants.CertsKeyCA] = []byte(ca)
	}
	if chain := relationData[constants.RelationKeyChain]; chain != "" {
		secret.Data[constants.CertsKeyChain] = []byte(chain)
	}
	if err := m.applySecret(ctx, ausf, secret); err != nil {
		return false, err
	}

	logger.Info("Stored issued certificate", "issuer", cert.Issuer.CommonName, "not_after", cert.NotAfter)
	logging.LogAuditEvent(logger, logging.EventCertificateStored, map[string]string{
		"issuer":    cert.Issuer.CommonName,
		"not_after": cert.NotAfter.Format(time.RFC3339),
	})
	return true, nil
}

// maybeStartRenewal begins a proactive renewal when the stored certificate
// is inside the renewal window. The current certificate and key stay in
// place and keep serving; only a fresh key pair and CSR are added alongside.
func (m *Manager) maybeStartRenewal(ctx context.Context, logger logr.Logger, ausf *sdcorev1alpha1.AUSF, secret *corev1.Secret, now time.Time, metrics *tlsMetrics) error {
	certPEM := secret.Data[constants.CertsKeyCertificate]
	if len(certPEM) == 0 {
		return nil
	}
	if len(secret.Data[constants.CertsKeyNextCSR]) > 0 {
		// A renewal is already in flight.
		return nil
	}

	cert, err := parseCertificate(certPEM)
	if err != nil {
		// Unparseable stored certificate: treat as desync, request anew.
		logger.Info("Stored certificate does not parse; requesting a replacement")
		return m.startRenewal(ctx, logger, ausf, secret, metrics)
	}
	if !NeedsRenewal(cert, now) {
		return nil
	}

	logger.Info("Certificate inside renewal window; requesting replacement",
		"not_after", cert.NotAfter, "now", now)
	return m.startRenewal(ctx, logger, ausf, secret, metrics)
}

func (m *Manager) startRenewal(ctx context.Context, logger logr.Logger, ausf *sdcorev1alpha1.AUSF, secret *corev1.Secret, metrics *tlsMetrics) error {
	// A renewal always uses a new key pair; revoked or aging keys are never
	// reused.
	keyPEM, csrPEM, err := generateKeyAndCSR(ausf)
	if err != nil {
		return err
	}
	secret.Data[constants.CertsKeyNextPrivateKey] = keyPEM
	secret.Data[constants.CertsKeyNextCSR] = csrPEM
	if err := m.applySecret(ctx, ausf, secret); err != nil {
		return err
	}
	if err := m.publishCSR(ctx, ausf, csrPEM); err != nil {
		return err
	}
	metrics.incrementCSRRequests()
	logging.LogAuditEvent(logger, logging.EventCSRPublished, map[string]string{
		"subject": ausf.EffectiveCommonName(),
		"renewal": "true",
	})
	return nil
}

// publishCSR writes the CSR into the certificates relation Secret so the
// issuer side can pick it up. The relation Secret is owned by the remote
// side; absence is not an error here since the reconcile loop gates on
// relation existence.
func (m *Manager) publishCSR(ctx context.Context, ausf *sdcorev1alpha1.AUSF, csrPEM []byte) error {
	if len(csrPEM) == 0 {
		return nil
	}
	relSecret := &corev1.Secret{}
	err := m.client.Get(ctx, types.NamespacedName{
		Namespace: ausf.Namespace,
		Name:      ausf.Name + constants.SuffixCertificatesRelation,
	}, relSecret)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to get certificates relation Secret: %w", err)
	}
	if string(relSecret.Data[constants.RelationKeyCSR]) == string(csrPEM) {
		return nil
	}
	if relSecret.Data == nil {
		relSecret.Data = map[string][]byte{}
	}
	relSecret.Data[constants.RelationKeyCSR] = csrPEM
	if err := m.client.Update(ctx, relSecret); err != nil {
		return fmt.Errorf("failed to publish CSR to certificates relation Secret: %w", err)
	}
	return nil
}

// applySecret creates or patches the certs Secret using Server-Side Apply
// and sets the OwnerReference for garbage collection.
func (m *Manager) applySecret(ctx context.Context, ausf *sdcorev1alpha1.AUSF, secret *corev1.Secret) error {
	if err := controllerutil.SetControllerReference(ausf, secret, m.scheme); err != nil {
		return fmt.Errorf("failed to set owner reference on certs Secret %s/%s: %w", secret.Namespace, secret.Name, err)
	}
	secret.TypeMeta = metav1.TypeMeta{APIVersion: "v1", Kind: "Secret"}
	if err := m.client.Patch(ctx, secret, client.Apply, client.FieldOwner(constants.FieldOwner), client.ForceOwnership); err != nil {
		return fmt.Errorf("failed to apply certs Secret %s/%s: %w", secret.Namespace, secret.Name, err)
	}
	return nil
}

// NeedsRenewal reports whether less than 1/renewalDenominator of the
// certificate's validity remains. Renewal is proactive; it never waits for
// the old certificate to be revoked or to expire.
func NeedsRenewal(cert *x509.Certificate, now time.Time) bool {
	total := cert.NotAfter.Sub(cert.NotBefore)
	if total <= 0 {
		return true
	}
	remaining := cert.NotAfter.Sub(now)
	return remaining < total/renewalDenominator
}

func buildRecord(ausf *sdcorev1alpha1.AUSF, secret *corev1.Secret, now time.Time) Record {
	record := Record{
		Subject:        ausf.EffectiveCommonName(),
		State:          StatePending,
		HasPrivateKey:  len(secret.Data[constants.CertsKeyPrivateKey]) > 0,
		CSRPEM:         secret.Data[constants.CertsKeyCSR],
		RenewalPending: len(secret.Data[constants.CertsKeyNextCSR]) > 0,
	}

	if record.HasPrivateKey && len(record.CSRPEM) > 0 {
		record.State = StateCSRSent
	}

	certPEM := secret.Data[constants.CertsKeyCertificate]
	if len(certPEM) == 0 {
		return record
	}
	record.CertificatePEM = certPEM

	cert, err := parseCertificate(certPEM)
	if err != nil {
		return record
	}
	record.Issuer = cert.Issuer.CommonName
	record.Expiry = cert.NotAfter
	if now.After(cert.NotAfter) {
		record.State = StateExpired
	} else {
		record.State = StateIssued
	}
	return record
}

func generateKeyAndCSR(ausf *sdcorev1alpha1.AUSF) ([]byte, []byte, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	commonName := ausf.EffectiveCommonName()
	dnsNames := append([]string{commonName}, ausf.Spec.TLS.ExtraSANs...)
	template := &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: commonName},
		DNSNames: dnsNames,
	}

	csrDER, err := x509.CreateCertificateRequest(rand.Reader, template, privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate request: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER})
	return keyPEM, csrPEM, nil
}

func parseCertificate(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("failed to decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

func parseCSR(pemBytes []byte) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, fmt.Errorf("failed to decode certificate request PEM")
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate request: %w", err)
	}
	return csr, nil
}

// csrMatchesCertificate reports whether the certificate was issued for the
// key pair behind the stored CSR, compared by public key.
func csrMatchesCertificate(csrPEM []byte, cert *x509.Certificate) bool {
	if len(csrPEM) == 0 {
		return false
	}
	csr, err := parseCSR(csrPEM)
	if err != nil {
		return false
	}
	return publicKeysEqual(csr.PublicKey, cert.PublicKey)
}

func publicKeysEqual(a, b any) bool {
	type equaler interface{ Equal(x crypto.PublicKey) bool }
	ae, ok := a.(equaler)
	if !ok {
		return false
	}
	return ae.Equal(b)
}

func activeOrNextCSR(secret *corev1.Secret) []byte {
	if next := secret.Data[constants.CertsKeyNextCSR]; len(next) > 0 {
		return next
	}
	return secret.Data[constants.CertsKeyCSR]
}
