package certs

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	sdcorev1alpha1 "github.com/sdcore/ausf-operator/api/v1alpha1"
	"github.com/sdcore/ausf-operator/internal/constants"
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

func relationSecret() *corev1.Secret {
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "ausf-certificates", Namespace: "sdcore"},
		Data:       map[string][]byte{},
	}
}

func newFixture(t *testing.T, objs ...client.Object) (*Manager, client.Client) {
	t.Helper()
	scheme := newTestScheme(t)
	c := fake.NewClientBuilder().WithScheme(scheme).WithObjects(objs...).Build()
	return NewManager(c, scheme), c
}

type testCA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "sdcore test ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &testCA{cert: cert, key: key}
}

// sign issues a certificate for the given CSR with an explicit validity
// window.
func (ca *testCA) sign(t *testing.T, csrPEM []byte, notBefore, notAfter time.Time) []byte {
	t.Helper()
	block, _ := pem.Decode(csrPEM)
	require.NotNil(t, block)
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      csr.Subject,
		DNSNames:     csr.DNSNames,
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, csr.PublicKey, ca.key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func (ca *testCA) certPEM(t *testing.T) []byte {
	t.Helper()
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.cert.Raw})
}

func publishedCSR(t *testing.T, c client.Client) []byte {
	t.Helper()
	secret := &corev1.Secret{}
	require.NoError(t, c.Get(context.Background(), types.NamespacedName{Namespace: "sdcore", Name: "ausf-certificates"}, secret))
	return secret.Data[constants.RelationKeyCSR]
}

func certsSecret(t *testing.T, c client.Client) *corev1.Secret {
	t.Helper()
	secret := &corev1.Secret{}
	require.NoError(t, c.Get(context.Background(), types.NamespacedName{Namespace: "sdcore", Name: "ausf-certs"}, secret))
	return secret
}

func TestEnsureCSRIsIdempotent(t *testing.T) {
	m, c := newFixture(t, relationSecret())
	ctx := context.Background()
	ausf := newAUSF()

	created, err := m.EnsureCSR(ctx, logr.Discard(), ausf)
	require.NoError(t, err)
	require.True(t, created)

	first := publishedCSR(t, c)
	require.NotEmpty(t, first)

	created, err = m.EnsureCSR(ctx, logr.Discard(), ausf)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first, publishedCSR(t, c), "repeated EnsureCSR must not mint a new request")

	stored := certsSecret(t, c)
	require.NotEmpty(t, stored.Data[constants.CertsKeyPrivateKey])
	require.Equal(t, first, stored.Data[constants.CertsKeyCSR])
}

func TestReconcileWithoutIssuedCertificateReportsCSRSent(t *testing.T) {
	m, _ := newFixture(t, relationSecret())
	now := time.Now()

	record, err := m.Reconcile(context.Background(), logr.Discard(), newAUSF(), nil, now)
	require.NoError(t, err)
	require.Equal(t, StateCSRSent, record.State)
	require.True(t, record.HasPrivateKey)
	require.False(t, record.Ready())
}

func TestReconcileRepublishesCSRAfterRelationLosesIt(t *testing.T) {
	m, c := newFixture(t, relationSecret())
	ctx := context.Background()
	ausf := newAUSF()
	now := time.Now()

	_, err := m.Reconcile(ctx, logr.Discard(), ausf, nil, now)
	require.NoError(t, err)
	first := publishedCSR(t, c)
	require.NotEmpty(t, first)

	// The issuer side consumed the request, or the relation rejoined with
	// an empty Secret; either way the key is gone from the wire.
	relSecret := &corev1.Secret{}
	require.NoError(t, c.Get(ctx, types.NamespacedName{Namespace: "sdcore", Name: "ausf-certificates"}, relSecret))
	delete(relSecret.Data, constants.RelationKeyCSR)
	require.NoError(t, c.Update(ctx, relSecret))

	record, err := m.Reconcile(ctx, logr.Discard(), ausf, nil, now)
	require.NoError(t, err)
	require.Equal(t, StateCSRSent, record.State)
	require.Equal(t, first, publishedCSR(t, c), "the outstanding request must go back on the wire")
}

func TestReconcileStoresMatchingCertificate(t *testing.T) {
	m, c := newFixture(t, relationSecret())
	ctx := context.Background()
	ausf := newAUSF()
	now := time.Now()

	_, err := m.Reconcile(ctx, logr.Discard(), ausf, nil, now)
	require.NoError(t, err)

	ca := newTestCA(t)
	certPEM := ca.sign(t, publishedCSR(t, c), now.Add(-time.Hour), now.AddDate(1, 0, 0))

	record, err := m.Reconcile(ctx, logr.Discard(), ausf, map[string]string{
		constants.RelationKeyCertificate: string(certPEM),
		constants.RelationKeyCA:          string(ca.certPEM(t)),
	}, now)
	require.NoError(t, err)
	require.Equal(t, StateIssued, record.State)
	require.True(t, record.Ready())
	require.Equal(t, "sdcore test ca", record.Issuer)
	require.WithinDuration(t, now.AddDate(1, 0, 0), record.Expiry, time.Minute)

	stored := certsSecret(t, c)
	require.Equal(t, certPEM, stored.Data[constants.CertsKeyCertificate])
	require.NotEmpty(t, stored.Data[constants.CertsKeyCA])
}

func TestReconcileDropsForeignCertificate(t *testing.T) {
	m, c := newFixture(t, relationSecret())
	ctx := context.Background()
	ausf := newAUSF()
	now := time.Now()

	_, err := m.Reconcile(ctx, logr.Discard(), ausf, nil, now)
	require.NoError(t, err)

	// Certificate issued for a key pair this manager never generated.
	ca := newTestCA(t)
	foreignKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: "ausf.sdcore"},
	}, foreignKey)
	require.NoError(t, err)
	foreignCSR := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER})
	foreignCert := ca.sign(t, foreignCSR, now.Add(-time.Hour), now.AddDate(1, 0, 0))

	record, err := m.Reconcile(ctx, logr.Discard(), ausf, map[string]string{
		constants.RelationKeyCertificate: string(foreignCert),
	}, now)
	require.NoError(t, err, "a desynced certificate is dropped, not fatal")
	require.Equal(t, StateCSRSent, record.State)

	stored := certsSecret(t, c)
	require.Empty(t, stored.Data[constants.CertsKeyCertificate])
}

func TestRenewalKeepsServingOldCertificate(t *testing.T) {
	m, c := newFixture(t, relationSecret())
	ctx := context.Background()
	ausf := newAUSF()
	issuedAt := time.Now().Add(-50 * time.Minute)

	_, err := m.Reconcile(ctx, logr.Discard(), ausf, nil, issuedAt)
	require.NoError(t, err)

	// One hour of validity, issued 50 minutes ago: 10 of 60 minutes left,
	// inside the 20% renewal window.
	ca := newTestCA(t)
	certPEM := ca.sign(t, publishedCSR(t, c), issuedAt, issuedAt.Add(time.Hour))
	_, err = m.Reconcile(ctx, logr.Discard(), ausf, map[string]string{
		constants.RelationKeyCertificate: string(certPEM),
	}, issuedAt)
	require.NoError(t, err)

	now := time.Now()
	record, err := m.Reconcile(ctx, logr.Discard(), ausf, map[string]string{
		constants.RelationKeyCertificate: string(certPEM),
	}, now)
	require.NoError(t, err)
	require.Equal(t, StateIssued, record.State, "old certificate keeps serving")
	require.True(t, record.RenewalPending)
	require.Equal(t, certPEM, record.CertificatePEM)

	stored := certsSecret(t, c)
	require.NotEmpty(t, stored.Data[constants.CertsKeyNextPrivateKey])
	require.NotEqual(t, stored.Data[constants.CertsKeyPrivateKey], stored.Data[constants.CertsKeyNextPrivateKey],
		"renewal must use a fresh key pair")
	require.Equal(t, stored.Data[constants.CertsKeyNextCSR], publishedCSR(t, c),
		"renewal CSR is the one on the wire")

	// Issuer answers the renewal CSR: cutover promotes the new pair.
	newCert := ca.sign(t, publishedCSR(t, c), now, now.AddDate(1, 0, 0))
	record, err = m.Reconcile(ctx, logr.Discard(), ausf, map[string]string{
		constants.RelationKeyCertificate: string(newCert),
	}, now)
	require.NoError(t, err)
	require.Equal(t, StateIssued, record.State)
	require.False(t, record.RenewalPending)
	require.WithinDuration(t, now.AddDate(1, 0, 0), record.Expiry, time.Minute)

	stored = certsSecret(t, c)
	require.Empty(t, stored.Data[constants.CertsKeyNextCSR])
	require.Equal(t, newCert, stored.Data[constants.CertsKeyCertificate])
}

func TestNeedsRenewal(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name      string
		notBefore time.Time
		notAfter  time.Time
		want      bool
	}{
		{name: "fresh certificate", notBefore: now, notAfter: now.Add(100 * time.Hour), want: false},
		{name: "exactly at threshold", notBefore: now.Add(-80 * time.Hour), notAfter: now.Add(20 * time.Hour), want: false},
		{name: "inside window", notBefore: now.Add(-90 * time.Hour), notAfter: now.Add(10 * time.Hour), want: true},
		{name: "expired", notBefore: now.Add(-2 * time.Hour), notAfter: now.Add(-time.Hour), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cert := &x509.Certificate{NotBefore: tt.notBefore, NotAfter: tt.notAfter}
			if got := NeedsRenewal(cert, now); got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCleanupRemovesPublishedCSR(t *testing.T) {
	m, c := newFixture(t, relationSecret())
	ctx := context.Background()
	ausf := newAUSF()

	_, err := m.EnsureCSR(ctx, logr.Discard(), ausf)
	require.NoError(t, err)
	require.NotEmpty(t, publishedCSR(t, c))

	require.NoError(t, m.Cleanup(ctx, ausf))
	require.Empty(t, publishedCSR(t, c))

	// Cleanup with no relation Secret at all is a no-op.
	relSecret := &corev1.Secret{ObjectMeta: metav1.ObjectMeta{Name: "ausf-certificates", Namespace: "sdcore"}}
	require.NoError(t, c.Delete(ctx, relSecret))
	require.NoError(t, m.Cleanup(ctx, ausf))
}
