package ca_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certhold/certhold/ca"
)

// makeChainCA mints a CA certificate, self-signed when parent is nil.
func makeChainCA(t *testing.T, cn string, parent *x509.Certificate, parentKey *ecdsa.PrivateKey) (*ecdsa.PrivateKey, *x509.Certificate) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          newTestSerial(t),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(5, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	signerCert, signerKey := template, key
	if parent != nil {
		signerCert, signerKey = parent, parentKey
	}
	der, err := x509.CreateCertificate(rand.Reader, template, signerCert, &key.PublicKey, signerKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return key, cert
}

func TestGetCertificateChain_LocalRoot(t *testing.T) {
	ctx := t.Context()
	m, _ := unlockedManager(t)

	_, err := m.InitRootCA(ctx, ca.InitRootCARequest{
		CommonName:    "Certhold Root",
		ValidityYears: 10,
		KeySize:       2048,
	})
	require.NoError(t, err)

	generatePending(t, m, "web.test.local")
	require.NoError(t, m.SignPendingCSR(ctx, "web.test.local", 90))

	chain, err := m.GetCertificateChain(ctx, "web.test.local")
	require.NoError(t, err)
	require.Len(t, chain, 2)

	assert.Equal(t, 0, chain[0].Depth)
	assert.Equal(t, ca.ChainLeaf, chain[0].Position)
	assert.Equal(t, "web.test.local", chain[0].SubjectCN)
	assert.Equal(t, "Certhold Root", chain[0].IssuerCN)
	assert.False(t, chain[0].SelfSigned)

	assert.Equal(t, 1, chain[1].Depth)
	assert.Equal(t, ca.ChainRoot, chain[1].Position)
	assert.Equal(t, "Certhold Root", chain[1].SubjectCN)
	assert.True(t, chain[1].SelfSigned)
	assert.NotEmpty(t, chain[1].PEM)
}

func TestGetCertificateChain_PendingOnly(t *testing.T) {
	ctx := t.Context()
	m, _ := unlockedManager(t)
	generatePending(t, m, "fresh.test.local")

	chain, err := m.GetCertificateChain(ctx, "fresh.test.local")
	require.NoError(t, err)
	assert.NotNil(t, chain)
	assert.Empty(t, chain)
}

func TestGetCertificateChain_ImportedThreeLevel(t *testing.T) {
	ctx := t.Context()
	m, _ := unlockedManager(t)

	rootKey, rootCert := makeChainCA(t, "Deep Root", nil, nil)
	interKey, interCert := makeChainCA(t, "Deep Intermediate", rootCert, rootKey)

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	leafTemplate := &x509.Certificate{
		SerialNumber: newTestSerial(t),
		Subject:      pkix.Name{CommonName: "deep.test.local"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		DNSNames:     []string{"deep.test.local"},
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTemplate, interCert, &leafKey.PublicKey, interKey)
	require.NoError(t, err)
	leafKeyDER, err := x509.MarshalPKCS8PrivateKey(leafKey)
	require.NoError(t, err)

	hostname, err := m.ImportCertificate(ctx, ca.ImportRequest{
		CertificatePEM: encodePEM(t, "CERTIFICATE", leafDER),
		PrivateKeyPEM:  encodePEM(t, "PRIVATE KEY", leafKeyDER),
		ChainPEM: encodePEM(t, "CERTIFICATE", interCert.Raw) +
			encodePEM(t, "CERTIFICATE", rootCert.Raw),
	})
	require.NoError(t, err)
	require.Equal(t, "deep.test.local", hostname)

	chain, err := m.GetCertificateChain(ctx, hostname)
	require.NoError(t, err)
	require.Len(t, chain, 3)

	assert.Equal(t, ca.ChainLeaf, chain[0].Position)
	assert.Equal(t, "deep.test.local", chain[0].SubjectCN)
	assert.Equal(t, ca.ChainIntermediate, chain[1].Position)
	assert.Equal(t, "Deep Intermediate", chain[1].SubjectCN)
	assert.Equal(t, ca.ChainRoot, chain[2].Position)
	assert.Equal(t, "Deep Root", chain[2].SubjectCN)

	for i, entry := range chain {
		assert.Equal(t, i, entry.Depth)
	}
}

func TestGetCertificateChain_UnreachableRoot(t *testing.T) {
	ctx := t.Context()
	m, _ := unlockedManager(t)

	// Externally signed, no chain stored and no local root: the walk stops
	// at the leaf without erroring.
	activeCertificate(t, m, "orphan.test.local", time.Now().AddDate(1, 0, 0))

	chain, err := m.GetCertificateChain(ctx, "orphan.test.local")
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, ca.ChainLeaf, chain[0].Position)
	assert.False(t, chain[0].SelfSigned)
}

func TestGetCertificateChain_NotFound(t *testing.T) {
	m, _ := unlockedManager(t)
	_, err := m.GetCertificateChain(t.Context(), "ghost.test.local")
	require.ErrorIs(t, err, ca.ErrNotFound)
}
