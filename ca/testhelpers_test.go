package ca_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/certhold/certhold/ca"
	"github.com/certhold/certhold/internal/util"
	"github.com/certhold/certhold/storage/memory"
)

const testPassword = "test-password"

// newTestManager builds a manager over an in-memory repository with the
// cheap KDF profile.
func newTestManager(t *testing.T) (*ca.Manager, *memory.Repository) {
	t.Helper()
	repo := memory.NewRepository()
	m := ca.NewManager(repo, zerolog.Nop(), ca.WithKDFProfile(util.KDFProfileInteractive))
	return m, repo
}

// unlockedManager is newTestManager plus an initialised, unlocked vault.
func unlockedManager(t *testing.T) (*ca.Manager, *memory.Repository) {
	t.Helper()
	m, repo := newTestManager(t)
	result, err := m.ProvideEncryptionKey(t.Context(), testPassword)
	require.NoError(t, err)
	require.True(t, result.Valid)
	t.Cleanup(m.Lock)
	return m, repo
}

// generatePending creates a request for hostname and returns its CSR PEM.
func generatePending(t *testing.T, m *ca.Manager, hostname string) string {
	t.Helper()
	resp, err := m.GenerateCSR(t.Context(), ca.CSRRequest{Hostname: hostname})
	require.NoError(t, err)
	return resp.CSRPEM
}

// externalCA plays the offline signer a real deployment would use. ECDSA
// keeps test key generation cheap; the engine's own keys stay RSA.
type externalCA struct {
	key     *ecdsa.PrivateKey
	cert    *x509.Certificate
	certPEM string
}

func newExternalCA(t *testing.T, commonName string) *externalCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: commonName},
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

	return &externalCA{
		key:     key,
		cert:    cert,
		certPEM: encodePEM(t, "CERTIFICATE", der),
	}
}

// sign issues a certificate for the CSR, valid until notAfter.
func (e *externalCA) sign(t *testing.T, csrPEM string, notAfter time.Time) string {
	t.Helper()
	block, _ := pem.Decode([]byte(csrPEM))
	require.NotNil(t, block)
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	require.NoError(t, err)
	require.NoError(t, csr.CheckSignature())

	template := &x509.Certificate{
		SerialNumber: newTestSerial(t),
		Subject:      csr.Subject,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     csr.DNSNames,
		IPAddresses:  csr.IPAddresses,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, e.cert, csr.PublicKey, e.key)
	require.NoError(t, err)
	return encodePEM(t, "CERTIFICATE", der)
}

// selfSignedPair mints a standalone certificate and key for import tests.
func selfSignedPair(t *testing.T, commonName string, dnsNames []string) (certPEM, keyPEM string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: newTestSerial(t),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		DNSNames:     dnsNames,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return encodePEM(t, "CERTIFICATE", der), encodePEM(t, "PRIVATE KEY", keyDER)
}

func encodePEM(t *testing.T, blockType string, der []byte) string {
	t.Helper()
	return string(pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}))
}

func newTestSerial(t *testing.T) *big.Int {
	t.Helper()
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	require.NoError(t, err)
	return serial
}

// eventTypes returns the hostname's history event types, newest first.
func eventTypes(t *testing.T, m *ca.Manager, hostname string) []ca.EventType {
	t.Helper()
	entries, err := m.GetHistory(t.Context(), hostname, 0)
	require.NoError(t, err)
	types := make([]ca.EventType, len(entries))
	for i, e := range entries {
		types[i] = e.EventType
	}
	return types
}

// activeCertificate uploads an externally signed certificate for hostname,
// creating the record first when needed, and returns the signer.
func activeCertificate(t *testing.T, m *ca.Manager, hostname string, notAfter time.Time) *externalCA {
	t.Helper()
	csrPEM := generatePending(t, m, hostname)
	signer := newExternalCA(t, "Test External CA")
	signed := signer.sign(t, csrPEM, notAfter)
	require.NoError(t, m.Upload(t.Context(), hostname, signed))
	return signer
}
