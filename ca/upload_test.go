package ca_test

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certhold/certhold/ca"
)

func TestUpload(t *testing.T) {
	ctx := t.Context()
	m, _ := unlockedManager(t)
	csrPEM := generatePending(t, m, "web.test.local")

	signer := newExternalCA(t, "Test External CA")
	notAfter := time.Now().AddDate(1, 0, 0)
	signed := signer.sign(t, csrPEM, notAfter)

	require.NoError(t, m.Upload(ctx, "web.test.local", signed))

	cert, err := m.GetCertificate(ctx, "web.test.local")
	require.NoError(t, err)
	require.NotNil(t, cert.Active)
	assert.Nil(t, cert.Pending)
	assert.Equal(t, signed, cert.Active.CertificatePEM)
	assert.Equal(t, 2048, cert.Active.KeySize)
	assert.WithinDuration(t, notAfter, cert.Active.NotAfter, 2*time.Second)

	// SANs are taken from the issued certificate, not the request.
	require.NotEmpty(t, cert.Active.SANs)
	assert.Equal(t, ca.SAN{Type: ca.SANDNS, Value: "web.test.local"}, cert.Active.SANs[0])

	status, err := m.CertificateStatus(ctx, cert)
	require.NoError(t, err)
	assert.Equal(t, ca.StatusActive, status)

	assert.Contains(t, eventTypes(t, m, "web.test.local"), ca.EventCertUploaded)
}

func TestUpload_KeyMismatchLeavesPendingUntouched(t *testing.T) {
	ctx := t.Context()
	m, _ := unlockedManager(t)
	generatePending(t, m, "web.test.local")
	otherCSR := generatePending(t, m, "other.test.local")

	before, err := m.GetCertificate(ctx, "web.test.local")
	require.NoError(t, err)

	// A certificate signed for a different key pair must be refused.
	signer := newExternalCA(t, "Test External CA")
	wrong := signer.sign(t, otherCSR, time.Now().AddDate(1, 0, 0))

	err = m.Upload(ctx, "web.test.local", wrong)
	require.ErrorIs(t, err, ca.ErrKeyMismatch)

	after, err := m.GetCertificate(ctx, "web.test.local")
	require.NoError(t, err)
	assert.Nil(t, after.Active)
	require.NotNil(t, after.Pending)
	assert.Equal(t, before.Pending.CSRPEM, after.Pending.CSRPEM)
	assert.Equal(t, before.Pending.EncryptedPrivateKey, after.Pending.EncryptedPrivateKey)
}

func TestUpload_InvalidPEM(t *testing.T) {
	ctx := t.Context()
	m, _ := unlockedManager(t)
	generatePending(t, m, "web.test.local")

	err := m.Upload(ctx, "web.test.local", "not a certificate")
	require.ErrorIs(t, err, ca.ErrInvalidFormat)
}

func TestUpload_UnknownHostname(t *testing.T) {
	m, _ := unlockedManager(t)
	err := m.Upload(t.Context(), "ghost.test.local", "irrelevant")
	require.ErrorIs(t, err, ca.ErrNotFound)
}

func TestUpload_NothingPending(t *testing.T) {
	ctx := t.Context()
	m, _ := unlockedManager(t)
	signer := activeCertificate(t, m, "web.test.local", time.Now().AddDate(1, 0, 0))

	// No outstanding request: a second upload has nothing to bind to.
	csrPEM := generatePending(t, m, "other.test.local")
	signed := signer.sign(t, csrPEM, time.Now().AddDate(1, 0, 0))
	err := m.Upload(ctx, "web.test.local", signed)
	require.ErrorIs(t, err, ca.ErrNothingPending)
}

func TestUpload_ReadOnly(t *testing.T) {
	ctx := t.Context()
	m, _ := unlockedManager(t)
	csrPEM := generatePending(t, m, "web.test.local")
	require.NoError(t, m.SetReadOnly(ctx, "web.test.local", true))

	signer := newExternalCA(t, "Test External CA")
	signed := signer.sign(t, csrPEM, time.Now().AddDate(1, 0, 0))
	err := m.Upload(ctx, "web.test.local", signed)
	require.ErrorIs(t, err, ca.ErrReadOnly)
}

func TestUpload_WorksWhileLocked(t *testing.T) {
	ctx := t.Context()
	m, _ := unlockedManager(t)
	csrPEM := generatePending(t, m, "web.test.local")

	signer := newExternalCA(t, "Test External CA")
	signed := signer.sign(t, csrPEM, time.Now().AddDate(1, 0, 0))

	// The sealed key moves slots without being opened, so no session is
	// needed to accept the certificate.
	m.Lock()
	require.NoError(t, m.Upload(ctx, "web.test.local", signed))

	result, err := m.ProvideEncryptionKey(ctx, testPassword)
	require.NoError(t, err)
	require.True(t, result.Valid)
	assert.Empty(t, result.FailedHostnames)

	keyPEM, err := m.GetPrivateKeyPEM(ctx, "web.test.local")
	require.NoError(t, err)

	// The key that was pending is now the active key for the certificate.
	keyBlock, _ := pem.Decode([]byte(keyPEM))
	require.NotNil(t, keyBlock)
	parsed, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	require.NoError(t, err)
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	require.True(t, ok)

	cert, err := m.GetCertificate(ctx, "web.test.local")
	require.NoError(t, err)
	certBlock, _ := pem.Decode([]byte(cert.Active.CertificatePEM))
	require.NotNil(t, certBlock)
	leaf, err := x509.ParseCertificate(certBlock.Bytes)
	require.NoError(t, err)
	assert.True(t, rsaKey.PublicKey.Equal(leaf.PublicKey))
}

func TestUpload_RenewalReplacesActive(t *testing.T) {
	ctx := t.Context()
	m, _ := unlockedManager(t)
	signer := activeCertificate(t, m, "web.test.local", time.Now().AddDate(0, 1, 0))

	before, err := m.GetCertificate(ctx, "web.test.local")
	require.NoError(t, err)

	resp, err := m.GenerateCSR(ctx, ca.CSRRequest{Hostname: "web.test.local", IsRenewal: true})
	require.NoError(t, err)
	renewed := signer.sign(t, resp.CSRPEM, time.Now().AddDate(1, 0, 0))
	require.NoError(t, m.Upload(ctx, "web.test.local", renewed))

	after, err := m.GetCertificate(ctx, "web.test.local")
	require.NoError(t, err)
	assert.Nil(t, after.Pending)
	assert.NotEqual(t, before.Active.CertificatePEM, after.Active.CertificatePEM)
	assert.NotEqual(t, before.Active.EncryptedPrivateKey, after.Active.EncryptedPrivateKey)
	assert.True(t, after.Active.NotAfter.After(before.Active.NotAfter))
}

func TestPreviewUpload(t *testing.T) {
	ctx := t.Context()
	m, _ := unlockedManager(t)
	csrPEM := generatePending(t, m, "web.test.local")

	signer := newExternalCA(t, "Preview CA")
	notAfter := time.Now().AddDate(1, 0, 0)
	signed := signer.sign(t, csrPEM, notAfter)

	preview, err := m.PreviewUpload(ctx, "web.test.local", signed)
	require.NoError(t, err)
	assert.Equal(t, "Preview CA", preview.IssuerCN)
	assert.Equal(t, "web.test.local", preview.SubjectCN)
	assert.True(t, preview.KeyMatch)
	assert.True(t, preview.CSRMatch)
	assert.False(t, preview.SelfSigned)
	assert.Equal(t, 2048, preview.KeySize)
	assert.NotEmpty(t, preview.SerialNumber)
	assert.WithinDuration(t, notAfter, preview.NotAfter, 2*time.Second)

	// Preview never commits.
	cert, err := m.GetCertificate(ctx, "web.test.local")
	require.NoError(t, err)
	assert.Nil(t, cert.Active)
	require.NotNil(t, cert.Pending)
}

func TestPreviewUpload_KeyMismatchFlagged(t *testing.T) {
	ctx := t.Context()
	m, _ := unlockedManager(t)
	generatePending(t, m, "web.test.local")
	otherCSR := generatePending(t, m, "other.test.local")

	signer := newExternalCA(t, "Preview CA")
	wrong := signer.sign(t, otherCSR, time.Now().AddDate(1, 0, 0))

	preview, err := m.PreviewUpload(ctx, "web.test.local", wrong)
	require.NoError(t, err)
	assert.False(t, preview.KeyMatch)
}

func TestPreviewUpload_SANDriftFlagged(t *testing.T) {
	ctx := t.Context()
	m, _ := unlockedManager(t)
	csrPEM := generatePending(t, m, "web.test.local")

	// The CA reshaped the SAN list; the key still matches.
	csr := parseCSR(t, csrPEM)
	signer := newExternalCA(t, "Drift CA")
	template := &x509.Certificate{
		SerialNumber: newTestSerial(t),
		Subject:      csr.Subject,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		DNSNames:     append(csr.DNSNames, "extra.test.local"),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, signer.cert, csr.PublicKey, signer.key)
	require.NoError(t, err)
	drifted := encodePEM(t, "CERTIFICATE", der)

	preview, err := m.PreviewUpload(ctx, "web.test.local", drifted)
	require.NoError(t, err)
	assert.True(t, preview.KeyMatch)
	assert.False(t, preview.CSRMatch)

	// Drift does not block the upload; the operator decides.
	require.NoError(t, m.Upload(ctx, "web.test.local", drifted))
}

func TestPreviewUpload_SelfSignedFlagged(t *testing.T) {
	ctx := t.Context()
	m, _ := unlockedManager(t)
	csrPEM := generatePending(t, m, "web.test.local")

	keyPEM, err := m.GetPendingPrivateKeyPEM(ctx, "web.test.local")
	require.NoError(t, err)
	keyBlock, _ := pem.Decode([]byte(keyPEM))
	require.NotNil(t, keyBlock)
	parsed, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	require.NoError(t, err)

	csr := parseCSR(t, csrPEM)
	template := &x509.Certificate{
		SerialNumber: newTestSerial(t),
		Subject:      csr.Subject,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		DNSNames:     csr.DNSNames,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, csr.PublicKey, parsed.(crypto.Signer))
	require.NoError(t, err)

	preview, err := m.PreviewUpload(ctx, "web.test.local", encodePEM(t, "CERTIFICATE", der))
	require.NoError(t, err)
	assert.True(t, preview.SelfSigned)
	assert.True(t, preview.KeyMatch)
}

func TestPreviewUpload_NothingPending(t *testing.T) {
	ctx := t.Context()
	m, _ := unlockedManager(t)
	signer := activeCertificate(t, m, "web.test.local", time.Now().AddDate(1, 0, 0))

	_, err := m.PreviewUpload(ctx, "web.test.local", signer.certPEM)
	require.ErrorIs(t, err, ca.ErrNothingPending)
}

func TestImportCertificate(t *testing.T) {
	ctx := t.Context()
	m, _ := unlockedManager(t)
	certPEM, keyPEM := selfSignedPair(t, "imported.test.local", []string{"imported.test.local"})

	hostname, err := m.ImportCertificate(ctx, ca.ImportRequest{
		CertificatePEM: certPEM,
		PrivateKeyPEM:  keyPEM,
		Note:           "migrated from old box",
	})
	require.NoError(t, err)
	assert.Equal(t, "imported.test.local", hostname)

	cert, err := m.GetCertificate(ctx, hostname)
	require.NoError(t, err)
	require.NotNil(t, cert.Active)
	assert.Nil(t, cert.Pending)
	assert.Equal(t, "migrated from old box", cert.Note)
	assert.NotEmpty(t, cert.Active.EncryptedPrivateKey)

	// The sealed key opens under the live session.
	exported, err := m.GetPrivateKeyPEM(ctx, hostname)
	require.NoError(t, err)
	assert.Contains(t, exported, "BEGIN PRIVATE KEY")

	assert.Contains(t, eventTypes(t, m, hostname), ca.EventCertImported)
}

func TestImportCertificate_HostnameFromSAN(t *testing.T) {
	ctx := t.Context()
	m, _ := unlockedManager(t)
	certPEM, keyPEM := selfSignedPair(t, "", []string{"san-only.test.local"})

	hostname, err := m.ImportCertificate(ctx, ca.ImportRequest{
		CertificatePEM: certPEM,
		PrivateKeyPEM:  keyPEM,
	})
	require.NoError(t, err)
	assert.Equal(t, "san-only.test.local", hostname)
}

func TestImportCertificate_NoUsableName(t *testing.T) {
	ctx := t.Context()
	m, _ := unlockedManager(t)
	certPEM, keyPEM := selfSignedPair(t, "", nil)

	_, err := m.ImportCertificate(ctx, ca.ImportRequest{
		CertificatePEM: certPEM,
		PrivateKeyPEM:  keyPEM,
	})
	var vErr *ca.ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestImportCertificate_Collision(t *testing.T) {
	ctx := t.Context()
	m, _ := unlockedManager(t)
	generatePending(t, m, "taken.test.local")
	certPEM, keyPEM := selfSignedPair(t, "taken.test.local", nil)

	_, err := m.ImportCertificate(ctx, ca.ImportRequest{
		CertificatePEM: certPEM,
		PrivateKeyPEM:  keyPEM,
	})
	require.ErrorIs(t, err, ca.ErrAlreadyExists)
}

func TestImportCertificate_KeyMismatch(t *testing.T) {
	ctx := t.Context()
	m, _ := unlockedManager(t)
	certPEM, _ := selfSignedPair(t, "import.test.local", nil)
	_, otherKey := selfSignedPair(t, "other.test.local", nil)

	_, err := m.ImportCertificate(ctx, ca.ImportRequest{
		CertificatePEM: certPEM,
		PrivateKeyPEM:  otherKey,
	})
	require.ErrorIs(t, err, ca.ErrKeyMismatch)
}

func TestImportCertificate_Locked(t *testing.T) {
	m, _ := unlockedManager(t)
	m.Lock()
	certPEM, keyPEM := selfSignedPair(t, "import.test.local", nil)

	_, err := m.ImportCertificate(t.Context(), ca.ImportRequest{
		CertificatePEM: certPEM,
		PrivateKeyPEM:  keyPEM,
	})
	require.ErrorIs(t, err, ca.ErrKeyRequired)
}
