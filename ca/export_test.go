package ca_test

import (
	"crypto/rsa"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"software.sslmate.com/src/go-pkcs12"

	"github.com/certhold/certhold/ca"
)

func TestExportPKCS12(t *testing.T) {
	ctx := t.Context()
	m, _ := unlockedManager(t)
	rootPEM := initTestRoot(t, m)
	generatePending(t, m, "web.test.local")
	require.NoError(t, m.SignPendingCSR(ctx, "web.test.local", 90))

	pfx, err := m.ExportPKCS12(ctx, "web.test.local", "bundle-pass")
	require.NoError(t, err)
	require.NotEmpty(t, pfx)

	key, leaf, caCerts, err := pkcs12.DecodeChain(pfx, "bundle-pass")
	require.NoError(t, err)
	assert.Equal(t, "web.test.local", leaf.Subject.CommonName)

	rsaKey, ok := key.(*rsa.PrivateKey)
	require.True(t, ok)
	assert.True(t, rsaKey.PublicKey.Equal(leaf.PublicKey))

	// The local root rides along for trust-store installs.
	require.Len(t, caCerts, 1)
	assert.Equal(t, parseCert(t, rootPEM).Raw, caCerts[0].Raw)

	assert.Contains(t, eventTypes(t, m, "web.test.local"), ca.EventPKCS12Exported)

	// The wrong password does not open the archive.
	_, _, _, err = pkcs12.DecodeChain(pfx, "wrong-pass")
	require.Error(t, err)
}

func TestExportPKCS12_NoChainAvailable(t *testing.T) {
	ctx := t.Context()
	m, _ := unlockedManager(t)
	activeCertificate(t, m, "web.test.local", time.Now().AddDate(1, 0, 0))

	pfx, err := m.ExportPKCS12(ctx, "web.test.local", "bundle-pass")
	require.NoError(t, err)

	_, leaf, caCerts, err := pkcs12.DecodeChain(pfx, "bundle-pass")
	require.NoError(t, err)
	assert.Equal(t, "web.test.local", leaf.Subject.CommonName)
	assert.Empty(t, caCerts)
}

func TestExportPKCS12_NotActive(t *testing.T) {
	ctx := t.Context()
	m, _ := unlockedManager(t)
	generatePending(t, m, "fresh.test.local")

	_, err := m.ExportPKCS12(ctx, "fresh.test.local", "bundle-pass")
	require.ErrorIs(t, err, ca.ErrNotActive)
}

func TestExportPKCS12_Locked(t *testing.T) {
	ctx := t.Context()
	m, _ := unlockedManager(t)
	activeCertificate(t, m, "web.test.local", time.Now().AddDate(1, 0, 0))
	m.Lock()

	_, err := m.ExportPKCS12(ctx, "web.test.local", "bundle-pass")
	require.ErrorIs(t, err, ca.ErrKeyRequired)
}

func TestExportPKCS12_EmptyPassword(t *testing.T) {
	ctx := t.Context()
	m, _ := unlockedManager(t)
	activeCertificate(t, m, "web.test.local", time.Now().AddDate(1, 0, 0))

	_, err := m.ExportPKCS12(ctx, "web.test.local", "")
	var vErr *ca.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "password", vErr.Field)
}

func TestExportPKCS12_ReadOnlyAllowed(t *testing.T) {
	ctx := t.Context()
	m, _ := unlockedManager(t)
	activeCertificate(t, m, "frozen.test.local", time.Now().AddDate(1, 0, 0))
	require.NoError(t, m.SetReadOnly(ctx, "frozen.test.local", true))

	pfx, err := m.ExportPKCS12(ctx, "frozen.test.local", "bundle-pass")
	require.NoError(t, err)
	assert.NotEmpty(t, pfx)
}

func TestExportPKCS12_NotFound(t *testing.T) {
	m, _ := unlockedManager(t)
	_, err := m.ExportPKCS12(t.Context(), "ghost.test.local", "bundle-pass")
	require.ErrorIs(t, err, ca.ErrNotFound)
}
