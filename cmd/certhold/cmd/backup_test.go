package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certhold/certhold/ca"
	"github.com/certhold/certhold/internal/util"
	"github.com/certhold/certhold/vault"
)

func writeBundle(t *testing.T, bundle *ca.BackupBundle) string {
	t.Helper()
	data, err := json.Marshal(bundle)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "backup.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestValidateBackupFile(t *testing.T) {
	session, state, err := vault.Setup("offline-check", util.KDFProfileInteractive)
	require.NoError(t, err)
	defer session.Close()

	sealed, err := session.Seal("host.example.test", []byte("key material"))
	require.NoError(t, err)

	bundle := &ca.BackupBundle{
		Version:    1,
		ExportedAt: time.Now().UTC(),
		Vault:      state,
		Certificates: []*ca.Certificate{{
			Hostname: "host.example.test",
			Pending: &ca.Request{
				CSRPEM:              "-----BEGIN CERTIFICATE REQUEST-----\n...",
				EncryptedPrivateKey: sealed,
				KeySize:             2048,
				RequestedAt:         time.Now().UTC(),
			},
			CreatedAt: time.Now().UTC(),
		}},
	}

	result, err := validateBackupFile(writeBundle(t, bundle))
	require.NoError(t, err)
	assert.True(t, result.OK, "problems: %v", result.Problems)
	assert.Equal(t, 1, result.CertificateCount)
	assert.False(t, result.HasEncryptionKey)

	// A bundle without its vault block fails structural validation.
	bundle.Vault = nil
	result, err = validateBackupFile(writeBundle(t, bundle))
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.NotEmpty(t, result.Problems)

	_, err = validateBackupFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
