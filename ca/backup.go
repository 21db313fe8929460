package ca

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/certhold/certhold/internal/util"
	"github.com/certhold/certhold/storage"
	"github.com/certhold/certhold/vault"
)

// backupVersion is the current bundle format.
const backupVersion = 1

// BackupBundle is the portable snapshot of the whole store: config, vault
// KDF state, every record with its sealed keys as-is, the history log and
// the root CA. EncryptionKey is the wrapping password and is present only
// in self-contained exports meant for air-gapped transfer.
type BackupBundle struct {
	Version       int            `json:"version"`
	ExportedAt    time.Time      `json:"exported_at"`
	Config        *Config        `json:"config,omitempty"`
	Vault         *vault.State   `json:"vault"`
	Certificates  []*Certificate `json:"certificates"`
	History       []HistoryEntry `json:"history,omitempty"`
	RootCA        *RootCA        `json:"root_ca,omitempty"`
	EncryptionKey string         `json:"encryption_key,omitempty"`
}

// BackupValidationResult is the outcome of a structural bundle check.
type BackupValidationResult struct {
	OK               bool     `json:"ok"`
	Version          int      `json:"version"`
	CertificateCount int      `json:"certificate_count"`
	HasEncryptionKey bool     `json:"has_encryption_key"`
	Problems         []string `json:"problems,omitempty"`
}

// CertImportResult summarises a selective import: Conflicts lists hostnames
// skipped because they already exist, Failed lists hostnames whose key did
// not decrypt under the bundle's password.
type CertImportResult struct {
	Imported  int      `json:"imported"`
	Skipped   int      `json:"skipped"`
	Conflicts []string `json:"conflicts,omitempty"`
	Failed    []string `json:"failed,omitempty"`
}

// ExportBackup snapshots the entire store. Sealed keys are copied without
// touching the plaintext path, so export works with the vault locked —
// except when includeRawKey asks for a self-contained bundle, which embeds
// the wrapping password and therefore needs the unlocked session.
func (m *Manager) ExportBackup(ctx context.Context, includeRawKey bool) (*BackupBundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, err := m.loadVaultStateLocked()
	if err != nil {
		return nil, err
	}
	cfg, err := m.loadConfigLocked()
	if err != nil {
		return nil, err
	}
	certs, err := m.loadAllCertificatesLocked()
	if err != nil {
		return nil, err
	}
	history, err := m.loadAllHistoryLocked()
	if err != nil {
		return nil, err
	}
	root, err := m.loadRootCALocked()
	if err != nil && !errors.Is(err, ErrRootCAMissing) {
		return nil, err
	}

	bundle := &BackupBundle{
		Version:      backupVersion,
		ExportedAt:   time.Now().UTC(),
		Config:       cfg,
		Vault:        state.Clone(),
		Certificates: certs,
		History:      history,
		RootCA:       root,
	}
	if includeRawKey {
		if m.session == nil {
			return nil, ErrKeyRequired
		}
		password, err := m.session.Password()
		if err != nil {
			return nil, err
		}
		bundle.EncryptionKey = password
	}
	m.log.Info().
		Int("certificates", len(certs)).
		Bool("self_contained", includeRawKey).
		Msg("backup exported")
	return bundle, nil
}

// ParseBackup decodes a bundle from its JSON form.
func ParseBackup(data []byte) (*BackupBundle, error) {
	var bundle BackupBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return &bundle, nil
}

// LoadBackupFile reads and decodes a bundle from disk.
func LoadBackupFile(path string) (*BackupBundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseBackup(data)
}

// ValidateBackup checks a bundle's structure without importing anything.
func ValidateBackup(bundle *BackupBundle) *BackupValidationResult {
	result := &BackupValidationResult{
		Version:          bundle.Version,
		CertificateCount: len(bundle.Certificates),
		HasEncryptionKey: bundle.EncryptionKey != "",
	}
	problem := func(format string, args ...any) {
		result.Problems = append(result.Problems, fmt.Sprintf(format, args...))
	}

	if bundle.Version != backupVersion {
		problem("unsupported version %d", bundle.Version)
	}
	if bundle.Vault == nil {
		problem("missing vault block")
	} else {
		if len(bundle.Vault.Salt) == 0 {
			problem("vault block has no salt")
		}
		if len(bundle.Vault.CheckValue) == 0 {
			problem("vault block has no check value")
		}
	}
	for _, cert := range bundle.Certificates {
		switch {
		case cert.Hostname == "":
			problem("certificate with empty hostname")
		case cert.Active == nil && cert.Pending == nil:
			problem("%s: record has neither certificate nor request", cert.Hostname)
		}
		if cert.Active != nil && len(cert.Active.EncryptedPrivateKey) == 0 {
			problem("%s: active certificate without sealed key", cert.Hostname)
		}
		if cert.Pending != nil && len(cert.Pending.EncryptedPrivateKey) == 0 {
			problem("%s: pending request without sealed key", cert.Hostname)
		}
	}
	result.OK = len(result.Problems) == 0
	return result
}

// RestoreBackup replaces the whole store with the bundle's contents in one
// transaction. The vault is locked afterwards unless the bundle embeds its
// password, in which case the restored vault is unlocked in the same call —
// and verified before anything is written, so a bad bundle never replaces a
// good store.
func (m *Manager) RestoreBackup(ctx context.Context, bundle *BackupBundle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if bundle.Version != backupVersion {
		return fmt.Errorf("version %d: %w", bundle.Version, ErrUnsupportedVersion)
	}
	if result := ValidateBackup(bundle); !result.OK {
		return validationErrorf("bundle", "%s", result.Problems[0])
	}

	var session *vault.Session
	if bundle.EncryptionKey != "" {
		var err error
		session, err = vault.Unlock(bundle.Vault, bundle.EncryptionKey)
		if err != nil {
			return fmt.Errorf("bundle password: %w", err)
		}
	}

	stateData, err := json.Marshal(bundle.Vault)
	if err != nil {
		return err
	}
	configData, err := json.Marshal(bundle.Config)
	if err != nil {
		return err
	}

	err = m.repo.Batch(func(tx storage.BatchTx) error {
		for _, recordType := range []string{
			recordTypeCertificate, recordTypeHistory, recordTypeRootCA, recordTypeConfig,
		} {
			if err := tx.DeleteAll(recordType); err != nil {
				return err
			}
		}
		if err := tx.Put(recordTypeVault, recordIDState, stateData); err != nil {
			return err
		}
		if bundle.Config != nil {
			if err := tx.Put(recordTypeConfig, recordIDCurrent, configData); err != nil {
				return err
			}
		}
		for _, cert := range bundle.Certificates {
			if err := putCertificate(tx, cert); err != nil {
				return err
			}
		}
		for _, entry := range bundle.History {
			data, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			if err := tx.Put(recordTypeHistory, entry.ID, data); err != nil {
				return err
			}
		}
		if bundle.RootCA != nil {
			if err := putRootCA(tx, bundle.RootCA); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if session != nil {
			session.Close()
		}
		return storageErr("restoring backup", err)
	}

	if m.session != nil {
		m.session.Close()
	}
	m.session = session
	m.log.Info().
		Int("certificates", len(bundle.Certificates)).
		Bool("unlocked", session != nil).
		Msg("backup restored")
	return nil
}

// ImportFromBackup merges selected hostnames from a bundle into the live
// store. The bundle's keys are opened under a second session scoped to the
// bundle's own vault state and password, then re-sealed under the live key.
// Existing hostnames are skipped, and one record's decrypt failure never
// aborts the rest. An empty hostnames list selects everything.
func (m *Manager) ImportFromBackup(ctx context.Context, bundle *BackupBundle, password string, hostnames []string) (*CertImportResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return nil, ErrKeyRequired
	}
	if bundle.Version != backupVersion {
		return nil, fmt.Errorf("version %d: %w", bundle.Version, ErrUnsupportedVersion)
	}
	if bundle.Vault == nil {
		return nil, validationErrorf("bundle", "missing vault block")
	}
	if password == "" {
		password = bundle.EncryptionKey
	}

	bundleSession, err := vault.Unlock(bundle.Vault, password)
	if err != nil {
		return nil, fmt.Errorf("bundle password: %w", err)
	}
	defer bundleSession.Close()

	selected := make(map[string]bool, len(hostnames))
	for _, h := range hostnames {
		selected[h] = true
	}

	result := &CertImportResult{}
	var staged []*Certificate
	for _, cert := range bundle.Certificates {
		if len(selected) > 0 && !selected[cert.Hostname] {
			continue
		}
		exists, err := m.certificateExistsLocked(cert.Hostname)
		if err != nil {
			return nil, err
		}
		if exists {
			result.Skipped++
			result.Conflicts = append(result.Conflicts, cert.Hostname)
			continue
		}
		if err := m.resealCertificateLocked(bundleSession, cert); err != nil {
			result.Failed = append(result.Failed, cert.Hostname)
			continue
		}
		staged = append(staged, cert)
	}

	err = m.repo.Batch(func(tx storage.BatchTx) error {
		for _, cert := range staged {
			if err := putCertificate(tx, cert); err != nil {
				return err
			}
			if err := appendHistory(tx, cert.Hostname, EventCertificateRestored, "imported from backup"); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("importing certificates", err)
	}

	result.Imported = len(staged)
	sort.Strings(result.Conflicts)
	sort.Strings(result.Failed)
	m.log.Info().
		Int("imported", result.Imported).
		Int("skipped", result.Skipped).
		Int("failed", len(result.Failed)).
		Msg("backup import finished")
	return result, nil
}

// resealCertificateLocked moves a record's sealed keys from the bundle's
// vault to the live one. Both blobs must open for the record to import; a
// half-imported record would be worse than none.
func (m *Manager) resealCertificateLocked(bundleSession *vault.Session, cert *Certificate) error {
	reseal := func(blob []byte) ([]byte, error) {
		plaintext, err := bundleSession.Open(cert.Hostname, blob)
		if err != nil {
			return nil, err
		}
		defer util.WipeBytes(plaintext)
		return m.session.Seal(cert.Hostname, plaintext)
	}

	if cert.Active != nil {
		sealed, err := reseal(cert.Active.EncryptedPrivateKey)
		if err != nil {
			return err
		}
		cert.Active.EncryptedPrivateKey = sealed
	}
	if cert.Pending != nil {
		sealed, err := reseal(cert.Pending.EncryptedPrivateKey)
		if err != nil {
			return err
		}
		cert.Pending.EncryptedPrivateKey = sealed
	}
	return nil
}

// loadAllHistoryLocked returns every history entry, oldest first.
func (m *Manager) loadAllHistoryLocked() ([]HistoryEntry, error) {
	ids, err := m.repo.List(recordTypeHistory)
	if err != nil {
		return nil, storageErr("listing history", err)
	}
	entries := make([]HistoryEntry, 0, len(ids))
	for _, id := range ids {
		data, err := m.repo.Get(recordTypeHistory, id)
		if err != nil {
			continue
		}
		var entry HistoryEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}
