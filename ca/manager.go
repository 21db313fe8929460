// Package ca implements the certificate lifecycle engine: per-hostname
// records moving from CSR through signing, renewal and expiry, with private
// keys sealed by the vault and every mutation committed together with its
// audit line. All persistence goes through one storage.Repository so that
// key rotation and restore are single atomic batches.
package ca

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/certhold/certhold/internal/util"
	"github.com/certhold/certhold/storage"
	"github.com/certhold/certhold/vault"
)

// Record types and well-known record IDs in the repository.
const (
	recordTypeCertificate = "CERT"
	recordTypeConfig      = "CONFIG"
	recordTypeHistory     = "HIST"
	recordTypeVault       = "VAULT"
	recordTypeRootCA      = "ROOTCA"

	recordIDCurrent = "current"
	recordIDState   = "state"
)

// Rekey entry ID prefixes, mapping staged blobs back to their slot.
const (
	rekeySlotActive  = "active:"
	rekeySlotPending = "pending:"
	rekeySlotRootCA  = "rootca"
)

// Manager owns the certificate records, the config singleton, the history
// log and the vault session. One RWMutex serialises every public operation,
// so rotation and restore are exclusive and readers never observe a
// half-migrated store.
type Manager struct {
	mu         sync.RWMutex
	repo       storage.Repository
	session    *vault.Session
	kdfProfile string
	log        zerolog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithKDFProfile selects the Argon2id profile used for vault setup and key
// rotation. Unknown profiles surface when the first derivation runs.
func WithKDFProfile(profile string) Option {
	return func(m *Manager) { m.kdfProfile = profile }
}

// NewManager builds a Manager on top of the given repository. The vault
// starts locked; callers unlock it with ProvideEncryptionKey.
func NewManager(repo storage.Repository, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		repo:       repo,
		kdfProfile: util.KDFProfileModerate,
		log:        logger.With().Str("component", "ca").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ---------------------------------------------------------------------------
// Vault lifecycle
// ---------------------------------------------------------------------------

// KeyValidationResult reports the outcome of providing an encryption key.
// Valid is false when the password did not verify. FailedHostnames lists
// records whose sealed key did not open even though the password verified;
// those records stay visible but their key material is inaccessible.
type KeyValidationResult struct {
	Valid           bool     `json:"valid"`
	FailedHostnames []string `json:"failed_hostnames,omitempty"`
}

// VaultStatus describes the vault without exposing any secret material.
type VaultStatus struct {
	Initialized bool      `json:"initialized"`
	Unlocked    bool      `json:"unlocked"`
	CreatedAt   time.Time `json:"created_at,omitzero"`
}

// ProvideEncryptionKey unlocks the vault, or initialises it on first use.
// A wrong password reports Valid=false and leaves the vault locked; a later
// correct call still unlocks. After a successful unlock every sealed key is
// test-opened and failures are reported per hostname, so damage surfaces at
// unlock time instead of at first use.
func (m *Manager) ProvideEncryptionKey(ctx context.Context, password string) (*KeyValidationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.loadVaultStateLocked()
	switch {
	case errors.Is(err, ErrNotInitialized):
		return m.setupVaultLocked(password)
	case err != nil:
		return nil, err
	}

	session, err := vault.Unlock(state, password)
	if errors.Is(err, vault.ErrWrongPassword) {
		m.log.Warn().Msg("vault unlock rejected")
		return &KeyValidationResult{Valid: false}, nil
	}
	if err != nil {
		return nil, err
	}

	failed, err := m.sweepSealedKeysLocked(session)
	if err != nil {
		session.Close()
		return nil, err
	}

	if m.session != nil {
		m.session.Close()
	}
	m.session = session
	m.log.Info().Int("unreadable_keys", len(failed)).Msg("vault unlocked")
	return &KeyValidationResult{Valid: true, FailedHostnames: failed}, nil
}

// setupVaultLocked creates vault state on first unlock.
func (m *Manager) setupVaultLocked(password string) (*KeyValidationResult, error) {
	session, state, err := vault.Setup(password, m.kdfProfile)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(state)
	if err != nil {
		session.Close()
		return nil, err
	}
	if err := m.repo.Put(recordTypeVault, recordIDState, data); err != nil {
		session.Close()
		return nil, storageErr("storing vault state", err)
	}
	if m.session != nil {
		m.session.Close()
	}
	m.session = session
	m.log.Info().Str("kdf_profile", m.kdfProfile).Msg("vault initialized")
	return &KeyValidationResult{Valid: true}, nil
}

// sweepSealedKeysLocked attempts to open every sealed blob and returns the
// names that failed, deduplicated and sorted.
func (m *Manager) sweepSealedKeysLocked(session *vault.Session) ([]string, error) {
	certs, err := m.loadAllCertificatesLocked()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var failed []string
	record := func(name string) {
		if !seen[name] {
			seen[name] = true
			failed = append(failed, name)
		}
	}
	for _, cert := range certs {
		if cert.Active != nil {
			if key, err := session.Open(cert.Hostname, cert.Active.EncryptedPrivateKey); err != nil {
				record(cert.Hostname)
			} else {
				util.WipeBytes(key)
			}
		}
		if cert.Pending != nil {
			if key, err := session.Open(cert.Hostname, cert.Pending.EncryptedPrivateKey); err != nil {
				record(cert.Hostname)
			} else {
				util.WipeBytes(key)
			}
		}
	}
	root, err := m.loadRootCALocked()
	if err != nil && !errors.Is(err, ErrRootCAMissing) {
		return nil, err
	}
	if root != nil {
		if key, err := session.Open(rootCAName, root.EncryptedPrivateKey); err != nil {
			record(rootCAName)
		} else {
			util.WipeBytes(key)
		}
	}
	sort.Strings(failed)
	return failed, nil
}

// Lock discards the vault session. Operations needing key material fail
// with ErrKeyRequired until the key is provided again. Locking a locked
// vault is a no-op.
func (m *Manager) Lock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return
	}
	m.session.Close()
	m.session = nil
	m.log.Info().Msg("vault locked")
}

// VaultStatus reports whether the vault exists and whether it is unlocked.
func (m *Manager) VaultStatus(ctx context.Context) (*VaultStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, err := m.loadVaultStateLocked()
	if errors.Is(err, ErrNotInitialized) {
		return &VaultStatus{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &VaultStatus{
		Initialized: true,
		Unlocked:    m.session != nil,
		CreatedAt:   state.CreatedAt,
	}, nil
}

// ChangeEncryptionKey re-encrypts every sealed key under a key derived from
// newPassword and swaps the vault state, all in one transaction. If any
// blob fails to open the rotation aborts with *vault.PartialRekeyError and
// nothing changes; the old password remains valid.
func (m *Manager) ChangeEncryptionKey(ctx context.Context, newPassword string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return ErrKeyRequired
	}

	certs, err := m.loadAllCertificatesLocked()
	if err != nil {
		return err
	}
	root, err := m.loadRootCALocked()
	if err != nil && !errors.Is(err, ErrRootCAMissing) {
		return err
	}

	var entries []vault.RekeyEntry
	for _, cert := range certs {
		if cert.Active != nil {
			entries = append(entries, vault.RekeyEntry{
				ID:   rekeySlotActive + cert.Hostname,
				Name: cert.Hostname,
				Blob: cert.Active.EncryptedPrivateKey,
			})
		}
		if cert.Pending != nil {
			entries = append(entries, vault.RekeyEntry{
				ID:   rekeySlotPending + cert.Hostname,
				Name: cert.Hostname,
				Blob: cert.Pending.EncryptedPrivateKey,
			})
		}
	}
	if root != nil {
		entries = append(entries, vault.RekeyEntry{
			ID:   rekeySlotRootCA,
			Name: rootCAName,
			Blob: root.EncryptedPrivateKey,
		})
	}

	result, err := vault.Rekey(m.session, newPassword, m.kdfProfile, entries)
	if err != nil {
		return err
	}

	resealed := make(map[string][]byte, len(result.Entries))
	for _, e := range result.Entries {
		resealed[e.ID] = e.Blob
	}
	for _, cert := range certs {
		if cert.Active != nil {
			cert.Active.EncryptedPrivateKey = resealed[rekeySlotActive+cert.Hostname]
		}
		if cert.Pending != nil {
			cert.Pending.EncryptedPrivateKey = resealed[rekeySlotPending+cert.Hostname]
		}
	}
	if root != nil {
		root.EncryptedPrivateKey = resealed[rekeySlotRootCA]
	}

	stateData, err := json.Marshal(result.State)
	if err != nil {
		result.Session.Close()
		return err
	}

	err = m.repo.Batch(func(tx storage.BatchTx) error {
		if err := tx.Put(recordTypeVault, recordIDState, stateData); err != nil {
			return err
		}
		for _, cert := range certs {
			if err := putCertificate(tx, cert); err != nil {
				return err
			}
		}
		if root != nil {
			if err := putRootCA(tx, root); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		result.Session.Close()
		return storageErr("committing key rotation", err)
	}

	old := m.session
	m.session = result.Session
	old.Close()
	m.log.Info().Int("resealed_keys", len(result.Entries)).Msg("encryption key changed")
	return nil
}

// ---------------------------------------------------------------------------
// Certificate reads
// ---------------------------------------------------------------------------

// ListCertificates returns summaries matching the filter, sorted by
// hostname. Status is computed at call time against the configured
// expiring window.
func (m *Manager) ListCertificates(ctx context.Context, filter CertificateFilter) ([]CertificateListItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg, err := m.loadConfigLocked()
	if err != nil {
		return nil, err
	}
	certs, err := m.loadAllCertificatesLocked()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	window := cfg.ExpiringWindow()
	search := strings.ToLower(filter.Search)

	items := make([]CertificateListItem, 0, len(certs))
	for _, cert := range certs {
		status := CertStatus(cert, now, window)
		if filter.Status != "" && status != filter.Status {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(cert.Hostname), search) &&
			!strings.Contains(strings.ToLower(cert.Note), search) {
			continue
		}
		items = append(items, listItem(cert, status))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Hostname < items[j].Hostname })
	return items, nil
}

func listItem(cert *Certificate, status Status) CertificateListItem {
	item := CertificateListItem{
		Hostname:  cert.Hostname,
		Status:    status,
		Renewing:  cert.Renewing(),
		ReadOnly:  cert.ReadOnly,
		Note:      cert.Note,
		CreatedAt: cert.CreatedAt,
	}
	switch {
	case cert.Active != nil:
		expires := cert.Active.NotAfter
		item.ExpiresAt = &expires
		item.KeySize = cert.Active.KeySize
	case cert.Pending != nil:
		item.KeySize = cert.Pending.KeySize
	}
	return item
}

// GetCertificate returns the full record for a hostname.
func (m *Manager) GetCertificate(ctx context.Context, hostname string) (*Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadCertificateLocked(hostname)
}

// CertificateStatus computes the record's current status using the
// configured expiring window.
func (m *Manager) CertificateStatus(ctx context.Context, cert *Certificate) (Status, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg, err := m.loadConfigLocked()
	if err != nil {
		return "", err
	}
	return CertStatus(cert, time.Now().UTC(), cfg.ExpiringWindow()), nil
}

// ---------------------------------------------------------------------------
// Certificate mutations
// ---------------------------------------------------------------------------

// DeleteCertificate removes a record and the sealed keys stored inside it.
// History entries for the hostname are kept.
func (m *Manager) DeleteCertificate(ctx context.Context, hostname string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cert, err := m.loadCertificateLocked(hostname)
	if err != nil {
		return err
	}
	if cert.ReadOnly {
		return ErrReadOnly
	}

	err = m.repo.Batch(func(tx storage.BatchTx) error {
		if err := tx.Delete(recordTypeCertificate, hostname); err != nil {
			return err
		}
		return appendHistory(tx, hostname, EventCertDeleted, "certificate deleted")
	})
	if err != nil {
		return storageErr("deleting certificate", err)
	}
	m.log.Info().Str("hostname", hostname).Msg("certificate deleted")
	return nil
}

// CancelRenewal clears the pending request. The active certificate and its
// key are never touched. A record that was only a request is removed
// entirely, since a record without either half cannot exist.
func (m *Manager) CancelRenewal(ctx context.Context, hostname string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cert, err := m.loadCertificateLocked(hostname)
	if err != nil {
		return err
	}
	if cert.ReadOnly {
		return ErrReadOnly
	}
	if cert.Pending == nil {
		return ErrNothingPending
	}

	cert.Pending = nil
	err = m.repo.Batch(func(tx storage.BatchTx) error {
		if cert.Active == nil {
			if err := tx.Delete(recordTypeCertificate, hostname); err != nil {
				return err
			}
		} else {
			if err := putCertificate(tx, cert); err != nil {
				return err
			}
		}
		return appendHistory(tx, hostname, EventRenewalCancelled, "pending request cancelled")
	})
	if err != nil {
		return storageErr("cancelling renewal", err)
	}
	m.log.Info().Str("hostname", hostname).Msg("pending request cancelled")
	return nil
}

// SetReadOnly toggles the mutation guard. The toggle itself is exempt from
// the guard; nothing else would be able to clear it.
func (m *Manager) SetReadOnly(ctx context.Context, hostname string, readOnly bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cert, err := m.loadCertificateLocked(hostname)
	if err != nil {
		return err
	}
	if cert.ReadOnly == readOnly {
		return nil
	}
	cert.ReadOnly = readOnly

	event := EventReadOnlyEnabled
	message := "read-only enabled"
	if !readOnly {
		event = EventReadOnlyDisabled
		message = "read-only disabled"
	}
	err = m.repo.Batch(func(tx storage.BatchTx) error {
		if err := putCertificate(tx, cert); err != nil {
			return err
		}
		return appendHistory(tx, hostname, event, message)
	})
	if err != nil {
		return storageErr("updating read-only flag", err)
	}
	return nil
}

// SetNote updates the record note. Notes are metadata and are allowed on
// read-only records.
func (m *Manager) SetNote(ctx context.Context, hostname, note string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cert, err := m.loadCertificateLocked(hostname)
	if err != nil {
		return err
	}
	cert.Note = note
	return m.saveWithHistoryLocked(cert, EventNoteUpdated, "note updated")
}

// SetPendingNote updates the note on the outstanding request.
func (m *Manager) SetPendingNote(ctx context.Context, hostname, note string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cert, err := m.loadCertificateLocked(hostname)
	if err != nil {
		return err
	}
	if cert.Pending == nil {
		return ErrNothingPending
	}
	cert.Pending.Note = note
	return m.saveWithHistoryLocked(cert, EventNoteUpdated, "pending note updated")
}

// ---------------------------------------------------------------------------
// Private key access
// ---------------------------------------------------------------------------

// GetPrivateKeyPEM opens and returns the active certificate's private key.
// The export is recorded in history.
func (m *Manager) GetPrivateKeyPEM(ctx context.Context, hostname string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return "", ErrKeyRequired
	}
	cert, err := m.loadCertificateLocked(hostname)
	if err != nil {
		return "", err
	}
	if cert.Active == nil {
		return "", ErrNotActive
	}
	keyPEM, err := m.session.Open(hostname, cert.Active.EncryptedPrivateKey)
	if err != nil {
		return "", &DecryptError{Hostname: hostname, Err: err}
	}
	err = m.repo.Batch(func(tx storage.BatchTx) error {
		return appendHistory(tx, hostname, EventPrivateKeyExported, "private key exported")
	})
	if err != nil {
		util.WipeBytes(keyPEM)
		return "", storageErr("recording key export", err)
	}
	return string(keyPEM), nil
}

// GetPendingPrivateKeyPEM opens and returns the pending request's private
// key.
func (m *Manager) GetPendingPrivateKeyPEM(ctx context.Context, hostname string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return "", ErrKeyRequired
	}
	cert, err := m.loadCertificateLocked(hostname)
	if err != nil {
		return "", err
	}
	if cert.Pending == nil {
		return "", ErrNothingPending
	}
	keyPEM, err := m.session.Open(hostname, cert.Pending.EncryptedPrivateKey)
	if err != nil {
		return "", &DecryptError{Hostname: hostname, Err: err}
	}
	err = m.repo.Batch(func(tx storage.BatchTx) error {
		return appendHistory(tx, hostname, EventPrivateKeyExported, "pending private key exported")
	})
	if err != nil {
		util.WipeBytes(keyPEM)
		return "", storageErr("recording key export", err)
	}
	return string(keyPEM), nil
}

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

// GetConfig returns the stored configuration, or the defaults when none
// has been saved yet.
func (m *Manager) GetConfig(ctx context.Context) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadConfigLocked()
}

// UpdateConfig validates and stores the configuration singleton.
func (m *Manager) UpdateConfig(ctx context.Context, cfg Config) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := m.repo.Put(recordTypeConfig, recordIDCurrent, data); err != nil {
		return storageErr("storing config", err)
	}
	m.log.Info().Str("ca_name", cfg.CAName).Msg("config updated")
	return nil
}

// ---------------------------------------------------------------------------
// Shared loading helpers (callers hold m.mu)
// ---------------------------------------------------------------------------

func (m *Manager) loadVaultStateLocked() (*vault.State, error) {
	data, err := m.repo.Get(recordTypeVault, recordIDState)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotInitialized
	}
	if err != nil {
		return nil, storageErr("loading vault state", err)
	}
	var state vault.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decoding vault state: %w", err)
	}
	return &state, nil
}

func (m *Manager) loadConfigLocked() (*Config, error) {
	data, err := m.repo.Get(recordTypeConfig, recordIDCurrent)
	if errors.Is(err, storage.ErrNotFound) {
		cfg := DefaultConfig()
		return &cfg, nil
	}
	if err != nil {
		return nil, storageErr("loading config", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}

func (m *Manager) loadCertificateLocked(hostname string) (*Certificate, error) {
	data, err := m.repo.Get(recordTypeCertificate, hostname)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", hostname, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("loading certificate", err)
	}
	var cert Certificate
	if err := json.Unmarshal(data, &cert); err != nil {
		return nil, fmt.Errorf("decoding certificate %s: %w", hostname, err)
	}
	return &cert, nil
}

func (m *Manager) loadAllCertificatesLocked() ([]*Certificate, error) {
	hostnames, err := m.repo.List(recordTypeCertificate)
	if err != nil {
		return nil, storageErr("listing certificates", err)
	}
	certs := make([]*Certificate, 0, len(hostnames))
	for _, hostname := range hostnames {
		cert, err := m.loadCertificateLocked(hostname)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

func (m *Manager) certificateExistsLocked(hostname string) (bool, error) {
	_, err := m.repo.Get(recordTypeCertificate, hostname)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("checking certificate", err)
	}
	return true, nil
}

// saveWithHistoryLocked commits a record update and its history entry in
// one batch.
func (m *Manager) saveWithHistoryLocked(cert *Certificate, event EventType, message string) error {
	err := m.repo.Batch(func(tx storage.BatchTx) error {
		if err := putCertificate(tx, cert); err != nil {
			return err
		}
		return appendHistory(tx, cert.Hostname, event, message)
	})
	if err != nil {
		return storageErr("saving certificate", err)
	}
	return nil
}

func putCertificate(tx storage.BatchTx, cert *Certificate) error {
	data, err := json.Marshal(cert)
	if err != nil {
		return err
	}
	return tx.Put(recordTypeCertificate, cert.Hostname, data)
}

func putRootCA(tx storage.BatchTx, root *RootCA) error {
	data, err := json.Marshal(root)
	if err != nil {
		return err
	}
	return tx.Put(recordTypeRootCA, recordIDCurrent, data)
}
