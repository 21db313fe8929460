package ca

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/certhold/certhold/internal/util"
	"github.com/certhold/certhold/storage"
)

// rootCAName is the reserved seal name for the root CA's private key.
// Hostname validation rejects the @ prefix, so it cannot collide with a
// certificate record.
const rootCAName = "@root-ca"

// RootCA is the locally managed signing root: one self-signed certificate
// and its sealed key. Intermediates are never created.
type RootCA struct {
	CertificatePEM      string    `json:"certificate_pem"`
	EncryptedPrivateKey []byte    `json:"encrypted_private_key"`
	CreatedAt           time.Time `json:"created_at"`
}

// InitRootCARequest carries the parameters for creating a root CA.
type InitRootCARequest struct {
	CommonName    string      `json:"common_name"`
	Subject       SubjectInfo `json:"subject"`
	ValidityYears int         `json:"validity_years"`
	KeySize       int         `json:"key_size,omitempty"`
}

// InitRootCA creates a self-signed root certificate and seals its key in
// the vault. Only one root can exist.
func (m *Manager) InitRootCA(ctx context.Context, req InitRootCARequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return "", ErrKeyRequired
	}
	if req.CommonName == "" {
		return "", validationErrorf("common_name", "must not be empty")
	}
	if req.ValidityYears <= 0 {
		return "", validationErrorf("validity_years", "must be positive")
	}
	if req.KeySize == 0 {
		req.KeySize = 4096
	}
	if !allowedKeySize(req.KeySize) {
		return "", validationErrorf("key_size", "must be one of 2048, 3072, 4096")
	}
	if _, err := m.loadRootCALocked(); err == nil {
		return "", fmt.Errorf("root CA: %w", ErrAlreadyExists)
	} else if !errors.Is(err, ErrRootCAMissing) {
		return "", err
	}

	key, err := rsa.GenerateKey(rand.Reader, req.KeySize)
	if err != nil {
		return "", fmt.Errorf("generating root key: %w", err)
	}
	serial, err := newSerial()
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkixName(req.CommonName, req.Subject, SubjectInfo{}),
		NotBefore:             now,
		NotAfter:              now.AddDate(req.ValidityYears, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return "", fmt.Errorf("creating root certificate: %w", err)
	}
	certPEM := encodeCertPEM(der)

	if err := m.storeRootCALocked(certPEM, key, now); err != nil {
		return "", err
	}
	m.log.Info().Str("common_name", req.CommonName).Int("key_size", req.KeySize).Msg("root CA initialized")
	return certPEM, nil
}

// ImportRootCA installs an existing self-signed CA certificate and key.
func (m *Manager) ImportRootCA(ctx context.Context, certPEM, keyPEM string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return ErrKeyRequired
	}
	if _, err := m.loadRootCALocked(); err == nil {
		return fmt.Errorf("root CA: %w", ErrAlreadyExists)
	} else if !errors.Is(err, ErrRootCAMissing) {
		return err
	}

	cert, err := parseCertificatePEM(certPEM)
	if err != nil {
		return err
	}
	if !cert.IsCA {
		return validationErrorf("certificate_pem", "certificate is not a CA")
	}
	if !isSelfSigned(cert) {
		return validationErrorf("certificate_pem", "root certificate must be self-signed")
	}
	key, err := parsePrivateKeyPEM([]byte(keyPEM))
	if err != nil {
		return err
	}
	if !publicKeysEqual(cert.PublicKey, key.Public()) {
		return fmt.Errorf("root CA: %w", ErrKeyMismatch)
	}

	if err := m.storeRootCALocked(certPEM, key, time.Now().UTC()); err != nil {
		return err
	}
	m.log.Info().Str("common_name", cert.Subject.CommonName).Msg("root CA imported")
	return nil
}

// RootCACertificate returns the root certificate PEM. The key never leaves
// the vault through this path.
func (m *Manager) RootCACertificate(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	root, err := m.loadRootCALocked()
	if err != nil {
		return "", err
	}
	return root.CertificatePEM, nil
}

// SignPendingCSR signs the hostname's outstanding request under the local
// root and commits the result through the same path an uploaded
// certificate takes. A validityDays of zero uses the configured default.
func (m *Manager) SignPendingCSR(ctx context.Context, hostname string, validityDays int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return ErrKeyRequired
	}
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
	root, err := m.loadRootCALocked()
	if err != nil {
		return err
	}
	cfg, err := m.loadConfigLocked()
	if err != nil {
		return err
	}
	if validityDays <= 0 {
		validityDays = cfg.DefaultValidityDays
	}

	csr, err := parseCSRPEM(cert.Pending.CSRPEM)
	if err != nil {
		return fmt.Errorf("stored request: %w", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return fmt.Errorf("%w: request signature invalid: %v", ErrInvalidFormat, err)
	}

	rootCert, err := parseCertificatePEM(root.CertificatePEM)
	if err != nil {
		return fmt.Errorf("stored root certificate: %w", err)
	}
	rootKeyPEM, err := m.session.Open(rootCAName, root.EncryptedPrivateKey)
	if err != nil {
		return &DecryptError{Hostname: rootCAName, Err: err}
	}
	defer util.WipeBytes(rootKeyPEM)
	rootKey, err := parsePrivateKeyPEM(rootKeyPEM)
	if err != nil {
		return fmt.Errorf("stored root key: %w", err)
	}

	serial, err := newSerial()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               csr.Subject,
		NotBefore:             now,
		NotAfter:              now.AddDate(0, 0, validityDays),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              csr.DNSNames,
		IPAddresses:           csr.IPAddresses,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, rootCert, csr.PublicKey, rootKey)
	if err != nil {
		return fmt.Errorf("signing request: %w", err)
	}
	leafPEM := encodeCertPEM(der)
	leaf, err := parseCertificatePEM(leafPEM)
	if err != nil {
		return err
	}

	activate(cert, leaf, leafPEM, "")
	err = m.repo.Batch(func(tx storage.BatchTx) error {
		if err := putCertificate(tx, cert); err != nil {
			return err
		}
		return appendHistory(tx, hostname, EventCertSigned, "request signed by local root CA")
	})
	if err != nil {
		return storageErr("storing certificate", err)
	}
	m.log.Info().
		Str("hostname", hostname).
		Int("validity_days", validityDays).
		Msg("request signed locally")
	return nil
}

func (m *Manager) loadRootCALocked() (*RootCA, error) {
	data, err := m.repo.Get(recordTypeRootCA, recordIDCurrent)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrRootCAMissing
	}
	if err != nil {
		return nil, storageErr("loading root CA", err)
	}
	var root RootCA
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("decoding root CA: %w", err)
	}
	return &root, nil
}

func (m *Manager) storeRootCALocked(certPEM string, key crypto.Signer, createdAt time.Time) error {
	keyPEM, err := encodeKeyPEM(key)
	if err != nil {
		return fmt.Errorf("encoding root key: %w", err)
	}
	sealed, err := m.session.Seal(rootCAName, keyPEM)
	util.WipeBytes(keyPEM)
	if err != nil {
		return err
	}
	root := &RootCA{
		CertificatePEM:      certPEM,
		EncryptedPrivateKey: sealed,
		CreatedAt:           createdAt,
	}
	data, err := json.Marshal(root)
	if err != nil {
		return err
	}
	if err := m.repo.Put(recordTypeRootCA, recordIDCurrent, data); err != nil {
		return storageErr("storing root CA", err)
	}
	return nil
}
