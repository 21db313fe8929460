package ca

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"

	"software.sslmate.com/src/go-pkcs12"

	"github.com/certhold/certhold/internal/util"
	"github.com/certhold/certhold/storage"
)

// ExportPKCS12 bundles the hostname's active certificate, its private key
// and the locally stored root (when one exists) into a password-protected
// PKCS#12 archive for handing to servers and browsers. Export is allowed on
// read-only records; only mutations are gated.
func (m *Manager) ExportPKCS12(ctx context.Context, hostname, password string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return nil, ErrKeyRequired
	}
	if password == "" {
		return nil, validationErrorf("password", "must not be empty")
	}
	cert, err := m.loadCertificateLocked(hostname)
	if err != nil {
		return nil, err
	}
	if cert.Active == nil {
		return nil, ErrNotActive
	}

	leaf, err := parseCertificatePEM(cert.Active.CertificatePEM)
	if err != nil {
		return nil, err
	}
	keyPEM, err := m.session.Open(hostname, cert.Active.EncryptedPrivateKey)
	if err != nil {
		return nil, &DecryptError{Hostname: hostname, Err: err}
	}
	defer util.WipeBytes(keyPEM)
	key, err := parsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("stored key: %w", err)
	}

	var caCerts []*x509.Certificate
	caCerts = append(caCerts, parseCertificateChainPEM(cert.Active.ChainPEM)...)
	root, err := m.loadRootCALocked()
	if err != nil && !errors.Is(err, ErrRootCAMissing) {
		return nil, err
	}
	if root != nil {
		if rootCert, err := parseCertificatePEM(root.CertificatePEM); err == nil {
			caCerts = append(caCerts, rootCert)
		}
	}

	pfx, err := pkcs12.Modern.Encode(key, leaf, caCerts, password)
	if err != nil {
		return nil, fmt.Errorf("encoding PKCS#12: %w", err)
	}

	err = m.repo.Batch(func(tx storage.BatchTx) error {
		return appendHistory(tx, hostname, EventPKCS12Exported, "PKCS#12 bundle exported")
	})
	if err != nil {
		return nil, storageErr("recording export", err)
	}
	m.log.Info().Str("hostname", hostname).Msg("pkcs12 exported")
	return pfx, nil
}
