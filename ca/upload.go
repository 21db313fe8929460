package ca

import (
	"context"
	"crypto/x509"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/certhold/certhold/internal/util"
	"github.com/certhold/certhold/storage"
)

// UploadPreview describes a candidate certificate before committing it.
// KeyMatch is the binding check: upload refuses the certificate when it is
// false. CSRMatch reports subject/SAN drift for the caller to judge, since
// external CAs legitimately reshape subjects.
type UploadPreview struct {
	IssuerCN     string    `json:"issuer_cn"`
	IssuerOrg    string    `json:"issuer_org,omitempty"`
	SubjectCN    string    `json:"subject_cn"`
	NotBefore    time.Time `json:"not_before"`
	NotAfter     time.Time `json:"not_after"`
	SANs         []SAN     `json:"sans,omitempty"`
	KeySize      int       `json:"key_size"`
	KeyMatch     bool      `json:"key_match"`
	CSRMatch     bool      `json:"csr_match"`
	SelfSigned   bool      `json:"self_signed"`
	SerialNumber string    `json:"serial_number"`
}

// PreviewUpload parses a signed certificate against the hostname's pending
// request without committing anything. Needs no vault access; the public
// half of the CSR suffices.
func (m *Manager) PreviewUpload(ctx context.Context, hostname, certPEM string) (*UploadPreview, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	cert, err := m.loadCertificateLocked(hostname)
	if err != nil {
		return nil, err
	}
	if cert.Pending == nil {
		return nil, ErrNothingPending
	}
	leaf, err := parseCertificatePEM(certPEM)
	if err != nil {
		return nil, err
	}
	csr, err := parseCSRPEM(cert.Pending.CSRPEM)
	if err != nil {
		return nil, fmt.Errorf("stored request: %w", err)
	}

	preview := &UploadPreview{
		IssuerCN:     leaf.Issuer.CommonName,
		SubjectCN:    leaf.Subject.CommonName,
		NotBefore:    leaf.NotBefore,
		NotAfter:     leaf.NotAfter,
		SANs:         certSANs(leaf),
		KeySize:      publicKeyBits(leaf.PublicKey),
		KeyMatch:     publicKeysEqual(leaf.PublicKey, csr.PublicKey),
		CSRMatch:     subjectsConsistent(leaf, csr),
		SelfSigned:   isSelfSigned(leaf),
		SerialNumber: leaf.SerialNumber.Text(16),
	}
	if len(leaf.Issuer.Organization) > 0 {
		preview.IssuerOrg = leaf.Issuer.Organization[0]
	}
	return preview, nil
}

// Upload commits a signed certificate against the hostname's pending
// request. The pending key becomes the active key and any previous active
// certificate is replaced. On a key mismatch the pending half is untouched.
// Works with the vault locked: the sealed blob moves slots opaquely.
func (m *Manager) Upload(ctx context.Context, hostname, certPEM string) error {
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
	leaf, err := parseCertificatePEM(certPEM)
	if err != nil {
		return err
	}
	csr, err := parseCSRPEM(cert.Pending.CSRPEM)
	if err != nil {
		return fmt.Errorf("stored request: %w", err)
	}
	if !publicKeysEqual(leaf.PublicKey, csr.PublicKey) {
		return fmt.Errorf("%s: %w", hostname, ErrKeyMismatch)
	}

	activate(cert, leaf, certPEM, "")
	err = m.repo.Batch(func(tx storage.BatchTx) error {
		if err := putCertificate(tx, cert); err != nil {
			return err
		}
		return appendHistory(tx, hostname, EventCertUploaded, "signed certificate uploaded")
	})
	if err != nil {
		return storageErr("storing certificate", err)
	}
	m.log.Info().
		Str("hostname", hostname).
		Time("not_after", leaf.NotAfter).
		Msg("certificate uploaded")
	return nil
}

// activate moves the pending half into the active slot. The SAN list and
// validity window come from the issued certificate rather than the request,
// since the CA has the final word on both.
func activate(cert *Certificate, leaf *x509.Certificate, certPEM, chainPEM string) {
	cert.Active = &Issued{
		CertificatePEM:      certPEM,
		EncryptedPrivateKey: cert.Pending.EncryptedPrivateKey,
		ChainPEM:            chainPEM,
		Subject:             subjectInfoFromName(leaf.Subject),
		KeySize:             cert.Pending.KeySize,
		SANs:                certSANs(leaf),
		NotBefore:           leaf.NotBefore,
		NotAfter:            leaf.NotAfter,
	}
	cert.Pending = nil
}

// ImportRequest carries an externally produced certificate and key pair.
type ImportRequest struct {
	CertificatePEM string `json:"certificate_pem"`
	PrivateKeyPEM  string `json:"private_key_pem"`
	ChainPEM       string `json:"chain_pem,omitempty"`
	Note           string `json:"note,omitempty"`
}

// ImportCertificate brings in a certificate that never had a local CSR. The
// key and certificate must belong together; the record is active
// immediately, keyed by the leaf's common name or its first DNS SAN. The
// suffix policy is not applied to imports.
func (m *Manager) ImportCertificate(ctx context.Context, req ImportRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return "", ErrKeyRequired
	}
	leaf, err := parseCertificatePEM(req.CertificatePEM)
	if err != nil {
		return "", err
	}
	key, err := parsePrivateKeyPEM([]byte(req.PrivateKeyPEM))
	if err != nil {
		return "", err
	}
	if !publicKeysEqual(leaf.PublicKey, key.Public()) {
		return "", ErrKeyMismatch
	}

	hostname := leaf.Subject.CommonName
	if hostname == "" && len(leaf.DNSNames) > 0 {
		hostname = leaf.DNSNames[0]
	}
	if hostname == "" {
		return "", validationErrorf("certificate_pem", "certificate carries no common name or DNS SAN")
	}
	if strings.HasPrefix(hostname, "@") {
		return "", validationErrorf("certificate_pem", "names starting with @ are reserved")
	}
	exists, err := m.certificateExistsLocked(hostname)
	if err != nil {
		return "", err
	}
	if exists {
		return "", fmt.Errorf("%s: %w", hostname, ErrAlreadyExists)
	}

	keyPEM, err := encodeKeyPEM(key)
	if err != nil {
		return "", fmt.Errorf("encoding private key: %w", err)
	}
	sealed, err := m.session.Seal(hostname, keyPEM)
	util.WipeBytes(keyPEM)
	if err != nil {
		return "", err
	}

	cert := &Certificate{
		Hostname: hostname,
		Active: &Issued{
			CertificatePEM:      req.CertificatePEM,
			EncryptedPrivateKey: sealed,
			ChainPEM:            req.ChainPEM,
			Subject:             subjectInfoFromName(leaf.Subject),
			KeySize:             publicKeyBits(leaf.PublicKey),
			SANs:                certSANs(leaf),
			NotBefore:           leaf.NotBefore,
			NotAfter:            leaf.NotAfter,
		},
		Note:      req.Note,
		CreatedAt: time.Now().UTC(),
	}
	err = m.repo.Batch(func(tx storage.BatchTx) error {
		if err := putCertificate(tx, cert); err != nil {
			return err
		}
		return appendHistory(tx, hostname, EventCertImported, "certificate imported")
	})
	if err != nil {
		return "", storageErr("storing certificate", err)
	}
	m.log.Info().Str("hostname", hostname).Msg("certificate imported")
	return hostname, nil
}

// subjectsConsistent compares the certificate against its originating
// request: common names case-insensitively, SAN lists as sets.
func subjectsConsistent(leaf *x509.Certificate, csr *x509.CertificateRequest) bool {
	if leaf.Subject.CommonName != "" && csr.Subject.CommonName != "" &&
		!strings.EqualFold(leaf.Subject.CommonName, csr.Subject.CommonName) {
		return false
	}
	return sanSetsEqual(certSANs(leaf), csrSANs(csr))
}

func sanSetsEqual(a, b []SAN) bool {
	key := func(s SAN) string { return string(s.Type) + "|" + strings.ToLower(s.Value) }
	ka := make([]string, len(a))
	for i, s := range a {
		ka[i] = key(s)
	}
	kb := make([]string, len(b))
	for i, s := range b {
		kb[i] = key(s)
	}
	sort.Strings(ka)
	sort.Strings(kb)
	if len(ka) != len(kb) {
		return false
	}
	for i := range ka {
		if ka[i] != kb[i] {
			return false
		}
	}
	return true
}
