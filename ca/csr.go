package ca

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/certhold/certhold/internal/util"
	"github.com/certhold/certhold/storage"
)

// CSRRequest carries the parameters for generating a certificate signing
// request. Zero-valued subject fields and key size fall back to the
// configured defaults. The hostname is always the first DNS SAN; SANs adds
// further names.
type CSRRequest struct {
	Hostname          string      `json:"hostname"`
	SANs              []SAN       `json:"sans,omitempty"`
	Subject           SubjectInfo `json:"subject"`
	KeySize           int         `json:"key_size,omitempty"`
	IsRenewal         bool        `json:"is_renewal,omitempty"`
	BypassSuffixCheck bool        `json:"bypass_suffix_check,omitempty"`
	Note              string      `json:"note,omitempty"`
}

// CSRResponse returns the generated request. The private key is already
// sealed; only the CSR leaves the engine.
type CSRResponse struct {
	Hostname    string    `json:"hostname"`
	CSRPEM      string    `json:"csr_pem"`
	KeySize     int       `json:"key_size"`
	SANs        []SAN     `json:"sans,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// GenerateCSR creates a key pair and PKCS#10 request, seals the key and
// stores it as the record's pending half. For renewals the request sits
// alongside the active certificate until a signed certificate replaces it.
// The vault must be unlocked: the plaintext key exists only inside this
// call and is wiped once sealed.
func (m *Manager) GenerateCSR(ctx context.Context, req CSRRequest) (*CSRResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return nil, ErrKeyRequired
	}
	cfg, err := m.loadConfigLocked()
	if err != nil {
		return nil, err
	}
	if req.KeySize == 0 {
		req.KeySize = cfg.DefaultKeySize
	}
	if err := validateCSRRequest(req, cfg); err != nil {
		return nil, err
	}

	cert, event, err := m.targetRecordLocked(req)
	if err != nil {
		return nil, err
	}

	key, err := rsa.GenerateKey(rand.Reader, req.KeySize)
	if err != nil {
		return nil, fmt.Errorf("generating key pair: %w", err)
	}

	dnsNames, ipAddrs := splitSANs(req.Hostname, req.SANs)
	template := &x509.CertificateRequest{
		Subject:     pkixName(req.Hostname, req.Subject, cfg.DefaultSubject),
		DNSNames:    dnsNames,
		IPAddresses: ipAddrs,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	csrPEM := encodeCSRPEM(der)

	keyPEM, err := encodeKeyPEM(key)
	if err != nil {
		return nil, fmt.Errorf("encoding private key: %w", err)
	}
	sealed, err := m.session.Seal(req.Hostname, keyPEM)
	util.WipeBytes(keyPEM)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	cert.Pending = &Request{
		CSRPEM:              csrPEM,
		EncryptedPrivateKey: sealed,
		Subject:             subjectInfoFromName(template.Subject),
		KeySize:             req.KeySize,
		SANs:                csrSANsFromTemplate(dnsNames, ipAddrs),
		Note:                req.Note,
		RequestedAt:         now,
	}

	message := "request generated"
	if event == EventCSRRegenerated {
		message = "request regenerated"
	}
	err = m.repo.Batch(func(tx storage.BatchTx) error {
		if err := putCertificate(tx, cert); err != nil {
			return err
		}
		return appendHistory(tx, req.Hostname, event, message)
	})
	if err != nil {
		return nil, storageErr("storing request", err)
	}

	m.log.Info().
		Str("hostname", req.Hostname).
		Int("key_size", req.KeySize).
		Bool("renewal", req.IsRenewal).
		Msg("csr generated")
	return &CSRResponse{
		Hostname:    req.Hostname,
		CSRPEM:      csrPEM,
		KeySize:     req.KeySize,
		SANs:        cert.Pending.SANs,
		RequestedAt: now,
	}, nil
}

// targetRecordLocked resolves which record the new request lands on. A
// renewal must find an existing writable record; a fresh request must not
// collide with any live record.
func (m *Manager) targetRecordLocked(req CSRRequest) (*Certificate, EventType, error) {
	if req.IsRenewal {
		cert, err := m.loadCertificateLocked(req.Hostname)
		if err != nil {
			return nil, "", err
		}
		if cert.ReadOnly {
			return nil, "", ErrReadOnly
		}
		event := EventCSRGenerated
		if cert.Pending != nil {
			event = EventCSRRegenerated
		}
		return cert, event, nil
	}

	exists, err := m.certificateExistsLocked(req.Hostname)
	if err != nil {
		return nil, "", err
	}
	if exists {
		return nil, "", fmt.Errorf("%s: %w", req.Hostname, ErrAlreadyExists)
	}
	return &Certificate{
		Hostname:  req.Hostname,
		CreatedAt: time.Now().UTC(),
	}, EventCSRGenerated, nil
}

func validateCSRRequest(req CSRRequest, cfg *Config) error {
	if err := validateHostname(req.Hostname, cfg, req.BypassSuffixCheck); err != nil {
		return err
	}
	if !allowedKeySize(req.KeySize) {
		return validationErrorf("key_size", "must be one of 2048, 3072, 4096")
	}
	for _, san := range req.SANs {
		switch san.Type {
		case SANDNS:
			if strings.TrimSpace(san.Value) == "" {
				return validationErrorf("sans", "DNS name must not be empty")
			}
		case SANIP:
			if net.ParseIP(san.Value) == nil {
				return validationErrorf("sans", "%q is not a valid IP address", san.Value)
			}
		default:
			return validationErrorf("sans", "unknown SAN type %q", san.Type)
		}
	}
	return nil
}

func validateHostname(hostname string, cfg *Config, bypassSuffix bool) error {
	if strings.TrimSpace(hostname) == "" {
		return validationErrorf("hostname", "must not be empty")
	}
	if strings.HasPrefix(hostname, "@") {
		return validationErrorf("hostname", "names starting with @ are reserved")
	}
	if cfg.HostnameSuffix != "" && !bypassSuffix && !strings.HasSuffix(hostname, cfg.HostnameSuffix) {
		return validationErrorf("hostname", "must end with %s", cfg.HostnameSuffix)
	}
	return nil
}

// csrSANsFromTemplate mirrors the SAN list actually embedded in the
// request, including the implicit hostname entry.
func csrSANsFromTemplate(dnsNames []string, ips []net.IP) []SAN {
	sans := make([]SAN, 0, len(dnsNames)+len(ips))
	for _, d := range dnsNames {
		sans = append(sans, SAN{Type: SANDNS, Value: d})
	}
	for _, ip := range ips {
		sans = append(sans, SAN{Type: SANIP, Value: ip.String()})
	}
	return sans
}
