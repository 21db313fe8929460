package ca

import (
	"time"
)

// SANType distinguishes DNS names from IP addresses in a subject
// alternative name list.
type SANType string

const (
	SANDNS SANType = "dns"
	SANIP  SANType = "ip"
)

// SAN is one subject alternative name bound into a certificate or request.
type SAN struct {
	Type  SANType `json:"type"`
	Value string  `json:"value"`
}

// SubjectInfo carries the distinguished-name fields used when building
// requests and certificates. Empty fields fall back to the configured
// defaults at request time.
type SubjectInfo struct {
	Organization       string `json:"organization,omitempty"`
	OrganizationalUnit string `json:"organizational_unit,omitempty"`
	Locality           string `json:"locality,omitempty"`
	Province           string `json:"province,omitempty"`
	Country            string `json:"country,omitempty"`
}

// Issued is the signed half of a record: the active certificate and its
// sealed private key.
type Issued struct {
	CertificatePEM      string      `json:"certificate_pem"`
	EncryptedPrivateKey []byte      `json:"encrypted_private_key"`
	ChainPEM            string      `json:"chain_pem,omitempty"`
	Subject             SubjectInfo `json:"subject"`
	KeySize             int         `json:"key_size"`
	SANs                []SAN       `json:"sans,omitempty"`
	NotBefore           time.Time   `json:"not_before"`
	NotAfter            time.Time   `json:"not_after"`
}

// Request is the outstanding half of a record: a CSR awaiting a signed
// certificate, with the key it was generated from. The CSR and its key
// always travel together. Note lives and dies with the request.
type Request struct {
	CSRPEM              string      `json:"csr_pem"`
	EncryptedPrivateKey []byte      `json:"encrypted_private_key"`
	Subject             SubjectInfo `json:"subject"`
	KeySize             int         `json:"key_size"`
	SANs                []SAN       `json:"sans,omitempty"`
	Note                string      `json:"note,omitempty"`
	RequestedAt         time.Time   `json:"requested_at"`
}

// Certificate is the per-hostname record. At least one of Active and
// Pending is always present; a record carrying both is a renewal in
// progress. Hostname is immutable once created.
type Certificate struct {
	Hostname  string    `json:"hostname"`
	Active    *Issued   `json:"active,omitempty"`
	Pending   *Request  `json:"pending,omitempty"`
	ReadOnly  bool      `json:"read_only,omitempty"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Renewing reports whether the record has a request outstanding alongside
// an already-active certificate.
func (c *Certificate) Renewing() bool {
	return c.Active != nil && c.Pending != nil
}

// Status is the lifecycle phase of a record, derived on every read and
// never stored.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusExpiring Status = "expiring"
	StatusExpired  Status = "expired"
)

// CertStatus computes a record's status from the presence of an active
// certificate, its expiry, the current time and the expiring window. Every
// listing, detail and filter path shares this one function.
func CertStatus(c *Certificate, now time.Time, window time.Duration) Status {
	if c.Active == nil {
		return StatusPending
	}
	if now.After(c.Active.NotAfter) {
		return StatusExpired
	}
	if c.Active.NotAfter.Sub(now) <= window {
		return StatusExpiring
	}
	return StatusActive
}

// CertificateListItem is the summary shape returned by listings.
type CertificateListItem struct {
	Hostname  string     `json:"hostname"`
	Status    Status     `json:"status"`
	Renewing  bool       `json:"renewing"`
	ReadOnly  bool       `json:"read_only"`
	KeySize   int        `json:"key_size,omitempty"`
	Note      string     `json:"note,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// CertificateFilter narrows listings. Zero value matches everything.
type CertificateFilter struct {
	Status Status
	Search string
}
