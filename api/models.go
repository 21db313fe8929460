package api

import (
	"time"

	"github.com/certhold/certhold/ca"
)

// ErrorResponse is the JSON body for every error status. Field is set for
// field-attributable validation errors; Hostnames for errors that enumerate
// affected records.
type ErrorResponse struct {
	Error     string   `json:"error"`
	Field     string   `json:"field,omitempty"`
	Hostnames []string `json:"hostnames,omitempty"`
}

type okResponse struct {
	Status string `json:"status"`
}

var statusOK = okResponse{Status: "ok"}

// UnlockRequest is the JSON body for POST /vault/unlock.
type UnlockRequest struct {
	Password string `json:"password" validate:"required"`
}

// ChangeKeyRequest is the JSON body for POST /vault/change-key.
type ChangeKeyRequest struct {
	NewPassword string `json:"new_password" validate:"required"`
}

// UploadCertificateRequest is the JSON body for upload and upload preview.
type UploadCertificateRequest struct {
	CertificatePEM string `json:"certificate_pem" validate:"required"`
}

// SetReadOnlyRequest is the JSON body for PUT /certificates/{hostname}/read-only.
type SetReadOnlyRequest struct {
	ReadOnly *bool `json:"read_only" validate:"required"`
}

// NoteRequest is the JSON body for the note endpoints. An empty note clears it.
type NoteRequest struct {
	Note string `json:"note"`
}

// SignCertificateRequest is the JSON body for POST /certificates/{hostname}/sign.
// A zero validity falls back to the configured default.
type SignCertificateRequest struct {
	ValidityDays int `json:"validity_days" validate:"gte=0"`
}

// PKCS12ExportRequest is the JSON body for POST /certificates/{hostname}/pkcs12.
type PKCS12ExportRequest struct {
	Password string `json:"password" validate:"required"`
}

// ImportRootCARequest is the JSON body for POST /ca/import.
type ImportRootCARequest struct {
	CertificatePEM string `json:"certificate_pem" validate:"required"`
	PrivateKeyPEM  string `json:"private_key_pem" validate:"required"`
}

// RootCAResponse is returned from GET /ca/certificate and POST /ca/init.
type RootCAResponse struct {
	CertificatePEM string `json:"certificate_pem"`
}

// ExportBackupRequest is the JSON body for POST /backup/export.
type ExportBackupRequest struct {
	IncludeEncryptionKey bool `json:"include_encryption_key"`
}

// BackupRequest references a bundle either by file path (the caller's file
// picker hands the engine a plain path) or inline. Exactly one must be set.
type BackupRequest struct {
	Path   string           `json:"path,omitempty"`
	Bundle *ca.BackupBundle `json:"bundle,omitempty"`
}

// ImportFromBackupRequest is the JSON body for POST /backup/import. An
// empty hostname list imports every certificate in the bundle.
type ImportFromBackupRequest struct {
	Path      string           `json:"path,omitempty"`
	Bundle    *ca.BackupBundle `json:"bundle,omitempty"`
	Password  string           `json:"password" validate:"required"`
	Hostnames []string         `json:"hostnames,omitempty"`
}

// PrivateKeyResponse is returned from the private-key endpoints.
type PrivateKeyResponse struct {
	Hostname string `json:"hostname"`
	PEM      string `json:"pem"`
}

// IssuedInfo is the active half of a record as exposed over the API.
// Sealed key blobs never leave the engine through this shape.
type IssuedInfo struct {
	CertificatePEM string         `json:"certificate_pem"`
	ChainPEM       string         `json:"chain_pem,omitempty"`
	Subject        ca.SubjectInfo `json:"subject"`
	KeySize        int            `json:"key_size"`
	SANs           []ca.SAN       `json:"sans,omitempty"`
	NotBefore      time.Time      `json:"not_before"`
	NotAfter       time.Time      `json:"not_after"`
}

// RequestInfo is the pending half of a record as exposed over the API.
type RequestInfo struct {
	CSRPEM      string         `json:"csr_pem"`
	Subject     ca.SubjectInfo `json:"subject"`
	KeySize     int            `json:"key_size"`
	SANs        []ca.SAN       `json:"sans,omitempty"`
	Note        string         `json:"note,omitempty"`
	RequestedAt time.Time      `json:"requested_at"`
}

// CertificateDetail is the full record view returned from GET /certificates/{hostname}.
type CertificateDetail struct {
	Hostname  string       `json:"hostname"`
	Status    ca.Status    `json:"status"`
	Renewing  bool         `json:"renewing"`
	ReadOnly  bool         `json:"read_only"`
	Note      string       `json:"note,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	Active    *IssuedInfo  `json:"active,omitempty"`
	Pending   *RequestInfo `json:"pending,omitempty"`
}

func certificateDetail(cert *ca.Certificate, status ca.Status) CertificateDetail {
	detail := CertificateDetail{
		Hostname:  cert.Hostname,
		Status:    status,
		Renewing:  cert.Renewing(),
		ReadOnly:  cert.ReadOnly,
		Note:      cert.Note,
		CreatedAt: cert.CreatedAt,
	}
	if cert.Active != nil {
		detail.Active = &IssuedInfo{
			CertificatePEM: cert.Active.CertificatePEM,
			ChainPEM:       cert.Active.ChainPEM,
			Subject:        cert.Active.Subject,
			KeySize:        cert.Active.KeySize,
			SANs:           cert.Active.SANs,
			NotBefore:      cert.Active.NotBefore,
			NotAfter:       cert.Active.NotAfter,
		}
	}
	if cert.Pending != nil {
		detail.Pending = &RequestInfo{
			CSRPEM:      cert.Pending.CSRPEM,
			Subject:     cert.Pending.Subject,
			KeySize:     cert.Pending.KeySize,
			SANs:        cert.Pending.SANs,
			Note:        cert.Pending.Note,
			RequestedAt: cert.Pending.RequestedAt,
		}
	}
	return detail
}
