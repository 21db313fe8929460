package api

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/certhold/certhold/ca"
)

// ---------------------------------------------------------------------------
// Vault
// ---------------------------------------------------------------------------

// ProvideEncryptionKey handles POST /vault/unlock. A wrong password answers
// 401 with valid=false and leaves the vault locked; a correct one reports
// any records whose sealed key no longer opens.
func (a *API) ProvideEncryptionKey(w http.ResponseWriter, r *http.Request) {
	var req UnlockRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := a.manager.ProvideEncryptionKey(r.Context(), req.Password)
	if err != nil {
		mapError(w, err)
		return
	}
	if !result.Valid {
		writeJSON(w, http.StatusUnauthorized, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// LockVault handles POST /vault/lock.
func (a *API) LockVault(w http.ResponseWriter, r *http.Request) {
	a.manager.Lock()
	writeJSON(w, http.StatusOK, statusOK)
}

// ChangeEncryptionKey handles POST /vault/change-key.
func (a *API) ChangeEncryptionKey(w http.ResponseWriter, r *http.Request) {
	var req ChangeKeyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.manager.ChangeEncryptionKey(r.Context(), req.NewPassword); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusOK)
}

// VaultStatus handles GET /vault/status.
func (a *API) VaultStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.manager.VaultStatus(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// ---------------------------------------------------------------------------
// Certificates
// ---------------------------------------------------------------------------

// GenerateCSR handles POST /certificates/csr.
func (a *API) GenerateCSR(w http.ResponseWriter, r *http.Request) {
	var req ca.CSRRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := a.manager.GenerateCSR(r.Context(), req)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// ListCertificates handles GET /certificates.
func (a *API) ListCertificates(w http.ResponseWriter, r *http.Request) {
	filter := ca.CertificateFilter{
		Status: ca.Status(r.URL.Query().Get("status")),
		Search: r.URL.Query().Get("search"),
	}
	items, err := a.manager.ListCertificates(r.Context(), filter)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// GetCertificate handles GET /certificates/{hostname}.
func (a *API) GetCertificate(w http.ResponseWriter, r *http.Request) {
	hostname := chi.URLParam(r, "hostname")
	cert, err := a.manager.GetCertificate(r.Context(), hostname)
	if err != nil {
		mapError(w, err)
		return
	}
	status, err := a.manager.CertificateStatus(r.Context(), cert)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, certificateDetail(cert, status))
}

// DeleteCertificate handles DELETE /certificates/{hostname}.
func (a *API) DeleteCertificate(w http.ResponseWriter, r *http.Request) {
	if err := a.manager.DeleteCertificate(r.Context(), chi.URLParam(r, "hostname")); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusOK)
}

// GetCertificateChain handles GET /certificates/{hostname}/chain.
func (a *API) GetCertificateChain(w http.ResponseWriter, r *http.Request) {
	chain, err := a.manager.GetCertificateChain(r.Context(), chi.URLParam(r, "hostname"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

// GetCertificateHistory handles GET /certificates/{hostname}/history.
func (a *API) GetCertificateHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}
	entries, err := a.manager.GetHistory(r.Context(), chi.URLParam(r, "hostname"), limit)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// UploadCertificate handles POST /certificates/{hostname}/upload.
func (a *API) UploadCertificate(w http.ResponseWriter, r *http.Request) {
	var req UploadCertificateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.manager.Upload(r.Context(), chi.URLParam(r, "hostname"), req.CertificatePEM); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusOK)
}

// PreviewCertificateUpload handles POST /certificates/{hostname}/upload/preview.
func (a *API) PreviewCertificateUpload(w http.ResponseWriter, r *http.Request) {
	var req UploadCertificateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	preview, err := a.manager.PreviewUpload(r.Context(), chi.URLParam(r, "hostname"), req.CertificatePEM)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

// ImportCertificate handles POST /certificates/import.
func (a *API) ImportCertificate(w http.ResponseWriter, r *http.Request) {
	var req ca.ImportRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	hostname, err := a.manager.ImportCertificate(r.Context(), req)
	if err != nil {
		mapError(w, err)
		return
	}
	cert, err := a.manager.GetCertificate(r.Context(), hostname)
	if err != nil {
		mapError(w, err)
		return
	}
	status, err := a.manager.CertificateStatus(r.Context(), cert)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, certificateDetail(cert, status))
}

// CancelRenewal handles POST /certificates/{hostname}/cancel-renewal.
func (a *API) CancelRenewal(w http.ResponseWriter, r *http.Request) {
	if err := a.manager.CancelRenewal(r.Context(), chi.URLParam(r, "hostname")); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusOK)
}

// SetCertificateReadOnly handles PUT /certificates/{hostname}/read-only.
func (a *API) SetCertificateReadOnly(w http.ResponseWriter, r *http.Request) {
	var req SetReadOnlyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.manager.SetReadOnly(r.Context(), chi.URLParam(r, "hostname"), *req.ReadOnly); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusOK)
}

// UpdateCertificateNote handles PUT /certificates/{hostname}/note.
func (a *API) UpdateCertificateNote(w http.ResponseWriter, r *http.Request) {
	var req NoteRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.manager.SetNote(r.Context(), chi.URLParam(r, "hostname"), req.Note); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusOK)
}

// UpdatePendingNote handles PUT /certificates/{hostname}/pending-note.
func (a *API) UpdatePendingNote(w http.ResponseWriter, r *http.Request) {
	var req NoteRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.manager.SetPendingNote(r.Context(), chi.URLParam(r, "hostname"), req.Note); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusOK)
}

// GetPrivateKeyPEM handles GET /certificates/{hostname}/private-key.
func (a *API) GetPrivateKeyPEM(w http.ResponseWriter, r *http.Request) {
	hostname := chi.URLParam(r, "hostname")
	pem, err := a.manager.GetPrivateKeyPEM(r.Context(), hostname)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PrivateKeyResponse{Hostname: hostname, PEM: pem})
}

// GetPendingPrivateKeyPEM handles GET /certificates/{hostname}/pending-private-key.
func (a *API) GetPendingPrivateKeyPEM(w http.ResponseWriter, r *http.Request) {
	hostname := chi.URLParam(r, "hostname")
	pem, err := a.manager.GetPendingPrivateKeyPEM(r.Context(), hostname)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PrivateKeyResponse{Hostname: hostname, PEM: pem})
}

// SignCertificate handles POST /certificates/{hostname}/sign. The pending
// CSR is signed under the local root CA.
func (a *API) SignCertificate(w http.ResponseWriter, r *http.Request) {
	var req SignCertificateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.manager.SignPendingCSR(r.Context(), chi.URLParam(r, "hostname"), req.ValidityDays); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusOK)
}

// ExportPKCS12 handles POST /certificates/{hostname}/pkcs12. The archive is
// returned base64-encoded for transport as JSON.
func (a *API) ExportPKCS12(w http.ResponseWriter, r *http.Request) {
	var req PKCS12ExportRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	hostname := chi.URLParam(r, "hostname")
	pfx, err := a.manager.ExportPKCS12(r.Context(), hostname, req.Password)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"hostname": hostname,
		"pkcs12":   base64.StdEncoding.EncodeToString(pfx),
	})
}

// ---------------------------------------------------------------------------
// Root CA
// ---------------------------------------------------------------------------

// InitRootCA handles POST /ca/init.
func (a *API) InitRootCA(w http.ResponseWriter, r *http.Request) {
	var req ca.InitRootCARequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	certPEM, err := a.manager.InitRootCA(r.Context(), req)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, RootCAResponse{CertificatePEM: certPEM})
}

// ImportRootCA handles POST /ca/import.
func (a *API) ImportRootCA(w http.ResponseWriter, r *http.Request) {
	var req ImportRootCARequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.manager.ImportRootCA(r.Context(), req.CertificatePEM, req.PrivateKeyPEM); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, statusOK)
}

// RootCACertificate handles GET /ca/certificate.
func (a *API) RootCACertificate(w http.ResponseWriter, r *http.Request) {
	certPEM, err := a.manager.RootCACertificate(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RootCAResponse{CertificatePEM: certPEM})
}

// ---------------------------------------------------------------------------
// Backup
// ---------------------------------------------------------------------------

// ExportBackup handles POST /backup/export.
func (a *API) ExportBackup(w http.ResponseWriter, r *http.Request) {
	var req ExportBackupRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	bundle, err := a.manager.ExportBackup(r.Context(), req.IncludeEncryptionKey)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

// resolveBundle returns the referenced bundle, loading it from disk when
// the request carries a path.
func resolveBundle(path string, bundle *ca.BackupBundle) (*ca.BackupBundle, error) {
	switch {
	case path != "" && bundle != nil:
		return nil, errors.New("path and bundle are mutually exclusive")
	case path != "":
		return ca.LoadBackupFile(path)
	case bundle != nil:
		return bundle, nil
	default:
		return nil, errors.New("either path or bundle is required")
	}
}

// ValidateBackup handles POST /backup/validate.
func (a *API) ValidateBackup(w http.ResponseWriter, r *http.Request) {
	var req BackupRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	bundle, err := resolveBundle(req.Path, req.Bundle)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ca.ValidateBackup(bundle))
}

// RestoreBackup handles POST /backup/restore.
func (a *API) RestoreBackup(w http.ResponseWriter, r *http.Request) {
	var req BackupRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	bundle, err := resolveBundle(req.Path, req.Bundle)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.manager.RestoreBackup(r.Context(), bundle); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusOK)
}

// ImportFromBackup handles POST /backup/import.
func (a *API) ImportFromBackup(w http.ResponseWriter, r *http.Request) {
	var req ImportFromBackupRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	bundle, err := resolveBundle(req.Path, req.Bundle)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := a.manager.ImportFromBackup(r.Context(), bundle, req.Password, req.Hostnames)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

// GetConfig handles GET /config.
func (a *API) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.manager.GetConfig(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// UpdateConfig handles PUT /config.
func (a *API) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var cfg ca.Config
	if err := decode(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.manager.UpdateConfig(r.Context(), cfg); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusOK)
}
