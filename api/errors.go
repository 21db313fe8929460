package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/certhold/certhold/ca"
	"github.com/certhold/certhold/storage"
	"github.com/certhold/certhold/vault"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// mapError translates engine errors into HTTP statuses. Field-attributable
// validation errors carry the field name; rotation and per-record decrypt
// failures carry the affected hostnames.
func mapError(w http.ResponseWriter, err error) {
	var validationErr *ca.ValidationError
	var rekeyErr *vault.PartialRekeyError
	var decryptErr *ca.DecryptError

	switch {
	case errors.As(err, &validationErr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: validationErr.Message,
			Field: validationErr.Field,
		})
	case errors.Is(err, ca.ErrInvalidFormat),
		errors.Is(err, ca.ErrUnsupportedVersion):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ca.ErrWrongPassword):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, ca.ErrReadOnly):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ca.ErrNotFound),
		errors.Is(err, ca.ErrRootCAMissing),
		errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &rekeyErr):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:     err.Error(),
			Hostnames: rekeyErr.Names,
		})
	case errors.Is(err, ca.ErrAlreadyExists),
		errors.Is(err, ca.ErrAlreadyInitialized),
		errors.Is(err, ca.ErrKeyMismatch),
		errors.Is(err, ca.ErrNothingPending),
		errors.Is(err, ca.ErrNotActive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &decryptErr):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:     err.Error(),
			Hostnames: []string{decryptErr.Hostname},
		})
	case errors.Is(err, vault.ErrDecryptFailed):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ca.ErrKeyRequired),
		errors.Is(err, ca.ErrNotInitialized),
		errors.Is(err, vault.ErrSessionClosed):
		writeError(w, http.StatusLocked, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
