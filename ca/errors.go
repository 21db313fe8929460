package ca

import (
	"errors"
	"fmt"

	"github.com/certhold/certhold/vault"
)

var (
	// ErrNotFound is returned when the referenced hostname has no record.
	ErrNotFound = errors.New("certificate not found")

	// ErrAlreadyExists is returned when creating a record for a hostname
	// that already has one.
	ErrAlreadyExists = errors.New("certificate already exists")

	// ErrReadOnly is returned when a mutating operation targets a record
	// marked read-only.
	ErrReadOnly = errors.New("certificate is read-only")

	// ErrKeyRequired is returned when an operation needs the vault unlocked
	// and it is not.
	ErrKeyRequired = errors.New("encryption key required")

	// ErrNothingPending is returned when an operation requires an
	// outstanding certificate request and the record has none.
	ErrNothingPending = errors.New("no pending certificate request")

	// ErrNotActive is returned when an operation requires a signed
	// certificate and the record only has a pending request.
	ErrNotActive = errors.New("no active certificate")

	// ErrKeyMismatch is returned when a certificate's public key does not
	// match the private key it is being paired with.
	ErrKeyMismatch = errors.New("certificate does not match private key")

	// ErrInvalidFormat is returned when PEM data cannot be decoded or parsed.
	ErrInvalidFormat = errors.New("invalid PEM data")

	// ErrRootCAMissing is returned when local signing is requested and no
	// root CA has been initialised or imported.
	ErrRootCAMissing = errors.New("root CA not configured")

	// ErrNotInitialized is returned when an operation requires vault state
	// and the store has none yet.
	ErrNotInitialized = errors.New("vault is not initialized")

	// ErrAlreadyInitialized is returned when initialising a vault over
	// existing vault state.
	ErrAlreadyInitialized = errors.New("vault is already initialized")

	// ErrUnsupportedVersion is returned when a backup bundle's format
	// version is not understood.
	ErrUnsupportedVersion = errors.New("unsupported backup version")

	// ErrStorage wraps failures of the underlying record store. They are
	// always surfaced, never retried.
	ErrStorage = errors.New("storage failure")
)

// ErrWrongPassword is the vault's sentinel, re-exported so callers of this
// package can match it without importing vault.
var ErrWrongPassword = vault.ErrWrongPassword

// ValidationError reports a caller-correctable problem with a specific
// input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func validationErrorf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// DecryptError reports that one record's sealed key failed to open even
// though the vault password verified. It wraps vault.ErrDecryptFailed.
type DecryptError struct {
	Hostname string
	Err      error
}

func (e *DecryptError) Error() string {
	return fmt.Sprintf("%s: %v", e.Hostname, e.Err)
}

func (e *DecryptError) Unwrap() error { return e.Err }

// storageErr tags a persistence failure so transport layers can map every
// store problem to one class.
func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}
