package vault

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrWrongPassword indicates the password does not match the vault's check value.
	ErrWrongPassword = errors.New("wrong password")
	// ErrDecryptFailed indicates a sealed blob failed authentication under a verified key.
	ErrDecryptFailed = errors.New("decrypt failed")
	// ErrSessionClosed indicates the session has been closed and its key material dropped.
	ErrSessionClosed = errors.New("session closed")
)

// PartialRekeyError reports the key names that failed to open during a
// rotation. The rotation stages nothing when this is returned: the old
// password still unlocks and every blob is still sealed under the old key.
type PartialRekeyError struct {
	Names []string
}

func (e *PartialRekeyError) Error() string {
	return fmt.Sprintf("rekey aborted, %d keys failed to decrypt: %s",
		len(e.Names), strings.Join(e.Names, ", "))
}

func (e *PartialRekeyError) Unwrap() error { return ErrDecryptFailed }
