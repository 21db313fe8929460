package vault

import (
	"fmt"

	"github.com/awnumar/memguard"

	"github.com/certhold/certhold/internal/util"
)

// Session holds the unlocked key material for a vault. The sealing key and
// the normalized password live in memguard enclaves (encrypted at rest in
// memory) and are only materialized for the duration of a single operation.
// Callers must Close() the session when locking the vault.
type Session struct {
	sealKey  *memguard.Enclave
	password *memguard.Enclave
	closed   bool
}

// newSession seals the key material into enclaves. memguard wipes the
// inputs it is handed, so callers pass copies they no longer need.
func newSession(sealKey []byte, normalizedPassword string) *Session {
	return &Session{
		sealKey:  memguard.NewEnclave(sealKey),
		password: memguard.NewEnclave([]byte(normalizedPassword)),
	}
}

// Seal encrypts a private key under the session's sealing key, binding the
// blob to the given logical key name. Output layout is nonce || ciphertext.
func (s *Session) Seal(name string, plaintext []byte) ([]byte, error) {
	if s == nil || s.closed {
		return nil, ErrSessionClosed
	}
	keyBuf, err := s.sealKey.Open()
	if err != nil {
		return nil, fmt.Errorf("opening seal key enclave: %w", err)
	}
	defer keyBuf.Destroy()

	blob, err := util.EncryptAESWithAAD(plaintext, keyBuf.Bytes(), keyAAD(name))
	if err != nil {
		return nil, fmt.Errorf("sealing key %q: %w", name, err)
	}
	return blob, nil
}

// Open decrypts a blob previously produced by Seal under the same name.
// A failed authentication tag surfaces as ErrDecryptFailed, which is
// distinct from ErrWrongPassword: the session's password already verified
// against the check value, so a failure here means the blob itself does not
// match the key.
func (s *Session) Open(name string, blob []byte) ([]byte, error) {
	if s == nil || s.closed {
		return nil, ErrSessionClosed
	}
	keyBuf, err := s.sealKey.Open()
	if err != nil {
		return nil, fmt.Errorf("opening seal key enclave: %w", err)
	}
	defer keyBuf.Destroy()

	plaintext, err := util.DecryptAESWithAAD(blob, keyBuf.Bytes(), keyAAD(name))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, ErrDecryptFailed)
	}
	return plaintext, nil
}

// Password returns the normalized password this session was unlocked with.
// It exists solely for self-contained backup exports, which embed the
// wrapping password into the bundle at the caller's explicit request.
func (s *Session) Password() (string, error) {
	if s == nil || s.closed {
		return "", ErrSessionClosed
	}
	buf, err := s.password.Open()
	if err != nil {
		return "", fmt.Errorf("opening password enclave: %w", err)
	}
	defer buf.Destroy()
	return string(buf.Bytes()), nil
}

// Close drops the session's enclaves. Further Seal/Open calls fail with
// ErrSessionClosed.
func (s *Session) Close() {
	if s == nil || s.closed {
		return
	}
	s.sealKey = nil
	s.password = nil
	s.closed = true
}
