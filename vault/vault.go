// Package vault implements the encrypted key vault that guards certificate
// private keys behind a password-derived master key.
//
// The vault never persists anything itself: Setup and Unlock produce a
// Session (the unlocked key material, held in memguard enclaves) and a
// State (the KDF salt, parameters and check value, safe to store as
// plaintext). The engine owns persistence of State and of every sealed
// blob, which is what lets key rotation and restore commit everything in a
// single storage transaction.
package vault

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/certhold/certhold/internal/util"
)

const (
	stateVersion = 1
	saltLength   = 16

	checkInfo = "certhold/v1/vault-check"
	sealInfo  = "certhold/v1/vault-seal"
)

// State holds the persistent vault metadata. It contains no secret
// material: the check value is a one-way derivation used only to verify a
// password, and the salt is public by design.
type State struct {
	Ver        int                 `json:"ver"`
	Salt       []byte              `json:"salt"`
	KDFParams  util.Argon2idParams `json:"kdf_params"`
	CheckValue []byte              `json:"check_value"`
	CreatedAt  time.Time           `json:"created_at"`
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	return &State{
		Ver:        s.Ver,
		Salt:       util.CopyBytes(s.Salt),
		KDFParams:  s.KDFParams,
		CheckValue: util.CopyBytes(s.CheckValue),
		CreatedAt:  s.CreatedAt,
	}
}

// Setup derives fresh vault state from a password and returns an open
// session for it. The caller persists the returned State; the master key
// itself is never stored anywhere.
func Setup(password string, profile string) (*Session, *State, error) {
	params, err := util.Argon2idProfile(profile)
	if err != nil {
		return nil, nil, err
	}
	if password == "" {
		return nil, nil, errors.New("password must not be empty")
	}
	salt, err := util.RandomBytes(saltLength)
	if err != nil {
		return nil, nil, fmt.Errorf("generating salt: %w", err)
	}

	normalized := util.Normalize(password)
	master, err := util.DeriveArgon2idKey(normalized, salt, params)
	if err != nil {
		return nil, nil, err
	}
	defer util.WipeBytes(master)

	check, err := util.HKDF(master, salt, []byte(checkInfo))
	if err != nil {
		return nil, nil, err
	}
	sealKey, err := util.HKDF(master, salt, []byte(sealInfo))
	if err != nil {
		return nil, nil, err
	}

	state := &State{
		Ver:        stateVersion,
		Salt:       salt,
		KDFParams:  params,
		CheckValue: check,
		CreatedAt:  time.Now().UTC(),
	}
	return newSession(sealKey, normalized), state, nil
}

// Unlock verifies the password against the state's check value and returns
// an open session. It returns ErrWrongPassword on mismatch and never
// attempts per-record decryption to decide correctness.
func Unlock(state *State, password string) (*Session, error) {
	if state == nil {
		return nil, errors.New("vault state must not be nil")
	}
	if state.Ver != stateVersion {
		return nil, fmt.Errorf("unsupported vault state version: %d", state.Ver)
	}
	if password == "" {
		return nil, ErrWrongPassword
	}

	normalized := util.Normalize(password)
	master, err := util.DeriveArgon2idKey(normalized, state.Salt, state.KDFParams)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(master)

	check, err := util.HKDF(master, state.Salt, []byte(checkInfo))
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(check, state.CheckValue) != 1 {
		return nil, ErrWrongPassword
	}

	sealKey, err := util.HKDF(master, state.Salt, []byte(sealInfo))
	if err != nil {
		return nil, err
	}
	return newSession(sealKey, normalized), nil
}

// keyAAD binds a sealed blob to its logical key name and format version.
// The name is deliberately slot-independent: a pending key blob moves into
// the active slot during upload with the vault locked, and restore must
// re-open blobs sealed before export.
func keyAAD(name string) []byte {
	return buildAAD("KEYSEAL", name, stateVersion)
}

func buildAAD(parts ...any) []byte {
	var res []byte
	for _, p := range parts {
		switch v := p.(type) {
		case string:
			res = appendLenPrefix(res, []byte(v))
		case []byte:
			res = appendLenPrefix(res, v)
		case int:
			b := make([]byte, 4)
			binary.BigEndian.PutUint32(b, uint32(v))
			res = append(res, b...)
		}
	}
	return res
}

func appendLenPrefix(b, data []byte) []byte {
	l := make([]byte, 4)
	binary.BigEndian.PutUint32(l, uint32(len(data)))
	b = append(b, l...)
	return append(b, data...)
}
