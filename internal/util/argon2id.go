package util

import (
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Argon2idParams configures Argon2id key derivation.
type Argon2idParams struct {
	Time        uint32 `json:"time"`
	MemoryKiB   uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
	KeyLen      uint32 `json:"key_len"`
}

// Named KDF profiles.
const (
	// KDFProfileInteractive favors fast unlock on low-memory machines.
	KDFProfileInteractive = "interactive"
	// KDFProfileModerate is the default.
	KDFProfileModerate = "moderate"
	// KDFProfileSensitive favors brute-force resistance for long-lived
	// offline artifacts such as backup bundles.
	KDFProfileSensitive = "sensitive"
)

// Minimum acceptable Argon2id parameters. Persisted parameters pass through
// ValidateArgon2idParams before any derivation so a tampered state record
// cannot downgrade the KDF.
const (
	MinArgon2Time      = 1
	MinArgon2MemoryKiB = 19 * 1024
	MinArgon2Parallel  = 1
)

// Argon2idProfile returns the parameter preset for a named profile.
func Argon2idProfile(profile string) (Argon2idParams, error) {
	switch profile {
	case KDFProfileInteractive:
		return Argon2idParams{Time: 2, MemoryKiB: 19 * 1024, Parallelism: 1, KeyLen: 32}, nil
	case KDFProfileModerate:
		return Argon2idParams{Time: 3, MemoryKiB: 64 * 1024, Parallelism: 4, KeyLen: 32}, nil
	case KDFProfileSensitive:
		return Argon2idParams{Time: 4, MemoryKiB: 256 * 1024, Parallelism: 4, KeyLen: 32}, nil
	default:
		return Argon2idParams{}, fmt.Errorf("unknown KDF profile %q", profile)
	}
}

// DefaultArgon2idParams returns the moderate profile.
func DefaultArgon2idParams() Argon2idParams {
	p, _ := Argon2idProfile(KDFProfileModerate)
	return p
}

// ValidateArgon2idParams rejects parameter sets too weak or malformed to
// derive a key from.
func ValidateArgon2idParams(p Argon2idParams) error {
	if p.KeyLen != 32 {
		return fmt.Errorf("argon2id key length must be 32 bytes, got %d", p.KeyLen)
	}
	if p.Time < MinArgon2Time {
		return fmt.Errorf("argon2id time parameter must be at least %d", MinArgon2Time)
	}
	if p.MemoryKiB < MinArgon2MemoryKiB {
		return fmt.Errorf("argon2id memory must be at least %d KiB, got %d", MinArgon2MemoryKiB, p.MemoryKiB)
	}
	if p.Parallelism < MinArgon2Parallel {
		return fmt.Errorf("argon2id parallelism must be at least %d", MinArgon2Parallel)
	}
	return nil
}

// DeriveArgon2idKey derives a 32-byte key from the passphrase and salt.
func DeriveArgon2idKey(passphrase string, salt []byte, params Argon2idParams) ([]byte, error) {
	if err := ValidateArgon2idParams(params); err != nil {
		return nil, err
	}
	if len(salt) == 0 {
		return nil, fmt.Errorf("argon2id salt must not be empty")
	}
	key := argon2.IDKey([]byte(passphrase), salt, params.Time, params.MemoryKiB, params.Parallelism, params.KeyLen)
	return key, nil
}
