package ca

import "time"

// Config is the CA identity singleton: naming, hostname policy, and the
// defaults applied to new requests. It is stored as one record and mutated
// only through UpdateConfig.
type Config struct {
	CAName              string      `json:"ca_name"`
	HostnameSuffix      string      `json:"hostname_suffix,omitempty"`
	DefaultValidityDays int         `json:"default_validity_days"`
	ExpiringWindowDays  int         `json:"expiring_window_days"`
	DefaultKeySize      int         `json:"default_key_size"`
	DefaultSubject      SubjectInfo `json:"default_subject"`
}

// DefaultConfig is the configuration a fresh store starts with. An empty
// hostname suffix disables the suffix check until the operator sets one.
func DefaultConfig() Config {
	return Config{
		CAName:              "certhold",
		DefaultValidityDays: 365,
		ExpiringWindowDays:  30,
		DefaultKeySize:      2048,
	}
}

// ExpiringWindow returns the configured expiring window as a duration.
func (c Config) ExpiringWindow() time.Duration {
	return time.Duration(c.ExpiringWindowDays) * 24 * time.Hour
}

func (c Config) validate() error {
	if c.CAName == "" {
		return validationErrorf("ca_name", "must not be empty")
	}
	if c.DefaultValidityDays <= 0 {
		return validationErrorf("default_validity_days", "must be positive")
	}
	if c.ExpiringWindowDays <= 0 {
		return validationErrorf("expiring_window_days", "must be positive")
	}
	if !allowedKeySize(c.DefaultKeySize) {
		return validationErrorf("default_key_size", "must be one of 2048, 3072, 4096")
	}
	return nil
}
