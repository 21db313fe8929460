package vault

import (
	"github.com/certhold/certhold/internal/util"
)

// RekeyEntry is one sealed blob enrolled in a key rotation. ID is
// caller-scoped identity returned unchanged; Name is the logical key name
// the blob was sealed under.
type RekeyEntry struct {
	ID   string
	Name string
	Blob []byte
}

// RekeyResult carries the staged output of a successful rotation. Nothing
// has been persisted: the caller commits State and Entries in one storage
// transaction and only then adopts Session and closes the old one.
type RekeyResult struct {
	State   *State
	Entries []RekeyEntry
	Session *Session
}

// Rekey re-seals every entry under a fresh master key derived from
// newPassword. It is pure staging — the current session and the stored
// state remain untouched. If any blob fails to open under the current key,
// Rekey returns a *PartialRekeyError naming every failing entry and stages
// nothing, so a half-re-encrypted vault can never exist.
func Rekey(session *Session, newPassword string, profile string, entries []RekeyEntry) (*RekeyResult, error) {
	if session == nil || session.closed {
		return nil, ErrSessionClosed
	}

	newSession, newState, err := Setup(newPassword, profile)
	if err != nil {
		return nil, err
	}

	staged := make([]RekeyEntry, 0, len(entries))
	var failed []string
	seen := make(map[string]bool)
	for _, e := range entries {
		plaintext, err := session.Open(e.Name, e.Blob)
		if err != nil {
			if !seen[e.Name] {
				seen[e.Name] = true
				failed = append(failed, e.Name)
			}
			continue
		}
		blob, sealErr := newSession.Seal(e.Name, plaintext)
		util.WipeBytes(plaintext)
		if sealErr != nil {
			return nil, sealErr
		}
		staged = append(staged, RekeyEntry{ID: e.ID, Name: e.Name, Blob: blob})
	}
	if len(failed) > 0 {
		return nil, &PartialRekeyError{Names: failed}
	}

	return &RekeyResult{State: newState, Entries: staged, Session: newSession}, nil
}
