package ca

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/certhold/certhold/storage"
)

// EventType labels one history entry.
type EventType string

const (
	EventCSRGenerated        EventType = "csr_generated"
	EventCSRRegenerated      EventType = "csr_regenerated"
	EventCertUploaded        EventType = "certificate_uploaded"
	EventCertImported        EventType = "certificate_imported"
	EventCertSigned          EventType = "certificate_signed"
	EventRenewalCancelled    EventType = "renewal_cancelled"
	EventCertDeleted         EventType = "certificate_deleted"
	EventReadOnlyEnabled     EventType = "read_only_enabled"
	EventReadOnlyDisabled    EventType = "read_only_disabled"
	EventNoteUpdated         EventType = "note_updated"
	EventPrivateKeyExported  EventType = "private_key_exported"
	EventPKCS12Exported      EventType = "pkcs12_exported"
	EventCertificateRestored EventType = "certificate_restored"
)

// HistoryEntry is one immutable audit line for a hostname. Entries are
// append-only and survive deletion of the certificate they describe; only a
// full restore replaces them.
type HistoryEntry struct {
	ID        string    `json:"id"`
	Hostname  string    `json:"hostname"`
	EventType EventType `json:"event_type"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

func newHistoryEntry(hostname string, event EventType, message string) HistoryEntry {
	return HistoryEntry{
		ID:        uuid.NewString(),
		Hostname:  hostname,
		EventType: event,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
}

// appendHistory stages one entry inside the transaction that commits the
// mutation it describes, so a record change and its audit line land
// together or not at all.
func appendHistory(tx storage.BatchTx, hostname string, event EventType, message string) error {
	entry := newHistoryEntry(hostname, event, message)
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return tx.Put(recordTypeHistory, entry.ID, data)
}

// GetHistory returns a hostname's entries, newest first. A limit of zero or
// less returns everything.
func (m *Manager) GetHistory(ctx context.Context, hostname string, limit int) ([]HistoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids, err := m.repo.List(recordTypeHistory)
	if err != nil {
		return nil, storageErr("listing history", err)
	}
	entries := make([]HistoryEntry, 0, len(ids))
	for _, id := range ids {
		data, err := m.repo.Get(recordTypeHistory, id)
		if err != nil {
			continue
		}
		var entry HistoryEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		if entry.Hostname != hostname {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
