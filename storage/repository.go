// Package storage provides the persistence abstraction for certificate records.
//
// Records are JSON documents keyed by (recordType, recordID). Private key
// material inside a record is sealed by the vault before it reaches the
// repository, so implementations store bytes opaquely and never see
// plaintext key material.
package storage

import "errors"

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// BatchTx provides writes within an atomic transaction. Either every write
// in the batch is applied or none are.
type BatchTx interface {
	Put(recordType string, recordID string, data []byte) error
	Delete(recordType string, recordID string) error
	// DeleteAll removes every record of the given type. Deleting a type
	// with no records is not an error.
	DeleteAll(recordType string) error
}

// Repository defines the interface for record storage.
type Repository interface {
	Put(recordType string, recordID string, data []byte) error
	Get(recordType string, recordID string) ([]byte, error)
	Delete(recordType string, recordID string) error
	List(recordType string) ([]string, error)
	Batch(fn func(tx BatchTx) error) error
}
