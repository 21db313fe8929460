// Package sqlite implements storage.Repository backed by a SQLite file.
//
// The records table uses a composite primary key (record_type, record_id)
// that mirrors the key space used by the BBolt and in-memory backends.
// Record data is stored as a single BLOB column. SQLite suits operators
// who want a store they can inspect with standard SQL tooling.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/certhold/certhold/storage"
)

// Store implements storage.Repository backed by SQLite.
type Store struct {
	db *sqlx.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given sqlx handle.
func NewRepository(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// NewRepositoryFromFile opens (or creates) a SQLite database at the given
// path, ensures the schema exists, and returns a new Repository.
func NewRepositoryFromFile(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// SQLite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent batch commits.
	db.SetMaxOpenConns(1)
	if err := EnsureSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(db), nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

const upsertSQL = `
	INSERT INTO records (record_type, record_id, data) VALUES (?, ?, ?)
	ON CONFLICT (record_type, record_id) DO UPDATE SET data = excluded.data`

func (s *Store) Put(recordType, recordID string, data []byte) error {
	_, err := s.db.Exec(upsertSQL, recordType, recordID, data)
	return err
}

func (s *Store) Get(recordType, recordID string) ([]byte, error) {
	var data []byte
	err := s.db.Get(&data,
		`SELECT data FROM records WHERE record_type = ? AND record_id = ?`,
		recordType, recordID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Store) Delete(recordType, recordID string) error {
	res, err := s.db.Exec(
		`DELETE FROM records WHERE record_type = ? AND record_id = ?`,
		recordType, recordID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) List(recordType string) ([]string, error) {
	var ids []string
	err := s.db.Select(&ids,
		`SELECT record_id FROM records WHERE record_type = ? ORDER BY record_id`,
		recordType)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Store) Batch(fn func(tx storage.BatchTx) error) error {
	sqlTx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer sqlTx.Rollback() //nolint:errcheck

	if err := fn(&sqliteBatchTx{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type sqliteBatchTx struct {
	tx *sqlx.Tx
}

var _ storage.BatchTx = (*sqliteBatchTx)(nil)

func (btx *sqliteBatchTx) Put(recordType, recordID string, data []byte) error {
	_, err := btx.tx.Exec(upsertSQL, recordType, recordID, data)
	return err
}

func (btx *sqliteBatchTx) Delete(recordType, recordID string) error {
	res, err := btx.tx.Exec(
		`DELETE FROM records WHERE record_type = ? AND record_id = ?`,
		recordType, recordID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return nil
}

func (btx *sqliteBatchTx) DeleteAll(recordType string) error {
	_, err := btx.tx.Exec(`DELETE FROM records WHERE record_type = ?`, recordType)
	return err
}
