package sqlite

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/certhold/certhold/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "certhold-test.db")
	s, err := NewRepositoryFromFile(path)
	if err != nil {
		t.Fatalf("could not open sqlite db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStorage(t *testing.T) {
	s := newTestStore(t)
	recordType := "CERT"
	recordID := "www.example.lan"
	data := []byte(`{"hostname":"www.example.lan"}`)

	t.Run("PutGet", func(t *testing.T) {
		if err := s.Put(recordType, recordID, data); err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		got, err := s.Get(recordType, recordID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("expected %q, got %q", data, got)
		}
	})

	t.Run("PutOverwrites", func(t *testing.T) {
		updated := []byte(`{"hostname":"www.example.lan","note":"renewed"}`)
		if err := s.Put(recordType, recordID, updated); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := s.Get(recordType, recordID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !bytes.Equal(got, updated) {
			t.Errorf("expected updated data, got %q", got)
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		_, err := s.Get(recordType, "nonexistent")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("List", func(t *testing.T) {
		s.Put(recordType, "api.example.lan", data)
		ids, err := s.List(recordType)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(ids) != 2 {
			t.Errorf("expected 2 IDs, got %d: %v", len(ids), ids)
		}
		// ORDER BY record_id
		if ids[0] != "api.example.lan" || ids[1] != "www.example.lan" {
			t.Errorf("expected sorted IDs, got %v", ids)
		}

		ids, err = s.List("NOPE")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(ids) != 0 {
			t.Errorf("expected 0 IDs for missing type, got %d", len(ids))
		}
	})

	t.Run("Delete", func(t *testing.T) {
		s.Put(recordType, "doomed", data)
		if err := s.Delete(recordType, "doomed"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if err := s.Delete(recordType, "doomed"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound on double delete, got %v", err)
		}
	})
}

func TestSQLiteBatch(t *testing.T) {
	s := newTestStore(t)
	data := []byte("record")

	t.Run("atomic batch write", func(t *testing.T) {
		err := s.Batch(func(tx storage.BatchTx) error {
			if err := tx.Put("CERT", "b1", []byte("a")); err != nil {
				return err
			}
			return tx.Put("HIST", "b2", []byte("b"))
		})
		if err != nil {
			t.Fatalf("Batch failed: %v", err)
		}

		got, err := s.Get("CERT", "b1")
		if err != nil {
			t.Fatalf("Get b1 failed: %v", err)
		}
		if string(got) != "a" {
			t.Errorf("expected 'a', got %q", got)
		}
	})

	t.Run("batch rollback on error", func(t *testing.T) {
		simulated := errors.New("simulated error")
		err := s.Batch(func(tx storage.BatchTx) error {
			tx.Put("CERT", "rollback-test", data)
			return simulated
		})
		if !errors.Is(err, simulated) {
			t.Fatalf("expected simulated error, got %v", err)
		}

		if _, err := s.Get("CERT", "rollback-test"); err == nil {
			t.Error("expected record to not exist after rollback")
		}
	})

	t.Run("batch delete all", func(t *testing.T) {
		s.Put("PURGE", "p1", data)
		s.Put("PURGE", "p2", data)

		err := s.Batch(func(tx storage.BatchTx) error {
			if err := tx.DeleteAll("PURGE"); err != nil {
				return err
			}
			return tx.DeleteAll("NEVER")
		})
		if err != nil {
			t.Fatalf("Batch failed: %v", err)
		}

		ids, _ := s.List("PURGE")
		if len(ids) != 0 {
			t.Errorf("expected 0 records after DeleteAll, got %d", len(ids))
		}
	})
}

func TestNewRepositoryFromFileCreatesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fresh.db")
	s, err := NewRepositoryFromFile(path)
	if err != nil {
		t.Fatalf("NewRepositoryFromFile failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected database file to exist: %v", err)
	}

	// Schema is usable immediately.
	if err := s.Put("CERT", "x", []byte("y")); err != nil {
		t.Fatalf("Put on fresh db failed: %v", err)
	}
}
