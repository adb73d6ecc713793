package bbolt

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmcleod/ironcert/storage"
	"go.etcd.io/bbolt"
)

func newTestDB(t *testing.T) (*bbolt.DB, string, func()) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "certs-test.db")
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		t.Fatalf("could not open db: %v", err)
	}
	return db, path, func() {
		db.Close()
		os.Remove(path)
	}
}

func TestBBoltStorage(t *testing.T) {
	db, _, cleanup := newTestDB(t)
	defer cleanup()

	s := NewRepository(db)

	t.Run("AppendGet", func(t *testing.T) {
		err := s.Batch("add certs", func(tx storage.BatchTx) error {
			for i, rec := range []string{`{"refid":"a"}`, `{"refid":"b"}`, `{"refid":"c"}`} {
				idx, err := tx.Put("cert", storage.Append, []byte(rec))
				if err != nil {
					return err
				}
				if idx != i {
					t.Errorf("expected index %d, got %d", i, idx)
				}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Batch failed: %v", err)
		}

		got, err := s.Get("cert", 2)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got) != `{"refid":"c"}` {
			t.Errorf("unexpected record %s", got)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		if _, err := s.Get("cert", 9); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := s.Get("crl", 0); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound for missing bucket, got %v", err)
		}
		list, err := s.List("crl")
		if err != nil || len(list) != 0 {
			t.Errorf("expected empty list, got %q (%v)", list, err)
		}
	})

	t.Run("DeleteKeepsOrder", func(t *testing.T) {
		err := s.Batch("delete b", func(tx storage.BatchTx) error {
			return tx.Delete("cert", 1)
		})
		if err != nil {
			t.Fatalf("Batch failed: %v", err)
		}
		list, _ := s.List("cert")
		if len(list) != 2 || string(list[0]) != `{"refid":"a"}` || string(list[1]) != `{"refid":"c"}` {
			t.Errorf("unexpected list after delete: %q", list)
		}

		// Appending after a delete still lands at the end.
		err = s.Batch("add d", func(tx storage.BatchTx) error {
			idx, err := tx.Put("cert", storage.Append, []byte(`{"refid":"d"}`))
			if idx != 2 {
				t.Errorf("expected index 2, got %d", idx)
			}
			return err
		})
		if err != nil {
			t.Fatalf("Batch failed: %v", err)
		}
		last, _ := s.Get("cert", 2)
		if string(last) != `{"refid":"d"}` {
			t.Errorf("unexpected last record %s", last)
		}
	})

	t.Run("Replace", func(t *testing.T) {
		err := s.Batch("edit a", func(tx storage.BatchTx) error {
			_, err := tx.Put("cert", 0, []byte(`{"refid":"a","descr":"edited"}`))
			return err
		})
		if err != nil {
			t.Fatalf("Batch failed: %v", err)
		}
		got, _ := s.Get("cert", 0)
		if string(got) != `{"refid":"a","descr":"edited"}` {
			t.Errorf("unexpected record %s", got)
		}
	})

	t.Run("RollbackOnError", func(t *testing.T) {
		boom := errors.New("boom")
		err := s.Batch("doomed", func(tx storage.BatchTx) error {
			if err := tx.Delete("cert", 0); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		list, _ := s.List("cert")
		if len(list) != 3 {
			t.Errorf("expected rollback to keep 3 records, got %d", len(list))
		}
	})

	t.Run("Revisions", func(t *testing.T) {
		revs, err := s.Revisions(2)
		if err != nil {
			t.Fatalf("Revisions failed: %v", err)
		}
		if len(revs) != 2 {
			t.Fatalf("expected 2 revisions, got %d", len(revs))
		}
		if revs[0].Description != "edit a" || revs[1].Description != "add d" {
			t.Errorf("unexpected revisions: %+v", revs)
		}
		all, _ := s.Revisions(0)
		if len(all) != 4 {
			t.Errorf("expected 4 revisions in total, got %d", len(all))
		}
	})
}

func TestBBoltPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")

	s, err := NewRepositoryFromFile(path, nil)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	err = s.Batch("seed", func(tx storage.BatchTx) error {
		_, err := tx.Put("ca", storage.Append, []byte(`{"refid":"ca1"}`))
		return err
	})
	if err != nil {
		t.Fatalf("Batch failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s2, err := NewRepositoryFromFile(path, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()
	got, err := s2.Get("ca", 0)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != `{"refid":"ca1"}` {
		t.Errorf("unexpected record %s", got)
	}
}
