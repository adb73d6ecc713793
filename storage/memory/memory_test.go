package memory

import (
	"errors"
	"testing"

	"github.com/jmcleod/ironcert/storage"
)

func TestMemoryRepository(t *testing.T) {
	repo := NewRepository()

	t.Run("AppendAndGet", func(t *testing.T) {
		err := repo.Batch("add two certs", func(tx storage.BatchTx) error {
			if idx, err := tx.Put("cert", storage.Append, []byte(`{"refid":"a"}`)); err != nil || idx != 0 {
				t.Fatalf("Put #1 returned (%d, %v)", idx, err)
			}
			if idx, err := tx.Put("cert", storage.Append, []byte(`{"refid":"b"}`)); err != nil || idx != 1 {
				t.Fatalf("Put #2 returned (%d, %v)", idx, err)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Batch failed: %v", err)
		}

		got, err := repo.Get("cert", 1)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got) != `{"refid":"b"}` {
			t.Errorf("Get returned %s", got)
		}

		// Returned records are copies.
		got[0] = 'X'
		again, _ := repo.Get("cert", 1)
		if again[0] == 'X' {
			t.Error("memory repository should return clones of records")
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		if _, err := repo.Get("cert", 7); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := repo.Get("ca", 0); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound for empty kind, got %v", err)
		}
	})

	t.Run("InvalidKind", func(t *testing.T) {
		if _, err := repo.List("Bad Kind"); !errors.Is(err, storage.ErrInvalidKind) {
			t.Errorf("expected ErrInvalidKind, got %v", err)
		}
	})

	t.Run("ReplaceAndDeleteKeepOrder", func(t *testing.T) {
		err := repo.Batch("rewrite", func(tx storage.BatchTx) error {
			if _, err := tx.Put("cert", storage.Append, []byte(`{"refid":"c"}`)); err != nil {
				return err
			}
			if _, err := tx.Put("cert", 0, []byte(`{"refid":"a2"}`)); err != nil {
				return err
			}
			return tx.Delete("cert", 1)
		})
		if err != nil {
			t.Fatalf("Batch failed: %v", err)
		}
		list, err := repo.List("cert")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(list) != 2 || string(list[0]) != `{"refid":"a2"}` || string(list[1]) != `{"refid":"c"}` {
			t.Errorf("unexpected list: %q", list)
		}
	})

	t.Run("RollbackOnError", func(t *testing.T) {
		boom := errors.New("boom")
		err := repo.Batch("doomed", func(tx storage.BatchTx) error {
			if _, err := tx.Put("cert", storage.Append, []byte(`{"refid":"z"}`)); err != nil {
				return err
			}
			if err := tx.Delete("cert", 0); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		list, _ := repo.List("cert")
		if len(list) != 2 || string(list[0]) != `{"refid":"a2"}` {
			t.Errorf("batch was not rolled back: %q", list)
		}
	})

	t.Run("Revisions", func(t *testing.T) {
		revs, err := repo.Revisions(0)
		if err != nil {
			t.Fatalf("Revisions failed: %v", err)
		}
		if len(revs) != 2 {
			t.Fatalf("expected 2 revisions, got %d", len(revs))
		}
		if revs[0].Description != "rewrite" || revs[1].Description != "add two certs" {
			t.Errorf("unexpected revision order: %+v", revs)
		}
		limited, _ := repo.Revisions(1)
		if len(limited) != 1 || limited[0].Seq != 2 {
			t.Errorf("unexpected limited revisions: %+v", limited)
		}
	})
}
