// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"fmt"
	"sync"
	"time"

	"github.com/jmcleod/ironcert/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu        sync.RWMutex
	data      map[string][][]byte
	revisions []storage.Revision
	now       func() time.Time
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{
		data: make(map[string][][]byte),
		now:  time.Now,
	}
}

func cloneRecord(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func (r *Repository) List(kind string) ([][]byte, error) {
	if err := storage.ValidateKind(kind); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked(kind), nil
}

func (r *Repository) listLocked(kind string) [][]byte {
	records := r.data[kind]
	out := make([][]byte, len(records))
	for i, rec := range records {
		out[i] = cloneRecord(rec)
	}
	return out
}

func (r *Repository) Get(kind string, index int) ([]byte, error) {
	if err := storage.ValidateKind(kind); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	records := r.data[kind]
	if index < 0 || index >= len(records) {
		return nil, fmt.Errorf("%s/%d: %w", kind, index, storage.ErrNotFound)
	}
	return cloneRecord(records[index]), nil
}

// Revisions returns up to limit most recent revisions, newest first. A
// non-positive limit returns all of them.
func (r *Repository) Revisions(limit int) ([]storage.Revision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := len(r.revisions)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]storage.Revision, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, r.revisions[i])
	}
	return out, nil
}

// Batch executes fn within a batch transaction. On error, all writes are rolled back.
func (r *Repository) Batch(description string, fn func(tx storage.BatchTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.snapshot()

	tx := &memoryBatchTx{repo: r}
	if err := fn(tx); err != nil {
		r.data = snapshot
		return err
	}
	r.revisions = append(r.revisions, storage.Revision{
		Seq:         uint64(len(r.revisions) + 1),
		Description: description,
		CommittedAt: r.now().UTC(),
	})
	return nil
}

func (r *Repository) snapshot() map[string][][]byte {
	cp := make(map[string][][]byte, len(r.data))
	for kind, records := range r.data {
		cp[kind] = append([][]byte(nil), records...)
	}
	return cp
}

type memoryBatchTx struct {
	repo *Repository
}

func (tx *memoryBatchTx) List(kind string) ([][]byte, error) {
	if err := storage.ValidateKind(kind); err != nil {
		return nil, err
	}
	return tx.repo.listLocked(kind), nil
}

func (tx *memoryBatchTx) Put(kind string, index int, record []byte) (int, error) {
	if err := storage.ValidateKind(kind); err != nil {
		return 0, err
	}
	records := tx.repo.data[kind]
	if index == storage.Append {
		tx.repo.data[kind] = append(records, cloneRecord(record))
		return len(records), nil
	}
	if index < 0 || index >= len(records) {
		return 0, fmt.Errorf("%s/%d: %w", kind, index, storage.ErrNotFound)
	}
	records[index] = cloneRecord(record)
	return index, nil
}

func (tx *memoryBatchTx) Delete(kind string, index int) error {
	if err := storage.ValidateKind(kind); err != nil {
		return err
	}
	records := tx.repo.data[kind]
	if index < 0 || index >= len(records) {
		return fmt.Errorf("%s/%d: %w", kind, index, storage.ErrNotFound)
	}
	next := make([][]byte, 0, len(records)-1)
	next = append(next, records[:index]...)
	next = append(next, records[index+1:]...)
	tx.repo.data[kind] = next
	return nil
}
