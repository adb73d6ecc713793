// Package storage provides the configuration store abstraction used by the
// certificate manager. Records are opaque JSON documents kept in ordered,
// per-kind lists; positional indices are only valid within one snapshot.
package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a positional index does not address a record.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidKind is returned for an empty or malformed record kind.
	ErrInvalidKind = errors.New("invalid record kind")
)

// Append is passed as the index to BatchTx.Put to add a record at the end of
// its kind's list.
const Append = -1

// Revision describes one committed batch.
type Revision struct {
	Seq         uint64    `json:"seq"`
	Description string    `json:"description"`
	CommittedAt time.Time `json:"committed_at"`
}

// BatchTx provides reads and writes within an atomic batch. Writes become
// visible to other readers only when the batch function returns nil.
type BatchTx interface {
	List(kind string) ([][]byte, error)
	// Put replaces the record at index, or appends when index is Append.
	// It returns the record's index.
	Put(kind string, index int, record []byte) (int, error)
	Delete(kind string, index int) error
}

// Repository defines the interface for configuration record storage.
//
// Batch is the only way to mutate the store: every successful call commits
// exactly once and records description as a Revision. When fn returns an
// error nothing is written.
type Repository interface {
	List(kind string) ([][]byte, error)
	Get(kind string, index int) ([]byte, error)
	Batch(description string, fn func(tx BatchTx) error) error
	Revisions(limit int) ([]Revision, error)
}

// ValidateKind reports whether kind can be used as a record kind.
func ValidateKind(kind string) error {
	if kind == "" || len(kind) > 64 {
		return ErrInvalidKind
	}
	for _, r := range kind {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return ErrInvalidKind
		}
	}
	return nil
}
