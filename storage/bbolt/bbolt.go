// Package bbolt provides a BBolt-backed storage repository.
//
// Each record kind lives in its own bucket under the "kinds" root bucket.
// Keys are the bucket's big-endian sequence numbers, so cursor order is
// insertion order and positional indices map onto the n-th key.
package bbolt

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmcleod/ironcert/storage"
	"go.etcd.io/bbolt"
)

var (
	kindsBucket     = []byte("kinds")
	revisionsBucket = []byte("revisions")
)

// Store implements storage.Repository backed by a BBolt database.
type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewRepository(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func kindBucket(tx *bbolt.Tx, kind string) *bbolt.Bucket {
	root := tx.Bucket(kindsBucket)
	if root == nil {
		return nil
	}
	return root.Bucket([]byte(kind))
}

func listBucket(b *bbolt.Bucket) [][]byte {
	var out [][]byte
	if b == nil {
		return out
	}
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		out = append(out, append([]byte(nil), v...))
	}
	return out
}

func countKeys(b *bbolt.Bucket) int {
	n := 0
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}

// keyAt returns the key of the index-th record in b.
func keyAt(b *bbolt.Bucket, kind string, index int) ([]byte, error) {
	if b != nil && index >= 0 {
		c := b.Cursor()
		i := 0
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if i == index {
				return append([]byte(nil), k...), nil
			}
			i++
		}
	}
	return nil, fmt.Errorf("%s/%d: %w", kind, index, storage.ErrNotFound)
}

func (s *Store) List(kind string) ([][]byte, error) {
	if err := storage.ValidateKind(kind); err != nil {
		return nil, err
	}
	var out [][]byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		out = listBucket(kindBucket(tx, kind))
		return nil
	})
	return out, err
}

func (s *Store) Get(kind string, index int) ([]byte, error) {
	if err := storage.ValidateKind(kind); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := kindBucket(tx, kind)
		k, err := keyAt(b, kind, index)
		if err != nil {
			return err
		}
		out = append([]byte(nil), b.Get(k)...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Revisions returns up to limit most recent revisions, newest first.
func (s *Store) Revisions(limit int) ([]storage.Revision, error) {
	var out []storage.Revision
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(revisionsBucket)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var rev storage.Revision
			if err := json.Unmarshal(v, &rev); err != nil {
				return fmt.Errorf("decoding revision %d: %w", binary.BigEndian.Uint64(k), err)
			}
			out = append(out, rev)
		}
		return nil
	})
	return out, err
}

// Batch runs fn inside a single bbolt read-write transaction and records a
// revision on success.
func (s *Store) Batch(description string, fn func(tx storage.BatchTx) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists(kindsBucket)
		if err != nil {
			return err
		}
		if err := fn(&boltBatchTx{root: root}); err != nil {
			return err
		}
		revs, err := tx.CreateBucketIfNotExists(revisionsBucket)
		if err != nil {
			return err
		}
		seq, err := revs.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(storage.Revision{
			Seq:         seq,
			Description: description,
			CommittedAt: s.now().UTC(),
		})
		if err != nil {
			return err
		}
		return revs.Put(seqKey(seq), data)
	})
}

type boltBatchTx struct {
	root *bbolt.Bucket
}

func (tx *boltBatchTx) List(kind string) ([][]byte, error) {
	if err := storage.ValidateKind(kind); err != nil {
		return nil, err
	}
	return listBucket(tx.root.Bucket([]byte(kind))), nil
}

func (tx *boltBatchTx) Put(kind string, index int, record []byte) (int, error) {
	if err := storage.ValidateKind(kind); err != nil {
		return 0, err
	}
	b, err := tx.root.CreateBucketIfNotExists([]byte(kind))
	if err != nil {
		return 0, err
	}
	if index == storage.Append {
		seq, err := b.NextSequence()
		if err != nil {
			return 0, err
		}
		pos := countKeys(b)
		if err := b.Put(seqKey(seq), record); err != nil {
			return 0, err
		}
		return pos, nil
	}
	k, err := keyAt(b, kind, index)
	if err != nil {
		return 0, err
	}
	return index, b.Put(k, record)
}

func (tx *boltBatchTx) Delete(kind string, index int) error {
	if err := storage.ValidateKind(kind); err != nil {
		return err
	}
	b := tx.root.Bucket([]byte(kind))
	k, err := keyAt(b, kind, index)
	if err != nil {
		return err
	}
	return b.Delete(k)
}
