// Package store caches document snapshots on disk so an editor can show a
// document before the collaboration channel opens.
package store

import (
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var ErrNotFound = errors.New("store: snapshot not found")

var snapshotsBucket = []byte("snapshots")

// Store is a bbolt file holding one snapshot per document id. Snapshots are
// kept exactly as they travel on the wire.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the cache file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Put(documentID string, snapshot []byte) error {
	if documentID == "" {
		return errors.New("store: empty document id")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotsBucket).Put([]byte(documentID), snapshot)
	})
}

// Get returns a copy of the stored snapshot, or ErrNotFound.
func (s *Store) Get(documentID string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(snapshotsBucket).Get([]byte(documentID))
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (s *Store) Delete(documentID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotsBucket).Delete([]byte(documentID))
	})
}

// Documents lists the ids that have a cached snapshot.
func (s *Store) Documents() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotsBucket).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

func (s *Store) Close() error {
	return s.db.Close()
}
