// Package boltstore implements the directory document store with a bbolt
// backend. Each document flavor is a bucket keyed by digest.
package boltstore

import (
	"time"

	"go.dedis.ch/onion/peer"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/xerrors"
)

// Store is a bbolt backed document store.
//
// - implements peer.DocumentStore
type Store struct {
	db *bolt.DB
}

// New opens or creates the database file at path.
func New(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, xerrors.Errorf("failed to open store %s: %v", path, err)
	}
	return &Store{db: db}, nil
}

// Get implements peer.DocumentStore.
func (s *Store) Get(flavor, digest string) ([]byte, error) {
	var doc []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(flavor))
		if bkt == nil {
			return peer.ErrNotFound
		}
		raw := bkt.Get([]byte(digest))
		if raw == nil {
			return peer.ErrNotFound
		}
		// raw is only valid during the transaction
		doc = append([]byte(nil), raw...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Put implements peer.DocumentStore.
func (s *Store) Put(flavor, digest string, doc []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(flavor))
		if err != nil {
			return err
		}
		return bkt.Put([]byte(digest), doc)
	})
}

// List implements peer.DocumentStore. Keys come back in byte order.
func (s *Store) List(flavor string) ([]string, error) {
	var res []string

	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(flavor))
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(k, _ []byte) error {
			res = append(res, string(k))
			return nil
		})
	})
	return res, err
}

// Close implements peer.DocumentStore.
func (s *Store) Close() error {
	return s.db.Close()
}
