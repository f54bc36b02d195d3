// Package redisstore implements the directory document store on top of redis,
// so several clients can share one directory cache.
package redisstore

import (
	"context"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.dedis.ch/onion/peer"
	"golang.org/x/xerrors"
)

const opTimeout = 5 * time.Second

// Store is a redis backed document store. A flavor is a hash named
// "<prefix>:<flavor>" whose fields are digests.
//
// - implements peer.DocumentStore
type Store struct {
	client *redis.Client
	prefix string
}

// New connects to the redis server at addr and checks that it answers.
func New(addr, prefix string) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	err := client.Ping(ctx).Err()
	if err != nil {
		client.Close()
		return nil, xerrors.Errorf("failed to reach redis at %s: %v", addr, err)
	}

	return &Store{client: client, prefix: prefix}, nil
}

func (s *Store) key(flavor string) string {
	return s.prefix + ":" + flavor
}

// Get implements peer.DocumentStore.
func (s *Store) Get(flavor, digest string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	doc, err := s.client.HGet(ctx, s.key(flavor), digest).Bytes()
	if xerrors.Is(err, redis.Nil) {
		return nil, peer.ErrNotFound
	}
	if err != nil {
		return nil, xerrors.Errorf("failed to get %s/%s: %v", flavor, digest, err)
	}
	return doc, nil
}

// Put implements peer.DocumentStore.
func (s *Store) Put(flavor, digest string, doc []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	err := s.client.HSet(ctx, s.key(flavor), digest, doc).Err()
	if err != nil {
		return xerrors.Errorf("failed to put %s/%s: %v", flavor, digest, err)
	}
	return nil
}

// List implements peer.DocumentStore.
func (s *Store) List(flavor string) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	keys, err := s.client.HKeys(ctx, s.key(flavor)).Result()
	if err != nil {
		return nil, xerrors.Errorf("failed to list %s: %v", flavor, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close implements peer.DocumentStore.
func (s *Store) Close() error {
	return s.client.Close()
}
