// Package storage opens the directory document store selected by the
// configuration.
package storage

import (
	"go.dedis.ch/onion/peer"
	"go.dedis.ch/onion/storage/boltstore"
	"go.dedis.ch/onion/storage/redisstore"
	"golang.org/x/xerrors"
)

// Open returns the configured document store.
func Open(conf peer.StoreConfig) (peer.DocumentStore, error) {
	switch conf.Backend {
	case peer.StoreBolt:
		return boltstore.New(conf.BoltPath)
	case peer.StoreRedis:
		return redisstore.New(conf.RedisAddr, conf.RedisPrefix)
	default:
		return nil, xerrors.Errorf("unknown store backend %q", conf.Backend)
	}
}
