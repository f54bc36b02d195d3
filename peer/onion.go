package peer

import (
	"context"
	"io"

	"go.dedis.ch/onion/types"
	"golang.org/x/xerrors"
)

// Onion is the client surface: anonymous streams to exit ports.
type Onion interface {
	// OpenStream builds or reuses a circuit whose exit allows port and opens
	// a stream to host:port through it.
	OpenStream(ctx context.Context, host string, port uint16) (io.ReadWriteCloser, error)
	// RefreshDirectory reloads the network directory from the document
	// store.
	RefreshDirectory() error
	// Close tears down every circuit.
	Close() error
}

// ChanTarget is a relay a channel can be opened to.
type ChanTarget interface {
	// Identities returns the identities the relay must prove.
	Identities() types.RelayIDs
	// Addrs returns the "host:port" addresses the relay listens on.
	Addrs() []string
}

// CircTarget is a relay a circuit can be extended to.
type CircTarget interface {
	ChanTarget
	// NtorOnionKey returns the relay's curve25519 onion key.
	NtorOnionKey() [32]byte
	// ExitPolicy returns the ports the relay exits to, nil for none.
	ExitPolicy() *types.PortPolicy
}

// DocumentStore caches directory documents keyed by flavor and digest.
type DocumentStore interface {
	Get(flavor, digest string) ([]byte, error)
	Put(flavor, digest string, doc []byte) error
	// List returns the digests stored under a flavor, sorted.
	List(flavor string) ([]string, error)
	Close() error
}

// ErrNotFound is returned by DocumentStore.Get for unknown documents.
var ErrNotFound = xerrors.New("document not found")
