package transport

import (
	"context"
	"fmt"
	"time"

	"go.dedis.ch/onion/peer"
	"go.dedis.ch/onion/types"
	"golang.org/x/xerrors"
)

// Conn is an authenticated byte stream to one relay, framed as fixed-size
// channel cells.
type Conn interface {
	// Send writes one cell.
	Send(cell types.ChanCell) error
	// Recv blocks until a cell is read or the connection fails.
	Recv() (types.ChanCell, error)
	// RemoteAddr returns the address of the peer.
	RemoteAddr() string
	// Close releases the connection. Pending Recv calls return ErrClosed.
	Close() error
}

// Dialer opens connections to relays.
type Dialer interface {
	Dial(ctx context.Context, target peer.ChanTarget) (Conn, error)
}

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = xerrors.New("connection closed")

// TimeoutErr is returned when an operation times out.
type TimeoutErr time.Duration

// Error implements error.
func (err TimeoutErr) Error() string {
	return fmt.Sprintf("timeout reached after %d", time.Duration(err))
}

// Is implements error comparison by type.
func (TimeoutErr) Is(err error) bool {
	_, ok := err.(TimeoutErr)
	return ok
}
