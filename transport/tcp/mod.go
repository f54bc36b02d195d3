// Package tcp implements the link transport as TLS over TCP.
package tcp

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync"
	"time"

	"go.dedis.ch/onion/peer"
	"go.dedis.ch/onion/transport"
	"go.dedis.ch/onion/types"
	"golang.org/x/xerrors"
)

// NewDialer returns a new TLS dialer. A zero timeout waits for the context
// alone.
func NewDialer(timeout time.Duration) transport.Dialer {
	return &Dialer{
		timeout: timeout,
		// relays present self-signed link certificates, the relay identity
		// is authenticated by the circuit handshake
		tlsConfig: &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12},
	}
}

// Dialer opens TLS connections to relays.
//
// - implements transport.Dialer
type Dialer struct {
	timeout   time.Duration
	tlsConfig *tls.Config
}

// Dial implements transport.Dialer. Addresses are tried in order and the
// first one that accepts a TLS session wins.
func (d *Dialer) Dial(ctx context.Context, target peer.ChanTarget) (transport.Conn, error) {
	addrs := target.Addrs()
	if len(addrs) == 0 {
		return nil, xerrors.Errorf("relay %s has no address", target.Identities())
	}

	var lastErr error
	for _, addr := range addrs {
		conn, err := d.dialOne(ctx, addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, xerrors.Errorf("failed to reach %s: %w", target.Identities(), lastErr)
}

func (d *Dialer) dialOne(ctx context.Context, addr string) (*Conn, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	td := tls.Dialer{Config: d.tlsConfig}
	raw, err := td.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, transport.TimeoutErr(d.timeout)
		}
		return nil, err
	}
	return NewConn(raw), nil
}

// NewConn frames cells over an established byte stream.
func NewConn(raw net.Conn) *Conn {
	return &Conn{raw: raw}
}

// Conn sends fixed-size cells over a stream connection.
//
// - implements transport.Conn
type Conn struct {
	raw net.Conn

	// writes of one cell must not interleave
	wlock sync.Mutex
}

// Send implements transport.Conn.
func (c *Conn) Send(cell types.ChanCell) error {
	c.wlock.Lock()
	defer c.wlock.Unlock()

	_, err := c.raw.Write(cell.Marshal())
	if err != nil {
		if xerrors.Is(err, net.ErrClosed) {
			return transport.ErrClosed
		}
		return xerrors.Errorf("failed to write cell: %v", err)
	}
	return nil
}

// Recv implements transport.Conn.
func (c *Conn) Recv() (types.ChanCell, error) {
	buf := make([]byte, types.CellLen)

	_, err := io.ReadFull(c.raw, buf)
	if err != nil {
		if xerrors.Is(err, net.ErrClosed) || xerrors.Is(err, io.EOF) {
			return types.ChanCell{}, transport.ErrClosed
		}
		return types.ChanCell{}, xerrors.Errorf("failed to read cell: %v", err)
	}

	var cell types.ChanCell
	err = cell.Unmarshal(buf)
	if err != nil {
		return types.ChanCell{}, err
	}
	return cell, nil
}

// RemoteAddr implements transport.Conn.
func (c *Conn) RemoteAddr() string {
	return c.raw.RemoteAddr().String()
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	return c.raw.Close()
}
