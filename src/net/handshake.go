package net

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/mosaicnetworks/cloudsync/src/peers"
)

const helloBufSize = 4096

var (
	// ErrNamespaceMismatch is returned when the remote node belongs to another
	// namespace.
	ErrNamespaceMismatch = errors.New("namespace mismatch")

	// ErrSelfConnection is returned when a node reached itself.
	ErrSelfConnection = errors.New("connection to self")

	// ErrDuplicatePeer is returned when a connection to the same remote node
	// is already admitted and takes precedence.
	ErrDuplicatePeer = errors.New("duplicate peer")

	errBadHello = errors.New("malformed hello")
)

// hello is the first frame sent by both ends of a connection.
type hello struct {
	Namespace string `json:"ns"`
	ID        string `json:"id"`
	Name      string `json:"name"`
	Addr      string `json:"addr"`
}

// bufferedConn keeps the bytes buffered while reading the hello, so the first
// commands that follow it in the same read are not lost.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

// handshake exchanges hello frames over conn and returns the peer handle. The
// whole exchange, including the TLS handshake of accepted connections, must
// complete within timeout.
func handshake(conn net.Conn, local hello, initiator bool, timeout time.Duration) (*peers.Peer, error) {
	if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
	}

	if tc, ok := conn.(*tls.Conn); ok {
		if err := tc.Handshake(); err != nil {
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
	}

	out, err := json.Marshal(local)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(append(out, '\n')); err != nil {
		return nil, fmt.Errorf("sending hello: %w", err)
	}

	r := bufio.NewReaderSize(conn, helloBufSize)
	line, err := r.ReadSlice('\n')
	if err != nil {
		return nil, fmt.Errorf("reading hello: %w", err)
	}

	var remote hello
	if err := json.Unmarshal(line, &remote); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadHello, err)
	}

	if remote.ID == "" {
		return nil, fmt.Errorf("%w: missing id", errBadHello)
	}

	if remote.Namespace != local.Namespace {
		return nil, fmt.Errorf("%w: %q", ErrNamespaceMismatch, remote.Namespace)
	}

	if remote.ID == local.ID {
		return nil, ErrSelfConnection
	}

	conn.SetDeadline(time.Time{})

	p := peers.NewPeer(
		&bufferedConn{Conn: conn, r: r},
		remote.ID,
		remote.Name,
		remote.Addr,
		initiator,
	)

	return p, nil
}
