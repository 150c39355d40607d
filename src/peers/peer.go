package peers

import (
	"net"
	"sync"

	"github.com/google/uuid"
)

// Peer is a live connection to another node.
type Peer struct {
	// ID identifies this connection. It is unique per handle, not per remote
	// node.
	ID string

	// NodeID is the process-lifetime identifier of the remote node.
	NodeID string

	// Moniker is the friendly name of the remote node.
	Moniker string

	// Addr is the discovery address advertised by the remote node.
	Addr string

	// Initiator is true when this node dialed the connection.
	Initiator bool

	conn    net.Conn
	writeLk sync.Mutex

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// NewPeer wraps an established connection.
func NewPeer(conn net.Conn, nodeID, moniker, addr string, initiator bool) *Peer {
	return &Peer{
		ID:        uuid.New().String(),
		NodeID:    nodeID,
		Moniker:   moniker,
		Addr:      addr,
		Initiator: initiator,
		conn:      conn,
		done:      make(chan struct{}),
	}
}

// Conn returns the underlying stream.
func (p *Peer) Conn() net.Conn {
	return p.conn
}

// RemoteAddr returns the network address of the other end of the stream.
func (p *Peer) RemoteAddr() string {
	if p.conn == nil {
		return ""
	}
	return p.conn.RemoteAddr().String()
}

// Write sends one frame. Concurrent writers are serialized so frames never
// interleave.
func (p *Peer) Write(frame []byte) error {
	p.writeLk.Lock()
	defer p.writeLk.Unlock()

	select {
	case <-p.done:
		return net.ErrClosed
	default:
	}

	_, err := p.conn.Write(frame)
	return err
}

// Close closes the stream. It is safe to call more than once; only the first
// call has an effect.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.closeErr = p.conn.Close()
	})
	return p.closeErr
}

// Done is closed when the handle is closed.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Info is the JSON view of a peer.
type Info struct {
	ID         string `json:"id"`
	NodeID     string `json:"node_id"`
	Moniker    string `json:"moniker"`
	Addr       string `json:"addr"`
	RemoteAddr string `json:"remote_addr"`
	Initiator  bool   `json:"initiator"`
}

// Info returns a serializable description of the peer.
func (p *Peer) Info() Info {
	return Info{
		ID:         p.ID,
		NodeID:     p.NodeID,
		Moniker:    p.Moniker,
		Addr:       p.Addr,
		RemoteAddr: p.RemoteAddr(),
		Initiator:  p.Initiator,
	}
}
