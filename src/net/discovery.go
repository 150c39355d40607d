package net

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/mosaicnetworks/cloudsync/src/peers"
	"github.com/sirupsen/logrus"
)

const (
	errorBufferSize     = 64
	candidateBufferSize = 64
	defaultMaxDials     = 32
)

var (
	// ErrTransportShutdown is returned when operations on a discovery are
	// invoked after it's been terminated.
	ErrTransportShutdown = errors.New("transport shutdown")

	errAlreadyListening = errors.New("discovery already listening")
)

// DiscoveryConfig configures a Discovery.
type DiscoveryConfig struct {
	// Namespace must match on both ends of a connection.
	Namespace string

	// NodeID identifies this process. It is used to detect self-connections
	// and to break ties between duplicate connections.
	NodeID string

	// Moniker is advertised to other nodes.
	Moniker string

	// BindHost is the host the listener binds to.
	BindHost string

	// AdvertiseHost is the host other nodes dial. See NewTLSStreamLayer.
	AdvertiseHost string

	// PortRange is where the listener picks its port.
	PortRange PortRange

	// TLS is the mutual TLS configuration used by the listener and the
	// dialer.
	TLS *tls.Config

	// DialTimeout bounds the TCP connect and TLS handshake of a dial.
	DialTimeout time.Duration

	// HandshakeTimeout bounds the hello exchange.
	HandshakeTimeout time.Duration

	// MaxDials bounds the number of concurrent dials.
	MaxDials int

	// Discoverers feed candidate addresses to the dialer.
	Discoverers []Discoverer
}

// Discovery finds and admits peers of the namespace. Admitted peers are
// delivered on Peers(), non-fatal errors on Errors().
type Discovery struct {
	conf   DiscoveryConfig
	logger *logrus.Entry

	stream StreamLayer

	peersCh     chan *peers.Peer
	errCh       chan error
	listeningCh chan struct{}
	candidates  chan string
	dialSem     chan struct{}

	mu        sync.Mutex
	byNode    map[string]*peers.Peer
	byAddr    map[string]*peers.Peer
	dialing   map[string]bool
	selfAddrs map[string]bool
	pending   map[net.Conn]struct{}
	shutdown  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDiscovery creates a Discovery. Nothing is bound until Listen.
func NewDiscovery(conf DiscoveryConfig, logger *logrus.Entry) *Discovery {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	if conf.MaxDials <= 0 {
		conf.MaxDials = defaultMaxDials
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Discovery{
		conf:        conf,
		logger:      logger,
		peersCh:     make(chan *peers.Peer),
		errCh:       make(chan error, errorBufferSize),
		listeningCh: make(chan struct{}),
		candidates:  make(chan string, candidateBufferSize),
		dialSem:     make(chan struct{}, conf.MaxDials),
		byNode:      make(map[string]*peers.Peer),
		byAddr:      make(map[string]*peers.Peer),
		dialing:     make(map[string]bool),
		selfAddrs:   make(map[string]bool),
		pending:     make(map[net.Conn]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Peers returns the channel of admitted peers.
func (d *Discovery) Peers() <-chan *peers.Peer {
	return d.peersCh
}

// Errors returns the channel of non-fatal errors. Errors are dropped when the
// channel is full.
func (d *Discovery) Errors() <-chan error {
	return d.errCh
}

// Listening is closed once the listener is bound.
func (d *Discovery) Listening() <-chan struct{} {
	return d.listeningCh
}

// Addr returns the advertised address, or an empty string before Listen.
func (d *Discovery) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stream == nil {
		return ""
	}
	return d.stream.AdvertiseAddr()
}

// Listen binds the listener on the first free port of the range, then starts
// accepting connections and running the discoverers in the background.
func (d *Discovery) Listen() error {
	d.mu.Lock()

	if d.shutdown {
		d.mu.Unlock()
		return ErrTransportShutdown
	}
	if d.stream != nil {
		d.mu.Unlock()
		return errAlreadyListening
	}

	stream, err := ListenPortRange(
		d.conf.BindHost,
		d.conf.PortRange,
		d.conf.AdvertiseHost,
		d.conf.TLS,
		d.conf.DialTimeout,
	)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	d.stream = stream
	d.mu.Unlock()

	self := stream.AdvertiseAddr()

	d.logger.WithFields(logrus.Fields{
		"addr":      self,
		"namespace": d.conf.Namespace,
	}).Info("Discovery listening")

	close(d.listeningCh)

	d.wg.Add(2)
	go d.acceptLoop()
	go d.candidateLoop(self)

	for _, disc := range d.conf.Discoverers {
		d.wg.Add(1)
		go d.runDiscoverer(disc, self)
	}

	return nil
}

// Close stops the listener, the discoverers, every pending handshake and every
// admitted peer, and waits for background routines.
func (d *Discovery) Close() error {
	d.mu.Lock()
	if d.shutdown {
		d.mu.Unlock()
		return nil
	}
	d.shutdown = true

	stream := d.stream

	conns := make([]net.Conn, 0, len(d.pending))
	for c := range d.pending {
		conns = append(conns, c)
	}

	admitted := make([]*peers.Peer, 0, len(d.byNode))
	for _, p := range d.byNode {
		admitted = append(admitted, p)
	}
	d.mu.Unlock()

	d.cancel()

	if stream != nil {
		if err := stream.Close(); err != nil {
			d.logger.WithError(err).Debug("Closing listener")
		}
	}

	for _, c := range conns {
		c.Close()
	}

	for _, p := range admitted {
		p.Close()
	}

	d.wg.Wait()

	d.logger.Debug("Discovery closed")

	return nil
}

// IsShutdown is used to check if the discovery is closed.
func (d *Discovery) IsShutdown() bool {
	select {
	case <-d.ctx.Done():
		return true
	default:
		return false
	}
}

func (d *Discovery) acceptLoop() {
	defer d.wg.Done()

	for {
		conn, err := d.stream.Accept()
		if err != nil {
			if d.IsShutdown() {
				return
			}
			d.logger.WithError(err).Error("Failed to accept connection")
			continue
		}

		d.logger.WithFields(logrus.Fields{
			"node": conn.LocalAddr(),
			"from": conn.RemoteAddr(),
		}).Debug("accepted connection")

		if !d.track(conn) {
			conn.Close()
			return
		}

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.handleConn(conn, conn.RemoteAddr().String(), false)
		}()
	}
}

func (d *Discovery) candidateLoop(self string) {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case addr := <-d.candidates:
			if addr == self || !d.reserve(addr) {
				continue
			}

			select {
			case d.dialSem <- struct{}{}:
			case <-d.ctx.Done():
				d.release(addr)
				return
			}

			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				defer func() { <-d.dialSem }()
				defer d.release(addr)
				d.dial(addr)
			}()
		}
	}
}

func (d *Discovery) runDiscoverer(disc Discoverer, self string) {
	defer d.wg.Done()

	err := disc.Run(d.ctx, self, d.candidates)
	if err != nil && d.ctx.Err() == nil {
		d.reportError(fmt.Errorf("discoverer %T: %w", disc, err))
	}
}

func (d *Discovery) dial(addr string) {
	conn, err := d.stream.Dial(d.ctx, addr)
	if err != nil {
		d.logger.WithError(err).WithField("addr", addr).Debug("dial")
		return
	}

	if !d.track(conn) {
		conn.Close()
		return
	}

	d.handleConn(conn, addr, true)
}

// handleConn runs the hello exchange on a tracked connection and admits the
// resulting peer.
func (d *Discovery) handleConn(conn net.Conn, addr string, initiator bool) {
	local := hello{
		Namespace: d.conf.Namespace,
		ID:        d.conf.NodeID,
		Name:      d.conf.Moniker,
		Addr:      d.stream.AdvertiseAddr(),
	}

	p, err := handshake(conn, local, initiator, d.conf.HandshakeTimeout)
	d.untrack(conn)

	if err != nil {
		conn.Close()

		if errors.Is(err, ErrSelfConnection) {
			if initiator {
				d.markSelf(addr)
			}
			d.logger.WithField("addr", addr).Debug("Dropped connection to self")
			return
		}

		if d.IsShutdown() {
			return
		}

		d.reportError(fmt.Errorf("handshake with %s: %w", addr, err))
		return
	}

	d.admit(p)
}

// admit registers p and delivers it on the peers channel, unless a connection
// to the same node takes precedence.
func (d *Discovery) admit(p *peers.Peer) {
	d.mu.Lock()

	if d.shutdown {
		d.mu.Unlock()
		p.Close()
		return
	}

	var replaced *peers.Peer
	if existing, ok := d.byNode[p.NodeID]; ok && !isClosed(existing) {
		if !d.prefer(p, existing) {
			d.mu.Unlock()
			p.Close()
			d.logger.WithFields(logrus.Fields{
				"node_id": p.NodeID,
				"addr":    p.Addr,
			}).Debug(ErrDuplicatePeer)
			return
		}
		replaced = existing
		d.forget(existing)
	}

	d.byNode[p.NodeID] = p
	if p.Addr != "" {
		d.byAddr[p.Addr] = p
	}
	d.mu.Unlock()

	if replaced != nil {
		d.logger.WithFields(logrus.Fields{
			"node_id": p.NodeID,
			"addr":    p.Addr,
		}).Debug("Replacing duplicate connection")
		replaced.Close()
	}

	d.wg.Add(1)
	go d.watch(p)

	d.logger.WithFields(logrus.Fields{
		"node_id":   p.NodeID,
		"moniker":   p.Moniker,
		"addr":      p.Addr,
		"initiator": p.Initiator,
	}).Info("Peer connected")

	select {
	case d.peersCh <- p:
	case <-d.ctx.Done():
		p.Close()
	}
}

// prefer reports whether candidate should replace existing. Of two
// connections between the same nodes, the one initiated by the lower node ID
// wins. Both ends apply the same rule and keep the same connection.
func (d *Discovery) prefer(candidate, existing *peers.Peer) bool {
	initiatorOf := func(p *peers.Peer) string {
		if p.Initiator {
			return d.conf.NodeID
		}
		return p.NodeID
	}

	c, e := initiatorOf(candidate), initiatorOf(existing)
	if c == e {
		return false
	}

	winner := d.conf.NodeID
	if candidate.NodeID < winner {
		winner = candidate.NodeID
	}

	return c == winner
}

// watch frees the slot of p once it is closed, so p's node can be reached
// again.
func (d *Discovery) watch(p *peers.Peer) {
	defer d.wg.Done()

	<-p.Done()

	d.mu.Lock()
	d.forget(p)
	d.mu.Unlock()
}

// forget must be called with the lock held.
func (d *Discovery) forget(p *peers.Peer) {
	if d.byNode[p.NodeID] == p {
		delete(d.byNode, p.NodeID)
	}
	if d.byAddr[p.Addr] == p {
		delete(d.byAddr, p.Addr)
	}
}

// reserve marks addr as being dialed. It fails when addr is self, already
// connected or already being dialed.
func (d *Discovery) reserve(addr string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.shutdown || d.selfAddrs[addr] || d.dialing[addr] {
		return false
	}
	if p, ok := d.byAddr[addr]; ok && !isClosed(p) {
		return false
	}

	d.dialing[addr] = true
	return true
}

func (d *Discovery) release(addr string) {
	d.mu.Lock()
	delete(d.dialing, addr)
	d.mu.Unlock()
}

func (d *Discovery) markSelf(addr string) {
	d.mu.Lock()
	d.selfAddrs[addr] = true
	d.mu.Unlock()
}

func (d *Discovery) track(conn net.Conn) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.shutdown {
		return false
	}
	d.pending[conn] = struct{}{}
	return true
}

func (d *Discovery) untrack(conn net.Conn) {
	d.mu.Lock()
	delete(d.pending, conn)
	d.mu.Unlock()
}

func (d *Discovery) reportError(err error) {
	select {
	case d.errCh <- err:
	default:
		d.logger.WithError(err).Warn("Dropping discovery error")
	}
}

func isClosed(p *peers.Peer) bool {
	select {
	case <-p.Done():
		return true
	default:
		return false
	}
}
