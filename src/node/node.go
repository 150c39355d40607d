package node

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mosaicnetworks/cloudsync/src/node/state"
	"github.com/mosaicnetworks/cloudsync/src/peers"
	"github.com/mosaicnetworks/cloudsync/src/telemetry"
	"github.com/sirupsen/logrus"
)

// Node is the synchronization protocol handler. It owns the peers it is
// handed: it reads their commands and closes them when they end.
type Node struct {
	state.Manager

	conf   *Config
	logger *logrus.Entry

	registry *peers.Registry
	files    FileManager
	tasks    TaskManager
	source   PeerSource

	// lifecycle guards state transitions against routine launches, so no
	// routine starts once Shutdown waits for them.
	lifecycle  sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	shutdownCh chan struct{}

	start      time.Time
	syncs      int64
	syncErrors int64
}

// NewNode is a factory method that returns a Node instance. source may be nil
// when peers are handed over with OnPeer directly.
func NewNode(conf *Config,
	registry *peers.Registry,
	files FileManager,
	tasks TaskManager,
	source PeerSource,
) *Node {
	if conf.SyncFailure == "" {
		conf.SyncFailure = SyncFailureProceed
	}

	logger := conf.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		conf:       conf,
		logger:     logger.WithField("moniker", conf.Moniker),
		registry:   registry,
		files:      files,
		tasks:      tasks,
		source:     source,
		ctx:        ctx,
		cancel:     cancel,
		shutdownCh: make(chan struct{}),
		start:      time.Now(),
	}
}

// RunAsync calls Run in a tracked goroutine.
func (n *Node) RunAsync() {
	n.goFunc(n.Run)
}

// Run consumes discovery events until Shutdown. Discovery errors are logged
// and never stop the loop.
func (n *Node) Run() {
	n.lifecycle.Lock()
	if n.GetState() == state.Idle {
		n.SetState(state.Running)
	}
	n.lifecycle.Unlock()

	if n.source == nil {
		<-n.shutdownCh
		return
	}

	peersCh := n.source.Peers()
	errCh := n.source.Errors()

	for {
		select {
		case p, ok := <-peersCh:
			if !ok {
				peersCh = nil
				continue
			}
			n.OnPeer(p)
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			n.logger.WithError(err).Debug("Discovery")
		case <-n.shutdownCh:
			return
		}
	}
}

// OnPeer registers p, starts reading its commands, and, on the file master,
// asks it to sync when there is something to sync.
func (n *Node) OnPeer(p *peers.Peer) {
	n.lifecycle.Lock()
	if n.GetState() == state.Shutdown {
		n.lifecycle.Unlock()
		p.Close()
		return
	}

	n.registry.Add(p)
	telemetry.ConnectedPeers.Set(float64(n.registry.Len()))

	n.GoFunc(func() { n.readLoop(p) })
	n.lifecycle.Unlock()

	n.logger.WithFields(logrus.Fields{
		"peer":    p.Moniker,
		"node_id": p.NodeID,
		"addr":    p.Addr,
	}).Debug("Added peer")

	if n.files.IsFileMaster() && n.files.HasFileToSync() {
		n.goFunc(func() {
			if err := n.AskPeerToSync(p); err != nil {
				n.logger.WithError(err).WithField("peer", p.Moniker).Warn("Asking new peer to sync")
			}
		})
	}
}

// Shutdown stops dispatching, cancels in-flight engine calls, closes every
// peer, and waits for the node routines to return.
func (n *Node) Shutdown() {
	n.lifecycle.Lock()
	if n.GetState() == state.Shutdown {
		n.lifecycle.Unlock()
		return
	}

	n.logger.Debug("Shutdown")

	n.SetState(state.Shutdown)
	close(n.shutdownCh)
	n.cancel()
	n.lifecycle.Unlock()

	for _, p := range n.registry.List() {
		p.Close()
	}

	n.WaitRoutines()
}

// GetPeers returns a snapshot of the connected peers.
func (n *Node) GetPeers() []*peers.Peer {
	return n.registry.List()
}

// GetStats returns stats
func (n *Node) GetStats() map[string]string {
	s := map[string]string{
		"node_id":        n.conf.NodeID,
		"moniker":        n.conf.Moniker,
		"state":          n.GetState().String(),
		"num_peers":      strconv.Itoa(n.registry.Len()),
		"is_file_master": strconv.FormatBool(n.files.IsFileMaster()),
		"has_file":       strconv.FormatBool(n.files.HasFileToSync()),
		"syncs":          strconv.FormatInt(atomic.LoadInt64(&n.syncs), 10),
		"sync_errors":    strconv.FormatInt(atomic.LoadInt64(&n.syncErrors), 10),
		"uptime":         time.Since(n.start).Truncate(time.Second).String(),
	}
	return s
}

// goFunc launches f unless the node is shut down.
func (n *Node) goFunc(f func()) bool {
	n.lifecycle.Lock()
	defer n.lifecycle.Unlock()

	if n.GetState() == state.Shutdown {
		return false
	}

	n.GoFunc(f)
	return true
}
