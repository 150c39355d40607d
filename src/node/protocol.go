package node

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"github.com/mosaicnetworks/cloudsync/src/net"
	"github.com/mosaicnetworks/cloudsync/src/node/state"
	"github.com/mosaicnetworks/cloudsync/src/peers"
	"github.com/mosaicnetworks/cloudsync/src/telemetry"
	"github.com/sirupsen/logrus"
)

// readLoop decodes and dispatches the commands of p, in order, until the
// stream ends. A command is fully handled before the next frame is read. It then closes p and drops it from the registry.
func (n *Node) readLoop(p *peers.Peer) {
	logger := n.logger.WithFields(logrus.Fields{
		"peer": p.Moniker,
		"addr": p.Addr,
	})

	defer func() {
		p.Close()
		if n.registry.Remove(p) {
			telemetry.ConnectedPeers.Set(float64(n.registry.Len()))
			logger.Debug("Removed peer")
		}
	}()

	reader := net.NewCommandReader(p.Conn())

	for {
		cmd, err := reader.Next()

		if n.GetState() == state.Shutdown {
			return
		}

		if err != nil {
			var decErr *net.DecodeError
			if errors.As(err, &decErr) {
				telemetry.DecodeErrors.Inc()
				logger.WithError(err).Warn("Dropping undecodable command")
				continue
			}

			if err != io.EOF {
				logger.WithError(err).Debug("Peer stream ended")
			}
			return
		}

		n.dispatch(p, cmd, logger)
	}
}

func (n *Node) dispatch(p *peers.Peer, cmd net.Command, logger *logrus.Entry) {
	switch c := cmd.(type) {
	case *net.SyncCommand:
		telemetry.CommandsTotal.WithLabelValues(net.CmdSync).Inc()

		logger.WithFields(logrus.Fields{
			"ip":   c.IP,
			"port": c.Port,
		}).Info("Received sync")

		// runs on the reader so later frames of this peer wait for it
		n.handleSync(c)

	case *net.ClearCommand:
		telemetry.CommandsTotal.WithLabelValues(net.CmdClear).Inc()

		logger.Info("Received clear")

		if err := n.files.Clear(); err != nil {
			logger.WithError(err).Error("Clearing files")
		}

	default:
		telemetry.CommandsTotal.WithLabelValues("unknown").Inc()

		logger.WithField("cmd", cmd.Kind()).Warn("Ignoring unknown command")
	}
}

// handleSync downloads the file set, then starts the task group according to
// the sync failure policy.
func (n *Node) handleSync(c *net.SyncCommand) {
	ctx := n.ctx
	if n.conf.SyncTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(n.ctx, n.conf.SyncTimeout)
		defer cancel()
	}

	atomic.AddInt64(&n.syncs, 1)

	err := n.files.Synchronize(ctx, c.IP, c.Port)
	if err != nil {
		atomic.AddInt64(&n.syncErrors, 1)
		telemetry.SyncTotal.WithLabelValues(telemetry.SyncFailed).Inc()

		n.logger.WithError(err).WithFields(logrus.Fields{
			"ip":     c.IP,
			"port":   c.Port,
			"policy": n.conf.SyncFailure,
		}).Error("Synchronizing files")

		if n.conf.SyncFailure == SyncFailureSkip {
			telemetry.SyncTotal.WithLabelValues(telemetry.SyncSkip).Inc()
			return
		}
	} else {
		telemetry.SyncTotal.WithLabelValues(telemetry.SyncOK).Inc()
	}

	meta := c.Meta.WithBaseFolder(n.files.GetFilePath())

	if err := n.tasks.InitTaskGroup(n.ctx, meta); err != nil {
		n.logger.WithError(err).Error("Starting task group")
	}
}

// AskPeerToSync sends p a sync command pointing at this node's Control API,
// with the current task metadata.
func (n *Node) AskPeerToSync(p *peers.Peer) error {
	cmd := &net.SyncCommand{
		IP:   n.conf.PeerAddress,
		Port: n.conf.PeerAPIPort,
		Meta: n.tasks.GetTaskMeta(),
	}

	frame, err := net.Encode(cmd)
	if err != nil {
		return err
	}

	return p.Write(frame)
}

// AskAllPeersToSync sends a sync command to every connected peer. Failed
// writes are logged.
func (n *Node) AskAllPeersToSync() {
	for _, p := range n.registry.List() {
		if err := n.AskPeerToSync(p); err != nil {
			n.logger.WithError(err).WithField("peer", p.Moniker).Warn("Asking peer to sync")
		}
	}
}

// AskPeerToClear sends p a clear command.
func (n *Node) AskPeerToClear(p *peers.Peer) error {
	frame, err := net.Encode(&net.ClearCommand{})
	if err != nil {
		return err
	}

	return p.Write(frame)
}

// AskAllPeersToClear sends a clear command to every connected peer. Failed
// writes are logged.
func (n *Node) AskAllPeersToClear() {
	for _, p := range n.registry.List() {
		if err := n.AskPeerToClear(p); err != nil {
			n.logger.WithError(err).WithField("peer", p.Moniker).Warn("Asking peer to clear")
		}
	}
}
