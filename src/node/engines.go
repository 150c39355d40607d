package node

import (
	"context"

	"github.com/mosaicnetworks/cloudsync/src/peers"
	"github.com/mosaicnetworks/cloudsync/src/tasks"
)

// FileManager is the file synchronization engine as seen by the Node.
type FileManager interface {
	Synchronize(ctx context.Context, ip string, port int) error
	Clear() error
	IsFileMaster() bool
	HasFileToSync() bool
	GetFilePath() string
}

// TaskManager is the task orchestration engine as seen by the Node.
type TaskManager interface {
	InitTaskGroup(ctx context.Context, meta tasks.Meta) error
	GetTaskMeta() tasks.Meta
}

// PeerSource delivers admitted peers and non-fatal discovery errors.
type PeerSource interface {
	Peers() <-chan *peers.Peer
	Errors() <-chan error
}
