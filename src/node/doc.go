// Package node implements the synchronization protocol handler of a cloudsync
// node.
//
// The Node consumes the peers admitted by discovery. For every peer it starts
// a reader that decodes the peer's commands and dispatches them in order:
//
//  sync  // fetch the file set from the sender's Control API, then start the task group
//  clear // delete the local file set
//
// Unknown commands and undecodable frames are logged and counted, and the
// connection stays open. When the reader ends, the peer is closed and removed
// from the registry.
//
// Only the file master initiates synchronization. When a peer arrives and the
// master holds an archive, the master sends it a sync command carrying the
// master's Control API address and its current task metadata. The master can
// also broadcast sync and clear to every connected peer.
//
// What happens to the task group when the download fails is decided by the
// SyncFailure policy: "proceed" starts it anyway, "skip" does not.
package node
