// Package peers defines the cloudsync peer handle and the registry of
// connected peers.
//
// A Peer wraps one admitted, mutually authenticated stream to another node of
// the namespace. It carries what the discovery handshake learned about the
// remote node: its process-lifetime node ID, its moniker and the address it
// advertises. Handles are compared by identity; two handles to the same
// remote node are two different peers as far as the registry is concerned.
//
// The Registry is the ordered list of live handles. The protocol handler adds
// a handle when discovery yields it and removes it when its stream ends.
// Broadcasts iterate over a snapshot, so a peer leaving mid-broadcast never
// invalidates the iteration.
//
// Optionally, a peers.json file in the data directory lists seed addresses
// the node should try to reach on startup (see JSONSeeds).
package peers
