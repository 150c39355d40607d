// Package crypto loads and generates the TLS material shared by the discovery
// transport and the Control API.
//
// All nodes of a cluster are expected to hold the same key pair. The
// certificate is self-signed and doubles as the only trusted root, so a node
// accepts a connection when, and only when, the remote end presents the
// cluster certificate. A default pair is bundled in the binary for local
// experiments; production clusters should generate their own with
// `cloudsync keygen` and distribute it to every node.
package crypto
