// Package files keeps the synchronized file set of a node.
//
// The file set travels as a single gzip'd tarball. The file master stores the
// archive uploaded to its Control API and serves it at GET /files; every other
// node, when told to sync, downloads it from the master, stores it at
// DestFile and extracts it into a fresh DestFolder. DestFolder is then the
// working directory of the node's tasks.
package files
