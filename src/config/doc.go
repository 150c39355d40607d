// Package config defines the configuration for a cloudsync node.
//
// Whether a node is started from Go code or from the command line, it uses the
// Config object defined in this package to carry its options. The command line
// fills it from flags and from an optional configuration file, named
// cloudsync.toml (or .yaml, .json), in the data directory. The data directory,
// defined by Config.DataDir, also holds by default:
//
//  sync.tar.gz // the last synchronized archive
//  sync/       // the folder the archive is extracted into, and the working directory of tasks
//  badger_db/  // (with --store) the task metadata database
package config
