// Package net implements peer discovery and the command protocol spoken
// between cloudsync nodes.
//
// Discovery
//
// A Discovery binds a TLS listener on the first free port of a port range and
// turns candidate addresses into admitted peers. Candidates come from one or
// more Discoverers:
//
// - StaticDiscoverer: fixed seed addresses (--peers, peers.json)
//
// - ScanDiscoverer: every port of the range on a list of hosts (--scan-hosts)
//
// - EtcdDiscoverer: a lease-backed registration in etcd (--etcd)
//
// - wamp.Discoverer: announcements routed through a WAMP router (--signal-addr)
//
// Every connection, inbound or outbound, is mutually authenticated with the
// cluster key pair and then exchanges a hello frame carrying the namespace,
// the node ID, the moniker and the advertised address of each end. Connections
// across namespaces and connections to self are dropped. When two connections
// link the same pair of nodes, both ends keep the one initiated by the node
// with the lower ID.
//
// Commands
//
// After the hello, the stream carries newline-delimited JSON commands of the
// form {"cmd": "...", "data": {...}}. The codec in commands.go encodes them
// and decodes them into a small sum type (SyncCommand, ClearCommand,
// UnknownCommand). A CommandReader splits a stream into frames, so commands
// arriving split across reads, or several in one read, are decoded one by one.
package net
