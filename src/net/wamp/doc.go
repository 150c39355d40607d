// Package wamp implements rendezvous discovery through a WAMP router.
//
// Nodes join a realm of the router over secured web-sockets and periodically
// publish (namespace, address) announcements on a shared topic. Every node
// subscribes to the topic and forwards the addresses announced within its own
// namespace to the discovery dialer. The router only relays announcements;
// peer connections still go directly from node to node.
//
// Server is a minimal router that `cloudsync signal` runs.
package wamp
