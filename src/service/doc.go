// Package service implements the Control API of a cloudsync node.
//
// The API is served over HTTPS with the cluster credentials, so only holders
// of the cluster certificate can reach it. Replicas download the file set
// from the file master's /files route when they receive a sync command.
//
// Routes:
//
//	GET  /stats    node stats
//	GET  /peers    connected peers
//	GET  /files    current archive, 404 when none
//	POST /files    upload a new archive (file master only), then sync peers
//	GET  /tasks    task metadata and running tasks
//	POST /tasks    replace task metadata and restart the local task group
//	POST /sync     ask every peer to sync
//	POST /clear    ask every peer to clear its files
//	GET  /metrics  Prometheus metrics
package service
