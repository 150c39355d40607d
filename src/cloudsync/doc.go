// Package cloudsync assembles a cloudsync node from its configuration.
//
// A CloudSync loads the cluster credentials, opens the task metadata store,
// builds the file and task engines, the peer registry, discovery, the
// protocol handler and the Control API. Start brings them up in dependency
// order and Close tears them down in reverse:
//
//	cs := cloudsync.NewCloudSync(conf)
//	if err := cs.Init(); err != nil {
//		...
//	}
//	if err := cs.Start(); err != nil {
//		...
//	}
//	defer cs.Close()
package cloudsync
