package node

import (
	"testing"
	"time"

	"github.com/mosaicnetworks/cloudsync/src/common"
	"github.com/sirupsen/logrus"
)

// Sync failure policies.
const (
	SyncFailureProceed = "proceed"
	SyncFailureSkip    = "skip"
)

// Config contains the options of a Node.
type Config struct {
	// NodeID and Moniker identify the node in stats and logs.
	NodeID  string
	Moniker string

	// PeerAddress and PeerAPIPort locate the Control API of this node. They
	// are sent in sync commands.
	PeerAddress string
	PeerAPIPort int

	// SyncTimeout bounds a Synchronize call. Zero means no timeout.
	SyncTimeout time.Duration

	// SyncFailure is SyncFailureProceed or SyncFailureSkip.
	SyncFailure string

	Logger *logrus.Entry
}

// DefaultConfig returns a Config that reaches its Control API on loopback.
func DefaultConfig() *Config {
	logger := logrus.New()
	logger.Level = logrus.DebugLevel

	return &Config{
		PeerAddress: "127.0.0.1",
		PeerAPIPort: 10000,
		SyncFailure: SyncFailureProceed,
		Logger:      logrus.NewEntry(logger),
	}
}

// TestConfig returns a DefaultConfig that logs to t.
func TestConfig(t testing.TB) *Config {
	config := DefaultConfig()
	config.Moniker = common.RandomMoniker()
	config.Logger = common.NewTestEntry(t, common.TestLogLevel)
	return config
}
