package config

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/mosaicnetworks/cloudsync/src/common"
	"github.com/mosaicnetworks/cloudsync/src/node"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Default filenames.
const (
	// DefaultBadgerFile is the default name of the folder containing the Badger
	// database
	DefaultBadgerFile = "badger_db"

	// DefaultTmpFile is the default name of the synchronized archive
	DefaultTmpFile = "sync.tar.gz"

	// DefaultTmpFolder is the default name of the folder the archive is
	// extracted into
	DefaultTmpFolder = "sync"
)

// Sync failure policies.
const (
	// SyncFailureProceed starts the task group even when the file
	// synchronization failed.
	SyncFailureProceed = node.SyncFailureProceed

	// SyncFailureSkip does not start the task group after a failed file
	// synchronization.
	SyncFailureSkip = node.SyncFailureSkip
)

// Default configuration values.
const (
	DefaultLogLevel         = "debug"
	DefaultNamespace        = "pm2:fs"
	DefaultPeerAPIPort      = 10000
	DefaultBindAddress      = "0.0.0.0"
	DefaultPortMin          = 1025
	DefaultPortMax          = 9999
	DefaultScanInterval     = 5 * time.Second
	DefaultEtcdTTL          = 10
	DefaultSignalRealm      = "main"
	DefaultSignalSkipVerify = false
	DefaultTimeout          = 2 * time.Second
	DefaultSyncTimeout      = 0
	DefaultSyncFailure      = SyncFailureProceed
	DefaultStore            = false
)

// Config contains all the configuration properties of a cloudsync node.
type Config struct {
	// DataDir is the top-level directory containing the configuration file,
	// the synchronized files and the database
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile, when set, receives a copy of the info and debug log output.
	LogFile string `mapstructure:"log-file"`

	// Namespace partitions clusters. Peers in different namespaces never
	// admit each other.
	Namespace string `mapstructure:"namespace"`

	// IsFileMaster designates the node that owns the file set and pushes sync
	// commands to new peers. It is read once at startup.
	IsFileMaster bool `mapstructure:"file-master"`

	// PeerName is the friendly name of this node.
	PeerName string `mapstructure:"peer-name"`

	// PeerAddress is the address other peers use to reach the Control API of
	// this node. It is embedded in sync commands.
	PeerAddress string `mapstructure:"peer-address"`

	// PeerAPIPort is the port of the Control API. Task ports start right
	// after it.
	PeerAPIPort int `mapstructure:"peer-api-port"`

	// PrivateKey and PublicKey are paths to the PEM encoded TLS key pair.
	// Empty values select the pair bundled in the binary.
	PrivateKey string `mapstructure:"private-key"`
	PublicKey  string `mapstructure:"public-key"`

	// TmpFile is where the synchronized archive is stored.
	TmpFile string `mapstructure:"tmp-file"`

	// TmpFolder is where the synchronized archive is extracted.
	TmpFolder string `mapstructure:"tmp-folder"`

	// BindAddress is the host the discovery listener and the Control API bind
	// to.
	BindAddress string `mapstructure:"bind-address"`

	// PortMin and PortMax bound the range in which the discovery listener
	// picks its port. The same range is scanned by port-scan discovery.
	PortMin int `mapstructure:"port-min"`
	PortMax int `mapstructure:"port-max"`

	// Peers is a list of host:port seed addresses.
	Peers []string `mapstructure:"peers"`

	// ScanHosts enables port-scan discovery over these hosts.
	ScanHosts []string `mapstructure:"scan-hosts"`

	// ScanInterval is the pause between two scans or seed announcements.
	ScanInterval time.Duration `mapstructure:"scan-interval"`

	// Etcd is a list of etcd endpoints used for rendezvous discovery.
	Etcd []string `mapstructure:"etcd"`

	// EtcdTTL is the TTL, in seconds, of the etcd registration lease.
	EtcdTTL int `mapstructure:"etcd-ttl"`

	// SignalAddr is the host:port of a WAMP signalling router used for
	// rendezvous discovery. The connection is over secured web-sockets and
	// the node's certificate is trusted as a root.
	SignalAddr string `mapstructure:"signal-addr"`

	// SignalRealm is the WAMP realm announcements are routed in.
	SignalRealm string `mapstructure:"signal-realm"`

	// SignalSkipVerify disables verification of the signalling router's
	// certificate. Only for testing.
	SignalSkipVerify bool `mapstructure:"signal-skip-verify"`

	// Timeout applies to dials and to the discovery handshake.
	Timeout time.Duration `mapstructure:"timeout"`

	// SyncTimeout bounds a single synchronize call. Zero means no timeout.
	SyncTimeout time.Duration `mapstructure:"sync-timeout"`

	// SyncFailure is the policy applied when a synchronize call fails:
	// "proceed" or "skip".
	SyncFailure string `mapstructure:"sync-failure"`

	// Store activates persistent storage of the task metadata.
	Store bool `mapstructure:"store"`

	// DatabaseDir is the directory containing database files.
	DatabaseDir string `mapstructure:"db"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	dataDir := DefaultDataDir()

	config := &Config{
		DataDir:          dataDir,
		LogLevel:         DefaultLogLevel,
		Namespace:        DefaultNamespace,
		PeerAPIPort:      DefaultPeerAPIPort,
		TmpFile:          filepath.Join(dataDir, DefaultTmpFile),
		TmpFolder:        filepath.Join(dataDir, DefaultTmpFolder),
		BindAddress:      DefaultBindAddress,
		PortMin:          DefaultPortMin,
		PortMax:          DefaultPortMax,
		ScanInterval:     DefaultScanInterval,
		EtcdTTL:          DefaultEtcdTTL,
		SignalRealm:      DefaultSignalRealm,
		SignalSkipVerify: DefaultSignalSkipVerify,
		Timeout:          DefaultTimeout,
		SyncTimeout:      DefaultSyncTimeout,
		SyncFailure:      DefaultSyncFailure,
		Store:            DefaultStore,
		DatabaseDir:      filepath.Join(dataDir, DefaultBadgerFile),
	}

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests. All paths live under a temporary directory and
// the node binds to loopback.
func NewTestConfig(t testing.TB, level logrus.Level) *Config {
	config := NewDefaultConfig()
	config.SetDataDir(tempDir(t))
	config.PeerName = common.RandomMoniker()
	config.PeerAddress = "127.0.0.1"
	config.BindAddress = "127.0.0.1"
	config.logger = common.NewTestLogger(t, level)
	return config
}

// SetDataDir sets the top-level directory, and updates the paths derived from
// it when they still hold their default values. A path that differs from the
// default was set explicitly and is left alone.
func (c *Config) SetDataDir(dataDir string) {
	old := c.DataDir
	c.DataDir = dataDir

	if c.TmpFile == "" || c.TmpFile == filepath.Join(old, DefaultTmpFile) {
		c.TmpFile = filepath.Join(dataDir, DefaultTmpFile)
	}
	if c.TmpFolder == "" || c.TmpFolder == filepath.Join(old, DefaultTmpFolder) {
		c.TmpFolder = filepath.Join(dataDir, DefaultTmpFolder)
	}
	if c.DatabaseDir == "" || c.DatabaseDir == filepath.Join(old, DefaultBadgerFile) {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
}

// TaskPortOffset returns the first port handed out to tasks.
func (c *Config) TaskPortOffset() int {
	return c.PeerAPIPort + 1
}

// Logger returns a formatted logrus Entry, with prefix set to "cloudsync".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)

		if c.LogFile != "" {
			pathMap := lfshook.PathMap{
				logrus.InfoLevel:  c.LogFile,
				logrus.DebugLevel: c.LogFile,
				logrus.WarnLevel:  c.LogFile,
				logrus.ErrorLevel: c.LogFile,
			}
			c.logger.Hooks.Add(lfshook.NewHook(
				pathMap,
				&logrus.JSONFormatter{},
			))
		}
	}
	return c.logger.WithField("prefix", "cloudsync")
}

// DefaultDataDir return the default directory name for top-level cloudsync
// config based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".CloudSync")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "CloudSync")
		} else {
			return filepath.Join(home, ".cloudsync")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}

func tempDir(t testing.TB) string {
	if tt, ok := t.(interface{ TempDir() string }); ok {
		return tt.TempDir()
	}
	return os.TempDir()
}
