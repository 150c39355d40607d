package cloudsync

import (
	"errors"
	"fmt"
	gonet "net"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/mosaicnetworks/cloudsync/src/common"
	"github.com/mosaicnetworks/cloudsync/src/config"
	"github.com/mosaicnetworks/cloudsync/src/crypto"
	"github.com/mosaicnetworks/cloudsync/src/files"
	"github.com/mosaicnetworks/cloudsync/src/net"
	"github.com/mosaicnetworks/cloudsync/src/net/wamp"
	"github.com/mosaicnetworks/cloudsync/src/node"
	"github.com/mosaicnetworks/cloudsync/src/peers"
	"github.com/mosaicnetworks/cloudsync/src/service"
	"github.com/mosaicnetworks/cloudsync/src/tasks"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ControlAPI is the management surface started once discovery listens.
type ControlAPI interface {
	Start() error
	Stop() error
}

// CloudSync is a cloudsync node: the credentials, the engines, the peer
// registry, the protocol handler, discovery and the Control API.
type CloudSync struct {
	Config      *config.Config
	NodeID      string
	Credentials *crypto.Credentials
	Store       tasks.Store
	Files       *files.Manager
	Tasks       *tasks.Manager
	Registry    *peers.Registry
	Discovery   *net.Discovery
	Node        *node.Node
	Service     ControlAPI

	// Runner starts task processes. It defaults to an ExecRunner and must be
	// set before Init to take effect.
	Runner tasks.Runner

	logger *logrus.Entry

	lifecycle sync.Mutex
	started   bool
	closed    bool
	ready     chan struct{}
	done      chan struct{}
}

// NewCloudSync is a factory method that returns a CloudSync instance. Init
// must be called before Start.
func NewCloudSync(conf *config.Config) *CloudSync {
	return &CloudSync{
		Config: conf,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Init builds every component. Credential and store failures are fatal.
func (c *CloudSync) Init() error {
	c.logger = c.Config.Logger()

	if c.Config.PeerAddress == "" {
		c.Config.PeerAddress = common.LocalAddress()
	}

	if c.Config.PeerName == "" {
		c.Config.PeerName = common.RandomMoniker()
	}

	c.NodeID = uuid.New().String()
	c.Registry = peers.NewRegistry()

	if err := c.initCredentials(); err != nil {
		return err
	}

	if err := c.initStore(); err != nil {
		return err
	}

	c.initFiles()

	if err := c.initTasks(); err != nil {
		return err
	}

	if err := c.initDiscovery(); err != nil {
		return err
	}

	c.initNode()

	c.initService()

	c.logger.WithFields(logrus.Fields{
		"node_id":     c.NodeID,
		"moniker":     c.Config.PeerName,
		"namespace":   c.Config.Namespace,
		"file_master": c.Config.IsFileMaster,
	}).Debug("Initialized")

	return nil
}

func (c *CloudSync) initCredentials() error {
	creds, err := crypto.LoadCredentials(c.Config.PrivateKey, c.Config.PublicKey)
	if err != nil {
		return fmt.Errorf("loading credentials: %w", err)
	}

	if c.Config.PrivateKey == "" && c.Config.PublicKey == "" {
		c.logger.Warn("Using the bundled credentials")
	}

	c.Credentials = creds
	return nil
}

func (c *CloudSync) initStore() error {
	if !c.Config.Store {
		c.Store = tasks.NewInmemStore()

		c.logger.Debug("created new in-mem store")

		return nil
	}

	c.logger.WithField("path", c.Config.DatabaseDir).Debug("Attempting to load or create database")

	store, err := tasks.NewBadgerStore(c.Config.DatabaseDir, c.logger.WithField("prefix", "badger"))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	c.Store = store
	return nil
}

func (c *CloudSync) initFiles() {
	c.Files = files.NewManager(files.Config{
		DestFile:     c.Config.TmpFile,
		DestFolder:   c.Config.TmpFolder,
		IsFileMaster: c.Config.IsFileMaster,
		TLS:          c.Credentials.TLSConfig(),
		Timeout:      c.Config.SyncTimeout,
	}, c.logger.WithField("prefix", "files"))
}

func (c *CloudSync) initTasks() error {
	manager, err := tasks.NewManager(tasks.Config{
		PortOffset: c.Config.TaskPortOffset(),
		Store:      c.Store,
		Runner:     c.Runner,
	}, c.logger.WithField("prefix", "tasks"))
	if err != nil {
		c.Store.Close()
		return err
	}

	c.Tasks = manager
	return nil
}

func (c *CloudSync) initDiscovery() error {
	discoverers, err := c.discoverers()
	if err != nil {
		return err
	}

	c.Discovery = net.NewDiscovery(net.DiscoveryConfig{
		Namespace:     c.Config.Namespace,
		NodeID:        c.NodeID,
		Moniker:       c.Config.PeerName,
		BindHost:      c.Config.BindAddress,
		AdvertiseHost: c.Config.PeerAddress,
		PortRange: net.PortRange{
			Min: c.Config.PortMin,
			Max: c.Config.PortMax,
		},
		TLS:              c.Credentials.TLSConfig(),
		DialTimeout:      c.Config.Timeout,
		HandshakeTimeout: c.Config.Timeout,
		Discoverers:      discoverers,
	}, c.logger.WithField("prefix", "discovery"))

	return nil
}

// discoverers assembles the discovery sources enabled by the configuration.
func (c *CloudSync) discoverers() ([]net.Discoverer, error) {
	var res []net.Discoverer

	seeds, err := peers.NewJSONSeeds(c.Config.DataDir).Addresses()
	if err != nil {
		return nil, fmt.Errorf("reading peers.json: %w", err)
	}

	static := append(append([]string{}, c.Config.Peers...), seeds...)
	if len(static) > 0 {
		res = append(res, &net.StaticDiscoverer{
			Addrs:    static,
			Interval: c.Config.ScanInterval,
		})
	}

	if len(c.Config.ScanHosts) > 0 {
		res = append(res, &net.ScanDiscoverer{
			Hosts: c.Config.ScanHosts,
			Ports: net.PortRange{
				Min: c.Config.PortMin,
				Max: c.Config.PortMax,
			},
			Interval: c.Config.ScanInterval,
		})
	}

	if len(c.Config.Etcd) > 0 {
		res = append(res, &net.EtcdDiscoverer{
			Endpoints:   c.Config.Etcd,
			Namespace:   c.Config.Namespace,
			NodeID:      c.NodeID,
			TTL:         int64(c.Config.EtcdTTL),
			DialTimeout: c.Config.Timeout,
			Logger:      zapLogger(c.Config.LogLevel),
		})
	}

	if c.Config.SignalAddr != "" {
		tlsConfig := c.Credentials.TLSConfig()
		tlsConfig.InsecureSkipVerify = c.Config.SignalSkipVerify

		res = append(res, &wamp.Discoverer{
			Server:          c.Config.SignalAddr,
			Realm:           c.Config.SignalRealm,
			Namespace:       c.Config.Namespace,
			TLS:             tlsConfig,
			Interval:        c.Config.ScanInterval,
			ResponseTimeout: c.Config.Timeout,
			Logger:          c.logger.WithField("prefix", "signal"),
		})
	}

	if len(res) == 0 {
		c.logger.Warn("No discovery source configured, waiting for inbound connections")
	}

	return res, nil
}

func (c *CloudSync) initNode() {
	c.Node = node.NewNode(&node.Config{
		NodeID:      c.NodeID,
		Moniker:     c.Config.PeerName,
		PeerAddress: c.Config.PeerAddress,
		PeerAPIPort: c.Config.PeerAPIPort,
		SyncTimeout: c.Config.SyncTimeout,
		SyncFailure: c.Config.SyncFailure,
		Logger:      c.logger.WithField("prefix", "node"),
	},
		c.Registry,
		c.Files,
		c.Tasks,
		c.Discovery,
	)
}

func (c *CloudSync) initService() {
	if c.Service != nil {
		return
	}

	bindAddress := gonet.JoinHostPort(c.Config.BindAddress, strconv.Itoa(c.Config.PeerAPIPort))

	c.Service = service.NewService(
		bindAddress,
		c.Credentials.TLSConfig(),
		c.Node,
		c.Files,
		c.Tasks,
		c.logger.WithField("prefix", "service"),
	)
}

// Start runs the protocol handler, binds discovery, then starts the Control
// API. Ready is closed on success.
func (c *CloudSync) Start() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.closed {
		return net.ErrTransportShutdown
	}
	if c.started {
		return errors.New("already started")
	}
	c.started = true

	c.Node.RunAsync()

	if err := c.Discovery.Listen(); err != nil {
		return fmt.Errorf("starting discovery: %w", err)
	}

	<-c.Discovery.Listening()

	if err := c.Service.Start(); err != nil {
		return fmt.Errorf("starting control api: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"discovery": c.Discovery.Addr(),
		"api_port":  c.Config.PeerAPIPort,
	}).Info("Ready")

	close(c.ready)

	return nil
}

// Run calls Start and blocks until Close.
func (c *CloudSync) Run() error {
	if err := c.Start(); err != nil {
		return err
	}
	<-c.done
	return nil
}

// Ready is closed once Start succeeded.
func (c *CloudSync) Ready() <-chan struct{} {
	return c.ready
}

// Close stops the Control API, the protocol handler and discovery, clears
// the synchronized files, stops the tasks and closes the store. Only the
// first call has an effect.
func (c *CloudSync) Close() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	defer close(c.done)

	var errs []error

	if c.Service != nil {
		if err := c.Service.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stopping control api: %w", err))
		}
	}

	if c.Node != nil {
		c.Node.Shutdown()
	}

	if c.Discovery != nil {
		if err := c.Discovery.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing discovery: %w", err))
		}
	}

	if c.Files != nil {
		if err := c.Files.Clear(); err != nil {
			errs = append(errs, fmt.Errorf("clearing files: %w", err))
		}
	}

	if c.Tasks != nil {
		if err := c.Tasks.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing tasks: %w", err))
		}
	}

	if c.logger != nil {
		c.logger.Debug("Closed")
	}

	return errors.Join(errs...)
}

// GetPeers returns the connected peers.
func (c *CloudSync) GetPeers() []*peers.Peer {
	return c.Node.GetPeers()
}

// AskAllPeersToSync sends a sync command to every connected peer.
func (c *CloudSync) AskAllPeersToSync() {
	c.Node.AskAllPeersToSync()
}

// AskPeerToSync sends a sync command to p.
func (c *CloudSync) AskPeerToSync(p *peers.Peer) error {
	return c.Node.AskPeerToSync(p)
}

// AskAllPeersToClear sends a clear command to every connected peer.
func (c *CloudSync) AskAllPeersToClear() {
	c.Node.AskAllPeersToClear()
}

// zapLogger builds the logger handed to the etcd client, which does not take
// logrus.
func zapLogger(level string) *zap.Logger {
	var lvl zapcore.Level
	switch level {
	case "debug":
		lvl = zapcore.DebugLevel
	case "info":
		lvl = zapcore.InfoLevel
	case "warn":
		lvl = zapcore.WarnLevel
	default:
		lvl = zapcore.ErrorLevel
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := zc.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger.Named("etcd")
}
