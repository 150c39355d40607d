package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/mosaicnetworks/cloudsync/src/cloudsync"
	"github.com/mosaicnetworks/cloudsync/src/telemetry"
	"github.com/mosaicnetworks/cloudsync/src/version"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

//NewRunCmd returns the command that starts a cloudsync node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runCloudSync,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runCloudSync(cmd *cobra.Command, args []string) error {
	telemetry.SetBuildInfo(version.Version, version.GitCommit)

	engine := cloudsync.NewCloudSync(_config)

	if err := engine.Init(); err != nil {
		_config.Logger().WithError(err).Error("Cannot initialize engine")
		engine.Close()
		return err
	}

	if err := engine.Start(); err != nil {
		_config.Logger().WithError(err).Error("Cannot start engine")
		engine.Close()
		return err
	}

	//Prepare sigCh to relay SIGINT and SIGTERM system calls
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	sig := <-sigCh

	_config.Logger().WithField("signal", sig.String()).Info("Shutting down")

	return engine.Close()
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

//AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {

	cmd.Flags().String("datadir", _config.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("log-file", _config.LogFile, "Also write info and debug logs to this file")
	cmd.Flags().String("peer-name", _config.PeerName, "Optional name")

	// Cluster
	cmd.Flags().String("namespace", _config.Namespace, "Namespace shared by the nodes of a cluster")
	cmd.Flags().Bool("file-master", _config.IsFileMaster, "Own the file set and push it to new peers")
	cmd.Flags().String("private-key", _config.PrivateKey, "PEM private key of the cluster (bundled key when empty)")
	cmd.Flags().String("public-key", _config.PublicKey, "PEM certificate of the cluster (bundled certificate when empty)")

	// Network
	cmd.Flags().String("bind-address", _config.BindAddress, "Host the discovery listener and the Control API bind to")
	cmd.Flags().String("peer-address", _config.PeerAddress, "Address other peers use to reach this node")
	cmd.Flags().Int("peer-api-port", _config.PeerAPIPort, "Control API port; task ports start right after it")
	cmd.Flags().Int("port-min", _config.PortMin, "Lowest discovery port")
	cmd.Flags().Int("port-max", _config.PortMax, "Highest discovery port")
	cmd.Flags().DurationP("timeout", "t", _config.Timeout, "Dial and handshake timeout")

	// Discovery
	cmd.Flags().StringSlice("peers", _config.Peers, "Seed host:port addresses")
	cmd.Flags().StringSlice("scan-hosts", _config.ScanHosts, "Hosts to port-scan for peers")
	cmd.Flags().Duration("scan-interval", _config.ScanInterval, "Pause between two scans")
	cmd.Flags().StringSlice("etcd", _config.Etcd, "etcd endpoints for rendezvous discovery")
	cmd.Flags().Int("etcd-ttl", _config.EtcdTTL, "TTL in seconds of the etcd registration")
	cmd.Flags().String("signal-addr", _config.SignalAddr, "host:port of a WAMP signalling router")
	cmd.Flags().String("signal-realm", _config.SignalRealm, "WAMP realm")
	cmd.Flags().Bool("signal-skip-verify", _config.SignalSkipVerify, "Do not verify the signalling router certificate")

	// Sync
	cmd.Flags().String("tmp-file", _config.TmpFile, "Path of the synchronized archive")
	cmd.Flags().String("tmp-folder", _config.TmpFolder, "Folder the archive is extracted into")
	cmd.Flags().Duration("sync-timeout", _config.SyncTimeout, "Timeout of a file synchronization, 0 for none")
	cmd.Flags().String("sync-failure", _config.SyncFailure, "proceed or skip starting tasks when a sync fails")

	// Store
	cmd.Flags().Bool("store", _config.Store, "Persist task metadata in badgerDB")
	cmd.Flags().String("db", _config.DatabaseDir, "Dabatabase directory")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	// If --datadir was explicitely set, but not --db or the tmp paths, this
	// will move them inside the new datadir
	_config.SetDataDir(_config.DataDir)

	_config.Logger().WithFields(logrus.Fields{
		"DataDir":      _config.DataDir,
		"Namespace":    _config.Namespace,
		"IsFileMaster": _config.IsFileMaster,
		"PeerName":     _config.PeerName,
		"PeerAddress":  _config.PeerAddress,
		"PeerAPIPort":  _config.PeerAPIPort,
		"BindAddress":  _config.BindAddress,
		"PortRange":    []int{_config.PortMin, _config.PortMax},
		"Peers":        _config.Peers,
		"ScanHosts":    _config.ScanHosts,
		"Etcd":         _config.Etcd,
		"SignalAddr":   _config.SignalAddr,
		"SyncFailure":  _config.SyncFailure,
		"Store":        _config.Store,
		"LogLevel":     _config.LogLevel,
	}).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all other
	// persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/cloudsync.toml (.json, .yaml also work)
	viper.SetConfigName("cloudsync")     // name of config file (without extension)
	viper.AddConfigPath(_config.DataDir) // search root directory

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Logger().Debugf("No config file found in: %s", _config.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}
