package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/mosaicnetworks/cloudsync/src/config"
	"github.com/mosaicnetworks/cloudsync/src/crypto"
	"github.com/mosaicnetworks/cloudsync/src/net/wamp"
	"github.com/spf13/cobra"
)

var (
	signalListen = "0.0.0.0:2443"
	signalRealm  = config.DefaultSignalRealm
	signalCert   string
	signalKey    string
)

// NewSignalCmd produces a SignalCmd which runs a WAMP signalling router for
// rendezvous discovery.
func NewSignalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signal",
		Short: "Rendezvous signalling server using secured WebSockets",
		RunE:  runSignal,
	}

	cmd.Flags().StringVar(&signalListen, "listen", signalListen, "Listen IP:Port")
	cmd.Flags().StringVar(&signalRealm, "realm", signalRealm, "WAMP realm")
	cmd.Flags().StringVar(&signalCert, "cert", "", "PEM certificate (bundled certificate when empty)")
	cmd.Flags().StringVar(&signalKey, "key", "", "PEM private key (bundled key when empty)")

	return cmd
}

// runSignal starts the WAMP server and waits for a SIGINT or SIGTERM
func runSignal(cmd *cobra.Command, args []string) error {
	logger := _config.Logger().WithField("prefix", "signal")

	creds, err := crypto.LoadCredentials(signalKey, signalCert)
	if err != nil {
		return err
	}

	server, err := wamp.NewServer(signalListen, signalRealm, creds.TLSConfig(), logger)
	if err != nil {
		return err
	}

	if err := server.Listen(); err != nil {
		return err
	}

	logger.WithField("addr", server.Addr()).Info("Serving signalling router")

	errCh := make(chan error, 1)
	go func() { errCh <- server.Run() }()

	//Prepare sigCh to relay SIGINT and SIGTERM system calls
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
	case err := <-errCh:
		return err
	}

	server.Shutdown()

	return nil
}
