package commands

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/mosaicnetworks/cloudsync/src/crypto"
	"github.com/spf13/cobra"
)

var (
	privKeyFile           string
	pubKeyFile            string
	keyHosts              []string
	keyValidity           time.Duration
	defaultPrivateKeyFile = filepath.Join(_config.DataDir, "private.key")
	defaultPublicKeyFile  = filepath.Join(_config.DataDir, "public.crt")
)

// NewKeygenCmd produces a KeygenCmd which creates the cluster key pair
func NewKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create new cluster key pair",
		RunE:  keygen,
	}

	AddKeygenFlags(cmd)

	return cmd
}

//AddKeygenFlags adds flags to the keygen command
func AddKeygenFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&privKeyFile, "priv", defaultPrivateKeyFile, "File where the private key will be written")
	cmd.Flags().StringVar(&pubKeyFile, "pub", defaultPublicKeyFile, "File where the certificate will be written")
	cmd.Flags().StringSliceVar(&keyHosts, "host", []string{crypto.DefaultServerName}, "DNS names or IPs the certificate is valid for")
	cmd.Flags().DurationVar(&keyValidity, "validity", 10*365*24*time.Hour, "Certificate validity")
}

func keygen(cmd *cobra.Command, args []string) error {
	creds, err := crypto.GenerateSelfSigned(keyHosts, keyValidity)
	if err != nil {
		return fmt.Errorf("Generating key pair: %s", err)
	}

	if err := crypto.WriteCredentials(creds, privKeyFile, pubKeyFile); err != nil {
		return fmt.Errorf("Writing key pair: %s", err)
	}

	fmt.Printf("Your private key has been saved to: %s\n", privKeyFile)
	fmt.Printf("Your certificate has been saved to: %s\n", pubKeyFile)
	fmt.Println("Copy both files to every node of the cluster.")

	return nil
}
