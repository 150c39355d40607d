package main

import (
	"fmt"
	"os"

	cmd "github.com/mosaicnetworks/cloudsync/cmd/cloudsync/commands"
)

func main() {
	rootCmd := cmd.RootCmd

	rootCmd.AddCommand(
		cmd.NewRunCmd(),
		cmd.NewKeygenCmd(),
		cmd.NewSignalCmd(),
		cmd.NewVersionCmd(),
	)

	//Do not print usage when error occurs
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
