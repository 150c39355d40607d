package commands

import (
	"github.com/mosaicnetworks/cloudsync/src/config"
	"github.com/spf13/cobra"
)

var _config = config.NewDefaultConfig()

//RootCmd is the root command for cloudsync
var RootCmd = &cobra.Command{
	Use:              "cloudsync",
	Short:            "cloudsync file and task synchronization",
	TraverseChildren: true,
	SilenceErrors:    true,
}
