package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MaxSonchik/DevOS/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "dshark %s\n", version.Version)
	},
}
