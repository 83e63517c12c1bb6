package cmd

import (
	"fmt"
	"github.com/arcward/unityhelper/unityhelper"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of the application",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		_, _ = fmt.Fprintf(
			cmd.OutOrStdout(),
			"version=%s commit=%s built: %s",
			unityhelper.Version,
			unityhelper.CommitSHA,
			unityhelper.BuildTime,
		)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(versionCmd)
}
