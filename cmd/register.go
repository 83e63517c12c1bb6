package cmd

import (
	"fmt"
	"github.com/arcward/unityhelper/unityhelper"
	"github.com/spf13/cobra"
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Registers slash commands with discord, then exits",
	Long: "Registers the bot's slash commands without connecting to the " +
		"gateway. Commands are registered globally, unless a guild ID is " +
		"configured. `run` also registers commands on startup.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		bot, err := unityhelper.New(cfg)
		if err != nil {
			return fmt.Errorf("error creating bot: %w", err)
		}
		created, err := bot.RegisterSlashCommands()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, c := range created {
			_, _ = fmt.Fprintf(out, "registered /%s (%s)\n", c.Name, c.ID)
		}
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(registerCmd)
}
