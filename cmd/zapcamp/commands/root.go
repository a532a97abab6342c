// Package commands implements the zapcamp CLI using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "zapcamp",
		Short: "ZapCamp - campaign assistant for WhatsApp and Discord",
		Long: `ZapCamp buffers bursts of voter messages per conversation,
generates one consolidated reply, and delivers it in human-paced
chunks during operating hours.

Examples:
  zapcamp serve
  zapcamp setup
  zapcamp queue list --status ready
  zapcamp auth set-key`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newSetupCmd(),
		newAuthCmd(),
		newQueueCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
