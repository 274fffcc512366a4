package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/atsa-dev/atsa/internal/cli/commands"
)

var version = "dev" // Will be set during build

var rootCmd = &cobra.Command{
	Use:   "atsa",
	Short: "atsa - Sign in to the atsa site from the terminal",
	Long: `atsa CLI - Create an account, sign in and manage your session.

The session is kept in the OS keychain and refreshed in the background, so
other atsa commands can rely on it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	// Add version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "atsa version %s\n", version)
		},
	})

	// Add all subcommands
	rootCmd.AddCommand(commands.NewSignUpCmd())
	rootCmd.AddCommand(commands.NewSignInCmd())
	rootCmd.AddCommand(commands.NewSignOutCmd())
	rootCmd.AddCommand(commands.NewWhoAmICmd())
	rootCmd.AddCommand(commands.NewWatchCmd())
	rootCmd.AddCommand(commands.NewAuthCmd())
}

// Execute runs the root command
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}
