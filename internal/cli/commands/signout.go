package commands

import (
	"context"

	"github.com/spf13/cobra"
)

// NewSignOutCmd creates the signout command
func NewSignOutCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "signout",
		Aliases: []string{"logout"},
		Short:   "Sign out of the current session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSignOut(cmd.Context())
		},
	}
}

func runSignOut(ctx context.Context, opts ...Option) error {
	rt, err := newRuntime(ctx, opts...)
	if err != nil {
		return err
	}
	defer rt.Close()

	if !rt.store.CurrentSnapshot().SignedIn() {
		rt.printf("Not signed in\n")
		return nil
	}

	// The store reports the failure and keeps the session
	if err := rt.store.SignOut(ctx); err != nil {
		return err
	}

	rt.printf("✓ Signed out\n")
	return nil
}
