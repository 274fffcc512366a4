package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/atsa-dev/atsa/internal/session"
)

// NewWhoAmICmd creates the whoami command
func NewWhoAmICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWhoAmI(cmd.Context())
		},
	}
}

func runWhoAmI(ctx context.Context, opts ...Option) error {
	rt, err := newRuntime(ctx, opts...)
	if err != nil {
		return err
	}
	defer rt.Close()

	s, err := session.RequireSession(rt.store.CurrentSnapshot())
	if err != nil {
		return err
	}

	rt.printf("Email:   %s\n", s.Email)
	rt.printf("User ID: %s\n", s.UserID)
	return nil
}
