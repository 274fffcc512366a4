package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atsa-dev/atsa/internal/credential"
	"github.com/atsa-dev/atsa/internal/session"
)

// NewSignInCmd creates the signin command
func NewSignInCmd() *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:     "signin",
		Aliases: []string{"login"},
		Short:   "Sign in with email and password",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSignIn(cmd.Context(), email, password)
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Email address (or set ATSA_EMAIL)")
	cmd.Flags().StringVar(&password, "password", "", "Password (or set ATSA_PASSWORD, will prompt if not provided)")

	return cmd
}

func runSignIn(ctx context.Context, email, password string, opts ...Option) error {
	rt, err := newRuntime(ctx, opts...)
	if err != nil {
		return err
	}
	defer rt.Close()

	email, password, err = resolveCredentials(rt.out, email, password, rt.lastEmail())
	if err != nil {
		return err
	}

	rt.printf("Signing in to %s...\n", rt.cfg.Identity.URL)

	outcome := rt.flow.Submit(ctx, credential.ModeSignIn, email, password)
	if outcome.Status != credential.StatusSucceeded {
		return fmt.Errorf("sign in failed: %s", outcome.Message)
	}

	rt.rememberEmail(email)
	rt.printf("✓ %s\n", session.NavLabel(rt.store.CurrentSnapshot()))
	return nil
}
