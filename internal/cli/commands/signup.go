package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atsa-dev/atsa/internal/credential"
)

// NewSignUpCmd creates the signup command
func NewSignUpCmd() *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account",
		Long: `Create an account with email and password.

Creating an account does not sign you in. Depending on the identity service
you may have to confirm your email address first, then run 'atsa signin'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSignUp(cmd.Context(), email, password)
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Email address (or set ATSA_EMAIL)")
	cmd.Flags().StringVar(&password, "password", "", "Password, at least 6 characters (or set ATSA_PASSWORD, will prompt if not provided)")

	return cmd
}

func runSignUp(ctx context.Context, email, password string, opts ...Option) error {
	rt, err := newRuntime(ctx, opts...)
	if err != nil {
		return err
	}
	defer rt.Close()

	email, password, err = resolveCredentials(rt.out, email, password, "")
	if err != nil {
		return err
	}

	outcome := rt.flow.Submit(ctx, credential.ModeSignUp, email, password)
	if outcome.Status != credential.StatusSucceeded {
		return fmt.Errorf("sign up failed: %s", outcome.Message)
	}

	rt.printf("✓ %s\n", outcome.Message)
	return nil
}
