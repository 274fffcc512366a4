package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atsa-dev/atsa/internal/credential"
	"github.com/atsa-dev/atsa/internal/session"
)

// NewAuthCmd creates the interactive auth command
func NewAuthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auth",
		Short: "Sign in or create an account interactively",
		Long: `Sign in or create an account interactively.

The form is shown again after a failed attempt or a new account, until you are
signed in. Press Ctrl+C to leave.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuth(cmd.Context())
		},
	}
}

func runAuth(ctx context.Context, opts ...Option) error {
	rt, err := newRuntime(ctx, opts...)
	if err != nil {
		return err
	}
	defer rt.Close()

	if snap := rt.store.CurrentSnapshot(); snap.SignedIn() {
		rt.printf("%s\n", session.NavLabel(snap))
		return nil
	}

	flow := rt.flow
	if email := rt.lastEmail(); email != "" {
		flow.SetEmail(email)
	}

	for {
		mode, err := rt.prompter.SelectMode(flow.Form().Mode)
		if err != nil {
			return authPromptError(err)
		}
		flow.SetMode(mode)

		email, err := rt.prompter.Email(flow.Form().Email)
		if err != nil {
			return authPromptError(err)
		}
		flow.SetEmail(email)

		password, err := rt.prompter.Password("Password")
		if err != nil {
			return authPromptError(err)
		}
		flow.SetPassword(password)

		outcome := flow.SubmitForm(ctx)
		switch {
		case outcome.Status == credential.StatusFailed:
			rt.printf("✗ %s\n", outcome.Message)
		case outcome.Navigate:
			rt.rememberEmail(email)
			rt.printf("✓ %s\n", session.NavLabel(rt.store.CurrentSnapshot()))
			return nil
		default:
			rt.printf("✓ %s\n", outcome.Message)
		}
	}
}

func authPromptError(err error) error {
	if errors.Is(err, ErrAborted) {
		return fmt.Errorf("auth cancelled: %w", err)
	}
	return err
}
