package commands

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/atsa-dev/atsa/internal/session"
)

// NewWatchCmd creates the watch command
func NewWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print every session change until interrupted",
		Long: `Print every session change until interrupted.

The session is refreshed in the background while watching; a sign-out from
another device or an expired refresh token shows up as "Sign In".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context())
		},
	}
}

func runWatch(ctx context.Context, opts ...Option) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, opts...)
	if err != nil {
		return err
	}
	defer rt.Close()

	var mu sync.Mutex
	show := func(snap session.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		rt.printf("%s  %s\n", time.Now().Format(time.TimeOnly), session.NavLabel(snap))
	}

	unsubscribe := rt.store.Subscribe(show)
	defer unsubscribe()
	show(rt.store.CurrentSnapshot())

	<-ctx.Done()
	return nil
}
