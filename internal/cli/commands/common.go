package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/atsa-dev/atsa/internal/cli/userconfig"
	"github.com/atsa-dev/atsa/internal/config"
	"github.com/atsa-dev/atsa/internal/credential"
	"github.com/atsa-dev/atsa/internal/identity"
	"github.com/atsa-dev/atsa/internal/logger"
	"github.com/atsa-dev/atsa/internal/session"
)

// Option customizes the runtime a command runs against
type Option func(*options)

type options struct {
	client   identity.Client
	out      io.Writer
	prompter Prompter
}

// WithIdentityClient replaces the HTTP identity client. The caller owns its lifecycle.
func WithIdentityClient(client identity.Client) Option {
	return func(o *options) {
		o.client = client
	}
}

// WithOutput redirects command output
func WithOutput(w io.Writer) Option {
	return func(o *options) {
		o.out = w
	}
}

// WithPrompter replaces the interactive terminal prompts
func WithPrompter(p Prompter) Option {
	return func(o *options) {
		o.prompter = p
	}
}

// runtime is everything a command needs: the identity client, the process-wide
// session store and a credential form
type runtime struct {
	cfg    *config.Config
	log    zerolog.Logger
	out    io.Writer
	client identity.Client
	store  *session.Store
	flow   *credential.Flow

	prompter Prompter
	closers  []func()
}

func newRuntime(ctx context.Context, opts ...Option) (*runtime, error) {
	o := options{out: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	log := logger.GetLogger()

	rt := &runtime{
		cfg:      cfg,
		log:      log,
		out:      o.out,
		prompter: o.prompter,
	}
	if rt.prompter == nil {
		rt.prompter = terminalPrompter{out: o.out}
	}

	if o.client != nil {
		rt.client = o.client
		rt.store = session.NewStore(rt.client, log)
		rt.closers = append(rt.closers, rt.store.Close)
	} else {
		client := identity.New(cfg.Identity, identity.NewKeyringStore(cfg.Identity.KeyringService), log)
		rt.client = client
		// Subscribe before Start so the initial state reaches the store through the stream
		rt.store = session.NewStore(client, log)
		rt.closers = append(rt.closers, rt.store.Close, client.Close)

		if err := client.Start(ctx); err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to start identity client: %w", err)
		}
	}

	rt.flow = credential.New(rt.client, log)
	return rt, nil
}

// Close releases the runtime in reverse order of creation
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

func (rt *runtime) printf(format string, args ...any) {
	fmt.Fprintf(rt.out, format, args...)
}

// lastEmail returns the email last signed in with on the configured identity service
func (rt *runtime) lastEmail() string {
	email, err := userconfig.GetLastEmail(rt.cfg.Identity.URL)
	if err != nil {
		rt.log.Warn().Err(err).Msg("Failed to load user config")
		return ""
	}
	return email
}

func (rt *runtime) rememberEmail(email string) {
	// Don't fail the command if we can't save, just continue
	if err := userconfig.SetLastEmail(rt.cfg.Identity.URL, email); err != nil {
		rt.log.Warn().Err(err).Msg("Failed to save user config")
	}
}
