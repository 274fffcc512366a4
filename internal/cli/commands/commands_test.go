package commands

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
	"golang.org/x/term"

	"github.com/atsa-dev/atsa/internal/config"
	"github.com/atsa-dev/atsa/internal/credential"
	"github.com/atsa-dev/atsa/internal/devidentity"
	"github.com/atsa-dev/atsa/internal/identity"
	"github.com/atsa-dev/atsa/internal/session"
)

// setupTestEnvironment points the CLI at a fresh development identity service
// and an in-memory keychain
func setupTestEnvironment(t *testing.T) {
	t.Helper()

	chdirForTest(t, t.TempDir())
	t.Setenv("HOME", t.TempDir())
	keyring.MockInit()

	srv, err := devidentity.New(config.DevServerConfig{
		DatabaseURL:    ":memory:",
		JWTSecret:      "test-secret",
		AccessTokenTTL: time.Hour,
		AutoConfirm:    true,
	}, zerolog.Nop())
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})

	t.Setenv("ATSA_IDENTITY_URL", ts.URL)
	t.Setenv("ATSA_IDENTITY_KEYRING_SERVICE", "atsa-test")
	t.Setenv("ATSA_EMAIL", "")
	t.Setenv("ATSA_PASSWORD", "")
	t.Setenv("LOG_LEVEL", "disabled")
}

// stubIdentity is an identity client whose state is set by the test
type stubIdentity struct {
	mu           sync.Mutex
	current      *identity.Session
	listeners    []identity.Listener
	terminateErr error
}

func (s *stubIdentity) CreateAccount(ctx context.Context, email, password string) error {
	return nil
}

func (s *stubIdentity) VerifyCredentials(ctx context.Context, email, password string) error {
	s.emit(identity.SignedIn, &identity.Session{UserID: "user-1", Email: email})
	return nil
}

func (s *stubIdentity) TerminateSession(ctx context.Context) error {
	if s.terminateErr != nil {
		return s.terminateErr
	}
	s.emit(identity.SignedOut, nil)
	return nil
}

func (s *stubIdentity) OnSessionChange(l identity.Listener) identity.Unsubscribe {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	current := s.current
	s.mu.Unlock()

	l(identity.Event{Kind: identity.InitialSession, Session: current})
	return func() {}
}

func (s *stubIdentity) emit(kind identity.EventKind, session *identity.Session) {
	s.mu.Lock()
	s.current = session
	listeners := append([]identity.Listener(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		l(identity.Event{Kind: kind, Session: session})
	}
}

// syncBuffer is written by session listeners while the test reads it
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSignUpSignInSignOut(t *testing.T) {
	setupTestEnvironment(t)
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, runSignUp(ctx, "a@b.com", "abcdef", WithOutput(&out)))
	assert.Contains(t, out.String(), "Account created successfully! You can now sign in.")

	// Creating an account does not sign in
	err := runWhoAmI(ctx, WithOutput(&out))
	assert.ErrorIs(t, err, session.ErrNotSignedIn)

	out.Reset()
	require.NoError(t, runSignIn(ctx, "a@b.com", "abcdef", WithOutput(&out)))
	assert.Contains(t, out.String(), "Signed in as a@b.com")

	// A new process restores the session from the keychain
	out.Reset()
	require.NoError(t, runWhoAmI(ctx, WithOutput(&out)))
	assert.Contains(t, out.String(), "a@b.com")

	out.Reset()
	require.NoError(t, runSignOut(ctx, WithOutput(&out)))
	assert.Contains(t, out.String(), "Signed out")

	err = runWhoAmI(ctx, WithOutput(&out))
	assert.ErrorIs(t, err, session.ErrNotSignedIn)
}

func TestSignUp_ShortPassword(t *testing.T) {
	setupTestEnvironment(t)

	err := runSignUp(context.Background(), "a@b.com", "abc", WithOutput(&bytes.Buffer{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Password must be at least 6 characters")
}

func TestSignUp_DuplicateAccount(t *testing.T) {
	setupTestEnvironment(t)
	ctx := context.Background()

	require.NoError(t, runSignUp(ctx, "a@b.com", "abcdef", WithOutput(&bytes.Buffer{})))

	err := runSignUp(ctx, "a@b.com", "abcdef", WithOutput(&bytes.Buffer{}))
	require.Error(t, err)
	assert.Equal(t, "sign up failed: User already registered", err.Error())
}

func TestSignIn_InvalidCredentials(t *testing.T) {
	setupTestEnvironment(t)
	ctx := context.Background()
	require.NoError(t, runSignUp(ctx, "a@b.com", "abcdef", WithOutput(&bytes.Buffer{})))

	err := runSignIn(ctx, "a@b.com", "wrong-password", WithOutput(&bytes.Buffer{}))
	require.Error(t, err)
	assert.Equal(t, "sign in failed: Invalid login credentials", err.Error())

	err = runWhoAmI(ctx, WithOutput(&bytes.Buffer{}))
	assert.ErrorIs(t, err, session.ErrNotSignedIn)
}

func TestSignIn_CredentialsFromEnv(t *testing.T) {
	setupTestEnvironment(t)
	ctx := context.Background()
	require.NoError(t, runSignUp(ctx, "a@b.com", "abcdef", WithOutput(&bytes.Buffer{})))

	t.Setenv("ATSA_EMAIL", "a@b.com")
	t.Setenv("ATSA_PASSWORD", "abcdef")

	var out bytes.Buffer
	require.NoError(t, runSignIn(ctx, "", "", WithOutput(&out)))
	assert.Contains(t, out.String(), "Signed in as a@b.com")
}

func TestSignIn_RemembersLastEmail(t *testing.T) {
	setupTestEnvironment(t)
	ctx := context.Background()
	require.NoError(t, runSignUp(ctx, "a@b.com", "abcdef", WithOutput(&bytes.Buffer{})))
	require.NoError(t, runSignIn(ctx, "a@b.com", "abcdef", WithOutput(&bytes.Buffer{})))
	require.NoError(t, runSignOut(ctx, WithOutput(&bytes.Buffer{})))

	var out bytes.Buffer
	require.NoError(t, runSignIn(ctx, "", "abcdef", WithOutput(&out)))
	assert.Contains(t, out.String(), "Signed in as a@b.com")
}

func TestSignIn_MissingCredentials(t *testing.T) {
	setupTestEnvironment(t)
	ctx := context.Background()

	err := runSignIn(ctx, "", "abcdef", WithOutput(&bytes.Buffer{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "email is required")

	if term.IsTerminal(int(syscall.Stdin)) {
		t.Skip("stdin is a terminal, the password would be prompted for")
	}
	err = runSignIn(ctx, "a@b.com", "", WithOutput(&bytes.Buffer{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "password is required in non-interactive mode")
}

func TestSignOut_NotSignedIn(t *testing.T) {
	setupTestEnvironment(t)

	var out bytes.Buffer
	require.NoError(t, runSignOut(context.Background(), WithOutput(&out)))
	assert.Contains(t, out.String(), "Not signed in")
}

func TestSignOut_FailureKeepsSession(t *testing.T) {
	setupTestEnvironment(t)

	stub := &stubIdentity{
		current:      &identity.Session{UserID: "user-1", Email: "a@b.com"},
		terminateErr: errors.New("network unreachable"),
	}

	err := runSignOut(context.Background(), WithIdentityClient(stub), WithOutput(&bytes.Buffer{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to sign out")
	assert.ErrorIs(t, err, stub.terminateErr)

	var out bytes.Buffer
	require.NoError(t, runWhoAmI(context.Background(), WithIdentityClient(stub), WithOutput(&out)))
	assert.Contains(t, out.String(), "a@b.com")
}

func TestWatch_PrintsEveryChange(t *testing.T) {
	setupTestEnvironment(t)

	stub := &stubIdentity{}
	out := &syncBuffer{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error)
	go func() {
		done <- runWatch(ctx, WithIdentityClient(stub), WithOutput(out))
	}()

	assert.Eventually(t, func() bool {
		return bytes.Contains([]byte(out.String()), []byte("Sign In"))
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, stub.VerifyCredentials(ctx, "a@b.com", "abcdef"))
	assert.Eventually(t, func() bool {
		return bytes.Contains([]byte(out.String()), []byte("Signed in as a@b.com"))
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

// scriptedPrompter answers prompts from a fixed script and records the
// defaults it was offered
type scriptedPrompter struct {
	modes     []credential.Mode
	emails    []string
	passwords []string

	offeredModes  []credential.Mode
	offeredEmails []string
}

func (p *scriptedPrompter) SelectMode(current credential.Mode) (credential.Mode, error) {
	p.offeredModes = append(p.offeredModes, current)
	if len(p.modes) == 0 {
		return current, ErrAborted
	}
	mode := p.modes[0]
	p.modes = p.modes[1:]
	return mode, nil
}

func (p *scriptedPrompter) Email(defaultEmail string) (string, error) {
	p.offeredEmails = append(p.offeredEmails, defaultEmail)
	if len(p.emails) == 0 {
		return defaultEmail, nil
	}
	email := p.emails[0]
	p.emails = p.emails[1:]
	return email, nil
}

func (p *scriptedPrompter) Password(label string) (string, error) {
	if len(p.passwords) == 0 {
		return "", ErrAborted
	}
	password := p.passwords[0]
	p.passwords = p.passwords[1:]
	return password, nil
}

func TestAuth_LoopsUntilSignedIn(t *testing.T) {
	setupTestEnvironment(t)

	prompter := &scriptedPrompter{
		modes:     []credential.Mode{credential.ModeSignUp, credential.ModeSignUp, credential.ModeSignIn},
		emails:    []string{"a@b.com"},
		passwords: []string{"abc", "abcdef", "abcdef"},
	}

	var out bytes.Buffer
	require.NoError(t, runAuth(context.Background(), WithPrompter(prompter), WithOutput(&out)))

	assert.Contains(t, out.String(), "✗ Password must be at least 6 characters")
	assert.Contains(t, out.String(), "✓ Account created successfully! You can now sign in.")
	assert.Contains(t, out.String(), "✓ Signed in as a@b.com")

	// The email survives failures and the form returns to sign-in after sign-up
	assert.Equal(t, []string{"", "a@b.com", "a@b.com"}, prompter.offeredEmails)
	assert.Equal(t, []credential.Mode{credential.ModeSignIn, credential.ModeSignUp, credential.ModeSignIn}, prompter.offeredModes)

	// The next form starts from the remembered email
	require.NoError(t, runSignOut(context.Background(), WithOutput(&bytes.Buffer{})))
	next := &scriptedPrompter{modes: []credential.Mode{credential.ModeSignIn}, passwords: []string{"abcdef"}}
	require.NoError(t, runAuth(context.Background(), WithPrompter(next), WithOutput(&bytes.Buffer{})))
	assert.Equal(t, []string{"a@b.com"}, next.offeredEmails)
}

func TestAuth_Aborted(t *testing.T) {
	setupTestEnvironment(t)

	err := runAuth(context.Background(), WithPrompter(&scriptedPrompter{}), WithOutput(&bytes.Buffer{}))
	assert.ErrorIs(t, err, ErrAborted)
}

func TestAuth_AlreadySignedIn(t *testing.T) {
	setupTestEnvironment(t)

	stub := &stubIdentity{current: &identity.Session{UserID: "user-1", Email: "a@b.com"}}

	var out bytes.Buffer
	require.NoError(t, runAuth(context.Background(), WithIdentityClient(stub), WithPrompter(&scriptedPrompter{}), WithOutput(&out)))
	assert.Contains(t, out.String(), "Signed in as a@b.com")
}

// chdirForTest mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdirForTest(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(old) })
}
