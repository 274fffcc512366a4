// Package identity is the client side of the external identity service: account
// creation, credential verification, session termination and the session change
// notification stream.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Session is a server-issued proof that an account is authenticated.
// A Session is never modified after it is issued; a refreshed session is a new value.
type Session struct {
	UserID       string
	Email        string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Expired reports whether the access token is expired at t.
func (s *Session) Expired(t time.Time) bool {
	return !s.ExpiresAt.IsZero() && !t.Before(s.ExpiresAt)
}

// EventKind describes why a session change was emitted.
type EventKind int

const (
	InitialSession EventKind = iota
	SignedIn
	SignedOut
	TokenRefreshed
)

func (k EventKind) String() string {
	switch k {
	case InitialSession:
		return "INITIAL_SESSION"
	case SignedIn:
		return "SIGNED_IN"
	case SignedOut:
		return "SIGNED_OUT"
	case TokenRefreshed:
		return "TOKEN_REFRESHED"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a session change notification. Session is nil when nobody is signed in.
type Event struct {
	Kind    EventKind
	Session *Session
}

// Listener receives session change events.
type Listener func(Event)

// Unsubscribe removes a listener. It is safe to call more than once.
type Unsubscribe func()

// Client is the surface of the identity service the application depends on.
type Client interface {
	// CreateAccount registers a new account. It does not establish a session.
	CreateAccount(ctx context.Context, email, password string) error

	// VerifyCredentials signs in. On success a SignedIn event is emitted
	// before the call returns.
	VerifyCredentials(ctx context.Context, email, password string) error

	// TerminateSession signs out. On success a SignedOut event is emitted
	// before the call returns; on failure nothing changes.
	TerminateSession(ctx context.Context) error

	// OnSessionChange registers a listener. Once the initial state is known the
	// listener immediately receives an InitialSession event with it.
	OnSessionChange(l Listener) Unsubscribe
}

var (
	ErrNoStoredSession = errors.New("no stored session")
	ErrNoSession       = errors.New("identity service returned no session")
)

// APIError is an error response from the identity service.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("identity service returned status %d", e.StatusCode)
}

// Rejected reports whether the service refused the request itself, as opposed to
// failing to process it.
func (e *APIError) Rejected() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}
