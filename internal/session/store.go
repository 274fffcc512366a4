// Package session holds the process-wide authentication state and broadcasts
// its changes to the rest of the application.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/atsa-dev/atsa/internal/identity"
)

// State tells whether anyone is signed in. StateUnknown means the identity
// service has not reported yet; it is not the same as StateSignedOut.
type State int

const (
	StateUnknown State = iota
	StateSignedOut
	StateSignedIn
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateSignedOut:
		return "signed_out"
	case StateSignedIn:
		return "signed_in"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session is the authenticated principal.
type Session struct {
	UserID string
	Email  string
}

// Snapshot is the session state broadcast to consumers. Session is set only
// when State is StateSignedIn.
type Snapshot struct {
	State   State
	Session *Session
}

// SignedIn reports whether the snapshot carries a session.
func (s Snapshot) SignedIn() bool {
	return s.State == StateSignedIn && s.Session != nil
}

// Equal compares snapshots by value.
func (s Snapshot) Equal(other Snapshot) bool {
	if s.State != other.State {
		return false
	}
	if s.Session == nil || other.Session == nil {
		return s.Session == other.Session
	}
	return *s.Session == *other.Session
}

func snapshotFrom(ev identity.Event) Snapshot {
	if ev.Session == nil {
		return Snapshot{State: StateSignedOut}
	}
	return Snapshot{
		State: StateSignedIn,
		Session: &Session{
			UserID: ev.Session.UserID,
			Email:  ev.Session.Email,
		},
	}
}

type listener struct {
	id uint64
	fn func(Snapshot)
}

// Store is the single source of truth for the current session. Its snapshot is
// written only by identity service notifications.
type Store struct {
	client identity.Client
	logger zerolog.Logger

	// held across update and delivery so listeners observe changes in order
	dispatchMu sync.Mutex

	mu          sync.RWMutex
	current     Snapshot
	listeners   []listener
	nextID      uint64
	unsubscribe identity.Unsubscribe
}

// NewStore creates the store and subscribes it to the client's session changes.
func NewStore(client identity.Client, log zerolog.Logger) *Store {
	s := &Store{
		client: client,
		logger: log.With().Str("component", "session").Logger(),
	}
	unsubscribe := client.OnSessionChange(s.handle)

	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()
	return s
}

// CurrentSnapshot returns the latest known snapshot.
func (s *Store) CurrentSnapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Subscribe registers fn to be called once per snapshot change, in change
// order. The returned func deregisters it and must be called when the consumer
// goes away.
//
// fn runs synchronously while the change is being delivered. It may read the
// snapshot, subscribe and unsubscribe, but it must not call SignOut or any
// identity operation that signs in or out: that waits for the delivery fn is
// part of and never returns. Start such calls in a new goroutine instead.
func (s *Store) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listener{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

func (s *Store) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, l := range s.listeners {
		if l.id == id {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			return
		}
	}
}

// SignOut asks the identity service to end the session. The snapshot changes
// only through the resulting notification; on failure it stays as it was and
// the error is returned for the caller to report.
func (s *Store) SignOut(ctx context.Context) error {
	if err := s.client.TerminateSession(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Sign out failed")
		return fmt.Errorf("failed to sign out: %w", err)
	}
	return nil
}

// Close tears down the identity service subscription.
func (s *Store) Close() {
	s.mu.RLock()
	unsubscribe := s.unsubscribe
	s.mu.RUnlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (s *Store) handle(ev identity.Event) {
	next := snapshotFrom(ev)

	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.mu.Lock()
	if s.current.Equal(next) {
		s.mu.Unlock()
		return
	}
	s.current = next
	listeners := make([]listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	event := s.logger.Debug().Str("event", ev.Kind.String()).Str("state", next.State.String())
	if next.Session != nil {
		event = event.Str("user_id", next.Session.UserID)
	}
	event.Msg("Session changed")

	for _, l := range listeners {
		l.fn(next)
	}
}
