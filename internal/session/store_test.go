package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atsa-dev/atsa/internal/identity"
)

// fakeIdentity lets tests drive the notification stream by hand
type fakeIdentity struct {
	mu           sync.Mutex
	listeners    map[int]identity.Listener
	nextID       int
	terminateErr error
	terminated   int
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{listeners: make(map[int]identity.Listener)}
}

func (f *fakeIdentity) CreateAccount(ctx context.Context, email, password string) error {
	return nil
}

func (f *fakeIdentity) VerifyCredentials(ctx context.Context, email, password string) error {
	f.emit(identity.SignedIn, &identity.Session{UserID: "user-" + email, Email: email})
	return nil
}

func (f *fakeIdentity) TerminateSession(ctx context.Context) error {
	f.mu.Lock()
	f.terminated++
	err := f.terminateErr
	f.mu.Unlock()

	if err != nil {
		return err
	}
	f.emit(identity.SignedOut, nil)
	return nil
}

func (f *fakeIdentity) OnSessionChange(l identity.Listener) identity.Unsubscribe {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	id := f.nextID
	f.listeners[id] = l
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners, id)
	}
}

func (f *fakeIdentity) emit(kind identity.EventKind, s *identity.Session) {
	f.mu.Lock()
	listeners := make([]identity.Listener, 0, len(f.listeners))
	for _, l := range f.listeners {
		listeners = append(listeners, l)
	}
	f.mu.Unlock()

	for _, l := range listeners {
		l(identity.Event{Kind: kind, Session: s})
	}
}

func (f *fakeIdentity) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

func signedIn(email string) Snapshot {
	return Snapshot{State: StateSignedIn, Session: &Session{UserID: "user-" + email, Email: email}}
}

func TestStore_UnknownBeforeFirstNotification(t *testing.T) {
	store := NewStore(newFakeIdentity(), zerolog.Nop())

	snap := store.CurrentSnapshot()
	assert.Equal(t, StateUnknown, snap.State)
	assert.Nil(t, snap.Session)
	assert.False(t, snap.SignedIn())
}

func TestStore_FollowsNotificationsInOrder(t *testing.T) {
	fake := newFakeIdentity()
	store := NewStore(fake, zerolog.Nop())

	var seen []Snapshot
	store.Subscribe(func(s Snapshot) { seen = append(seen, s) })

	events := []*identity.Session{
		nil,
		{UserID: "user-a@b.com", Email: "a@b.com"},
		nil,
		{UserID: "user-c@d.com", Email: "c@d.com"},
	}
	for i, s := range events {
		kind := identity.SignedIn
		if i == 0 {
			kind = identity.InitialSession
		} else if s == nil {
			kind = identity.SignedOut
		}
		fake.emit(kind, s)

		// After N notifications the snapshot is the N-th payload
		want := Snapshot{State: StateSignedOut}
		if s != nil {
			want = signedIn(s.Email)
		}
		assert.True(t, want.Equal(store.CurrentSnapshot()), "after notification %d", i+1)
	}

	require.Len(t, seen, 4)
	assert.Equal(t, StateSignedOut, seen[0].State)
	assert.Equal(t, "a@b.com", seen[1].Session.Email)
	assert.Equal(t, StateSignedOut, seen[2].State)
	assert.Equal(t, "c@d.com", seen[3].Session.Email)
}

func TestStore_IdenticalSnapshotIsNotRebroadcast(t *testing.T) {
	fake := newFakeIdentity()
	store := NewStore(fake, zerolog.Nop())

	calls := 0
	store.Subscribe(func(Snapshot) { calls++ })

	s := &identity.Session{UserID: "u1", Email: "a@b.com", AccessToken: "t1"}
	fake.emit(identity.SignedIn, s)
	// A refreshed token is the same principal
	fake.emit(identity.TokenRefreshed, &identity.Session{UserID: "u1", Email: "a@b.com", AccessToken: "t2"})

	assert.Equal(t, 1, calls)
}

func TestStore_Unsubscribe(t *testing.T) {
	fake := newFakeIdentity()
	store := NewStore(fake, zerolog.Nop())

	var first, second int
	unsubscribe := store.Subscribe(func(Snapshot) { first++ })
	store.Subscribe(func(Snapshot) { second++ })

	fake.emit(identity.InitialSession, nil)
	unsubscribe()
	unsubscribe()
	fake.emit(identity.SignedIn, &identity.Session{UserID: "u1", Email: "a@b.com"})

	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
}

func TestStore_SubscribeFromListener(t *testing.T) {
	fake := newFakeIdentity()
	store := NewStore(fake, zerolog.Nop())

	var nested int
	store.Subscribe(func(Snapshot) {
		store.Subscribe(func(Snapshot) { nested++ })
		_ = store.CurrentSnapshot()
	})

	fake.emit(identity.InitialSession, nil)
	fake.emit(identity.SignedIn, &identity.Session{UserID: "u1", Email: "a@b.com"})

	assert.Equal(t, 1, nested)
}

func TestStore_SignOutStartedFromListener(t *testing.T) {
	fake := newFakeIdentity()
	store := NewStore(fake, zerolog.Nop())

	done := make(chan error, 1)
	unsubscribe := store.Subscribe(func(s Snapshot) {
		if s.SignedIn() {
			go func() { done <- store.SignOut(context.Background()) }()
		}
	})
	defer unsubscribe()

	require.NoError(t, fake.VerifyCredentials(context.Background(), "a@b.com", "abcdef"))
	require.NoError(t, <-done)
	assert.Equal(t, StateSignedOut, store.CurrentSnapshot().State)
}

func TestStore_SignOutSuccessEmptiesSnapshot(t *testing.T) {
	fake := newFakeIdentity()
	store := NewStore(fake, zerolog.Nop())
	require.NoError(t, fake.VerifyCredentials(context.Background(), "a@b.com", "abcdef"))
	require.True(t, store.CurrentSnapshot().SignedIn())

	require.NoError(t, store.SignOut(context.Background()))

	snap := store.CurrentSnapshot()
	assert.Equal(t, StateSignedOut, snap.State)
	assert.Nil(t, snap.Session)
}

func TestStore_SignOutFailureKeepsSnapshot(t *testing.T) {
	fake := newFakeIdentity()
	fake.terminateErr = errors.New("network unreachable")
	store := NewStore(fake, zerolog.Nop())
	require.NoError(t, fake.VerifyCredentials(context.Background(), "a@b.com", "abcdef"))
	before := store.CurrentSnapshot()

	err := store.SignOut(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, fake.terminateErr)
	assert.Equal(t, 1, fake.terminated)
	assert.True(t, before.Equal(store.CurrentSnapshot()))
}

func TestStore_CloseUnsubscribesFromIdentity(t *testing.T) {
	fake := newFakeIdentity()
	store := NewStore(fake, zerolog.Nop())
	require.Equal(t, 1, fake.subscribers())

	store.Close()
	assert.Equal(t, 0, fake.subscribers())

	fake.emit(identity.SignedIn, &identity.Session{UserID: "u1", Email: "a@b.com"})
	assert.Equal(t, StateUnknown, store.CurrentSnapshot().State)
}

func TestStore_ConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	fake := newFakeIdentity()
	store := NewStore(fake, zerolog.Nop())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			fake.emit(identity.SignedIn, &identity.Session{UserID: fmt.Sprint(i), Email: fmt.Sprintf("%d@b.com", i)})
		}
	}()

	for i := 0; i < 100; i++ {
		snap := store.CurrentSnapshot()
		if snap.State == StateSignedIn {
			assert.NotNil(t, snap.Session)
		}
	}
	wg.Wait()

	assert.Equal(t, "99@b.com", store.CurrentSnapshot().Session.Email)
}

func TestRequireSessionAndNavLabel(t *testing.T) {
	tests := []struct {
		name  string
		snap  Snapshot
		err   error
		label string
	}{
		{"unknown", Snapshot{}, ErrSessionUnknown, "Loading..."},
		{"signed out", Snapshot{State: StateSignedOut}, ErrNotSignedIn, "Sign In"},
		{"signed in", signedIn("a@b.com"), nil, "Signed in as a@b.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := RequireSession(tt.snap)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, "a@b.com", s.Email)
			}
			assert.Equal(t, tt.label, NavLabel(tt.snap))
		})
	}
}
