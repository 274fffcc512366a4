package session

import (
	"errors"
	"fmt"
)

var (
	ErrSessionUnknown = errors.New("session state is not known yet")
	ErrNotSignedIn    = errors.New("not signed in. Please run 'atsa signin' first")
)

// RequireSession guards screens that need a signed-in user.
func RequireSession(snap Snapshot) (Session, error) {
	switch {
	case snap.State == StateUnknown:
		return Session{}, ErrSessionUnknown
	case !snap.SignedIn():
		return Session{}, ErrNotSignedIn
	}
	return *snap.Session, nil
}

// NavLabel is the account entry of the navigation bar.
func NavLabel(snap Snapshot) string {
	switch {
	case snap.State == StateUnknown:
		return "Loading..."
	case snap.SignedIn():
		return fmt.Sprintf("Signed in as %s", snap.Session.Email)
	default:
		return "Sign In"
	}
}
