package identity

import "sync"

type listenerEntry struct {
	id uint64
	fn Listener
}

// notifier owns the current session and delivers changes to listeners.
// emitMu serialises state changes with their delivery, so every listener sees
// every change in the order the changes happened. Listeners must not call back
// into operations that emit.
type notifier struct {
	emitMu sync.Mutex

	mu        sync.Mutex
	listeners []listenerEntry
	nextID    uint64
	current   *Session
	known     bool
}

func (n *notifier) OnSessionChange(l Listener) Unsubscribe {
	n.emitMu.Lock()
	defer n.emitMu.Unlock()

	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.listeners = append(n.listeners, listenerEntry{id: id, fn: l})
	known, current := n.known, n.current
	n.mu.Unlock()

	if known {
		l(Event{Kind: InitialSession, Session: current})
	}

	var once sync.Once
	return func() {
		once.Do(func() { n.remove(id) })
	}
}

func (n *notifier) remove(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i, entry := range n.listeners {
		if entry.id == id {
			n.listeners = append(n.listeners[:i:i], n.listeners[i+1:]...)
			return
		}
	}
}

// session returns the current session, nil when signed out or not yet known.
func (n *notifier) session() *Session {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}

// emit makes s the current session and delivers the change. commit, when set,
// runs first under the same lock so side effects happen in change order too.
func (n *notifier) emit(kind EventKind, s *Session, commit func()) {
	n.emitMu.Lock()
	defer n.emitMu.Unlock()

	if commit != nil {
		commit()
	}
	n.deliverLocked(kind, s)
}

// emitIfCurrent emits only when the current session is still expected. Background
// work uses it so it never overrides a change made while it was waiting on the network.
func (n *notifier) emitIfCurrent(expected *Session, kind EventKind, s *Session, commit func()) bool {
	n.emitMu.Lock()
	defer n.emitMu.Unlock()

	n.mu.Lock()
	same := n.current == expected
	n.mu.Unlock()
	if !same {
		return false
	}

	if commit != nil {
		commit()
	}
	n.deliverLocked(kind, s)
	return true
}

func (n *notifier) deliverLocked(kind EventKind, s *Session) {
	n.mu.Lock()
	n.current = s
	n.known = true
	listeners := make([]listenerEntry, len(n.listeners))
	copy(listeners, n.listeners)
	n.mu.Unlock()

	ev := Event{Kind: kind, Session: s}
	for _, entry := range listeners {
		entry.fn(ev)
	}
}
