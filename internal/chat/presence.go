package chat

import (
	"context"
	"sync"
)

// presenceWriter serializes presence writes per user and drops writes older
// than the last one stored, so a slow offline write issued by a disconnect
// cannot land after the online write of a reconnect. An entry lives while
// writes for the user are in flight or the user was last stored online.
type presenceWriter struct {
	store Store

	mu      sync.Mutex
	entries map[string]*presenceEntry
}

type presenceEntry struct {
	mu      sync.Mutex
	refs    int // guarded by presenceWriter.mu
	written uint64
	offline bool
}

func newPresenceWriter(store Store) *presenceWriter {
	return &presenceWriter{store: store, entries: make(map[string]*presenceEntry)}
}

func (w *presenceWriter) acquire(userID string) *presenceEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[userID]
	if !ok {
		e = &presenceEntry{}
		w.entries[userID] = e
	}
	e.refs++
	return e
}

// release drops the entry once the user is stored offline and no other
// write holds it.
func (w *presenceWriter) release(userID string, e *presenceEntry, offline bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e.refs--
	if e.refs == 0 && offline && w.entries[userID] == e {
		delete(w.entries, userID)
	}
}

func (w *presenceWriter) write(ctx context.Context, c PresenceChange) error {
	e := w.acquire(c.UserID)
	e.mu.Lock()
	err := w.apply(ctx, e, c)
	offline := e.offline
	e.mu.Unlock()
	w.release(c.UserID, e, offline)
	return err
}

func (w *presenceWriter) apply(ctx context.Context, e *presenceEntry, c PresenceChange) error {
	if c.Version <= e.written {
		return nil
	}
	if err := w.store.UpdateUserPresence(ctx, c.UserID, c.Status, c.At); err != nil {
		return err
	}
	e.written = c.Version
	e.offline = c.Status == StatusOffline
	return nil
}
