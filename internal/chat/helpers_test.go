package chat

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go-chat-realtime/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeConn records every frame the hub hands it. A positive limit makes Send
// fail once that many frames are queued.
type fakeConn struct {
	id    string
	limit int

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || (c.limit > 0 && len(c.frames) >= c.limit) {
		return false
	}
	c.frames = append(c.frames, frame)
	return true
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type recvFrame struct {
	V         int             `json:"v"`
	Event     string          `json:"event"`
	RequestID string          `json:"requestId"`
	Seq       uint64          `json:"seq"`
	Data      json.RawMessage `json:"data"`
}

func (c *fakeConn) received(t *testing.T) []recvFrame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]recvFrame, 0, len(c.frames))
	for _, raw := range c.frames {
		var f recvFrame
		require.NoError(t, json.Unmarshal(raw, &f))
		out = append(out, f)
	}
	return out
}

// events lists the received event names, in order.
func (c *fakeConn) events(t *testing.T) []string {
	var out []string
	for _, f := range c.received(t) {
		out = append(out, f.Event)
	}
	return out
}

// last decodes the data of the most recent frame with the given event.
func (c *fakeConn) last(t *testing.T, event string, v any) bool {
	t.Helper()
	frames := c.received(t)
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Event == event {
			require.NoError(t, json.Unmarshal(frames[i].Data, v))
			return true
		}
	}
	return false
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(metrics.New(prometheus.NewRegistry()), discardLogger)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

var (
	alice = User{ID: "u1", Username: "alice"}
	bob   = User{ID: "u2", Username: "bob"}
	carol = User{ID: "u3", Username: "carol"}
)

type testEnv struct {
	hub   *Hub
	store *MemoryStore
	svc   *Service
}

// newTestEnv seeds alice, bob, carol and room r1. wrap, when set, decorates the
// store the service sees.
func newTestEnv(t *testing.T, wrap func(*MemoryStore) Store) *testEnv {
	t.Helper()
	mem := NewMemoryStore()
	for _, u := range []User{alice, bob, carol} {
		mem.PutUser(u)
	}
	mem.PutRoom(Room{ID: "r1", Name: "Room one", Type: RoomPublic})
	var store Store = mem
	if wrap != nil {
		store = wrap(mem)
	}
	hub := newTestHub(t)
	opts := DefaultOptions()
	opts.StorageTimeout = time.Second
	return &testEnv{hub: hub, store: mem, svc: NewService(hub, store, opts, discardLogger)}
}

// connect registers a fake connection and authenticates it as u.
func (e *testEnv) connect(t *testing.T, id string, u User) *fakeConn {
	t.Helper()
	c := newFakeConn(id)
	require.NoError(t, e.hub.Register(c))
	if u.ID != "" {
		_, _, err := e.svc.Authenticate(context.Background(), id, u.ID)
		require.NoError(t, err)
	}
	return c
}

func (e *testEnv) join(t *testing.T, connID, roomID string) JoinOutcome {
	t.Helper()
	out, _, err := e.svc.Join(context.Background(), connID, roomID)
	require.NoError(t, err)
	return out
}

func (e *testEnv) publish(t *testing.T, out []Broadcast) {
	t.Helper()
	for _, b := range out {
		_, err := e.hub.Publish(b)
		require.NoError(t, err)
	}
}

func rosterIDs(r []RosterEntry) []string {
	ids := make([]string, 0, len(r))
	for _, e := range r {
		ids = append(ids, e.UserID)
	}
	return ids
}

func (w *presenceWriter) tracked() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}
