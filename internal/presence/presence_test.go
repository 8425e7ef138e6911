package presence

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"go-chat-realtime/internal/chat"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type memCache struct {
	mu      sync.Mutex
	entries map[string]Entry
	err     error
}

func newMemCache() *memCache { return &memCache{entries: make(map[string]Entry)} }

func (m *memCache) Set(_ context.Context, userID string, status chat.Status, lastSeen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries[userID] = Entry{UserID: userID, Status: status, LastSeen: lastSeen}
	return nil
}

func (m *memCache) Get(_ context.Context, userID string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return Entry{}, m.err
	}
	e, ok := m.entries[userID]
	if !ok {
		return Entry{}, ErrNotCached
	}
	return e, nil
}

func TestMirrorStoreCopiesPresence(t *testing.T) {
	ctx := context.Background()
	store := chat.NewMemoryStore()
	store.PutUser(chat.User{ID: "u1", Username: "alice"})
	cache := newMemCache()
	mirror := NewMirrorStore(store, cache, discard)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, mirror.UpdateUserPresence(ctx, "u1", chat.StatusOnline, at))

	u, err := store.FindUserByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, chat.StatusOnline, u.Status)

	e, err := cache.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, chat.StatusOnline, e.Status)
	assert.Equal(t, at, e.LastSeen)
}

func TestMirrorStoreSkipsCacheOnStoreFailure(t *testing.T) {
	cache := newMemCache()
	mirror := NewMirrorStore(chat.NewMemoryStore(), cache, discard)

	err := mirror.UpdateUserPresence(context.Background(), "ghost", chat.StatusOnline, time.Now())
	assert.ErrorIs(t, err, chat.ErrNotFound)
	assert.Empty(t, cache.entries)
}

func TestMirrorStoreIgnoresCacheFailure(t *testing.T) {
	store := chat.NewMemoryStore()
	store.PutUser(chat.User{ID: "u1", Username: "alice"})
	cache := newMemCache()
	cache.err = errors.New("redis down")
	mirror := NewMirrorStore(store, cache, discard)

	assert.NoError(t, mirror.UpdateUserPresence(context.Background(), "u1", chat.StatusOffline, time.Now()))
}

func serve(h *Handler, path string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Get("/api/users/{id}/presence", h.GetPresence)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestGetPresence(t *testing.T) {
	cache := newMemCache()
	require.NoError(t, cache.Set(context.Background(), "u1", chat.StatusOnline, time.Unix(100, 0).UTC()))
	h := NewHandler(cache, discard)

	rec := serve(h, "/api/users/u1/presence")
	require.Equal(t, http.StatusOK, rec.Code)
	var e Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	assert.Equal(t, "u1", e.UserID)
	assert.Equal(t, chat.StatusOnline, e.Status)

	assert.Equal(t, http.StatusNotFound, serve(h, "/api/users/u2/presence").Code)

	cache.err = errors.New("redis down")
	assert.Equal(t, http.StatusServiceUnavailable, serve(h, "/api/users/u1/presence").Code)
}

func TestRedisCache(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })
	cache := NewCache(rdb, time.Minute)
	require.NoError(t, cache.Ping(ctx))

	userID := "presence-test-" + time.Now().Format("150405.000000")
	t.Cleanup(func() { rdb.Del(context.Background(), key(userID)) })

	_, err := cache.Get(ctx, userID)
	assert.ErrorIs(t, err, ErrNotCached)

	at := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, cache.Set(ctx, userID, chat.StatusOnline, at))
	e, err := cache.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, chat.StatusOnline, e.Status)
	assert.True(t, at.Equal(e.LastSeen))

	ttl, err := rdb.TTL(ctx, key(userID)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
