package presence

import (
	"context"
	"log/slog"
	"time"

	"go-chat-realtime/internal/chat"
)

type Setter interface {
	Set(ctx context.Context, userID string, status chat.Status, lastSeen time.Time) error
}

// MirrorStore is a chat.Store whose presence writes are copied to a cache
// after the durable store accepted them. A cache failure is logged only.
type MirrorStore struct {
	chat.Store
	cache  Setter
	logger *slog.Logger
}

func NewMirrorStore(store chat.Store, cache Setter, logger *slog.Logger) *MirrorStore {
	return &MirrorStore{Store: store, cache: cache, logger: logger.With("component", "presence")}
}

func (m *MirrorStore) UpdateUserPresence(ctx context.Context, id string, status chat.Status, lastSeen time.Time) error {
	if err := m.Store.UpdateUserPresence(ctx, id, status, lastSeen); err != nil {
		return err
	}
	if err := m.cache.Set(ctx, id, status, lastSeen); err != nil {
		m.logger.Warn("presence cache write failed", "user", id, "err", err)
	}
	return nil
}
