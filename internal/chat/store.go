package chat

import (
	"context"
	"time"
)

// Store is the document-store collaborator. Implementations must give
// read-after-write consistency and return ErrNotFound for missing records.
type Store interface {
	FindUserByID(ctx context.Context, id string) (User, error)
	UpdateUserPresence(ctx context.Context, id string, status Status, lastSeen time.Time) error

	FindRoomByID(ctx context.Context, id string) (Room, error)
	FindRoomsByMember(ctx context.Context, userID string) ([]Room, error)
	// FindOrCreateRoom returns the room with tmpl.ID, creating it from tmpl when absent.
	// Concurrent calls with the same id must resolve to a single room.
	FindOrCreateRoom(ctx context.Context, tmpl Room) (Room, error)
	AddRoomMember(ctx context.Context, roomID, userID string) error
	UpdateRoomLastMessage(ctx context.Context, roomID, messageID string, at time.Time) error

	CreateMessage(ctx context.Context, m NewMessage) (Message, error)
	FindMessageByID(ctx context.Context, id string) (Message, error)
	// FindMessagesByRoom returns up to limit of the newest messages created
	// before `before` (all when nil), ordered oldest first.
	FindMessagesByRoom(ctx context.Context, roomID string, limit int, before *time.Time) ([]Message, error)
	UpdateMessage(ctx context.Context, id string, patch MessagePatch) (Message, error)
	DeleteMessage(ctx context.Context, id string) error
}
