package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

type Options struct {
	// MaxContentLength is the content ceiling in runes.
	MaxContentLength int
	HistoryLimit     int
	MaxHistoryLimit  int
	// DefaultRoomID is the sentinel room created on first join.
	DefaultRoomID  string
	StorageTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxContentLength: 5000,
		HistoryLimit:     50,
		MaxHistoryLimit:  200,
		DefaultRoomID:    "default-room",
		StorageTimeout:   5 * time.Second,
	}
}

// Service runs the chat operations on top of the hub and the store.
// Membership operations return notifications the hub already delivered;
// message operations return broadcasts for the caller to Publish once the
// direct acknowledgment is written.
type Service struct {
	hub      *Hub
	store    Store
	opts     Options
	presence *presenceWriter
	creating singleflight.Group
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(hub *Hub, store Store, opts Options, logger *slog.Logger) *Service {
	return &Service{
		hub:      hub,
		store:    store,
		opts:     opts,
		presence: newPresenceWriter(store),
		logger:   logger.With("component", "chat"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Hub() *Hub { return s.hub }

func (s *Service) DefaultRoomID() string { return s.opts.DefaultRoomID }

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.StorageTimeout)
}

func (s *Service) session(connID string) (User, string, error) {
	u, room, ok := s.hub.Lookup(connID)
	if !ok {
		return User{}, "", errUnauthenticated()
	}
	return u, room, nil
}

// ---------------------------------------------
// Session Registry
// ---------------------------------------------

type AuthResult struct {
	User  User
	Rooms []string
}

// Authenticate binds connID to userID. Presence persistence is best effort:
// the hub registry is authoritative and a storage failure is only logged.
func (s *Service) Authenticate(ctx context.Context, connID, userID string) (AuthResult, []Notification, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return AuthResult{}, nil, errInvalid("userId is required")
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	u, err := s.store.FindUserByID(sctx, userID)
	if err != nil {
		return AuthResult{}, nil, storageError(err, "user")
	}
	rooms, err := s.store.FindRoomsByMember(sctx, userID)
	if err != nil {
		return AuthResult{}, nil, storageError(err, "rooms")
	}

	bound, err := s.hub.Bind(connID, u)
	if err != nil {
		return AuthResult{}, nil, err
	}
	s.persistPresence(ctx, bound.Online)
	if bound.Offline != nil {
		s.persistPresence(ctx, *bound.Offline)
	}

	ids := make([]string, 0, len(rooms))
	for _, r := range rooms {
		ids = append(ids, r.ID)
	}
	s.logger.Info("user authenticated", "user", u.ID, "conn", connID, "rooms", len(ids))
	return AuthResult{User: u, Rooms: ids}, bound.Notifications, nil
}

// LookupUser is a pure read of the connection binding.
func (s *Service) LookupUser(connID string) (string, bool) {
	u, _, ok := s.hub.Lookup(connID)
	return u.ID, ok
}

func (s *Service) persistPresence(ctx context.Context, c PresenceChange) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.StorageTimeout)
	defer cancel()
	if err := s.presence.write(pctx, c); err != nil {
		s.logger.Warn("presence update failed", "user", c.UserID, "status", c.Status, "err", err)
	}
}

// ---------------------------------------------
// Room Membership Tracker
// ---------------------------------------------

type JoinOutcome struct {
	RoomID   string
	Roster   []RosterEntry
	Messages []Message
}

// Join admits the connection to roomID and replays recent history. The
// connection enters the live set before history is read, so a message created
// meanwhile may arrive both as message:new and in the replay. The joiner's
// room:users is queued by the hub, ahead of the room:messages reply. If the
// history read fails the live join is rolled back.
func (s *Service) Join(ctx context.Context, connID, roomID string) (JoinOutcome, []Notification, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return JoinOutcome{}, nil, errInvalid("roomId is required")
	}
	u, _, ok := s.hub.Lookup(connID)
	if !ok {
		return JoinOutcome{}, nil, errInvalid("connection is not authenticated")
	}

	room, err := s.resolveRoom(ctx, roomID)
	if err != nil {
		return JoinOutcome{}, nil, err
	}
	if !room.HasMember(u.ID) {
		sctx, cancel := s.storeCtx(ctx)
		err := s.store.AddRoomMember(sctx, room.ID, u.ID)
		cancel()
		if err != nil {
			return JoinOutcome{}, nil, storageError(err, "room")
		}
	}

	joined, err := s.hub.Join(connID, room.ID)
	if err != nil {
		return JoinOutcome{}, nil, err
	}
	out := JoinOutcome{RoomID: room.ID, Roster: joined.Roster}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	msgs, err := s.store.FindMessagesByRoom(sctx, room.ID, s.opts.HistoryLimit, nil)
	if err != nil {
		// Undo the live join so a failed join leaves no trace in the roster.
		if _, _, lerr := s.hub.Leave(connID, room.ID); lerr != nil {
			s.logger.Warn("rollback join failed", "conn", connID, "room", room.ID, "err", lerr)
		}
		return JoinOutcome{}, nil, storageError(err, "messages")
	}
	out.Messages = msgs
	s.logger.Debug("joined room", "user", u.ID, "room", room.ID, "online", len(out.Roster), "history", len(msgs))
	return out, joined.Notifications, nil
}

// resolveRoom loads roomID, find-or-creating the sentinel room. Concurrent
// first joins collapse onto one storage call.
func (s *Service) resolveRoom(ctx context.Context, roomID string) (Room, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	room, err := s.store.FindRoomByID(sctx, roomID)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, ErrNotFound) || roomID != s.opts.DefaultRoomID {
		return Room{}, storageError(err, "room")
	}
	return s.findOrCreate(ctx, Room{
		ID:          roomID,
		Name:        "General Chat",
		Type:        RoomDefault,
		Description: "Default public chat room",
	})
}

// EnsureDefaultRoom find-or-creates the sentinel room.
func (s *Service) EnsureDefaultRoom(ctx context.Context) (Room, error) {
	return s.resolveRoom(ctx, s.opts.DefaultRoomID)
}

func (s *Service) findOrCreate(ctx context.Context, tmpl Room) (Room, error) {
	v, err, _ := s.creating.Do(tmpl.ID, func() (any, error) {
		sctx, cancel := s.storeCtx(context.WithoutCancel(ctx))
		defer cancel()
		room, err := s.store.FindOrCreateRoom(sctx, tmpl)
		if err != nil {
			return nil, err
		}
		s.logger.Info("room ready", "room", room.ID, "type", room.Type)
		return room, nil
	})
	if err != nil {
		return Room{}, storageError(err, "room")
	}
	return v.(Room), nil
}

// Leave is a no-op for a connection that is not in roomID.
func (s *Service) Leave(ctx context.Context, connID, roomID string) ([]Notification, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, errInvalid("roomId is required")
	}
	notes, _, err := s.hub.Leave(connID, roomID)
	return notes, err
}

// History pages older messages of the caller's room, oldest first.
func (s *Service) History(ctx context.Context, connID string, req HistoryRequest) ([]Message, error) {
	_, current, err := s.session(connID)
	if err != nil {
		return nil, err
	}
	roomID := strings.TrimSpace(req.RoomID)
	if roomID == "" {
		roomID = current
	}
	if roomID == "" || roomID != current {
		return nil, errForbidden("join the room before reading its history")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = s.opts.HistoryLimit
	}
	if limit > s.opts.MaxHistoryLimit {
		limit = s.opts.MaxHistoryLimit
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	msgs, err := s.store.FindMessagesByRoom(sctx, roomID, limit, req.Before)
	if err != nil {
		return nil, storageError(err, "messages")
	}
	return msgs, nil
}

// ---------------------------------------------
// Lifecycle
// ---------------------------------------------

// Disconnect is the close path for a connection. It never fails: storage
// errors are logged so registry and membership entries are always released.
func (s *Service) Disconnect(ctx context.Context, connID string) []Notification {
	res, err := s.hub.Disconnect(connID)
	if err != nil {
		s.logger.Warn("disconnect after hub stop", "conn", connID, "err", err)
		return nil
	}
	if res.Offline != nil {
		s.persistPresence(ctx, *res.Offline)
	}
	if res.UserID != "" {
		s.logger.Info("user disconnected", "user", res.UserID, "conn", connID, "room", res.Room, "offline", res.Offline != nil)
	}
	return res.Notifications
}

// directRoomID is stable for a pair of users regardless of who writes first.
func directRoomID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return fmt.Sprintf("dm:%s:%s", ids[0], ids[1])
}
