package chat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a process-local Store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]User
	rooms    map[string]*Room
	messages map[string]*Message
	byRoom   map[string][]string // message ids in creation order
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]User),
		rooms:    make(map[string]*Room),
		messages: make(map[string]*Message),
		byRoom:   make(map[string][]string),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// PutUser inserts or replaces a user record.
func (s *MemoryStore) PutUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.Status == "" {
		u.Status = StatusOffline
	}
	s.users[u.ID] = u
}

// PutRoom inserts or replaces a room record.
func (s *MemoryStore) PutRoom(r Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.Members = append([]string(nil), r.Members...)
	s.rooms[r.ID] = &r
}

func (s *MemoryStore) FindUserByID(_ context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (s *MemoryStore) UpdateUserPresence(_ context.Context, id string, status Status, lastSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Status = status
	u.LastSeen = lastSeen
	s.users[id] = u
	return nil
}

func (s *MemoryStore) FindRoomByID(_ context.Context, id string) (Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	if !ok {
		return Room{}, ErrNotFound
	}
	return copyRoom(r), nil
}

func (s *MemoryStore) FindRoomsByMember(_ context.Context, userID string) ([]Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Room
	for _, r := range s.rooms {
		if r.HasMember(userID) {
			out = append(out, copyRoom(r))
		}
	}
	return out, nil
}

func (s *MemoryStore) FindOrCreateRoom(_ context.Context, tmpl Room) (Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[tmpl.ID]; ok {
		return copyRoom(r), nil
	}
	if tmpl.ID == "" {
		tmpl.ID = uuid.NewString()
	}
	now := s.now()
	tmpl.CreatedAt, tmpl.UpdatedAt = now, now
	tmpl.Members = append([]string{}, tmpl.Members...)
	s.rooms[tmpl.ID] = &tmpl
	return copyRoom(&tmpl), nil
}

func (s *MemoryStore) AddRoomMember(_ context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	if !r.HasMember(userID) {
		r.Members = append(r.Members, userID)
	}
	return nil
}

func (s *MemoryStore) UpdateRoomLastMessage(_ context.Context, roomID, messageID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	r.LastMessageID = messageID
	r.UpdatedAt = at
	return nil
}

func (s *MemoryStore) CreateMessage(_ context.Context, nm NewMessage) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sender, ok := s.users[nm.SenderID]
	if !ok {
		return Message{}, ErrNotFound
	}
	created := s.now()
	// Keep creation times strictly increasing within a room so ordering by
	// timestamp matches insertion order.
	if ids := s.byRoom[nm.RoomID]; len(ids) > 0 {
		if last := s.messages[ids[len(ids)-1]].CreatedAt; !created.After(last) {
			created = last.Add(time.Microsecond)
		}
	}
	m := &Message{
		ID:           uuid.NewString(),
		RoomID:       nm.RoomID,
		Content:      nm.Content,
		Type:         nm.Type,
		File:         nm.File,
		ReplyTo:      nm.ReplyTo,
		SenderID:     sender.ID,
		SenderName:   sender.Username,
		SenderAvatar: sender.Avatar,
		Reactions:    []Reaction{},
		ReadBy:       []ReadReceipt{},
		CreatedAt:    created,
	}
	s.messages[m.ID] = m
	s.byRoom[nm.RoomID] = append(s.byRoom[nm.RoomID], m.ID)
	return copyMessage(m), nil
}

func (s *MemoryStore) FindMessageByID(_ context.Context, id string) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return copyMessage(m), nil
}

func (s *MemoryStore) FindMessagesByRoom(_ context.Context, roomID string, limit int, before *time.Time) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byRoom[roomID]
	out := make([]Message, 0, limit)
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		m := s.messages[ids[i]]
		if before != nil && !m.CreatedAt.Before(*before) {
			continue
		}
		out = append(out, copyMessage(m))
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *MemoryStore) UpdateMessage(_ context.Context, id string, patch MessagePatch) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	ApplyPatch(m, patch)
	return copyMessage(m), nil
}

func (s *MemoryStore) DeleteMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.messages, id)
	ids := s.byRoom[m.RoomID]
	for i, mid := range ids {
		if mid == id {
			s.byRoom[m.RoomID] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

func copyRoom(r *Room) Room {
	out := *r
	out.Members = append([]string{}, r.Members...)
	return out
}

func copyMessage(m *Message) Message {
	out := *m
	out.Reactions = append([]Reaction{}, m.Reactions...)
	out.ReadBy = append([]ReadReceipt{}, m.ReadBy...)
	if m.EditedAt != nil {
		at := *m.EditedAt
		out.EditedAt = &at
	}
	if m.File != nil {
		f := *m.File
		out.File = &f
	}
	return out
}
