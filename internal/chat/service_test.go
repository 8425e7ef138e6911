package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore injects failures and latency into a MemoryStore.
type flakyStore struct {
	*MemoryStore
	failCreate   bool
	failPresence bool
	blockCreate  bool
	createDelay  time.Duration
	roomCreates  atomic.Int32
	failHistory  atomic.Bool
}

var errStorageDown = errors.New("storage down")

func (s *flakyStore) CreateMessage(ctx context.Context, nm NewMessage) (Message, error) {
	if s.failCreate {
		return Message{}, errStorageDown
	}
	if s.blockCreate {
		<-ctx.Done()
		return Message{}, ctx.Err()
	}
	return s.MemoryStore.CreateMessage(ctx, nm)
}

func (s *flakyStore) UpdateUserPresence(ctx context.Context, id string, status Status, at time.Time) error {
	if s.failPresence {
		return errStorageDown
	}
	return s.MemoryStore.UpdateUserPresence(ctx, id, status, at)
}

func (s *flakyStore) FindOrCreateRoom(ctx context.Context, tmpl Room) (Room, error) {
	s.roomCreates.Add(1)
	time.Sleep(s.createDelay)
	return s.MemoryStore.FindOrCreateRoom(ctx, tmpl)
}

func (s *flakyStore) FindMessagesByRoom(ctx context.Context, roomID string, limit int, before *time.Time) ([]Message, error) {
	if s.failHistory.Load() {
		return nil, errStorageDown
	}
	return s.MemoryStore.FindMessagesByRoom(ctx, roomID, limit, before)
}

func TestScenarioTwoUsers(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	a := env.connect(t, "A", alice)
	b := env.connect(t, "B", bob)

	out := env.join(t, "A", "r1")
	assert.Empty(t, out.Messages)
	assert.Equal(t, []string{"u1"}, rosterIDs(out.Roster))

	a.reset()
	out = env.join(t, "B", "r1")
	assert.Empty(t, out.Messages)
	assert.Equal(t, []string{"u1", "u2"}, rosterIDs(out.Roster))
	assert.Equal(t, []string{EventUserJoined, EventRoomUsers}, a.events(t))

	a.reset()
	b.reset()
	ack, planned, err := env.svc.Send(ctx, "B", SendRequest{RoomID: "r1", Content: "hi", TempID: "x"})
	require.NoError(t, err)
	assert.Equal(t, "x", ack.TempID)
	assert.NotEmpty(t, ack.MessageID)
	env.publish(t, planned)

	for _, c := range []*fakeConn{a, b} {
		var m Message
		require.True(t, c.last(t, EventMessageNew, &m))
		assert.Equal(t, ack.MessageID, m.ID)
		assert.Equal(t, "hi", m.Content)
	}

	b.reset()
	env.svc.Disconnect(ctx, "A")
	assert.Equal(t, []string{EventUserLeft, EventRoomUsers, EventUserStatus}, b.events(t))
	var status UserStatusPayload
	require.True(t, b.last(t, EventUserStatus, &status))
	assert.Equal(t, "u1", status.UserID)
	assert.Equal(t, StatusOffline, status.Status)
	var roster []RosterEntry
	require.True(t, b.last(t, EventRoomUsers, &roster))
	assert.Equal(t, []string{"u2"}, rosterIDs(roster))
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.store.PutRoom(Room{ID: "r2", Name: "Room two", Members: []string{"u1"}})
	c := env.connect(t, "a1", User{})

	_, _, err := env.svc.Authenticate(ctx, "a1", "ghost")
	assert.True(t, IsCode(err, CodeNotFound))
	_, ok := env.svc.LookupUser("a1")
	assert.False(t, ok)

	_, _, err = env.svc.Authenticate(ctx, "a1", " ")
	assert.True(t, IsCode(err, CodeInvalidArgument))

	res, notes, err := env.svc.Authenticate(ctx, "a1", "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"r2"}, res.Rooms)
	require.Len(t, notes, 1)
	assert.Equal(t, EventUserStatus, notes[0].Event)
	assert.Equal(t, []string{EventUserStatus}, c.events(t))

	id, ok := env.svc.LookupUser("a1")
	assert.True(t, ok)
	assert.Equal(t, "u1", id)

	stored, err := env.store.FindUserByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, stored.Status)
}

func TestJoinErrors(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.connect(t, "anon", User{})
	env.connect(t, "a1", alice)

	_, _, err := env.svc.Join(ctx, "anon", "r1")
	assert.True(t, IsCode(err, CodeInvalidArgument))

	_, _, err = env.svc.Join(ctx, "a1", "")
	assert.True(t, IsCode(err, CodeInvalidArgument))

	_, _, err = env.svc.Join(ctx, "a1", "missing")
	assert.True(t, IsCode(err, CodeNotFound))
}

func TestJoinAddsDurableMember(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.connect(t, "a1", alice)
	env.join(t, "a1", "r1")

	room, err := env.store.FindRoomByID(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, room.HasMember("u1"))
}

func TestDefaultRoomCreatedOnce(t *testing.T) {
	var flaky *flakyStore
	env := newTestEnv(t, func(m *MemoryStore) Store {
		flaky = &flakyStore{MemoryStore: m, createDelay: 50 * time.Millisecond}
		return flaky
	})

	const n = 10
	for i := 0; i < n; i++ {
		env.connect(t, fmt.Sprintf("c%d", i), alice)
	}

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make([]error, n)
		rooms = make([]string, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			out, _, err := env.svc.Join(context.Background(), fmt.Sprintf("c%d", i), "default-room")
			errs[i], rooms[i] = err, out.RoomID
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "default-room", rooms[i])
	}
	assert.Equal(t, int32(1), flaky.roomCreates.Load())

	room, err := env.store.FindRoomByID(context.Background(), "default-room")
	require.NoError(t, err)
	assert.Equal(t, RoomDefault, room.Type)
	assert.Equal(t, []string{"u1"}, room.Members)
}

func TestStorageFailureAbortsBroadcast(t *testing.T) {
	env := newTestEnv(t, func(m *MemoryStore) Store {
		return &flakyStore{MemoryStore: m, failCreate: true}
	})
	a := env.connect(t, "a1", alice)
	env.join(t, "a1", "r1")
	a.reset()

	_, planned, err := env.svc.Send(context.Background(), "a1", SendRequest{RoomID: "r1", Content: "hi"})
	assert.True(t, IsCode(err, CodeStorageUnavailable))
	assert.ErrorIs(t, err, errStorageDown)
	assert.Empty(t, planned)
	assert.Empty(t, a.events(t))
}

func TestStorageTimeout(t *testing.T) {
	env := newTestEnv(t, func(m *MemoryStore) Store {
		return &flakyStore{MemoryStore: m, blockCreate: true}
	})
	env.svc.opts.StorageTimeout = 20 * time.Millisecond
	env.connect(t, "a1", alice)
	env.join(t, "a1", "r1")

	_, planned, err := env.svc.Send(context.Background(), "a1", SendRequest{RoomID: "r1", Content: "hi"})
	assert.True(t, IsCode(err, CodeStorageUnavailable))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, planned)
}

func TestPresenceFailureDoesNotBlockLifecycle(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, func(m *MemoryStore) Store {
		return &flakyStore{MemoryStore: m, failPresence: true}
	})
	env.connect(t, "a1", alice)
	env.join(t, "a1", "r1")
	assert.True(t, env.hub.Online("u1"))

	notes := env.svc.Disconnect(ctx, "a1")
	assert.NotEmpty(t, notes)
	assert.False(t, env.hub.Online("u1"))
	assert.Empty(t, env.hub.Roster("r1"))
}

func TestStalePresenceWriteIsSkipped(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.PutUser(alice)
	w := newPresenceWriter(store)

	online := time.Now()
	require.NoError(t, w.write(ctx, PresenceChange{UserID: "u1", Status: StatusOnline, At: online, Version: 5}))
	require.NoError(t, w.write(ctx, PresenceChange{UserID: "u1", Status: StatusOffline, At: online.Add(-time.Second), Version: 3}))

	u, err := store.FindUserByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, u.Status)
	assert.True(t, online.Equal(u.LastSeen))
}

func TestPresenceWriterForgetsOfflineUsers(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.PutUser(alice)
	store.PutUser(bob)
	w := newPresenceWriter(store)

	now := time.Now()
	require.NoError(t, w.write(ctx, PresenceChange{UserID: "u1", Status: StatusOnline, At: now, Version: 1}))
	require.NoError(t, w.write(ctx, PresenceChange{UserID: "u2", Status: StatusOnline, At: now, Version: 2}))
	assert.Equal(t, 2, w.tracked())

	require.NoError(t, w.write(ctx, PresenceChange{UserID: "u1", Status: StatusOffline, At: now, Version: 3}))
	assert.Equal(t, 1, w.tracked())

	// A later reconnect starts a fresh entry.
	require.NoError(t, w.write(ctx, PresenceChange{UserID: "u1", Status: StatusOnline, At: now, Version: 4}))
	assert.Equal(t, 2, w.tracked())
	u, err := store.FindUserByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, u.Status)
}

func TestJoinHistoryFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	var fs *flakyStore
	env := newTestEnv(t, func(m *MemoryStore) Store {
		fs = &flakyStore{MemoryStore: m}
		return fs
	})
	a := env.connect(t, "A", alice)
	b := env.connect(t, "B", bob)
	env.join(t, "A", "r1")
	a.reset()

	fs.failHistory.Store(true)
	_, notes, err := env.svc.Join(ctx, "B", "r1")
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeStorageUnavailable))
	assert.Empty(t, notes)

	_, room, _ := env.hub.Lookup("B")
	assert.Empty(t, room)
	assert.Equal(t, []string{"u1"}, rosterIDs(env.hub.Roster("r1")))
	// A saw B arrive and leave again, ending on a roster without B.
	assert.Equal(t, []string{EventUserJoined, EventRoomUsers, EventUserLeft, EventRoomUsers}, a.events(t))
	var roster []RosterEntry
	require.True(t, a.last(t, EventRoomUsers, &roster))
	assert.Equal(t, []string{"u1"}, rosterIDs(roster))
	b.reset()

	fs.failHistory.Store(false)
	out := env.join(t, "B", "r1")
	assert.Equal(t, "r1", out.RoomID)
}

func TestJoinReplaysRecentHistory(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.svc.opts.HistoryLimit = 3
	for i := 0; i < 5; i++ {
		_, err := env.store.CreateMessage(ctx, NewMessage{RoomID: "r1", SenderID: "u2", Content: fmt.Sprintf("m%d", i), Type: MessageText})
		require.NoError(t, err)
	}
	env.connect(t, "a1", alice)

	out := env.join(t, "a1", "r1")
	require.Len(t, out.Messages, 3)
	assert.Equal(t, "m2", out.Messages[0].Content)
	assert.Equal(t, "m4", out.Messages[2].Content)
	assert.Equal(t, "bob", out.Messages[0].SenderName)
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	var created []Message
	for i := 0; i < 6; i++ {
		m, err := env.store.CreateMessage(ctx, NewMessage{RoomID: "r1", SenderID: "u1", Content: fmt.Sprintf("m%d", i), Type: MessageText})
		require.NoError(t, err)
		created = append(created, m)
	}
	env.connect(t, "a1", alice)

	_, err := env.svc.History(ctx, "a1", HistoryRequest{RoomID: "r1"})
	assert.True(t, IsCode(err, CodeForbidden))

	env.join(t, "a1", "r1")
	before := created[4].CreatedAt
	page, err := env.svc.History(ctx, "a1", HistoryRequest{RoomID: "r1", Before: &before, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, created[2].ID, page[0].ID)
	assert.Equal(t, created[3].ID, page[1].ID)

	env.svc.opts.MaxHistoryLimit = 4
	page, err = env.svc.History(ctx, "a1", HistoryRequest{Limit: 1000})
	require.NoError(t, err)
	assert.Len(t, page, 4)
}

func TestLeave(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.connect(t, "a1", alice)
	env.join(t, "a1", "r1")

	_, err := env.svc.Leave(ctx, "a1", "")
	assert.True(t, IsCode(err, CodeInvalidArgument))

	notes, err := env.svc.Leave(ctx, "a1", "other")
	require.NoError(t, err)
	assert.Empty(t, notes)
	assert.True(t, env.hub.InRoom("a1", "r1"))

	_, err = env.svc.Leave(ctx, "a1", "r1")
	require.NoError(t, err)
	assert.False(t, env.hub.InRoom("a1", "r1"))
}

func TestDirectRoomID(t *testing.T) {
	assert.Equal(t, "dm:a:b", directRoomID("a", "b"))
	assert.Equal(t, directRoomID("zed", "amy"), directRoomID("amy", "zed"))
}
