package chat

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"go-chat-realtime/internal/metrics"
)

// Conn is the hub's handle on a live transport connection.
// Send must never block: it returns false when the frame could not be queued.
type Conn interface {
	ID() string
	Send(frame []byte) bool
	Close()
}

// Notification records one fan-out delivered by the hub.
type Notification struct {
	Event   string
	Seq     uint64
	Targets []string
	Data    any
}

type connState struct {
	conn    Conn
	user    *User // nil until authenticated
	room    string
	evicted bool
}

type session struct {
	user     User
	conns    map[string]struct{}
	lastSeen time.Time
}

type liveRoom struct {
	conns map[string]struct{}
}

// Hub owns the connection registry, the sessions and every room's live set.
// Run is the only goroutine that touches that state; callers reach it through
// exec, so no storage I/O ever happens while it is held.
type Hub struct {
	conns    map[string]*connState
	sessions map[string]*session
	rooms    map[string]*liveRoom

	// seq stamps every fan-out; per-room order is a subsequence of it.
	seq uint64

	ops  chan func()
	done chan struct{}

	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func NewHub(m *metrics.Metrics, logger *slog.Logger) *Hub {
	return &Hub{
		conns:    make(map[string]*connState),
		sessions: make(map[string]*session),
		rooms:    make(map[string]*liveRoom),
		ops:      make(chan func()),
		done:     make(chan struct{}),
		metrics:  m,
		logger:   logger.With("component", "hub"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run processes hub operations until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("hub stopped", "connections", len(h.conns))
			for _, cs := range h.conns {
				cs.conn.Close()
			}
			return
		case op := <-h.ops:
			op()
			h.metrics.Connections.Set(float64(len(h.conns)))
			h.metrics.OnlineUsers.Set(float64(len(h.sessions)))
			h.metrics.ActiveRooms.Set(float64(len(h.rooms)))
		}
	}
}

func (h *Hub) exec(fn func()) error {
	finished := make(chan struct{})
	select {
	case h.ops <- func() { fn(); close(finished) }:
	case <-h.done:
		return ErrHubClosed
	}
	<-finished
	return nil
}

// Register adds a fresh, unauthenticated connection.
func (h *Hub) Register(c Conn) error {
	return h.exec(func() {
		h.conns[c.ID()] = &connState{conn: c}
	})
}

// deliver encodes the frame once and enqueues it to every target. A target
// whose buffer is full is closed; its read loop then runs the normal
// disconnect cleanup.
func (h *Hub) deliver(f Frame, targets []string) Notification {
	h.seq++
	f.Seq = h.seq
	n := Notification{Event: f.Event, Seq: f.Seq, Targets: targets, Data: f.Data}

	payload, err := encodeFrame(f)
	if err != nil {
		h.logger.Error("encode frame", "event", f.Event, "err", err)
		return n
	}
	for _, id := range targets {
		cs, ok := h.conns[id]
		if !ok || cs.evicted {
			h.metrics.FramesDropped.Inc()
			continue
		}
		if cs.conn.Send(payload) {
			h.metrics.FramesSent.WithLabelValues(f.Event).Inc()
			continue
		}
		h.metrics.FramesDropped.Inc()
		cs.evicted = true
		h.logger.Warn("evicting slow connection", "conn", id, "event", f.Event)
		cs.conn.Close()
	}
	return n
}

func (h *Hub) allConns() []string {
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	return ids
}

// Broadcast is a fan-out an operation computed but has not delivered yet.
// Exactly one of RoomID, UserID or ConnID selects the audience.
type Broadcast struct {
	RoomID string
	UserID string
	ConnID string
	Except string
	Frame  Frame
}

// Publish delivers b against the audience as it stands right now.
func (h *Hub) Publish(b Broadcast) (Notification, error) {
	var n Notification
	err := h.exec(func() {
		var targets []string
		switch {
		case b.RoomID != "":
			if r, ok := h.rooms[b.RoomID]; ok {
				targets = h.roomConns(r, b.Except)
			}
		case b.UserID != "":
			if s, ok := h.sessions[b.UserID]; ok {
				for id := range s.conns {
					if id != b.Except {
						targets = append(targets, id)
					}
				}
				sort.Strings(targets)
			}
		case b.ConnID != "":
			targets = []string{b.ConnID}
		}
		n = h.deliver(b.Frame, targets)
	})
	return n, err
}
