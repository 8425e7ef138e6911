package chat

import "time"

// PresenceChange is a presence transition decided by the hub. Version orders
// changes for the same user so storage writes can skip stale ones.
type PresenceChange struct {
	UserID  string
	Status  Status
	At      time.Time
	Version uint64
}

type BindResult struct {
	Online        PresenceChange
	Offline       *PresenceChange // previous identity when the rebind dropped its last connection
	Notifications []Notification
}

type DisconnectResult struct {
	UserID        string
	Room          string
	Offline       *PresenceChange
	Notifications []Notification
}

var errUnknownConn = newError(CodeInvalidArgument, "unknown connection")

// Bind attaches u to the connection. Rebinding is last-call-wins: when the
// connection already belongs to another user it leaves its room under the old
// identity first.
func (h *Hub) Bind(connID string, u User) (BindResult, error) {
	var (
		res    BindResult
		result error
	)
	err := h.exec(func() {
		cs, ok := h.conns[connID]
		if !ok {
			result = errUnknownConn
			return
		}
		if cs.user != nil && cs.user.ID != u.ID {
			if cs.room != "" {
				res.Notifications = append(res.Notifications, h.removeFromRoom(connID, cs)...)
			}
			if change, n := h.detach(connID, cs); change != nil {
				res.Offline = change
				res.Notifications = append(res.Notifications, n)
			}
		}

		s, ok := h.sessions[u.ID]
		if !ok {
			s = &session{conns: make(map[string]struct{})}
			h.sessions[u.ID] = s
		}
		s.user = u
		s.conns[connID] = struct{}{}
		s.lastSeen = h.now()
		bound := u
		cs.user = &bound

		n := h.deliver(Frame{
			Event: EventUserStatus,
			Data:  UserStatusPayload{UserID: u.ID, Status: StatusOnline, LastSeen: s.lastSeen},
		}, h.allConns())
		res.Online = PresenceChange{UserID: u.ID, Status: StatusOnline, At: s.lastSeen, Version: n.Seq}
		res.Notifications = append(res.Notifications, n)
	})
	if err != nil {
		return BindResult{}, err
	}
	return res, result
}

// detach removes the connection from its user's session and reports the
// offline transition when it was the last one.
func (h *Hub) detach(connID string, cs *connState) (*PresenceChange, Notification) {
	userID := cs.user.ID
	cs.user = nil
	s, ok := h.sessions[userID]
	if !ok {
		return nil, Notification{}
	}
	delete(s.conns, connID)
	if len(s.conns) > 0 {
		return nil, Notification{}
	}
	delete(h.sessions, userID)

	at := h.now()
	n := h.deliver(Frame{
		Event: EventUserStatus,
		Data:  UserStatusPayload{UserID: userID, Status: StatusOffline, LastSeen: at},
	}, h.allConns())
	return &PresenceChange{UserID: userID, Status: StatusOffline, At: at, Version: n.Seq}, n
}

// Lookup returns the user bound to the connection and its current room.
func (h *Hub) Lookup(connID string) (User, string, bool) {
	var (
		u    User
		room string
		ok   bool
	)
	_ = h.exec(func() {
		cs, found := h.conns[connID]
		if !found || cs.user == nil {
			return
		}
		u, room, ok = *cs.user, cs.room, true
	})
	return u, room, ok
}

// Online reports whether userID has at least one live connection.
func (h *Hub) Online(userID string) bool {
	var ok bool
	_ = h.exec(func() {
		_, ok = h.sessions[userID]
	})
	return ok
}

// Disconnect drops every trace of the connection. It is idempotent and a
// no-op for connections that never authenticated beyond the registry entry.
func (h *Hub) Disconnect(connID string) (DisconnectResult, error) {
	var res DisconnectResult
	err := h.exec(func() {
		cs, ok := h.conns[connID]
		if !ok {
			return
		}
		res.Room = cs.room
		if cs.room != "" {
			res.Notifications = append(res.Notifications, h.removeFromRoom(connID, cs)...)
		}
		delete(h.conns, connID)
		if cs.user == nil {
			return
		}
		res.UserID = cs.user.ID
		if change, n := h.detach(connID, cs); change != nil {
			res.Offline = change
			res.Notifications = append(res.Notifications, n)
		}
	})
	return res, err
}
