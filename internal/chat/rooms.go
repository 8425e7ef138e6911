package chat

import "sort"

type JoinResult struct {
	Roster        []RosterEntry
	Previous      string
	Notifications []Notification
}

// Join moves the connection into roomID's live set. The joiner and the rest
// of the room receive the refreshed roster in one fan-out; user:joined goes
// to everyone but the joiner and only when the user was not already present
// through another connection.
func (h *Hub) Join(connID, roomID string) (JoinResult, error) {
	var (
		res    JoinResult
		result error
	)
	err := h.exec(func() {
		cs, ok := h.conns[connID]
		if !ok {
			result = errUnknownConn
			return
		}
		if cs.user == nil {
			result = errInvalid("connection is not authenticated")
			return
		}
		if cs.room == roomID {
			res.Roster = h.roster(roomID)
			res.Notifications = append(res.Notifications, h.deliver(Frame{Event: EventRoomUsers, Data: res.Roster}, []string{connID}))
			return
		}
		if cs.room != "" {
			res.Previous = cs.room
			res.Notifications = append(res.Notifications, h.removeFromRoom(connID, cs)...)
		}

		r, ok := h.rooms[roomID]
		if !ok {
			r = &liveRoom{conns: make(map[string]struct{})}
			h.rooms[roomID] = r
		}
		alreadyPresent := h.userInRoom(r, cs.user.ID)
		r.conns[connID] = struct{}{}
		cs.room = roomID
		res.Roster = h.roster(roomID)

		if !alreadyPresent {
			others := h.roomConns(r, connID)
			res.Notifications = append(res.Notifications, h.deliver(Frame{
				Event: EventUserJoined,
				Data: MembershipPayload{
					UserID:    cs.user.ID,
					Username:  cs.user.Username,
					RoomID:    roomID,
					Timestamp: h.now(),
				},
			}, others))
			res.Notifications = append(res.Notifications, h.deliver(Frame{Event: EventRoomUsers, Data: res.Roster}, h.roomConns(r, "")))
			return
		}
		res.Notifications = append(res.Notifications, h.deliver(Frame{Event: EventRoomUsers, Data: res.Roster}, []string{connID}))
	})
	if err != nil {
		return JoinResult{}, err
	}
	return res, result
}

// Leave removes the connection from roomID. Leaving a room the connection is
// not in is a no-op.
func (h *Hub) Leave(connID, roomID string) ([]Notification, bool, error) {
	var (
		notes []Notification
		left  bool
	)
	err := h.exec(func() {
		cs, ok := h.conns[connID]
		if !ok || cs.room == "" || cs.room != roomID {
			return
		}
		notes = h.removeFromRoom(connID, cs)
		left = true
	})
	return notes, left, err
}

// removeFromRoom must run inside the hub loop.
func (h *Hub) removeFromRoom(connID string, cs *connState) []Notification {
	roomID := cs.room
	cs.room = ""
	r, ok := h.rooms[roomID]
	if !ok {
		return nil
	}
	delete(r.conns, connID)
	if len(r.conns) == 0 {
		delete(h.rooms, roomID)
		return nil
	}
	if cs.user == nil || h.userInRoom(r, cs.user.ID) {
		return nil
	}

	remaining := h.roomConns(r, "")
	left := h.deliver(Frame{
		Event: EventUserLeft,
		Data: MembershipPayload{
			UserID:    cs.user.ID,
			Username:  cs.user.Username,
			RoomID:    roomID,
			Timestamp: h.now(),
		},
	}, remaining)
	users := h.deliver(Frame{Event: EventRoomUsers, Data: h.roster(roomID)}, remaining)
	return []Notification{left, users}
}

// Roster returns the distinct users live in roomID, ordered by username.
func (h *Hub) Roster(roomID string) []RosterEntry {
	var out []RosterEntry
	_ = h.exec(func() {
		out = h.roster(roomID)
	})
	return out
}

// InRoom reports whether the connection currently sits in roomID.
func (h *Hub) InRoom(connID, roomID string) bool {
	var ok bool
	_ = h.exec(func() {
		cs, found := h.conns[connID]
		ok = found && roomID != "" && cs.room == roomID
	})
	return ok
}

func (h *Hub) roster(roomID string) []RosterEntry {
	out := []RosterEntry{}
	r, ok := h.rooms[roomID]
	if !ok {
		return out
	}
	seen := make(map[string]struct{}, len(r.conns))
	for id := range r.conns {
		cs := h.conns[id]
		if cs == nil || cs.user == nil {
			continue
		}
		if _, dup := seen[cs.user.ID]; dup {
			continue
		}
		seen[cs.user.ID] = struct{}{}
		out = append(out, RosterEntry{UserID: cs.user.ID, Username: cs.user.Username, Avatar: cs.user.Avatar})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Username != out[j].Username {
			return out[i].Username < out[j].Username
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (h *Hub) roomConns(r *liveRoom, except string) []string {
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		if id != except {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (h *Hub) userInRoom(r *liveRoom, userID string) bool {
	for id := range r.conns {
		if cs := h.conns[id]; cs != nil && cs.user != nil && cs.user.ID == userID {
			return true
		}
	}
	return false
}
