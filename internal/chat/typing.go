package chat

import "strings"

// TypingStart and TypingStop plan a typing:user fan-out to the room minus the
// originating connection. Debouncing belongs to the client.
func (s *Service) TypingStart(connID, roomID string) ([]Broadcast, error) {
	return s.typing(connID, roomID, true)
}

func (s *Service) TypingStop(connID, roomID string) ([]Broadcast, error) {
	return s.typing(connID, roomID, false)
}

func (s *Service) typing(connID, roomID string, isTyping bool) ([]Broadcast, error) {
	u, current, err := s.session(connID)
	if err != nil {
		return nil, err
	}
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		roomID = current
	}
	if roomID == "" || roomID != current {
		return nil, errForbidden("join the room first")
	}
	return []Broadcast{{
		RoomID: roomID,
		Except: connID,
		Frame: Frame{
			Event: EventTypingUser,
			Data:  TypingPayload{UserID: u.ID, Username: u.Username, IsTyping: isTyping},
		},
	}}, nil
}
