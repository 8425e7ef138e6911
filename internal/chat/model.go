package chat

import "time"

// ---------------------------------------------
// 🗄️ Storage Models
// ---------------------------------------------

type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

type User struct {
	ID       string    `json:"id"`
	Username string    `json:"username"`
	Avatar   string    `json:"avatar,omitempty"`
	Status   Status    `json:"status"`
	LastSeen time.Time `json:"lastSeen"`
}

type RoomType string

const (
	RoomPublic  RoomType = "public"
	RoomPrivate RoomType = "private"
	RoomDirect  RoomType = "direct"
	RoomDefault RoomType = "default"
)

type Room struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Type          RoomType  `json:"type"`
	Description   string    `json:"description,omitempty"`
	Members       []string  `json:"members"`
	LastMessageID string    `json:"lastMessage,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func (r Room) HasMember(userID string) bool {
	for _, m := range r.Members {
		if m == userID {
			return true
		}
	}
	return false
}

type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageSystem:
		return true
	}
	return false
}

// FileRef points at an upload owned by the file storage service.
type FileRef struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`
}

type Reaction struct {
	UserID    string    `json:"user"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"createdAt"`
}

type ReadReceipt struct {
	UserID string    `json:"user"`
	ReadAt time.Time `json:"readAt"`
}

type Message struct {
	ID      string      `json:"id"`
	RoomID  string      `json:"room"`
	Content string      `json:"content"`
	Type    MessageType `json:"type"`
	File    *FileRef    `json:"file,omitempty"`
	ReplyTo string      `json:"replyTo,omitempty"`

	SenderID string `json:"sender"`
	// Denormalized from users for the UI.
	SenderName   string `json:"senderName"`
	SenderAvatar string `json:"senderAvatar,omitempty"`

	Edited    bool          `json:"edited"`
	EditedAt  *time.Time    `json:"editedAt,omitempty"`
	Reactions []Reaction    `json:"reactions"`
	ReadBy    []ReadReceipt `json:"readBy"`
	CreatedAt time.Time     `json:"createdAt"`
}

// NewMessage carries the immutable fields of a message about to be persisted.
type NewMessage struct {
	RoomID   string
	SenderID string
	Content  string
	Type     MessageType
	File     *FileRef
	ReplyTo  string
}

// MessagePatch is applied atomically by the store. Nil fields are left untouched.
type MessagePatch struct {
	Content          *string
	EditedAt         *time.Time
	PutReaction      *Reaction
	RemoveReactionBy string
	AddReadBy        *ReadReceipt
}

// ApplyPatch mutates m the way every Store implementation must.
func ApplyPatch(m *Message, p MessagePatch) {
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.EditedAt != nil {
		at := *p.EditedAt
		m.Edited = true
		m.EditedAt = &at
	}
	if p.RemoveReactionBy != "" {
		m.Reactions = withoutReactionBy(m.Reactions, p.RemoveReactionBy)
	}
	if p.PutReaction != nil {
		m.Reactions = append(withoutReactionBy(m.Reactions, p.PutReaction.UserID), *p.PutReaction)
	}
	if p.AddReadBy != nil && !hasReader(m.ReadBy, p.AddReadBy.UserID) {
		m.ReadBy = append(m.ReadBy, *p.AddReadBy)
	}
}

func withoutReactionBy(in []Reaction, userID string) []Reaction {
	out := make([]Reaction, 0, len(in))
	for _, r := range in {
		if r.UserID != userID {
			out = append(out, r)
		}
	}
	return out
}

func hasReader(in []ReadReceipt, userID string) bool {
	for _, r := range in {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

func readReceiptFor(in []ReadReceipt, userID string) (ReadReceipt, bool) {
	for _, r := range in {
		if r.UserID == userID {
			return r, true
		}
	}
	return ReadReceipt{}, false
}

// ---------------------------------------------
// ⚡ Live State Models
// ---------------------------------------------

// RosterEntry is one distinct user with at least one live connection in a room.
type RosterEntry struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}
