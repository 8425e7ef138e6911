package chat

import (
	"encoding/json"
	"time"
)

// ProtocolVersion is stamped on every frame. Bump it when a payload changes shape.
const ProtocolVersion = 1

// Inbound events (client -> server).
const (
	EventAuthenticate   = "authenticate"
	EventRoomJoin       = "room:join"
	EventRoomLeave      = "room:leave"
	EventRoomHistory    = "room:history"
	EventMessageSend    = "message:send"
	EventMessageEdit    = "message:edit"
	EventMessageDelete  = "message:delete"
	EventMessagePrivate = "message:private"
	EventReactionAdd    = "reaction:add"
	EventReactionRemove = "reaction:remove"
	EventMessageRead    = "message:read"
	EventTypingStart    = "typing:start"
	EventTypingStop     = "typing:stop"
)

// Outbound events (server -> client).
const (
	EventAck                = "ack"
	EventError              = "error"
	EventAuthenticated      = "authenticated"
	EventUserStatus         = "user:status"
	EventRoomMessages       = "room:messages"
	EventRoomUsers          = "room:users"
	EventUserJoined         = "user:joined"
	EventUserLeft           = "user:left"
	EventMessageNew         = "message:new"
	EventMessageEdited      = "message:edited"
	EventMessageDeleted     = "message:deleted"
	EventReactionUpdated    = "reaction:updated"
	EventMessageReadUpdate  = "message:read:update"
	EventTypingUser         = "typing:user"
	EventPrivateMessageNew  = "message:private:new"
	EventPrivateMessageSent = "message:private:sent"
)

// Request is an inbound frame.
type Request struct {
	Version   int             `json:"v"`
	Event     string          `json:"event"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Frame is an outbound frame. Seq is the hub-wide delivery sequence; frames of
// one room are strictly increasing in it.
type Frame struct {
	Version   int    `json:"v"`
	Event     string `json:"event"`
	RequestID string `json:"requestId,omitempty"`
	Seq       uint64 `json:"seq,omitempty"`
	Data      any    `json:"data,omitempty"`
}

func encodeFrame(f Frame) ([]byte, error) {
	f.Version = ProtocolVersion
	return json.Marshal(f)
}

// ---------------------------------------------
// Inbound payloads
// ---------------------------------------------

type AuthenticateRequest struct {
	UserID string `json:"userId"`
	Token  string `json:"token,omitempty"`
}

type JoinRequest struct {
	RoomID string `json:"roomId"`
}

type LeaveRequest struct {
	RoomID string `json:"roomId"`
}

type HistoryRequest struct {
	RoomID string     `json:"roomId"`
	Before *time.Time `json:"before,omitempty"`
	Limit  int        `json:"limit,omitempty"`
}

type SendRequest struct {
	RoomID  string      `json:"roomId"`
	Content string      `json:"content"`
	Type    MessageType `json:"type,omitempty"`
	File    *FileRef    `json:"file,omitempty"`
	ReplyTo string      `json:"replyTo,omitempty"`
	TempID  string      `json:"tempId,omitempty"`
}

type EditRequest struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

type MessageRef struct {
	MessageID string `json:"messageId"`
}

type ReactionRequest struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji,omitempty"`
}

type PrivateRequest struct {
	ToUserID string `json:"toUserId"`
	Content  string `json:"content"`
	TempID   string `json:"tempId,omitempty"`
}

type TypingRequest struct {
	RoomID string `json:"roomId"`
}

// ---------------------------------------------
// Outbound payloads
// ---------------------------------------------

// Ack is the direct acknowledgment for a request that carried a requestId.
type Ack struct {
	Success      bool     `json:"success"`
	Error        string   `json:"error,omitempty"`
	Code         Code     `json:"code,omitempty"`
	MessageID    string   `json:"messageId,omitempty"`
	TempID       string   `json:"tempId,omitempty"`
	RoomID       string   `json:"roomId,omitempty"`
	MessageCount *int     `json:"messageCount,omitempty"`
	Rooms        []string `json:"rooms,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Code    Code   `json:"code"`
}

type AuthenticatedPayload struct {
	Success bool     `json:"success"`
	Rooms   []string `json:"rooms"`
}

type UserStatusPayload struct {
	UserID   string    `json:"userId"`
	Status   Status    `json:"status"`
	LastSeen time.Time `json:"lastSeen"`
}

type MembershipPayload struct {
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	RoomID    string    `json:"roomId"`
	Timestamp time.Time `json:"timestamp"`
}

type MessageDeletedPayload struct {
	MessageID string `json:"messageId"`
}

type ReactionUpdatedPayload struct {
	MessageID string     `json:"messageId"`
	Reactions []Reaction `json:"reactions"`
}

type ReadUpdatePayload struct {
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId"`
	ReadAt    time.Time `json:"readAt"`
}

type TypingPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

type PrivateMessagePayload struct {
	Message Message `json:"message"`
	RoomID  string  `json:"roomId"`
	TempID  string  `json:"tempId,omitempty"`
}
