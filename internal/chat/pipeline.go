package chat

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"
)

const maxEmojiRunes = 16

// SendAck is the direct result of Send; TempID echoes the client's optimistic id.
type SendAck struct {
	MessageID string
	TempID    string
	Message   Message
}

func (s *Service) validContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", errInvalid("content is required")
	}
	if utf8.RuneCountInString(content) > s.opts.MaxContentLength {
		return "", newError(CodePayloadTooLarge, "content exceeds the maximum length")
	}
	return content, nil
}

// Send persists a message and plans message:new for the whole room, sender
// included. Nothing is planned unless the store accepted the message.
func (s *Service) Send(ctx context.Context, connID string, req SendRequest) (SendAck, []Broadcast, error) {
	u, current, err := s.session(connID)
	if err != nil {
		return SendAck{}, nil, err
	}
	content, err := s.validContent(req.Content)
	if err != nil {
		return SendAck{}, nil, err
	}
	typ := req.Type
	if typ == "" {
		typ = MessageText
	}
	if !typ.Valid() {
		return SendAck{}, nil, errInvalid("unknown message type")
	}
	if (typ == MessageImage || typ == MessageFile) && (req.File == nil || strings.TrimSpace(req.File.URL) == "") {
		return SendAck{}, nil, errInvalid("file reference is required")
	}
	roomID := strings.TrimSpace(req.RoomID)
	if roomID == "" {
		roomID = current
	}
	if roomID == "" || roomID != current {
		return SendAck{}, nil, errForbidden("join the room before sending")
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if req.ReplyTo != "" {
		parent, err := s.store.FindMessageByID(sctx, req.ReplyTo)
		if errors.Is(err, ErrNotFound) || (err == nil && parent.RoomID != roomID) {
			return SendAck{}, nil, errInvalid("replyTo message not found in this room")
		}
		if err != nil {
			return SendAck{}, nil, storageError(err, "message")
		}
	}

	msg, err := s.store.CreateMessage(sctx, NewMessage{
		RoomID:   roomID,
		SenderID: u.ID,
		Content:  content,
		Type:     typ,
		File:     req.File,
		ReplyTo:  req.ReplyTo,
	})
	if err != nil {
		return SendAck{}, nil, storageError(err, "message")
	}
	// A stale last-message pointer is corrected on the next read.
	if err := s.store.UpdateRoomLastMessage(sctx, roomID, msg.ID, msg.CreatedAt); err != nil {
		s.logger.Warn("room last message not updated", "room", roomID, "message", msg.ID, "err", err)
	}

	ack := SendAck{MessageID: msg.ID, TempID: req.TempID, Message: msg}
	return ack, []Broadcast{{RoomID: roomID, Frame: Frame{Event: EventMessageNew, Data: msg}}}, nil
}

// ownedMessage loads messageID for a mutation by the caller's user, enforcing
// ownership and room presence.
func (s *Service) ownedMessage(ctx context.Context, connID, messageID string, mustOwn bool) (User, Message, error) {
	u, current, err := s.session(connID)
	if err != nil {
		return User{}, Message{}, err
	}
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return User{}, Message{}, errInvalid("messageId is required")
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	m, err := s.store.FindMessageByID(sctx, messageID)
	if err != nil {
		return User{}, Message{}, storageError(err, "message")
	}
	if mustOwn && m.SenderID != u.ID {
		return User{}, Message{}, errForbidden("not authorized")
	}
	if m.RoomID != current {
		return User{}, Message{}, errForbidden("join the room first")
	}
	return u, m, nil
}

// Edit replaces the content of the caller's own message.
func (s *Service) Edit(ctx context.Context, connID string, req EditRequest) (Message, []Broadcast, error) {
	content, err := s.validContent(req.Content)
	if err != nil {
		return Message{}, nil, err
	}
	_, m, err := s.ownedMessage(ctx, connID, req.MessageID, true)
	if err != nil {
		return Message{}, nil, err
	}
	now := s.now()
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	updated, err := s.store.UpdateMessage(sctx, m.ID, MessagePatch{Content: &content, EditedAt: &now})
	if err != nil {
		return Message{}, nil, storageError(err, "message")
	}
	return updated, []Broadcast{{RoomID: updated.RoomID, Frame: Frame{Event: EventMessageEdited, Data: updated}}}, nil
}

// Delete removes the caller's own message. No tombstone is kept here.
func (s *Service) Delete(ctx context.Context, connID, messageID string) ([]Broadcast, error) {
	_, m, err := s.ownedMessage(ctx, connID, messageID, true)
	if err != nil {
		return nil, err
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.store.DeleteMessage(sctx, m.ID); err != nil {
		return nil, storageError(err, "message")
	}
	return []Broadcast{{
		RoomID: m.RoomID,
		Frame:  Frame{Event: EventMessageDeleted, Data: MessageDeletedPayload{MessageID: m.ID}},
	}}, nil
}

// AddReaction replaces any earlier reaction by the same user.
func (s *Service) AddReaction(ctx context.Context, connID string, req ReactionRequest) ([]Reaction, []Broadcast, error) {
	emoji := strings.TrimSpace(req.Emoji)
	if emoji == "" {
		return nil, nil, errInvalid("emoji is required")
	}
	if utf8.RuneCountInString(emoji) > maxEmojiRunes {
		return nil, nil, errInvalid("emoji is too long")
	}
	u, m, err := s.ownedMessage(ctx, connID, req.MessageID, false)
	if err != nil {
		return nil, nil, err
	}
	return s.patchReactions(ctx, m, MessagePatch{PutReaction: &Reaction{UserID: u.ID, Emoji: emoji, CreatedAt: s.now()}})
}

func (s *Service) RemoveReaction(ctx context.Context, connID string, req ReactionRequest) ([]Reaction, []Broadcast, error) {
	u, m, err := s.ownedMessage(ctx, connID, req.MessageID, false)
	if err != nil {
		return nil, nil, err
	}
	return s.patchReactions(ctx, m, MessagePatch{RemoveReactionBy: u.ID})
}

func (s *Service) patchReactions(ctx context.Context, m Message, patch MessagePatch) ([]Reaction, []Broadcast, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	updated, err := s.store.UpdateMessage(sctx, m.ID, patch)
	if err != nil {
		return nil, nil, storageError(err, "message")
	}
	return updated.Reactions, []Broadcast{{
		RoomID: updated.RoomID,
		Frame: Frame{
			Event: EventReactionUpdated,
			Data:  ReactionUpdatedPayload{MessageID: updated.ID, Reactions: updated.Reactions},
		},
	}}, nil
}

// MarkRead adds the caller to readBy. Repeated calls keep the first receipt.
func (s *Service) MarkRead(ctx context.Context, connID, messageID string) (ReadReceipt, []Broadcast, error) {
	u, _, err := s.session(connID)
	if err != nil {
		return ReadReceipt{}, nil, err
	}
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return ReadReceipt{}, nil, errInvalid("messageId is required")
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	updated, err := s.store.UpdateMessage(sctx, messageID, MessagePatch{AddReadBy: &ReadReceipt{UserID: u.ID, ReadAt: s.now()}})
	if err != nil {
		return ReadReceipt{}, nil, storageError(err, "message")
	}
	receipt, _ := readReceiptFor(updated.ReadBy, u.ID)
	return receipt, []Broadcast{{
		RoomID: updated.RoomID,
		Frame: Frame{
			Event: EventMessageReadUpdate,
			Data:  ReadUpdatePayload{MessageID: updated.ID, UserID: u.ID, ReadAt: receipt.ReadAt},
		},
	}}, nil
}

// SendPrivate writes into the direct room shared by the caller and the
// recipient, creating it on first use.
func (s *Service) SendPrivate(ctx context.Context, connID string, req PrivateRequest) (SendAck, []Broadcast, error) {
	u, _, err := s.session(connID)
	if err != nil {
		return SendAck{}, nil, err
	}
	to := strings.TrimSpace(req.ToUserID)
	if to == "" {
		return SendAck{}, nil, errInvalid("toUserId is required")
	}
	if to == u.ID {
		return SendAck{}, nil, errInvalid("cannot send a private message to yourself")
	}
	content, err := s.validContent(req.Content)
	if err != nil {
		return SendAck{}, nil, err
	}

	sctx, cancel := s.storeCtx(ctx)
	recipient, err := s.store.FindUserByID(sctx, to)
	cancel()
	if err != nil {
		return SendAck{}, nil, storageError(err, "recipient")
	}
	room, err := s.findOrCreate(ctx, Room{
		ID:      directRoomID(u.ID, recipient.ID),
		Name:    "DM-" + u.Username + "-" + recipient.Username,
		Type:    RoomDirect,
		Members: []string{u.ID, recipient.ID},
	})
	if err != nil {
		return SendAck{}, nil, err
	}

	sctx, cancel = s.storeCtx(ctx)
	defer cancel()
	msg, err := s.store.CreateMessage(sctx, NewMessage{RoomID: room.ID, SenderID: u.ID, Content: content, Type: MessageText})
	if err != nil {
		return SendAck{}, nil, storageError(err, "message")
	}
	if err := s.store.UpdateRoomLastMessage(sctx, room.ID, msg.ID, msg.CreatedAt); err != nil {
		s.logger.Warn("room last message not updated", "room", room.ID, "message", msg.ID, "err", err)
	}

	payload := PrivateMessagePayload{Message: msg, RoomID: room.ID, TempID: req.TempID}
	return SendAck{MessageID: msg.ID, TempID: req.TempID, Message: msg}, []Broadcast{
		{UserID: recipient.ID, Frame: Frame{Event: EventPrivateMessageNew, Data: PrivateMessagePayload{Message: msg, RoomID: room.ID}}},
		{ConnID: connID, Frame: Frame{Event: EventPrivateMessageSent, Data: payload}},
	}, nil
}
