package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"go-chat-realtime/internal/metrics"
	myMiddleware "go-chat-realtime/internal/middleware"

	"github.com/gorilla/websocket"
)

// We define an interface for what we need from the User Service
// This keeps packages loosely coupled
type TokenValidator interface {
	ValidateToken(tokenString string) (string, string, error)
	// Returns userID, username, error
}

type HandlerConfig struct {
	SendBuffer      int
	FramesPerSecond float64
	// RequireToken rejects handshakes and authenticate frames without a valid token.
	RequireToken bool
}

type Handler struct {
	svc       *Service
	validator TokenValidator
	cfg       HandlerConfig
	metrics   *metrics.Metrics
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	started   time.Time
}

func NewHandler(svc *Service, validator TokenValidator, cfg HandlerConfig, m *metrics.Metrics, logger *slog.Logger) *Handler {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.FramesPerSecond <= 0 {
		cfg.FramesPerSecond = 40
	}
	return &Handler{
		svc:       svc,
		validator: validator,
		cfg:       cfg,
		metrics:   m,
		logger:    logger.With("component", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all for now (Dev mode)
			},
		},
		started: time.Now(),
	}
}

// ServeWs upgrades the request and starts the connection pumps. A token on the
// handshake pins the identity the connection may later authenticate as.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	tokenUser, _ := r.Context().Value(myMiddleware.UserKey).(string)
	if tokenUser == "" && h.cfg.RequireToken {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "err", err)
		return
	}

	client := newClient(conn, h.cfg.SendBuffer, h.cfg.FramesPerSecond)
	client.tokenUser = tokenUser
	if err := h.svc.Hub().Register(client); err != nil {
		conn.Close()
		return
	}
	h.logger.Debug("connection opened", "conn", client.ID(), "remote", r.RemoteAddr)

	go client.writePump()
	go client.readPump(h.dispatch, h.cleanup)
}

func (h *Handler) cleanup(c *Client) {
	h.svc.Disconnect(context.Background(), c.ID())
	h.logger.Debug("connection closed", "conn", c.ID())
}

// ---------------------------------------------
// Frame dispatch
// ---------------------------------------------

var knownEvents = map[string]bool{
	EventAuthenticate:   true,
	EventRoomJoin:       true,
	EventRoomLeave:      true,
	EventRoomHistory:    true,
	EventMessageSend:    true,
	EventMessageEdit:    true,
	EventMessageDelete:  true,
	EventMessagePrivate: true,
	EventReactionAdd:    true,
	EventReactionRemove: true,
	EventMessageRead:    true,
	EventTypingStart:    true,
	EventTypingStop:     true,
}

// dispatch runs one inbound frame to completion. Frames of one connection are
// handled in arrival order because the read pump calls it synchronously.
func (h *Handler) dispatch(c *Client, raw []byte) {
	start := time.Now()
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		h.fail(c, req, errInvalid("malformed frame"))
		h.observe("invalid", CodeInvalidArgument, start)
		return
	}
	label := req.Event
	if !knownEvents[label] {
		label = "unknown"
	}
	if !c.limiter.Allow() {
		h.fail(c, req, newError(CodeResourceExhausted, "too many requests"))
		h.observe(label, CodeResourceExhausted, start)
		return
	}

	code := Code("OK")
	if err := h.handle(context.Background(), c, req); err != nil {
		code = GetCode(err)
		h.fail(c, req, err)
	}
	h.observe(label, code, start)
}

func (h *Handler) observe(event string, code Code, start time.Time) {
	h.metrics.Requests.WithLabelValues(event, string(code)).Inc()
	h.metrics.RequestTime.WithLabelValues(event).Observe(time.Since(start).Seconds())
}

func (h *Handler) handle(ctx context.Context, c *Client, req Request) error {
	if req.Version != 0 && req.Version != ProtocolVersion {
		return errInvalid("unsupported protocol version")
	}

	switch req.Event {
	case EventAuthenticate:
		var p AuthenticateRequest
		if err := decode(req.Data, &p); err != nil {
			return err
		}
		userID, err := h.identity(c, p)
		if err != nil {
			return err
		}
		res, _, err := h.svc.Authenticate(ctx, c.ID(), userID)
		if err != nil {
			return err
		}
		h.ack(c, req, Ack{Success: true, Rooms: res.Rooms})
		h.reply(c, Frame{Event: EventAuthenticated, Data: AuthenticatedPayload{Success: true, Rooms: res.Rooms}})
		return nil

	case EventRoomJoin:
		var p JoinRequest
		if err := decode(req.Data, &p); err != nil {
			return err
		}
		out, _, err := h.svc.Join(ctx, c.ID(), p.RoomID)
		if err != nil {
			return err
		}
		count := len(out.Messages)
		h.ack(c, req, Ack{Success: true, RoomID: out.RoomID, MessageCount: &count})
		h.reply(c, Frame{Event: EventRoomMessages, Data: nonNil(out.Messages)})
		return nil

	case EventRoomLeave:
		var p LeaveRequest
		if err := decode(req.Data, &p); err != nil {
			return err
		}
		if _, err := h.svc.Leave(ctx, c.ID(), p.RoomID); err != nil {
			return err
		}
		h.ack(c, req, Ack{Success: true, RoomID: p.RoomID})
		return nil

	case EventRoomHistory:
		var p HistoryRequest
		if err := decode(req.Data, &p); err != nil {
			return err
		}
		msgs, err := h.svc.History(ctx, c.ID(), p)
		if err != nil {
			return err
		}
		count := len(msgs)
		h.ack(c, req, Ack{Success: true, RoomID: p.RoomID, MessageCount: &count})
		h.reply(c, Frame{Event: EventRoomMessages, Data: nonNil(msgs)})
		return nil

	case EventMessageSend:
		var p SendRequest
		if err := decode(req.Data, &p); err != nil {
			return err
		}
		res, out, err := h.svc.Send(ctx, c.ID(), p)
		if err != nil {
			return err
		}
		h.ack(c, req, Ack{Success: true, MessageID: res.MessageID, TempID: res.TempID})
		h.publish(out)
		return nil

	case EventMessageEdit:
		var p EditRequest
		if err := decode(req.Data, &p); err != nil {
			return err
		}
		m, out, err := h.svc.Edit(ctx, c.ID(), p)
		if err != nil {
			return err
		}
		h.ack(c, req, Ack{Success: true, MessageID: m.ID})
		h.publish(out)
		return nil

	case EventMessageDelete:
		var p MessageRef
		if err := decode(req.Data, &p); err != nil {
			return err
		}
		out, err := h.svc.Delete(ctx, c.ID(), p.MessageID)
		if err != nil {
			return err
		}
		h.ack(c, req, Ack{Success: true, MessageID: p.MessageID})
		h.publish(out)
		return nil

	case EventReactionAdd, EventReactionRemove:
		var p ReactionRequest
		if err := decode(req.Data, &p); err != nil {
			return err
		}
		apply := h.svc.AddReaction
		if req.Event == EventReactionRemove {
			apply = h.svc.RemoveReaction
		}
		_, out, err := apply(ctx, c.ID(), p)
		if err != nil {
			return err
		}
		h.ack(c, req, Ack{Success: true, MessageID: p.MessageID})
		h.publish(out)
		return nil

	case EventMessageRead:
		var p MessageRef
		if err := decode(req.Data, &p); err != nil {
			return err
		}
		_, out, err := h.svc.MarkRead(ctx, c.ID(), p.MessageID)
		if err != nil {
			return err
		}
		h.ack(c, req, Ack{Success: true, MessageID: p.MessageID})
		h.publish(out)
		return nil

	case EventMessagePrivate:
		var p PrivateRequest
		if err := decode(req.Data, &p); err != nil {
			return err
		}
		res, out, err := h.svc.SendPrivate(ctx, c.ID(), p)
		if err != nil {
			return err
		}
		h.ack(c, req, Ack{Success: true, MessageID: res.MessageID, TempID: res.TempID, RoomID: res.Message.RoomID})
		h.publish(out)
		return nil

	case EventTypingStart, EventTypingStop:
		var p TypingRequest
		if err := decode(req.Data, &p); err != nil {
			return err
		}
		typing := h.svc.TypingStart
		if req.Event == EventTypingStop {
			typing = h.svc.TypingStop
		}
		out, err := typing(c.ID(), p.RoomID)
		if err != nil {
			return err
		}
		h.publish(out)
		return nil
	}
	return errInvalid("unknown event " + req.Event)
}

// identity resolves the user id an authenticate frame may bind. A token,
// from the frame or the handshake, must name the same user as userId.
func (h *Handler) identity(c *Client, p AuthenticateRequest) (string, error) {
	proven := c.tokenUser
	if p.Token != "" {
		if h.validator == nil {
			return "", errUnauthenticated()
		}
		id, _, err := h.validator.ValidateToken(p.Token)
		if err != nil {
			return "", &Error{Code: CodeUnauthenticated, Message: "invalid token", Err: err}
		}
		proven = id
	}
	switch {
	case proven == "" && h.cfg.RequireToken:
		return "", errUnauthenticated()
	case proven == "":
		return p.UserID, nil
	case p.UserID == "":
		return proven, nil
	case p.UserID != proven:
		return "", errForbidden("token does not match userId")
	}
	return proven, nil
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return errInvalid("data is required")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &Error{Code: CodeInvalidArgument, Message: "malformed data", Err: err}
	}
	return nil
}

func nonNil(msgs []Message) []Message {
	if msgs == nil {
		return []Message{}
	}
	return msgs
}

// ---------------------------------------------
// Replies
// ---------------------------------------------

// reply queues a frame for the caller only. A caller whose buffer is full is
// evicted exactly like a slow broadcast target.
func (h *Handler) reply(c *Client, f Frame) {
	payload, err := encodeFrame(f)
	if err != nil {
		h.logger.Error("encode frame", "event", f.Event, "err", err)
		return
	}
	if !c.Send(payload) {
		h.metrics.FramesDropped.Inc()
		c.Close()
		return
	}
	h.metrics.FramesSent.WithLabelValues(f.Event).Inc()
}

// ack is written only when the request carried a requestId.
func (h *Handler) ack(c *Client, req Request, a Ack) {
	if req.RequestID == "" {
		return
	}
	h.reply(c, Frame{Event: EventAck, RequestID: req.RequestID, Data: a})
}

func (h *Handler) fail(c *Client, req Request, err error) {
	code := GetCode(err)
	msg := publicMessage(err)
	switch code {
	case CodeStorageUnavailable, CodeInternal:
		h.logger.Warn("request failed", "conn", c.ID(), "event", req.Event, "code", code, "err", err)
	default:
		h.logger.Debug("request rejected", "conn", c.ID(), "event", req.Event, "code", code, "err", err)
	}
	h.ack(c, req, Ack{Success: false, Error: msg, Code: code})
	h.reply(c, Frame{Event: EventError, RequestID: req.RequestID, Data: ErrorPayload{Message: msg, Code: code}})
}

func (h *Handler) publish(out []Broadcast) {
	for _, b := range out {
		if _, err := h.svc.Hub().Publish(b); err != nil {
			h.logger.Warn("broadcast not delivered", "event", b.Frame.Event, "err", err)
		}
	}
}

// ---------------------------------------------
// REST
// ---------------------------------------------

// DefaultRoom find-or-creates the sentinel room.
func (h *Handler) DefaultRoom(w http.ResponseWriter, r *http.Request) {
	room, err := h.svc.EnsureDefaultRoom(r.Context())
	if err != nil {
		h.logger.Warn("default room unavailable", "err", err)
		http.Error(w, publicMessage(err), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(h.started).Seconds(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
