package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"messaging-service/internal/auth"
	"messaging-service/internal/messaging"
	"messaging-service/internal/models"
	"messaging-service/internal/observability"
)

// Inbound frame types.
const (
	FrameJoin              = "join"
	FrameJoinConversation  = "join_conversation"
	FrameLeaveConversation = "leave_conversation"
	FrameSend              = "send"
	FrameTyping            = "typing"
	FramePing              = "ping"
)

var _ messaging.Broker = (*Hub)(nil)

// InboundFrame is a client to server websocket frame.
type InboundFrame struct {
	Type           string `json:"type"`
	ConversationID int64  `json:"conversation_id,omitempty"`
	MessageID      int64  `json:"message_id,omitempty"`
}

// ConversationService is the part of the messaging service the endpoint uses.
type ConversationService interface {
	GetConversation(ctx context.Context, actor messaging.Actor, conversationID int64) (models.Conversation, error)
	NotifyMessage(ctx context.Context, actor messaging.Actor, messageID int64) (models.Message, error)
}

// Handler serves the websocket endpoint.
type Handler struct {
	hub        *Hub
	service    ConversationService
	verifier   auth.Verifier
	sendBuffer int
	logger     *slog.Logger
}

// NewHandler constructs a Handler.
func NewHandler(hub *Hub, service ConversationService, verifier auth.Verifier, sendBuffer int, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		hub:        hub,
		service:    service,
		verifier:   verifier,
		sendBuffer: sendBuffer,
		logger:     logger.With("component", "ws"),
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handle authenticates, upgrades and serves one connection until it closes.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("messaging-service/ws").Start(c.Request.Context(), "ws.handshake")

	token, err := auth.BearerToken(c.Request)
	if err != nil {
		span.End()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
		return
	}
	claims, err := h.verifier.Verify(token)
	if err != nil {
		span.End()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.End()
		return
	}

	requestID := observability.RequestIDFromRequest(c.Request)
	if requestID == "" {
		requestID = observability.RequestIDFromContext(ctx)
	}
	info := ConnInfo{
		ConnID:      uuid.NewString(),
		UserID:      claims.UserID,
		Role:        claims.Role,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   requestID,
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	span.SetAttributes(attribute.String("ws.conn_id", info.ConnID), attribute.Int64("user.id", info.UserID))
	span.End()

	conn := NewConnection(wsConn, info, h.sendBuffer)
	h.hub.Register(conn)
	conn.Start()
	h.hub.publishLifecycle(ctx, conn, "ws_connect", "")
	h.reply(conn, models.ChatEvent{Type: models.EventConnected, UserID: info.UserID})

	// the request context ends with the handshake; frames run detached from it
	sessionCtx := observability.WithRequestID(context.Background(), requestID)
	err = h.readLoop(sessionCtx, conn, messaging.Actor{UserID: claims.UserID, Role: claims.Role})

	reason := ""
	if err != nil {
		reason = err.Error()
	}
	if h.hub.Unregister(conn) {
		if err != nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			h.hub.publishLifecycle(sessionCtx, conn, "ws_error", reason)
		}
		h.hub.publishLifecycle(sessionCtx, conn, "ws_disconnect", reason)
	}
	conn.Close(websocket.CloseNormalClosure, "")
}

func (h *Handler) readLoop(ctx context.Context, conn *Connection, actor messaging.Actor) error {
	conn.ws.SetReadLimit(maxFrameBytes)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))

		var frame InboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.replyError(conn, messaging.CodeValidation, "malformed frame")
			continue
		}
		h.dispatch(ctx, conn, actor, frame)
	}
}

func (h *Handler) dispatch(ctx context.Context, conn *Connection, actor messaging.Actor, frame InboundFrame) {
	switch frame.Type {
	case FrameJoin:
		channel := h.hub.JoinUser(conn)
		h.reply(conn, models.ChatEvent{Type: models.EventJoined, Channel: channel, UserID: actor.UserID})

	case FrameJoinConversation:
		if _, err := h.service.GetConversation(ctx, actor, frame.ConversationID); err != nil {
			h.replyErr(conn, err)
			return
		}
		channel := h.hub.JoinConversation(conn, frame.ConversationID)
		h.reply(conn, models.ChatEvent{Type: models.EventJoined, Channel: channel, ConversationID: frame.ConversationID})

	case FrameLeaveConversation:
		channel := h.hub.LeaveConversation(conn, frame.ConversationID)
		h.reply(conn, models.ChatEvent{Type: models.EventLeft, Channel: channel, ConversationID: frame.ConversationID})

	case FrameSend:
		ctx, span := otel.Tracer("messaging-service/ws").Start(ctx, "ws.send")
		span.SetAttributes(attribute.Int64("message.id", frame.MessageID))
		_, err := h.service.NotifyMessage(ctx, actor, frame.MessageID)
		span.End()
		if err != nil {
			h.replyErr(conn, err)
		}

	case FrameTyping:
		if !h.hub.InConversation(conn, frame.ConversationID) {
			h.replyError(conn, messaging.CodeForbidden, "join the conversation first")
			return
		}
		h.hub.PublishTyping(conn, frame.ConversationID)

	case FramePing:
		h.reply(conn, models.ChatEvent{Type: models.EventPong})

	default:
		h.replyError(conn, messaging.CodeValidation, "unknown frame type")
	}
}

func (h *Handler) reply(conn *Connection, event models.ChatEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("encode reply", "type", event.Type, "error", err)
		return
	}
	if !conn.enqueue(data) {
		observability.IncBrokerDropped("buffer_full")
		h.hub.drop(conn, "send buffer full")
	}
}

func (h *Handler) replyErr(conn *Connection, err error) {
	var mErr *messaging.Error
	if !errors.As(err, &mErr) || mErr.Code == messaging.CodeInternal {
		h.logger.Error("ws frame failed", "conn_id", conn.ID, "error", err)
	}
	h.replyError(conn, messaging.CodeOf(err), messaging.ReasonOf(err))
}

func (h *Handler) replyError(conn *Connection, code messaging.ErrorCode, reason string) {
	h.reply(conn, models.ChatEvent{Type: models.EventError, Code: string(code), Error: reason})
}
