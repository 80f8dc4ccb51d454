package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"messaging-service/internal/messaging"
	"messaging-service/internal/models"
	"messaging-service/internal/telemetry"
)

// MessagingService is the part of messaging.Service the REST layer drives.
type MessagingService interface {
	CreateConversation(ctx context.Context, actor messaging.Actor, participantIDs []int64) (models.Conversation, bool, error)
	ListConversations(ctx context.Context, actor messaging.Actor) ([]models.Conversation, error)
	GetConversation(ctx context.Context, actor messaging.Actor, conversationID int64) (models.Conversation, error)
	DeleteConversation(ctx context.Context, actor messaging.Actor, conversationID int64) error
	ListMessages(ctx context.Context, actor messaging.Actor, conversationID int64) ([]models.Message, error)
	SendMessage(ctx context.Context, actor messaging.Actor, conversationID int64, content string, attachments models.Attachments) (models.Message, models.Conversation, error)
	MarkConversationRead(ctx context.Context, actor messaging.Actor, conversationID int64) ([]models.ReadReceipt, error)
	MarkRead(ctx context.Context, actor messaging.Actor, messageID int64) (models.Message, error)
	EditMessage(ctx context.Context, actor messaging.Actor, messageID int64, content string) (models.Message, error)
	DeleteMessage(ctx context.Context, actor messaging.Actor, messageID int64) error
}

// UserDirectory resolves display names for user ids.
type UserDirectory interface {
	Usernames(ctx context.Context, ids []int64) (map[int64]string, error)
}

// ConversationHandler serves the conversation and message endpoints.
type ConversationHandler struct {
	service   MessagingService
	directory UserDirectory
	audit     *telemetry.AuditEmitter
}

// NewConversationHandler builds a ConversationHandler. directory and audit
// may be nil.
func NewConversationHandler(service MessagingService, directory UserDirectory, audit *telemetry.AuditEmitter) *ConversationHandler {
	return &ConversationHandler{
		service:   service,
		directory: directory,
		audit:     audit,
	}
}

// Register mounts every route on r. Authentication is the caller's concern.
func (h *ConversationHandler) Register(r gin.IRoutes) {
	r.POST("/conversations", h.CreateConversation)
	r.GET("/conversations", h.ListConversations)
	r.GET("/conversations/:conversation_id", h.GetConversation)
	r.DELETE("/conversations/:conversation_id", h.DeleteConversation)
	r.GET("/conversations/:conversation_id/messages", h.ListMessages)
	r.POST("/conversations/:conversation_id/messages", h.PostMessage)
	r.POST("/conversations/:conversation_id/read", h.MarkConversationRead)
	r.POST("/messages/:message_id/read", h.MarkMessageRead)
	r.PATCH("/messages/:message_id", h.EditMessage)
	r.DELETE("/messages/:message_id", h.DeleteMessage)
}

type conversationResponse struct {
	models.Conversation
	ParticipantNames map[int64]string `json:"participant_names,omitempty"`
}

type messageResponse struct {
	models.Message
	SenderUsername string `json:"sender_username,omitempty"`
}

// CreateConversation handles POST /conversations.
func (h *ConversationHandler) CreateConversation(c *gin.Context) {
	var req struct {
		ParticipantIDs []int64 `json:"participant_ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": messaging.CodeValidation})
		return
	}

	conv, created, err := h.service.CreateConversation(c.Request.Context(), actorFromContext(c), req.ParticipantIDs)
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.emitAudit(c, "INFO", "conversation created", map[string]any{"conversation_id": conv.ID})
	}
	c.JSON(status, conv)
}

// ListConversations handles GET /conversations.
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	convs, err := h.service.ListConversations(c.Request.Context(), actorFromContext(c))
	if err != nil {
		writeError(c, err)
		return
	}

	ids := make([]int64, 0, len(convs))
	seen := map[int64]struct{}{}
	for _, conv := range convs {
		for _, id := range conv.Participants {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}

	names, ok := h.usernames(c, ids)
	if !ok {
		return
	}

	resp := make([]conversationResponse, 0, len(convs))
	for _, conv := range convs {
		item := conversationResponse{Conversation: conv}
		if len(names) > 0 {
			item.ParticipantNames = make(map[int64]string, len(conv.Participants))
			for _, id := range conv.Participants {
				if name, ok := names[id]; ok {
					item.ParticipantNames[id] = name
				}
			}
		}
		resp = append(resp, item)
	}

	c.JSON(http.StatusOK, gin.H{"conversations": resp})
}

// GetConversation handles GET /conversations/:conversation_id.
func (h *ConversationHandler) GetConversation(c *gin.Context) {
	convID, ok := parseID(c, "conversation_id")
	if !ok {
		return
	}

	conv, err := h.service.GetConversation(c.Request.Context(), actorFromContext(c), convID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// DeleteConversation handles DELETE /conversations/:conversation_id.
func (h *ConversationHandler) DeleteConversation(c *gin.Context) {
	convID, ok := parseID(c, "conversation_id")
	if !ok {
		return
	}

	if err := h.service.DeleteConversation(c.Request.Context(), actorFromContext(c), convID); err != nil {
		h.emitAudit(c, "ERROR", "conversation delete failed", map[string]any{"conversation_id": convID, "code": messaging.CodeOf(err)})
		writeError(c, err)
		return
	}

	h.emitAudit(c, "INFO", "conversation deleted", map[string]any{"conversation_id": convID})
	c.Status(http.StatusNoContent)
}

// ListMessages handles GET /conversations/:conversation_id/messages.
func (h *ConversationHandler) ListMessages(c *gin.Context) {
	convID, ok := parseID(c, "conversation_id")
	if !ok {
		return
	}

	msgs, err := h.service.ListMessages(c.Request.Context(), actorFromContext(c), convID)
	if err != nil {
		writeError(c, err)
		return
	}

	senderIDs := make([]int64, 0, len(msgs))
	seen := map[int64]struct{}{}
	for _, m := range msgs {
		if _, ok := seen[m.SenderID]; !ok {
			seen[m.SenderID] = struct{}{}
			senderIDs = append(senderIDs, m.SenderID)
		}
	}

	names, ok := h.usernames(c, senderIDs)
	if !ok {
		return
	}

	resp := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		resp = append(resp, messageResponse{Message: m, SenderUsername: names[m.SenderID]})
	}

	c.JSON(http.StatusOK, gin.H{"messages": resp})
}

// PostMessage handles POST /conversations/:conversation_id/messages.
func (h *ConversationHandler) PostMessage(c *gin.Context) {
	convID, ok := parseID(c, "conversation_id")
	if !ok {
		return
	}

	var req struct {
		Content     string             `json:"content"`
		Attachments models.Attachments `json:"attachments"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": messaging.CodeValidation})
		return
	}

	msg, conv, err := h.service.SendMessage(c.Request.Context(), actorFromContext(c), convID, req.Content, req.Attachments)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"message": msg, "conversation": conv})
}

// MarkConversationRead handles POST /conversations/:conversation_id/read.
func (h *ConversationHandler) MarkConversationRead(c *gin.Context) {
	convID, ok := parseID(c, "conversation_id")
	if !ok {
		return
	}

	receipts, err := h.service.MarkConversationRead(c.Request.Context(), actorFromContext(c), convID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"read": len(receipts)})
}

// MarkMessageRead handles POST /messages/:message_id/read.
func (h *ConversationHandler) MarkMessageRead(c *gin.Context) {
	msgID, ok := parseID(c, "message_id")
	if !ok {
		return
	}

	if _, err := h.service.MarkRead(c.Request.Context(), actorFromContext(c), msgID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// EditMessage handles PATCH /messages/:message_id.
func (h *ConversationHandler) EditMessage(c *gin.Context) {
	msgID, ok := parseID(c, "message_id")
	if !ok {
		return
	}

	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": messaging.CodeValidation})
		return
	}

	msg, err := h.service.EditMessage(c.Request.Context(), actorFromContext(c), msgID, req.Content)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// DeleteMessage handles DELETE /messages/:message_id.
func (h *ConversationHandler) DeleteMessage(c *gin.Context) {
	msgID, ok := parseID(c, "message_id")
	if !ok {
		return
	}

	if err := h.service.DeleteMessage(c.Request.Context(), actorFromContext(c), msgID); err != nil {
		h.emitAudit(c, "ERROR", "message delete failed", map[string]any{"message_id": msgID, "code": messaging.CodeOf(err)})
		writeError(c, err)
		return
	}

	h.emitAudit(c, "INFO", "message deleted", map[string]any{"message_id": msgID})
	c.Status(http.StatusNoContent)
}

// usernames resolves ids through the directory. It writes a 502 and returns
// false when the directory fails.
func (h *ConversationHandler) usernames(c *gin.Context, ids []int64) (map[int64]string, bool) {
	if h.directory == nil || len(ids) == 0 {
		return nil, true
	}
	names, err := h.directory.Usernames(c.Request.Context(), ids)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to load user info"})
		return nil, false
	}
	return names, true
}

func (h *ConversationHandler) emitAudit(c *gin.Context, level, text string, fields map[string]any) {
	if h.audit == nil {
		return
	}
	h.audit.EmitFields(c.Request.Context(), level, text, requestIDFromContext(c), userIDFromContext(c), fields)
}

func parseID(c *gin.Context, param string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(param), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + param, "code": messaging.CodeValidation})
		return 0, false
	}
	return id, true
}

func writeError(c *gin.Context, err error) {
	code := messaging.CodeOf(err)
	c.JSON(messaging.HTTPStatus(code), gin.H{"error": messaging.ReasonOf(err), "code": code})
}
