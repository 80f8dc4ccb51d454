package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"messaging-service/internal/messaging"
	"messaging-service/internal/telemetry"
)

// PresenceStats reports how many live connections follow a conversation on
// this node.
type PresenceStats interface {
	ConversationSubscribers(conversationID int64) int
}

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router gin.IRouter, emitter *telemetry.AuditEmitter, presence PresenceStats, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		fields := map[string]any{"action": "audit_test"}
		if raw := c.Query("conversation_id"); raw != "" {
			conversationID, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || conversationID <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation_id", "code": messaging.CodeValidation})
				return
			}
			fields["conversation_id"] = conversationID
			if presence != nil {
				fields["subscribers"] = presence.ConversationSubscribers(conversationID)
			}
		}
		emitter.EmitFields(c.Request.Context(), "INFO", "audit test", requestIDFromContext(c), userIDFromContext(c), fields)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/debug/conversations/:conversation_id/subscribers", func(c *gin.Context) {
		conversationID, ok := parseID(c, "conversation_id")
		if !ok {
			return
		}
		if presence == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "broker not configured"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"conversation_id": conversationID,
			"subscribers":     presence.ConversationSubscribers(conversationID),
		})
	})
}
