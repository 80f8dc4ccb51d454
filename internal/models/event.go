package models

import "time"

// Broker event types delivered to websocket clients.
const (
	EventConnected           = "connected"
	EventNewMessage          = "new_message"
	EventMessageRead         = "message_read"
	EventMessageEdited       = "message_edited"
	EventMessageDeleted      = "message_deleted"
	EventConversationCreated = "conversation_created"
	EventConversationDeleted = "conversation_deleted"
	EventTyping              = "typing"
	EventJoined              = "joined"
	EventLeft                = "left"
	EventError               = "error"
	EventPong                = "pong"
)

// ReadEvent is the read-receipt delta fanned out to a conversation channel.
type ReadEvent struct {
	ConversationID int64     `json:"conversation_id"`
	MessageID      int64     `json:"message_id"`
	UserID         int64     `json:"user_id"`
	ReadAt         time.Time `json:"read_at"`
}

// ChatEvent is the outbound websocket frame.
type ChatEvent struct {
	Type           string        `json:"type"`
	ConversationID int64         `json:"conversation_id,omitempty"`
	Message        *Message      `json:"message,omitempty"`
	MessageID      int64         `json:"message_id,omitempty"`
	Read           *ReadEvent    `json:"read,omitempty"`
	Conversation   *Conversation `json:"conversation,omitempty"`
	UserID         int64         `json:"user_id,omitempty"`
	Channel        string        `json:"channel,omitempty"`
	Error          string        `json:"error,omitempty"`
	Code           string        `json:"code,omitempty"`
}
