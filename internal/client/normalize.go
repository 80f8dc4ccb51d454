package client

import (
	"encoding/json"
	"fmt"

	"messaging-service/internal/models"
)

// wireMessage accepts both id spellings used on the wire. normalize folds
// them into models.Message.ID before anything compares identities.
type wireMessage struct {
	models.Message
	MessageID int64 `json:"message_id,omitempty"`
}

func (w wireMessage) normalize() models.Message {
	msg := w.Message
	if msg.ID == 0 {
		msg.ID = w.MessageID
	}
	return normalizeMessage(msg)
}

func normalizeMessage(msg models.Message) models.Message {
	receipts := make([]models.ReadReceipt, 0, len(msg.ReadBy))
	for _, r := range msg.ReadBy {
		r.MessageID = msg.ID
		receipts = append(receipts, r)
	}
	msg.ReadBy = receipts
	return msg
}

func normalizeConversation(conv models.Conversation) models.Conversation {
	if conv.LastMessage != nil {
		last := normalizeMessage(*conv.LastMessage)
		conv.LastMessage = &last
	}
	return conv
}

type wireEvent struct {
	Type           string               `json:"type"`
	ConversationID int64                `json:"conversation_id"`
	Message        *wireMessage         `json:"message"`
	MessageID      int64                `json:"message_id"`
	Read           *models.ReadEvent    `json:"read"`
	Conversation   *models.Conversation `json:"conversation"`
	UserID         int64                `json:"user_id"`
	Channel        string               `json:"channel"`
	Error          string               `json:"error"`
	Code           string               `json:"code"`
}

// decodeEvent parses a broker frame into a ChatEvent whose ids are all
// canonical and whose ConversationID is filled from the payload if absent.
func decodeEvent(data []byte) (models.ChatEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return models.ChatEvent{}, fmt.Errorf("decode event: %w", err)
	}

	event := models.ChatEvent{
		Type:           w.Type,
		ConversationID: w.ConversationID,
		MessageID:      w.MessageID,
		UserID:         w.UserID,
		Channel:        w.Channel,
		Error:          w.Error,
		Code:           w.Code,
	}

	if w.Message != nil {
		msg := w.Message.normalize()
		event.Message = &msg
		if event.MessageID == 0 {
			event.MessageID = msg.ID
		}
		if event.ConversationID == 0 {
			event.ConversationID = msg.ConversationID
		}
	}
	if w.Read != nil {
		read := *w.Read
		if read.ConversationID == 0 {
			read.ConversationID = event.ConversationID
		}
		if event.ConversationID == 0 {
			event.ConversationID = read.ConversationID
		}
		if event.MessageID == 0 {
			event.MessageID = read.MessageID
		}
		event.Read = &read
	}
	if w.Conversation != nil {
		conv := normalizeConversation(*w.Conversation)
		event.Conversation = &conv
		if event.ConversationID == 0 {
			event.ConversationID = conv.ID
		}
	}
	return event, nil
}
