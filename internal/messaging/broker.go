package messaging

import (
	"context"

	"messaging-service/internal/models"
)

// Broker fans events out to live connections. Implementations must not block
// and have no error channel back to the caller.
type Broker interface {
	PublishNewMessage(msg models.Message)
	PublishRead(event models.ReadEvent)
	PublishEdited(msg models.Message)
	PublishDeleted(conversationID, messageID int64)
	PublishConversationDeleted(conv models.Conversation)
	NotifyUser(userID int64, event models.ChatEvent)
}

// EventPublisher ships domain events to the message bus.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

type noopBroker struct{}

func (noopBroker) PublishNewMessage(models.Message)               {}
func (noopBroker) PublishRead(models.ReadEvent)                   {}
func (noopBroker) PublishEdited(models.Message)                   {}
func (noopBroker) PublishDeleted(int64, int64)                    {}
func (noopBroker) PublishConversationDeleted(models.Conversation) {}
func (noopBroker) NotifyUser(int64, models.ChatEvent)             {}

type noopEvents struct{}

func (noopEvents) Publish(context.Context, string, any) error { return nil }
