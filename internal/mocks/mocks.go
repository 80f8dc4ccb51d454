package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"messaging-service/internal/messaging"
	"messaging-service/internal/models"
)

type MessagingServiceMock struct {
	mock.Mock
}

func (m *MessagingServiceMock) CreateConversation(ctx context.Context, actor messaging.Actor, participantIDs []int64) (models.Conversation, bool, error) {
	args := m.Called(ctx, actor, participantIDs)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Bool(1), args.Error(2)
}

func (m *MessagingServiceMock) ListConversations(ctx context.Context, actor messaging.Actor) ([]models.Conversation, error) {
	args := m.Called(ctx, actor)
	var convs []models.Conversation
	if val := args.Get(0); val != nil {
		convs = val.([]models.Conversation)
	}
	return convs, args.Error(1)
}

func (m *MessagingServiceMock) GetConversation(ctx context.Context, actor messaging.Actor, conversationID int64) (models.Conversation, error) {
	args := m.Called(ctx, actor, conversationID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *MessagingServiceMock) DeleteConversation(ctx context.Context, actor messaging.Actor, conversationID int64) error {
	args := m.Called(ctx, actor, conversationID)
	return args.Error(0)
}

func (m *MessagingServiceMock) ListMessages(ctx context.Context, actor messaging.Actor, conversationID int64) ([]models.Message, error) {
	args := m.Called(ctx, actor, conversationID)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessagingServiceMock) SendMessage(ctx context.Context, actor messaging.Actor, conversationID int64, content string, attachments models.Attachments) (models.Message, models.Conversation, error) {
	args := m.Called(ctx, actor, conversationID, content, attachments)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	var conv models.Conversation
	if val := args.Get(1); val != nil {
		conv = val.(models.Conversation)
	}
	return msg, conv, args.Error(2)
}

func (m *MessagingServiceMock) MarkConversationRead(ctx context.Context, actor messaging.Actor, conversationID int64) ([]models.ReadReceipt, error) {
	args := m.Called(ctx, actor, conversationID)
	var receipts []models.ReadReceipt
	if val := args.Get(0); val != nil {
		receipts = val.([]models.ReadReceipt)
	}
	return receipts, args.Error(1)
}

func (m *MessagingServiceMock) MarkRead(ctx context.Context, actor messaging.Actor, messageID int64) (models.Message, error) {
	args := m.Called(ctx, actor, messageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessagingServiceMock) EditMessage(ctx context.Context, actor messaging.Actor, messageID int64, content string) (models.Message, error) {
	args := m.Called(ctx, actor, messageID, content)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessagingServiceMock) DeleteMessage(ctx context.Context, actor messaging.Actor, messageID int64) error {
	args := m.Called(ctx, actor, messageID)
	return args.Error(0)
}

type UserDirectoryMock struct {
	mock.Mock
}

func (m *UserDirectoryMock) Usernames(ctx context.Context, ids []int64) (map[int64]string, error) {
	args := m.Called(ctx, ids)
	var names map[int64]string
	if val := args.Get(0); val != nil {
		names = val.(map[int64]string)
	}
	return names, args.Error(1)
}
