package messaging

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"messaging-service/internal/models"
	"messaging-service/internal/observability"
	"messaging-service/internal/repositories"
)

const (
	DefaultMaxMessageLength = 5000
	MaxAttachments          = 10
)

// Routing keys of the domain events published after each committed change.
const (
	RoutingMessageCreated      = "messaging.message.created"
	RoutingMessageRead         = "messaging.message.read"
	RoutingMessageEdited       = "messaging.message.edited"
	RoutingMessageDeleted      = "messaging.message.deleted"
	RoutingConversationCreated = "messaging.conversation.created"
	RoutingConversationDeleted = "messaging.conversation.deleted"
)

var tracer = otel.Tracer("messaging-service/messaging")

// Actor is the authenticated caller of an operation.
type Actor struct {
	UserID int64
	Role   string
}

// Options tunes a Service. Zero values fall back to defaults.
type Options struct {
	MaxMessageLength int
	PrivilegedRoles  []string
	Events           EventPublisher
	Logger           *slog.Logger
	Now              func() time.Time
}

// Service implements the conversation and message operations on top of the
// repositories and pushes committed changes to the broker.
type Service struct {
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	broker        Broker
	events        EventPublisher
	logger        *slog.Logger
	privileged    map[string]struct{}
	maxLength     int
	now           func() time.Time
}

// NewService wires a Service. A nil broker disables real-time fan-out.
func NewService(conversations repositories.ConversationRepository, messages repositories.MessageRepository, broker Broker, opts Options) *Service {
	s := &Service{
		conversations: conversations,
		messages:      messages,
		broker:        broker,
		events:        opts.Events,
		logger:        opts.Logger,
		privileged:    make(map[string]struct{}, len(opts.PrivilegedRoles)),
		maxLength:     opts.MaxMessageLength,
		now:           opts.Now,
	}
	if s.broker == nil {
		s.broker = noopBroker{}
	}
	if s.events == nil {
		s.events = noopEvents{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "messaging")
	if s.maxLength <= 0 {
		s.maxLength = DefaultMaxMessageLength
	}
	if s.now == nil {
		s.now = time.Now
	}
	for _, role := range opts.PrivilegedRoles {
		if role = strings.TrimSpace(role); role != "" {
			s.privileged[role] = struct{}{}
		}
	}
	return s
}

// IsPrivileged reports whether the actor holds an override role.
func (s *Service) IsPrivileged(actor Actor) bool {
	_, ok := s.privileged[actor.Role]
	return ok
}

// CreateConversation returns the conversation for the normalized participant
// set, creating it when none exists. The bool reports creation.
func (s *Service) CreateConversation(ctx context.Context, actor Actor, participantIDs []int64) (models.Conversation, bool, error) {
	ids := models.NormalizeParticipants(participantIDs)
	// privileged callers may open a conversation between other users
	if !s.IsPrivileged(actor) || len(ids) < 2 {
		ids = models.NormalizeParticipants(append(ids, actor.UserID))
	}
	if len(ids) < 2 {
		return models.Conversation{}, false, invalid("a conversation needs at least 2 distinct participants")
	}

	conv, created, err := s.conversations.CreateOrGetConversation(ctx, ids)
	if err != nil {
		if errors.Is(err, repositories.ErrConversationConflict) {
			return models.Conversation{}, false, newError(CodeConflict, "conversation was modified concurrently, retry", err)
		}
		return models.Conversation{}, false, internal("failed to create conversation", err)
	}

	if !created {
		if err := s.attachLastMessages(ctx, []*models.Conversation{&conv}); err != nil {
			return models.Conversation{}, false, err
		}
		return conv, false, nil
	}

	for _, userID := range conv.Participants {
		c := conv
		s.broker.NotifyUser(userID, models.ChatEvent{
			Type:           models.EventConversationCreated,
			ConversationID: conv.ID,
			Conversation:   &c,
		})
	}
	s.publishEvent(ctx, RoutingConversationCreated, "conversation.created", map[string]any{
		"conversation_id": conv.ID,
		"participants":    []int64(conv.Participants),
		"created_by":      actor.UserID,
	})
	return conv, true, nil
}

// ListConversations returns the actor's conversations, most recent first.
func (s *Service) ListConversations(ctx context.Context, actor Actor) ([]models.Conversation, error) {
	convs, err := s.conversations.ListConversations(ctx, actor.UserID)
	if err != nil {
		return nil, internal("failed to load conversations", err)
	}
	ptrs := make([]*models.Conversation, len(convs))
	for i := range convs {
		ptrs[i] = &convs[i]
	}
	if err := s.attachLastMessages(ctx, ptrs); err != nil {
		return nil, err
	}
	return convs, nil
}

// GetConversation loads a conversation the actor may see.
func (s *Service) GetConversation(ctx context.Context, actor Actor, conversationID int64) (models.Conversation, error) {
	conv, err := s.loadConversation(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, err
	}
	if !conv.HasParticipant(actor.UserID) && !s.IsPrivileged(actor) {
		return models.Conversation{}, forbidden("not a conversation participant")
	}
	if err := s.attachLastMessages(ctx, []*models.Conversation{&conv}); err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

// SendMessage persists a message and advances the conversation's last message
// in the same transaction. Broker and bus failures never fail the send.
func (s *Service) SendMessage(ctx context.Context, actor Actor, conversationID int64, content string, attachments models.Attachments) (models.Message, models.Conversation, error) {
	ctx, span := tracer.Start(ctx, "messaging.send")
	defer span.End()
	span.SetAttributes(attribute.Int64("conversation.id", conversationID), attribute.Int64("sender.id", actor.UserID))

	conv, err := s.loadConversation(ctx, conversationID)
	if err != nil {
		return models.Message{}, models.Conversation{}, err
	}
	if !conv.HasParticipant(actor.UserID) {
		return models.Message{}, models.Conversation{}, forbidden("sender is not a conversation participant")
	}
	if err := s.validateContent(content, attachments); err != nil {
		return models.Message{}, models.Conversation{}, err
	}

	msg, conv, err := s.messages.CreateMessage(ctx, conversationID, actor.UserID, content, attachments)
	if err != nil {
		if errors.Is(err, repositories.ErrConversationNotFound) {
			return models.Message{}, models.Conversation{}, notFound("conversation not found")
		}
		return models.Message{}, models.Conversation{}, internal("failed to store message", err)
	}
	if conv.LastMessageID != nil && *conv.LastMessageID == msg.ID {
		last := msg
		conv.LastMessage = &last
	} else if err := s.attachLastMessages(ctx, []*models.Conversation{&conv}); err != nil {
		s.logger.Warn("last message reload failed", "conversation_id", conv.ID, "error", err)
	}
	span.SetAttributes(attribute.Int64("message.id", msg.ID))

	observability.IncMessagesSent()
	s.broker.PublishNewMessage(msg)
	s.publishEvent(ctx, RoutingMessageCreated, "message.created", map[string]any{
		"conversation_id": msg.ConversationID,
		"message_id":      msg.ID,
		"sender_id":       msg.SenderID,
		"attachments":     len(msg.Attachments),
		"created_at":      msg.CreatedAt,
	})
	return msg, conv, nil
}

// ListMessages returns the conversation history in ascending (created_at, id).
func (s *Service) ListMessages(ctx context.Context, actor Actor, conversationID int64) ([]models.Message, error) {
	conv, err := s.loadConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(actor.UserID) && !s.IsPrivileged(actor) {
		return nil, forbidden("not a conversation participant")
	}
	msgs, err := s.messages.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, internal("failed to load messages", err)
	}
	return msgs, nil
}

// MarkRead records that the actor has seen a message. Repeated calls leave
// read_by unchanged. Callers outside the conversation are rejected.
func (s *Service) MarkRead(ctx context.Context, actor Actor, messageID int64) (models.Message, error) {
	msg, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return models.Message{}, err
	}
	conv, err := s.loadConversation(ctx, msg.ConversationID)
	if err != nil {
		return models.Message{}, err
	}
	if !conv.HasParticipant(actor.UserID) {
		return models.Message{}, forbidden("not a conversation participant")
	}

	receipt, added, err := s.messages.AddReadReceipt(ctx, messageID, actor.UserID, s.now())
	if err != nil {
		if errors.Is(err, repositories.ErrMessageNotFound) {
			return models.Message{}, notFound("message not found")
		}
		return models.Message{}, internal("failed to mark message read", err)
	}
	if !added {
		return msg, nil
	}

	msg.ReadBy = append(msg.ReadBy, receipt)
	s.announceRead(ctx, msg.ConversationID, receipt)
	return msg, nil
}

// MarkConversationRead marks every message from other senders as read and
// returns the receipts that were newly recorded.
func (s *Service) MarkConversationRead(ctx context.Context, actor Actor, conversationID int64) ([]models.ReadReceipt, error) {
	conv, err := s.loadConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(actor.UserID) {
		return nil, forbidden("not a conversation participant")
	}
	receipts, err := s.messages.MarkConversationRead(ctx, conversationID, actor.UserID, s.now())
	if err != nil {
		return nil, internal("failed to mark conversation read", err)
	}
	for _, receipt := range receipts {
		s.announceRead(ctx, conversationID, receipt)
	}
	return receipts, nil
}

// EditMessage replaces the content of the actor's own message.
func (s *Service) EditMessage(ctx context.Context, actor Actor, messageID int64, content string) (models.Message, error) {
	msg, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if msg.SenderID != actor.UserID {
		return models.Message{}, forbidden("only the sender can edit a message")
	}
	if err := s.validateContent(content, msg.Attachments); err != nil {
		return models.Message{}, err
	}

	updated, err := s.messages.UpdateContent(ctx, messageID, content, s.now().UTC())
	if err != nil {
		if errors.Is(err, repositories.ErrMessageNotFound) {
			return models.Message{}, notFound("message not found")
		}
		return models.Message{}, internal("failed to edit message", err)
	}

	s.broker.PublishEdited(updated)
	s.publishEvent(ctx, RoutingMessageEdited, "message.edited", map[string]any{
		"conversation_id": updated.ConversationID,
		"message_id":      updated.ID,
		"sender_id":       updated.SenderID,
	})
	return updated, nil
}

// DeleteMessage removes a message. Allowed for its sender or a privileged role.
func (s *Service) DeleteMessage(ctx context.Context, actor Actor, messageID int64) error {
	msg, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != actor.UserID && !s.IsPrivileged(actor) {
		return forbidden("only the sender or a privileged role can delete a message")
	}

	if err := s.messages.DeleteMessage(ctx, messageID); err != nil {
		if errors.Is(err, repositories.ErrMessageNotFound) {
			return notFound("message not found")
		}
		return internal("failed to delete message", err)
	}

	s.broker.PublishDeleted(msg.ConversationID, msg.ID)
	s.publishEvent(ctx, RoutingMessageDeleted, "message.deleted", map[string]any{
		"conversation_id": msg.ConversationID,
		"message_id":      msg.ID,
		"deleted_by":      actor.UserID,
	})
	return nil
}

// DeleteConversation removes a conversation together with its messages and
// receipts. Allowed for participants and privileged roles.
func (s *Service) DeleteConversation(ctx context.Context, actor Actor, conversationID int64) error {
	conv, err := s.loadConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(actor.UserID) && !s.IsPrivileged(actor) {
		return forbidden("not a conversation participant")
	}

	if err := s.conversations.DeleteConversation(ctx, conversationID); err != nil {
		if errors.Is(err, repositories.ErrConversationNotFound) {
			return notFound("conversation not found")
		}
		return internal("failed to delete conversation", err)
	}

	s.broker.PublishConversationDeleted(conv)
	s.publishEvent(ctx, RoutingConversationDeleted, "conversation.deleted", map[string]any{
		"conversation_id": conv.ID,
		"deleted_by":      actor.UserID,
	})
	return nil
}

// NotifyMessage re-announces an already persisted message on its conversation
// channel. Only the sender may do so; nothing is written.
func (s *Service) NotifyMessage(ctx context.Context, actor Actor, messageID int64) (models.Message, error) {
	msg, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if msg.SenderID != actor.UserID {
		return models.Message{}, forbidden("only the sender can announce a message")
	}
	s.broker.PublishNewMessage(msg)
	return msg, nil
}

func (s *Service) validateContent(content string, attachments models.Attachments) error {
	if strings.TrimSpace(content) == "" && len(attachments) == 0 {
		return invalid("message content is empty")
	}
	if utf8.RuneCountInString(content) > s.maxLength {
		return invalid("message content is too long")
	}
	if len(attachments) > MaxAttachments {
		return invalid("too many attachments")
	}
	for _, a := range attachments {
		if strings.TrimSpace(a.Name) == "" || strings.TrimSpace(a.URL) == "" {
			return invalid("attachment requires a name and url")
		}
		if a.Size < 0 {
			return invalid("attachment size is negative")
		}
	}
	return nil
}

func (s *Service) loadConversation(ctx context.Context, conversationID int64) (models.Conversation, error) {
	conv, err := s.conversations.GetConversation(ctx, conversationID)
	if errors.Is(err, repositories.ErrConversationNotFound) {
		return models.Conversation{}, notFound("conversation not found")
	}
	if err != nil {
		return models.Conversation{}, internal("failed to load conversation", err)
	}
	return conv, nil
}

func (s *Service) loadMessage(ctx context.Context, messageID int64) (models.Message, error) {
	msg, err := s.messages.GetMessage(ctx, messageID)
	if errors.Is(err, repositories.ErrMessageNotFound) {
		return models.Message{}, notFound("message not found")
	}
	if err != nil {
		return models.Message{}, internal("failed to load message", err)
	}
	return msg, nil
}

func (s *Service) attachLastMessages(ctx context.Context, convs []*models.Conversation) error {
	ids := make([]int64, 0, len(convs))
	for _, c := range convs {
		if c.LastMessageID != nil {
			ids = append(ids, *c.LastMessageID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	msgs, err := s.messages.GetMessagesByIDs(ctx, ids)
	if err != nil {
		return internal("failed to load last messages", err)
	}
	byID := make(map[int64]models.Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}
	for _, c := range convs {
		if c.LastMessageID == nil {
			continue
		}
		if m, ok := byID[*c.LastMessageID]; ok {
			c.LastMessage = &m
		}
	}
	return nil
}

func (s *Service) announceRead(ctx context.Context, conversationID int64, receipt models.ReadReceipt) {
	s.broker.PublishRead(models.ReadEvent{
		ConversationID: conversationID,
		MessageID:      receipt.MessageID,
		UserID:         receipt.UserID,
		ReadAt:         receipt.ReadAt,
	})
	s.publishEvent(ctx, RoutingMessageRead, "message.read", map[string]any{
		"conversation_id": conversationID,
		"message_id":      receipt.MessageID,
		"user_id":         receipt.UserID,
		"read_at":         receipt.ReadAt,
	})
}

func (s *Service) publishEvent(ctx context.Context, routingKey, name string, payload map[string]any) {
	envelope := observability.EventEnvelope{
		EventType:  "messaging",
		EventName:  name,
		OccurredAt: s.now().UTC().Format(time.RFC3339Nano),
		Payload:    payload,
	}
	if err := s.events.Publish(ctx, routingKey, envelope); err != nil {
		observability.IncAMQPPublishError()
		s.logger.Warn("domain event publish failed", "routing_key", routingKey, "error", err)
	}
}
