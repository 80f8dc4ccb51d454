package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"messaging-service/internal/models"
)

// MemoryStore is an in-process implementation of both repositories. It backs
// STORE_BACKEND=memory and the service tests; state is lost on restart.
type MemoryStore struct {
	mu            sync.Mutex
	nextConvID    int64
	nextMsgID     int64
	conversations map[int64]models.Conversation
	byKey         map[string]int64
	messages      map[int64]models.Message
	lastCreated   time.Time
	now           func() time.Time
}

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[int64]models.Conversation),
		byKey:         make(map[string]int64),
		messages:      make(map[int64]models.Message),
		now:           time.Now,
	}
}

var (
	_ ConversationRepository = (*MemoryStore)(nil)
	_ MessageRepository      = (*MemoryStore)(nil)
)

// CreateOrGetConversation returns the conversation for the participant set,
// creating it under the store lock if needed.
func (s *MemoryStore) CreateOrGetConversation(ctx context.Context, participants []int64) (models.Conversation, bool, error) {
	key := models.ParticipantKey(participants)

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byKey[key]; ok {
		return s.conversations[id], false, nil
	}

	s.nextConvID++
	now := s.now().UTC()
	conv := models.Conversation{
		ID:             s.nextConvID,
		Participants:   append([]int64(nil), participants...),
		ParticipantKey: key,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.conversations[conv.ID] = conv
	s.byKey[key] = conv.ID
	return conv, true, nil
}

// GetConversation fetches a conversation by id.
func (s *MemoryStore) GetConversation(ctx context.Context, conversationID int64) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, nil
}

// ListConversations returns the user's conversations, most recently active first.
func (s *MemoryStore) ListConversations(ctx context.Context, userID int64) ([]models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	convs := []models.Conversation{}
	for _, c := range s.conversations {
		if c.HasParticipant(userID) {
			convs = append(convs, c)
		}
	}
	sort.Slice(convs, func(i, j int) bool {
		a, b := convs[i], convs[j]
		switch {
		case a.LastMessageAt != nil && b.LastMessageAt != nil && !a.LastMessageAt.Equal(*b.LastMessageAt):
			return a.LastMessageAt.After(*b.LastMessageAt)
		case a.LastMessageAt != nil && b.LastMessageAt == nil:
			return true
		case a.LastMessageAt == nil && b.LastMessageAt != nil:
			return false
		case !a.CreatedAt.Equal(b.CreatedAt):
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
	return convs, nil
}

// DeleteConversation removes the conversation and every message it owns.
func (s *MemoryStore) DeleteConversation(ctx context.Context, conversationID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return ErrConversationNotFound
	}
	for id, m := range s.messages {
		if m.ConversationID == conversationID {
			delete(s.messages, id)
		}
	}
	delete(s.byKey, conv.ParticipantKey)
	delete(s.conversations, conversationID)
	return nil
}

// CreateMessage stores a message and advances the last message pointer.
func (s *MemoryStore) CreateMessage(ctx context.Context, conversationID int64, senderID int64, content string, attachments models.Attachments) (models.Message, models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return models.Message{}, models.Conversation{}, ErrConversationNotFound
	}

	// a store-wide clock keeps every conversation strictly increasing too
	var last *time.Time
	if !s.lastCreated.IsZero() {
		last = &s.lastCreated
	}
	s.lastCreated = NextCreatedAt(s.now(), last)

	s.nextMsgID++
	msg := models.Message{
		ID:             s.nextMsgID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Attachments:    attachments,
		CreatedAt:      s.lastCreated,
		ReadBy:         []models.ReadReceipt{},
	}
	s.messages[msg.ID] = msg

	if conv.LastMessageAt == nil || conv.LastMessageAt.Before(msg.CreatedAt) {
		id, at := msg.ID, msg.CreatedAt
		conv.LastMessageID = &id
		conv.LastMessageAt = &at
		conv.UpdatedAt = s.now().UTC()
		s.conversations[conversationID] = conv
	}
	return copyMessage(msg), conv, nil
}

// GetMessage retrieves a single message.
func (s *MemoryStore) GetMessage(ctx context.Context, messageID int64) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return models.Message{}, ErrMessageNotFound
	}
	return copyMessage(msg), nil
}

// GetMessagesByIDs loads the given messages; missing ids are skipped.
func (s *MemoryStore) GetMessagesByIDs(ctx context.Context, messageIDs []int64) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := []models.Message{}
	for _, id := range messageIDs {
		if msg, ok := s.messages[id]; ok {
			msgs = append(msgs, copyMessage(msg))
		}
	}
	return msgs, nil
}

// ListMessages returns the conversation's messages in canonical order.
func (s *MemoryStore) ListMessages(ctx context.Context, conversationID int64) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := []models.Message{}
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			msgs = append(msgs, copyMessage(m))
		}
	}
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
	return msgs, nil
}

// AddReadReceipt records a receipt once.
func (s *MemoryStore) AddReadReceipt(ctx context.Context, messageID int64, userID int64, readAt time.Time) (models.ReadReceipt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return models.ReadReceipt{}, false, ErrMessageNotFound
	}
	receipt, added := s.addReceiptLocked(&msg, userID, readAt)
	return receipt, added, nil
}

// MarkConversationRead adds receipts for every message not sent by the user.
func (s *MemoryStore) MarkConversationRead(ctx context.Context, conversationID int64, userID int64, readAt time.Time) ([]models.ReadReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	receipts := []models.ReadReceipt{}
	for _, m := range s.messages {
		if m.ConversationID != conversationID || m.SenderID == userID {
			continue
		}
		msg := m
		if receipt, added := s.addReceiptLocked(&msg, userID, readAt); added {
			receipts = append(receipts, receipt)
		}
	}
	sort.Slice(receipts, func(i, j int) bool { return receipts[i].MessageID < receipts[j].MessageID })
	return receipts, nil
}

// UpdateContent replaces a message body and flags it edited.
func (s *MemoryStore) UpdateContent(ctx context.Context, messageID int64, content string, editedAt time.Time) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return models.Message{}, ErrMessageNotFound
	}
	at := editedAt.UTC()
	msg.Content = content
	msg.Edited = true
	msg.EditedAt = &at
	s.messages[messageID] = msg
	return copyMessage(msg), nil
}

// DeleteMessage removes a message and repairs the last message pointer.
func (s *MemoryStore) DeleteMessage(ctx context.Context, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return ErrMessageNotFound
	}
	delete(s.messages, messageID)

	conv, ok := s.conversations[msg.ConversationID]
	if !ok || conv.LastMessageID == nil || *conv.LastMessageID != messageID {
		return nil
	}
	conv.LastMessageID, conv.LastMessageAt = nil, nil
	for _, m := range s.messages {
		if m.ConversationID != conv.ID {
			continue
		}
		if conv.LastMessageAt == nil || m.CreatedAt.After(*conv.LastMessageAt) ||
			(m.CreatedAt.Equal(*conv.LastMessageAt) && m.ID > *conv.LastMessageID) {
			id, at := m.ID, m.CreatedAt
			conv.LastMessageID, conv.LastMessageAt = &id, &at
		}
	}
	conv.UpdatedAt = s.now().UTC()
	s.conversations[conv.ID] = conv
	return nil
}

func (s *MemoryStore) addReceiptLocked(msg *models.Message, userID int64, readAt time.Time) (models.ReadReceipt, bool) {
	for _, r := range msg.ReadBy {
		if r.UserID == userID {
			return r, false
		}
	}
	receipt := models.ReadReceipt{MessageID: msg.ID, UserID: userID, ReadAt: readAt.UTC()}
	msg.ReadBy = append(msg.ReadBy, receipt)
	s.messages[msg.ID] = *msg
	return receipt, true
}

func copyMessage(m models.Message) models.Message {
	m.ReadBy = append([]models.ReadReceipt{}, m.ReadBy...)
	if m.Attachments != nil {
		m.Attachments = append(models.Attachments{}, m.Attachments...)
	}
	return m
}
