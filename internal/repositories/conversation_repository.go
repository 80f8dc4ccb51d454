package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"messaging-service/internal/models"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationConflict = errors.New("conversation participant set conflict")
)

// ConversationRepository abstracts conversation persistence.
type ConversationRepository interface {
	CreateOrGetConversation(ctx context.Context, participants []int64) (models.Conversation, bool, error)
	GetConversation(ctx context.Context, conversationID int64) (models.Conversation, error)
	ListConversations(ctx context.Context, userID int64) ([]models.Conversation, error)
	DeleteConversation(ctx context.Context, conversationID int64) error
}

const conversationColumns = `id, participants, participant_key, last_message_id, last_message_at, created_at, updated_at`

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

// CreateOrGetConversation inserts a conversation for the normalized participant
// set, or returns the existing one. The unique participant_key makes the
// check-and-create atomic across concurrent callers.
func (r *ConversationRepo) CreateOrGetConversation(ctx context.Context, participants []int64) (models.Conversation, bool, error) {
	key := models.ParticipantKey(participants)

	var conv models.Conversation
	err := r.db.QueryRowxContext(ctx, `INSERT INTO conversations (participants, participant_key) VALUES ($1, $2)
        ON CONFLICT (participant_key) DO NOTHING
        RETURNING `+conversationColumns, pq.Array(participants), key).StructScan(&conv)
	if err == nil {
		return conv, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, false, err
	}

	err = r.db.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE participant_key=$1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		// lost the insert race to a row that was deleted before we could read it
		return models.Conversation{}, false, ErrConversationConflict
	}
	if err != nil {
		return models.Conversation{}, false, err
	}
	return conv, false, nil
}

// GetConversation fetches a conversation by id.
func (r *ConversationRepo) GetConversation(ctx context.Context, conversationID int64) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// ListConversations returns the user's conversations, most recently active first.
func (r *ConversationRepo) ListConversations(ctx context.Context, userID int64) ([]models.Conversation, error) {
	convs := []models.Conversation{}
	err := r.db.SelectContext(ctx, &convs, `SELECT `+conversationColumns+` FROM conversations
        WHERE $1 = ANY(participants)
        ORDER BY last_message_at DESC NULLS LAST, created_at DESC, id DESC`, userID)
	return convs, err
}

// DeleteConversation removes a conversation; messages and receipts cascade.
func (r *ConversationRepo) DeleteConversation(ctx context.Context, conversationID int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM conversations WHERE id=$1`, conversationID)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrConversationNotFound
	}
	return nil
}
