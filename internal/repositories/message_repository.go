package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"messaging-service/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

// MessageRepository defines interactions for conversation messages.
type MessageRepository interface {
	CreateMessage(ctx context.Context, conversationID int64, senderID int64, content string, attachments models.Attachments) (models.Message, models.Conversation, error)
	GetMessage(ctx context.Context, messageID int64) (models.Message, error)
	GetMessagesByIDs(ctx context.Context, messageIDs []int64) ([]models.Message, error)
	ListMessages(ctx context.Context, conversationID int64) ([]models.Message, error)
	AddReadReceipt(ctx context.Context, messageID int64, userID int64, readAt time.Time) (models.ReadReceipt, bool, error)
	MarkConversationRead(ctx context.Context, conversationID int64, userID int64, readAt time.Time) ([]models.ReadReceipt, error)
	UpdateContent(ctx context.Context, messageID int64, content string, editedAt time.Time) (models.Message, error)
	DeleteMessage(ctx context.Context, messageID int64) error
}

const messageColumns = `id, conversation_id, sender_id, content, attachments, edited, edited_at, created_at`

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// NextCreatedAt returns the creation time for a new message so that
// created_at stays strictly increasing within a conversation, at the
// microsecond precision Postgres stores.
func NextCreatedAt(now time.Time, last *time.Time) time.Time {
	now = now.UTC().Truncate(time.Microsecond)
	if last != nil && !now.After(*last) {
		return last.UTC().Truncate(time.Microsecond).Add(time.Microsecond)
	}
	return now
}

// CreateMessage stores a message and advances the owning conversation's last
// message pointer in one transaction. The conversation row is locked so sends
// into the same conversation serialize and receive increasing timestamps.
func (r *MessageRepo) CreateMessage(ctx context.Context, conversationID int64, senderID int64, content string, attachments models.Attachments) (msg models.Message, conv models.Conversation, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, models.Conversation{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	err = tx.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1 FOR UPDATE`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrConversationNotFound
		return models.Message{}, models.Conversation{}, err
	}
	if err != nil {
		return models.Message{}, models.Conversation{}, err
	}

	createdAt := NextCreatedAt(time.Now(), conv.LastMessageAt)
	if err = tx.QueryRowxContext(ctx, `INSERT INTO messages (conversation_id, sender_id, content, attachments, created_at)
        VALUES ($1, $2, $3, $4, $5) RETURNING `+messageColumns, conversationID, senderID, content, attachments, createdAt).
		StructScan(&msg); err != nil {
		return models.Message{}, models.Conversation{}, err
	}

	// last-write-wins by created_at, never by arrival order
	err = tx.QueryRowxContext(ctx, `UPDATE conversations SET last_message_id=$2, last_message_at=$3, updated_at=NOW()
        WHERE id=$1 AND (last_message_at IS NULL OR last_message_at < $3)
        RETURNING `+conversationColumns, conversationID, msg.ID, msg.CreatedAt).StructScan(&conv)
	if errors.Is(err, sql.ErrNoRows) {
		err = tx.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, conversationID)
	}
	if err != nil {
		return models.Message{}, models.Conversation{}, err
	}

	if err = tx.Commit(); err != nil {
		return models.Message{}, models.Conversation{}, err
	}
	msg.ReadBy = []models.ReadReceipt{}
	return msg, conv, nil
}

// GetMessage retrieves a single message with its receipts.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID int64) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	msgs := []models.Message{msg}
	if err := r.attachReceipts(ctx, msgs); err != nil {
		return models.Message{}, err
	}
	return msgs[0], nil
}

// GetMessagesByIDs loads the given messages; missing ids are skipped.
func (r *MessageRepo) GetMessagesByIDs(ctx context.Context, messageIDs []int64) ([]models.Message, error) {
	msgs := []models.Message{}
	if len(messageIDs) == 0 {
		return msgs, nil
	}
	if err := r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages WHERE id = ANY($1)`, pq.Array(messageIDs)); err != nil {
		return nil, err
	}
	if err := r.attachReceipts(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListMessages returns the conversation's messages in canonical order.
func (r *MessageRepo) ListMessages(ctx context.Context, conversationID int64) ([]models.Message, error) {
	msgs := []models.Message{}
	if err := r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages
        WHERE conversation_id=$1
        ORDER BY created_at ASC, id ASC`, conversationID); err != nil {
		return nil, err
	}
	if err := r.attachReceipts(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// AddReadReceipt records a receipt once. The bool reports whether a new
// receipt was written; when false the existing receipt is returned.
func (r *MessageRepo) AddReadReceipt(ctx context.Context, messageID int64, userID int64, readAt time.Time) (models.ReadReceipt, bool, error) {
	var receipt models.ReadReceipt
	err := r.db.QueryRowxContext(ctx, `INSERT INTO message_reads (message_id, user_id, read_at) VALUES ($1, $2, $3)
        ON CONFLICT (message_id, user_id) DO NOTHING
        RETURNING message_id, user_id, read_at`, messageID, userID, readAt).StructScan(&receipt)
	if err == nil {
		return receipt, true, nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23503" {
		return models.ReadReceipt{}, false, ErrMessageNotFound
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.ReadReceipt{}, false, err
	}

	err = r.db.GetContext(ctx, &receipt, `SELECT message_id, user_id, read_at FROM message_reads WHERE message_id=$1 AND user_id=$2`, messageID, userID)
	return receipt, false, err
}

// MarkConversationRead adds receipts for every message in the conversation not
// sent by the user and returns only the receipts that were newly written.
func (r *MessageRepo) MarkConversationRead(ctx context.Context, conversationID int64, userID int64, readAt time.Time) ([]models.ReadReceipt, error) {
	receipts := []models.ReadReceipt{}
	err := r.db.SelectContext(ctx, &receipts, `INSERT INTO message_reads (message_id, user_id, read_at)
        SELECT m.id, $2, $3 FROM messages m WHERE m.conversation_id=$1 AND m.sender_id<>$2
        ON CONFLICT (message_id, user_id) DO NOTHING
        RETURNING message_id, user_id, read_at`, conversationID, userID, readAt)
	return receipts, err
}

// UpdateContent replaces a message body and flags it edited.
func (r *MessageRepo) UpdateContent(ctx context.Context, messageID int64, content string, editedAt time.Time) (models.Message, error) {
	var msg models.Message
	err := r.db.QueryRowxContext(ctx, `UPDATE messages SET content=$2, edited=TRUE, edited_at=$3 WHERE id=$1
        RETURNING `+messageColumns, messageID, content, editedAt).StructScan(&msg)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	msgs := []models.Message{msg}
	if err := r.attachReceipts(ctx, msgs); err != nil {
		return models.Message{}, err
	}
	return msgs[0], nil
}

// DeleteMessage removes a message. If it was the conversation's last message
// the pointer moves to the newest remaining one.
func (r *MessageRepo) DeleteMessage(ctx context.Context, messageID int64) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var conversationID int64
	err = tx.GetContext(ctx, &conversationID, `DELETE FROM messages WHERE id=$1 RETURNING conversation_id`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrMessageNotFound
		return err
	}
	if err != nil {
		return err
	}

	if _, err = tx.ExecContext(ctx, `UPDATE conversations c
        SET (last_message_id, last_message_at) = (
            SELECT m.id, m.created_at FROM messages m WHERE m.conversation_id = c.id
            ORDER BY m.created_at DESC, m.id DESC LIMIT 1),
            updated_at = NOW()
        WHERE c.id=$1 AND c.last_message_id=$2`, conversationID, messageID); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *MessageRepo) attachReceipts(ctx context.Context, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]int64, len(msgs))
	index := make(map[int64]int, len(msgs))
	for i := range msgs {
		ids[i] = msgs[i].ID
		index[msgs[i].ID] = i
		msgs[i].ReadBy = []models.ReadReceipt{}
	}

	var receipts []models.ReadReceipt
	if err := r.db.SelectContext(ctx, &receipts, `SELECT message_id, user_id, read_at FROM message_reads
        WHERE message_id = ANY($1) ORDER BY read_at ASC, user_id ASC`, pq.Array(ids)); err != nil {
		return err
	}
	for _, rr := range receipts {
		if i, ok := index[rr.MessageID]; ok {
			msgs[i].ReadBy = append(msgs[i].ReadBy, rr)
		}
	}
	return nil
}
