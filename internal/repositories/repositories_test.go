package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var conversationCols = []string{"id", "participants", "participant_key", "last_message_id", "last_message_at", "created_at", "updated_at"}
var messageCols = []string{"id", "conversation_id", "sender_id", "content", "attachments", "edited", "edited_at", "created_at"}

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	return sqlx.NewDb(raw, "postgres"), mock
}

func TestNextCreatedAtIsStrictlyIncreasing(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, now, NextCreatedAt(now, nil))

	earlier := now.Add(-time.Second)
	assert.Equal(t, now, NextCreatedAt(now, &earlier))

	same := now
	assert.Equal(t, now.Add(time.Microsecond), NextCreatedAt(now, &same))

	later := now.Add(time.Second)
	assert.Equal(t, later.Add(time.Microsecond), NextCreatedAt(now, &later))
}

func TestCreateOrGetConversationInserts(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewConversationRepo(db)
	now := time.Now()

	mock.ExpectQuery("INSERT INTO conversations").
		WithArgs(sqlmock.AnyArg(), "1,2").
		WillReturnRows(sqlmock.NewRows(conversationCols).AddRow(int64(10), "{1,2}", "1,2", nil, nil, now, now))

	conv, created, err := repo.CreateOrGetConversation(context.Background(), []int64{1, 2})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(10), conv.ID)
	assert.Equal(t, []int64{1, 2}, []int64(conv.Participants))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOrGetConversationReturnsExistingOnConflict(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewConversationRepo(db)
	now := time.Now()

	mock.ExpectQuery("INSERT INTO conversations").
		WithArgs(sqlmock.AnyArg(), "1,2").
		WillReturnRows(sqlmock.NewRows(conversationCols))
	mock.ExpectQuery("FROM conversations WHERE participant_key").
		WithArgs("1,2").
		WillReturnRows(sqlmock.NewRows(conversationCols).AddRow(int64(3), "{1,2}", "1,2", nil, nil, now, now))

	conv, created, err := repo.CreateOrGetConversation(context.Background(), []int64{1, 2})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(3), conv.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOrGetConversationConflictWhenRowVanishes(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewConversationRepo(db)

	mock.ExpectQuery("INSERT INTO conversations").
		WillReturnRows(sqlmock.NewRows(conversationCols))
	mock.ExpectQuery("FROM conversations WHERE participant_key").
		WillReturnRows(sqlmock.NewRows(conversationCols))

	_, _, err := repo.CreateOrGetConversation(context.Background(), []int64{1, 2})
	require.ErrorIs(t, err, ErrConversationConflict)
}

func TestGetConversationNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewConversationRepo(db)

	mock.ExpectQuery("FROM conversations WHERE id").
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows(conversationCols))

	_, err := repo.GetConversation(context.Background(), 9)
	require.ErrorIs(t, err, ErrConversationNotFound)
}

func TestDeleteConversationNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewConversationRepo(db)

	mock.ExpectExec("DELETE FROM conversations").
		WithArgs(int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.ErrorIs(t, repo.DeleteConversation(context.Background(), 4), ErrConversationNotFound)
}

func TestCreateMessageAdvancesLastMessage(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepo(db)
	prev := time.Now().Add(-time.Minute).UTC()
	created := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(conversationCols).AddRow(int64(5), "{1,2}", "1,2", int64(1), prev, prev, prev))
	mock.ExpectQuery("INSERT INTO messages").
		WithArgs(int64(5), int64(1), "hi", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(messageCols).AddRow(int64(2), int64(5), int64(1), "hi", "[]", false, nil, created))
	mock.ExpectQuery("UPDATE conversations SET last_message_id").
		WithArgs(int64(5), int64(2), created).
		WillReturnRows(sqlmock.NewRows(conversationCols).AddRow(int64(5), "{1,2}", "1,2", int64(2), created, prev, created))
	mock.ExpectCommit()

	msg, conv, err := repo.CreateMessage(context.Background(), 5, 1, "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), msg.ID)
	require.NotNil(t, conv.LastMessageID)
	assert.Equal(t, int64(2), *conv.LastMessageID)
	assert.Empty(t, msg.ReadBy)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateMessageRollsBackWhenConversationMissing(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(conversationCols))
	mock.ExpectRollback()

	_, _, err := repo.CreateMessage(context.Background(), 5, 1, "hi", nil)
	require.ErrorIs(t, err, ErrConversationNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddReadReceiptIsIdempotent(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepo(db)
	readAt := time.Now().UTC()

	mock.ExpectQuery("INSERT INTO message_reads").
		WithArgs(int64(7), int64(2), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"message_id", "user_id", "read_at"}))
	mock.ExpectQuery("FROM message_reads WHERE message_id").
		WithArgs(int64(7), int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"message_id", "user_id", "read_at"}).AddRow(int64(7), int64(2), readAt))

	receipt, added, err := repo.AddReadReceipt(context.Background(), 7, 2, time.Now())
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, readAt, receipt.ReadAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListMessagesAttachesReceipts(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepo(db)
	t1 := time.Now().UTC()
	t2 := t1.Add(time.Microsecond)

	mock.ExpectQuery("FROM messages").
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(messageCols).
			AddRow(int64(1), int64(5), int64(1), "a", "[]", false, nil, t1).
			AddRow(int64(2), int64(5), int64(2), "b", `[{"name":"f.pdf","url":"https://x/f.pdf","size":3,"type":"application/pdf"}]`, false, nil, t2))
	mock.ExpectQuery("FROM message_reads").
		WillReturnRows(sqlmock.NewRows([]string{"message_id", "user_id", "read_at"}).AddRow(int64(1), int64(2), t2))

	msgs, err := repo.ListMessages(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Len(t, msgs[0].ReadBy, 1)
	assert.Equal(t, int64(2), msgs[0].ReadBy[0].UserID)
	assert.Empty(t, msgs[1].ReadBy)
	require.Len(t, msgs[1].Attachments, 1)
	assert.Equal(t, "f.pdf", msgs[1].Attachments[0].Name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteMessageNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery("DELETE FROM messages").
		WithArgs(int64(8)).
		WillReturnRows(sqlmock.NewRows([]string{"conversation_id"}))
	mock.ExpectRollback()

	require.ErrorIs(t, repo.DeleteMessage(context.Background(), 8), ErrMessageNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
