package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Attachment is metadata for a file held by the external object store.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

// Attachments is stored as a JSONB column.
type Attachments []Attachment

// Value implements driver.Valuer. The JSON is returned as a string so lib/pq
// sends it as text rather than bytea.
func (a Attachments) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	data, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (a *Attachments) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*a = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.New("attachments: unsupported source type")
	}
	if len(data) == 0 {
		*a = nil
		return nil
	}
	return json.Unmarshal(data, a)
}

// ReadReceipt records that a user has seen a message.
type ReadReceipt struct {
	MessageID int64     `db:"message_id" json:"-"`
	UserID    int64     `db:"user_id" json:"user_id"`
	ReadAt    time.Time `db:"read_at" json:"read_at"`
}

// Message is a unit of content owned by exactly one conversation.
type Message struct {
	ID             int64         `db:"id" json:"id"`
	ConversationID int64         `db:"conversation_id" json:"conversation_id"`
	SenderID       int64         `db:"sender_id" json:"sender_id"`
	Content        string        `db:"content" json:"content"`
	Attachments    Attachments   `db:"attachments" json:"attachments,omitempty"`
	Edited         bool          `db:"edited" json:"edited"`
	EditedAt       *time.Time    `db:"edited_at" json:"edited_at,omitempty"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
	ReadBy         []ReadReceipt `db:"-" json:"read_by"`
}

// ReadByUser reports whether userID already has a receipt on the message.
func (m Message) ReadByUser(userID int64) bool {
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return true
		}
	}
	return false
}
