package models

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Conversation groups a fixed participant set and points at its latest message.
type Conversation struct {
	ID             int64         `db:"id" json:"id"`
	Participants   pq.Int64Array `db:"participants" json:"participants"`
	ParticipantKey string        `db:"participant_key" json:"-"`
	LastMessageID  *int64        `db:"last_message_id" json:"last_message_id,omitempty"`
	LastMessageAt  *time.Time    `db:"last_message_at" json:"last_message_at,omitempty"`
	LastMessage    *Message      `db:"-" json:"last_message,omitempty"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at" json:"updated_at"`
}

// HasParticipant reports whether userID belongs to the conversation.
func (c Conversation) HasParticipant(userID int64) bool {
	for _, id := range c.Participants {
		if id == userID {
			return true
		}
	}
	return false
}

// NormalizeParticipants dedupes and sorts ids, dropping non-positive values.
func NormalizeParticipants(ids []int64) []int64 {
	set := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := set[id]; ok {
			continue
		}
		set[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParticipantKey builds the unique key of an already normalized participant set.
func ParticipantKey(normalized []int64) string {
	parts := make([]string, len(normalized))
	for i, id := range normalized {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}
