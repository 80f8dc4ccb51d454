// Package reconcile merges fetched history, optimistic sends and pushed
// events into one ordered, deduplicated message list per conversation.
package reconcile

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"messaging-service/internal/models"
)

// Status is the lifecycle state of a timeline entry.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
)

const localIDPrefix = "local-"

// Draft is the compose input of a send, restored when the send fails.
type Draft struct {
	Content     string
	Attachments models.Attachments
}

// Entry is one row of a timeline. Pending entries carry a LocalID and a zero
// Message.ID; confirmed entries carry the canonical id.
type Entry struct {
	LocalID string
	Status  Status
	Message models.Message

	// seq is the timeline sequence of the last local change to the entry.
	seq uint64
}

// Timeline is the local view of one conversation. It is safe for concurrent use.
type Timeline struct {
	mu             sync.Mutex
	conversationID int64
	selfID         int64
	confirmed      []Entry
	pending        []Entry
	now            func() time.Time

	seq     uint64
	deleted map[int64]uint64
}

// NewTimeline returns an empty timeline for conversationID as seen by selfID.
func NewTimeline(conversationID, selfID int64) *Timeline {
	return &Timeline{
		conversationID: conversationID,
		selfID:         selfID,
		now:            time.Now,
		deleted:        make(map[int64]uint64),
	}
}

// ConversationID returns the conversation the timeline tracks.
func (t *Timeline) ConversationID() int64 {
	return t.conversationID
}

// Mark returns the current sequence. Capture it before fetching history and
// hand it to ResetSince so that changes applied during the fetch survive.
func (t *Timeline) Mark() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seq
}

// AddPending appends a provisional entry for an outgoing message.
func (t *Timeline) AddPending(content string, attachments models.Attachments) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := Entry{
		LocalID: localIDPrefix + uuid.NewString(),
		Status:  StatusPending,
		Message: models.Message{
			ConversationID: t.conversationID,
			SenderID:       t.selfID,
			Content:        content,
			Attachments:    attachments,
			CreatedAt:      t.now().UTC(),
			ReadBy:         []models.ReadReceipt{},
		},
	}
	t.pending = append(t.pending, entry)
	return cloneEntry(entry)
}

// Confirm swaps the provisional entry localID for the canonical message. When
// the canonical id is already present the provisional entry is dropped. It
// reports whether localID was still pending.
func (t *Timeline) Confirm(localID string, msg models.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, found := t.removePending(localID)
	if msg.ID != 0 {
		t.insert(msg)
	}
	return found
}

// Fail drops the provisional entry localID and returns its input.
func (t *Timeline) Fail(localID string) (Draft, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.removePending(localID)
	if !ok {
		return Draft{}, false
	}
	return Draft{Content: entry.Message.Content, Attachments: entry.Message.Attachments}, true
}

// Merge adds msg unless an entry with the same id exists. Content is never
// compared. It reports whether msg was added.
func (t *Timeline) Merge(msg models.Message) bool {
	if msg.ID == 0 || msg.ConversationID != t.conversationID {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insert(msg)
}

// ApplyRead adds the receipt of event to its message. Receipts are only ever
// added, and at most once per user.
func (t *Timeline) ApplyRead(event models.ReadEvent) bool {
	if event.ConversationID != 0 && event.ConversationID != t.conversationID {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.find(event.MessageID)
	if i < 0 {
		return false
	}
	return addReceipt(&t.confirmed[i].Message, models.ReadReceipt{
		MessageID: event.MessageID,
		UserID:    event.UserID,
		ReadAt:    event.ReadAt,
	})
}

// ApplyEdit replaces the content of a known message.
func (t *Timeline) ApplyEdit(msg models.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.find(msg.ID)
	if i < 0 {
		return false
	}
	current := &t.confirmed[i].Message
	current.Content = msg.Content
	current.Attachments = msg.Attachments
	current.Edited = msg.Edited
	current.EditedAt = msg.EditedAt
	for _, r := range msg.ReadBy {
		addReceipt(current, r)
	}
	t.confirmed[i].seq = t.next()
	return true
}

// ApplyDelete removes a message by id.
func (t *Timeline) ApplyDelete(messageID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.deleted[messageID] = t.next()
	i := t.find(messageID)
	if i < 0 {
		return false
	}
	t.confirmed = append(t.confirmed[:i], t.confirmed[i+1:]...)
	return true
}

// Reset replaces confirmed state with fetched history. Receipts known locally
// are kept, as are confirmed entries ordered after the newest history entry
// and pending entries.
func (t *Timeline) Reset(history []models.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reset(t.seq, history)
}

// ResetSince is Reset for history fetched after Mark returned mark. Entries
// merged, confirmed or edited after mark are kept, and messages deleted after
// mark stay deleted.
func (t *Timeline) ResetSince(mark uint64, history []models.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reset(mark, history)
}

func (t *Timeline) reset(mark uint64, history []models.Message) {
	previous := make(map[int64]Entry, len(t.confirmed))
	for _, e := range t.confirmed {
		previous[e.Message.ID] = e
	}

	t.confirmed = t.confirmed[:0:0]
	var newest *models.Message
	for _, msg := range history {
		if msg.ID == 0 || (msg.ConversationID != 0 && msg.ConversationID != t.conversationID) {
			continue
		}
		if seq, ok := t.deleted[msg.ID]; ok && seq > mark {
			continue
		}
		msg.ConversationID = t.conversationID
		if newest == nil || before(*newest, msg) {
			m := msg
			newest = &m
		}

		prev, known := previous[msg.ID]
		if known && prev.seq > mark {
			msg.Content = prev.Message.Content
			msg.Attachments = prev.Message.Attachments
			msg.Edited = prev.Message.Edited
			msg.EditedAt = prev.Message.EditedAt
		}
		if !t.insert(msg) {
			continue
		}
		i := t.find(msg.ID)
		if known {
			t.confirmed[i].seq = prev.seq
			for _, r := range prev.Message.ReadBy {
				addReceipt(&t.confirmed[i].Message, r)
			}
		} else {
			t.confirmed[i].seq = 0
		}
	}

	for id, prev := range previous {
		if t.find(id) >= 0 {
			continue
		}
		if prev.seq > mark || (newest != nil && before(*newest, prev.Message)) {
			t.insertEntry(prev)
		}
	}
}

// Messages returns a snapshot: confirmed entries by (created_at, id), then
// pending entries in send order.
func (t *Timeline) Messages() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, 0, len(t.confirmed)+len(t.pending))
	for _, e := range t.confirmed {
		out = append(out, cloneEntry(e))
	}
	for _, e := range t.pending {
		out = append(out, cloneEntry(e))
	}
	return out
}

// Pending returns the number of unconfirmed entries.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// insert places msg by (created_at, id) or folds its receipts into the
// existing entry. Caller holds mu.
func (t *Timeline) insert(msg models.Message) bool {
	if i := t.find(msg.ID); i >= 0 {
		for _, r := range msg.ReadBy {
			addReceipt(&t.confirmed[i].Message, r)
		}
		return false
	}

	msg.ReadBy = append([]models.ReadReceipt{}, msg.ReadBy...)
	t.insertEntry(Entry{Status: StatusConfirmed, Message: msg, seq: t.next()})
	return true
}

func (t *Timeline) insertEntry(entry Entry) {
	i := sort.Search(len(t.confirmed), func(i int) bool {
		return before(entry.Message, t.confirmed[i].Message)
	})
	t.confirmed = append(t.confirmed, Entry{})
	copy(t.confirmed[i+1:], t.confirmed[i:])
	t.confirmed[i] = entry
}

func (t *Timeline) next() uint64 {
	t.seq++
	return t.seq
}

func (t *Timeline) find(messageID int64) int {
	for i := range t.confirmed {
		if t.confirmed[i].Message.ID == messageID {
			return i
		}
	}
	return -1
}

func (t *Timeline) removePending(localID string) (Entry, bool) {
	for i, e := range t.pending {
		if e.LocalID == localID {
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			return e, true
		}
	}
	return Entry{}, false
}

func before(a, b models.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func addReceipt(msg *models.Message, receipt models.ReadReceipt) bool {
	if msg.ReadByUser(receipt.UserID) {
		return false
	}
	receipt.MessageID = msg.ID
	msg.ReadBy = append(msg.ReadBy, receipt)
	return true
}

func cloneEntry(e Entry) Entry {
	e.Message.ReadBy = append([]models.ReadReceipt{}, e.Message.ReadBy...)
	if e.Message.Attachments != nil {
		e.Message.Attachments = append(models.Attachments{}, e.Message.Attachments...)
	}
	return e
}
