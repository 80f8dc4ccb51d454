package messaging

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/models"
	"messaging-service/internal/repositories"
)

type recordingBroker struct {
	mu          sync.Mutex
	newMessages []models.Message
	reads       []models.ReadEvent
	edited      []models.Message
	deleted     [][2]int64
	convDeleted []models.Conversation
	notified    map[int64][]models.ChatEvent
}

func newRecordingBroker() *recordingBroker {
	return &recordingBroker{notified: map[int64][]models.ChatEvent{}}
}

func (b *recordingBroker) PublishNewMessage(msg models.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.newMessages = append(b.newMessages, msg)
}

func (b *recordingBroker) PublishRead(event models.ReadEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reads = append(b.reads, event)
}

func (b *recordingBroker) PublishEdited(msg models.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.edited = append(b.edited, msg)
}

func (b *recordingBroker) PublishDeleted(conversationID, messageID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = append(b.deleted, [2]int64{conversationID, messageID})
}

func (b *recordingBroker) PublishConversationDeleted(conv models.Conversation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.convDeleted = append(b.convDeleted, conv)
}

func (b *recordingBroker) NotifyUser(userID int64, event models.ChatEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notified[userID] = append(b.notified[userID], event)
}

type recordingEvents struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (e *recordingEvents) Publish(ctx context.Context, routingKey string, event any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keys = append(e.keys, routingKey)
	return e.err
}

const (
	alice int64 = 1
	bob   int64 = 2
	carol int64 = 3
)

var (
	asAlice = Actor{UserID: alice, Role: "student"}
	asBob   = Actor{UserID: bob, Role: "student"}
	asCarol = Actor{UserID: carol, Role: "student"}
	asAdmin = Actor{UserID: 99, Role: "admin"}
)

type fixture struct {
	svc    *Service
	store  *repositories.MemoryStore
	broker *recordingBroker
	events *recordingEvents
}

func newFixture(t *testing.T, opts Options) fixture {
	t.Helper()
	store := repositories.NewMemoryStore()
	broker := newRecordingBroker()
	events := &recordingEvents{}
	if opts.Events == nil {
		opts.Events = events
	}
	if opts.PrivilegedRoles == nil {
		opts.PrivilegedRoles = []string{"admin", "instructor"}
	}
	return fixture{
		svc:    NewService(store, store, broker, opts),
		store:  store,
		broker: broker,
		events: events,
	}
}

func (f fixture) conversation(t *testing.T, actor Actor, ids ...int64) models.Conversation {
	t.Helper()
	conv, _, err := f.svc.CreateConversation(context.Background(), actor, ids)
	require.NoError(t, err)
	return conv
}

func (f fixture) send(t *testing.T, actor Actor, convID int64, content string) models.Message {
	t.Helper()
	msg, _, err := f.svc.SendMessage(context.Background(), actor, convID, content, nil)
	require.NoError(t, err)
	return msg
}

func TestScenarioTwoUsers(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	conv1, created, err := f.svc.CreateConversation(ctx, asAlice, []int64{alice, bob})
	require.NoError(t, err)
	assert.True(t, created)

	m1, conv, err := f.svc.SendMessage(ctx, asAlice, conv1.ID, "hi", nil)
	require.NoError(t, err)
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, m1.ID, conv.LastMessage.ID)
	assert.Equal(t, m1.ID, *conv.LastMessageID)

	msgs, err := f.svc.ListMessages(ctx, asBob, conv1.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, m1.ID, msgs[0].ID)

	read, err := f.svc.MarkRead(ctx, asBob, m1.ID)
	require.NoError(t, err)
	require.Len(t, read.ReadBy, 1)
	assert.Equal(t, bob, read.ReadBy[0].UserID)

	again, err := f.svc.MarkRead(ctx, asBob, m1.ID)
	require.NoError(t, err)
	assert.Equal(t, read.ReadBy, again.ReadBy)

	reloaded, err := f.store.GetMessage(ctx, m1.ID)
	require.NoError(t, err)
	assert.Len(t, reloaded.ReadBy, 1)
	assert.Len(t, f.broker.reads, 1)

	same, created, err := f.svc.CreateConversation(ctx, asAlice, []int64{bob, alice})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, conv1.ID, same.ID)
	require.NotNil(t, same.LastMessage)
	assert.Equal(t, m1.ID, same.LastMessage.ID)
}

func TestCreateConversationNormalizesParticipants(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	conv, created, err := f.svc.CreateConversation(ctx, asAlice, []int64{bob, bob, carol})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, []int64{alice, bob, carol}, []int64(conv.Participants))

	same, created, err := f.svc.CreateConversation(ctx, asCarol, []int64{alice, bob})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, conv.ID, same.ID)

	for _, id := range []int64{alice, bob, carol} {
		require.Len(t, f.broker.notified[id], 1)
		assert.Equal(t, models.EventConversationCreated, f.broker.notified[id][0].Type)
	}
	assert.Equal(t, []string{RoutingConversationCreated}, f.events.keys)
}

func TestCreateConversationRejectsDegenerateSets(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	for _, ids := range [][]int64{nil, {alice}, {alice, alice}, {0, -4}} {
		_, _, err := f.svc.CreateConversation(ctx, asAlice, ids)
		require.ErrorIs(t, err, ErrValidation)
	}
}

func TestCreateConversationPrivilegedBetweenOthers(t *testing.T) {
	f := newFixture(t, Options{})

	conv := f.conversation(t, asAdmin, bob, carol)
	assert.Equal(t, []int64{bob, carol}, []int64(conv.Participants))

	withAdmin := f.conversation(t, asAdmin, bob)
	assert.Equal(t, []int64{bob, asAdmin.UserID}, []int64(withAdmin.Participants))
}

func TestConcurrentCreateYieldsOneConversation(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]int64, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			actor, others := asAlice, []int64{bob}
			if i%2 == 1 {
				actor, others = asBob, []int64{alice}
			}
			conv, _, err := f.svc.CreateConversation(ctx, actor, others)
			if err == nil {
				ids[i] = conv.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	convs, err := f.svc.ListConversations(ctx, asAlice)
	require.NoError(t, err)
	assert.Len(t, convs, 1)
}

func TestLastMessageTracksNewestSend(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	conv := f.conversation(t, asAlice, bob)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			actor := asAlice
			if i%2 == 0 {
				actor = asBob
			}
			_, _, err := f.svc.SendMessage(ctx, actor, conv.ID, "msg", nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	msgs, err := f.svc.ListMessages(ctx, asAlice, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 20)
	for i := 1; i < len(msgs); i++ {
		assert.True(t, msgs[i].CreatedAt.After(msgs[i-1].CreatedAt), "created_at must strictly increase")
	}

	got, err := f.svc.GetConversation(ctx, asAlice, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastMessage)
	assert.Equal(t, msgs[len(msgs)-1].ID, got.LastMessage.ID)

	last := f.send(t, asAlice, conv.ID, "final")
	got, err = f.svc.GetConversation(ctx, asBob, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, last.ID, *got.LastMessageID)
	assert.Len(t, f.broker.newMessages, 21)
}

func TestSendMessageErrors(t *testing.T) {
	f := newFixture(t, Options{MaxMessageLength: 10})
	ctx := context.Background()
	conv := f.conversation(t, asAlice, bob)

	tooMany := make(models.Attachments, MaxAttachments+1)
	for i := range tooMany {
		tooMany[i] = models.Attachment{Name: "a.pdf", URL: "https://files/a.pdf"}
	}

	cases := []struct {
		name        string
		actor       Actor
		convID      int64
		content     string
		attachments models.Attachments
		want        error
	}{
		{"missing conversation", asAlice, 999, "hi", nil, ErrNotFound},
		{"outsider", asCarol, conv.ID, "hi", nil, ErrForbidden},
		{"privileged outsider", asAdmin, conv.ID, "hi", nil, ErrForbidden},
		{"blank", asAlice, conv.ID, "   ", nil, ErrValidation},
		{"oversized", asAlice, conv.ID, strings.Repeat("é", 11), nil, ErrValidation},
		{"too many attachments", asAlice, conv.ID, "hi", tooMany, ErrValidation},
		{"attachment without url", asAlice, conv.ID, "hi", models.Attachments{{Name: "x"}}, ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := f.svc.SendMessage(ctx, tc.actor, tc.convID, tc.content, tc.attachments)
			require.ErrorIs(t, err, tc.want)
		})
	}
	assert.Empty(t, f.broker.newMessages)
}

func TestSendMessageWithAttachmentsOnly(t *testing.T) {
	f := newFixture(t, Options{})
	conv := f.conversation(t, asAlice, bob)

	msg, _, err := f.svc.SendMessage(context.Background(), asAlice, conv.ID, "", models.Attachments{
		{Name: "notes.pdf", URL: "https://files/notes.pdf", Size: 2048, Type: "application/pdf"},
	})
	require.NoError(t, err)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "notes.pdf", msg.Attachments[0].Name)
}

func TestSendMessageIgnoresPublishFailures(t *testing.T) {
	events := &recordingEvents{err: errors.New("bus down")}
	f := newFixture(t, Options{Events: events})
	conv := f.conversation(t, asAlice, bob)

	msg, _, err := f.svc.SendMessage(context.Background(), asAlice, conv.ID, "still works", nil)
	require.NoError(t, err)
	assert.NotZero(t, msg.ID)
	assert.Contains(t, events.keys, RoutingMessageCreated)
}

func TestListMessagesAuthorization(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	conv := f.conversation(t, asAlice, bob)
	f.send(t, asAlice, conv.ID, "hi")

	_, err := f.svc.ListMessages(ctx, asCarol, conv.ID)
	require.ErrorIs(t, err, ErrForbidden)

	msgs, err := f.svc.ListMessages(ctx, asAdmin, conv.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	_, err = f.svc.ListMessages(ctx, asAlice, 12345)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMarkReadRules(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	conv := f.conversation(t, asAlice, bob)
	msg := f.send(t, asAlice, conv.ID, "hi")

	own, err := f.svc.MarkRead(ctx, asAlice, msg.ID)
	require.NoError(t, err)
	require.Len(t, own.ReadBy, 1)
	assert.Equal(t, alice, own.ReadBy[0].UserID)

	own, err = f.svc.MarkRead(ctx, asAlice, msg.ID)
	require.NoError(t, err)
	assert.Len(t, own.ReadBy, 1)
	require.Len(t, f.broker.reads, 1)
	assert.Equal(t, alice, f.broker.reads[0].UserID)

	_, err = f.svc.MarkRead(ctx, asCarol, msg.ID)
	require.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.MarkRead(ctx, asBob, 777)
	require.ErrorIs(t, err, ErrNotFound)

	reloaded, err := f.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Len(t, reloaded.ReadBy, 1)
	assert.Len(t, f.broker.reads, 1)
}

func TestMarkConversationRead(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	conv := f.conversation(t, asAlice, bob)
	f.send(t, asAlice, conv.ID, "one")
	f.send(t, asAlice, conv.ID, "two")
	f.send(t, asBob, conv.ID, "mine")

	receipts, err := f.svc.MarkConversationRead(ctx, asBob, conv.ID)
	require.NoError(t, err)
	assert.Len(t, receipts, 2)
	assert.Len(t, f.broker.reads, 2)

	receipts, err = f.svc.MarkConversationRead(ctx, asBob, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, receipts)

	_, err = f.svc.MarkConversationRead(ctx, asCarol, conv.ID)
	require.ErrorIs(t, err, ErrForbidden)
}

func TestEditMessage(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	conv := f.conversation(t, asAlice, bob)
	msg := f.send(t, asAlice, conv.ID, "helo")

	_, err := f.svc.EditMessage(ctx, asBob, msg.ID, "hijack")
	require.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.EditMessage(ctx, asAlice, msg.ID, " ")
	require.ErrorIs(t, err, ErrValidation)

	edited, err := f.svc.EditMessage(ctx, asAlice, msg.ID, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", edited.Content)
	assert.True(t, edited.Edited)
	require.NotNil(t, edited.EditedAt)
	require.Len(t, f.broker.edited, 1)
	assert.Equal(t, msg.ID, f.broker.edited[0].ID)
}

func TestDeleteMessageMovesLastMessageBack(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	conv := f.conversation(t, asAlice, bob)
	first := f.send(t, asAlice, conv.ID, "first")
	second := f.send(t, asBob, conv.ID, "second")

	require.ErrorIs(t, f.svc.DeleteMessage(ctx, asAlice, second.ID), ErrForbidden)
	require.NoError(t, f.svc.DeleteMessage(ctx, asBob, second.ID))

	got, err := f.svc.GetConversation(ctx, asAlice, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastMessage)
	assert.Equal(t, first.ID, got.LastMessage.ID)

	require.NoError(t, f.svc.DeleteMessage(ctx, asAdmin, first.ID))
	got, err = f.svc.GetConversation(ctx, asAlice, conv.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastMessageID)
	assert.Nil(t, got.LastMessage)

	require.ErrorIs(t, f.svc.DeleteMessage(ctx, asAlice, first.ID), ErrNotFound)
	assert.Equal(t, [][2]int64{{conv.ID, second.ID}, {conv.ID, first.ID}}, f.broker.deleted)
}

func TestDeleteConversationCascades(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	conv := f.conversation(t, asAlice, bob)
	m1 := f.send(t, asAlice, conv.ID, "a")
	m2 := f.send(t, asBob, conv.ID, "b")
	_, err := f.svc.MarkRead(ctx, asBob, m1.ID)
	require.NoError(t, err)

	require.ErrorIs(t, f.svc.DeleteConversation(ctx, asCarol, conv.ID), ErrForbidden)
	require.NoError(t, f.svc.DeleteConversation(ctx, asAlice, conv.ID))

	for _, id := range []int64{m1.ID, m2.ID} {
		_, err := f.store.GetMessage(ctx, id)
		require.ErrorIs(t, err, repositories.ErrMessageNotFound)
	}
	_, err = f.svc.ListMessages(ctx, asAlice, conv.ID)
	require.ErrorIs(t, err, ErrNotFound)
	require.Len(t, f.broker.convDeleted, 1)

	recreated, created, err := f.svc.CreateConversation(ctx, asAlice, []int64{bob})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, conv.ID, recreated.ID)
}

func TestDeleteConversationByPrivilegedRole(t *testing.T) {
	f := newFixture(t, Options{})
	conv := f.conversation(t, asAlice, bob)

	require.NoError(t, f.svc.DeleteConversation(context.Background(), asAdmin, conv.ID))
	require.ErrorIs(t, f.svc.DeleteConversation(context.Background(), asAdmin, conv.ID), ErrNotFound)
}

func TestListConversationsOrderedByActivity(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	c1 := f.conversation(t, asAlice, bob)
	c2 := f.conversation(t, asAlice, carol)
	c3 := f.conversation(t, asAlice, 4)

	f.send(t, asCarol, c2.ID, "earlier")
	latest := f.send(t, asBob, c1.ID, "later")

	convs, err := f.svc.ListConversations(ctx, asAlice)
	require.NoError(t, err)
	require.Len(t, convs, 3)
	assert.Equal(t, []int64{c1.ID, c2.ID, c3.ID}, []int64{convs[0].ID, convs[1].ID, convs[2].ID})
	require.NotNil(t, convs[0].LastMessage)
	assert.Equal(t, latest.ID, convs[0].LastMessage.ID)
	assert.Nil(t, convs[2].LastMessage)

	mine, err := f.svc.ListConversations(ctx, asCarol)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, c2.ID, mine[0].ID)
}

func TestGetConversationAuthorization(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	conv := f.conversation(t, asAlice, bob)

	_, err := f.svc.GetConversation(ctx, asCarol, conv.ID)
	require.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.GetConversation(ctx, asAdmin, conv.ID)
	require.NoError(t, err)
	_, err = f.svc.GetConversation(ctx, asAlice, 404)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestNotifyMessage(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	conv := f.conversation(t, asAlice, bob)
	msg := f.send(t, asAlice, conv.ID, "hi")

	_, err := f.svc.NotifyMessage(ctx, asBob, msg.ID)
	require.ErrorIs(t, err, ErrForbidden)

	got, err := f.svc.NotifyMessage(ctx, asAlice, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)
	assert.Len(t, f.broker.newMessages, 2)
}
