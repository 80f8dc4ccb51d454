package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"messaging-service/internal/models"
	"messaging-service/internal/reconcile"
)

const (
	DefaultMaxBackoff = 30 * time.Second
	defaultMinBackoff = 500 * time.Millisecond
	frameWriteWait    = 10 * time.Second
)

// SendError is returned by Session.Send when the message was not persisted.
// Draft holds the input so it can be put back into the compose field.
type SendError struct {
	Draft reconcile.Draft
	Err   error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed: %v", e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

type outboundFrame struct {
	Type           string `json:"type"`
	ConversationID int64  `json:"conversation_id,omitempty"`
}

type SessionOptions struct {
	// SelfID is the authenticated user; it becomes the sender of pending entries.
	SelfID     int64
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Dialer     *websocket.Dialer
	Logger     *slog.Logger
	// OnEvent, when set, is called after each decoded event has been applied.
	OnEvent func(models.ChatEvent)
}

// Session keeps a websocket open to the broker and a reconciled timeline per
// watched conversation. History fetched over REST is authoritative; pushed
// events only fill the gap between fetches.
type Session struct {
	client *Client
	wsURL  string
	opts   SessionOptions
	logger *slog.Logger

	mu        sync.Mutex
	timelines map[int64]*reconcile.Timeline
	conn      *websocket.Conn

	writeMu sync.Mutex
}

// NewSession builds a session for client against the websocket endpoint wsURL.
func NewSession(client *Client, wsURL string, opts SessionOptions) *Session {
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = defaultMinBackoff
	}
	if opts.MaxBackoff <= 0 || opts.MaxBackoff > DefaultMaxBackoff {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		client:    client,
		wsURL:     wsURL,
		opts:      opts,
		logger:    logger.With("component", "session", "user_id", opts.SelfID),
		timelines: make(map[int64]*reconcile.Timeline),
	}
}

// Run connects and reconnects until ctx ends. Every successful connect joins
// the personal channel and every watched conversation, then refetches their
// history.
func (s *Session) Run(ctx context.Context) error {
	b := s.newBackoff()
	for {
		err := s.connectOnce(ctx, b)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := b.NextBackOff()
		s.logger.Warn("websocket disconnected", "error", err, "retry_in", wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Session) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.MinBackoff
	b.MaxInterval = s.opts.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (s *Session) connectOnce(ctx context.Context, b *backoff.ExponentialBackOff) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.client.token)
	conn, _, err := s.opts.Dialer.DialContext(ctx, s.wsURL, header)
	if err != nil {
		return err
	}
	b.Reset()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer func() {
		s.setConn(nil)
		conn.Close()
	}()

	s.setConn(conn)
	if err := s.write(outboundFrame{Type: "join"}); err != nil {
		return err
	}
	for _, id := range s.watched() {
		if err := s.write(outboundFrame{Type: "join_conversation", ConversationID: id}); err != nil {
			return err
		}
	}
	s.resync(ctx)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handle(data)
	}
}

// Watch starts tracking a conversation and returns its timeline. When
// connected it joins the conversation channel and loads its history.
func (s *Session) Watch(ctx context.Context, conversationID int64) (*reconcile.Timeline, error) {
	tl := s.timeline(conversationID)
	if !s.connected() {
		return tl, nil
	}
	if err := s.write(outboundFrame{Type: "join_conversation", ConversationID: conversationID}); err != nil {
		return tl, err
	}
	mark := tl.Mark()
	history, err := s.client.ListMessages(ctx, conversationID)
	if err != nil {
		return tl, err
	}
	tl.ResetSince(mark, history)
	return tl, nil
}

// Unwatch stops tracking a conversation.
func (s *Session) Unwatch(conversationID int64) {
	s.mu.Lock()
	delete(s.timelines, conversationID)
	s.mu.Unlock()

	if s.connected() {
		if err := s.write(outboundFrame{Type: "leave_conversation", ConversationID: conversationID}); err != nil {
			s.logger.Warn("leave failed", "conversation_id", conversationID, "error", err)
		}
	}
}

// Timeline returns the timeline of a watched conversation.
func (s *Session) Timeline(conversationID int64) (*reconcile.Timeline, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tl, ok := s.timelines[conversationID]
	return tl, ok
}

// Send shows content immediately as a pending entry, persists it over REST
// and then swaps in the canonical message. On failure the pending entry is
// removed and a *SendError carrying the draft is returned. The conversation
// is tracked from then on and joined on the next connect.
func (s *Session) Send(ctx context.Context, conversationID int64, content string, attachments models.Attachments) (models.Message, error) {
	tl := s.timeline(conversationID)
	entry := tl.AddPending(content, attachments)

	msg, _, err := s.client.SendMessage(ctx, conversationID, content, attachments)
	if err != nil {
		draft, _ := tl.Fail(entry.LocalID)
		return models.Message{}, &SendError{Draft: draft, Err: err}
	}
	tl.Confirm(entry.LocalID, msg)
	return msg, nil
}

// Resync refetches history for every watched conversation.
func (s *Session) Resync(ctx context.Context) {
	s.resync(ctx)
}

// resync refetches every watched conversation. Events merged and sends
// confirmed while a fetch is in flight are kept by the timeline mark.
func (s *Session) resync(ctx context.Context) {
	for _, id := range s.watched() {
		tl, ok := s.Timeline(id)
		if !ok {
			continue
		}
		mark := tl.Mark()
		history, err := s.client.ListMessages(ctx, id)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && (apiErr.Status == http.StatusNotFound || apiErr.Status == http.StatusForbidden) {
				s.forget(id)
			}
			s.logger.Warn("history refetch failed", "conversation_id", id, "error", err)
			continue
		}
		if current, ok := s.Timeline(id); ok && current == tl {
			tl.ResetSince(mark, history)
		}
	}
}

func (s *Session) handle(data []byte) {
	event, err := decodeEvent(data)
	if err != nil {
		s.logger.Warn("dropping frame", "error", err)
		return
	}

	switch event.Type {
	case models.EventNewMessage:
		if tl, ok := s.Timeline(event.ConversationID); ok && event.Message != nil {
			tl.Merge(*event.Message)
		}
	case models.EventMessageRead:
		if tl, ok := s.Timeline(event.ConversationID); ok && event.Read != nil {
			tl.ApplyRead(*event.Read)
		}
	case models.EventMessageEdited:
		if tl, ok := s.Timeline(event.ConversationID); ok && event.Message != nil {
			tl.ApplyEdit(*event.Message)
		}
	case models.EventMessageDeleted:
		if tl, ok := s.Timeline(event.ConversationID); ok {
			tl.ApplyDelete(event.MessageID)
		}
	case models.EventConversationDeleted:
		s.forget(event.ConversationID)
	case models.EventError:
		s.logger.Warn("broker error", "code", event.Code, "error", event.Error)
	}

	if s.opts.OnEvent != nil {
		s.opts.OnEvent(event)
	}
}

func (s *Session) timeline(conversationID int64) *reconcile.Timeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	tl, ok := s.timelines[conversationID]
	if !ok {
		tl = reconcile.NewTimeline(conversationID, s.opts.SelfID)
		s.timelines[conversationID] = tl
	}
	return tl
}

func (s *Session) forget(conversationID int64) {
	s.mu.Lock()
	delete(s.timelines, conversationID)
	s.mu.Unlock()
}

func (s *Session) watched() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.timelines))
	for id := range s.timelines {
		ids = append(ids, id)
	}
	return ids
}

func (s *Session) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *Session) connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *Session) write(frame outboundFrame) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(frameWriteWait))
	return conn.WriteJSON(frame)
}
