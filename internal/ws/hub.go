package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"messaging-service/internal/models"
	"messaging-service/internal/observability"
	"messaging-service/internal/relay"
)

const (
	lifecycleRoutingKey = "ws_events.connections"
	relayBacklog        = 1024
)

// EventPublisher ships websocket lifecycle events to the bus.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

func userChannel(userID int64) string {
	return fmt.Sprintf("user:%d", userID)
}

func conversationChannel(conversationID int64) string {
	return fmt.Sprintf("conversation:%d", conversationID)
}

// Hub keeps the ephemeral channel membership of live connections and fans
// frames out to them. Delivery is at most once with no backlog or replay.
type Hub struct {
	mu          sync.RWMutex
	conns       map[*Connection]struct{}
	channels    map[string]map[*Connection]struct{}
	memberships map[*Connection]map[string]struct{}

	nodeID string
	relay  relay.Relay
	outbox chan relay.Envelope
	events EventPublisher
	logger *slog.Logger
}

type HubOptions struct {
	NodeID string
	Relay  relay.Relay
	Events EventPublisher
	Logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(opts HubOptions) *Hub {
	h := &Hub{
		conns:       make(map[*Connection]struct{}),
		channels:    make(map[string]map[*Connection]struct{}),
		memberships: make(map[*Connection]map[string]struct{}),
		nodeID:      opts.NodeID,
		relay:       opts.Relay,
		events:      opts.Events,
		logger:      opts.Logger,
	}
	if h.nodeID == "" {
		h.nodeID = uuid.NewString()
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = h.logger.With("component", "ws_hub", "node_id", h.nodeID)
	if h.relay != nil {
		h.outbox = make(chan relay.Envelope, relayBacklog)
	}
	return h
}

// NodeID identifies this instance in relayed envelopes.
func (h *Hub) NodeID() string {
	return h.nodeID
}

// Start subscribes to the relay and runs the relay publisher until ctx ends.
func (h *Hub) Start(ctx context.Context) error {
	if h.relay == nil {
		return nil
	}
	if err := h.relay.Subscribe(ctx, h.onRelay); err != nil {
		return err
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case env := <-h.outbox:
				if err := h.relay.Publish(ctx, env); err != nil {
					h.logger.Warn("relay publish failed", "error", err)
					continue
				}
				observability.IncRelayEnvelope(h.relay.Backend(), "out")
			}
		}
	}()
	return nil
}

// Register tracks a new connection without any channel membership.
func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.memberships[conn] = make(map[string]struct{})
	h.mu.Unlock()
	observability.IncWSActive()
}

// Unregister drops the connection and every membership it holds. It reports
// whether the connection was still registered.
func (h *Hub) Unregister(conn *Connection) bool {
	h.mu.Lock()
	if _, ok := h.conns[conn]; !ok {
		h.mu.Unlock()
		return false
	}
	for channel := range h.memberships[conn] {
		h.leaveLocked(channel, conn)
	}
	delete(h.memberships, conn)
	delete(h.conns, conn)
	h.mu.Unlock()
	observability.DecWSActive()
	return true
}

// JoinUser binds the connection to its user's personal channel.
func (h *Hub) JoinUser(conn *Connection) string {
	channel := userChannel(conn.UserID)
	h.join(channel, conn)
	return channel
}

// JoinConversation binds the connection to a conversation channel. Callers
// must have checked participation.
func (h *Hub) JoinConversation(conn *Connection, conversationID int64) string {
	channel := conversationChannel(conversationID)
	h.join(channel, conn)
	return channel
}

// LeaveConversation unbinds the connection from a conversation channel.
func (h *Hub) LeaveConversation(conn *Connection, conversationID int64) string {
	channel := conversationChannel(conversationID)
	h.mu.Lock()
	h.leaveLocked(channel, conn)
	h.mu.Unlock()
	return channel
}

// InConversation reports whether the connection joined the conversation.
func (h *Hub) InConversation(conn *Connection, conversationID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.memberships[conn][conversationChannel(conversationID)]
	return ok
}

// Subscribers returns how many local connections are bound to a channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// ConversationSubscribers counts local connections joined to a conversation.
func (h *Hub) ConversationSubscribers(conversationID int64) int {
	return h.Subscribers(conversationChannel(conversationID))
}

func (h *Hub) join(channel string, conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	memberships, ok := h.memberships[conn]
	if !ok {
		return
	}
	members := h.channels[channel]
	if members == nil {
		members = make(map[*Connection]struct{})
		h.channels[channel] = members
	}
	members[conn] = struct{}{}
	memberships[channel] = struct{}{}
}

func (h *Hub) leaveLocked(channel string, conn *Connection) {
	if members, ok := h.channels[channel]; ok {
		delete(members, conn)
		if len(members) == 0 {
			delete(h.channels, channel)
		}
	}
	if memberships, ok := h.memberships[conn]; ok {
		delete(memberships, channel)
	}
}

// PublishNewMessage announces a persisted message on its conversation channel.
func (h *Hub) PublishNewMessage(msg models.Message) {
	h.broadcast([]string{conversationChannel(msg.ConversationID)}, models.ChatEvent{
		Type:           models.EventNewMessage,
		ConversationID: msg.ConversationID,
		Message:        &msg,
	}, nil)
}

// PublishRead announces a new read receipt.
func (h *Hub) PublishRead(event models.ReadEvent) {
	h.broadcast([]string{conversationChannel(event.ConversationID)}, models.ChatEvent{
		Type:           models.EventMessageRead,
		ConversationID: event.ConversationID,
		MessageID:      event.MessageID,
		UserID:         event.UserID,
		Read:           &event,
	}, nil)
}

// PublishEdited announces edited message content.
func (h *Hub) PublishEdited(msg models.Message) {
	h.broadcast([]string{conversationChannel(msg.ConversationID)}, models.ChatEvent{
		Type:           models.EventMessageEdited,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Message:        &msg,
	}, nil)
}

// PublishDeleted announces a removed message.
func (h *Hub) PublishDeleted(conversationID, messageID int64) {
	h.broadcast([]string{conversationChannel(conversationID)}, models.ChatEvent{
		Type:           models.EventMessageDeleted,
		ConversationID: conversationID,
		MessageID:      messageID,
	}, nil)
}

// PublishConversationDeleted tells the conversation channel and every
// participant's personal channel that the conversation is gone.
func (h *Hub) PublishConversationDeleted(conv models.Conversation) {
	channels := []string{conversationChannel(conv.ID)}
	for _, userID := range conv.Participants {
		channels = append(channels, userChannel(userID))
	}
	h.broadcast(channels, models.ChatEvent{
		Type:           models.EventConversationDeleted,
		ConversationID: conv.ID,
	}, nil)
}

// NotifyUser delivers an event on a user's personal channel.
func (h *Hub) NotifyUser(userID int64, event models.ChatEvent) {
	h.broadcast([]string{userChannel(userID)}, event, nil)
}

// PublishTyping relays a typing signal to the other connections of a
// conversation.
func (h *Hub) PublishTyping(from *Connection, conversationID int64) {
	h.broadcast([]string{conversationChannel(conversationID)}, models.ChatEvent{
		Type:           models.EventTyping,
		ConversationID: conversationID,
		UserID:         from.UserID,
	}, from)
}

// Close terminates every connection, used on shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		h.Unregister(conn)
		conn.Close(websocket.CloseGoingAway, "server shutdown")
	}
}

func (h *Hub) broadcast(channels []string, event models.ChatEvent, exclude *Connection) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("encode frame", "type", event.Type, "error", err)
		return
	}
	h.deliverLocal(channels, event.Type, data, exclude)

	if h.outbox == nil {
		return
	}
	select {
	case h.outbox <- relay.Envelope{Origin: h.nodeID, Channels: channels, Frame: data}:
	default:
		observability.IncBrokerDropped("relay_backlog")
	}
}

func (h *Hub) onRelay(env relay.Envelope) {
	if env.Origin == h.nodeID {
		return
	}
	observability.IncRelayEnvelope(h.relay.Backend(), "in")
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(env.Frame, &head); err != nil || head.Type == "" {
		observability.IncBrokerDropped("malformed_frame")
		h.logger.Warn("dropping relayed frame", "origin", env.Origin, "error", err)
		return
	}
	h.deliverLocal(env.Channels, head.Type, env.Frame, nil)
}

func (h *Hub) deliverLocal(channels []string, frameType string, data []byte, exclude *Connection) {
	h.mu.RLock()
	targets := make([]*Connection, 0)
	seen := make(map[*Connection]struct{})
	for _, channel := range channels {
		for conn := range h.channels[channel] {
			if conn == exclude {
				continue
			}
			if _, dup := seen[conn]; dup {
				continue
			}
			seen[conn] = struct{}{}
			targets = append(targets, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		if conn.enqueue(data) {
			observability.IncBrokerDelivery(frameType)
			continue
		}
		observability.IncBrokerDropped("buffer_full")
		h.drop(conn, "send buffer full")
	}
}

// drop disconnects a connection that can no longer keep up. Other
// recipients are unaffected.
func (h *Hub) drop(conn *Connection, reason string) {
	if !h.Unregister(conn) {
		return
	}
	conn.Close(websocket.CloseTryAgainLater, reason)
	h.logger.Warn("connection dropped", "conn_id", conn.ID, "user_id", conn.UserID, "reason", reason)
	h.publishLifecycle(context.Background(), conn, "ws_error", reason)
}

func (h *Hub) publishLifecycle(ctx context.Context, conn *Connection, event, reason string) {
	observability.IncWSEvent(event)
	if h.events == nil {
		return
	}
	err := h.events.Publish(ctx, lifecycleRoutingKey, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload:   conn.Info.payload(event, reason),
	})
	if err != nil {
		h.logger.Warn("ws event publish failed", "event", event, "error", err)
	}
}
