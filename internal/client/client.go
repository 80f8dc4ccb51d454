// Package client is the Go client of the messaging API. It pairs REST calls
// with a websocket session that keeps per-conversation timelines reconciled.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"messaging-service/internal/models"
	"messaging-service/internal/observability"
)

const defaultTimeout = 10 * time.Second

// APIError is a non-2xx response of the messaging API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("messaging api: %d %s", e.Status, e.Message)
	}
	return fmt.Sprintf("messaging api: %d %s (%s)", e.Status, e.Code, e.Message)
}

// Client calls the REST endpoints as one authenticated user.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New returns a Client for baseURL. A nil httpClient gets a default with a
// 10s timeout.
func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

// CreateConversation creates or returns the conversation of participantIDs.
// created is false when it already existed.
func (c *Client) CreateConversation(ctx context.Context, participantIDs []int64) (models.Conversation, bool, error) {
	var conv models.Conversation
	status, err := c.do(ctx, http.MethodPost, "/conversations", map[string]any{"participant_ids": participantIDs}, &conv)
	if err != nil {
		return models.Conversation{}, false, err
	}
	return normalizeConversation(conv), status == http.StatusCreated, nil
}

// ListConversations returns the caller's conversations, most recent first.
func (c *Client) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var resp struct {
		Conversations []models.Conversation `json:"conversations"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/conversations", nil, &resp); err != nil {
		return nil, err
	}
	for i := range resp.Conversations {
		resp.Conversations[i] = normalizeConversation(resp.Conversations[i])
	}
	return resp.Conversations, nil
}

// DeleteConversation removes a conversation and its messages.
func (c *Client) DeleteConversation(ctx context.Context, conversationID int64) error {
	_, err := c.do(ctx, http.MethodDelete, "/conversations/"+strconv.FormatInt(conversationID, 10), nil, nil)
	return err
}

// ListMessages returns the full history of a conversation in order.
func (c *Client) ListMessages(ctx context.Context, conversationID int64) ([]models.Message, error) {
	var resp struct {
		Messages []wireMessage `json:"messages"`
	}
	path := "/conversations/" + strconv.FormatInt(conversationID, 10) + "/messages"
	if _, err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	msgs := make([]models.Message, 0, len(resp.Messages))
	for _, w := range resp.Messages {
		msgs = append(msgs, w.normalize())
	}
	return msgs, nil
}

// SendMessage persists a message and returns it with the updated conversation.
func (c *Client) SendMessage(ctx context.Context, conversationID int64, content string, attachments models.Attachments) (models.Message, models.Conversation, error) {
	var resp struct {
		Message      wireMessage         `json:"message"`
		Conversation models.Conversation `json:"conversation"`
	}
	body := map[string]any{"content": content}
	if len(attachments) > 0 {
		body["attachments"] = attachments
	}
	path := "/conversations/" + strconv.FormatInt(conversationID, 10) + "/messages"
	if _, err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return models.Message{}, models.Conversation{}, err
	}
	return resp.Message.normalize(), normalizeConversation(resp.Conversation), nil
}

// MarkConversationRead marks every unread message and returns how many were new.
func (c *Client) MarkConversationRead(ctx context.Context, conversationID int64) (int, error) {
	var resp struct {
		Read int `json:"read"`
	}
	path := "/conversations/" + strconv.FormatInt(conversationID, 10) + "/read"
	if _, err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Read, nil
}

// MarkRead records a read receipt for one message.
func (c *Client) MarkRead(ctx context.Context, messageID int64) error {
	_, err := c.do(ctx, http.MethodPost, "/messages/"+strconv.FormatInt(messageID, 10)+"/read", nil, nil)
	return err
}

// EditMessage replaces the content of one of the caller's messages.
func (c *Client) EditMessage(ctx context.Context, messageID int64, content string) (models.Message, error) {
	var resp wireMessage
	if _, err := c.do(ctx, http.MethodPatch, "/messages/"+strconv.FormatInt(messageID, 10), map[string]any{"content": content}, &resp); err != nil {
		return models.Message{}, err
	}
	return resp.normalize(), nil
}

// DeleteMessage removes one message.
func (c *Client) DeleteMessage(ctx context.Context, messageID int64) error {
	_, err := c.do(ctx, http.MethodDelete, "/messages/"+strconv.FormatInt(messageID, 10), nil, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	requestID := observability.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	req.Header.Set(observability.RequestIDHeader, requestID)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		var payload struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil {
			apiErr.Code = payload.Code
			apiErr.Message = payload.Error
		}
		return resp.StatusCode, apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}
