// Package rest is the HTTP client for the chat backend. All response-shape
// inconsistency (flat arrays vs {"data":{"content":[...]}} envelopes) is
// handled in one normalization seam; callers always see fixed internal types.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/messenger-client/internal/logger"
	"github.com/messenger-client/internal/model"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
)

// TokenSource supplies access tokens for authorized calls. Implemented by the
// session manager; injected after construction to break the wiring cycle.
type TokenSource interface {
	EnsureFreshToken(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}

type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// SetTokenSource injects the session manager. Until set, only the
// unauthenticated auth endpoints work.
func (c *Client) SetTokenSource(ts TokenSource) {
	c.tokens = ts
}

// --- Auth ---

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	User         model.UserPublic `json:"user"`
	AccessToken  string           `json:"access_token"`
	RefreshToken string           `json:"refresh_token"`
}

func (c *Client) Login(ctx context.Context, email, password string) (*model.Session, error) {
	defer logger.DeferLogDuration("rest.Login", time.Now())()
	var resp loginResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", loginRequest{Email: email, Password: password}, &resp, false); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" || resp.User.ID == "" {
		return nil, fmt.Errorf("rest.Login: incomplete response")
	}
	return &model.Session{
		User: resp.User,
		Tokens: model.TokenPair{
			AccessToken:  resp.AccessToken,
			RefreshToken: resp.RefreshToken,
		},
	}, nil
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (*model.TokenPair, error) {
	defer logger.DeferLogDuration("rest.Refresh", time.Now())()
	var pair model.TokenPair
	if err := c.do(ctx, http.MethodPost, "/auth/refresh", refreshRequest{RefreshToken: refreshToken}, &pair, false); err != nil {
		return nil, err
	}
	if pair.AccessToken == "" {
		return nil, fmt.Errorf("rest.Refresh: empty access token")
	}
	return &pair, nil
}

// --- Chats ---

func (c *Client) ListChats(ctx context.Context, page, size int, sort string) ([]model.Conversation, error) {
	defer logger.DeferLogDuration("rest.ListChats", time.Now())()
	path := "/chats?" + listQuery(page, size, sort)
	var out []model.Conversation
	if err := c.doList(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateChatRequest is the body of POST /chats.
type CreateChatRequest struct {
	ChatType       model.ChatType `json:"chat_type"`
	ParticipantIDs []string       `json:"participant_ids"`
	Title          string         `json:"title,omitempty"`
}

func (c *Client) CreateChat(ctx context.Context, req CreateChatRequest) (*model.Conversation, error) {
	defer logger.DeferLogDuration("rest.CreateChat", time.Now())()
	var conv model.Conversation
	if err := c.do(ctx, http.MethodPost, "/chats", req, &conv, true); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (c *Client) GetChat(ctx context.Context, id string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("rest.GetChat", time.Now())()
	var conv model.Conversation
	if err := c.do(ctx, http.MethodGet, "/chats/"+url.PathEscape(id), nil, &conv, true); err != nil {
		return nil, err
	}
	return &conv, nil
}

// --- Messages ---

func (c *Client) ListMessages(ctx context.Context, chatID string, page, size int, sort string) ([]model.Message, error) {
	defer logger.DeferLogDuration("rest.ListMessages", time.Now())()
	path := "/chats/" + url.PathEscape(chatID) + "/messages?" + listQuery(page, size, sort)
	var out []model.Message
	if err := c.doList(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendMessageRequest is the body of POST /chats/{id}/messages.
type SendMessageRequest struct {
	Body        string            `json:"body"`
	ContentType model.ContentType `json:"content_type"`
	ReplyToID   *string           `json:"reply_to_id,omitempty"`
}

func (c *Client) SendMessage(ctx context.Context, chatID string, req SendMessageRequest) (*model.Message, error) {
	defer logger.DeferLogDuration("rest.SendMessage", time.Now())()
	var msg model.Message
	if err := c.do(ctx, http.MethodPost, "/chats/"+url.PathEscape(chatID)+"/messages", req, &msg, true); err != nil {
		return nil, err
	}
	return &msg, nil
}

// --- Pinned messages ---

// PinMessageRequest is the body of POST /chats/{id}/pinned-messages.
type PinMessageRequest struct {
	MessageID    string `json:"message_id"`
	DisplayOrder int    `json:"display_order"`
}

func (c *Client) PinMessage(ctx context.Context, chatID string, req PinMessageRequest) (*model.PinnedMessage, error) {
	defer logger.DeferLogDuration("rest.PinMessage", time.Now())()
	var pin model.PinnedMessage
	path := "/chats/" + url.PathEscape(chatID) + "/pinned-messages"
	if err := c.do(ctx, http.MethodPost, path, req, &pin, true); err != nil {
		return nil, err
	}
	return &pin, nil
}

func (c *Client) UnpinMessage(ctx context.Context, chatID, messageID string) error {
	defer logger.DeferLogDuration("rest.UnpinMessage", time.Now())()
	path := "/chats/" + url.PathEscape(chatID) + "/pinned-messages/" + url.PathEscape(messageID)
	return c.do(ctx, http.MethodDelete, path, nil, nil, true)
}

func (c *Client) ListPinnedMessages(ctx context.Context, chatID string) ([]model.PinnedMessage, error) {
	defer logger.DeferLogDuration("rest.ListPinnedMessages", time.Now())()
	var out []model.PinnedMessage
	if err := c.doList(ctx, "/chats/"+url.PathEscape(chatID)+"/pinned-messages", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- Contacts ---

func (c *Client) SearchContacts(ctx context.Context, q string) ([]model.UserPublic, error) {
	defer logger.DeferLogDuration("rest.SearchContacts", time.Now())()
	var out []model.UserPublic
	if err := c.doList(ctx, "/contacts?q="+url.QueryEscape(q), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- plumbing ---

func listQuery(page, size int, sort string) string {
	v := url.Values{}
	v.Set("page", strconv.Itoa(page))
	v.Set("size", strconv.Itoa(size))
	if sort != "" {
		v.Set("sort", sort)
	}
	return v.Encode()
}

// do performs one request. Authorized calls attach a fresh bearer token; a
// 401/403 triggers exactly one forced refresh and retry before giving up.
func (c *Client) do(ctx context.Context, method, path string, body, out any, authed bool) error {
	raw, status, err := c.roundTrip(ctx, method, path, body, authed, false)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		if !authed || c.tokens == nil {
			return fmt.Errorf("rest %s %s: %w", method, path, ErrUnauthorized)
		}
		raw, status, err = c.roundTrip(ctx, method, path, body, authed, true)
		if err != nil {
			return err
		}
	}
	if err := statusError(method, path, status, raw); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(unwrapData(raw), out); err != nil {
		return fmt.Errorf("rest %s %s: decode: %w", method, path, err)
	}
	return nil
}

// doList is do for list endpoints, routed through the envelope normalizer.
func (c *Client) doList(ctx context.Context, path string, out any) error {
	raw, status, err := c.roundTrip(ctx, http.MethodGet, path, nil, true, false)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		if c.tokens == nil {
			return fmt.Errorf("rest GET %s: %w", path, ErrUnauthorized)
		}
		raw, status, err = c.roundTrip(ctx, http.MethodGet, path, nil, true, true)
		if err != nil {
			return err
		}
	}
	if err := statusError(http.MethodGet, path, status, raw); err != nil {
		return err
	}
	if err := decodeList(raw, out); err != nil {
		return fmt.Errorf("rest GET %s: decode: %w", path, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body any, authed, forceRefresh bool) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("rest %s %s: marshal: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("rest %s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authed && c.tokens != nil {
		var token string
		if forceRefresh {
			token, err = c.tokens.ForceRefresh(ctx)
		} else {
			token, err = c.tokens.EnsureFreshToken(ctx)
		}
		if err != nil {
			return nil, 0, fmt.Errorf("rest %s %s: token: %w", method, path, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("rest %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("rest %s %s: read body: %w", method, path, err)
	}
	return raw, resp.StatusCode, nil
}

func statusError(method, path string, status int, raw []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	msg := serverMessage(raw)
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("rest %s %s: %s: %w", method, path, msg, ErrUnauthorized)
	case http.StatusNotFound:
		return fmt.Errorf("rest %s %s: %s: %w", method, path, msg, ErrNotFound)
	default:
		return fmt.Errorf("rest %s %s: status %d: %s", method, path, status, msg)
	}
}

// serverMessage pulls the human-readable message out of an error body,
// tolerating both {"error": "..."} and {"message": "..."}.
func serverMessage(raw []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return "request failed"
}

// unwrapData strips a {"data": ...} wrapper when present.
func unwrapData(raw []byte) []byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return raw
	}
	var probe struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(trimmed, &probe); err == nil && len(probe.Data) > 0 {
		return probe.Data
	}
	return raw
}

// decodeList normalizes list envelopes. Accepted shapes: a flat JSON array,
// {"content":[...]}, and {"data":{"content":[...]}}. An absent content array
// decodes as empty.
func decodeList(raw []byte, out any) error {
	raw = bytes.TrimSpace(unwrapData(raw))
	if len(raw) > 0 && raw[0] == '[' {
		return json.Unmarshal(raw, out)
	}
	var envelope struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return err
	}
	if len(envelope.Content) == 0 {
		return json.Unmarshal([]byte("[]"), out)
	}
	return json.Unmarshal(envelope.Content, out)
}
