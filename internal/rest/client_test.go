package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/messenger-client/internal/model"
)

// staticTokens — TokenSource с фиксированными токенами и счётчиком refresh.
type staticTokens struct {
	token        string
	refreshed    string
	refreshCalls atomic.Int32
	refreshErr   error
}

func (s *staticTokens) EnsureFreshToken(ctx context.Context) (string, error) {
	return s.token, nil
}

func (s *staticTokens) ForceRefresh(ctx context.Context) (string, error) {
	s.refreshCalls.Add(1)
	if s.refreshErr != nil {
		return "", s.refreshErr
	}
	return s.refreshed, nil
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *staticTokens) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, 5*time.Second)
	tokens := &staticTokens{token: "tok-1", refreshed: "tok-2"}
	c.SetTokenSource(tokens)
	return c, tokens
}

// TestLoginWrappedEnvelope verifies that a {"data":{...}} login response is
// unwrapped transparently.
func TestLoginWrappedEnvelope(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/auth/login", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Email == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{
			"user":          model.UserPublic{ID: "u1", Username: "alice"},
			"access_token":  "at",
			"refresh_token": "rt",
		}})
	})
	c, _ := newTestClient(t, r)

	sess, err := c.Login(context.Background(), "alice@example.com", "password")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if sess.User.ID != "u1" || sess.Tokens.AccessToken != "at" || sess.Tokens.RefreshToken != "rt" {
		t.Fatalf("session = %+v", sess)
	}
}

// TestListEnvelopeShapes verifies all three accepted list shapes decode to
// the same result.
func TestListEnvelopeShapes(t *testing.T) {
	chats := []model.Conversation{{ID: "c1", Title: "one"}, {ID: "c2", Title: "two"}}
	shapes := map[string]any{
		"/flat":    chats,
		"/content": map[string]any{"content": chats},
		"/wrapped": map[string]any{"data": map[string]any{"content": chats}},
	}
	r := chi.NewRouter()
	for path, payload := range shapes {
		p := payload
		r.Get(path+"/chats", func(w http.ResponseWriter, req *http.Request) {
			json.NewEncoder(w).Encode(p)
		})
	}
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	for path := range shapes {
		c := NewClient(srv.URL+path, 5*time.Second)
		c.SetTokenSource(&staticTokens{token: "tok"})
		got, err := c.ListChats(context.Background(), 0, 50, "")
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		if len(got) != 2 || got[0].ID != "c1" || got[1].ID != "c2" {
			t.Fatalf("%s: got %+v", path, got)
		}
	}
}

// TestListEmptyContent verifies an envelope without a content array decodes
// as an empty list, not an error.
func TestListEmptyContent(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/chats", func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"totalElements": 0}})
	})
	c, _ := newTestClient(t, r)

	got, err := c.ListChats(context.Background(), 0, 50, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d chats, want 0", len(got))
	}
}

// TestUnauthorizedRetry verifies that a 401 triggers exactly one forced
// refresh and the retried request carries the new token.
func TestUnauthorizedRetry(t *testing.T) {
	var calls atomic.Int32
	r := chi.NewRouter()
	r.Get("/chats/{id}", func(w http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		if req.Header.Get("Authorization") != "Bearer tok-2" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "token expired"})
			return
		}
		json.NewEncoder(w).Encode(model.Conversation{ID: chi.URLParam(req, "id"), Title: "ok"})
	})
	c, tokens := newTestClient(t, r)

	conv, err := c.GetChat(context.Background(), "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if conv.ID != "c1" {
		t.Fatalf("conv = %+v", conv)
	}
	if n := tokens.refreshCalls.Load(); n != 1 {
		t.Fatalf("refresh calls = %d, want 1", n)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("server calls = %d, want 2", n)
	}
}

// TestUnauthorizedAfterRetry verifies that a second 401 surfaces as
// ErrUnauthorized without further retries.
func TestUnauthorizedAfterRetry(t *testing.T) {
	var calls atomic.Int32
	r := chi.NewRouter()
	r.Get("/chats/{id}", func(w http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "nope"})
	})
	c, _ := newTestClient(t, r)

	_, err := c.GetChat(context.Background(), "c1")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("server calls = %d, want 2", n)
	}
}

// TestNotFound verifies 404 maps to ErrNotFound with the server message kept
// in the error chain.
func TestNotFound(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/chats/{id}", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"message": "no such chat"})
	})
	c, _ := newTestClient(t, r)

	_, err := c.GetChat(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

// TestSendMessage verifies the request body and the decoded response.
func TestSendMessage(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/chats/{id}/messages", func(w http.ResponseWriter, req *http.Request) {
		var body SendMessageRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if body.Body != "hello" || body.ContentType != model.ContentTypeText {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(model.Message{
			ID:     "m1",
			ChatID: chi.URLParam(req, "id"),
			Body:   body.Body,
		})
	})
	c, _ := newTestClient(t, r)

	msg, err := c.SendMessage(context.Background(), "c1", SendMessageRequest{
		Body:        "hello",
		ContentType: model.ContentTypeText,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ID != "m1" || msg.ChatID != "c1" {
		t.Fatalf("msg = %+v", msg)
	}
}

// TestPinnedMessages exercises the pinned-message endpoints: pin echoes the
// created record, list tolerates the wrapped envelope, unpin is a bare
// success.
func TestPinnedMessages(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/chats/{id}/pinned-messages", func(w http.ResponseWriter, req *http.Request) {
		var body PinMessageRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.MessageID == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(model.PinnedMessage{
			ChatID:       chi.URLParam(req, "id"),
			MessageID:    body.MessageID,
			PinnedBy:     "u1",
			PinnedAt:     time.Now().UTC(),
			DisplayOrder: body.DisplayOrder,
		})
	})
	r.Get("/chats/{id}/pinned-messages", func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{
			"content": []model.PinnedMessage{
				{ChatID: chi.URLParam(req, "id"), MessageID: "m1", DisplayOrder: 0},
			},
		}})
	})
	r.Delete("/chats/{id}/pinned-messages/{messageID}", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	c, _ := newTestClient(t, r)

	pin, err := c.PinMessage(context.Background(), "c1", PinMessageRequest{MessageID: "m1", DisplayOrder: 2})
	if err != nil {
		t.Fatalf("pin: %v", err)
	}
	if pin.ChatID != "c1" || pin.MessageID != "m1" || pin.DisplayOrder != 2 {
		t.Fatalf("pin = %+v", pin)
	}

	pins, err := c.ListPinnedMessages(context.Background(), "c1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pins) != 1 || pins[0].MessageID != "m1" {
		t.Fatalf("pins = %+v", pins)
	}

	if err := c.UnpinMessage(context.Background(), "c1", "m1"); err != nil {
		t.Fatalf("unpin: %v", err)
	}
}
