// devserver — мок-бэкенд для локальной разработки клиента: REST + STOMP/WS
// в памяти, без БД. Сид-пользователи alice/bob/carol, пароль "password".
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/messenger-client/internal/logger"
	"github.com/messenger-client/internal/model"
	"github.com/messenger-client/internal/stomp"
)

const (
	jwtSecret      = "devserver-secret"
	accessTokenTTL = 15 * time.Minute
)

func main() {
	logger.SetPrefix("devserver")
	addr := ":8080"
	if v := os.Getenv("DEVSERVER_ADDR"); v != "" {
		addr = v
	}

	state := newState()
	hub := newHub()

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", state.handleLogin)
		r.Post("/auth/refresh", state.handleRefresh)
		r.Group(func(r chi.Router) {
			r.Use(state.authMiddleware)
			r.Get("/chats", state.handleListChats)
			r.Post("/chats", state.handleCreateChat(hub))
			r.Get("/chats/{id}", state.handleGetChat)
			r.Get("/chats/{id}/messages", state.handleListMessages)
			r.Post("/chats/{id}/messages", state.handleSendMessage(hub))
			r.Get("/chats/{id}/pinned-messages", state.handleListPinned)
			r.Post("/chats/{id}/pinned-messages", state.handlePinMessage(hub))
			r.Delete("/chats/{id}/pinned-messages/{messageID}", state.handleUnpinMessage(hub))
			r.Get("/contacts", state.handleContacts)
		})
	})
	r.Get("/ws", hub.handleWS(state))

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		logger.Infof("listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("listen: %v", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("shutdown: %v", err)
	}
}

// --- in-memory state ---

type account struct {
	user     model.UserPublic
	password string
}

type state struct {
	mu       sync.RWMutex
	accounts map[string]*account // by email
	byID     map[string]*account
	chats    map[string]*model.Conversation
	messages map[string][]*model.Message      // by chat ID
	pinned   map[string][]model.PinnedMessage // by chat ID
}

func newState() *state {
	s := &state{
		accounts: make(map[string]*account),
		byID:     make(map[string]*account),
		chats:    make(map[string]*model.Conversation),
		messages: make(map[string][]*model.Message),
		pinned:   make(map[string][]model.PinnedMessage),
	}
	for _, name := range []string{"alice", "bob", "carol"} {
		acc := &account{
			user: model.UserPublic{
				ID:       "user-" + name,
				Username: name,
				Email:    name + "@example.com",
				IsOnline: false,
			},
			password: "password",
		}
		s.accounts[acc.user.Email] = acc
		s.byID[acc.user.ID] = acc
	}
	return s
}

func mintToken(userID string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(ttl).Unix(),
		"iat": time.Now().Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(jwtSecret))
}

func parseToken(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(jwtSecret), nil
	})
	if err != nil || !parsed.Valid {
		return "", errors.New("invalid token")
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New("missing sub")
	}
	return sub, nil
}

type ctxKey struct{}

func (s *state) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		userID, err := parseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID)))
	})
}

func requestUser(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

// --- handlers ---

func (s *state) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.mu.RLock()
	acc, ok := s.accounts[req.Email]
	s.mu.RUnlock()
	if !ok || acc.password != req.Password {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	access, err := mintToken(acc.user.ID, accessTokenTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token error")
		return
	}
	refresh, err := mintToken(acc.user.ID, 30*24*time.Hour)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token error")
		return
	}
	// Завёрнутая форма ответа — клиент обязан её переварить.
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
		"user":          acc.user,
		"access_token":  access,
		"refresh_token": refresh,
	}})
}

func (s *state) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	userID, err := parseToken(req.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	access, err := mintToken(userID, accessTokenTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token error")
		return
	}
	refresh, err := mintToken(userID, 30*24*time.Hour)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token error")
		return
	}
	writeJSON(w, http.StatusOK, model.TokenPair{AccessToken: access, RefreshToken: refresh})
}

func (s *state) handleListChats(w http.ResponseWriter, r *http.Request) {
	userID := requestUser(r)
	s.mu.RLock()
	out := make([]model.Conversation, 0, 8)
	for _, c := range s.chats {
		if c.HasParticipant(userID) {
			out = append(out, *c)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	// Пагинированный конверт — вторая форма, которую клиент нормализует.
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"content": out}})
}

func (s *state) handleCreateChat(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := requestUser(r)
		var req struct {
			ChatType       model.ChatType `json:"chat_type"`
			ParticipantIDs []string       `json:"participant_ids"`
			Title          string         `json:"title"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if len(req.ParticipantIDs) == 0 {
			writeError(w, http.StatusBadRequest, "participant_ids required")
			return
		}
		now := time.Now().UTC()
		conv := &model.Conversation{
			ID:             uuid.NewString(),
			ChatType:       req.ChatType,
			Title:          req.Title,
			ParticipantIDs: req.ParticipantIDs,
			CreatedAt:      now,
			UpdatedAt:      now,
			LastMessageAt:  now,
		}
		if conv.ChatType == "" {
			conv.ChatType = model.ChatTypePrivate
		}
		if conv.Title == "" && conv.ChatType == model.ChatTypePrivate {
			s.mu.RLock()
			for _, id := range conv.ParticipantIDs {
				if id != userID {
					if acc, ok := s.byID[id]; ok {
						conv.Title = acc.user.Username
					}
				}
			}
			s.mu.RUnlock()
		}
		s.mu.Lock()
		s.chats[conv.ID] = conv
		s.mu.Unlock()

		// Уведомляем остальных участников на их личном канале.
		for _, id := range conv.ParticipantIDs {
			if id != userID {
				h.publishToUser(id, model.EventChatCreated, conv)
			}
		}
		writeJSON(w, http.StatusCreated, conv)
	}
}

func (s *state) handleGetChat(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	conv, ok := s.chats[chi.URLParam(r, "id")]
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *state) handleListMessages(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	s.mu.RLock()
	msgs := s.messages[chatID]
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, *m)
	}
	s.mu.RUnlock()
	// Плоский массив — первая форма конверта.
	writeJSON(w, http.StatusOK, out)
}

func (s *state) handleSendMessage(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := requestUser(r)
		chatID := chi.URLParam(r, "id")
		s.mu.RLock()
		conv, ok := s.chats[chatID]
		s.mu.RUnlock()
		if !ok {
			writeError(w, http.StatusNotFound, "chat not found")
			return
		}
		var req struct {
			Body        string            `json:"body"`
			ContentType model.ContentType `json:"content_type"`
			ReplyToID   *string           `json:"reply_to_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if strings.TrimSpace(req.Body) == "" {
			writeError(w, http.StatusBadRequest, "body required")
			return
		}
		now := time.Now().UTC()
		msg := &model.Message{
			ID:            uuid.NewString(),
			ChatID:        chatID,
			AuthorID:      userID,
			Body:          req.Body,
			ContentType:   req.ContentType,
			ReplyToID:     req.ReplyToID,
			CreatedAt:     now,
			DeliveryState: model.DeliveryConfirmed,
		}
		if msg.ContentType == "" {
			msg.ContentType = model.ContentTypeText
		}
		s.mu.Lock()
		s.messages[chatID] = append(s.messages[chatID], msg)
		conv.LastMessagePreview = msg.Body
		conv.LastMessageAt = now
		conv.UpdatedAt = now
		s.mu.Unlock()

		h.publish("/topic/chats/"+chatID+"/messages", model.EventMessageNew, msg)
		writeJSON(w, http.StatusCreated, msg)
	}
}

func (s *state) handleListPinned(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	s.mu.RLock()
	out := append([]model.PinnedMessage{}, s.pinned[chatID]...)
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *state) handlePinMessage(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := requestUser(r)
		chatID := chi.URLParam(r, "id")
		var req struct {
			MessageID    string `json:"message_id"`
			DisplayOrder int    `json:"display_order"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MessageID == "" {
			writeError(w, http.StatusBadRequest, "message_id required")
			return
		}
		s.mu.Lock()
		var target *model.Message
		for _, m := range s.messages[chatID] {
			if m.ID == req.MessageID {
				target = m
				break
			}
		}
		if target == nil {
			s.mu.Unlock()
			writeError(w, http.StatusNotFound, "message not found")
			return
		}
		pin := model.PinnedMessage{
			ChatID:       chatID,
			MessageID:    req.MessageID,
			PinnedBy:     userID,
			PinnedAt:     time.Now().UTC(),
			DisplayOrder: req.DisplayOrder,
			Message:      target,
		}
		replaced := false
		for i := range s.pinned[chatID] {
			if s.pinned[chatID][i].MessageID == req.MessageID {
				s.pinned[chatID][i] = pin
				replaced = true
				break
			}
		}
		if !replaced {
			s.pinned[chatID] = append(s.pinned[chatID], pin)
		}
		s.mu.Unlock()

		h.publish("/topic/chats/"+chatID+"/messages", model.EventMessagePinned, model.MessagePinnedEvent{
			MessageID:    pin.MessageID,
			ChatID:       chatID,
			PinnedBy:     pin.PinnedBy,
			PinnedAt:     pin.PinnedAt.Format(time.RFC3339),
			DisplayOrder: pin.DisplayOrder,
		})
		writeJSON(w, http.StatusCreated, pin)
	}
}

func (s *state) handleUnpinMessage(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chatID := chi.URLParam(r, "id")
		messageID := chi.URLParam(r, "messageID")
		s.mu.Lock()
		pins := s.pinned[chatID]
		found := false
		for i := range pins {
			if pins[i].MessageID == messageID {
				s.pinned[chatID] = append(pins[:i], pins[i+1:]...)
				found = true
				break
			}
		}
		s.mu.Unlock()
		if !found {
			writeError(w, http.StatusNotFound, "pinned message not found")
			return
		}
		h.publish("/topic/chats/"+chatID+"/messages", model.EventMessageUnpinned, model.MessageUnpinnedEvent{
			MessageID: messageID,
			ChatID:    chatID,
		})
		writeJSON(w, http.StatusOK, map[string]string{"status": "unpinned"})
	}
}

func (s *state) handleContacts(w http.ResponseWriter, r *http.Request) {
	q := strings.ToLower(r.URL.Query().Get("q"))
	self := requestUser(r)
	s.mu.RLock()
	out := make([]model.UserPublic, 0, len(s.byID))
	for _, acc := range s.byID {
		if acc.user.ID == self {
			continue
		}
		if q == "" || strings.Contains(strings.ToLower(acc.user.Username), q) ||
			strings.Contains(strings.ToLower(acc.user.Email), q) ||
			acc.user.ID == r.URL.Query().Get("q") {
			out = append(out, acc.user)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// --- STOMP hub ---

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type wsClient struct {
	conn   *websocket.Conn
	userID string
	mu     sync.Mutex
	subs   map[string]string // destination -> subscription id
}

func (c *wsClient) write(f *stomp.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, f.Marshal())
}

type hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

func newHub() *hub {
	return &hub{clients: make(map[*wsClient]struct{})}
}

func (h *hub) handleWS(s *state) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		userID, err := parseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Errorf("upgrade: %v", err)
			return
		}
		client := &wsClient{conn: conn, userID: userID, subs: make(map[string]string)}
		h.mu.Lock()
		h.clients[client] = struct{}{}
		h.mu.Unlock()
		logger.Infof("ws connected user=%s", userID)
		h.serve(client, s)
		h.mu.Lock()
		delete(h.clients, client)
		h.mu.Unlock()
		conn.Close()
		logger.Infof("ws disconnected user=%s", userID)
	}
}

func (h *hub) serve(c *wsClient, s *state) {
	c.conn.SetReadLimit(65536)
	for {
		c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := stomp.Unmarshal(raw)
		if err != nil {
			logger.Errorf("bad frame from user=%s: %v", c.userID, err)
			continue
		}
		switch frame.Command {
		case stomp.CmdConnect:
			c.write(stomp.NewFrame(stomp.CmdConnected, nil).With(stomp.HdrVersion, "1.2"))
		case stomp.CmdSubscribe:
			dest := frame.Headers[stomp.HdrDestination]
			id := frame.Headers[stomp.HdrID]
			if dest == "" || id == "" {
				continue
			}
			c.mu.Lock()
			c.subs[dest] = id
			c.mu.Unlock()
		case stomp.CmdUnsubscribe:
			id := frame.Headers[stomp.HdrID]
			c.mu.Lock()
			for dest, subID := range c.subs {
				if subID == id {
					delete(c.subs, dest)
				}
			}
			c.mu.Unlock()
		case stomp.CmdSend:
			h.handleSend(c, s, frame)
		case stomp.CmdDisconnect:
			return
		}
	}
}

// handleSend обрабатывает publish от клиента. Отправка сообщений идёт только
// через REST, поэтому единственный входящий destination — typing.
func (h *hub) handleSend(c *wsClient, s *state, frame *stomp.Frame) {
	switch frame.Headers[stomp.HdrDestination] {
	case "/app/typing":
		var ev model.TypingEvent
		if err := json.Unmarshal(frame.Body, &ev); err != nil {
			logger.Errorf("typing decode user=%s: %v", c.userID, err)
			return
		}
		ev.UserID = c.userID
		evType := model.EventTypingStop
		if ev.Typing {
			evType = model.EventTypingStart
		}
		h.publish("/topic/chats/"+ev.ChatID+"/typing", evType, ev)
	default:
		logger.Debugf("send to unknown destination %q from user=%s", frame.Headers[stomp.HdrDestination], c.userID)
	}
}

// publish рассылает событие всем подписчикам destination.
func (h *hub) publish(dest string, evType model.EventType, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		logger.Errorf("publish marshal: %v", err)
		return
	}
	envelope, err := json.Marshal(model.Event{Type: evType, Payload: body})
	if err != nil {
		logger.Errorf("publish envelope: %v", err)
		return
	}
	h.mu.RLock()
	targets := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.mu.Lock()
		subID, ok := c.subs[dest]
		c.mu.Unlock()
		if !ok {
			continue
		}
		frame := stomp.NewFrame(stomp.CmdMessage, envelope).
			With(stomp.HdrDestination, dest).
			With(stomp.HdrSubscription, subID).
			With(stomp.HdrMessageID, uuid.NewString()).
			With(stomp.HdrContentType, "application/json")
		if err := c.write(frame); err != nil {
			logger.Errorf("publish write user=%s: %v", c.userID, err)
		}
	}
}

// publishToUser доставляет событие на личный канал пользователя.
func (h *hub) publishToUser(userID string, evType model.EventType, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	envelope, err := json.Marshal(model.Event{Type: evType, Payload: body})
	if err != nil {
		return
	}
	h.mu.RLock()
	targets := make([]*wsClient, 0, 2)
	for c := range h.clients {
		if c.userID == userID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.mu.Lock()
		subID, ok := c.subs["/user/topic/events"]
		c.mu.Unlock()
		if !ok {
			continue
		}
		frame := stomp.NewFrame(stomp.CmdMessage, envelope).
			With(stomp.HdrDestination, "/user/topic/events").
			With(stomp.HdrSubscription, subID).
			With(stomp.HdrMessageID, uuid.NewString()).
			With(stomp.HdrContentType, "application/json")
		if err := c.write(frame); err != nil {
			logger.Errorf("publishToUser write user=%s: %v", userID, err)
		}
	}
}
