// Package session владеет жизненным циклом токенов: проактивное обновление до
// истечения, реактивное по 401/403, single-flight на refresh.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/messenger-client/internal/logger"
	"github.com/messenger-client/internal/model"
	"github.com/messenger-client/internal/rest"
	"github.com/messenger-client/internal/storage"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSessionExpired     = errors.New("session expired")
)

// freshnessCheckInterval — период фонового пересчёта свежести токена.
const freshnessCheckInterval = time.Minute

// API — операции авторизации бэкенда (реализует rest.Client).
type API interface {
	Login(ctx context.Context, email, password string) (*model.Session, error)
	Refresh(ctx context.Context, refreshToken string) (*model.TokenPair, error)
}

// Manager держит текущую сессию. Все методы безопасны для конкурентного вызова.
type Manager struct {
	api           API
	store         storage.SessionStore
	refreshWindow time.Duration

	mu     sync.RWMutex
	user   *model.UserPublic
	tokens model.TokenPair
	cancel context.CancelFunc

	sf singleflight.Group
}

func NewManager(api API, store storage.SessionStore, refreshWindow time.Duration) *Manager {
	if refreshWindow <= 0 {
		refreshWindow = 5 * time.Minute
	}
	return &Manager{api: api, store: store, refreshWindow: refreshWindow}
}

func (m *Manager) IsAuthenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.user != nil && m.tokens.AccessToken != ""
}

// CurrentUser возвращает профиль текущего пользователя (nil если не авторизован).
func (m *Manager) CurrentUser() *model.UserPublic {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.user == nil {
		return nil
	}
	u := *m.user
	return &u
}

// Login выполняет вход и сохраняет токены и профиль в store.
func (m *Manager) Login(ctx context.Context, email, password string) (*model.UserPublic, error) {
	defer logger.DeferLogDuration("session.Login", time.Now())()
	sess, err := m.api.Login(ctx, email, password)
	if err != nil {
		if errors.Is(err, rest.ErrUnauthorized) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("session.Login: %w", err)
	}

	m.mu.Lock()
	u := sess.User
	m.user = &u
	m.tokens = sess.Tokens
	m.mu.Unlock()

	if err := m.persist(ctx, sess); err != nil {
		logger.Errorf("session persist: %v", err)
	}
	m.startFreshnessLoop()
	return &u, nil
}

// Restore поднимает сессию из store (запуск клиента после перезапуска).
// Возвращает false если сохранённой сессии нет.
func (m *Manager) Restore(ctx context.Context) (bool, error) {
	access, refresh, err := m.store.GetTokens(ctx)
	if err != nil {
		return false, fmt.Errorf("session.Restore tokens: %w", err)
	}
	raw, err := m.store.GetProfile(ctx)
	if err != nil {
		return false, fmt.Errorf("session.Restore profile: %w", err)
	}
	if access == "" || raw == "" {
		return false, nil
	}
	var u model.UserPublic
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		// Битый профиль — чистим всё, чтобы не зависнуть в полусессии.
		if clearErr := m.store.Clear(ctx); clearErr != nil {
			logger.Errorf("session clear after bad profile: %v", clearErr)
		}
		return false, fmt.Errorf("session.Restore unmarshal profile: %w", err)
	}

	m.mu.Lock()
	m.user = &u
	m.tokens = model.TokenPair{AccessToken: access, RefreshToken: refresh}
	m.mu.Unlock()

	m.startFreshnessLoop()
	return true, nil
}

// EnsureFreshToken возвращает access-токен, обновляя его заранее, если до
// истечения осталось меньше refresh-окна. Конкурентные вызовы при идущем
// refresh подписываются на его результат (single-flight).
func (m *Manager) EnsureFreshToken(ctx context.Context) (string, error) {
	m.mu.RLock()
	access := m.tokens.AccessToken
	m.mu.RUnlock()
	if access == "" {
		return "", ErrSessionExpired
	}
	if exp, ok := tokenExpiry(access); ok && time.Until(exp) > m.refreshWindow {
		return access, nil
	}
	return m.refresh(ctx)
}

// ForceRefresh обновляет токен независимо от его свежести (реакция на 401/403).
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	return m.refresh(ctx)
}

func (m *Manager) refresh(ctx context.Context) (string, error) {
	v, err, _ := m.sf.Do("refresh", func() (any, error) {
		return m.doRefresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// doRefresh выполняется под single-flight: ровно один сетевой refresh,
// остальные ожидающие получают его итог. Любой провал — выход из сессии.
func (m *Manager) doRefresh(ctx context.Context) (string, error) {
	m.mu.RLock()
	refreshToken := m.tokens.RefreshToken
	m.mu.RUnlock()
	if refreshToken == "" {
		m.Logout()
		return "", ErrSessionExpired
	}

	pair, err := m.api.Refresh(ctx, refreshToken)
	if err != nil {
		logger.Errorf("session refresh failed, logging out: %v", err)
		m.Logout()
		return "", errors.Join(ErrSessionExpired, err)
	}

	m.mu.Lock()
	m.tokens = *pair
	m.mu.Unlock()

	if err := m.store.SetTokens(ctx, pair.AccessToken, pair.RefreshToken); err != nil {
		logger.Errorf("session persist tokens: %v", err)
	}
	return pair.AccessToken, nil
}

// Logout завершает сессию: останавливает фоновый цикл и атомарно чистит store.
func (m *Manager) Logout() {
	m.mu.Lock()
	m.user = nil
	m.tokens = model.TokenPair{}
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	ctx, ctxCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ctxCancel()
	if err := m.store.Clear(ctx); err != nil {
		logger.Errorf("session clear: %v", err)
	}
}

func (m *Manager) persist(ctx context.Context, sess *model.Session) error {
	if err := m.store.SetTokens(ctx, sess.Tokens.AccessToken, sess.Tokens.RefreshToken); err != nil {
		return err
	}
	raw, err := json.Marshal(sess.User)
	if err != nil {
		return err
	}
	return m.store.SetProfile(ctx, string(raw))
}

// startFreshnessLoop запускает фоновую проверку свежести токена.
// Повторный запуск заменяет предыдущий цикл.
func (m *Manager) startFreshnessLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	prev := m.cancel
	m.cancel = cancel
	m.mu.Unlock()
	if prev != nil {
		prev()
	}

	go func() {
		ticker := time.NewTicker(freshnessCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !m.IsAuthenticated() {
					continue
				}
				checkCtx, checkCancel := context.WithTimeout(ctx, 10*time.Second)
				if _, err := m.EnsureFreshToken(checkCtx); err != nil {
					logger.Errorf("session freshness check: %v", err)
				}
				checkCancel()
			}
		}
	}()
}

// tokenExpiry читает exp из JWT без проверки подписи (подпись — дело сервера).
// Токен без exp или нечитаемый токен считается истекающим: пусть refresh решит.
func tokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
