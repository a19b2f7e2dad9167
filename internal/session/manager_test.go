package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/messenger-client/internal/model"
	"github.com/messenger-client/internal/rest"
	"github.com/messenger-client/internal/storage/memory"
)

// mintToken выпускает HS256-токен с заданным временем истечения.
func mintToken(t *testing.T, ttl time.Duration) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(ttl).Unix(),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

// fakeAPI реализует API с управляемыми ответами.
type fakeAPI struct {
	loginErr     error
	session      *model.Session
	refreshPair  *model.TokenPair
	refreshErr   error
	refreshDelay time.Duration
	refreshCalls atomic.Int32
}

func (f *fakeAPI) Login(ctx context.Context, email, password string) (*model.Session, error) {
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	return f.session, nil
}

func (f *fakeAPI) Refresh(ctx context.Context, refreshToken string) (*model.TokenPair, error) {
	f.refreshCalls.Add(1)
	if f.refreshDelay > 0 {
		time.Sleep(f.refreshDelay)
	}
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return f.refreshPair, nil
}

func sessionWith(t *testing.T, accessTTL time.Duration) *model.Session {
	return &model.Session{
		User: model.UserPublic{ID: "user-1", Username: "alice"},
		Tokens: model.TokenPair{
			AccessToken:  mintToken(t, accessTTL),
			RefreshToken: mintToken(t, 30*24*time.Hour),
		},
	}
}

// TestLoginPersistsSession verifies that a successful login stores tokens and
// the profile, and the manager reports the user as authenticated.
func TestLoginPersistsSession(t *testing.T) {
	api := &fakeAPI{session: sessionWith(t, time.Hour)}
	store := memory.New()
	m := NewManager(api, store, 5*time.Minute)
	defer m.Logout()

	u, err := m.Login(context.Background(), "alice@example.com", "password")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if u.ID != "user-1" {
		t.Fatalf("user = %q", u.ID)
	}
	if !m.IsAuthenticated() {
		t.Fatal("not authenticated after login")
	}
	access, refresh, err := store.GetTokens(context.Background())
	if err != nil || access == "" || refresh == "" {
		t.Fatalf("tokens not persisted: %q %q %v", access, refresh, err)
	}
	raw, err := store.GetProfile(context.Background())
	if err != nil || raw == "" {
		t.Fatalf("profile not persisted: %q %v", raw, err)
	}
}

// TestLoginInvalidCredentials verifies the 401 from the API surfaces as
// ErrInvalidCredentials.
func TestLoginInvalidCredentials(t *testing.T) {
	api := &fakeAPI{loginErr: rest.ErrUnauthorized}
	m := NewManager(api, memory.New(), 5*time.Minute)

	if _, err := m.Login(context.Background(), "alice@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
	if m.IsAuthenticated() {
		t.Fatal("authenticated after failed login")
	}
}

// TestEnsureFreshTokenSkipsRefresh verifies that a token well outside the
// refresh window is returned as is, without a network call.
func TestEnsureFreshTokenSkipsRefresh(t *testing.T) {
	api := &fakeAPI{session: sessionWith(t, time.Hour)}
	m := NewManager(api, memory.New(), 5*time.Minute)
	defer m.Logout()
	if _, err := m.Login(context.Background(), "a", "p"); err != nil {
		t.Fatalf("login: %v", err)
	}

	got, err := m.EnsureFreshToken(context.Background())
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if got != api.session.Tokens.AccessToken {
		t.Fatal("token replaced although fresh")
	}
	if n := api.refreshCalls.Load(); n != 0 {
		t.Fatalf("refresh calls = %d, want 0", n)
	}
}

// TestEnsureFreshTokenRefreshesNearExpiry verifies proactive refresh when the
// token expires inside the refresh window.
func TestEnsureFreshTokenRefreshesNearExpiry(t *testing.T) {
	fresh := mintToken(t, time.Hour)
	api := &fakeAPI{
		session:     sessionWith(t, time.Minute), // истекает внутри 5-минутного окна
		refreshPair: &model.TokenPair{AccessToken: fresh, RefreshToken: mintToken(t, 24*time.Hour)},
	}
	m := NewManager(api, memory.New(), 5*time.Minute)
	defer m.Logout()
	if _, err := m.Login(context.Background(), "a", "p"); err != nil {
		t.Fatalf("login: %v", err)
	}

	got, err := m.EnsureFreshToken(context.Background())
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if got != fresh {
		t.Fatal("stale token returned")
	}
	if n := api.refreshCalls.Load(); n != 1 {
		t.Fatalf("refresh calls = %d, want 1", n)
	}
}

// TestRefreshSingleFlight verifies that concurrent callers needing a refresh
// trigger exactly one network call and all observe its result.
func TestRefreshSingleFlight(t *testing.T) {
	fresh := mintToken(t, time.Hour)
	api := &fakeAPI{
		session:      sessionWith(t, time.Minute),
		refreshPair:  &model.TokenPair{AccessToken: fresh, RefreshToken: mintToken(t, 24*time.Hour)},
		refreshDelay: 50 * time.Millisecond,
	}
	m := NewManager(api, memory.New(), 5*time.Minute)
	defer m.Logout()
	if _, err := m.Login(context.Background(), "a", "p"); err != nil {
		t.Fatalf("login: %v", err)
	}

	const callers = 16
	var wg sync.WaitGroup
	errs := make([]error, callers)
	tokens := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.EnsureFreshToken(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if tokens[i] != fresh {
			t.Fatalf("caller %d got stale token", i)
		}
	}
	if n := api.refreshCalls.Load(); n != 1 {
		t.Fatalf("refresh calls = %d, want 1", n)
	}
}

// TestFailedRefreshLogsOut verifies that a failed refresh terminates the
// session and clears the store.
func TestFailedRefreshLogsOut(t *testing.T) {
	api := &fakeAPI{
		session:    sessionWith(t, time.Minute),
		refreshErr: errors.New("boom"),
	}
	store := memory.New()
	m := NewManager(api, store, 5*time.Minute)
	if _, err := m.Login(context.Background(), "a", "p"); err != nil {
		t.Fatalf("login: %v", err)
	}

	_, err := m.EnsureFreshToken(context.Background())
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("err = %v, want ErrSessionExpired", err)
	}
	if m.IsAuthenticated() {
		t.Fatal("still authenticated after failed refresh")
	}
	access, refresh, _ := store.GetTokens(context.Background())
	if access != "" || refresh != "" {
		t.Fatal("store not cleared after failed refresh")
	}
}

// TestRestoreRoundTrip verifies that a persisted session survives a process
// restart via Restore.
func TestRestoreRoundTrip(t *testing.T) {
	api := &fakeAPI{session: sessionWith(t, time.Hour)}
	store := memory.New()

	first := NewManager(api, store, 5*time.Minute)
	if _, err := first.Login(context.Background(), "a", "p"); err != nil {
		t.Fatalf("login: %v", err)
	}

	second := NewManager(api, store, 5*time.Minute)
	defer second.Logout()
	ok, err := second.Restore(context.Background())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !ok {
		t.Fatal("restore found no session")
	}
	u := second.CurrentUser()
	if u == nil || u.Username != "alice" {
		t.Fatalf("restored user = %v", u)
	}
}

// TestRestoreEmptyStore verifies a cold start without a saved session.
func TestRestoreEmptyStore(t *testing.T) {
	m := NewManager(&fakeAPI{}, memory.New(), 5*time.Minute)
	ok, err := m.Restore(context.Background())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if ok {
		t.Fatal("restore reported a session from an empty store")
	}
}

// TestRestoreCorruptProfile verifies that an unreadable stored profile clears
// the store instead of leaving a half-session behind.
func TestRestoreCorruptProfile(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	if err := store.SetTokens(ctx, mintToken(t, time.Hour), mintToken(t, time.Hour)); err != nil {
		t.Fatalf("seed tokens: %v", err)
	}
	if err := store.SetProfile(ctx, "{not json"); err != nil {
		t.Fatalf("seed profile: %v", err)
	}

	m := NewManager(&fakeAPI{}, store, 5*time.Minute)
	ok, err := m.Restore(ctx)
	if err == nil || ok {
		t.Fatalf("restore = %v %v, want error", ok, err)
	}
	access, _, _ := store.GetTokens(ctx)
	if access != "" {
		t.Fatal("store not cleared after corrupt profile")
	}
}
