package storage

import "context"

// Фиксированные ключи сессии (аналог ключей localStorage веб-клиента).
const (
	KeyAccessToken  = "auth_token"
	KeyRefreshToken = "refresh_token"
	KeyProfile      = "auth_user"
)

// SessionStore — хранилище состояния сессии (токены, сериализованный профиль).
// Реализации: memory.Client (один процесс), redis.Client (несколько инстансов
// делят одну сессию). Clear удаляет все ключи сессии атомарно.
type SessionStore interface {
	SetTokens(ctx context.Context, access, refresh string) error
	GetTokens(ctx context.Context) (access, refresh string, err error)
	SetProfile(ctx context.Context, raw string) error
	GetProfile(ctx context.Context) (string, error)
	Clear(ctx context.Context) error
	Close() error
}
