package memory

import (
	"context"
	"sync"

	"github.com/messenger-client/internal/storage"
)

// Client хранит состояние сессии в памяти процесса. Используется когда Redis
// не настроен: сессия живёт до перезапуска, как localStorage одной вкладки.
type Client struct {
	mu   sync.RWMutex
	data map[string]string
}

func New() *Client {
	return &Client{data: make(map[string]string)}
}

func (c *Client) Close() error { return nil }

func (c *Client) SetTokens(ctx context.Context, access, refresh string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[storage.KeyAccessToken] = access
	c.data[storage.KeyRefreshToken] = refresh
	return nil
}

func (c *Client) GetTokens(ctx context.Context) (string, string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data[storage.KeyAccessToken], c.data[storage.KeyRefreshToken], nil
}

func (c *Client) SetProfile(ctx context.Context, raw string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[storage.KeyProfile] = raw
	return nil
}

func (c *Client) GetProfile(ctx context.Context) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data[storage.KeyProfile], nil
}

func (c *Client) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[string]string)
	return nil
}
