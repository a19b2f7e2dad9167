package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/messenger-client/internal/storage"
)

// Токены живут 30 дней (как refresh-токен на сервере); профиль — вместе с ними.
const sessionTTL = 30 * 24 * time.Hour

// keyPrefix отделяет ключи клиента от прочих данных в общем Redis.
const keyPrefix = "client:session:"

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// SetTokens сохраняет пару токенов одной транзакцией (пайплайн): либо оба
// ключа обновлены, либо ни одного.
func (c *Client) SetTokens(ctx context.Context, access, refresh string) error {
	pipe := c.cli.TxPipeline()
	pipe.Set(ctx, keyPrefix+storage.KeyAccessToken, access, sessionTTL)
	pipe.Set(ctx, keyPrefix+storage.KeyRefreshToken, refresh, sessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *Client) GetTokens(ctx context.Context) (string, string, error) {
	access, err := c.cli.Get(ctx, keyPrefix+storage.KeyAccessToken).Result()
	if err == redis.Nil {
		access = ""
	} else if err != nil {
		return "", "", err
	}
	refresh, err := c.cli.Get(ctx, keyPrefix+storage.KeyRefreshToken).Result()
	if err == redis.Nil {
		refresh = ""
	} else if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

func (c *Client) SetProfile(ctx context.Context, raw string) error {
	return c.cli.Set(ctx, keyPrefix+storage.KeyProfile, raw, sessionTTL).Err()
}

func (c *Client) GetProfile(ctx context.Context) (string, error) {
	val, err := c.cli.Get(ctx, keyPrefix+storage.KeyProfile).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

// Clear удаляет все ключи сессии атомарно (один DEL).
func (c *Client) Clear(ctx context.Context) error {
	return c.cli.Del(ctx,
		keyPrefix+storage.KeyAccessToken,
		keyPrefix+storage.KeyRefreshToken,
		keyPrefix+storage.KeyProfile,
	).Err()
}
