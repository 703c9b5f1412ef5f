// Package redisdir fronts a Directory with a Redis cache for share lists and
// account records. Share lists are the hot path of delegated-access
// validation; the forced-reload flag bypasses the cache and refreshes it,
// which is what the one-shot stale-cache recheck relies on.
package redisdir

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/harbormail/dispatch/directory"
)

// Config for the Redis-backed directory cache. Defaults can be loaded via
// envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: DIRECTORY_KEY_PREFIX
	KeyPrefix string `env:"DIRECTORY_KEY_PREFIX,default=dispatch:dir:"`
	// TTL for cached entries. ENV: DIRECTORY_CACHE_TTL
	TTL time.Duration `env:"DIRECTORY_CACHE_TTL,default=5m"`
}

// Cache wraps an upstream Directory with Redis-backed caching.
type Cache struct {
	upstream  directory.Directory
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

var _ directory.Directory = (*Cache)(nil)

func New(upstream directory.Directory, cfg Config) (*Cache, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "dispatch:dir:"
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{upstream: upstream, client: cl, keyPrefix: prefix, ttl: ttl}, nil
}

// NewFromEnv builds a Cache using envdecode to populate Config.
func NewFromEnv(upstream directory.Directory) (*Cache, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(upstream, cfg)
}

// Close closes the Redis client.
func (c *Cache) Close() error { return c.client.Close() }

func (c *Cache) accountKey(by, key string) string { return c.keyPrefix + "acct:" + by + ":" + key }
func (c *Cache) sharesKey(accountID string) string {
	return c.keyPrefix + "shares:" + accountID
}

func (c *Cache) AccountByID(ctx context.Context, id string) (*directory.Account, error) {
	return c.account(ctx, "id", id, func() (*directory.Account, error) {
		return c.upstream.AccountByID(ctx, id)
	})
}

func (c *Cache) AccountByName(ctx context.Context, name string) (*directory.Account, error) {
	return c.account(ctx, "name", name, func() (*directory.Account, error) {
		return c.upstream.AccountByName(ctx, name)
	})
}

func (c *Cache) account(ctx context.Context, by, key string, fetch func() (*directory.Account, error)) (*directory.Account, error) {
	raw, err := c.client.Get(ctx, c.accountKey(by, key)).Bytes()
	if err == nil {
		var acct directory.Account
		if err := json.Unmarshal(raw, &acct); err == nil {
			return &acct, nil
		}
	}
	acct, err := fetch()
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(acct); err == nil {
		// best effort; a cache write failure must not fail the lookup
		_ = c.client.Set(ctx, c.accountKey(by, key), data, c.ttl).Err()
	}
	return acct, nil
}

func (c *Cache) Shares(ctx context.Context, accountID string, forceReload bool) ([]directory.Share, error) {
	key := c.sharesKey(accountID)
	if !forceReload {
		raw, err := c.client.Get(ctx, key).Bytes()
		if err == nil {
			var shares []directory.Share
			if err := json.Unmarshal(raw, &shares); err == nil {
				return shares, nil
			}
		}
	}
	shares, err := c.upstream.Shares(ctx, accountID, forceReload)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(shares); err == nil {
		_ = c.client.Set(ctx, key, data, c.ttl).Err()
	}
	return shares, nil
}

func (c *Cache) InGroup(ctx context.Context, accountID, groupID string) (bool, error) {
	return c.upstream.InGroup(ctx, accountID, groupID)
}

// Invalidate drops cached state for an account. Provisioning changes call
// this so delegated-access checks see fresh grants without waiting for TTL.
func (c *Cache) Invalidate(ctx context.Context, accountID string) error {
	return c.client.Del(ctx, c.sharesKey(accountID), c.accountKey("id", accountID)).Err()
}
