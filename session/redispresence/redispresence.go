// Package redispresence publishes session liveness to Redis so every node
// can see which accounts have active sessions and where they are homed.
// Change fan-out uses this map to decide which nodes need a notification
// relayed.
package redispresence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for presence keys. ENV: PRESENCE_KEY_PREFIX
	KeyPrefix string `env:"PRESENCE_KEY_PREFIX,default=dispatch:presence:"`
	// TTL after which an unrefreshed session disappears from the map.
	// ENV: PRESENCE_TTL
	TTL time.Duration `env:"PRESENCE_TTL,default=15m"`
}

// Presence implements session.Presence over Redis keys of the form
// <prefix><accountID>:<sessionID> holding the home node id.
type Presence struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

func New(cfg Config) (*Presence, error) {
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
		prefix = "dispatch:presence:"
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 15 * time.Minute
	}
	return &Presence{client: cl, keyPrefix: prefix, ttl: ttl}, nil
}

func NewFromEnv() (*Presence, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

func (p *Presence) Close() error { return p.client.Close() }

func (p *Presence) key(accountID, sessionID string) string {
	return p.keyPrefix + accountID + ":" + sessionID
}

func (p *Presence) Announce(ctx context.Context, accountID, sessionID, nodeID string) error {
	return p.client.Set(ctx, p.key(accountID, sessionID), nodeID, p.ttl).Err()
}

func (p *Presence) Refresh(ctx context.Context, accountID, sessionID string) error {
	ok, err := p.client.Expire(ctx, p.key(accountID, sessionID), p.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("presence entry gone: %s/%s", accountID, sessionID)
	}
	return nil
}

func (p *Presence) Remove(ctx context.Context, accountID, sessionID string) error {
	return p.client.Del(ctx, p.key(accountID, sessionID)).Err()
}

// Lookup returns the home node recorded for one session, or "" when the
// entry has expired or never existed.
func (p *Presence) Lookup(ctx context.Context, accountID, sessionID string) (string, error) {
	node, err := p.client.Get(ctx, p.key(accountID, sessionID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return node, nil
}

// Nodes returns sessionID -> home node for every live session of the
// account.
func (p *Presence) Nodes(ctx context.Context, accountID string) (map[string]string, error) {
	pattern := p.keyPrefix + accountID + ":*"
	out := make(map[string]string)
	iter := p.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		node, err := p.client.Get(ctx, key).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, err
		}
		sessionID := strings.TrimPrefix(key, p.keyPrefix+accountID+":")
		out[sessionID] = node
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
