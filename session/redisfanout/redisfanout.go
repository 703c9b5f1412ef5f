// Package redisfanout relays change notifications between nodes over Redis
// pub/sub. A mutation on one node publishes the change block; every node
// with live sessions for the account folds it into its local queues, which
// is what lets a long-poll parked on node A observe a change made on node B.
package redisfanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/harbormail/dispatch/envelope"
)

// Config contains configuration options for the fanout relay.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// Channel carries all change messages. ENV: FANOUT_CHANNEL
	Channel string `env:"FANOUT_CHANNEL,default=dispatch:changes"`
}

// Deliver applies a relayed change block to local sessions. The engine's
// Publish method has this shape.
type Deliver func(ctx context.Context, accountID string, payload *envelope.Element)

type message struct {
	Origin    string            `json:"origin"`
	AccountID string            `json:"account"`
	Payload   *envelope.Element `json:"payload"`
}

// Fanout publishes local changes and folds remote ones into local sessions.
type Fanout struct {
	client  *redis.Client
	channel string
	nodeID  string
	log     *slog.Logger
}

func New(cfg Config, nodeID string, log *slog.Logger) (*Fanout, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "dispatch:changes"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Fanout{client: cl, channel: channel, nodeID: nodeID, log: log}, nil
}

// NewFromEnv builds a Fanout using envdecode to populate Config.
func NewFromEnv(nodeID string, log *slog.Logger) (*Fanout, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg, nodeID, log)
}

func (f *Fanout) Close() error { return f.client.Close() }

// Publish broadcasts a change block for the account to every node,
// this one included. Local delivery happens through the subscription so
// ordering is uniform across nodes.
func (f *Fanout) Publish(ctx context.Context, accountID string, payload *envelope.Element) error {
	data, err := json.Marshal(message{Origin: f.nodeID, AccountID: accountID, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	return f.client.Publish(ctx, f.channel, data).Err()
}

// Run subscribes and delivers relayed changes until ctx is done. Malformed
// messages are logged and skipped; the subscription survives them.
func (f *Fanout) Run(ctx context.Context, deliver Deliver) error {
	sub := f.client.Subscribe(ctx, f.channel)
	defer sub.Close()

	// force the subscription before reporting ready
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				f.log.Warn("dropping malformed change message", "error", err)
				continue
			}
			if msg.Payload == nil || msg.AccountID == "" {
				continue
			}
			deliver(ctx, msg.AccountID, msg.Payload)
		}
	}
}
