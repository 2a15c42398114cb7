// Package redis provides a Redis implementation of the lexbill.EventLog
// interface. SETNX with a TTL gives multi-process webhook deployments a
// shared fast-path dedup of redelivered events; the authoritative guard
// stays the store's conditional upsert.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventLog implements lexbill.EventLog using Redis.
type EventLog struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis event log configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "lexbill:events:").
	KeyPrefix string

	// DefaultTTL is used when MarkProcessed is called with a zero ttl.
	DefaultTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "lexbill:events:",
		DefaultTTL: 72 * time.Hour,
	}
}

// New creates a new Redis event log.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*EventLog, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "lexbill:events:"
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 72 * time.Hour
	}
	return &EventLog{client: client, config: config}, nil
}

// MarkProcessed implements lexbill.EventLog. Returns false when the event
// id was already marked within its retention window.
func (l *EventLog) MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("event id is required")
	}
	if ttl <= 0 {
		ttl = l.config.DefaultTTL
	}

	fresh, err := l.client.SetNX(ctx, l.config.KeyPrefix+eventID, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark event processed: %w", err)
	}
	return fresh, nil
}
