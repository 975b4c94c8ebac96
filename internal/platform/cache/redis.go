// Package cache wraps the shared Redis instance used for cross-instance
// configuration snapshots and change notifications.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewClient parses a redis:// URL and verifies the server is reachable.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: ping redis: %w", err)
	}
	return client, nil
}

// JSONStore keeps JSON-encoded values under a key prefix.
type JSONStore struct {
	redis  *redis.Client
	prefix string
}

func NewJSONStore(client *redis.Client, prefix string) *JSONStore {
	return &JSONStore{redis: client, prefix: prefix}
}

func (s *JSONStore) key(name string) string {
	return s.prefix + ":" + name
}

// Get decodes the value under name into dest. The boolean is false on a miss.
func (s *JSONStore) Get(ctx context.Context, name string, dest any) (bool, error) {
	data, err := s.redis.Get(ctx, s.key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache: get %s: %w", name, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("cache: unmarshal %s: %w", name, err)
	}
	return true, nil
}

// Set stores v under name. A zero ttl keeps the value until deleted.
func (s *JSONStore) Set(ctx context.Context, name string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache: marshal %s: %w", name, err)
	}
	if err := s.redis.Set(ctx, s.key(name), data, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", name, err)
	}
	return nil
}

func (s *JSONStore) Delete(ctx context.Context, name string) error {
	if err := s.redis.Del(ctx, s.key(name)).Err(); err != nil {
		return fmt.Errorf("cache: delete %s: %w", name, err)
	}
	return nil
}

// Publisher sends JSON messages on Redis pub/sub channels.
type Publisher struct {
	redis *redis.Client
}

func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{redis: client}
}

func (p *Publisher) Publish(ctx context.Context, channel string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache: marshal message: %w", err)
	}
	if err := p.redis.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("cache: publish %s: %w", channel, err)
	}
	return nil
}
