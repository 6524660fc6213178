package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"taskboard-api/domain"
)

// ErrNotReady is returned by Emit before Init has supplied a Redis client.
var ErrNotReady = errors.New("realtime: broadcaster not ready")

// Broadcaster publishes board events to a Redis channel so every running
// instance can fan them out to its own sessions.
type Broadcaster struct {
	channel string

	mu     sync.RWMutex
	client *redis.Client
}

// NewBroadcaster creates a broadcaster for the given channel. It is inert
// until Init is called.
func NewBroadcaster(channel string) *Broadcaster {
	return &Broadcaster{channel: channel}
}

// Init attaches the Redis client. Emit calls before Init fail with
// ErrNotReady.
func (b *Broadcaster) Init(client *redis.Client) {
	b.mu.Lock()
	b.client = client
	b.mu.Unlock()
}

// Emit publishes one event.
func (b *Broadcaster) Emit(ctx context.Context, ev domain.Event) error {
	b.mu.RLock()
	client := b.client
	b.mu.RUnlock()
	if client == nil {
		return ErrNotReady
	}
	payload, err := sonic.Marshal(ev)
	if err != nil {
		return err
	}
	return client.Publish(ctx, b.channel, payload).Err()
}
