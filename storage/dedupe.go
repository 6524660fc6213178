package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisAssignmentDeduper records delivered assignment notifications in Redis
// so all instances can avoid notifying the same recipient about the same
// task twice in quick succession.
type RedisAssignmentDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisAssignmentDeduper creates a deduper using the provided Redis client
// and TTL.
func NewRedisAssignmentDeduper(client *redis.Client, ttl time.Duration) *RedisAssignmentDeduper {
	return &RedisAssignmentDeduper{client: client, ttl: ttl}
}

func (r *RedisAssignmentDeduper) key(taskID, recipientID string) string {
	return fmt.Sprintf("notify:%s:%s", taskID, recipientID)
}

// Claim records the pair if it is not already present. It returns true when
// the claim is fresh and the notification should be delivered.
func (r *RedisAssignmentDeduper) Claim(ctx context.Context, taskID, recipientID string) (bool, error) {
	return r.client.SetNX(ctx, r.key(taskID, recipientID), 1, r.ttl).Result()
}

// Release drops a previously recorded claim. It is used when downstream
// delivery fails so a retry can notify again.
func (r *RedisAssignmentDeduper) Release(ctx context.Context, taskID, recipientID string) error {
	return r.client.Del(ctx, r.key(taskID, recipientID)).Err()
}
