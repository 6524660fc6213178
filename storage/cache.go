package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"taskboard-api/domain"
)

// Cache wraps a task store with Redis-backed caching for board reads. Any
// mutation flushes the cached listings; readers fall back to the backing
// store on cache trouble.
type Cache struct {
	*Storage
	base  domain.TaskStore
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base domain.TaskStore, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base store is nil")
	}
	if ttl < 0 {
		ttl = 0
	}

	c := &Cache{
		base:  base,
		redis: client,
		ttl:   ttl,
	}
	if s, ok := base.(*Storage); ok {
		c.Storage = s
	}
	return c
}

func (c *Cache) InsertTask(ctx context.Context, t domain.Task) error {
	if err := c.base.InsertTask(ctx, t); err != nil {
		return err
	}
	c.evict(ctx)
	return nil
}

func (c *Cache) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return c.base.GetTask(ctx, id)
}

func (c *Cache) MergeTask(ctx context.Context, id string, upd domain.TaskUpdate, updatedAt time.Time) (domain.Task, error) {
	merged, err := c.base.MergeTask(ctx, id, upd, updatedAt)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx)
	return merged, nil
}

func (c *Cache) DeleteTask(ctx context.Context, id string) error {
	if err := c.base.DeleteTask(ctx, id); err != nil {
		return err
	}
	c.evict(ctx)
	return nil
}

func (c *Cache) ListTasks(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error) {
	key := listCacheKey(f)
	if tasks, ok := c.loadFromCache(ctx, key); ok {
		return tasks, nil
	}

	tasks, err := c.base.ListTasks(ctx, f)
	if err != nil {
		return nil, err
	}

	c.store(ctx, key, tasks)
	return tasks, nil
}

func (c *Cache) ListColumn(ctx context.Context, status domain.Status) ([]domain.Task, error) {
	key := columnCacheKey(status)
	if tasks, ok := c.loadFromCache(ctx, key); ok {
		return tasks, nil
	}

	tasks, err := c.base.ListColumn(ctx, status)
	if err != nil {
		return nil, err
	}

	c.store(ctx, key, tasks)
	return tasks, nil
}

func (c *Cache) AppendAudit(ctx context.Context, e domain.AuditEntry) error {
	return c.base.AppendAudit(ctx, e)
}

func (c *Cache) loadFromCache(ctx context.Context, key string) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing store without failing.
			_ = c.redis.Del(ctx, key).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return nil, false
	}
	return tasks, true
}

func (c *Cache) store(ctx context.Context, key string, tasks []domain.Task) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(tasks)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context) {
	if c.redis == nil {
		return
	}
	for _, pattern := range []string{"tasks:*", "column:*"} {
		iter := c.redis.Scan(ctx, 0, pattern, 0).Iterator()
		keys := []string{}
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if iter.Err() != nil {
			continue
		}
		if len(keys) > 0 {
			_, _ = c.redis.Del(ctx, keys...).Result()
		}
	}
}

func listCacheKey(f domain.TaskFilter) string {
	return "tasks:" + string(f.Status) + "|" + string(f.Priority) + "|" + f.AssignedToID
}

func columnCacheKey(status domain.Status) string {
	return "column:" + string(status)
}
