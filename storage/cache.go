package storage

import (
	"context"
	"slices"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"notes-sync/domain"
)

type backend interface {
	FetchNotes(ctx context.Context) ([]domain.Note, error)
	CreateNote(ctx context.Context, title, body string) (domain.Note, error)
}

// Cache wraps a backend with a Redis copy of the last snapshot. Without
// Refresh calls the copy only changes on this process's own creations, so
// callers feed it every converged view.
type Cache struct {
	base  backend
	redis *redis.Client
	key   string
	ttl   time.Duration

	// concurrent misses share one backend fetch
	fetches singleflight.Group
}

// NewCache creates a caching wrapper storing the snapshot under key for ttl.
func NewCache(base backend, client *redis.Client, key string, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	if key == "" {
		key = defaultCacheKey
	}
	return &Cache{base: base, redis: client, key: key, ttl: ttl}
}

const defaultCacheKey = "notes:snapshot"

func (c *Cache) FetchNotes(ctx context.Context) ([]domain.Note, error) {
	if notes, ok := c.load(ctx); ok {
		return notes, nil
	}
	v, err, _ := c.fetches.Do(c.key, func() (any, error) {
		notes, err := c.base.FetchNotes(ctx)
		if err != nil {
			return nil, err
		}
		_ = c.store(ctx, notes)
		return notes, nil
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]domain.Note)), nil
}

func (c *Cache) CreateNote(ctx context.Context, title, body string) (domain.Note, error) {
	note, err := c.base.CreateNote(ctx, title, body)
	if err != nil {
		return domain.Note{}, err
	}
	c.evict(ctx)
	return note, nil
}

func (c *Cache) load(ctx context.Context) ([]domain.Note, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, c.key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// fall back to the backing storage without failing
			_ = c.redis.Del(ctx, c.key).Err()
		}
		return nil, false
	}
	var notes []domain.Note
	if err := sonic.Unmarshal(data, &notes); err != nil {
		_ = c.redis.Del(ctx, c.key).Err()
		return nil, false
	}
	return notes, true
}

// Refresh replaces the cached snapshot with the converged collection, given
// newest first as views render it. notes is not modified.
func (c *Cache) Refresh(ctx context.Context, notes []domain.Note) error {
	oldestFirst := slices.Clone(notes)
	slices.Reverse(oldestFirst)
	return c.store(ctx, oldestFirst)
}

func (c *Cache) store(ctx context.Context, notes []domain.Note) error {
	if c.redis == nil || c.ttl == 0 {
		return nil
	}
	data, err := sonic.Marshal(notes)
	if err != nil {
		return err
	}
	return c.redis.Set(ctx, c.key, data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, c.key).Err()
}
