package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrCacheMiss = errors.New("cache miss")

// PermissionCache stores the code set of a role. Entries expire after ttl.
type PermissionCache interface {
	Get(ctx context.Context, key string) ([]Permission, error)
	Set(ctx context.Context, key string, perms []Permission, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context, prefix string) error
}

func PermissionCacheKey(tenantID, roleID uuid.UUID) string {
	return "perm:" + tenantID.String() + ":" + roleID.String()
}

// TenantCachePrefix matches every role entry of a tenant.
func TenantCachePrefix(tenantID uuid.UUID) string {
	return "perm:" + tenantID.String() + ":"
}

type memoryEntry struct {
	perms   []Permission
	expires time.Time
}

// MemoryPermissionCache is the in-process fallback used when no Redis URL is
// configured. Expired entries are dropped on read.
type MemoryPermissionCache struct {
	mu   sync.RWMutex
	data map[string]memoryEntry
	now  func() time.Time
}

func NewMemoryPermissionCache() *MemoryPermissionCache {
	return &MemoryPermissionCache{data: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryPermissionCache) Get(_ context.Context, key string) ([]Permission, error) {
	m.mu.RLock()
	e, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrCacheMiss
	}
	if m.now().After(e.expires) {
		m.mu.Lock()
		delete(m.data, key)
		m.mu.Unlock()
		return nil, ErrCacheMiss
	}
	return append([]Permission(nil), e.perms...), nil
}

func (m *MemoryPermissionCache) Set(_ context.Context, key string, perms []Permission, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = memoryEntry{perms: append([]Permission(nil), perms...), expires: m.now().Add(ttl)}
	return nil
}

func (m *MemoryPermissionCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryPermissionCache) Clear(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			delete(m.data, k)
		}
	}
	return nil
}

// RedisPermissionCache shares role permissions across replicas. Codes are
// stored comma-joined.
type RedisPermissionCache struct {
	client *redis.Client
}

// NewRedisClient parses a redis:// URL and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func NewRedisPermissionCache(client *redis.Client) *RedisPermissionCache {
	return &RedisPermissionCache{client: client}
}

func (r *RedisPermissionCache) Get(ctx context.Context, key string) ([]Permission, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	if val == "" {
		return []Permission{}, nil
	}
	parts := strings.Split(val, ",")
	out := make([]Permission, len(parts))
	for i, p := range parts {
		out[i] = Permission(p)
	}
	return out, nil
}

func (r *RedisPermissionCache) Set(ctx context.Context, key string, perms []Permission, ttl time.Duration) error {
	codes := make([]string, len(perms))
	for i, p := range perms {
		codes[i] = string(p)
	}
	if err := r.client.Set(ctx, key, strings.Join(codes, ","), ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (r *RedisPermissionCache) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (r *RedisPermissionCache) Clear(ctx context.Context, prefix string) error {
	iter := r.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("delete %s: %w", iter.Val(), err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", prefix, err)
	}
	return nil
}
