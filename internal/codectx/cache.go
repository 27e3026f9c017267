package codectx

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fastband-ai/fastband/internal/circuitbreaker"
)

// ContextCache is one cache tier for analyzed file contexts.
type ContextCache interface {
	Get(ctx context.Context, key string) (*FileContext, bool)
	Set(ctx context.Context, key string, fc *FileContext, ttl time.Duration)
	Delete(ctx context.Context, key string)
}

// LocalLRU is an in-process LRU with per-entry TTL.
type LocalLRU struct {
	mu   sync.Mutex
	cap  int
	list *list.List               // front = most recent
	m    map[string]*list.Element // key -> element
}

type lruEntry struct {
	key string
	fc  *FileContext
	exp time.Time
}

func NewLocalLRU(capacity int) *LocalLRU {
	if capacity <= 0 {
		capacity = 512
	}
	return &LocalLRU{cap: capacity, list: list.New(), m: make(map[string]*list.Element, capacity)}
}

func (l *LocalLRU) Get(_ context.Context, key string) (*FileContext, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.m[key]; ok {
		ent := el.Value.(lruEntry)
		if ent.exp.After(time.Now()) {
			l.list.MoveToFront(el)
			return ent.fc, true
		}
		// expired: remove
		l.list.Remove(el)
		delete(l.m, key)
	}
	return nil, false
}

func (l *LocalLRU) Set(_ context.Context, key string, fc *FileContext, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.m[key]; ok {
		el.Value = lruEntry{key: key, fc: fc, exp: time.Now().Add(ttl)}
		l.list.MoveToFront(el)
		return
	}
	el := l.list.PushFront(lruEntry{key: key, fc: fc, exp: time.Now().Add(ttl)})
	l.m[key] = el
	if l.list.Len() > l.cap {
		lru := l.list.Back()
		if lru != nil {
			ent := lru.Value.(lruEntry)
			delete(l.m, ent.key)
			l.list.Remove(lru)
		}
	}
}

func (l *LocalLRU) Delete(_ context.Context, key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.m[key]; ok {
		l.list.Remove(el)
		delete(l.m, key)
	}
}

// Len reports the number of live entries, expired or not.
func (l *LocalLRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.list.Len()
}

// RedisCache is the shared L2 tier, JSON-encoded, circuit-breaker wrapped
// so a dead Redis degrades to L1-only instead of blocking lookups.
type RedisCache struct {
	cli    *circuitbreaker.RedisWrapper
	logger *zap.Logger
}

func NewRedisCache(addr string, logger *zap.Logger) (*RedisCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rc := redis.NewClient(&redis.Options{Addr: addr})
	wrapper := circuitbreaker.NewRedisWrapper(rc, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wrapper.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisCache{cli: wrapper, logger: logger}, nil
}

func (r *RedisCache) Get(ctx context.Context, key string) (*FileContext, bool) {
	raw, err := r.cli.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	var fc FileContext
	if err := json.Unmarshal(raw, &fc); err != nil {
		return nil, false
	}
	return &fc, true
}

func (r *RedisCache) Set(ctx context.Context, key string, fc *FileContext, ttl time.Duration) {
	raw, err := json.Marshal(fc)
	if err != nil {
		return
	}
	if err := r.cli.Set(ctx, key, raw, ttl).Err(); err != nil {
		r.logger.Debug("L2 context cache set failed", zap.String("key", key), zap.Error(err))
	}
}

func (r *RedisCache) Delete(ctx context.Context, key string) {
	_ = r.cli.Del(ctx, key).Err()
}

// Close releases the underlying Redis connection.
func (r *RedisCache) Close() error { return r.cli.Close() }

// Healthy reports whether the breaker still admits Redis traffic.
func (r *RedisCache) Healthy() bool { return !r.cli.IsCircuitBreakerOpen() }
