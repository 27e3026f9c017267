package codectx

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fastband-ai/fastband/internal/metrics"
)

// Facade defaults.
const (
	DefaultTTL         = 15 * time.Minute
	DefaultL1Capacity  = 512
	DefaultWarmWorkers = 4
)

// Config tunes the facade. Zero values select the defaults.
type Config struct {
	TTL         time.Duration
	L1Capacity  int
	WarmWorkers int
}

// call is one in-flight analysis shared by concurrent misses on the same
// key.
type call struct {
	done chan struct{}
	fc   *FileContext
	err  error
}

// Facade is the read-through cache in front of an Analyzer: L1 local LRU,
// optional L2 Redis, single-flight per key. Invalidation is done by
// versioning keys, never by enumerating them: InvalidateFile bumps a
// per-path counter, ForceRescan bumps the global generation, and readers
// holding an old-generation key simply finish against the old entries
// while new lookups miss and re-analyze.
type Facade struct {
	analyzer Analyzer
	l1       *LocalLRU
	l2       ContextCache // nil when Redis is not configured
	cfg      Config
	logger   *zap.Logger

	mu           sync.Mutex
	generation   uint64
	pathVersions map[string]uint64
	inflight     map[string]*call
}

// New builds a facade over the analyzer. l2 may be nil.
func New(analyzer Analyzer, l2 ContextCache, cfg Config, logger *zap.Logger) *Facade {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.L1Capacity <= 0 {
		cfg.L1Capacity = DefaultL1Capacity
	}
	if cfg.WarmWorkers <= 0 {
		cfg.WarmWorkers = DefaultWarmWorkers
	}
	return &Facade{
		analyzer:     analyzer,
		l1:           NewLocalLRU(cfg.L1Capacity),
		l2:           l2,
		cfg:          cfg,
		logger:       logger,
		pathVersions: make(map[string]uint64),
		inflight:     make(map[string]*call),
	}
}

// GetFileContext returns the cached context for the path, analyzing on
// miss. ForceRefresh skips the cache read but still refreshes it.
func (f *Facade) GetFileContext(ctx context.Context, path string, opts Options) (*FileContext, error) {
	key := f.keyFor(path, opts)

	if !opts.ForceRefresh {
		if fc, ok := f.l1.Get(ctx, key); ok {
			metrics.CacheHits.WithLabelValues("codectx_l1").Inc()
			return fc, nil
		}
		metrics.CacheMisses.WithLabelValues("codectx_l1").Inc()
		if f.l2 != nil {
			if fc, ok := f.l2.Get(ctx, key); ok {
				metrics.CacheHits.WithLabelValues("codectx_l2").Inc()
				f.l1.Set(ctx, key, fc, f.cfg.TTL)
				return fc, nil
			}
			metrics.CacheMisses.WithLabelValues("codectx_l2").Inc()
		}
	}

	return f.analyzeShared(ctx, key, path, opts)
}

// analyzeShared runs the analyzer at most once per key across concurrent
// callers.
func (f *Facade) analyzeShared(ctx context.Context, key, path string, opts Options) (*FileContext, error) {
	f.mu.Lock()
	if c, ok := f.inflight[key]; ok {
		f.mu.Unlock()
		select {
		case <-c.done:
			return c.fc, c.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c := &call{done: make(chan struct{})}
	f.inflight[key] = c
	f.mu.Unlock()

	c.fc, c.err = f.analyzer.AnalyzeFile(ctx, path, opts)
	if c.err == nil {
		f.l1.Set(ctx, key, c.fc, f.cfg.TTL)
		if f.l2 != nil {
			f.l2.Set(ctx, key, c.fc, f.cfg.TTL)
		}
	}

	f.mu.Lock()
	delete(f.inflight, key)
	f.mu.Unlock()
	close(c.done)
	return c.fc, c.err
}

// InvalidateFile drops every cached variant of one path.
func (f *Facade) InvalidateFile(path string) {
	f.mu.Lock()
	f.pathVersions[path]++
	f.mu.Unlock()
	f.logger.Debug("File context invalidated", zap.String("path", path))
}

// Warm pre-populates the cache for the given paths with a bounded worker
// pool. The first analyzer error cancels the remaining work.
func (f *Facade) Warm(ctx context.Context, paths []string, opts Options) error {
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(f.cfg.WarmWorkers)
	for _, path := range paths {
		path := path
		group.Go(func() error {
			_, err := f.GetFileContext(gctx, path, opts)
			return err
		})
	}
	return group.Wait()
}

// ForceRescan invalidates every cached context by installing a new
// generation. In-flight readers complete against the old generation.
func (f *Facade) ForceRescan() {
	f.mu.Lock()
	f.generation++
	f.pathVersions = make(map[string]uint64)
	gen := f.generation
	f.mu.Unlock()
	f.logger.Info("Codebase context rescan forced", zap.Uint64("generation", gen))
}

// Generation reports the current cache generation.
func (f *Facade) Generation() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generation
}

func (f *Facade) keyFor(path string, opts Options) string {
	f.mu.Lock()
	gen := f.generation
	ver := f.pathVersions[path]
	f.mu.Unlock()
	return cacheKey(gen, ver, path, opts)
}
