package datasource

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ekaya-inc/ekaya-navigator/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-navigator/pkg/logging"
	"github.com/ekaya-inc/ekaya-navigator/pkg/models"
	"github.com/ekaya-inc/ekaya-navigator/pkg/retry"
)

const (
	DefaultIdleEvictAfter     = 10 * time.Minute
	DefaultCleanupInterval    = 1 * time.Minute
	DefaultHealthCheckTimeout = 5 * time.Second
)

// ProviderOptions configures a PoolProvider. Zero values take defaults.
type ProviderOptions struct {
	Pool PoolConfig

	// IdleEvictAfter closes pools with no bound component once unused for
	// this long. Negative disables eviction.
	IdleEvictAfter  time.Duration
	CleanupInterval time.Duration

	// Retry is applied to pool construction for transient failures.
	Retry *retry.Config

	// HostResolver rewrites the configured host before the DSN is built.
	HostResolver func(string) string

	// Now is the clock used for idle bookkeeping.
	Now func() time.Time
}

// PoolProvider creates and caches one pool per connection identity.
type PoolProvider struct {
	mu       sync.RWMutex
	pools    map[models.ConnectionID]*managedPool
	creating singleflight.Group

	factory PoolFactory
	opts    ProviderOptions
	onEvict func(models.ConnectionID)

	stopped  bool
	stopChan chan struct{}
	done     chan struct{}
	logger   *zap.Logger
}

type managedPool struct {
	pool      Pool
	createdAt time.Time
	lastUsed  atomic.Int64 // unix nanos
	bound     atomic.Bool
}

func (m *managedPool) touch(now time.Time) { m.lastUsed.Store(now.UnixNano()) }

func (m *managedPool) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, m.lastUsed.Load()))
}

// NewPoolProvider returns a provider backed by factory. When idle eviction
// is enabled a cleanup goroutine runs until Close.
func NewPoolProvider(factory PoolFactory, opts ProviderOptions, logger *zap.Logger) *PoolProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.Pool = opts.Pool.Normalized()
	if opts.IdleEvictAfter == 0 {
		opts.IdleEvictAfter = DefaultIdleEvictAfter
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	if opts.Retry == nil {
		opts.Retry = retry.DefaultConfig()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	p := &PoolProvider{
		pools:    make(map[models.ConnectionID]*managedPool),
		factory:  factory,
		opts:     opts,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger.Named("pool-provider"),
	}

	if opts.IdleEvictAfter > 0 {
		go p.cleanupLoop()
	} else {
		close(p.done)
	}
	return p
}

// SetEvictionHandler registers a callback invoked, outside any lock, for
// every pool closed by idle eviction.
func (p *PoolProvider) SetEvictionHandler(fn func(models.ConnectionID)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onEvict = fn
}

// CreatePool builds a DSN from cfg and constructs an uncached pool.
// Transient failures are retried. Failures are *apperrors.PoolCreationError
// with the driver error preserved and its message scrubbed of credentials.
func (p *PoolProvider) CreatePool(ctx context.Context, cfg models.ConnectionConfig) (Pool, error) {
	if p.opts.HostResolver != nil {
		cfg.Host = p.opts.HostResolver(cfg.Host)
	}
	poolCfg := p.opts.Pool
	if cfg.ConnectionTimeout > 0 {
		poolCfg.ConnectTimeout = time.Duration(cfg.ConnectionTimeout) * time.Second
	}
	dsn := BuildDSN(cfg)

	pool, err := retry.DoWithResultIfRetryable(ctx, p.opts.Retry, func() (Pool, error) {
		return p.factory.NewPool(ctx, dsn, poolCfg)
	})
	if err != nil {
		p.logger.Error("Failed to create pool",
			zap.String("dsn", logging.SanitizeConnectionString(dsn)),
			zap.String("error", logging.SanitizeError(err)))
		return nil, &apperrors.PoolCreationError{Err: logging.Sanitized(err)}
	}
	return pool, nil
}

// GetOrCreate returns the cached pool for id, creating it on first use.
// Concurrent first calls for the same id share one construction; if a pool
// was inserted by another path meanwhile, the newly built one is closed and
// the cached one returned.
func (p *PoolProvider) GetOrCreate(ctx context.Context, id models.ConnectionID, cfg models.ConnectionConfig) (Pool, error) {
	if pool, ok := p.lookup(id); ok {
		return pool, nil
	}

	v, err, _ := p.creating.Do(id.String(), func() (any, error) {
		if pool, ok := p.lookup(id); ok {
			return pool, nil
		}

		pool, err := p.CreatePool(ctx, cfg)
		if err != nil {
			var pce *apperrors.PoolCreationError
			if errors.As(err, &pce) {
				pce.Connection = id.String()
			}
			return nil, err
		}

		now := p.opts.Now()
		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			pool.Close()
			return nil, apperrors.ErrAlreadyClosed
		}
		if existing, ok := p.pools[id]; ok {
			p.mu.Unlock()
			pool.Close()
			existing.touch(now)
			return existing.pool, nil
		}
		managed := &managedPool{pool: pool, createdAt: now}
		managed.touch(now)
		p.pools[id] = managed
		total := len(p.pools)
		p.mu.Unlock()

		p.logger.Info("Created connection pool",
			zap.Stringer("connection_id", id),
			zap.Int("total_pools", total))
		return pool, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Pool), nil
}

func (p *PoolProvider) lookup(id models.ConnectionID) (Pool, bool) {
	p.mu.RLock()
	managed, ok := p.pools[id]
	p.mu.RUnlock()
	if !ok {
		return nil, false
	}
	managed.touch(p.opts.Now())
	return managed.pool, true
}

// Get returns the cached pool without creating one.
func (p *PoolProvider) Get(id models.ConnectionID) (Pool, bool) {
	return p.lookup(id)
}

// HealthCheck runs SELECT 1 on a pooled connection. Any failure, including
// a timeout, is reported as false.
func (p *PoolProvider) HealthCheck(ctx context.Context, pool Pool) bool {
	if pool == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultHealthCheckTimeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		p.logger.Debug("Health check acquire failed", zap.String("error", logging.SanitizeError(err)))
		return false
	}
	defer conn.Release()

	if _, err := conn.Query(ctx, "SELECT 1"); err != nil {
		p.logger.Debug("Health check query failed", zap.String("error", logging.SanitizeError(err)))
		return false
	}
	return true
}

// Remove evicts the pool for id and returns it so the caller can close it.
func (p *PoolProvider) Remove(id models.ConnectionID) (Pool, bool) {
	p.mu.Lock()
	managed, ok := p.pools[id]
	if ok {
		delete(p.pools, id)
	}
	p.mu.Unlock()

	if !ok {
		return nil, false
	}
	p.logger.Debug("Removed connection pool", zap.Stringer("connection_id", id))
	return managed.pool, true
}

// MarkBound records whether any component is bound to id. Unbound pools
// become eligible for idle eviction.
func (p *PoolProvider) MarkBound(id models.ConnectionID, bound bool) {
	p.mu.RLock()
	managed, ok := p.pools[id]
	p.mu.RUnlock()
	if !ok {
		return
	}
	managed.bound.Store(bound)
	managed.touch(p.opts.Now())
}

// Has reports whether a pool is cached for id without touching it.
func (p *PoolProvider) Has(id models.ConnectionID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.pools[id]
	return ok
}

// Touch records use of id's pool.
func (p *PoolProvider) Touch(id models.ConnectionID) {
	p.lookup(id)
}

// IDs returns the identities that currently have a pool.
func (p *PoolProvider) IDs() []models.ConnectionID {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]models.ConnectionID, 0, len(p.pools))
	for id := range p.pools {
		ids = append(ids, id)
	}
	return ids
}

func (p *PoolProvider) cleanupLoop() {
	defer close(p.done)
	ticker := time.NewTicker(p.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.EvictIdle()
		case <-p.stopChan:
			return
		}
	}
}

// EvictIdle closes every unbound pool idle for longer than IdleEvictAfter
// and returns the evicted identities. Pools are closed and the eviction
// handler called after the lock is released.
func (p *PoolProvider) EvictIdle() []models.ConnectionID {
	if p.opts.IdleEvictAfter <= 0 {
		return nil
	}
	now := p.opts.Now()

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	var evicted []models.ConnectionID
	var toClose []Pool
	for id, managed := range p.pools {
		if managed.bound.Load() {
			continue
		}
		if idle := managed.idleFor(now); idle > p.opts.IdleEvictAfter {
			p.logger.Debug("Evicting idle pool",
				zap.Stringer("connection_id", id),
				zap.Duration("idle", idle))
			evicted = append(evicted, id)
			toClose = append(toClose, managed.pool)
			delete(p.pools, id)
		}
	}
	remaining := len(p.pools)
	onEvict := p.onEvict
	p.mu.Unlock()

	for _, pool := range toClose {
		pool.Close()
	}
	if len(evicted) > 0 {
		p.logger.Info("Evicted idle pools",
			zap.Int("count", len(evicted)),
			zap.Int("remaining", remaining))
	}
	if onEvict != nil {
		for _, id := range evicted {
			onEvict(id)
		}
	}
	return evicted
}

// Close closes every pool and stops the cleanup goroutine. It is idempotent.
func (p *PoolProvider) Close() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.stopChan)
	pools := p.pools
	p.pools = make(map[models.ConnectionID]*managedPool)
	p.mu.Unlock()

	<-p.done
	for _, managed := range pools {
		managed.pool.Close()
	}
	p.logger.Info("Pool provider closed", zap.Int("closed_pools", len(pools)))
	return nil
}

// Stats returns a snapshot of the provider state.
func (p *PoolProvider) Stats() ProviderStats {
	now := p.opts.Now()

	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := ProviderStats{
		TotalPools:     len(p.pools),
		IdleEvictAfter: p.opts.IdleEvictAfter,
		Pools:          make(map[string]PoolStats, len(p.pools)),
	}
	for id, managed := range p.pools {
		if managed.bound.Load() {
			stats.BoundPools++
		}
		if idle := int(managed.idleFor(now).Seconds()); idle > stats.OldestIdleSeconds {
			stats.OldestIdleSeconds = idle
		}
		stats.Pools[id.String()] = managed.pool.Stats()
	}
	return stats
}

// ProviderStats contains statistics about the provider state.
type ProviderStats struct {
	TotalPools        int                  `json:"total_pools"`
	BoundPools        int                  `json:"bound_pools"`
	OldestIdleSeconds int                  `json:"oldest_idle_seconds"`
	IdleEvictAfter    time.Duration        `json:"idle_evict_after"`
	Pools             map[string]PoolStats `json:"pools"`
}
