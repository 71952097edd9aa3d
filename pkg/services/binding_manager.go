package services

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/ekaya-navigator/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-navigator/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-navigator/pkg/events"
	"github.com/ekaya-inc/ekaya-navigator/pkg/logging"
	"github.com/ekaya-inc/ekaya-navigator/pkg/models"
)

// healthCheckParallelism bounds concurrent pings in HealthCheckAll.
const healthCheckParallelism = 8

// BindingManager attaches components to connections and drives the
// Inactive/Active state machine of each connection. All state lives in the
// registry; the manager only changes it under the per-connection lock.
type BindingManager struct {
	registry *ConnectionRegistry
	provider *datasource.PoolProvider
	bus      *events.ConnectionBus
	logger   *zap.Logger
}

// NewBindingManager returns a manager over registry's connections.
func NewBindingManager(registry *ConnectionRegistry, logger *zap.Logger) *BindingManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BindingManager{
		registry: registry,
		provider: registry.provider,
		bus:      registry.bus,
		logger:   logger.Named("bindings"),
	}
}

// Bind attaches component to the connection. An exclusive bind first drops
// every other component. The first component to bind opens and pings the
// pool and publishes StateChanged(false, true) before ComponentBound.
//
// Unknown connections return apperrors.ErrConnectionNotFound. A pool that
// cannot be created or reached publishes Error and leaves the connection
// untouched.
func (m *BindingManager) Bind(ctx context.Context, component models.ComponentID, id models.ConnectionID, binding models.BindingType) error {
	unlock := m.registry.locks.lock(id)
	defer unlock()

	r := m.registry
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return connectionNotFound(id)
	}
	needsPool := !c.IsActive || !c.HasPool()
	cfg := c.Config.Clone()
	pool := c.Pool
	r.mu.Unlock()

	if needsPool {
		p, err := m.activate(ctx, id, cfg)
		if err != nil {
			m.bus.Emit(events.NewError(id, logging.SanitizeError(err)))
			return err
		}
		pool = p
	}

	now := r.now()
	r.mu.Lock()
	c, ok = r.conns[id]
	if !ok {
		r.mu.Unlock()
		return connectionNotFound(id)
	}
	if binding == models.BindingExclusive {
		kept := c.Bindings[:0]
		for _, b := range c.Bindings {
			if b.Component == component {
				kept = append(kept, b)
			}
		}
		c.Bindings = kept
	}
	if i := c.bindingIndex(component); i >= 0 {
		c.Bindings[i].Type = binding
	} else {
		c.Bindings = append(c.Bindings, Binding{Component: component, Type: binding, BoundAt: now})
	}
	c.Pool = pool
	c.LastUsed = now
	transitioned := !c.IsActive
	if transitioned {
		c.setActive(true, now)
	}
	cfg = c.Config.Clone()
	count := len(c.Bindings)
	r.mu.Unlock()

	m.provider.MarkBound(id, true)

	if transitioned {
		r.saveBestEffort(ctx, id, cfg)
		m.bus.Emit(events.NewStateChanged(id, false, true))
	}
	m.bus.Emit(events.NewComponentBound(id, component, binding))

	m.logger.Debug("Bound component",
		zap.String("connection_id", id.String()),
		zap.String("component_id", component.String()),
		zap.Stringer("binding", binding),
		zap.Int("bound", count))
	return nil
}

// activate obtains the pool for a bind and proves it can reach the server.
// The caller holds the identity lock.
func (m *BindingManager) activate(ctx context.Context, id models.ConnectionID, cfg models.ConnectionConfig) (datasource.Pool, error) {
	pool, err := m.provider.GetOrCreate(ctx, id, cfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		if removed, ok := m.provider.Remove(id); ok {
			removed.Close()
		}
		m.logger.Error("Connection failed on first use",
			zap.String("connection_id", id.String()),
			zap.String("error", logging.SanitizeError(err)))
		return nil, &apperrors.ConnectionFailedError{Connection: id.String(), Err: logging.Sanitized(err)}
	}

	// Mark before the eviction loop can see the pool as idle and unbound.
	m.provider.MarkBound(id, true)
	if current, ok := m.provider.Get(id); ok && current == pool {
		return pool, nil
	}

	// Evicted between creation and marking; the fresh pool is marked on
	// the caller's MarkBound.
	return m.provider.GetOrCreate(ctx, id, cfg)
}

// Unbind detaches component. The last component to leave publishes
// StateChanged(true, false) before ComponentUnbound and leaves the pool
// cached for idle eviction, unless that component held the connection
// exclusively, in which case the pool is closed and Disconnected follows.
func (m *BindingManager) Unbind(ctx context.Context, component models.ComponentID, id models.ConnectionID) error {
	unlock := m.registry.locks.lock(id)
	defer unlock()

	r := m.registry
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return connectionNotFound(id)
	}
	var removed Binding
	wasBound := false
	if i := c.bindingIndex(component); i >= 0 {
		removed = c.Bindings[i]
		wasBound = true
		c.Bindings = append(c.Bindings[:i], c.Bindings[i+1:]...)
	}
	transitioned := wasBound && c.IsActive && len(c.Bindings) == 0
	dispose := transitioned && removed.Type == models.BindingExclusive
	var cfg models.ConnectionConfig
	if transitioned {
		c.setActive(false, r.now())
		if dispose {
			c.Pool = nil
		}
		cfg = c.Config.Clone()
	}
	r.mu.Unlock()

	if transitioned {
		r.saveBestEffort(ctx, id, cfg)
		m.provider.MarkBound(id, false)
		m.bus.Emit(events.NewStateChanged(id, true, false))
	}
	m.bus.Emit(events.NewComponentUnbound(id, component))

	if dispose {
		if pool, ok := m.provider.Remove(id); ok {
			pool.Close()
		}
		m.bus.Emit(events.NewDisconnected(id))
	}

	m.logger.Debug("Unbound component",
		zap.String("connection_id", id.String()),
		zap.String("component_id", component.String()),
		zap.Bool("was_bound", wasBound),
		zap.Bool("deactivated", transitioned))
	return nil
}

// Disconnect drops the pool regardless of bound components. The bindings
// die with the pool, so an active connection publishes StateChanged(true,
// false) before Disconnected.
func (m *BindingManager) Disconnect(ctx context.Context, id models.ConnectionID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := m.registry.locks.lock(id)
	defer unlock()

	r := m.registry
	before, ok := r.Get(id)
	if err := r.disconnectLocked(id); err != nil {
		return err
	}
	if ok && before.IsActive {
		if cfg, ok := r.configOf(id); ok {
			r.saveBestEffort(ctx, id, cfg)
		}
	}
	return nil
}

// Reconnect replaces the connection's pool with a fresh one and keeps the
// bindings. Reconnected is published once the new pool answers a ping.
func (m *BindingManager) Reconnect(ctx context.Context, id models.ConnectionID) error {
	unlock := m.registry.locks.lock(id)
	defer unlock()

	cfg, ok := m.registry.configOf(id)
	if !ok {
		return connectionNotFound(id)
	}

	if old, ok := m.provider.Remove(id); ok {
		old.Close()
	}

	r := m.registry
	pool, err := m.activate(ctx, id, cfg)
	if err != nil {
		r.mu.Lock()
		if c, ok := r.conns[id]; ok {
			c.Pool = nil
		}
		r.mu.Unlock()
		m.bus.Emit(events.NewError(id, logging.SanitizeError(err)))
		return err
	}

	r.mu.Lock()
	c, ok := r.conns[id]
	bound := ok && len(c.Bindings) > 0
	if ok {
		c.Pool = pool
		c.LastUsed = r.now()
	}
	r.mu.Unlock()
	if !ok {
		if p, removed := m.provider.Remove(id); removed {
			p.Close()
		}
		return connectionNotFound(id)
	}
	m.provider.MarkBound(id, bound)

	m.bus.Emit(events.NewReconnected(id))
	m.logger.Info("Reconnected connection", zap.String("connection_id", id.String()))
	return nil
}

// HealthCheckAll pings every registered connection concurrently. A
// connection without a pool reports false.
func (m *BindingManager) HealthCheckAll(ctx context.Context) map[models.ConnectionID]bool {
	type target struct {
		id   models.ConnectionID
		pool datasource.Pool
	}
	var targets []target
	for _, c := range m.registry.List() {
		targets = append(targets, target{id: c.ID, pool: c.Pool})
	}

	results := make(map[models.ConnectionID]bool, len(targets))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(healthCheckParallelism)
	for _, t := range targets {
		g.Go(func() error {
			healthy := t.pool != nil && m.provider.HealthCheck(gctx, t.pool)
			mu.Lock()
			results[t.id] = healthy
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// BoundComponents returns the components attached to id in bind order.
func (m *BindingManager) BoundComponents(id models.ConnectionID) ([]models.ComponentID, error) {
	c, ok := m.registry.Get(id)
	if !ok {
		return nil, connectionNotFound(id)
	}
	return c.BoundComponents(), nil
}

// UnbindAll detaches component from every connection it is bound to, as a
// torn-down UI component would. Connections deleted meanwhile are skipped.
func (m *BindingManager) UnbindAll(ctx context.Context, component models.ComponentID) error {
	var errs []error
	for _, c := range m.registry.List() {
		if _, ok := c.BindingFor(component); !ok {
			continue
		}
		if err := m.Unbind(ctx, component, c.ID); err != nil && !errors.Is(err, apperrors.ErrConnectionNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
