package services

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-navigator/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-navigator/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-navigator/pkg/events"
	"github.com/ekaya-inc/ekaya-navigator/pkg/models"
	"github.com/ekaya-inc/ekaya-navigator/pkg/repositories"
)

// PoolSource hands out the shared pool for a connection without binding a
// component to it.
type PoolSource interface {
	PoolFor(ctx context.Context, id models.ConnectionID) (datasource.Pool, error)
}

// ConnectionRegistry owns every ConnectionContext in the process. One
// instance is built by the composition root and shared by reference.
//
// Event handlers run on the goroutine that changed the connection while
// that connection's state lock is held, so a handler must not bind, unbind
// or delete the same connection synchronously.
type ConnectionRegistry struct {
	mu    sync.Mutex
	conns map[models.ConnectionID]*ConnectionContext
	locks *identityLocks

	store    repositories.ConnectionConfigRepository
	provider *datasource.PoolProvider
	bus      *events.ConnectionBus
	now      func() time.Time
	logger   *zap.Logger
}

// NewConnectionRegistry returns an empty registry and registers itself as
// the provider's eviction handler.
func NewConnectionRegistry(
	store repositories.ConnectionConfigRepository,
	provider *datasource.PoolProvider,
	bus *events.ConnectionBus,
	logger *zap.Logger,
) *ConnectionRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &ConnectionRegistry{
		conns:    make(map[models.ConnectionID]*ConnectionContext),
		locks:    newIdentityLocks(),
		store:    store,
		provider: provider,
		bus:      bus,
		now:      time.Now,
		logger:   logger.Named("registry"),
	}
	provider.SetEvictionHandler(r.handleEviction)
	return r
}

func connectionNotFound(id models.ConnectionID) error {
	return fmt.Errorf("%w: %s", apperrors.ErrConnectionNotFound, id)
}

// Create inserts a new inactive connection, persists it and publishes
// Created. When persistence fails the connection stays registered and the
// returned identity is valid alongside the error.
func (r *ConnectionRegistry) Create(ctx context.Context, cfg models.ConnectionConfig) (models.ConnectionID, error) {
	id := models.NewConnectionID()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = r.now().UTC()
	}
	c := newConnectionContext(id, cfg)

	r.mu.Lock()
	r.conns[id] = c
	snapshot := c.Config.Clone()
	r.mu.Unlock()

	err := r.store.Save(ctx, id, snapshot)
	r.bus.Emit(events.NewCreated(id))
	if err != nil {
		r.logger.Error("Failed to persist new connection",
			zap.String("connection_id", id.String()),
			zap.Error(err))
		return id, err
	}

	r.logger.Info("Created connection",
		zap.String("connection_id", id.String()),
		zap.String("name", cfg.Name),
		zap.String("url", cfg.RedactedURL()))
	return id, nil
}

// LoadAll merges every persisted config into the registry. New identities
// get a fresh context and a Created event. Known identities take the disk
// config but keep their pool and bindings; if the endpoint changed they are
// disconnected so the next bind dials the new settings. Connections that
// are registered but absent from disk are left alone. The returned
// identities are ordered by display name.
func (r *ConnectionRegistry) LoadAll(ctx context.Context) ([]models.ConnectionID, error) {
	configs, err := r.store.LoadAll(ctx)
	if err != nil {
		return nil, err
	}

	var added, moved []models.ConnectionID
	found := make([]*ConnectionContext, 0, len(configs))

	r.mu.Lock()
	for id, cfg := range configs {
		c, ok := r.conns[id]
		if !ok {
			c = newConnectionContext(id, cfg)
			r.conns[id] = c
			added = append(added, id)
			found = append(found, c)
			continue
		}
		if c.HasPool() && !c.Config.SameEndpoint(cfg) {
			moved = append(moved, id)
		}
		active := c.IsActive
		c.Config = cfg.Clone()
		c.Config.IsActive = active
		c.Name = cfg.Name
		found = append(found, c)
	}
	sortContexts(found)
	ids := make([]models.ConnectionID, len(found))
	for i, c := range found {
		ids[i] = c.ID
	}
	r.mu.Unlock()

	for _, id := range ids {
		if slices.Contains(added, id) {
			r.bus.Emit(events.NewCreated(id))
		}
	}
	for _, id := range moved {
		r.logger.Info("Connection endpoint changed on disk, disconnecting",
			zap.String("connection_id", id.String()))
		unlock := r.locks.lock(id)
		_ = r.disconnectLocked(id)
		unlock()
	}

	r.logger.Debug("Loaded connections",
		zap.Int("found", len(ids)),
		zap.Int("added", len(added)))
	return ids, nil
}

// Get returns a snapshot of one connection.
func (r *ConnectionRegistry) Get(id models.ConnectionID) (*ConnectionContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	snapshot := c.Clone()
	return &snapshot, true
}

// List returns snapshots of every connection ordered by display name.
func (r *ConnectionRegistry) List() []ConnectionContext {
	r.mu.Lock()
	all := make([]*ConnectionContext, 0, len(r.conns))
	for _, c := range r.conns {
		all = append(all, c)
	}
	sortContexts(all)
	out := make([]ConnectionContext, len(all))
	for i, c := range all {
		out[i] = c.Clone()
	}
	r.mu.Unlock()
	return out
}

// Len returns the number of registered connections.
func (r *ConnectionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// FindByName returns the first connection whose display name matches,
// ignoring case.
func (r *ConnectionRegistry) FindByName(name string) (*ConnectionContext, bool) {
	for _, c := range r.List() {
		if strings.EqualFold(c.Name, name) {
			return &c, true
		}
	}
	return nil, false
}

// Update replaces the config of a known connection and persists it. An
// endpoint change disconnects the connection first.
func (r *ConnectionRegistry) Update(ctx context.Context, id models.ConnectionID, cfg models.ConnectionConfig) error {
	unlock := r.locks.lock(id)
	defer unlock()

	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return connectionNotFound(id)
	}
	cfg = cfg.Clone()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = c.Config.CreatedAt
	}
	if cfg.LastConnected == nil && c.Config.LastConnected != nil {
		t := *c.Config.LastConnected
		cfg.LastConnected = &t
	}
	cfg.IsActive = c.IsActive
	endpointChanged := !c.Config.SameEndpoint(cfg)
	c.Config = cfg
	c.Name = cfg.Name
	r.mu.Unlock()

	if endpointChanged {
		if err := r.disconnectLocked(id); err != nil {
			return err
		}
	}

	snapshot, _ := r.configOf(id)
	if err := r.store.Save(ctx, id, snapshot); err != nil {
		return err
	}
	r.logger.Info("Updated connection",
		zap.String("connection_id", id.String()),
		zap.Bool("endpoint_changed", endpointChanged))
	return nil
}

// Delete disconnects the connection, removes it from memory and from the
// store, then publishes Deleted. A store failure is returned after the
// in-memory removal.
func (r *ConnectionRegistry) Delete(ctx context.Context, id models.ConnectionID) error {
	unlock := r.locks.lock(id)
	defer unlock()

	if err := r.disconnectLocked(id); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()

	err := r.store.Delete(ctx, id)
	r.bus.Emit(events.NewDeleted(id))
	if err != nil {
		r.logger.Error("Failed to remove connection from store",
			zap.String("connection_id", id.String()),
			zap.Error(err))
		return err
	}

	r.logger.Info("Deleted connection", zap.String("connection_id", id.String()))
	return nil
}

// AttachedComponentCount returns how many components are bound to id.
func (r *ConnectionRegistry) AttachedComponentCount(id models.ConnectionID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.conns[id]; ok {
		return len(c.Bindings)
	}
	return 0
}

// PoolFor returns the connection's pool, creating it if needed. It does not
// bind anything, so the pool stays eligible for idle eviction.
func (r *ConnectionRegistry) PoolFor(ctx context.Context, id models.ConnectionID) (datasource.Pool, error) {
	unlock := r.locks.lock(id)
	defer unlock()

	cfg, ok := r.configOf(id)
	if !ok {
		return nil, connectionNotFound(id)
	}
	pool, err := r.provider.GetOrCreate(ctx, id, cfg)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if c, ok := r.conns[id]; ok {
		c.Pool = pool
		c.LastUsed = r.now()
	}
	r.mu.Unlock()
	return pool, nil
}

func (r *ConnectionRegistry) configOf(id models.ConnectionID) (models.ConnectionConfig, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return models.ConnectionConfig{}, false
	}
	return c.Config.Clone(), true
}

// saveBestEffort persists the active flag and last-connected time. A failed
// write is logged; the in-memory state stays authoritative.
func (r *ConnectionRegistry) saveBestEffort(ctx context.Context, id models.ConnectionID, cfg models.ConnectionConfig) {
	if err := r.store.Save(ctx, id, cfg); err != nil {
		r.logger.Warn("Failed to persist connection activity",
			zap.String("connection_id", id.String()),
			zap.Bool("active", cfg.IsActive),
			zap.Error(err))
	}
}

// disconnectLocked drops the pool and every binding. The caller holds the
// identity lock for id.
func (r *ConnectionRegistry) disconnectLocked(id models.ConnectionID) error {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return connectionNotFound(id)
	}
	wasActive := c.IsActive
	c.Pool = nil
	c.Bindings = nil
	c.setActive(false, r.now())
	r.mu.Unlock()

	if pool, ok := r.provider.Remove(id); ok {
		pool.Close()
	}
	if wasActive {
		r.bus.Emit(events.NewStateChanged(id, true, false))
	}
	r.bus.Emit(events.NewDisconnected(id))

	r.logger.Info("Disconnected connection",
		zap.String("connection_id", id.String()),
		zap.Bool("was_active", wasActive))
	return nil
}

// handleEviction runs when the provider closes an idle unbound pool.
func (r *ConnectionRegistry) handleEviction(id models.ConnectionID) {
	unlock := r.locks.lock(id)
	defer unlock()

	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok || len(c.Bindings) > 0 || r.provider.Has(id) {
		r.mu.Unlock()
		return
	}
	c.Pool = nil
	r.mu.Unlock()

	r.bus.Emit(events.NewDisconnected(id))
}

func sortContexts(all []*ConnectionContext) {
	slices.SortFunc(all, func(a, b *ConnectionContext) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})
}
