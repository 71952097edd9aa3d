package services

import (
	"slices"
	"sync"
	"time"

	"github.com/ekaya-inc/ekaya-navigator/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-navigator/pkg/models"
)

// Binding records one component attached to a connection.
type Binding struct {
	Component models.ComponentID `json:"component"`
	Type      models.BindingType `json:"type"`
	BoundAt   time.Time          `json:"bound_at"`
}

// ConnectionContext is the live state of one configured connection. The
// registry owns the only mutable copy; callers receive clones.
type ConnectionContext struct {
	ID       models.ConnectionID     `json:"id"`
	Name     string                  `json:"name"`
	Config   models.ConnectionConfig `json:"config"`
	Pool     datasource.Pool         `json:"-"`
	LastUsed time.Time               `json:"last_used"`
	IsActive bool                    `json:"is_active"`
	Bindings []Binding               `json:"bindings"`
}

func newConnectionContext(id models.ConnectionID, cfg models.ConnectionConfig) *ConnectionContext {
	cfg = cfg.Clone()
	cfg.IsActive = false
	return &ConnectionContext{ID: id, Name: cfg.Name, Config: cfg}
}

// Clone returns a copy sharing only the pool handle, which is safe for
// concurrent use.
func (c *ConnectionContext) Clone() ConnectionContext {
	out := *c
	out.Config = c.Config.Clone()
	out.Bindings = slices.Clone(c.Bindings)
	return out
}

// HasPool reports whether a pool handle is attached.
func (c *ConnectionContext) HasPool() bool { return c.Pool != nil }

// BoundComponents returns the attached components in bind order.
func (c *ConnectionContext) BoundComponents() []models.ComponentID {
	out := make([]models.ComponentID, len(c.Bindings))
	for i, b := range c.Bindings {
		out[i] = b.Component
	}
	return out
}

// BindingFor returns the binding held by component, if any.
func (c *ConnectionContext) BindingFor(component models.ComponentID) (Binding, bool) {
	i := c.bindingIndex(component)
	if i < 0 {
		return Binding{}, false
	}
	return c.Bindings[i], true
}

func (c *ConnectionContext) bindingIndex(component models.ComponentID) int {
	return slices.IndexFunc(c.Bindings, func(b Binding) bool { return b.Component == component })
}

// setActive keeps the context flag and the persisted config flag in step.
func (c *ConnectionContext) setActive(active bool, now time.Time) {
	c.IsActive = active
	c.Config.SetActive(active, now)
}

// identityLocks serialises binding state changes per connection so that a
// StateChanged event is always published before the bound/unbound event
// that caused it.
type identityLocks struct {
	mu    sync.Mutex
	locks map[models.ConnectionID]*identityLock
}

type identityLock struct {
	mu   sync.Mutex
	refs int
}

func newIdentityLocks() *identityLocks {
	return &identityLocks{locks: make(map[models.ConnectionID]*identityLock)}
}

// lock blocks until id is free and returns the matching unlock.
func (l *identityLocks) lock(id models.ConnectionID) func() {
	l.mu.Lock()
	entry, ok := l.locks[id]
	if !ok {
		entry = &identityLock{}
		l.locks[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func (l *identityLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
