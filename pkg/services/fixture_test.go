package services

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/ekaya-inc/ekaya-navigator/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-navigator/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-navigator/pkg/events"
	"github.com/ekaya-inc/ekaya-navigator/pkg/models"
	"github.com/ekaya-inc/ekaya-navigator/pkg/repositories"
	"github.com/ekaya-inc/ekaya-navigator/pkg/retry"
	"github.com/ekaya-inc/ekaya-navigator/pkg/testhelpers"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// eventRecorder keeps every connection event in emission order.
type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func recordEvents(bus *events.ConnectionBus) *eventRecorder {
	rec := &eventRecorder{}
	bus.Subscribe(func(e events.Event) {
		rec.mu.Lock()
		rec.events = append(rec.events, e)
		rec.mu.Unlock()
	})
	return rec
}

func (r *eventRecorder) For(id models.ConnectionID) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Connection == id {
			out = append(out, e)
		}
	}
	return out
}

func (r *eventRecorder) Kinds(id models.ConnectionID) []events.Kind {
	var out []events.Kind
	for _, e := range r.For(id) {
		out = append(out, e.Kind)
	}
	return out
}

func (r *eventRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// stubStore wraps a real store and can be told to fail.
type stubStore struct {
	repositories.ConnectionConfigRepository
	mu        sync.Mutex
	saveErr   error
	deleteErr error
	saves     int
}

func (s *stubStore) Save(ctx context.Context, id models.ConnectionID, cfg models.ConnectionConfig) error {
	s.mu.Lock()
	s.saves++
	err := s.saveErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.ConnectionConfigRepository.Save(ctx, id, cfg)
}

func (s *stubStore) Delete(ctx context.Context, id models.ConnectionID) error {
	s.mu.Lock()
	err := s.deleteErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.ConnectionConfigRepository.Delete(ctx, id)
}

func (s *stubStore) failSaves(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveErr = err
}

type fixture struct {
	driver   *testhelpers.FakeDriver
	provider *datasource.PoolProvider
	store    *stubStore
	bus      *events.ConnectionBus
	events   *eventRecorder
	clock    *fakeClock
	registry *ConnectionRegistry
	bindings *BindingManager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithOptions(t, datasource.ProviderOptions{IdleEvictAfter: -1})
}

func newFixtureWithOptions(t *testing.T, opts datasource.ProviderOptions) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	clock := newFakeClock()

	driver := testhelpers.NewFakeDriver()
	if opts.Retry == nil {
		opts.Retry = retry.NoRetry()
	}
	if opts.Now == nil {
		opts.Now = clock.Now
	}
	provider := datasource.NewPoolProvider(driver, opts, logger)
	t.Cleanup(func() { _ = provider.Close() })

	path := filepath.Join(t.TempDir(), repositories.DefaultConnectionsFile)
	store := &stubStore{ConnectionConfigRepository: repositories.NewConnectionConfigStore(path, logger)}
	bus := events.NewConnectionBus(logger)
	rec := recordEvents(bus)

	registry := NewConnectionRegistry(store, provider, bus, logger)
	registry.now = clock.Now

	return &fixture{
		driver:   driver,
		provider: provider,
		store:    store,
		bus:      bus,
		events:   rec,
		clock:    clock,
		registry: registry,
		bindings: NewBindingManager(registry, logger),
	}
}

func sampleConfig(name string) models.ConnectionConfig {
	return models.ConnectionConfig{
		Name:              name,
		Host:              "localhost",
		Port:              5432,
		Database:          "postgres",
		Username:          "postgres",
		Password:          "x",
		ConnectionTimeout: 30,
		CreatedAt:         time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) create(t *testing.T, name string) models.ConnectionID {
	t.Helper()
	id, err := f.registry.Create(context.Background(), sampleConfig(name))
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	return id
}

// stateChanges returns the NewActive values of every StateChanged for id.
func (f *fixture) stateChanges(id models.ConnectionID) []bool {
	var out []bool
	for _, e := range f.events.For(id) {
		if e.Kind == events.StateChanged {
			out = append(out, e.NewActive)
		}
	}
	return out
}

func (f *fixture) createWith(t *testing.T, cfg models.ConnectionConfig) models.ConnectionID {
	t.Helper()
	id, err := f.registry.Create(context.Background(), cfg)
	if err != nil {
		t.Fatalf("create %s: %v", cfg.Name, err)
	}
	return id
}

func datasourceOptionsWithEviction(after time.Duration) datasource.ProviderOptions {
	return datasource.ProviderOptions{IdleEvictAfter: after, CleanupInterval: time.Hour}
}

// failingLoadStore reports a corrupt connections file on every load.
type failingLoadStore struct {
	repositories.ConnectionConfigRepository
}

func (s failingLoadStore) LoadAll(ctx context.Context) (map[models.ConnectionID]models.ConnectionConfig, error) {
	return nil, apperrors.NewConfigPersistenceError("load", s.Path(), errors.New("unexpected end of JSON input"))
}
