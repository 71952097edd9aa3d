package services

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-navigator/pkg/config"
	"github.com/ekaya-inc/ekaya-navigator/pkg/events"
	"github.com/ekaya-inc/ekaya-navigator/pkg/models"
)

// healthCheckFailed is the message published for a failing pool.
const healthCheckFailed = "health check failed"

// HealthMonitor pings every pooled connection on a cron schedule and
// publishes an Error event for each one that fails.
type HealthMonitor struct {
	bindings *BindingManager
	registry *ConnectionRegistry
	bus      *events.ConnectionBus
	schedule cron.Schedule
	timeout  time.Duration

	mu      sync.Mutex
	cron    *cron.Cron
	last    map[models.ConnectionID]bool
	lastRun time.Time

	logger *zap.Logger
}

// NewHealthMonitor parses expr with the config schedule rules. An empty
// expr returns a monitor whose Start is a no-op.
func NewHealthMonitor(bindings *BindingManager, expr string, logger *zap.Logger) (*HealthMonitor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &HealthMonitor{
		bindings: bindings,
		registry: bindings.registry,
		bus:      bindings.bus,
		timeout:  30 * time.Second,
		logger:   logger.Named("health"),
	}
	if expr != "" {
		schedule, err := config.ParseSchedule(expr)
		if err != nil {
			return nil, fmt.Errorf("parse health check schedule %q: %w", expr, err)
		}
		m.schedule = schedule
	}
	return m, nil
}

// Start begins scheduled checks. Overlapping runs are skipped.
func (m *HealthMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.schedule == nil || m.cron != nil {
		return
	}
	m.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	m.cron.Schedule(m.schedule, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		m.RunOnce(ctx)
	}))
	m.cron.Start()
	m.logger.Info("Health monitor started", zap.Time("next_run", m.schedule.Next(time.Now())))
}

// Stop halts the schedule and waits for a running check to finish or ctx
// to expire.
func (m *HealthMonitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()

	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		m.logger.Debug("Health monitor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce checks every connection now. Connections without a pool are
// reported unhealthy but raise no event.
func (m *HealthMonitor) RunOnce(ctx context.Context) map[models.ConnectionID]bool {
	results := m.bindings.HealthCheckAll(ctx)

	failed := 0
	for id, healthy := range results {
		if healthy {
			continue
		}
		c, ok := m.registry.Get(id)
		if !ok || !c.HasPool() {
			continue
		}
		failed++
		m.logger.Warn("Connection failed health check",
			zap.String("connection_id", id.String()),
			zap.String("name", c.Name))
		m.bus.Emit(events.NewError(id, healthCheckFailed))
	}

	m.mu.Lock()
	m.last = results
	m.lastRun = time.Now()
	m.mu.Unlock()

	m.logger.Debug("Health check complete",
		zap.Int("connections", len(results)),
		zap.Int("failed", failed))
	return results
}

// LastResults returns the outcome of the most recent run and when it ran.
func (m *HealthMonitor) LastResults() (map[models.ConnectionID]bool, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return maps.Clone(m.last), m.lastRun
}
