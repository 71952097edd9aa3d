package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ekaya-inc/ekaya-navigator/pkg/events"
	"github.com/ekaya-inc/ekaya-navigator/pkg/models"
	"github.com/ekaya-inc/ekaya-navigator/pkg/testhelpers"
)

func TestHealthMonitor_ReportsFailingPools(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	healthy := f.create(t, "healthy")
	failing := f.create(t, "failing")
	idle := f.create(t, "idle")
	require.NoError(t, f.bindings.Bind(ctx, models.NewComponentID(), healthy, models.BindingShared))
	require.NoError(t, f.bindings.Bind(ctx, models.NewComponentID(), failing, models.BindingShared))

	failingPool, ok := f.provider.Get(failing)
	require.True(t, ok)
	failingPool.(*testhelpers.FakePool).SetError(errors.New("server closed the connection unexpectedly"))

	monitor, err := NewHealthMonitor(f.bindings, "@every 1m", zaptest.NewLogger(t))
	require.NoError(t, err)
	f.events.Reset()

	results := monitor.RunOnce(ctx)
	assert.Equal(t, map[models.ConnectionID]bool{healthy: true, failing: false, idle: false}, results)

	failEvents := f.events.For(failing)
	require.Len(t, failEvents, 1)
	assert.Equal(t, events.Error, failEvents[0].Kind)
	assert.Equal(t, "health check failed", failEvents[0].Message)
	assert.Empty(t, f.events.For(idle), "connections without a pool raise nothing")
	assert.Empty(t, f.events.For(healthy))

	last, at := monitor.LastResults()
	assert.Equal(t, results, last)
	assert.False(t, at.IsZero())
}

func TestHealthMonitor_Schedule(t *testing.T) {
	f := newFixture(t)

	_, err := NewHealthMonitor(f.bindings, "every so often", zaptest.NewLogger(t))
	require.Error(t, err)

	disabled, err := NewHealthMonitor(f.bindings, "", zaptest.NewLogger(t))
	require.NoError(t, err)
	disabled.Start()
	assert.NoError(t, disabled.Stop(context.Background()))

	monitor, err := NewHealthMonitor(f.bindings, "@every 1s", zaptest.NewLogger(t))
	require.NoError(t, err)
	f.create(t, "local")
	monitor.Start()
	monitor.Start()

	require.Eventually(t, func() bool {
		_, at := monitor.LastResults()
		return !at.IsZero()
	}, 5*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, monitor.Stop(ctx))
	assert.NoError(t, monitor.Stop(ctx), "stop is idempotent")
}
