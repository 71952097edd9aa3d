package repositories

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ekaya-inc/ekaya-navigator/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-navigator/pkg/models"
)

func newTestStore(t *testing.T) (ConnectionConfigRepository, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", DefaultConnectionsFile)
	return NewConnectionConfigStore(path, zaptest.NewLogger(t)), path
}

func sampleConfig(i int) models.ConnectionConfig {
	connected := time.Date(2026, 2, 1, 10, i, 0, 0, time.UTC)
	return models.ConnectionConfig{
		Name:              fmt.Sprintf("conn-%d", i),
		Host:              "localhost",
		Port:              5432 + i,
		Database:          "postgres",
		Username:          "postgres",
		Password:          "x",
		SSLMode:           models.SSLModeRequire,
		ConnectionTimeout: 30,
		CreatedAt:         time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC),
		LastConnected:     &connected,
	}
}

func TestConnectionConfigStore_MissingFileIsEmpty(t *testing.T) {
	store, _ := newTestStore(t)

	all, err := store.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestConnectionConfigStore_RoundTrip(t *testing.T) {
	store, path := newTestStore(t)
	ctx := context.Background()

	want := make(map[models.ConnectionID]models.ConnectionConfig)
	for i := 0; i < 5; i++ {
		id := models.NewConnectionID()
		cfg := sampleConfig(i)
		want[id] = cfg
		require.NoError(t, store.Save(ctx, id, cfg))
	}

	got, err := NewConnectionConfigStore(path, nil).LoadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestConnectionConfigStore_LoadAndDelete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	id := models.NewConnectionID()
	require.NoError(t, store.Save(ctx, id, sampleConfig(1)))

	cfg, err := store.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "conn-1", cfg.Name)

	require.NoError(t, store.Delete(ctx, id))
	require.NoError(t, store.Delete(ctx, id), "deleting twice is fine")

	_, err = store.Load(ctx, id)
	assert.ErrorIs(t, err, apperrors.ErrConnectionNotFound)
}

func TestConnectionConfigStore_SkipsInvalidKeys(t *testing.T) {
	store, path := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))

	id := models.NewConnectionID()
	content := fmt.Sprintf(`{
		"not-a-uuid": {"name": "broken", "host": "h", "port": 1},
		%q: {"name": "ok", "host": "h", "port": 5432, "database": "d", "username": "u",
		     "password": "p", "ssl_mode": "VerifyCa", "connection_timeout": 5,
		     "created_at": "2026-01-01T00:00:00Z", "last_connected": null, "is_active": true}
	}`, id.String())
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	all, err := store.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "ok", all[id].Name)
	assert.Equal(t, models.SSLModeVerifyCA, all[id].SSLMode)
}

func TestConnectionConfigStore_CorruptFile(t *testing.T) {
	store, path := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := store.LoadAll(context.Background())
	var perr *apperrors.ConfigPersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "load", perr.Op)
	assert.Equal(t, path, perr.Path)

	err = store.Save(context.Background(), models.NewConnectionID(), sampleConfig(0))
	assert.ErrorAs(t, err, &perr, "save must not overwrite a file it cannot parse")
}

func TestConnectionConfigStore_ConcurrentSaves(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, store.Save(ctx, models.NewConnectionID(), sampleConfig(i)))
		}(i)
	}
	wg.Wait()

	all, err := store.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 20)
}

func TestConnectionConfigStore_CancelledContext(t *testing.T) {
	store, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, store.Save(ctx, models.NewConnectionID(), sampleConfig(0)), context.Canceled)
}

func TestDefaultConnectionsPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	path, err := DefaultConnectionsPath("ekaya-navigator")
	require.NoError(t, err)
	assert.Equal(t, DefaultConnectionsFile, filepath.Base(path))
	assert.Equal(t, "ekaya-navigator", filepath.Base(filepath.Dir(path)))
}
