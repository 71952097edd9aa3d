package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-navigator/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-navigator/pkg/models"
)

// DefaultConnectionsFile is the file name inside the per-user config directory.
const DefaultConnectionsFile = "connections.json"

// ConnectionConfigRepository persists connection configs keyed by identity.
type ConnectionConfigRepository interface {
	// LoadAll returns every stored config. A missing store is an empty map.
	LoadAll(ctx context.Context) (map[models.ConnectionID]models.ConnectionConfig, error)

	// Load returns one config, or apperrors.ErrConnectionNotFound.
	Load(ctx context.Context, id models.ConnectionID) (*models.ConnectionConfig, error)

	// Save inserts or replaces the config for id.
	Save(ctx context.Context, id models.ConnectionID, cfg models.ConnectionConfig) error

	// Delete removes id. Deleting an absent id is not an error.
	Delete(ctx context.Context, id models.ConnectionID) error

	// Path returns where the store lives, for display and file watching.
	Path() string
}

// connectionConfigStore keeps all configs in one JSON object mapping
// identity strings to config objects. Every write rewrites the whole file.
type connectionConfigStore struct {
	path   string
	mu     sync.Mutex
	logger *zap.Logger
}

// NewConnectionConfigStore returns a JSON file store at path.
func NewConnectionConfigStore(path string, logger *zap.Logger) ConnectionConfigRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &connectionConfigStore{
		path:   path,
		logger: logger.Named("config-store"),
	}
}

// DefaultConnectionsPath returns <user config dir>/<app>/connections.json.
func DefaultConnectionsPath(app string) (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(dir, app, DefaultConnectionsFile), nil
}

func (s *connectionConfigStore) Path() string { return s.path }

func (s *connectionConfigStore) LoadAll(ctx context.Context) (map[models.ConnectionID]models.ConnectionConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.read()
}

func (s *connectionConfigStore) Load(ctx context.Context, id models.ConnectionID) (*models.ConnectionConfig, error) {
	all, err := s.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	cfg, ok := all[id]
	if !ok {
		return nil, apperrors.ErrConnectionNotFound
	}
	return &cfg, nil
}

func (s *connectionConfigStore) Save(ctx context.Context, id models.ConnectionID, cfg models.ConnectionConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.read()
	if err != nil {
		return err
	}
	all[id] = cfg
	return s.write("save", all)
}

func (s *connectionConfigStore) Delete(ctx context.Context, id models.ConnectionID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := all[id]; !ok {
		return nil
	}
	delete(all, id)
	return s.write("delete", all)
}

// read must be called with s.mu held.
func (s *connectionConfigStore) read() (map[models.ConnectionID]models.ConnectionConfig, error) {
	out := make(map[models.ConnectionID]models.ConnectionConfig)

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, apperrors.NewConfigPersistenceError("load", s.path, err)
	}
	if len(data) == 0 {
		return out, nil
	}

	// Decode keys as strings so one bad key does not fail the whole file.
	var raw map[string]models.ConnectionConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, apperrors.NewConfigPersistenceError("load", s.path, err)
	}
	for key, cfg := range raw {
		id, err := models.ParseConnectionID(key)
		if err != nil {
			s.logger.Warn("Skipping connection with invalid id",
				zap.String("id", key),
				zap.String("path", s.path))
			continue
		}
		out[id] = cfg
	}
	return out, nil
}

// write must be called with s.mu held. The file is written to a temp file in
// the same directory and renamed over the target.
func (s *connectionConfigStore) write(op string, all map[models.ConnectionID]models.ConnectionConfig) error {
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return apperrors.NewConfigPersistenceError(op, s.path, err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return apperrors.NewConfigPersistenceError(op, s.path, err)
	}

	tmp, err := os.CreateTemp(dir, ".connections-*.json")
	if err != nil {
		return apperrors.NewConfigPersistenceError(op, s.path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // gone after a successful rename

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return apperrors.NewConfigPersistenceError(op, s.path, err)
	}
	if err := tmp.Close(); err != nil {
		return apperrors.NewConfigPersistenceError(op, s.path, err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return apperrors.NewConfigPersistenceError(op, s.path, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return apperrors.NewConfigPersistenceError(op, s.path, err)
	}

	s.logger.Debug("Wrote connection configs",
		zap.String("op", op),
		zap.Int("count", len(all)))
	return nil
}
