package services

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/ekaya-navigator/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-navigator/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-navigator/pkg/logging"
	"github.com/ekaya-inc/ekaya-navigator/pkg/models"
)

// TestStage names the step a connection test stopped at.
type TestStage string

const (
	StageValidation   TestStage = "validation"
	StageConnectivity TestStage = "connectivity"
)

// TestResult is the outcome of testing one configuration. Stage is set on
// failure only.
type TestResult struct {
	OK      bool      `json:"ok"`
	Stage   TestStage `json:"stage,omitempty"`
	Message string    `json:"message"`
}

// ConnectionTester checks configurations against live servers without
// registering them.
type ConnectionTester struct {
	registry *ConnectionRegistry
	provider *datasource.PoolProvider
	catalogs datasource.CatalogFactory
	logger   *zap.Logger
}

func NewConnectionTester(registry *ConnectionRegistry, catalogs datasource.CatalogFactory, logger *zap.Logger) *ConnectionTester {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectionTester{
		registry: registry,
		provider: registry.provider,
		catalogs: catalogs,
		logger:   logger.Named("tester"),
	}
}

// Test validates cfg, then opens a throw-away pool, pings it and confirms
// the server is serving the configured database. The pool is always closed.
func (t *ConnectionTester) Test(ctx context.Context, cfg models.ConnectionConfig) TestResult {
	if err := cfg.Validate(); err != nil {
		return TestResult{Stage: StageValidation, Message: err.Error()}
	}

	pool, err := t.provider.CreatePool(ctx, cfg)
	if err != nil {
		return t.failed(cfg, err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return t.failed(cfg, err)
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return t.failed(cfg, err)
	}
	defer conn.Release()

	info, err := t.catalogs.NewCatalog(conn).ServerInfo(ctx)
	if err != nil {
		return t.failed(cfg, err)
	}
	if info.Database != cfg.Database {
		return t.failed(cfg, fmt.Errorf("connected to database %q, expected %q", info.Database, cfg.Database))
	}

	t.logger.Info("Connection test successful",
		zap.String("name", cfg.Name),
		zap.String("url", cfg.RedactedURL()))
	return TestResult{OK: true, Message: fmt.Sprintf("Connected to %s (%s)", info.Database, info.Version)}
}

func (t *ConnectionTester) failed(cfg models.ConnectionConfig, err error) TestResult {
	msg := logging.SanitizeError(err)
	t.logger.Warn("Connection test failed",
		zap.String("name", cfg.Name),
		zap.String("url", cfg.RedactedURL()),
		zap.String("error", msg))
	return TestResult{Stage: StageConnectivity, Message: msg}
}

// TestAll tests every registered connection concurrently.
func (t *ConnectionTester) TestAll(ctx context.Context) map[models.ConnectionID]TestResult {
	conns := t.registry.List()
	results := make(map[models.ConnectionID]TestResult, len(conns))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(healthCheckParallelism)
	for _, c := range conns {
		g.Go(func() error {
			res := t.Test(gctx, c.Config)
			mu.Lock()
			results[c.ID] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// DatabaseInfo reports server details for a registered connection using its
// shared pool.
func (t *ConnectionTester) DatabaseInfo(ctx context.Context, id models.ConnectionID) (*datasource.ServerInfo, error) {
	pool, err := t.registry.PoolFor(ctx, id)
	if err != nil {
		return nil, err
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, &apperrors.ConnectionFailedError{Connection: id.String(), Err: logging.Sanitized(err)}
	}
	defer conn.Release()

	info, err := t.catalogs.NewCatalog(conn).ServerInfo(ctx)
	if err != nil {
		return nil, &apperrors.CatalogQueryError{Kind: "server", Err: logging.Sanitized(err)}
	}
	return info, nil
}
