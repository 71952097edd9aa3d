// Package postgres implements the datasource driver capability on pgx.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-navigator/pkg/adapters/datasource"
)

// DriverName identifies this driver in logs and config.
const DriverName = "postgres"

// Driver builds pgxpool-backed pools and catalogs.
type Driver struct {
	logger *zap.Logger
}

// NewDriver returns a PostgreSQL driver. If logger is nil, a no-op logger is used.
func NewDriver(logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{logger: logger.Named("postgres")}
}

func (d *Driver) Name() string { return DriverName }

// NewPool parses dsn and applies cfg. pgxpool connects lazily, so an
// unreachable server is only reported by Ping or Acquire.
func (d *Driver) NewPool(ctx context.Context, dsn string, cfg datasource.PoolConfig) (datasource.Pool, error) {
	poolCfg, err := poolConfigFromDSN(dsn, cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	d.logger.Debug("Created pgx pool",
		zap.String("host", poolCfg.ConnConfig.Host),
		zap.Uint16("port", poolCfg.ConnConfig.Port),
		zap.String("database", poolCfg.ConnConfig.Database),
		zap.Int32("max_conns", poolCfg.MaxConns))
	return &Pool{pool: pool}, nil
}

func poolConfigFromDSN(dsn string, cfg datasource.PoolConfig) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	cfg = cfg.Normalized()
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MaxConnIdleTime = cfg.IdleTimeout
	poolCfg.MaxConnLifetime = cfg.MaxLifetime
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	return poolCfg, nil
}

// NewCatalog binds catalog queries to conn.
func (d *Driver) NewCatalog(conn datasource.Conn) datasource.Catalog {
	return NewCatalog(conn)
}

var _ datasource.Driver = (*Driver)(nil)
