package datasource

import "time"

const (
	DefaultPoolMinConns       = 5
	DefaultPoolMaxConns       = 20
	DefaultPoolIdleTimeout    = 600 * time.Second
	DefaultPoolMaxLifetime    = 1800 * time.Second
	DefaultPoolConnectTimeout = 30 * time.Second
)

// PoolConfig sizes and times out one physical pool.
type PoolConfig struct {
	MinConns       int32
	MaxConns       int32
	IdleTimeout    time.Duration
	MaxLifetime    time.Duration
	ConnectTimeout time.Duration
}

// DefaultPoolConfig returns min 5, max 20, idle 600s, lifetime 1800s,
// connect 30s.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinConns:       DefaultPoolMinConns,
		MaxConns:       DefaultPoolMaxConns,
		IdleTimeout:    DefaultPoolIdleTimeout,
		MaxLifetime:    DefaultPoolMaxLifetime,
		ConnectTimeout: DefaultPoolConnectTimeout,
	}
}

func (c PoolConfig) WithMinConns(n int32) PoolConfig            { c.MinConns = n; return c }
func (c PoolConfig) WithMaxConns(n int32) PoolConfig            { c.MaxConns = n; return c }
func (c PoolConfig) WithIdleTimeout(d time.Duration) PoolConfig { c.IdleTimeout = d; return c }
func (c PoolConfig) WithMaxLifetime(d time.Duration) PoolConfig { c.MaxLifetime = d; return c }

func (c PoolConfig) WithConnectTimeout(d time.Duration) PoolConfig {
	c.ConnectTimeout = d
	return c
}

// Normalized fills zero fields with defaults and keeps MinConns <= MaxConns.
func (c PoolConfig) Normalized() PoolConfig {
	def := DefaultPoolConfig()
	if c.MaxConns <= 0 {
		c.MaxConns = def.MaxConns
	}
	if c.MinConns < 0 {
		c.MinConns = 0
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = def.MaxLifetime
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	return c
}
