// Package retry wraps pool construction and first contact with a database
// in exponential backoff.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Config defines retry behavior with exponential backoff
type Config struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64 // 0.0-1.0; +/- fraction of each delay
}

// DefaultConfig returns 3 retries with 100ms initial delay, capped at 5s,
// doubling each time, with 10% jitter.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// NoRetry runs the operation exactly once.
func NoRetry() *Config {
	return &Config{MaxRetries: 0}
}

func applyJitter(delay time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return delay
	}
	jitter := float64(delay) * jitterFactor * (rand.Float64()*2 - 1)
	return time.Duration(float64(delay) + jitter)
}

// run is the shared backoff loop. shouldRetry decides whether a failed
// attempt is worth another try.
func run[T any](ctx context.Context, cfg *Config, shouldRetry func(error) bool, fn func() (T, error)) (T, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var result T
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		r, err := fn()
		if err == nil {
			return r, nil
		}
		result, lastErr = r, err

		if !shouldRetry(err) || attempt == cfg.MaxRetries {
			break
		}

		select {
		case <-time.After(applyJitter(delay, cfg.JitterFactor)):
			delay = time.Duration(float64(delay) * cfg.Multiplier)
			if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		case <-ctx.Done():
			return result, ctx.Err()
		}
	}
	return result, lastErr
}

func always(error) bool { return true }

// Do executes fn with exponential backoff. Returns nil on success or the
// last error once retries are exhausted. Context cancellation interrupts the
// wait between attempts.
func Do(ctx context.Context, cfg *Config, fn func() error) error {
	_, err := run(ctx, cfg, always, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

// DoWithResult is Do for functions that return a value, like pool
// constructors.
func DoWithResult[T any](ctx context.Context, cfg *Config, fn func() (T, error)) (T, error) {
	return run(ctx, cfg, always, fn)
}

// DoIfRetryable only retries transient failures; permanent ones such as bad
// credentials or a malformed DSN return immediately.
func DoIfRetryable(ctx context.Context, cfg *Config, fn func() error) error {
	_, err := run(ctx, cfg, IsRetryable, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

// DoWithResultIfRetryable combines DoWithResult and DoIfRetryable.
func DoWithResultIfRetryable[T any](ctx context.Context, cfg *Config, fn func() (T, error)) (T, error) {
	return run(ctx, cfg, IsRetryable, fn)
}

// permanentSQLStates are server error classes that another attempt cannot fix.
var permanentSQLStates = []string{
	"28", // invalid authorization specification (bad password, no pg_hba entry)
	"3D", // invalid catalog name (database does not exist)
	"42", // syntax error or access rule violation
}

var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"timeout",
	"timed out",
	"temporary failure",
	"too many connections",
	"the database system is starting up",
	"network is unreachable",
}

// IsRetryable reports whether err looks transient. Server errors are
// classified by SQLSTATE; everything else by message.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		for _, class := range permanentSQLStates {
			if strings.HasPrefix(pgErr.Code, class) {
				return false
			}
		}
		// 53300 too_many_connections, 57P03 cannot_connect_now
		return pgErr.Code == "53300" || pgErr.Code == "57P03"
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
