package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() *Config {
	return &Config{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.InitialDelay)
	assert.Equal(t, 5*time.Second, cfg.MaxDelay)
	assert.Equal(t, 2.0, cfg.Multiplier)
	assert.Equal(t, 0, NoRetry().MaxRetries)
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		if calls < 3 {
			return errors.New("temporary failure")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_MaxRetriesExhausted(t *testing.T) {
	calls := 0
	sentinel := errors.New("still broken")
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 4, calls, "initial attempt plus 3 retries")
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := &Config{MaxRetries: 5, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1}

	calls := 0
	err := Do(ctx, cfg, func() error {
		calls++
		cancel()
		return errors.New("connection refused")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	got, err := DoWithResult(context.Background(), fastConfig(), func() (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("i/o timeout")
		}
		return "pool", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "pool", got)
	assert.Equal(t, 2, calls)
}

func TestDoIfRetryable_StopsOnPermanentError(t *testing.T) {
	calls := 0
	authErr := &pgconn.PgError{Code: "28P01", Message: "password authentication failed"}
	err := DoIfRetryable(context.Background(), fastConfig(), func() error {
		calls++
		return fmt.Errorf("connect: %w", authErr)
	})
	assert.ErrorIs(t, err, authErr)
	assert.Equal(t, 1, calls)
}

func TestDoWithResultIfRetryable_RetriesTransient(t *testing.T) {
	calls := 0
	_, err := DoWithResultIfRetryable(context.Background(), fastConfig(), func() (int, error) {
		calls++
		return 0, errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls)
}

func TestNoRetry(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), NoRetry(), func() error {
		calls++
		return errors.New("connection refused")
	})
	assert.Equal(t, 1, calls)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"refused", errors.New("dial tcp: connection refused"), true},
		{"timeout", errors.New("i/o timeout"), true},
		{"starting up", errors.New("FATAL: the database system is starting up"), true},
		{"canceled", context.Canceled, false},
		{"bad password", &pgconn.PgError{Code: "28P01"}, false},
		{"unknown database", &pgconn.PgError{Code: "3D000"}, false},
		{"too many connections", &pgconn.PgError{Code: "53300"}, true},
		{"cannot connect now", &pgconn.PgError{Code: "57P03"}, true},
		{"syntax", errors.New("cannot parse `host=x port=abc`"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
