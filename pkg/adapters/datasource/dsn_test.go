package datasource_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ekaya-inc/ekaya-navigator/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-navigator/pkg/models"
)

func TestBuildDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  models.ConnectionConfig
		want string
	}{
		{
			name: "plain values",
			cfg:  models.ConnectionConfig{Host: "db.local", Port: 5433, Username: "app", Password: "pw", Database: "orders", SSLMode: models.SSLModeRequire, ConnectionTimeout: 5},
			want: "host=db.local port=5433 user=app password=pw dbname=orders sslmode=require connect_timeout=5",
		},
		{
			name: "default ssl mode and no timeout",
			cfg:  models.ConnectionConfig{Host: "h", Port: 5432, Username: "u", Password: "p", Database: "d"},
			want: "host=h port=5432 user=u password=p dbname=d sslmode=prefer",
		},
		{
			name: "quoting",
			cfg:  models.ConnectionConfig{Host: "h", Port: 5432, Username: "u", Password: `it's a \secret`, Database: "my db"},
			want: `host=h port=5432 user=u password='it\'s a \\secret' dbname='my db' sslmode=prefer`,
		},
		{
			name: "empty password",
			cfg:  models.ConnectionConfig{Host: "h", Port: 5432, Username: "u", Database: "d", SSLMode: models.SSLModeVerifyFull},
			want: "host=h port=5432 user=u password='' dbname=d sslmode=verify-full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, datasource.BuildDSN(tt.cfg))
		})
	}
}

func TestPoolConfig_Normalized(t *testing.T) {
	got := datasource.PoolConfig{MinConns: 50, MaxConns: 10}.Normalized()
	assert.Equal(t, int32(10), got.MinConns)
	assert.Equal(t, int32(10), got.MaxConns)
	assert.Equal(t, datasource.DefaultPoolIdleTimeout, got.IdleTimeout)
	assert.Equal(t, datasource.DefaultPoolMaxLifetime, got.MaxLifetime)
	assert.Equal(t, datasource.DefaultPoolConnectTimeout, got.ConnectTimeout)

	assert.Equal(t, datasource.DefaultPoolConfig(), datasource.PoolConfig{MinConns: 5}.Normalized())

	built := datasource.DefaultPoolConfig().WithIdleTimeout(time.Minute).WithMaxLifetime(time.Hour).WithConnectTimeout(3 * time.Second)
	assert.Equal(t, time.Minute, built.IdleTimeout)
	assert.Equal(t, time.Hour, built.MaxLifetime)
	assert.Equal(t, 3*time.Second, built.ConnectTimeout)
}
