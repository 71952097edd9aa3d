package datasource

import (
	"fmt"
	"strings"

	"github.com/ekaya-inc/ekaya-navigator/pkg/models"
)

// BuildDSN renders cfg as a libpq key/value connection string:
//
//	host=<H> port=<P> user=<U> password=<W> dbname=<D> sslmode=<S> [connect_timeout=<T>]
func BuildDSN(cfg models.ConnectionConfig) string {
	pairs := []string{
		"host=" + quoteDSNValue(cfg.Host),
		fmt.Sprintf("port=%d", cfg.Port),
		"user=" + quoteDSNValue(cfg.Username),
		"password=" + quoteDSNValue(cfg.Password),
		"dbname=" + quoteDSNValue(cfg.Database),
		"sslmode=" + string(cfg.EffectiveSSLMode()),
	}
	if cfg.ConnectionTimeout > 0 {
		pairs = append(pairs, fmt.Sprintf("connect_timeout=%d", cfg.ConnectionTimeout))
	}
	return strings.Join(pairs, " ")
}

// quoteDSNValue single-quotes values that are empty or contain whitespace,
// quotes or backslashes, escaping quotes and backslashes.
func quoteDSNValue(v string) string {
	if v != "" && !strings.ContainsAny(v, " \t\n'\\") {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}
