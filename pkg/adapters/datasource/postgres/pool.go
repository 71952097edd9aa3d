package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ekaya-inc/ekaya-navigator/pkg/adapters/datasource"
)

// Pool adapts *pgxpool.Pool to datasource.Pool.
type Pool struct {
	pool *pgxpool.Pool
}

// NewPool wraps an existing pgx pool.
func NewPool(pool *pgxpool.Pool) *Pool {
	return &Pool{pool: pool}
}

func (p *Pool) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Pool) Acquire(ctx context.Context) (datasource.Conn, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return &Conn{conn: conn}, nil
}

func (p *Pool) Stats() datasource.PoolStats {
	stat := p.pool.Stat()
	return datasource.PoolStats{
		TotalConns:    stat.TotalConns(),
		IdleConns:     stat.IdleConns(),
		AcquiredConns: stat.AcquiredConns(),
		MaxConns:      stat.MaxConns(),
	}
}

// Close is safe to call more than once.
func (p *Pool) Close() {
	p.pool.Close()
}

// Conn adapts *pgxpool.Conn to datasource.Conn.
type Conn struct {
	conn *pgxpool.Conn
}

// Query runs sql and collects every row. Column types are reported by the
// connection's type map, falling back to a static OID table.
func (c *Conn) Query(ctx context.Context, sql string, args ...any) (*datasource.QueryResult, error) {
	rows, err := c.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()

	typeMap := c.conn.Conn().TypeMap()
	fieldDescs := rows.FieldDescriptions()
	columns := make([]datasource.ColumnInfo, len(fieldDescs))
	for i, fd := range fieldDescs {
		typeName := pgTypeNameFromOID(fd.DataTypeOID)
		if t, ok := typeMap.TypeForOID(fd.DataTypeOID); ok && typeName == unknownTypeName {
			typeName = strings.ToUpper(t.Name)
		}
		columns[i] = datasource.ColumnInfo{Name: fd.Name, Type: typeName}
	}

	resultRows := make([]map[string]any, 0)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read row values: %w", err)
		}

		rowMap := make(map[string]any, len(columns))
		for i, col := range columns {
			rowMap[col.Name] = values[i]
		}
		resultRows = append(resultRows, rowMap)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return &datasource.QueryResult{
		Columns:  columns,
		Rows:     resultRows,
		RowCount: len(resultRows),
	}, nil
}

// Release returns the connection to its pool.
func (c *Conn) Release() {
	c.conn.Release()
}

var (
	_ datasource.Pool = (*Pool)(nil)
	_ datasource.Conn = (*Conn)(nil)
)
