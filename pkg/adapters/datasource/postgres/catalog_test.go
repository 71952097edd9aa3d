package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-navigator/pkg/adapters/datasource"
)

// scriptedConn answers queries whose text contains a registered marker.
type scriptedConn struct {
	responses map[string][]map[string]any
	err       error
	calls     []scriptedCall
	released  bool
}

type scriptedCall struct {
	sql  string
	args []any
}

func newScriptedConn() *scriptedConn {
	return &scriptedConn{responses: map[string][]map[string]any{}}
}

func (c *scriptedConn) on(marker string, rows ...map[string]any) {
	c.responses[marker] = rows
}

func (c *scriptedConn) Query(ctx context.Context, sql string, args ...any) (*datasource.QueryResult, error) {
	c.calls = append(c.calls, scriptedCall{sql: sql, args: args})
	if c.err != nil {
		return nil, c.err
	}
	for marker, rows := range c.responses {
		if strings.Contains(sql, marker) {
			return &datasource.QueryResult{Rows: rows, RowCount: len(rows)}, nil
		}
	}
	return &datasource.QueryResult{Rows: []map[string]any{}}, nil
}

func (c *scriptedConn) Release() { c.released = true }

func TestCatalog_ListSchemas(t *testing.T) {
	conn := newScriptedConn()
	conn.on("FROM pg_namespace n\n",
		map[string]any{"name": "app", "owner": "postgres", "comment": ""},
		map[string]any{"name": "public", "owner": "pg_database_owner", "comment": "standard public schema"},
	)

	schemas, err := NewCatalog(conn).ListSchemas(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []datasource.SchemaMetadata{
		{Name: "app", Owner: "postgres"},
		{Name: "public", Owner: "pg_database_owner", Comment: "standard public schema"},
	}, schemas)
	require.Len(t, conn.calls, 1)
	assert.Empty(t, conn.calls[0].args)
}

func TestCatalog_ListTables_PassesSchemaFilter(t *testing.T) {
	conn := newScriptedConn()
	conn.on("c.relhasindex",
		map[string]any{
			"schema": "public", "name": "orders", "owner": "app",
			"has_indexes": true, "has_rules": false, "has_triggers": true,
			"row_estimate": int64(1200), "comment": "customer orders",
		},
	)

	tables, err := NewCatalog(conn).ListTables(context.Background(), "public")
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, datasource.TableMetadata{
		SchemaName: "public", TableName: "orders", Owner: "app",
		HasIndexes: true, HasTriggers: true, RowEstimate: 1200, Comment: "customer orders",
	}, tables[0])
	assert.Equal(t, []any{"public"}, conn.calls[0].args)
}

func TestCatalog_FunctionsAndProceduresUseDifferentKinds(t *testing.T) {
	conn := newScriptedConn()
	conn.on("FROM pg_proc p",
		map[string]any{
			"schema": "public", "name": "calc_total", "arguments": "order_id integer",
			"return_type": "numeric", "language": "plpgsql", "owner": "app", "comment": nil,
		},
	)
	catalog := NewCatalog(conn)

	funcs, err := catalog.ListFunctions(context.Background(), "public")
	require.NoError(t, err)
	require.Len(t, funcs, 1)
	assert.Equal(t, "calc_total", funcs[0].Name)
	assert.Equal(t, "numeric", funcs[0].ReturnType)
	assert.Equal(t, "", funcs[0].Comment)

	_, err = catalog.ListProcedures(context.Background(), "")
	require.NoError(t, err)

	require.Len(t, conn.calls, 2)
	assert.Equal(t, []any{"public", []string{"f", "a", "w"}}, conn.calls[0].args)
	assert.Equal(t, []any{"", []string{"p"}}, conn.calls[1].args)
}

func TestCatalog_ListColumns(t *testing.T) {
	conn := newScriptedConn()
	conn.on("FROM pg_attribute a",
		map[string]any{
			"name": "id", "data_type": "integer", "is_nullable": false, "is_primary_key": true,
			"ordinal_position": int32(1), "default_value": "nextval('orders_id_seq'::regclass)", "comment": "",
		},
		map[string]any{
			"name": "note", "data_type": "text", "is_nullable": true, "is_primary_key": false,
			"ordinal_position": int32(2), "default_value": nil, "comment": "free text",
		},
	)

	cols, err := NewCatalog(conn).ListColumns(context.Background(), "public", "orders")
	require.NoError(t, err)
	require.Len(t, cols, 2)

	assert.True(t, cols[0].IsPrimaryKey)
	assert.Equal(t, 1, cols[0].OrdinalPosition)
	require.NotNil(t, cols[0].DefaultValue)
	assert.Equal(t, "nextval('orders_id_seq'::regclass)", *cols[0].DefaultValue)

	assert.True(t, cols[1].IsNullable)
	assert.Nil(t, cols[1].DefaultValue)
	assert.Equal(t, "free text", cols[1].Comment)
	assert.Equal(t, []any{"public", "orders"}, conn.calls[0].args)
}

func TestCatalog_ServerInfo(t *testing.T) {
	conn := newScriptedConn()
	conn.on("pg_database_size", map[string]any{
		"version": "PostgreSQL 16.2", "database": "app", "username": "postgres",
		"size_bytes": int64(8_000_000), "table_count": int64(12), "schema_count": int64(3),
	})

	info, err := NewCatalog(conn).ServerInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &datasource.ServerInfo{
		Version: "PostgreSQL 16.2", Database: "app", CurrentUser: "postgres",
		SizeBytes: 8_000_000, TableCount: 12, SchemaCount: 3,
	}, info)
}

func TestCatalog_ServerInfo_NoRows(t *testing.T) {
	_, err := NewCatalog(newScriptedConn()).ServerInfo(context.Background())
	assert.Error(t, err)
}

func TestCatalog_QueryErrorIsWrapped(t *testing.T) {
	cause := errors.New("permission denied for schema secret")
	conn := newScriptedConn()
	conn.err = cause

	_, err := NewCatalog(conn).ListTriggers(context.Background(), "secret")
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "query triggers")
}

func TestRow_Conversions(t *testing.T) {
	r := row{
		"s": "x", "b": []byte("bytes"), "n": nil, "t": true, "ts": "true",
		"i16": int16(3), "i32": int32(4), "f32": float32(5.9), "num": "42",
		"stamp": time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	assert.Equal(t, "x", r.str("s"))
	assert.Equal(t, "bytes", r.str("b"))
	assert.Equal(t, "", r.str("n"))
	assert.Equal(t, "", r.str("missing"))
	assert.Contains(t, r.str("stamp"), "2026-01-01")
	assert.Nil(t, r.optStr("n"))
	assert.Equal(t, "x", *r.optStr("s"))

	assert.True(t, r.boolean("t"))
	assert.True(t, r.boolean("ts"))
	assert.False(t, r.boolean("missing"))

	assert.Equal(t, int64(3), r.int64("i16"))
	assert.Equal(t, int64(4), r.int64("i32"))
	assert.Equal(t, int64(5), r.int64("f32"))
	assert.Equal(t, int64(42), r.int64("num"))
	assert.Equal(t, int64(0), r.int64("missing"))
}

func TestPgTypeNameFromOID(t *testing.T) {
	assert.Equal(t, "INT4", pgTypeNameFromOID(23))
	assert.Equal(t, "UUID[]", pgTypeNameFromOID(2951))
	assert.Equal(t, unknownTypeName, pgTypeNameFromOID(999999))
}
