package postgres

import (
	"context"
	"fmt"

	"github.com/ekaya-inc/ekaya-navigator/pkg/adapters/datasource"
)

// userSchemaFilter restricts n.nspname to user schemas when $1 is empty,
// and to exactly $1 otherwise.
const userSchemaFilter = `(
	($1::text = '' AND n.nspname NOT IN ('pg_catalog', 'information_schema')
		AND n.nspname NOT LIKE 'pg\_toast%' AND n.nspname NOT LIKE 'pg\_temp\_%')
	OR n.nspname = $1::text
)`

const (
	schemasQuery = `
		SELECT
			n.nspname AS name,
			pg_get_userbyid(n.nspowner) AS owner,
			COALESCE(obj_description(n.oid, 'pg_namespace'), '') AS comment
		FROM pg_namespace n
		WHERE n.nspname NOT IN ('pg_catalog', 'information_schema')
		  AND n.nspname NOT LIKE 'pg\_toast%'
		  AND n.nspname NOT LIKE 'pg\_temp\_%'
		ORDER BY n.nspname`

	extensionsQuery = `
		SELECT
			e.extname AS name,
			e.extversion AS version,
			n.nspname AS schema,
			COALESCE(obj_description(e.oid, 'pg_extension'), '') AS comment
		FROM pg_extension e
		JOIN pg_namespace n ON n.oid = e.extnamespace
		ORDER BY e.extname`

	tablesQuery = `
		SELECT
			n.nspname AS schema,
			c.relname AS name,
			pg_get_userbyid(c.relowner) AS owner,
			c.relhasindex AS has_indexes,
			c.relhasrules AS has_rules,
			c.relhastriggers AS has_triggers,
			GREATEST(c.reltuples, 0)::bigint AS row_estimate,
			COALESCE(obj_description(c.oid, 'pg_class'), '') AS comment
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relkind IN ('r', 'p')
		  AND ` + userSchemaFilter + `
		ORDER BY n.nspname, c.relname`

	viewsQuery = `
		SELECT
			n.nspname AS schema,
			c.relname AS name,
			pg_get_userbyid(c.relowner) AS owner,
			c.relkind = 'm' AS materialized,
			COALESCE(obj_description(c.oid, 'pg_class'), '') AS comment
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relkind IN ('v', 'm')
		  AND ` + userSchemaFilter + `
		ORDER BY n.nspname, c.relname`

	columnsQuery = `
		SELECT
			a.attname AS name,
			format_type(a.atttypid, a.atttypmod) AS data_type,
			NOT a.attnotnull AS is_nullable,
			COALESCE(pk.is_pk, false) AS is_primary_key,
			a.attnum::int AS ordinal_position,
			pg_get_expr(d.adbin, d.adrelid) AS default_value,
			COALESCE(col_description(c.oid, a.attnum), '') AS comment
		FROM pg_attribute a
		JOIN pg_class c ON c.oid = a.attrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		LEFT JOIN pg_attrdef d ON d.adrelid = a.attrelid AND d.adnum = a.attnum
		LEFT JOIN (
			SELECT ix.indrelid, k.attnum, true AS is_pk
			FROM pg_index ix
			CROSS JOIN LATERAL unnest(ix.indkey) AS k(attnum)
			WHERE ix.indisprimary
		) pk ON pk.indrelid = c.oid AND pk.attnum = a.attnum
		WHERE n.nspname = $1 AND c.relname = $2
		  AND a.attnum > 0 AND NOT a.attisdropped
		ORDER BY a.attnum`

	indexesQuery = `
		SELECT
			n.nspname AS schema,
			i.relname AS name,
			t.relname AS table_name,
			ix.indisunique AS is_unique,
			ix.indisprimary AS is_primary,
			pg_get_indexdef(ix.indexrelid) AS definition
		FROM pg_index ix
		JOIN pg_class i ON i.oid = ix.indexrelid
		JOIN pg_class t ON t.oid = ix.indrelid
		JOIN pg_namespace n ON n.oid = t.relnamespace
		WHERE ` + userSchemaFilter + `
		ORDER BY n.nspname, t.relname, i.relname`

	routinesQuery = `
		SELECT
			n.nspname AS schema,
			p.proname AS name,
			pg_get_function_identity_arguments(p.oid) AS arguments,
			COALESCE(pg_get_function_result(p.oid), '') AS return_type,
			l.lanname AS language,
			pg_get_userbyid(p.proowner) AS owner,
			COALESCE(obj_description(p.oid, 'pg_proc'), '') AS comment
		FROM pg_proc p
		JOIN pg_namespace n ON n.oid = p.pronamespace
		JOIN pg_language l ON l.oid = p.prolang
		WHERE p.prokind::text = ANY($2::text[])
		  AND ` + userSchemaFilter + `
		ORDER BY n.nspname, p.proname, arguments`

	sequencesQuery = `
		SELECT
			n.nspname AS schema,
			c.relname AS name,
			format_type(s.seqtypid, NULL) AS data_type,
			pg_get_userbyid(c.relowner) AS owner
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		JOIN pg_sequence s ON s.seqrelid = c.oid
		WHERE c.relkind = 'S'
		  AND ` + userSchemaFilter + `
		ORDER BY n.nspname, c.relname`

	triggersQuery = `
		SELECT
			n.nspname AS schema,
			tg.tgname AS name,
			c.relname AS table_name,
			CASE
				WHEN tg.tgtype::int & 2 = 2 THEN 'BEFORE'
				WHEN tg.tgtype::int & 64 = 64 THEN 'INSTEAD OF'
				ELSE 'AFTER'
			END AS timing,
			concat_ws(' OR ',
				CASE WHEN tg.tgtype::int & 4 = 4 THEN 'INSERT' END,
				CASE WHEN tg.tgtype::int & 16 = 16 THEN 'UPDATE' END,
				CASE WHEN tg.tgtype::int & 8 = 8 THEN 'DELETE' END,
				CASE WHEN tg.tgtype::int & 32 = 32 THEN 'TRUNCATE' END
			) AS events,
			tg.tgenabled <> 'D' AS enabled
		FROM pg_trigger tg
		JOIN pg_class c ON c.oid = tg.tgrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE NOT tg.tgisinternal
		  AND ` + userSchemaFilter + `
		ORDER BY n.nspname, c.relname, tg.tgname`

	typesQuery = `
		SELECT
			n.nspname AS schema,
			t.typname AS name,
			CASE t.typtype
				WHEN 'c' THEN 'composite'
				WHEN 'e' THEN 'enum'
				WHEN 'd' THEN 'domain'
				WHEN 'r' THEN 'range'
				ELSE 'base'
			END AS category,
			pg_get_userbyid(t.typowner) AS owner,
			COALESCE(obj_description(t.oid, 'pg_type'), '') AS comment
		FROM pg_type t
		JOIN pg_namespace n ON n.oid = t.typnamespace
		LEFT JOIN pg_class c ON c.oid = t.typrelid
		WHERE t.typtype IN ('c', 'e', 'd', 'r')
		  AND (t.typtype <> 'c' OR c.relkind = 'c')
		  AND ` + userSchemaFilter + `
		ORDER BY n.nspname, t.typname`

	serverInfoQuery = `
		SELECT
			version() AS version,
			current_database() AS database,
			current_user AS username,
			pg_database_size(current_database()) AS size_bytes,
			(SELECT count(*) FROM pg_class c
				JOIN pg_namespace n ON n.oid = c.relnamespace
				WHERE c.relkind IN ('r', 'p')
				  AND n.nspname NOT IN ('pg_catalog', 'information_schema')
				  AND n.nspname NOT LIKE 'pg\_toast%') AS table_count,
			(SELECT count(*) FROM pg_namespace n
				WHERE n.nspname NOT IN ('pg_catalog', 'information_schema')
				  AND n.nspname NOT LIKE 'pg\_toast%'
				  AND n.nspname NOT LIKE 'pg\_temp\_%') AS schema_count`
)

// prokind values: f function, a aggregate, w window, p procedure.
var (
	functionKinds  = []string{"f", "a", "w"}
	procedureKinds = []string{"p"}
)

// Catalog answers metadata queries over one checked-out connection.
type Catalog struct {
	conn datasource.Conn
}

// NewCatalog binds catalog queries to conn. The caller keeps ownership of
// conn and releases it.
func NewCatalog(conn datasource.Conn) *Catalog {
	return &Catalog{conn: conn}
}

func (c *Catalog) query(ctx context.Context, what, sql string, args ...any) ([]row, error) {
	result, err := c.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", what, err)
	}
	rows := make([]row, len(result.Rows))
	for i, r := range result.Rows {
		rows[i] = row(r)
	}
	return rows, nil
}

func (c *Catalog) ListSchemas(ctx context.Context) ([]datasource.SchemaMetadata, error) {
	rows, err := c.query(ctx, "schemas", schemasQuery)
	if err != nil {
		return nil, err
	}
	out := make([]datasource.SchemaMetadata, 0, len(rows))
	for _, r := range rows {
		out = append(out, datasource.SchemaMetadata{
			Name:    r.str("name"),
			Owner:   r.str("owner"),
			Comment: r.str("comment"),
		})
	}
	return out, nil
}

func (c *Catalog) ListExtensions(ctx context.Context) ([]datasource.ExtensionMetadata, error) {
	rows, err := c.query(ctx, "extensions", extensionsQuery)
	if err != nil {
		return nil, err
	}
	out := make([]datasource.ExtensionMetadata, 0, len(rows))
	for _, r := range rows {
		out = append(out, datasource.ExtensionMetadata{
			Name:    r.str("name"),
			Version: r.str("version"),
			Schema:  r.str("schema"),
			Comment: r.str("comment"),
		})
	}
	return out, nil
}

func (c *Catalog) ListTables(ctx context.Context, schema string) ([]datasource.TableMetadata, error) {
	rows, err := c.query(ctx, "tables", tablesQuery, schema)
	if err != nil {
		return nil, err
	}
	out := make([]datasource.TableMetadata, 0, len(rows))
	for _, r := range rows {
		out = append(out, datasource.TableMetadata{
			SchemaName:  r.str("schema"),
			TableName:   r.str("name"),
			Owner:       r.str("owner"),
			HasIndexes:  r.boolean("has_indexes"),
			HasRules:    r.boolean("has_rules"),
			HasTriggers: r.boolean("has_triggers"),
			RowEstimate: r.int64("row_estimate"),
			Comment:     r.str("comment"),
		})
	}
	return out, nil
}

func (c *Catalog) ListViews(ctx context.Context, schema string) ([]datasource.ViewMetadata, error) {
	rows, err := c.query(ctx, "views", viewsQuery, schema)
	if err != nil {
		return nil, err
	}
	out := make([]datasource.ViewMetadata, 0, len(rows))
	for _, r := range rows {
		out = append(out, datasource.ViewMetadata{
			SchemaName:   r.str("schema"),
			ViewName:     r.str("name"),
			Owner:        r.str("owner"),
			Materialized: r.boolean("materialized"),
			Comment:      r.str("comment"),
		})
	}
	return out, nil
}

func (c *Catalog) ListColumns(ctx context.Context, schema, table string) ([]datasource.ColumnMetadata, error) {
	rows, err := c.query(ctx, "columns", columnsQuery, schema, table)
	if err != nil {
		return nil, err
	}
	out := make([]datasource.ColumnMetadata, 0, len(rows))
	for _, r := range rows {
		out = append(out, datasource.ColumnMetadata{
			ColumnName:      r.str("name"),
			DataType:        r.str("data_type"),
			IsNullable:      r.boolean("is_nullable"),
			IsPrimaryKey:    r.boolean("is_primary_key"),
			OrdinalPosition: int(r.int64("ordinal_position")),
			DefaultValue:    r.optStr("default_value"),
			Comment:         r.str("comment"),
		})
	}
	return out, nil
}

func (c *Catalog) ListIndexes(ctx context.Context, schema string) ([]datasource.IndexMetadata, error) {
	rows, err := c.query(ctx, "indexes", indexesQuery, schema)
	if err != nil {
		return nil, err
	}
	out := make([]datasource.IndexMetadata, 0, len(rows))
	for _, r := range rows {
		out = append(out, datasource.IndexMetadata{
			SchemaName: r.str("schema"),
			IndexName:  r.str("name"),
			TableName:  r.str("table_name"),
			IsUnique:   r.boolean("is_unique"),
			IsPrimary:  r.boolean("is_primary"),
			Definition: r.str("definition"),
		})
	}
	return out, nil
}

func (c *Catalog) ListFunctions(ctx context.Context, schema string) ([]datasource.FunctionMetadata, error) {
	return c.listRoutines(ctx, "functions", schema, functionKinds)
}

func (c *Catalog) ListProcedures(ctx context.Context, schema string) ([]datasource.FunctionMetadata, error) {
	return c.listRoutines(ctx, "procedures", schema, procedureKinds)
}

func (c *Catalog) listRoutines(ctx context.Context, what, schema string, kinds []string) ([]datasource.FunctionMetadata, error) {
	rows, err := c.query(ctx, what, routinesQuery, schema, kinds)
	if err != nil {
		return nil, err
	}
	out := make([]datasource.FunctionMetadata, 0, len(rows))
	for _, r := range rows {
		out = append(out, datasource.FunctionMetadata{
			SchemaName: r.str("schema"),
			Name:       r.str("name"),
			Arguments:  r.str("arguments"),
			ReturnType: r.str("return_type"),
			Language:   r.str("language"),
			Owner:      r.str("owner"),
			Comment:    r.str("comment"),
		})
	}
	return out, nil
}

func (c *Catalog) ListSequences(ctx context.Context, schema string) ([]datasource.SequenceMetadata, error) {
	rows, err := c.query(ctx, "sequences", sequencesQuery, schema)
	if err != nil {
		return nil, err
	}
	out := make([]datasource.SequenceMetadata, 0, len(rows))
	for _, r := range rows {
		out = append(out, datasource.SequenceMetadata{
			SchemaName: r.str("schema"),
			Name:       r.str("name"),
			DataType:   r.str("data_type"),
			Owner:      r.str("owner"),
		})
	}
	return out, nil
}

func (c *Catalog) ListTriggers(ctx context.Context, schema string) ([]datasource.TriggerMetadata, error) {
	rows, err := c.query(ctx, "triggers", triggersQuery, schema)
	if err != nil {
		return nil, err
	}
	out := make([]datasource.TriggerMetadata, 0, len(rows))
	for _, r := range rows {
		out = append(out, datasource.TriggerMetadata{
			SchemaName: r.str("schema"),
			Name:       r.str("name"),
			TableName:  r.str("table_name"),
			Timing:     r.str("timing"),
			Events:     r.str("events"),
			Enabled:    r.boolean("enabled"),
		})
	}
	return out, nil
}

func (c *Catalog) ListTypes(ctx context.Context, schema string) ([]datasource.TypeMetadata, error) {
	rows, err := c.query(ctx, "types", typesQuery, schema)
	if err != nil {
		return nil, err
	}
	out := make([]datasource.TypeMetadata, 0, len(rows))
	for _, r := range rows {
		out = append(out, datasource.TypeMetadata{
			SchemaName: r.str("schema"),
			Name:       r.str("name"),
			Category:   r.str("category"),
			Owner:      r.str("owner"),
			Comment:    r.str("comment"),
		})
	}
	return out, nil
}

func (c *Catalog) ServerInfo(ctx context.Context) (*datasource.ServerInfo, error) {
	rows, err := c.query(ctx, "server info", serverInfoQuery)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("query server info: no rows")
	}
	r := rows[0]
	return &datasource.ServerInfo{
		Version:     r.str("version"),
		Database:    r.str("database"),
		CurrentUser: r.str("username"),
		SizeBytes:   r.int64("size_bytes"),
		TableCount:  r.int64("table_count"),
		SchemaCount: r.int64("schema_count"),
	}, nil
}

var _ datasource.Catalog = (*Catalog)(nil)
