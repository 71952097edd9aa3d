package datasource

import "context"

// Pool is a managed set of physical connections for one configured
// connection. Implementations must be safe for concurrent use.
type Pool interface {
	// Ping verifies the backend is reachable with the pool's credentials.
	Ping(ctx context.Context) error

	// Acquire checks out one physical connection. The caller must Release it.
	Acquire(ctx context.Context) (Conn, error)

	// Stats reports pool occupancy.
	Stats() PoolStats

	// Close releases every connection. Calling Close twice is safe.
	Close()
}

// Conn is one checked-out physical connection. It must not be used after
// Release.
type Conn interface {
	// Query runs sql with positional ($1, $2) args and returns all rows.
	Query(ctx context.Context, sql string, args ...any) (*QueryResult, error)

	// Release returns the connection to its pool.
	Release()
}

// PoolFactory constructs pools from a DSN.
type PoolFactory interface {
	NewPool(ctx context.Context, dsn string, cfg PoolConfig) (Pool, error)
}

// PoolFactoryFunc adapts a function to PoolFactory.
type PoolFactoryFunc func(ctx context.Context, dsn string, cfg PoolConfig) (Pool, error)

func (f PoolFactoryFunc) NewPool(ctx context.Context, dsn string, cfg PoolConfig) (Pool, error) {
	return f(ctx, dsn, cfg)
}

// CatalogFactory binds catalog queries to a checked-out connection.
type CatalogFactory interface {
	NewCatalog(conn Conn) Catalog
}

// Driver is everything the connectivity core needs from a database vendor.
type Driver interface {
	PoolFactory
	CatalogFactory

	// Name is the vendor identifier, e.g. "postgres".
	Name() string
}

// Catalog runs the metadata queries that back the schema tree. An empty
// schema argument means all user schemas.
type Catalog interface {
	ListSchemas(ctx context.Context) ([]SchemaMetadata, error)
	ListExtensions(ctx context.Context) ([]ExtensionMetadata, error)
	ListTables(ctx context.Context, schema string) ([]TableMetadata, error)
	ListViews(ctx context.Context, schema string) ([]ViewMetadata, error)
	ListColumns(ctx context.Context, schema, table string) ([]ColumnMetadata, error)
	ListIndexes(ctx context.Context, schema string) ([]IndexMetadata, error)
	ListFunctions(ctx context.Context, schema string) ([]FunctionMetadata, error)
	ListProcedures(ctx context.Context, schema string) ([]FunctionMetadata, error)
	ListSequences(ctx context.Context, schema string) ([]SequenceMetadata, error)
	ListTriggers(ctx context.Context, schema string) ([]TriggerMetadata, error)
	ListTypes(ctx context.Context, schema string) ([]TypeMetadata, error)
	ServerInfo(ctx context.Context) (*ServerInfo, error)
}

// PoolStats reports pool occupancy.
type PoolStats struct {
	TotalConns    int32 `json:"total_conns"`
	IdleConns     int32 `json:"idle_conns"`
	AcquiredConns int32 `json:"acquired_conns"`
	MaxConns      int32 `json:"max_conns"`
}

// ColumnInfo describes a result column with database-agnostic type information.
type ColumnInfo struct {
	Name string `json:"name"`
	Type string `json:"type"` // Database type name (e.g., "TEXT", "INT4", "VARCHAR")
}

// QueryResult holds every row of a query keyed by column name.
type QueryResult struct {
	Columns  []ColumnInfo     `json:"columns"`
	Rows     []map[string]any `json:"rows"`
	RowCount int              `json:"row_count"`
}
