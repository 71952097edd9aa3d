package datasource

// SchemaMetadata is one user schema.
type SchemaMetadata struct {
	Name    string
	Owner   string
	Comment string
}

// ExtensionMetadata is one installed extension.
type ExtensionMetadata struct {
	Name    string
	Version string
	Schema  string
	Comment string
}

// TableMetadata is one base table with the flags pg_class keeps for it.
type TableMetadata struct {
	SchemaName  string
	TableName   string
	Owner       string
	HasIndexes  bool
	HasRules    bool
	HasTriggers bool
	RowEstimate int64
	Comment     string
}

// ViewMetadata is one view or materialized view.
type ViewMetadata struct {
	SchemaName   string
	ViewName     string
	Owner        string
	Materialized bool
	Comment      string
}

// ColumnMetadata is one column of a table or view.
type ColumnMetadata struct {
	ColumnName      string
	DataType        string
	IsNullable      bool
	IsPrimaryKey    bool
	OrdinalPosition int
	DefaultValue    *string
	Comment         string
}

// IndexMetadata is one index.
type IndexMetadata struct {
	SchemaName string
	IndexName  string
	TableName  string
	IsUnique   bool
	IsPrimary  bool
	Definition string
}

// FunctionMetadata is one function or procedure.
type FunctionMetadata struct {
	SchemaName string
	Name       string
	Arguments  string
	ReturnType string
	Language   string
	Owner      string
	Comment    string
}

// SequenceMetadata is one sequence.
type SequenceMetadata struct {
	SchemaName string
	Name       string
	DataType   string
	Owner      string
}

// TriggerMetadata is one user trigger.
type TriggerMetadata struct {
	SchemaName string
	Name       string
	TableName  string
	Timing     string // BEFORE, AFTER, INSTEAD OF
	Events     string // e.g. "INSERT OR UPDATE"
	Enabled    bool
}

// TypeMetadata is one user-defined type.
type TypeMetadata struct {
	SchemaName string
	Name       string
	Category   string // enum, composite, domain, range, base
	Owner      string
	Comment    string
}

// ServerInfo summarises the database behind a connection.
type ServerInfo struct {
	Version     string `json:"version"`
	Database    string `json:"database"`
	CurrentUser string `json:"current_user"`
	SizeBytes   int64  `json:"size_bytes"`
	TableCount  int64  `json:"table_count"`
	SchemaCount int64  `json:"schema_count"`
}
