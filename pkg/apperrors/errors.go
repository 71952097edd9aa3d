package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrConnectionNotFound    = fmt.Errorf("connection %w", ErrNotFound)
	ErrAlreadyClosed         = errors.New("already closed")
	ErrUnsupportedObjectKind = errors.New("unsupported object kind")
	ErrInvalidNodeID         = errors.New("invalid node id")
)

// ConfigPersistenceError reports a failure reading, parsing or writing the
// connection configuration file. In-memory state may be ahead of disk when
// this is returned; the next load reconciles it.
type ConfigPersistenceError struct {
	Op   string // "load", "save", "delete"
	Path string
	Err  error
}

func (e *ConfigPersistenceError) Error() string {
	return fmt.Sprintf("connection config %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ConfigPersistenceError) Unwrap() error { return e.Err }

// NewConfigPersistenceError wraps err for the given store operation.
func NewConfigPersistenceError(op, path string, err error) error {
	return &ConfigPersistenceError{Op: op, Path: path, Err: err}
}

// PoolCreationError reports that a pool could not be constructed, typically
// because the DSN was rejected by the driver.
type PoolCreationError struct {
	Connection string
	Err        error
}

func (e *PoolCreationError) Error() string {
	if e.Connection == "" {
		return fmt.Sprintf("create pool: %v", e.Err)
	}
	return fmt.Sprintf("create pool for connection %s: %v", e.Connection, e.Err)
}

func (e *PoolCreationError) Unwrap() error { return e.Err }

// ConnectionFailedError reports a network or authentication failure after a
// pool existed (first ping, acquire).
type ConnectionFailedError struct {
	Connection string
	Err        error
}

func (e *ConnectionFailedError) Error() string {
	return fmt.Sprintf("connection %s failed: %v", e.Connection, e.Err)
}

func (e *ConnectionFailedError) Unwrap() error { return e.Err }

// CatalogQueryError is attached to the tree node whose children failed to
// load. It never poisons the cache.
type CatalogQueryError struct {
	Kind   string
	Schema string
	Err    error
}

func (e *CatalogQueryError) Error() string {
	if e.Schema == "" {
		return fmt.Sprintf("load %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("load %s in schema %s: %v", e.Kind, e.Schema, e.Err)
}

func (e *CatalogQueryError) Unwrap() error { return e.Err }

// ValidationError is returned before any network attempt when a connection
// config is incomplete or out of range.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// NewValidationError returns a ValidationError for field.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsConnectivity reports whether err is a pool creation or connection failure.
func IsConnectivity(err error) bool {
	var pce *PoolCreationError
	var cfe *ConnectionFailedError
	return errors.As(err, &pce) || errors.As(err, &cfe)
}
