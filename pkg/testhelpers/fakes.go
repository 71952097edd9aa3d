package testhelpers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ekaya-inc/ekaya-navigator/pkg/adapters/datasource"
)

// FakeDriver is an in-memory datasource.Driver for unit tests. Pools it
// creates never touch the network; catalog calls are served by Catalog.
type FakeDriver struct {
	Catalog *FakeCatalog

	mu       sync.Mutex
	pools    []*FakePool
	dsns     []string
	failures []error
	delay    time.Duration
	pingErr  error
	calls    atomic.Int32
}

// NewFakeDriver returns a driver with an empty catalog.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{Catalog: NewFakeCatalog()}
}

func (d *FakeDriver) Name() string { return "fake" }

// FailNext makes the next len(errs) NewPool calls return errs in order.
func (d *FakeDriver) FailNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, errs...)
}

// SetDelay slows every NewPool call, widening race windows in tests.
func (d *FakeDriver) SetDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delay = delay
}

// SetPingError makes pools created from now on fail Ping and Acquire.
func (d *FakeDriver) SetPingError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pingErr = err
}

func (d *FakeDriver) NewPool(ctx context.Context, dsn string, cfg datasource.PoolConfig) (datasource.Pool, error) {
	d.calls.Add(1)

	d.mu.Lock()
	delay := d.delay
	var failure error
	if len(d.failures) > 0 {
		failure = d.failures[0]
		d.failures = d.failures[1:]
	}
	pingErr := d.pingErr
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failure != nil {
		return nil, failure
	}

	pool := &FakePool{DSN: dsn, Config: cfg}
	pool.SetError(pingErr)

	d.mu.Lock()
	d.pools = append(d.pools, pool)
	d.dsns = append(d.dsns, dsn)
	d.mu.Unlock()
	return pool, nil
}

func (d *FakeDriver) NewCatalog(conn datasource.Conn) datasource.Catalog {
	return d.Catalog
}

// Calls returns the number of NewPool invocations, failed ones included.
func (d *FakeDriver) Calls() int { return int(d.calls.Load()) }

// Pools returns every pool successfully created so far.
func (d *FakeDriver) Pools() []*FakePool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*FakePool(nil), d.pools...)
}

// DSNs returns the DSN of every successfully created pool.
func (d *FakeDriver) DSNs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dsns...)
}

// FakePool is a datasource.Pool whose connections answer every query with
// a single row.
type FakePool struct {
	DSN    string
	Config datasource.PoolConfig

	mu       sync.Mutex
	err      error
	closed   atomic.Bool
	closes   atomic.Int32
	acquired atomic.Int32
	released atomic.Int32
	queries  []string
}

// SetError makes Ping and Acquire fail with err; nil restores them.
func (p *FakePool) SetError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *FakePool) currentErr() error {
	if p.closed.Load() {
		return errors.New("pool closed")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *FakePool) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.currentErr()
}

func (p *FakePool) Acquire(ctx context.Context) (datasource.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.currentErr(); err != nil {
		return nil, err
	}
	p.acquired.Add(1)
	return &FakeConn{pool: p}, nil
}

func (p *FakePool) Stats() datasource.PoolStats {
	acquired := p.acquired.Load() - p.released.Load()
	return datasource.PoolStats{
		TotalConns:    acquired,
		AcquiredConns: acquired,
		MaxConns:      p.Config.MaxConns,
	}
}

func (p *FakePool) Close() {
	p.closes.Add(1)
	p.closed.Store(true)
}

// Closed reports whether Close was called at least once.
func (p *FakePool) Closed() bool { return p.closed.Load() }

// CloseCount returns the number of Close calls.
func (p *FakePool) CloseCount() int { return int(p.closes.Load()) }

// Outstanding returns connections acquired and not yet released.
func (p *FakePool) Outstanding() int { return int(p.acquired.Load() - p.released.Load()) }

// Queries returns every statement run on this pool's connections.
func (p *FakePool) Queries() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.queries...)
}

// FakeConn is the connection handed out by FakePool.
type FakeConn struct {
	pool     *FakePool
	released atomic.Bool
}

func (c *FakeConn) Query(ctx context.Context, sql string, args ...any) (*datasource.QueryResult, error) {
	if c.released.Load() {
		return nil, errors.New("conn released")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.pool.currentErr(); err != nil {
		return nil, err
	}
	c.pool.mu.Lock()
	c.pool.queries = append(c.pool.queries, sql)
	c.pool.mu.Unlock()

	return &datasource.QueryResult{
		Columns:  []datasource.ColumnInfo{{Name: "?column?", Type: "INT4"}},
		Rows:     []map[string]any{{"?column?": int32(1)}},
		RowCount: 1,
	}, nil
}

func (c *FakeConn) Release() {
	if c.released.CompareAndSwap(false, true) {
		c.pool.released.Add(1)
	}
}

// FakeCatalog is a datasource.Catalog over in-memory fixtures. Object
// fixtures are keyed by schema; an empty schema argument returns all.
type FakeCatalog struct {
	mu sync.Mutex

	Schemas    []datasource.SchemaMetadata
	Extensions []datasource.ExtensionMetadata
	Tables     []datasource.TableMetadata
	Views      []datasource.ViewMetadata
	Columns    map[string][]datasource.ColumnMetadata // "schema.table"
	Indexes    []datasource.IndexMetadata
	Functions  []datasource.FunctionMetadata
	Procedures []datasource.FunctionMetadata
	Sequences  []datasource.SequenceMetadata
	Triggers   []datasource.TriggerMetadata
	Types      []datasource.TypeMetadata
	Info       datasource.ServerInfo

	errs  map[string]error
	calls map[string]int
	gate  chan struct{}
}

// NewFakeCatalog returns an empty catalog.
func NewFakeCatalog() *FakeCatalog {
	return &FakeCatalog{
		Columns: map[string][]datasource.ColumnMetadata{},
		errs:    map[string]error{},
		calls:   map[string]int{},
	}
}

// FailOn makes the named method ("ListTables", "ListSchemas", ...) return
// err until cleared with a nil err.
func (c *FakeCatalog) FailOn(method string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.errs, method)
		return
	}
	c.errs[method] = err
}

// Calls returns how many times method ran.
func (c *FakeCatalog) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

// Block makes every call wait until the returned release func runs.
func (c *FakeCatalog) Block() (release func()) {
	gate := make(chan struct{})
	c.mu.Lock()
	c.gate = gate
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.gate = nil
			c.mu.Unlock()
			close(gate)
		})
	}
}

func (c *FakeCatalog) enter(ctx context.Context, method string) error {
	c.mu.Lock()
	c.calls[method]++
	gate := c.gate
	err := c.errs[method]
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func filterBySchema[T any](items []T, schema string, schemaOf func(T) string) []T {
	out := make([]T, 0, len(items))
	for _, item := range items {
		if schema == "" || schemaOf(item) == schema {
			out = append(out, item)
		}
	}
	return out
}

func (c *FakeCatalog) ListSchemas(ctx context.Context) ([]datasource.SchemaMetadata, error) {
	if err := c.enter(ctx, "ListSchemas"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]datasource.SchemaMetadata(nil), c.Schemas...), nil
}

func (c *FakeCatalog) ListExtensions(ctx context.Context) ([]datasource.ExtensionMetadata, error) {
	if err := c.enter(ctx, "ListExtensions"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]datasource.ExtensionMetadata(nil), c.Extensions...), nil
}

func (c *FakeCatalog) ListTables(ctx context.Context, schema string) ([]datasource.TableMetadata, error) {
	if err := c.enter(ctx, "ListTables"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return filterBySchema(c.Tables, schema, func(t datasource.TableMetadata) string { return t.SchemaName }), nil
}

func (c *FakeCatalog) ListViews(ctx context.Context, schema string) ([]datasource.ViewMetadata, error) {
	if err := c.enter(ctx, "ListViews"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return filterBySchema(c.Views, schema, func(v datasource.ViewMetadata) string { return v.SchemaName }), nil
}

func (c *FakeCatalog) ListColumns(ctx context.Context, schema, table string) ([]datasource.ColumnMetadata, error) {
	if err := c.enter(ctx, "ListColumns"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]datasource.ColumnMetadata(nil), c.Columns[fmt.Sprintf("%s.%s", schema, table)]...), nil
}

func (c *FakeCatalog) ListIndexes(ctx context.Context, schema string) ([]datasource.IndexMetadata, error) {
	if err := c.enter(ctx, "ListIndexes"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return filterBySchema(c.Indexes, schema, func(i datasource.IndexMetadata) string { return i.SchemaName }), nil
}

func (c *FakeCatalog) ListFunctions(ctx context.Context, schema string) ([]datasource.FunctionMetadata, error) {
	if err := c.enter(ctx, "ListFunctions"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return filterBySchema(c.Functions, schema, func(f datasource.FunctionMetadata) string { return f.SchemaName }), nil
}

func (c *FakeCatalog) ListProcedures(ctx context.Context, schema string) ([]datasource.FunctionMetadata, error) {
	if err := c.enter(ctx, "ListProcedures"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return filterBySchema(c.Procedures, schema, func(f datasource.FunctionMetadata) string { return f.SchemaName }), nil
}

func (c *FakeCatalog) ListSequences(ctx context.Context, schema string) ([]datasource.SequenceMetadata, error) {
	if err := c.enter(ctx, "ListSequences"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return filterBySchema(c.Sequences, schema, func(s datasource.SequenceMetadata) string { return s.SchemaName }), nil
}

func (c *FakeCatalog) ListTriggers(ctx context.Context, schema string) ([]datasource.TriggerMetadata, error) {
	if err := c.enter(ctx, "ListTriggers"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return filterBySchema(c.Triggers, schema, func(t datasource.TriggerMetadata) string { return t.SchemaName }), nil
}

func (c *FakeCatalog) ListTypes(ctx context.Context, schema string) ([]datasource.TypeMetadata, error) {
	if err := c.enter(ctx, "ListTypes"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return filterBySchema(c.Types, schema, func(t datasource.TypeMetadata) string { return t.SchemaName }), nil
}

func (c *FakeCatalog) ServerInfo(ctx context.Context) (*datasource.ServerInfo, error) {
	if err := c.enter(ctx, "ServerInfo"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	info := c.Info
	return &info, nil
}

var (
	_ datasource.Driver  = (*FakeDriver)(nil)
	_ datasource.Pool    = (*FakePool)(nil)
	_ datasource.Conn    = (*FakeConn)(nil)
	_ datasource.Catalog = (*FakeCatalog)(nil)
)
