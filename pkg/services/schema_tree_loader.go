package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ekaya-inc/ekaya-navigator/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-navigator/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-navigator/pkg/events"
	"github.com/ekaya-inc/ekaya-navigator/pkg/logging"
	"github.com/ekaya-inc/ekaya-navigator/pkg/models"
)

// DefaultPageSize caps the children returned for one parent.
const DefaultPageSize = 100

// LoaderOptions configures a SchemaTreeLoader. Zero values select defaults;
// the buses and the dispatcher are optional.
type LoaderOptions struct {
	CacheTTL        time.Duration
	CacheMaxEntries int
	PageSize        int
	Now             func() time.Time

	LoadBus      *events.LoadBus
	NavigatorBus *events.NavigatorBus
	Dispatcher   *Dispatcher
}

// SchemaTreeLoader discovers catalog objects on demand and caches each
// parent's children for the cache TTL. Concurrent loads of the same key
// share one catalog query.
type SchemaTreeLoader struct {
	pools    PoolSource
	catalogs datasource.CatalogFactory
	cache    *LazyLoadCache
	inflight singleflight.Group

	mu    sync.Mutex
	nodes map[string]*models.LazyTreeNode

	pageSize   int
	now        func() time.Time
	loadBus    *events.LoadBus
	navBus     *events.NavigatorBus
	dispatcher *Dispatcher
	logger     *zap.Logger
}

// NewSchemaTreeLoader returns a loader that takes pools from pools and
// binds catalog queries with catalogs.
func NewSchemaTreeLoader(pools PoolSource, catalogs datasource.CatalogFactory, opts LoaderOptions, logger *zap.Logger) *SchemaTreeLoader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	return &SchemaTreeLoader{
		pools:      pools,
		catalogs:   catalogs,
		cache:      NewLazyLoadCache(opts.CacheTTL, opts.CacheMaxEntries, opts.Now),
		nodes:      make(map[string]*models.LazyTreeNode),
		pageSize:   opts.PageSize,
		now:        opts.Now,
		loadBus:    opts.LoadBus,
		navBus:     opts.NavigatorBus,
		dispatcher: opts.Dispatcher,
		logger:     logger.Named("schema-tree"),
	}
}

// loadRequest is what a catalog loader needs to build child nodes.
type loadRequest struct {
	conn   models.ConnectionID
	schema string
	parent models.NodeRef
}

type catalogLoader func(ctx context.Context, catalog datasource.Catalog, req loadRequest) ([]models.LazyTreeNode, error)

// catalogLoaders is indexed by the kind being loaded.
var catalogLoaders = [...]catalogLoader{
	models.KindSchema:    loadSchemas,
	models.KindExtension: loadExtensions,
	models.KindTable:     loadTables,
	models.KindView:      loadViews,
	models.KindIndex:     loadIndexes,
	models.KindType:      loadTypes,
	models.KindFunction:  loadFunctions,
	models.KindProcedure: loadProcedures,
	models.KindSequence:  loadSequences,
	models.KindTrigger:   loadTriggers,
}

func loaderFor(kind models.ObjectKind) (catalogLoader, error) {
	if !kind.Valid() || int(kind) >= len(catalogLoaders) || catalogLoaders[kind] == nil {
		return nil, fmt.Errorf("%w: %d", apperrors.ErrUnsupportedObjectKind, int(kind))
	}
	return catalogLoaders[kind], nil
}

// LoadChildren returns the children of kind under parentID. A cached
// result younger than the TTL is returned without touching the database.
// On a miss the parent node is marked loading, one pooled connection runs
// the kind's catalog query, and the result is cached. A failed load marks
// the parent with the error, caches nothing and returns a
// *apperrors.CatalogQueryError.
func (l *SchemaTreeLoader) LoadChildren(ctx context.Context, parentID, schemaFilter string, kind models.ObjectKind) ([]models.LazyTreeNode, error) {
	ref, err := models.ParseNodeID(parentID)
	if err != nil {
		return nil, err
	}
	load, err := loaderFor(kind)
	if err != nil {
		return nil, err
	}

	key := CacheKey(parentID, schemaFilter, kind)
	if nodes, _, ok := l.cache.Get(key); ok {
		return nodes, nil
	}

	v, err, shared := l.inflight.Do(key, func() (any, error) {
		if nodes, _, ok := l.cache.Get(key); ok {
			return nodes, nil
		}
		return l.load(ctx, load, ref, parentID, schemaFilter, kind, key)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		l.logger.Debug("Shared in-flight load", zap.String("key", key))
	}
	return models.CloneNodes(v.([]models.LazyTreeNode)), nil
}

func (l *SchemaTreeLoader) load(
	ctx context.Context,
	loadFn catalogLoader,
	ref models.NodeRef,
	parentID, schemaFilter string,
	kind models.ObjectKind,
	key string,
) ([]models.LazyTreeNode, error) {
	schema := schemaFilter
	if schema == "" {
		schema = ref.Schema
	}

	ticket := l.cache.Reserve(key)
	l.markLoading(parentID, ref)
	l.publishLoad(events.LoadEvent{Kind: events.LoadStarted, ParentID: parentID, CacheKey: key})
	start := time.Now()

	pool, err := l.pools.PoolFor(ctx, ref.Connection)
	if err != nil {
		l.cache.Release(key, ticket)
		return nil, l.failLoad(parentID, key, err)
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		l.cache.Release(key, ticket)
		return nil, l.failLoad(parentID, key,
			&apperrors.ConnectionFailedError{Connection: ref.Connection.String(), Err: logging.Sanitized(err)})
	}
	nodes, err := loadFn(ctx, l.catalogs.NewCatalog(conn), loadRequest{conn: ref.Connection, schema: schema, parent: ref})
	conn.Release()
	if err != nil {
		l.cache.Release(key, ticket)
		return nil, l.failLoad(parentID, key,
			&apperrors.CatalogQueryError{Kind: kind.String(), Schema: schema, Err: logging.Sanitized(err)})
	}

	total := len(nodes)
	hasMore := total > l.pageSize
	if hasMore {
		nodes = nodes[:l.pageSize]
	}
	cachedAt, current := l.cache.Commit(key, ticket, nodes, hasMore)
	if !current {
		// Invalidated mid-load: hand the rows to the caller but keep them
		// out of the cache and the node index.
		l.abandonLoading(parentID)
		l.logger.Debug("Discarded load invalidated while in flight",
			zap.String("parent_id", parentID),
			zap.String("key", key))
		l.publishLoad(events.LoadEvent{Kind: events.LoadCompleted, ParentID: parentID, CacheKey: key, Count: total})
		return nodes, nil
	}
	l.finishLoading(parentID, nodes, hasMore, total, cachedAt)

	l.logger.Debug("Loaded tree children",
		zap.String("parent_id", parentID),
		zap.Stringer("kind", kind),
		zap.String("schema", schema),
		zap.Int("count", total),
		zap.Duration("elapsed", time.Since(start)))
	l.publishLoad(events.LoadEvent{Kind: events.LoadCompleted, ParentID: parentID, CacheKey: key, Count: total})
	if l.navBus != nil {
		l.navBus.Emit(events.NavigatorEvent{Kind: events.StructureExpanded, Connection: ref.Connection, NodeID: parentID})
	}
	return nodes, nil
}

func (l *SchemaTreeLoader) failLoad(parentID, key string, err error) error {
	msg := logging.SanitizeError(err)

	l.mu.Lock()
	if n, ok := l.nodes[parentID]; ok {
		n.SetError(msg)
	}
	l.mu.Unlock()

	l.logger.Warn("Failed to load tree children",
		zap.String("parent_id", parentID),
		zap.String("key", key),
		zap.String("error", msg))
	l.publishLoad(events.LoadEvent{Kind: events.LoadFailed, ParentID: parentID, CacheKey: key, Err: msg})
	return err
}

func (l *SchemaTreeLoader) publishLoad(e events.LoadEvent) {
	if l.loadBus != nil {
		l.loadBus.Emit(e)
	}
}

// markLoading records the parent in the node index and flags it loading.
func (l *SchemaTreeLoader) markLoading(parentID string, ref models.NodeRef) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, ok := l.nodes[parentID]
	if !ok {
		n = nodeForRef(parentID, ref)
		l.nodes[parentID] = n
	}
	n.ClearError()
	n.SetLoading(true)
}

func (l *SchemaTreeLoader) finishLoading(parentID string, children []models.LazyTreeNode, hasMore bool, total int, cachedAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, ok := l.nodes[parentID]
	if !ok {
		return
	}
	for _, child := range children {
		if _, exists := l.nodes[child.ID]; !exists {
			c := child.Clone()
			l.nodes[child.ID] = &c
		}
	}
	n.Children = models.CloneNodes(children)
	n.HasMore = hasMore
	n.SetMetadata("total", strconv.Itoa(total))
	n.UpdateCacheTimestamp(cachedAt)
	n.SetLoading(false)
}

// abandonLoading clears the loading flag of a parent whose load was
// invalidated, leaving it unloaded.
func (l *SchemaTreeLoader) abandonLoading(parentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n, ok := l.nodes[parentID]; ok {
		n.Loading = false
	}
}

func nodeForRef(id string, ref models.NodeRef) *models.LazyTreeNode {
	name := ref.Object
	switch {
	case ref.Root:
		name = ref.Connection.String()
	case ref.Object == "" && ref.Kind == models.KindSchema:
		name = ref.Schema
	case ref.Object == "":
		name = ref.Kind.DisplayName()
	}
	n := models.NewLazyTreeNode(id, name, ref.Kind)
	return &n
}

// Node returns a snapshot of a node the loader has seen, as a parent or as
// a loaded child.
func (l *SchemaTreeLoader) Node(id string) (models.LazyTreeNode, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, ok := l.nodes[id]
	if !ok {
		return models.LazyTreeNode{}, false
	}
	return n.Clone(), true
}

// Select publishes ObjectSelected for nodeID.
func (l *SchemaTreeLoader) Select(nodeID string) error {
	conn, err := models.ConnectionFromNodeID(nodeID)
	if err != nil {
		return err
	}
	if l.navBus != nil {
		l.navBus.Emit(events.NavigatorEvent{Kind: events.ObjectSelected, Connection: conn, NodeID: nodeID})
	}
	return nil
}

// ExpandSchema returns the type folders shown under a schema. It runs no
// query; each folder is loaded on its own expansion.
func (l *SchemaTreeLoader) ExpandSchema(conn models.ConnectionID, schema string) []models.LazyTreeNode {
	kinds := models.SchemaBucketKinds()
	buckets := make([]models.LazyTreeNode, 0, len(kinds))
	for _, kind := range kinds {
		buckets = append(buckets, models.NewObjectTypeNode(conn, schema, kind))
	}

	schemaID := models.ObjectTypeNodeID(conn, models.KindSchema, schema)
	l.mu.Lock()
	n, ok := l.nodes[schemaID]
	if !ok {
		s := models.NewSchemaNode(conn, schema)
		n = &s
		l.nodes[schemaID] = n
	}
	n.Expand()
	n.Children = models.CloneNodes(buckets)
	for _, b := range buckets {
		if _, exists := l.nodes[b.ID]; !exists {
			c := b.Clone()
			l.nodes[b.ID] = &c
		}
	}
	l.mu.Unlock()
	return buckets
}

// LoadChildrenAsync runs LoadChildren on the dispatcher and reports the
// result through callback.
func (l *SchemaTreeLoader) LoadChildrenAsync(parentID, schemaFilter string, kind models.ObjectKind, callback func([]models.LazyTreeNode, error)) error {
	if l.dispatcher == nil {
		return errors.New("schema tree loader has no dispatcher")
	}
	var nodes []models.LazyTreeNode
	return l.dispatcher.Submit("load "+CacheKey(parentID, schemaFilter, kind), func(ctx context.Context) error {
		var err error
		nodes, err = l.LoadChildren(ctx, parentID, schemaFilter, kind)
		return err
	}, func(err error) {
		if callback != nil {
			callback(nodes, err)
		}
	})
}

// Refresh drops the cached children of parentID and loads them again.
func (l *SchemaTreeLoader) Refresh(ctx context.Context, parentID, schemaFilter string, kind models.ObjectKind) ([]models.LazyTreeNode, error) {
	l.Invalidate(CacheKey(parentID, schemaFilter, kind))
	return l.LoadChildren(ctx, parentID, schemaFilter, kind)
}

// Columns lists the columns of a table or view node. Columns are not cached.
func (l *SchemaTreeLoader) Columns(ctx context.Context, nodeID string) ([]datasource.ColumnMetadata, error) {
	ref, err := models.ParseNodeID(nodeID)
	if err != nil {
		return nil, err
	}
	if ref.Object == "" || (ref.Kind != models.KindTable && ref.Kind != models.KindView) {
		return nil, fmt.Errorf("%w: columns of %q", apperrors.ErrUnsupportedObjectKind, nodeID)
	}

	pool, err := l.pools.PoolFor(ctx, ref.Connection)
	if err != nil {
		return nil, err
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, &apperrors.ConnectionFailedError{Connection: ref.Connection.String(), Err: logging.Sanitized(err)}
	}
	defer conn.Release()

	cols, err := l.catalogs.NewCatalog(conn).ListColumns(ctx, ref.Schema, ref.Object)
	if err != nil {
		return nil, &apperrors.CatalogQueryError{Kind: "column", Schema: ref.Schema, Err: logging.Sanitized(err)}
	}
	return cols, nil
}

// Invalidate removes every cache entry whose key starts with prefix and
// marks the matching nodes as not loaded.
func (l *SchemaTreeLoader) Invalidate(prefix string) int {
	removed := l.cache.InvalidatePrefix(prefix)

	l.mu.Lock()
	for id, n := range l.nodes {
		if strings.HasPrefix(id, prefix) {
			n.Loaded = false
			n.CachedAt = nil
		}
	}
	l.mu.Unlock()

	l.publishLoad(events.LoadEvent{Kind: events.CacheCleared, Pattern: prefix, Count: removed})
	return removed
}

// InvalidateConnection forgets everything loaded for conn.
func (l *SchemaTreeLoader) InvalidateConnection(conn models.ConnectionID) int {
	prefix := conn.String()
	removed := l.cache.InvalidatePrefix(prefix)

	l.mu.Lock()
	for id := range l.nodes {
		if strings.HasPrefix(id, prefix) {
			delete(l.nodes, id)
		}
	}
	l.mu.Unlock()

	l.logger.Debug("Invalidated connection tree",
		zap.String("connection_id", prefix),
		zap.Int("entries", removed))
	l.publishLoad(events.LoadEvent{Kind: events.CacheCleared, Pattern: prefix, Count: removed})
	return removed
}

// WatchConnections invalidates a connection's tree whenever it is
// disconnected, reconnected or deleted.
func (l *SchemaTreeLoader) WatchConnections(bus *events.ConnectionBus) events.Subscription {
	return bus.Subscribe(func(e events.Event) {
		switch e.Kind {
		case events.Disconnected, events.Reconnected, events.Deleted:
			l.InvalidateConnection(e.Connection)
		}
	})
}

// ClearCache drops every cached entry.
func (l *SchemaTreeLoader) ClearCache() int {
	removed := l.cache.Clear()
	l.publishLoad(events.LoadEvent{Kind: events.CacheCleared, Count: removed})
	return removed
}

// CacheSize returns the number of cached keys.
func (l *SchemaTreeLoader) CacheSize() int { return l.cache.Len() }

// CacheKeys returns the cached keys in sorted order.
func (l *SchemaTreeLoader) CacheKeys() []string { return l.cache.Keys() }

// PurgeExpired drops expired cache entries.
func (l *SchemaTreeLoader) PurgeExpired() int { return l.cache.Cleanup() }

func loadSchemas(ctx context.Context, catalog datasource.Catalog, req loadRequest) ([]models.LazyTreeNode, error) {
	schemas, err := catalog.ListSchemas(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.LazyTreeNode, 0, len(schemas))
	for _, s := range schemas {
		n := models.NewSchemaNode(req.conn, s.Name)
		n.SetMetadata("owner", s.Owner)
		n.SetMetadata("comment", s.Comment)
		out = append(out, n)
	}
	return out, nil
}

func loadExtensions(ctx context.Context, catalog datasource.Catalog, req loadRequest) ([]models.LazyTreeNode, error) {
	exts, err := catalog.ListExtensions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.LazyTreeNode, 0, len(exts))
	for _, e := range exts {
		if req.schema != "" && e.Schema != req.schema {
			continue
		}
		n := models.NewObjectNode(req.conn, e.Schema, models.KindExtension, e.Name)
		n.SetMetadata("version", e.Version)
		n.SetMetadata("schema", e.Schema)
		n.SetMetadata("comment", e.Comment)
		out = append(out, n)
	}
	return out, nil
}

func loadTables(ctx context.Context, catalog datasource.Catalog, req loadRequest) ([]models.LazyTreeNode, error) {
	tables, err := catalog.ListTables(ctx, req.schema)
	if err != nil {
		return nil, err
	}
	out := make([]models.LazyTreeNode, 0, len(tables))
	for _, t := range tables {
		n := models.NewObjectNode(req.conn, t.SchemaName, models.KindTable, t.TableName)
		n.SetMetadata("owner", t.Owner)
		n.SetMetadata("comment", t.Comment)
		n.SetMetadata("has_indexes", strconv.FormatBool(t.HasIndexes))
		n.SetMetadata("has_rules", strconv.FormatBool(t.HasRules))
		n.SetMetadata("has_triggers", strconv.FormatBool(t.HasTriggers))
		n.SetMetadata("row_estimate", strconv.FormatInt(t.RowEstimate, 10))
		out = append(out, n)
	}
	return out, nil
}

func loadViews(ctx context.Context, catalog datasource.Catalog, req loadRequest) ([]models.LazyTreeNode, error) {
	views, err := catalog.ListViews(ctx, req.schema)
	if err != nil {
		return nil, err
	}
	out := make([]models.LazyTreeNode, 0, len(views))
	for _, v := range views {
		n := models.NewObjectNode(req.conn, v.SchemaName, models.KindView, v.ViewName)
		n.SetMetadata("owner", v.Owner)
		n.SetMetadata("comment", v.Comment)
		n.SetMetadata("materialized", strconv.FormatBool(v.Materialized))
		out = append(out, n)
	}
	return out, nil
}

// tableScope returns the table a concrete table parent restricts index and
// trigger loads to.
func tableScope(ref models.NodeRef) string {
	if ref.Kind == models.KindTable && ref.Object != "" {
		return ref.Object
	}
	return ""
}

func loadIndexes(ctx context.Context, catalog datasource.Catalog, req loadRequest) ([]models.LazyTreeNode, error) {
	indexes, err := catalog.ListIndexes(ctx, req.schema)
	if err != nil {
		return nil, err
	}
	table := tableScope(req.parent)
	out := make([]models.LazyTreeNode, 0, len(indexes))
	for _, idx := range indexes {
		if table != "" && idx.TableName != table {
			continue
		}
		n := models.NewObjectNode(req.conn, idx.SchemaName, models.KindIndex, idx.IndexName)
		n.Name = fmt.Sprintf("%s (%s)", idx.IndexName, idx.TableName)
		n.SetMetadata("table", idx.TableName)
		n.SetMetadata("unique", strconv.FormatBool(idx.IsUnique))
		n.SetMetadata("primary", strconv.FormatBool(idx.IsPrimary))
		n.SetMetadata("definition", idx.Definition)
		out = append(out, n)
	}
	return out, nil
}

func loadTypes(ctx context.Context, catalog datasource.Catalog, req loadRequest) ([]models.LazyTreeNode, error) {
	types, err := catalog.ListTypes(ctx, req.schema)
	if err != nil {
		return nil, err
	}
	out := make([]models.LazyTreeNode, 0, len(types))
	for _, ty := range types {
		n := models.NewObjectNode(req.conn, ty.SchemaName, models.KindType, ty.Name)
		n.Name = fmt.Sprintf("%s (%s)", ty.Name, ty.Category)
		n.SetMetadata("category", ty.Category)
		n.SetMetadata("owner", ty.Owner)
		n.SetMetadata("comment", ty.Comment)
		out = append(out, n)
	}
	return out, nil
}

func loadFunctions(ctx context.Context, catalog datasource.Catalog, req loadRequest) ([]models.LazyTreeNode, error) {
	funcs, err := catalog.ListFunctions(ctx, req.schema)
	if err != nil {
		return nil, err
	}
	out := make([]models.LazyTreeNode, 0, len(funcs))
	for _, f := range funcs {
		n := routineNode(req.conn, models.KindFunction, f)
		n.Name = fmt.Sprintf("%s (%s)", f.Name, f.ReturnType)
		out = append(out, n)
	}
	return out, nil
}

func loadProcedures(ctx context.Context, catalog datasource.Catalog, req loadRequest) ([]models.LazyTreeNode, error) {
	procs, err := catalog.ListProcedures(ctx, req.schema)
	if err != nil {
		return nil, err
	}
	out := make([]models.LazyTreeNode, 0, len(procs))
	for _, p := range procs {
		out = append(out, routineNode(req.conn, models.KindProcedure, p))
	}
	return out, nil
}

// routineNode identifies a routine by its signature so overloads get
// distinct identities.
func routineNode(conn models.ConnectionID, kind models.ObjectKind, f datasource.FunctionMetadata) models.LazyTreeNode {
	signature := fmt.Sprintf("%s(%s)", f.Name, f.Arguments)
	n := models.NewObjectNode(conn, f.SchemaName, kind, signature)
	n.Name = f.Name
	n.SetMetadata("signature", signature)
	n.SetMetadata("arguments", f.Arguments)
	n.SetMetadata("return_type", f.ReturnType)
	n.SetMetadata("language", f.Language)
	n.SetMetadata("owner", f.Owner)
	n.SetMetadata("comment", f.Comment)
	return n
}

func loadSequences(ctx context.Context, catalog datasource.Catalog, req loadRequest) ([]models.LazyTreeNode, error) {
	seqs, err := catalog.ListSequences(ctx, req.schema)
	if err != nil {
		return nil, err
	}
	out := make([]models.LazyTreeNode, 0, len(seqs))
	for _, s := range seqs {
		n := models.NewObjectNode(req.conn, s.SchemaName, models.KindSequence, s.Name)
		n.SetMetadata("data_type", s.DataType)
		n.SetMetadata("owner", s.Owner)
		out = append(out, n)
	}
	return out, nil
}

func loadTriggers(ctx context.Context, catalog datasource.Catalog, req loadRequest) ([]models.LazyTreeNode, error) {
	triggers, err := catalog.ListTriggers(ctx, req.schema)
	if err != nil {
		return nil, err
	}
	table := tableScope(req.parent)
	out := make([]models.LazyTreeNode, 0, len(triggers))
	for _, tr := range triggers {
		if table != "" && tr.TableName != table {
			continue
		}
		n := models.NewObjectNode(req.conn, tr.SchemaName, models.KindTrigger, tr.Name)
		n.SetMetadata("table", tr.TableName)
		n.SetMetadata("timing", tr.Timing)
		n.SetMetadata("events", tr.Events)
		n.SetMetadata("enabled", strconv.FormatBool(tr.Enabled))
		out = append(out, n)
	}
	return out, nil
}
