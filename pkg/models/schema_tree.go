package models

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/ekaya-inc/ekaya-navigator/pkg/apperrors"
)

// ObjectKind is the closed set of catalog objects the schema tree shows.
type ObjectKind int

const (
	KindSchema ObjectKind = iota
	KindExtension
	KindTable
	KindView
	KindIndex
	KindType
	KindFunction
	KindProcedure
	KindSequence
	KindTrigger
)

type kindDescriptor struct {
	tag        string
	display    string
	icon       string
	expandable bool
}

// kindTable is indexed by ObjectKind. Adding a kind means adding a row here
// and a loader entry in the services package.
var kindTable = [...]kindDescriptor{
	KindSchema:    {tag: "schema", display: "Schemas", icon: "folder", expandable: true},
	KindExtension: {tag: "extension", display: "Extensions", icon: "package", expandable: true},
	KindTable:     {tag: "table", display: "Tables", icon: "table", expandable: true},
	KindView:      {tag: "view", display: "Views", icon: "eye"},
	KindIndex:     {tag: "index", display: "Indexes", icon: "search"},
	KindType:      {tag: "type", display: "Types", icon: "type"},
	KindFunction:  {tag: "function", display: "Functions", icon: "function"},
	KindProcedure: {tag: "procedure", display: "Procedures", icon: "cog"},
	KindSequence:  {tag: "sequence", display: "Sequences", icon: "hash"},
	KindTrigger:   {tag: "trigger", display: "Triggers", icon: "zap"},
}

// ObjectKinds returns every kind in table order.
func ObjectKinds() []ObjectKind {
	out := make([]ObjectKind, len(kindTable))
	for i := range kindTable {
		out[i] = ObjectKind(i)
	}
	return out
}

// SchemaBucketKinds are the type folders shown under an expanded schema.
func SchemaBucketKinds() []ObjectKind {
	return []ObjectKind{KindTable, KindView, KindFunction, KindProcedure, KindSequence, KindIndex, KindType, KindTrigger}
}

// Valid reports whether k is one of the declared kinds.
func (k ObjectKind) Valid() bool { return k >= 0 && int(k) < len(kindTable) }

func (k ObjectKind) descriptor() kindDescriptor {
	if !k.Valid() {
		return kindDescriptor{tag: fmt.Sprintf("kind(%d)", int(k))}
	}
	return kindTable[k]
}

// String returns the tag used inside node identities ("table", "function").
func (k ObjectKind) String() string { return k.descriptor().tag }

// DisplayName returns the plural folder label ("Tables").
func (k ObjectKind) DisplayName() string { return k.descriptor().display }

// Icon returns the icon name a renderer should use for nodes of this kind.
func (k ObjectKind) Icon() string { return k.descriptor().icon }

// CanHaveChildren reports whether nodes of this kind are expandable.
func (k ObjectKind) CanHaveChildren() bool { return k.descriptor().expandable }

// ParseObjectKind maps a tag back to its kind.
func ParseObjectKind(tag string) (ObjectKind, error) {
	for i, d := range kindTable {
		if d.tag == tag {
			return ObjectKind(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", apperrors.ErrUnsupportedObjectKind, tag)
}

func (k ObjectKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %d", apperrors.ErrUnsupportedObjectKind, int(k))
	}
	return []byte(k.String()), nil
}

func (k *ObjectKind) UnmarshalText(data []byte) error {
	parsed, err := ParseObjectKind(string(data))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

const nodeIDSeparator = ":"

// LazyTreeNode is one entry of the schema tree. A node owns its children.
type LazyTreeNode struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Kind     ObjectKind        `json:"kind"`
	Expanded bool              `json:"expanded"`
	Loading  bool              `json:"loading"`
	Loaded   bool              `json:"loaded"`
	HasMore  bool              `json:"has_more"`
	Children []LazyTreeNode    `json:"children,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	CachedAt *time.Time        `json:"cached_at,omitempty"`
	Err      string            `json:"error,omitempty"`
}

// NewLazyTreeNode returns an unloaded node.
func NewLazyTreeNode(id, name string, kind ObjectKind) LazyTreeNode {
	return LazyTreeNode{ID: id, Name: name, Kind: kind, Metadata: map[string]string{}}
}

// NewConnectionNode is the root of a connection's tree. Its identity is the
// bare connection id and its children are schemas.
func NewConnectionNode(conn ConnectionID, name string) LazyTreeNode {
	return NewLazyTreeNode(conn.String(), name, KindSchema)
}

// NewSchemaNode builds "{conn}:schema:{schema}".
func NewSchemaNode(conn ConnectionID, schema string) LazyTreeNode {
	return NewLazyTreeNode(ObjectTypeNodeID(conn, KindSchema, schema), schema, KindSchema)
}

// NewObjectTypeNode builds the type folder "{conn}:{kind}:{schema}".
func NewObjectTypeNode(conn ConnectionID, schema string, kind ObjectKind) LazyTreeNode {
	return NewLazyTreeNode(ObjectTypeNodeID(conn, kind, schema), kind.DisplayName(), kind)
}

// NewObjectNode builds a concrete object "{conn}:{kind}:{schema}:{name}".
func NewObjectNode(conn ConnectionID, schema string, kind ObjectKind, name string) LazyTreeNode {
	return NewLazyTreeNode(ObjectNodeID(conn, kind, schema, name), name, kind)
}

// ObjectTypeNodeID formats a schema or type-folder identity.
func ObjectTypeNodeID(conn ConnectionID, kind ObjectKind, schema string) string {
	return strings.Join([]string{conn.String(), kind.String(), schema}, nodeIDSeparator)
}

// ObjectNodeID formats a concrete object identity.
func ObjectNodeID(conn ConnectionID, kind ObjectKind, schema, name string) string {
	return strings.Join([]string{conn.String(), kind.String(), schema, name}, nodeIDSeparator)
}

// NodeRef is the information encoded in a node identity.
type NodeRef struct {
	Connection ConnectionID
	Kind       ObjectKind
	Schema     string
	Object     string
	// Root is set for a bare connection id.
	Root bool
}

// ParseNodeID decodes any identity produced by this package. The object
// name is everything after the third separator, so names containing ":"
// round-trip. Schema names must not contain ":".
func ParseNodeID(id string) (NodeRef, error) {
	parts := strings.SplitN(id, nodeIDSeparator, 4)
	conn, err := ParseConnectionID(parts[0])
	if err != nil {
		return NodeRef{}, fmt.Errorf("%w: %q", apperrors.ErrInvalidNodeID, id)
	}
	if len(parts) == 1 {
		return NodeRef{Connection: conn, Kind: KindSchema, Root: true}, nil
	}
	if len(parts) < 3 {
		return NodeRef{}, fmt.Errorf("%w: %q", apperrors.ErrInvalidNodeID, id)
	}
	kind, err := ParseObjectKind(parts[1])
	if err != nil {
		return NodeRef{}, fmt.Errorf("%w: %q: %w", apperrors.ErrInvalidNodeID, id, err)
	}
	ref := NodeRef{Connection: conn, Kind: kind, Schema: parts[2]}
	if len(parts) == 4 {
		ref.Object = parts[3]
	}
	return ref, nil
}

// ConnectionFromNodeID returns the connection a node belongs to.
func ConnectionFromNodeID(id string) (ConnectionID, error) {
	ref, err := ParseNodeID(id)
	if err != nil {
		return ConnectionID{}, err
	}
	return ref.Connection, nil
}

// Ref decodes the node's own identity.
func (n *LazyTreeNode) Ref() (NodeRef, error) { return ParseNodeID(n.ID) }

// SetLoading toggles the loading flag. Finishing a load marks the node loaded.
func (n *LazyTreeNode) SetLoading(loading bool) {
	n.Loading = loading
	if !loading {
		n.Loaded = true
	}
}

// SetError records a failed load and clears the loading flag.
func (n *LazyTreeNode) SetError(msg string) {
	n.Err = msg
	n.Loading = false
}

func (n *LazyTreeNode) ClearError() { n.Err = "" }

// HasError reports whether the last load failed.
func (n *LazyTreeNode) HasError() bool { return n.Err != "" }

func (n *LazyTreeNode) UpdateCacheTimestamp(now time.Time) { n.CachedAt = &now }

// IsCacheValid reports whether the node was cached less than ttl before now.
func (n *LazyTreeNode) IsCacheValid(now time.Time, ttl time.Duration) bool {
	return n.CachedAt != nil && now.Sub(*n.CachedAt) < ttl
}

func (n *LazyTreeNode) CanHaveChildren() bool { return n.Kind.CanHaveChildren() }

func (n *LazyTreeNode) Icon() string { return n.Kind.Icon() }

func (n *LazyTreeNode) Expand()   { n.Expanded = true }
func (n *LazyTreeNode) Collapse() { n.Expanded = false }
func (n *LazyTreeNode) Toggle()   { n.Expanded = !n.Expanded }

// AddChild appends a child, replacing an existing child with the same ID.
func (n *LazyTreeNode) AddChild(child LazyTreeNode) {
	for i := range n.Children {
		if n.Children[i].ID == child.ID {
			n.Children[i] = child
			return
		}
	}
	n.Children = append(n.Children, child)
}

// SetMetadata sets key when value is non-empty.
func (n *LazyTreeNode) SetMetadata(key, value string) {
	if value == "" {
		return
	}
	if n.Metadata == nil {
		n.Metadata = map[string]string{}
	}
	n.Metadata[key] = value
}

// Clone returns a deep copy of the node and its subtree.
func (n LazyTreeNode) Clone() LazyTreeNode {
	out := n
	out.Metadata = maps.Clone(n.Metadata)
	if n.CachedAt != nil {
		t := *n.CachedAt
		out.CachedAt = &t
	}
	out.Children = CloneNodes(n.Children)
	return out
}

// CloneNodes deep-copies a slice of nodes. A nil slice stays nil.
func CloneNodes(nodes []LazyTreeNode) []LazyTreeNode {
	if nodes == nil {
		return nil
	}
	out := make([]LazyTreeNode, len(nodes))
	for i := range nodes {
		out[i] = nodes[i].Clone()
	}
	return out
}

// SortNodes orders nodes by display name, then by identity.
func SortNodes(nodes []LazyTreeNode) {
	slices.SortStableFunc(nodes, func(a, b LazyTreeNode) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
