package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/ekaya-inc/ekaya-navigator/pkg/models"
	"github.com/ekaya-inc/ekaya-navigator/pkg/services"
)

func newTreeCmd(opts *appOptions) *cobra.Command {
	var (
		schema  string
		kinds   []string
		table   string
		verbose bool
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:     "tree NAME",
		GroupID: "browse",
		Short:   "Print the catalog tree of a connection",
		Long: `Print the schemas of a connection. With --schema, expand that schema and
load every object folder (or only the kinds named by --kind). With --table,
list the columns, indexes and triggers of one table.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter []models.ObjectKind
			for _, k := range kinds {
				kind, err := models.ParseObjectKind(k)
				if err != nil {
					return err
				}
				filter = append(filter, kind)
			}

			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				c, err := a.resolve(args[0])
				if err != nil {
					return err
				}

				// Browsing holds a session binding like the navigator panel does.
				component := models.NewComponentID()
				if err := a.bindings.Bind(ctx, component, c.ID, models.BindingSession); err != nil {
					return err
				}
				defer func() { _ = a.bindings.Unbind(context.WithoutCancel(ctx), component, c.ID) }()

				var root models.LazyTreeNode
				switch {
				case table != "":
					if schema == "" {
						schema = "public"
					}
					root, err = loadTable(ctx, a.loader, c.ID, schema, table)
				case schema != "":
					root, err = loadSchema(ctx, a.loader, c.ID, schema, filter)
				default:
					root = models.NewConnectionNode(c.ID, c.Name)
					root.Children, err = a.loader.LoadChildren(ctx, root.ID, "", models.KindSchema)
				}
				if err != nil {
					return err
				}

				if asJSON {
					return writeJSON(cmd.OutOrStdout(), root)
				}
				printTree(cmd.OutOrStdout(), root, "", verbose)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&schema, "schema", "", "expand this schema")
	f.StringSliceVar(&kinds, "kind", nil, "object kinds to load under --schema (table, view, function, ...)")
	f.StringVar(&table, "table", "", "show columns, indexes and triggers of this table")
	f.BoolVarP(&verbose, "verbose", "v", false, "print node metadata")
	f.BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

// loadSchema loads the requested folders of one schema concurrently on the
// loader's dispatcher.
func loadSchema(ctx context.Context, loader *services.SchemaTreeLoader, conn models.ConnectionID, schema string, kinds []models.ObjectKind) (models.LazyTreeNode, error) {
	node := models.NewSchemaNode(conn, schema)
	node.Expand()
	buckets := loader.ExpandSchema(conn, schema)
	if len(kinds) > 0 {
		buckets = slices.DeleteFunc(buckets, func(b models.LazyTreeNode) bool {
			return !slices.Contains(kinds, b.Kind)
		})
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for i := range buckets {
		wg.Add(1)
		err := loader.LoadChildrenAsync(buckets[i].ID, schema, buckets[i].Kind, func(children []models.LazyTreeNode, err error) {
			defer wg.Done()
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				buckets[i].SetError(err.Error())
				return
			}
			buckets[i].Children = children
			if loaded, ok := loader.Node(buckets[i].ID); ok {
				buckets[i].HasMore = loaded.HasMore
			}
			buckets[i].SetLoading(false)
		})
		if err != nil {
			wg.Done()
			return node, err
		}
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return node, err
	}

	node.Children = buckets
	node.SetLoading(false)
	return node, nil
}

// loadTable shows a table with its columns, indexes and triggers.
func loadTable(ctx context.Context, loader *services.SchemaTreeLoader, conn models.ConnectionID, schema, table string) (models.LazyTreeNode, error) {
	node := models.NewObjectNode(conn, schema, models.KindTable, table)

	cols, err := loader.Columns(ctx, node.ID)
	if err != nil {
		return node, err
	}
	colFolder := models.NewLazyTreeNode(node.ID+":columns", "Columns", models.KindTable)
	for _, col := range cols {
		label := fmt.Sprintf("%s %s", col.ColumnName, col.DataType)
		if col.IsPrimaryKey {
			label += " PK"
		}
		if !col.IsNullable {
			label += " NOT NULL"
		}
		colFolder.AddChild(models.NewLazyTreeNode(colFolder.ID+":"+col.ColumnName, label, models.KindTable))
	}
	node.AddChild(colFolder)

	for _, kind := range []models.ObjectKind{models.KindIndex, models.KindTrigger} {
		children, err := loader.LoadChildren(ctx, node.ID, schema, kind)
		if err != nil {
			return node, err
		}
		folder := models.NewObjectTypeNode(conn, schema, kind)
		folder.Children = children
		node.AddChild(folder)
	}
	return node, nil
}

func printTree(w io.Writer, n models.LazyTreeNode, indent string, verbose bool) {
	label := n.Name
	switch {
	case n.HasError():
		label += "  [error: " + n.Err + "]"
	case n.Loaded:
		label += fmt.Sprintf(" (%d)", len(n.Children))
	}
	if n.HasMore {
		label += " …more"
	}
	fmt.Fprintf(w, "%s%s\n", indent, label)

	if verbose && len(n.Metadata) > 0 {
		var parts []string
		for _, k := range sortedKeys(n.Metadata) {
			parts = append(parts, k+"="+n.Metadata[k])
		}
		fmt.Fprintf(w, "%s    %s\n", indent, strings.Join(parts, " "))
	}
	for _, child := range n.Children {
		printTree(w, child, indent+"  ", verbose)
	}
}
