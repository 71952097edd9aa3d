package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ekaya-inc/ekaya-navigator/pkg/models"
	"github.com/ekaya-inc/ekaya-navigator/pkg/services"
)

func newConnectionsCmd(opts *appOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "connections",
		Aliases: []string{"conn"},
		GroupID: "connections",
		Short:   "Manage saved connections",
	}
	cmd.AddCommand(
		newConnectionsListCmd(opts),
		newConnectionsAddCmd(opts),
		newConnectionsDeleteCmd(opts),
		newConnectionsTestCmd(opts),
	)
	return cmd
}

func newConnectionsListCmd(opts *appOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List saved connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				conns := a.registry.List()
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), conns)
				}
				return printConnections(cmd.OutOrStdout(), conns)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printConnections(w io.Writer, conns []services.ConnectionContext) error {
	if len(conns) == 0 {
		_, err := fmt.Fprintln(w, "No saved connections. Add one with 'navigator connections add'.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tURL\tLAST CONNECTED\tID")
	for _, c := range conns {
		last := "never"
		if c.Config.LastConnected != nil {
			last = c.Config.LastConnected.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.Name, c.Config.RedactedURL(), last, c.ID)
	}
	return tw.Flush()
}

func newConnectionsAddCmd(opts *appOptions) *cobra.Command {
	var (
		cfg     models.ConnectionConfig
		sslMode string
		test    bool
	)
	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Save a new connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := models.ParseSSLMode(sslMode)
			if err != nil {
				return err
			}
			cfg.Name = args[0]
			cfg.SSLMode = mode
			if err := cfg.Validate(); err != nil {
				return err
			}

			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if _, exists := a.registry.FindByName(cfg.Name); exists {
					return fmt.Errorf("a connection named %q already exists", cfg.Name)
				}
				if test {
					res := a.tester.Test(ctx, cfg)
					if !res.OK {
						return fmt.Errorf("%s check failed: %s", res.Stage, res.Message)
					}
				}
				id, err := a.registry.Create(ctx, cfg)
				if err != nil {
					return err
				}
				cmd.Printf("Saved %s (%s)\n", cfg.Name, id)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.Host, "host", "localhost", "server host")
	f.IntVar(&cfg.Port, "port", 5432, "server port")
	f.StringVar(&cfg.Database, "database", "postgres", "database name")
	f.StringVar(&cfg.Username, "user", "postgres", "user name")
	f.StringVar(&cfg.Password, "password", "", "password")
	f.StringVar(&sslMode, "sslmode", string(models.DefaultSSLMode), "disable, allow, prefer, require, verify-ca or verify-full")
	f.IntVar(&cfg.ConnectionTimeout, "timeout", 30, "connect timeout in seconds")
	f.BoolVar(&test, "test", true, "test the connection before saving")
	return cmd
}

func newConnectionsDeleteCmd(opts *appOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "delete NAME",
		Aliases: []string{"rm"},
		Short:   "Delete a saved connection",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				c, err := a.resolve(args[0])
				if err != nil {
					return err
				}
				if err := a.registry.Delete(ctx, c.ID); err != nil {
					return err
				}
				cmd.Printf("Deleted %s\n", c.Name)
				return nil
			})
		},
	}
}

func newConnectionsTestCmd(opts *appOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "test [NAME]",
		Short: "Test one saved connection, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if len(args) == 1 {
					c, err := a.resolve(args[0])
					if err != nil {
						return err
					}
					res := a.tester.Test(ctx, c.Config)
					printTestResult(cmd, c.Name, res)
					if !res.OK {
						return fmt.Errorf("connection %s failed", c.Name)
					}
					return nil
				}

				results := a.tester.TestAll(ctx)
				conns := a.registry.List()
				failed := 0
				for _, c := range conns {
					res := results[c.ID]
					printTestResult(cmd, c.Name, res)
					if !res.OK {
						failed++
					}
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d connections failed", failed, len(conns))
				}
				return nil
			})
		},
	}
}

func printTestResult(cmd *cobra.Command, name string, res services.TestResult) {
	if res.OK {
		cmd.Printf("✓ %s: %s\n", name, res.Message)
		return
	}
	cmd.Printf("✗ %s (%s): %s\n", name, res.Stage, res.Message)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// sortedKeys returns map keys in order for stable output.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
