package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/ekaya-inc/ekaya-navigator/pkg/config"
)

func newRootCmd() *cobra.Command {
	var opts appOptions

	root := &cobra.Command{
		Use:   "navigator",
		Short: "Browse PostgreSQL connections and their catalogs",
		Long: `navigator keeps a list of saved PostgreSQL connections, tests them and
lazily walks their catalogs: schemas, tables, views, indexes, functions and more.

Connections are stored in connections.json under the user config directory.
Settings come from config.yaml and NAVIGATOR_* environment variables.`,
		Version:      Version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config.yaml")
	root.PersistentFlags().StringVar(&opts.connectionsPath, "connections", "", "path to connections.json")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")

	root.AddGroup(
		&cobra.Group{ID: "connections", Title: "Connections:"},
		&cobra.Group{ID: "browse", Title: "Browsing:"},
	)

	root.AddCommand(
		newConnectionsCmd(&opts),
		newTreeCmd(&opts),
		newInfoCmd(&opts),
		newWatchCmd(&opts),
		newEnvCmd(),
	)
	return root
}

// withApp builds the application for one command run and tears it down
// afterwards.
func withApp(cmd *cobra.Command, opts *appOptions, run func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, *opts)
	if err != nil {
		return err
	}
	defer a.close()
	return run(ctx, a)
}

func newEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "List the environment variables navigator reads",
		RunE: func(cmd *cobra.Command, args []string) error {
			usage, err := config.Usage()
			if err != nil {
				return err
			}
			cmd.Println(usage)
			return nil
		},
	}
}
