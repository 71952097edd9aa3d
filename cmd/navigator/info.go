package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newInfoCmd(opts *appOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "info NAME",
		GroupID: "browse",
		Short:   "Show server details for a connection",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				c, err := a.resolve(args[0])
				if err != nil {
					return err
				}
				info, err := a.tester.DatabaseInfo(ctx, c.ID)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), info)
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintf(tw, "Connection:\t%s\n", c.Name)
				fmt.Fprintf(tw, "URL:\t%s\n", c.Config.RedactedURL())
				fmt.Fprintf(tw, "Server:\t%s\n", info.Version)
				fmt.Fprintf(tw, "Database:\t%s\n", info.Database)
				fmt.Fprintf(tw, "User:\t%s\n", info.CurrentUser)
				fmt.Fprintf(tw, "Size:\t%s\n", formatBytes(info.SizeBytes))
				fmt.Fprintf(tw, "Schemas:\t%d\n", info.SchemaCount)
				fmt.Fprintf(tw, "Tables:\t%d\n", info.TableCount)
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
