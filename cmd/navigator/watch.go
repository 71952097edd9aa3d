package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ekaya-inc/ekaya-navigator/pkg/events"
)

func newWatchCmd(opts *appOptions) *cobra.Command {
	var connect bool
	cmd := &cobra.Command{
		Use:     "watch",
		GroupID: "connections",
		Short:   "Stream connection events until interrupted",
		Long: `Run the health monitor and, unless disabled in config, reload
connections.json whenever it changes on disk. Every navigator and loader
event is printed as it happens. Stop with Ctrl-C.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return withApp(cmd, opts, func(_ context.Context, a *app) error {
				nav := events.SubscribeChannel(a.navBus, 64)
				defer nav.Cancel()
				loads := events.SubscribeChannel(a.loadBus, 64)
				defer loads.Cancel()
				conns := events.SubscribeChannel(a.connBus, 64)
				defer conns.Cancel()

				if a.cfg.WatchConfig {
					if err := a.watcher.Start(); err != nil {
						return err
					}
				}
				a.monitor.Start()

				if connect {
					for _, c := range a.registry.List() {
						if _, err := a.registry.PoolFor(ctx, c.ID); err != nil {
							cmd.PrintErrf("%s: %v\n", c.Name, err)
						}
					}
				}

				cmd.Printf("Watching %d connections. Press Ctrl-C to stop.\n", a.registry.Len())
				for {
					select {
					case <-ctx.Done():
						if n := nav.Dropped() + loads.Dropped() + conns.Dropped(); n > 0 {
							cmd.PrintErrf("%d events were dropped\n", n)
						}
						return nil
					case e := <-nav.C:
						cmd.Printf("%s navigator %-24s %s %s\n", stamp(), e.Kind, e.Connection, e.NodeID)
					case e := <-loads.C:
						cmd.Printf("%s loader    %-24s %s %s\n", stamp(), e.Kind, e.ParentID, e.Err)
					case e := <-conns.C:
						if e.Kind == events.Error {
							cmd.Printf("%s error     %-24s %s\n", stamp(), e.Connection, e.Message)
						}
					}
				}
			})
		},
	}
	cmd.Flags().BoolVar(&connect, "connect", false, "open a pool for every connection so health checks cover them")
	return cmd
}

func stamp() string { return time.Now().Format(time.TimeOnly) }
