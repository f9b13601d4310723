package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/waypost/internal/dashboard"
)

func newRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the Waypost session",
		Long:  "Connects as the logged-in user, presents incoming calls, raises notification alerts and serves the dashboard until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "waypost.yaml", "path to Waypost config file")
	return cmd
}

func runRun(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	a, err := buildApp(configPath, out)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmdContext(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.cfg.Dashboard.Port > 0 {
		go func() {
			err := dashboard.Start(ctx, dashboard.StartOpts{
				Backend:  a.owner,
				Alerts:   a.alerts,
				Gatherer: a.registry,
				Port:     a.cfg.Dashboard.Port,
				Out:      out,
			})
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Dashboard stopped: %v\n", err)
			}
		}()
	}

	return a.owner.Run(ctx)
}

// cmdContext returns the command's context, or Background when it was
// executed without one.
func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
