package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "views",
	Short:   "Serve the derived views over WebSocket",
	Long: `Start the local dashboard server without syncing.

'huddle daemon' serves the same dashboard while it syncs; use this command
to browse the local store offline or while another process syncs it.

Connected clients first receive every view, then updates as the store
changes:
  milestones   milestone progress per project
  feed         recent activity per project
  blocked      blocked tasks per project
  presence     who is online
  conflicts    recent merge conflicts

Endpoints:
  ws://<addr>/ws
  http://<addr>/health
  http://<addr>/metrics`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Dashboard.Addr = addr
		}

		ctx, cancel := commandContext(cmd.Context())
		defer cancel()

		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		stop, err := startDashboard(ctx, a, a.logger.Named("dashboard"))
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Dashboard serving %s\n", cfg.DBPath)
		fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl+C to stop...")
		<-ctx.Done()

		fmt.Fprintln(cmd.OutOrStdout(), "\nShutting down dashboard server...")
		stop()
		return nil
	},
}

func init() {
	dashboardCmd.Flags().String("addr", "", "listen address (default from config)")
	rootCmd.AddCommand(dashboardCmd)
}
