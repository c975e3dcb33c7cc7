package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/huddle/internal/config"
	"github.com/mschirtzinger/huddle/internal/ui"
)

var (
	configPath string
	noColor    bool
	outputFmt  string

	// cfg is loaded once in PersistentPreRunE.
	cfg    *config.Config
	loader *config.Loader
)

var rootCmd = &cobra.Command{
	Use:   "huddle",
	Short: "Keep a local copy of shared project boards in sync",
	Long: `huddle mirrors projects, milestones, tasks, activity and presence from the
team service into a local SQLite store, merges pulls, real-time events and
your own edits deterministically, and serves derived views from it.

Run 'huddle daemon' to keep the store current, or use the one-shot
commands to pull, edit and inspect.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		ui.Init(cmd.OutOrStdout(), noColor)
		switch outputFmt {
		case "text", "json", "yaml":
		default:
			return fmt.Errorf("unknown output format %q (want text, json or yaml)", outputFmt)
		}
		if cmd.Annotations["config"] == "none" {
			return nil
		}
		loader = config.NewLoader(configPath)
		c, err := loader.Load()
		if err != nil {
			return err
		}
		cfg = c
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "config file")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "text", "output format: text, json or yaml")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "edit", Title: "Editing:"},
		&cobra.Group{ID: "views", Title: "Views:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
