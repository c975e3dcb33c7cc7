package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/huddle/internal/config"
	"github.com/mschirtzinger/huddle/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Create or inspect the configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the default settings",
	Long: `Write the built-in defaults to the config file (see --config) so they can
be edited. Secrets such as remote.token are better kept in the environment
(HUDDLE_REMOTE_TOKEN) or in a .env file.`,
	Annotations: map[string]string{"config": "none"},
	RunE: func(cmd *cobra.Command, _ []string) error {
		force, _ := cmd.Flags().GetBool("force")
		if err := config.WriteDefault(configPath, force); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Wrote %s\n", ui.OK.Render("✓"), configPath)
		fmt.Fprintf(cmd.OutOrStdout(), "   Set user.id and remote.base_url, then run 'huddle subscribe <project>'\n")
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the config file, .env and
HUDDLE_* environment variables have been applied. The token is masked.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		format, _ := cmd.Flags().GetString("format")
		data, err := config.Encode(cfg, format)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
	configShowCmd.Flags().String("format", "yaml", "yaml or toml")
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
