// Package commands defines all Cobra CLI commands for the ppta binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/54b3r/ppta-go/internal/audit"
	"github.com/54b3r/ppta-go/internal/config"
	"github.com/54b3r/ppta-go/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ppta",
		Short: "PPTA, a troubleshooting assistant for power plant engines",
		Long: `PPTA answers operator questions about power plant engines using the
plant's own manuals and maintenance documents.

It serves a chat API grounded in ingested documents, generates step-by-step
troubleshooting procedures for alarms, and ingests PDF, DOCX, text and image
documents into a vector store.

Settings come from the environment, a .env file in the working directory and
an optional YAML config file (~/.ppta/config.yaml). Env always wins.
See 'ppta --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			// Load YAML config (env vars always override YAML values).
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			// Emit structured audit log for every command invocation.
			audit.LogCommandStart(log, cmd.Name(), loadedConfigPath)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.ppta/config.yaml)")

	root.AddCommand(
		NewServeCmd(),
		NewAskCmd(),
		NewTroubleshootCmd(),
		NewIngestCmd(),
		NewVersionCmd(),
	)

	return root
}
