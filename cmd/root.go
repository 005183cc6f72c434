// Package cmd holds the cobra commands shared by the worker binaries.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/codesearch/internal/app"
	"github.com/JakeFAU/codesearch/internal/config"
)

// builder creates a worker process from validated configuration.
type builder func(ctx context.Context, cfg config.Config) (*app.App, error)

// NewScraperCmd returns the scrape-and-validate command.
func NewScraperCmd() *cobra.Command {
	return newRootCmd(
		"scraper",
		"Scan code search results for Azure storage connection strings.",
		`scraper pages through code search results, extracts storage account
connection strings, confirms them against the storage service and queues
the live ones for the notifier.`,
		app.BuildScraper,
	)
}

// NewNotifierCmd returns the notification command.
func NewNotifierCmd() *cobra.Command {
	return newRootCmd(
		"notifier",
		"Email repository owners about confirmed storage credential exposures.",
		`notifier drains confirmed exposures from the queue, looks up a contact
address for the repository owner and sends one notice per credential,
recording each in the ledger so it is never sent twice.`,
		app.BuildNotifier,
	)
}

func newRootCmd(use, short, long string, build builder) *cobra.Command {
	var cfgFile, envFile string
	cmd := &cobra.Command{
		Use:           use,
		Short:         short,
		Long:          long,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadEnvFile(envFile); err != nil {
				return err
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			a, err := build(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			return a.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&cfgFile, "config", "", "YAML config file")
	cmd.Flags().StringVar(&envFile, "env-file", "", "dotenv file exported before the environment is read")
	return cmd
}

// Execute runs cmd and exits non-zero on failure.
func Execute(cmd *cobra.Command) {
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd.Name(), err)
		os.Exit(1)
	}
}
