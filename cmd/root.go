// Package cmd defines and implements the CLI commands for the crawlsched executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsched/internal/app"
	"github.com/JakeFAU/crawlsched/internal/config"
	"github.com/JakeFAU/crawlsched/internal/logging"
	viperconfig "github.com/JakeFAU/crawlsched/pkg/config"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands will use.
// This allows us to inject a fake app during tests.
type App interface {
	Run(ctx context.Context) error
	Close()
	Logger() *zap.Logger
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

// loadConfig reads the config file named by path (or the default locations)
// and decodes it with environment overrides applied.
func loadConfig(path string) (config.Config, string, error) {
	used, err := viperconfig.InitConfig(path)
	if err != nil {
		return config.Config{}, "", err
	}
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return config.Config{}, "", fmt.Errorf("load config: %w", err)
	}
	return cfg, used, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "crawlsched",
		Short: "A distributed crawl scheduler.",
		Long: `crawlsched keeps a shared document queue moving: it hands due documents
to fetch workers in fair priority order, deletes, cleans up and expires
documents, reseeds continuous jobs and drives every job through its
lifecycle.`,
		SilenceUsage: true,

		// Builds and injects the application before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, used, err := loadConfig(cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return err
			}
			if used != "" {
				logger.Info("Using config file", zap.String("path", used))
			} else {
				logger.Warn("Config file not found; using defaults and environment variables.")
			}

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		// Shuts services down once the subcommand returns.
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./crawlsched.yaml)")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newValidateCmd(&cfgFile))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Command execution failed:", err)
		os.Exit(1)
	}
}
