package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// newRunCmd creates the 'run' subcommand, which runs the scheduler until it
// is interrupted.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Runs the scheduler and its admin API",
		Long: `Starts every scheduler pool and the admin HTTP server and keeps them
running until SIGINT or SIGTERM, then drains the pools and exits.`,
		RunE: runRunCommand,
	}
}

func runRunCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := appInstance.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		// PersistentPostRun is skipped on error.
		appInstance.Close()
		return fmt.Errorf("run scheduler: %w", err)
	}
	appInstance.Logger().Info("Scheduler stopped.")
	return nil
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
