package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tminus-app/tminus/internal/app"
	"github.com/tminus-app/tminus/pkg/config"
)

// loadRuntime loads configuration and returns the effective logger.
func loadRuntime() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading configuration: %w", err)
	}
	log := logger
	if log == nil {
		log = slog.Default()
	}
	return cfg, log, nil
}

// newContainer builds the wired application for one command invocation.
// The caller owns Close.
func newContainer(cmd *cobra.Command) (*app.Container, error) {
	cfg, log, err := loadRuntime()
	if err != nil {
		return nil, err
	}
	return app.NewContainer(cmd.Context(), cfg, log)
}
