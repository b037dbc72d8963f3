package cli

import (
	"context"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/tminus-app/tminus/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server with the sync, write and upkeep loops",
	RunE: func(cmd *cobra.Command, args []string) error {
		container, err := newContainer(cmd)
		if err != nil {
			return err
		}
		defer container.Close()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		startBackground(ctx, container)

		errCh := make(chan error, 1)
		go func() {
			container.Logger.Info("api server starting", "addr", container.Config.APIAddr)
			if err := container.API.Start(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		container.Logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := container.API.Shutdown(shutdownCtx); err != nil {
			container.Logger.Warn("api shutdown error", "error", err)
		}
		stopBackground(container)
		return nil
	},
}

// startBackground launches the loops every tminus process runs: the sync
// poller, the journal feed and the maintainer.
func startBackground(ctx context.Context, container *app.Container) {
	go func() {
		if err := container.Poller.Run(ctx); err != nil && ctx.Err() == nil {
			container.Logger.Error("sync poller stopped", "error", err)
		}
	}()
	go func() {
		if err := container.Maintainer.Run(ctx); err != nil && ctx.Err() == nil {
			container.Logger.Error("maintainer stopped", "error", err)
		}
	}()
	if err := container.Feed.Start(ctx); err != nil {
		container.Logger.Error("journal feed failed to start", "error", err)
	}
}

func stopBackground(container *app.Container) {
	container.Poller.Stop()
	container.Maintainer.Stop()
	container.Feed.Stop()
}
