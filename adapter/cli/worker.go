package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/tminus-app/tminus/internal/pipeline/write"
	"github.com/tminus-app/tminus/internal/shared/infrastructure/eventbus"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background loops without the API server",
	Long: `Runs the sync poller, journal feed and maintainer. When RabbitMQ is
configured the worker also consumes relayed mirror-write tasks, so API
processes can dispatch writes over the broker instead of executing them
in-process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		container, err := newContainer(cmd)
		if err != nil {
			return err
		}
		defer container.Close()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		startBackground(ctx, container)

		if container.Config.RabbitMQURL != "" {
			registry := eventbus.NewConsumerRegistry(container.Logger)
			registry.Register(write.NewBusIntake(container.Writes, container.Logger))
			consumer, err := eventbus.NewRabbitMQConsumer(eventbus.RabbitMQConsumerConfig{
				URL:    container.Config.RabbitMQURL,
				Logger: container.Logger,
			}, registry)
			if err != nil {
				if !container.Config.IsDevelopment() {
					return err
				}
				container.Logger.Warn("RabbitMQ not available, skipping task relay", "error", err)
			} else {
				defer func() {
					if err := consumer.Close(); err != nil {
						container.Logger.Warn("closing consumer failed", "error", err)
					}
				}()
				go func() {
					if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
						container.Logger.Error("task relay consumer stopped", "error", err)
					}
				}()
			}
		}

		container.Logger.Info("worker running")
		<-ctx.Done()

		container.Logger.Info("shutting down worker")
		stopBackground(container)
		return nil
	},
}
