package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/tminus-app/tminus/adapter/cli"
	"github.com/tminus-app/tminus/pkg/observability"
)

func main() {
	logger := observability.LoggerFromEnv()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cli.SetLogger(logger)
	cli.Execute(ctx)
}
