// Package cli implements the tminus command tree.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var logger *slog.Logger

type commandContext struct {
	correlationID uuid.UUID
	startedAt     time.Time
}

type commandContextKey struct{}

var rootCmd = &cobra.Command{
	Use:   "tminus",
	Short: "T-Minus - per-user calendar federation",
	Long: `T-Minus federates a person's provider calendars into one canonical
graph, mirrors events across accounts under per-edge privacy policies,
and schedules group meetings with atomic tentative holds.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if logger == nil {
			logger = slog.Default()
		}
		info := commandContext{
			correlationID: uuid.New(),
			startedAt:     time.Now(),
		}
		cmd.SetContext(context.WithValue(cmd.Context(), commandContextKey{}, info))
		logger.Debug("command start",
			"command", cmd.CommandPath(),
			"correlation_id", info.correlationID.String(),
		)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		info, ok := cmd.Context().Value(commandContextKey{}).(commandContext)
		if !ok || logger == nil {
			return
		}
		logger.Debug("command end",
			"command", cmd.CommandPath(),
			"correlation_id", info.correlationID.String(),
			"duration_ms", time.Since(info.startedAt).Milliseconds(),
		)
	},
}

// Execute runs the command tree under ctx; ctx cancellation stops the
// long-running commands.
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// AddCommand adds a command to the root command.
func AddCommand(cmd *cobra.Command) {
	rootCmd.AddCommand(cmd)
}

// SetLogger sets the CLI logger.
func SetLogger(l *slog.Logger) {
	logger = l
}

func init() {
	AddCommand(serveCmd)
	AddCommand(workerCmd)
	AddCommand(migrateCmd)
	AddCommand(userCmd)
	AddCommand(accountCmd)
	AddCommand(sessionCmd)
	AddCommand(versionCmd)
}
