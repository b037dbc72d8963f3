package cli

import (
	"github.com/spf13/cobra"

	"github.com/tminus-app/tminus/internal/app"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadRuntime()
		if err != nil {
			return err
		}
		if err := app.Migrate(cmd.Context(), cfg, log); err != nil {
			return err
		}
		cmd.Println("migrations applied")
		return nil
	},
}
