package cli

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	accountDomain "github.com/tminus-app/tminus/internal/account/domain"
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage connected provider accounts",
}

var (
	accountUser    string
	accountRemote  string
	accountEmail   string
	accountToken   string
	accountFeedURL string
)

var accountConnectCmd = &cobra.Command{
	Use:   "connect <google|microsoft|ics>",
	Short: "Connect a provider account for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := uuid.Parse(accountUser)
		if err != nil {
			return fmt.Errorf("invalid --user: %w", err)
		}
		provider := accountDomain.ProviderType(args[0])

		remote := accountRemote
		refreshToken := accountToken
		if provider == accountDomain.ProviderICS {
			// Feed subscriptions key on the URL and carry no credentials.
			remote = accountFeedURL
			refreshToken = ""
		}
		if remote == "" {
			return fmt.Errorf("a remote account id (or --feed-url for ics) is required")
		}

		container, err := newContainer(cmd)
		if err != nil {
			return err
		}
		defer container.Close()
		ctx := cmd.Context()

		if _, err := container.Registry.GetUser(ctx, userID); err != nil {
			return err
		}
		account, err := container.Accounts.Connect(ctx, userID, provider, remote, accountEmail, refreshToken)
		if err != nil {
			return err
		}
		if err := container.Registry.BindAccount(ctx, string(provider), remote, account.ID(), userID); err != nil {
			return err
		}
		cmd.Printf("connected %s account %s\n", provider, account.ID())
		return nil
	},
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a user's accounts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := uuid.Parse(accountUser)
		if err != nil {
			return fmt.Errorf("invalid --user: %w", err)
		}
		container, err := newContainer(cmd)
		if err != nil {
			return err
		}
		defer container.Close()

		accounts, err := container.Accounts.ListByUser(cmd.Context(), userID)
		if err != nil {
			return err
		}
		if len(accounts) == 0 {
			cmd.Println("no accounts connected")
			return nil
		}
		for _, account := range accounts {
			cmd.Printf("%s  %-9s  %-30s  %s/%s\n",
				account.ID(), account.Provider(), account.Email(),
				account.Status(), account.Health())
		}
		return nil
	},
}

var accountHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show sync health for a user's accounts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := uuid.Parse(accountUser)
		if err != nil {
			return fmt.Errorf("invalid --user: %w", err)
		}
		container, err := newContainer(cmd)
		if err != nil {
			return err
		}
		defer container.Close()

		report, err := container.Accounts.HealthReport(cmd.Context(), userID)
		if err != nil {
			return err
		}
		for _, entry := range report {
			line := fmt.Sprintf("%s  %-9s  %s/%s  failures=%d",
				entry.AccountID, entry.Provider, entry.Status, entry.Health, entry.ConsecutiveFailures)
			if !entry.LastSyncedAt.IsZero() {
				line += "  last_synced=" + entry.LastSyncedAt.Format("2006-01-02T15:04:05Z07:00")
			}
			if entry.LastError != "" {
				line += "  error=" + entry.LastError
			}
			cmd.Println(line)
		}
		return nil
	},
}

var accountRevokeCmd = &cobra.Command{
	Use:   "revoke <account-id>",
	Short: "Revoke an account and remove its index binding",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		accountID, err := uuid.Parse(args[0])
		if err != nil {
			return err
		}
		container, err := newContainer(cmd)
		if err != nil {
			return err
		}
		defer container.Close()
		ctx := cmd.Context()

		coordinator, err := container.Accounts.CoordinatorFor(ctx, accountID)
		if err != nil {
			return err
		}
		account, err := coordinator.Account(ctx)
		if err != nil {
			return err
		}
		if err := coordinator.Revoke(ctx); err != nil {
			return err
		}
		if err := container.Registry.UnbindAccount(ctx, string(account.Provider()), account.RemoteAccountID()); err != nil {
			container.Logger.Warn("unbinding revoked account failed",
				"account_id", accountID,
				"error", err,
			)
		}
		cmd.Printf("revoked account %s\n", accountID)
		return nil
	},
}

func init() {
	accountConnectCmd.Flags().StringVar(&accountUser, "user", "", "owning user id")
	accountConnectCmd.Flags().StringVar(&accountRemote, "remote", "", "provider-side account id (email)")
	accountConnectCmd.Flags().StringVar(&accountEmail, "email", "", "account email address")
	accountConnectCmd.Flags().StringVar(&accountToken, "refresh-token", "", "OAuth refresh token")
	accountConnectCmd.Flags().StringVar(&accountFeedURL, "feed-url", "", "ICS feed URL")
	_ = accountConnectCmd.MarkFlagRequired("user")

	accountListCmd.Flags().StringVar(&accountUser, "user", "", "owning user id")
	_ = accountListCmd.MarkFlagRequired("user")

	accountHealthCmd.Flags().StringVar(&accountUser, "user", "", "owning user id")
	_ = accountHealthCmd.MarkFlagRequired("user")

	accountCmd.AddCommand(accountConnectCmd)
	accountCmd.AddCommand(accountListCmd)
	accountCmd.AddCommand(accountHealthCmd)
	accountCmd.AddCommand(accountRevokeCmd)
}
