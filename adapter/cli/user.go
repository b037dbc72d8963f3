package cli

import (
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage registered users",
}

var userAddCmd = &cobra.Command{
	Use:   "add <display-name>",
	Short: "Register a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		container, err := newContainer(cmd)
		if err != nil {
			return err
		}
		defer container.Close()

		user, err := container.Registry.RegisterUser(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		cmd.Printf("registered %s (%s)\n", user.DisplayName(), user.ID())
		return nil
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered users",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		container, err := newContainer(cmd)
		if err != nil {
			return err
		}
		defer container.Close()

		users, err := container.Registry.Users(cmd.Context())
		if err != nil {
			return err
		}
		if len(users) == 0 {
			cmd.Println("no users registered")
			return nil
		}
		for _, user := range users {
			cmd.Printf("%s  %s  registered %s\n",
				user.ID(), user.DisplayName(), user.CreatedAt().Format("2006-01-02"))
		}
		return nil
	},
}

var userRemoveCmd = &cobra.Command{
	Use:   "remove <user-id>",
	Short: "Purge a user's data and print the deletion certificate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := uuid.Parse(args[0])
		if err != nil {
			return err
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
		certificate, err := container.Graphs.Coordinator(userID).PurgeUser(ctx)
		if err != nil {
			return err
		}
		if err := container.Registry.RemoveUser(ctx, userID); err != nil {
			return err
		}
		cmd.Printf("purged user %s: %d canonical events, %d mirrors\n",
			userID, certificate.CanonicalCount, certificate.MirrorCount)
		cmd.Printf("certificate %s hash %s\n", certificate.ID, certificate.CertificateHash)
		return nil
	},
}

func init() {
	userCmd.AddCommand(userAddCmd)
	userCmd.AddCommand(userListCmd)
	userCmd.AddCommand(userRemoveCmd)
}
