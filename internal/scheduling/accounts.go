package scheduling

import (
	"context"

	"github.com/google/uuid"

	accountApp "github.com/tminus-app/tminus/internal/account/application"
	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
)

// ManagerAccounts picks hold accounts from the account manager: the first
// active writable account a participant has connected.
type ManagerAccounts struct {
	manager *accountApp.Manager
}

// NewManagerAccounts creates the account source used in production.
func NewManagerAccounts(manager *accountApp.Manager) *ManagerAccounts {
	return &ManagerAccounts{manager: manager}
}

func (a *ManagerAccounts) HoldAccountID(ctx context.Context, userID uuid.UUID) (string, error) {
	accounts, err := a.manager.ListByUser(ctx, userID)
	if err != nil {
		return "", err
	}
	for _, account := range accounts {
		if account.IsActive() && account.Provider().SupportsWrites() {
			return account.ID().String(), nil
		}
	}
	return "", sharedDomain.ErrValidation("user %s has no active writable account to hold a slot on", userID)
}
