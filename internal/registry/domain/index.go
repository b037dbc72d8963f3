package domain

import (
	"context"

	"github.com/google/uuid"

	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
)

// AccountBinding maps a provider's notion of an account to ours. Webhook
// intake and event classification resolve through this index without
// loading the account aggregate.
type AccountBinding struct {
	Provider        string
	RemoteAccountID string
	AccountID       uuid.UUID
	UserID          uuid.UUID
}

// Validate checks the binding is complete.
func (b AccountBinding) Validate() error {
	if b.Provider == "" || b.RemoteAccountID == "" {
		return sharedDomain.ErrValidation("binding needs a provider and a remote account id")
	}
	if b.AccountID == uuid.Nil || b.UserID == uuid.Nil {
		return sharedDomain.ErrValidation("binding needs an account id and a user id")
	}
	return nil
}

// AccountIndexRepository stores the (provider, remote id) index.
type AccountIndexRepository interface {
	// Bind upserts a binding on its (provider, remote id) key.
	Bind(ctx context.Context, binding AccountBinding) error

	// Resolve looks up the binding for a provider account.
	Resolve(ctx context.Context, provider, remoteAccountID string) (AccountBinding, error)

	// FindByUser lists a user's bindings.
	FindByUser(ctx context.Context, userID uuid.UUID) ([]AccountBinding, error)

	// Unbind removes one binding.
	Unbind(ctx context.Context, provider, remoteAccountID string) error

	// UnbindUser removes every binding of a user. Returns the count.
	UnbindUser(ctx context.Context, userID uuid.UUID) (int, error)
}
