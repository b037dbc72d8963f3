package sync

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	accountApp "github.com/tminus-app/tminus/internal/account/application"
	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
)

// Intake turns verified provider notifications into poll signals. The
// channel token registered with the provider leads with the account id,
// which is how a notification finds its account.
type Intake struct {
	accounts *accountApp.Manager
	signals  SignalQueue
	logger   *slog.Logger
}

// NewIntake creates a webhook intake.
func NewIntake(accounts *accountApp.Manager, signals SignalQueue, logger *slog.Logger) *Intake {
	if logger == nil {
		logger = slog.Default()
	}
	return &Intake{accounts: accounts, signals: signals, logger: logger}
}

// HandleNotification verifies the channel token and enqueues a poll for
// its account. Unknown or stale tokens return AUTH_REQUIRED; the HTTP
// layer answers 401 and the attempt is logged here.
func (i *Intake) HandleNotification(ctx context.Context, token string) (uuid.UUID, error) {
	accountID, ok := splitToken(token)
	if !ok {
		i.logger.Warn("webhook notification with malformed token")
		return uuid.Nil, sharedDomain.NewCodedError(sharedDomain.CodeAuthRequired, "unrecognized webhook token")
	}

	coordinator, err := i.accounts.CoordinatorFor(ctx, accountID)
	if err != nil {
		i.logger.Warn("webhook notification for unknown account", "account_id", accountID)
		return uuid.Nil, sharedDomain.NewCodedError(sharedDomain.CodeAuthRequired, "unrecognized webhook token")
	}

	valid, err := coordinator.VerifyWebhookToken(ctx, token)
	if err != nil {
		return uuid.Nil, err
	}
	if !valid {
		i.logger.Warn("webhook notification with stale token", "account_id", accountID)
		return uuid.Nil, sharedDomain.NewCodedError(sharedDomain.CodeAuthRequired, "unrecognized webhook token")
	}

	if err := i.signals.Push(ctx, accountID); err != nil {
		return uuid.Nil, err
	}
	return accountID, nil
}

// splitToken extracts the account id prefix from a channel token of the
// form "<account-uuid>.<secret>".
func splitToken(token string) (uuid.UUID, bool) {
	prefix, _, found := strings.Cut(token, ".")
	if !found {
		return uuid.Nil, false
	}
	accountID, err := uuid.Parse(prefix)
	if err != nil {
		return uuid.Nil, false
	}
	return accountID, true
}
