// Package application hosts the account coordinator: one logical instance
// per connected account, serializing credential refresh, cursor changes and
// channel management behind a mutex.
package application

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tminus-app/tminus/internal/account/domain"
	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
	"github.com/tminus-app/tminus/internal/shared/infrastructure/crypto"
	"github.com/tminus-app/tminus/internal/shared/infrastructure/eventbus"
)

// RefreshWindow is how close to expiry a cached access token may get before
// it is refreshed. In-flight provider calls never straddle expiry.
const RefreshWindow = 60 * time.Second

// RefreshedToken is the result of a refresh exchange.
type RefreshedToken struct {
	AccessToken string
	ExpiresAt   time.Time
	// RefreshToken is non-empty only when the provider rotated it.
	RefreshToken string
}

// TokenRefresher exchanges a refresh token for a short-lived access token.
// Implementations classify failures with the shared error codes:
// CodeRefreshFailed on provider 4xx (terminal for this attempt),
// CodeUnavailable on 5xx and network errors (transient).
type TokenRefresher interface {
	Refresh(ctx context.Context, provider domain.ProviderType, refreshToken string) (RefreshedToken, error)
	Revoke(ctx context.Context, provider domain.ProviderType, refreshToken string) error
}

// ChannelClient manages webhook channels at the provider.
type ChannelClient interface {
	Register(ctx context.Context, account *domain.Account, accessToken string) (domain.WatchChannel, error)
	Stop(ctx context.Context, account *domain.Account, accessToken string) error
}

// RateLimiter throttles outbound provider calls per account. Wait blocks
// until a token is available or the context expires.
type RateLimiter interface {
	Wait(ctx context.Context, accountID string) error
}

// SyncHealth is the per-account health snapshot surfaced to operators.
type SyncHealth struct {
	AccountID           uuid.UUID            `json:"account_id"`
	Provider            domain.ProviderType  `json:"provider"`
	Status              domain.AccountStatus `json:"status"`
	Health              domain.AccountHealth `json:"health"`
	LastSyncedAt        time.Time            `json:"last_synced_at"`
	LastAttemptAt       time.Time            `json:"last_attempt_at"`
	ConsecutiveFailures int                  `json:"consecutive_failures"`
	LastError           string               `json:"last_error,omitempty"`
	WatchRegistered     bool                 `json:"watch_registered"`
	WatchExpiresAt      time.Time            `json:"watch_expires_at,omitzero"`
}

// Coordinator serializes all state changes for one account. The aggregate
// is loaded per operation so the repository stays the source of truth; the
// lock makes load-mutate-save atomic with respect to other operations on
// the same account.
type Coordinator struct {
	accountID uuid.UUID
	repo      domain.AccountRepository
	cipher    crypto.TokenCipher
	refresher TokenRefresher
	channels  ChannelClient
	limiter   RateLimiter
	publisher eventbus.Publisher
	logger    *slog.Logger

	mu sync.Mutex
}

// NewCoordinator builds a coordinator for one account. channels may be nil
// for providers without webhook support.
func NewCoordinator(
	accountID uuid.UUID,
	repo domain.AccountRepository,
	cipher crypto.TokenCipher,
	refresher TokenRefresher,
	channels ChannelClient,
	limiter RateLimiter,
	publisher eventbus.Publisher,
	logger *slog.Logger,
) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = eventbus.NewNoopPublisher(logger)
	}
	if cipher == nil {
		cipher = crypto.PlaintextCipher{}
	}
	return &Coordinator{
		accountID: accountID,
		repo:      repo,
		cipher:    cipher,
		refresher: refresher,
		channels:  channels,
		limiter:   limiter,
		publisher: publisher,
		logger:    logger.With("account_id", accountID.String()),
	}
}

// AccountID returns the account this coordinator serializes.
func (c *Coordinator) AccountID() uuid.UUID { return c.accountID }

// GetAccessToken returns a usable access token, refreshing when the cached
// one is within RefreshWindow of expiry.
func (c *Coordinator) GetAccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	account, err := c.load(ctx)
	if err != nil {
		return "", err
	}
	if account.AccessTokenValid(time.Now(), RefreshWindow) {
		return account.AccessToken(), nil
	}
	return c.refreshLocked(ctx, account)
}

// ForceRefresh discards the cached access token and mints a new one. The
// write pipeline calls this once after a provider rejects a token.
func (c *Coordinator) ForceRefresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	account, err := c.load(ctx)
	if err != nil {
		return "", err
	}
	account.DropAccessToken()
	return c.refreshLocked(ctx, account)
}

// refreshLocked runs the refresh exchange. Caller holds the lock.
func (c *Coordinator) refreshLocked(ctx context.Context, account *domain.Account) (string, error) {
	if !account.IsActive() || !account.HasCredentials() {
		return "", sharedDomain.NewCodedError(sharedDomain.CodeNoCredentials,
			"account %s has no usable credentials", c.accountID)
	}

	refreshToken, err := c.cipher.DecryptToken(account.EncryptedRefreshToken())
	if err != nil {
		return "", sharedDomain.WrapCoded(sharedDomain.CodeNoCredentials, err,
			"unsealing refresh token for account %s", c.accountID)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, c.accountID.String()); err != nil {
			return "", err
		}
	}

	minted, err := c.refresher.Refresh(ctx, account.Provider(), refreshToken)
	if err != nil {
		if sharedDomain.HasCode(err, sharedDomain.CodeRefreshFailed) {
			account.MarkAuthBroken(err.Error())
			if saveErr := c.repo.Save(ctx, account); saveErr != nil {
				c.logger.Error("persisting broken auth state failed", "error", saveErr)
			}
		}
		return "", err
	}

	account.CacheAccessToken(minted.AccessToken, minted.ExpiresAt)
	if minted.RefreshToken != "" {
		sealed, err := c.cipher.EncryptToken(minted.RefreshToken)
		if err != nil {
			return "", sharedDomain.ErrInternal(err, "sealing rotated refresh token")
		}
		if err := account.SetCredentials(sealed); err != nil {
			return "", err
		}
	}
	if err := c.repo.Save(ctx, account); err != nil {
		return "", err
	}
	return minted.AccessToken, nil
}

// SyncCursor returns the provider's incremental cursor, empty when the next
// sync must run a full scan.
func (c *Coordinator) SyncCursor(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	account, err := c.load(ctx)
	if err != nil {
		return "", err
	}
	return account.SyncCursor(), nil
}

// SetSyncCursor stores the cursor returned by a completed sync.
func (c *Coordinator) SetSyncCursor(ctx context.Context, cursor string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	account, err := c.load(ctx)
	if err != nil {
		return err
	}
	account.SetSyncCursor(cursor)
	return c.repo.Save(ctx, account)
}

// InvalidateCursor switches the account to full-scan mode after the
// provider rejected the cursor.
func (c *Coordinator) InvalidateCursor(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	account, err := c.load(ctx)
	if err != nil {
		return err
	}
	account.InvalidateCursor()
	if err := c.repo.Save(ctx, account); err != nil {
		return err
	}
	c.publishEvents(ctx, account)
	return nil
}

// RegisterChannel registers a webhook channel with the provider and records
// it on the account.
func (c *Coordinator) RegisterChannel(ctx context.Context) (domain.WatchChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registerChannelLocked(ctx)
}

func (c *Coordinator) registerChannelLocked(ctx context.Context) (domain.WatchChannel, error) {
	account, err := c.load(ctx)
	if err != nil {
		return domain.WatchChannel{}, err
	}
	if !account.Provider().SupportsWatch() || c.channels == nil {
		return domain.WatchChannel{}, sharedDomain.ErrValidation(
			"provider %s does not support watch channels", account.Provider())
	}

	token, err := c.refreshOrCachedLocked(ctx, account)
	if err != nil {
		return domain.WatchChannel{}, err
	}

	channel, err := c.channels.Register(ctx, account, token)
	if err != nil {
		return domain.WatchChannel{}, err
	}
	if err := account.SetWatchChannel(channel); err != nil {
		return domain.WatchChannel{}, err
	}
	if err := c.repo.Save(ctx, account); err != nil {
		return domain.WatchChannel{}, err
	}
	c.publishEvents(ctx, account)
	c.logger.Info("watch channel registered",
		"channel_id", channel.ChannelID,
		"expires_at", channel.ExpiresAt,
	)
	return channel, nil
}

// RenewChannelIfExpiring re-registers the channel when it expires within
// the threshold. Returns true when a renewal happened.
func (c *Coordinator) RenewChannelIfExpiring(ctx context.Context, threshold time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	account, err := c.load(ctx)
	if err != nil {
		return false, err
	}
	if c.channels == nil || !account.Watch().Registered() || !account.Watch().ExpiringWithin(time.Now(), threshold) {
		return false, nil
	}

	// Stop the old channel best-effort; the provider expires it anyway.
	if token, err := c.refreshOrCachedLocked(ctx, account); err == nil {
		if err := c.channels.Stop(ctx, account, token); err != nil {
			c.logger.Warn("stopping expiring channel failed", "error", err)
		}
	}

	if _, err := c.registerChannelLocked(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// ChannelStatus reports the current webhook channel.
func (c *Coordinator) ChannelStatus(ctx context.Context) (domain.WatchChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	account, err := c.load(ctx)
	if err != nil {
		return domain.WatchChannel{}, err
	}
	return account.Watch(), nil
}

// VerifyWebhookToken checks an inbound notification's channel token.
func (c *Coordinator) VerifyWebhookToken(ctx context.Context, token string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	account, err := c.load(ctx)
	if err != nil {
		return false, err
	}
	return account.VerifyWatchToken(token), nil
}

// Revoke deletes all local auth state, after best-effort provider-side
// token revocation and channel stop.
func (c *Coordinator) Revoke(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	account, err := c.load(ctx)
	if err != nil {
		return err
	}

	if account.HasCredentials() {
		if refreshToken, err := c.cipher.DecryptToken(account.EncryptedRefreshToken()); err == nil {
			if err := c.refresher.Revoke(ctx, account.Provider(), refreshToken); err != nil {
				c.logger.Warn("provider token revoke failed", "error", err)
			}
		}
		if c.channels != nil && account.Watch().Registered() && account.AccessToken() != "" {
			if err := c.channels.Stop(ctx, account, account.AccessToken()); err != nil {
				c.logger.Warn("stopping channel on revoke failed", "error", err)
			}
		}
	}

	account.Revoke()
	if err := c.repo.Save(ctx, account); err != nil {
		return err
	}
	c.publishEvents(ctx, account)
	c.logger.Info("account revoked")
	return nil
}

// MarkSyncSuccess records a completed sync at ts and resets health.
func (c *Coordinator) MarkSyncSuccess(ctx context.Context, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	account, err := c.load(ctx)
	if err != nil {
		return err
	}
	account.MarkSyncSuccess(ts)
	return c.repo.Save(ctx, account)
}

// MarkSyncFailure records a failed sync attempt.
func (c *Coordinator) MarkSyncFailure(ctx context.Context, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	account, err := c.load(ctx)
	if err != nil {
		return err
	}
	account.MarkSyncFailure(reason)
	return c.repo.Save(ctx, account)
}

// SetPrimaryCalendar records the provider's primary calendar once resolved.
func (c *Coordinator) SetPrimaryCalendar(ctx context.Context, calendarID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	account, err := c.load(ctx)
	if err != nil {
		return err
	}
	account.SetPrimaryCalendar(calendarID)
	return c.repo.Save(ctx, account)
}

// SetOverlayCalendar records the busy-overlay calendar provisioned at the
// provider.
func (c *Coordinator) SetOverlayCalendar(ctx context.Context, calendarID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	account, err := c.load(ctx)
	if err != nil {
		return err
	}
	account.SetOverlayCalendar(calendarID)
	return c.repo.Save(ctx, account)
}

// Health returns the account's sync health snapshot.
func (c *Coordinator) Health(ctx context.Context) (SyncHealth, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	account, err := c.load(ctx)
	if err != nil {
		return SyncHealth{}, err
	}
	return SyncHealth{
		AccountID:           account.ID(),
		Provider:            account.Provider(),
		Status:              account.Status(),
		Health:              account.Health(),
		LastSyncedAt:        account.LastSyncedAt(),
		LastAttemptAt:       account.LastAttemptAt(),
		ConsecutiveFailures: account.ConsecutiveFailures(),
		LastError:           account.LastError(),
		WatchRegistered:     account.Watch().Registered(),
		WatchExpiresAt:      account.Watch().ExpiresAt,
	}, nil
}

// Account returns a point-in-time copy of the aggregate for read paths.
func (c *Coordinator) Account(ctx context.Context) (*domain.Account, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load(ctx)
}

func (c *Coordinator) load(ctx context.Context) (*domain.Account, error) {
	return c.repo.FindByID(ctx, c.accountID)
}

// refreshOrCachedLocked returns a usable access token without re-entering
// the public API. Caller holds the lock.
func (c *Coordinator) refreshOrCachedLocked(ctx context.Context, account *domain.Account) (string, error) {
	if account.AccessTokenValid(time.Now(), RefreshWindow) {
		return account.AccessToken(), nil
	}
	return c.refreshLocked(ctx, account)
}

// publishEvents pushes the aggregate's pending domain events onto the bus.
// Failures are logged only.
func (c *Coordinator) publishEvents(ctx context.Context, account *domain.Account) {
	events := account.DomainEvents()
	account.ClearDomainEvents()
	for _, event := range events {
		consumed := eventbus.ConsumedEvent{
			EventID:       event.EventID(),
			AggregateID:   event.AggregateID(),
			AggregateType: event.AggregateType(),
			RoutingKey:    event.RoutingKey(),
			OccurredAt:    event.OccurredAt(),
			Metadata:      eventbus.EventMetadata{UserID: account.UserID()},
		}
		if payload, err := json.Marshal(event); err == nil {
			consumed.Payload = payload
		}
		raw, err := json.Marshal(consumed)
		if err != nil {
			continue
		}
		if err := c.publisher.Publish(ctx, event.RoutingKey(), raw); err != nil {
			c.logger.Warn("domain event publish failed",
				"routing_key", event.RoutingKey(),
				"error", err,
			)
		}
	}
}
