// Package domain models a connected provider account: sealed credentials,
// the incremental sync cursor, webhook channel state and sync health. The
// refresh token never leaves this context in the clear.
package domain

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
)

// AccountStatus is the account's lifecycle state.
type AccountStatus string

const (
	// StatusActive accounts sync and accept mirror writes.
	StatusActive AccountStatus = "active"
	// StatusRevoked accounts had their credentials deleted; they are kept
	// for audit but never contacted.
	StatusRevoked AccountStatus = "revoked"
)

// AccountHealth summarizes recent sync outcomes.
type AccountHealth string

const (
	// HealthOK means the last sync attempt succeeded.
	HealthOK AccountHealth = "ok"
	// HealthDegraded means recent attempts failed but retries continue.
	HealthDegraded AccountHealth = "degraded"
	// HealthBroken means authorization is gone; syncing is pointless until
	// the user reconnects.
	HealthBroken AccountHealth = "broken"
)

// degradedThreshold is the consecutive-failure count at which an account
// flips from ok to degraded.
const degradedThreshold = 3

// WatchChannel is the provider-side webhook registration for an account.
// A zero ChannelID means no channel is registered.
type WatchChannel struct {
	ChannelID  string
	ResourceID string
	Token      string
	ExpiresAt  time.Time
}

// Registered returns true when a channel is live.
func (w WatchChannel) Registered() bool {
	return w.ChannelID != ""
}

// ExpiringWithin returns true when the channel expires before now+threshold.
func (w WatchChannel) ExpiringWithin(now time.Time, threshold time.Duration) bool {
	if !w.Registered() {
		return false
	}
	return w.ExpiresAt.Before(now.Add(threshold))
}

// Account is one connected external calendar account. It owns the sealed
// refresh token, the cached access token, the provider sync cursor and the
// webhook channel. All mutation is serialized by the account coordinator.
type Account struct {
	sharedDomain.BaseEntity
	userID                uuid.UUID
	provider              ProviderType
	remoteAccountID       string
	email                 string
	encryptedRefreshToken string
	accessToken           string
	accessTokenExpiresAt  time.Time
	syncCursor            string
	primaryCalendarID     string
	overlayCalendarID     string
	watch                 WatchChannel
	status                AccountStatus
	health                AccountHealth
	lastSyncedAt          time.Time
	lastAttemptAt         time.Time
	consecutiveFailures   int
	lastError             string

	domainEvents []sharedDomain.DomainEvent
}

// NewAccount connects a provider account for a user. Credentials are
// attached separately via SetCredentials once the OAuth exchange completes.
func NewAccount(userID uuid.UUID, provider ProviderType, remoteAccountID, email string) (*Account, error) {
	if userID == uuid.Nil {
		return nil, sharedDomain.ErrValidation("user id is required")
	}
	if !provider.IsValid() {
		return nil, sharedDomain.ErrValidation("unknown provider %q", provider)
	}
	if strings.TrimSpace(remoteAccountID) == "" {
		return nil, sharedDomain.ErrValidation("remote account id is required")
	}

	a := &Account{
		BaseEntity:      sharedDomain.NewBaseEntity(),
		userID:          userID,
		provider:        provider,
		remoteAccountID: remoteAccountID,
		email:           email,
		status:          StatusActive,
		health:          HealthOK,
	}
	a.recordEvent(NewAccountConnected(a.ID(), userID, provider, remoteAccountID))
	return a, nil
}

// Getters
func (a *Account) UserID() uuid.UUID               { return a.userID }
func (a *Account) Provider() ProviderType          { return a.provider }
func (a *Account) RemoteAccountID() string         { return a.remoteAccountID }
func (a *Account) Email() string                   { return a.email }
func (a *Account) EncryptedRefreshToken() string   { return a.encryptedRefreshToken }
func (a *Account) AccessToken() string             { return a.accessToken }
func (a *Account) AccessTokenExpiresAt() time.Time { return a.accessTokenExpiresAt }
func (a *Account) SyncCursor() string              { return a.syncCursor }
func (a *Account) PrimaryCalendarID() string       { return a.primaryCalendarID }
func (a *Account) OverlayCalendarID() string       { return a.overlayCalendarID }
func (a *Account) Watch() WatchChannel             { return a.watch }
func (a *Account) Status() AccountStatus           { return a.status }
func (a *Account) Health() AccountHealth           { return a.health }
func (a *Account) LastSyncedAt() time.Time         { return a.lastSyncedAt }
func (a *Account) LastAttemptAt() time.Time        { return a.lastAttemptAt }
func (a *Account) ConsecutiveFailures() int        { return a.consecutiveFailures }
func (a *Account) LastError() string               { return a.lastError }

// IsActive returns true when the account may be synced and written to.
func (a *Account) IsActive() bool {
	return a.status == StatusActive
}

// HasCredentials returns true once a refresh token has been stored.
func (a *Account) HasCredentials() bool {
	return a.encryptedRefreshToken != ""
}

// SetCredentials stores the sealed refresh token and reactivates the
// account. The caller encrypts; this aggregate never sees plaintext.
func (a *Account) SetCredentials(encryptedRefreshToken string) error {
	if encryptedRefreshToken == "" {
		return sharedDomain.ErrValidation("refresh token is required")
	}
	a.encryptedRefreshToken = encryptedRefreshToken
	a.status = StatusActive
	if a.health == HealthBroken {
		a.health = HealthOK
		a.consecutiveFailures = 0
		a.lastError = ""
	}
	a.Touch()
	return nil
}

// CacheAccessToken stores a freshly minted access token.
func (a *Account) CacheAccessToken(token string, expiresAt time.Time) {
	a.accessToken = token
	a.accessTokenExpiresAt = expiresAt.UTC()
	a.Touch()
}

// AccessTokenValid returns true when the cached access token is usable for
// at least `within` more time. Tokens inside the window are refreshed early
// so in-flight provider calls never straddle expiry.
func (a *Account) AccessTokenValid(now time.Time, within time.Duration) bool {
	if a.accessToken == "" || a.accessTokenExpiresAt.IsZero() {
		return false
	}
	return a.accessTokenExpiresAt.After(now.Add(within))
}

// DropAccessToken discards the cached access token, forcing the next
// GetAccessToken through a refresh.
func (a *Account) DropAccessToken() {
	a.accessToken = ""
	a.accessTokenExpiresAt = time.Time{}
	a.Touch()
}

// SetSyncCursor stores the provider's opaque incremental cursor.
func (a *Account) SetSyncCursor(cursor string) {
	if a.syncCursor != cursor {
		a.syncCursor = cursor
		a.Touch()
	}
}

// InvalidateCursor clears the cursor so the next sync runs a full scan.
func (a *Account) InvalidateCursor() {
	if a.syncCursor != "" {
		a.syncCursor = ""
		a.Touch()
		a.recordEvent(NewCursorInvalidated(a.ID(), a.userID, a.provider))
	}
}

// NeedsFullSync returns true when no incremental cursor is held.
func (a *Account) NeedsFullSync() bool {
	return a.syncCursor == ""
}

// SetPrimaryCalendar records the provider calendar events are read from.
func (a *Account) SetPrimaryCalendar(calendarID string) {
	if a.primaryCalendarID != calendarID {
		a.primaryCalendarID = calendarID
		a.Touch()
	}
}

// SetOverlayCalendar records the dedicated busy-overlay calendar, created
// lazily on the first BUSY_OVERLAY write to this account.
func (a *Account) SetOverlayCalendar(calendarID string) {
	if a.overlayCalendarID != calendarID {
		a.overlayCalendarID = calendarID
		a.Touch()
	}
}

// SetWatchChannel records a registered (or renewed) webhook channel.
func (a *Account) SetWatchChannel(channel WatchChannel) error {
	if !a.provider.SupportsWatch() {
		return sharedDomain.ErrValidation("provider %s does not support watch channels", a.provider)
	}
	if channel.ChannelID == "" {
		return sharedDomain.ErrValidation("channel id is required")
	}
	a.watch = channel
	a.watch.ExpiresAt = channel.ExpiresAt.UTC()
	a.Touch()
	a.recordEvent(NewChannelRegistered(a.ID(), a.userID, a.provider, channel.ChannelID, a.watch.ExpiresAt))
	return nil
}

// ClearWatchChannel forgets the webhook channel after a provider-side stop.
func (a *Account) ClearWatchChannel() {
	if a.watch.Registered() {
		a.watch = WatchChannel{}
		a.Touch()
	}
}

// VerifyWatchToken checks an inbound webhook's channel token against the
// one minted at registration.
func (a *Account) VerifyWatchToken(token string) bool {
	return a.watch.Registered() && a.watch.Token == token
}

// MarkSyncSuccess records a completed sync and resets health.
func (a *Account) MarkSyncSuccess(ts time.Time) {
	a.lastSyncedAt = ts.UTC()
	a.lastAttemptAt = ts.UTC()
	a.consecutiveFailures = 0
	a.lastError = ""
	a.health = HealthOK
	a.Touch()
}

// MarkSyncFailure records a failed sync attempt. Health degrades after
// repeated failures; auth loss is reported separately via MarkAuthBroken.
func (a *Account) MarkSyncFailure(reason string) {
	a.lastAttemptAt = time.Now().UTC()
	a.consecutiveFailures++
	a.lastError = reason
	if a.health != HealthBroken && a.consecutiveFailures >= degradedThreshold {
		a.health = HealthDegraded
	}
	a.Touch()
}

// MarkAuthBroken flags the account as needing a reconnect. Set when the
// provider terminally rejects the refresh token.
func (a *Account) MarkAuthBroken(reason string) {
	a.health = HealthBroken
	a.lastError = reason
	a.Touch()
}

// Revoke deletes all local auth state. The coordinator calls the provider's
// revoke endpoint best-effort before this.
func (a *Account) Revoke() {
	a.encryptedRefreshToken = ""
	a.accessToken = ""
	a.accessTokenExpiresAt = time.Time{}
	a.syncCursor = ""
	a.watch = WatchChannel{}
	a.status = StatusRevoked
	a.Touch()
	a.recordEvent(NewAccountRevoked(a.ID(), a.userID, a.provider))
}

// DomainEvents returns uncommitted domain events.
func (a *Account) DomainEvents() []sharedDomain.DomainEvent {
	return a.domainEvents
}

// ClearDomainEvents drops uncommitted domain events.
func (a *Account) ClearDomainEvents() {
	a.domainEvents = nil
}

func (a *Account) recordEvent(event sharedDomain.DomainEvent) {
	a.domainEvents = append(a.domainEvents, event)
}

// RehydrateAccount recreates an account from persisted state without
// recording events.
func RehydrateAccount(
	id uuid.UUID,
	userID uuid.UUID,
	provider ProviderType,
	remoteAccountID string,
	email string,
	encryptedRefreshToken string,
	accessToken string,
	accessTokenExpiresAt time.Time,
	syncCursor string,
	primaryCalendarID string,
	overlayCalendarID string,
	watch WatchChannel,
	status AccountStatus,
	health AccountHealth,
	lastSyncedAt time.Time,
	lastAttemptAt time.Time,
	consecutiveFailures int,
	lastError string,
	createdAt, updatedAt time.Time,
) *Account {
	return &Account{
		BaseEntity:            sharedDomain.RehydrateBaseEntity(id, createdAt, updatedAt),
		userID:                userID,
		provider:              provider,
		remoteAccountID:       remoteAccountID,
		email:                 email,
		encryptedRefreshToken: encryptedRefreshToken,
		accessToken:           accessToken,
		accessTokenExpiresAt:  accessTokenExpiresAt,
		syncCursor:            syncCursor,
		primaryCalendarID:     primaryCalendarID,
		overlayCalendarID:     overlayCalendarID,
		watch:                 watch,
		status:                status,
		health:                health,
		lastSyncedAt:          lastSyncedAt,
		lastAttemptAt:         lastAttemptAt,
		consecutiveFailures:   consecutiveFailures,
		lastError:             lastError,
	}
}

// AccountRepository defines account persistence.
type AccountRepository interface {
	// Save persists an account (create or update).
	Save(ctx context.Context, account *Account) error

	// FindByID loads one account.
	FindByID(ctx context.Context, id uuid.UUID) (*Account, error)

	// FindByProviderAndRemote resolves the unique (provider, remote id)
	// pair, the lookup webhook intake and classification use.
	FindByProviderAndRemote(ctx context.Context, provider ProviderType, remoteAccountID string) (*Account, error)

	// FindByUser lists all of a user's accounts.
	FindByUser(ctx context.Context, userID uuid.UUID) ([]*Account, error)

	// FindActive lists every active account, for periodic sync scans.
	FindActive(ctx context.Context) ([]*Account, error)

	// FindWatchExpiring lists accounts whose channel expires before the
	// deadline, for the renewal cron.
	FindWatchExpiring(ctx context.Context, before time.Time) ([]*Account, error)

	// Delete removes an account row entirely.
	Delete(ctx context.Context, id uuid.UUID) error
}
