package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
)

func newTestAccount(t *testing.T, provider ProviderType) *Account {
	t.Helper()
	account, err := NewAccount(uuid.New(), provider, "remote-123", "user@example.com")
	require.NoError(t, err)
	return account
}

func TestNewAccount_Validation(t *testing.T) {
	_, err := NewAccount(uuid.Nil, ProviderGoogle, "remote-1", "")
	assert.True(t, sharedDomain.HasCode(err, sharedDomain.CodeValidation))

	_, err = NewAccount(uuid.New(), ProviderType("fax"), "remote-1", "")
	assert.True(t, sharedDomain.HasCode(err, sharedDomain.CodeValidation))

	_, err = NewAccount(uuid.New(), ProviderGoogle, "  ", "")
	assert.True(t, sharedDomain.HasCode(err, sharedDomain.CodeValidation))

	account := newTestAccount(t, ProviderGoogle)
	assert.Equal(t, StatusActive, account.Status())
	assert.Equal(t, HealthOK, account.Health())
	assert.False(t, account.HasCredentials())
	require.Len(t, account.DomainEvents(), 1)
	assert.Equal(t, RouteAccountConnected, account.DomainEvents()[0].RoutingKey())
}

func TestAccount_AccessTokenWindow(t *testing.T) {
	account := newTestAccount(t, ProviderGoogle)
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	assert.False(t, account.AccessTokenValid(now, time.Minute), "no token cached")

	account.CacheAccessToken("at-1", now.Add(30*time.Minute))
	assert.True(t, account.AccessTokenValid(now, time.Minute))

	// Inside the refresh window counts as invalid.
	assert.False(t, account.AccessTokenValid(now.Add(30*time.Minute-30*time.Second), time.Minute))

	account.DropAccessToken()
	assert.False(t, account.AccessTokenValid(now, time.Minute))
}

func TestAccount_CursorInvalidation(t *testing.T) {
	account := newTestAccount(t, ProviderGoogle)
	assert.True(t, account.NeedsFullSync())

	account.SetSyncCursor("cursor-abc")
	assert.False(t, account.NeedsFullSync())
	account.ClearDomainEvents()

	account.InvalidateCursor()
	assert.True(t, account.NeedsFullSync())
	require.Len(t, account.DomainEvents(), 1)
	assert.Equal(t, RouteCursorInvalidated, account.DomainEvents()[0].RoutingKey())

	// Invalidating an empty cursor is a no-op and records nothing.
	account.ClearDomainEvents()
	account.InvalidateCursor()
	assert.Empty(t, account.DomainEvents())
}

func TestAccount_WatchChannelLifecycle(t *testing.T) {
	account := newTestAccount(t, ProviderGoogle)
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	channel := WatchChannel{
		ChannelID:  "chan-1",
		ResourceID: "res-1",
		Token:      "secret",
		ExpiresAt:  now.Add(7 * 24 * time.Hour),
	}
	require.NoError(t, account.SetWatchChannel(channel))
	assert.True(t, account.Watch().Registered())
	assert.True(t, account.VerifyWatchToken("secret"))
	assert.False(t, account.VerifyWatchToken("wrong"))

	assert.False(t, account.Watch().ExpiringWithin(now, 24*time.Hour))
	assert.True(t, account.Watch().ExpiringWithin(now.Add(6*24*time.Hour+time.Hour), 24*time.Hour))

	account.ClearWatchChannel()
	assert.False(t, account.Watch().Registered())
	assert.False(t, account.VerifyWatchToken("secret"))

	ics := newTestAccount(t, ProviderICS)
	err := ics.SetWatchChannel(channel)
	assert.True(t, sharedDomain.HasCode(err, sharedDomain.CodeValidation))
}

func TestAccount_SyncHealthTransitions(t *testing.T) {
	account := newTestAccount(t, ProviderGoogle)

	account.MarkSyncFailure("timeout")
	account.MarkSyncFailure("timeout")
	assert.Equal(t, HealthOK, account.Health(), "two failures stay ok")
	assert.Equal(t, 2, account.ConsecutiveFailures())

	account.MarkSyncFailure("timeout")
	assert.Equal(t, HealthDegraded, account.Health())

	ts := time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)
	account.MarkSyncSuccess(ts)
	assert.Equal(t, HealthOK, account.Health())
	assert.Zero(t, account.ConsecutiveFailures())
	assert.Empty(t, account.LastError())
	assert.Equal(t, ts, account.LastSyncedAt())

	account.MarkAuthBroken("invalid_grant")
	assert.Equal(t, HealthBroken, account.Health())

	// Broken never downgrades to degraded through more failures.
	account.MarkSyncFailure("timeout")
	account.MarkSyncFailure("timeout")
	account.MarkSyncFailure("timeout")
	assert.Equal(t, HealthBroken, account.Health())

	// Fresh credentials repair a broken account.
	require.NoError(t, account.SetCredentials("sealed-refresh"))
	assert.Equal(t, HealthOK, account.Health())
	assert.Zero(t, account.ConsecutiveFailures())
}

func TestAccount_RevokeClearsAuthState(t *testing.T) {
	account := newTestAccount(t, ProviderGoogle)
	require.NoError(t, account.SetCredentials("sealed-refresh"))
	account.CacheAccessToken("at-1", time.Now().Add(time.Hour))
	account.SetSyncCursor("cursor-abc")
	require.NoError(t, account.SetWatchChannel(WatchChannel{
		ChannelID: "chan-1", Token: "secret", ExpiresAt: time.Now().Add(time.Hour),
	}))
	account.ClearDomainEvents()

	account.Revoke()

	assert.Equal(t, StatusRevoked, account.Status())
	assert.False(t, account.HasCredentials())
	assert.Empty(t, account.AccessToken())
	assert.Empty(t, account.SyncCursor())
	assert.False(t, account.Watch().Registered())
	assert.False(t, account.IsActive())
	require.Len(t, account.DomainEvents(), 1)
	assert.Equal(t, RouteAccountRevoked, account.DomainEvents()[0].RoutingKey())
}

func TestProviderType_Capabilities(t *testing.T) {
	assert.True(t, ProviderGoogle.SupportsWrites())
	assert.True(t, ProviderMicrosoft.SupportsWatch())
	assert.False(t, ProviderCalDAV.SupportsWrites())
	assert.False(t, ProviderICS.SupportsWatch())
	assert.False(t, ProviderICS.RequiresOAuth())
	assert.False(t, ProviderType("fax").IsValid())
	for _, p := range AllProviderTypes() {
		assert.True(t, p.IsValid())
	}
}
