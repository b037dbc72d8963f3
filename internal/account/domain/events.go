package domain

import (
	"time"

	"github.com/google/uuid"

	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
)

// Routing keys for account domain events.
const (
	RouteAccountConnected  = "account.connected"
	RouteAccountRevoked    = "account.revoked"
	RouteCursorInvalidated = "account.cursor.invalidated"
	RouteChannelRegistered = "account.channel.registered"
)

// AccountConnected fires when a user connects a provider account.
type AccountConnected struct {
	sharedDomain.BaseEvent
	UserID          uuid.UUID    `json:"user_id"`
	Provider        ProviderType `json:"provider"`
	RemoteAccountID string       `json:"remote_account_id"`
}

func NewAccountConnected(accountID, userID uuid.UUID, provider ProviderType, remoteAccountID string) *AccountConnected {
	return &AccountConnected{
		BaseEvent:       sharedDomain.NewBaseEvent(accountID.String(), "Account", RouteAccountConnected),
		UserID:          userID,
		Provider:        provider,
		RemoteAccountID: remoteAccountID,
	}
}

// AccountRevoked fires when local auth state is deleted.
type AccountRevoked struct {
	sharedDomain.BaseEvent
	UserID   uuid.UUID    `json:"user_id"`
	Provider ProviderType `json:"provider"`
}

func NewAccountRevoked(accountID, userID uuid.UUID, provider ProviderType) *AccountRevoked {
	return &AccountRevoked{
		BaseEvent: sharedDomain.NewBaseEvent(accountID.String(), "Account", RouteAccountRevoked),
		UserID:    userID,
		Provider:  provider,
	}
}

// CursorInvalidated fires when the provider rejects the incremental cursor
// and the account falls back to a full scan.
type CursorInvalidated struct {
	sharedDomain.BaseEvent
	UserID   uuid.UUID    `json:"user_id"`
	Provider ProviderType `json:"provider"`
}

func NewCursorInvalidated(accountID, userID uuid.UUID, provider ProviderType) *CursorInvalidated {
	return &CursorInvalidated{
		BaseEvent: sharedDomain.NewBaseEvent(accountID.String(), "Account", RouteCursorInvalidated),
		UserID:    userID,
		Provider:  provider,
	}
}

// ChannelRegistered fires on webhook channel registration and renewal.
type ChannelRegistered struct {
	sharedDomain.BaseEvent
	UserID    uuid.UUID    `json:"user_id"`
	Provider  ProviderType `json:"provider"`
	ChannelID string       `json:"channel_id"`
	ExpiresAt time.Time    `json:"expires_at"`
}

func NewChannelRegistered(accountID, userID uuid.UUID, provider ProviderType, channelID string, expiresAt time.Time) *ChannelRegistered {
	return &ChannelRegistered{
		BaseEvent: sharedDomain.NewBaseEvent(accountID.String(), "Account", RouteChannelRegistered),
		UserID:    userID,
		Provider:  provider,
		ChannelID: channelID,
		ExpiresAt: expiresAt,
	}
}
