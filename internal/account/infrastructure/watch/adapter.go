// Package watch adapts provider webhook channels to the account
// coordinator's channel client surface.
package watch

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/tminus-app/tminus/internal/account/domain"
	"github.com/tminus-app/tminus/internal/provider"
)

// Adapter registers and stops provider push channels for one provider's
// accounts. Each registration mints a fresh verification token that the
// webhook endpoint later checks notifications against.
type Adapter struct {
	client      provider.Client
	callbackURL string
}

// NewAdapter creates a channel adapter. baseURL is the public origin
// providers deliver notifications to; providerName selects the webhook
// route under it.
func NewAdapter(client provider.Client, baseURL string, providerName domain.ProviderType) *Adapter {
	return &Adapter{
		client:      client,
		callbackURL: fmt.Sprintf("%s/webhooks/%s", strings.TrimRight(baseURL, "/"), providerName),
	}
}

// Register opens a push channel on the account's primary calendar,
// resolving it first if the account has never synced.
func (a *Adapter) Register(ctx context.Context, account *domain.Account, accessToken string) (domain.WatchChannel, error) {
	calendarID := account.PrimaryCalendarID()
	if calendarID == "" {
		resolved, err := a.client.ResolvePrimaryCalendar(ctx, accessToken)
		if err != nil {
			return domain.WatchChannel{}, fmt.Errorf("resolving primary calendar: %w", err)
		}
		calendarID = resolved
	}

	// The token leads with the account id so webhook intake can route a
	// notification to its account before verifying the secret half.
	token := account.ID().String() + "." + uuid.NewString()
	channel, err := a.client.RegisterChannel(ctx, accessToken, provider.ChannelRequest{
		CalendarID:  calendarID,
		CallbackURL: a.callbackURL,
		Token:       token,
	})
	if err != nil {
		return domain.WatchChannel{}, err
	}
	return domain.WatchChannel{
		ChannelID:  channel.ID,
		ResourceID: channel.ResourceID,
		Token:      channel.Token,
		ExpiresAt:  channel.ExpiresAt,
	}, nil
}

// Stop closes the account's current push channel.
func (a *Adapter) Stop(ctx context.Context, account *domain.Account, accessToken string) error {
	watch := account.Watch()
	if !watch.Registered() {
		return nil
	}
	return a.client.StopChannel(ctx, accessToken, provider.Channel{
		ID:         watch.ChannelID,
		ResourceID: watch.ResourceID,
		Token:      watch.Token,
	})
}
