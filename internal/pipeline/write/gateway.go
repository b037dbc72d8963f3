package write

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	accountApp "github.com/tminus-app/tminus/internal/account/application"
	accountDomain "github.com/tminus-app/tminus/internal/account/domain"
	"github.com/tminus-app/tminus/internal/projection"
	"github.com/tminus-app/tminus/internal/provider"
	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
)

// ManagerGateway adapts the account manager and the provider clients to
// the pipeline's gateway seam. It also provisions busy-overlay calendars
// on the first overlay write to an account.
type ManagerGateway struct {
	manager     *accountApp.Manager
	clients     map[accountDomain.ProviderType]provider.Client
	overlayName string
}

// NewManagerGateway creates a gateway. overlayName is the display name of
// the provisioned busy-overlay calendar; empty selects "T-Minus".
func NewManagerGateway(manager *accountApp.Manager, clients map[accountDomain.ProviderType]provider.Client, overlayName string) *ManagerGateway {
	if overlayName == "" {
		overlayName = "T-Minus"
	}
	return &ManagerGateway{
		manager:     manager,
		clients:     clients,
		overlayName: overlayName,
	}
}

func (g *ManagerGateway) coordinator(ctx context.Context, accountID string) (*accountApp.Coordinator, error) {
	id, err := uuid.Parse(accountID)
	if err != nil {
		return nil, sharedDomain.ErrValidation("malformed account id %q", accountID)
	}
	return g.manager.CoordinatorFor(ctx, id)
}

// AccessToken returns a usable access token for the account.
func (g *ManagerGateway) AccessToken(ctx context.Context, accountID string) (string, error) {
	coordinator, err := g.coordinator(ctx, accountID)
	if err != nil {
		return "", err
	}
	return coordinator.GetAccessToken(ctx)
}

// ForceRefresh discards the cached token and mints a fresh one.
func (g *ManagerGateway) ForceRefresh(ctx context.Context, accountID string) (string, error) {
	coordinator, err := g.coordinator(ctx, accountID)
	if err != nil {
		return "", err
	}
	return coordinator.ForceRefresh(ctx)
}

// ResolveTarget maps the task's calendar kind to a concrete calendar on
// the target account, provisioning the overlay calendar on first use.
func (g *ManagerGateway) ResolveTarget(ctx context.Context, accountID string, kind projection.CalendarKind) (Target, error) {
	coordinator, err := g.coordinator(ctx, accountID)
	if err != nil {
		return Target{}, err
	}
	account, err := coordinator.Account(ctx)
	if err != nil {
		return Target{}, err
	}
	if !account.Provider().SupportsWrites() {
		return Target{}, provider.ErrReadOnlyProvider
	}
	client, ok := g.clients[account.Provider()]
	if !ok {
		return Target{}, fmt.Errorf("no provider client registered for %s", account.Provider())
	}

	switch kind {
	case projection.KindBusyOverlay:
		if id := account.OverlayCalendarID(); id != "" {
			return Target{Client: client, CalendarID: id}, nil
		}
		token, err := coordinator.GetAccessToken(ctx)
		if err != nil {
			return Target{}, err
		}
		id, err := client.EnsureOverlayCalendar(ctx, token, g.overlayName)
		if err != nil {
			return Target{}, fmt.Errorf("provisioning overlay calendar: %w", err)
		}
		if err := coordinator.SetOverlayCalendar(ctx, id); err != nil {
			return Target{}, err
		}
		return Target{Client: client, CalendarID: id}, nil

	case projection.KindPrimaryMirror:
		if id := account.PrimaryCalendarID(); id != "" {
			return Target{Client: client, CalendarID: id}, nil
		}
		token, err := coordinator.GetAccessToken(ctx)
		if err != nil {
			return Target{}, err
		}
		id, err := client.ResolvePrimaryCalendar(ctx, token)
		if err != nil {
			return Target{}, fmt.Errorf("resolving primary calendar: %w", err)
		}
		if err := coordinator.SetPrimaryCalendar(ctx, id); err != nil {
			return Target{}, err
		}
		return Target{Client: client, CalendarID: id}, nil

	default:
		return Target{}, sharedDomain.ErrValidation("unknown calendar kind %q", kind)
	}
}
