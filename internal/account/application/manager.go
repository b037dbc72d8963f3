package application

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tminus-app/tminus/internal/account/domain"
	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
	"github.com/tminus-app/tminus/internal/shared/infrastructure/crypto"
	"github.com/tminus-app/tminus/internal/shared/infrastructure/eventbus"
)

// Manager owns one coordinator per account and the connect/disconnect
// entry points. Coordinators are created lazily and cached for the life of
// the process so their mutex actually serializes.
type Manager struct {
	repo      domain.AccountRepository
	cipher    crypto.TokenCipher
	refresher TokenRefresher
	limiter   RateLimiter
	publisher eventbus.Publisher
	logger    *slog.Logger

	mu       sync.Mutex
	channels map[domain.ProviderType]ChannelClient
	coords   map[uuid.UUID]*Coordinator
}

// NewManager builds the account manager.
func NewManager(
	repo domain.AccountRepository,
	cipher crypto.TokenCipher,
	refresher TokenRefresher,
	limiter RateLimiter,
	publisher eventbus.Publisher,
	logger *slog.Logger,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = eventbus.NewNoopPublisher(logger)
	}
	if cipher == nil {
		cipher = crypto.PlaintextCipher{}
	}
	return &Manager{
		repo:      repo,
		cipher:    cipher,
		refresher: refresher,
		limiter:   limiter,
		publisher: publisher,
		logger:    logger,
		channels:  make(map[domain.ProviderType]ChannelClient),
		coords:    make(map[uuid.UUID]*Coordinator),
	}
}

// RegisterChannelClient wires the webhook client for one provider. Called
// once at startup; providers without a client are poll-only.
func (m *Manager) RegisterChannelClient(provider domain.ProviderType, client ChannelClient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[provider] = client
}

// Coordinator returns the (cached) coordinator for an account. The provider
// is needed to resolve the channel client; callers that only hold the id
// use CoordinatorFor.
func (m *Manager) Coordinator(accountID uuid.UUID, provider domain.ProviderType) *Coordinator {
	m.mu.Lock()
	defer m.mu.Unlock()

	if coord, ok := m.coords[accountID]; ok {
		return coord
	}
	coord := NewCoordinator(
		accountID, m.repo, m.cipher, m.refresher,
		m.channels[provider], m.limiter, m.publisher, m.logger,
	)
	m.coords[accountID] = coord
	return coord
}

// CoordinatorFor looks the account up to learn its provider, then returns
// its coordinator.
func (m *Manager) CoordinatorFor(ctx context.Context, accountID uuid.UUID) (*Coordinator, error) {
	m.mu.Lock()
	if coord, ok := m.coords[accountID]; ok {
		m.mu.Unlock()
		return coord, nil
	}
	m.mu.Unlock()

	account, err := m.repo.FindByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return m.Coordinator(accountID, account.Provider()), nil
}

// Connect creates an account for a user and seals its refresh token.
// refreshToken may be empty for read-only providers (CalDAV, ICS).
func (m *Manager) Connect(ctx context.Context, userID uuid.UUID, provider domain.ProviderType, remoteAccountID, email, refreshToken string) (*domain.Account, error) {
	if existing, err := m.repo.FindByProviderAndRemote(ctx, provider, remoteAccountID); err == nil {
		return nil, sharedDomain.ErrValidation(
			"account %s/%s is already connected (%s)", provider, remoteAccountID, existing.ID())
	} else if !sharedDomain.HasCode(err, sharedDomain.CodeNotFound) {
		return nil, err
	}

	account, err := domain.NewAccount(userID, provider, remoteAccountID, email)
	if err != nil {
		return nil, err
	}
	if refreshToken != "" {
		sealed, err := m.cipher.EncryptToken(refreshToken)
		if err != nil {
			return nil, sharedDomain.ErrInternal(err, "sealing refresh token")
		}
		if err := account.SetCredentials(sealed); err != nil {
			return nil, err
		}
	} else if provider.RequiresOAuth() {
		return nil, sharedDomain.ErrValidation("provider %s requires a refresh token", provider)
	}

	if err := m.repo.Save(ctx, account); err != nil {
		return nil, err
	}

	coord := m.Coordinator(account.ID(), provider)
	coord.publishEvents(ctx, account)
	m.logger.Info("account connected",
		"account_id", account.ID().String(),
		"user_id", userID.String(),
		"provider", provider.String(),
	)
	return account, nil
}

// ListByUser returns all of a user's accounts.
func (m *Manager) ListByUser(ctx context.Context, userID uuid.UUID) ([]*domain.Account, error) {
	return m.repo.FindByUser(ctx, userID)
}

// ActiveAccounts returns every syncable account, for the periodic scan.
func (m *Manager) ActiveAccounts(ctx context.Context) ([]*domain.Account, error) {
	return m.repo.FindActive(ctx)
}

// WatchExpiring returns accounts whose channels need renewal within the
// threshold.
func (m *Manager) WatchExpiring(ctx context.Context, threshold time.Duration) ([]*domain.Account, error) {
	return m.repo.FindWatchExpiring(ctx, time.Now().Add(threshold))
}

// HealthReport gathers sync health for all of a user's accounts.
func (m *Manager) HealthReport(ctx context.Context, userID uuid.UUID) ([]SyncHealth, error) {
	accounts, err := m.repo.FindByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	report := make([]SyncHealth, 0, len(accounts))
	for _, account := range accounts {
		health, err := m.Coordinator(account.ID(), account.Provider()).Health(ctx)
		if err != nil {
			return nil, err
		}
		report = append(report, health)
	}
	return report, nil
}
