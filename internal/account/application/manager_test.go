package application

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tminus-app/tminus/internal/account/domain"
	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
	"github.com/tminus-app/tminus/internal/shared/infrastructure/crypto"
)

func newTestManager(t *testing.T) (*Manager, *memAccountRepo, *fakeRefresher) {
	t.Helper()
	repo := newMemAccountRepo()
	refresher := &fakeRefresher{minted: RefreshedToken{
		AccessToken: "at-fresh",
		ExpiresAt:   time.Now().Add(time.Hour),
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(repo, crypto.PlaintextCipher{}, refresher, &countingLimiter{}, nil, logger), repo, refresher
}

func TestManager_ConnectSealsRefreshToken(t *testing.T) {
	m, repo, _ := newTestManager(t)
	ctx := context.Background()
	userID := uuid.New()

	account, err := m.Connect(ctx, userID, domain.ProviderGoogle, "remote-1", "a@example.com", "rt-plain")
	require.NoError(t, err)
	assert.True(t, account.HasCredentials())

	loaded, err := repo.FindByID(ctx, account.ID())
	require.NoError(t, err)
	assert.Equal(t, "rt-plain", loaded.EncryptedRefreshToken(),
		"plaintext cipher stores the token as-is")

	// The same (provider, remote id) pair cannot connect twice.
	_, err = m.Connect(ctx, userID, domain.ProviderGoogle, "remote-1", "a@example.com", "rt-plain")
	assert.True(t, sharedDomain.HasCode(err, sharedDomain.CodeValidation))
}

func TestManager_ConnectRequiresTokenForOAuthProviders(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Connect(ctx, uuid.New(), domain.ProviderGoogle, "remote-2", "", "")
	assert.True(t, sharedDomain.HasCode(err, sharedDomain.CodeValidation))

	// Read-only feed sources connect without credentials.
	account, err := m.Connect(ctx, uuid.New(), domain.ProviderICS, "https://cal.example.com/feed.ics", "", "")
	require.NoError(t, err)
	assert.False(t, account.HasCredentials())
}

func TestManager_CoordinatorIsCachedPerAccount(t *testing.T) {
	m, _, _ := newTestManager(t)
	accountID := uuid.New()

	first := m.Coordinator(accountID, domain.ProviderGoogle)
	second := m.Coordinator(accountID, domain.ProviderGoogle)
	assert.Same(t, first, second)
}

func TestManager_CoordinatorForResolvesProvider(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	account, err := m.Connect(ctx, uuid.New(), domain.ProviderMicrosoft, "remote-3", "", "rt-ms")
	require.NoError(t, err)

	coord, err := m.CoordinatorFor(ctx, account.ID())
	require.NoError(t, err)
	assert.Equal(t, account.ID(), coord.AccountID())

	_, err = m.CoordinatorFor(ctx, uuid.New())
	assert.True(t, sharedDomain.HasCode(err, sharedDomain.CodeNotFound))
}

func TestManager_HealthReportCoversAllAccounts(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	userID := uuid.New()

	work, err := m.Connect(ctx, userID, domain.ProviderGoogle, "remote-w", "", "rt-w")
	require.NoError(t, err)
	_, err = m.Connect(ctx, userID, domain.ProviderMicrosoft, "remote-p", "", "rt-p")
	require.NoError(t, err)

	require.NoError(t, m.Coordinator(work.ID(), domain.ProviderGoogle).MarkSyncFailure(ctx, "down"))

	report, err := m.HealthReport(ctx, userID)
	require.NoError(t, err)
	require.Len(t, report, 2)

	byID := make(map[uuid.UUID]SyncHealth, len(report))
	for _, h := range report {
		byID[h.AccountID] = h
	}
	assert.Equal(t, 1, byID[work.ID()].ConsecutiveFailures)
	assert.Equal(t, "down", byID[work.ID()].LastError)
}

func TestManager_WatchExpiringFiltersByDeadline(t *testing.T) {
	m, repo, _ := newTestManager(t)
	ctx := context.Background()

	soon, err := m.Connect(ctx, uuid.New(), domain.ProviderGoogle, "remote-soon", "", "rt-1")
	require.NoError(t, err)
	require.NoError(t, soon.SetWatchChannel(domain.WatchChannel{
		ChannelID: "chan-soon", Token: "t1", ExpiresAt: time.Now().Add(2 * time.Hour),
	}))
	require.NoError(t, repo.Save(ctx, soon))

	later, err := m.Connect(ctx, uuid.New(), domain.ProviderGoogle, "remote-later", "", "rt-2")
	require.NoError(t, err)
	require.NoError(t, later.SetWatchChannel(domain.WatchChannel{
		ChannelID: "chan-later", Token: "t2", ExpiresAt: time.Now().Add(72 * time.Hour),
	}))
	require.NoError(t, repo.Save(ctx, later))

	expiring, err := m.WatchExpiring(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	assert.Equal(t, soon.ID(), expiring[0].ID())
}
