package application

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	graphDomain "github.com/tminus-app/tminus/internal/graph/domain"
	graphPersistence "github.com/tminus-app/tminus/internal/graph/infrastructure/persistence"
	registryPersistence "github.com/tminus-app/tminus/internal/registry/infrastructure/persistence"
	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
	"github.com/tminus-app/tminus/internal/shared/infrastructure/database"
	"github.com/tminus-app/tminus/internal/shared/infrastructure/database/sqlite"
	"github.com/tminus-app/tminus/internal/shared/infrastructure/migrations"
)

func newService(t *testing.T) (*Service, graphDomain.SessionRepository) {
	t.Helper()
	ctx := context.Background()

	conn, err := sqlite.NewConnection(ctx, database.Config{
		SQLitePath: filepath.Join(t.TempDir(), "registry_service_test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	sqliteConn, ok := conn.(*sqlite.Connection)
	require.True(t, ok)
	require.NoError(t, migrations.RunSQLiteMigrations(ctx, sqliteConn.DB()))

	sessions := graphPersistence.NewSessionRepository(conn)
	service := NewService(
		registryPersistence.NewUserRepository(conn),
		registryPersistence.NewAccountIndexRepository(conn),
		sessions,
		database.NewUnitOfWork(conn),
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	return service, sessions
}

func TestService_RegisterUserMintsDistinctSalts(t *testing.T) {
	service, _ := newService(t)
	ctx := context.Background()

	alice, err := service.RegisterUser(ctx, "Alice")
	require.NoError(t, err)
	bob, err := service.RegisterUser(ctx, "Bob")
	require.NoError(t, err)

	aliceSalt, err := service.ParticipantSalt(ctx, alice.ID())
	require.NoError(t, err)
	bobSalt, err := service.ParticipantSalt(ctx, bob.ID())
	require.NoError(t, err)
	assert.NotEmpty(t, aliceSalt)
	assert.NotEqual(t, aliceSalt, bobSalt)

	ids, err := service.UserIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{alice.ID(), bob.ID()}, ids)
}

func TestService_SaltIsStableAcrossLookups(t *testing.T) {
	service, _ := newService(t)
	ctx := context.Background()

	user, err := service.RegisterUser(ctx, "Alice")
	require.NoError(t, err)

	first, err := service.ParticipantSalt(ctx, user.ID())
	require.NoError(t, err)
	second, err := service.ParticipantSalt(ctx, user.ID())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestService_BindAndResolveAccount(t *testing.T) {
	service, _ := newService(t)
	ctx := context.Background()

	user, err := service.RegisterUser(ctx, "Alice")
	require.NoError(t, err)
	accountID := uuid.New()
	require.NoError(t, service.BindAccount(ctx, "google", "alice@example.com", accountID, user.ID()))

	binding, err := service.ResolveAccount(ctx, "google", "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, accountID, binding.AccountID)
	assert.Equal(t, user.ID(), binding.UserID)
}

func TestService_RemoveUserClearsBindings(t *testing.T) {
	service, _ := newService(t)
	ctx := context.Background()

	user, err := service.RegisterUser(ctx, "Alice")
	require.NoError(t, err)
	require.NoError(t, service.BindAccount(ctx, "google", "alice@example.com", uuid.New(), user.ID()))

	require.NoError(t, service.RemoveUser(ctx, user.ID()))

	_, err = service.GetUser(ctx, user.ID())
	assert.True(t, sharedDomain.HasCode(err, sharedDomain.CodeNotFound))
	_, err = service.ResolveAccount(ctx, "google", "alice@example.com")
	assert.True(t, sharedDomain.HasCode(err, sharedDomain.CodeNotFound))
}

func TestService_SessionParticipantsReadsTheSessionRow(t *testing.T) {
	service, sessions := newService(t)
	ctx := context.Background()
	organizer := uuid.New()
	peer := uuid.New()

	session, err := graphDomain.NewSchedulingSession(
		organizer, "Planning", 60,
		time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 9, 1, 17, 0, 0, 0, time.UTC),
		[]uuid.UUID{peer})
	require.NoError(t, err)
	require.NoError(t, sessions.Save(ctx, session))

	require.NoError(t, service.RegisterSession(ctx, session.ID(), organizer, session.Participants()))

	participants, err := service.SessionParticipants(ctx, session.ID())
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{organizer, peer}, participants)

	err = service.RegisterSession(ctx, session.ID(), peer, session.Participants())
	assert.True(t, sharedDomain.HasCode(err, sharedDomain.CodeValidation),
		"only the organizer registers a session")

	_, err = service.SessionParticipants(ctx, uuid.New())
	assert.True(t, sharedDomain.HasCode(err, sharedDomain.CodeNotFound))
}
