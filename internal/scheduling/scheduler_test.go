package scheduling

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	graphApp "github.com/tminus-app/tminus/internal/graph/application"
	graphDomain "github.com/tminus-app/tminus/internal/graph/domain"
	graphPersistence "github.com/tminus-app/tminus/internal/graph/infrastructure/persistence"
	"github.com/tminus-app/tminus/internal/projection"
	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
	"github.com/tminus-app/tminus/internal/shared/infrastructure/database"
	"github.com/tminus-app/tminus/internal/shared/infrastructure/database/sqlite"
	"github.com/tminus-app/tminus/internal/shared/infrastructure/eventbus"
	"github.com/tminus-app/tminus/internal/shared/infrastructure/migrations"
)

type captureDispatcher struct {
	mu    sync.Mutex
	tasks []graphApp.WriteTask
}

func (d *captureDispatcher) Dispatch(_ context.Context, task graphApp.WriteTask) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, task)
	return nil
}

func (d *captureDispatcher) all() []graphApp.WriteTask {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]graphApp.WriteTask(nil), d.tasks...)
}

type mapAccounts map[uuid.UUID]string

func (m mapAccounts) HoldAccountID(_ context.Context, userID uuid.UUID) (string, error) {
	if id, ok := m[userID]; ok {
		return id, nil
	}
	return "", sharedDomain.ErrValidation("no account for %s", userID)
}

type memDirectory struct {
	mu           sync.Mutex
	participants map[uuid.UUID][]uuid.UUID
}

func newMemDirectory() *memDirectory {
	return &memDirectory{participants: make(map[uuid.UUID][]uuid.UUID)}
}

func (d *memDirectory) RegisterSession(_ context.Context, sessionID, _ uuid.UUID, participants []uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.participants[sessionID] = participants
	return nil
}

func (d *memDirectory) SessionParticipants(_ context.Context, sessionID uuid.UUID) ([]uuid.UUID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.participants[sessionID]; ok {
		return p, nil
	}
	return nil, sharedDomain.ErrNotFound("session %s not registered", sessionID)
}

type schedEnv struct {
	graphs     *graphApp.CoordinatorRegistry
	repos      graphApp.Repositories
	dispatcher *captureDispatcher
	accounts   mapAccounts
	directory  *memDirectory
	scheduler  *Scheduler

	alice, bob uuid.UUID
}

func newSchedEnv(t *testing.T) *schedEnv {
	t.Helper()
	ctx := context.Background()

	conn, err := sqlite.NewConnection(ctx, database.Config{
		SQLitePath: filepath.Join(t.TempDir(), "scheduling_test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	sqliteConn, ok := conn.(*sqlite.Connection)
	require.True(t, ok)
	require.NoError(t, migrations.RunSQLiteMigrations(ctx, sqliteConn.DB()))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repos := graphPersistence.NewRepositories(conn)
	dispatcher := &captureDispatcher{}
	graphs := graphApp.NewCoordinatorRegistry(
		repos, projection.NewCompiler(""), dispatcher, eventbus.NewNoopPublisher(logger), logger)

	env := &schedEnv{
		graphs:     graphs,
		repos:      repos,
		dispatcher: dispatcher,
		accounts:   mapAccounts{},
		directory:  newMemDirectory(),
		alice:      uuid.New(),
		bob:        uuid.New(),
	}
	env.accounts[env.alice] = "acct-alice"
	env.accounts[env.bob] = "acct-bob"
	env.scheduler = NewScheduler(
		graphs, env.accounts, env.directory, repos.Sessions, repos.Holds, Config{}, logger)
	return env
}

func (e *schedEnv) seedBusy(t *testing.T, userID uuid.UUID, accountID, remoteID string, start, end time.Time) {
	t.Helper()
	_, err := e.graphs.Coordinator(userID).UpsertFromOrigin(context.Background(), accountID, remoteID, graphDomain.EventContent{
		Title:  "Existing meeting",
		Start:  start,
		End:    end,
		Status: graphDomain.StatusConfirmed,
	})
	require.NoError(t, err)
}

func (e *schedEnv) createParams() CreateParams {
	return CreateParams{
		OrganizerID:     e.alice,
		Title:           "Quarterly planning",
		DurationMinutes: 60,
		WindowStart:     time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC),
		WindowEnd:       time.Date(2026, 9, 1, 17, 0, 0, 0, time.UTC),
		Participants:    []uuid.UUID{e.bob},
	}
}

func TestScheduler_CreateValidatesParameters(t *testing.T) {
	env := newSchedEnv(t)
	ctx := context.Background()

	params := env.createParams()
	params.Participants = nil
	_, err := env.scheduler.CreateSession(ctx, params)
	assert.True(t, sharedDomain.HasCode(err, sharedDomain.CodeValidation), "organizer alone is not a group")

	params = env.createParams()
	params.DurationMinutes = 10
	_, err = env.scheduler.CreateSession(ctx, params)
	assert.True(t, sharedDomain.HasCode(err, sharedDomain.CodeValidation))

	params = env.createParams()
	params.WindowEnd = params.WindowStart.Add(-time.Hour)
	_, err = env.scheduler.CreateSession(ctx, params)
	assert.True(t, sharedDomain.HasCode(err, sharedDomain.CodeValidation))
}

func TestScheduler_CreateProposesSlotsAvoidingEveryParticipant(t *testing.T) {
	env := newSchedEnv(t)
	ctx := context.Background()

	day := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	aliceBusy := [2]time.Time{day.Add(9 * time.Hour), day.Add(12 * time.Hour)}
	bobBusy := [2]time.Time{day.Add(13 * time.Hour), day.Add(14 * time.Hour)}
	env.seedBusy(t, env.alice, "acct-alice", "busy-a", aliceBusy[0], aliceBusy[1])
	env.seedBusy(t, env.bob, "acct-bob", "busy-b", bobBusy[0], bobBusy[1])

	session, err := env.scheduler.CreateSession(ctx, env.createParams())
	require.NoError(t, err)
	assert.Equal(t, graphDomain.SessionProposed, session.State())
	require.NotEmpty(t, session.Candidates())
	assert.LessOrEqual(t, len(session.Candidates()), 5)

	for _, candidate := range session.Candidates() {
		assert.False(t, candidate.Start.Before(aliceBusy[0]) && candidate.End.After(aliceBusy[0]),
			"candidate %s overlaps alice's busy block", candidate.Start)
		assert.False(t, candidate.Start.Before(bobBusy[1]) && candidate.End.After(bobBusy[0]),
			"candidate %s overlaps bob's busy block", candidate.Start)
	}

	// One tentative hold per candidate per participant, backed by a
	// tentative provider write.
	holds, err := env.repos.Holds.FindBySession(ctx, session.ID())
	require.NoError(t, err)
	assert.Len(t, holds, 2*len(session.Candidates()))
	for _, hold := range holds {
		assert.Equal(t, graphDomain.HoldTentative, hold.State())
	}

	tentative := 0
	for _, task := range env.dispatcher.all() {
		if task.Tentative && task.Op == graphApp.WriteCreate {
			tentative++
		}
	}
	assert.Equal(t, 2*len(session.Candidates()), tentative)

	// Cross-user registry knows the session.
	participants, err := env.directory.SessionParticipants(ctx, session.ID())
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{env.alice, env.bob}, participants)
}

func TestScheduler_CreateFailsWhenNothingFits(t *testing.T) {
	env := newSchedEnv(t)
	ctx := context.Background()

	params := env.createParams()
	env.seedBusy(t, env.bob, "acct-bob", "busy-all-day", params.WindowStart, params.WindowEnd)

	_, err := env.scheduler.CreateSession(ctx, params)
	assert.True(t, sharedDomain.HasCode(err, sharedDomain.CodeValidation))
}

func TestScheduler_CommitCreatesMeetingsForEveryParticipant(t *testing.T) {
	env := newSchedEnv(t)
	ctx := context.Background()

	session, err := env.scheduler.CreateSession(ctx, env.createParams())
	require.NoError(t, err)
	winner := session.Candidates()[0]

	committed, err := env.scheduler.CommitSession(ctx, session.ID(), env.bob, winner.ID)
	require.NoError(t, err)
	assert.Equal(t, graphDomain.SessionCommitted, committed.State())
	assert.Equal(t, winner.ID, committed.CommittedCandidateID())

	for _, user := range []uuid.UUID{env.alice, env.bob} {
		account := env.accounts[user]
		event, err := env.repos.Events.FindByOrigin(ctx, account, "session:"+session.ID().String())
		require.NoError(t, err)
		assert.Equal(t, "Quarterly planning", event.Title())
		assert.Equal(t, winner.Start, event.Start())
		assert.Equal(t, winner.End, event.End())

		// Commitment receipt per participant.
		receipt, err := env.repos.Governance.LatestReceipt(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, event.ID(), receipt.CanonicalID)
	}

	// Winning hold confirmed, all others released.
	holds, err := env.repos.Holds.FindBySession(ctx, session.ID())
	require.NoError(t, err)
	for _, hold := range holds {
		if hold.CandidateID() == winner.ID {
			assert.Equal(t, graphDomain.HoldConfirmed, hold.State())
		} else {
			assert.Equal(t, graphDomain.HoldReleased, hold.State())
		}
	}
}

func TestScheduler_CommitRequiresAParticipant(t *testing.T) {
	env := newSchedEnv(t)
	ctx := context.Background()

	session, err := env.scheduler.CreateSession(ctx, env.createParams())
	require.NoError(t, err)

	_, err = env.scheduler.CommitSession(ctx, session.ID(), uuid.New(), session.Candidates()[0].ID)
	assert.True(t, sharedDomain.HasCode(err, sharedDomain.CodeNotFound))
}

func TestScheduler_CommitRollsBackOnParticipantFailure(t *testing.T) {
	env := newSchedEnv(t)
	ctx := context.Background()

	// Build a session where bob never got a hold: his leg of the commit
	// fails, and alice's already-created meeting must be rolled back.
	session, err := graphDomain.NewSchedulingSession(
		env.alice, "Handoff", 60,
		time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 9, 1, 17, 0, 0, 0, time.UTC),
		[]uuid.UUID{env.bob})
	require.NoError(t, err)

	candidate := graphDomain.Candidate{
		ID:    uuid.New(),
		Start: time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 9, 1, 11, 0, 0, 0, time.UTC),
	}
	for _, user := range []uuid.UUID{env.alice, env.bob} {
		require.NoError(t, env.graphs.Coordinator(user).RegisterSession(ctx, session))
	}
	_, err = env.graphs.Coordinator(env.alice).PlaceHold(
		ctx, session.ID(), candidate.ID, "acct-alice", candidate.Start, candidate.End,
		time.Now().UTC().Add(24*time.Hour))
	require.NoError(t, err)
	require.NoError(t, session.Propose([]graphDomain.Candidate{candidate}))
	for _, user := range []uuid.UUID{env.alice, env.bob} {
		require.NoError(t, env.graphs.Coordinator(user).RecordSessionProposed(ctx, session))
	}

	_, err = env.scheduler.CommitSession(ctx, session.ID(), env.alice, candidate.ID)
	require.Error(t, err)
	assert.True(t, sharedDomain.HasCode(err, sharedDomain.CodeCommitFailed))

	reloaded, err := env.repos.Sessions.FindByID(ctx, session.ID())
	require.NoError(t, err)
	assert.Equal(t, graphDomain.SessionCancelled, reloaded.State())
	assert.NotEmpty(t, reloaded.FailureReason())

	// Alice's meeting was tombstoned during rollback.
	event, err := env.repos.Events.FindByOrigin(ctx, "acct-alice", "session:"+session.ID().String())
	require.NoError(t, err)
	assert.True(t, event.Deleted())

	holds, err := env.repos.Holds.FindBySession(ctx, session.ID())
	require.NoError(t, err)
	for _, hold := range holds {
		assert.Equal(t, graphDomain.HoldReleased, hold.State())
	}
}

func TestScheduler_CancelReleasesEveryHold(t *testing.T) {
	env := newSchedEnv(t)
	ctx := context.Background()

	session, err := env.scheduler.CreateSession(ctx, env.createParams())
	require.NoError(t, err)

	require.NoError(t, env.scheduler.CancelSession(ctx, session.ID(), env.alice, "plans changed"))

	reloaded, err := env.repos.Sessions.FindByID(ctx, session.ID())
	require.NoError(t, err)
	assert.Equal(t, graphDomain.SessionCancelled, reloaded.State())

	holds, err := env.repos.Holds.FindBySession(ctx, session.ID())
	require.NoError(t, err)
	require.NotEmpty(t, holds)
	for _, hold := range holds {
		assert.Equal(t, graphDomain.HoldReleased, hold.State())
		// The blocks never reached a provider in this test, so the mirror
		// rows retire instead of queueing provider deletes.
		mirror, err := env.repos.Mirrors.FindByID(ctx, hold.MirrorID())
		require.NoError(t, err)
		assert.Equal(t, graphDomain.MirrorDeleted, mirror.State())
	}
}

func TestScheduler_ListSessionsFiltersByState(t *testing.T) {
	env := newSchedEnv(t)
	ctx := context.Background()

	first, err := env.scheduler.CreateSession(ctx, env.createParams())
	require.NoError(t, err)

	params := env.createParams()
	params.Title = "Retro"
	second, err := env.scheduler.CreateSession(ctx, params)
	require.NoError(t, err)
	require.NoError(t, env.scheduler.CancelSession(ctx, second.ID(), env.alice, "plans changed"))

	all, err := env.scheduler.ListSessions(ctx, env.bob, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	open, err := env.scheduler.ListSessions(ctx, env.bob, graphDomain.SessionProposed)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, first.ID(), open[0].ID())

	cancelled, err := env.scheduler.ListSessions(ctx, env.bob, graphDomain.SessionCancelled)
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, second.ID(), cancelled[0].ID())

	// A stranger sees nothing.
	none, err := env.scheduler.ListSessions(ctx, uuid.New(), "")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestScheduler_ExtendSessionHolds(t *testing.T) {
	env := newSchedEnv(t)
	ctx := context.Background()

	session, err := env.scheduler.CreateSession(ctx, env.createParams())
	require.NoError(t, err)

	until := time.Now().UTC().Add(72 * time.Hour).Truncate(time.Millisecond)
	require.NoError(t, env.scheduler.ExtendSessionHolds(ctx, session.ID(), env.bob, until))

	holds, err := env.repos.Holds.FindBySession(ctx, session.ID())
	require.NoError(t, err)
	require.NotEmpty(t, holds)
	for _, hold := range holds {
		assert.Equal(t, until, hold.ExpiresAt())
	}

	// Only participants may extend, and only while the session is open.
	err = env.scheduler.ExtendSessionHolds(ctx, session.ID(), uuid.New(), until.Add(time.Hour))
	assert.True(t, sharedDomain.HasCode(err, sharedDomain.CodeNotFound))

	require.NoError(t, env.scheduler.CancelSession(ctx, session.ID(), env.alice, "plans changed"))
	err = env.scheduler.ExtendSessionHolds(ctx, session.ID(), env.bob, until.Add(time.Hour))
	assert.True(t, sharedDomain.HasCode(err, sharedDomain.CodeInvalidTransition))
}

func TestScheduler_ExpireStaleSessions(t *testing.T) {
	env := newSchedEnv(t)
	ctx := context.Background()

	session, err := env.scheduler.CreateSession(ctx, env.createParams())
	require.NoError(t, err)

	expired, err := env.scheduler.ExpireStaleSessions(ctx, time.Now().UTC().Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	reloaded, err := env.repos.Sessions.FindByID(ctx, session.ID())
	require.NoError(t, err)
	assert.Equal(t, graphDomain.SessionExpired, reloaded.State())

	holds, err := env.repos.Holds.FindBySession(ctx, session.ID())
	require.NoError(t, err)
	for _, hold := range holds {
		assert.Equal(t, graphDomain.HoldReleased, hold.State())
	}
}

func TestScheduler_ExpireSessionWhenAllHoldsTerminal(t *testing.T) {
	env := newSchedEnv(t)
	ctx := context.Background()

	session, err := env.scheduler.CreateSession(ctx, env.createParams())
	require.NoError(t, err)

	// While a hold is still live nothing happens.
	done, err := env.scheduler.ExpireSessionIfAllHoldsTerminal(ctx, session.ID())
	require.NoError(t, err)
	assert.False(t, done)

	for _, user := range []uuid.UUID{env.alice, env.bob} {
		require.NoError(t, env.graphs.Coordinator(user).ReleaseSessionHolds(ctx, session.ID(), uuid.Nil))
	}

	done, err = env.scheduler.ExpireSessionIfAllHoldsTerminal(ctx, session.ID())
	require.NoError(t, err)
	assert.True(t, done)

	reloaded, err := env.repos.Sessions.FindByID(ctx, session.ID())
	require.NoError(t, err)
	assert.Equal(t, graphDomain.SessionExpired, reloaded.State())
}
