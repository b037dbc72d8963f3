package write

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
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
	"github.com/tminus-app/tminus/internal/provider"
	"github.com/tminus-app/tminus/internal/shared/infrastructure/database"
	"github.com/tminus-app/tminus/internal/shared/infrastructure/database/sqlite"
	"github.com/tminus-app/tminus/internal/shared/infrastructure/eventbus"
	"github.com/tminus-app/tminus/internal/shared/infrastructure/migrations"
)

type outcome struct {
	kind     string // written | failed | deleted
	mirrorID uuid.UUID
	remoteID string
	hash     string
	reason   string
}

type recordingSink struct {
	mu       sync.Mutex
	outcomes []outcome
	ch       chan outcome
}

func newRecordingSink() *recordingSink {
	return &recordingSink{ch: make(chan outcome, 16)}
}

func (s *recordingSink) record(o outcome) {
	s.mu.Lock()
	s.outcomes = append(s.outcomes, o)
	s.mu.Unlock()
	s.ch <- o
}

func (s *recordingSink) MirrorWritten(_ context.Context, _, mirrorID uuid.UUID, remoteID, hash string) error {
	s.record(outcome{kind: "written", mirrorID: mirrorID, remoteID: remoteID, hash: hash})
	return nil
}

func (s *recordingSink) MirrorFailed(_ context.Context, _, mirrorID uuid.UUID, reason string) error {
	s.record(outcome{kind: "failed", mirrorID: mirrorID, reason: reason})
	return nil
}

func (s *recordingSink) MirrorDeleted(_ context.Context, _, mirrorID uuid.UUID) error {
	s.record(outcome{kind: "deleted", mirrorID: mirrorID})
	return nil
}

func (s *recordingSink) wait(t *testing.T) outcome {
	t.Helper()
	select {
	case o := <-s.ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for write outcome")
		return outcome{}
	}
}

// scriptedClient pops one response per call, in order.
type scriptedClient struct {
	mu      sync.Mutex
	script  []error
	remotes []string
	calls   []string // "create" | "patch" | "delete"
	tokens  []string
}

func (c *scriptedClient) next(call, token string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
	c.tokens = append(c.tokens, token)
	var err error
	if len(c.script) > 0 {
		err, c.script = c.script[0], c.script[1:]
	}
	remote := "remote-new"
	if len(c.remotes) > 0 {
		remote, c.remotes = c.remotes[0], c.remotes[1:]
	}
	return remote, err
}

func (c *scriptedClient) callLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *scriptedClient) ResolvePrimaryCalendar(context.Context, string) (string, error) {
	return "primary", nil
}

func (c *scriptedClient) EnsureOverlayCalendar(context.Context, string, string) (string, error) {
	return "overlay", nil
}

func (c *scriptedClient) IncrementalList(context.Context, string, string, string) (provider.ChangePage, error) {
	return provider.ChangePage{}, nil
}

func (c *scriptedClient) FullList(context.Context, string, string, provider.TimeWindow) (provider.ChangePage, error) {
	return provider.ChangePage{}, nil
}

func (c *scriptedClient) Create(_ context.Context, token, _ string, _ projection.Payload, _ string) (string, error) {
	return c.next("create", token)
}

func (c *scriptedClient) Patch(_ context.Context, token, _, _ string, _ projection.Payload, _ string) error {
	_, err := c.next("patch", token)
	return err
}

func (c *scriptedClient) Delete(_ context.Context, token, _, _ string) error {
	_, err := c.next("delete", token)
	return err
}

func (c *scriptedClient) RegisterChannel(context.Context, string, provider.ChannelRequest) (provider.Channel, error) {
	return provider.Channel{}, nil
}

func (c *scriptedClient) StopChannel(context.Context, string, provider.Channel) error { return nil }

type fakeGateway struct {
	client     *scriptedClient
	targetErr  error
	mu         sync.Mutex
	refreshes  int
	tokenCalls int
}

func (g *fakeGateway) AccessToken(context.Context, string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tokenCalls++
	return "token-cached", nil
}

func (g *fakeGateway) ForceRefresh(context.Context, string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refreshes++
	return "token-fresh", nil
}

func (g *fakeGateway) ResolveTarget(context.Context, string, projection.CalendarKind) (Target, error) {
	if g.targetErr != nil {
		return Target{}, g.targetErr
	}
	return Target{Client: g.client, CalendarID: "cal-1"}, nil
}

func testConfig() Config {
	return Config{
		QueueSize:       16,
		MaxRetries:      3,
		BackoffBase:     time.Millisecond,
		BackoffMax:      5 * time.Millisecond,
		AccountInflight: 2,
		CallDeadline:    time.Second,
	}
}

func testTask(op graphApp.WriteOp) graphApp.WriteTask {
	task := graphApp.WriteTask{
		AccountID:    uuid.NewString(),
		UserID:       uuid.New(),
		MirrorID:     uuid.New(),
		CanonicalID:  "01JCANON00000000000000000",
		Op:           op,
		CalendarKind: projection.KindBusyOverlay,
		Payload: projection.Payload{
			Title: "Busy",
			Start: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
			End:   time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
			Tags:  projection.Tags{ContentHash: "hash-1", PolicyEdgeID: "edge-1"},
		},
		IdempotencyKey: "idem-1",
	}
	if op != graphApp.WriteCreate {
		task.RemoteEventID = "remote-1"
	}
	return task
}

func callErr(status int) error {
	return &provider.CallError{Provider: "test", StatusCode: status}
}

func newTestPipeline(t *testing.T, gateway *fakeGateway, sink *recordingSink) *Pipeline {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewPipeline(gateway, sink, testConfig(), logger)
	t.Cleanup(p.Close)
	return p
}

func TestPipeline_CreateSuccess(t *testing.T) {
	client := &scriptedClient{remotes: []string{"remote-9"}}
	gateway := &fakeGateway{client: client}
	sink := newRecordingSink()
	p := newTestPipeline(t, gateway, sink)

	task := testTask(graphApp.WriteCreate)
	require.NoError(t, p.Dispatch(context.Background(), task))

	o := sink.wait(t)
	assert.Equal(t, "written", o.kind)
	assert.Equal(t, task.MirrorID, o.mirrorID)
	assert.Equal(t, "remote-9", o.remoteID)
	assert.Equal(t, "hash-1", o.hash)
}

func TestPipeline_TransientErrorsRetryThenSucceed(t *testing.T) {
	client := &scriptedClient{script: []error{callErr(http.StatusServiceUnavailable), callErr(http.StatusTooManyRequests), nil}}
	gateway := &fakeGateway{client: client}
	sink := newRecordingSink()
	p := newTestPipeline(t, gateway, sink)

	require.NoError(t, p.Dispatch(context.Background(), testTask(graphApp.WriteCreate)))

	o := sink.wait(t)
	assert.Equal(t, "written", o.kind)
	assert.Len(t, client.callLog(), 3)
}

func TestPipeline_RetriesExhaustedFailsMirror(t *testing.T) {
	client := &scriptedClient{script: []error{
		callErr(http.StatusServiceUnavailable),
		callErr(http.StatusServiceUnavailable),
		callErr(http.StatusServiceUnavailable),
	}}
	gateway := &fakeGateway{client: client}
	sink := newRecordingSink()
	p := newTestPipeline(t, gateway, sink)

	require.NoError(t, p.Dispatch(context.Background(), testTask(graphApp.WriteCreate)))

	o := sink.wait(t)
	assert.Equal(t, "failed", o.kind)
	assert.Contains(t, o.reason, "retries exhausted")
	assert.Len(t, client.callLog(), 3)
}

func TestPipeline_TerminalErrorFailsImmediately(t *testing.T) {
	client := &scriptedClient{script: []error{callErr(http.StatusUnprocessableEntity)}}
	gateway := &fakeGateway{client: client}
	sink := newRecordingSink()
	p := newTestPipeline(t, gateway, sink)

	require.NoError(t, p.Dispatch(context.Background(), testTask(graphApp.WriteCreate)))

	o := sink.wait(t)
	assert.Equal(t, "failed", o.kind)
	assert.Contains(t, o.reason, "terminal provider error")
	assert.Len(t, client.callLog(), 1, "terminal errors never retry")
}

func TestPipeline_AuthRejectionForcesOneRefresh(t *testing.T) {
	client := &scriptedClient{script: []error{callErr(http.StatusUnauthorized), nil}}
	gateway := &fakeGateway{client: client}
	sink := newRecordingSink()
	p := newTestPipeline(t, gateway, sink)

	require.NoError(t, p.Dispatch(context.Background(), testTask(graphApp.WriteCreate)))

	o := sink.wait(t)
	assert.Equal(t, "written", o.kind)
	assert.Equal(t, 1, gateway.refreshes)
	assert.Equal(t, "token-fresh", client.tokens[len(client.tokens)-1])
}

func TestPipeline_SecondAuthRejectionIsTerminal(t *testing.T) {
	client := &scriptedClient{script: []error{callErr(http.StatusUnauthorized), callErr(http.StatusUnauthorized)}}
	gateway := &fakeGateway{client: client}
	sink := newRecordingSink()
	p := newTestPipeline(t, gateway, sink)

	require.NoError(t, p.Dispatch(context.Background(), testTask(graphApp.WriteCreate)))

	o := sink.wait(t)
	assert.Equal(t, "failed", o.kind)
	assert.Contains(t, o.reason, "forced refresh")
	assert.Equal(t, 1, gateway.refreshes)
}

func TestPipeline_PatchOnGoneTargetRecreates(t *testing.T) {
	client := &scriptedClient{
		script:  []error{callErr(http.StatusGone), nil},
		remotes: []string{"", "remote-recreated"},
	}
	gateway := &fakeGateway{client: client}
	sink := newRecordingSink()
	p := newTestPipeline(t, gateway, sink)

	require.NoError(t, p.Dispatch(context.Background(), testTask(graphApp.WritePatch)))

	o := sink.wait(t)
	assert.Equal(t, "written", o.kind)
	assert.Equal(t, "remote-recreated", o.remoteID)
	assert.Equal(t, []string{"patch", "create"}, client.callLog())
}

func TestPipeline_DeleteOnGoneTargetIsDeleted(t *testing.T) {
	client := &scriptedClient{script: []error{callErr(http.StatusNotFound)}}
	gateway := &fakeGateway{client: client}
	sink := newRecordingSink()
	p := newTestPipeline(t, gateway, sink)

	task := testTask(graphApp.WriteDelete)
	require.NoError(t, p.Dispatch(context.Background(), task))

	o := sink.wait(t)
	assert.Equal(t, "deleted", o.kind)
	assert.Equal(t, task.MirrorID, o.mirrorID)
}

func TestPipeline_ReadOnlyTargetFailsMirror(t *testing.T) {
	gateway := &fakeGateway{client: &scriptedClient{}, targetErr: provider.ErrReadOnlyProvider}
	sink := newRecordingSink()
	p := newTestPipeline(t, gateway, sink)

	require.NoError(t, p.Dispatch(context.Background(), testTask(graphApp.WriteCreate)))

	o := sink.wait(t)
	assert.Equal(t, "failed", o.kind)
	assert.Contains(t, o.reason, "read-only")
}

func TestPipeline_SameCanonicalStaysOrdered(t *testing.T) {
	client := &scriptedClient{remotes: []string{"r1", "r1", "r1"}}
	gateway := &fakeGateway{client: client}
	sink := newRecordingSink()
	p := newTestPipeline(t, gateway, sink)

	create := testTask(graphApp.WriteCreate)
	patch := create
	patch.Op = graphApp.WritePatch
	patch.RemoteEventID = "r1"
	patch.MirrorID = create.MirrorID
	deleteTask := patch
	deleteTask.Op = graphApp.WriteDelete

	ctx := context.Background()
	require.NoError(t, p.Dispatch(ctx, create))
	require.NoError(t, p.Dispatch(ctx, patch))
	require.NoError(t, p.Dispatch(ctx, deleteTask))

	for range 3 {
		sink.wait(t)
	}
	assert.Equal(t, []string{"create", "patch", "delete"}, client.callLog())
}

func TestPipeline_DispatchAfterCloseFails(t *testing.T) {
	gateway := &fakeGateway{client: &scriptedClient{}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewPipeline(gateway, newRecordingSink(), testConfig(), logger)
	p.Close()

	err := p.Dispatch(context.Background(), testTask(graphApp.WriteCreate))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}

// A full lane must never stall coordinator mutations: the sink callbacks
// need the coordinator lock, so dispatching under it would wedge both sides.
func TestPipeline_BackpressureDoesNotStallCoordinator(t *testing.T) {
	ctx := context.Background()
	conn, err := sqlite.NewConnection(ctx, database.Config{
		SQLitePath: filepath.Join(t.TempDir(), "write_test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	sqliteConn, ok := conn.(*sqlite.Connection)
	require.True(t, ok)
	require.NoError(t, migrations.RunSQLiteMigrations(ctx, sqliteConn.DB()))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repos := graphPersistence.NewRepositories(conn)
	graphs := graphApp.NewCoordinatorRegistry(
		repos, projection.NewCompiler(""), nil, eventbus.NewNoopPublisher(logger), logger)

	client := &scriptedClient{remotes: []string{"remote-1", "remote-2", "remote-3"}}
	gateway := &fakeGateway{client: client}
	p := NewPipeline(gateway, NewRegistrySink(graphs), Config{
		QueueSize:       1,
		AccountInflight: 1,
		MaxRetries:      1,
		BackoffBase:     time.Millisecond,
		BackoffMax:      time.Millisecond,
		CallDeadline:    time.Second,
	}, logger)
	t.Cleanup(p.Close)
	graphs.SetDispatcher(p)

	coord := graphs.Coordinator(uuid.New())
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	for i := range 3 {
		_, err := coord.UpsertFromOrigin(ctx, "acct-work", fmt.Sprintf("r%d", i), graphDomain.EventContent{
			Title:  "Meeting",
			Start:  day.Add(time.Duration(i)*2*time.Hour + 9*time.Hour),
			End:    day.Add(time.Duration(i)*2*time.Hour + 10*time.Hour),
			Status: graphDomain.StatusConfirmed,
		})
		require.NoError(t, err)
	}

	// The backfill queues three writes into a single lane of depth one.
	done := make(chan error, 1)
	go func() {
		_, err := coord.CreateEdge(ctx, "acct-work", "acct-personal", projection.DetailBusy, projection.KindBusyOverlay)
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("edge creation stalled behind write backpressure")
	}

	// Every backfilled mirror drains to written.
	require.Eventually(t, func() bool {
		mirrors, err := repos.Mirrors.FindByTarget(ctx, "acct-personal")
		if err != nil || len(mirrors) != 3 {
			return false
		}
		for _, m := range mirrors {
			if m.State() != graphDomain.MirrorWritten {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLaneIndex_IsStablePerCanonical(t *testing.T) {
	for i := range 10 {
		id := fmt.Sprintf("canonical-%d", i)
		assert.Equal(t, laneIndex(id, 4), laneIndex(id, 4))
	}
}
