// Package sync pulls provider changes into the canonical graph: webhook
// signals and a periodic scan enqueue accounts, poll workers list changes
// by cursor, classify each event, and route it to ingestion, drift
// reconciliation, or a counted skip.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	accountApp "github.com/tminus-app/tminus/internal/account/application"
	accountDomain "github.com/tminus-app/tminus/internal/account/domain"
	"github.com/tminus-app/tminus/internal/classify"
	graphApp "github.com/tminus-app/tminus/internal/graph/application"
	graphDomain "github.com/tminus-app/tminus/internal/graph/domain"
	"github.com/tminus-app/tminus/internal/projection"
	"github.com/tminus-app/tminus/internal/provider"
)

// Config tunes the poller. Zero values select the defaults.
type Config struct {
	// ScanInterval is the cadence of the full-fleet scan that backstops
	// webhooks and covers poll-only providers.
	ScanInterval time.Duration
	// CallDeadline bounds one incremental listing call.
	CallDeadline time.Duration
	// FullBudget bounds a whole full-sync round for one account.
	FullBudget time.Duration
	// PastWindow and FutureWindow bound full listings around now.
	PastWindow   time.Duration
	FutureWindow time.Duration
	// Workers is the number of concurrent poll workers.
	Workers int
}

func (c Config) withDefaults() Config {
	if c.ScanInterval <= 0 {
		c.ScanInterval = 15 * time.Minute
	}
	if c.CallDeadline <= 0 {
		c.CallDeadline = 30 * time.Second
	}
	if c.FullBudget <= 0 {
		c.FullBudget = 5 * time.Minute
	}
	if c.PastWindow <= 0 {
		c.PastWindow = 30 * 24 * time.Hour
	}
	if c.FutureWindow <= 0 {
		c.FutureWindow = 365 * 24 * time.Hour
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	return c
}

// SaltProvider hands out the per-user participant salt used to hash
// attendee emails before they enter the graph.
type SaltProvider interface {
	ParticipantSalt(ctx context.Context, userID uuid.UUID) (string, error)
}

// Poller drives account polls. One Poller serves all accounts; per-user
// write ordering is the graph coordinator's job.
type Poller struct {
	accounts *accountApp.Manager
	graphs   *graphApp.CoordinatorRegistry
	clients  map[accountDomain.ProviderType]provider.Client
	signals  SignalQueue
	salts    SaltProvider
	cfg      Config
	logger   *slog.Logger
	running  atomic.Bool
	stop     chan struct{}
}

// NewPoller creates the sync poller.
func NewPoller(
	accounts *accountApp.Manager,
	graphs *graphApp.CoordinatorRegistry,
	clients map[accountDomain.ProviderType]provider.Client,
	signals SignalQueue,
	salts SaltProvider,
	cfg Config,
	logger *slog.Logger,
) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		accounts: accounts,
		graphs:   graphs,
		clients:  clients,
		signals:  signals,
		salts:    salts,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Run blocks, scanning on startup and every ScanInterval, with Workers
// goroutines draining the signal queue. Returns when the context ends or
// Stop is called.
func (p *Poller) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("sync poller already running")
	}
	defer p.running.Store(false)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.stop:
			cancel()
		case <-runCtx.Done():
		}
	}()

	var wg sync.WaitGroup
	for range p.cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.consume(runCtx)
		}()
	}

	p.Scan(runCtx)

	ticker := time.NewTicker(p.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.Scan(runCtx)
		case <-runCtx.Done():
			wg.Wait()
			return ctx.Err()
		}
	}
}

// Stop ends a blocked Run.
func (p *Poller) Stop() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
}

// Scan enqueues a poll signal for every active account.
func (p *Poller) Scan(ctx context.Context) {
	accounts, err := p.accounts.ActiveAccounts(ctx)
	if err != nil {
		p.logger.Error("sync scan failed", "error", err)
		return
	}
	for _, account := range accounts {
		if err := p.signals.Push(ctx, account.ID()); err != nil {
			p.logger.Warn("enqueueing poll signal failed",
				"account_id", account.ID(),
				"error", err,
			)
		}
	}
}

func (p *Poller) consume(ctx context.Context) {
	for {
		accountID, err := p.signals.Pop(ctx)
		if err != nil {
			return
		}
		if err := p.Poll(ctx, accountID); err != nil {
			p.logger.Warn("account poll failed",
				"account_id", accountID,
				"error", err,
			)
		}
	}
}

// Poll lists changes for one account and applies them to the owner's
// graph. Incremental by cursor; an invalidated cursor falls back to a full
// listing whose fresh cursor replaces it.
func (p *Poller) Poll(ctx context.Context, accountID uuid.UUID) error {
	coordinator, err := p.accounts.CoordinatorFor(ctx, accountID)
	if err != nil {
		return err
	}
	account, err := coordinator.Account(ctx)
	if err != nil {
		return err
	}
	if !account.IsActive() {
		return nil
	}
	client, ok := p.clients[account.Provider()]
	if !ok {
		return fmt.Errorf("no provider client registered for %s", account.Provider())
	}

	token := ""
	if account.Provider().RequiresOAuth() {
		token, err = coordinator.GetAccessToken(ctx)
		if err != nil {
			return p.failSync(ctx, coordinator, fmt.Errorf("acquiring token: %w", err))
		}
	}

	calendarID, err := p.resolveCalendar(ctx, coordinator, account, client, token)
	if err != nil {
		return p.failSync(ctx, coordinator, err)
	}

	cursor := account.SyncCursor()
	var page provider.ChangePage
	if cursor != "" {
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallDeadline)
		page, err = client.IncrementalList(callCtx, token, calendarID, cursor)
		cancel()
		if errors.Is(err, provider.ErrCursorInvalidated) {
			if err := coordinator.InvalidateCursor(ctx); err != nil {
				return err
			}
			cursor = ""
		} else if err != nil {
			return p.failSync(ctx, coordinator, err)
		}
	}
	if cursor == "" {
		fullCtx, cancel := context.WithTimeout(ctx, p.cfg.FullBudget)
		now := time.Now().UTC()
		page, err = client.FullList(fullCtx, token, calendarID, provider.TimeWindow{
			Start: now.Add(-p.cfg.PastWindow),
			End:   now.Add(p.cfg.FutureWindow),
		})
		cancel()
		if err != nil {
			return p.failSync(ctx, coordinator, err)
		}
	}

	graph := p.graphs.Coordinator(account.UserID())
	for _, event := range page.Events {
		p.apply(ctx, graph, accountID, account.UserID(), event)
	}

	if page.NextCursor != "" && page.NextCursor != account.SyncCursor() {
		if err := coordinator.SetSyncCursor(ctx, page.NextCursor); err != nil {
			return err
		}
	}
	return coordinator.MarkSyncSuccess(ctx, time.Now().UTC())
}

func (p *Poller) failSync(ctx context.Context, coordinator *accountApp.Coordinator, cause error) error {
	if err := coordinator.MarkSyncFailure(ctx, cause.Error()); err != nil {
		p.logger.Error("recording sync failure failed", "error", err)
	}
	return cause
}

// resolveCalendar returns the calendar to poll, resolving and persisting
// it on first contact. Feed providers use their remote account id (the
// feed URL) as the calendar.
func (p *Poller) resolveCalendar(ctx context.Context, coordinator *accountApp.Coordinator, account *accountDomain.Account, client provider.Client, token string) (string, error) {
	if id := account.PrimaryCalendarID(); id != "" {
		return id, nil
	}
	if !account.Provider().RequiresOAuth() {
		id := account.RemoteAccountID()
		return id, coordinator.SetPrimaryCalendar(ctx, id)
	}
	id, err := client.ResolvePrimaryCalendar(ctx, token)
	if err != nil {
		return "", fmt.Errorf("resolving primary calendar: %w", err)
	}
	return id, coordinator.SetPrimaryCalendar(ctx, id)
}

// apply classifies one provider event and routes it. Only origin events
// are ingested; managed mirrors are compared for drift and everything
// else is skipped with its reason journaled.
func (p *Poller) apply(ctx context.Context, graph *graphApp.Coordinator, accountID, userID uuid.UUID, event provider.NormalizedEvent) {
	result := classify.Classify(userID, graph, event.Tags)

	switch result.Kind {
	case classify.KindOrigin:
		if event.Deleted {
			if err := graph.DeleteFromOrigin(ctx, accountID.String(), event.RemoteID); err != nil {
				p.logger.Warn("origin delete failed",
					"remote_event_id", event.RemoteID,
					"error", err,
				)
			}
			return
		}
		if _, err := graph.UpsertFromOrigin(ctx, accountID.String(), event.RemoteID, p.content(ctx, userID, event)); err != nil {
			p.logger.Warn("origin upsert failed",
				"remote_event_id", event.RemoteID,
				"error", err,
			)
		}

	case classify.KindManagedOwn:
		edgeID, err := uuid.Parse(result.EdgeID)
		if err != nil {
			graph.RecordSyncSkip(ctx, accountID.String(), event.RemoteID, string(result.Kind), classify.ReasonMalformedTags)
			return
		}
		observed := p.observedHash(event)
		if err := graph.ObserveMirror(ctx, result.CanonicalID, edgeID, observed); err != nil {
			p.logger.Warn("mirror drift check failed",
				"canonical_id", result.CanonicalID,
				"error", err,
			)
		}

	default:
		graph.RecordSyncSkip(ctx, accountID.String(), event.RemoteID, string(result.Kind), result.Reason)
	}
}

// observedHash hashes the provider-observed mirror content the same way
// the compiler hashes intended payloads, so drift is a hash mismatch. A
// deleted mirror hashes to empty, which never matches an intended hash.
func (p *Poller) observedHash(event provider.NormalizedEvent) string {
	if event.Deleted {
		return ""
	}
	hash, err := projection.HashPayload(projection.Payload{
		Title:       event.Title,
		Description: event.Description,
		Location:    event.Location,
		Start:       event.Start.UTC().Truncate(time.Millisecond),
		End:         event.End.UTC().Truncate(time.Millisecond),
		AllDay:      event.AllDay,
		Status:      event.Status,
		Recurrence:  event.Recurrence,
	})
	if err != nil {
		return ""
	}
	return hash
}

func (p *Poller) content(ctx context.Context, userID uuid.UUID, event provider.NormalizedEvent) graphDomain.EventContent {
	content := graphDomain.EventContent{
		Title:        event.Title,
		Description:  event.Description,
		Location:     event.Location,
		Start:        event.Start,
		End:          event.End,
		AllDay:       event.AllDay,
		Status:       event.Status,
		Visibility:   event.Visibility,
		Transparency: event.Transparency,
		Recurrence:   event.Recurrence,
	}
	if p.salts == nil || len(event.ParticipantEmails) == 0 {
		return content
	}
	salt, err := p.salts.ParticipantSalt(ctx, userID)
	if err != nil {
		p.logger.Warn("participant salt lookup failed", "user_id", userID, "error", err)
		return content
	}
	for _, email := range event.ParticipantEmails {
		content.ParticipantHashes = append(content.ParticipantHashes, graphDomain.HashParticipant(email, salt))
	}
	return content
}
