package application

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tminus-app/tminus/internal/graph/domain"
	"github.com/tminus-app/tminus/internal/interval"
	"github.com/tminus-app/tminus/internal/projection"
	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
	"github.com/tminus-app/tminus/internal/shared/infrastructure/eventbus"
)

// Repositories bundles the stores a coordinator works against.
type Repositories struct {
	Events        domain.CanonicalEventRepository
	Edges         domain.PolicyEdgeRepository
	Mirrors       domain.MirrorRepository
	Journal       domain.JournalRepository
	Sessions      domain.SessionRepository
	Holds         domain.HoldRepository
	Governance    domain.GovernanceRepository
	Relationships domain.RelationshipRepository
}

// Coordinator is the single writer for one user's graph. Every public
// method takes the coordinator lock, so callers never observe a
// half-applied mutation and mirror writes are planned from a consistent
// snapshot.
//
// Write tasks planned inside the critical section are buffered and handed
// to the dispatcher only after the lock is released: the write pipeline's
// completion callbacks (MarkMirror*) need the same lock, so dispatching
// under it would deadlock the moment a lane exerts backpressure.
type Coordinator struct {
	userID     uuid.UUID
	repos      Repositories
	compiler   *projection.Compiler
	dispatcher WriteDispatcher
	publisher  eventbus.Publisher
	logger     *slog.Logger

	mu      sync.Mutex
	pending []WriteTask
}

// NewCoordinator builds a coordinator for one user.
func NewCoordinator(userID uuid.UUID, repos Repositories, compiler *projection.Compiler, dispatcher WriteDispatcher, publisher eventbus.Publisher, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = eventbus.NewNoopPublisher(logger)
	}
	return &Coordinator{
		userID:     userID,
		repos:      repos,
		compiler:   compiler,
		dispatcher: dispatcher,
		publisher:  publisher,
		logger:     logger.With("user_id", userID.String()),
	}
}

// UserID returns the owning user.
func (c *Coordinator) UserID() uuid.UUID { return c.userID }

// UpsertResult reports what an ingestion did.
type UpsertResult struct {
	Event   *domain.CanonicalEvent
	Created bool
	Changed bool
}

// UpsertFromOrigin ingests an origin event observed during sync: creates a
// canonical event on first sight, otherwise folds the update in. Unchanged
// content is a no-op and plans no writes.
func (c *Coordinator) UpsertFromOrigin(ctx context.Context, originAccountID, originRemoteID string, content domain.EventContent) (UpsertResult, error) {
	c.mu.Lock()
	result, err := c.upsertFromOriginLocked(ctx, originAccountID, originRemoteID, content)
	tasks := c.takePending()
	c.mu.Unlock()
	if err != nil {
		return UpsertResult{}, err
	}
	if err := c.dispatchAll(ctx, tasks); err != nil {
		return UpsertResult{}, err
	}
	return result, nil
}

func (c *Coordinator) upsertFromOriginLocked(ctx context.Context, originAccountID, originRemoteID string, content domain.EventContent) (UpsertResult, error) {
	existing, err := c.repos.Events.FindByOrigin(ctx, originAccountID, originRemoteID)
	if err != nil && !sharedDomain.HasCode(err, sharedDomain.CodeNotFound) {
		return UpsertResult{}, err
	}

	if existing == nil {
		event, err := domain.NewCanonicalEvent(c.userID, originAccountID, originRemoteID, content)
		if err != nil {
			return UpsertResult{}, err
		}
		if err := c.repos.Events.Save(ctx, event); err != nil {
			return UpsertResult{}, err
		}
		c.journal(ctx, domain.EntryEventUpserted, event.ID(), map[string]any{
			"origin_account": originAccountID,
			"version":        event.Version(),
			"created":        true,
		})
		c.publishEvents(ctx, event.DomainEvents())
		event.ClearDomainEvents()
		c.recordInteractions(ctx, event)

		if err := c.planProjections(ctx, event); err != nil {
			return UpsertResult{}, err
		}
		return UpsertResult{Event: event, Created: true, Changed: true}, nil
	}

	changed, err := existing.ApplyRemoteUpdate(content)
	if err != nil {
		return UpsertResult{}, err
	}
	if !changed {
		return UpsertResult{Event: existing}, nil
	}

	if err := c.repos.Events.Save(ctx, existing); err != nil {
		return UpsertResult{}, err
	}
	c.journal(ctx, domain.EntryEventUpserted, existing.ID(), map[string]any{
		"origin_account": originAccountID,
		"version":        existing.Version(),
		"created":        false,
	})
	c.publishEvents(ctx, existing.DomainEvents())
	existing.ClearDomainEvents()

	if err := c.planProjections(ctx, existing); err != nil {
		return UpsertResult{}, err
	}
	return UpsertResult{Event: existing, Changed: true}, nil
}

// DeleteFromOrigin tombstones the canonical event behind a provider
// deletion and queues deletion of every mirror.
func (c *Coordinator) DeleteFromOrigin(ctx context.Context, originAccountID, originRemoteID string) error {
	c.mu.Lock()
	err := func() error {
		event, err := c.repos.Events.FindByOrigin(ctx, originAccountID, originRemoteID)
		if err != nil {
			if sharedDomain.HasCode(err, sharedDomain.CodeNotFound) {
				// Deletion of an event we never ingested is not an error.
				return nil
			}
			return err
		}
		return c.tombstoneLocked(ctx, event)
	}()
	tasks := c.takePending()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.dispatchAll(ctx, tasks)
}

// DeleteCanonical tombstones an event by canonical id (API surface).
func (c *Coordinator) DeleteCanonical(ctx context.Context, canonicalID string) error {
	c.mu.Lock()
	err := func() error {
		event, err := c.repos.Events.FindByID(ctx, canonicalID)
		if err != nil {
			return err
		}
		return c.tombstoneLocked(ctx, event)
	}()
	tasks := c.takePending()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.dispatchAll(ctx, tasks)
}

func (c *Coordinator) tombstoneLocked(ctx context.Context, event *domain.CanonicalEvent) error {
	if event.Deleted() {
		return nil
	}
	if err := event.Tombstone(); err != nil {
		return err
	}
	if err := c.repos.Events.Save(ctx, event); err != nil {
		return err
	}
	c.journal(ctx, domain.EntryEventDeleted, event.ID(), map[string]any{
		"version": event.Version(),
	})
	c.publishEvents(ctx, event.DomainEvents())
	event.ClearDomainEvents()

	mirrors, err := c.repos.Mirrors.FindByCanonical(ctx, event.ID())
	if err != nil {
		return err
	}
	for _, m := range mirrors {
		if m.State() == domain.MirrorDeleted {
			continue
		}
		if err := c.queueMirrorDelete(ctx, event.ID(), m); err != nil {
			return err
		}
	}
	return nil
}

// GetEvent returns one canonical event.
func (c *Coordinator) GetEvent(ctx context.Context, canonicalID string) (*domain.CanonicalEvent, error) {
	return c.repos.Events.FindByID(ctx, canonicalID)
}

// ListEvents returns the user's events overlapping [start, end).
func (c *Coordinator) ListEvents(ctx context.Context, start, end time.Time) ([]*domain.CanonicalEvent, error) {
	return c.repos.Events.FindInWindow(ctx, c.userID, start, end)
}

// BusyIntervals returns the user's merged busy time in [start, end), tagged
// with the origin account of each contributing event.
func (c *Coordinator) BusyIntervals(ctx context.Context, start, end time.Time) ([]interval.Interval, error) {
	events, err := c.repos.Events.FindInWindow(ctx, c.userID, start, end)
	if err != nil {
		return nil, err
	}
	busy := make([]interval.Interval, 0, len(events))
	for _, e := range events {
		if !e.Busy() {
			continue
		}
		busy = append(busy, interval.NewInterval(e.Start(), e.End(), e.OriginAccountID()))
	}
	return interval.MergeOverlapping(busy), nil
}

// EdgeRegistered reports whether the edge id belongs to this user's graph.
// The classifier consults this to separate our mirrors from orphans.
func (c *Coordinator) EdgeRegistered(edgeID string) bool {
	id, err := uuid.Parse(edgeID)
	if err != nil {
		return false
	}
	edge, err := c.repos.Edges.FindByID(context.Background(), id)
	return err == nil && edge != nil
}

// RecordSyncSkip journals a provider event the classifier refused to
// ingest, preserving the reason for sync health.
func (c *Coordinator) RecordSyncSkip(ctx context.Context, accountID, remoteEventID, kind, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.journal(ctx, domain.EntrySyncSkipped, "", map[string]any{
		"account":         accountID,
		"remote_event_id": remoteEventID,
		"kind":            kind,
		"reason":          reason,
	})
}

// ReconcileMirror compares the provider-observed content hash of a managed
// mirror against the intended one and requeues the write when they differ
// (self-heal by re-assertion, never by ingesting the drifted copy).
func (c *Coordinator) ReconcileMirror(ctx context.Context, mirrorID uuid.UUID, observedHash string) error {
	c.mu.Lock()
	err := func() error {
		mirror, err := c.repos.Mirrors.FindByID(ctx, mirrorID)
		if err != nil {
			return err
		}
		return c.reconcileLocked(ctx, mirror, observedHash)
	}()
	tasks := c.takePending()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.dispatchAll(ctx, tasks)
}

// ObserveMirror is the sync pipeline's drift entry point: it resolves the
// mirror by canonical event and policy edge as carried in the provider
// tags, then reconciles against the observed hash.
func (c *Coordinator) ObserveMirror(ctx context.Context, canonicalID string, edgeID uuid.UUID, observedHash string) error {
	c.mu.Lock()
	err := func() error {
		mirror, err := c.repos.Mirrors.FindByCanonicalAndEdge(ctx, canonicalID, edgeID)
		if err != nil {
			return err
		}
		return c.reconcileLocked(ctx, mirror, observedHash)
	}()
	tasks := c.takePending()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.dispatchAll(ctx, tasks)
}

// ReconcileDrift walks this user's whole graph: live canonical events are
// re-projected, which recreates missing mirrors and re-asserts drifted or
// failed ones, and mirrors of deleted canonicals get their provider copies
// queued for deletion. Returns the number of deletions queued.
func (c *Coordinator) ReconcileDrift(ctx context.Context) (int, error) {
	c.mu.Lock()
	deletes, err := c.reconcileDriftLocked(ctx)
	tasks := c.takePending()
	c.mu.Unlock()
	if err != nil {
		return deletes, err
	}
	if err := c.dispatchAll(ctx, tasks); err != nil {
		return deletes, err
	}
	return deletes, nil
}

func (c *Coordinator) reconcileDriftLocked(ctx context.Context) (int, error) {
	events, err := c.repos.Events.FindByUser(ctx, c.userID)
	if err != nil {
		return 0, err
	}
	deletes := 0
	for _, event := range events {
		if event.Deleted() {
			mirrors, err := c.repos.Mirrors.FindByCanonical(ctx, event.ID())
			if err != nil {
				return deletes, err
			}
			for _, mirror := range mirrors {
				if mirror.State() == domain.MirrorDeleted {
					continue
				}
				if err := c.queueMirrorDelete(ctx, event.ID(), mirror); err != nil {
					return deletes, err
				}
				deletes++
			}
			continue
		}
		if err := c.planProjections(ctx, event); err != nil {
			return deletes, err
		}
	}
	return deletes, nil
}

func (c *Coordinator) reconcileLocked(ctx context.Context, mirror *domain.Mirror, observedHash string) error {
	if mirror.State() != domain.MirrorWritten || mirror.ContentHash() == observedHash {
		return nil
	}

	event, err := c.repos.Events.FindByID(ctx, mirror.CanonicalID())
	if err != nil {
		return err
	}
	if event.Deleted() {
		return c.queueMirrorDelete(ctx, event.ID(), mirror)
	}

	c.journal(ctx, domain.EntryDriftRepaired, event.ID(), map[string]any{
		"mirror_id":      mirror.ID().String(),
		"observed_hash":  observedHash,
		"intended_hash":  mirror.ContentHash(),
		"target_account": mirror.TargetAccountID(),
	})
	return c.planProjections(ctx, event)
}

// MarkMirrorWritten is the write pipeline's success callback.
func (c *Coordinator) MarkMirrorWritten(ctx context.Context, mirrorID uuid.UUID, remoteEventID, contentHash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	mirror, err := c.repos.Mirrors.FindByID(ctx, mirrorID)
	if err != nil {
		return err
	}
	if err := mirror.MarkWritten(remoteEventID, contentHash); err != nil {
		return err
	}
	if err := c.repos.Mirrors.Save(ctx, mirror); err != nil {
		return err
	}
	c.journal(ctx, domain.EntryMirrorWritten, mirror.CanonicalID(), map[string]any{
		"mirror_id":      mirror.ID().String(),
		"target_account": mirror.TargetAccountID(),
		"remote_id":      remoteEventID,
	})
	c.publishEvents(ctx, []sharedDomain.DomainEvent{
		domain.NewMirrorWritten(mirror.ID(), c.userID, mirror.CanonicalID(), mirror.TargetAccountID()),
	})
	return nil
}

// MarkMirrorFailed is the write pipeline's terminal-failure callback.
func (c *Coordinator) MarkMirrorFailed(ctx context.Context, mirrorID uuid.UUID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	mirror, err := c.repos.Mirrors.FindByID(ctx, mirrorID)
	if err != nil {
		return err
	}
	mirror.MarkFailed(reason)
	if err := c.repos.Mirrors.Save(ctx, mirror); err != nil {
		return err
	}
	c.journal(ctx, domain.EntryMirrorFailed, mirror.CanonicalID(), map[string]any{
		"mirror_id": mirror.ID().String(),
		"reason":    reason,
	})
	return nil
}

// MarkMirrorDeleted is the write pipeline's deletion callback.
func (c *Coordinator) MarkMirrorDeleted(ctx context.Context, mirrorID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	mirror, err := c.repos.Mirrors.FindByID(ctx, mirrorID)
	if err != nil {
		return err
	}
	mirror.MarkDeleted()
	if err := c.repos.Mirrors.Save(ctx, mirror); err != nil {
		return err
	}
	c.journal(ctx, domain.EntryMirrorDeleted, mirror.CanonicalID(), map[string]any{
		"mirror_id": mirror.ID().String(),
	})
	return nil
}

// Journal returns the user's journal after seq, oldest first.
func (c *Coordinator) Journal(ctx context.Context, afterSeq int64, limit int) ([]*domain.JournalEntry, error) {
	return c.repos.Journal.FindByUser(ctx, c.userID, afterSeq, limit)
}

// planProjections recompiles the event along every enabled edge off its
// origin account and buffers writes for the mirrors whose content hash
// changed. Callers hold the coordinator lock.
func (c *Coordinator) planProjections(ctx context.Context, event *domain.CanonicalEvent) error {
	if event.Deleted() {
		return nil
	}

	edges, err := c.repos.Edges.FindBySource(ctx, c.userID, event.OriginAccountID())
	if err != nil {
		return err
	}

	src := c.projectionSource(event)
	for _, edge := range edges {
		if !edge.Enabled() {
			continue
		}

		payload, hash, err := c.compiler.Compile(src, edge.ProjectionEdge())
		if err != nil {
			c.logger.Error("projection compile failed",
				"canonical_id", event.ID(),
				"edge_id", edge.ID().String(),
				"error", err,
			)
			continue
		}

		mirror, err := c.repos.Mirrors.FindByCanonicalAndEdge(ctx, event.ID(), edge.ID())
		if err != nil && !sharedDomain.HasCode(err, sharedDomain.CodeNotFound) {
			return err
		}
		if mirror == nil {
			mirror, err = domain.NewMirror(event.ID(), c.userID, edge)
			if err != nil {
				return err
			}
			if err := c.repos.Mirrors.Save(ctx, mirror); err != nil {
				return err
			}
		}

		if !mirror.NeedsWrite(hash) {
			continue
		}

		op := WriteCreate
		if mirror.RemoteEventID() != "" {
			op = WritePatch
		}
		task := WriteTask{
			AccountID:     mirror.TargetAccountID(),
			UserID:        c.userID,
			MirrorID:      mirror.ID(),
			CanonicalID:   event.ID(),
			Op:            op,
			Payload:       payload,
			CalendarKind:  mirror.Kind(),
			RemoteEventID: mirror.RemoteEventID(),
			IdempotencyKey: projection.IdempotencyKey(
				event.ID(), mirror.TargetAccountID(), edge.ID().String(), mirror.RemoteEventID(), projection.OperationKind(op)),
			Tentative: mirror.Tentative(),
		}
		c.pending = append(c.pending, task)
	}
	return nil
}

func (c *Coordinator) queueMirrorDelete(ctx context.Context, canonicalID string, mirror *domain.Mirror) error {
	if mirror.RemoteEventID() == "" {
		// Never written; just retire the row.
		mirror.MarkDeleted()
		return c.repos.Mirrors.Save(ctx, mirror)
	}
	c.pending = append(c.pending, WriteTask{
		AccountID:     mirror.TargetAccountID(),
		UserID:        c.userID,
		MirrorID:      mirror.ID(),
		CanonicalID:   canonicalID,
		Op:            WriteDelete,
		CalendarKind:  mirror.Kind(),
		RemoteEventID: mirror.RemoteEventID(),
		IdempotencyKey: projection.IdempotencyKey(
			canonicalID, mirror.TargetAccountID(), mirror.EdgeID().String(), mirror.RemoteEventID(), projection.OpDelete),
	})
	return nil
}

// takePending snapshots and clears the buffered write tasks. Callers hold
// the coordinator lock; mutators that fail drop their buffer, and drift
// reconciliation re-plans whatever was lost.
func (c *Coordinator) takePending() []WriteTask {
	tasks := c.pending
	c.pending = nil
	return tasks
}

// dispatchAll hands buffered tasks to the write pipeline. Must run outside
// the coordinator lock so lane backpressure cannot deadlock against the
// pipeline's completion callbacks.
func (c *Coordinator) dispatchAll(ctx context.Context, tasks []WriteTask) error {
	for _, task := range tasks {
		if err := c.dispatcher.Dispatch(ctx, task); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) projectionSource(event *domain.CanonicalEvent) projection.Source {
	return projection.Source{
		CanonicalID:   event.ID(),
		OwnerUserID:   c.userID.String(),
		OriginAccount: event.OriginAccountID(),
		Title:         event.Title(),
		Description:   event.Description(),
		Location:      event.Location(),
		Start:         event.Start(),
		End:           event.End(),
		AllDay:        event.AllDay(),
		Status:        event.Status(),
		Recurrence:    event.Recurrence(),
		Version:       event.Version(),
	}
}

// journal appends an entry, logging rather than failing on error: journal
// writes never veto the mutation they describe.
func (c *Coordinator) journal(ctx context.Context, entryType, canonicalID string, payload any) {
	entry, err := domain.NewJournalEntry(c.userID, entryType, canonicalID, payload)
	if err == nil {
		err = c.repos.Journal.Append(ctx, entry)
	}
	if err != nil {
		c.logger.Error("journal append failed",
			"entry_type", entryType,
			"canonical_id", canonicalID,
			"error", err,
		)
	}
}

// publishEvents pushes aggregate domain events onto the bus. Failures are
// logged; the feed publisher re-delivers from the journal.
func (c *Coordinator) publishEvents(ctx context.Context, events []sharedDomain.DomainEvent) {
	for _, event := range events {
		consumed := eventbus.ConsumedEvent{
			EventID:       event.EventID(),
			AggregateID:   event.AggregateID(),
			AggregateType: event.AggregateType(),
			RoutingKey:    event.RoutingKey(),
			OccurredAt:    event.OccurredAt(),
			Metadata:      eventbus.EventMetadata{UserID: c.userID},
		}
		if payload, err := json.Marshal(event); err == nil {
			consumed.Payload = payload
		}
		raw, err := json.Marshal(consumed)
		if err != nil {
			continue
		}
		if err := c.publisher.Publish(ctx, event.RoutingKey(), raw); err != nil {
			c.logger.Warn("domain event publish failed",
				"routing_key", event.RoutingKey(),
				"error", err,
			)
		}
	}
}

// recordInteractions updates the relationship graph for each participant
// hash on a freshly ingested event.
func (c *Coordinator) recordInteractions(ctx context.Context, event *domain.CanonicalEvent) {
	if c.repos.Relationships == nil {
		return
	}
	for _, hash := range event.ParticipantHashes() {
		rel, err := c.repos.Relationships.FindRelationship(ctx, c.userID, hash)
		if err != nil && !sharedDomain.HasCode(err, sharedDomain.CodeNotFound) {
			c.logger.Warn("relationship lookup failed", "error", err)
			continue
		}
		if rel == nil {
			rel, err = domain.NewRelationship(c.userID, hash)
			if err != nil {
				continue
			}
		}
		rel.RecordMeeting(event.Start())
		if err := c.repos.Relationships.SaveRelationship(ctx, rel); err != nil {
			c.logger.Warn("relationship save failed", "error", err)
			continue
		}
		interaction := domain.NewInteraction(c.userID, hash, event.ID(), event.Start())
		if err := c.repos.Relationships.SaveInteraction(ctx, interaction); err != nil {
			c.logger.Warn("interaction save failed", "error", err)
		}
	}
}
