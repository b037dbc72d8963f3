package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tminus-app/tminus/internal/graph/domain"
	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
	"github.com/tminus-app/tminus/internal/shared/infrastructure/database"
)

// CanonicalEventRepository stores canonical events.
type CanonicalEventRepository struct {
	rebinder
}

// NewCanonicalEventRepository creates the repository.
func NewCanonicalEventRepository(conn database.Connection) *CanonicalEventRepository {
	return &CanonicalEventRepository{rebinder{conn: conn}}
}

const eventColumns = `id, user_id, origin_account_id, origin_remote_id, title, description,
	location, start_ms, end_ms, all_day, status, visibility, transparency,
	recurrence, participant_hashes, source_fingerprint, version, deleted,
	created_at, updated_at`

// Save upserts an event on its id.
func (r *CanonicalEventRepository) Save(ctx context.Context, event *domain.CanonicalEvent) error {
	query := r.q(`
		INSERT INTO canonical_events (` + eventColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			location = excluded.location,
			start_ms = excluded.start_ms,
			end_ms = excluded.end_ms,
			all_day = excluded.all_day,
			status = excluded.status,
			visibility = excluded.visibility,
			transparency = excluded.transparency,
			recurrence = excluded.recurrence,
			participant_hashes = excluded.participant_hashes,
			source_fingerprint = excluded.source_fingerprint,
			version = excluded.version,
			deleted = excluded.deleted,
			updated_at = excluded.updated_at`)

	_, err := r.exec(ctx).Exec(ctx, query,
		event.ID(),
		event.UserID().String(),
		event.OriginAccountID(),
		event.OriginRemoteID(),
		event.Title(),
		event.Description(),
		event.Location(),
		toMs(event.Start()),
		toMs(event.End()),
		boolToInt(event.AllDay()),
		event.Status(),
		event.Visibility(),
		event.Transparency(),
		encodeStrings(event.Recurrence()),
		encodeStrings(event.ParticipantHashes()),
		event.SourceFingerprint(),
		event.Version(),
		boolToInt(event.Deleted()),
		toRFC3339(event.CreatedAt()),
		toRFC3339(event.UpdatedAt()),
	)
	if err != nil {
		return sharedDomain.ErrInternal(err, "saving canonical event %s", event.ID())
	}
	return nil
}

// FindByID loads one event.
func (r *CanonicalEventRepository) FindByID(ctx context.Context, id string) (*domain.CanonicalEvent, error) {
	row := r.exec(ctx).QueryRow(ctx, r.q(`
		SELECT `+eventColumns+` FROM canonical_events WHERE id = ?`), id)
	event, err := scanEvent(row)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, sharedDomain.ErrNotFound("event %s not found", id)
		}
		return nil, sharedDomain.ErrInternal(err, "loading canonical event %s", id)
	}
	return event, nil
}

// FindByOrigin loads the event ingested from a provider origin pair.
func (r *CanonicalEventRepository) FindByOrigin(ctx context.Context, originAccountID, originRemoteID string) (*domain.CanonicalEvent, error) {
	row := r.exec(ctx).QueryRow(ctx, r.q(`
		SELECT `+eventColumns+` FROM canonical_events
		WHERE origin_account_id = ? AND origin_remote_id = ?`), originAccountID, originRemoteID)
	event, err := scanEvent(row)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, sharedDomain.ErrNotFound("no event for origin %s/%s", originAccountID, originRemoteID)
		}
		return nil, sharedDomain.ErrInternal(err, "loading event by origin")
	}
	return event, nil
}

// FindByUser returns every event of a user, tombstones included.
func (r *CanonicalEventRepository) FindByUser(ctx context.Context, userID uuid.UUID) ([]*domain.CanonicalEvent, error) {
	rows, err := r.exec(ctx).Query(ctx, r.q(`
		SELECT `+eventColumns+` FROM canonical_events
		WHERE user_id = ? ORDER BY start_ms`), userID.String())
	if err != nil {
		return nil, sharedDomain.ErrInternal(err, "listing events for user %s", userID)
	}
	return collectEvents(rows)
}

// FindInWindow returns live events overlapping [start, end).
func (r *CanonicalEventRepository) FindInWindow(ctx context.Context, userID uuid.UUID, start, end time.Time) ([]*domain.CanonicalEvent, error) {
	rows, err := r.exec(ctx).Query(ctx, r.q(`
		SELECT `+eventColumns+` FROM canonical_events
		WHERE user_id = ? AND deleted = 0 AND start_ms < ? AND end_ms > ?
		ORDER BY start_ms`), userID.String(), toMs(end), toMs(start))
	if err != nil {
		return nil, sharedDomain.ErrInternal(err, "listing events in window")
	}
	return collectEvents(rows)
}

// DeleteByUser purges all of a user's event rows.
func (r *CanonicalEventRepository) DeleteByUser(ctx context.Context, userID uuid.UUID) (int, error) {
	result, err := r.exec(ctx).Exec(ctx, r.q(`
		DELETE FROM canonical_events WHERE user_id = ?`), userID.String())
	if err != nil {
		return 0, sharedDomain.ErrInternal(err, "purging events for user %s", userID)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(count), nil
}

func collectEvents(rows database.Rows) ([]*domain.CanonicalEvent, error) {
	defer rows.Close()
	var events []*domain.CanonicalEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, sharedDomain.ErrInternal(err, "scanning canonical event")
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, sharedDomain.ErrInternal(err, "iterating canonical events")
	}
	return events, nil
}

func scanEvent(row database.Row) (*domain.CanonicalEvent, error) {
	var (
		id, userIDRaw, originAccount, originRemote  string
		title, description, location                string
		startMs, endMs                              int64
		allDay, deleted                             int
		status, visibility, transparency            string
		recurrenceRaw, participantsRaw, fingerprint string
		version                                     int
		createdAtRaw, updatedAtRaw                  string
	)
	if err := row.Scan(
		&id, &userIDRaw, &originAccount, &originRemote, &title, &description,
		&location, &startMs, &endMs, &allDay, &status, &visibility,
		&transparency, &recurrenceRaw, &participantsRaw, &fingerprint,
		&version, &deleted, &createdAtRaw, &updatedAtRaw,
	); err != nil {
		return nil, err
	}

	userID, err := uuid.Parse(userIDRaw)
	if err != nil {
		return nil, err
	}

	content := domain.EventContent{
		Title:             title,
		Description:       description,
		Location:          location,
		Start:             fromMs(startMs),
		End:               fromMs(endMs),
		AllDay:            allDay != 0,
		Status:            status,
		Visibility:        visibility,
		Transparency:      transparency,
		Recurrence:        decodeStrings(recurrenceRaw),
		ParticipantHashes: decodeStrings(participantsRaw),
	}
	return domain.RehydrateCanonicalEvent(
		id, userID, originAccount, originRemote, content, fingerprint,
		version, deleted != 0, fromRFC3339(createdAtRaw), fromRFC3339(updatedAtRaw),
	), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
