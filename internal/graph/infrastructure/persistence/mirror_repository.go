package persistence

import (
	"context"

	"github.com/google/uuid"

	"github.com/tminus-app/tminus/internal/graph/domain"
	"github.com/tminus-app/tminus/internal/projection"
	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
	"github.com/tminus-app/tminus/internal/shared/infrastructure/database"
)

// MirrorRepository stores mirrors.
type MirrorRepository struct {
	rebinder
}

// NewMirrorRepository creates the repository.
func NewMirrorRepository(conn database.Connection) *MirrorRepository {
	return &MirrorRepository{rebinder{conn: conn}}
}

const mirrorColumns = `id, canonical_id, user_id, edge_id, target_account_id, remote_event_id,
	calendar_kind, detail_level, content_hash, state, tentative,
	last_written_at, last_error, created_at, updated_at`

// Save upserts a mirror on its id.
func (r *MirrorRepository) Save(ctx context.Context, mirror *domain.Mirror) error {
	query := r.q(`
		INSERT INTO mirrors (` + mirrorColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			remote_event_id = excluded.remote_event_id,
			calendar_kind = excluded.calendar_kind,
			detail_level = excluded.detail_level,
			content_hash = excluded.content_hash,
			state = excluded.state,
			tentative = excluded.tentative,
			last_written_at = excluded.last_written_at,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`)

	_, err := r.exec(ctx).Exec(ctx, query,
		mirror.ID().String(),
		mirror.CanonicalID(),
		mirror.UserID().String(),
		mirror.EdgeID().String(),
		mirror.TargetAccountID(),
		mirror.RemoteEventID(),
		string(mirror.Kind()),
		string(mirror.Detail()),
		mirror.ContentHash(),
		string(mirror.State()),
		boolToInt(mirror.Tentative()),
		toNullableRFC3339(mirror.LastWrittenAt()),
		mirror.LastError(),
		toRFC3339(mirror.CreatedAt()),
		toRFC3339(mirror.UpdatedAt()),
	)
	if err != nil {
		return sharedDomain.ErrInternal(err, "saving mirror %s", mirror.ID())
	}
	return nil
}

// FindByID loads one mirror.
func (r *MirrorRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Mirror, error) {
	row := r.exec(ctx).QueryRow(ctx, r.q(`
		SELECT `+mirrorColumns+` FROM mirrors WHERE id = ?`), id.String())
	mirror, err := scanMirror(row)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, sharedDomain.ErrNotFound("mirror %s not found", id)
		}
		return nil, sharedDomain.ErrInternal(err, "loading mirror %s", id)
	}
	return mirror, nil
}

// FindByCanonical returns all mirrors of a canonical event.
func (r *MirrorRepository) FindByCanonical(ctx context.Context, canonicalID string) ([]*domain.Mirror, error) {
	rows, err := r.exec(ctx).Query(ctx, r.q(`
		SELECT `+mirrorColumns+` FROM mirrors
		WHERE canonical_id = ? ORDER BY created_at`), canonicalID)
	if err != nil {
		return nil, sharedDomain.ErrInternal(err, "listing mirrors for %s", canonicalID)
	}
	return collectMirrors(rows)
}

// FindByCanonicalAndEdge returns the unique mirror of a (canonical, edge)
// pair.
func (r *MirrorRepository) FindByCanonicalAndEdge(ctx context.Context, canonicalID string, edgeID uuid.UUID) (*domain.Mirror, error) {
	row := r.exec(ctx).QueryRow(ctx, r.q(`
		SELECT `+mirrorColumns+` FROM mirrors
		WHERE canonical_id = ? AND edge_id = ?`), canonicalID, edgeID.String())
	mirror, err := scanMirror(row)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, sharedDomain.ErrNotFound("no mirror for %s on edge %s", canonicalID, edgeID)
		}
		return nil, sharedDomain.ErrInternal(err, "loading mirror by edge")
	}
	return mirror, nil
}

// FindByRemote resolves a provider event back to its mirror. The sync
// pipeline uses this to confirm managed events it observes remotely.
func (r *MirrorRepository) FindByRemote(ctx context.Context, targetAccountID, remoteEventID string) (*domain.Mirror, error) {
	row := r.exec(ctx).QueryRow(ctx, r.q(`
		SELECT `+mirrorColumns+` FROM mirrors
		WHERE target_account_id = ? AND remote_event_id = ?`), targetAccountID, remoteEventID)
	mirror, err := scanMirror(row)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, sharedDomain.ErrNotFound("no mirror for remote %s/%s", targetAccountID, remoteEventID)
		}
		return nil, sharedDomain.ErrInternal(err, "loading mirror by remote id")
	}
	return mirror, nil
}

// FindByTarget returns all mirrors written into an account.
func (r *MirrorRepository) FindByTarget(ctx context.Context, targetAccountID string) ([]*domain.Mirror, error) {
	rows, err := r.exec(ctx).Query(ctx, r.q(`
		SELECT `+mirrorColumns+` FROM mirrors
		WHERE target_account_id = ? ORDER BY created_at`), targetAccountID)
	if err != nil {
		return nil, sharedDomain.ErrInternal(err, "listing mirrors for account %s", targetAccountID)
	}
	return collectMirrors(rows)
}

// DeleteByUser purges all of a user's mirror rows.
func (r *MirrorRepository) DeleteByUser(ctx context.Context, userID uuid.UUID) (int, error) {
	result, err := r.exec(ctx).Exec(ctx, r.q(`
		DELETE FROM mirrors WHERE user_id = ?`), userID.String())
	if err != nil {
		return 0, sharedDomain.ErrInternal(err, "purging mirrors for user %s", userID)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(count), nil
}

func collectMirrors(rows database.Rows) ([]*domain.Mirror, error) {
	defer rows.Close()
	var mirrors []*domain.Mirror
	for rows.Next() {
		mirror, err := scanMirror(rows)
		if err != nil {
			return nil, sharedDomain.ErrInternal(err, "scanning mirror")
		}
		mirrors = append(mirrors, mirror)
	}
	if err := rows.Err(); err != nil {
		return nil, sharedDomain.ErrInternal(err, "iterating mirrors")
	}
	return mirrors, nil
}

func scanMirror(row database.Row) (*domain.Mirror, error) {
	var (
		idRaw, canonicalID, userIDRaw, edgeIDRaw    string
		targetAccount, remoteEventID, kind, detail  string
		contentHash, state                          string
		tentative                                   int
		lastWrittenAtRaw                            *string
		lastError, createdAtRaw, updatedAtRaw       string
	)
	if err := row.Scan(
		&idRaw, &canonicalID, &userIDRaw, &edgeIDRaw, &targetAccount,
		&remoteEventID, &kind, &detail, &contentHash, &state, &tentative,
		&lastWrittenAtRaw, &lastError, &createdAtRaw, &updatedAtRaw,
	); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idRaw)
	if err != nil {
		return nil, err
	}
	userID, err := uuid.Parse(userIDRaw)
	if err != nil {
		return nil, err
	}
	edgeID, err := uuid.Parse(edgeIDRaw)
	if err != nil {
		return nil, err
	}

	return domain.RehydrateMirror(
		id, canonicalID, userID, edgeID, targetAccount, remoteEventID,
		projection.CalendarKind(kind), projection.DetailLevel(detail),
		contentHash, domain.MirrorState(state), tentative != 0,
		fromNullableRFC3339(lastWrittenAtRaw), lastError,
		fromRFC3339(createdAtRaw), fromRFC3339(updatedAtRaw),
	), nil
}
