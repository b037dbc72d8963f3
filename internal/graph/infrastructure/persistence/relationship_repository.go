package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tminus-app/tminus/internal/graph/domain"
	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
	"github.com/tminus-app/tminus/internal/shared/infrastructure/database"
)

// RelationshipRepository stores relationships and interactions.
type RelationshipRepository struct {
	rebinder
}

// NewRelationshipRepository creates the repository.
func NewRelationshipRepository(conn database.Connection) *RelationshipRepository {
	return &RelationshipRepository{rebinder{conn: conn}}
}

const relationshipColumns = `id, user_id, participant_hash, meeting_count, first_met_ms,
	last_met_ms, created_at, updated_at`

// SaveRelationship upserts on (user, participant).
func (r *RelationshipRepository) SaveRelationship(ctx context.Context, rel *domain.Relationship) error {
	_, err := r.exec(ctx).Exec(ctx, r.q(`
		INSERT INTO relationships (`+relationshipColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, participant_hash) DO UPDATE SET
			meeting_count = excluded.meeting_count,
			first_met_ms = excluded.first_met_ms,
			last_met_ms = excluded.last_met_ms,
			updated_at = excluded.updated_at`),
		rel.ID().String(),
		rel.UserID().String(),
		rel.ParticipantHash(),
		rel.MeetingCount(),
		toNullableMs(rel.FirstMet()),
		toNullableMs(rel.LastMet()),
		toRFC3339(rel.CreatedAt()),
		toRFC3339(rel.UpdatedAt()),
	)
	if err != nil {
		return sharedDomain.ErrInternal(err, "saving relationship %s", rel.ID())
	}
	return nil
}

// FindRelationship loads one relationship.
func (r *RelationshipRepository) FindRelationship(ctx context.Context, userID uuid.UUID, participantHash string) (*domain.Relationship, error) {
	row := r.exec(ctx).QueryRow(ctx, r.q(`
		SELECT `+relationshipColumns+` FROM relationships
		WHERE user_id = ? AND participant_hash = ?`), userID.String(), participantHash)
	rel, err := scanRelationship(row)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, sharedDomain.ErrNotFound("no relationship for hash %s", participantHash)
		}
		return nil, sharedDomain.ErrInternal(err, "loading relationship")
	}
	return rel, nil
}

// TopRelationships returns a user's most-met participants.
func (r *RelationshipRepository) TopRelationships(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.Relationship, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := r.exec(ctx).Query(ctx, r.q(`
		SELECT `+relationshipColumns+` FROM relationships
		WHERE user_id = ? ORDER BY meeting_count DESC, last_met_ms DESC LIMIT ?`), userID.String(), limit)
	if err != nil {
		return nil, sharedDomain.ErrInternal(err, "listing top relationships for user %s", userID)
	}
	defer rows.Close()

	var rels []*domain.Relationship
	for rows.Next() {
		rel, err := scanRelationship(rows)
		if err != nil {
			return nil, sharedDomain.ErrInternal(err, "scanning relationship")
		}
		rels = append(rels, rel)
	}
	return rels, rows.Err()
}

// SaveInteraction appends one interaction row.
func (r *RelationshipRepository) SaveInteraction(ctx context.Context, interaction *domain.Interaction) error {
	_, err := r.exec(ctx).Exec(ctx, r.q(`
		INSERT INTO interactions (id, user_id, participant_hash, canonical_id, occurred_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		interaction.ID.String(),
		interaction.UserID.String(),
		interaction.ParticipantHash,
		interaction.CanonicalID,
		toMs(interaction.OccurredAt),
		toRFC3339(interaction.CreatedAt),
	)
	if err != nil {
		return sharedDomain.ErrInternal(err, "saving interaction %s", interaction.ID)
	}
	return nil
}

// FindInteractions returns a user's interactions since an instant, oldest
// first.
func (r *RelationshipRepository) FindInteractions(ctx context.Context, userID uuid.UUID, since time.Time) ([]*domain.Interaction, error) {
	rows, err := r.exec(ctx).Query(ctx, r.q(`
		SELECT id, user_id, participant_hash, canonical_id, occurred_ms, created_at
		FROM interactions
		WHERE user_id = ? AND occurred_ms >= ?
		ORDER BY occurred_ms`), userID.String(), toMs(since))
	if err != nil {
		return nil, sharedDomain.ErrInternal(err, "listing interactions for user %s", userID)
	}
	defer rows.Close()

	var interactions []*domain.Interaction
	for rows.Next() {
		var (
			idRaw, userRaw, hash, canonicalID string
			occurredMs                        int64
			createdAtRaw                      string
		)
		if err := rows.Scan(&idRaw, &userRaw, &hash, &canonicalID, &occurredMs, &createdAtRaw); err != nil {
			return nil, sharedDomain.ErrInternal(err, "scanning interaction")
		}
		id, err := uuid.Parse(idRaw)
		if err != nil {
			return nil, err
		}
		owner, err := uuid.Parse(userRaw)
		if err != nil {
			return nil, err
		}
		interactions = append(interactions, &domain.Interaction{
			ID:              id,
			UserID:          owner,
			ParticipantHash: hash,
			CanonicalID:     canonicalID,
			OccurredAt:      fromMs(occurredMs),
			CreatedAt:       fromRFC3339(createdAtRaw),
		})
	}
	return interactions, rows.Err()
}

// CountMutualConnections counts the distinct other participants who
// appeared on the same canonical events as this one.
func (r *RelationshipRepository) CountMutualConnections(ctx context.Context, userID uuid.UUID, participantHash string) (int, error) {
	row := r.exec(ctx).QueryRow(ctx, r.q(`
		SELECT COUNT(DISTINCT other.participant_hash)
		FROM interactions other
		JOIN interactions own
			ON own.canonical_id = other.canonical_id AND own.user_id = other.user_id
		WHERE own.user_id = ?
			AND own.participant_hash = ?
			AND other.participant_hash <> own.participant_hash`),
		userID.String(), participantHash)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, sharedDomain.ErrInternal(err, "counting mutual connections for hash %s", participantHash)
	}
	return count, nil
}

func scanRelationship(row database.Row) (*domain.Relationship, error) {
	var (
		idRaw, userRaw, hash       string
		meetingCount               int
		firstMetMs, lastMetMs      *int64
		createdAtRaw, updatedAtRaw string
	)
	if err := row.Scan(&idRaw, &userRaw, &hash, &meetingCount, &firstMetMs, &lastMetMs, &createdAtRaw, &updatedAtRaw); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(idRaw)
	if err != nil {
		return nil, err
	}
	userID, err := uuid.Parse(userRaw)
	if err != nil {
		return nil, err
	}
	return domain.RehydrateRelationship(
		id, userID, hash, meetingCount,
		fromNullableMs(firstMetMs), fromNullableMs(lastMetMs),
		fromRFC3339(createdAtRaw), fromRFC3339(updatedAtRaw),
	), nil
}
