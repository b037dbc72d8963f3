package persistence

import (
	"context"

	"github.com/google/uuid"

	"github.com/tminus-app/tminus/internal/graph/domain"
	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
	"github.com/tminus-app/tminus/internal/shared/infrastructure/database"
)

// HoldRepository stores holds.
type HoldRepository struct {
	rebinder
}

// NewHoldRepository creates the repository.
func NewHoldRepository(conn database.Connection) *HoldRepository {
	return &HoldRepository{rebinder{conn: conn}}
}

const holdColumns = `id, session_id, candidate_id, user_id, account_id, start_ms, end_ms,
	expires_at_ms, state, mirror_id, created_at, updated_at`

// Save upserts a hold on its id.
func (r *HoldRepository) Save(ctx context.Context, hold *domain.Hold) error {
	mirrorID := ""
	if hold.MirrorID() != uuid.Nil {
		mirrorID = hold.MirrorID().String()
	}
	_, err := r.exec(ctx).Exec(ctx, r.q(`
		INSERT INTO holds (`+holdColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			expires_at_ms = excluded.expires_at_ms,
			state = excluded.state,
			mirror_id = excluded.mirror_id,
			updated_at = excluded.updated_at`),
		hold.ID().String(),
		hold.SessionID().String(),
		hold.CandidateID().String(),
		hold.UserID().String(),
		hold.AccountID(),
		toMs(hold.Start()),
		toMs(hold.End()),
		toMs(hold.ExpiresAt()),
		string(hold.State()),
		mirrorID,
		toRFC3339(hold.CreatedAt()),
		toRFC3339(hold.UpdatedAt()),
	)
	if err != nil {
		return sharedDomain.ErrInternal(err, "saving hold %s", hold.ID())
	}
	return nil
}

// FindByID loads one hold.
func (r *HoldRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Hold, error) {
	row := r.exec(ctx).QueryRow(ctx, r.q(`
		SELECT `+holdColumns+` FROM holds WHERE id = ?`), id.String())
	hold, err := scanHold(row)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, sharedDomain.ErrNotFound("hold %s not found", id)
		}
		return nil, sharedDomain.ErrInternal(err, "loading hold %s", id)
	}
	return hold, nil
}

// FindBySession returns every hold of a session across all participants.
func (r *HoldRepository) FindBySession(ctx context.Context, sessionID uuid.UUID) ([]*domain.Hold, error) {
	rows, err := r.exec(ctx).Query(ctx, r.q(`
		SELECT `+holdColumns+` FROM holds
		WHERE session_id = ? ORDER BY created_at`), sessionID.String())
	if err != nil {
		return nil, sharedDomain.ErrInternal(err, "listing holds for session %s", sessionID)
	}
	return collectHolds(rows)
}

// FindActiveByUser returns a user's live tentative holds, for garbage
// collection of expired sessions.
func (r *HoldRepository) FindActiveByUser(ctx context.Context, userID uuid.UUID) ([]*domain.Hold, error) {
	rows, err := r.exec(ctx).Query(ctx, r.q(`
		SELECT `+holdColumns+` FROM holds
		WHERE user_id = ? AND state = 'tentative' ORDER BY created_at`), userID.String())
	if err != nil {
		return nil, sharedDomain.ErrInternal(err, "listing active holds for user %s", userID)
	}
	return collectHolds(rows)
}

func collectHolds(rows database.Rows) ([]*domain.Hold, error) {
	defer rows.Close()
	var holds []*domain.Hold
	for rows.Next() {
		hold, err := scanHold(rows)
		if err != nil {
			return nil, sharedDomain.ErrInternal(err, "scanning hold")
		}
		holds = append(holds, hold)
	}
	if err := rows.Err(); err != nil {
		return nil, sharedDomain.ErrInternal(err, "iterating holds")
	}
	return holds, nil
}

func scanHold(row database.Row) (*domain.Hold, error) {
	var (
		idRaw, sessionRaw, candidateRaw, userRaw string
		accountID                                string
		startMs, endMs, expiresAtMs              int64
		state, mirrorRaw                         string
		createdAtRaw, updatedAtRaw               string
	)
	if err := row.Scan(
		&idRaw, &sessionRaw, &candidateRaw, &userRaw, &accountID,
		&startMs, &endMs, &expiresAtMs, &state, &mirrorRaw, &createdAtRaw, &updatedAtRaw,
	); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idRaw)
	if err != nil {
		return nil, err
	}
	sessionID, err := uuid.Parse(sessionRaw)
	if err != nil {
		return nil, err
	}
	candidateID, err := uuid.Parse(candidateRaw)
	if err != nil {
		return nil, err
	}
	userID, err := uuid.Parse(userRaw)
	if err != nil {
		return nil, err
	}
	mirrorID := uuid.Nil
	if mirrorRaw != "" {
		mirrorID, err = uuid.Parse(mirrorRaw)
		if err != nil {
			return nil, err
		}
	}

	return domain.RehydrateHold(
		id, sessionID, candidateID, userID, accountID,
		fromMs(startMs), fromMs(endMs), fromMs(expiresAtMs), domain.HoldState(state), mirrorID,
		fromRFC3339(createdAtRaw), fromRFC3339(updatedAtRaw),
	), nil
}
