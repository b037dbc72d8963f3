package persistence

import (
	"context"

	"github.com/google/uuid"

	"github.com/tminus-app/tminus/internal/graph/domain"
	"github.com/tminus-app/tminus/internal/projection"
	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
	"github.com/tminus-app/tminus/internal/shared/infrastructure/database"
)

// PolicyEdgeRepository stores policy edges.
type PolicyEdgeRepository struct {
	rebinder
}

// NewPolicyEdgeRepository creates the repository.
func NewPolicyEdgeRepository(conn database.Connection) *PolicyEdgeRepository {
	return &PolicyEdgeRepository{rebinder{conn: conn}}
}

const edgeColumns = `id, user_id, source_account_id, target_account_id, detail_level,
	calendar_kind, enabled, created_at, updated_at`

// Save upserts an edge on its id.
func (r *PolicyEdgeRepository) Save(ctx context.Context, edge *domain.PolicyEdge) error {
	query := r.q(`
		INSERT INTO policy_edges (` + edgeColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			detail_level = excluded.detail_level,
			calendar_kind = excluded.calendar_kind,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`)

	_, err := r.exec(ctx).Exec(ctx, query,
		edge.ID().String(),
		edge.UserID().String(),
		edge.SourceAccountID(),
		edge.TargetAccountID(),
		string(edge.Detail()),
		string(edge.Kind()),
		boolToInt(edge.Enabled()),
		toRFC3339(edge.CreatedAt()),
		toRFC3339(edge.UpdatedAt()),
	)
	if err != nil {
		return sharedDomain.ErrInternal(err, "saving policy edge %s", edge.ID())
	}
	return nil
}

// FindByID loads one edge.
func (r *PolicyEdgeRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.PolicyEdge, error) {
	row := r.exec(ctx).QueryRow(ctx, r.q(`
		SELECT `+edgeColumns+` FROM policy_edges WHERE id = ?`), id.String())
	edge, err := scanEdge(row)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, sharedDomain.ErrNotFound("edge %s not found", id)
		}
		return nil, sharedDomain.ErrInternal(err, "loading policy edge %s", id)
	}
	return edge, nil
}

// FindByUser returns all of a user's edges.
func (r *PolicyEdgeRepository) FindByUser(ctx context.Context, userID uuid.UUID) ([]*domain.PolicyEdge, error) {
	rows, err := r.exec(ctx).Query(ctx, r.q(`
		SELECT `+edgeColumns+` FROM policy_edges
		WHERE user_id = ? ORDER BY created_at`), userID.String())
	if err != nil {
		return nil, sharedDomain.ErrInternal(err, "listing edges for user %s", userID)
	}
	return collectEdges(rows)
}

// FindBySource returns a user's edges projecting out of an account.
func (r *PolicyEdgeRepository) FindBySource(ctx context.Context, userID uuid.UUID, sourceAccountID string) ([]*domain.PolicyEdge, error) {
	rows, err := r.exec(ctx).Query(ctx, r.q(`
		SELECT `+edgeColumns+` FROM policy_edges
		WHERE user_id = ? AND source_account_id = ? ORDER BY created_at`), userID.String(), sourceAccountID)
	if err != nil {
		return nil, sharedDomain.ErrInternal(err, "listing edges by source")
	}
	return collectEdges(rows)
}

// Delete removes an edge.
func (r *PolicyEdgeRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.exec(ctx).Exec(ctx, r.q(`DELETE FROM policy_edges WHERE id = ?`), id.String())
	if err != nil {
		return sharedDomain.ErrInternal(err, "deleting policy edge %s", id)
	}
	return nil
}

func collectEdges(rows database.Rows) ([]*domain.PolicyEdge, error) {
	defer rows.Close()
	var edges []*domain.PolicyEdge
	for rows.Next() {
		edge, err := scanEdge(rows)
		if err != nil {
			return nil, sharedDomain.ErrInternal(err, "scanning policy edge")
		}
		edges = append(edges, edge)
	}
	if err := rows.Err(); err != nil {
		return nil, sharedDomain.ErrInternal(err, "iterating policy edges")
	}
	return edges, nil
}

func scanEdge(row database.Row) (*domain.PolicyEdge, error) {
	var (
		idRaw, userIDRaw, source, target, detail, kind string
		enabled                                        int
		createdAtRaw, updatedAtRaw                     string
	)
	if err := row.Scan(&idRaw, &userIDRaw, &source, &target, &detail, &kind, &enabled, &createdAtRaw, &updatedAtRaw); err != nil {
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
	return domain.RehydratePolicyEdge(
		id, userID, source, target,
		projection.DetailLevel(detail), projection.CalendarKind(kind),
		enabled != 0, fromRFC3339(createdAtRaw), fromRFC3339(updatedAtRaw),
	), nil
}
