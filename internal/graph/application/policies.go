package application

import (
	"context"

	"github.com/google/uuid"

	"github.com/tminus-app/tminus/internal/graph/domain"
	"github.com/tminus-app/tminus/internal/projection"
	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
)

// CreateEdge adds a projection rule and replays existing origin events
// through it so the target account backfills immediately.
func (c *Coordinator) CreateEdge(ctx context.Context, sourceAccountID, targetAccountID string, detail projection.DetailLevel, kind projection.CalendarKind) (*domain.PolicyEdge, error) {
	c.mu.Lock()
	edge, err := func() (*domain.PolicyEdge, error) {
		edge, err := domain.NewPolicyEdge(c.userID, sourceAccountID, targetAccountID, detail, kind)
		if err != nil {
			return nil, err
		}
		if err := c.repos.Edges.Save(ctx, edge); err != nil {
			return nil, err
		}
		c.journal(ctx, domain.EntryPolicyChanged, "", map[string]any{
			"edge_id": edge.ID().String(),
			"change":  "created",
			"source":  sourceAccountID,
			"target":  targetAccountID,
			"detail":  string(detail),
		})
		if err := c.backfillEdge(ctx, edge); err != nil {
			return nil, err
		}
		return edge, nil
	}()
	tasks := c.takePending()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := c.dispatchAll(ctx, tasks); err != nil {
		return nil, err
	}
	return edge, nil
}

// EnsureDefaultEdges creates the standard mutual busy projection between
// two accounts, skipping pairs that already have an edge.
func (c *Coordinator) EnsureDefaultEdges(ctx context.Context, accountA, accountB string) error {
	c.mu.Lock()
	err := func() error {
		existing, err := c.repos.Edges.FindByUser(ctx, c.userID)
		if err != nil {
			return err
		}
		have := make(map[[2]string]bool, len(existing))
		for _, e := range existing {
			have[[2]string{e.SourceAccountID(), e.TargetAccountID()}] = true
		}

		edges, err := domain.DefaultEdgesForPair(c.userID, accountA, accountB)
		if err != nil {
			return err
		}
		for _, edge := range edges {
			if have[[2]string{edge.SourceAccountID(), edge.TargetAccountID()}] {
				continue
			}
			if err := c.repos.Edges.Save(ctx, edge); err != nil {
				return err
			}
			c.journal(ctx, domain.EntryPolicyChanged, "", map[string]any{
				"edge_id": edge.ID().String(),
				"change":  "created_default",
				"source":  edge.SourceAccountID(),
				"target":  edge.TargetAccountID(),
			})
			if err := c.backfillEdge(ctx, edge); err != nil {
				return err
			}
		}
		return nil
	}()
	tasks := c.takePending()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.dispatchAll(ctx, tasks)
}

// ListEdges returns the user's projection rules.
func (c *Coordinator) ListEdges(ctx context.Context) ([]*domain.PolicyEdge, error) {
	return c.repos.Edges.FindByUser(ctx, c.userID)
}

// UpdateEdgeDetail changes an edge's detail level and requeues its mirrors
// so the projected content converges on the new level.
func (c *Coordinator) UpdateEdgeDetail(ctx context.Context, edgeID uuid.UUID, detail projection.DetailLevel) error {
	c.mu.Lock()
	err := func() error {
		edge, err := c.ownedEdge(ctx, edgeID)
		if err != nil {
			return err
		}
		if err := edge.SetDetail(detail); err != nil {
			return err
		}
		if err := c.repos.Edges.Save(ctx, edge); err != nil {
			return err
		}
		c.journal(ctx, domain.EntryPolicyChanged, "", map[string]any{
			"edge_id": edge.ID().String(),
			"change":  "detail",
			"detail":  string(detail),
		})
		return c.backfillEdge(ctx, edge)
	}()
	tasks := c.takePending()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.dispatchAll(ctx, tasks)
}

// SetEdgeEnabled pauses or resumes projection along an edge. Disabling
// removes the edge's mirrors from target accounts.
func (c *Coordinator) SetEdgeEnabled(ctx context.Context, edgeID uuid.UUID, enabled bool) error {
	c.mu.Lock()
	err := func() error {
		edge, err := c.ownedEdge(ctx, edgeID)
		if err != nil {
			return err
		}
		if edge.Enabled() == enabled {
			return nil
		}
		if enabled {
			edge.Enable()
		} else {
			edge.Disable()
		}
		if err := c.repos.Edges.Save(ctx, edge); err != nil {
			return err
		}
		c.journal(ctx, domain.EntryPolicyChanged, "", map[string]any{
			"edge_id": edge.ID().String(),
			"change":  "enabled",
			"enabled": enabled,
		})

		if enabled {
			return c.backfillEdge(ctx, edge)
		}
		return c.removeEdgeMirrors(ctx, edge.ID())
	}()
	tasks := c.takePending()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.dispatchAll(ctx, tasks)
}

// DeleteEdge removes a projection rule and its mirrors.
func (c *Coordinator) DeleteEdge(ctx context.Context, edgeID uuid.UUID) error {
	c.mu.Lock()
	err := func() error {
		edge, err := c.ownedEdge(ctx, edgeID)
		if err != nil {
			return err
		}
		if err := c.removeEdgeMirrors(ctx, edge.ID()); err != nil {
			return err
		}
		if err := c.repos.Edges.Delete(ctx, edge.ID()); err != nil {
			return err
		}
		c.journal(ctx, domain.EntryPolicyChanged, "", map[string]any{
			"edge_id": edge.ID().String(),
			"change":  "deleted",
		})
		return nil
	}()
	tasks := c.takePending()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.dispatchAll(ctx, tasks)
}

func (c *Coordinator) ownedEdge(ctx context.Context, edgeID uuid.UUID) (*domain.PolicyEdge, error) {
	edge, err := c.repos.Edges.FindByID(ctx, edgeID)
	if err != nil {
		return nil, err
	}
	if edge.UserID() != c.userID {
		return nil, sharedDomain.ErrNotFound("edge %s not found", edgeID)
	}
	return edge, nil
}

// backfillEdge replays every live origin event of the edge's source account
// through projection. Content-hash comparison makes the replay idempotent.
func (c *Coordinator) backfillEdge(ctx context.Context, edge *domain.PolicyEdge) error {
	events, err := c.repos.Events.FindByUser(ctx, c.userID)
	if err != nil {
		return err
	}
	for _, event := range events {
		if event.Deleted() || event.OriginAccountID() != edge.SourceAccountID() {
			continue
		}
		if err := c.planProjections(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// removeEdgeMirrors queues provider deletion of every live mirror created
// along the edge.
func (c *Coordinator) removeEdgeMirrors(ctx context.Context, edgeID uuid.UUID) error {
	events, err := c.repos.Events.FindByUser(ctx, c.userID)
	if err != nil {
		return err
	}
	for _, event := range events {
		mirror, err := c.repos.Mirrors.FindByCanonicalAndEdge(ctx, event.ID(), edgeID)
		if err != nil || mirror == nil {
			continue
		}
		if mirror.State() == domain.MirrorDeleted {
			continue
		}
		if err := c.queueMirrorDelete(ctx, event.ID(), mirror); err != nil {
			return err
		}
	}
	return nil
}
