package domain

import (
	"time"

	"github.com/google/uuid"

	"github.com/tminus-app/tminus/internal/projection"
	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
)

// PolicyEdge is a directed projection rule: events originating in the
// source account are mirrored into the target account at the configured
// detail level. Edges never point an account at itself.
type PolicyEdge struct {
	sharedDomain.BaseEntity
	userID          uuid.UUID
	sourceAccountID string
	targetAccountID string
	detail          projection.DetailLevel
	kind            projection.CalendarKind
	enabled         bool
}

// NewPolicyEdge creates an edge after validating it cannot self-mirror.
func NewPolicyEdge(userID uuid.UUID, sourceAccountID, targetAccountID string, detail projection.DetailLevel, kind projection.CalendarKind) (*PolicyEdge, error) {
	if userID == uuid.Nil {
		return nil, sharedDomain.ErrValidation("user id is required")
	}
	if sourceAccountID == "" || targetAccountID == "" {
		return nil, sharedDomain.ErrValidation("source and target accounts are required")
	}
	if sourceAccountID == targetAccountID {
		return nil, sharedDomain.ErrValidation("policy edge cannot mirror account %s onto itself", sourceAccountID)
	}
	if !detail.IsValid() {
		return nil, sharedDomain.ErrValidation("unknown detail level %q", detail)
	}
	if !kind.IsValid() {
		return nil, sharedDomain.ErrValidation("unknown calendar kind %q", kind)
	}

	return &PolicyEdge{
		BaseEntity:      sharedDomain.NewBaseEntity(),
		userID:          userID,
		sourceAccountID: sourceAccountID,
		targetAccountID: targetAccountID,
		detail:          detail,
		kind:            kind,
		enabled:         true,
	}, nil
}

// RehydratePolicyEdge restores a persisted edge.
func RehydratePolicyEdge(id, userID uuid.UUID, sourceAccountID, targetAccountID string, detail projection.DetailLevel, kind projection.CalendarKind, enabled bool, createdAt, updatedAt time.Time) *PolicyEdge {
	return &PolicyEdge{
		BaseEntity:      sharedDomain.RehydrateBaseEntity(id, createdAt, updatedAt),
		userID:          userID,
		sourceAccountID: sourceAccountID,
		targetAccountID: targetAccountID,
		detail:          detail,
		kind:            kind,
		enabled:         enabled,
	}
}

func (p *PolicyEdge) UserID() uuid.UUID                 { return p.userID }
func (p *PolicyEdge) SourceAccountID() string           { return p.sourceAccountID }
func (p *PolicyEdge) TargetAccountID() string           { return p.targetAccountID }
func (p *PolicyEdge) Detail() projection.DetailLevel    { return p.detail }
func (p *PolicyEdge) Kind() projection.CalendarKind     { return p.kind }
func (p *PolicyEdge) Enabled() bool                     { return p.enabled }

// SetDetail changes the projection detail level.
func (p *PolicyEdge) SetDetail(detail projection.DetailLevel) error {
	if !detail.IsValid() {
		return sharedDomain.ErrValidation("unknown detail level %q", detail)
	}
	p.detail = detail
	p.Touch()
	return nil
}

// Enable turns the edge back on.
func (p *PolicyEdge) Enable() {
	p.enabled = true
	p.Touch()
}

// Disable pauses projection along this edge. Existing mirrors stay until
// the next reconciliation decides their fate.
func (p *PolicyEdge) Disable() {
	p.enabled = false
	p.Touch()
}

// ProjectionEdge converts to the compiler's edge value.
func (p *PolicyEdge) ProjectionEdge() projection.Edge {
	return projection.Edge{
		ID:            p.ID().String(),
		SourceAccount: p.sourceAccountID,
		TargetAccount: p.targetAccountID,
		Detail:        p.detail,
		Kind:          p.kind,
	}
}

// DefaultEdgesForPair builds the standard two-way busy projection created
// when a user connects a second account: each account casts a BUSY-level
// shadow into the other's overlay calendar.
func DefaultEdgesForPair(userID uuid.UUID, accountA, accountB string) ([]*PolicyEdge, error) {
	ab, err := NewPolicyEdge(userID, accountA, accountB, projection.DetailBusy, projection.KindBusyOverlay)
	if err != nil {
		return nil, err
	}
	ba, err := NewPolicyEdge(userID, accountB, accountA, projection.DetailBusy, projection.KindBusyOverlay)
	if err != nil {
		return nil, err
	}
	return []*PolicyEdge{ab, ba}, nil
}
