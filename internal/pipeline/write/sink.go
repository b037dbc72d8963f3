package write

import (
	"context"

	"github.com/google/uuid"

	graphApp "github.com/tminus-app/tminus/internal/graph/application"
)

// RegistrySink routes write outcomes to the owning user's graph
// coordinator.
type RegistrySink struct {
	registry *graphApp.CoordinatorRegistry
}

// NewRegistrySink creates a sink over the coordinator registry.
func NewRegistrySink(registry *graphApp.CoordinatorRegistry) *RegistrySink {
	return &RegistrySink{registry: registry}
}

func (s *RegistrySink) MirrorWritten(ctx context.Context, userID, mirrorID uuid.UUID, remoteEventID, contentHash string) error {
	return s.registry.Coordinator(userID).MarkMirrorWritten(ctx, mirrorID, remoteEventID, contentHash)
}

func (s *RegistrySink) MirrorFailed(ctx context.Context, userID, mirrorID uuid.UUID, reason string) error {
	return s.registry.Coordinator(userID).MarkMirrorFailed(ctx, mirrorID, reason)
}

func (s *RegistrySink) MirrorDeleted(ctx context.Context, userID, mirrorID uuid.UUID) error {
	return s.registry.Coordinator(userID).MarkMirrorDeleted(ctx, mirrorID)
}
