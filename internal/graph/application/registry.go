package application

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/tminus-app/tminus/internal/projection"
	"github.com/tminus-app/tminus/internal/shared/infrastructure/eventbus"
)

// CoordinatorRegistry hands out the one coordinator per user. Coordinators
// are created lazily and live for the process lifetime; the per-user mutex
// inside each coordinator is what makes the user a single-writer domain.
type CoordinatorRegistry struct {
	repos      Repositories
	compiler   *projection.Compiler
	dispatcher WriteDispatcher
	publisher  eventbus.Publisher
	logger     *slog.Logger

	mu           sync.Mutex
	coordinators map[uuid.UUID]*Coordinator
}

// NewCoordinatorRegistry creates a registry sharing one set of stores.
func NewCoordinatorRegistry(repos Repositories, compiler *projection.Compiler, dispatcher WriteDispatcher, publisher eventbus.Publisher, logger *slog.Logger) *CoordinatorRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &CoordinatorRegistry{
		repos:        repos,
		compiler:     compiler,
		dispatcher:   dispatcher,
		publisher:    publisher,
		logger:       logger,
		coordinators: make(map[uuid.UUID]*Coordinator),
	}
}

// SetDispatcher installs the write dispatcher after construction. The write
// pipeline needs the registry for its callbacks, so wiring is two-phase.
func (r *CoordinatorRegistry) SetDispatcher(dispatcher WriteDispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatcher = dispatcher
	for _, c := range r.coordinators {
		c.dispatcher = dispatcher
	}
}

// Coordinator returns the user's coordinator, creating it on first use.
func (r *CoordinatorRegistry) Coordinator(userID uuid.UUID) *Coordinator {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.coordinators[userID]; ok {
		return c
	}
	c := NewCoordinator(userID, r.repos, r.compiler, r.dispatcher, r.publisher, r.logger)
	r.coordinators[userID] = c
	return c
}
