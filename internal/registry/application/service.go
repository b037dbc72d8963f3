// Package application exposes the global registry: user registration,
// participant salts, the provider account index and cross-user session
// lookup. The sync poller, the maintainer and the group scheduler all
// resolve through this service rather than reaching into each other's
// stores.
package application

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	graphDomain "github.com/tminus-app/tminus/internal/graph/domain"
	"github.com/tminus-app/tminus/internal/registry/domain"
	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
	"github.com/tminus-app/tminus/internal/shared/infrastructure/database"
)

// Service is the registry facade.
type Service struct {
	users    domain.UserRepository
	index    domain.AccountIndexRepository
	sessions graphDomain.SessionRepository
	uow      *database.UnitOfWork
	logger   *slog.Logger
}

// NewService creates the registry service. uow may be nil; removals then
// run unscoped.
func NewService(
	users domain.UserRepository,
	index domain.AccountIndexRepository,
	sessions graphDomain.SessionRepository,
	uow *database.UnitOfWork,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{users: users, index: index, sessions: sessions, uow: uow, logger: logger}
}

// RegisterUser creates a user and mints their participant salt.
func (s *Service) RegisterUser(ctx context.Context, displayName string) (*domain.User, error) {
	user, err := domain.NewUser(displayName)
	if err != nil {
		return nil, err
	}
	if err := s.users.Save(ctx, user); err != nil {
		return nil, err
	}
	s.logger.Info("user registered", "user_id", user.ID())
	return user, nil
}

// GetUser loads one user.
func (s *Service) GetUser(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	return s.users.FindByID(ctx, userID)
}

// Users lists every registered user.
func (s *Service) Users(ctx context.Context) ([]*domain.User, error) {
	return s.users.FindAll(ctx)
}

// UserIDs lists every registered user's id. This is the enumeration the
// maintainer's per-user jobs walk.
func (s *Service) UserIDs(ctx context.Context) ([]uuid.UUID, error) {
	users, err := s.users.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, len(users))
	for i, user := range users {
		ids[i] = user.ID()
	}
	return ids, nil
}

// ParticipantSalt returns the salt attendee email hashes are keyed on.
func (s *Service) ParticipantSalt(ctx context.Context, userID uuid.UUID) (string, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return "", err
	}
	return user.ParticipantSalt(), nil
}

// RemoveUser deletes the user row and every account binding in one
// transaction. Callers run the per-user graph purge first; this only
// clears the global footprint.
func (s *Service) RemoveUser(ctx context.Context, userID uuid.UUID) error {
	if s.uow != nil {
		txCtx, err := s.uow.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = s.uow.Rollback(txCtx) }()
		if err := s.removeUser(txCtx, userID); err != nil {
			return err
		}
		return s.uow.Commit(txCtx)
	}
	return s.removeUser(ctx, userID)
}

func (s *Service) removeUser(ctx context.Context, userID uuid.UUID) error {
	removed, err := s.index.UnbindUser(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.users.Delete(ctx, userID); err != nil {
		return err
	}
	s.logger.Info("user removed from registry", "user_id", userID, "bindings_removed", removed)
	return nil
}

// BindAccount indexes a connected account under its provider identity.
func (s *Service) BindAccount(ctx context.Context, provider, remoteAccountID string, accountID, userID uuid.UUID) error {
	return s.index.Bind(ctx, domain.AccountBinding{
		Provider:        provider,
		RemoteAccountID: remoteAccountID,
		AccountID:       accountID,
		UserID:          userID,
	})
}

// ResolveAccount finds the binding for a provider account.
func (s *Service) ResolveAccount(ctx context.Context, provider, remoteAccountID string) (domain.AccountBinding, error) {
	return s.index.Resolve(ctx, provider, remoteAccountID)
}

// AccountBindings lists a user's bindings.
func (s *Service) AccountBindings(ctx context.Context, userID uuid.UUID) ([]domain.AccountBinding, error) {
	return s.index.FindByUser(ctx, userID)
}

// UnbindAccount drops one binding after a revoke.
func (s *Service) UnbindAccount(ctx context.Context, provider, remoteAccountID string) error {
	return s.index.Unbind(ctx, provider, remoteAccountID)
}

// RegisterSession is the scheduler's cross-user registration hook. The
// session row itself is the source of truth (the scheduler persists it
// for every participant before proposing), so registration only verifies
// the row landed.
func (s *Service) RegisterSession(ctx context.Context, sessionID, organizerID uuid.UUID, participants []uuid.UUID) error {
	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.OrganizerUserID() != organizerID {
		return sharedDomain.ErrValidation("session %s is not organized by %s", sessionID, organizerID)
	}
	return nil
}

// SessionParticipants resolves who is in a session, for routing API
// requests to the right per-user coordinator.
func (s *Service) SessionParticipants(ctx context.Context, sessionID uuid.UUID) ([]uuid.UUID, error) {
	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return session.Participants(), nil
}
