// Package persistence implements the registry repositories on the shared
// database abstraction.
package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tminus-app/tminus/internal/registry/domain"
	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
	"github.com/tminus-app/tminus/internal/shared/infrastructure/database"
)

// UserRepository stores registered users.
type UserRepository struct {
	conn database.Connection
}

// NewUserRepository creates the repository.
func NewUserRepository(conn database.Connection) *UserRepository {
	return &UserRepository{conn: conn}
}

func (r *UserRepository) q(query string) string {
	return database.Rebind(r.conn.Driver(), query)
}

func (r *UserRepository) exec(ctx context.Context) database.Executor {
	return database.ExecutorFromContext(ctx, r.conn)
}

const userColumns = `id, display_name, participant_salt, created_at, updated_at`

// Save upserts a user on their id. The participant salt never changes
// after registration, so the update arm leaves it alone.
func (r *UserRepository) Save(ctx context.Context, user *domain.User) error {
	_, err := r.exec(ctx).Exec(ctx, r.q(`
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			display_name = excluded.display_name,
			updated_at = excluded.updated_at`),
		user.ID().String(),
		user.DisplayName(),
		user.ParticipantSalt(),
		formatTime(user.CreatedAt()),
		formatTime(user.UpdatedAt()),
	)
	if err != nil {
		return sharedDomain.ErrInternal(err, "saving user %s", user.ID())
	}
	return nil
}

// FindByID loads one user.
func (r *UserRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	row := r.exec(ctx).QueryRow(ctx, r.q(`
		SELECT `+userColumns+` FROM users WHERE id = ?`), id.String())
	user, err := scanUser(row)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, sharedDomain.ErrNotFound("user %s not found", id)
		}
		return nil, sharedDomain.ErrInternal(err, "loading user %s", id)
	}
	return user, nil
}

// FindAll lists every user, oldest registration first.
func (r *UserRepository) FindAll(ctx context.Context) ([]*domain.User, error) {
	rows, err := r.exec(ctx).Query(ctx, r.q(`
		SELECT `+userColumns+` FROM users ORDER BY created_at`))
	if err != nil {
		return nil, sharedDomain.ErrInternal(err, "listing users")
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, sharedDomain.ErrInternal(err, "scanning user")
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, sharedDomain.ErrInternal(err, "iterating users")
	}
	return users, nil
}

// Delete removes a user row entirely.
func (r *UserRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.exec(ctx).Exec(ctx, r.q(`DELETE FROM users WHERE id = ?`), id.String())
	if err != nil {
		return sharedDomain.ErrInternal(err, "deleting user %s", id)
	}
	return nil
}

func scanUser(row database.Row) (*domain.User, error) {
	var idRaw, displayName, salt, createdAtRaw, updatedAtRaw string
	if err := row.Scan(&idRaw, &displayName, &salt, &createdAtRaw, &updatedAtRaw); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(idRaw)
	if err != nil {
		return nil, err
	}
	return domain.RehydrateUser(id, displayName, salt, parseTime(createdAtRaw), parseTime(updatedAtRaw)), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
