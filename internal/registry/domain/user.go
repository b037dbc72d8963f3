// Package domain holds the global registry aggregates: the users known to
// the deployment and the provider account index. Everything else in the
// system is scoped to one user; this package is the only cross-user store
// besides scheduling sessions.
package domain

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
)

// saltBytes is the length of a participant salt before hex encoding.
const saltBytes = 32

// User is a registered person. The participant salt is fixed at
// registration: attendee email hashes are keyed on it, so rotating it
// would orphan every relationship profile the user has accumulated.
type User struct {
	sharedDomain.BaseAggregateRoot
	displayName     string
	participantSalt string
}

// NewUser registers a user and mints their participant salt.
func NewUser(displayName string) (*User, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, sharedDomain.ErrInternal(err, "generating participant salt")
	}
	return &User{
		BaseAggregateRoot: sharedDomain.NewBaseAggregateRoot(),
		displayName:       displayName,
		participantSalt:   hex.EncodeToString(salt),
	}, nil
}

// RehydrateUser restores a persisted user.
func RehydrateUser(id uuid.UUID, displayName, participantSalt string, createdAt, updatedAt time.Time) *User {
	return &User{
		BaseAggregateRoot: sharedDomain.RehydrateBaseAggregateRoot(
			sharedDomain.RehydrateBaseEntity(id, createdAt, updatedAt), 0),
		displayName:     displayName,
		participantSalt: participantSalt,
	}
}

func (u *User) DisplayName() string     { return u.displayName }
func (u *User) ParticipantSalt() string { return u.participantSalt }

// Rename updates the display name.
func (u *User) Rename(displayName string) {
	u.displayName = displayName
	u.Touch()
}

// UserRepository stores registered users.
type UserRepository interface {
	Save(ctx context.Context, user *User) error
	FindByID(ctx context.Context, id uuid.UUID) (*User, error)
	FindAll(ctx context.Context) ([]*User, error)
	Delete(ctx context.Context, id uuid.UUID) error
}
