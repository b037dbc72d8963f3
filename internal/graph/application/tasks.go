// Package application hosts the per-user graph coordinator: the single
// writer through which every mutation of a user's calendar graph flows.
package application

import (
	"context"

	"github.com/google/uuid"

	"github.com/tminus-app/tminus/internal/projection"
)

// WriteOp is the provider-side operation a write task performs.
type WriteOp string

const (
	WriteCreate WriteOp = "create"
	WritePatch  WriteOp = "patch"
	WriteDelete WriteOp = "delete"
)

// WriteTask is one queued provider write. The write pipeline executes tasks
// per target account with bounded concurrency and reports back through the
// coordinator's mark callbacks.
type WriteTask struct {
	AccountID      string
	UserID         uuid.UUID
	MirrorID       uuid.UUID
	CanonicalID    string
	Op             WriteOp
	Payload        projection.Payload
	CalendarKind   projection.CalendarKind
	RemoteEventID  string
	IdempotencyKey string
	Tentative      bool
}

// WriteDispatcher accepts write tasks for asynchronous execution.
type WriteDispatcher interface {
	Dispatch(ctx context.Context, task WriteTask) error
}

// WriteDispatcherFunc adapts a function to WriteDispatcher.
type WriteDispatcherFunc func(ctx context.Context, task WriteTask) error

func (f WriteDispatcherFunc) Dispatch(ctx context.Context, task WriteTask) error {
	return f(ctx, task)
}
