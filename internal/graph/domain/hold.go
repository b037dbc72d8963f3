package domain

import (
	"time"

	"github.com/google/uuid"

	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
)

// HoldState is the hold lifecycle. A hold always belongs to exactly one
// session candidate and never outlives its session.
type HoldState string

const (
	// HoldTentative blocks the slot while the session is still open.
	HoldTentative HoldState = "tentative"
	// HoldConfirmed is the committed candidate's hold, now a real meeting.
	HoldConfirmed HoldState = "confirmed"
	// HoldReleased has been freed; its mirror is queued for deletion.
	HoldReleased HoldState = "released"
)

// Hold is one participant's tentative reservation of a candidate slot. It
// carries its own expiry, separate from the slot time: a hold on next
// month's slot still lapses within hours unless the session extends it.
type Hold struct {
	sharedDomain.BaseEntity
	sessionID   uuid.UUID
	candidateID uuid.UUID
	userID      uuid.UUID
	accountID   string
	start       time.Time
	end         time.Time
	expiresAt   time.Time
	state       HoldState
	mirrorID    uuid.UUID
}

// NewHold places a tentative hold for a user on a session candidate,
// lapsing at expiresAt unless confirmed or extended first.
func NewHold(sessionID, candidateID, userID uuid.UUID, accountID string, start, end, expiresAt time.Time) (*Hold, error) {
	if sessionID == uuid.Nil || candidateID == uuid.Nil || userID == uuid.Nil {
		return nil, sharedDomain.ErrValidation("session, candidate and user ids are required")
	}
	if accountID == "" {
		return nil, sharedDomain.ErrValidation("account id is required")
	}
	if !end.After(start) {
		return nil, sharedDomain.ErrValidation("hold end must be after start")
	}
	if expiresAt.IsZero() {
		return nil, sharedDomain.ErrValidation("hold expiry is required")
	}

	return &Hold{
		BaseEntity:  sharedDomain.NewBaseEntity(),
		sessionID:   sessionID,
		candidateID: candidateID,
		userID:      userID,
		accountID:   accountID,
		start:       start.UTC().Truncate(time.Millisecond),
		end:         end.UTC().Truncate(time.Millisecond),
		expiresAt:   expiresAt.UTC().Truncate(time.Millisecond),
		state:       HoldTentative,
	}, nil
}

// RehydrateHold restores a persisted hold.
func RehydrateHold(id, sessionID, candidateID, userID uuid.UUID, accountID string, start, end, expiresAt time.Time, state HoldState, mirrorID uuid.UUID, createdAt, updatedAt time.Time) *Hold {
	return &Hold{
		BaseEntity:  sharedDomain.RehydrateBaseEntity(id, createdAt, updatedAt),
		sessionID:   sessionID,
		candidateID: candidateID,
		userID:      userID,
		accountID:   accountID,
		start:       start,
		end:         end,
		expiresAt:   expiresAt,
		state:       state,
		mirrorID:    mirrorID,
	}
}

func (h *Hold) SessionID() uuid.UUID   { return h.sessionID }
func (h *Hold) CandidateID() uuid.UUID { return h.candidateID }
func (h *Hold) UserID() uuid.UUID      { return h.userID }
func (h *Hold) AccountID() string      { return h.accountID }
func (h *Hold) Start() time.Time       { return h.start }
func (h *Hold) End() time.Time         { return h.end }
func (h *Hold) ExpiresAt() time.Time   { return h.expiresAt }
func (h *Hold) State() HoldState       { return h.state }
func (h *Hold) MirrorID() uuid.UUID    { return h.mirrorID }

// Expired reports whether the hold has lapsed: past its expiry, or holding
// a slot that already ended.
func (h *Hold) Expired(now time.Time) bool {
	return h.state == HoldTentative && (now.After(h.expiresAt) || now.After(h.end))
}

// Extend pushes the expiry of a still-tentative hold further out. The new
// expiry can only grow.
func (h *Hold) Extend(until time.Time) error {
	if h.state != HoldTentative {
		return sharedDomain.ErrInvalidTransition("cannot extend hold in state %s", h.state)
	}
	until = until.UTC().Truncate(time.Millisecond)
	if !until.After(h.expiresAt) {
		return sharedDomain.ErrValidation("hold expiry can only be extended forward")
	}
	h.expiresAt = until
	h.Touch()
	return nil
}

// AttachMirror links the provider-side tentative block backing this hold.
func (h *Hold) AttachMirror(mirrorID uuid.UUID) {
	h.mirrorID = mirrorID
	h.Touch()
}

// Confirm promotes the hold when its candidate is committed.
func (h *Hold) Confirm() error {
	if h.state != HoldTentative {
		return sharedDomain.ErrInvalidTransition("cannot confirm hold in state %s", h.state)
	}
	h.state = HoldConfirmed
	h.Touch()
	return nil
}

// Release frees the hold. Releasing twice is a no-op; releasing a confirmed
// hold is only legal during commit rollback.
func (h *Hold) Release() {
	if h.state == HoldReleased {
		return
	}
	h.state = HoldReleased
	h.Touch()
}
