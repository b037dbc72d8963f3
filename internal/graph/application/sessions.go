package application

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tminus-app/tminus/internal/graph/domain"
	"github.com/tminus-app/tminus/internal/projection"
	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
)

// RegisterSession stores this user's row for a group session. The group
// scheduler registers the session with every participant before any hold
// is placed, so a participant can always resolve a hold's session.
func (c *Coordinator) RegisterSession(ctx context.Context, session *domain.SchedulingSession) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !session.HasParticipant(c.userID) {
		return sharedDomain.ErrValidation("user %s is not a participant of session %s", c.userID, session.ID())
	}
	if err := c.repos.Sessions.Save(ctx, session); err != nil {
		return err
	}
	c.journal(ctx, domain.EntrySessionCreated, "", map[string]any{
		"session_id":   session.ID().String(),
		"organizer":    session.OrganizerUserID().String(),
		"participants": len(session.Participants()),
		"window_start": session.WindowStart(),
		"window_end":   session.WindowEnd(),
	})
	return nil
}

// Session returns a session this user takes part in.
func (c *Coordinator) Session(ctx context.Context, sessionID uuid.UUID) (*domain.SchedulingSession, error) {
	session, err := c.repos.Sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.HasParticipant(c.userID) {
		return nil, sharedDomain.ErrNotFound("session %s not found", sessionID)
	}
	return session, nil
}

// RecordSessionProposed persists the proposed session and journals it for
// this user. The aggregate transition happened once in the scheduler; each
// participant records its own journal line.
func (c *Coordinator) RecordSessionProposed(ctx context.Context, session *domain.SchedulingSession) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.repos.Sessions.Save(ctx, session); err != nil {
		return err
	}
	c.journal(ctx, domain.EntrySessionProposed, "", map[string]any{
		"session_id": session.ID().String(),
		"candidates": len(session.Candidates()),
	})
	return nil
}

// RecordSessionCommitted persists the committed session for this user,
// promotes the hold on the winning candidate and releases the rest.
// canonicalID is this participant's canonical event for the meeting.
func (c *Coordinator) RecordSessionCommitted(ctx context.Context, session *domain.SchedulingSession, canonicalID string) error {
	c.mu.Lock()
	err := c.repos.Sessions.Save(ctx, session)
	if err == nil {
		c.journal(ctx, domain.EntrySessionCommitted, canonicalID, map[string]any{
			"session_id":   session.ID().String(),
			"candidate_id": session.CommittedCandidateID().String(),
		})
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}

	if hold, err := c.SessionHold(ctx, session.ID(), session.CommittedCandidateID()); err == nil {
		if err := c.ConfirmHold(ctx, hold.ID()); err != nil {
			return err
		}
	}
	return c.ReleaseSessionHolds(ctx, session.ID(), session.CommittedCandidateID())
}

// RecordSessionClosed persists a cancelled, failed or expired session for
// this user and releases every hold it still has.
func (c *Coordinator) RecordSessionClosed(ctx context.Context, session *domain.SchedulingSession) error {
	entryType := domain.EntrySessionCancelled
	if session.State() == domain.SessionExpired {
		entryType = domain.EntrySessionExpired
	}

	c.mu.Lock()
	err := c.repos.Sessions.Save(ctx, session)
	if err == nil {
		c.journal(ctx, entryType, "", map[string]any{
			"session_id": session.ID().String(),
			"state":      string(session.State()),
			"reason":     session.FailureReason(),
		})
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.ReleaseSessionHolds(ctx, session.ID(), uuid.Nil)
}

// ReleaseExpiredHolds frees this user's tentative holds that lapsed: past
// their expiry, or holding a slot that already ended. Returns the sessions
// that lost a hold, so the caller can check whether they should expire too.
func (c *Coordinator) ReleaseExpiredHolds(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	holds, err := c.repos.Holds.FindActiveByUser(ctx, c.userID)
	if err != nil {
		return nil, err
	}
	var affected []uuid.UUID
	for _, hold := range holds {
		if !hold.Expired(now) {
			continue
		}
		if err := c.ReleaseHold(ctx, hold.ID()); err != nil {
			return affected, err
		}
		affected = append(affected, hold.SessionID())
	}
	return affected, nil
}

// ExtendHolds pushes the expiry of this user's still-tentative holds in a
// session further out, keeping the slots blocked while the group decides.
func (c *Coordinator) ExtendHolds(ctx context.Context, sessionID uuid.UUID, until time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	holds, err := c.holdsForSession(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, hold := range holds {
		if hold.State() != domain.HoldTentative {
			continue
		}
		if err := hold.Extend(until); err != nil {
			return err
		}
		if err := c.repos.Holds.Save(ctx, hold); err != nil {
			return err
		}
	}
	return nil
}

// PlaceHold reserves a candidate slot for this user: a tentative hold row
// plus a tentative busy block dispatched to the user's account. The hold
// lapses at expiresAt unless committed or extended first. The group
// scheduler calls this on every participant's coordinator before the
// session is surfaced.
func (c *Coordinator) PlaceHold(ctx context.Context, sessionID, candidateID uuid.UUID, accountID string, start, end, expiresAt time.Time) (*domain.Hold, error) {
	c.mu.Lock()
	hold, err := c.placeHoldLocked(ctx, sessionID, candidateID, accountID, start, end, expiresAt)
	tasks := c.takePending()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := c.dispatchAll(ctx, tasks); err != nil {
		return nil, err
	}
	return hold, nil
}

func (c *Coordinator) placeHoldLocked(ctx context.Context, sessionID, candidateID uuid.UUID, accountID string, start, end, expiresAt time.Time) (*domain.Hold, error) {
	hold, err := domain.NewHold(sessionID, candidateID, c.userID, accountID, start, end, expiresAt)
	if err != nil {
		return nil, err
	}

	mirror := domain.NewHoldMirror(hold.ID(), c.userID, accountID)
	if err := c.repos.Mirrors.Save(ctx, mirror); err != nil {
		return nil, err
	}
	hold.AttachMirror(mirror.ID())
	if err := c.repos.Holds.Save(ctx, hold); err != nil {
		return nil, err
	}

	c.journal(ctx, domain.EntryHoldPlaced, mirror.CanonicalID(), map[string]any{
		"hold_id":    hold.ID().String(),
		"session_id": sessionID.String(),
		"account":    accountID,
		"start":      start.UTC(),
		"end":        end.UTC(),
	})

	payload, _, err := c.compiler.Compile(projection.Source{
		CanonicalID: mirror.CanonicalID(),
		OwnerUserID: c.userID.String(),
		Start:       start,
		End:         end,
		Status:      domain.StatusTentative,
	}, projection.Edge{
		ID:            hold.ID().String(),
		SourceAccount: accountID,
		TargetAccount: accountID,
		Detail:        projection.DetailBusy,
		Kind:          projection.KindBusyOverlay,
	})
	if err != nil {
		return nil, err
	}

	task := WriteTask{
		AccountID:    accountID,
		UserID:       c.userID,
		MirrorID:     mirror.ID(),
		CanonicalID:  mirror.CanonicalID(),
		Op:           WriteCreate,
		Payload:      payload,
		CalendarKind: projection.KindBusyOverlay,
		IdempotencyKey: projection.IdempotencyKey(
			mirror.CanonicalID(), accountID, hold.ID().String(), "", projection.OpCreate),
		Tentative: true,
	}
	c.pending = append(c.pending, task)
	return hold, nil
}

// ConfirmHold promotes this user's hold on the committed candidate.
func (c *Coordinator) ConfirmHold(ctx context.Context, holdID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	hold, err := c.ownedHold(ctx, holdID)
	if err != nil {
		return err
	}
	if err := hold.Confirm(); err != nil {
		return err
	}
	if err := c.repos.Holds.Save(ctx, hold); err != nil {
		return err
	}

	if hold.MirrorID() != uuid.Nil {
		mirror, err := c.repos.Mirrors.FindByID(ctx, hold.MirrorID())
		if err == nil && mirror.Tentative() {
			if err := mirror.Confirm(); err == nil {
				if err := c.repos.Mirrors.Save(ctx, mirror); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// ReleaseHold frees this user's hold and queues deletion of its provider
// block. Releasing an already-released hold is a no-op.
func (c *Coordinator) ReleaseHold(ctx context.Context, holdID uuid.UUID) error {
	c.mu.Lock()
	err := c.releaseHoldLocked(ctx, holdID)
	tasks := c.takePending()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.dispatchAll(ctx, tasks)
}

func (c *Coordinator) releaseHoldLocked(ctx context.Context, holdID uuid.UUID) error {
	hold, err := c.ownedHold(ctx, holdID)
	if err != nil {
		return err
	}
	if hold.State() == domain.HoldReleased {
		return nil
	}
	hold.Release()
	if err := c.repos.Holds.Save(ctx, hold); err != nil {
		return err
	}

	c.journal(ctx, domain.EntryHoldReleased, domain.HoldCanonicalID(hold.ID()), map[string]any{
		"hold_id":    hold.ID().String(),
		"session_id": hold.SessionID().String(),
	})

	if hold.MirrorID() == uuid.Nil {
		return nil
	}
	mirror, err := c.repos.Mirrors.FindByID(ctx, hold.MirrorID())
	if err != nil {
		if sharedDomain.HasCode(err, sharedDomain.CodeNotFound) {
			return nil
		}
		return err
	}
	if mirror.State() == domain.MirrorDeleted {
		return nil
	}
	return c.queueMirrorDelete(ctx, mirror.CanonicalID(), mirror)
}

// ReleaseSessionHolds frees every hold this user has in a session, except
// an optional candidate to keep (the committed one).
func (c *Coordinator) ReleaseSessionHolds(ctx context.Context, sessionID uuid.UUID, keepCandidate uuid.UUID) error {
	holds, err := c.holdsForSession(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, hold := range holds {
		if keepCandidate != uuid.Nil && hold.CandidateID() == keepCandidate {
			continue
		}
		if err := c.ReleaseHold(ctx, hold.ID()); err != nil {
			return err
		}
	}
	return nil
}

// SessionHold returns this user's hold for a specific session candidate.
func (c *Coordinator) SessionHold(ctx context.Context, sessionID, candidateID uuid.UUID) (*domain.Hold, error) {
	holds, err := c.holdsForSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for _, hold := range holds {
		if hold.CandidateID() == candidateID {
			return hold, nil
		}
	}
	return nil, sharedDomain.ErrNotFound("no hold for candidate %s in session %s", candidateID, sessionID)
}

func (c *Coordinator) holdsForSession(ctx context.Context, sessionID uuid.UUID) ([]*domain.Hold, error) {
	all, err := c.repos.Holds.FindBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	mine := make([]*domain.Hold, 0, len(all))
	for _, hold := range all {
		if hold.UserID() == c.userID {
			mine = append(mine, hold)
		}
	}
	return mine, nil
}

func (c *Coordinator) ownedHold(ctx context.Context, holdID uuid.UUID) (*domain.Hold, error) {
	hold, err := c.repos.Holds.FindByID(ctx, holdID)
	if err != nil {
		return nil, err
	}
	if hold.UserID() != c.userID {
		return nil, sharedDomain.ErrNotFound("hold %s not found", holdID)
	}
	return hold, nil
}

// IngestCommittedMeeting materializes a committed session slot as a real
// canonical event in this user's graph, originating from the account that
// held the slot.
func (c *Coordinator) IngestCommittedMeeting(ctx context.Context, sessionID uuid.UUID, accountID, title string, start, end time.Time) (*domain.CanonicalEvent, error) {
	content := domain.EventContent{
		Title:  title,
		Start:  start,
		End:    end,
		Status: domain.StatusConfirmed,
	}
	result, err := c.UpsertFromOrigin(ctx, accountID, "session:"+sessionID.String(), content)
	if err != nil {
		return nil, err
	}
	return result.Event, nil
}
