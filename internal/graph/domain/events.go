package domain

import (
	"github.com/google/uuid"

	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
)

// Routing keys for graph domain events.
const (
	RouteEventUpserted    = "graph.event.upserted"
	RouteEventDeleted     = "graph.event.deleted"
	RouteMirrorWritten    = "graph.mirror.written"
	RouteSessionCreated   = "scheduling.session.created"
	RouteSessionProposed  = "scheduling.session.proposed"
	RouteSessionCommitted = "scheduling.session.committed"
	RouteSessionCancelled = "scheduling.session.cancelled"
	RouteSessionExpired   = "scheduling.session.expired"
)

// CanonicalEventUpserted fires on ingestion and on content updates.
type CanonicalEventUpserted struct {
	sharedDomain.BaseEvent
	UserID  uuid.UUID `json:"user_id"`
	Version int       `json:"version"`
	Created bool      `json:"created"`
}

func NewCanonicalEventUpserted(canonicalID string, userID uuid.UUID, version int, created bool) *CanonicalEventUpserted {
	return &CanonicalEventUpserted{
		BaseEvent: sharedDomain.NewBaseEvent(canonicalID, "CanonicalEvent", RouteEventUpserted),
		UserID:    userID,
		Version:   version,
		Created:   created,
	}
}

// CanonicalEventDeleted fires when an event is tombstoned.
type CanonicalEventDeleted struct {
	sharedDomain.BaseEvent
	UserID  uuid.UUID `json:"user_id"`
	Version int       `json:"version"`
}

func NewCanonicalEventDeleted(canonicalID string, userID uuid.UUID, version int) *CanonicalEventDeleted {
	return &CanonicalEventDeleted{
		BaseEvent: sharedDomain.NewBaseEvent(canonicalID, "CanonicalEvent", RouteEventDeleted),
		UserID:    userID,
		Version:   version,
	}
}

// MirrorWrittenEvent fires after a mirror write is acknowledged.
type MirrorWrittenEvent struct {
	sharedDomain.BaseEvent
	UserID        uuid.UUID `json:"user_id"`
	CanonicalID   string    `json:"canonical_id"`
	TargetAccount string    `json:"target_account"`
}

func NewMirrorWritten(mirrorID uuid.UUID, userID uuid.UUID, canonicalID, targetAccount string) *MirrorWrittenEvent {
	return &MirrorWrittenEvent{
		BaseEvent:     sharedDomain.NewBaseEvent(mirrorID.String(), "Mirror", RouteMirrorWritten),
		UserID:        userID,
		CanonicalID:   canonicalID,
		TargetAccount: targetAccount,
	}
}

// SessionCreatedEvent fires when a scheduling session is opened.
type SessionCreatedEvent struct {
	sharedDomain.BaseEvent
	Organizer    uuid.UUID   `json:"organizer"`
	Participants []uuid.UUID `json:"participants"`
}

func NewSessionCreated(sessionID string, organizer uuid.UUID, participants []uuid.UUID) *SessionCreatedEvent {
	return &SessionCreatedEvent{
		BaseEvent:    sharedDomain.NewBaseEvent(sessionID, "SchedulingSession", RouteSessionCreated),
		Organizer:    organizer,
		Participants: participants,
	}
}

// SessionProposedEvent fires when candidates are attached.
type SessionProposedEvent struct {
	sharedDomain.BaseEvent
	Organizer      uuid.UUID `json:"organizer"`
	CandidateCount int       `json:"candidate_count"`
}

func NewSessionProposed(sessionID string, organizer uuid.UUID, candidateCount int) *SessionProposedEvent {
	return &SessionProposedEvent{
		BaseEvent:      sharedDomain.NewBaseEvent(sessionID, "SchedulingSession", RouteSessionProposed),
		Organizer:      organizer,
		CandidateCount: candidateCount,
	}
}

// SessionCommittedEvent fires when a candidate is committed.
type SessionCommittedEvent struct {
	sharedDomain.BaseEvent
	Organizer   uuid.UUID `json:"organizer"`
	CandidateID uuid.UUID `json:"candidate_id"`
}

func NewSessionCommitted(sessionID string, organizer uuid.UUID, candidateID uuid.UUID) *SessionCommittedEvent {
	return &SessionCommittedEvent{
		BaseEvent:   sharedDomain.NewBaseEvent(sessionID, "SchedulingSession", RouteSessionCommitted),
		Organizer:   organizer,
		CandidateID: candidateID,
	}
}

// SessionCancelledEvent fires when a session is abandoned.
type SessionCancelledEvent struct {
	sharedDomain.BaseEvent
	Organizer uuid.UUID `json:"organizer"`
	Reason    string    `json:"reason"`
}

func NewSessionCancelled(sessionID string, organizer uuid.UUID, reason string) *SessionCancelledEvent {
	return &SessionCancelledEvent{
		BaseEvent: sharedDomain.NewBaseEvent(sessionID, "SchedulingSession", RouteSessionCancelled),
		Organizer: organizer,
		Reason:    reason,
	}
}

// SessionExpiredEvent fires when a stale session ages out.
type SessionExpiredEvent struct {
	sharedDomain.BaseEvent
	Organizer uuid.UUID `json:"organizer"`
}

func NewSessionExpired(sessionID string, organizer uuid.UUID) *SessionExpiredEvent {
	return &SessionExpiredEvent{
		BaseEvent: sharedDomain.NewBaseEvent(sessionID, "SchedulingSession", RouteSessionExpired),
		Organizer: organizer,
	}
}
