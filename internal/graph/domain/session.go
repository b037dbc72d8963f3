package domain

import (
	"time"

	"github.com/google/uuid"

	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
)

// SessionState is the scheduling session lifecycle.
type SessionState string

const (
	// SessionPending has been created but candidates are not yet computed.
	SessionPending SessionState = "pending"
	// SessionProposed has scored candidates and live holds.
	SessionProposed SessionState = "proposed"
	// SessionCommitted has one confirmed candidate; other holds released.
	SessionCommitted SessionState = "committed"
	// SessionCancelled was abandoned or rolled back; all holds released.
	SessionCancelled SessionState = "cancelled"
	// SessionExpired aged out without a commit; all holds released.
	SessionExpired SessionState = "expired"
)

// Duration bounds for a session, in minutes.
const (
	MinSessionDuration = 15
	MaxSessionDuration = 480
)

// Candidate is one scored meeting slot attached to a session.
type Candidate struct {
	ID          uuid.UUID
	Start       time.Time
	End         time.Time
	Score       float64
	Explanation string
}

// SchedulingSession coordinates finding and committing one meeting slot
// across at least two participants.
type SchedulingSession struct {
	sharedDomain.BaseAggregateRoot
	organizerUserID      uuid.UUID
	title                string
	durationMinutes      int
	windowStart          time.Time
	windowEnd            time.Time
	participants         []uuid.UUID
	state                SessionState
	candidates           []Candidate
	committedCandidateID uuid.UUID
	failureReason        string
}

// NewSchedulingSession validates and creates a session in pending state.
func NewSchedulingSession(organizer uuid.UUID, title string, durationMinutes int, windowStart, windowEnd time.Time, participants []uuid.UUID) (*SchedulingSession, error) {
	if organizer == uuid.Nil {
		return nil, sharedDomain.ErrValidation("organizer is required")
	}
	if durationMinutes < MinSessionDuration || durationMinutes > MaxSessionDuration {
		return nil, sharedDomain.ErrValidation("duration must be between %d and %d minutes", MinSessionDuration, MaxSessionDuration)
	}
	if !windowEnd.After(windowStart) {
		return nil, sharedDomain.ErrValidation("window end must be after window start")
	}
	if windowEnd.Sub(windowStart) < time.Duration(durationMinutes)*time.Minute {
		return nil, sharedDomain.ErrValidation("window is shorter than the requested duration")
	}

	seen := make(map[uuid.UUID]bool, len(participants)+1)
	unique := make([]uuid.UUID, 0, len(participants)+1)
	for _, p := range append([]uuid.UUID{organizer}, participants...) {
		if p == uuid.Nil {
			return nil, sharedDomain.ErrValidation("participant id cannot be empty")
		}
		if !seen[p] {
			seen[p] = true
			unique = append(unique, p)
		}
	}
	if len(unique) < 2 {
		return nil, sharedDomain.ErrValidation("a session needs at least two distinct participants")
	}

	s := &SchedulingSession{
		BaseAggregateRoot: sharedDomain.NewBaseAggregateRoot(),
		organizerUserID:   organizer,
		title:             title,
		durationMinutes:   durationMinutes,
		windowStart:       windowStart.UTC().Truncate(time.Millisecond),
		windowEnd:         windowEnd.UTC().Truncate(time.Millisecond),
		participants:      unique,
		state:             SessionPending,
	}
	s.AddDomainEvent(NewSessionCreated(s.ID().String(), organizer, unique))
	return s, nil
}

// RehydrateSchedulingSession restores a persisted session.
func RehydrateSchedulingSession(
	id uuid.UUID,
	organizer uuid.UUID,
	title string,
	durationMinutes int,
	windowStart, windowEnd time.Time,
	participants []uuid.UUID,
	state SessionState,
	candidates []Candidate,
	committedCandidateID uuid.UUID,
	failureReason string,
	createdAt, updatedAt time.Time,
) *SchedulingSession {
	base := sharedDomain.RehydrateBaseAggregateRoot(
		sharedDomain.RehydrateBaseEntity(id, createdAt, updatedAt), 0)
	return &SchedulingSession{
		BaseAggregateRoot:    base,
		organizerUserID:      organizer,
		title:                title,
		durationMinutes:      durationMinutes,
		windowStart:          windowStart,
		windowEnd:            windowEnd,
		participants:         participants,
		state:                state,
		candidates:           candidates,
		committedCandidateID: committedCandidateID,
		failureReason:        failureReason,
	}
}

func (s *SchedulingSession) OrganizerUserID() uuid.UUID      { return s.organizerUserID }
func (s *SchedulingSession) Title() string                   { return s.title }
func (s *SchedulingSession) DurationMinutes() int            { return s.durationMinutes }
func (s *SchedulingSession) WindowStart() time.Time          { return s.windowStart }
func (s *SchedulingSession) WindowEnd() time.Time            { return s.windowEnd }
func (s *SchedulingSession) Participants() []uuid.UUID       { return s.participants }
func (s *SchedulingSession) State() SessionState             { return s.state }
func (s *SchedulingSession) Candidates() []Candidate         { return s.candidates }
func (s *SchedulingSession) CommittedCandidateID() uuid.UUID { return s.committedCandidateID }
func (s *SchedulingSession) FailureReason() string           { return s.failureReason }

// Duration returns the requested meeting duration.
func (s *SchedulingSession) Duration() time.Duration {
	return time.Duration(s.durationMinutes) * time.Minute
}

// HasParticipant reports whether the user takes part in the session.
func (s *SchedulingSession) HasParticipant(userID uuid.UUID) bool {
	for _, p := range s.participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Candidate looks up a candidate by id.
func (s *SchedulingSession) Candidate(id uuid.UUID) (Candidate, bool) {
	for _, c := range s.candidates {
		if c.ID == id {
			return c, true
		}
	}
	return Candidate{}, false
}

// Propose attaches the scored candidates and moves pending → proposed.
func (s *SchedulingSession) Propose(candidates []Candidate) error {
	if s.state != SessionPending {
		return sharedDomain.ErrInvalidTransition("cannot propose candidates in state %s", s.state)
	}
	if len(candidates) == 0 {
		return sharedDomain.ErrValidation("at least one candidate is required")
	}
	s.candidates = candidates
	s.state = SessionProposed
	s.Touch()
	s.AddDomainEvent(NewSessionProposed(s.ID().String(), s.organizerUserID, len(candidates)))
	return nil
}

// Commit moves proposed → committed on the chosen candidate.
func (s *SchedulingSession) Commit(candidateID uuid.UUID) error {
	if s.state != SessionProposed {
		return sharedDomain.ErrInvalidTransition("cannot commit session in state %s", s.state)
	}
	if _, ok := s.Candidate(candidateID); !ok {
		return sharedDomain.ErrNotFound("candidate %s not found in session %s", candidateID, s.ID())
	}
	s.committedCandidateID = candidateID
	s.state = SessionCommitted
	s.Touch()
	s.AddDomainEvent(NewSessionCommitted(s.ID().String(), s.organizerUserID, candidateID))
	return nil
}

// Cancel abandons a pending or proposed session.
func (s *SchedulingSession) Cancel(reason string) error {
	switch s.state {
	case SessionPending, SessionProposed:
	default:
		return sharedDomain.ErrInvalidTransition("cannot cancel session in state %s", s.state)
	}
	s.state = SessionCancelled
	s.failureReason = reason
	s.Touch()
	s.AddDomainEvent(NewSessionCancelled(s.ID().String(), s.organizerUserID, reason))
	return nil
}

// Fail records a commit that could not complete. The session converges to
// cancelled after rollback so every terminal no-meeting outcome looks the
// same to readers; the reason distinguishes it from a user cancel.
func (s *SchedulingSession) Fail(reason string) error {
	switch s.state {
	case SessionProposed, SessionCommitted:
	default:
		return sharedDomain.ErrInvalidTransition("cannot fail session in state %s", s.state)
	}
	s.state = SessionCancelled
	s.committedCandidateID = uuid.Nil
	s.failureReason = reason
	s.Touch()
	s.AddDomainEvent(NewSessionCancelled(s.ID().String(), s.organizerUserID, reason))
	return nil
}

// ExpireIfStale moves an uncommitted session to expired once it is older
// than maxAge, measured from creation. Returns true when the transition
// happened.
func (s *SchedulingSession) ExpireIfStale(maxAge time.Duration, now time.Time) bool {
	switch s.state {
	case SessionPending, SessionProposed:
	default:
		return false
	}
	if now.Sub(s.CreatedAt()) < maxAge {
		return false
	}
	s.state = SessionExpired
	s.Touch()
	s.AddDomainEvent(NewSessionExpired(s.ID().String(), s.organizerUserID))
	return true
}
