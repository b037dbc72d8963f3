// Package scheduling finds and commits meeting slots across users. The
// scheduler is the only component that touches more than one user's graph;
// the sole data it moves across that boundary is busy intervals tagged
// with synthetic group ids.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	graphApp "github.com/tminus-app/tminus/internal/graph/application"
	graphDomain "github.com/tminus-app/tminus/internal/graph/domain"
	"github.com/tminus-app/tminus/internal/interval"
	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
)

// Config tunes the scheduler. Zero values select the defaults.
type Config struct {
	// MaxCandidates caps how many slots a session proposes.
	MaxCandidates int
	// SessionMaxAge is the lazy-expiry age for uncommitted sessions,
	// measured from creation.
	SessionMaxAge time.Duration
	// HoldTTL is how long a tentative hold blocks its slot before the
	// maintainer releases it, unless extended.
	HoldTTL time.Duration
	// WorkingHours biases candidate scoring; zero means no preference.
	WorkingHours interval.WorkingHours
}

func (c Config) withDefaults() Config {
	if c.MaxCandidates <= 0 {
		c.MaxCandidates = interval.DefaultMaxCandidates
	}
	if c.SessionMaxAge <= 0 {
		c.SessionMaxAge = 24 * time.Hour
	}
	if c.HoldTTL <= 0 {
		c.HoldTTL = c.SessionMaxAge
	}
	return c
}

// AccountSource picks the account a participant's holds land on.
type AccountSource interface {
	HoldAccountID(ctx context.Context, userID uuid.UUID) (string, error)
}

// Directory is the cross-user session registry. It answers "which users
// own this session" for processes that don't hold the session aggregate;
// it is never on the commit hot path.
type Directory interface {
	RegisterSession(ctx context.Context, sessionID, organizerID uuid.UUID, participants []uuid.UUID) error
	SessionParticipants(ctx context.Context, sessionID uuid.UUID) ([]uuid.UUID, error)
}

// CreateParams describes a requested group session.
type CreateParams struct {
	OrganizerID     uuid.UUID
	Title           string
	DurationMinutes int
	WindowStart     time.Time
	WindowEnd       time.Time
	Participants    []uuid.UUID
}

// Scheduler orchestrates group sessions. Operations on the same session
// serialize on a per-session lock; different sessions proceed in parallel.
type Scheduler struct {
	graphs    *graphApp.CoordinatorRegistry
	accounts  AccountSource
	directory Directory
	sessions  graphDomain.SessionRepository
	holds     graphDomain.HoldRepository
	cfg       Config
	logger    *slog.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// NewScheduler creates the group scheduler.
func NewScheduler(
	graphs *graphApp.CoordinatorRegistry,
	accounts AccountSource,
	directory Directory,
	sessions graphDomain.SessionRepository,
	holds graphDomain.HoldRepository,
	cfg Config,
	logger *slog.Logger,
) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		graphs:    graphs,
		accounts:  accounts,
		directory: directory,
		sessions:  sessions,
		holds:     holds,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		locks:     make(map[uuid.UUID]*sync.Mutex),
	}
}

func (s *Scheduler) sessionLock(sessionID uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[sessionID] = lock
	}
	return lock
}

// CreateSession validates the request, gathers every participant's busy
// intervals, solves for candidate slots, registers the session with each
// participant and places tentative holds. The returned session is in
// proposed state with its scored candidates attached.
func (s *Scheduler) CreateSession(ctx context.Context, params CreateParams) (*graphDomain.SchedulingSession, error) {
	session, err := graphDomain.NewSchedulingSession(
		params.OrganizerID, params.Title, params.DurationMinutes,
		params.WindowStart, params.WindowEnd, params.Participants)
	if err != nil {
		return nil, err
	}

	lock := s.sessionLock(session.ID())
	lock.Lock()
	defer lock.Unlock()

	// Busy gathering. Only (start, end) pairs cross the user boundary;
	// titles and real account ids stay inside each user's graph.
	perUser := make(map[string][]interval.Interval, len(session.Participants()))
	for _, participant := range session.Participants() {
		busy, err := s.graphs.Coordinator(participant).BusyIntervals(ctx, session.WindowStart(), session.WindowEnd())
		if err != nil {
			return nil, fmt.Errorf("gathering busy intervals for %s: %w", participant, err)
		}
		perUser[participant.String()] = busy
	}
	groupBusy, required := interval.BuildGroupBusy(perUser)

	slots, err := interval.FindCandidates(interval.SearchParams{
		WindowStart:      session.WindowStart(),
		WindowEnd:        session.WindowEnd(),
		Duration:         session.Duration(),
		Busy:             groupBusy,
		RequiredAccounts: required,
		MaxCandidates:    s.cfg.MaxCandidates,
		WorkingHours:     s.cfg.WorkingHours,
	})
	if err != nil {
		return nil, sharedDomain.ErrInternal(err, "candidate search failed")
	}
	if len(slots) == 0 {
		return nil, sharedDomain.ErrValidation("no common free slot in the requested window")
	}

	candidates := make([]graphDomain.Candidate, len(slots))
	for i, slot := range slots {
		candidates[i] = graphDomain.Candidate{
			ID:          uuid.New(),
			Start:       slot.Start,
			End:         slot.End,
			Score:       slot.Score,
			Explanation: slot.Explanation,
		}
	}

	// Session rows land in every participant's graph before any hold, so
	// a hold can always resolve its session.
	for _, participant := range session.Participants() {
		if err := s.graphs.Coordinator(participant).RegisterSession(ctx, session); err != nil {
			return nil, fmt.Errorf("registering session with %s: %w", participant, err)
		}
	}

	holdAccounts := make(map[uuid.UUID]string, len(session.Participants()))
	for _, participant := range session.Participants() {
		accountID, err := s.accounts.HoldAccountID(ctx, participant)
		if err != nil {
			s.closeAfterSetupFailure(ctx, session, "no account to hold the slot on")
			return nil, err
		}
		holdAccounts[participant] = accountID
	}

	holdExpiry := time.Now().UTC().Add(s.cfg.HoldTTL)
	for _, candidate := range candidates {
		for _, participant := range session.Participants() {
			_, err := s.graphs.Coordinator(participant).PlaceHold(
				ctx, session.ID(), candidate.ID, holdAccounts[participant], candidate.Start, candidate.End, holdExpiry)
			if err != nil {
				s.closeAfterSetupFailure(ctx, session, "hold placement failed")
				return nil, fmt.Errorf("placing hold for %s: %w", participant, err)
			}
		}
	}

	if err := session.Propose(candidates); err != nil {
		return nil, err
	}
	for _, participant := range session.Participants() {
		if err := s.graphs.Coordinator(participant).RecordSessionProposed(ctx, session); err != nil {
			return nil, err
		}
	}

	if err := s.directory.RegisterSession(ctx, session.ID(), session.OrganizerUserID(), session.Participants()); err != nil {
		// Lookup-only registry; the session itself is intact.
		s.logger.Warn("session directory registration failed",
			"session_id", session.ID(),
			"error", err,
		)
	}
	return session, nil
}

// GetSession returns a session for one of its participants, applying lazy
// expiry first.
func (s *Scheduler) GetSession(ctx context.Context, sessionID, requesterID uuid.UUID) (*graphDomain.SchedulingSession, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return s.loadFresh(ctx, sessionID, requesterID)
}

// ListSessions returns the sessions a user takes part in, newest first,
// optionally filtered to one state. Lazy expiry applies before filtering,
// so a stale proposed session never shows up as open.
func (s *Scheduler) ListSessions(ctx context.Context, requesterID uuid.UUID, state graphDomain.SessionState) ([]*graphDomain.SchedulingSession, error) {
	sessions, err := s.sessions.FindByParticipant(ctx, requesterID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	filtered := make([]*graphDomain.SchedulingSession, 0, len(sessions))
	for _, session := range sessions {
		lock := s.sessionLock(session.ID())
		lock.Lock()
		if session.ExpireIfStale(s.cfg.SessionMaxAge, now) {
			s.closeForAll(ctx, session)
		}
		lock.Unlock()
		if state != "" && session.State() != state {
			continue
		}
		filtered = append(filtered, session)
	}
	return filtered, nil
}

// ExtendSessionHolds pushes every participant's tentative holds on an open
// session further out, so the group keeps its slots blocked while it
// decides.
func (s *Scheduler) ExtendSessionHolds(ctx context.Context, sessionID, requesterID uuid.UUID, until time.Time) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := s.loadFresh(ctx, sessionID, requesterID)
	if err != nil {
		return err
	}
	if session.State() != graphDomain.SessionProposed {
		return sharedDomain.ErrInvalidTransition("cannot extend holds of session in state %s", session.State())
	}
	for _, participant := range session.Participants() {
		if err := s.graphs.Coordinator(participant).ExtendHolds(ctx, sessionID, until); err != nil {
			return err
		}
	}
	return nil
}

// CommitSession turns one candidate into a real meeting for every
// participant. Best-effort atomic: on any participant failure the already
// processed participants are rolled back and the session converges to
// cancelled with every hold released.
func (s *Scheduler) CommitSession(ctx context.Context, sessionID, requesterID, candidateID uuid.UUID) (*graphDomain.SchedulingSession, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := s.loadFresh(ctx, sessionID, requesterID)
	if err != nil {
		return nil, err
	}
	if err := session.Commit(candidateID); err != nil {
		return nil, err
	}
	candidate, _ := session.Candidate(candidateID)

	canonicalIDs := make(map[uuid.UUID]string, len(session.Participants()))
	for _, participant := range session.Participants() {
		coordinator := s.graphs.Coordinator(participant)
		hold, err := coordinator.SessionHold(ctx, sessionID, candidateID)
		if err != nil {
			return nil, s.rollbackCommit(ctx, session, canonicalIDs, err)
		}
		event, err := coordinator.IngestCommittedMeeting(
			ctx, sessionID, hold.AccountID(), session.Title(), candidate.Start, candidate.End)
		if err != nil {
			return nil, s.rollbackCommit(ctx, session, canonicalIDs, err)
		}
		canonicalIDs[participant] = event.ID()
	}

	for _, participant := range session.Participants() {
		coordinator := s.graphs.Coordinator(participant)
		if err := coordinator.RecordSessionCommitted(ctx, session, canonicalIDs[participant]); err != nil {
			s.logger.Warn("recording committed session failed",
				"session_id", sessionID, "user_id", participant, "error", err)
			continue
		}
		if _, err := coordinator.RecordCommitmentReceipt(ctx, canonicalIDs[participant], sessionID); err != nil {
			s.logger.Warn("recording commitment receipt failed",
				"session_id", sessionID, "user_id", participant, "error", err)
		}
	}
	return session, nil
}

// CancelSession abandons an open session and releases every hold.
func (s *Scheduler) CancelSession(ctx context.Context, sessionID, requesterID uuid.UUID, reason string) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := s.loadFresh(ctx, sessionID, requesterID)
	if err != nil {
		return err
	}
	if err := session.Cancel(reason); err != nil {
		return err
	}
	s.closeForAll(ctx, session)
	return nil
}

// ExpireStaleSessions ages out open sessions older than SessionMaxAge.
// Returns how many sessions expired.
func (s *Scheduler) ExpireStaleSessions(ctx context.Context, now time.Time) (int, error) {
	open, err := s.sessions.FindOpen(ctx)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, session := range open {
		lock := s.sessionLock(session.ID())
		lock.Lock()
		if session.ExpireIfStale(s.cfg.SessionMaxAge, now) {
			s.closeForAll(ctx, session)
			expired++
		}
		lock.Unlock()
	}
	return expired, nil
}

// ExpireSessionIfAllHoldsTerminal closes an open session none of whose
// holds are live anymore (hold GC calls this for each affected session).
func (s *Scheduler) ExpireSessionIfAllHoldsTerminal(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return false, err
	}
	switch session.State() {
	case graphDomain.SessionPending, graphDomain.SessionProposed:
	default:
		return false, nil
	}

	holds, err := s.holds.FindBySession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if len(holds) == 0 {
		return false, nil
	}
	for _, hold := range holds {
		if hold.State() == graphDomain.HoldTentative {
			return false, nil
		}
	}

	if !session.ExpireIfStale(0, time.Now().UTC()) {
		return false, nil
	}
	s.closeForAll(ctx, session)
	return true, nil
}

// loadFresh returns the session for a participant after lazy expiry.
func (s *Scheduler) loadFresh(ctx context.Context, sessionID, requesterID uuid.UUID) (*graphDomain.SchedulingSession, error) {
	session, err := s.graphs.Coordinator(requesterID).Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.ExpireIfStale(s.cfg.SessionMaxAge, time.Now().UTC()) {
		s.closeForAll(ctx, session)
	}
	return session, nil
}

// rollbackCommit unwinds a partial commit: already-created canonical
// events are tombstoned, the session converges to cancelled, and every
// participant releases its holds. Mirror deletions ride the write
// pipeline; anything that slips through is scrubbed by drift
// reconciliation.
func (s *Scheduler) rollbackCommit(ctx context.Context, session *graphDomain.SchedulingSession, created map[uuid.UUID]string, cause error) error {
	for participant, canonicalID := range created {
		if err := s.graphs.Coordinator(participant).DeleteCanonical(ctx, canonicalID); err != nil {
			s.logger.Warn("rolling back committed meeting failed",
				"session_id", session.ID(), "user_id", participant, "error", err)
		}
	}
	if err := session.Fail("commit failed: " + cause.Error()); err != nil {
		s.logger.Warn("marking session failed", "session_id", session.ID(), "error", err)
	}
	s.closeForAll(ctx, session)
	return sharedDomain.WrapCoded(sharedDomain.CodeCommitFailed, cause, "committing session %s", session.ID())
}

func (s *Scheduler) closeAfterSetupFailure(ctx context.Context, session *graphDomain.SchedulingSession, reason string) {
	if err := session.Cancel(reason); err != nil {
		s.logger.Warn("cancelling session after setup failure", "session_id", session.ID(), "error", err)
		return
	}
	s.closeForAll(ctx, session)
}

func (s *Scheduler) closeForAll(ctx context.Context, session *graphDomain.SchedulingSession) {
	for _, participant := range session.Participants() {
		if err := s.graphs.Coordinator(participant).RecordSessionClosed(ctx, session); err != nil {
			s.logger.Warn("closing session for participant failed",
				"session_id", session.ID(), "user_id", participant, "error", err)
		}
	}
}
