package persistence

import (
	"context"

	"github.com/google/uuid"

	"github.com/tminus-app/tminus/internal/graph/domain"
	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
	"github.com/tminus-app/tminus/internal/shared/infrastructure/database"
)

// SessionRepository stores scheduling sessions with their candidates.
// Candidates are replaced wholesale on save; they only ever change when the
// session transitions pending → proposed.
type SessionRepository struct {
	rebinder
}

// NewSessionRepository creates the repository.
func NewSessionRepository(conn database.Connection) *SessionRepository {
	return &SessionRepository{rebinder{conn: conn}}
}

const sessionColumns = `id, organizer_user_id, title, duration_minutes, window_start_ms,
	window_end_ms, participants, state, committed_candidate_id,
	failure_reason, created_at, updated_at`

// Save upserts the session and rewrites its candidate rows.
func (r *SessionRepository) Save(ctx context.Context, session *domain.SchedulingSession) error {
	participants := make([]string, len(session.Participants()))
	for i, p := range session.Participants() {
		participants[i] = p.String()
	}

	committed := ""
	if session.CommittedCandidateID() != uuid.Nil {
		committed = session.CommittedCandidateID().String()
	}

	exec := r.exec(ctx)
	_, err := exec.Exec(ctx, r.q(`
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			committed_candidate_id = excluded.committed_candidate_id,
			failure_reason = excluded.failure_reason,
			updated_at = excluded.updated_at`),
		session.ID().String(),
		session.OrganizerUserID().String(),
		session.Title(),
		session.DurationMinutes(),
		toMs(session.WindowStart()),
		toMs(session.WindowEnd()),
		encodeStrings(participants),
		string(session.State()),
		committed,
		session.FailureReason(),
		toRFC3339(session.CreatedAt()),
		toRFC3339(session.UpdatedAt()),
	)
	if err != nil {
		return sharedDomain.ErrInternal(err, "saving session %s", session.ID())
	}

	if _, err := exec.Exec(ctx, r.q(`DELETE FROM session_candidates WHERE session_id = ?`), session.ID().String()); err != nil {
		return sharedDomain.ErrInternal(err, "clearing candidates for session %s", session.ID())
	}
	for _, candidate := range session.Candidates() {
		_, err := exec.Exec(ctx, r.q(`
			INSERT INTO session_candidates (id, session_id, start_ms, end_ms, score, explanation, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			candidate.ID.String(),
			session.ID().String(),
			toMs(candidate.Start),
			toMs(candidate.End),
			candidate.Score,
			candidate.Explanation,
			toRFC3339(nowUTC()),
		)
		if err != nil {
			return sharedDomain.ErrInternal(err, "saving candidate %s", candidate.ID)
		}
	}
	return nil
}

// FindByID loads a session and its candidates.
func (r *SessionRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.SchedulingSession, error) {
	row := r.exec(ctx).QueryRow(ctx, r.q(`
		SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id.String())
	session, err := r.scanSession(ctx, row)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, sharedDomain.ErrNotFound("session %s not found", id)
		}
		return nil, sharedDomain.ErrInternal(err, "loading session %s", id)
	}
	return session, nil
}

// FindOpen returns sessions still pending or proposed.
func (r *SessionRepository) FindOpen(ctx context.Context) ([]*domain.SchedulingSession, error) {
	rows, err := r.exec(ctx).Query(ctx, r.q(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE state IN ('pending', 'proposed') ORDER BY created_at`))
	if err != nil {
		return nil, sharedDomain.ErrInternal(err, "listing open sessions")
	}

	// Drain the cursor before loading candidates: SQLite runs on a single
	// connection and a nested query would block on the open rows.
	var raws []sessionRow
	for rows.Next() {
		raw, err := scanSessionRow(rows)
		if err != nil {
			rows.Close()
			return nil, sharedDomain.ErrInternal(err, "scanning session")
		}
		raws = append(raws, raw)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, sharedDomain.ErrInternal(err, "iterating sessions")
	}
	rows.Close()

	sessions := make([]*domain.SchedulingSession, 0, len(raws))
	for _, raw := range raws {
		session, err := r.buildSession(ctx, raw)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

// FindByParticipant returns every session the user takes part in, newest
// first. Participants are a JSON array of ids; matching on the quoted id
// keeps the query portable across both drivers.
func (r *SessionRepository) FindByParticipant(ctx context.Context, userID uuid.UUID) ([]*domain.SchedulingSession, error) {
	rows, err := r.exec(ctx).Query(ctx, r.q(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE participants LIKE ? ORDER BY created_at DESC`),
		`%"`+userID.String()+`"%`)
	if err != nil {
		return nil, sharedDomain.ErrInternal(err, "listing sessions for user %s", userID)
	}

	var raws []sessionRow
	for rows.Next() {
		raw, err := scanSessionRow(rows)
		if err != nil {
			rows.Close()
			return nil, sharedDomain.ErrInternal(err, "scanning session")
		}
		raws = append(raws, raw)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, sharedDomain.ErrInternal(err, "iterating sessions")
	}
	rows.Close()

	sessions := make([]*domain.SchedulingSession, 0, len(raws))
	for _, raw := range raws {
		session, err := r.buildSession(ctx, raw)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

type sessionRow struct {
	id, organizer, title        string
	durationMinutes             int
	windowStartMs, windowEndMs  int64
	participants, state         string
	committed, failureReason    string
	createdAt, updatedAt        string
}

func scanSessionRow(row database.Row) (sessionRow, error) {
	var s sessionRow
	err := row.Scan(
		&s.id, &s.organizer, &s.title, &s.durationMinutes, &s.windowStartMs,
		&s.windowEndMs, &s.participants, &s.state, &s.committed,
		&s.failureReason, &s.createdAt, &s.updatedAt,
	)
	return s, err
}

func (r *SessionRepository) scanSession(ctx context.Context, row database.Row) (*domain.SchedulingSession, error) {
	raw, err := scanSessionRow(row)
	if err != nil {
		return nil, err
	}
	return r.buildSession(ctx, raw)
}

func (r *SessionRepository) buildSession(ctx context.Context, raw sessionRow) (*domain.SchedulingSession, error) {
	id, err := uuid.Parse(raw.id)
	if err != nil {
		return nil, err
	}
	organizer, err := uuid.Parse(raw.organizer)
	if err != nil {
		return nil, err
	}
	committed := uuid.Nil
	if raw.committed != "" {
		committed, err = uuid.Parse(raw.committed)
		if err != nil {
			return nil, err
		}
	}

	var participants []uuid.UUID
	for _, p := range decodeStrings(raw.participants) {
		parsed, err := uuid.Parse(p)
		if err != nil {
			return nil, err
		}
		participants = append(participants, parsed)
	}

	candidates, err := r.loadCandidates(ctx, id)
	if err != nil {
		return nil, err
	}

	return domain.RehydrateSchedulingSession(
		id, organizer, raw.title, raw.durationMinutes,
		fromMs(raw.windowStartMs), fromMs(raw.windowEndMs),
		participants, domain.SessionState(raw.state), candidates, committed,
		raw.failureReason, fromRFC3339(raw.createdAt), fromRFC3339(raw.updatedAt),
	), nil
}

func (r *SessionRepository) loadCandidates(ctx context.Context, sessionID uuid.UUID) ([]domain.Candidate, error) {
	rows, err := r.exec(ctx).Query(ctx, r.q(`
		SELECT id, start_ms, end_ms, score, explanation
		FROM session_candidates WHERE session_id = ? ORDER BY score DESC, start_ms`), sessionID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []domain.Candidate
	for rows.Next() {
		var (
			idRaw, explanation string
			startMs, endMs     int64
			score              float64
		)
		if err := rows.Scan(&idRaw, &startMs, &endMs, &score, &explanation); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(idRaw)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, domain.Candidate{
			ID:          id,
			Start:       fromMs(startMs),
			End:         fromMs(endMs),
			Score:       score,
			Explanation: explanation,
		})
	}
	return candidates, rows.Err()
}
