package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	graphDomain "github.com/tminus-app/tminus/internal/graph/domain"
	"github.com/tminus-app/tminus/internal/scheduling"
	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
)

// CreateSession handles POST /api/v1/users/{userID}/sessions. The path
// user is the organizer.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	userID, err := h.pathUser(r)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	var req struct {
		Title           string   `json:"title"`
		DurationMinutes int      `json:"duration_minutes"`
		WindowStart     string   `json:"window_start"`
		WindowEnd       string   `json:"window_end"`
		Participants    []string `json:"participants"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	windowStart, err := time.Parse(time.RFC3339, req.WindowStart)
	if err != nil {
		writeCodedError(w, h.logger, sharedDomain.ErrValidation("invalid window_start %q", req.WindowStart))
		return
	}
	windowEnd, err := time.Parse(time.RFC3339, req.WindowEnd)
	if err != nil {
		writeCodedError(w, h.logger, sharedDomain.ErrValidation("invalid window_end %q", req.WindowEnd))
		return
	}
	participants := make([]uuid.UUID, 0, len(req.Participants))
	for _, raw := range req.Participants {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeCodedError(w, h.logger, sharedDomain.ErrValidation("invalid participant id %q", raw))
			return
		}
		participants = append(participants, id)
	}

	session, err := h.scheduler.CreateSession(r.Context(), scheduling.CreateParams{
		OrganizerID:     userID,
		Title:           req.Title,
		DurationMinutes: req.DurationMinutes,
		WindowStart:     windowStart,
		WindowEnd:       windowEnd,
		Participants:    participants,
	})
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusCreated, sessionDTO(session))
}

// ListSessions handles GET /api/v1/users/{userID}/sessions. An optional
// state query parameter narrows the list.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	userID, err := h.pathUser(r)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	state := graphDomain.SessionState(r.URL.Query().Get("state"))
	sessions, err := h.scheduler.ListSessions(r.Context(), userID, state)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	dtos := make([]map[string]any, len(sessions))
	for i, session := range sessions {
		dtos[i] = sessionDTO(session)
	}
	writeData(w, http.StatusOK, map[string]any{"sessions": dtos})
}

// ExtendSession handles POST /api/v1/users/{userID}/sessions/{sessionID}/extend:
// pushes every participant's tentative holds out to the requested instant.
func (h *Handler) ExtendSession(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, err := h.pathSession(r)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	var req struct {
		Until string `json:"until"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	until, err := time.Parse(time.RFC3339, req.Until)
	if err != nil {
		writeCodedError(w, h.logger, sharedDomain.ErrValidation("invalid until %q", req.Until))
		return
	}
	if err := h.scheduler.ExtendSessionHolds(r.Context(), sessionID, userID, until); err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"extended_until": until.UTC()})
}

// GetSession handles GET /api/v1/users/{userID}/sessions/{sessionID}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, err := h.pathSession(r)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	session, err := h.scheduler.GetSession(r.Context(), sessionID, userID)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, sessionDTO(session))
}

// CommitSession handles POST /api/v1/users/{userID}/sessions/{sessionID}/commit.
func (h *Handler) CommitSession(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, err := h.pathSession(r)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	var req struct {
		CandidateID string `json:"candidate_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	candidateID, err := uuid.Parse(req.CandidateID)
	if err != nil {
		writeCodedError(w, h.logger, sharedDomain.ErrValidation("invalid candidate id %q", req.CandidateID))
		return
	}
	session, err := h.scheduler.CommitSession(r.Context(), sessionID, userID, candidateID)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, sessionDTO(session))
}

// CancelSession handles POST /api/v1/users/{userID}/sessions/{sessionID}/cancel.
func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, err := h.pathSession(r)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	if err := h.scheduler.CancelSession(r.Context(), sessionID, userID, req.Reason); err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"cancelled": true})
}

func (h *Handler) pathSession(r *http.Request) (uuid.UUID, uuid.UUID, error) {
	userID, err := h.pathUser(r)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	sessionID, err := uuid.Parse(r.PathValue("sessionID"))
	if err != nil {
		return uuid.Nil, uuid.Nil, sharedDomain.ErrValidation("invalid session id")
	}
	return userID, sessionID, nil
}

func sessionDTO(session *graphDomain.SchedulingSession) map[string]any {
	candidates := make([]map[string]any, len(session.Candidates()))
	for i, c := range session.Candidates() {
		candidates[i] = map[string]any{
			"candidate_id": c.ID,
			"start":        c.Start,
			"end":          c.End,
			"score":        c.Score,
			"explanation":  c.Explanation,
		}
	}
	dto := map[string]any{
		"session_id":       session.ID(),
		"organizer_id":     session.OrganizerUserID(),
		"title":            session.Title(),
		"duration_minutes": session.DurationMinutes(),
		"window_start":     session.WindowStart(),
		"window_end":       session.WindowEnd(),
		"participants":     session.Participants(),
		"state":            string(session.State()),
		"candidates":       candidates,
	}
	if session.CommittedCandidateID() != uuid.Nil {
		dto["committed_candidate_id"] = session.CommittedCandidateID()
	}
	if session.FailureReason() != "" {
		dto["failure_reason"] = session.FailureReason()
	}
	return dto
}
