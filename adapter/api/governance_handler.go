package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	graphDomain "github.com/tminus-app/tminus/internal/graph/domain"
	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
)

// ListVIPs handles GET /api/v1/users/{userID}/vips.
func (h *Handler) ListVIPs(w http.ResponseWriter, r *http.Request) {
	userID, err := h.pathUser(r)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	policies, err := h.graphs.Coordinator(userID).ListVIPs(r.Context())
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	dtos := make([]map[string]any, len(policies))
	for i, policy := range policies {
		dtos[i] = map[string]any{
			"policy_id":        policy.ID(),
			"participant_hash": policy.ParticipantHash(),
			"label":            policy.Label(),
			"priority":         policy.Priority(),
		}
	}
	writeData(w, http.StatusOK, map[string]any{"vips": dtos})
}

// SetVIP handles POST /api/v1/users/{userID}/vips.
func (h *Handler) SetVIP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.pathUser(r)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	var req struct {
		ParticipantHash string `json:"participant_hash"`
		Label           string `json:"label"`
		Priority        int    `json:"priority"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	policy, err := h.graphs.Coordinator(userID).SetVIP(r.Context(), req.ParticipantHash, req.Label, req.Priority)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusCreated, map[string]any{
		"policy_id":        policy.ID(),
		"participant_hash": policy.ParticipantHash(),
		"label":            policy.Label(),
		"priority":         policy.Priority(),
	})
}

// RemoveVIP handles DELETE /api/v1/users/{userID}/vips/{policyID}.
func (h *Handler) RemoveVIP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.pathUser(r)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	policyID, err := uuid.Parse(r.PathValue("policyID"))
	if err != nil {
		writeCodedError(w, h.logger, sharedDomain.ErrValidation("invalid policy id"))
		return
	}
	if err := h.graphs.Coordinator(userID).RemoveVIP(r.Context(), policyID); err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"removed": true})
}

// ExportReceipts handles GET /api/v1/users/{userID}/receipts: the full
// chained receipt export with its verification result.
func (h *Handler) ExportReceipts(w http.ResponseWriter, r *http.Request) {
	userID, err := h.pathUser(r)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	proof, err := h.graphs.Coordinator(userID).ExportReceiptProof(r.Context())
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, proof)
}

func allocationDTO(allocation *graphDomain.Allocation) map[string]any {
	return map[string]any{
		"canonical_id": allocation.CanonicalID(),
		"client":       allocation.Client(),
		"category":     allocation.Category(),
		"hourly_rate":  allocation.HourlyRate(),
	}
}

// SetAllocation handles PUT /api/v1/users/{userID}/events/{eventID}/allocation.
// An event carries at most one allocation; a second PUT replaces the first.
func (h *Handler) SetAllocation(w http.ResponseWriter, r *http.Request) {
	userID, err := h.pathUser(r)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	var req struct {
		Client     string  `json:"client"`
		Category   string  `json:"category"`
		HourlyRate float64 `json:"hourly_rate"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	allocation, err := h.graphs.Coordinator(userID).SetAllocation(
		r.Context(), r.PathValue("eventID"), req.Client, req.Category, req.HourlyRate)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, allocationDTO(allocation))
}

// GetAllocation handles GET /api/v1/users/{userID}/events/{eventID}/allocation.
func (h *Handler) GetAllocation(w http.ResponseWriter, r *http.Request) {
	userID, err := h.pathUser(r)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	allocation, err := h.graphs.Coordinator(userID).Allocation(r.Context(), r.PathValue("eventID"))
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, allocationDTO(allocation))
}

// RemoveAllocation handles DELETE /api/v1/users/{userID}/events/{eventID}/allocation.
func (h *Handler) RemoveAllocation(w http.ResponseWriter, r *http.Request) {
	userID, err := h.pathUser(r)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	if err := h.graphs.Coordinator(userID).RemoveAllocation(r.Context(), r.PathValue("eventID")); err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"removed": true})
}

// ListAllocations handles GET /api/v1/users/{userID}/allocations.
func (h *Handler) ListAllocations(w http.ResponseWriter, r *http.Request) {
	userID, err := h.pathUser(r)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	allocations, err := h.graphs.Coordinator(userID).ListAllocations(r.Context())
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	dtos := make([]map[string]any, len(allocations))
	for i, allocation := range allocations {
		dtos[i] = allocationDTO(allocation)
	}
	writeData(w, http.StatusOK, map[string]any{"allocations": dtos})
}

func commitmentDTO(commitment *graphDomain.Commitment) map[string]any {
	return map[string]any{
		"client":       commitment.Client(),
		"target_hours": commitment.TargetHours(),
		"window_days":  commitment.WindowDays(),
	}
}

// SetCommitment handles PUT /api/v1/users/{userID}/commitments/{client}.
func (h *Handler) SetCommitment(w http.ResponseWriter, r *http.Request) {
	userID, err := h.pathUser(r)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	var req struct {
		TargetHours float64 `json:"target_hours"`
		WindowDays  int     `json:"window_days"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	commitment, err := h.graphs.Coordinator(userID).SetCommitment(
		r.Context(), r.PathValue("client"), req.TargetHours, req.WindowDays)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, commitmentDTO(commitment))
}

// ListCommitments handles GET /api/v1/users/{userID}/commitments.
func (h *Handler) ListCommitments(w http.ResponseWriter, r *http.Request) {
	userID, err := h.pathUser(r)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	commitments, err := h.graphs.Coordinator(userID).Commitments(r.Context())
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	dtos := make([]map[string]any, len(commitments))
	for i, commitment := range commitments {
		dtos[i] = commitmentDTO(commitment)
	}
	writeData(w, http.StatusOK, map[string]any{"commitments": dtos})
}

// RemoveCommitment handles DELETE /api/v1/users/{userID}/commitments/{client}.
func (h *Handler) RemoveCommitment(w http.ResponseWriter, r *http.Request) {
	userID, err := h.pathUser(r)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	if err := h.graphs.Coordinator(userID).RemoveCommitment(r.Context(), r.PathValue("client")); err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"removed": true})
}

// CommitmentStatus handles GET /api/v1/users/{userID}/commitments/{client}/status.
func (h *Handler) CommitmentStatus(w http.ResponseWriter, r *http.Request) {
	userID, err := h.pathUser(r)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	status, err := h.graphs.Coordinator(userID).GetCommitmentStatus(
		r.Context(), r.PathValue("client"), time.Now().UTC())
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, status)
}

// CommitmentProof handles GET /api/v1/users/{userID}/commitments/{client}/proof.
// The window is explicit so repeated exports of the same window are
// byte-identical.
func (h *Handler) CommitmentProof(w http.ResponseWriter, r *http.Request) {
	userID, err := h.pathUser(r)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	windowStart, err := time.Parse(time.RFC3339, r.URL.Query().Get("window_start"))
	if err != nil {
		writeCodedError(w, h.logger, sharedDomain.ErrValidation("invalid window_start"))
		return
	}
	windowEnd, err := time.Parse(time.RFC3339, r.URL.Query().Get("window_end"))
	if err != nil {
		writeCodedError(w, h.logger, sharedDomain.ErrValidation("invalid window_end"))
		return
	}
	proof, err := h.graphs.Coordinator(userID).GetCommitmentProofData(
		r.Context(), r.PathValue("client"), windowStart, windowEnd)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, proof)
}

// EventBriefing handles GET /api/v1/users/{userID}/events/{eventID}/briefing.
func (h *Handler) EventBriefing(w http.ResponseWriter, r *http.Request) {
	userID, err := h.pathUser(r)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	briefing, err := h.graphs.Coordinator(userID).BuildEventBriefing(r.Context(), r.PathValue("eventID"))
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, briefing)
}
