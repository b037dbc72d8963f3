package api

import (
	"net/http"

	"github.com/google/uuid"

	graphDomain "github.com/tminus-app/tminus/internal/graph/domain"
	"github.com/tminus-app/tminus/internal/projection"
	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
)

// ListPolicies handles GET /api/v1/users/{userID}/policies.
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	userID, err := h.pathUser(r)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	edges, err := h.graphs.Coordinator(userID).ListEdges(r.Context())
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	dtos := make([]map[string]any, len(edges))
	for i, edge := range edges {
		dtos[i] = policyDTO(edge)
	}
	writeData(w, http.StatusOK, map[string]any{"policies": dtos})
}

// CreatePolicy handles POST /api/v1/users/{userID}/policies.
func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	userID, err := h.pathUser(r)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	var req struct {
		SourceAccountID string `json:"source_account_id"`
		TargetAccountID string `json:"target_account_id"`
		Detail          string `json:"detail"`
		Kind            string `json:"kind"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	kind := projection.CalendarKind(req.Kind)
	if req.Kind == "" {
		kind = projection.KindBusyOverlay
	}
	edge, err := h.graphs.Coordinator(userID).CreateEdge(
		r.Context(), req.SourceAccountID, req.TargetAccountID,
		projection.DetailLevel(req.Detail), kind)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusCreated, policyDTO(edge))
}

// UpdatePolicy handles PATCH /api/v1/users/{userID}/policies/{edgeID}:
// detail changes reproject every mirror on the edge, enable/disable flips
// mirror presence.
func (h *Handler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	userID, edgeID, err := h.pathEdge(r)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	var req struct {
		Detail  *string `json:"detail"`
		Enabled *bool   `json:"enabled"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	coordinator := h.graphs.Coordinator(userID)
	if req.Detail != nil {
		if err := coordinator.UpdateEdgeDetail(r.Context(), edgeID, projection.DetailLevel(*req.Detail)); err != nil {
			writeCodedError(w, h.logger, err)
			return
		}
	}
	if req.Enabled != nil {
		if err := coordinator.SetEdgeEnabled(r.Context(), edgeID, *req.Enabled); err != nil {
			writeCodedError(w, h.logger, err)
			return
		}
	}
	edges, err := coordinator.ListEdges(r.Context())
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	for _, edge := range edges {
		if edge.ID() == edgeID {
			writeData(w, http.StatusOK, policyDTO(edge))
			return
		}
	}
	writeCodedError(w, h.logger, sharedDomain.ErrNotFound("policy %s not found", edgeID))
}

// DeletePolicy handles DELETE /api/v1/users/{userID}/policies/{edgeID}.
func (h *Handler) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	userID, edgeID, err := h.pathEdge(r)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	if err := h.graphs.Coordinator(userID).DeleteEdge(r.Context(), edgeID); err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"deleted": true})
}

func (h *Handler) pathEdge(r *http.Request) (uuid.UUID, uuid.UUID, error) {
	userID, err := h.pathUser(r)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	edgeID, err := uuid.Parse(r.PathValue("edgeID"))
	if err != nil {
		return uuid.Nil, uuid.Nil, sharedDomain.ErrValidation("invalid policy id")
	}
	return userID, edgeID, nil
}

func policyDTO(edge *graphDomain.PolicyEdge) map[string]any {
	return map[string]any{
		"edge_id":           edge.ID(),
		"source_account_id": edge.SourceAccountID(),
		"target_account_id": edge.TargetAccountID(),
		"detail":            string(edge.Detail()),
		"kind":              string(edge.Kind()),
		"enabled":           edge.Enabled(),
	}
}
