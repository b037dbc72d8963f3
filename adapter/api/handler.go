package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	accountApp "github.com/tminus-app/tminus/internal/account/application"
	accountDomain "github.com/tminus-app/tminus/internal/account/domain"
	graphApp "github.com/tminus-app/tminus/internal/graph/application"
	graphDomain "github.com/tminus-app/tminus/internal/graph/domain"
	"github.com/tminus-app/tminus/internal/pipeline/sync"
	registryApp "github.com/tminus-app/tminus/internal/registry/application"
	"github.com/tminus-app/tminus/internal/scheduling"
	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
)

// Handler serves the API routes. All state changes delegate to the
// application services; nothing here touches a repository directly.
type Handler struct {
	registry  *registryApp.Service
	accounts  *accountApp.Manager
	graphs    *graphApp.CoordinatorRegistry
	scheduler *scheduling.Scheduler
	intake    *sync.Intake
	logger    *slog.Logger
}

// HandlerConfig holds the handler's dependencies.
type HandlerConfig struct {
	Registry  *registryApp.Service
	Accounts  *accountApp.Manager
	Graphs    *graphApp.CoordinatorRegistry
	Scheduler *scheduling.Scheduler
	Intake    *sync.Intake
	Logger    *slog.Logger
}

// NewHandler creates the API handler.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		registry:  cfg.Registry,
		accounts:  cfg.Accounts,
		graphs:    cfg.Graphs,
		scheduler: cfg.Scheduler,
		intake:    cfg.Intake,
		logger:    cfg.Logger,
	}
}

func (h *Handler) pathUser(r *http.Request) (uuid.UUID, error) {
	raw := r.PathValue("userID")
	userID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, sharedDomain.ErrValidation("invalid user id %q", raw)
	}
	return userID, nil
}

func decodeBody(r *http.Request, into any) error {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return sharedDomain.ErrValidation("invalid request body: %v", err)
	}
	return nil
}

// parseWindow reads start/end query parameters, defaulting to the two
// weeks ahead.
func parseWindow(r *http.Request) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	start, end := now, now.Add(14*24*time.Hour)
	if raw := r.URL.Query().Get("start"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, sharedDomain.ErrValidation("invalid start %q", raw)
		}
		start = parsed
	}
	if raw := r.URL.Query().Get("end"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, sharedDomain.ErrValidation("invalid end %q", raw)
		}
		end = parsed
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, sharedDomain.ErrValidation("end must be after start")
	}
	return start, end, nil
}

// RegisterUser handles POST /api/v1/users.
func (h *Handler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayName string `json:"display_name"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	user, err := h.registry.RegisterUser(r.Context(), req.DisplayName)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusCreated, map[string]any{
		"user_id":      user.ID(),
		"display_name": user.DisplayName(),
	})
}

// SyncHealth handles GET /api/v1/users/{userID}/health.
func (h *Handler) SyncHealth(w http.ResponseWriter, r *http.Request) {
	userID, err := h.pathUser(r)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	report, err := h.accounts.HealthReport(r.Context(), userID)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"accounts": report})
}

// PurgeUser handles DELETE /api/v1/users/{userID}: tombstones the graph,
// queues remote mirror deletions, clears the registry footprint and
// returns the deletion certificate.
func (h *Handler) PurgeUser(w http.ResponseWriter, r *http.Request) {
	userID, err := h.pathUser(r)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	if _, err := h.registry.GetUser(r.Context(), userID); err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	certificate, err := h.graphs.Coordinator(userID).PurgeUser(r.Context())
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	if err := h.registry.RemoveUser(r.Context(), userID); err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"certificate_id":   certificate.ID,
		"certificate_hash": certificate.CertificateHash,
		"canonical_count":  certificate.CanonicalCount,
		"mirror_count":     certificate.MirrorCount,
	})
}

// ConnectAccount handles POST /api/v1/users/{userID}/accounts.
func (h *Handler) ConnectAccount(w http.ResponseWriter, r *http.Request) {
	userID, err := h.pathUser(r)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	var req struct {
		Provider        string `json:"provider"`
		RemoteAccountID string `json:"remote_account_id"`
		Email           string `json:"email"`
		RefreshToken    string `json:"refresh_token"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	provider := accountDomain.ProviderType(req.Provider)
	account, err := h.accounts.Connect(r.Context(), userID, provider, req.RemoteAccountID, req.Email, req.RefreshToken)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	if err := h.registry.BindAccount(r.Context(), provider.String(), req.RemoteAccountID, account.ID(), userID); err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusCreated, accountDTO(account))
}

// ListAccounts handles GET /api/v1/users/{userID}/accounts.
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	userID, err := h.pathUser(r)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	accounts, err := h.accounts.ListByUser(r.Context(), userID)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	dtos := make([]map[string]any, len(accounts))
	for i, account := range accounts {
		dtos[i] = accountDTO(account)
	}
	writeData(w, http.StatusOK, map[string]any{"accounts": dtos})
}

// RevokeAccount handles DELETE /api/v1/users/{userID}/accounts/{accountID}.
func (h *Handler) RevokeAccount(w http.ResponseWriter, r *http.Request) {
	userID, err := h.pathUser(r)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	accountID, err := uuid.Parse(r.PathValue("accountID"))
	if err != nil {
		writeCodedError(w, h.logger, sharedDomain.ErrValidation("invalid account id"))
		return
	}
	coordinator, err := h.accounts.CoordinatorFor(r.Context(), accountID)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	account, err := coordinator.Account(r.Context())
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	if account.UserID() != userID {
		writeCodedError(w, h.logger, sharedDomain.ErrNotFound("account %s not found", accountID))
		return
	}
	if err := coordinator.Revoke(r.Context()); err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	if err := h.registry.UnbindAccount(r.Context(), account.Provider().String(), account.RemoteAccountID()); err != nil {
		h.logger.Warn("unbinding revoked account failed", "account_id", accountID, "error", err)
	}
	writeData(w, http.StatusOK, map[string]any{"revoked": true})
}

func accountDTO(account *accountDomain.Account) map[string]any {
	return map[string]any{
		"account_id":        account.ID(),
		"provider":          account.Provider().String(),
		"remote_account_id": account.RemoteAccountID(),
		"email":             account.Email(),
		"status":            string(account.Status()),
		"health":            string(account.Health()),
	}
}

type eventRequest struct {
	OriginAccountID string   `json:"origin_account_id"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	Location        string   `json:"location"`
	Start           string   `json:"start"`
	End             string   `json:"end"`
	AllDay          bool     `json:"all_day"`
	Status          string   `json:"status"`
	Transparency    string   `json:"transparency"`
	Recurrence      []string `json:"recurrence"`
}

func (req eventRequest) content() (graphDomain.EventContent, error) {
	start, err := time.Parse(time.RFC3339, req.Start)
	if err != nil {
		return graphDomain.EventContent{}, sharedDomain.ErrValidation("invalid start %q", req.Start)
	}
	end, err := time.Parse(time.RFC3339, req.End)
	if err != nil {
		return graphDomain.EventContent{}, sharedDomain.ErrValidation("invalid end %q", req.End)
	}
	status := req.Status
	if status == "" {
		status = graphDomain.StatusConfirmed
	}
	return graphDomain.EventContent{
		Title:        req.Title,
		Description:  req.Description,
		Location:     req.Location,
		Start:        start,
		End:          end,
		AllDay:       req.AllDay,
		Status:       status,
		Transparency: req.Transparency,
		Recurrence:   req.Recurrence,
	}, nil
}

// CreateEvent handles POST /api/v1/users/{userID}/events. API-authored
// events get a synthetic origin remote id so the sync pipeline never
// collides with them.
func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	userID, err := h.pathUser(r)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	var req eventRequest
	if err := decodeBody(r, &req); err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	if req.OriginAccountID == "" {
		writeCodedError(w, h.logger, sharedDomain.ErrValidation("origin_account_id is required"))
		return
	}
	content, err := req.content()
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	result, err := h.graphs.Coordinator(userID).UpsertFromOrigin(
		r.Context(), req.OriginAccountID, "api:"+uuid.NewString(), content)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusCreated, eventDTO(result.Event))
}

// GetEvent handles GET /api/v1/users/{userID}/events/{eventID}.
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	event, _, err := h.ownedEvent(r)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, eventDTO(event))
}

// UpdateEvent handles PUT /api/v1/users/{userID}/events/{eventID}: the
// new content flows through the coordinator like an origin update, so
// every mirror reprojects.
func (h *Handler) UpdateEvent(w http.ResponseWriter, r *http.Request) {
	event, userID, err := h.ownedEvent(r)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	var req eventRequest
	if err := decodeBody(r, &req); err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	content, err := req.content()
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	result, err := h.graphs.Coordinator(userID).UpsertFromOrigin(
		r.Context(), event.OriginAccountID(), event.OriginRemoteID(), content)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, eventDTO(result.Event))
}

// DeleteEvent handles DELETE /api/v1/users/{userID}/events/{eventID}.
func (h *Handler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	event, userID, err := h.ownedEvent(r)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	if err := h.graphs.Coordinator(userID).DeleteCanonical(r.Context(), event.ID()); err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"deleted": true})
}

// ListEvents handles GET /api/v1/users/{userID}/events.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	userID, err := h.pathUser(r)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	start, end, err := parseWindow(r)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	events, err := h.graphs.Coordinator(userID).ListEvents(r.Context(), start, end)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	dtos := make([]map[string]any, 0, len(events))
	for _, event := range events {
		if event.Deleted() {
			continue
		}
		dtos = append(dtos, eventDTO(event))
	}
	writeData(w, http.StatusOK, map[string]any{"events": dtos})
}

// Availability handles GET /api/v1/users/{userID}/availability: merged
// busy intervals, no titles or attendees.
func (h *Handler) Availability(w http.ResponseWriter, r *http.Request) {
	userID, err := h.pathUser(r)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	start, end, err := parseWindow(r)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	busy, err := h.graphs.Coordinator(userID).BusyIntervals(r.Context(), start, end)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	intervals := make([]map[string]any, len(busy))
	for i, iv := range busy {
		intervals[i] = map[string]any{"start": iv.Start, "end": iv.End}
	}
	writeData(w, http.StatusOK, map[string]any{"busy": intervals})
}

// Journal handles GET /api/v1/users/{userID}/journal.
func (h *Handler) Journal(w http.ResponseWriter, r *http.Request) {
	userID, err := h.pathUser(r)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	afterSeq := int64(parseIntParam(r, "after", 0))
	limit := parseIntParam(r, "limit", 100)
	entries, err := h.graphs.Coordinator(userID).Journal(r.Context(), afterSeq, limit)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	dtos := make([]map[string]any, len(entries))
	for i, entry := range entries {
		dtos[i] = map[string]any{
			"seq":          entry.Seq,
			"entry_type":   entry.EntryType,
			"canonical_id": entry.CanonicalID,
			"payload":      entry.Payload,
			"occurred_at":  entry.OccurredAt,
		}
	}
	writeData(w, http.StatusOK, map[string]any{"entries": dtos})
}

// Briefing handles GET /api/v1/users/{userID}/briefing.
func (h *Handler) Briefing(w http.ResponseWriter, r *http.Request) {
	userID, err := h.pathUser(r)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	start, end, err := parseWindow(r)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	briefing, err := h.graphs.Coordinator(userID).BuildBriefing(r.Context(), start, end)
	if err != nil {
		writeCodedError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, briefing)
}

// ownedEvent loads the path event and checks it belongs to the path user.
func (h *Handler) ownedEvent(r *http.Request) (*graphDomain.CanonicalEvent, uuid.UUID, error) {
	userID, err := h.pathUser(r)
	if err != nil {
		return nil, uuid.Nil, err
	}
	eventID := r.PathValue("eventID")
	event, err := h.graphs.Coordinator(userID).GetEvent(r.Context(), eventID)
	if err != nil {
		return nil, uuid.Nil, err
	}
	if event.UserID() != userID {
		return nil, uuid.Nil, sharedDomain.ErrNotFound("event %s not found", eventID)
	}
	return event, userID, nil
}

func eventDTO(event *graphDomain.CanonicalEvent) map[string]any {
	return map[string]any{
		"canonical_id":      event.ID(),
		"origin_account_id": event.OriginAccountID(),
		"title":             event.Title(),
		"description":       event.Description(),
		"location":          event.Location(),
		"start":             event.Start(),
		"end":               event.End(),
		"all_day":           event.AllDay(),
		"status":            event.Status(),
		"transparency":      event.Transparency(),
		"recurrence":        event.Recurrence(),
		"participants":      len(event.ParticipantHashes()),
		"version":           event.Version(),
		"deleted":           event.Deleted(),
	}
}

func parseIntParam(r *http.Request, key string, defaultVal int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return i
}
