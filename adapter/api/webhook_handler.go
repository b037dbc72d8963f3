package api

import (
	"encoding/json"
	"net/http"

	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
)

// Webhook responses are plain statuses, not the API envelope: the
// providers only look at the status code.

// GoogleWebhook handles POST /webhooks/google. Google puts the channel
// token in a header; sync messages with no token are rejected like any
// other unknown token.
func (h *Handler) GoogleWebhook(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("X-Goog-Channel-Token")
	if _, err := h.intake.HandleNotification(r.Context(), token); err != nil {
		w.WriteHeader(webhookStatus(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

type microsoftNotification struct {
	Value []struct {
		ClientState string `json:"clientState"`
	} `json:"value"`
}

// MicrosoftWebhook handles POST /webhooks/microsoft. Subscription
// creation sends a validationToken that must be echoed back as plain
// text; notifications carry the channel token in clientState.
func (h *Handler) MicrosoftWebhook(w http.ResponseWriter, r *http.Request) {
	if validation := r.URL.Query().Get("validationToken"); validation != "" {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(validation)); err != nil {
			h.logger.Warn("validation echo failed", "error", err)
		}
		return
	}

	var notification microsoftNotification
	if err := json.NewDecoder(r.Body).Decode(&notification); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	rejected := false
	for _, item := range notification.Value {
		if _, err := h.intake.HandleNotification(r.Context(), item.ClientState); err != nil {
			rejected = true
		}
	}
	if rejected || len(notification.Value) == 0 {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	// Graph requires 202 for accepted change notifications.
	w.WriteHeader(http.StatusAccepted)
}

func webhookStatus(err error) int {
	if sharedDomain.HasCode(err, sharedDomain.CodeAuthRequired) {
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}
