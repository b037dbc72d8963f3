package google

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tminus-app/tminus/internal/classify"
	"github.com/tminus-app/tminus/internal/projection"
	"github.com/tminus-app/tminus/internal/provider"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClientWithBaseURL(logger, server.URL)
}

func mirrorPayload() projection.Payload {
	return projection.Payload{
		Title:  "Busy",
		Start:  time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
		End:    time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
		Status: "confirmed",
		Tags: projection.Tags{
			CanonicalID:  "01JXAMPLE0000000000000000",
			OwningUserID: "7b1d3de2-1f1e-4a24-9c1d-1c2a3b4c5d6e",
			PolicyEdgeID: "edge-1",
			ContentHash:  "abc123",
		},
	}
}

func TestIncrementalList_PagesAndNormalizes(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		assert.Equal(t, "/calendars/primary/events", r.URL.Path)
		assert.Equal(t, "cursor-1", r.URL.Query().Get("syncToken"))
		assert.Equal(t, "true", r.URL.Query().Get("showDeleted"))

		switch calls {
		case 1:
			assert.Empty(t, r.URL.Query().Get("pageToken"))
			_, _ = w.Write([]byte(`{
				"items": [
					{
						"id": "evt-1",
						"summary": "Standup",
						"status": "confirmed",
						"start": {"dateTime": "2026-05-01T09:00:00Z"},
						"end": {"dateTime": "2026-05-01T09:30:00Z"},
						"attendees": [{"email": "a@example.com"}, {"email": "b@example.com"}]
					},
					{
						"id": "evt-2",
						"summary": "Busy",
						"status": "confirmed",
						"start": {"dateTime": "2026-05-01T10:00:00Z"},
						"end": {"dateTime": "2026-05-01T11:00:00Z"},
						"extendedProperties": {"private": {
							"tminus_canonical_id": "01JCANON",
							"tminus_owning_user_id": "owner-1"
						}}
					}
				],
				"nextPageToken": "page-2"
			}`))
		case 2:
			assert.Equal(t, "page-2", r.URL.Query().Get("pageToken"))
			_, _ = w.Write([]byte(`{
				"items": [
					{"id": "evt-3", "status": "cancelled"},
					{
						"id": "evt-4",
						"summary": "Offsite",
						"status": "confirmed",
						"start": {"date": "2026-05-04"},
						"end": {"date": "2026-05-05"}
					}
				],
				"nextSyncToken": "cursor-2"
			}`))
		}
	})

	page, err := client.IncrementalList(context.Background(), "token-1", "primary", "cursor-1")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "cursor-2", page.NextCursor)
	require.Len(t, page.Events, 4)

	assert.Equal(t, "evt-1", page.Events[0].RemoteID)
	assert.Equal(t, "Standup", page.Events[0].Title)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, page.Events[0].ParticipantEmails)
	assert.Empty(t, page.Events[0].Tags)
	assert.False(t, page.Events[0].Deleted)

	assert.Equal(t, "01JCANON", page.Events[1].Tags[classify.TagCanonicalID])
	assert.Equal(t, "owner-1", page.Events[1].Tags[classify.TagOwningUser])

	assert.True(t, page.Events[2].Deleted, "cancelled stubs survive so deletions propagate")
	assert.Equal(t, "evt-3", page.Events[2].RemoteID)

	assert.True(t, page.Events[3].AllDay)
	assert.Equal(t, time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC), page.Events[3].Start)
}

func TestIncrementalList_GoneMeansCursorInvalidated(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	})

	_, err := client.IncrementalList(context.Background(), "token-1", "primary", "stale")
	assert.ErrorIs(t, err, provider.ErrCursorInvalidated)
}

func TestFullList_SendsWindow(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2026-05-01T00:00:00Z", r.URL.Query().Get("timeMin"))
		assert.Equal(t, "2026-08-01T00:00:00Z", r.URL.Query().Get("timeMax"))
		assert.Empty(t, r.URL.Query().Get("syncToken"))
		_, _ = w.Write([]byte(`{"items": [], "nextSyncToken": "fresh-cursor"}`))
	})

	page, err := client.FullList(context.Background(), "token-1", "primary", provider.TimeWindow{
		Start: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "fresh-cursor", page.NextCursor)
	assert.Empty(t, page.Events)
}

func TestCreate_CarriesTagsAndSilencesReminders(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/calendars/overlay-cal/events", r.URL.Path)

		var sent googleEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&sent))
		assert.Equal(t, "Busy", sent.Summary)
		assert.Equal(t, "2026-05-01T09:00:00Z", sent.Start.DateTime)
		require.NotNil(t, sent.ExtendedProperties)
		assert.Equal(t, "01JXAMPLE0000000000000000", sent.ExtendedProperties.Private[classify.TagCanonicalID])
		assert.Equal(t, "edge-1", sent.ExtendedProperties.Private[classify.TagPolicyEdge])
		assert.Equal(t, "abc123", sent.ExtendedProperties.Private[classify.TagContentHash])
		require.NotNil(t, sent.Reminders)
		assert.False(t, sent.Reminders.UseDefault)

		_, _ = w.Write([]byte(`{"id": "created-1"}`))
	})

	remoteID, err := client.Create(context.Background(), "token-1", "overlay-cal", mirrorPayload(), "idem-key")
	require.NoError(t, err)
	assert.Equal(t, "created-1", remoteID)
}

func TestCreate_PrefixesRecurrenceRules(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var sent googleEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&sent))
		assert.Equal(t, []string{"RRULE:FREQ=WEEKLY;BYDAY=MO"}, sent.Recurrence)
		_, _ = w.Write([]byte(`{"id": "created-2"}`))
	})

	payload := mirrorPayload()
	payload.Recurrence = []string{"FREQ=WEEKLY;BYDAY=MO"}
	_, err := client.Create(context.Background(), "token-1", "primary", payload, "idem-key")
	require.NoError(t, err)
}

func TestPatch_RewritesEvent(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/calendars/primary/events/evt-9", r.URL.Path)
		_, _ = w.Write([]byte(`{"id": "evt-9"}`))
	})

	err := client.Patch(context.Background(), "token-1", "primary", "evt-9", mirrorPayload(), "idem-key")
	require.NoError(t, err)
}

func TestDelete_AlreadyGoneIsSuccess(t *testing.T) {
	for _, status := range []int{http.StatusNoContent, http.StatusNotFound, http.StatusGone} {
		client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		})
		assert.NoError(t, client.Delete(context.Background(), "token-1", "primary", "evt-9"))
	}
}

func TestCallErrors_CarryStatusAndBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error": {"message": "quota exceeded"}}`))
	})

	_, err := client.Create(context.Background(), "token-1", "primary", mirrorPayload(), "idem-key")
	var call *provider.CallError
	require.True(t, errors.As(err, &call))
	assert.Equal(t, "google", call.Provider)
	assert.Equal(t, http.StatusForbidden, call.StatusCode)
	assert.Contains(t, call.Body, "quota exceeded")
	assert.True(t, provider.IsTerminal(err))
	assert.False(t, provider.IsTransient(err))
}

func TestResolvePrimaryCalendar(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/me/calendarList", r.URL.Path)
		_, _ = w.Write([]byte(`{"items": [
			{"id": "other@example.com", "summary": "Team"},
			{"id": "me@example.com", "summary": "me@example.com", "primary": true}
		]}`))
	})

	calendarID, err := client.ResolvePrimaryCalendar(context.Background(), "token-1")
	require.NoError(t, err)
	assert.Equal(t, "me@example.com", calendarID)
}

func TestEnsureOverlayCalendar_CreatesOnFirstUse(t *testing.T) {
	created := false
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/users/me/calendarList":
			_, _ = w.Write([]byte(`{"items": [{"id": "primary-id", "primary": true}]}`))
		case r.Method == http.MethodPost && r.URL.Path == "/calendars":
			created = true
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "T-Minus Overlay", body["summary"])
			_, _ = w.Write([]byte(`{"id": "overlay-id"}`))
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	calendarID, err := client.EnsureOverlayCalendar(context.Background(), "token-1", "T-Minus Overlay")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "overlay-id", calendarID)
}

func TestEnsureOverlayCalendar_ReusesExisting(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method, "no create call expected")
		_, _ = w.Write([]byte(`{"items": [{"id": "overlay-id", "summary": "T-Minus Overlay"}]}`))
	})

	calendarID, err := client.EnsureOverlayCalendar(context.Background(), "token-1", "T-Minus Overlay")
	require.NoError(t, err)
	assert.Equal(t, "overlay-id", calendarID)
}

func TestRegisterChannel_TrustsProviderExpiration(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/calendars/primary/events/watch", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.NotEmpty(t, body["id"])
		assert.Equal(t, "web_hook", body["type"])
		assert.Equal(t, "https://tminus.example.com/webhooks/google", body["address"])
		assert.Equal(t, "hook-secret", body["token"])

		_, _ = w.Write([]byte(`{
			"id": "chan-1",
			"resourceId": "res-1",
			"expiration": "1777032000000"
		}`))
	})

	channel, err := client.RegisterChannel(context.Background(), "token-1", provider.ChannelRequest{
		CalendarID:  "primary",
		CallbackURL: "https://tminus.example.com/webhooks/google",
		Token:       "hook-secret",
		TTL:         7 * 24 * time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, "chan-1", channel.ID)
	assert.Equal(t, "res-1", channel.ResourceID)
	assert.Equal(t, "hook-secret", channel.Token)
	assert.Equal(t, time.UnixMilli(1777032000000).UTC(), channel.ExpiresAt)
}

func TestStopChannel_UnknownChannelIsStopped(t *testing.T) {
	stopped := false
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/channels/stop", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "chan-1", body["id"])
		assert.Equal(t, "res-1", body["resourceId"])
		stopped = true
		w.WriteHeader(http.StatusNoContent)
	})

	channel := provider.Channel{ID: "chan-1", ResourceID: "res-1"}
	require.NoError(t, client.StopChannel(context.Background(), "token-1", channel))
	assert.True(t, stopped)

	gone := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	assert.NoError(t, gone.StopChannel(context.Background(), "token-1", channel))
}
