package microsoft

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

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClientWithBaseURL(logger, server.URL), server
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

func TestFullList_FollowsNextLinkAndReturnsDeltaLink(t *testing.T) {
	mux := http.NewServeMux()
	client, server := newTestClient(t, mux)

	mux.HandleFunc("/me/calendars/cal-1/calendarView/delta", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		assert.Equal(t, "2026-05-01T00:00:00Z", r.URL.Query().Get("startDateTime"))
		assert.Contains(t, r.URL.Query().Get("$expand"), "com.tminus.mirror")
		_, _ = w.Write([]byte(`{
			"value": [
				{
					"id": "evt-1",
					"subject": "Planning",
					"start": {"dateTime": "2026-05-01T09:00:00.0000000", "timeZone": "UTC"},
					"end": {"dateTime": "2026-05-01T10:00:00.0000000", "timeZone": "UTC"},
					"showAs": "busy",
					"sensitivity": "normal",
					"attendees": [{"emailAddress": {"address": "a@example.com"}}]
				}
			],
			"@odata.nextLink": "` + server.URL + `/page-2"
		}`))
	})
	mux.HandleFunc("/page-2", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{
			"value": [
				{
					"id": "evt-2",
					"subject": "Busy",
					"start": {"dateTime": "2026-05-02T09:00:00.0000000", "timeZone": "UTC"},
					"end": {"dateTime": "2026-05-02T10:00:00.0000000", "timeZone": "UTC"},
					"extensions": [{
						"@odata.type": "#microsoft.graph.openTypeExtension",
						"extensionName": "com.tminus.mirror",
						"tminus_canonical_id": "01JCANON",
						"tminus_owning_user_id": "owner-1"
					}]
				},
				{"id": "evt-3", "@removed": {"reason": "deleted"}}
			],
			"@odata.deltaLink": "` + server.URL + `/delta-next"
		}`))
	})

	page, err := client.FullList(context.Background(), "token-1", "cal-1", provider.TimeWindow{
		Start: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, server.URL+"/delta-next", page.NextCursor)
	require.Len(t, page.Events, 3)

	assert.Equal(t, "Planning", page.Events[0].Title)
	assert.Equal(t, "opaque", page.Events[0].Transparency)
	assert.Equal(t, "default", page.Events[0].Visibility)
	assert.Equal(t, []string{"a@example.com"}, page.Events[0].ParticipantEmails)
	assert.Equal(t, time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC), page.Events[0].Start)
	assert.Empty(t, page.Events[0].Tags)

	assert.Equal(t, "01JCANON", page.Events[1].Tags[classify.TagCanonicalID])
	assert.Equal(t, "owner-1", page.Events[1].Tags[classify.TagOwningUser])

	assert.True(t, page.Events[2].Deleted, "removed stubs survive so deletions propagate")
	assert.Equal(t, "evt-3", page.Events[2].RemoteID)
}

func TestIncrementalList_UsesStoredDeltaLink(t *testing.T) {
	mux := http.NewServeMux()
	client, server := newTestClient(t, mux)
	mux.HandleFunc("/delta-next", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"value": [], "@odata.deltaLink": "` + server.URL + `/delta-after"}`))
	})

	page, err := client.IncrementalList(context.Background(), "token-1", "cal-1", server.URL+"/delta-next")
	require.NoError(t, err)
	assert.Empty(t, page.Events)
	assert.Equal(t, server.URL+"/delta-after", page.NextCursor)
}

func TestIncrementalList_GoneMeansCursorInvalidated(t *testing.T) {
	client, server := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))

	_, err := client.IncrementalList(context.Background(), "token-1", "cal-1", server.URL+"/stale")
	assert.ErrorIs(t, err, provider.ErrCursorInvalidated)
}

func TestCreate_EmbedsTagExtension(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/me/calendars/overlay-cal/events", r.URL.Path)

		var sent map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&sent))
		assert.Equal(t, "Busy", sent["subject"])
		assert.Equal(t, "busy", sent["showAs"])

		extensions, ok := sent["extensions"].([]any)
		require.True(t, ok)
		require.Len(t, extensions, 1)
		ext := extensions[0].(map[string]any)
		assert.Equal(t, "microsoft.graph.openTypeExtension", ext["@odata.type"])
		assert.Equal(t, "com.tminus.mirror", ext["extensionName"])
		assert.Equal(t, "01JXAMPLE0000000000000000", ext[classify.TagCanonicalID])
		assert.Equal(t, "abc123", ext[classify.TagContentHash])

		_, _ = w.Write([]byte(`{"id": "created-1"}`))
	}))

	remoteID, err := client.Create(context.Background(), "token-1", "overlay-cal", mirrorPayload(), "idem-key")
	require.NoError(t, err)
	assert.Equal(t, "created-1", remoteID)
}

func TestPatch_RefreshesExtensionSeparately(t *testing.T) {
	var patchedEvent, patchedExtension bool
	mux := http.NewServeMux()
	client, _ := newTestClient(t, mux)

	mux.HandleFunc("/me/events/evt-9", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		var sent map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&sent))
		_, hasExtensions := sent["extensions"]
		assert.False(t, hasExtensions, "patch body must not carry inline extensions")
		patchedEvent = true
		_, _ = w.Write([]byte(`{"id": "evt-9"}`))
	})
	mux.HandleFunc("/me/events/evt-9/extensions/com.tminus.mirror", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		var sent map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&sent))
		assert.Equal(t, "abc123", sent[classify.TagContentHash])
		patchedExtension = true
		_, _ = w.Write([]byte(`{}`))
	})

	require.NoError(t, client.Patch(context.Background(), "token-1", "cal-1", "evt-9", mirrorPayload(), "idem-key"))
	assert.True(t, patchedEvent)
	assert.True(t, patchedExtension)
}

func TestDelete_AlreadyGoneIsSuccess(t *testing.T) {
	for _, status := range []int{http.StatusNoContent, http.StatusNotFound, http.StatusGone} {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		}))
		assert.NoError(t, client.Delete(context.Background(), "token-1", "cal-1", "evt-9"))
	}
}

func TestResolvePrimaryCalendar(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/me/calendar", r.URL.Path)
		_, _ = w.Write([]byte(`{"id": "default-cal"}`))
	}))

	calendarID, err := client.ResolvePrimaryCalendar(context.Background(), "token-1")
	require.NoError(t, err)
	assert.Equal(t, "default-cal", calendarID)
}

func TestEnsureOverlayCalendar_CreatesOnFirstUse(t *testing.T) {
	created := false
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_, _ = w.Write([]byte(`{"value": [{"id": "default-cal", "name": "Calendar"}]}`))
		case http.MethodPost:
			created = true
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "T-Minus Overlay", body["name"])
			_, _ = w.Write([]byte(`{"id": "overlay-id"}`))
		}
	}))

	calendarID, err := client.EnsureOverlayCalendar(context.Background(), "token-1", "T-Minus Overlay")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "overlay-id", calendarID)
}

func TestRegisterChannel_SubscribesWithClientState(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/subscriptions", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "created,updated,deleted", body["changeType"])
		assert.Equal(t, "/me/calendars/cal-1/events", body["resource"])
		assert.Equal(t, "hook-secret", body["clientState"])
		assert.Equal(t, "https://tminus.example.com/webhooks/microsoft", body["notificationUrl"])

		_, _ = w.Write([]byte(`{
			"id": "sub-1",
			"resource": "/me/calendars/cal-1/events",
			"expirationDateTime": "2026-05-04T12:00:00Z"
		}`))
	}))

	channel, err := client.RegisterChannel(context.Background(), "token-1", provider.ChannelRequest{
		CalendarID:  "cal-1",
		CallbackURL: "https://tminus.example.com/webhooks/microsoft",
		Token:       "hook-secret",
		TTL:         48 * time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, "sub-1", channel.ID)
	assert.Equal(t, "/me/calendars/cal-1/events", channel.ResourceID)
	assert.Equal(t, time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC), channel.ExpiresAt)
}

func TestStopChannel_UnknownSubscriptionIsStopped(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/subscriptions/sub-1", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}))

	err := client.StopChannel(context.Background(), "token-1", provider.Channel{ID: "sub-1"})
	assert.NoError(t, err)
}

func TestCallErrors_CarryStatusAndBody(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"code": "activityLimitReached"}}`))
	}))

	_, err := client.Create(context.Background(), "token-1", "cal-1", mirrorPayload(), "idem-key")
	var call *provider.CallError
	require.True(t, errors.As(err, &call))
	assert.Equal(t, "microsoft", call.Provider)
	assert.Equal(t, http.StatusTooManyRequests, call.StatusCode)
	assert.True(t, provider.IsTransient(err))
}
