// Package google implements the provider client against the Google
// Calendar v3 REST API. Mirror tags travel in
// extendedProperties.private; incremental sync uses syncToken.
package google

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tminus-app/tminus/internal/classify"
	"github.com/tminus-app/tminus/internal/projection"
	"github.com/tminus-app/tminus/internal/provider"
)

const defaultBaseURL = "https://www.googleapis.com/calendar/v3"

// defaultChannelTTL asks for a week; Google caps watch channels around
// there anyway.
const defaultChannelTTL = 7 * 24 * time.Hour

// Client talks to the Google Calendar API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a Google Calendar client.
func NewClient(logger *slog.Logger) *Client {
	return NewClientWithBaseURL(logger, "")
}

// NewClientWithBaseURL creates a client against a custom base URL. Tests
// point this at an httptest server.
func NewClientWithBaseURL(logger *slog.Logger, baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

type googleTime struct {
	DateTime string `json:"dateTime,omitempty"`
	Date     string `json:"date,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

type googleEvent struct {
	ID                 string     `json:"id,omitempty"`
	Summary            string     `json:"summary,omitempty"`
	Description        string     `json:"description,omitempty"`
	Location           string     `json:"location,omitempty"`
	Status             string     `json:"status,omitempty"`
	Visibility         string     `json:"visibility,omitempty"`
	Transparency       string     `json:"transparency,omitempty"`
	Recurrence         []string   `json:"recurrence,omitempty"`
	Start              googleTime `json:"start,omitempty"`
	End                googleTime `json:"end,omitempty"`
	ExtendedProperties *struct {
		Private map[string]string `json:"private,omitempty"`
	} `json:"extendedProperties,omitempty"`
	Attendees []struct {
		Email string `json:"email"`
	} `json:"attendees,omitempty"`
	Reminders *struct {
		UseDefault bool `json:"useDefault"`
	} `json:"reminders,omitempty"`
}

// toWire translates a neutral mirror payload into Google's event shape.
// Mirrors never ring reminders on the target calendar.
func toWire(p projection.Payload) googleEvent {
	event := googleEvent{
		Summary:     p.Title,
		Description: p.Description,
		Location:    p.Location,
		Status:      p.Status,
		Reminders:   &struct {
			UseDefault bool `json:"useDefault"`
		}{UseDefault: false},
	}
	// Payload rules are bare; Google wants full RRULE lines.
	for _, rule := range p.Recurrence {
		event.Recurrence = append(event.Recurrence, "RRULE:"+rule)
	}
	if p.AllDay {
		event.Start = googleTime{Date: p.Start.UTC().Format("2006-01-02")}
		event.End = googleTime{Date: p.End.UTC().Format("2006-01-02")}
	} else {
		event.Start = googleTime{DateTime: p.Start.UTC().Format(time.RFC3339)}
		event.End = googleTime{DateTime: p.End.UTC().Format(time.RFC3339)}
	}
	event.ExtendedProperties = &struct {
		Private map[string]string `json:"private,omitempty"`
	}{Private: map[string]string{
		classify.TagCanonicalID: p.Tags.CanonicalID,
		classify.TagOwningUser:  p.Tags.OwningUserID,
		classify.TagPolicyEdge:  p.Tags.PolicyEdgeID,
		classify.TagContentHash: p.Tags.ContentHash,
	}}
	return event
}

// fromWire translates a Google event into the neutral read shape.
func fromWire(item googleEvent) (provider.NormalizedEvent, bool) {
	event := provider.NormalizedEvent{
		RemoteID:     item.ID,
		Title:        item.Summary,
		Description:  item.Description,
		Location:     item.Location,
		Status:       item.Status,
		Visibility:   item.Visibility,
		Transparency: item.Transparency,
		Recurrence:   item.Recurrence,
		Deleted:      item.Status == "cancelled",
	}
	if item.ExtendedProperties != nil && len(item.ExtendedProperties.Private) > 0 {
		event.Tags = item.ExtendedProperties.Private
	}
	for _, attendee := range item.Attendees {
		if attendee.Email != "" {
			event.ParticipantEmails = append(event.ParticipantEmails, attendee.Email)
		}
	}

	switch {
	case item.Start.DateTime != "" && item.End.DateTime != "":
		start, err := time.Parse(time.RFC3339, item.Start.DateTime)
		if err != nil {
			return event, event.Deleted
		}
		end, err := time.Parse(time.RFC3339, item.End.DateTime)
		if err != nil {
			return event, event.Deleted
		}
		event.Start = start.UTC()
		event.End = end.UTC()
	case item.Start.Date != "" && item.End.Date != "":
		start, err := time.Parse("2006-01-02", item.Start.Date)
		if err != nil {
			return event, event.Deleted
		}
		end, err := time.Parse("2006-01-02", item.End.Date)
		if err != nil {
			return event, event.Deleted
		}
		event.Start = start.UTC()
		event.End = end.UTC()
		event.AllDay = true
	default:
		// Cancelled stubs in incremental feeds carry no times; keep them
		// so deletions propagate.
		return event, event.Deleted
	}
	return event, true
}

// IncrementalList pages through changes since the sync token. A 410
// response means the token aged out and surfaces as ErrCursorInvalidated.
func (c *Client) IncrementalList(ctx context.Context, accessToken, calendarID, cursor string) (provider.ChangePage, error) {
	query := url.Values{
		"syncToken":   {cursor},
		"showDeleted": {"true"},
	}
	return c.listEvents(ctx, accessToken, calendarID, query)
}

// FullList pages through every event in the window and returns a fresh
// sync token.
func (c *Client) FullList(ctx context.Context, accessToken, calendarID string, window provider.TimeWindow) (provider.ChangePage, error) {
	query := url.Values{
		"timeMin":     {window.Start.UTC().Format(time.RFC3339)},
		"timeMax":     {window.End.UTC().Format(time.RFC3339)},
		"showDeleted": {"true"},
	}
	return c.listEvents(ctx, accessToken, calendarID, query)
}

func (c *Client) listEvents(ctx context.Context, accessToken, calendarID string, query url.Values) (provider.ChangePage, error) {
	var page provider.ChangePage
	pageToken := ""
	for {
		q := url.Values{}
		for key, values := range query {
			q[key] = values
		}
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}
		listURL := fmt.Sprintf("%s/calendars/%s/events?%s", c.baseURL, url.PathEscape(calendarID), q.Encode())

		resp, err := c.do(ctx, http.MethodGet, listURL, nil, accessToken)
		if err != nil {
			return provider.ChangePage{}, err
		}
		if resp.StatusCode == http.StatusGone {
			_ = resp.Body.Close()
			return provider.ChangePage{}, provider.ErrCursorInvalidated
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return provider.ChangePage{}, responseError(resp)
		}

		var body struct {
			Items         []googleEvent `json:"items"`
			NextPageToken string        `json:"nextPageToken"`
			NextSyncToken string        `json:"nextSyncToken"`
		}
		err = json.NewDecoder(resp.Body).Decode(&body)
		_ = resp.Body.Close()
		if err != nil {
			return provider.ChangePage{}, err
		}

		for _, item := range body.Items {
			if event, ok := fromWire(item); ok {
				page.Events = append(page.Events, event)
			}
		}
		if body.NextPageToken == "" {
			page.NextCursor = body.NextSyncToken
			return page, nil
		}
		pageToken = body.NextPageToken
	}
}

// Create writes a mirror event. Google has no idempotency-key header; the
// caller's key only dedupes on our side.
func (c *Client) Create(ctx context.Context, accessToken, calendarID string, payload projection.Payload, _ string) (string, error) {
	body, err := json.Marshal(toWire(payload))
	if err != nil {
		return "", err
	}
	insertURL := fmt.Sprintf("%s/calendars/%s/events", c.baseURL, url.PathEscape(calendarID))
	resp, err := c.do(ctx, http.MethodPost, insertURL, bytes.NewReader(body), accessToken)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", responseError(resp)
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", err
	}
	return created.ID, nil
}

// Patch rewrites a mirror event in place.
func (c *Client) Patch(ctx context.Context, accessToken, calendarID, remoteID string, payload projection.Payload, _ string) error {
	body, err := json.Marshal(toWire(payload))
	if err != nil {
		return err
	}
	patchURL := fmt.Sprintf("%s/calendars/%s/events/%s", c.baseURL, url.PathEscape(calendarID), url.PathEscape(remoteID))
	resp, err := c.do(ctx, http.MethodPatch, patchURL, bytes.NewReader(body), accessToken)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return responseError(resp)
	}
	return nil
}

// Delete removes a mirror event. Already-gone targets count as success.
func (c *Client) Delete(ctx context.Context, accessToken, calendarID, remoteID string) error {
	deleteURL := fmt.Sprintf("%s/calendars/%s/events/%s", c.baseURL, url.PathEscape(calendarID), url.PathEscape(remoteID))
	resp, err := c.do(ctx, http.MethodDelete, deleteURL, nil, accessToken)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return responseError(resp)
	}
	return nil
}

// ResolvePrimaryCalendar finds the calendar flagged primary in the user's
// calendar list.
func (c *Client) ResolvePrimaryCalendar(ctx context.Context, accessToken string) (string, error) {
	items, err := c.listCalendars(ctx, accessToken)
	if err != nil {
		return "", err
	}
	for _, item := range items {
		if item.Primary {
			return item.ID, nil
		}
	}
	return "primary", nil
}

// EnsureOverlayCalendar returns the overlay calendar with the given name,
// creating it on first use.
func (c *Client) EnsureOverlayCalendar(ctx context.Context, accessToken, name string) (string, error) {
	items, err := c.listCalendars(ctx, accessToken)
	if err != nil {
		return "", err
	}
	for _, item := range items {
		if item.Summary == name {
			return item.ID, nil
		}
	}

	body, err := json.Marshal(map[string]string{"summary": name})
	if err != nil {
		return "", err
	}
	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/calendars", bytes.NewReader(body), accessToken)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", responseError(resp)
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", err
	}
	c.logger.Info("overlay calendar created", "calendar_id", created.ID)
	return created.ID, nil
}

type calendarListItem struct {
	ID      string `json:"id"`
	Summary string `json:"summary"`
	Primary bool   `json:"primary"`
}

func (c *Client) listCalendars(ctx context.Context, accessToken string) ([]calendarListItem, error) {
	resp, err := c.do(ctx, http.MethodGet, c.baseURL+"/users/me/calendarList", nil, accessToken)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, responseError(resp)
	}

	var body struct {
		Items []calendarListItem `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.Items, nil
}

// RegisterChannel starts push notifications for a calendar.
func (c *Client) RegisterChannel(ctx context.Context, accessToken string, req provider.ChannelRequest) (provider.Channel, error) {
	ttl := req.TTL
	if ttl <= 0 {
		ttl = defaultChannelTTL
	}
	payload := map[string]any{
		"id":         uuid.New().String(),
		"type":       "web_hook",
		"address":    req.CallbackURL,
		"token":      req.Token,
		"expiration": time.Now().Add(ttl).UnixMilli(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return provider.Channel{}, err
	}

	watchURL := fmt.Sprintf("%s/calendars/%s/events/watch", c.baseURL, url.PathEscape(req.CalendarID))
	resp, err := c.do(ctx, http.MethodPost, watchURL, bytes.NewReader(body), accessToken)
	if err != nil {
		return provider.Channel{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return provider.Channel{}, responseError(resp)
	}

	var created struct {
		ID         string `json:"id"`
		ResourceID string `json:"resourceId"`
		Expiration string `json:"expiration"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return provider.Channel{}, err
	}

	channel := provider.Channel{
		ID:         created.ID,
		ResourceID: created.ResourceID,
		Token:      req.Token,
		ExpiresAt:  time.Now().Add(ttl),
	}
	// Google may shorten the requested expiration; trust its answer.
	if ms, err := strconv.ParseInt(created.Expiration, 10, 64); err == nil && ms > 0 {
		channel.ExpiresAt = time.UnixMilli(ms).UTC()
	}
	return channel, nil
}

// StopChannel tears down a push channel. Unknown channels count as stopped.
func (c *Client) StopChannel(ctx context.Context, accessToken string, channel provider.Channel) error {
	body, err := json.Marshal(map[string]string{
		"id":         channel.ID,
		"resourceId": channel.ResourceID,
	})
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/channels/stop", bytes.NewReader(body), accessToken)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return responseError(resp)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, rawURL string, body io.Reader, accessToken string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

func responseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &provider.CallError{
		Provider:   "google",
		StatusCode: resp.StatusCode,
		Body:       string(body),
	}
}
