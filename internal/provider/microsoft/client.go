// Package microsoft implements the provider client against the Microsoft
// Graph API. Mirror tags travel in an open extension on each event;
// incremental sync uses calendarView delta links.
package microsoft

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tminus-app/tminus/internal/classify"
	"github.com/tminus-app/tminus/internal/projection"
	"github.com/tminus-app/tminus/internal/provider"
)

const defaultBaseURL = "https://graph.microsoft.com/v1.0"

// extensionName identifies our open extension on managed mirrors. Pinned:
// renaming it orphans every mirror already written.
const extensionName = "com.tminus.mirror"

// defaultSubscriptionTTL stays under Graph's ~3 day cap for event
// subscriptions.
const defaultSubscriptionTTL = 71 * time.Hour

// graphDateTime is the fractional-seconds layout Graph uses in event bodies.
const graphDateTime = "2006-01-02T15:04:05.0000000"

// Client talks to the Microsoft Graph calendar API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a Microsoft Graph client.
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

type graphTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphEvent struct {
	ID          string `json:"id,omitempty"`
	Subject     string `json:"subject,omitempty"`
	BodyPreview string `json:"bodyPreview,omitempty"`
	Body        *struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body,omitempty"`
	Location *struct {
		DisplayName string `json:"displayName"`
	} `json:"location,omitempty"`
	Start       *graphTime `json:"start,omitempty"`
	End         *graphTime `json:"end,omitempty"`
	IsAllDay    bool       `json:"isAllDay,omitempty"`
	IsCancelled bool       `json:"isCancelled,omitempty"`
	ShowAs      string     `json:"showAs,omitempty"`
	Sensitivity string     `json:"sensitivity,omitempty"`
	Attendees   []struct {
		EmailAddress struct {
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"attendees,omitempty"`
	Extensions []map[string]any `json:"extensions,omitempty"`
	Removed    *struct {
		Reason string `json:"reason"`
	} `json:"@removed,omitempty"`
}

// toWire translates a neutral mirror payload into Graph's event shape.
// Graph models recurrence structurally rather than as RRULE lines, and
// reads go through calendarView which expands instances, so mirrors are
// written as single events.
func toWire(p projection.Payload) graphEvent {
	event := graphEvent{
		Subject: p.Title,
		ShowAs:  "busy",
	}
	if p.Description != "" {
		event.Body = &struct {
			ContentType string `json:"contentType"`
			Content     string `json:"content"`
		}{ContentType: "text", Content: p.Description}
	}
	if p.Location != "" {
		event.Location = &struct {
			DisplayName string `json:"displayName"`
		}{DisplayName: p.Location}
	}
	if p.AllDay {
		event.IsAllDay = true
		event.Start = &graphTime{DateTime: p.Start.UTC().Format(graphDateTime), TimeZone: "UTC"}
		event.End = &graphTime{DateTime: p.End.UTC().Format(graphDateTime), TimeZone: "UTC"}
	} else {
		event.Start = &graphTime{DateTime: p.Start.UTC().Format(graphDateTime), TimeZone: "UTC"}
		event.End = &graphTime{DateTime: p.End.UTC().Format(graphDateTime), TimeZone: "UTC"}
	}
	if p.Status == "tentative" {
		event.ShowAs = "tentative"
	}
	event.Extensions = []map[string]any{{
		"@odata.type":           "microsoft.graph.openTypeExtension",
		"extensionName":         extensionName,
		classify.TagCanonicalID: p.Tags.CanonicalID,
		classify.TagOwningUser:  p.Tags.OwningUserID,
		classify.TagPolicyEdge:  p.Tags.PolicyEdgeID,
		classify.TagContentHash: p.Tags.ContentHash,
	}}
	return event
}

// fromWire translates a Graph event into the neutral read shape.
func fromWire(item graphEvent) (provider.NormalizedEvent, bool) {
	event := provider.NormalizedEvent{
		RemoteID: item.ID,
		Title:    item.Subject,
		Deleted:  item.Removed != nil || item.IsCancelled,
	}
	if item.Body != nil {
		event.Description = strings.TrimSpace(item.Body.Content)
	} else {
		event.Description = item.BodyPreview
	}
	if item.Location != nil {
		event.Location = item.Location.DisplayName
	}
	switch item.ShowAs {
	case "free":
		event.Transparency = "transparent"
	case "":
	default:
		event.Transparency = "opaque"
	}
	switch item.Sensitivity {
	case "private", "confidential":
		event.Visibility = "private"
	case "normal":
		event.Visibility = "default"
	}
	if item.IsCancelled {
		event.Status = "cancelled"
	} else if item.ID != "" && item.Removed == nil {
		event.Status = "confirmed"
	}
	for _, attendee := range item.Attendees {
		if attendee.EmailAddress.Address != "" {
			event.ParticipantEmails = append(event.ParticipantEmails, attendee.EmailAddress.Address)
		}
	}
	event.Tags = extractTags(item.Extensions)

	if item.Start == nil || item.End == nil {
		// Removed stubs in delta feeds carry only the id.
		return event, event.Deleted
	}
	start, err := parseGraphTime(*item.Start)
	if err != nil {
		return event, event.Deleted
	}
	end, err := parseGraphTime(*item.End)
	if err != nil {
		return event, event.Deleted
	}
	event.Start = start
	event.End = end
	event.AllDay = item.IsAllDay
	return event, true
}

func extractTags(extensions []map[string]any) map[string]string {
	for _, ext := range extensions {
		name, _ := ext["extensionName"].(string)
		if name != extensionName {
			continue
		}
		tags := make(map[string]string, 4)
		for _, key := range []string{classify.TagCanonicalID, classify.TagOwningUser, classify.TagPolicyEdge, classify.TagContentHash} {
			if value, ok := ext[key].(string); ok && value != "" {
				tags[key] = value
			}
		}
		if len(tags) > 0 {
			return tags
		}
	}
	return nil
}

func parseGraphTime(gt graphTime) (time.Time, error) {
	raw := gt.DateTime
	for _, layout := range []string{graphDateTime, "2006-01-02T15:04:05", time.RFC3339} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			// Graph sends wall-clock time plus a zone name; we only ever
			// request UTC.
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable graph time %q", raw)
}

// IncrementalList follows the delta link stored as the cursor. A rejected
// link surfaces as ErrCursorInvalidated.
func (c *Client) IncrementalList(ctx context.Context, accessToken, calendarID, cursor string) (provider.ChangePage, error) {
	return c.listDelta(ctx, accessToken, cursor)
}

// FullList starts a fresh delta round over the window; the returned cursor
// is the delta link for the next incremental sync.
func (c *Client) FullList(ctx context.Context, accessToken, calendarID string, window provider.TimeWindow) (provider.ChangePage, error) {
	query := url.Values{
		"startDateTime": {window.Start.UTC().Format(time.RFC3339)},
		"endDateTime":   {window.End.UTC().Format(time.RFC3339)},
		// Delta responses omit extensions unless asked; without them every
		// managed mirror would classify as an origin event.
		"$expand": {fmt.Sprintf("extensions($filter=id eq '%s')", extensionName)},
	}
	deltaURL := fmt.Sprintf("%s/me/calendars/%s/calendarView/delta?%s",
		c.baseURL, url.PathEscape(calendarID), query.Encode())
	return c.listDelta(ctx, accessToken, deltaURL)
}

func (c *Client) listDelta(ctx context.Context, accessToken, nextURL string) (provider.ChangePage, error) {
	var page provider.ChangePage
	for nextURL != "" {
		resp, err := c.do(ctx, http.MethodGet, nextURL, nil, accessToken)
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
			Value     []graphEvent `json:"value"`
			NextLink  string       `json:"@odata.nextLink"`
			DeltaLink string       `json:"@odata.deltaLink"`
		}
		err = json.NewDecoder(resp.Body).Decode(&body)
		_ = resp.Body.Close()
		if err != nil {
			return provider.ChangePage{}, err
		}

		for _, item := range body.Value {
			if event, ok := fromWire(item); ok {
				page.Events = append(page.Events, event)
			}
		}
		if body.NextLink == "" {
			page.NextCursor = body.DeltaLink
			return page, nil
		}
		nextURL = body.NextLink
	}
	return page, nil
}

// Create writes a mirror event with the tag extension inline. Graph has no
// idempotency-key header; the caller's key only dedupes on our side.
func (c *Client) Create(ctx context.Context, accessToken, calendarID string, payload projection.Payload, _ string) (string, error) {
	body, err := json.Marshal(toWire(payload))
	if err != nil {
		return "", err
	}
	createURL := fmt.Sprintf("%s/me/calendars/%s/events", c.baseURL, url.PathEscape(calendarID))
	resp, err := c.do(ctx, http.MethodPost, createURL, bytes.NewReader(body), accessToken)
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

// Patch rewrites a mirror event in place. The tag extension is dropped from
// the patch body: Graph rejects inline extensions on PATCH, and the values
// on the existing event are immutable for a mirror's lifetime except the
// content hash, which is re-upserted separately.
func (c *Client) Patch(ctx context.Context, accessToken, calendarID, remoteID string, payload projection.Payload, _ string) error {
	event := toWire(payload)
	event.Extensions = nil
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	patchURL := fmt.Sprintf("%s/me/events/%s", c.baseURL, url.PathEscape(remoteID))
	resp, err := c.do(ctx, http.MethodPatch, patchURL, bytes.NewReader(body), accessToken)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return responseError(resp)
	}
	return c.upsertTagExtension(ctx, accessToken, remoteID, payload.Tags)
}

// upsertTagExtension refreshes the content hash on the mirror's open
// extension after a patch.
func (c *Client) upsertTagExtension(ctx context.Context, accessToken, remoteID string, tags projection.Tags) error {
	body, err := json.Marshal(map[string]any{
		"@odata.type":           "microsoft.graph.openTypeExtension",
		"extensionName":         extensionName,
		classify.TagCanonicalID: tags.CanonicalID,
		classify.TagOwningUser:  tags.OwningUserID,
		classify.TagPolicyEdge:  tags.PolicyEdgeID,
		classify.TagContentHash: tags.ContentHash,
	})
	if err != nil {
		return err
	}
	extURL := fmt.Sprintf("%s/me/events/%s/extensions/%s",
		c.baseURL, url.PathEscape(remoteID), url.PathEscape(extensionName))
	resp, err := c.do(ctx, http.MethodPatch, extURL, bytes.NewReader(body), accessToken)
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
	deleteURL := fmt.Sprintf("%s/me/events/%s", c.baseURL, url.PathEscape(remoteID))
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

// ResolvePrimaryCalendar returns the account's default calendar.
func (c *Client) ResolvePrimaryCalendar(ctx context.Context, accessToken string) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, c.baseURL+"/me/calendar", nil, accessToken)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", responseError(resp)
	}

	var calendar struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&calendar); err != nil {
		return "", err
	}
	return calendar.ID, nil
}

// EnsureOverlayCalendar returns the overlay calendar with the given name,
// creating it on first use.
func (c *Client) EnsureOverlayCalendar(ctx context.Context, accessToken, name string) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, c.baseURL+"/me/calendars", nil, accessToken)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", responseError(resp)
	}
	var listing struct {
		Value []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"value"`
	}
	err = json.NewDecoder(resp.Body).Decode(&listing)
	_ = resp.Body.Close()
	if err != nil {
		return "", err
	}
	for _, calendar := range listing.Value {
		if calendar.Name == name {
			return calendar.ID, nil
		}
	}

	body, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return "", err
	}
	resp, err = c.do(ctx, http.MethodPost, c.baseURL+"/me/calendars", bytes.NewReader(body), accessToken)
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

// RegisterChannel creates a Graph subscription for the calendar's events.
// The verification token travels as clientState and comes back on every
// notification.
func (c *Client) RegisterChannel(ctx context.Context, accessToken string, req provider.ChannelRequest) (provider.Channel, error) {
	ttl := req.TTL
	if ttl <= 0 || ttl > defaultSubscriptionTTL {
		ttl = defaultSubscriptionTTL
	}
	resource := fmt.Sprintf("/me/calendars/%s/events", req.CalendarID)
	body, err := json.Marshal(map[string]string{
		"changeType":         "created,updated,deleted",
		"notificationUrl":    req.CallbackURL,
		"resource":           resource,
		"clientState":        req.Token,
		"expirationDateTime": time.Now().Add(ttl).UTC().Format(time.RFC3339),
	})
	if err != nil {
		return provider.Channel{}, err
	}

	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/subscriptions", bytes.NewReader(body), accessToken)
	if err != nil {
		return provider.Channel{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return provider.Channel{}, responseError(resp)
	}

	var created struct {
		ID                 string `json:"id"`
		Resource           string `json:"resource"`
		ExpirationDateTime string `json:"expirationDateTime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return provider.Channel{}, err
	}

	channel := provider.Channel{
		ID:         created.ID,
		ResourceID: created.Resource,
		Token:      req.Token,
		ExpiresAt:  time.Now().Add(ttl).UTC(),
	}
	if expires, err := time.Parse(time.RFC3339, created.ExpirationDateTime); err == nil {
		channel.ExpiresAt = expires.UTC()
	}
	return channel, nil
}

// StopChannel deletes the subscription. Unknown subscriptions count as
// stopped.
func (c *Client) StopChannel(ctx context.Context, accessToken string, channel provider.Channel) error {
	stopURL := fmt.Sprintf("%s/subscriptions/%s", c.baseURL, url.PathEscape(channel.ID))
	resp, err := c.do(ctx, http.MethodDelete, stopURL, nil, accessToken)
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
	req.Header.Set("Prefer", `outlook.timezone="UTC"`)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

func responseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &provider.CallError{
		Provider:   "microsoft",
		StatusCode: resp.StatusCode,
		Body:       string(body),
	}
}
