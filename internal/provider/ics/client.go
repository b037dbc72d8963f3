// Package ics implements the provider client for read-only ICS feed
// subscriptions. The calendar id is the feed URL itself; every write
// capability returns ErrReadOnlyProvider.
package ics

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/tminus-app/tminus/internal/projection"
	"github.com/tminus-app/tminus/internal/provider"
	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
)

// Client fetches and parses ICS feeds. Feeds have no change protocol, so
// the sync cursor is the HTTP ETag: an unchanged feed answers 304 and the
// whole listing is skipped.
type Client struct {
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates an ICS feed client.
func NewClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// ResolvePrimaryCalendar is unsupported: the feed URL is captured when the
// account is connected and doubles as the calendar id.
func (c *Client) ResolvePrimaryCalendar(context.Context, string) (string, error) {
	return "", sharedDomain.ErrValidation("ics feeds carry their calendar id as the feed url set at connect time")
}

// EnsureOverlayCalendar is unsupported on feed sources.
func (c *Client) EnsureOverlayCalendar(context.Context, string, string) (string, error) {
	return "", provider.ErrReadOnlyProvider
}

// IncrementalList refetches the feed, short-circuiting on a matching ETag.
func (c *Client) IncrementalList(ctx context.Context, _, feedURL, cursor string) (provider.ChangePage, error) {
	return c.fetch(ctx, feedURL, cursor, provider.TimeWindow{})
}

// FullList refetches the feed and keeps events overlapping the window.
func (c *Client) FullList(ctx context.Context, _, feedURL string, window provider.TimeWindow) (provider.ChangePage, error) {
	return c.fetch(ctx, feedURL, "", window)
}

func (c *Client) fetch(ctx context.Context, feedURL, etag string, window provider.TimeWindow) (provider.ChangePage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return provider.ChangePage{}, err
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return provider.ChangePage{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return provider.ChangePage{NextCursor: etag}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return provider.ChangePage{}, &provider.CallError{
			Provider:   "ics",
			StatusCode: resp.StatusCode,
			Body:       string(body),
		}
	}

	cal, err := ical.NewDecoder(resp.Body).Decode()
	if err != nil {
		return provider.ChangePage{}, fmt.Errorf("decoding ics feed: %w", err)
	}

	page := provider.ChangePage{NextCursor: resp.Header.Get("ETag")}
	for _, child := range cal.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		event, ok := fromComponent(child)
		if !ok {
			continue
		}
		if !window.Start.IsZero() && !overlaps(event, window) {
			continue
		}
		page.Events = append(page.Events, event)
	}
	return page, nil
}

func fromComponent(component *ical.Component) (provider.NormalizedEvent, bool) {
	event := provider.NormalizedEvent{}

	if props := component.Props[ical.PropUID]; len(props) > 0 {
		event.RemoteID = props[0].Value
	}
	if event.RemoteID == "" {
		return event, false
	}
	if props := component.Props[ical.PropSummary]; len(props) > 0 {
		event.Title = props[0].Value
	}
	if props := component.Props[ical.PropDescription]; len(props) > 0 {
		event.Description = props[0].Value
	}
	if props := component.Props[ical.PropLocation]; len(props) > 0 {
		event.Location = props[0].Value
	}
	if props := component.Props[ical.PropStatus]; len(props) > 0 {
		event.Status = strings.ToLower(props[0].Value)
		event.Deleted = event.Status == "cancelled"
	}
	if props := component.Props[ical.PropRecurrenceRule]; len(props) > 0 {
		for _, prop := range props {
			event.Recurrence = append(event.Recurrence, prop.Value)
		}
	}
	for _, prop := range component.Props[ical.PropAttendee] {
		if email := strings.TrimPrefix(strings.ToLower(prop.Value), "mailto:"); email != "" {
			event.ParticipantEmails = append(event.ParticipantEmails, email)
		}
	}

	startProps := component.Props[ical.PropDateTimeStart]
	if len(startProps) == 0 {
		return event, event.Deleted
	}
	event.AllDay = startProps[0].ValueType() == ical.ValueDate

	icalEvent := &ical.Event{Component: component}
	start, err := icalEvent.DateTimeStart(time.UTC)
	if err != nil {
		return event, event.Deleted
	}
	event.Start = start.UTC()

	end, err := icalEvent.DateTimeEnd(time.UTC)
	if err != nil || end.IsZero() {
		// RFC 5545 defaults: DATE events span one day, DATE-TIME events
		// have zero duration.
		if event.AllDay {
			end = start.Add(24 * time.Hour)
		} else {
			end = start
		}
	}
	event.End = end.UTC()
	return event, true
}

func overlaps(event provider.NormalizedEvent, window provider.TimeWindow) bool {
	return event.Start.Before(window.End) && event.End.After(window.Start)
}

// Create is unsupported on feed sources.
func (c *Client) Create(context.Context, string, string, projection.Payload, string) (string, error) {
	return "", provider.ErrReadOnlyProvider
}

// Patch is unsupported on feed sources.
func (c *Client) Patch(context.Context, string, string, string, projection.Payload, string) error {
	return provider.ErrReadOnlyProvider
}

// Delete is unsupported on feed sources.
func (c *Client) Delete(context.Context, string, string, string) error {
	return provider.ErrReadOnlyProvider
}

// RegisterChannel is unsupported: feeds are poll-only.
func (c *Client) RegisterChannel(context.Context, string, provider.ChannelRequest) (provider.Channel, error) {
	return provider.Channel{}, provider.ErrReadOnlyProvider
}

// StopChannel is a no-op: feeds never have channels to stop.
func (c *Client) StopChannel(context.Context, string, provider.Channel) error {
	return nil
}
