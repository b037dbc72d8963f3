// Package provider defines the capability surface the pipelines use to talk
// to external calendar systems, and the neutral shapes events cross it in.
// Implementations live in the google, microsoft and ics subpackages; token
// refresh stays in the account context, so every call here takes an already
// minted access token.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/tminus-app/tminus/internal/projection"
)

// ErrCursorInvalidated signals the provider rejected the incremental sync
// cursor; the caller must fall back to a full listing and replace it.
var ErrCursorInvalidated = errors.New("sync cursor invalidated")

// ErrReadOnlyProvider is returned by write operations on feed-only
// providers (CalDAV, ICS).
var ErrReadOnlyProvider = errors.New("provider is read-only")

// NormalizedEvent is the provider-neutral read shape the sync pipeline
// classifies and ingests.
type NormalizedEvent struct {
	RemoteID          string
	Title             string
	Description       string
	Location          string
	Start             time.Time
	End               time.Time
	AllDay            bool
	Status            string
	Visibility        string
	Transparency      string
	Recurrence        []string
	ParticipantEmails []string
	// Tags are the extended-property values carried by managed mirrors;
	// empty for foreign events.
	Tags map[string]string
	// Deleted marks events the incremental feed reports as removed or
	// cancelled.
	Deleted bool
}

// ChangePage is the result of one listing call: the events plus the cursor
// to resume from next sync. Clients page internally; the caller sees the
// whole change set.
type ChangePage struct {
	Events []NormalizedEvent
	// NextCursor is the provider's opaque token for the next incremental
	// sync. Empty when the provider does not hand one out (ICS).
	NextCursor string
}

// TimeWindow bounds a full listing.
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

// Channel is a provider-side webhook registration.
type Channel struct {
	ID         string
	ResourceID string
	Token      string
	ExpiresAt  time.Time
}

// ChannelRequest carries what a registration needs.
type ChannelRequest struct {
	CalendarID  string
	CallbackURL string
	// Token is echoed back on every notification for verification.
	Token string
	TTL   time.Duration
}

// Client is the per-provider capability surface. Access tokens are minted
// by the account coordinator and passed per call; idempotency keys are
// honored where the provider supports them and ignored elsewhere.
type Client interface {
	// ResolvePrimaryCalendar returns the calendar events are read from.
	ResolvePrimaryCalendar(ctx context.Context, accessToken string) (string, error)

	// EnsureOverlayCalendar returns the dedicated busy-overlay calendar,
	// creating it on first use.
	EnsureOverlayCalendar(ctx context.Context, accessToken, name string) (string, error)

	// IncrementalList returns changes since the cursor. A rejected cursor
	// surfaces as ErrCursorInvalidated.
	IncrementalList(ctx context.Context, accessToken, calendarID, cursor string) (ChangePage, error)

	// FullList returns every event in the window plus a fresh cursor.
	FullList(ctx context.Context, accessToken, calendarID string, window TimeWindow) (ChangePage, error)

	// Create writes a new mirror event and returns its remote id.
	Create(ctx context.Context, accessToken, calendarID string, payload projection.Payload, idempotencyKey string) (string, error)

	// Patch rewrites an existing mirror event in place.
	Patch(ctx context.Context, accessToken, calendarID, remoteID string, payload projection.Payload, idempotencyKey string) error

	// Delete removes a mirror event. Deleting an already-gone event is not
	// an error.
	Delete(ctx context.Context, accessToken, calendarID, remoteID string) error

	// RegisterChannel starts webhook notifications for a calendar.
	RegisterChannel(ctx context.Context, accessToken string, req ChannelRequest) (Channel, error)

	// StopChannel tears a webhook channel down.
	StopChannel(ctx context.Context, accessToken string, channel Channel) error
}
