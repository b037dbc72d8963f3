// Package domain holds the per-user calendar graph: canonical events,
// policy edges, mirrors, the append-only journal, scheduling sessions and
// holds. All mutation goes through the user's graph coordinator, so
// aggregates here assume single-writer access.
package domain

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
)

// Event lifecycle status as normalized from providers.
const (
	StatusConfirmed = "confirmed"
	StatusTentative = "tentative"
	StatusCancelled = "cancelled"
)

// CanonicalEvent is the single source of truth for one real-world event in
// one user's graph. Its id is a ULID, assigned at ingestion and never
// reused; provider event ids only ever appear as origin references.
type CanonicalEvent struct {
	id               string
	userID           uuid.UUID
	originAccountID  string
	originRemoteID   string
	title            string
	description      string
	location         string
	start            time.Time
	end              time.Time
	allDay           bool
	status           string
	visibility       string
	transparency     string
	recurrence       []string
	participantHashes []string
	sourceFingerprint string
	version          int
	deleted          bool
	createdAt        time.Time
	updatedAt        time.Time

	domainEvents []sharedDomain.DomainEvent
}

// EventContent is the mutable, provider-sourced portion of a canonical
// event. Ingestion and updates both flow through it.
type EventContent struct {
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
	ParticipantHashes []string
}

// NewCanonicalEvent ingests an origin event into the graph, minting a fresh
// ULID.
func NewCanonicalEvent(userID uuid.UUID, originAccountID, originRemoteID string, content EventContent) (*CanonicalEvent, error) {
	if userID == uuid.Nil {
		return nil, sharedDomain.ErrValidation("user id is required")
	}
	if originAccountID == "" || originRemoteID == "" {
		return nil, sharedDomain.ErrValidation("origin account and remote event id are required")
	}
	if err := validateContent(content); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	e := &CanonicalEvent{
		id:        ulid.Make().String(),
		userID:    userID,
		originAccountID: originAccountID,
		originRemoteID:  originRemoteID,
		status:    StatusConfirmed,
		version:   1,
		createdAt: now,
		updatedAt: now,
	}
	e.applyContent(content)
	e.sourceFingerprint = content.Fingerprint()

	e.recordEvent(NewCanonicalEventUpserted(e.id, e.userID, e.version, true))
	return e, nil
}

// RehydrateCanonicalEvent restores a persisted event without recording
// domain events.
func RehydrateCanonicalEvent(
	id string,
	userID uuid.UUID,
	originAccountID, originRemoteID string,
	content EventContent,
	sourceFingerprint string,
	version int,
	deleted bool,
	createdAt, updatedAt time.Time,
) *CanonicalEvent {
	e := &CanonicalEvent{
		id:        id,
		userID:    userID,
		originAccountID:   originAccountID,
		originRemoteID:    originRemoteID,
		sourceFingerprint: sourceFingerprint,
		version:   version,
		deleted:   deleted,
		createdAt: createdAt,
		updatedAt: updatedAt,
	}
	e.applyContent(content)
	return e
}

func (e *CanonicalEvent) ID() string                  { return e.id }
func (e *CanonicalEvent) UserID() uuid.UUID           { return e.userID }
func (e *CanonicalEvent) OriginAccountID() string     { return e.originAccountID }
func (e *CanonicalEvent) OriginRemoteID() string      { return e.originRemoteID }
func (e *CanonicalEvent) Title() string               { return e.title }
func (e *CanonicalEvent) Description() string         { return e.description }
func (e *CanonicalEvent) Location() string            { return e.location }
func (e *CanonicalEvent) Start() time.Time            { return e.start }
func (e *CanonicalEvent) End() time.Time              { return e.end }
func (e *CanonicalEvent) AllDay() bool                { return e.allDay }
func (e *CanonicalEvent) Status() string              { return e.status }
func (e *CanonicalEvent) Visibility() string          { return e.visibility }
func (e *CanonicalEvent) Transparency() string        { return e.transparency }
func (e *CanonicalEvent) Recurrence() []string        { return e.recurrence }
func (e *CanonicalEvent) ParticipantHashes() []string { return e.participantHashes }
func (e *CanonicalEvent) SourceFingerprint() string   { return e.sourceFingerprint }
func (e *CanonicalEvent) Version() int                { return e.version }
func (e *CanonicalEvent) Deleted() bool               { return e.deleted }
func (e *CanonicalEvent) CreatedAt() time.Time        { return e.createdAt }
func (e *CanonicalEvent) UpdatedAt() time.Time        { return e.updatedAt }

// Busy reports whether the event blocks time: cancelled and transparent
// events do not.
func (e *CanonicalEvent) Busy() bool {
	return !e.deleted && e.status != StatusCancelled && e.transparency != "transparent"
}

// ApplyRemoteUpdate folds a fresh provider read into the event. Returns
// true when anything actually changed; an unchanged fingerprint is a no-op
// so repeated syncs do not churn versions.
func (e *CanonicalEvent) ApplyRemoteUpdate(content EventContent) (bool, error) {
	if e.deleted {
		return false, sharedDomain.ErrInvalidTransition("event %s is deleted", e.id)
	}
	if err := validateContent(content); err != nil {
		return false, err
	}

	fingerprint := content.Fingerprint()
	if fingerprint == e.sourceFingerprint {
		return false, nil
	}

	e.applyContent(content)
	e.sourceFingerprint = fingerprint
	e.version++
	e.updatedAt = time.Now().UTC()
	e.recordEvent(NewCanonicalEventUpserted(e.id, e.userID, e.version, false))
	return true, nil
}

// Tombstone marks the event deleted. The row survives so late mirror
// deletions and journal readers can still resolve the id.
func (e *CanonicalEvent) Tombstone() error {
	if e.deleted {
		return nil
	}
	e.deleted = true
	e.version++
	e.updatedAt = time.Now().UTC()
	e.recordEvent(NewCanonicalEventDeleted(e.id, e.userID, e.version))
	return nil
}

// DomainEvents returns uncommitted domain events.
func (e *CanonicalEvent) DomainEvents() []sharedDomain.DomainEvent {
	return e.domainEvents
}

// ClearDomainEvents drops uncommitted domain events.
func (e *CanonicalEvent) ClearDomainEvents() {
	e.domainEvents = nil
}

func (e *CanonicalEvent) recordEvent(event sharedDomain.DomainEvent) {
	e.domainEvents = append(e.domainEvents, event)
}

func (e *CanonicalEvent) applyContent(content EventContent) {
	e.title = content.Title
	e.description = content.Description
	e.location = content.Location
	e.start = content.Start.UTC().Truncate(time.Millisecond)
	e.end = content.End.UTC().Truncate(time.Millisecond)
	e.allDay = content.AllDay
	e.status = content.Status
	if e.status == "" {
		e.status = StatusConfirmed
	}
	e.visibility = content.Visibility
	e.transparency = content.Transparency
	e.recurrence = content.Recurrence
	hashes := append([]string(nil), content.ParticipantHashes...)
	sort.Strings(hashes)
	e.participantHashes = hashes
}

func validateContent(content EventContent) error {
	if content.Start.IsZero() || content.End.IsZero() {
		return sharedDomain.ErrValidation("event start and end are required")
	}
	if !content.End.After(content.Start) {
		return sharedDomain.ErrValidation("event end must be after start")
	}
	switch content.Status {
	case "", StatusConfirmed, StatusTentative, StatusCancelled:
	default:
		return sharedDomain.ErrValidation("unknown event status %q", content.Status)
	}
	return nil
}

// Fingerprint is a stable digest of the provider-sourced content, used to
// suppress no-op updates.
func (c EventContent) Fingerprint() string {
	hashes := append([]string(nil), c.ParticipantHashes...)
	sort.Strings(hashes)

	h := sha256.New()
	for _, part := range []string{
		c.Title, c.Description, c.Location,
		c.Start.UTC().Format(time.RFC3339Nano),
		c.End.UTC().Format(time.RFC3339Nano),
		boolStr(c.AllDay), c.Status, c.Visibility, c.Transparency,
		strings.Join(c.Recurrence, "\n"),
		strings.Join(hashes, "\n"),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// HashParticipant derives the privacy-preserving participant digest stored
// in place of raw attendee emails: SHA-256 over the user's salt and the
// lowercased address.
func HashParticipant(email, salt string) string {
	normalized := strings.ToLower(strings.TrimSpace(email))
	h := sha256.New()
	h.Write([]byte(salt))
	h.Write([]byte{0})
	h.Write([]byte(normalized))
	return hex.EncodeToString(h.Sum(nil))
}

// NewParticipantSalt mints a random per-user salt.
func NewParticipantSalt() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}
