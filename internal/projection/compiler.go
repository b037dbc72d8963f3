// Package projection compiles canonical events into provider-ready mirror
// payloads. Compilation is pure: identical inputs always produce a
// byte-identical payload, the same content hash, and the same idempotency
// key.
package projection

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
)

// DetailLevel controls how much of the canonical event survives projection.
type DetailLevel string

const (
	DetailBusy  DetailLevel = "BUSY"
	DetailTitle DetailLevel = "TITLE"
	DetailFull  DetailLevel = "FULL"
)

// IsValid reports whether the detail level is a known value.
func (d DetailLevel) IsValid() bool {
	switch d {
	case DetailBusy, DetailTitle, DetailFull:
		return true
	}
	return false
}

// CalendarKind selects the target calendar for a mirror.
type CalendarKind string

const (
	// KindBusyOverlay writes into a dedicated side calendar provisioned in
	// the target account.
	KindBusyOverlay CalendarKind = "BUSY_OVERLAY"
	// KindPrimaryMirror writes into the target account's primary calendar.
	KindPrimaryMirror CalendarKind = "PRIMARY_MIRROR"
)

// IsValid reports whether the calendar kind is a known value.
func (k CalendarKind) IsValid() bool {
	return k == KindBusyOverlay || k == KindPrimaryMirror
}

// OperationKind is the logical write operation an idempotency key covers.
type OperationKind string

const (
	OpCreate OperationKind = "create"
	OpPatch  OperationKind = "patch"
	OpDelete OperationKind = "delete"
)

// Source is the compiler's view of a canonical event. It deliberately
// excludes attendee emails: participant data never reaches a projection.
type Source struct {
	CanonicalID   string
	OwnerUserID   string
	OriginAccount string
	Title         string
	Description   string
	Location      string
	Start         time.Time
	End           time.Time
	AllDay        bool
	Status        string
	Recurrence    []string
	Version       int
}

// Edge is the policy edge being projected along.
type Edge struct {
	ID            string
	SourceAccount string
	TargetAccount string
	Detail        DetailLevel
	Kind          CalendarKind
}

// Tags are the provider-side extended properties every managed mirror
// carries. They are the only authoritative signal the classifier uses, and
// the key names are pinned forever.
type Tags struct {
	CanonicalID  string `json:"canonical_id"`
	OwningUserID string `json:"owning_user_id"`
	PolicyEdgeID string `json:"policy_edge_id"`
	ContentHash  string `json:"content_hash"`
}

// Payload is a provider-neutral mirror event. Provider clients translate it
// into their own wire shape; the tags travel via each provider's private
// extension mechanism.
type Payload struct {
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	AllDay      bool      `json:"all_day"`
	Status      string    `json:"status,omitempty"`
	Recurrence  []string  `json:"recurrence,omitempty"`
	// Tags ride along for provider clients and queue transport; they are
	// excluded from the content hash.
	Tags Tags `json:"tags"`
}

// Compiler turns canonical events into mirror payloads.
type Compiler struct {
	busyTitle string
}

// NewCompiler creates a compiler. busyTitle is the localized marker used for
// BUSY-level mirrors; empty selects "Busy".
func NewCompiler(busyTitle string) *Compiler {
	if busyTitle == "" {
		busyTitle = "Busy"
	}
	return &Compiler{busyTitle: busyTitle}
}

// Compile produces the payload and content hash for projecting src along
// edge. It fails only on malformed input.
func (c *Compiler) Compile(src Source, edge Edge) (Payload, string, error) {
	if src.CanonicalID == "" {
		return Payload{}, "", sharedDomain.ErrValidation("canonical id is required")
	}
	if src.Start.IsZero() || src.End.IsZero() {
		return Payload{}, "", sharedDomain.ErrValidation("event start and end are required")
	}
	if !src.End.After(src.Start) {
		return Payload{}, "", sharedDomain.ErrValidation("event end %s is not after start %s", src.End, src.Start)
	}
	if !edge.Detail.IsValid() {
		return Payload{}, "", sharedDomain.ErrValidation("unknown detail level %q", edge.Detail)
	}
	if !edge.Kind.IsValid() {
		return Payload{}, "", sharedDomain.ErrValidation("unknown calendar kind %q", edge.Kind)
	}

	p := Payload{
		Start:  src.Start.UTC().Truncate(time.Millisecond),
		End:    src.End.UTC().Truncate(time.Millisecond),
		AllDay: src.AllDay,
		Status: src.Status,
	}

	switch edge.Detail {
	case DetailBusy:
		// Strip everything identifying; mirror is an opaque time block.
		p.Title = c.busyTitle
	case DetailTitle:
		p.Title = src.Title
	case DetailFull:
		p.Title = src.Title
		p.Description = src.Description
		p.Location = src.Location
		if len(src.Recurrence) > 0 {
			rules, err := validateRecurrence(src.Recurrence)
			if err != nil {
				return Payload{}, "", sharedDomain.WrapCoded(sharedDomain.CodeValidation, err, "invalid recurrence")
			}
			p.Recurrence = rules
		}
	}

	hash, err := contentHash(p)
	if err != nil {
		return Payload{}, "", sharedDomain.ErrInternal(err, "hashing projection payload")
	}

	p.Tags = Tags{
		CanonicalID:  src.CanonicalID,
		OwningUserID: src.OwnerUserID,
		PolicyEdgeID: edge.ID,
		ContentHash:  hash,
	}
	return p, hash, nil
}

// IdempotencyKey derives the deterministic key for a logical write. Retries
// of the same write reuse the same key.
func IdempotencyKey(canonicalID, targetAccount, edgeID, mirrorRemoteID string, op OperationKind) string {
	h := sha256.New()
	for _, part := range []string{canonicalID, targetAccount, edgeID, mirrorRemoteID, string(op)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// HashPayload computes the content hash of an arbitrary payload. The sync
// pipeline uses it to hash provider-observed mirror content for drift
// comparison against the intended hash.
func HashPayload(p Payload) (string, error) {
	return contentHash(p)
}

// contentHash computes SHA-256 over the canonicalized JSON form of the
// payload: sorted keys, UTC instants at millisecond precision.
func contentHash(p Payload) (string, error) {
	canonical := map[string]any{
		"title":    p.Title,
		"start":    p.Start.UTC().Format("2006-01-02T15:04:05.000Z"),
		"end":      p.End.UTC().Format("2006-01-02T15:04:05.000Z"),
		"all_day":  p.AllDay,
		"status":   p.Status,
	}
	if p.Description != "" {
		canonical["description"] = p.Description
	}
	if p.Location != "" {
		canonical["location"] = p.Location
	}
	if len(p.Recurrence) > 0 {
		canonical["recurrence"] = p.Recurrence
	}

	// encoding/json sorts map keys, which gives us the canonical byte form.
	raw, err := json.Marshal(canonical)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// validateRecurrence checks each RRULE line and returns them unchanged.
func validateRecurrence(rules []string) ([]string, error) {
	out := make([]string, 0, len(rules))
	for _, raw := range rules {
		rule := strings.TrimPrefix(strings.TrimSpace(raw), "RRULE:")
		if rule == "" {
			continue
		}
		if _, err := rrule.StrToRRule(rule); err != nil {
			return nil, fmt.Errorf("rule %q: %w", raw, err)
		}
		out = append(out, rule)
	}
	return out, nil
}
