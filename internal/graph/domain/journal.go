package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Journal entry types. The journal is the user's append-only history of
// everything the graph did; sequence numbers are assigned by storage and
// strictly increase per user.
const (
	EntryEventUpserted       = "event_upserted"
	EntryEventDeleted        = "event_deleted"
	EntryMirrorWritten       = "mirror_written"
	EntryMirrorDeleted       = "mirror_deleted"
	EntryMirrorFailed        = "mirror_failed"
	EntrySyncSkipped         = "sync_skipped"
	EntryDriftRepaired       = "drift_repaired"
	EntryPolicyChanged       = "policy_changed"
	EntrySessionCreated      = "session_created"
	EntrySessionProposed     = "session_proposed"
	EntrySessionCommitted    = "session_committed"
	EntrySessionCancelled    = "session_cancelled"
	EntrySessionExpired      = "session_expired"
	EntryHoldPlaced          = "hold_placed"
	EntryHoldReleased        = "hold_released"
	EntryAllocationChanged   = "allocation_changed"
	EntryCommitmentChanged   = "commitment_changed"
	EntryReceiptRecorded     = "receipt_recorded"
	EntryAccountConnected    = "account_connected"
	EntryAccountRevoked      = "account_revoked"
	EntryDeletionCertificate = "deletion_certificate"
)

// Feed publication states for a journal entry.
const (
	FeedPending   = "pending"
	FeedPublished = "published"
	FeedFailed    = "failed"
	FeedDead      = "dead"
)

// MaxFeedAttempts is the retry budget before an entry is declared dead.
const MaxFeedAttempts = 5

// JournalEntry is one immutable line in a user's journal. Seq is zero until
// storage assigns it.
type JournalEntry struct {
	Seq         int64
	UserID      uuid.UUID
	EntryType   string
	CanonicalID string
	Payload     json.RawMessage
	OccurredAt  time.Time

	FeedStatus        string
	FeedAttempts      int
	FeedNextAttemptAt *time.Time
	FeedPublishedAt   *time.Time
	FeedLastError     string
}

// NewJournalEntry creates an unpersisted entry.
func NewJournalEntry(userID uuid.UUID, entryType, canonicalID string, payload any) (*JournalEntry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &JournalEntry{
		UserID:      userID,
		EntryType:   entryType,
		CanonicalID: canonicalID,
		Payload:     raw,
		OccurredAt:  time.Now().UTC(),
		FeedStatus:  FeedPending,
	}, nil
}

// RoutingKey is the bus routing key the feed publisher uses for this entry.
func (j *JournalEntry) RoutingKey() string {
	return "journal." + j.EntryType
}

// MarkPublished records successful feed delivery.
func (j *JournalEntry) MarkPublished() {
	now := time.Now().UTC()
	j.FeedStatus = FeedPublished
	j.FeedPublishedAt = &now
	j.FeedLastError = ""
	j.FeedNextAttemptAt = nil
}

// MarkFeedFailed records a delivery failure and schedules the retry with
// exponential backoff. After MaxFeedAttempts the entry goes dead and stops
// being picked up.
func (j *JournalEntry) MarkFeedFailed(reason string, backoffBase time.Duration) {
	j.FeedAttempts++
	j.FeedLastError = reason

	if j.FeedAttempts >= MaxFeedAttempts {
		j.FeedStatus = FeedDead
		j.FeedNextAttemptAt = nil
		return
	}

	j.FeedStatus = FeedFailed
	backoff := backoffBase << (j.FeedAttempts - 1)
	next := time.Now().UTC().Add(backoff)
	j.FeedNextAttemptAt = &next
}
