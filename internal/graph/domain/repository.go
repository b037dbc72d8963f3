package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CanonicalEventRepository persists canonical events.
type CanonicalEventRepository interface {
	Save(ctx context.Context, event *CanonicalEvent) error
	FindByID(ctx context.Context, id string) (*CanonicalEvent, error)
	FindByOrigin(ctx context.Context, originAccountID, originRemoteID string) (*CanonicalEvent, error)
	FindByUser(ctx context.Context, userID uuid.UUID) ([]*CanonicalEvent, error)
	// FindInWindow returns non-deleted events overlapping [start, end).
	FindInWindow(ctx context.Context, userID uuid.UUID, start, end time.Time) ([]*CanonicalEvent, error)
	// DeleteByUser purges all rows for a user and returns the count.
	DeleteByUser(ctx context.Context, userID uuid.UUID) (int, error)
}

// PolicyEdgeRepository persists policy edges.
type PolicyEdgeRepository interface {
	Save(ctx context.Context, edge *PolicyEdge) error
	FindByID(ctx context.Context, id uuid.UUID) (*PolicyEdge, error)
	FindByUser(ctx context.Context, userID uuid.UUID) ([]*PolicyEdge, error)
	FindBySource(ctx context.Context, userID uuid.UUID, sourceAccountID string) ([]*PolicyEdge, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// MirrorRepository persists mirrors.
type MirrorRepository interface {
	Save(ctx context.Context, mirror *Mirror) error
	FindByID(ctx context.Context, id uuid.UUID) (*Mirror, error)
	FindByCanonical(ctx context.Context, canonicalID string) ([]*Mirror, error)
	FindByCanonicalAndEdge(ctx context.Context, canonicalID string, edgeID uuid.UUID) (*Mirror, error)
	FindByRemote(ctx context.Context, targetAccountID, remoteEventID string) (*Mirror, error)
	FindByTarget(ctx context.Context, targetAccountID string) ([]*Mirror, error)
	DeleteByUser(ctx context.Context, userID uuid.UUID) (int, error)
}

// JournalRepository is the append-only journal store. Append assigns the
// per-user monotonic sequence number.
type JournalRepository interface {
	Append(ctx context.Context, entry *JournalEntry) error
	FindByUser(ctx context.Context, userID uuid.UUID, afterSeq int64, limit int) ([]*JournalEntry, error)
	// PendingFeed returns entries ready for feed publication, oldest first.
	PendingFeed(ctx context.Context, limit int) ([]*JournalEntry, error)
	UpdateFeedState(ctx context.Context, entry *JournalEntry) error
}

// SessionRepository persists scheduling sessions with their candidates.
type SessionRepository interface {
	Save(ctx context.Context, session *SchedulingSession) error
	FindByID(ctx context.Context, id uuid.UUID) (*SchedulingSession, error)
	FindOpen(ctx context.Context) ([]*SchedulingSession, error)
	// FindByParticipant returns every session the user takes part in,
	// newest first.
	FindByParticipant(ctx context.Context, userID uuid.UUID) ([]*SchedulingSession, error)
}

// HoldRepository persists holds.
type HoldRepository interface {
	Save(ctx context.Context, hold *Hold) error
	FindByID(ctx context.Context, id uuid.UUID) (*Hold, error)
	FindBySession(ctx context.Context, sessionID uuid.UUID) ([]*Hold, error)
	FindActiveByUser(ctx context.Context, userID uuid.UUID) ([]*Hold, error)
}

// GovernanceRepository persists vip policies, allocations, commitments,
// receipts and deletion certificates.
type GovernanceRepository interface {
	SaveVIPPolicy(ctx context.Context, policy *VIPPolicy) error
	FindVIPPolicies(ctx context.Context, userID uuid.UUID) ([]*VIPPolicy, error)
	DeleteVIPPolicy(ctx context.Context, id uuid.UUID) error

	// SaveAllocation upserts on canonical id: an event carries at most one
	// active allocation.
	SaveAllocation(ctx context.Context, allocation *Allocation) error
	FindAllocation(ctx context.Context, userID uuid.UUID, canonicalID string) (*Allocation, error)
	FindAllocations(ctx context.Context, userID uuid.UUID) ([]*Allocation, error)
	DeleteAllocation(ctx context.Context, userID uuid.UUID, canonicalID string) error

	// SaveCommitment upserts on (user, client).
	SaveCommitment(ctx context.Context, commitment *Commitment) error
	FindCommitment(ctx context.Context, userID uuid.UUID, client string) (*Commitment, error)
	FindCommitments(ctx context.Context, userID uuid.UUID) ([]*Commitment, error)
	DeleteCommitment(ctx context.Context, userID uuid.UUID, client string) error

	SaveReceipt(ctx context.Context, receipt *CommitmentReceipt) error
	// FindReceipts returns the user's receipt chain oldest first.
	FindReceipts(ctx context.Context, userID uuid.UUID) ([]*CommitmentReceipt, error)
	LatestReceipt(ctx context.Context, userID uuid.UUID) (*CommitmentReceipt, error)

	SaveDeletionCertificate(ctx context.Context, cert *DeletionCertificate) error
	FindDeletionCertificate(ctx context.Context, id uuid.UUID) (*DeletionCertificate, error)
}

// RelationshipRepository persists relationships and interactions.
type RelationshipRepository interface {
	SaveRelationship(ctx context.Context, rel *Relationship) error
	FindRelationship(ctx context.Context, userID uuid.UUID, participantHash string) (*Relationship, error)
	// TopRelationships returns the user's most-met participants.
	TopRelationships(ctx context.Context, userID uuid.UUID, limit int) ([]*Relationship, error)

	SaveInteraction(ctx context.Context, interaction *Interaction) error
	FindInteractions(ctx context.Context, userID uuid.UUID, since time.Time) ([]*Interaction, error)
	// CountMutualConnections counts the distinct other participants the
	// user has shared a meeting with alongside this one.
	CountMutualConnections(ctx context.Context, userID uuid.UUID, participantHash string) (int, error)
}
