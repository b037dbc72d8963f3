// Package classify decides what an inbound provider event is: an event the
// user authored (origin), a mirror this deployment wrote for this user
// (managed-own), or somebody else's clone (managed-foreign). The decision is
// total: every payload gets exactly one kind.
package classify

import (
	"github.com/google/uuid"
)

// Tag keys the projection compiler embeds via provider extended properties.
// These are pinned forever; renaming any of them orphans existing mirrors.
const (
	TagCanonicalID = "tminus_canonical_id"
	TagOwningUser  = "tminus_owning_user_id"
	TagPolicyEdge  = "tminus_policy_edge_id"
	TagContentHash = "tminus_content_hash"
)

// Kind is the classification outcome.
type Kind string

const (
	// KindOrigin is an externally authored event: ingest it.
	KindOrigin Kind = "origin"
	// KindManagedOwn is a mirror this deployment wrote for this user: never
	// ingest, only compare drift state.
	KindManagedOwn Kind = "managed-own"
	// KindManagedForeign is a mirror some other user or deployment wrote:
	// skip, but count for sync health.
	KindManagedForeign Kind = "managed-foreign"
	// KindManagedOrphan carries our tags but references a policy edge this
	// deployment no longer knows. Treated as managed-foreign for ingestion
	// and flagged in health.
	KindManagedOrphan Kind = "managed-orphan"
)

// Reason codes recorded in the journal alongside the classification.
const (
	ReasonNoTags         = "no_tags"
	ReasonOwnedEdge      = "owned_edge_registered"
	ReasonForeignOwner   = "foreign_owner"
	ReasonOrphanEdge     = "orphan_edge"
	ReasonMalformedTags  = "malformed_tags"
)

// Result is the classification plus the parsed tag values when present.
type Result struct {
	Kind        Kind
	Reason      string
	CanonicalID string
	EdgeID      string
	ContentHash string
	// Warning marks results that should surface in sync health (malformed
	// tags, orphaned edges).
	Warning bool
}

// Ingestible reports whether the event should flow into canonical ingestion.
func (r Result) Ingestible() bool {
	return r.Kind == KindOrigin
}

// EdgeChecker answers whether a policy edge id is registered for this user.
type EdgeChecker interface {
	EdgeRegistered(edgeID string) bool
}

// EdgeCheckerFunc adapts a function to EdgeChecker.
type EdgeCheckerFunc func(edgeID string) bool

func (f EdgeCheckerFunc) EdgeRegistered(edgeID string) bool { return f(edgeID) }

// Classify applies the rule chain, first match wins:
//  1. tags present, owner == userID, edge registered  → managed-own
//  2. tags present, owner != userID                   → managed-foreign
//  3. tags present, owner == userID, edge unknown     → managed-orphan
//  4. no tags                                         → origin
//
// Malformed tags (present but unparseable) fail closed: managed-foreign
// with a warning, so a broken clone can never be ingested as a new
// canonical event.
func Classify(userID uuid.UUID, edges EdgeChecker, tags map[string]string) Result {
	if !tagged(tags) {
		return Result{Kind: KindOrigin, Reason: ReasonNoTags}
	}

	canonicalID := tags[TagCanonicalID]
	owner := tags[TagOwningUser]
	edgeID := tags[TagPolicyEdge]

	ownerID, err := uuid.Parse(owner)
	if err != nil || canonicalID == "" {
		return Result{
			Kind:    KindManagedForeign,
			Reason:  ReasonMalformedTags,
			Warning: true,
		}
	}

	if ownerID != userID {
		return Result{
			Kind:        KindManagedForeign,
			Reason:      ReasonForeignOwner,
			CanonicalID: canonicalID,
			EdgeID:      edgeID,
		}
	}

	if edgeID == "" || edges == nil || !edges.EdgeRegistered(edgeID) {
		return Result{
			Kind:        KindManagedOrphan,
			Reason:      ReasonOrphanEdge,
			CanonicalID: canonicalID,
			EdgeID:      edgeID,
			ContentHash: tags[TagContentHash],
			Warning:     true,
		}
	}

	return Result{
		Kind:        KindManagedOwn,
		Reason:      ReasonOwnedEdge,
		CanonicalID: canonicalID,
		EdgeID:      edgeID,
		ContentHash: tags[TagContentHash],
	}
}

// tagged reports whether any of our tag keys are present.
func tagged(tags map[string]string) bool {
	if len(tags) == 0 {
		return false
	}
	for _, key := range []string{TagCanonicalID, TagOwningUser, TagPolicyEdge, TagContentHash} {
		if _, ok := tags[key]; ok {
			return true
		}
	}
	return false
}
