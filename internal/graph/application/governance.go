package application

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tminus-app/tminus/internal/graph/domain"
	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
)

// SetVIP marks a hashed participant as a VIP.
func (c *Coordinator) SetVIP(ctx context.Context, participantHash, label string, priority int) (*domain.VIPPolicy, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	policy, err := domain.NewVIPPolicy(c.userID, participantHash, label, priority)
	if err != nil {
		return nil, err
	}
	if err := c.repos.Governance.SaveVIPPolicy(ctx, policy); err != nil {
		return nil, err
	}
	return policy, nil
}

// ListVIPs returns the user's VIP policies.
func (c *Coordinator) ListVIPs(ctx context.Context) ([]*domain.VIPPolicy, error) {
	return c.repos.Governance.FindVIPPolicies(ctx, c.userID)
}

// RemoveVIP deletes a VIP policy.
func (c *Coordinator) RemoveVIP(ctx context.Context, policyID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.repos.Governance.DeleteVIPPolicy(ctx, policyID)
}

// RecordCommitmentReceipt chains a receipt for a committed meeting.
func (c *Coordinator) RecordCommitmentReceipt(ctx context.Context, canonicalID string, sessionID uuid.UUID) (*domain.CommitmentReceipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := ""
	latest, err := c.repos.Governance.LatestReceipt(ctx, c.userID)
	if err != nil && !sharedDomain.HasCode(err, sharedDomain.CodeNotFound) {
		return nil, err
	}
	if latest != nil {
		prev = latest.ProofHash
	}

	receipt, err := domain.NewCommitmentReceipt(c.userID, canonicalID, sessionID, prev)
	if err != nil {
		return nil, err
	}
	if err := c.repos.Governance.SaveReceipt(ctx, receipt); err != nil {
		return nil, err
	}
	c.journal(ctx, domain.EntryReceiptRecorded, canonicalID, map[string]any{
		"receipt_id": receipt.ID.String(),
		"session_id": sessionID.String(),
		"proof_hash": receipt.ProofHash,
	})
	return receipt, nil
}

// ReceiptProof is the exportable, independently verifiable receipt chain.
type ReceiptProof struct {
	UserID      uuid.UUID                   `json:"user_id"`
	GeneratedAt time.Time                   `json:"generated_at"`
	Verified    bool                        `json:"verified"`
	Receipts    []*domain.CommitmentReceipt `json:"receipts"`
}

// ExportReceiptProof returns the full chain with its verification result.
// A false Verified means storage was tampered with.
func (c *Coordinator) ExportReceiptProof(ctx context.Context) (*ReceiptProof, error) {
	chain, err := c.repos.Governance.FindReceipts(ctx, c.userID)
	if err != nil {
		return nil, err
	}
	return &ReceiptProof{
		UserID:      c.userID,
		GeneratedAt: time.Now().UTC(),
		Verified:    domain.VerifyReceiptChain(chain),
		Receipts:    chain,
	}, nil
}

// SetAllocation bills a canonical event to a client. An event carries at
// most one active allocation; re-allocating replaces the previous one.
func (c *Coordinator) SetAllocation(ctx context.Context, canonicalID, client, category string, hourlyRate float64) (*domain.Allocation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	event, err := c.repos.Events.FindByID(ctx, canonicalID)
	if err != nil {
		return nil, err
	}
	if event.UserID() != c.userID {
		return nil, sharedDomain.ErrNotFound("event %s not found", canonicalID)
	}
	if event.Deleted() {
		return nil, sharedDomain.ErrValidation("cannot allocate deleted event %s", canonicalID)
	}

	allocation, err := domain.NewAllocation(c.userID, canonicalID, client, category, hourlyRate)
	if err != nil {
		return nil, err
	}
	if err := c.repos.Governance.SaveAllocation(ctx, allocation); err != nil {
		return nil, err
	}
	c.journal(ctx, domain.EntryAllocationChanged, canonicalID, map[string]any{
		"client":   client,
		"category": category,
	})
	return allocation, nil
}

// Allocation returns the billing allocation of one event, if any.
func (c *Coordinator) Allocation(ctx context.Context, canonicalID string) (*domain.Allocation, error) {
	return c.repos.Governance.FindAllocation(ctx, c.userID, canonicalID)
}

// ListAllocations returns the user's allocations.
func (c *Coordinator) ListAllocations(ctx context.Context) ([]*domain.Allocation, error) {
	return c.repos.Governance.FindAllocations(ctx, c.userID)
}

// RemoveAllocation unbills an event.
func (c *Coordinator) RemoveAllocation(ctx context.Context, canonicalID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.repos.Governance.DeleteAllocation(ctx, c.userID, canonicalID); err != nil {
		return err
	}
	c.journal(ctx, domain.EntryAllocationChanged, canonicalID, map[string]any{
		"client": "",
	})
	return nil
}

// SetCommitment sets (or replaces) a client's rolling-window hours target.
func (c *Coordinator) SetCommitment(ctx context.Context, client string, targetHours float64, windowDays int) (*domain.Commitment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	commitment, err := domain.NewCommitment(c.userID, client, targetHours, windowDays)
	if err != nil {
		return nil, err
	}
	if err := c.repos.Governance.SaveCommitment(ctx, commitment); err != nil {
		return nil, err
	}
	c.journal(ctx, domain.EntryCommitmentChanged, "", map[string]any{
		"client":       client,
		"target_hours": targetHours,
		"window_days":  windowDays,
	})
	return commitment, nil
}

// Commitments returns the user's client commitments.
func (c *Coordinator) Commitments(ctx context.Context) ([]*domain.Commitment, error) {
	return c.repos.Governance.FindCommitments(ctx, c.userID)
}

// RemoveCommitment drops a client's target.
func (c *Coordinator) RemoveCommitment(ctx context.Context, client string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.repos.Governance.DeleteCommitment(ctx, c.userID, client); err != nil {
		return err
	}
	c.journal(ctx, domain.EntryCommitmentChanged, "", map[string]any{
		"client":  client,
		"removed": true,
	})
	return nil
}

// CommitmentStatus reports progress against one client's target over its
// rolling window ending at now.
type CommitmentStatus struct {
	Client      string    `json:"client"`
	TargetHours float64   `json:"target_hours"`
	ActualHours float64   `json:"actual_hours"`
	Compliant   bool      `json:"compliant"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	EventCount  int       `json:"event_count"`
}

// GetCommitmentStatus sums the client's allocated meeting time over the
// commitment's rolling window. Events straddling a window edge count only
// for the part inside it.
func (c *Coordinator) GetCommitmentStatus(ctx context.Context, client string, now time.Time) (*CommitmentStatus, error) {
	commitment, err := c.repos.Governance.FindCommitment(ctx, c.userID, client)
	if err != nil {
		return nil, err
	}
	windowStart, windowEnd := commitment.Window(now)

	lines, err := c.allocatedLines(ctx, client, windowStart, windowEnd)
	if err != nil {
		return nil, err
	}
	actual := 0.0
	for _, line := range lines {
		actual += line.Hours
	}
	return &CommitmentStatus{
		Client:      client,
		TargetHours: commitment.TargetHours(),
		ActualHours: actual,
		Compliant:   actual >= commitment.TargetHours(),
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		EventCount:  len(lines),
	}, nil
}

// ProofLine is one allocated event inside a commitment proof.
type ProofLine struct {
	CanonicalID string    `json:"canonical_id"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Hours       float64   `json:"hours"`
	Category    string    `json:"category"`
	HourlyRate  float64   `json:"hourly_rate"`
}

// CommitmentProofData is the deterministic evidence behind a commitment:
// the same user, client and window always serialize to the same bytes, so
// a recipient can diff two exports. No generation timestamp by design of
// that property.
type CommitmentProofData struct {
	UserID      uuid.UUID   `json:"user_id"`
	Client      string      `json:"client"`
	WindowStart time.Time   `json:"window_start"`
	WindowEnd   time.Time   `json:"window_end"`
	TotalHours  float64     `json:"total_hours"`
	Lines       []ProofLine `json:"lines"`
}

// GetCommitmentProofData exports the allocated events backing a client's
// hours over an explicit window, sorted by start then canonical id.
func (c *Coordinator) GetCommitmentProofData(ctx context.Context, client string, windowStart, windowEnd time.Time) (*CommitmentProofData, error) {
	if client == "" {
		return nil, sharedDomain.ErrValidation("client is required")
	}
	if !windowEnd.After(windowStart) {
		return nil, sharedDomain.ErrValidation("window end must be after window start")
	}

	lines, err := c.allocatedLines(ctx, client, windowStart.UTC(), windowEnd.UTC())
	if err != nil {
		return nil, err
	}
	total := 0.0
	for _, line := range lines {
		total += line.Hours
	}
	return &CommitmentProofData{
		UserID:      c.userID,
		Client:      client,
		WindowStart: windowStart.UTC(),
		WindowEnd:   windowEnd.UTC(),
		TotalHours:  total,
		Lines:       lines,
	}, nil
}

// allocatedLines collects the client's allocated, non-deleted events
// overlapping the window, with durations clamped to it, sorted by start
// then canonical id.
func (c *Coordinator) allocatedLines(ctx context.Context, client string, windowStart, windowEnd time.Time) ([]ProofLine, error) {
	allocations, err := c.repos.Governance.FindAllocations(ctx, c.userID)
	if err != nil {
		return nil, err
	}

	lines := make([]ProofLine, 0, len(allocations))
	for _, allocation := range allocations {
		if allocation.Client() != client {
			continue
		}
		event, err := c.repos.Events.FindByID(ctx, allocation.CanonicalID())
		if err != nil {
			if sharedDomain.HasCode(err, sharedDomain.CodeNotFound) {
				continue
			}
			return nil, err
		}
		if event.Deleted() || event.Status() == domain.StatusCancelled {
			continue
		}
		start, end := event.Start(), event.End()
		if start.Before(windowStart) {
			start = windowStart
		}
		if end.After(windowEnd) {
			end = windowEnd
		}
		if !end.After(start) {
			continue
		}
		lines = append(lines, ProofLine{
			CanonicalID: event.ID(),
			Start:       event.Start(),
			End:         event.End(),
			Hours:       end.Sub(start).Hours(),
			Category:    allocation.Category(),
			HourlyRate:  allocation.HourlyRate(),
		})
	}
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].Start.Equal(lines[j].Start) {
			return lines[i].CanonicalID < lines[j].CanonicalID
		}
		return lines[i].Start.Before(lines[j].Start)
	})
	return lines, nil
}

// BriefingItem is one upcoming meeting in a briefing.
type BriefingItem struct {
	CanonicalID  string    `json:"canonical_id"`
	Title        string    `json:"title"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	HasVIP       bool      `json:"has_vip"`
	VIPLabels    []string  `json:"vip_labels,omitempty"`
	Participants int       `json:"participants"`
}

// RelationshipSummary is the serializable view of one relationship.
type RelationshipSummary struct {
	ParticipantHash string     `json:"participant_hash"`
	MeetingCount    int        `json:"meeting_count"`
	Category        string     `json:"category"`
	Reputation      float64    `json:"reputation"`
	FirstMet        *time.Time `json:"first_met,omitempty"`
	LastMet         *time.Time `json:"last_met,omitempty"`
}

func summarizeRelationship(rel *domain.Relationship, now time.Time) RelationshipSummary {
	return RelationshipSummary{
		ParticipantHash: rel.ParticipantHash(),
		MeetingCount:    rel.MeetingCount(),
		Category:        rel.Category(),
		Reputation:      rel.Reputation(now),
		FirstMet:        rel.FirstMet(),
		LastMet:         rel.LastMet(),
	}
}

// Briefing summarizes the window ahead.
type Briefing struct {
	UserID           uuid.UUID             `json:"user_id"`
	WindowStart      time.Time             `json:"window_start"`
	WindowEnd        time.Time             `json:"window_end"`
	Items            []BriefingItem        `json:"items"`
	TopRelationships []RelationshipSummary `json:"top_relationships"`
}

// BuildBriefing assembles the user's upcoming meetings with VIP flags and
// most-frequent relationships. It is read-only and never touches providers.
func (c *Coordinator) BuildBriefing(ctx context.Context, start, end time.Time) (*Briefing, error) {
	events, err := c.repos.Events.FindInWindow(ctx, c.userID, start, end)
	if err != nil {
		return nil, err
	}
	vips, err := c.repos.Governance.FindVIPPolicies(ctx, c.userID)
	if err != nil {
		return nil, err
	}
	vipByHash := make(map[string]*domain.VIPPolicy, len(vips))
	for _, v := range vips {
		vipByHash[v.ParticipantHash()] = v
	}

	items := make([]BriefingItem, 0, len(events))
	for _, e := range events {
		if e.Deleted() || e.Status() == domain.StatusCancelled {
			continue
		}
		item := BriefingItem{
			CanonicalID:  e.ID(),
			Title:        e.Title(),
			Start:        e.Start(),
			End:          e.End(),
			Participants: len(e.ParticipantHashes()),
		}
		for _, hash := range e.ParticipantHashes() {
			if vip, ok := vipByHash[hash]; ok {
				item.HasVIP = true
				item.VIPLabels = append(item.VIPLabels, vip.Label())
			}
		}
		items = append(items, item)
	}

	var top []RelationshipSummary
	if c.repos.Relationships != nil {
		rels, err := c.repos.Relationships.TopRelationships(ctx, c.userID, 5)
		if err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		top = make([]RelationshipSummary, len(rels))
		for i, rel := range rels {
			top[i] = summarizeRelationship(rel, now)
		}
	}

	return &Briefing{
		UserID:           c.userID,
		WindowStart:      start.UTC(),
		WindowEnd:        end.UTC(),
		Items:            items,
		TopRelationships: top,
	}, nil
}

// ParticipantBriefing is the relationship context for one participant on a
// meeting: history, standing and how connected they are to the rest of the
// user's graph.
type ParticipantBriefing struct {
	ParticipantHash   string     `json:"participant_hash"`
	VIP               bool       `json:"vip"`
	VIPLabel          string     `json:"vip_label,omitempty"`
	VIPPriority       int        `json:"vip_priority,omitempty"`
	MeetingCount      int        `json:"meeting_count"`
	Category          string     `json:"category"`
	Reputation        float64    `json:"reputation"`
	FirstMet          *time.Time `json:"first_met,omitempty"`
	LastInteraction   *time.Time `json:"last_interaction,omitempty"`
	MutualConnections int        `json:"mutual_connections"`
}

// EventBriefing is the pre-meeting dossier for one event.
type EventBriefing struct {
	CanonicalID  string                `json:"canonical_id"`
	Title        string                `json:"title"`
	Start        time.Time             `json:"start"`
	End          time.Time             `json:"end"`
	Participants []ParticipantBriefing `json:"participants"`
}

// BuildEventBriefing assembles relationship context for every participant
// of one upcoming meeting. Read-only; participants appear only as hashes.
func (c *Coordinator) BuildEventBriefing(ctx context.Context, canonicalID string) (*EventBriefing, error) {
	event, err := c.repos.Events.FindByID(ctx, canonicalID)
	if err != nil {
		return nil, err
	}
	if event.UserID() != c.userID {
		return nil, sharedDomain.ErrNotFound("event %s not found", canonicalID)
	}

	vips, err := c.repos.Governance.FindVIPPolicies(ctx, c.userID)
	if err != nil {
		return nil, err
	}
	vipByHash := make(map[string]*domain.VIPPolicy, len(vips))
	for _, v := range vips {
		vipByHash[v.ParticipantHash()] = v
	}

	now := time.Now().UTC()
	participants := make([]ParticipantBriefing, 0, len(event.ParticipantHashes()))
	for _, hash := range event.ParticipantHashes() {
		pb := ParticipantBriefing{ParticipantHash: hash, Category: domain.CategoryNew}
		if vip, ok := vipByHash[hash]; ok {
			pb.VIP = true
			pb.VIPLabel = vip.Label()
			pb.VIPPriority = vip.Priority()
		}
		if c.repos.Relationships != nil {
			rel, err := c.repos.Relationships.FindRelationship(ctx, c.userID, hash)
			if err != nil && !sharedDomain.HasCode(err, sharedDomain.CodeNotFound) {
				return nil, err
			}
			if rel != nil {
				pb.MeetingCount = rel.MeetingCount()
				pb.Category = rel.Category()
				pb.Reputation = rel.Reputation(now)
				pb.FirstMet = rel.FirstMet()
				pb.LastInteraction = rel.LastMet()
			}
			mutual, err := c.repos.Relationships.CountMutualConnections(ctx, c.userID, hash)
			if err != nil {
				return nil, err
			}
			pb.MutualConnections = mutual
		}
		participants = append(participants, pb)
	}

	return &EventBriefing{
		CanonicalID:  event.ID(),
		Title:        event.Title(),
		Start:        event.Start(),
		End:          event.End(),
		Participants: participants,
	}, nil
}

// PurgeUser deletes the user's graph: every live mirror is queued for
// remote deletion, then local rows are dropped and a deletion certificate
// is issued.
func (c *Coordinator) PurgeUser(ctx context.Context) (*domain.DeletionCertificate, error) {
	c.mu.Lock()
	cert, err := c.purgeUserLocked(ctx)
	tasks := c.takePending()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := c.dispatchAll(ctx, tasks); err != nil {
		return nil, err
	}
	return cert, nil
}

func (c *Coordinator) purgeUserLocked(ctx context.Context) (*domain.DeletionCertificate, error) {
	cert := domain.NewDeletionCertificate(c.userID)

	events, err := c.repos.Events.FindByUser(ctx, c.userID)
	if err != nil {
		return nil, err
	}
	mirrorCount := 0
	for _, event := range events {
		mirrors, err := c.repos.Mirrors.FindByCanonical(ctx, event.ID())
		if err != nil {
			return nil, err
		}
		for _, m := range mirrors {
			if m.State() == domain.MirrorDeleted {
				continue
			}
			if err := c.queueMirrorDelete(ctx, event.ID(), m); err != nil {
				return nil, err
			}
			mirrorCount++
		}
	}

	canonicalCount, err := c.repos.Events.DeleteByUser(ctx, c.userID)
	if err != nil {
		return nil, err
	}
	if _, err := c.repos.Mirrors.DeleteByUser(ctx, c.userID); err != nil {
		return nil, err
	}

	cert.Complete(canonicalCount, mirrorCount)
	if err := c.repos.Governance.SaveDeletionCertificate(ctx, cert); err != nil {
		return nil, err
	}
	c.journal(ctx, domain.EntryDeletionCertificate, "", map[string]any{
		"certificate_id":  cert.ID.String(),
		"canonical_count": cert.CanonicalCount,
		"mirror_count":    cert.MirrorCount,
	})
	return cert, nil
}
