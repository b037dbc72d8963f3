package application

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tminus-app/tminus/internal/graph/domain"
	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
)

// In-memory repositories backing coordinator tests. They mimic the sqlite
// stores' contracts: CodeNotFound on misses, per-user journal sequences.

type memEventRepo struct {
	mu     sync.Mutex
	events map[string]*domain.CanonicalEvent
}

func newMemEventRepo() *memEventRepo {
	return &memEventRepo{events: make(map[string]*domain.CanonicalEvent)}
}

func (r *memEventRepo) Save(_ context.Context, event *domain.CanonicalEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[event.ID()] = event
	return nil
}

func (r *memEventRepo) FindByID(_ context.Context, id string) (*domain.CanonicalEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.events[id]; ok {
		return e, nil
	}
	return nil, sharedDomain.ErrNotFound("event %s not found", id)
}

func (r *memEventRepo) FindByOrigin(_ context.Context, originAccountID, originRemoteID string) (*domain.CanonicalEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.OriginAccountID() == originAccountID && e.OriginRemoteID() == originRemoteID {
			return e, nil
		}
	}
	return nil, sharedDomain.ErrNotFound("no event for origin %s/%s", originAccountID, originRemoteID)
}

func (r *memEventRepo) FindByUser(_ context.Context, userID uuid.UUID) ([]*domain.CanonicalEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.CanonicalEvent
	for _, e := range r.events {
		if e.UserID() == userID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}

func (r *memEventRepo) FindInWindow(_ context.Context, userID uuid.UUID, start, end time.Time) ([]*domain.CanonicalEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.CanonicalEvent
	for _, e := range r.events {
		if e.UserID() != userID || e.Deleted() {
			continue
		}
		if e.Start().Before(end) && e.End().After(start) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start().Before(out[j].Start()) })
	return out, nil
}

func (r *memEventRepo) DeleteByUser(_ context.Context, userID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for id, e := range r.events {
		if e.UserID() == userID {
			delete(r.events, id)
			count++
		}
	}
	return count, nil
}

type memEdgeRepo struct {
	mu    sync.Mutex
	edges map[uuid.UUID]*domain.PolicyEdge
}

func newMemEdgeRepo() *memEdgeRepo {
	return &memEdgeRepo{edges: make(map[uuid.UUID]*domain.PolicyEdge)}
}

func (r *memEdgeRepo) Save(_ context.Context, edge *domain.PolicyEdge) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edges[edge.ID()] = edge
	return nil
}

func (r *memEdgeRepo) FindByID(_ context.Context, id uuid.UUID) (*domain.PolicyEdge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.edges[id]; ok {
		return e, nil
	}
	return nil, sharedDomain.ErrNotFound("edge %s not found", id)
}

func (r *memEdgeRepo) FindByUser(_ context.Context, userID uuid.UUID) ([]*domain.PolicyEdge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.PolicyEdge
	for _, e := range r.edges {
		if e.UserID() == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memEdgeRepo) FindBySource(_ context.Context, userID uuid.UUID, sourceAccountID string) ([]*domain.PolicyEdge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.PolicyEdge
	for _, e := range r.edges {
		if e.UserID() == userID && e.SourceAccountID() == sourceAccountID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memEdgeRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.edges, id)
	return nil
}

type memMirrorRepo struct {
	mu      sync.Mutex
	mirrors map[uuid.UUID]*domain.Mirror
}

func newMemMirrorRepo() *memMirrorRepo {
	return &memMirrorRepo{mirrors: make(map[uuid.UUID]*domain.Mirror)}
}

func (r *memMirrorRepo) Save(_ context.Context, mirror *domain.Mirror) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mirrors[mirror.ID()] = mirror
	return nil
}

func (r *memMirrorRepo) FindByID(_ context.Context, id uuid.UUID) (*domain.Mirror, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.mirrors[id]; ok {
		return m, nil
	}
	return nil, sharedDomain.ErrNotFound("mirror %s not found", id)
}

func (r *memMirrorRepo) FindByCanonical(_ context.Context, canonicalID string) ([]*domain.Mirror, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Mirror
	for _, m := range r.mirrors {
		if m.CanonicalID() == canonicalID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *memMirrorRepo) FindByCanonicalAndEdge(_ context.Context, canonicalID string, edgeID uuid.UUID) (*domain.Mirror, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.mirrors {
		if m.CanonicalID() == canonicalID && m.EdgeID() == edgeID {
			return m, nil
		}
	}
	return nil, sharedDomain.ErrNotFound("no mirror for %s on edge %s", canonicalID, edgeID)
}

func (r *memMirrorRepo) FindByRemote(_ context.Context, targetAccountID, remoteEventID string) (*domain.Mirror, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.mirrors {
		if m.TargetAccountID() == targetAccountID && m.RemoteEventID() == remoteEventID {
			return m, nil
		}
	}
	return nil, sharedDomain.ErrNotFound("no mirror for remote %s/%s", targetAccountID, remoteEventID)
}

func (r *memMirrorRepo) FindByTarget(_ context.Context, targetAccountID string) ([]*domain.Mirror, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Mirror
	for _, m := range r.mirrors {
		if m.TargetAccountID() == targetAccountID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *memMirrorRepo) DeleteByUser(_ context.Context, userID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for id, m := range r.mirrors {
		if m.UserID() == userID {
			delete(r.mirrors, id)
			count++
		}
	}
	return count, nil
}

type memJournalRepo struct {
	mu      sync.Mutex
	entries []*domain.JournalEntry
	seqs    map[uuid.UUID]int64
}

func newMemJournalRepo() *memJournalRepo {
	return &memJournalRepo{seqs: make(map[uuid.UUID]int64)}
}

func (r *memJournalRepo) Append(_ context.Context, entry *domain.JournalEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seqs[entry.UserID]++
	entry.Seq = r.seqs[entry.UserID]
	r.entries = append(r.entries, entry)
	return nil
}

func (r *memJournalRepo) FindByUser(_ context.Context, userID uuid.UUID, afterSeq int64, limit int) ([]*domain.JournalEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.JournalEntry
	for _, e := range r.entries {
		if e.UserID == userID && e.Seq > afterSeq {
			out = append(out, e)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memJournalRepo) PendingFeed(_ context.Context, limit int) ([]*domain.JournalEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	var out []*domain.JournalEntry
	for _, e := range r.entries {
		ready := e.FeedStatus == domain.FeedPending ||
			(e.FeedStatus == domain.FeedFailed && e.FeedNextAttemptAt != nil && !e.FeedNextAttemptAt.After(now))
		if !ready {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memJournalRepo) UpdateFeedState(_ context.Context, _ *domain.JournalEntry) error {
	// Entries are shared pointers; state is already updated in place.
	return nil
}

func (r *memJournalRepo) typesForUser(userID uuid.UUID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.entries {
		if e.UserID == userID {
			out = append(out, e.EntryType)
		}
	}
	return out
}

type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*domain.SchedulingSession
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{sessions: make(map[uuid.UUID]*domain.SchedulingSession)}
}

func (r *memSessionRepo) Save(_ context.Context, session *domain.SchedulingSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session.ID()] = session
	return nil
}

func (r *memSessionRepo) FindByID(_ context.Context, id uuid.UUID) (*domain.SchedulingSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s, nil
	}
	return nil, sharedDomain.ErrNotFound("session %s not found", id)
}

func (r *memSessionRepo) FindOpen(_ context.Context) ([]*domain.SchedulingSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.SchedulingSession
	for _, s := range r.sessions {
		switch s.State() {
		case domain.SessionPending, domain.SessionProposed:
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *memSessionRepo) FindByParticipant(_ context.Context, userID uuid.UUID) ([]*domain.SchedulingSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.SchedulingSession
	for _, s := range r.sessions {
		for _, p := range s.Participants() {
			if p == userID {
				out = append(out, s)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt().After(out[j].CreatedAt()) })
	return out, nil
}

type memHoldRepo struct {
	mu    sync.Mutex
	holds map[uuid.UUID]*domain.Hold
}

func newMemHoldRepo() *memHoldRepo {
	return &memHoldRepo{holds: make(map[uuid.UUID]*domain.Hold)}
}

func (r *memHoldRepo) Save(_ context.Context, hold *domain.Hold) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.holds[hold.ID()] = hold
	return nil
}

func (r *memHoldRepo) FindByID(_ context.Context, id uuid.UUID) (*domain.Hold, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.holds[id]; ok {
		return h, nil
	}
	return nil, sharedDomain.ErrNotFound("hold %s not found", id)
}

func (r *memHoldRepo) FindBySession(_ context.Context, sessionID uuid.UUID) ([]*domain.Hold, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Hold
	for _, h := range r.holds {
		if h.SessionID() == sessionID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (r *memHoldRepo) FindActiveByUser(_ context.Context, userID uuid.UUID) ([]*domain.Hold, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Hold
	for _, h := range r.holds {
		if h.UserID() == userID && h.State() == domain.HoldTentative {
			out = append(out, h)
		}
	}
	return out, nil
}

type memGovernanceRepo struct {
	mu          sync.Mutex
	vips        map[uuid.UUID]*domain.VIPPolicy
	allocations map[string]*domain.Allocation
	commitments map[string]*domain.Commitment
	receipts    []*domain.CommitmentReceipt
	certs       map[uuid.UUID]*domain.DeletionCertificate
}

func newMemGovernanceRepo() *memGovernanceRepo {
	return &memGovernanceRepo{
		vips:        make(map[uuid.UUID]*domain.VIPPolicy),
		allocations: make(map[string]*domain.Allocation),
		commitments: make(map[string]*domain.Commitment),
		certs:       make(map[uuid.UUID]*domain.DeletionCertificate),
	}
}

func (r *memGovernanceRepo) SaveVIPPolicy(_ context.Context, policy *domain.VIPPolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vips[policy.ID()] = policy
	return nil
}

func (r *memGovernanceRepo) FindVIPPolicies(_ context.Context, userID uuid.UUID) ([]*domain.VIPPolicy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.VIPPolicy
	for _, v := range r.vips {
		if v.UserID() == userID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (r *memGovernanceRepo) DeleteVIPPolicy(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.vips, id)
	return nil
}

func (r *memGovernanceRepo) SaveAllocation(_ context.Context, allocation *domain.Allocation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allocations[relKey(allocation.UserID(), allocation.CanonicalID())] = allocation
	return nil
}

func (r *memGovernanceRepo) FindAllocation(_ context.Context, userID uuid.UUID, canonicalID string) (*domain.Allocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.allocations[relKey(userID, canonicalID)]; ok {
		return a, nil
	}
	return nil, sharedDomain.ErrNotFound("no allocation for event %s", canonicalID)
}

func (r *memGovernanceRepo) FindAllocations(_ context.Context, userID uuid.UUID) ([]*domain.Allocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Allocation
	for _, a := range r.allocations {
		if a.UserID() == userID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CanonicalID() < out[j].CanonicalID() })
	return out, nil
}

func (r *memGovernanceRepo) DeleteAllocation(_ context.Context, userID uuid.UUID, canonicalID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.allocations, relKey(userID, canonicalID))
	return nil
}

func (r *memGovernanceRepo) SaveCommitment(_ context.Context, commitment *domain.Commitment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commitments[commitment.UserID().String()+"|"+commitment.Client()] = commitment
	return nil
}

func (r *memGovernanceRepo) FindCommitment(_ context.Context, userID uuid.UUID, client string) (*domain.Commitment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.commitments[userID.String()+"|"+client]; ok {
		return c, nil
	}
	return nil, sharedDomain.ErrNotFound("no commitment for client %s", client)
}

func (r *memGovernanceRepo) FindCommitments(_ context.Context, userID uuid.UUID) ([]*domain.Commitment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Commitment
	for _, c := range r.commitments {
		if c.UserID() == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Client() < out[j].Client() })
	return out, nil
}

func (r *memGovernanceRepo) DeleteCommitment(_ context.Context, userID uuid.UUID, client string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.commitments, userID.String()+"|"+client)
	return nil
}

func (r *memGovernanceRepo) SaveReceipt(_ context.Context, receipt *domain.CommitmentReceipt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.receipts = append(r.receipts, receipt)
	return nil
}

func (r *memGovernanceRepo) FindReceipts(_ context.Context, userID uuid.UUID) ([]*domain.CommitmentReceipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.CommitmentReceipt
	for _, receipt := range r.receipts {
		if receipt.UserID == userID {
			out = append(out, receipt)
		}
	}
	return out, nil
}

func (r *memGovernanceRepo) LatestReceipt(_ context.Context, userID uuid.UUID) (*domain.CommitmentReceipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.receipts) - 1; i >= 0; i-- {
		if r.receipts[i].UserID == userID {
			return r.receipts[i], nil
		}
	}
	return nil, sharedDomain.ErrNotFound("no receipts for user %s", userID)
}

func (r *memGovernanceRepo) SaveDeletionCertificate(_ context.Context, cert *domain.DeletionCertificate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.certs[cert.ID] = cert
	return nil
}

func (r *memGovernanceRepo) FindDeletionCertificate(_ context.Context, id uuid.UUID) (*domain.DeletionCertificate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.certs[id]; ok {
		return c, nil
	}
	return nil, sharedDomain.ErrNotFound("certificate %s not found", id)
}

type memRelationshipRepo struct {
	mu           sync.Mutex
	rels         map[string]*domain.Relationship
	interactions []*domain.Interaction
}

func newMemRelationshipRepo() *memRelationshipRepo {
	return &memRelationshipRepo{rels: make(map[string]*domain.Relationship)}
}

func relKey(userID uuid.UUID, hash string) string {
	return userID.String() + "|" + hash
}

func (r *memRelationshipRepo) SaveRelationship(_ context.Context, rel *domain.Relationship) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rels[relKey(rel.UserID(), rel.ParticipantHash())] = rel
	return nil
}

func (r *memRelationshipRepo) FindRelationship(_ context.Context, userID uuid.UUID, participantHash string) (*domain.Relationship, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rel, ok := r.rels[relKey(userID, participantHash)]; ok {
		return rel, nil
	}
	return nil, sharedDomain.ErrNotFound("no relationship for hash %s", participantHash)
}

func (r *memRelationshipRepo) TopRelationships(_ context.Context, userID uuid.UUID, limit int) ([]*domain.Relationship, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Relationship
	for _, rel := range r.rels {
		if rel.UserID() == userID {
			out = append(out, rel)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MeetingCount() > out[j].MeetingCount() })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRelationshipRepo) SaveInteraction(_ context.Context, interaction *domain.Interaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interactions = append(r.interactions, interaction)
	return nil
}

func (r *memRelationshipRepo) FindInteractions(_ context.Context, userID uuid.UUID, since time.Time) ([]*domain.Interaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Interaction
	for _, i := range r.interactions {
		if i.UserID == userID && !i.OccurredAt.Before(since) {
			out = append(out, i)
		}
	}
	return out, nil
}

func (r *memRelationshipRepo) CountMutualConnections(_ context.Context, userID uuid.UUID, participantHash string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	shared := make(map[string]bool)
	for _, own := range r.interactions {
		if own.UserID != userID || own.ParticipantHash != participantHash {
			continue
		}
		for _, other := range r.interactions {
			if other.UserID == userID && other.CanonicalID == own.CanonicalID && other.ParticipantHash != participantHash {
				shared[other.ParticipantHash] = true
			}
		}
	}
	return len(shared), nil
}

// captureDispatcher records every dispatched write task.
type captureDispatcher struct {
	mu    sync.Mutex
	tasks []WriteTask
	err   error
}

func (d *captureDispatcher) Dispatch(_ context.Context, task WriteTask) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.tasks = append(d.tasks, task)
	return nil
}

func (d *captureDispatcher) all() []WriteTask {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]WriteTask(nil), d.tasks...)
}

func (d *captureDispatcher) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = nil
}

// capturePublisher records bus publications by routing key.
type capturePublisher struct {
	mu       sync.Mutex
	messages map[string][][]byte
	err      error
}

func newCapturePublisher() *capturePublisher {
	return &capturePublisher{messages: make(map[string][][]byte)}
}

func (p *capturePublisher) Publish(_ context.Context, routingKey string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages[routingKey] = append(p.messages[routingKey], payload)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) count(routingKey string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages[routingKey])
}
