package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
)

// VIPPolicy elevates a participant (identified only by hash) so meetings
// with them are surfaced in briefings and weighted in scheduling.
type VIPPolicy struct {
	sharedDomain.BaseEntity
	userID          uuid.UUID
	participantHash string
	label           string
	priority        int
}

// NewVIPPolicy creates a policy for a hashed participant.
func NewVIPPolicy(userID uuid.UUID, participantHash, label string, priority int) (*VIPPolicy, error) {
	if userID == uuid.Nil {
		return nil, sharedDomain.ErrValidation("user id is required")
	}
	if participantHash == "" {
		return nil, sharedDomain.ErrValidation("participant hash is required")
	}
	return &VIPPolicy{
		BaseEntity:      sharedDomain.NewBaseEntity(),
		userID:          userID,
		participantHash: participantHash,
		label:           label,
		priority:        priority,
	}, nil
}

// RehydrateVIPPolicy restores a persisted policy.
func RehydrateVIPPolicy(id, userID uuid.UUID, participantHash, label string, priority int, createdAt, updatedAt time.Time) *VIPPolicy {
	return &VIPPolicy{
		BaseEntity:      sharedDomain.RehydrateBaseEntity(id, createdAt, updatedAt),
		userID:          userID,
		participantHash: participantHash,
		label:           label,
		priority:        priority,
	}
}

func (v *VIPPolicy) UserID() uuid.UUID       { return v.userID }
func (v *VIPPolicy) ParticipantHash() string { return v.participantHash }
func (v *VIPPolicy) Label() string           { return v.label }
func (v *VIPPolicy) Priority() int           { return v.priority }

// Allocation bills a canonical event to a client. An event carries at most
// one active allocation; setting a new one replaces the old.
type Allocation struct {
	sharedDomain.BaseEntity
	userID      uuid.UUID
	canonicalID string
	client      string
	category    string
	hourlyRate  float64
}

// NewAllocation bills an event to a client under a billing category.
func NewAllocation(userID uuid.UUID, canonicalID, client, category string, hourlyRate float64) (*Allocation, error) {
	if userID == uuid.Nil {
		return nil, sharedDomain.ErrValidation("user id is required")
	}
	if canonicalID == "" {
		return nil, sharedDomain.ErrValidation("canonical id is required")
	}
	if client == "" {
		return nil, sharedDomain.ErrValidation("client is required")
	}
	if hourlyRate < 0 {
		return nil, sharedDomain.ErrValidation("hourly rate cannot be negative")
	}
	return &Allocation{
		BaseEntity:  sharedDomain.NewBaseEntity(),
		userID:      userID,
		canonicalID: canonicalID,
		client:      client,
		category:    category,
		hourlyRate:  hourlyRate,
	}, nil
}

// RehydrateAllocation restores a persisted allocation.
func RehydrateAllocation(id, userID uuid.UUID, canonicalID, client, category string, hourlyRate float64, createdAt, updatedAt time.Time) *Allocation {
	return &Allocation{
		BaseEntity:  sharedDomain.RehydrateBaseEntity(id, createdAt, updatedAt),
		userID:      userID,
		canonicalID: canonicalID,
		client:      client,
		category:    category,
		hourlyRate:  hourlyRate,
	}
}

func (a *Allocation) UserID() uuid.UUID   { return a.userID }
func (a *Allocation) CanonicalID() string { return a.canonicalID }
func (a *Allocation) Client() string      { return a.client }
func (a *Allocation) Category() string    { return a.category }
func (a *Allocation) HourlyRate() float64 { return a.hourlyRate }

// Commitment is a per-client target: at least targetHours of allocated
// meeting time over a rolling window of windowDays.
type Commitment struct {
	sharedDomain.BaseEntity
	userID      uuid.UUID
	client      string
	targetHours float64
	windowDays  int
}

// NewCommitment sets a rolling-window hours target for a client.
func NewCommitment(userID uuid.UUID, client string, targetHours float64, windowDays int) (*Commitment, error) {
	if userID == uuid.Nil {
		return nil, sharedDomain.ErrValidation("user id is required")
	}
	if client == "" {
		return nil, sharedDomain.ErrValidation("client is required")
	}
	if targetHours <= 0 {
		return nil, sharedDomain.ErrValidation("target hours must be positive")
	}
	if windowDays <= 0 {
		return nil, sharedDomain.ErrValidation("window days must be positive")
	}
	return &Commitment{
		BaseEntity:  sharedDomain.NewBaseEntity(),
		userID:      userID,
		client:      client,
		targetHours: targetHours,
		windowDays:  windowDays,
	}, nil
}

// RehydrateCommitment restores a persisted commitment.
func RehydrateCommitment(id, userID uuid.UUID, client string, targetHours float64, windowDays int, createdAt, updatedAt time.Time) *Commitment {
	return &Commitment{
		BaseEntity:  sharedDomain.RehydrateBaseEntity(id, createdAt, updatedAt),
		userID:      userID,
		client:      client,
		targetHours: targetHours,
		windowDays:  windowDays,
	}
}

func (c *Commitment) UserID() uuid.UUID    { return c.userID }
func (c *Commitment) Client() string       { return c.client }
func (c *Commitment) TargetHours() float64 { return c.targetHours }
func (c *Commitment) WindowDays() int      { return c.windowDays }

// Window returns the rolling window ending at now.
func (c *Commitment) Window(now time.Time) (time.Time, time.Time) {
	end := now.UTC()
	return end.Add(-time.Duration(c.windowDays) * 24 * time.Hour), end
}

// CommitmentReceipt is an immutable receipt of a committed meeting.
// Receipts form a per-user hash chain so an exported proof can show
// nothing was inserted or removed after the fact.
type CommitmentReceipt struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	CanonicalID   string
	SessionID     uuid.UUID
	CommittedAt   time.Time
	ProofHash     string
	PrevProofHash string
	CreatedAt     time.Time
}

// NewCommitmentReceipt chains a new receipt onto prevProofHash (empty for
// the first receipt).
func NewCommitmentReceipt(userID uuid.UUID, canonicalID string, sessionID uuid.UUID, prevProofHash string) (*CommitmentReceipt, error) {
	if userID == uuid.Nil {
		return nil, sharedDomain.ErrValidation("user id is required")
	}
	if canonicalID == "" {
		return nil, sharedDomain.ErrValidation("canonical id is required")
	}

	now := time.Now().UTC()
	r := &CommitmentReceipt{
		ID:            uuid.New(),
		UserID:        userID,
		CanonicalID:   canonicalID,
		SessionID:     sessionID,
		CommittedAt:   now,
		PrevProofHash: prevProofHash,
		CreatedAt:     now,
	}
	r.ProofHash = r.computeProofHash()
	return r, nil
}

// Verify recomputes the proof hash against the stored one.
func (r *CommitmentReceipt) Verify() bool {
	return r.ProofHash == r.computeProofHash()
}

func (r *CommitmentReceipt) computeProofHash() string {
	h := sha256.New()
	for _, part := range []string{
		r.PrevProofHash,
		r.UserID.String(),
		r.CanonicalID,
		r.SessionID.String(),
		r.CommittedAt.UTC().Format(time.RFC3339Nano),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyReceiptChain walks receipts oldest-first and checks both each
// receipt's own hash and its link to the predecessor.
func VerifyReceiptChain(chain []*CommitmentReceipt) bool {
	prev := ""
	for _, r := range chain {
		if r.PrevProofHash != prev || !r.Verify() {
			return false
		}
		prev = r.ProofHash
	}
	return true
}

// DeletionCertificate records the outcome of a full user data purge:
// counts of removed rows and a digest over them, issued after remote
// mirror deletions are queued.
type DeletionCertificate struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	RequestedAt     time.Time
	CompletedAt     *time.Time
	CanonicalCount  int
	MirrorCount     int
	CertificateHash string
	CreatedAt       time.Time
}

// NewDeletionCertificate opens a certificate for a purge in progress.
func NewDeletionCertificate(userID uuid.UUID) *DeletionCertificate {
	now := time.Now().UTC()
	return &DeletionCertificate{
		ID:          uuid.New(),
		UserID:      userID,
		RequestedAt: now,
		CreatedAt:   now,
	}
}

// Complete finalizes the certificate with the purge counts.
func (d *DeletionCertificate) Complete(canonicalCount, mirrorCount int) {
	now := time.Now().UTC()
	d.CompletedAt = &now
	d.CanonicalCount = canonicalCount
	d.MirrorCount = mirrorCount

	h := sha256.New()
	for _, part := range []string{
		d.UserID.String(),
		d.RequestedAt.UTC().Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	d.CertificateHash = hex.EncodeToString(h.Sum(nil))
}
