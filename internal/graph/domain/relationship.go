package domain

import (
	"time"

	"github.com/google/uuid"

	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
)

// Relationship aggregates a user's meeting history with one hashed
// participant. It is derived data, rebuilt from interactions, and only ever
// references participant hashes.
type Relationship struct {
	sharedDomain.BaseEntity
	userID          uuid.UUID
	participantHash string
	meetingCount    int
	firstMet        *time.Time
	lastMet         *time.Time
}

// NewRelationship starts tracking a participant.
func NewRelationship(userID uuid.UUID, participantHash string) (*Relationship, error) {
	if userID == uuid.Nil || participantHash == "" {
		return nil, sharedDomain.ErrValidation("user id and participant hash are required")
	}
	return &Relationship{
		BaseEntity:      sharedDomain.NewBaseEntity(),
		userID:          userID,
		participantHash: participantHash,
	}, nil
}

// RehydrateRelationship restores a persisted relationship.
func RehydrateRelationship(id, userID uuid.UUID, participantHash string, meetingCount int, firstMet, lastMet *time.Time, createdAt, updatedAt time.Time) *Relationship {
	return &Relationship{
		BaseEntity:      sharedDomain.RehydrateBaseEntity(id, createdAt, updatedAt),
		userID:          userID,
		participantHash: participantHash,
		meetingCount:    meetingCount,
		firstMet:        firstMet,
		lastMet:         lastMet,
	}
}

func (r *Relationship) UserID() uuid.UUID       { return r.userID }
func (r *Relationship) ParticipantHash() string { return r.participantHash }
func (r *Relationship) MeetingCount() int       { return r.meetingCount }
func (r *Relationship) FirstMet() *time.Time    { return r.firstMet }
func (r *Relationship) LastMet() *time.Time     { return r.lastMet }

// Relationship categories, derived from meeting cadence.
const (
	CategoryNew        = "new"
	CategoryOccasional = "occasional"
	CategoryRegular    = "regular"
	CategoryFrequent   = "frequent"
)

// Category buckets the relationship by how often the pair has met.
func (r *Relationship) Category() string {
	switch {
	case r.meetingCount >= 20:
		return CategoryFrequent
	case r.meetingCount >= 8:
		return CategoryRegular
	case r.meetingCount >= 3:
		return CategoryOccasional
	default:
		return CategoryNew
	}
}

// Reputation scores the relationship in [0, 1]: meeting volume damped by
// how long ago the pair last met.
func (r *Relationship) Reputation(now time.Time) float64 {
	if r.meetingCount == 0 || r.lastMet == nil {
		return 0
	}
	volume := float64(r.meetingCount) / float64(r.meetingCount+10)
	idle := now.UTC().Sub(*r.lastMet)
	if idle < 0 {
		idle = 0
	}
	recency := 1.0 / (1.0 + idle.Hours()/(90*24))
	return volume * recency
}

// RecordMeeting folds one meeting occurrence into the aggregate.
func (r *Relationship) RecordMeeting(occurredAt time.Time) {
	t := occurredAt.UTC()
	r.meetingCount++
	if r.firstMet == nil || t.Before(*r.firstMet) {
		r.firstMet = &t
	}
	if r.lastMet == nil || t.After(*r.lastMet) {
		r.lastMet = &t
	}
	r.Touch()
}

// Interaction is one participant appearance on one canonical event.
type Interaction struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	ParticipantHash string
	CanonicalID     string
	OccurredAt      time.Time
	CreatedAt       time.Time
}

// NewInteraction records a participant appearing on an event.
func NewInteraction(userID uuid.UUID, participantHash, canonicalID string, occurredAt time.Time) *Interaction {
	return &Interaction{
		ID:              uuid.New(),
		UserID:          userID,
		ParticipantHash: participantHash,
		CanonicalID:     canonicalID,
		OccurredAt:      occurredAt.UTC(),
		CreatedAt:       time.Now().UTC(),
	}
}
