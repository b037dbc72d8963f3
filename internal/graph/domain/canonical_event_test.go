package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
)

func validContent() EventContent {
	return EventContent{
		Title:  "Sprint planning",
		Start:  time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		End:    time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC),
		Status: StatusConfirmed,
	}
}

func TestNewCanonicalEvent_MintsULID(t *testing.T) {
	e, err := NewCanonicalEvent(uuid.New(), "acct-1", "remote-1", validContent())
	require.NoError(t, err)

	assert.Len(t, e.ID(), 26)
	assert.Equal(t, 1, e.Version())
	assert.False(t, e.Deleted())

	e2, err := NewCanonicalEvent(uuid.New(), "acct-1", "remote-2", validContent())
	require.NoError(t, err)
	assert.NotEqual(t, e.ID(), e2.ID())
}

func TestNewCanonicalEvent_RecordsUpsertedEvent(t *testing.T) {
	e, err := NewCanonicalEvent(uuid.New(), "acct-1", "remote-1", validContent())
	require.NoError(t, err)

	events := e.DomainEvents()
	require.Len(t, events, 1)
	created, ok := events[0].(*CanonicalEventUpserted)
	require.True(t, ok)
	assert.True(t, created.Created)
	assert.Equal(t, e.ID(), created.AggregateID())
}

func TestNewCanonicalEvent_Validation(t *testing.T) {
	_, err := NewCanonicalEvent(uuid.Nil, "acct-1", "remote-1", validContent())
	assert.True(t, sharedDomain.HasCode(err, sharedDomain.CodeValidation))

	_, err = NewCanonicalEvent(uuid.New(), "", "remote-1", validContent())
	assert.True(t, sharedDomain.HasCode(err, sharedDomain.CodeValidation))

	bad := validContent()
	bad.End = bad.Start
	_, err = NewCanonicalEvent(uuid.New(), "acct-1", "remote-1", bad)
	assert.True(t, sharedDomain.HasCode(err, sharedDomain.CodeValidation))

	bad = validContent()
	bad.Status = "maybe"
	_, err = NewCanonicalEvent(uuid.New(), "acct-1", "remote-1", bad)
	assert.True(t, sharedDomain.HasCode(err, sharedDomain.CodeValidation))
}

func TestApplyRemoteUpdate_NoopOnSameContent(t *testing.T) {
	e, err := NewCanonicalEvent(uuid.New(), "acct-1", "remote-1", validContent())
	require.NoError(t, err)
	e.ClearDomainEvents()

	changed, err := e.ApplyRemoteUpdate(validContent())
	require.NoError(t, err)

	assert.False(t, changed)
	assert.Equal(t, 1, e.Version())
	assert.Empty(t, e.DomainEvents())
}

func TestApplyRemoteUpdate_BumpsVersionOnChange(t *testing.T) {
	e, err := NewCanonicalEvent(uuid.New(), "acct-1", "remote-1", validContent())
	require.NoError(t, err)
	e.ClearDomainEvents()

	moved := validContent()
	moved.Start = moved.Start.Add(30 * time.Minute)
	moved.End = moved.End.Add(30 * time.Minute)

	changed, err := e.ApplyRemoteUpdate(moved)
	require.NoError(t, err)

	assert.True(t, changed)
	assert.Equal(t, 2, e.Version())
	require.Len(t, e.DomainEvents(), 1)
}

func TestApplyRemoteUpdate_RejectedOnTombstone(t *testing.T) {
	e, err := NewCanonicalEvent(uuid.New(), "acct-1", "remote-1", validContent())
	require.NoError(t, err)
	require.NoError(t, e.Tombstone())

	_, err = e.ApplyRemoteUpdate(validContent())
	assert.True(t, sharedDomain.HasCode(err, sharedDomain.CodeInvalidTransition))
}

func TestTombstone_Idempotent(t *testing.T) {
	e, err := NewCanonicalEvent(uuid.New(), "acct-1", "remote-1", validContent())
	require.NoError(t, err)

	require.NoError(t, e.Tombstone())
	v := e.Version()
	require.NoError(t, e.Tombstone())

	assert.Equal(t, v, e.Version())
	assert.True(t, e.Deleted())
}

func TestBusy(t *testing.T) {
	e, err := NewCanonicalEvent(uuid.New(), "acct-1", "remote-1", validContent())
	require.NoError(t, err)
	assert.True(t, e.Busy())

	transparent := validContent()
	transparent.Transparency = "transparent"
	_, err = e.ApplyRemoteUpdate(transparent)
	require.NoError(t, err)
	assert.False(t, e.Busy())

	cancelled := validContent()
	cancelled.Status = StatusCancelled
	_, err = e.ApplyRemoteUpdate(cancelled)
	require.NoError(t, err)
	assert.False(t, e.Busy())
}

func TestFingerprint_IgnoresParticipantOrder(t *testing.T) {
	a := validContent()
	a.ParticipantHashes = []string{"h1", "h2"}
	b := validContent()
	b.ParticipantHashes = []string{"h2", "h1"}

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestHashParticipant(t *testing.T) {
	h1 := HashParticipant("Alice@Example.com ", "salt-a")
	h2 := HashParticipant("alice@example.com", "salt-a")
	h3 := HashParticipant("alice@example.com", "salt-b")

	assert.Equal(t, h1, h2, "normalization covers case and whitespace")
	assert.NotEqual(t, h1, h3, "different salts give unlinkable hashes")
	assert.Len(t, h1, 64)
	assert.NotContains(t, h1, "alice")
}
