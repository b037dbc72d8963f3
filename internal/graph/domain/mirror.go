package domain

import (
	"time"

	"github.com/google/uuid"

	"github.com/tminus-app/tminus/internal/projection"
	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
)

// MirrorState tracks a mirror's write lifecycle.
type MirrorState string

const (
	// MirrorPending has been planned but not yet written to the provider.
	MirrorPending MirrorState = "pending"
	// MirrorWritten exists at the provider and matches its content hash.
	MirrorWritten MirrorState = "written"
	// MirrorFailed exhausted its write retries.
	MirrorFailed MirrorState = "failed"
	// MirrorDeleted has been removed (or is queued for removal) remotely.
	MirrorDeleted MirrorState = "deleted"
)

// Mirror is this deployment's record of one projected copy of a canonical
// event in a target account. The (canonical, edge) pair is unique.
type Mirror struct {
	sharedDomain.BaseEntity
	canonicalID     string
	userID          uuid.UUID
	edgeID          uuid.UUID
	targetAccountID string
	remoteEventID   string
	kind            projection.CalendarKind
	detail          projection.DetailLevel
	contentHash     string
	state           MirrorState
	tentative       bool
	lastWrittenAt   *time.Time
	lastError       string
}

// NewMirror plans a mirror for a canonical event along an edge.
func NewMirror(canonicalID string, userID uuid.UUID, edge *PolicyEdge) (*Mirror, error) {
	if canonicalID == "" {
		return nil, sharedDomain.ErrValidation("canonical id is required")
	}
	if edge == nil {
		return nil, sharedDomain.ErrValidation("policy edge is required")
	}

	return &Mirror{
		BaseEntity:      sharedDomain.NewBaseEntity(),
		canonicalID:     canonicalID,
		userID:          userID,
		edgeID:          edge.ID(),
		targetAccountID: edge.TargetAccountID(),
		kind:            edge.Kind(),
		detail:          edge.Detail(),
		state:           MirrorPending,
	}, nil
}

// NewTentativeMirror plans a hold mirror for group scheduling. It is
// written like any other mirror but flagged tentative until the session
// commits or cancels.
func NewTentativeMirror(canonicalID string, userID uuid.UUID, edge *PolicyEdge) (*Mirror, error) {
	m, err := NewMirror(canonicalID, userID, edge)
	if err != nil {
		return nil, err
	}
	m.tentative = true
	return m, nil
}

// HoldCanonicalID is the synthetic canonical id backing a hold's provider
// block. Holds are not canonical events; the prefix keeps their mirrors out
// of event projection.
func HoldCanonicalID(holdID uuid.UUID) string {
	return "hold:" + holdID.String()
}

// NewHoldMirror plans the tentative provider block backing a hold. It has
// no policy edge; the hold id doubles as its tag edge reference.
func NewHoldMirror(holdID, userID uuid.UUID, targetAccountID string) *Mirror {
	return &Mirror{
		BaseEntity:      sharedDomain.NewBaseEntity(),
		canonicalID:     HoldCanonicalID(holdID),
		userID:          userID,
		edgeID:          holdID,
		targetAccountID: targetAccountID,
		kind:            projection.KindBusyOverlay,
		detail:          projection.DetailBusy,
		state:           MirrorPending,
		tentative:       true,
	}
}

// RehydrateMirror restores a persisted mirror.
func RehydrateMirror(
	id uuid.UUID,
	canonicalID string,
	userID, edgeID uuid.UUID,
	targetAccountID, remoteEventID string,
	kind projection.CalendarKind,
	detail projection.DetailLevel,
	contentHash string,
	state MirrorState,
	tentative bool,
	lastWrittenAt *time.Time,
	lastError string,
	createdAt, updatedAt time.Time,
) *Mirror {
	return &Mirror{
		BaseEntity:      sharedDomain.RehydrateBaseEntity(id, createdAt, updatedAt),
		canonicalID:     canonicalID,
		userID:          userID,
		edgeID:          edgeID,
		targetAccountID: targetAccountID,
		remoteEventID:   remoteEventID,
		kind:            kind,
		detail:          detail,
		contentHash:     contentHash,
		state:           state,
		tentative:       tentative,
		lastWrittenAt:   lastWrittenAt,
		lastError:       lastError,
	}
}

func (m *Mirror) CanonicalID() string              { return m.canonicalID }
func (m *Mirror) UserID() uuid.UUID                { return m.userID }
func (m *Mirror) EdgeID() uuid.UUID                { return m.edgeID }
func (m *Mirror) TargetAccountID() string          { return m.targetAccountID }
func (m *Mirror) RemoteEventID() string            { return m.remoteEventID }
func (m *Mirror) Kind() projection.CalendarKind    { return m.kind }
func (m *Mirror) Detail() projection.DetailLevel   { return m.detail }
func (m *Mirror) ContentHash() string              { return m.contentHash }
func (m *Mirror) State() MirrorState               { return m.state }
func (m *Mirror) Tentative() bool                  { return m.tentative }
func (m *Mirror) LastWrittenAt() *time.Time        { return m.lastWrittenAt }
func (m *Mirror) LastError() string                { return m.lastError }

// NeedsWrite reports whether the given target hash differs from what is
// known to be at the provider. Identical hashes suppress the write.
func (m *Mirror) NeedsWrite(targetHash string) bool {
	if m.state == MirrorDeleted {
		return false
	}
	return m.state != MirrorWritten || m.contentHash != targetHash
}

// MarkWritten records a successful provider write.
func (m *Mirror) MarkWritten(remoteEventID, contentHash string) error {
	if m.state == MirrorDeleted {
		return sharedDomain.ErrInvalidTransition("mirror %s is deleted", m.ID())
	}
	if remoteEventID == "" {
		return sharedDomain.ErrValidation("remote event id is required")
	}
	now := time.Now().UTC()
	m.remoteEventID = remoteEventID
	m.contentHash = contentHash
	m.state = MirrorWritten
	m.lastWrittenAt = &now
	m.lastError = ""
	m.Touch()
	return nil
}

// MarkFailed records a terminally failed write.
func (m *Mirror) MarkFailed(reason string) {
	m.state = MirrorFailed
	m.lastError = reason
	m.Touch()
}

// MarkDeleted records that the remote copy is gone or queued for deletion.
func (m *Mirror) MarkDeleted() {
	m.state = MirrorDeleted
	m.Touch()
}

// Requeue puts a written or failed mirror back into pending, typically
// after drift is detected or its edge's detail level changed.
func (m *Mirror) Requeue() error {
	if m.state == MirrorDeleted {
		return sharedDomain.ErrInvalidTransition("mirror %s is deleted", m.ID())
	}
	m.state = MirrorPending
	m.Touch()
	return nil
}

// Confirm promotes a tentative hold mirror into a regular one after the
// session commits.
func (m *Mirror) Confirm() error {
	if !m.tentative {
		return sharedDomain.ErrInvalidTransition("mirror %s is not tentative", m.ID())
	}
	m.tentative = false
	m.Touch()
	return nil
}
