package persistence

import (
	"context"

	"github.com/google/uuid"

	"github.com/tminus-app/tminus/internal/graph/domain"
	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
	"github.com/tminus-app/tminus/internal/shared/infrastructure/database"
)

// GovernanceRepository stores VIP policies, allocations, commitments,
// receipts and deletion certificates.
type GovernanceRepository struct {
	rebinder
}

// NewGovernanceRepository creates the repository.
func NewGovernanceRepository(conn database.Connection) *GovernanceRepository {
	return &GovernanceRepository{rebinder{conn: conn}}
}

// SaveVIPPolicy upserts a policy; one row per (user, participant).
func (r *GovernanceRepository) SaveVIPPolicy(ctx context.Context, policy *domain.VIPPolicy) error {
	_, err := r.exec(ctx).Exec(ctx, r.q(`
		INSERT INTO vip_policies (id, user_id, participant_hash, label, priority, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, participant_hash) DO UPDATE SET
			label = excluded.label,
			priority = excluded.priority,
			updated_at = excluded.updated_at`),
		policy.ID().String(),
		policy.UserID().String(),
		policy.ParticipantHash(),
		policy.Label(),
		policy.Priority(),
		toRFC3339(policy.CreatedAt()),
		toRFC3339(policy.UpdatedAt()),
	)
	if err != nil {
		return sharedDomain.ErrInternal(err, "saving vip policy %s", policy.ID())
	}
	return nil
}

// FindVIPPolicies returns a user's policies, highest priority first.
func (r *GovernanceRepository) FindVIPPolicies(ctx context.Context, userID uuid.UUID) ([]*domain.VIPPolicy, error) {
	rows, err := r.exec(ctx).Query(ctx, r.q(`
		SELECT id, user_id, participant_hash, label, priority, created_at, updated_at
		FROM vip_policies WHERE user_id = ? ORDER BY priority DESC, created_at`), userID.String())
	if err != nil {
		return nil, sharedDomain.ErrInternal(err, "listing vip policies for user %s", userID)
	}
	defer rows.Close()

	var policies []*domain.VIPPolicy
	for rows.Next() {
		var (
			idRaw, userRaw, hash, label string
			priority                    int
			createdAtRaw, updatedAtRaw  string
		)
		if err := rows.Scan(&idRaw, &userRaw, &hash, &label, &priority, &createdAtRaw, &updatedAtRaw); err != nil {
			return nil, sharedDomain.ErrInternal(err, "scanning vip policy")
		}
		id, err := uuid.Parse(idRaw)
		if err != nil {
			return nil, err
		}
		owner, err := uuid.Parse(userRaw)
		if err != nil {
			return nil, err
		}
		policies = append(policies, domain.RehydrateVIPPolicy(
			id, owner, hash, label, priority,
			fromRFC3339(createdAtRaw), fromRFC3339(updatedAtRaw)))
	}
	return policies, rows.Err()
}

// DeleteVIPPolicy removes a policy.
func (r *GovernanceRepository) DeleteVIPPolicy(ctx context.Context, id uuid.UUID) error {
	_, err := r.exec(ctx).Exec(ctx, r.q(`DELETE FROM vip_policies WHERE id = ?`), id.String())
	if err != nil {
		return sharedDomain.ErrInternal(err, "deleting vip policy %s", id)
	}
	return nil
}

const allocationColumns = `id, user_id, canonical_id, client, category, hourly_rate,
	created_at, updated_at`

// SaveAllocation upserts on (user, canonical): re-allocating an event
// replaces its billing wholesale.
func (r *GovernanceRepository) SaveAllocation(ctx context.Context, allocation *domain.Allocation) error {
	_, err := r.exec(ctx).Exec(ctx, r.q(`
		INSERT INTO allocations (`+allocationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, canonical_id) DO UPDATE SET
			client = excluded.client,
			category = excluded.category,
			hourly_rate = excluded.hourly_rate,
			updated_at = excluded.updated_at`),
		allocation.ID().String(),
		allocation.UserID().String(),
		allocation.CanonicalID(),
		allocation.Client(),
		allocation.Category(),
		allocation.HourlyRate(),
		toRFC3339(allocation.CreatedAt()),
		toRFC3339(allocation.UpdatedAt()),
	)
	if err != nil {
		return sharedDomain.ErrInternal(err, "saving allocation %s", allocation.ID())
	}
	return nil
}

// FindAllocation loads the allocation of one event.
func (r *GovernanceRepository) FindAllocation(ctx context.Context, userID uuid.UUID, canonicalID string) (*domain.Allocation, error) {
	row := r.exec(ctx).QueryRow(ctx, r.q(`
		SELECT `+allocationColumns+` FROM allocations
		WHERE user_id = ? AND canonical_id = ?`), userID.String(), canonicalID)
	allocation, err := scanAllocation(row)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, sharedDomain.ErrNotFound("no allocation for event %s", canonicalID)
		}
		return nil, sharedDomain.ErrInternal(err, "loading allocation for event %s", canonicalID)
	}
	return allocation, nil
}

// FindAllocations returns a user's allocations.
func (r *GovernanceRepository) FindAllocations(ctx context.Context, userID uuid.UUID) ([]*domain.Allocation, error) {
	rows, err := r.exec(ctx).Query(ctx, r.q(`
		SELECT `+allocationColumns+` FROM allocations
		WHERE user_id = ? ORDER BY created_at`), userID.String())
	if err != nil {
		return nil, sharedDomain.ErrInternal(err, "listing allocations for user %s", userID)
	}
	defer rows.Close()

	var allocations []*domain.Allocation
	for rows.Next() {
		allocation, err := scanAllocation(rows)
		if err != nil {
			return nil, sharedDomain.ErrInternal(err, "scanning allocation")
		}
		allocations = append(allocations, allocation)
	}
	return allocations, rows.Err()
}

// DeleteAllocation unbills an event.
func (r *GovernanceRepository) DeleteAllocation(ctx context.Context, userID uuid.UUID, canonicalID string) error {
	_, err := r.exec(ctx).Exec(ctx, r.q(`
		DELETE FROM allocations WHERE user_id = ? AND canonical_id = ?`),
		userID.String(), canonicalID)
	if err != nil {
		return sharedDomain.ErrInternal(err, "deleting allocation for event %s", canonicalID)
	}
	return nil
}

func scanAllocation(row database.Row) (*domain.Allocation, error) {
	var (
		idRaw, userRaw, canonicalID, client, category string
		hourlyRate                                    float64
		createdAtRaw, updatedAtRaw                    string
	)
	if err := row.Scan(&idRaw, &userRaw, &canonicalID, &client, &category, &hourlyRate, &createdAtRaw, &updatedAtRaw); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(idRaw)
	if err != nil {
		return nil, err
	}
	userID, err := uuid.Parse(userRaw)
	if err != nil {
		return nil, err
	}
	return domain.RehydrateAllocation(
		id, userID, canonicalID, client, category, hourlyRate,
		fromRFC3339(createdAtRaw), fromRFC3339(updatedAtRaw)), nil
}

const clientCommitmentColumns = `id, user_id, client, target_hours, window_days,
	created_at, updated_at`

// SaveCommitment upserts on (user, client).
func (r *GovernanceRepository) SaveCommitment(ctx context.Context, commitment *domain.Commitment) error {
	_, err := r.exec(ctx).Exec(ctx, r.q(`
		INSERT INTO commitments (`+clientCommitmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, client) DO UPDATE SET
			target_hours = excluded.target_hours,
			window_days = excluded.window_days,
			updated_at = excluded.updated_at`),
		commitment.ID().String(),
		commitment.UserID().String(),
		commitment.Client(),
		commitment.TargetHours(),
		commitment.WindowDays(),
		toRFC3339(commitment.CreatedAt()),
		toRFC3339(commitment.UpdatedAt()),
	)
	if err != nil {
		return sharedDomain.ErrInternal(err, "saving commitment %s", commitment.ID())
	}
	return nil
}

// FindCommitment loads one client's commitment.
func (r *GovernanceRepository) FindCommitment(ctx context.Context, userID uuid.UUID, client string) (*domain.Commitment, error) {
	row := r.exec(ctx).QueryRow(ctx, r.q(`
		SELECT `+clientCommitmentColumns+` FROM commitments
		WHERE user_id = ? AND client = ?`), userID.String(), client)
	commitment, err := scanClientCommitment(row)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, sharedDomain.ErrNotFound("no commitment for client %s", client)
		}
		return nil, sharedDomain.ErrInternal(err, "loading commitment for client %s", client)
	}
	return commitment, nil
}

// FindCommitments returns a user's client commitments.
func (r *GovernanceRepository) FindCommitments(ctx context.Context, userID uuid.UUID) ([]*domain.Commitment, error) {
	rows, err := r.exec(ctx).Query(ctx, r.q(`
		SELECT `+clientCommitmentColumns+` FROM commitments
		WHERE user_id = ? ORDER BY client`), userID.String())
	if err != nil {
		return nil, sharedDomain.ErrInternal(err, "listing commitments for user %s", userID)
	}
	defer rows.Close()

	var commitments []*domain.Commitment
	for rows.Next() {
		commitment, err := scanClientCommitment(rows)
		if err != nil {
			return nil, sharedDomain.ErrInternal(err, "scanning commitment")
		}
		commitments = append(commitments, commitment)
	}
	return commitments, rows.Err()
}

// DeleteCommitment drops a client's target.
func (r *GovernanceRepository) DeleteCommitment(ctx context.Context, userID uuid.UUID, client string) error {
	_, err := r.exec(ctx).Exec(ctx, r.q(`
		DELETE FROM commitments WHERE user_id = ? AND client = ?`),
		userID.String(), client)
	if err != nil {
		return sharedDomain.ErrInternal(err, "deleting commitment for client %s", client)
	}
	return nil
}

func scanClientCommitment(row database.Row) (*domain.Commitment, error) {
	var (
		idRaw, userRaw, client     string
		targetHours                float64
		windowDays                 int
		createdAtRaw, updatedAtRaw string
	)
	if err := row.Scan(&idRaw, &userRaw, &client, &targetHours, &windowDays, &createdAtRaw, &updatedAtRaw); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(idRaw)
	if err != nil {
		return nil, err
	}
	userID, err := uuid.Parse(userRaw)
	if err != nil {
		return nil, err
	}
	return domain.RehydrateCommitment(
		id, userID, client, targetHours, windowDays,
		fromRFC3339(createdAtRaw), fromRFC3339(updatedAtRaw)), nil
}

const receiptColumns = `id, user_id, canonical_id, session_id, committed_at, proof_hash,
	prev_proof_hash, created_at`

// SaveReceipt appends a receipt. Receipts are immutable; there is no
// update path.
func (r *GovernanceRepository) SaveReceipt(ctx context.Context, receipt *domain.CommitmentReceipt) error {
	sessionID := ""
	if receipt.SessionID != uuid.Nil {
		sessionID = receipt.SessionID.String()
	}
	_, err := r.exec(ctx).Exec(ctx, r.q(`
		INSERT INTO commitment_receipts (`+receiptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		receipt.ID.String(),
		receipt.UserID.String(),
		receipt.CanonicalID,
		sessionID,
		toRFC3339(receipt.CommittedAt),
		receipt.ProofHash,
		receipt.PrevProofHash,
		toRFC3339(receipt.CreatedAt),
	)
	if err != nil {
		return sharedDomain.ErrInternal(err, "saving receipt %s", receipt.ID)
	}
	return nil
}

// FindReceipts returns a user's receipts oldest first, the order chain
// verification expects.
func (r *GovernanceRepository) FindReceipts(ctx context.Context, userID uuid.UUID) ([]*domain.CommitmentReceipt, error) {
	rows, err := r.exec(ctx).Query(ctx, r.q(`
		SELECT `+receiptColumns+` FROM commitment_receipts
		WHERE user_id = ? ORDER BY committed_at, created_at`), userID.String())
	if err != nil {
		return nil, sharedDomain.ErrInternal(err, "listing receipts for user %s", userID)
	}
	defer rows.Close()

	var receipts []*domain.CommitmentReceipt
	for rows.Next() {
		receipt, err := scanReceipt(rows)
		if err != nil {
			return nil, sharedDomain.ErrInternal(err, "scanning receipt")
		}
		receipts = append(receipts, receipt)
	}
	return receipts, rows.Err()
}

// LatestReceipt returns the newest receipt, the chain head.
func (r *GovernanceRepository) LatestReceipt(ctx context.Context, userID uuid.UUID) (*domain.CommitmentReceipt, error) {
	row := r.exec(ctx).QueryRow(ctx, r.q(`
		SELECT `+receiptColumns+` FROM commitment_receipts
		WHERE user_id = ? ORDER BY committed_at DESC, created_at DESC LIMIT 1`), userID.String())
	receipt, err := scanReceipt(row)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, sharedDomain.ErrNotFound("no receipts for user %s", userID)
		}
		return nil, sharedDomain.ErrInternal(err, "loading latest receipt")
	}
	return receipt, nil
}

func scanReceipt(row database.Row) (*domain.CommitmentReceipt, error) {
	var (
		idRaw, userRaw, canonicalID, sessionRaw string
		committedAtRaw, proofHash, prevHash     string
		createdAtRaw                            string
	)
	if err := row.Scan(&idRaw, &userRaw, &canonicalID, &sessionRaw, &committedAtRaw, &proofHash, &prevHash, &createdAtRaw); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(idRaw)
	if err != nil {
		return nil, err
	}
	userID, err := uuid.Parse(userRaw)
	if err != nil {
		return nil, err
	}
	sessionID := uuid.Nil
	if sessionRaw != "" {
		sessionID, err = uuid.Parse(sessionRaw)
		if err != nil {
			return nil, err
		}
	}
	return &domain.CommitmentReceipt{
		ID:            id,
		UserID:        userID,
		CanonicalID:   canonicalID,
		SessionID:     sessionID,
		CommittedAt:   fromRFC3339(committedAtRaw),
		ProofHash:     proofHash,
		PrevProofHash: prevHash,
		CreatedAt:     fromRFC3339(createdAtRaw),
	}, nil
}

// SaveDeletionCertificate upserts a certificate; Complete rewrites the row
// with final counts.
func (r *GovernanceRepository) SaveDeletionCertificate(ctx context.Context, cert *domain.DeletionCertificate) error {
	_, err := r.exec(ctx).Exec(ctx, r.q(`
		INSERT INTO deletion_certificates (id, user_id, requested_at, completed_at,
			canonical_count, mirror_count, certificate_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			completed_at = excluded.completed_at,
			canonical_count = excluded.canonical_count,
			mirror_count = excluded.mirror_count,
			certificate_hash = excluded.certificate_hash`),
		cert.ID.String(),
		cert.UserID.String(),
		toRFC3339(cert.RequestedAt),
		toNullableRFC3339(cert.CompletedAt),
		cert.CanonicalCount,
		cert.MirrorCount,
		cert.CertificateHash,
		toRFC3339(cert.CreatedAt),
	)
	if err != nil {
		return sharedDomain.ErrInternal(err, "saving deletion certificate %s", cert.ID)
	}
	return nil
}

// FindDeletionCertificate loads one certificate.
func (r *GovernanceRepository) FindDeletionCertificate(ctx context.Context, id uuid.UUID) (*domain.DeletionCertificate, error) {
	row := r.exec(ctx).QueryRow(ctx, r.q(`
		SELECT id, user_id, requested_at, completed_at, canonical_count,
			mirror_count, certificate_hash, created_at
		FROM deletion_certificates WHERE id = ?`), id.String())

	var (
		idRaw, userRaw, requestedAtRaw string
		completedAtRaw                 *string
		canonicalCount, mirrorCount    int
		certHash, createdAtRaw         string
	)
	if err := row.Scan(&idRaw, &userRaw, &requestedAtRaw, &completedAtRaw, &canonicalCount, &mirrorCount, &certHash, &createdAtRaw); err != nil {
		if database.IsNoRows(err) {
			return nil, sharedDomain.ErrNotFound("certificate %s not found", id)
		}
		return nil, sharedDomain.ErrInternal(err, "loading deletion certificate %s", id)
	}

	certID, err := uuid.Parse(idRaw)
	if err != nil {
		return nil, err
	}
	userID, err := uuid.Parse(userRaw)
	if err != nil {
		return nil, err
	}
	return &domain.DeletionCertificate{
		ID:              certID,
		UserID:          userID,
		RequestedAt:     fromRFC3339(requestedAtRaw),
		CompletedAt:     fromNullableRFC3339(completedAtRaw),
		CanonicalCount:  canonicalCount,
		MirrorCount:     mirrorCount,
		CertificateHash: certHash,
		CreatedAt:       fromRFC3339(createdAtRaw),
	}, nil
}
