package persistence

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/tminus-app/tminus/internal/graph/domain"
	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
	"github.com/tminus-app/tminus/internal/shared/infrastructure/database"
)

// JournalRepository is the append-only journal store. The seq column is
// storage-assigned and strictly increases, which gives every user a
// monotonic, gap-tolerant entry order.
type JournalRepository struct {
	rebinder
}

// NewJournalRepository creates the repository.
func NewJournalRepository(conn database.Connection) *JournalRepository {
	return &JournalRepository{rebinder{conn: conn}}
}

const journalColumns = `seq, user_id, entry_type, canonical_id, payload, occurred_at,
	feed_status, feed_attempts, feed_next_attempt_at, feed_published_at, feed_last_error`

// Append inserts an entry and fills in its assigned sequence number.
func (r *JournalRepository) Append(ctx context.Context, entry *domain.JournalEntry) error {
	if r.conn.Driver() == database.DriverPostgres {
		row := r.exec(ctx).QueryRow(ctx, r.q(`
			INSERT INTO journal (user_id, entry_type, canonical_id, payload, occurred_at,
				feed_status, feed_attempts, feed_last_error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING seq`),
			entry.UserID.String(), entry.EntryType, entry.CanonicalID,
			string(entry.Payload), toRFC3339(entry.OccurredAt),
			entry.FeedStatus, entry.FeedAttempts, entry.FeedLastError,
		)
		if err := row.Scan(&entry.Seq); err != nil {
			return sharedDomain.ErrInternal(err, "appending journal entry")
		}
		return nil
	}

	result, err := r.exec(ctx).Exec(ctx, r.q(`
		INSERT INTO journal (user_id, entry_type, canonical_id, payload, occurred_at,
			feed_status, feed_attempts, feed_last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		entry.UserID.String(), entry.EntryType, entry.CanonicalID,
		string(entry.Payload), toRFC3339(entry.OccurredAt),
		entry.FeedStatus, entry.FeedAttempts, entry.FeedLastError,
	)
	if err != nil {
		return sharedDomain.ErrInternal(err, "appending journal entry")
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return sharedDomain.ErrInternal(err, "reading journal sequence")
	}
	entry.Seq = seq
	return nil
}

// FindByUser returns a user's entries after seq, oldest first.
func (r *JournalRepository) FindByUser(ctx context.Context, userID uuid.UUID, afterSeq int64, limit int) ([]*domain.JournalEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.exec(ctx).Query(ctx, r.q(`
		SELECT `+journalColumns+` FROM journal
		WHERE user_id = ? AND seq > ?
		ORDER BY seq LIMIT ?`), userID.String(), afterSeq, limit)
	if err != nil {
		return nil, sharedDomain.ErrInternal(err, "reading journal for user %s", userID)
	}
	return collectEntries(rows)
}

// PendingFeed returns entries ready for publication: pending ones, plus
// failed ones whose backoff has elapsed. Oldest first so per-user order is
// preserved on the bus.
func (r *JournalRepository) PendingFeed(ctx context.Context, limit int) ([]*domain.JournalEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.exec(ctx).Query(ctx, r.q(`
		SELECT `+journalColumns+` FROM journal
		WHERE feed_status = 'pending'
		   OR (feed_status = 'failed' AND feed_next_attempt_at <= ?)
		ORDER BY seq LIMIT ?`), toRFC3339(nowUTC()), limit)
	if err != nil {
		return nil, sharedDomain.ErrInternal(err, "reading pending feed entries")
	}
	return collectEntries(rows)
}

// UpdateFeedState persists an entry's feed bookkeeping. The entry itself is
// immutable; only the feed columns change.
func (r *JournalRepository) UpdateFeedState(ctx context.Context, entry *domain.JournalEntry) error {
	_, err := r.exec(ctx).Exec(ctx, r.q(`
		UPDATE journal SET
			feed_status = ?,
			feed_attempts = ?,
			feed_next_attempt_at = ?,
			feed_published_at = ?,
			feed_last_error = ?
		WHERE seq = ?`),
		entry.FeedStatus,
		entry.FeedAttempts,
		toNullableRFC3339(entry.FeedNextAttemptAt),
		toNullableRFC3339(entry.FeedPublishedAt),
		entry.FeedLastError,
		entry.Seq,
	)
	if err != nil {
		return sharedDomain.ErrInternal(err, "updating feed state for seq %d", entry.Seq)
	}
	return nil
}

func collectEntries(rows database.Rows) ([]*domain.JournalEntry, error) {
	defer rows.Close()
	var entries []*domain.JournalEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, sharedDomain.ErrInternal(err, "scanning journal entry")
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, sharedDomain.ErrInternal(err, "iterating journal entries")
	}
	return entries, nil
}

func scanEntry(row database.Row) (*domain.JournalEntry, error) {
	var (
		seq                              int64
		userIDRaw, entryType             string
		canonicalID, payloadRaw          string
		occurredAtRaw, feedStatus        string
		feedAttempts                     int
		nextAttemptRaw, publishedAtRaw   *string
		feedLastError                    string
	)
	if err := row.Scan(
		&seq, &userIDRaw, &entryType, &canonicalID, &payloadRaw,
		&occurredAtRaw, &feedStatus, &feedAttempts, &nextAttemptRaw,
		&publishedAtRaw, &feedLastError,
	); err != nil {
		return nil, err
	}
	userID, err := uuid.Parse(userIDRaw)
	if err != nil {
		return nil, err
	}
	return &domain.JournalEntry{
		Seq:               seq,
		UserID:            userID,
		EntryType:         entryType,
		CanonicalID:       canonicalID,
		Payload:           json.RawMessage(payloadRaw),
		OccurredAt:        fromRFC3339(occurredAtRaw),
		FeedStatus:        feedStatus,
		FeedAttempts:      feedAttempts,
		FeedNextAttemptAt: fromNullableRFC3339(nextAttemptRaw),
		FeedPublishedAt:   fromNullableRFC3339(publishedAtRaw),
		FeedLastError:     feedLastError,
	}, nil
}
