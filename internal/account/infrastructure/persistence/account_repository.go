// Package persistence implements the account repository on the shared
// database abstraction. Timestamps are RFC3339 TEXT; nullable instants use
// NULL rather than a zero sentinel.
package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tminus-app/tminus/internal/account/domain"
	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
	"github.com/tminus-app/tminus/internal/shared/infrastructure/database"
)

// AccountRepository stores connected provider accounts.
type AccountRepository struct {
	conn database.Connection
}

// NewAccountRepository creates the repository.
func NewAccountRepository(conn database.Connection) *AccountRepository {
	return &AccountRepository{conn: conn}
}

func (r *AccountRepository) q(query string) string {
	return database.Rebind(r.conn.Driver(), query)
}

func (r *AccountRepository) exec(ctx context.Context) database.Executor {
	return database.ExecutorFromContext(ctx, r.conn)
}

const accountColumns = `id, user_id, provider, remote_account_id, email,
	encrypted_refresh_token, access_token, access_token_expires_at, sync_cursor,
	primary_calendar_id, overlay_calendar_id, watch_channel_id, watch_resource_id,
	watch_token, watch_expires_at, status, health, last_synced_at, last_attempt_at,
	consecutive_failures, last_error, created_at, updated_at`

// Save upserts an account on its id.
func (r *AccountRepository) Save(ctx context.Context, account *domain.Account) error {
	_, err := r.exec(ctx).Exec(ctx, r.q(`
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			email = excluded.email,
			encrypted_refresh_token = excluded.encrypted_refresh_token,
			access_token = excluded.access_token,
			access_token_expires_at = excluded.access_token_expires_at,
			sync_cursor = excluded.sync_cursor,
			primary_calendar_id = excluded.primary_calendar_id,
			overlay_calendar_id = excluded.overlay_calendar_id,
			watch_channel_id = excluded.watch_channel_id,
			watch_resource_id = excluded.watch_resource_id,
			watch_token = excluded.watch_token,
			watch_expires_at = excluded.watch_expires_at,
			status = excluded.status,
			health = excluded.health,
			last_synced_at = excluded.last_synced_at,
			last_attempt_at = excluded.last_attempt_at,
			consecutive_failures = excluded.consecutive_failures,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`),
		account.ID().String(),
		account.UserID().String(),
		account.Provider().String(),
		account.RemoteAccountID(),
		account.Email(),
		account.EncryptedRefreshToken(),
		account.AccessToken(),
		nullableTime(account.AccessTokenExpiresAt()),
		account.SyncCursor(),
		account.PrimaryCalendarID(),
		account.OverlayCalendarID(),
		account.Watch().ChannelID,
		account.Watch().ResourceID,
		account.Watch().Token,
		nullableTime(account.Watch().ExpiresAt),
		string(account.Status()),
		string(account.Health()),
		nullableTime(account.LastSyncedAt()),
		nullableTime(account.LastAttemptAt()),
		account.ConsecutiveFailures(),
		account.LastError(),
		formatTime(account.CreatedAt()),
		formatTime(account.UpdatedAt()),
	)
	if err != nil {
		return sharedDomain.ErrInternal(err, "saving account %s", account.ID())
	}
	return nil
}

// FindByID loads one account.
func (r *AccountRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	row := r.exec(ctx).QueryRow(ctx, r.q(`
		SELECT `+accountColumns+` FROM accounts WHERE id = ?`), id.String())
	account, err := scanAccount(row)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, sharedDomain.ErrNotFound("account %s not found", id)
		}
		return nil, sharedDomain.ErrInternal(err, "loading account %s", id)
	}
	return account, nil
}

// FindByProviderAndRemote resolves the unique (provider, remote id) pair.
func (r *AccountRepository) FindByProviderAndRemote(ctx context.Context, provider domain.ProviderType, remoteAccountID string) (*domain.Account, error) {
	row := r.exec(ctx).QueryRow(ctx, r.q(`
		SELECT `+accountColumns+` FROM accounts
		WHERE provider = ? AND remote_account_id = ?`), provider.String(), remoteAccountID)
	account, err := scanAccount(row)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, sharedDomain.ErrNotFound("no %s account for %s", provider, remoteAccountID)
		}
		return nil, sharedDomain.ErrInternal(err, "loading %s account", provider)
	}
	return account, nil
}

// FindByUser lists a user's accounts, oldest connection first.
func (r *AccountRepository) FindByUser(ctx context.Context, userID uuid.UUID) ([]*domain.Account, error) {
	rows, err := r.exec(ctx).Query(ctx, r.q(`
		SELECT `+accountColumns+` FROM accounts
		WHERE user_id = ? ORDER BY created_at`), userID.String())
	if err != nil {
		return nil, sharedDomain.ErrInternal(err, "listing accounts for user %s", userID)
	}
	return collectAccounts(rows)
}

// FindActive lists every active account.
func (r *AccountRepository) FindActive(ctx context.Context) ([]*domain.Account, error) {
	rows, err := r.exec(ctx).Query(ctx, r.q(`
		SELECT `+accountColumns+` FROM accounts
		WHERE status = 'active' ORDER BY created_at`))
	if err != nil {
		return nil, sharedDomain.ErrInternal(err, "listing active accounts")
	}
	return collectAccounts(rows)
}

// FindWatchExpiring lists active accounts whose channel expires before the
// deadline.
func (r *AccountRepository) FindWatchExpiring(ctx context.Context, before time.Time) ([]*domain.Account, error) {
	rows, err := r.exec(ctx).Query(ctx, r.q(`
		SELECT `+accountColumns+` FROM accounts
		WHERE status = 'active' AND watch_channel_id != '' AND watch_expires_at <= ?
		ORDER BY watch_expires_at`), formatTime(before))
	if err != nil {
		return nil, sharedDomain.ErrInternal(err, "listing expiring channels")
	}
	return collectAccounts(rows)
}

// Delete removes an account row entirely.
func (r *AccountRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.exec(ctx).Exec(ctx, r.q(`DELETE FROM accounts WHERE id = ?`), id.String())
	if err != nil {
		return sharedDomain.ErrInternal(err, "deleting account %s", id)
	}
	return nil
}

func collectAccounts(rows database.Rows) ([]*domain.Account, error) {
	defer rows.Close()
	var accounts []*domain.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, sharedDomain.ErrInternal(err, "scanning account")
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, sharedDomain.ErrInternal(err, "iterating accounts")
	}
	return accounts, nil
}

func scanAccount(row database.Row) (*domain.Account, error) {
	var (
		idRaw, userRaw, provider, remoteID, email          string
		sealedRefresh, accessToken                         string
		accessExpiresRaw                                   *string
		syncCursor, primaryCalendar, overlayCalendar       string
		watchChannelID, watchResourceID, watchToken        string
		watchExpiresRaw                                    *string
		status, health                                     string
		lastSyncedRaw, lastAttemptRaw                      *string
		consecutiveFailures                                int
		lastError, createdAtRaw, updatedAtRaw              string
	)
	if err := row.Scan(
		&idRaw, &userRaw, &provider, &remoteID, &email,
		&sealedRefresh, &accessToken, &accessExpiresRaw, &syncCursor,
		&primaryCalendar, &overlayCalendar, &watchChannelID, &watchResourceID,
		&watchToken, &watchExpiresRaw, &status, &health, &lastSyncedRaw,
		&lastAttemptRaw, &consecutiveFailures, &lastError, &createdAtRaw, &updatedAtRaw,
	); err != nil {
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

	return domain.RehydrateAccount(
		id, userID,
		domain.ProviderType(provider), remoteID, email,
		sealedRefresh, accessToken, parseNullableTime(accessExpiresRaw),
		syncCursor, primaryCalendar, overlayCalendar,
		domain.WatchChannel{
			ChannelID:  watchChannelID,
			ResourceID: watchResourceID,
			Token:      watchToken,
			ExpiresAt:  parseNullableTime(watchExpiresRaw),
		},
		domain.AccountStatus(status), domain.AccountHealth(health),
		parseNullableTime(lastSyncedRaw), parseNullableTime(lastAttemptRaw),
		consecutiveFailures, lastError,
		parseTime(createdAtRaw), parseTime(updatedAtRaw),
	), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func parseNullableTime(s *string) time.Time {
	if s == nil || *s == "" {
		return time.Time{}
	}
	return parseTime(*s)
}
