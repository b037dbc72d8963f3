package persistence

import (
	"context"

	"github.com/google/uuid"

	"github.com/tminus-app/tminus/internal/registry/domain"
	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
	"github.com/tminus-app/tminus/internal/shared/infrastructure/database"
)

// AccountIndexRepository stores the (provider, remote id) account index.
type AccountIndexRepository struct {
	conn database.Connection
}

// NewAccountIndexRepository creates the repository.
func NewAccountIndexRepository(conn database.Connection) *AccountIndexRepository {
	return &AccountIndexRepository{conn: conn}
}

func (r *AccountIndexRepository) q(query string) string {
	return database.Rebind(r.conn.Driver(), query)
}

func (r *AccountIndexRepository) exec(ctx context.Context) database.Executor {
	return database.ExecutorFromContext(ctx, r.conn)
}

// Bind upserts a binding on its (provider, remote id) key.
func (r *AccountIndexRepository) Bind(ctx context.Context, binding domain.AccountBinding) error {
	if err := binding.Validate(); err != nil {
		return err
	}
	_, err := r.exec(ctx).Exec(ctx, r.q(`
		INSERT INTO account_index (provider, remote_account_id, account_id, user_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (provider, remote_account_id) DO UPDATE SET
			account_id = excluded.account_id,
			user_id = excluded.user_id`),
		binding.Provider, binding.RemoteAccountID,
		binding.AccountID.String(), binding.UserID.String(),
	)
	if err != nil {
		return sharedDomain.ErrInternal(err, "binding %s/%s", binding.Provider, binding.RemoteAccountID)
	}
	return nil
}

// Resolve looks up the binding for a provider account.
func (r *AccountIndexRepository) Resolve(ctx context.Context, provider, remoteAccountID string) (domain.AccountBinding, error) {
	row := r.exec(ctx).QueryRow(ctx, r.q(`
		SELECT provider, remote_account_id, account_id, user_id
		FROM account_index WHERE provider = ? AND remote_account_id = ?`),
		provider, remoteAccountID)
	binding, err := scanBinding(row)
	if err != nil {
		if database.IsNoRows(err) {
			return domain.AccountBinding{}, sharedDomain.ErrNotFound(
				"no binding for %s/%s", provider, remoteAccountID)
		}
		return domain.AccountBinding{}, sharedDomain.ErrInternal(err, "resolving %s/%s", provider, remoteAccountID)
	}
	return binding, nil
}

// FindByUser lists a user's bindings.
func (r *AccountIndexRepository) FindByUser(ctx context.Context, userID uuid.UUID) ([]domain.AccountBinding, error) {
	rows, err := r.exec(ctx).Query(ctx, r.q(`
		SELECT provider, remote_account_id, account_id, user_id
		FROM account_index WHERE user_id = ? ORDER BY provider, remote_account_id`),
		userID.String())
	if err != nil {
		return nil, sharedDomain.ErrInternal(err, "listing bindings for user %s", userID)
	}
	defer rows.Close()

	var bindings []domain.AccountBinding
	for rows.Next() {
		binding, err := scanBinding(rows)
		if err != nil {
			return nil, sharedDomain.ErrInternal(err, "scanning binding")
		}
		bindings = append(bindings, binding)
	}
	if err := rows.Err(); err != nil {
		return nil, sharedDomain.ErrInternal(err, "iterating bindings")
	}
	return bindings, nil
}

// Unbind removes one binding.
func (r *AccountIndexRepository) Unbind(ctx context.Context, provider, remoteAccountID string) error {
	_, err := r.exec(ctx).Exec(ctx, r.q(`
		DELETE FROM account_index WHERE provider = ? AND remote_account_id = ?`),
		provider, remoteAccountID)
	if err != nil {
		return sharedDomain.ErrInternal(err, "unbinding %s/%s", provider, remoteAccountID)
	}
	return nil
}

// UnbindUser removes every binding of a user.
func (r *AccountIndexRepository) UnbindUser(ctx context.Context, userID uuid.UUID) (int, error) {
	result, err := r.exec(ctx).Exec(ctx, r.q(`
		DELETE FROM account_index WHERE user_id = ?`), userID.String())
	if err != nil {
		return 0, sharedDomain.ErrInternal(err, "unbinding user %s", userID)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(affected), nil
}

func scanBinding(row database.Row) (domain.AccountBinding, error) {
	var provider, remoteID, accountRaw, userRaw string
	if err := row.Scan(&provider, &remoteID, &accountRaw, &userRaw); err != nil {
		return domain.AccountBinding{}, err
	}
	accountID, err := uuid.Parse(accountRaw)
	if err != nil {
		return domain.AccountBinding{}, err
	}
	userID, err := uuid.Parse(userRaw)
	if err != nil {
		return domain.AccountBinding{}, err
	}
	return domain.AccountBinding{
		Provider:        provider,
		RemoteAccountID: remoteID,
		AccountID:       accountID,
		UserID:          userID,
	}, nil
}
