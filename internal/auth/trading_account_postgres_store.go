package auth

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orbitmarkets/authcore/internal/apperr"
)

// PostgresAccountStore implements TradingAccountStore against the
// trading_accounts and trading_account_memberships tables (SPEC_FULL.md §5),
// in the same direct-pgxpool shape as PostgresStore. Profile is stored as a
// JSON column since its shape varies per broker.
type PostgresAccountStore struct {
	pool *pgxpool.Pool
}

func NewPostgresAccountStore(pool *pgxpool.Pool) *PostgresAccountStore {
	return &PostgresAccountStore{pool: pool}
}

const tradingAccountColumns = `id, owner_id, broker, broker_handle, status, COALESCE(vault_ref::text, ''), profile, created_at`

func (s *PostgresAccountStore) scanAccount(row pgx.Row) (*TradingAccount, error) {
	var a TradingAccount
	var status string
	var profileJS []byte
	if err := row.Scan(&a.ID, &a.OwnerID, &a.Broker, &a.BrokerHandle, &status, &a.VaultRef, &profileJS, &a.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperr.ErrNotFound
		}
		return nil, apperr.Wrap(apperr.KindDependencyUnavailable, "auth: trading account read failed", err)
	}
	a.Status = TradingAccountStatus(status)
	if len(profileJS) > 0 {
		if err := json.Unmarshal(profileJS, &a.Profile); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "auth: corrupt trading account profile column", err)
		}
	}
	return &a, nil
}

func (s *PostgresAccountStore) Create(ctx context.Context, a *TradingAccount) error {
	profileJS, err := json.Marshal(a.Profile)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "auth: trading account profile encode failed", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO trading_accounts (id, owner_id, broker, broker_handle, status, vault_ref, profile, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, '')::uuid, $7, $8)
	`, a.ID, a.OwnerID, a.Broker, a.BrokerHandle, string(a.Status), a.VaultRef, profileJS, a.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.ErrConflict
		}
		return apperr.Wrap(apperr.KindDependencyUnavailable, "auth: trading account insert failed", err)
	}
	return nil
}

func (s *PostgresAccountStore) GetByID(ctx context.Context, id string) (*TradingAccount, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tradingAccountColumns+` FROM trading_accounts WHERE id = $1`, id)
	return s.scanAccount(row)
}

func (s *PostgresAccountStore) UpdateStatus(ctx context.Context, id string, status TradingAccountStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE trading_accounts SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return apperr.Wrap(apperr.KindDependencyUnavailable, "auth: trading account status update failed", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func (s *PostgresAccountStore) UpdateVaultRef(ctx context.Context, id, vaultRef string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE trading_accounts SET vault_ref = NULLIF($2, '')::uuid WHERE id = $1`, id, vaultRef)
	if err != nil {
		return apperr.Wrap(apperr.KindDependencyUnavailable, "auth: trading account vault ref update failed", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func (s *PostgresAccountStore) ListAccountIDsForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM trading_accounts WHERE owner_id = $1 AND status != 'revoked'
		UNION
		SELECT ta.id FROM trading_accounts ta
		JOIN trading_account_memberships m ON m.trading_account_id = ta.id
		WHERE m.user_id = $1 AND ta.status != 'revoked'
	`, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependencyUnavailable, "auth: trading account id list failed", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "auth: trading account id row scan failed", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PostgresAccountStore) AddMembership(ctx context.Context, accountID, userID, grantedBy string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trading_account_memberships (trading_account_id, user_id, granted_by, granted_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (trading_account_id, user_id) DO NOTHING
	`, accountID, userID, grantedBy)
	if err != nil {
		return apperr.Wrap(apperr.KindDependencyUnavailable, "auth: membership insert failed", err)
	}
	return nil
}

func (s *PostgresAccountStore) RemoveMembership(ctx context.Context, accountID, userID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM trading_account_memberships WHERE trading_account_id = $1 AND user_id = $2
	`, accountID, userID)
	if err != nil {
		return apperr.Wrap(apperr.KindDependencyUnavailable, "auth: membership delete failed", err)
	}
	return nil
}

func (s *PostgresAccountStore) IsMember(ctx context.Context, accountID, userID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM trading_account_memberships WHERE trading_account_id = $1 AND user_id = $2)
	`, accountID, userID).Scan(&exists)
	if err != nil {
		return false, apperr.Wrap(apperr.KindDependencyUnavailable, "auth: membership check failed", err)
	}
	return exists, nil
}
