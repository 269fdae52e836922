package mfa

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orbitmarkets/authcore/internal/apperr"
)

// PostgresStore implements Store against user_mfa_secrets and
// user_mfa_backup_codes (SPEC_FULL.md §5), in the same direct-pgxpool shape
// as internal/audit's PostgresStore. Only vault refs are ever stored here —
// the TOTP secret and backup codes themselves live in CredentialVault.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) GetSecretRef(ctx context.Context, userID string) (string, bool, bool, error) {
	var ref string
	var confirmed bool
	err := s.pool.QueryRow(ctx, `
		SELECT vault_ref, confirmed FROM user_mfa_secrets WHERE user_id = $1
	`, userID).Scan(&ref, &confirmed)
	if err == pgx.ErrNoRows {
		return "", false, false, nil
	}
	if err != nil {
		return "", false, false, apperr.Wrap(apperr.KindDependencyUnavailable, "mfa: secret ref read failed", err)
	}
	return ref, confirmed, true, nil
}

func (s *PostgresStore) SetSecretRef(ctx context.Context, userID, ref string, confirmed bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_mfa_secrets (user_id, vault_ref, confirmed)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET vault_ref = EXCLUDED.vault_ref, confirmed = EXCLUDED.confirmed
	`, userID, ref, confirmed)
	if err != nil {
		return apperr.Wrap(apperr.KindDependencyUnavailable, "mfa: secret ref write failed", err)
	}
	return nil
}

func (s *PostgresStore) DeleteSecret(ctx context.Context, userID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.Wrap(apperr.KindDependencyUnavailable, "mfa: delete tx begin failed", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM user_mfa_secrets WHERE user_id = $1`, userID); err != nil {
		return apperr.Wrap(apperr.KindDependencyUnavailable, "mfa: secret delete failed", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM user_mfa_backup_codes WHERE user_id = $1`, userID); err != nil {
		return apperr.Wrap(apperr.KindDependencyUnavailable, "mfa: backup code delete failed", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListBackupCodeRefs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT vault_ref FROM user_mfa_backup_codes WHERE user_id = $1 ORDER BY id ASC`, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependencyUnavailable, "mfa: backup code list failed", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "mfa: backup code row scan failed", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ReplaceBackupCodeRefs(ctx context.Context, userID string, refs []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.Wrap(apperr.KindDependencyUnavailable, "mfa: replace tx begin failed", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM user_mfa_backup_codes WHERE user_id = $1`, userID); err != nil {
		return apperr.Wrap(apperr.KindDependencyUnavailable, "mfa: backup code clear failed", err)
	}
	for _, ref := range refs {
		if _, err := tx.Exec(ctx, `INSERT INTO user_mfa_backup_codes (user_id, vault_ref) VALUES ($1, $2)`, userID, ref); err != nil {
			return apperr.Wrap(apperr.KindDependencyUnavailable, "mfa: backup code insert failed", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) RemoveBackupCodeRef(ctx context.Context, userID, ref string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM user_mfa_backup_codes WHERE user_id = $1 AND vault_ref = $2`, userID, ref)
	if err != nil {
		return apperr.Wrap(apperr.KindDependencyUnavailable, "mfa: backup code remove failed", err)
	}
	return nil
}
