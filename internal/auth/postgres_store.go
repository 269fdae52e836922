package auth

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orbitmarkets/authcore/internal/apperr"
)

// PostgresStore implements Store against the users and user_roles tables
// (SPEC_FULL.md §5), in the same direct-pgxpool shape as internal/audit's
// PostgresStore.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) scanUser(row pgx.Row) (*User, error) {
	var u User
	var status string
	if err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &status, &u.PasswordHash, &u.MFAEnabled, &u.OAuthProvider, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperr.ErrUserNotFound
		}
		return nil, apperr.Wrap(apperr.KindDependencyUnavailable, "auth: user read failed", err)
	}
	u.Status = Status(status)
	return &u, nil
}

const userColumns = `id, email, display_name, status, password_hash, mfa_enabled, COALESCE(oauth_provider, ''), created_at, updated_at`

func (s *PostgresStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	return s.scanUser(row)
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (*User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return s.scanUser(row)
}

func (s *PostgresStore) Create(ctx context.Context, u *User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, email, display_name, status, password_hash, mfa_enabled, oauth_provider, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), now(), now())
	`, u.ID, u.Email, u.DisplayName, string(u.Status), u.PasswordHash, u.MFAEnabled, u.OAuthProvider)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.ErrConflict
		}
		return apperr.Wrap(apperr.KindDependencyUnavailable, "auth: user insert failed", err)
	}
	return nil
}

func (s *PostgresStore) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	return s.exec1(ctx, `UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1`, userID, hash)
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, userID string, status Status) error {
	return s.exec1(ctx, `UPDATE users SET status = $2, updated_at = now() WHERE id = $1`, userID, string(status))
}

func (s *PostgresStore) SetMFAEnabled(ctx context.Context, userID string, enabled bool) error {
	return s.exec1(ctx, `UPDATE users SET mfa_enabled = $2, updated_at = now() WHERE id = $1`, userID, enabled)
}

func (s *PostgresStore) SetOAuthProvider(ctx context.Context, userID, provider string) error {
	return s.exec1(ctx, `UPDATE users SET oauth_provider = $2, updated_at = now() WHERE id = $1`, userID, provider)
}

func (s *PostgresStore) exec1(ctx context.Context, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return apperr.Wrap(apperr.KindDependencyUnavailable, "auth: update failed", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrUserNotFound
	}
	return nil
}

func (s *PostgresStore) Roles(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT role FROM user_roles WHERE user_id = $1 ORDER BY role ASC`, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependencyUnavailable, "auth: role list failed", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "auth: role row scan failed", err)
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AssignRole(ctx context.Context, userID, role, grantedBy string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_roles (user_id, role, granted_by, granted_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id, role) DO NOTHING
	`, userID, role, grantedBy)
	if err != nil {
		return apperr.Wrap(apperr.KindDependencyUnavailable, "auth: role assign failed", err)
	}
	return nil
}

// RevokeRole rejects revoking a user's last role (spec.md §3 UserRole
// invariant), checked and applied in one transaction to close the race
// against a concurrent AssignRole/RevokeRole on the same user.
func (s *PostgresStore) RevokeRole(ctx context.Context, userID, role string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.Wrap(apperr.KindDependencyUnavailable, "auth: revoke tx begin failed", err)
	}
	defer tx.Rollback(ctx)

	var count int
	if err := tx.QueryRow(ctx, `
		SELECT count(*) FROM (SELECT 1 FROM user_roles WHERE user_id = $1 FOR UPDATE) locked
	`, userID).Scan(&count); err != nil {
		return apperr.Wrap(apperr.KindDependencyUnavailable, "auth: role count failed", err)
	}
	if count <= 1 {
		return apperr.New(apperr.KindConflict, "auth: cannot revoke a user's last role")
	}

	if _, err := tx.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role = $2`, userID, role); err != nil {
		return apperr.Wrap(apperr.KindDependencyUnavailable, "auth: role delete failed", err)
	}
	return tx.Commit(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
