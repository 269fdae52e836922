package vault

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orbitmarkets/authcore/internal/apperr"
)

// PostgresStore implements Store and Lister against the vault_records table
// (SPEC_FULL.md §5), in the same direct-pgxpool shape as internal/audit's
// PostgresStore.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Put(ctx context.Context, r *Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO vault_records
			(ref, owner_id, label, kms_key_id, nonce, data_key_ciphertext, secret_ciphertext, tombstoned)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (ref) DO UPDATE SET
			kms_key_id = EXCLUDED.kms_key_id,
			nonce = EXCLUDED.nonce,
			data_key_ciphertext = EXCLUDED.data_key_ciphertext,
			secret_ciphertext = EXCLUDED.secret_ciphertext
	`, r.Ref, r.OwnerID, r.Label, r.KMSKeyID, r.Nonce, r.DataKeyCiphertext, r.SecretCiphertext, r.Tombstoned)
	if err != nil {
		return apperr.Wrap(apperr.KindDependencyUnavailable, "vault: insert failed", err)
	}
	return nil
}

// Get returns (nil, nil) on miss, matching MemStore's contract — Vault.Fetch
// distinguishes "no such ref" from a dependency error by the nil record, not
// by error kind.
func (s *PostgresStore) Get(ctx context.Context, ref string) (*Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT ref, owner_id, label, kms_key_id, nonce, data_key_ciphertext, secret_ciphertext, tombstoned
		FROM vault_records WHERE ref = $1
	`, ref)

	var r Record
	if err := row.Scan(&r.Ref, &r.OwnerID, &r.Label, &r.KMSKeyID, &r.Nonce, &r.DataKeyCiphertext, &r.SecretCiphertext, &r.Tombstoned); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.KindDependencyUnavailable, "vault: read failed", err)
	}
	return &r, nil
}

func (s *PostgresStore) Tombstone(ctx context.Context, ref string) error {
	_, err := s.pool.Exec(ctx, `UPDATE vault_records SET tombstoned = true WHERE ref = $1`, ref)
	if err != nil {
		return apperr.Wrap(apperr.KindDependencyUnavailable, "vault: tombstone failed", err)
	}
	return nil
}

// ListAll implements Lister, backing ReencryptAllUnder's offline migration.
func (s *PostgresStore) ListAll(ctx context.Context) ([]*Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ref, owner_id, label, kms_key_id, nonce, data_key_ciphertext, secret_ciphertext, tombstoned
		FROM vault_records
	`)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependencyUnavailable, "vault: list failed", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Ref, &r.OwnerID, &r.Label, &r.KMSKeyID, &r.Nonce, &r.DataKeyCiphertext, &r.SecretCiphertext, &r.Tombstoned); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "vault: row scan failed", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
