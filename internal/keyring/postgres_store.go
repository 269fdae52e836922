package keyring

import (
	"context"
	"crypto/rsa"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orbitmarkets/authcore/internal/apperr"
)

// PostgresStore implements Store against the signing_keys table
// (SPEC_FULL.md §5), following the same direct-pgxpool shape as
// internal/audit's PostgresStore — no generated query layer ships in this
// retrieval pack, so statements are hand-written.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) LoadAll() ([]*Key, error) {
	rows, err := s.pool.Query(context.Background(), `
		SELECT kid, private_pem, status, not_before, not_after, retire_at
		FROM signing_keys
		WHERE status != 'retired'
	`)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependencyUnavailable, "keyring: load failed", err)
	}
	defer rows.Close()

	var out []*Key
	for rows.Next() {
		var (
			kid, statusStr    string
			privPEM           []byte
			notBefore         time.Time
			notAfter, retireAt *time.Time
		)
		if err := rows.Scan(&kid, &privPEM, &statusStr, &notBefore, &notAfter, &retireAt); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "keyring: row scan failed", err)
		}
		priv, err := DecodePrivatePEM(privPEM)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "keyring: stored key is corrupt", err)
		}
		k := &Key{
			Kid:       kid,
			Private:   priv,
			Public:    &rsa.PublicKey{N: priv.N, E: priv.E},
			Status:    Status(statusStr),
			NotBefore: notBefore,
		}
		if notAfter != nil {
			k.NotAfter = *notAfter
		}
		if retireAt != nil {
			k.RetireAt = *retireAt
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Save(k *Key) error {
	var retireAt, notAfter any
	if !k.RetireAt.IsZero() {
		retireAt = k.RetireAt
	}
	if !k.NotAfter.IsZero() {
		notAfter = k.NotAfter
	}

	_, err := s.pool.Exec(context.Background(), `
		INSERT INTO signing_keys (kid, private_pem, status, not_before, not_after, retire_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (kid) DO UPDATE SET
			status = EXCLUDED.status,
			not_after = EXCLUDED.not_after,
			retire_at = EXCLUDED.retire_at
	`, k.Kid, EncodePrivatePEM(k.Private), string(k.Status), k.NotBefore, notAfter, retireAt)
	if err != nil {
		return apperr.Wrap(apperr.KindDependencyUnavailable, "keyring: save failed", err)
	}
	return nil
}
