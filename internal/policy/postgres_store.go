package policy

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orbitmarkets/authcore/internal/apperr"
)

// PostgresStore implements Store against the policies table
// (SPEC_FULL.md §5), in the same direct-pgxpool shape as internal/audit's
// PostgresStore. Conditions are stored as a JSON array column since their
// shape (kind/key/value) varies per condition.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) List(ctx context.Context) ([]Policy, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT priority, effect, subject_matcher, action_matcher, resource_matcher, conditions
		FROM policies
		ORDER BY priority ASC
	`)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependencyUnavailable, "policy: list failed", err)
	}
	defer rows.Close()

	var out []Policy
	for rows.Next() {
		var (
			p            Policy
			effectStr    string
			conditionsJS []byte
		)
		if err := rows.Scan(&p.Priority, &effectStr, &p.SubjectMatcher, &p.ActionMatcher, &p.ResourceMatcher, &conditionsJS); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "policy: row scan failed", err)
		}
		p.Effect = Effect(effectStr)
		if len(conditionsJS) > 0 {
			if err := json.Unmarshal(conditionsJS, &p.Conditions); err != nil {
				return nil, apperr.Wrap(apperr.KindInternal, "policy: corrupt conditions column", err)
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
