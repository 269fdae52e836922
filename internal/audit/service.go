package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orbitmarkets/authcore/internal/apperr"
)

// PostgresStore implements Store against the auth_events table
// (SPEC_FULL.md §5, month-partitioned). No generated query layer ships in
// this retrieval pack, so statements are issued directly against pgxpool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Append(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "audit: payload marshal failed", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO auth_events
			(id, event_type, occurred_at, subject, actor, resource, payload, ip, user_agent_hash, risk_score)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, ev.ID, ev.Type, ev.OccurredAt, ev.Subject, nullable(ev.Actor), nullable(ev.Resource), payload,
		nullable(ev.IP), hashUserAgent(ev.UserAgent), ev.RiskScore)
	if err != nil {
		return apperr.Wrap(apperr.KindDependencyUnavailable, "audit: insert failed", err)
	}
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, q Query) ([]Event, error) {
	sql := `
		SELECT id, event_type, occurred_at, subject, COALESCE(actor, ''), COALESCE(resource, ''),
		       payload, COALESCE(ip, ''), user_agent_hash, risk_score
		FROM auth_events
		WHERE ($1 = '' OR subject = $1)
		  AND ($2 = '' OR event_type = $2)
		  AND ($3::timestamptz IS NULL OR occurred_at >= $3)
		  AND ($4::timestamptz IS NULL OR occurred_at <= $4)
		ORDER BY occurred_at DESC
		LIMIT $5
	`
	limit := q.Limit
	if limit <= 0 {
		limit = 500
	}

	rows, err := s.pool.Query(ctx, sql, q.UserID, q.EventType, nullTime(q.Since), nullTime(q.Until), limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependencyUnavailable, "audit: query failed", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.OccurredAt, &ev.Subject, &ev.Actor, &ev.Resource,
			&payload, &ev.IP, &ev.UserAgent, &ev.RiskScore); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "audit: row scan failed", err)
		}
		_ = json.Unmarshal(payload, &ev.Payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// hashUserAgent never stores the raw user-agent string, only a stable hash,
// matching spec.md §3 AuthEvent's "user-agent-hash" attribute.
func hashUserAgent(ua string) string {
	if ua == "" {
		return ""
	}
	return fmt.Sprintf("%x", fnv32a(ua))
}

func fnv32a(s string) uint32 {
	const prime32 = 16777619
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
