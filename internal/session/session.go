// Package session implements C4 SessionStore over Redis: session records,
// refresh-token family state, sliding-window rate limiting, and the
// short-lived challenge-token namespaces spec.md §4.4 lists. Library choice
// (github.com/redis/go-redis/v9) is sourced from suleymanmyradov-growth-server
// and Abraxas-365-manifesto — Postgres cannot express the per-key TTL +
// atomic scripted mutation this component needs. rotateFamily's
// compare-and-swap is a single Lua script run via EVAL so the
// read-consumed/mark-consumed/write-new sequence is atomic, closing the
// non-atomic rotation race spec.md §9 REDESIGN FLAGS calls out.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/orbitmarkets/authcore/internal/apperr"
)

// Record is the session/<sid> payload.
type Record struct {
	UserID       string    `json:"user_id"`
	DeviceFP     string    `json:"device_fp"`
	IP           string    `json:"ip"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	MFA          bool      `json:"mfa"`
	Persistent   bool      `json:"persistent"`
	Family       string    `json:"family"`
}

// refreshRecord is the refresh/<jti> payload.
type refreshRecord struct {
	UserID    string `json:"user_id"`
	SID       string `json:"sid"`
	Family    string `json:"family"`
	ParentJTI string `json:"parent_jti"`
	RotatedTo string `json:"rotated_to"`
	Consumed  bool   `json:"consumed"`
}

// RotateResult is what rotateFamily hands back on success.
type RotateResult struct {
	NewJTI string
	UserID string
	SID    string
	Family string
}

// Store implements SessionStore over a Redis client.
type Store struct {
	rdb *redis.Client

	sessionTTLPersistent time.Duration
	sessionTTLEphemeral  time.Duration
	refreshTTL           time.Duration

	// localBurst is the in-process token-bucket fallback (golang.org/x/time/rate)
	// that CheckRateLimit consults only when the Redis INCR fails.
	localBurst *rate.Limiter
}

type Config struct {
	SessionTTLPersistent time.Duration // default 90 days
	SessionTTLEphemeral  time.Duration // default 24h
	RefreshTTL           time.Duration
}

func New(rdb *redis.Client, cfg Config) *Store {
	if cfg.SessionTTLPersistent == 0 {
		cfg.SessionTTLPersistent = 90 * 24 * time.Hour
	}
	if cfg.SessionTTLEphemeral == 0 {
		cfg.SessionTTLEphemeral = 24 * time.Hour
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = cfg.SessionTTLPersistent
	}
	return &Store{
		rdb:                  rdb,
		sessionTTLPersistent: cfg.SessionTTLPersistent,
		sessionTTLEphemeral:  cfg.SessionTTLEphemeral,
		refreshTTL:           cfg.RefreshTTL,
		localBurst:           rate.NewLimiter(rate.Limit(50), 100),
	}
}

func sessionKey(sid string) string      { return "session/" + sid }
func refreshKey(jti string) string      { return "refresh/" + jti }
func familyKey(family string) string    { return "family/" + family }
func userSessionsKey(uid string) string { return "user_sessions/" + uid }
func rateLimitKey(scope, id string) string {
	return fmt.Sprintf("ratelimit/%s/%s", scope, id)
}

// CreateSession writes the session record and opens a fresh refresh family
// with the family's first (parentless) JTI.
func (s *Store) CreateSession(ctx context.Context, userID, deviceFP, ip string, mfa, persistent bool, firstJTI string) (sid, family string, err error) {
	sid, err = randomID()
	if err != nil {
		return "", "", apperr.Wrap(apperr.KindInternal, "session: sid generation failed", err)
	}
	family, err = randomID()
	if err != nil {
		return "", "", apperr.Wrap(apperr.KindInternal, "session: family id generation failed", err)
	}

	now := time.Now()
	rec := Record{
		UserID: userID, DeviceFP: deviceFP, IP: ip,
		CreatedAt: now, LastActiveAt: now, MFA: mfa, Persistent: persistent, Family: family,
	}
	ttl := s.sessionTTLEphemeral
	if persistent {
		ttl = s.sessionTTLPersistent
	}

	payload, _ := json.Marshal(rec)
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, sessionKey(sid), payload, ttl)
	pipe.SAdd(ctx, userSessionsKey(userID), sid)

	refresh := refreshRecord{UserID: userID, SID: sid, Family: family}
	rpayload, _ := json.Marshal(refresh)
	pipe.Set(ctx, refreshKey(firstJTI), rpayload, s.refreshTTL)
	pipe.SAdd(ctx, familyKey(family), firstJTI)
	pipe.Expire(ctx, familyKey(family), s.refreshTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return "", "", apperr.Wrap(apperr.KindDependencyUnavailable, "session: create failed", err)
	}
	return sid, family, nil
}

// TouchSession refreshes last_active_at and the TTL.
func (s *Store) TouchSession(ctx context.Context, sid string) error {
	raw, err := s.rdb.Get(ctx, sessionKey(sid)).Bytes()
	if err == redis.Nil {
		return apperr.ErrSessionRevoked
	} else if err != nil {
		return apperr.Wrap(apperr.KindDependencyUnavailable, "session: touch read failed", err)
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return apperr.Wrap(apperr.KindInternal, "session: corrupt record", err)
	}
	rec.LastActiveAt = time.Now()

	ttl := s.sessionTTLEphemeral
	if rec.Persistent {
		ttl = s.sessionTTLPersistent
	}
	payload, _ := json.Marshal(rec)
	if err := s.rdb.Set(ctx, sessionKey(sid), payload, ttl).Err(); err != nil {
		return apperr.Wrap(apperr.KindDependencyUnavailable, "session: touch write failed", err)
	}
	return nil
}

// GetSession loads the session record, or apperr.ErrSessionRevoked if absent
// or expired.
func (s *Store) GetSession(ctx context.Context, sid string) (*Record, error) {
	raw, err := s.rdb.Get(ctx, sessionKey(sid)).Bytes()
	if err == redis.Nil {
		return nil, apperr.ErrSessionRevoked
	} else if err != nil {
		return nil, apperr.Wrap(apperr.KindDependencyUnavailable, "session: get failed", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "session: corrupt record", err)
	}
	return &rec, nil
}

type rotateScriptResult struct {
	Status string `json:"status"`
}

// rotateScript is the atomic read-consumed/mark-consumed/write-new sequence,
// run once the caller has resolved which family-index key applies. cjson is
// built into Redis's Lua interpreter; no external dependency.
var rotateScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return cjson.encode({status = 'absent'})
end
local rec = cjson.decode(raw)
if rec.consumed then
  return cjson.encode({status = 'reuse'})
end
rec.consumed = true
rec.rotated_to = ARGV[1]
redis.call('SET', KEYS[1], cjson.encode(rec), 'KEEPTTL')
local newRec = {user_id = rec.user_id, sid = rec.sid, family = rec.family, parent_jti = ARGV[2], consumed = false, rotated_to = ''}
redis.call('SET', KEYS[2], cjson.encode(newRec), 'EX', tonumber(ARGV[3]))
redis.call('SADD', KEYS[3], ARGV[1])
redis.call('EXPIRE', KEYS[3], tonumber(ARGV[3]))
return cjson.encode({status = 'rotated'})
`)

// RotateFamily implements the atomic CAS spec.md §4.4 mandates: a
// non-destructive read resolves which family-index key applies, then
// rotateScript performs the actual consumed-check/mark/write atomically. On
// apperr.ErrReuseDetected, the old family's every JTI plus its session have
// already been deleted before this call returns; the caller (C10
// AuthOrchestrator) is responsible for AuditLog + EventBus publication.
func (s *Store) RotateFamily(ctx context.Context, oldJTI string) (*RotateResult, error) {
	newJTI, err := randomID()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "session: jti generation failed", err)
	}

	raw, err := s.rdb.Get(ctx, refreshKey(oldJTI)).Bytes()
	if err == redis.Nil {
		return nil, apperr.New(apperr.KindAuthN, "session: unknown refresh token")
	} else if err != nil {
		return nil, apperr.Wrap(apperr.KindDependencyUnavailable, "session: rotate read failed", err)
	}
	var rec refreshRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "session: corrupt refresh record", err)
	}

	res, err := rotateScript.Run(ctx, s.rdb,
		[]string{refreshKey(oldJTI), refreshKey(newJTI), familyKey(rec.Family)},
		newJTI, oldJTI, int(s.refreshTTL.Seconds()),
	).Text()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependencyUnavailable, "session: rotate script failed", err)
	}

	var parsed rotateScriptResult
	if err := json.Unmarshal([]byte(res), &parsed); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "session: malformed rotate result", err)
	}

	switch parsed.Status {
	case "absent":
		return nil, apperr.New(apperr.KindAuthN, "session: unknown refresh token")
	case "reuse":
		if err := s.destroyFamily(ctx, rec.Family, rec.SID); err != nil {
			return nil, err
		}
		return nil, apperr.ErrReuseDetected
	default:
		return &RotateResult{NewJTI: newJTI, UserID: rec.UserID, SID: rec.SID, Family: rec.Family}, nil
	}
}

// destroyFamily deletes every JTI in family plus the session itself.
func (s *Store) destroyFamily(ctx context.Context, family, sid string) error {
	jtis, err := s.rdb.SMembers(ctx, familyKey(family)).Result()
	if err != nil {
		return apperr.Wrap(apperr.KindDependencyUnavailable, "session: family read failed", err)
	}

	pipe := s.rdb.TxPipeline()
	for _, jti := range jtis {
		pipe.Del(ctx, refreshKey(jti))
	}
	pipe.Del(ctx, familyKey(family))
	pipe.Del(ctx, sessionKey(sid))
	_, err = pipe.Exec(ctx)
	if err != nil {
		return apperr.Wrap(apperr.KindDependencyUnavailable, "session: family destroy failed", err)
	}
	return nil
}

// RevokeSession deletes the session key and every refresh JTI of its family.
func (s *Store) RevokeSession(ctx context.Context, sid string) error {
	rec, err := s.GetSession(ctx, sid)
	if err != nil {
		if apperr.Is(err, apperr.KindAuthN) {
			return nil // already gone
		}
		return err
	}
	return s.destroyFamily(ctx, rec.Family, sid)
}

// RevokeAllForUser enumerates the user's sessions (via the user_sessions
// index) and revokes each.
func (s *Store) RevokeAllForUser(ctx context.Context, userID string) error {
	sids, err := s.rdb.SMembers(ctx, userSessionsKey(userID)).Result()
	if err != nil {
		return apperr.Wrap(apperr.KindDependencyUnavailable, "session: user index read failed", err)
	}
	for _, sid := range sids {
		if err := s.RevokeSession(ctx, sid); err != nil {
			return err
		}
	}
	return s.rdb.Del(ctx, userSessionsKey(userID)).Err()
}

// CheckRateLimit implements a sliding-window counter over Redis (INCR +
// EXPIRE NX), falling back to the in-process token bucket if Redis is
// unreachable — degrade to a locally-enforced limit rather than fail open.
func (s *Store) CheckRateLimit(ctx context.Context, scope, id string, limit int64, window time.Duration) (bool, error) {
	key := rateLimitKey(scope, id)
	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return s.localBurst.Allow(), nil
	}
	if n == 1 {
		s.rdb.Expire(ctx, key, window)
	}
	return n <= limit, nil
}

// PutTransient stores a short-lived opaque JSON blob under one of the
// pwreset/oauthstate/mfachallenge namespaces.
func (s *Store) PutTransient(ctx context.Context, namespace, key string, value any, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "session: transient marshal failed", err)
	}
	if err := s.rdb.Set(ctx, namespace+"/"+key, payload, ttl).Err(); err != nil {
		return apperr.Wrap(apperr.KindDependencyUnavailable, "session: transient write failed", err)
	}
	return nil
}

// GetTransient loads and deletes (GETDEL) an opaque transient blob — reset
// tokens, OAuth state, and MFA challenges are all single-use.
func (s *Store) GetTransient(ctx context.Context, namespace, key string, out any) error {
	raw, err := s.rdb.GetDel(ctx, namespace+"/"+key).Bytes()
	if err == redis.Nil {
		return apperr.ErrChallengeExpired
	} else if err != nil {
		return apperr.Wrap(apperr.KindDependencyUnavailable, "session: transient read failed", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperr.Wrap(apperr.KindInternal, "session: corrupt transient value", err)
	}
	return nil
}

func randomID() (string, error) {
	b := make([]byte, 20) // 160 bits, comfortably above spec.md's 128-bit floor
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
