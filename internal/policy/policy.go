// Package policy implements C7 PolicyEngine: the {subject, action, resource,
// context} → Allow/Deny decision point, a closed priority/effect Policy set
// evaluated by a glob-style matcher, backed by a sync.Map decision cache with
// background cleanup.
package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// Effect is a Policy's outcome when matched.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Condition is one small expression from spec.md §4.7's closed set.
type Condition struct {
	Kind  string // "equals" | "in_set" | "ownership_of"
	Key   string // context key to read
	Value any    // comparison operand ("equals"/"in_set"); ignored for ownership_of
}

// Policy is one rule; Policies are evaluated in ascending Priority order.
type Policy struct {
	Priority         int
	Effect           Effect
	SubjectMatcher   string // role name, or "*"
	ActionMatcher    string // dotted string or glob, e.g. "trading_account.*"
	ResourceMatcher  string // typed id or glob, e.g. "trading_account:*"
	Conditions       []Condition
}

// Subject carries the caller's identity for a Decision call.
type Subject struct {
	UserID string
	Roles  []string
}

// Decision is one evaluation request.
type Decision struct {
	Subject  Subject
	Action   string
	Resource string
	Context  map[string]any
}

// Store loads the current ordered policy set; production backs this with
// the policies table (SPEC_FULL.md §5), reloaded on permission.updated.
type Store interface {
	List(ctx context.Context) ([]Policy, error)
}

type cacheEntry struct {
	allow     bool
	expiresAt time.Time
}

// Engine evaluates Decisions against an in-process policy set with a
// short-TTL decision cache, invalidated on role/permission events.
type Engine struct {
	store Store
	ttl   time.Duration

	mu       sync.RWMutex
	policies []Policy
	loadedAt time.Time

	cache sync.Map // string(key) -> cacheEntry
}

func New(store Store, decisionTTL time.Duration) *Engine {
	if decisionTTL <= 0 {
		decisionTTL = 60 * time.Second
	}
	e := &Engine{store: store, ttl: decisionTTL}
	go e.cleanupLoop()
	return e
}

// cleanupLoop periodically sweeps expired decision-cache entries.
func (e *Engine) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		e.cache.Range(func(k, v any) bool {
			if ce, ok := v.(cacheEntry); ok && now.After(ce.expiresAt) {
				e.cache.Delete(k)
			}
			return true
		})
	}
}

// Reload refreshes the in-process policy set from Store and invalidates the
// entire decision cache (spec.md §4.7: "Policy-set changes invalidate the
// entire decision cache").
func (e *Engine) Reload(ctx context.Context) error {
	policies, err := e.store.List(ctx)
	if err != nil {
		return err
	}
	sort.SliceStable(policies, func(i, j int) bool { return policies[i].Priority < policies[j].Priority })

	e.mu.Lock()
	e.policies = policies
	e.loadedAt = time.Now()
	e.mu.Unlock()

	e.cache.Range(func(k, _ any) bool {
		e.cache.Delete(k)
		return true
	})
	return nil
}

// Decide evaluates d against the cached policy set, consulting and
// populating the decision cache.
func (e *Engine) Decide(ctx context.Context, d Decision) (bool, error) {
	key := cacheKey(d)
	if v, ok := e.cache.Load(key); ok {
		if ce := v.(cacheEntry); time.Now().Before(ce.expiresAt) {
			return ce.allow, nil
		}
		e.cache.Delete(key)
	}

	e.mu.RLock()
	if e.policies == nil {
		e.mu.RUnlock()
		if err := e.Reload(ctx); err != nil {
			return false, err
		}
		e.mu.RLock()
	}
	policies := e.policies
	e.mu.RUnlock()

	allow := evaluate(policies, d)

	e.cache.Store(key, cacheEntry{allow: allow, expiresAt: time.Now().Add(e.ttl)})
	return allow, nil
}

// evaluate implements spec.md §4.7's algorithm steps 3-7: filter matching
// policies, Deny beats Allow at any priority tier once matched, default deny.
func evaluate(policies []Policy, d Decision) bool {
	sawAllow := false
	for _, p := range policies {
		if !matches(p, d) {
			continue
		}
		if p.Effect == EffectDeny {
			return false // Deny outranks Allow unconditionally, per §4.7 step 5
		}
		sawAllow = true
	}
	return sawAllow
}

func matches(p Policy, d Decision) bool {
	if !matchesSubject(p.SubjectMatcher, d.Subject) {
		return false
	}
	if !globMatch(p.ActionMatcher, d.Action) {
		return false
	}
	if !globMatch(p.ResourceMatcher, d.Resource) {
		return false
	}
	for _, c := range p.Conditions {
		if !evalCondition(c, d) {
			return false
		}
	}
	return true
}

func matchesSubject(matcher string, s Subject) bool {
	if matcher == "*" {
		return true
	}
	for _, r := range s.Roles {
		if r == matcher {
			return true
		}
	}
	return false
}

func globMatch(matcher, value string) bool {
	if matcher == "*" || matcher == value {
		return true
	}
	ok, err := path.Match(matcher, value)
	return err == nil && ok
}

// evalCondition implements the small expression set; a condition referencing
// a missing context key evaluates to false (fail-closed), per spec.md §4.7.
func evalCondition(c Condition, d Decision) bool {
	switch c.Kind {
	case "equals":
		v, ok := d.Context[c.Key]
		return ok && v == c.Value
	case "in_set":
		v, ok := d.Context[c.Key]
		if !ok {
			return false
		}
		set, ok := c.Value.([]string)
		if !ok {
			return false
		}
		s, ok := v.(string)
		if !ok {
			return false
		}
		for _, item := range set {
			if item == s {
				return true
			}
		}
		return false
	case "ownership_of":
		ownerID, ok := d.Context["owner_id"]
		if !ok {
			return false
		}
		owner, ok := ownerID.(string)
		return ok && owner == d.Subject.UserID
	default:
		return false
	}
}

// InvalidateSubject drops every cached decision for subjectID, called on
// role.assigned, role.revoked, permission.updated, or user.deactivated
// (spec.md §4.7 Cache invalidation). Cache keys are hashed, so this does a
// linear scan — acceptable at decision-cache scale.
func (e *Engine) InvalidateSubject(subjectID string) {
	prefix := subjectID + "|"
	e.cache.Range(func(k, _ any) bool {
		if ks, ok := k.(string); ok && strings.HasPrefix(ks, prefix) {
			e.cache.Delete(k)
		}
		return true
	})
}

// cacheKey folds Action, Resource and Context under the subject's UserID —
// Conditions like ownership_of and in_set branch on context values, so two
// Decisions sharing action+resource but differing in context can legitimately
// produce different answers and must not collide in the cache. Subject.Roles
// is not part of the key; role changes reach the cache via InvalidateSubject.
func cacheKey(d Decision) string {
	h := sha256.New()
	h.Write([]byte(d.Action))
	h.Write([]byte{0})
	h.Write([]byte(d.Resource))
	h.Write([]byte{0})
	writeContext(h, d.Context)
	sum := hex.EncodeToString(h.Sum(nil))
	return d.Subject.UserID + "|" + sum
}

// writeContext hashes context entries in sorted-key order so the same map
// always produces the same digest regardless of map iteration order.
func writeContext(h hash.Hash, ctx map[string]any) {
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{'='})
		fmt.Fprintf(h, "%v", ctx[k])
		h.Write([]byte{0})
	}
}
