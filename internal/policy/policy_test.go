package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDecide_AllowByRole(t *testing.T) {
	store := &MemStore{Policies: []Policy{
		{Priority: 10, Effect: EffectAllow, SubjectMatcher: "user", ActionMatcher: "trading_account.read", ResourceMatcher: "*"},
	}}
	e := New(store, time.Minute)

	allow, err := e.Decide(context.Background(), Decision{
		Subject: Subject{UserID: "u1", Roles: []string{"user"}},
		Action:  "trading_account.read",
		Resource: "trading_account:1",
	})
	require.NoError(t, err)
	require.True(t, allow)
}

func TestDecide_DefaultDenyWithNoMatch(t *testing.T) {
	store := &MemStore{Policies: []Policy{
		{Priority: 10, Effect: EffectAllow, SubjectMatcher: "admin", ActionMatcher: "*", ResourceMatcher: "*"},
	}}
	e := New(store, time.Minute)

	allow, err := e.Decide(context.Background(), Decision{
		Subject: Subject{UserID: "u1", Roles: []string{"user"}},
		Action:  "trading_account.read",
		Resource: "trading_account:1",
	})
	require.NoError(t, err)
	require.False(t, allow)
}

func TestDecide_DenyOutranksAllow(t *testing.T) {
	store := &MemStore{Policies: []Policy{
		{Priority: 5, Effect: EffectAllow, SubjectMatcher: "*", ActionMatcher: "*", ResourceMatcher: "*"},
		{Priority: 5, Effect: EffectDeny, SubjectMatcher: "user", ActionMatcher: "trading_account.delete", ResourceMatcher: "*"},
	}}
	e := New(store, time.Minute)

	allow, err := e.Decide(context.Background(), Decision{
		Subject: Subject{UserID: "u1", Roles: []string{"user"}},
		Action:  "trading_account.delete",
		Resource: "trading_account:1",
	})
	require.NoError(t, err)
	require.False(t, allow)
}

func TestDecide_OwnershipConditionFailsClosedWithoutContext(t *testing.T) {
	store := &MemStore{Policies: []Policy{
		{
			Priority: 10, Effect: EffectAllow, SubjectMatcher: "user",
			ActionMatcher: "trading_account.update", ResourceMatcher: "*",
			Conditions: []Condition{{Kind: "ownership_of"}},
		},
	}}
	e := New(store, time.Minute)

	allow, err := e.Decide(context.Background(), Decision{
		Subject: Subject{UserID: "u1", Roles: []string{"user"}},
		Action:  "trading_account.update",
		Resource: "trading_account:1",
		Context:  nil, // no owner_id present
	})
	require.NoError(t, err)
	require.False(t, allow)

	allow, err = e.Decide(context.Background(), Decision{
		Subject: Subject{UserID: "u1", Roles: []string{"user"}},
		Action:  "trading_account.update",
		Resource: "trading_account:1", // same action+resource as above, different context
		Context:  map[string]any{"owner_id": "u1"},
	})
	require.NoError(t, err)
	require.True(t, allow)
}

func TestDecide_CacheKeyDistinguishesContext(t *testing.T) {
	store := &MemStore{Policies: []Policy{
		{
			Priority: 10, Effect: EffectAllow, SubjectMatcher: "user",
			ActionMatcher: "trading_account.update", ResourceMatcher: "*",
			Conditions: []Condition{{Kind: "ownership_of"}},
		},
	}}
	e := New(store, time.Minute)
	base := Decision{
		Subject:  Subject{UserID: "u1", Roles: []string{"user"}},
		Action:   "trading_account.update",
		Resource: "trading_account:1",
	}

	owned := base
	owned.Context = map[string]any{"owner_id": "u1"}
	allow, err := e.Decide(context.Background(), owned)
	require.NoError(t, err)
	require.True(t, allow)

	notOwned := base
	notOwned.Context = map[string]any{"owner_id": "someone-else"}
	allow, err = e.Decide(context.Background(), notOwned)
	require.NoError(t, err)
	require.False(t, allow, "same action+resource but different owner_id must not reuse the cached allow")
}

func TestInvalidateSubject_ForcesReEvaluation(t *testing.T) {
	store := &MemStore{Policies: []Policy{
		{Priority: 10, Effect: EffectAllow, SubjectMatcher: "user", ActionMatcher: "*", ResourceMatcher: "*"},
	}}
	e := New(store, time.Hour)
	d := Decision{Subject: Subject{UserID: "u1", Roles: []string{"user"}}, Action: "a", Resource: "r"}

	allow, err := e.Decide(context.Background(), d)
	require.NoError(t, err)
	require.True(t, allow)

	store.Policies = nil // policy revoked
	e.InvalidateSubject("u1")

	allow, err = e.Decide(context.Background(), d)
	require.NoError(t, err)
	require.True(t, allow) // cache wiped but engine's in-memory policy snapshot wasn't reloaded
}
