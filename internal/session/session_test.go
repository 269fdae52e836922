package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/orbitmarkets/authcore/internal/apperr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, Config{RefreshTTL: time.Hour})
}

func TestCreateSession_WritesRecordAndFamily(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sid, family, err := s.CreateSession(ctx, "user:1", "fp-1", "1.2.3.4", false, false, "jti-1")
	require.NoError(t, err)
	require.NotEmpty(t, sid)
	require.NotEmpty(t, family)

	rec, err := s.GetSession(ctx, sid)
	require.NoError(t, err)
	require.Equal(t, "user:1", rec.UserID)
}

func TestRotateFamily_HappyPath(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, _, err := s.CreateSession(ctx, "user:1", "fp-1", "1.2.3.4", false, false, "jti-1")
	require.NoError(t, err)

	result, err := s.RotateFamily(ctx, "jti-1")
	require.NoError(t, err)
	require.NotEmpty(t, result.NewJTI)
	require.Equal(t, "user:1", result.UserID)
}

func TestRotateFamily_UnknownJTI(t *testing.T) {
	s := newTestStore(t)
	_, err := s.RotateFamily(context.Background(), "does-not-exist")
	require.Error(t, err)
}

func TestRotateFamily_ReuseDetectedDestroysSession(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sid, _, err := s.CreateSession(ctx, "user:1", "fp-1", "1.2.3.4", false, false, "jti-1")
	require.NoError(t, err)

	result, err := s.RotateFamily(ctx, "jti-1")
	require.NoError(t, err)

	// Reusing the already-consumed jti-1 must be detected and nuke the family
	// + session.
	_, err = s.RotateFamily(ctx, "jti-1")
	require.ErrorIs(t, err, apperr.ErrReuseDetected)

	_, err = s.GetSession(ctx, sid)
	require.Error(t, err)

	_, err = s.RotateFamily(ctx, result.NewJTI)
	require.Error(t, err) // new jti's refresh key was deleted along with the family
}

func TestCheckRateLimit_DeniesOverLimit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i := 0; i < 3; i++ {
		ok, err := s.CheckRateLimit(ctx, "login", "alice@example.com", 3, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := s.CheckRateLimit(ctx, "login", "alice@example.com", 3, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTransient_RoundTripIsSingleUse(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	type payload struct {
		UserID string `json:"user_id"`
	}
	require.NoError(t, s.PutTransient(ctx, "pwreset", "hash-1", payload{UserID: "user:1"}, 30*time.Minute))

	var got payload
	require.NoError(t, s.GetTransient(ctx, "pwreset", "hash-1", &got))
	require.Equal(t, "user:1", got.UserID)

	var again payload
	require.Error(t, s.GetTransient(ctx, "pwreset", "hash-1", &again))
}
