package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/orbitmarkets/authcore/internal/apperr"
	"github.com/orbitmarkets/authcore/internal/audit"
	"github.com/orbitmarkets/authcore/internal/events"
	"github.com/orbitmarkets/authcore/internal/keyring"
	"github.com/orbitmarkets/authcore/internal/mfa"
	"github.com/orbitmarkets/authcore/internal/notify"
	"github.com/orbitmarkets/authcore/internal/password"
	"github.com/orbitmarkets/authcore/internal/policy"
	"github.com/orbitmarkets/authcore/internal/session"
	"github.com/orbitmarkets/authcore/internal/token"
	"github.com/orbitmarkets/authcore/internal/vault"
)

// harness bundles an Orchestrator with handles to its in-memory fakes, for
// assertions tests want to make against state the public API doesn't expose
// directly (e.g. counting audit events).
type harness struct {
	orch     *Orchestrator
	users    *MemStore
	accounts *MemAccountStore
	audit    *audit.MemStore
	bus      *events.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	krStore := keyring.NewMemStore()
	krStore.Seed(&keyring.Key{Kid: "sig-1", Private: priv, Public: &priv.PublicKey, Status: keyring.StatusActive})
	kr, err := keyring.New(krStore, time.Hour)
	require.NoError(t, err)
	tokens := token.New(kr, 5*time.Second)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sessions := session.New(rdb, session.Config{})

	kms, err := vault.NewLocalKMS("AUTH_TEST_MASTER_KEY_UNUSED")
	require.NoError(t, err)
	v := vault.New(vault.NewMemStore(), kms, "local-1")
	mfaEngine := mfa.New("orbitmarkets-test", mfa.NewMemStore(), v)

	policyEngine := policy.New(&policy.MemStore{Policies: []policy.Policy{
		{Priority: 100, Effect: policy.EffectAllow, SubjectMatcher: "*", ActionMatcher: "*", ResourceMatcher: "*"},
	}}, time.Minute)

	auditStore := audit.NewMemStore()
	auditLog := audit.New(auditStore, 64)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	auditLog.Start(ctx)
	t.Cleanup(auditLog.Stop)

	bus := events.New(slog.Default(), 64)
	bus.Start(ctx, 2)
	t.Cleanup(bus.Stop)

	users := NewMemStore()
	accounts := NewMemAccountStore()
	mailer := &notify.DevMailer{Logger: slog.Default()}

	orch := New(users, accounts, password.NewBcryptHasher(4), tokens, sessions, mfaEngine, policyEngine, v, auditLog, bus, mailer, Config{
		TokenAudience: "authcore-test",
	})

	return &harness{orch: orch, users: users, accounts: accounts, audit: auditStore, bus: bus}
}

func TestRegister_ThenLogin_Succeeds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	user, err := h.orch.Register(ctx, RegisterInput{Email: "Trader@Example.com", Password: "Correct-Horse-Battery-9", DisplayName: "Trader"})
	require.NoError(t, err)
	require.Equal(t, "trader@example.com", user.Email)
	require.Equal(t, StatusPendingVerification, user.Status)

	res, err := h.orch.Login(ctx, LoginInput{Email: "trader@example.com", Password: "Correct-Horse-Battery-9", IP: "203.0.113.5"})
	require.NoError(t, err)
	require.False(t, res.MFARequired)
	require.NotEmpty(t, res.AccessToken)
	require.NotEmpty(t, res.RefreshToken)
}

func TestRegister_DuplicateEmailRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.Register(ctx, RegisterInput{Email: "dup@example.com", Password: "Correct-Horse-Battery-9"})
	require.NoError(t, err)

	_, err = h.orch.Register(ctx, RegisterInput{Email: "dup@example.com", Password: "Another-Battery-9-Staple"})
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestLogin_WrongPasswordReturnsGenericError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.orch.Register(ctx, RegisterInput{Email: "wrongpw@example.com", Password: "Correct-Horse-Battery-9"})
	require.NoError(t, err)

	_, err = h.orch.Login(ctx, LoginInput{Email: "wrongpw@example.com", Password: "not-the-password"})
	require.ErrorIs(t, err, apperr.ErrInvalidCredentials)
}

func TestLogin_UnknownEmailReturnsSameGenericError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.orch.Login(ctx, LoginInput{Email: "nobody@example.com", Password: "whatever-1234"})
	require.ErrorIs(t, err, apperr.ErrInvalidCredentials)
}

func TestLogin_RateLimitTripsAfterThreshold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.orch.cfg.LoginRateLimit = 2

	for i := 0; i < 2; i++ {
		_, err := h.orch.Login(ctx, LoginInput{Email: "limited@example.com", Password: "whatever"})
		require.ErrorIs(t, err, apperr.ErrInvalidCredentials)
	}
	_, err := h.orch.Login(ctx, LoginInput{Email: "limited@example.com", Password: "whatever"})
	require.ErrorIs(t, err, apperr.ErrRateLimited)
}

func TestLogin_SuspendedAccountDisabled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user, err := h.orch.Register(ctx, RegisterInput{Email: "suspended@example.com", Password: "Correct-Horse-Battery-9"})
	require.NoError(t, err)
	require.NoError(t, h.users.UpdateStatus(ctx, user.ID, StatusSuspended))

	_, err = h.orch.Login(ctx, LoginInput{Email: "suspended@example.com", Password: "Correct-Horse-Battery-9"})
	require.ErrorIs(t, err, apperr.ErrAccountDisabled)
}
