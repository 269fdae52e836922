package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orbitmarkets/authcore/internal/apperr"
)

func TestRequestPasswordReset_UnknownEmailStillSucceeds(t *testing.T) {
	h := newHarness(t)
	// No enumeration oracle (spec.md §4.10): an unknown email gets the same
	// nil-error response as a known one.
	require.NoError(t, h.orch.RequestPasswordReset(context.Background(), "nobody@example.com"))
}

func TestResetPassword_ValidTokenRotatesHashAndRevokesSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.Register(ctx, RegisterInput{Email: "reset@example.com", Password: "Correct-Horse-Battery-9"})
	require.NoError(t, err)
	login := registerAndLoginAs(t, h, "reset@example.com", "Correct-Horse-Battery-9")

	var captured string
	h.orch.mailer = captureMailer{dest: &captured}
	require.NoError(t, h.orch.RequestPasswordReset(ctx, "reset@example.com"))
	require.NotEmpty(t, captured)

	require.NoError(t, h.orch.ResetPassword(ctx, captured, "Another-Battery-Staple-7"))

	// Old password no longer verifies.
	_, err = h.orch.Login(ctx, LoginInput{Email: "reset@example.com", Password: "Correct-Horse-Battery-9"})
	require.ErrorIs(t, err, apperr.ErrInvalidCredentials)

	// New password does.
	_, err = h.orch.Login(ctx, LoginInput{Email: "reset@example.com", Password: "Another-Battery-Staple-7"})
	require.NoError(t, err)

	// The session opened before the reset is gone.
	claims, err := h.orch.tokens.Validate(login.AccessToken, h.orch.cfg.TokenAudience)
	require.NoError(t, err)
	_, err = h.orch.sessions.GetSession(ctx, claims.SID)
	require.ErrorIs(t, err, apperr.ErrSessionRevoked)
}

func TestResetPassword_UnknownTokenRejected(t *testing.T) {
	h := newHarness(t)
	err := h.orch.ResetPassword(context.Background(), "not-a-real-token", "Another-Battery-Staple-7")
	require.True(t, apperr.Is(err, apperr.KindAuthN))
}

func TestResetPassword_WeakPasswordRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.orch.Register(ctx, RegisterInput{Email: "weak@example.com", Password: "Correct-Horse-Battery-9"})
	require.NoError(t, err)

	var captured string
	h.orch.mailer = captureMailer{dest: &captured}
	require.NoError(t, h.orch.RequestPasswordReset(ctx, "weak@example.com"))

	err = h.orch.ResetPassword(ctx, captured, "short")
	require.True(t, apperr.Is(err, apperr.KindValidation))
}

// registerAndLoginAs logs an already-registered user in, for tests that need
// an active session predating a password reset.
func registerAndLoginAs(t *testing.T, h *harness, email, password string) *LoginResult {
	t.Helper()
	res, err := h.orch.Login(context.Background(), LoginInput{Email: email, Password: password, IP: "203.0.113.9"})
	require.NoError(t, err)
	return res
}

// captureMailer stands in for notify.EmailSender, saving the reset token a
// real mailer would have emailed out so the test can "click the link".
type captureMailer struct {
	dest *string
}

func (c captureMailer) SendInvitation(ctx context.Context, to, inviteURL string) error {
	return nil
}

func (c captureMailer) SendPasswordReset(ctx context.Context, to, token, appURL string) error {
	*c.dest = token
	return nil
}

func (c captureMailer) SendVerification(ctx context.Context, to, token, appURL string) error {
	return nil
}
