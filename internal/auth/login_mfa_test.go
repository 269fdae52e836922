package auth

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"github.com/orbitmarkets/authcore/internal/apperr"
)

// extractSecret pulls the base32 TOTP secret out of an otpauth:// provisioning
// URI, the way a real authenticator app would before generating a code.
func extractSecret(t *testing.T, provisioningURI string) string {
	t.Helper()
	u, err := url.Parse(provisioningURI)
	require.NoError(t, err)
	secret := u.Query().Get("secret")
	require.NotEmpty(t, secret)
	return secret
}

func registerWithMFA(t *testing.T, h *harness) (*User, string) {
	t.Helper()
	ctx := context.Background()
	user, err := h.orch.Register(ctx, RegisterInput{Email: "mfauser@example.com", Password: "Correct-Horse-Battery-9"})
	require.NoError(t, err)

	enr, err := h.orch.mfa.BeginEnrollment(ctx, user.ID, user.Email)
	require.NoError(t, err)

	secret := extractSecret(t, enr.ProvisioningURI)
	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	require.NoError(t, h.orch.mfa.ConfirmEnrollment(ctx, user.ID, code))
	require.NoError(t, h.users.SetMFAEnabled(ctx, user.ID, true))
	user.MFAEnabled = true

	return user, secret
}

func TestLogin_MFAEnabledReturnsChallenge(t *testing.T) {
	h := newHarness(t)
	user, _ := registerWithMFA(t, h)

	res, err := h.orch.Login(context.Background(), LoginInput{Email: user.Email, Password: "Correct-Horse-Battery-9"})
	require.NoError(t, err)
	require.True(t, res.MFARequired)
	require.NotEmpty(t, res.Challenge)
	require.Empty(t, res.AccessToken)
}

func TestVerifyMfa_CorrectCodeCompletesLogin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user, secret := registerWithMFA(t, h)

	res, err := h.orch.Login(ctx, LoginInput{Email: user.Email, Password: "Correct-Horse-Battery-9"})
	require.NoError(t, err)
	require.True(t, res.MFARequired)

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	final, err := h.orch.VerifyMfa(ctx, res.Challenge, code)
	require.NoError(t, err)
	require.NotEmpty(t, final.AccessToken)
	require.NotEmpty(t, final.RefreshToken)
}

func TestVerifyMfa_WrongCodeRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user, _ := registerWithMFA(t, h)

	res, err := h.orch.Login(ctx, LoginInput{Email: user.Email, Password: "Correct-Horse-Battery-9"})
	require.NoError(t, err)

	_, err = h.orch.VerifyMfa(ctx, res.Challenge, "000000")
	require.ErrorIs(t, err, apperr.ErrInvalidCode)
}

func TestVerifyMfa_UnknownChallengeRejected(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.VerifyMfa(context.Background(), "not-a-real-challenge", "123456")
	require.Error(t, err)
}
