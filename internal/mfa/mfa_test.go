package mfa

import (
	"context"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"github.com/orbitmarkets/authcore/internal/vault"
)

func newTestEngine(t *testing.T) (*Engine, *MemStore) {
	t.Helper()
	kms, err := vault.NewLocalKMS("MFA_TEST_MASTER_KEY_UNSET")
	require.NoError(t, err)
	v := vault.New(vault.NewMemStore(), kms, "local-dev-key-1")
	store := NewMemStore()
	return New("orbitmarkets", store, v), store
}

func fetchSecret(t *testing.T, e *Engine, userID string) string {
	t.Helper()
	ref, _, ok, err := e.store.GetSecretRef(context.Background(), userID)
	require.True(t, ok)
	require.NoError(t, err)
	plaintext, err := e.vault.Fetch(context.Background(), ref)
	require.NoError(t, err)
	return string(plaintext)
}

func TestBeginEnrollment_ThenConfirm(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	enrollment, err := e.BeginEnrollment(ctx, "user:1", "alice@example.com")
	require.NoError(t, err)
	require.NotEmpty(t, enrollment.ProvisioningURI)
	require.NotEmpty(t, enrollment.QRImage)
	require.Len(t, enrollment.BackupCodes, backupCodeCount)

	secret := fetchSecret(t, e, "user:1")
	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)

	require.NoError(t, e.ConfirmEnrollment(ctx, "user:1", code))

	_, confirmed, ok, err := e.store.GetSecretRef(ctx, "user:1")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, confirmed)
}

func TestBeginEnrollment_RefusesWhenAlreadyConfirmed(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	_, err := e.BeginEnrollment(ctx, "user:1", "alice@example.com")
	require.NoError(t, err)
	secret := fetchSecret(t, e, "user:1")
	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	require.NoError(t, e.ConfirmEnrollment(ctx, "user:1", code))

	_, err = e.BeginEnrollment(ctx, "user:1", "alice@example.com")
	require.Error(t, err)
}

func TestVerify_TOTPSucceeds(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	_, err := e.BeginEnrollment(ctx, "user:1", "alice@example.com")
	require.NoError(t, err)
	secret := fetchSecret(t, e, "user:1")
	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	require.NoError(t, e.ConfirmEnrollment(ctx, "user:1", code))

	code2, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	ok, method, err := e.Verify(ctx, "user:1", code2, true)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, MethodTOTP, method)
}

func TestVerify_BackupCodeIsOneShot(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	enrollment, err := e.BeginEnrollment(ctx, "user:1", "alice@example.com")
	require.NoError(t, err)
	secret := fetchSecret(t, e, "user:1")
	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	require.NoError(t, e.ConfirmEnrollment(ctx, "user:1", code))

	backupCode := enrollment.BackupCodes[0]
	ok, method, err := e.Verify(ctx, "user:1", backupCode, true)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, MethodBackupCode, method)

	ok, _, err = e.Verify(ctx, "user:1", backupCode, true)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRegenerateBackupCodes_RejectsBackupCodeAsFactor(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	enrollment, err := e.BeginEnrollment(ctx, "user:1", "alice@example.com")
	require.NoError(t, err)
	secret := fetchSecret(t, e, "user:1")
	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	require.NoError(t, e.ConfirmEnrollment(ctx, "user:1", code))

	_, err = e.RegenerateBackupCodes(ctx, "user:1", enrollment.BackupCodes[0])
	require.Error(t, err)
}
