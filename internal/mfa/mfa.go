// Package mfa implements C5 MfaEngine: TOTP enrollment, clock-skew-tolerant
// verification, and one-shot backup codes, via otp/totp and QR-PNG
// provisioning. The TOTP secret and every backup code route through
// CredentialVault rather than a plaintext column, per spec.md §4.5/§4.6.
package mfa

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"image/png"
	"math/big"

	"github.com/pquerna/otp/totp"

	"github.com/orbitmarkets/authcore/internal/apperr"
	"github.com/orbitmarkets/authcore/internal/vault"
)

const backupCodeCount = 10

// backupCodeModulus bounds each code to 8 decimal digits (spec.md §4.5).
var backupCodeModulus = big.NewInt(100000000)

// Method is which factor a successful verify() consumed.
type Method string

const (
	MethodTOTP       Method = "totp"
	MethodBackupCode Method = "backup_code"
)

// Enrollment is returned by BeginEnrollment; QRImage is a PNG.
type Enrollment struct {
	ProvisioningURI string
	QRImage         []byte
	BackupCodes     []string
}

// Store tracks, per user, the vault refs for the TOTP secret and each
// outstanding backup code, plus enrollment confirmation state. Production
// backs this by the users/totp-adjacent tables (SPEC_FULL.md §5); tests use
// an in-memory fake.
type Store interface {
	GetSecretRef(ctx context.Context, userID string) (ref string, confirmed bool, ok bool, err error)
	SetSecretRef(ctx context.Context, userID, ref string, confirmed bool) error
	DeleteSecret(ctx context.Context, userID string) error

	ListBackupCodeRefs(ctx context.Context, userID string) ([]string, error)
	ReplaceBackupCodeRefs(ctx context.Context, userID string, refs []string) error
	RemoveBackupCodeRef(ctx context.Context, userID, ref string) error
}

// Engine implements the MfaEngine contract (spec.md §4.5).
type Engine struct {
	issuer string
	store  Store
	vault  *vault.Vault
}

func New(issuer string, store Store, v *vault.Vault) *Engine {
	return &Engine{issuer: issuer, store: store, vault: v}
}

// BeginEnrollment requires the user currently has no confirmed TOTP secret.
// The secret is stored with confirmed=false; each backup code is stored as
// an independent vault reference.
func (e *Engine) BeginEnrollment(ctx context.Context, userID, accountName string) (*Enrollment, error) {
	if _, confirmed, ok, err := e.store.GetSecretRef(ctx, userID); err != nil {
		return nil, err
	} else if ok && confirmed {
		return nil, apperr.New(apperr.KindConflict, "mfa: already enrolled")
	}

	key, err := totp.Generate(totp.GenerateOpts{Issuer: e.issuer, AccountName: accountName})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "mfa: failed to generate totp key", err)
	}

	var buf bytes.Buffer
	img, err := key.Image(200, 200)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "mfa: failed to render qr code", err)
	}
	if err := png.Encode(&buf, img); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "mfa: failed to encode qr png", err)
	}

	secretRef, err := e.vault.Store(ctx, userID, "totp_secret", []byte(key.Secret()))
	if err != nil {
		return nil, err
	}
	if err := e.store.SetSecretRef(ctx, userID, secretRef, false); err != nil {
		return nil, err
	}

	codes, refs, err := e.mintBackupCodes(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := e.store.ReplaceBackupCodeRefs(ctx, userID, refs); err != nil {
		return nil, err
	}

	return &Enrollment{
		ProvisioningURI: key.URL(),
		QRImage:         buf.Bytes(),
		BackupCodes:     codes,
	}, nil
}

// ConfirmEnrollment verifies code against the pending secret; on success
// marks it confirmed. Callers flip the user's mfa-enabled flag on success.
func (e *Engine) ConfirmEnrollment(ctx context.Context, userID, code string) error {
	ref, confirmed, ok, err := e.store.GetSecretRef(ctx, userID)
	if err != nil {
		return err
	}
	if !ok || confirmed {
		return apperr.New(apperr.KindConflict, "mfa: no pending enrollment")
	}

	secret, err := e.vault.Fetch(ctx, ref)
	if err != nil {
		return err
	}
	if !totp.Validate(code, string(secret)) {
		return apperr.ErrInvalidCode
	}

	return e.store.SetSecretRef(ctx, userID, ref, true)
}

// Verify tries TOTP first (±1 step, i.e. ±30s, via otp's default validator),
// then each backup code with constant-time comparison. A matched backup code
// is removed (one-shot).
func (e *Engine) Verify(ctx context.Context, userID, code string, allowBackup bool) (bool, Method, error) {
	ref, confirmed, ok, err := e.store.GetSecretRef(ctx, userID)
	if err != nil {
		return false, "", err
	}
	if !ok || !confirmed {
		return false, "", apperr.New(apperr.KindAuthN, "mfa: not enabled for user")
	}

	secret, err := e.vault.Fetch(ctx, ref)
	if err != nil {
		return false, "", err
	}
	if totp.Validate(code, string(secret)) {
		return true, MethodTOTP, nil
	}

	if !allowBackup {
		return false, "", nil
	}

	refs, err := e.store.ListBackupCodeRefs(ctx, userID)
	if err != nil {
		return false, "", err
	}
	for _, r := range refs {
		stored, err := e.vault.Fetch(ctx, r)
		if err != nil {
			continue // unavailable, not absent — try the next code
		}
		if subtle.ConstantTimeCompare(stored, []byte(code)) == 1 {
			_ = e.store.RemoveBackupCodeRef(ctx, userID, r)
			return true, MethodBackupCode, nil
		}
	}
	return false, "", nil
}

// Disable verifies a fresh code (backup code acceptable) before deleting the
// secret and all backup codes. Password verification is the orchestrator's
// responsibility — it owns PasswordHasher and calls Disable only after that
// check passes, per spec.md §4.5.
func (e *Engine) Disable(ctx context.Context, userID, code string) error {
	ok, _, err := e.Verify(ctx, userID, code, true)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.ErrInvalidCode
	}
	if err := e.store.DeleteSecret(ctx, userID); err != nil {
		return err
	}
	refs, err := e.store.ListBackupCodeRefs(ctx, userID)
	if err != nil {
		return err
	}
	for _, r := range refs {
		_ = e.store.RemoveBackupCodeRef(ctx, userID, r)
	}
	return nil
}

// RegenerateBackupCodes requires a TOTP code specifically — a backup code is
// NOT accepted, so a stolen backup code alone cannot be used to mint a fresh
// set and perpetuate access (spec.md §4.5).
func (e *Engine) RegenerateBackupCodes(ctx context.Context, userID, totpCode string) ([]string, error) {
	ref, confirmed, ok, err := e.store.GetSecretRef(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !ok || !confirmed {
		return nil, apperr.New(apperr.KindAuthN, "mfa: not enabled for user")
	}
	secret, err := e.vault.Fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !totp.Validate(totpCode, string(secret)) {
		return nil, apperr.ErrInvalidCode
	}

	codes, refs, err := e.mintBackupCodes(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := e.store.ReplaceBackupCodeRefs(ctx, userID, refs); err != nil {
		return nil, err
	}
	return codes, nil
}

func (e *Engine) mintBackupCodes(ctx context.Context, userID string) (codes []string, refs []string, err error) {
	codes = make([]string, backupCodeCount)
	refs = make([]string, backupCodeCount)
	for i := 0; i < backupCodeCount; i++ {
		code, err := randomBackupCode()
		if err != nil {
			return nil, nil, apperr.Wrap(apperr.KindInternal, "mfa: backup code generation failed", err)
		}
		ref, err := e.vault.Store(ctx, userID, "backup_code", []byte(code))
		if err != nil {
			return nil, nil, err
		}
		codes[i] = code
		refs[i] = ref
	}
	return codes, refs, nil
}

// randomBackupCode produces an 8 decimal digit CSPRNG code, per spec.md §4.5.
func randomBackupCode() (string, error) {
	n, err := rand.Int(rand.Reader, backupCodeModulus)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%08d", n.Int64()), nil
}
