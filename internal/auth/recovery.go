package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/orbitmarkets/authcore/internal/apperr"
	"github.com/orbitmarkets/authcore/internal/audit"
	"github.com/orbitmarkets/authcore/internal/password"
)

const pwresetNamespace = "pwreset"

type pwresetPayload struct {
	UserID string `json:"user_id"`
}

// resetTokenKey hashes a raw reset token before it is ever used as a
// SessionStore key, per spec.md §4.4's pwreset/<token_hash> namespace — a
// Redis key dump must not hand over a live reset capability the way a raw
// token stored as the key would.
func resetTokenKey(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return hex.EncodeToString(sum[:])
}

// RequestPasswordReset implements spec.md §4.10: always succeeds from the
// caller's point of view, whether or not email belongs to a known account,
// so a failure response can never be used to enumerate registered emails.
func (o *Orchestrator) RequestPasswordReset(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := o.users.GetByEmail(ctx, email)
	if err != nil {
		return nil
	}

	rawToken, err := randomToken(32)
	if err != nil {
		return nil
	}
	if err := o.sessions.PutTransient(ctx, pwresetNamespace, resetTokenKey(rawToken), pwresetPayload{UserID: user.ID}, o.cfg.PasswordResetTTL); err != nil {
		return nil
	}

	_ = o.mailer.SendPasswordReset(ctx, email, rawToken, "")
	return nil
}

// ResetPassword implements spec.md §4.10 ResetPassword: consume the
// single-use token, enforce strength on the new password, and revoke every
// session for the user (a compromised-password response, not just this
// device).
func (o *Orchestrator) ResetPassword(ctx context.Context, rawToken, newPassword string) error {
	var payload pwresetPayload
	if err := o.sessions.GetTransient(ctx, pwresetNamespace, resetTokenKey(rawToken), &payload); err != nil {
		return apperr.New(apperr.KindAuthN, "invalid or expired reset token")
	}

	user, err := o.users.GetByID(ctx, payload.UserID)
	if err != nil {
		return err
	}
	if err := o.hasher.StrengthCheck(newPassword, password.Context{Email: user.Email, DisplayName: user.DisplayName}); err != nil {
		return err
	}
	hash, err := o.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	if err := o.users.UpdatePasswordHash(ctx, user.ID, hash); err != nil {
		return err
	}
	if err := o.sessions.RevokeAllForUser(ctx, user.ID); err != nil {
		return err
	}

	o.audit.Append(ctx, audit.Event{Type: "password.changed", Subject: subjectFor(user.ID), Severity: audit.SeverityCritical})
	o.bus.Publish(ctx, eventSource, "password.changed", subjectFor(user.ID), "", nil)
	return nil
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
