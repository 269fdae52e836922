package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"

	"github.com/orbitmarkets/authcore/internal/apperr"
	"github.com/orbitmarkets/authcore/internal/audit"
	"github.com/orbitmarkets/authcore/internal/token"
)

const (
	mfaChallengeNamespace = "mfachallenge"
	loginRateScope        = "login"
)

// LoginInput is the password-login request (spec.md §4.10 Login).
type LoginInput struct {
	Email      string
	Password   string
	IP         string
	UserAgent  string
	Persistent bool
}

type mfaChallengePayload struct {
	UserID     string `json:"user_id"`
	Persistent bool   `json:"persistent"`
	IP         string `json:"ip"`
	UserAgent  string `json:"user_agent"`
}

func deviceFingerprint(ip, userAgent string) string {
	h := sha256.Sum256([]byte(ip + "|" + userAgent))
	return hex.EncodeToString(h[:])
}

// Login implements spec.md §4.10 Login: rate-limit, verify credentials
// without an enumeration oracle, branch to MFA challenge when enabled, else
// open a session and mint tokens.
func (o *Orchestrator) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))

	ok, err := o.sessions.CheckRateLimit(ctx, loginRateScope, email, o.cfg.LoginRateLimit, o.cfg.LoginRateWindow)
	if err != nil {
		return nil, err
	}
	if !ok {
		o.audit.Append(ctx, audit.Event{
			Type: "login.rate_limited", Subject: "email:" + email, IP: in.IP, Severity: audit.SeverityLow,
		})
		return nil, apperr.ErrRateLimited
	}

	user, err := o.users.GetByEmail(ctx, email)
	if err != nil {
		o.auditLoginFailed(ctx, email, in.IP)
		return nil, apperr.ErrInvalidCredentials
	}

	verified, rehash, err := o.hasher.Verify(in.Password, user.PasswordHash)
	if err != nil {
		return nil, err
	}
	if !verified {
		o.auditLoginFailed(ctx, email, in.IP)
		return nil, apperr.ErrInvalidCredentials
	}
	if rehash != "" {
		_ = o.users.UpdatePasswordHash(ctx, user.ID, rehash)
	}

	if user.Status == StatusSuspended || user.Status == StatusDeactivated {
		return nil, apperr.ErrAccountDisabled
	}

	if user.MFAEnabled {
		challenge := uuid.NewString()
		if err := o.sessions.PutTransient(ctx, mfaChallengeNamespace, challenge, mfaChallengePayload{
			UserID: user.ID, Persistent: in.Persistent, IP: in.IP, UserAgent: in.UserAgent,
		}, o.cfg.MFAChallengeTTL); err != nil {
			return nil, err
		}
		return &LoginResult{MFARequired: true, Challenge: challenge, User: user}, nil
	}

	return o.issueSession(ctx, user, in.IP, in.UserAgent, in.Persistent, false, "password")
}

func (o *Orchestrator) auditLoginFailed(ctx context.Context, email, ip string) {
	o.audit.Append(ctx, audit.Event{Type: "login.failed", Subject: "email:" + email, IP: ip, Severity: audit.SeverityCritical})
	o.bus.Publish(ctx, eventSource, "login.failed", "email:"+email, "", map[string]any{"ip": ip})
}

// VerifyMfa implements spec.md §4.10 VerifyMfa: resolves the challenge
// issued by Login, verifies the TOTP/backup code, and on success opens the
// session with mfa=true.
func (o *Orchestrator) VerifyMfa(ctx context.Context, challenge, code string) (*LoginResult, error) {
	var payload mfaChallengePayload
	if err := o.sessions.GetTransient(ctx, mfaChallengeNamespace, challenge, &payload); err != nil {
		return nil, err
	}

	ok, _, err := o.mfa.Verify(ctx, payload.UserID, code, true)
	if err != nil {
		return nil, err
	}
	if !ok {
		o.audit.Append(ctx, audit.Event{
			Type: "mfa.failed", Subject: subjectFor(payload.UserID), IP: payload.IP, Severity: audit.SeverityCritical,
		})
		return nil, apperr.ErrInvalidCode
	}

	user, err := o.users.GetByID(ctx, payload.UserID)
	if err != nil {
		return nil, err
	}
	return o.issueSession(ctx, user, payload.IP, payload.UserAgent, payload.Persistent, true, "mfa")
}

// issueSession opens a SessionStore session, mints the access+refresh pair,
// and records the success audit/event. Shared by Login, VerifyMfa, and
// OAuthCallback.
func (o *Orchestrator) issueSession(ctx context.Context, user *User, ip, userAgent string, persistent, mfaVerified bool, method string) (*LoginResult, error) {
	firstJTI := uuid.NewString()
	sid, family, err := o.sessions.CreateSession(ctx, user.ID, deviceFingerprint(ip, userAgent), ip, mfaVerified, persistent, firstJTI)
	if err != nil {
		return nil, err
	}

	roles, err := o.users.Roles(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	acctIDs, err := o.accounts.ListAccountIDsForUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	access, err := o.tokens.Mint(token.KindAccess, token.MintInput{
		Subject: subjectFor(user.ID), Audience: o.cfg.TokenAudience, SID: sid, Roles: roles, AcctIDs: acctIDs, MFA: mfaVerified, TTL: o.cfg.AccessTokenTTL,
	})
	if err != nil {
		return nil, err
	}
	refresh, err := o.tokens.Mint(token.KindRefresh, token.MintInput{
		Subject: subjectFor(user.ID), Audience: o.cfg.TokenAudience, SID: sid, Family: family, TTL: o.cfg.RefreshTokenTTL, JTI: firstJTI,
	})
	if err != nil {
		return nil, err
	}

	o.audit.Append(ctx, audit.Event{
		Type: "login.success", Subject: subjectFor(user.ID), IP: ip, Severity: audit.SeverityCritical,
		Payload: map[string]any{"method": method, "mfa_verified": mfaVerified},
	})
	o.bus.Publish(ctx, eventSource, "login.success", subjectFor(user.ID), "", map[string]any{"method": method, "mfa_verified": mfaVerified})

	return &LoginResult{AccessToken: access, RefreshToken: refresh, User: user}, nil
}
