package auth

import (
	"context"

	"github.com/orbitmarkets/authcore/internal/apperr"
	"github.com/orbitmarkets/authcore/internal/audit"
	"github.com/orbitmarkets/authcore/internal/token"
)

// Refresh implements spec.md §4.10 Refresh: validate the presented refresh
// JWT, rotate its family atomically via SessionStore, and on reuse treat the
// whole family as compromised.
func (o *Orchestrator) Refresh(ctx context.Context, refreshToken, ip string) (*LoginResult, error) {
	claims, err := o.tokens.Validate(refreshToken, o.cfg.TokenAudience)
	if err != nil {
		return nil, err
	}
	if claims.Kind != token.KindRefresh {
		return nil, apperr.ErrTokenInvalid
	}

	result, err := o.sessions.RotateFamily(ctx, claims.ID)
	if err != nil {
		if apperr.Is(err, apperr.KindReuseDetected) {
			o.audit.Append(ctx, audit.Event{
				Type: "refresh.reuse_detected", Subject: claims.Subject, IP: ip, Severity: audit.SeverityCritical,
			})
			o.bus.Publish(ctx, eventSource, "refresh.reuse_detected", claims.Subject, "", map[string]any{"ip": ip})
			return nil, apperr.ErrSessionRevoked
		}
		return nil, err
	}

	if err := o.sessions.TouchSession(ctx, result.SID); err != nil {
		return nil, err
	}

	user, err := o.users.GetByID(ctx, result.UserID)
	if err != nil {
		return nil, err
	}
	roles, err := o.users.Roles(ctx, result.UserID)
	if err != nil {
		return nil, err
	}

	acctIDs, err := o.accounts.ListAccountIDsForUser(ctx, result.UserID)
	if err != nil {
		return nil, err
	}

	access, err := o.tokens.Mint(token.KindAccess, token.MintInput{
		Subject: subjectFor(result.UserID), Audience: o.cfg.TokenAudience, SID: result.SID, Roles: roles, AcctIDs: acctIDs, TTL: o.cfg.AccessTokenTTL,
	})
	if err != nil {
		return nil, err
	}
	newRefresh, err := o.tokens.Mint(token.KindRefresh, token.MintInput{
		Subject: subjectFor(result.UserID), Audience: o.cfg.TokenAudience, SID: result.SID, Family: result.Family,
		ParentID: claims.ID, TTL: o.cfg.RefreshTokenTTL, JTI: result.NewJTI,
	})
	if err != nil {
		return nil, err
	}

	o.audit.Append(ctx, audit.Event{Type: "token.refreshed", Subject: subjectFor(result.UserID), IP: ip, Severity: audit.SeverityLow})
	o.bus.Publish(ctx, eventSource, "token.refreshed", subjectFor(result.UserID), "", nil)

	return &LoginResult{AccessToken: access, RefreshToken: newRefresh, User: user}, nil
}

// Logout implements spec.md §4.10 Logout: revoke a single session, or every
// session for the user when device == "all". Idempotent: logging out an
// already-revoked session is not an error.
func (o *Orchestrator) Logout(ctx context.Context, userID, sid, device string) error {
	var err error
	if device == "all" {
		err = o.sessions.RevokeAllForUser(ctx, userID)
	} else {
		err = o.sessions.RevokeSession(ctx, sid)
	}
	if err != nil {
		return err
	}

	o.audit.Append(ctx, audit.Event{Type: "logout", Subject: subjectFor(userID), Severity: audit.SeverityLow, Payload: map[string]any{"device": device}})
	o.bus.Publish(ctx, eventSource, "logout", subjectFor(userID), "", map[string]any{"device": device})
	return nil
}
