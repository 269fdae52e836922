package auth

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/orbitmarkets/authcore/internal/apperr"
	"github.com/orbitmarkets/authcore/internal/audit"
)

const oauthStateNamespace = "oauthstate"

type oauthStatePayload struct {
	Provider    string `json:"provider"`
	RedirectURI string `json:"redirect_uri"`
}

// OAuthExchanger trades an authorization code for a provider-verified email
// address. Concrete providers wire golang.org/x/oauth2 (present indirectly
// in the retrieval pack's dependency graph) behind this contract; no
// specific IdP client config ships with the core, matching spec.md §6's
// framing of the identity provider as an external collaborator.
type OAuthExchanger interface {
	Exchange(ctx context.Context, provider, code string) (verifiedEmail string, err error)
}

// StartOAuth mints the oauthstate/<state> entry the redirect flow carries
// to the IdP and back; RedirectURI is validated against the SSRF guard
// below before the state entry is stored.
func (o *Orchestrator) StartOAuth(ctx context.Context, provider, redirectURI string) (state string, err error) {
	if err := validateCallbackURI(redirectURI); err != nil {
		return "", apperr.New(apperr.KindValidation, "invalid oauth redirect")
	}
	state = uuid.NewString()
	if err := o.sessions.PutTransient(ctx, oauthStateNamespace, state, oauthStatePayload{
		Provider: provider, RedirectURI: redirectURI,
	}, o.cfg.OAuthStateTTL); err != nil {
		return "", err
	}
	return state, nil
}

// OAuthCallback implements spec.md §4.10 OAuthCallback: verify the state
// token this orchestrator issued, exchange the code with the provider, and
// either link the verified email to an existing user or create one with
// Status = Active (the provider already vouched for the email, so no
// PendingVerification step applies here per spec.md §3 Principal lifecycle).
func (o *Orchestrator) OAuthCallback(ctx context.Context, exchanger OAuthExchanger, provider, code, state, ip, userAgent string) (*LoginResult, error) {
	var st oauthStatePayload
	if err := o.sessions.GetTransient(ctx, oauthStateNamespace, state, &st); err != nil {
		return nil, apperr.New(apperr.KindAuthN, "invalid or expired oauth state")
	}
	if st.Provider != provider {
		return nil, apperr.New(apperr.KindAuthN, "oauth provider mismatch")
	}

	email, err := exchanger.Exchange(ctx, provider, code)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindAuthN, "oauth: code exchange failed", err)
	}
	email = strings.ToLower(strings.TrimSpace(email))

	user, err := o.users.GetByEmail(ctx, email)
	if err != nil {
		user = &User{
			ID:            uuid.NewString(),
			Email:         email,
			Status:        StatusActive,
			OAuthProvider: provider,
		}
		if err := o.users.Create(ctx, user); err != nil {
			return nil, err
		}
		if err := o.users.AssignRole(ctx, user.ID, defaultRole, "system"); err != nil {
			return nil, err
		}
		o.audit.Append(ctx, audit.Event{Type: "user.registered", Subject: subjectFor(user.ID), IP: ip, Severity: audit.SeverityLow, Payload: map[string]any{"method": "oauth", "provider": provider}})
		o.bus.Publish(ctx, eventSource, "user.registered", subjectFor(user.ID), "", map[string]any{"method": "oauth"})
	} else if user.OAuthProvider == "" {
		if err := o.users.SetOAuthProvider(ctx, user.ID, provider); err != nil {
			return nil, err
		}
		user.OAuthProvider = provider
	}

	return o.issueSession(ctx, user, ip, userAgent, true, false, "oauth:"+provider)
}

// validateCallbackURI blocks redirect/callback targets that resolve to
// private, loopback, or link-local addresses, so an attacker-supplied
// redirect_uri can't be pointed at internal infrastructure.
func validateCallbackURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.Hostname() == "" {
		return fmt.Errorf("malformed redirect uri")
	}
	host := strings.ToLower(u.Hostname())
	if host == "localhost" {
		return fmt.Errorf("security violation: localhost redirect forbidden")
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("hostname resolution failed")
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			return fmt.Errorf("security violation: redirect resolves to internal network")
		}
	}
	return nil
}
