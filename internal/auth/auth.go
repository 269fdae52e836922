// Package auth implements C10 AuthOrchestrator: the public workflows
// (register, login, MFA challenge, refresh, logout, password reset, OAuth
// callback, admin role/status changes) composing C1-C9, driving the
// KeyRing/SessionStore/MfaEngine/PolicyEngine components instead of direct
// per-tenant Postgres queries.
package auth

import (
	"context"
	"time"

	"github.com/orbitmarkets/authcore/internal/audit"
	"github.com/orbitmarkets/authcore/internal/events"
	"github.com/orbitmarkets/authcore/internal/mfa"
	"github.com/orbitmarkets/authcore/internal/notify"
	"github.com/orbitmarkets/authcore/internal/password"
	"github.com/orbitmarkets/authcore/internal/policy"
	"github.com/orbitmarkets/authcore/internal/session"
	"github.com/orbitmarkets/authcore/internal/token"
	"github.com/orbitmarkets/authcore/internal/vault"
)

// eventSource is the fixed event-envelope "source" field spec.md §4.9/§6
// requires every event this orchestrator publishes to carry.
const eventSource = "user_service"

// Status is a User's lifecycle stage (spec.md §3 Principal).
type Status string

const (
	StatusPendingVerification Status = "pending_verification"
	StatusActive              Status = "active"
	StatusSuspended           Status = "suspended"
	StatusDeactivated         Status = "deactivated"
)

// User is the Principal entity (spec.md §3), trimmed to the fields the
// orchestrator itself touches; profile-only attributes (phone, timezone,
// locale) live alongside it in storage but pass through untouched here.
type User struct {
	ID            string
	Email         string
	DisplayName   string
	Status        Status
	PasswordHash  string
	MFAEnabled    bool
	OAuthProvider string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Store is the persistence contract for users and their role assignments.
// Production backs this with the relational store (SPEC_FULL.md §5); tests
// use an in-memory fake.
type Store interface {
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByID(ctx context.Context, id string) (*User, error)
	Create(ctx context.Context, u *User) error
	UpdatePasswordHash(ctx context.Context, userID, hash string) error
	UpdateStatus(ctx context.Context, userID string, status Status) error
	SetMFAEnabled(ctx context.Context, userID string, enabled bool) error
	SetOAuthProvider(ctx context.Context, userID, provider string) error

	Roles(ctx context.Context, userID string) ([]string, error)
	AssignRole(ctx context.Context, userID, role, grantedBy string) error
	// RevokeRole must fail with apperr.KindConflict if role is the user's
	// last remaining role (spec.md §3 UserRole invariant).
	RevokeRole(ctx context.Context, userID, role string) error
}

// Config holds the orchestrator's tunables (spec.md §4.10, §6).
type Config struct {
	AccessTokenTTL    time.Duration // default 15m
	RefreshTokenTTL   time.Duration // default 90 days, mirrors SessionStore's persistent TTL
	MFAChallengeTTL   time.Duration // default 10m
	PasswordResetTTL  time.Duration // default 30m
	OAuthStateTTL     time.Duration // default 10m
	LoginRateLimit    int64         // default 5
	LoginRateWindow   time.Duration // default 15m
	TokenAudience     string
}

func (c *Config) setDefaults() {
	if c.AccessTokenTTL == 0 {
		c.AccessTokenTTL = 15 * time.Minute
	}
	if c.RefreshTokenTTL == 0 {
		c.RefreshTokenTTL = 90 * 24 * time.Hour
	}
	if c.MFAChallengeTTL == 0 {
		c.MFAChallengeTTL = 10 * time.Minute
	}
	if c.PasswordResetTTL == 0 {
		c.PasswordResetTTL = 30 * time.Minute
	}
	if c.OAuthStateTTL == 0 {
		c.OAuthStateTTL = 10 * time.Minute
	}
	if c.LoginRateLimit == 0 {
		c.LoginRateLimit = 5
	}
	if c.LoginRateWindow == 0 {
		c.LoginRateWindow = 15 * time.Minute
	}
}

// Orchestrator implements C10 AuthOrchestrator, composing every other
// component into the public auth workflows (spec.md §4.10) plus the
// trading-account actions spec.md §6/§8 lists alongside them.
type Orchestrator struct {
	users    Store
	accounts TradingAccountStore
	hasher   password.Hasher
	tokens   *token.Issuer
	sessions *session.Store
	mfa      *mfa.Engine
	policy   *policy.Engine
	vault    *vault.Vault
	audit    *audit.Log
	bus      *events.Bus
	mailer   notify.EmailSender

	cfg Config
}

func New(
	users Store,
	accounts TradingAccountStore,
	hasher password.Hasher,
	tokens *token.Issuer,
	sessions *session.Store,
	mfaEngine *mfa.Engine,
	policyEngine *policy.Engine,
	credVault *vault.Vault,
	auditLog *audit.Log,
	bus *events.Bus,
	mailer notify.EmailSender,
	cfg Config,
) *Orchestrator {
	cfg.setDefaults()
	return &Orchestrator{
		users:    users,
		accounts: accounts,
		hasher:   hasher,
		tokens:   tokens,
		sessions: sessions,
		mfa:      mfaEngine,
		policy:   policyEngine,
		vault:    credVault,
		audit:    auditLog,
		bus:      bus,
		mailer:   mailer,
		cfg:      cfg,
	}
}

// LoginResult is the token pair (or MFA challenge) a successful auth flow
// hands back to the caller.
type LoginResult struct {
	AccessToken  string
	RefreshToken string
	User         *User
	MFARequired  bool
	Challenge    string
}

func subjectFor(userID string) string { return "user:" + userID }
