// Package token implements C3 TokenIssuer: mints and validates access,
// refresh, and service JWTs via C1 KeyRing, across the three token kinds
// and multi-key rotation spec.md §4.3 requires.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/orbitmarkets/authcore/internal/apperr"
	"github.com/orbitmarkets/authcore/internal/keyring"
)

// Kind is one of the three token kinds spec.md §4.3 names.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
	KindService Kind = "service"
)

// Claims is the common claim set across all three kinds; fields unused by a
// given kind are simply omitted from the signed payload (omitempty).
type Claims struct {
	Kind     Kind     `json:"kind"`
	SID      string   `json:"sid,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	MFA      bool     `json:"mfa,omitempty"`
	AcctIDs  []string `json:"acct_ids,omitempty"`
	Family   string   `json:"family,omitempty"`
	ParentID string   `json:"parent_jti,omitempty"`
	Scope    string   `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// MintInput is the caller-supplied subset of claims for a mint call.
type MintInput struct {
	Subject  string // "user:<id>" or "svc:<name>"
	Audience string
	SID      string
	Roles    []string
	MFA      bool
	AcctIDs  []string
	Family   string
	ParentID string
	Scope    string
	TTL      time.Duration

	// JTI pins the token's jti claim to a caller-chosen value — used for
	// refresh tokens, whose jti must match the id SessionStore already
	// opened the family under. Left empty, Mint generates a fresh one.
	JTI string
}

const issuer = "https://auth.orbitmarkets.example"

// Issuer mints and validates JWTs against the current KeyRing.
type Issuer struct {
	keys      *keyring.KeyRing
	clockSkew time.Duration
}

func New(keys *keyring.KeyRing, clockSkew time.Duration) *Issuer {
	return &Issuer{keys: keys, clockSkew: clockSkew}
}

// Mint stamps iss/aud/iat/nbf/exp/kid and a jti (in.JTI when set, otherwise a
// fresh uuid), and copies Family/ParentID from in, per spec.md §4.3.
func (is *Issuer) Mint(kind Kind, in MintInput) (string, error) {
	now := time.Now()
	jti := in.JTI
	if jti == "" {
		jti = uuid.NewString()
	}

	claims := Claims{
		Kind:     kind,
		SID:      in.SID,
		Roles:    in.Roles,
		MFA:      in.MFA,
		AcctIDs:  in.AcctIDs,
		Family:   in.Family,
		ParentID: in.ParentID,
		Scope:    in.Scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   in.Subject,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{in.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(in.TTL)),
			ID:        jti,
		},
	}

	kid, priv, err := is.keys.Current()
	if err != nil {
		return "", err
	}

	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	t.Header["kid"] = kid

	signed, err := t.SignedString(priv)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "token: signing failed", err)
	}
	return signed, nil
}

// Validate parses and verifies token, checking signature, kid, audience, and
// time bounds with the configured clock-skew tolerance. Validation is
// stateless — no KV lookup — even for refresh tokens; SessionStore performs
// the additional family-state check (spec.md §4.3).
func (is *Issuer) Validate(tokenString string, expectedAudience string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		return is.keys.Verifier(kid)
	}, jwt.WithLeeway(is.clockSkew))

	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, apperr.ErrTokenExpired
		case apperr.Is(err, apperr.KindAuthN):
			return nil, err
		default:
			return nil, apperr.Wrap(apperr.KindAuthN, "token: invalid", err)
		}
	}

	if !parsed.Valid {
		return nil, apperr.ErrTokenInvalid
	}

	if expectedAudience != "" {
		aud, _ := claims.GetAudience()
		if !containsAudience(aud, expectedAudience) {
			return nil, apperr.ErrWrongAudience
		}
	}

	return claims, nil
}

func containsAudience(auds jwt.ClaimStrings, want string) bool {
	for _, a := range auds {
		if a == want {
			return true
		}
	}
	return false
}
