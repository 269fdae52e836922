package token

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orbitmarkets/authcore/internal/keyring"
)

func newRing(t *testing.T, grace time.Duration) *keyring.KeyRing {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	store := keyring.NewMemStore()
	store.Seed(&keyring.Key{
		Kid:     "sig-1",
		Private: priv,
		Public:  &priv.PublicKey,
		Status:  keyring.StatusActive,
	})

	kr, err := keyring.New(store, grace)
	require.NoError(t, err)
	return kr
}

func TestMintValidate_AccessToken(t *testing.T) {
	kr := newRing(t, 24*time.Hour)
	is := New(kr, 30*time.Second)

	signed, err := is.Mint(KindAccess, MintInput{
		Subject:  "user:123",
		Audience: "peer-services",
		SID:      "sess-1",
		Roles:    []string{"user"},
		TTL:      15 * time.Minute,
	})
	require.NoError(t, err)

	claims, err := is.Validate(signed, "peer-services")
	require.NoError(t, err)
	require.Equal(t, "user:123", claims.Subject)
	require.Equal(t, "sess-1", claims.SID)
	require.Equal(t, []string{"user"}, claims.Roles)
}

func TestValidate_WrongAudienceRejected(t *testing.T) {
	kr := newRing(t, 24*time.Hour)
	is := New(kr, 30*time.Second)

	signed, err := is.Mint(KindService, MintInput{Subject: "svc:ticker", Audience: "core", TTL: time.Hour})
	require.NoError(t, err)

	_, err = is.Validate(signed, "not-core")
	require.Error(t, err)
}

func TestValidate_ExpiredRejected(t *testing.T) {
	kr := newRing(t, 24*time.Hour)
	is := New(kr, 0)

	signed, err := is.Mint(KindAccess, MintInput{Subject: "user:1", Audience: "peer", TTL: -time.Minute})
	require.NoError(t, err)

	_, err = is.Validate(signed, "peer")
	require.Error(t, err)
}

func TestValidate_SurvivesKeyRotation(t *testing.T) {
	// A token minted under the pre-rotation key must keep validating
	// through its full TTL once that key moves to retiring.
	kr := newRing(t, 24*time.Hour)
	is := New(kr, 30*time.Second)

	signed, err := is.Mint(KindAccess, MintInput{Subject: "user:1", Audience: "peer", TTL: 15 * time.Minute})
	require.NoError(t, err)

	_, err = kr.Rotate()
	require.NoError(t, err)

	claims, err := is.Validate(signed, "peer")
	require.NoError(t, err)
	require.Equal(t, "user:1", claims.Subject)
}

func TestValidate_UnknownKeyPastGraceRejected(t *testing.T) {
	kr := newRing(t, -time.Second)
	is := New(kr, 30*time.Second)

	signed, err := is.Mint(KindAccess, MintInput{Subject: "user:1", Audience: "peer", TTL: 15 * time.Minute})
	require.NoError(t, err)

	_, err = kr.Rotate()
	require.NoError(t, err)

	_, err = is.Validate(signed, "peer")
	require.Error(t, err)
}
