package keyring

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func seededStore(t *testing.T) (*MemStore, *Key) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	k := &Key{
		Kid:     "sig-1",
		Private: priv,
		Public:  &priv.PublicKey,
		Status:  StatusActive,
	}
	store := NewMemStore()
	store.Seed(k)
	return store, k
}

func TestNew_RefusesToStartWithoutActiveKey(t *testing.T) {
	_, err := New(NewMemStore(), time.Hour)
	require.Error(t, err)
}

func TestNew_LoadsActiveKey(t *testing.T) {
	store, k := seededStore(t)
	kr, err := New(store, time.Hour)
	require.NoError(t, err)

	kid, priv, err := kr.Current()
	require.NoError(t, err)
	require.Equal(t, k.Kid, kid)
	require.Equal(t, k.Private, priv)
}

func TestJWKS_ContainsActiveKey(t *testing.T) {
	store, k := seededStore(t)
	kr, err := New(store, time.Hour)
	require.NoError(t, err)

	jwks := kr.JWKS()
	require.Len(t, jwks.Keys, 1)
	require.Equal(t, k.Kid, jwks.Keys[0].Kid)
	require.Equal(t, "active", jwks.Keys[0].Status)
}

func TestRotate_PreservesLiveTokenValidity(t *testing.T) {
	// Across a rotation instant, the old kid stays verifiable (as
	// "retiring") until its grace window elapses.
	store, k := seededStore(t)
	kr, err := New(store, 24*time.Hour)
	require.NoError(t, err)

	newKid, err := kr.Rotate()
	require.NoError(t, err)
	require.NotEqual(t, k.Kid, newKid)

	// Old key still resolves (within grace).
	pub, err := kr.Verifier(k.Kid)
	require.NoError(t, err)
	require.Equal(t, k.Public, pub)

	// New key is now Current().
	kid, _, err := kr.Current()
	require.NoError(t, err)
	require.Equal(t, newKid, kid)

	jwks := kr.JWKS()
	require.Len(t, jwks.Keys, 2)
}

func TestVerifier_UnknownKeyPastGraceFails(t *testing.T) {
	store, k := seededStore(t)
	kr, err := New(store, -time.Second) // already-expired grace window
	require.NoError(t, err)

	_, err = kr.Rotate()
	require.NoError(t, err)

	_, err = kr.Verifier(k.Kid)
	require.Error(t, err)
}

func TestVerifier_TrulyUnknownKidFails(t *testing.T) {
	store, _ := seededStore(t)
	kr, err := New(store, time.Hour)
	require.NoError(t, err)

	_, err = kr.Verifier("nope")
	require.Error(t, err)
}
