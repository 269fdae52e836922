// Package keyring implements C1 KeyRing: the set of asymmetric signing keys
// the core uses to mint JWTs, and the JWKS view peer services fetch to
// verify them statelessly, across an active/retiring/grace-window key
// lifecycle.
package keyring

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/orbitmarkets/authcore/internal/apperr"
)

const keyBits = 2048

// Status is a SigningKey's lifecycle stage (spec.md §3 SigningKey).
type Status string

const (
	StatusActive   Status = "active"
	StatusRetiring Status = "retiring"
	StatusRetired  Status = "retired"
)

// Key is one asymmetric signing key, kept in memory once loaded.
type Key struct {
	Kid        string
	Private    *rsa.PrivateKey
	Public     *rsa.PublicKey
	Status     Status
	NotBefore  time.Time
	NotAfter   time.Time // zero means "no scheduled retirement yet"
	RetireAt   time.Time // grace-period deadline once demoted to Retiring
}

// JWK is one entry of a JSON Web Key Set.
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
	Status string `json:"status"`
}

// JWKS is the public descriptor set peer services cache (spec.md §6).
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// Store is the persistence contract KeyRing needs: load every non-purged key
// at startup, and record state transitions durably so a restart doesn't lose
// rotation history. Implemented over the relational store in production;
// tests use an in-memory fake.
type Store interface {
	LoadAll() ([]*Key, error)
	Save(k *Key) error
}

// KeyRing holds active + retiring signing keys in memory, guarded by a
// read-write lock so mints (frequent reads) don't contend with the rare
// rotation write (spec.md §5: "write lock that briefly stalls new mints").
type KeyRing struct {
	mu    sync.RWMutex
	keys  map[string]*Key
	active string
	grace time.Duration
	store Store

	cachedJWKS *JWKS // snapshot taken at New/Rotate; JWKS() rebuilds from keys on each call
}

// New loads the initial key set from store. It refuses to start (per
// spec.md §4.1 Failure semantics) if no Active key is loadable.
func New(store Store, grace time.Duration) (*KeyRing, error) {
	keys, err := store.LoadAll()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependencyUnavailable, "keyring: failed to load keys", err)
	}

	kr := &KeyRing{
		keys:  make(map[string]*Key),
		grace: grace,
		store: store,
	}

	now := time.Now()
	for _, k := range keys {
		if k.Status == StatusRetiring && !k.RetireAt.IsZero() && now.After(k.RetireAt) {
			continue // past grace, treat as purged
		}
		kr.keys[k.Kid] = k
		if k.Status == StatusActive {
			kr.active = k.Kid
		}
	}

	if kr.active == "" {
		return nil, apperr.New(apperr.KindInternal, "keyring: no active signing key; provision one out of band")
	}

	kr.cachedJWKS = kr.buildJWKS()
	return kr, nil
}

// Current returns the active key's id and private handle for signing.
func (kr *KeyRing) Current() (kid string, priv *rsa.PrivateKey, err error) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()

	k, ok := kr.keys[kr.active]
	if !ok {
		return "", nil, apperr.New(apperr.KindInternal, "keyring: active key missing from ring")
	}
	return k.Kid, k.Private, nil
}

// Verifier returns the public key for kid, or ErrUnknownKey if kid is
// unknown or past its grace window.
func (kr *KeyRing) Verifier(kid string) (*rsa.PublicKey, error) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()

	k, ok := kr.keys[kid]
	if !ok {
		return nil, apperr.ErrUnknownKey
	}
	if k.Status == StatusRetiring && !k.RetireAt.IsZero() && time.Now().After(k.RetireAt) {
		return nil, apperr.ErrUnknownKey
	}
	return k.Public, nil
}

// Rotate generates a new key pair, promotes it Active, and demotes the
// previous Active key to Retiring with a grace deadline.
func (kr *KeyRing) Rotate() (newKid string, err error) {
	priv, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "keyring: key generation failed", err)
	}

	kid, err := randomKid()
	if err != nil {
		return "", err
	}

	now := time.Now()
	fresh := &Key{
		Kid:       kid,
		Private:   priv,
		Public:    &priv.PublicKey,
		Status:    StatusActive,
		NotBefore: now,
	}

	kr.mu.Lock()
	defer kr.mu.Unlock()

	prevKid := kr.active
	if prev, ok := kr.keys[prevKid]; ok && prevKid != "" {
		prev.Status = StatusRetiring
		prev.RetireAt = now.Add(kr.grace)
		if err := kr.store.Save(prev); err != nil {
			return "", apperr.Wrap(apperr.KindDependencyUnavailable, "keyring: failed to persist retired key", err)
		}
	}

	if err := kr.store.Save(fresh); err != nil {
		return "", apperr.Wrap(apperr.KindDependencyUnavailable, "keyring: failed to persist new key", err)
	}

	kr.keys[kid] = fresh
	kr.active = kid
	kr.cachedJWKS = kr.buildJWKS()

	return kid, nil
}

// JWKS returns the public descriptor set: Active + all Retiring keys still
// within grace, filtered against the current time on every call. It reads
// only the in-memory key set, never the store, so a store outage does not
// affect it.
func (kr *KeyRing) JWKS() *JWKS {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.buildJWKS()
}

// buildJWKS must be called with kr.mu held (read or write).
func (kr *KeyRing) buildJWKS() *JWKS {
	now := time.Now()
	out := &JWKS{}
	for _, k := range kr.keys {
		if k.Status == StatusRetiring && !k.RetireAt.IsZero() && now.After(k.RetireAt) {
			continue
		}
		out.Keys = append(out.Keys, toJWK(k))
	}
	return out
}

func toJWK(k *Key) JWK {
	eBuf := big.NewInt(int64(k.Public.E)).Bytes()
	e := base64.RawURLEncoding.EncodeToString(eBuf)
	n := base64.RawURLEncoding.EncodeToString(k.Public.N.Bytes())

	status := "active"
	if k.Status == StatusRetiring {
		status = "retiring"
	}

	return JWK{
		Kty:    "RSA",
		Kid:    k.Kid,
		Use:    "sig",
		Alg:    "RS256",
		N:      n,
		E:      e,
		Status: status,
	}
}

func randomKid() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "keyring: kid generation failed", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// EncodePrivatePEM and DecodePrivatePEM round-trip a key's private half for
// storage as PKCS1 PEM, the same format cmd/keygen produces.
func EncodePrivatePEM(priv *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})
}

func DecodePrivatePEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, apperr.New(apperr.KindInternal, "keyring: invalid PEM block")
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		key, err2 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err2 != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "keyring: failed to parse private key", fmt.Errorf("pkcs1: %v, pkcs8: %v", err, err2))
		}
		var ok bool
		priv, ok = key.(*rsa.PrivateKey)
		if !ok {
			return nil, apperr.New(apperr.KindInternal, "keyring: key is not RSA")
		}
	}
	return priv, nil
}
