// Package vault implements C6 CredentialVault: envelope-encrypted storage of
// high-sensitivity per-user secrets (TOTP secrets, backup codes, broker
// credentials), AES-256-GCM with a random nonce per encryption. Each secret
// gets its own fresh AES-256 data key (spec.md §4.6), and only the data
// key — never the secret itself — is ever handed to the KMS.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"github.com/google/uuid"

	"github.com/orbitmarkets/authcore/internal/apperr"
)

// KMS is the external key-management contract: it wraps/unwraps a raw data
// key under a master key it alone holds. Production wires a cloud KMS client;
// LocalKMS below is the dev/test stand-in (no cloud KMS client ships in any
// retrieved example's dependency set — see DESIGN.md).
type KMS interface {
	Encrypt(ctx context.Context, keyID string, plaintextDataKey []byte) (ciphertext []byte, err error)
	Decrypt(ctx context.Context, keyID string, ciphertext []byte) (plaintextDataKey []byte, err error)
}

// Record is one envelope-encrypted secret as persisted by Store.
type Record struct {
	Ref              string
	OwnerID          string
	Label            string
	KMSKeyID         string
	Nonce            []byte
	DataKeyCiphertext []byte
	SecretCiphertext []byte
	Tombstoned       bool
}

// Store is the persistence contract; production implements it over
// vault_records (SPEC_FULL.md §5), tests use an in-memory fake.
type Store interface {
	Put(ctx context.Context, r *Record) error
	Get(ctx context.Context, ref string) (*Record, error)
	Tombstone(ctx context.Context, ref string) error
}

// Vault implements the CredentialVault contract (spec.md §4.6).
type Vault struct {
	store    Store
	kms      KMS
	keyID    string
}

func New(store Store, kms KMS, keyID string) *Vault {
	return &Vault{store: store, kms: kms, keyID: keyID}
}

// Store encrypts plaintext under a fresh per-secret data key, wraps the data
// key with the KMS, and persists the envelope. Returns the opaque vault_ref.
func (v *Vault) Store(ctx context.Context, ownerID, label string, plaintext []byte) (string, error) {
	dataKey := make([]byte, 32)
	if _, err := rand.Read(dataKey); err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "vault: data key generation failed", err)
	}
	defer zero(dataKey)

	aead, err := newAEAD(dataKey)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "vault: cipher init failed", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "vault: nonce generation failed", err)
	}
	secretCT := aead.Seal(nil, nonce, plaintext, nil)

	wrappedKey, err := v.kms.Encrypt(ctx, v.keyID, dataKey)
	if err != nil {
		return "", apperr.Wrap(apperr.KindDependencyUnavailable, "vault: kms wrap failed", err)
	}

	ref := uuid.NewString()
	rec := &Record{
		Ref:               ref,
		OwnerID:           ownerID,
		Label:             label,
		KMSKeyID:          v.keyID,
		Nonce:             nonce,
		DataKeyCiphertext: wrappedKey,
		SecretCiphertext:  secretCT,
	}
	if err := v.store.Put(ctx, rec); err != nil {
		return "", apperr.Wrap(apperr.KindDependencyUnavailable, "vault: persist failed", err)
	}
	return ref, nil
}

// Fetch reverses Store: unwrap the data key via KMS, then open the AEAD.
// Decrypt failures are the caller's signal to treat the credential as
// unavailable rather than absent (spec.md §4.6 Failure semantics) — this
// function never caches a failure and always surfaces apperr.ErrDecryptFailed
// distinctly from apperr.ErrNotFound.
func (v *Vault) Fetch(ctx context.Context, ref string) ([]byte, error) {
	rec, err := v.store.Get(ctx, ref)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDependencyUnavailable, "vault: store read failed", err)
	}
	if rec == nil || rec.Tombstoned {
		return nil, apperr.ErrNotFound
	}

	dataKey, err := v.kms.Decrypt(ctx, rec.KMSKeyID, rec.DataKeyCiphertext)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "vault: kms unwrap failed", err)
	}
	defer zero(dataKey)

	aead, err := newAEAD(dataKey)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "vault: cipher init failed", err)
	}

	plaintext, err := aead.Open(nil, rec.Nonce, rec.SecretCiphertext, nil)
	if err != nil {
		return nil, apperr.ErrDecryptFailed
	}
	return plaintext, nil
}

// Rotate stores new_plaintext under a fresh ref and tombstones the old one.
// The old record is retained (not purged) until audit retention elapses.
func (v *Vault) Rotate(ctx context.Context, ref string, ownerID, label string, newPlaintext []byte) (string, error) {
	newRef, err := v.Store(ctx, ownerID, label, newPlaintext)
	if err != nil {
		return "", err
	}
	if err := v.store.Tombstone(ctx, ref); err != nil {
		return "", apperr.Wrap(apperr.KindDependencyUnavailable, "vault: tombstone failed", err)
	}
	return newRef, nil
}

// Revoke tombstones ref without minting a replacement, for callers that need
// to invalidate a credential with no new plaintext to store (spec.md §4.6).
func (v *Vault) Revoke(ctx context.Context, ref string) error {
	if err := v.store.Tombstone(ctx, ref); err != nil {
		return apperr.Wrap(apperr.KindDependencyUnavailable, "vault: tombstone failed", err)
	}
	return nil
}

// Lister is an optional Store capability backing ReencryptAllUnder's offline
// migration path; not every Store needs it (e.g. a throwaway test fake).
type Lister interface {
	ListAll(ctx context.Context) ([]*Record, error)
}

// ReencryptAllUnder re-wraps every record's data key under newKeyID, without
// touching the secret ciphertext itself (spec.md §4.6: "offline migration
// path"). Requires a Store that also implements Lister.
func (v *Vault) ReencryptAllUnder(ctx context.Context, newKeyID string) (int, error) {
	lister, ok := v.store.(Lister)
	if !ok {
		return 0, apperr.New(apperr.KindInternal, "vault: store does not support enumeration")
	}
	records, err := lister.ListAll(ctx)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindDependencyUnavailable, "vault: enumeration failed", err)
	}

	n := 0
	for _, rec := range records {
		if rec.Tombstoned {
			continue
		}
		dataKey, err := v.kms.Decrypt(ctx, rec.KMSKeyID, rec.DataKeyCiphertext)
		if err != nil {
			return n, apperr.Wrap(apperr.KindInternal, "vault: kms unwrap failed during migration", err)
		}
		wrapped, err := v.kms.Encrypt(ctx, newKeyID, dataKey)
		zero(dataKey)
		if err != nil {
			return n, apperr.Wrap(apperr.KindDependencyUnavailable, "vault: kms re-wrap failed", err)
		}
		rec.KMSKeyID = newKeyID
		rec.DataKeyCiphertext = wrapped
		if err := v.store.Put(ctx, rec); err != nil {
			return n, apperr.Wrap(apperr.KindDependencyUnavailable, "vault: persist failed during migration", err)
		}
		n++
	}
	return n, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
