// Command keygen seeds a signing_keys row with a fresh RSA-2048 key and
// marks it Active, the out-of-band provisioning step keyring.New requires
// before the core will start (spec.md §4.1 Failure semantics: "refuses to
// start with no active signing key").
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/orbitmarkets/authcore/internal/config"
	"github.com/orbitmarkets/authcore/internal/keyring"
	"github.com/orbitmarkets/authcore/internal/storage"
)

func main() {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()
	cfg := config.Load()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to generate key: %v\n", err)
		os.Exit(1)
	}

	kid, err := randomKid()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to generate kid: %v\n", err)
		os.Exit(1)
	}

	key := &keyring.Key{
		Kid:       kid,
		Private:   priv,
		Public:    &priv.PublicKey,
		Status:    keyring.StatusActive,
		NotBefore: time.Now(),
	}

	pool, err := storage.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := keyring.NewPostgresStore(pool).Save(key); err != nil {
		fmt.Fprintf(os.Stderr, "failed to persist key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("seeded active signing key kid=%s\n", kid)
}

func randomKid() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", b), nil
}
