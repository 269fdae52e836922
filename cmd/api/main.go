// Command api is the composition root: it wires C1-C10 together and serves
// only the two outbound contracts spec.md §6 names for peer services — JWKS
// and (for the rare case a collaborator can't verify locally) token
// validation. A full HTTP/JSON API surface is transport-layer and out of
// scope (spec.md §1); this binary exists to prove the wiring compiles and
// runs, not to be a complete gateway.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/orbitmarkets/authcore/internal/audit"
	"github.com/orbitmarkets/authcore/internal/auth"
	"github.com/orbitmarkets/authcore/internal/config"
	"github.com/orbitmarkets/authcore/internal/events"
	"github.com/orbitmarkets/authcore/internal/keyring"
	"github.com/orbitmarkets/authcore/internal/mfa"
	"github.com/orbitmarkets/authcore/internal/notify"
	"github.com/orbitmarkets/authcore/internal/password"
	"github.com/orbitmarkets/authcore/internal/policy"
	"github.com/orbitmarkets/authcore/internal/session"
	"github.com/orbitmarkets/authcore/internal/storage"
	"github.com/orbitmarkets/authcore/internal/token"
	"github.com/orbitmarkets/authcore/internal/vault"
	"github.com/orbitmarkets/authcore/pkg/logger"
)

func main() {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	cfg := config.Load()
	log := logger.Setup(cfg.Env)
	log.Info("application_startup", "env", cfg.Env)

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN, TracesSampleRate: 1.0, Environment: cfg.Env}); err != nil {
			log.Error("sentry_init_failed", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
			log.Info("sentry_initialized")
		}
	} else {
		log.Warn("sentry_dsn_missing", "details", "skipping_init")
	}

	ctx := context.Background()

	pool, err := storage.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Error("database_connect_failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	log.Info("database_connected")

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr(cfg.RedisURL)})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Error("redis_connect_failed", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()
	log.Info("redis_connected")

	kr, err := keyring.New(keyring.NewPostgresStore(pool), cfg.KeyGracePeriod)
	if err != nil {
		log.Error("keyring_init_failed", "error", err, "hint", "run cmd/keygen to seed an initial signing key")
		os.Exit(1)
	}
	tokens := token.New(kr, cfg.ClockSkew)

	sessions := session.New(rdb, session.Config{
		SessionTTLPersistent: cfg.SessionAbsoluteTTLPersistent,
		SessionTTLEphemeral:  cfg.SessionAbsoluteTTLEphemeral,
		RefreshTTL:           cfg.RefreshTokenTTL,
	})

	kms, err := vault.NewLocalKMS("KMS_MASTER_KEY")
	if err != nil {
		log.Error("kms_init_failed", "error", err)
		os.Exit(1)
	}
	credVault := vault.New(vault.NewPostgresStore(pool), kms, cfg.KMSMasterKeyID)

	mfaEngine := mfa.New(cfg.MFAIssuer, mfa.NewPostgresStore(pool), credVault)
	policyEngine := policy.New(policy.NewPostgresStore(pool), cfg.DecisionCacheTTL)

	auditLog := audit.New(audit.NewPostgresStore(pool), 256)
	auditCtx, cancelAudit := context.WithCancel(ctx)
	defer cancelAudit()
	auditLog.Start(auditCtx)
	defer auditLog.Stop()

	bus := events.New(log, 256)
	bus.Start(auditCtx, 4)
	defer bus.Stop()

	mailer := &notify.DevMailer{Logger: log}

	orch := auth.New(
		auth.NewPostgresStore(pool),
		auth.NewPostgresAccountStore(pool),
		password.NewBcryptHasher(cfg.BcryptCost),
		tokens,
		sessions,
		mfaEngine,
		policyEngine,
		credVault,
		auditLog,
		bus,
		mailer,
		auth.Config{
			AccessTokenTTL:   cfg.AccessTokenTTL,
			RefreshTokenTTL:  cfg.RefreshTokenTTL,
			MFAChallengeTTL:  cfg.MFAChallengeTTL,
			PasswordResetTTL: cfg.PasswordResetTTL,
			OAuthStateTTL:    cfg.OAuthStateTTL,
			LoginRateLimit:   int64(cfg.LoginRateLimitCount),
			LoginRateWindow:  cfg.LoginRateLimitWindow,
			TokenAudience:    "authcore",
		},
	)
	// orch is wired end-to-end (every component above feeds it) but has no
	// HTTP surface here — spec.md §1 places the request/response transport
	// layer out of scope, served instead by whatever peer process embeds
	// this package.
	_ = orch
	log.Info("orchestrator_ready")

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/jwks.json", jwksHandler(kr))
	mux.HandleFunc("POST /v1/tokens/validate", validateHandler(tokens, cfg))

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("server_listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Error("server_startup_failed", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		log.Info("shutdown_signal_received", "signal", sig)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful_shutdown_failed", "error", err)
			_ = srv.Close()
		}
		log.Info("server_shutdown_complete")
	}
}

func jwksHandler(kr *keyring.KeyRing) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(kr.JWKS())
	}
}

// validateHandler implements the rare-fallback path spec.md §6 describes for
// a peer that can't verify a JWT locally against the cached JWKS.
func validateHandler(tokens *token.Issuer, cfg config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Token    string `json:"token"`
			Audience string `json:"audience"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request", http.StatusBadRequest)
			return
		}
		claims, err := tokens.Validate(req.Token, req.Audience)
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{"valid": false, "error": err.Error()})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"valid": true, "claims": claims})
	}
}

func redisAddr(redisURL string) string {
	u, err := url.Parse(redisURL)
	if err != nil || u.Host == "" {
		return "localhost:6379"
	}
	return u.Host
}
