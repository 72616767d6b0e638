package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/citypulse/passkey-service/internal/api"
	"github.com/citypulse/passkey-service/internal/ceremony"
	"github.com/citypulse/passkey-service/internal/directory"
	"github.com/citypulse/passkey-service/internal/storage"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := LoadConfig()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup WebAuthn. The ceremony TTL doubles as the protocol timeout
	// so the library rejects stale sessions on its own as well.
	wconfig := &webauthn.Config{
		RPDisplayName: cfg.RPName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
		Timeouts: webauthn.TimeoutsConfig{
			Login: webauthn.TimeoutConfig{
				Enforce:    true,
				Timeout:    ceremony.SessionTTL,
				TimeoutUVD: ceremony.SessionTTL,
			},
			Registration: webauthn.TimeoutConfig{
				Enforce:    true,
				Timeout:    ceremony.SessionTTL,
				TimeoutUVD: ceremony.SessionTTL,
			},
		},
	}

	webAuthn, err := webauthn.New(wconfig)
	if err != nil {
		slog.Error("Failed to create WebAuthn instance", "error", err)
		os.Exit(1)
	}

	// Setup credential storage
	var credentialStore storage.CredentialStore
	switch cfg.StorageMode {
	case "s3":
		s3Store, err := storage.NewS3CredentialStore(cfg.S3.Endpoint, cfg.S3.AccessKey, cfg.S3.SecretKey, cfg.S3.Bucket, cfg.S3.UseSSL)
		if err != nil {
			slog.Error("Failed to create S3 credential store", "error", err)
			os.Exit(1)
		}
		credentialStore = s3Store
		slog.Info("Using S3 credential storage", "endpoint", cfg.S3.Endpoint, "bucket", cfg.S3.Bucket)
	case "filesystem":
		fsStore, err := storage.NewFilesystemCredentialStore(cfg.DataPath)
		if err != nil {
			slog.Error("Failed to create filesystem credential store", "error", err)
			os.Exit(1)
		}
		credentialStore = fsStore
		slog.Info("Using filesystem credential storage", "path", cfg.DataPath)
	case "memory":
		credentialStore = storage.NewMemoryCredentialStore()
		slog.Warn("Using in-memory credential storage (not persistent)")
	default:
		slog.Error("Invalid STORAGE_MODE", "mode", cfg.StorageMode, "valid_modes", []string{"memory", "filesystem", "s3"})
		os.Exit(1)
	}

	// Setup challenge session storage
	var sessionStore storage.SessionStore
	switch cfg.SessionMode {
	case "redis":
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		// Test Redis connection
		ctx := context.Background()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}

		sessionStore = storage.NewRedisSessionStore(redisClient)
		slog.Info("Using Redis challenge sessions", "addr", cfg.Redis.Addr)
	case "memory":
		sessionStore = storage.NewMemorySessionStore()
		slog.Warn("Using in-memory challenge sessions (not persistent)")
	default:
		slog.Error("Invalid SESSION_MODE", "mode", cfg.SessionMode, "valid_modes", []string{"memory", "redis"})
		os.Exit(1)
	}

	// Setup services
	directoryClient := directory.NewClient(cfg.Directory.BaseURL, cfg.Directory.ServiceToken, []byte(cfg.Directory.JWTSecret), cfg.Directory.Issuer)
	ceremonies := ceremony.NewService(webAuthn, credentialStore, sessionStore, directoryClient)
	apiServer := api.NewServer(ceremonies, cfg.SecureCookies)

	// Setup routes
	mux := http.NewServeMux()

	mux.HandleFunc("GET /init-register", apiServer.InitRegisterHandler)
	mux.HandleFunc("POST /verify-register", apiServer.VerifyRegisterHandler)
	mux.HandleFunc("GET /init-auth", apiServer.InitAuthHandler)
	mux.HandleFunc("POST /verify-auth", apiServer.VerifyAuthHandler)
	mux.HandleFunc("GET /passkey-status", apiServer.StatusHandler)
	mux.HandleFunc("DELETE /passkey-credentials", apiServer.RevokeHandler)
	mux.HandleFunc("GET /health", apiServer.HealthHandler)

	// Apply middleware
	handler := api.LoggingMiddleware(api.CORSMiddleware(cfg.RPOrigins, mux))

	// Create HTTP server
	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
	}

	fmt.Printf("Passkey ceremony service starting on http://localhost:%s\n", cfg.Port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET    /init-register        - WebAuthn registration options")
	fmt.Println("  POST   /verify-register      - Verify attestation response")
	fmt.Println("  GET    /init-auth            - WebAuthn authentication options")
	fmt.Println("  POST   /verify-auth          - Verify assertion response")
	fmt.Println("  GET    /passkey-status       - Enrollment status (bearer token)")
	fmt.Println("  DELETE /passkey-credentials  - Revoke credential (bearer token)")
	fmt.Println("  GET    /health               - Health check")

	if err := server.ListenAndServe(); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}
