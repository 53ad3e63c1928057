// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

// Command api is the entry point for the Veyra identity server.
//
// # Startup Sequence
//
//  1. Initialize structured logger.
//  2. Load configuration from environment variables.
//  3. Connect to PostgreSQL (pgxpool).
//  4. Connect to Redis.
//  5. Run database migrations (idempotent).
//  6. Wire domain services and HTTP handlers.
//  7. Start HTTP server with graceful shutdown.
//
// No business logic lives here. All wiring is explicit constructor injection.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taibuivan/veyra/internal/api"
	"github.com/taibuivan/veyra/internal/authn"
	"github.com/taibuivan/veyra/internal/cache"
	"github.com/taibuivan/veyra/internal/identity"
	"github.com/taibuivan/veyra/internal/oauth"
	"github.com/taibuivan/veyra/internal/platform/config"
	"github.com/taibuivan/veyra/internal/platform/constants"
	"github.com/taibuivan/veyra/internal/platform/migration"
	pgstore "github.com/taibuivan/veyra/internal/platform/postgres"
	redisstore "github.com/taibuivan/veyra/internal/platform/redis"
	"github.com/taibuivan/veyra/internal/platform/sec"
	"github.com/taibuivan/veyra/internal/risk"
	"github.com/taibuivan/veyra/internal/session"
)

func main() {
	// ── 1. Logger ──────────────────────────────────────────────────────────
	// Initialize first so that subsequent startup errors are structured JSON.
	rawLog := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	// Add global context to all log entries.
	log := rawLog.With(slog.String("app", "veyra"))
	slog.SetDefault(log)

	log.Info("[Veyra] service_initializing")

	// ── 2. Configuration ──────────────────────────────────────────────────
	cfg, err := config.Load()
	must(log, err, "load configuration")

	if cfg.Debug {
		debugLog := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
		log = debugLog.With(slog.String("app", "veyra"))
		slog.SetDefault(log)
		log.Debug("debug_logging_enabled")
	}

	log.Info("configuration_loaded",
		slog.String("environment", cfg.Environment),
		slog.String("port", cfg.ServerPort),
		slog.String("issuer", cfg.Issuer),
	)

	// Root context for startup. Use a 30s deadline so misconfiguration is
	// caught quickly rather than hanging indefinitely.
	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startupCancel()

	// ── 3. PostgreSQL ─────────────────────────────────────────────────────
	pool, err := pgstore.NewPool(startupCtx, cfg.DatabaseURL, log)
	must(log, err, "connect to postgres")
	defer func() {
		log.Info("closing postgres pool")
		pool.Close()
	}()

	// ── 4. Redis ──────────────────────────────────────────────────────────
	rdb, err := redisstore.NewClient(startupCtx, cfg.RedisURL, log)
	must(log, err, "connect to redis")
	defer func() {
		log.Info("closing redis client")
		if cerr := rdb.Close(); cerr != nil {
			log.Error("redis close error", slog.Any("error", cerr))
		}
	}()

	// ── 5. Migrations ─────────────────────────────────────────────────────
	must(log, migration.RunUp(cfg.DatabaseURL, cfg.MigrationPath, log), "run migrations")

	// ── 6. Cryptography & Cache ───────────────────────────────────────────
	tokenService, err := sec.NewTokenService(cfg.AccessKeyPath, cfg.AccessKeyID, cfg.Issuer)
	must(log, err, "initialize token authority")

	blindIndexer, err := sec.NewBlindIndexer(cfg.MasterSecret)
	must(log, err, "initialize blind indexer")

	fieldCipher, err := sec.NewFieldCipher(cfg.MasterSecret)
	must(log, err, "initialize field cipher")

	readCache := cache.New(rdb, cache.Options{
		LocalMaxEntries: cfg.CacheLocalMaxEntries,
		RegionTTLs: map[cache.Region]time.Duration{
			cache.RegionUsers:       cfg.CacheUsersTTL,
			cache.RegionRoles:       cfg.CacheRolesTTL,
			cache.RegionASN:         cfg.CacheASNTTL,
			cache.RegionTokens:      cfg.CacheTokensTTL,
			cache.RegionIPBlock:     cfg.CacheIPBlockTTL,
			cache.RegionGeoLocation: cfg.CacheGeoLocationTTL,
			cache.RegionGeoHistory:  cfg.CacheGeoHistoryTTL,
		},
		Breaker: cache.BreakerOptions{
			MaxConsecutiveFailures: cfg.BreakerFailures,
			FailureRatio:           cfg.BreakerRatio,
			Cooldown:               cfg.BreakerCooldown,
		},
	}, log)

	// ── 7. Repositories ───────────────────────────────────────────────────
	userRepository := identity.NewUserRepository(pool)
	roleRepository := identity.NewRoleRepository(pool)
	resetTokens := identity.NewResetTokenRepository(rdb)
	verificationTokens := identity.NewVerificationTokenRepository(rdb)
	passkeyRepository := authn.NewPasskeyRepository(pool)
	rememberMeRepository := authn.NewRememberMeRepository(pool)
	clientRepository := oauth.NewClientRepository(pool)
	authorizationRepository := oauth.NewAuthorizationRepository(pool)
	consentRepository := oauth.NewConsentRepository(pool)

	// ── 8. Risk Engine ────────────────────────────────────────────────────
	geoProviders := []risk.GeoProvider{}
	if cfg.GeoProviderURL != "" {
		geoProviders = append(geoProviders, risk.NewHTTPGeoProvider(cfg.GeoProviderURL))
	}
	if cfg.GeoFallbackURL != "" {
		geoProviders = append(geoProviders, risk.NewHTTPGeoProvider(cfg.GeoFallbackURL))
	}

	riskSettings := risk.Settings{
		FailureWindow:          cfg.FailureWindow,
		CaptchaThreshold:       cfg.CaptchaThreshold,
		MaxTravelSpeedKmh:      cfg.MaxTravelSpeedKmh,
		SuspiciousDistanceKm:   cfg.SuspiciousDistanceKm,
		GeoHistoryWindow:       cfg.GeoHistoryTTL,
		HighRiskCountries:      cfg.HighRiskCountries,
		VPNReputationThreshold: cfg.VPNReputationThreshold,
		DeviceTrustLogins:      cfg.DeviceTrustLogins,
	}

	riskService := risk.NewService(
		risk.NewFailureTracker(rdb, cfg.FailureWindow),
		risk.NewCaptchaVerifier(cfg.CaptchaVerifyURL, cfg.CaptchaSecret, log),
		risk.NewAnalyzer(
			risk.NewChainProvider(log, geoProviders...),
			rdb,
			readCache,
			risk.NewASNRepository(pool),
			riskSettings,
			log,
		),
		risk.NewIPBlocklistRepository(pool),
		risk.NewFingerprintRepository(pool),
		risk.NewSecurityEventRepository(pool),
		readCache,
		riskSettings,
		log,
	)

	// ── 9. Sessions & Credentials ─────────────────────────────────────────
	sessionStore := session.NewStore(rdb, cfg.SessionTTL, log)
	rememberMeManager := authn.NewRememberMeManager(rememberMeRepository, riskService, cfg.RememberMeTTL, log)
	ticketStore := authn.NewTicketStore(rdb, cfg.PasskeyTimeout)

	passkeyService, err := authn.NewPasskeyService(authn.PasskeySettings{
		RPID:          cfg.RPID,
		RPDisplayName: cfg.RPDisplayName,
		RPOrigins:     cfg.RPOrigins,
		Timeout:       cfg.PasskeyTimeout,
	}, passkeyRepository, userRepository, ticketStore, fieldCipher, riskService, log)
	must(log, err, "initialize passkey service")

	// ── 10. Account Manager ───────────────────────────────────────────────
	passwordPolicy, err := identity.NewPasswordPolicy(identity.PolicyConfig{
		MinLength:      cfg.PasswordMinLength,
		MaxLength:      cfg.PasswordMaxLength,
		RequireUpper:   cfg.PasswordRequireUpper,
		RequireDigit:   cfg.PasswordRequireDigit,
		RequireSpecial: cfg.PasswordRequireClass,
		CustomRegex:    cfg.PasswordCustomRegex,
		BreachCheckURL: cfg.BreachCheckURL,
	}, log)
	must(log, err, "initialize password policy")

	// The grant engine needs the account manager and vice versa; the revoker
	// binding is filled in once both exist.
	grantRevoker := &lateGrantRevoker{}

	identityService := identity.NewService(identity.ServiceDeps{
		Users:              userRepository,
		Roles:              roleRepository,
		ResetTokens:        resetTokens,
		VerificationTokens: verificationTokens,
		Policy:             passwordPolicy,
		BlindIndexer:       blindIndexer,
		FieldCipher:        fieldCipher,
		Sessions:           sessionStore,
		Grants:             grantRevoker,
		RememberMe:         rememberMeManager,
		Credentials: &credentialCascade{
			passkeys: passkeyService,
			devices:  riskService,
		},
		Devices:          riskService,
		Events:           riskService,
		RegistrationGate: riskService,
		Cache:            readCache,
		Lockout: identity.LockoutSettings{
			Threshold: cfg.LockoutThreshold,
			Duration:  cfg.LockoutDuration,
		},
		DefaultPhoneRegion: cfg.DefaultPhoneRegion,
		Logger:             log,
	})

	// ── 11. Grant Engine ──────────────────────────────────────────────────
	tokenMinter, err := oauth.NewTokenMinter(tokenService, identityService, cfg.RefreshHMACKey, oauth.TokenSettings{
		AccessTokenTTL:  cfg.AccessTokenTTL,
		RefreshTokenTTL: cfg.RefreshTokenTTL,
		AuthCodeTTL:     cfg.AuthCodeTTL,
		IDTokenTTL:      cfg.IDTokenTTL,
	})
	must(log, err, "initialize token minter")

	oauthService := oauth.NewService(oauth.ServiceDeps{
		Clients:  clientRepository,
		Grants:   authorizationRepository,
		Consents: consentRepository,
		Devices:  oauth.NewDeviceStore(rdb, cfg.DeviceCodeTTL, cfg.DevicePollPeriod, tokenMinter.HashOpaque),
		Minter:   tokenMinter,
		Accounts: identityService,
		Events:   riskService,
		Logger:   log,
	})
	grantRevoker.target = oauthService

	// ── 12. Authentication Coordinator ────────────────────────────────────
	var federationService *authn.FederationService
	if cfg.UpstreamIssuer != "" {
		federationService, err = authn.NewFederationService(startupCtx, authn.FederationSettings{
			Issuer:       cfg.UpstreamIssuer,
			ClientID:     cfg.UpstreamClientID,
			ClientSecret: cfg.UpstreamClientSecret,
			RedirectURL:  cfg.UpstreamRedirectURL,
			Scopes:       cfg.UpstreamScopes,
			EmailsURL:    cfg.UpstreamEmailsURL,
		}, userRepository, roleRepository, ticketStore, riskService, log)
		must(log, err, "initialize upstream federation")
	} else {
		log.Info("upstream_federation_disabled")
	}

	authnService := authn.NewService(authn.ServiceDeps{
		Users:      userRepository,
		Accounts:   identityService,
		Gate:       riskService,
		Sessions:   sessionStore,
		RememberMe: rememberMeManager,
		Events:     riskService,
		Logger:     log,
	})

	// ── 13. HTTP Handlers ─────────────────────────────────────────────────
	liveness, readiness := api.NewHealthHandlers(api.HealthDependencies{
		CheckDatabase: func() error {
			return pgstore.Ping(context.Background(), pool)
		},
		CheckCache: func() error {
			return redisstore.Ping(context.Background(), rdb)
		},
	}, log)

	handlers := api.Handlers{
		Liveness:  liveness,
		Readiness: readiness,
		Authn: authn.NewHandler(authn.HandlerConfig{
			AuthService:   authnService,
			Passkeys:      passkeyService,
			Federation:    federationService,
			Accounts:      identityService,
			SessionTTL:    cfg.SessionTTL,
			RememberMeTTL: cfg.RememberMeTTL,
			SecureCookies: cfg.IsProduction(),
		}),
		Identity: identity.NewHandler(identityService),
		OAuth: oauth.NewHandler(oauth.HandlerConfig{
			Service:       oauthService,
			Tokens:        tokenService,
			Sessions:      sessionStore,
			Issuer:        cfg.Issuer,
			SecureCookies: cfg.IsProduction(),
		}),
	}

	// ── 14. HTTP Server ───────────────────────────────────────────────────
	serverCtx, serverCancel := context.WithCancel(context.Background())
	defer serverCancel()

	server := api.NewServer(serverCtx, cfg, log, tokenService, handlers)

	// ── 15. Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Block until OS signal or server error.
	select {
	case sig := <-quit:
		log.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-serverErr:
		log.Error("server startup error", slog.Any("error", err))
	}

	// Give in-flight requests enough time to complete.
	shutdownTimeout := constants.ShutdownTimeout
	log.Info("shutting down server", slog.Duration("timeout", shutdownTimeout))

	if err := server.Shutdown(shutdownTimeout); err != nil {
		log.Error("shutdown error", slog.Any("error", err))
		os.Exit(1)
	}

	log.Info("server stopped cleanly")
}

// # Wiring Adapters

// lateGrantRevoker breaks the construction cycle between the account manager
// and the grant engine. Before the target is bound every cascade is a no-op,
// which only matters during the few microseconds of startup wiring.
type lateGrantRevoker struct {
	target identity.GrantRevoker
}

func (revoker *lateGrantRevoker) RevokeAllForPrincipal(ctx context.Context, principalName string) error {
	if revoker.target == nil {
		return nil
	}
	return revoker.target.RevokeAllForPrincipal(ctx, principalName)
}

func (revoker *lateGrantRevoker) DeleteConsentsForPrincipal(ctx context.Context, principalName string) error {
	if revoker.target == nil {
		return nil
	}
	return revoker.target.DeleteConsentsForPrincipal(ctx, principalName)
}

// credentialCascade fans account deletion out to the credential stores.
type credentialCascade struct {
	passkeys *authn.PasskeyService
	devices  *risk.Service
}

func (cascade *credentialCascade) DeletePasskeysForUser(ctx context.Context, userID int64) error {
	return cascade.passkeys.DeletePasskeysForUser(ctx, userID)
}

func (cascade *credentialCascade) DeactivateFingerprintsForUser(ctx context.Context, userID int64) error {
	return cascade.devices.DeactivateFingerprintsForUser(ctx, userID)
}

// must logs a structured fatal error and terminates the process if err is non-nil.
//
// It is intentionally limited to startup wiring. After startup, all errors
// must be returned and handled explicitly (never panic).
func must(log *slog.Logger, err error, context string) {
	if err != nil {
		log.Error("startup failure",
			slog.String("context", context),
			slog.Any("error", err),
		)
		os.Exit(1)
	}
}
