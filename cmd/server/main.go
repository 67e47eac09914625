// Command server runs the Storytime billing API: purchase verification
// against Google Play and the App Store, the payment ledger, and
// subscription management.
//
//	@title					Storytime Billing API
//	@version				1.0
//	@description			Purchase verification and subscription management for the Storytime apps.
//	@BasePath				/api/v1
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/option"

	_ "github.com/storytime-app/storytime-backend/docs"
	"github.com/storytime-app/storytime-backend/internal/config"
	httpapi "github.com/storytime-app/storytime-backend/internal/http"
	"github.com/storytime-app/storytime-backend/internal/observability"
	"github.com/storytime-app/storytime-backend/internal/repo"
	"github.com/storytime-app/storytime-backend/internal/sysutil"
	"github.com/storytime-app/storytime-backend/internal/verify"
)

const version = "1.0.0"

const shutdownGrace = 10 * time.Second

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	sysutil.SetLogLevel(cfg.LogLevel)

	ctx := context.Background()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate database failed")
	}

	google := buildGoogleVerifier(ctx, cfg.GooglePlay)
	apple := verify.NewAppleVerifier(verify.AppleConfig{
		KeyID:       cfg.AppStore.KeyID,
		IssuerID:    cfg.AppStore.IssuerID,
		BundleID:    cfg.AppStore.BundleID,
		PrivateKey:  cfg.AppStore.PrivateKey,
		Environment: cfg.AppStore.Environment,
	})

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, db, google, apple, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}

	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// buildGoogleVerifier constructs the Play verifier from service-account
// credentials. A deployment without Play credentials still starts; the
// verifier then reports itself unconfigured on first use.
func buildGoogleVerifier(ctx context.Context, cfg config.GooglePlayConfig) *verify.GoogleVerifier {
	if cfg.CredentialsFile == "" {
		log.Warn().Msg("google play credentials not configured; android verification disabled")
		return verify.NewGoogleVerifier(nil, cfg.PackageName)
	}
	svc, err := androidpublisher.NewService(ctx, option.WithCredentialsFile(cfg.CredentialsFile))
	if err != nil {
		log.Error().Err(err).Msg("android publisher client init failed; android verification disabled")
		return verify.NewGoogleVerifier(nil, cfg.PackageName)
	}
	return verify.NewGoogleVerifier(svc, cfg.PackageName)
}
