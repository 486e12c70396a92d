package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tallyhq/tally/internal/api"
	"github.com/tallyhq/tally/internal/app"
	iauth "github.com/tallyhq/tally/internal/auth"
	"github.com/tallyhq/tally/internal/database"
	"github.com/tallyhq/tally/internal/handlers"
	"github.com/tallyhq/tally/internal/mfa"
	"github.com/tallyhq/tally/internal/services"
	"github.com/tallyhq/tally/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("tally-server", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to configuration file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := app.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := app.ConfigureLogging(cfg.Server.LogLevel); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithModule("bootstrap")

	encryptionKey, err := app.DecodeEncryptionKey(cfg.MFA.EncryptionKey)
	if err != nil {
		return err
	}

	db, err := database.OpenAndMigrate(database.Config{
		Driver:   cfg.Database.Driver,
		Path:     cfg.Database.Path,
		DSN:      cfg.Database.DSN,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Name:     cfg.Database.Name,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if closeErr := database.Close(db); closeErr != nil {
			log.Warn("close database", zap.Error(closeErr))
		}
	}()

	jwtService, err := iauth.NewJWTService(iauth.JWTConfig{
		Secret: cfg.Auth.JWT.Secret,
		Issuer: cfg.Auth.JWT.Issuer,
		TTL:    cfg.Auth.JWT.TTL,
	})
	if err != nil {
		return fmt.Errorf("initialise jwt service: %w", err)
	}

	guard, err := mfa.NewLockoutGuard(db,
		mfa.WithLockoutWindow(cfg.MFA.LockoutWindow),
		mfa.WithLockoutThreshold(cfg.MFA.LockoutThreshold),
	)
	if err != nil {
		return fmt.Errorf("initialise lockout guard: %w", err)
	}

	vault, err := mfa.NewRecoveryVault(db, mfa.WithBatchSize(cfg.MFA.RecoveryCodes))
	if err != nil {
		return fmt.Errorf("initialise recovery vault: %w", err)
	}

	verifier, err := mfa.NewVerifier(db, vault, guard, encryptionKey,
		mfa.WithChallengeTTL(cfg.MFA.ChallengeTTL),
	)
	if err != nil {
		return fmt.Errorf("initialise verifier: %w", err)
	}

	enrollment, err := mfa.NewEnrollmentService(db, verifier, vault, encryptionKey,
		mfa.WithIssuer(cfg.MFA.Issuer),
	)
	if err != nil {
		return fmt.Errorf("initialise enrollment service: %w", err)
	}

	devices, err := mfa.NewDeviceRegistry(db, mfa.WithDeviceTTL(cfg.MFA.TrustedDeviceTTL))
	if err != nil {
		return fmt.Errorf("initialise device registry: %w", err)
	}

	audit, err := services.NewAuditService(db)
	if err != nil {
		return fmt.Errorf("initialise audit service: %w", err)
	}

	sweeper, err := mfa.NewSweeper(db, cfg.MFA.LockoutWindow, mfa.WithSweepSchedule(cfg.MFA.SweepSchedule))
	if err != nil {
		return fmt.Errorf("initialise sweeper: %w", err)
	}
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	defer sweeper.Stop()

	mfaHandler := handlers.NewMFAHandler(enrollment, verifier, vault, devices, jwtService, audit)

	router, err := api.NewRouter(api.Deps{DB: db, JWT: jwtService, MFAHandler: mfaHandler})
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	return nil
}
