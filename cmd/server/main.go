// Package main provides the entry point for the KiroGate server.
// The server fronts Kiro / Amazon Q and user-supplied OpenAI or Claude
// upstreams behind an Anthropic-compatible messages API, drawing credentials
// from a shared pool with health checking and weighted allocation.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/KiroGateAPI/internal/allocator"
	"github.com/router-for-me/KiroGateAPI/internal/api"
	"github.com/router-for-me/KiroGateAPI/internal/auth"
	"github.com/router-for-me/KiroGateAPI/internal/auth/kiro"
	"github.com/router-for-me/KiroGateAPI/internal/buildinfo"
	"github.com/router-for-me/KiroGateAPI/internal/config"
	"github.com/router-for-me/KiroGateAPI/internal/crypto"
	"github.com/router-for-me/KiroGateAPI/internal/health"
	"github.com/router-for-me/KiroGateAPI/internal/logging"
	"github.com/router-for-me/KiroGateAPI/internal/orchestrator"
	"github.com/router-for-me/KiroGateAPI/internal/store"
	"github.com/router-for-me/KiroGateAPI/internal/watcher"
)

// systemUserIdentifier owns credentials seeded from the environment rather
// than registered by a person.
const systemUserIdentifier = "system@kirogate.local"

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	var configPath string
	var showVersion bool
	flag.StringVar(&configPath, "config", "config.yaml", "Configure File Path")
	flag.BoolVar(&showVersion, "version", false, "Show KiroGate version and exit")
	flag.Parse()

	fmt.Printf("KiroGate Version: %s, Commit: %s, BuiltAt: %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)
	if showVersion {
		return
	}

	if err := run(configPath); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}

	// Load environment variables from .env if present.
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err = logging.ConfigureLogOutput(cfg.LoggingToFile, filepath.Join(wd, "logs")); err != nil {
		return fmt.Errorf("failed to configure log output: %w", err)
	}
	logging.SetLevel(cfg.Debug)

	cipher, err := crypto.NewCipher(cfg.TokenEncryptKey)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabaseURL, cipher)
	if err != nil {
		return err
	}
	defer func() {
		if errClose := st.Close(); errClose != nil {
			log.Errorf("failed to close store: %v", errClose)
		}
	}()

	cache := kiro.NewCache(cfg.ProxyURL)
	alloc := allocator.New(st, cache, cfg.Fallback.ProfileArn)

	if err = seedFallbackToken(ctx, st, cfg); err != nil {
		log.Warnf("fallback token not registered: %v", err)
	}

	checker := health.New(st, cache, cfg.Fallback.ProfileArn, cfg.HealthCheckInterval)
	checker.Start()
	defer checker.Stop()

	// OAuth states for the login frontend; swept until shutdown. Persisted
	// login sessions age out on a slower cadence.
	states := auth.NewStateRegistry()
	states.Start(ctx)
	go sweepSessions(ctx, st)

	orc := orchestrator.New(st, alloc, cache, orchestrator.Options{
		FirstTokenTimeout: cfg.FirstTokenTimeout,
		StreamReadTimeout: cfg.StreamReadTimeout,
		PingInterval:      cfg.PingInterval,
		ProxyURL:          cfg.ProxyURL,
	})

	srv := api.NewServer(cfg, st, orc, cache)

	// A broken watcher is an inconvenience, not a startup failure.
	if w, errWatch := watcher.New(configPath, func(next *config.Config) {
		logging.SetLevel(next.Debug)
		checker.SetInterval(next.HealthCheckInterval)
	}); errWatch != nil {
		log.Warnf("config watcher disabled: %v", errWatch)
	} else if errStart := w.Start(ctx); errStart != nil {
		log.Warnf("config watcher disabled: %v", errStart)
	} else {
		defer func() { _ = w.Stop() }()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	select {
	case err = <-serveErr:
		return err
	case <-ctx.Done():
	}

	log.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if errStop := srv.Stop(shutdownCtx); errStop != nil {
		return errStop
	}
	return <-serveErr
}

// sweepSessions deletes expired web-login session rows hourly until ctx is
// cancelled.
func sweepSessions(ctx context.Context, st *store.Store) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := st.DeleteExpiredSessions(ctx)
			if err != nil {
				log.Warnf("session sweep failed: %v", err)
				continue
			}
			if removed > 0 {
				log.Debugf("session sweep removed %d expired rows", removed)
			}
		}
	}
}

// seedFallbackToken upserts the operator's environment credential as a public
// token owned by the system user, so it enters the shared pool like any other
// contribution. Rerunning against the same token is a no-op.
func seedFallbackToken(ctx context.Context, st *store.Store, cfg *config.Config) error {
	fb := cfg.Fallback
	if fb.RefreshToken == "" {
		return nil
	}

	user, err := st.GetUserByIdentifier(ctx, systemUserIdentifier)
	if errors.Is(err, store.ErrNotFound) {
		user, err = st.CreateUser(ctx, systemUserIdentifier, "", store.UserStatusActive)
	}
	if err != nil {
		return err
	}

	authType := store.AuthTypeSocial
	if fb.ClientID != "" {
		authType = store.AuthTypeIDC
	}
	_, err = st.CreateToken(ctx, store.CreateTokenParams{
		UserID:       user.ID,
		RefreshToken: fb.RefreshToken,
		AuthType:     authType,
		ClientID:     fb.ClientID,
		ClientSecret: fb.ClientSecret,
		Region:       fb.Region,
		Visibility:   store.VisibilityPublic,
	})
	if errors.Is(err, store.ErrDuplicateToken) {
		return nil
	}
	if err == nil {
		log.Info("fallback credential registered in the shared pool")
	}
	return err
}
