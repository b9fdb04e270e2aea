package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/vipul43/socialpulse-worker/internal/api"
	"github.com/vipul43/socialpulse-worker/internal/config"
	"github.com/vipul43/socialpulse-worker/internal/database"
	"github.com/vipul43/socialpulse-worker/internal/expiry"
	"github.com/vipul43/socialpulse-worker/internal/instagram"
	"github.com/vipul43/socialpulse-worker/internal/models"
	"github.com/vipul43/socialpulse-worker/internal/repository"
	"github.com/vipul43/socialpulse-worker/internal/repository/repofake"
	"github.com/vipul43/socialpulse-worker/internal/service"
	"github.com/vipul43/socialpulse-worker/internal/tiktok"
	"github.com/vipul43/socialpulse-worker/internal/watcher"
	"github.com/vipul43/socialpulse-worker/internal/youtube"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

// credentialStore is everything the worker needs from credential persistence
type credentialStore interface {
	service.CredentialRepository
	watcher.CredentialCleaner
	api.CredentialFinder
}

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Application error")
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	setupLogging(cfg.Env)
	displayAppname("socialpulse")

	credentials, runs, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// Initialize platform adapters
	refreshers := []service.PlatformRefresher{
		tiktok.NewClient(cfg.TikTok.ClientID, cfg.TikTok.ClientSecret),
		instagram.NewClient(),
		youtube.NewClient(cfg.YouTube.ClientID, cfg.YouTube.ClientSecret),
	}

	policy := expiry.NewPolicy(map[models.Platform]time.Duration{
		models.PlatformYouTube:   cfg.YouTubeWindow,
		models.PlatformInstagram: cfg.InstagramWindow,
		models.PlatformTikTok:    cfg.TikTokWindow,
	}, cfg.RequestBuffer)

	refresher := service.NewTokenRefresher(credentials, policy, service.Options{
		Pacing:          cfg.RefreshPacing,
		ProviderTimeout: cfg.ProviderTimeout,
	}, refreshers...)

	// Initialize watcher
	w := watcher.New(cfg, watcher.NewRunState(), refresher, credentials, runs)

	server := api.NewServer(api.Config{
		Env:           cfg.Env,
		Version:       version,
		AdminAPIKey:   cfg.AdminAPIKey,
		RequestBuffer: cfg.RequestBuffer,
		MemoTTL:       cfg.InterceptorMemoTTL,
	}, refresher, w, credentials)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := w.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("watcher: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		log.Info().Str("addr", httpServer.Addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info().Msg("Application stopped")
	return nil
}

// openStore wires the configured persistence backend
func openStore(cfg *config.Config) (credentialStore, watcher.RunRepository, func(), error) {
	if cfg.Store == config.StoreMemory {
		log.Warn().Msg("Using in-memory store, credentials are lost on restart")
		return repofake.NewCredentialRepo(), repofake.NewRefreshRunRepo(), func() {}, nil
	}

	// Connect to database
	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}
	log.Info().Msg("Database connected successfully")

	// Run migrations
	log.Info().Msg("Running database migrations...")
	if err := database.RunMigrations(db); err != nil {
		_ = db.Close()
		return nil, nil, nil, err
	}
	log.Info().Msg("Migrations completed successfully")

	closeDB := func() {
		if err := db.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close database")
		}
	}
	return repository.NewCredentialRepository(db.Gorm), repository.NewRefreshRunRepository(db.Gorm), closeDB, nil
}

func setupLogging(env string) {
	zerolog.TimeFieldFormat = time.RFC3339
	if env == "DEV" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
		return
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
