package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// ProviderCredentials holds the OAuth client registered with one platform
type ProviderCredentials struct {
	ClientID     string
	ClientSecret string
}

// Configured reports whether both halves of the client pair are present
func (p ProviderCredentials) Configured() bool {
	return p.ClientID != "" && p.ClientSecret != ""
}

type Config struct {
	Env             string
	Store           string
	DatabaseURL     string
	ListenAddr      string
	AdminAPIKey     string
	ShutdownTimeout time.Duration

	TikTok    ProviderCredentials
	Instagram ProviderCredentials
	YouTube   ProviderCredentials

	RefreshInterval    time.Duration
	CleanupAt          TimeOfDay
	CleanupAfter       time.Duration
	YouTubeWindow      time.Duration
	InstagramWindow    time.Duration
	TikTokWindow       time.Duration
	RequestBuffer      time.Duration
	RefreshPacing      time.Duration
	ProviderTimeout    time.Duration
	InterceptorMemoTTL time.Duration
}

// TimeOfDay is a wall-clock time used for the daily cleanup
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error in production)
	_ = godotenv.Load()

	store := getEnv("STORE", StorePostgres)
	if store != StorePostgres && store != StoreMemory {
		return nil, fmt.Errorf("STORE must be %q or %q, got %q", StorePostgres, StoreMemory, store)
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" && store == StorePostgres {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg := &Config{
		Env:         getEnv("ENV", "DEV"),
		Store:       store,
		DatabaseURL: dbURL,
		ListenAddr:  getEnv("LISTEN_ADDR", ":8080"),
		AdminAPIKey: os.Getenv("ADMIN_API_KEY"),
		TikTok: ProviderCredentials{
			ClientID:     os.Getenv("TIKTOK_CLIENT_ID"),
			ClientSecret: os.Getenv("TIKTOK_CLIENT_SECRET"),
		},
		Instagram: ProviderCredentials{
			ClientID:     os.Getenv("INSTAGRAM_CLIENT_ID"),
			ClientSecret: os.Getenv("INSTAGRAM_CLIENT_SECRET"),
		},
		YouTube: ProviderCredentials{
			ClientID:     getEnv("YOUTUBE_CLIENT_ID", os.Getenv("GOOGLE_CLIENT_ID")),
			ClientSecret: getEnv("YOUTUBE_CLIENT_SECRET", os.Getenv("GOOGLE_CLIENT_SECRET")),
		},
	}

	durations := []struct {
		name string
		def  time.Duration
		dst  *time.Duration
	}{
		{"SHUTDOWN_TIMEOUT", 30 * time.Second, &cfg.ShutdownTimeout},
		{"REFRESH_INTERVAL", 30 * time.Minute, &cfg.RefreshInterval},
		{"CLEANUP_AFTER", 7 * 24 * time.Hour, &cfg.CleanupAfter},
		{"YOUTUBE_WINDOW", 45 * time.Minute, &cfg.YouTubeWindow},
		{"INSTAGRAM_WINDOW", 24 * time.Hour, &cfg.InstagramWindow},
		{"TIKTOK_WINDOW", 24 * time.Hour, &cfg.TikTokWindow},
		{"REQUEST_BUFFER", 10 * time.Minute, &cfg.RequestBuffer},
		{"REFRESH_PACING", time.Second, &cfg.RefreshPacing},
		{"PROVIDER_TIMEOUT", 20 * time.Second, &cfg.ProviderTimeout},
		{"INTERCEPTOR_MEMO_TTL", 0, &cfg.InterceptorMemoTTL},
	}
	for _, d := range durations {
		v, err := getDuration(d.name, d.def)
		if err != nil {
			return nil, err
		}
		*d.dst = v
	}

	if cfg.RefreshInterval <= 0 {
		return nil, fmt.Errorf("REFRESH_INTERVAL must be positive")
	}
	if cfg.RequestBuffer < 5*time.Minute || cfg.RequestBuffer > 30*time.Minute {
		return nil, fmt.Errorf("REQUEST_BUFFER must be between 5m and 30m, got %s", cfg.RequestBuffer)
	}

	cleanupAt, err := parseTimeOfDay(getEnv("CLEANUP_AT", "02:00"))
	if err != nil {
		return nil, fmt.Errorf("CLEANUP_AT: %w", err)
	}
	cfg.CleanupAt = cleanupAt

	warnMissing("TikTok", cfg.TikTok)
	warnMissing("YouTube", cfg.YouTube)

	return cfg, nil
}

func warnMissing(platform string, creds ProviderCredentials) {
	if !creds.Configured() {
		log.Warn().Str("platform", platform).Msg("client id or secret not set, token refresh will fail for this platform")
	}
}

func getEnv(name, defaultValue string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return defaultValue
}

func getDuration(name string, defaultValue time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return defaultValue, nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s has invalid duration %q: %w", name, v, err)
	}
	return parsed, nil
}

func parseTimeOfDay(v string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q, expected HH:MM", v)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}
