package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the dive voice service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool
	LogDev           bool

	SessionBudget    time.Duration
	SessionRetention time.Duration

	VoiceTransport  string
	GeminiAPIKey    string
	GeminiLiveModel string
	LiveProfilePath string
	LiveProfile     LiveProfile

	DatabaseURL     string
	MongoURI        string
	MongoDatabase   string
	RecorderBackend string
	RedactPII       bool

	QuotaDailyVoiceLimit int
	AuthJWTSecret        string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "divevoice"),
		AllowAnyOrigin:   false,
		ShutdownTimeout:  15 * time.Second,
		SessionBudget:    180 * time.Second,
		SessionRetention: 10 * time.Minute,
		VoiceTransport:   strings.ToLower(envOrDefault("VOICE_TRANSPORT", "auto")),
		GeminiAPIKey:     stringsTrimSpace("GEMINI_API_KEY"),
		GeminiLiveModel:  envOrDefault("GEMINI_LIVE_MODEL", "gemini-2.0-flash-live-001"),
		LiveProfilePath:  stringsTrimSpace("LIVE_PROFILE_PATH"),
		LiveProfile:      DefaultLiveProfile(),
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),
		MongoURI:         stringsTrimSpace("MONGODB_URI"),
		MongoDatabase:    envOrDefault("MONGODB_DATABASE", "divevoice"),
		RecorderBackend:  strings.ToLower(envOrDefault("RECORDER_BACKEND", "auto")),
		RedactPII:        true,
		// 0 means unlimited.
		QuotaDailyVoiceLimit: 0,
		AuthJWTSecret:        stringsTrimSpace("AUTH_JWT_SECRET"),
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionBudget, err = durationFromEnv("VOICE_SESSION_BUDGET", cfg.SessionBudget)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionRetention, err = durationFromEnv("VOICE_SESSION_RETENTION", cfg.SessionRetention)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.LogDev, err = boolFromEnv("APP_LOG_DEV", cfg.LogDev)
	if err != nil {
		return Config{}, err
	}
	cfg.RedactPII, err = boolFromEnv("RECORDER_REDACT_PII", cfg.RedactPII)
	if err != nil {
		return Config{}, err
	}
	cfg.QuotaDailyVoiceLimit, err = intFromEnv("QUOTA_DAILY_VOICE_LIMIT", cfg.QuotaDailyVoiceLimit)
	if err != nil {
		return Config{}, err
	}

	if cfg.LiveProfilePath != "" {
		cfg.LiveProfile, err = LoadLiveProfile(cfg.LiveProfilePath)
		if err != nil {
			return Config{}, err
		}
	}

	if cfg.SessionBudget < 10*time.Second {
		return Config{}, fmt.Errorf("VOICE_SESSION_BUDGET must be at least 10s")
	}
	if cfg.SessionRetention < time.Minute {
		return Config{}, fmt.Errorf("VOICE_SESSION_RETENTION must be at least 1m")
	}
	if cfg.QuotaDailyVoiceLimit < 0 {
		return Config{}, fmt.Errorf("QUOTA_DAILY_VOICE_LIMIT must be >= 0")
	}
	switch cfg.VoiceTransport {
	case "auto", "gemini", "mock":
	default:
		return Config{}, fmt.Errorf("VOICE_TRANSPORT must be one of auto, gemini, mock")
	}
	if cfg.VoiceTransport == "gemini" && cfg.GeminiAPIKey == "" {
		return Config{}, fmt.Errorf("VOICE_TRANSPORT=gemini requires GEMINI_API_KEY")
	}
	switch cfg.RecorderBackend {
	case "auto", "postgres", "mongo", "memory":
	default:
		return Config{}, fmt.Errorf("RECORDER_BACKEND must be one of auto, postgres, mongo, memory")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
