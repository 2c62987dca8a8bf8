package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr string

	UpstreamBaseURL string
	UpstreamAPIKey  string
	UserAgent       string

	// ResolveTimeout is the primary resolve deadline. Values above 45s are
	// clamped by the pipeline.
	ResolveTimeout           time.Duration
	BackgroundResolveTimeout time.Duration
	MaxBackgroundResolves    int
	ResolveRatePerSecond     float64
	ResolveRateBurst         int

	CandidateCacheTTL time.Duration
	URLCacheTTL       time.Duration
	SweepInterval     time.Duration

	RedisURL string

	MongoURI      string
	MongoDatabase string

	DefaultAudioLanguage string
	LanguageFallback     string

	LogLevel  string
	LogFormat string
}

func LoadConfig() Config {
	return Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),

		UpstreamBaseURL: getEnv("UPSTREAM_BASE_URL", "http://localhost:9000"),
		UpstreamAPIKey:  getEnv("UPSTREAM_API_KEY", ""),
		UserAgent:       getEnv("USER_AGENT", "streamsource/1.0"),

		ResolveTimeout:           getEnvDuration("RESOLVE_TIMEOUT", 30*time.Second),
		BackgroundResolveTimeout: getEnvDuration("BACKGROUND_RESOLVE_TIMEOUT", 12*time.Second),
		MaxBackgroundResolves:    int(getEnvInt64("MAX_BACKGROUND_RESOLVES", 3)),
		ResolveRatePerSecond:     getEnvFloat("RESOLVE_RATE", 0),
		ResolveRateBurst:         int(getEnvInt64("RESOLVE_BURST", 1)),

		CandidateCacheTTL: getEnvDuration("CANDIDATE_CACHE_TTL", 30*time.Minute),
		URLCacheTTL:       getEnvDuration("URL_CACHE_TTL", 30*time.Minute),
		SweepInterval:     getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),

		RedisURL: getEnv("REDIS_URL", ""),

		MongoURI:      getEnv("MONGO_URI", ""),
		MongoDatabase: getEnv("MONGO_DB", "streamsource"),

		DefaultAudioLanguage: strings.ToLower(getEnv("DEFAULT_AUDIO_LANGUAGE", "eng")),
		LanguageFallback:     strings.ToLower(getEnv("LANGUAGE_FALLBACK", "eng")),

		LogLevel:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", "text")),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	if parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

// getEnvDuration accepts Go duration strings ("45s", "5m") and falls back on
// anything unparseable or non-positive.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
