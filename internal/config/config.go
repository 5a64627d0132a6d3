package config

import (
	"flag"
	"fmt"
	"net/mail"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/txttokindle/internal/delivery"
	"github.com/txttokindle/internal/ratelimit"
	"github.com/txttokindle/internal/turnstile"
)

type Config struct {
	// Server
	Port string
	Env  string // development, production

	// Submissions
	RequireKindleDomain bool
	MaxUploadBytes      int64

	// SMTP
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPass     string
	SMTPFrom     string
	SMTPFromName string

	// Turnstile
	TurnstileSecretKey string
	TurnstileSiteKey   string
	TurnstileVerifyURL string

	// Rate limiting
	RedisURL          string
	RateLimitInMemory bool
	RateLimitMax      int
	RateLimitWindow   time.Duration
	RateLimitPrefix   string

	FloodRPS   float64
	FloodBurst int
}

// Load reads configuration from the environment (and .env when present),
// then applies command line flags from args.
func Load(args []string) (*Config, error) {
	// Load .env file if it exists (don't error if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	fs := flag.NewFlagSet("txttokindle", flag.ContinueOnError)
	fs.StringVar(&cfg.Port, "port", getEnv("PORT", "8080"), "Server port")
	fs.StringVar(&cfg.Env, "env", getEnv("ENV", "development"), "Environment (development, production)")

	cfg.RequireKindleDomain = getEnvBool("REQUIRE_KINDLE_DOMAIN", false)
	cfg.MaxUploadBytes = int64(getEnvInt("MAX_UPLOAD_BYTES", delivery.DefaultMaxUploadBytes))

	cfg.SMTPHost = getEnv("SMTP_HOST", "")
	cfg.SMTPPort = getEnvInt("SMTP_PORT", 587)
	cfg.SMTPUser = getEnv("SMTP_USER", "")
	cfg.SMTPPass = getEnv("SMTP_PASS", "")
	cfg.SMTPFrom = getEnv("SMTP_FROM", "")
	cfg.SMTPFromName = getEnv("SMTP_FROM_NAME", "")

	cfg.TurnstileSecretKey = getEnv("TURNSTILE_SECRET_KEY", "")
	cfg.TurnstileSiteKey = getEnv("TURNSTILE_SITE_KEY", "")
	cfg.TurnstileVerifyURL = getEnv("TURNSTILE_VERIFY_URL", turnstile.DefaultVerifyURL)

	cfg.RedisURL = getEnv("REDIS_URL", "")
	cfg.RateLimitInMemory = getEnvBool("RATE_LIMIT_IN_MEMORY", false)
	cfg.RateLimitMax = getEnvInt("RATE_LIMIT_MAX", ratelimit.DefaultLimit)
	cfg.RateLimitWindow = getEnvDuration("RATE_LIMIT_WINDOW", ratelimit.DefaultWindow)
	cfg.RateLimitPrefix = getEnv("RATE_LIMIT_PREFIX", ratelimit.DefaultPrefix)

	cfg.FloodRPS = getEnvFloat("FLOOD_RPS", 2)
	cfg.FloodBurst = getEnvInt("FLOOD_BURST", 20)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.parseSender(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks values that would make the server misbehave. SMTP
// credentials are deliberately not required here; a send without them fails
// the request instead.
func (c *Config) Validate() error {
	if c.Env != "development" && c.Env != "production" {
		return fmt.Errorf("ENV must be development or production, got %q", c.Env)
	}

	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be > 0")
	}

	if c.RateLimitMax <= 0 {
		return fmt.Errorf("RATE_LIMIT_MAX must be > 0")
	}

	if c.RateLimitWindow < time.Millisecond {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be at least 1ms")
	}

	if c.RedisURL != "" {
		if _, err := redis.ParseURL(c.RedisURL); err != nil {
			return fmt.Errorf("REDIS_URL is invalid: %w", err)
		}
	}

	if c.FloodRPS < 0 || c.FloodBurst < 0 {
		return fmt.Errorf("FLOOD_RPS and FLOOD_BURST must be >= 0")
	}
	return nil
}

// parseSender accepts SMTP_FROM as either a bare address or "Name <addr>".
// A display name in SMTP_FROM is used unless SMTP_FROM_NAME is set.
func (c *Config) parseSender() error {
	if c.SMTPFrom == "" {
		return nil
	}
	addr, err := mail.ParseAddress(c.SMTPFrom)
	if err != nil {
		return fmt.Errorf("SMTP_FROM is invalid: %w", err)
	}
	c.SMTPFrom = addr.Address
	if c.SMTPFromName == "" {
		c.SMTPFromName = addr.Name
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// RateLimitEnabled reports whether any submission quota applies.
func (c *Config) RateLimitEnabled() bool {
	return c.RedisURL != "" || c.RateLimitInMemory
}

func (c *Config) CaptchaEnabled() bool {
	return c.TurnstileSecretKey != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(value)
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := getEnv(key, ""); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := getEnv(key, ""); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := getEnv(key, ""); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := getEnv(key, ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
