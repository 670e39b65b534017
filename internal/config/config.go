package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-api-guard/internal/pkg/validate"
)

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	AppPort  string `validate:"required,numeric"`
	AppEnv   string `validate:"required"`
	LogLevel string `validate:"oneof=debug info warn error"`

	StoreBackend string `validate:"oneof=redis dynamodb memory"`
	RedisURL     string
	RedisDBs     RedisDBs
	RedisTimeout time.Duration `validate:"gt=0"`

	AWSRegion       string
	AWSEndpointURL  string // empty in prod, set to LocalStack URL in dev
	AWSAccessKeyID  string
	AWSSecretKey    string
	DynamoTable     string `validate:"required"`
	DynamoBootstrap bool

	RateLimit  RateLimit
	Revocation Revocation
	OTP        OTP
	Breaker    Breaker

	SnapshotBucket string // empty disables fallback snapshots
	SnapshotPrefix string
	AlertTopicARN  string // empty disables breaker alerts

	JWTPrivateKeyPath string
	JWTPublicKeyPath  string
	JWTExpiry         time.Duration

	AllowedOrigins    []string // CORS allowed origins
	TrustProxyHeaders bool     // client IP from X-Real-Ip / X-Forwarded-For; only behind a trusted proxy

	rulesErr error // malformed RATE_LIMIT_RULES, reported by Validate
}

// RedisDBs holds the logical Redis database index for each key namespace.
type RedisDBs struct {
	RateLimit int `validate:"gte=0,lte=15"`
	Blacklist int `validate:"gte=0,lte=15"`
	OTP       int `validate:"gte=0,lte=15"`
}

type RateLimit struct {
	Enabled       bool
	Algorithm     string          `validate:"oneof=sliding fixed"`
	DefaultLimit  int             `validate:"gt=0"`
	DefaultWindow time.Duration   `validate:"gte=1s"`
	Rules         []RateLimitRule `validate:"dive"`
	FailClosed    bool
}

// RateLimitRule overrides the default limit for requests whose "METHOD:/path"
// matches Pattern: exactly, as a path.Match glob, or by prefix when the pattern ends in "/".
type RateLimitRule struct {
	Pattern string        `validate:"required"`
	Limit   int           `validate:"gt=0"`
	Window  time.Duration `validate:"gte=1s"`
}

type Revocation struct {
	FailClosed bool
	UserTTL    time.Duration `validate:"gte=1s"`
}

type OTP struct {
	Length      int           `validate:"gte=4,lte=10"`
	Expiry      time.Duration `validate:"gte=1s"`
	MaxAttempts int           `validate:"gt=0"`
}

type Breaker struct {
	FailureThreshold int           `validate:"gt=0"`
	OpenTimeout      time.Duration `validate:"gt=0"`
	HalfOpenRequests int           `validate:"gt=0"`
}

// Load reads all configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		AppPort:  getEnv("APP_PORT", "3000"),
		AppEnv:   getEnv("APP_ENV", "development"),
		LogLevel: strings.ToLower(getEnv("LOG_LEVEL", "info")),

		StoreBackend: strings.ToLower(getEnv("STORE_BACKEND", "redis")),
		RedisURL:     getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RedisDBs: RedisDBs{
			RateLimit: getEnvInt("REDIS_RATE_LIMIT_DB", 2),
			Blacklist: getEnvInt("REDIS_BLACKLIST_DB", 0),
			OTP:       getEnvInt("REDIS_OTP_DB", 1),
		},
		RedisTimeout: getEnvDuration("REDIS_TIMEOUT", 2*time.Second),

		AWSRegion:       getEnv("AWS_REGION", "us-east-1"),
		AWSEndpointURL:  getEnv("AWS_ENDPOINT_URL", ""),
		AWSAccessKeyID:  getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretKey:    getEnv("AWS_SECRET_ACCESS_KEY", ""),
		DynamoTable:     getEnv("DYNAMO_TABLE_EPHEMERAL", "ephemeral_state"),
		DynamoBootstrap: getEnvBool("DYNAMO_BOOTSTRAP", true),

		RateLimit: RateLimit{
			Enabled:       getEnvBool("RATE_LIMIT_ENABLED", true),
			Algorithm:     strings.ToLower(getEnv("RATE_LIMIT_ALGORITHM", "sliding")),
			DefaultLimit:  getEnvInt("RATE_LIMIT_DEFAULT_REQUESTS", 100),
			DefaultWindow: getEnvDuration("RATE_LIMIT_DEFAULT_WINDOW", 60*time.Second),
			FailClosed:    getEnvBool("RATE_LIMIT_FAIL_CLOSED", false),
		},
		Revocation: Revocation{
			FailClosed: getEnvBool("REVOCATION_FAIL_CLOSED", false),
			UserTTL:    getEnvDuration("USER_REVOCATION_TTL", 24*time.Hour),
		},
		OTP: OTP{
			Length:      getEnvInt("OTP_LENGTH", 6),
			Expiry:      getEnvDuration("OTP_EXPIRY_SECONDS", 300*time.Second),
			MaxAttempts: getEnvInt("OTP_MAX_ATTEMPTS", 3),
		},
		Breaker: Breaker{
			FailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 3),
			OpenTimeout:      getEnvDuration("BREAKER_OPEN_TIMEOUT", 30*time.Second),
			HalfOpenRequests: getEnvInt("BREAKER_HALF_OPEN_REQUESTS", 1),
		},

		SnapshotBucket: getEnv("SNAPSHOT_BUCKET", ""),
		SnapshotPrefix: getEnv("SNAPSHOT_PREFIX", "ephemeral-snapshots/"),
		AlertTopicARN:  getEnv("ALERT_TOPIC_ARN", ""),

		JWTPrivateKeyPath: getEnv("JWT_PRIVATE_KEY_PATH", "./private_key.pem"),
		JWTPublicKeyPath:  getEnv("JWT_PUBLIC_KEY_PATH", "./public_key.pem"),
		JWTExpiry:         getEnvDuration("JWT_EXPIRY", time.Hour),

		AllowedOrigins:    strings.Split(getEnv("ALLOWED_ORIGINS", "*"), ","),
		TrustProxyHeaders: getEnvBool("TRUST_PROXY_HEADERS", false),
	}

	cfg.RateLimit.Rules = defaultRules(
		getEnvInt("RATE_LIMIT_OTP_REQUEST", 3),
		getEnvInt("RATE_LIMIT_OTP_VERIFY", 10),
	)
	if raw := getEnv("RATE_LIMIT_RULES", ""); raw != "" {
		rules, err := ParseRules(raw)
		if err != nil {
			cfg.rulesErr = fmt.Errorf("RATE_LIMIT_RULES: %w", err)
		} else {
			cfg.RateLimit.Rules = append(rules, cfg.RateLimit.Rules...)
		}
	}
	return cfg
}

// Validate checks the loaded values against their validate tags.
func (c *Config) Validate() error {
	if c.rulesErr != nil {
		return fmt.Errorf("invalid configuration: %w", c.rulesErr)
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// IsDevelopment reports whether the process runs in the development environment.
func (c *Config) IsDevelopment() bool { return c.AppEnv == "development" }

func defaultRules(otpRequest, otpVerify int) []RateLimitRule {
	return []RateLimitRule{
		{Pattern: "POST:/v1/otp/*", Limit: otpRequest, Window: 5 * time.Minute},
		{Pattern: "POST:/v1/otp/*/verify", Limit: otpVerify, Window: 5 * time.Minute},
		{Pattern: "POST:/v1/auth/logout", Limit: 10, Window: 5 * time.Minute},
	}
}

// ParseRules parses "METHOD:/path=limit/windowSeconds" entries separated by commas,
// e.g. "POST:/v1/otp/*=3/300,GET:/v1/admin/=1000/60".
func ParseRules(raw string) ([]RateLimitRule, error) {
	var rules []RateLimitRule
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		pattern, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("rate limit rule %q: missing '='", part)
		}
		limitStr, windowStr, ok := strings.Cut(value, "/")
		if !ok {
			return nil, fmt.Errorf("rate limit rule %q: expected limit/window", part)
		}
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			return nil, fmt.Errorf("rate limit rule %q: invalid limit", part)
		}
		window, err := strconv.Atoi(windowStr)
		if err != nil || window <= 0 {
			return nil, fmt.Errorf("rate limit rule %q: invalid window", part)
		}
		rules = append(rules, RateLimitRule{
			Pattern: strings.TrimSpace(pattern),
			Limit:   limit,
			Window:  time.Duration(window) * time.Second,
		})
	}
	return rules, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("90s", "5m") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return fallback
}
