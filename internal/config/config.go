package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the resolved runtime configuration. File values are applied
// first, then environment variables override them.
type Config struct {
	HTTPPort    string `yaml:"http_port"`
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`
	LogLevel    string `yaml:"log_level"`

	JWTSecret string        `yaml:"jwt_secret"`
	JWTTTL    time.Duration `yaml:"jwt_ttl"`

	OTPTTL           time.Duration `yaml:"otp_ttl"`
	OTPPurgeSchedule string        `yaml:"otp_purge_schedule"`
	OTPMaxAttempts   int           `yaml:"otp_max_attempts"`

	AdminEmail    string `yaml:"admin_email"`
	AdminPassword string `yaml:"admin_password"`

	RegistrationRequiresApproval bool `yaml:"registration_requires_approval"`

	SMTP      SMTPConfig      `yaml:"smtp"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// TrustProxyHeaders takes the client address from X-Forwarded-For and
	// X-Real-IP. Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers"`

	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// Addr returns host:port, or "" when SMTP is not configured.
func (s SMTPConfig) Addr() string {
	if s.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RateLimitConfig bounds the public auth routes per client address and,
// separately, login and OTP verification per account email.
type RateLimitConfig struct {
	PerSecond        float64 `yaml:"per_second"`
	Burst            int     `yaml:"burst"`
	AccountPerMinute float64 `yaml:"account_per_minute"`
	AccountBurst     int     `yaml:"account_burst"`
}

func Default() Config {
	return Config{
		HTTPPort:         "8080",
		LogLevel:         "info",
		JWTTTL:           time.Hour,
		OTPTTL:           10 * time.Minute,
		OTPPurgeSchedule: "@every 15m",
		OTPMaxAttempts:   5,
		AdminEmail:       "admin@farmreach.local",
		SMTP:             SMTPConfig{Port: 587, From: "no-reply@farmreach.local"},
		RateLimit: RateLimitConfig{
			PerSecond:        1,
			Burst:            10,
			AccountPerMinute: 6,
			AccountBurst:     5,
		},
		ShutdownTimeout: 15 * time.Second,
	}
}

// Load reads CONFIG_FILE (if set) and the process environment.
func Load() (Config, error) {
	return LoadFrom(os.Getenv("CONFIG_FILE"), os.Getenv)
}

func LoadFrom(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}
	boolean := func(key string, dst *bool) error {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = b
		return nil
	}

	str("HTTP_PORT", &cfg.HTTPPort)
	str("DATABASE_URL", &cfg.DatabaseURL)
	str("REDIS_URL", &cfg.RedisURL)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("JWT_SECRET", &cfg.JWTSecret)
	str("OTP_PURGE_SCHEDULE", &cfg.OTPPurgeSchedule)
	str("ADMIN_EMAIL", &cfg.AdminEmail)
	str("ADMIN_PASSWORD", &cfg.AdminPassword)
	str("SMTP_HOST", &cfg.SMTP.Host)
	str("SMTP_USERNAME", &cfg.SMTP.Username)
	str("SMTP_PASSWORD", &cfg.SMTP.Password)
	str("SMTP_FROM", &cfg.SMTP.From)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.OTLPEndpoint)

	if v := strings.TrimSpace(getenv("SMTP_PORT")); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SMTP_PORT: %w", err)
		}
		cfg.SMTP.Port = p
	}
	for key, dst := range map[string]*float64{
		"RATE_LIMIT_PER_SECOND":         &cfg.RateLimit.PerSecond,
		"RATE_LIMIT_ACCOUNT_PER_MINUTE": &cfg.RateLimit.AccountPerMinute,
	} {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = f
		}
	}
	for key, dst := range map[string]*int{
		"RATE_LIMIT_BURST":         &cfg.RateLimit.Burst,
		"RATE_LIMIT_ACCOUNT_BURST": &cfg.RateLimit.AccountBurst,
		"OTP_MAX_ATTEMPTS":         &cfg.OTPMaxAttempts,
	} {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}
	for key, dst := range map[string]*time.Duration{
		"JWT_EXPIRES_IN":   &cfg.JWTTTL,
		"OTP_TTL":          &cfg.OTPTTL,
		"SHUTDOWN_TIMEOUT": &cfg.ShutdownTimeout,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}
	if err := boolean("REGISTRATION_REQUIRES_APPROVAL", &cfg.RegistrationRequiresApproval); err != nil {
		return err
	}
	if err := boolean("TRUST_PROXY_HEADERS", &cfg.TrustProxyHeaders); err != nil {
		return err
	}
	return boolean("OTEL_EXPORTER_OTLP_INSECURE", &cfg.OTLPInsecure)
}

func (c Config) validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is empty"))
	}
	if len(c.JWTSecret) < 32 {
		errs = append(errs, errors.New("JWT_SECRET must be at least 32 bytes"))
	}
	if c.JWTTTL <= 0 {
		errs = append(errs, errors.New("jwt ttl must be positive"))
	}
	if c.OTPTTL <= 0 {
		errs = append(errs, errors.New("otp ttl must be positive"))
	}
	if c.OTPMaxAttempts <= 0 {
		errs = append(errs, errors.New("otp max attempts must be positive"))
	}
	if c.RateLimit.PerSecond <= 0 || c.RateLimit.Burst <= 0 {
		errs = append(errs, errors.New("rate limit must be positive"))
	}
	if c.RateLimit.AccountPerMinute <= 0 || c.RateLimit.AccountBurst <= 0 {
		errs = append(errs, errors.New("account rate limit must be positive"))
	}
	return errors.Join(errs...)
}
