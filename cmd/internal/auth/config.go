package auth

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls token issuance and the auth endpoints.
type Config struct {
	JWTSecret      string
	JWTSecretParam string
	TokenTTL       time.Duration
	Issuer         string

	AllowRegistration bool
	TrustProxy        bool
	MaxBodyBytes      int64

	LoginIPMax    int
	LoginIPWindow time.Duration

	LockoutShortThreshold  int
	LockoutShortDuration   time.Duration
	LockoutLongThreshold   int
	LockoutLongDuration    time.Duration
	LockoutSevereThreshold int
	LockoutSevereDuration  time.Duration
}

const (
	defaultTokenTTL     = 24 * time.Hour
	defaultIssuer       = "whisper"
	defaultMaxBodyBytes = 64 << 10
)

// LoadConfigFromEnv loads auth config from WHISPER_* variables with safe defaults.
func LoadConfigFromEnv() Config {
	cfg := Config{
		JWTSecret:              strings.TrimSpace(os.Getenv("WHISPER_JWT_SECRET")),
		JWTSecretParam:         strings.TrimSpace(os.Getenv("WHISPER_JWT_SECRET_PARAM")),
		TokenTTL:               envDuration("WHISPER_JWT_TTL", defaultTokenTTL),
		Issuer:                 envString("WHISPER_JWT_ISSUER", defaultIssuer),
		AllowRegistration:      envBool("WHISPER_AUTH_REGISTRATION", true),
		TrustProxy:             envBool("WHISPER_AUTH_TRUST_PROXY", false),
		MaxBodyBytes:           envInt64("WHISPER_AUTH_MAX_BODY_BYTES", defaultMaxBodyBytes),
		LoginIPMax:             envInt("WHISPER_AUTH_LOGIN_IP_MAX", 20),
		LoginIPWindow:          envDuration("WHISPER_AUTH_LOGIN_IP_WINDOW", 5*time.Minute),
		LockoutShortThreshold:  envInt("WHISPER_AUTH_LOCKOUT_SHORT_THRESHOLD", 5),
		LockoutShortDuration:   envDuration("WHISPER_AUTH_LOCKOUT_SHORT_DURATION", 5*time.Minute),
		LockoutLongThreshold:   envInt("WHISPER_AUTH_LOCKOUT_LONG_THRESHOLD", 10),
		LockoutLongDuration:    envDuration("WHISPER_AUTH_LOCKOUT_LONG_DURATION", 30*time.Minute),
		LockoutSevereThreshold: envInt("WHISPER_AUTH_LOCKOUT_SEVERE_THRESHOLD", 20),
		LockoutSevereDuration:  envDuration("WHISPER_AUTH_LOCKOUT_SEVERE_DURATION", 2*time.Hour),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.TokenTTL <= 0 {
		c.TokenTTL = defaultTokenTTL
	}
	if c.Issuer == "" {
		c.Issuer = defaultIssuer
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = defaultMaxBodyBytes
	}
	if c.LoginIPWindow <= 0 {
		c.LoginIPWindow = 5 * time.Minute
	}
	return c
}

func (c Config) lockoutTiers() []lockoutTier {
	tiers := []lockoutTier{
		{Threshold: c.LockoutSevereThreshold, Duration: c.LockoutSevereDuration},
		{Threshold: c.LockoutLongThreshold, Duration: c.LockoutLongDuration},
		{Threshold: c.LockoutShortThreshold, Duration: c.LockoutShortDuration},
	}
	out := tiers[:0]
	for _, t := range tiers {
		if t.Threshold > 0 && t.Duration > 0 {
			out = append(out, t)
		}
	}
	return out
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
