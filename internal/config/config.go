package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "MEMEXSYNC"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "memex-sync.db"
	defaultLogLevel        = "info"
	defaultIssuer          = "memex-sync-auth"
	defaultAudience        = "memex-sync-api"
	defaultTokenTTLMinutes = 30 * 24 * 60
	defaultRateIntervalMS  = 100
	defaultRateBurst       = 50
	defaultJanitorSchedule = "@every 5m"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	LogLevel        string
	SigningSecret   string
	TokenIssuer     string
	TokenAudience   string
	TokenTTL        time.Duration
	RateInterval    time.Duration
	RateBurst       int
	JanitorSchedule string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.audience", defaultAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("ratelimit.interval_ms", defaultRateIntervalMS)
	configViper.SetDefault("ratelimit.burst", defaultRateBurst)
	configViper.SetDefault("janitor.schedule", defaultJanitorSchedule)

	applyAgentDefaults(configViper)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		TokenIssuer:     configViper.GetString("auth.issuer"),
		TokenAudience:   configViper.GetString("auth.audience"),
		TokenTTL:        time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		RateInterval:    time.Duration(configViper.GetInt("ratelimit.interval_ms")) * time.Millisecond,
		RateBurst:       configViper.GetInt("ratelimit.burst"),
		JanitorSchedule: configViper.GetString("janitor.schedule"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.RateInterval <= 0 || c.RateBurst <= 0 {
		return fmt.Errorf("ratelimit.interval_ms and ratelimit.burst must be positive")
	}
	if strings.TrimSpace(c.JanitorSchedule) == "" {
		return fmt.Errorf("janitor.schedule is required")
	}
	return nil
}
