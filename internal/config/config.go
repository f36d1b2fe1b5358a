package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "TOP8"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabaseDriver   = "sqlite"
	defaultDatabasePath     = "top8.db"
	defaultLogLevel         = "info"
	defaultNeynarBaseURL    = "https://api.neynar.com/v2"
	defaultNeynarTimeout    = 10
	defaultCookieName       = "top8_session"
	defaultTokenTTLMinutes  = 60 * 24 * 7
	defaultPreviewCacheTTL  = 600
	defaultPreviewPublicURL = "http://localhost:8080"
	defaultPreviewAppURL    = "http://localhost:5173"

	// DatabaseDriverSQLite selects the embedded sqlite driver.
	DatabaseDriverSQLite = "sqlite"
	// DatabaseDriverPostgres selects the postgres driver.
	DatabaseDriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress      string
	DatabaseDriver   string
	DatabasePath     string
	DatabaseDSN      string
	LogLevel         string
	NeynarAPIKey     string
	NeynarBaseURL    string
	NeynarTimeout    time.Duration
	SigningSecret    string
	CookieName       string
	SecureCookies    bool
	TokenTTL         time.Duration
	PreviewPublicURL string
	PreviewAppURL    string
	PreviewCacheTTL  time.Duration
	RedisAddress     string
	RedisPassword    string
	RedisDB          int
	MetricsEnabled   bool
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
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("neynar.api_key", "")
	configViper.SetDefault("neynar.base_url", defaultNeynarBaseURL)
	configViper.SetDefault("neynar.timeout_seconds", defaultNeynarTimeout)
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.secure_cookies", false)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("preview.public_url", defaultPreviewPublicURL)
	configViper.SetDefault("preview.app_url", defaultPreviewAppURL)
	configViper.SetDefault("preview.cache_ttl_seconds", defaultPreviewCacheTTL)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("metrics.enabled", true)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabaseDriver:   strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:     configViper.GetString("database.path"),
		DatabaseDSN:      configViper.GetString("database.dsn"),
		LogLevel:         configViper.GetString("log.level"),
		NeynarAPIKey:     strings.TrimSpace(configViper.GetString("neynar.api_key")),
		NeynarBaseURL:    strings.TrimRight(strings.TrimSpace(configViper.GetString("neynar.base_url")), "/"),
		NeynarTimeout:    time.Duration(configViper.GetInt("neynar.timeout_seconds")) * time.Second,
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		CookieName:       configViper.GetString("auth.cookie_name"),
		SecureCookies:    configViper.GetBool("auth.secure_cookies"),
		TokenTTL:         time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		PreviewPublicURL: strings.TrimRight(strings.TrimSpace(configViper.GetString("preview.public_url")), "/"),
		PreviewAppURL:    strings.TrimRight(strings.TrimSpace(configViper.GetString("preview.app_url")), "/"),
		PreviewCacheTTL:  time.Duration(configViper.GetInt("preview.cache_ttl_seconds")) * time.Second,
		RedisAddress:     strings.TrimSpace(configViper.GetString("redis.address")),
		RedisPassword:    configViper.GetString("redis.password"),
		RedisDB:          configViper.GetInt("redis.db"),
		MetricsEnabled:   configViper.GetBool("metrics.enabled"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.NeynarAPIKey == "" {
		return fmt.Errorf("neynar.api_key is required")
	}
	if c.NeynarBaseURL == "" {
		return fmt.Errorf("neynar.base_url is required")
	}
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DatabaseDriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.PreviewPublicURL == "" {
		return fmt.Errorf("preview.public_url is required")
	}
	if c.PreviewAppURL == "" {
		return fmt.Errorf("preview.app_url is required")
	}
	return nil
}
