package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix                 = "INSTAPLUS"
	defaultHTTPAddress        = "0.0.0.0:5001"
	defaultDatabasePath       = "instaplus.db"
	defaultLogLevel           = "info"
	defaultAuthIssuer         = "instaplus-auth"
	defaultMediaDirectory     = "uploads"
	defaultMediaPublicPath    = "/uploads"
	defaultMediaMaxFileBytes  = 200 * 1024 * 1024
	defaultOrphanTTLMinutes   = 24 * 60
	defaultMaintenanceMinutes = 30
	defaultRateLimitPerSecond = 10
	defaultRateLimitBurst     = 20
	defaultStoryGenTimeout    = 60
)

var defaultAllowedOrigins = []string{"http://localhost:5173"}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress         string
	AllowedOrigins      []string
	AuthSigningSecret   string
	AuthIssuer          string
	DatabasePath        string
	LogLevel            string
	MediaDirectory      string
	MediaPublicPath     string
	MediaMaxFileBytes   int64
	OrphanTTL           time.Duration
	MaintenanceInterval time.Duration
	RedisAddress        string
	RedisPassword       string
	RedisDB             int
	RateLimitPerSecond  float64
	RateLimitBurst      int
	StoryGenEndpoint    string
	StoryGenAPIKey      string
	StoryGenTimeout     time.Duration
}

// LoadDotEnv loads a .env file into the process environment when one exists.
func LoadDotEnv(paths ...string) error {
	err := godotenv.Load(paths...)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
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
	configViper.SetDefault("http.allowed_origins", defaultAllowedOrigins)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("media.directory", defaultMediaDirectory)
	configViper.SetDefault("media.public_path", defaultMediaPublicPath)
	configViper.SetDefault("media.max_file_bytes", defaultMediaMaxFileBytes)
	configViper.SetDefault("media.orphan_ttl_minutes", defaultOrphanTTLMinutes)
	configViper.SetDefault("maintenance.interval_minutes", defaultMaintenanceMinutes)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("ratelimit.per_second", defaultRateLimitPerSecond)
	configViper.SetDefault("ratelimit.burst", defaultRateLimitBurst)
	configViper.SetDefault("storygen.endpoint", "")
	configViper.SetDefault("storygen.timeout_seconds", defaultStoryGenTimeout)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		AllowedOrigins:      configViper.GetStringSlice("http.allowed_origins"),
		AuthSigningSecret:   configViper.GetString("auth.signing_secret"),
		AuthIssuer:          configViper.GetString("auth.issuer"),
		DatabasePath:        configViper.GetString("database.path"),
		LogLevel:            configViper.GetString("log.level"),
		MediaDirectory:      configViper.GetString("media.directory"),
		MediaPublicPath:     configViper.GetString("media.public_path"),
		MediaMaxFileBytes:   configViper.GetInt64("media.max_file_bytes"),
		OrphanTTL:           time.Duration(configViper.GetInt("media.orphan_ttl_minutes")) * time.Minute,
		MaintenanceInterval: time.Duration(configViper.GetInt("maintenance.interval_minutes")) * time.Minute,
		RedisAddress:        configViper.GetString("redis.address"),
		RedisPassword:       configViper.GetString("redis.password"),
		RedisDB:             configViper.GetInt("redis.db"),
		RateLimitPerSecond:  configViper.GetFloat64("ratelimit.per_second"),
		RateLimitBurst:      configViper.GetInt("ratelimit.burst"),
		StoryGenEndpoint:    strings.TrimSpace(configViper.GetString("storygen.endpoint")),
		StoryGenAPIKey:      configViper.GetString("storygen.api_key"),
		StoryGenTimeout:     time.Duration(configViper.GetInt("storygen.timeout_seconds")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.MediaDirectory) == "" {
		return fmt.Errorf("media.directory is required")
	}
	if !strings.HasPrefix(c.MediaPublicPath, "/") {
		return fmt.Errorf("media.public_path must start with /")
	}
	if c.MediaMaxFileBytes <= 0 {
		return fmt.Errorf("media.max_file_bytes must be positive")
	}
	if c.OrphanTTL <= 0 {
		return fmt.Errorf("media.orphan_ttl_minutes must be positive")
	}
	if c.MaintenanceInterval <= 0 {
		return fmt.Errorf("maintenance.interval_minutes must be positive")
	}
	if c.StoryGenEndpoint != "" && !strings.HasPrefix(c.StoryGenEndpoint, "http://") && !strings.HasPrefix(c.StoryGenEndpoint, "https://") {
		return fmt.Errorf("storygen.endpoint must be an http or https url")
	}
	return nil
}

const defaultClientAPIURL = "http://localhost:5001"

// ClientConfig captures the settings of the command line client.
type ClientConfig struct {
	APIURL   string
	Token    string
	LogLevel string
}

// ApplyClientDefaults configures client defaults and env bindings on the provided viper instance.
func ApplyClientDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("api.url", defaultClientAPIURL)
	configViper.SetDefault("api.token", "")
	configViper.SetDefault("log.level", "warn")
}

// LoadClient parses client configuration from viper. The token is optional.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		APIURL:   strings.TrimSpace(configViper.GetString("api.url")),
		Token:    strings.TrimSpace(configViper.GetString("api.token")),
		LogLevel: configViper.GetString("log.level"),
	}
	if cfg.APIURL == "" {
		return ClientConfig{}, fmt.Errorf("api.url is required")
	}
	if !strings.HasPrefix(cfg.APIURL, "http://") && !strings.HasPrefix(cfg.APIURL, "https://") {
		return ClientConfig{}, fmt.Errorf("api.url must be an http or https url")
	}
	return cfg, nil
}
