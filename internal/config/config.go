package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "CARDIOSYNC"
	defaultDatabasePath        = "cardiosync.db"
	defaultRemoteTimeout       = 15 * time.Second
	defaultRemoteUserID        = "1"
	defaultSyncInterval        = 15 * time.Minute
	defaultSyncMaxRetries      = 3
	defaultProbeInterval       = 30 * time.Second
	defaultHTTPAddress         = "127.0.0.1:8787"
	defaultLogLevel            = "info"
	defaultLogMaxSizeMB        = 20
	defaultLogMaxBackups       = 5
	defaultLogMaxAgeDays       = 28
	defaultTokenTTL            = 30 * time.Minute
	defaultCurrentUserID int64 = 1
)

// AppConfig captures runtime configuration for the sync client.
type AppConfig struct {
	DatabasePath string

	RemoteBaseURL  string
	RemoteTimeout  time.Duration
	RemoteUserID   string
	RemoteDeviceID string
	RemoteToken    string

	SyncInterval   time.Duration
	SyncMaxRetries int
	SyncPullOnTick bool
	SyncImmediate  bool

	ProbeInterval time.Duration

	HTTPAddress    string
	AllowedOrigins []string

	Log LogConfig

	SigningSecret string
	TokenTTL      time.Duration

	CurrentUserID int64
}

// LogConfig mirrors logging.Options so config stays free of zap.
type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
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

	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("remote.timeout", defaultRemoteTimeout)
	configViper.SetDefault("remote.user_id", defaultRemoteUserID)
	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("sync.max_retries", defaultSyncMaxRetries)
	configViper.SetDefault("sync.pull_on_tick", false)
	configViper.SetDefault("sync.immediate", true)
	configViper.SetDefault("connectivity.probe_interval", defaultProbeInterval)
	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.max_size_mb", defaultLogMaxSizeMB)
	configViper.SetDefault("log.max_backups", defaultLogMaxBackups)
	configViper.SetDefault("log.max_age_days", defaultLogMaxAgeDays)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("user.current_id", defaultCurrentUserID)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		DatabasePath:   configViper.GetString("database.path"),
		RemoteBaseURL:  configViper.GetString("remote.base_url"),
		RemoteTimeout:  configViper.GetDuration("remote.timeout"),
		RemoteUserID:   configViper.GetString("remote.user_id"),
		RemoteDeviceID: configViper.GetString("remote.device_id"),
		RemoteToken:    configViper.GetString("remote.token"),
		SyncInterval:   configViper.GetDuration("sync.interval"),
		SyncMaxRetries: configViper.GetInt("sync.max_retries"),
		SyncPullOnTick: configViper.GetBool("sync.pull_on_tick"),
		SyncImmediate:  configViper.GetBool("sync.immediate"),
		ProbeInterval:  configViper.GetDuration("connectivity.probe_interval"),
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: splitList(configViper.GetStringSlice("http.allowed_origins")),
		Log:            LoadLog(configViper),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		TokenTTL:       configViper.GetDuration("auth.token_ttl"),
		CurrentUserID:  configViper.GetInt64("user.current_id"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadLog reads only the log section. The serve command re-reads it when the
// config file changes.
func LoadLog(configViper *viper.Viper) LogConfig {
	return LogConfig{
		Level:      configViper.GetString("log.level"),
		File:       configViper.GetString("log.file"),
		MaxSizeMB:  configViper.GetInt("log.max_size_mb"),
		MaxBackups: configViper.GetInt("log.max_backups"),
		MaxAgeDays: configViper.GetInt("log.max_age_days"),
	}
}

// RequireServer checks the settings only the control API needs.
func (c AppConfig) RequireServer() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	return nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.RemoteBaseURL) == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if strings.TrimSpace(c.RemoteUserID) == "" {
		return fmt.Errorf("remote.user_id is required")
	}
	if c.RemoteTimeout <= 0 {
		return fmt.Errorf("remote.timeout must be positive")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.SyncMaxRetries <= 0 {
		return fmt.Errorf("sync.max_retries must be positive")
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("connectivity.probe_interval must be positive")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if c.CurrentUserID <= 0 {
		return fmt.Errorf("user.current_id must be positive")
	}
	return nil
}

// splitList accepts both list values and a single comma separated env value.
func splitList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
