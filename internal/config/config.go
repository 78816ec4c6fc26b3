package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "WARDEN"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "warden.db"
	defaultLogLevel      = "info"
	defaultTokenTTLMin   = 60
	defaultWarnThreshold = 3
	defaultCooldownSec   = 2
	defaultRetentionDays = 30
	defaultSweepHours    = 24
	defaultQueueSize     = 64
)

// AppConfig captures runtime configuration for the engine process.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	SigningSecret  string
	TokenTTL       time.Duration
	WarnThreshold  int
	Cooldown       time.Duration
	RetentionDays  int
	SweepInterval  time.Duration
	DirectiveQueue int
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
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMin)
	configViper.SetDefault("engine.warn_threshold", defaultWarnThreshold)
	configViper.SetDefault("engine.cooldown_seconds", defaultCooldownSec)
	configViper.SetDefault("engine.retention_days", defaultRetentionDays)
	configViper.SetDefault("engine.sweep_interval_hours", defaultSweepHours)
	configViper.SetDefault("engine.directive_queue", defaultQueueSize)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		TokenTTL:       time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		WarnThreshold:  configViper.GetInt("engine.warn_threshold"),
		Cooldown:       time.Duration(configViper.GetInt("engine.cooldown_seconds")) * time.Second,
		RetentionDays:  configViper.GetInt("engine.retention_days"),
		SweepInterval:  time.Duration(configViper.GetInt("engine.sweep_interval_hours")) * time.Hour,
		DirectiveQueue: configViper.GetInt("engine.directive_queue"),
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
	if c.WarnThreshold < 1 {
		return fmt.Errorf("engine.warn_threshold must be at least 1")
	}
	if c.Cooldown <= 0 {
		return fmt.Errorf("engine.cooldown_seconds must be positive")
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("engine.retention_days must be at least 1")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("engine.sweep_interval_hours must be positive")
	}
	return nil
}
