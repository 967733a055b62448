// Package config loads run configuration for schoolsync.
//
// Configuration comes from a YAML file (schoolsync.yaml in the working
// directory, or an explicit path), with SCHOOLSYNC_* environment variables
// taking precedence over file values. Every knob has a default matching the
// upstream services' observed limits, so a config file with nothing but
// credentials is a valid setup.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full run configuration.
type Config struct {
	// SchoolID scopes every directory request to one school.
	SchoolID int64 `mapstructure:"school_id"`

	// BaseURL is the primary directory API root, e.g.
	// "https://school.example.com/api/ej/core/teacher/v1".
	BaseURL string `mapstructure:"base_url"`

	// Auth carries the externally supplied credentials for the primary API.
	Auth AuthConfig `mapstructure:"auth"`

	// DBPath is the SQLite mirror location.
	DBPath string `mapstructure:"db_path"`

	// BackupDir holds pre-sync snapshots of the mirror.
	BackupDir string `mapstructure:"backup_dir"`

	// BackupKeep is how many snapshots to retain.
	BackupKeep int `mapstructure:"backup_keep"`

	// CacheTTL bounds how long a directory API response may be reused.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`

	// MaxRetries bounds page-request attempts against the directory API.
	MaxRetries int `mapstructure:"max_retries"`

	// RetryBackoff is the linear backoff unit between page retries.
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`

	// LastPageThreshold ends pagination when a page returns fewer records.
	LastPageThreshold int `mapstructure:"last_page_threshold"`

	Identity IdentityConfig `mapstructure:"identity"`

	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
}

// AuthConfig holds the headers the upstream API expects. Credentials are
// supplied externally and assumed valid; schoolsync never refreshes them.
type AuthConfig struct {
	Token     string `mapstructure:"token"`
	ProfileID string `mapstructure:"profile_id"`
	HostID    string `mapstructure:"host_id"`
	Subsystem string `mapstructure:"subsystem"`
	AID       string `mapstructure:"aid"`
}

// IdentityConfig tunes the dependent identity service protocol.
type IdentityConfig struct {
	// CheckURL is the redirect-lookup endpoint, e.g.
	// "https://school.example.com/v2/external-partners/check-for-max-user".
	CheckURL string `mapstructure:"check_url"`

	// Limit and Window define the fixed-window budget for the service.
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`

	// MaxRetries bounds 429-driven retries per lookup.
	MaxRetries int `mapstructure:"max_retries"`

	// RetryAfterDefault is used when a 429 lacks a Retry-After header.
	RetryAfterDefault time.Duration `mapstructure:"retry_after_default"`

	// Pause is the fixed delay between the two protocol stages and between
	// batch lookups; BatchPause applies every fifth batch lookup.
	Pause      time.Duration `mapstructure:"pause"`
	BatchPause time.Duration `mapstructure:"batch_pause"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("school_id", 0)
	v.SetDefault("base_url", "")
	v.SetDefault("db_path", "school.db")
	v.SetDefault("backup_dir", "backups")
	v.SetDefault("backup_keep", 20)
	v.SetDefault("cache_ttl", 300*time.Second)
	v.SetDefault("max_retries", 3)
	v.SetDefault("retry_backoff", 10*time.Second)
	v.SetDefault("last_page_threshold", 10)
	v.SetDefault("identity.limit", 100)
	v.SetDefault("identity.window", time.Minute)
	v.SetDefault("identity.max_retries", 3)
	v.SetDefault("identity.retry_after_default", 30*time.Second)
	v.SetDefault("identity.pause", 2*time.Second)
	v.SetDefault("identity.batch_pause", 10*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
}

// Load reads configuration from the given file path. An empty path falls
// back to schoolsync.yaml in the working directory; a missing fallback file
// is not an error, defaults and environment variables still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SCHOOLSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("schoolsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &cfg, nil
}

// APIHeaders assembles the request headers for the primary directory API.
func (c *Config) APIHeaders() map[string]string {
	headers := map[string]string{
		"accept": "*/*",
	}
	if c.Auth.Token != "" {
		headers["authorization"] = "Bearer " + c.Auth.Token
	}
	if c.Auth.ProfileID != "" {
		headers["profile-id"] = c.Auth.ProfileID
	}
	if c.Auth.HostID != "" {
		headers["x-mes-hostid"] = c.Auth.HostID
	}
	if c.Auth.Subsystem != "" {
		headers["x-mes-subsystem"] = c.Auth.Subsystem
	}
	if c.Auth.AID != "" {
		headers["aid"] = c.Auth.AID
	}
	return headers
}
