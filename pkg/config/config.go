package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Admin roles.
const (
	RoleAdmin    = "admin"
	RoleReadOnly = "readonly"
)

// Config is the root configuration for wpgate.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	WordPress  WordPressConfig  `yaml:"wordpress"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Session    SessionConfig    `yaml:"session"`
	Vault      VaultConfig      `yaml:"vault"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Database   DatabaseConfig   `yaml:"database"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// ServerConfig contains admin HTTP server settings.
type ServerConfig struct {
	Listen      string     `yaml:"listen"`
	CORSOrigins []string   `yaml:"cors_origins"`
	Users       []UserAuth `yaml:"users"`
}

// UserAuth represents an admin user authenticated with HTTP basic auth.
type UserAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Role     string `yaml:"role"`
}

// WordPressConfig contains downstream site settings.
type WordPressConfig struct {
	SiteURL         string        `yaml:"site_url"`
	Username        string        `yaml:"username"`
	AppPassword     string        `yaml:"app_password"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxTries        uint          `yaml:"max_tries"`
	SkipWooCommerce bool          `yaml:"skip_woocommerce"`
}

// RateLimitConfig contains per-caller admission settings.
type RateLimitConfig struct {
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	Burst             int           `yaml:"burst"`
	BlockDuration     time.Duration `yaml:"block_duration"`
	ReapInterval      time.Duration `yaml:"reap_interval"`
	Inactivity        time.Duration `yaml:"inactivity"`
}

// SessionConfig contains pooled connection lifecycle settings.
type SessionConfig struct {
	RotationInterval      time.Duration `yaml:"rotation_interval"`
	MaxRequests           int64         `yaml:"max_requests"`
	RotationPause         time.Duration `yaml:"rotation_pause"`
	MaxConnections        int           `yaml:"max_connections"`
	MaxConnectionsPerHost int           `yaml:"max_connections_per_host"`
	KeepAlive             time.Duration `yaml:"keep_alive"`
}

// VaultConfig contains credential vault settings.
type VaultConfig struct {
	KeyPath string `yaml:"key_path"`
}

// DispatcherConfig contains dispatch pipeline settings.
type DispatcherConfig struct {
	MaxRequestSize int           `yaml:"max_request_size"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
}

// MonitoringConfig contains health, alerting and snapshot settings.
type MonitoringConfig struct {
	Enabled          bool             `yaml:"enabled"`
	HealthInterval   time.Duration    `yaml:"health_interval"`
	AlertInterval    time.Duration    `yaml:"alert_interval"`
	SnapshotInterval time.Duration    `yaml:"snapshot_interval"`
	Thresholds       ThresholdsConfig `yaml:"thresholds"`
}

// ThresholdsConfig contains alert thresholds.
type ThresholdsConfig struct {
	ErrorRate     float64       `yaml:"error_rate"`
	ResponseTime  time.Duration `yaml:"response_time"`
	RateLimitHits int64         `yaml:"rate_limit_hits"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver          string         `yaml:"driver"`
	SQLite          SQLiteConfig   `yaml:"sqlite"`
	Postgres        PostgresConfig `yaml:"postgres"`
	RetentionDays   int            `yaml:"retention_days"`   // default 30, -1 to disable
	CleanupInterval time.Duration  `yaml:"cleanup_interval"` // default 1h
}

// SQLiteConfig contains SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig contains PostgreSQL-specific settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

// TracingConfig contains OpenTelemetry export settings.
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
	Timeout     time.Duration     `yaml:"timeout"`
	SampleRatio float64           `yaml:"sample_ratio"`
}

// Load reads and parses configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes, expanding environment variables.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var (
	bracedEnvPattern = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)
	bareEnvPattern   = regexp.MustCompile(`\$([a-zA-Z_][a-zA-Z0-9_]*)`)
)

// expandEnvVars replaces ${VAR} and $VAR patterns with environment variable values.
// Unset variables are left as written.
func expandEnvVars(s string) string {
	s = bracedEnvPattern.ReplaceAllStringFunc(s, func(match string) string {
		if val, ok := os.LookupEnv(match[2 : len(match)-1]); ok {
			return val
		}

		return match
	})

	return bareEnvPattern.ReplaceAllStringFunc(s, func(match string) string {
		if val, ok := os.LookupEnv(match[1:]); ok {
			return val
		}

		return match
	})
}

// applyDefaults sets default values for unset configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":9090"
	}

	for i := range cfg.Server.Users {
		if cfg.Server.Users[i].Role == "" {
			cfg.Server.Users[i].Role = RoleReadOnly
		}
	}

	if cfg.WordPress.Timeout == 0 {
		cfg.WordPress.Timeout = 30 * time.Second
	}

	if cfg.WordPress.MaxTries == 0 {
		cfg.WordPress.MaxTries = 3
	}

	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 60
	}

	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 10
	}

	if cfg.RateLimit.BlockDuration == 0 {
		cfg.RateLimit.BlockDuration = 5 * time.Minute
	}

	if cfg.RateLimit.ReapInterval == 0 {
		cfg.RateLimit.ReapInterval = time.Minute
	}

	if cfg.RateLimit.Inactivity == 0 {
		cfg.RateLimit.Inactivity = time.Hour
	}

	if cfg.Session.RotationInterval == 0 {
		cfg.Session.RotationInterval = time.Hour
	}

	if cfg.Session.MaxRequests == 0 {
		cfg.Session.MaxRequests = 1000
	}

	if cfg.Session.MaxConnections == 0 {
		cfg.Session.MaxConnections = 20
	}

	if cfg.Session.MaxConnectionsPerHost == 0 {
		cfg.Session.MaxConnectionsPerHost = 10
	}

	if cfg.Session.KeepAlive == 0 {
		cfg.Session.KeepAlive = 30 * time.Second
	}

	if cfg.Vault.KeyPath == "" {
		cfg.Vault.KeyPath = "./wpgate.key"
	}

	if cfg.Dispatcher.MaxRequestSize == 0 {
		cfg.Dispatcher.MaxRequestSize = 10 * 1024 * 1024
	}

	if cfg.Dispatcher.HandlerTimeout == 0 {
		cfg.Dispatcher.HandlerTimeout = 60 * time.Second
	}

	if cfg.Monitoring.HealthInterval == 0 {
		cfg.Monitoring.HealthInterval = 5 * time.Minute
	}

	if cfg.Monitoring.AlertInterval == 0 {
		cfg.Monitoring.AlertInterval = time.Minute
	}

	if cfg.Monitoring.SnapshotInterval == 0 {
		cfg.Monitoring.SnapshotInterval = 5 * time.Minute
	}

	if cfg.Monitoring.Thresholds.ErrorRate == 0 {
		cfg.Monitoring.Thresholds.ErrorRate = 0.1
	}

	if cfg.Monitoring.Thresholds.ResponseTime == 0 {
		cfg.Monitoring.Thresholds.ResponseTime = 5 * time.Second
	}

	if cfg.Monitoring.Thresholds.RateLimitHits == 0 {
		cfg.Monitoring.Thresholds.RateLimitHits = 100
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}

	if cfg.Database.SQLite.Path == "" {
		cfg.Database.SQLite.Path = "./wpgate.db"
	}

	if cfg.Database.Postgres.Port == 0 {
		cfg.Database.Postgres.Port = 5432
	}

	if cfg.Database.Postgres.SSLMode == "" {
		cfg.Database.Postgres.SSLMode = "disable"
	}

	if cfg.Database.RetentionDays == 0 {
		cfg.Database.RetentionDays = 30
	}

	if cfg.Database.CleanupInterval == 0 {
		cfg.Database.CleanupInterval = time.Hour
	}

	if cfg.Tracing.Timeout == 0 {
		cfg.Tracing.Timeout = 10 * time.Second
	}

	if cfg.Tracing.SampleRatio == 0 {
		cfg.Tracing.SampleRatio = 1
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.WordPress.SiteURL == "" {
		return fmt.Errorf("wordpress.site_url is required")
	}

	u, err := url.Parse(c.WordPress.SiteURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("wordpress.site_url must be an absolute http(s) URL")
	}

	if c.WordPress.Username == "" {
		return fmt.Errorf("wordpress.username is required")
	}

	if c.WordPress.AppPassword == "" {
		return fmt.Errorf("wordpress.app_password is required")
	}

	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}

	if c.Session.MaxRequests < 0 {
		return fmt.Errorf("session.max_requests must not be negative")
	}

	if c.Dispatcher.MaxRequestSize < 0 {
		return fmt.Errorf("dispatcher.max_request_size must not be negative")
	}

	if t := c.Monitoring.Thresholds.ErrorRate; t < 0 || t > 1 {
		return fmt.Errorf("monitoring.thresholds.error_rate must be between 0 and 1")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("sqlite.path is required when driver is sqlite")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("postgres.host is required when driver is postgres")
		}

		if c.Database.Postgres.Database == "" {
			return fmt.Errorf("postgres.database is required when driver is postgres")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	usernames := make(map[string]bool, len(c.Server.Users))

	for _, user := range c.Server.Users {
		if user.Username == "" {
			return fmt.Errorf("server.users: username is required")
		}

		if usernames[user.Username] {
			return fmt.Errorf("duplicate admin user: %s", user.Username)
		}

		usernames[user.Username] = true

		if user.Password == "" {
			return fmt.Errorf("user %s: password is required", user.Username)
		}

		if user.Role != RoleAdmin && user.Role != RoleReadOnly {
			return fmt.Errorf("user %s: unknown role %q", user.Username, user.Role)
		}
	}

	if r := c.Tracing.SampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}

	return nil
}

// GetDSN returns the database connection string.
func (c *Config) GetDSN() string {
	switch c.Database.Driver {
	case "sqlite":
		return c.Database.SQLite.Path
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Database.Postgres.Host,
			c.Database.Postgres.Port,
			c.Database.Postgres.User,
			c.Database.Postgres.Password,
			c.Database.Postgres.Database,
			c.Database.Postgres.SSLMode,
		)
	default:
		return ""
	}
}

// String returns a sanitized string representation of the config (no secrets).
func (c *Config) String() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Server: listen=%s cors_origins=%d users=%d\n",
		c.Server.Listen, len(c.Server.CORSOrigins), len(c.Server.Users))
	fmt.Fprintf(&sb, "WordPress: site_url=%s timeout=%s max_tries=%d woocommerce=%t\n",
		c.WordPress.SiteURL, c.WordPress.Timeout, c.WordPress.MaxTries, !c.WordPress.SkipWooCommerce)
	fmt.Fprintf(&sb, "RateLimit: rpm=%d burst=%d block=%s\n",
		c.RateLimit.RequestsPerMinute, c.RateLimit.Burst, c.RateLimit.BlockDuration)
	fmt.Fprintf(&sb, "Session: rotation_interval=%s max_requests=%d\n",
		c.Session.RotationInterval, c.Session.MaxRequests)
	fmt.Fprintf(&sb, "Dispatcher: max_request_size=%d handler_timeout=%s\n",
		c.Dispatcher.MaxRequestSize, c.Dispatcher.HandlerTimeout)
	fmt.Fprintf(&sb, "Monitoring: enabled=%t health_interval=%s alert_interval=%s\n",
		c.Monitoring.Enabled, c.Monitoring.HealthInterval, c.Monitoring.AlertInterval)
	fmt.Fprintf(&sb, "Database: driver=%s retention_days=%d\n", c.Database.Driver, c.Database.RetentionDays)
	fmt.Fprintf(&sb, "Tracing: enabled=%t\n", c.Tracing.Enabled)

	return sb.String()
}
