package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/livetemplate/seminar"
	"github.com/livetemplate/seminar/internal/security"
)

// FileName is the configuration file looked up in a site directory.
const FileName = "seminar.yaml"

// Config represents the seminar configuration
type Config struct {
	Title       string               `yaml:"title"`
	Server      ServerConfig         `yaml:"server"`
	Progress    ProgressConfig       `yaml:"progress"`
	Storage     StorageConfig        `yaml:"storage"`
	Navigation  NavigationConfig     `yaml:"navigation"`
	Experiments []seminar.Experiment `yaml:"experiments,omitempty"`
	API         *APIConfig           `yaml:"api,omitempty"`
	Telemetry   TelemetryConfig      `yaml:"telemetry"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port  int    `yaml:"port" env:"SEMINAR_PORT"`
	Host  string `yaml:"host" env:"SEMINAR_HOST"`
	Debug bool   `yaml:"debug" env:"SEMINAR_DEBUG"`
	Watch bool   `yaml:"watch" env:"SEMINAR_WATCH"` // Reload experiments when the config file changes
}

// ProgressConfig controls the progress store.
type ProgressConfig struct {
	Key string `yaml:"key,omitempty" env:"SEMINAR_PROGRESS_KEY"` // Storage key (default: ai-seminar-progress)
	// TotalSlots is the denominator of the progress percentage. It is
	// deliberately independent of the number of configured experiments.
	TotalSlots int    `yaml:"total_slots,omitempty" env:"SEMINAR_TOTAL_SLOTS"`
	ProfileTTL string `yaml:"profile_ttl,omitempty" env:"SEMINAR_PROFILE_TTL"` // Idle time before a profile's store is unloaded (e.g., "30m")
}

// StorageConfig selects where snapshots are persisted
type StorageConfig struct {
	Type string `yaml:"type" env:"SEMINAR_STORAGE"`         // "memory", "file", "sqlite", "postgres"
	Path string `yaml:"path,omitempty" env:"SEMINAR_STORAGE_PATH"` // For file: directory; for sqlite: database file
	DSN  string `yaml:"dsn,omitempty" env:"DATABASE_URL"`   // For postgres: connection string (env vars expanded)
	// Table holds snapshots for sqlite and postgres (default: progress_snapshots)
	Table   string `yaml:"table,omitempty"`
	Timeout string `yaml:"timeout,omitempty"` // Per-operation timeout (default: 5s)
}

// NavigationConfig holds navigation behaviour
type NavigationConfig struct {
	// Sequential locks each experiment until the one before it is completed
	Sequential bool `yaml:"sequential"`
}

// APIConfig holds HTTP API configuration
type APIConfig struct {
	CORS      *CORSConfig      `yaml:"cors,omitempty"`
	RateLimit *RateLimitConfig `yaml:"rate_limit,omitempty"`
}

// CORSConfig holds CORS configuration for the API
type CORSConfig struct {
	Origins []string `yaml:"origins,omitempty"` // Allowed origins (e.g., ["http://localhost:5173", "*"])
}

// RateLimitConfig holds rate limiting configuration for the API
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"` // Rate limit in requests per second (default: 10)
	Burst             int     `yaml:"burst,omitempty"`               // Burst size (default: 20)
	MaxTrackedIPs     int     `yaml:"max_tracked_ips,omitempty"`     // Per-IP limiters kept before LRU eviction (default: 10000)
}

// TelemetryConfig configures OpenTelemetry tracing
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint,omitempty" env:"SEMINAR_OTEL_ENDPOINT"` // OTLP/HTTP endpoint; empty disables tracing
}

// Storage types
const (
	StorageMemory   = "memory"
	StorageFile     = "file"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// GetKey returns the storage key (default: ai-seminar-progress)
func (c ProgressConfig) GetKey() string {
	if c.Key == "" {
		return seminar.DefaultKey
	}
	return c.Key
}

// GetTotalSlots returns the progress denominator (default: 8)
func (c ProgressConfig) GetTotalSlots() int {
	if c.TotalSlots <= 0 {
		return seminar.DefaultTotalSlots
	}
	return c.TotalSlots
}

// GetProfileTTL returns the idle profile TTL (default: 30m)
func (c ProgressConfig) GetProfileTTL() time.Duration {
	if c.ProfileTTL == "" {
		return 30 * time.Minute
	}
	d, err := time.ParseDuration(c.ProfileTTL)
	if err != nil || d <= 0 {
		return 30 * time.Minute
	}
	return d
}

// GetType returns the storage type (default: file)
func (c StorageConfig) GetType() string {
	if c.Type == "" {
		return StorageFile
	}
	return c.Type
}

// GetPath returns the storage path for file and sqlite backends, resolved
// against rootDir when relative.
func (c StorageConfig) GetPath(rootDir string) string {
	path := c.Path
	if path == "" {
		switch c.GetType() {
		case StorageSQLite:
			path = "seminar.db"
		default:
			path = ".seminar"
		}
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(rootDir, path)
}

// GetDSN returns the postgres DSN with environment variable expansion
func (c StorageConfig) GetDSN() string {
	return os.ExpandEnv(c.DSN)
}

// GetTable returns the snapshot table name (default: progress_snapshots)
func (c StorageConfig) GetTable() string {
	if c.Table == "" {
		return "progress_snapshots"
	}
	return c.Table
}

// GetTimeout returns the per-operation timeout (default: 5s)
func (c StorageConfig) GetTimeout() time.Duration {
	if c.Timeout == "" {
		return 5 * time.Second
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// GetCORSOrigins returns the configured CORS origins, or nil if not configured
func (c *APIConfig) GetCORSOrigins() []string {
	if c == nil || c.CORS == nil {
		return nil
	}
	return c.CORS.Origins
}

// GetRateLimitRPS returns the rate limit in requests per second (default: 10)
func (c *APIConfig) GetRateLimitRPS() float64 {
	if c == nil || c.RateLimit == nil || c.RateLimit.RequestsPerSecond <= 0 {
		return 10
	}
	return c.RateLimit.RequestsPerSecond
}

// GetRateLimitBurst returns the burst size (default: 20)
func (c *APIConfig) GetRateLimitBurst() int {
	if c == nil || c.RateLimit == nil || c.RateLimit.Burst <= 0 {
		return 20
	}
	return c.RateLimit.Burst
}

// GetMaxTrackedIPs returns how many client IPs the limiter tracks (default: 10000)
func (c *APIConfig) GetMaxTrackedIPs() int {
	if c == nil || c.RateLimit == nil || c.RateLimit.MaxTrackedIPs <= 0 {
		return 10000
	}
	return c.RateLimit.MaxTrackedIPs
}

// Addr returns the host:port the server listens on
func (c ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Registry builds the experiment registry
func (c *Config) Registry() (*seminar.Registry, error) {
	return seminar.NewRegistry(c.Experiments)
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	switch c.Storage.GetType() {
	case StorageMemory, StorageFile, StorageSQLite:
	case StoragePostgres:
		if c.Storage.GetDSN() == "" {
			return fmt.Errorf("storage: postgres requires dsn (or DATABASE_URL env)")
		}
	default:
		return fmt.Errorf("storage: unknown type %q", c.Storage.Type)
	}

	if c.Progress.TotalSlots < 0 {
		return fmt.Errorf("progress: total_slots cannot be negative")
	}
	if c.Progress.ProfileTTL != "" {
		if _, err := time.ParseDuration(c.Progress.ProfileTTL); err != nil {
			return fmt.Errorf("progress: invalid profile_ttl %q: %w", c.Progress.ProfileTTL, err)
		}
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server: invalid port %d", c.Server.Port)
	}

	for _, origin := range c.API.GetCORSOrigins() {
		if err := security.ValidateOrigin(origin); err != nil {
			return fmt.Errorf("api.cors: %w", err)
		}
	}

	if _, err := c.Registry(); err != nil {
		return fmt.Errorf("experiments: %w", err)
	}
	return nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Title: "ML Seminar",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Progress: ProgressConfig{
			Key:        seminar.DefaultKey,
			TotalSlots: seminar.DefaultTotalSlots,
		},
		Storage: StorageConfig{
			Type: StorageFile,
		},
		Experiments: seminar.DefaultExperiments(),
	}
}

// Load loads configuration from a YAML file and applies environment
// overrides. If the file doesn't exist, the defaults are used.
func Load(configPath string) (*Config, error) {
	config := DefaultConfig() // Start with defaults

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := ApplyEnv(config); err != nil {
		return nil, err
	}

	return config, nil
}

// LoadFromDir loads seminar.yaml from the given directory
func LoadFromDir(dir string) (*Config, error) {
	return Load(filepath.Join(dir, FileName))
}

// ApplyEnv overlays SEMINAR_* environment variables onto cfg. Unset
// variables leave the file values untouched.
func ApplyEnv(cfg *Config) error {
	for _, target := range []any{&cfg.Server, &cfg.Progress, &cfg.Storage, &cfg.Telemetry} {
		if err := env.Parse(target); err != nil {
			return fmt.Errorf("parse env: %w", err)
		}
	}
	return nil
}

// Save writes the configuration to a YAML file
func (c *Config) Save(configPath string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
