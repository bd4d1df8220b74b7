package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"
	"gopkg.in/yaml.v3"
)

// EmptyArchivePolicy decides what happens when no manifest entry could be fetched.
type EmptyArchivePolicy string

const (
	// EmptyArchiveManifest publishes an archive holding only the manifest snapshot.
	EmptyArchiveManifest EmptyArchivePolicy = "manifest"
	// EmptyArchiveSkip publishes nothing and leaves any previous archive untouched.
	EmptyArchiveSkip EmptyArchivePolicy = "skip"
)

// Config holds the settings of the archive service.
type Config struct {
	// StorageDir is the root of the content and archive directories.
	StorageDir string `yaml:"storage_dir"`
	// ListenAddress is the HTTP listen address of the request surface.
	ListenAddress string `yaml:"listen_addr"`
	// HealthAddress is the optional gRPC listen address of the health service.
	HealthAddress string `yaml:"health_addr,omitempty"`
	// ContentBaseURL is the optional content server used to build retrieval locations.
	ContentBaseURL string `yaml:"content_base_url,omitempty"`
	// FetchWorkersPerCPU multiplies the number of CPUs to size the fetch pool.
	FetchWorkersPerCPU int `yaml:"fetch_workers_per_cpu"`
	// GenerationWorkers bounds the number of concurrently running generations.
	GenerationWorkers int `yaml:"generation_workers"`
	// MaxConnections caps the shared HTTP connection pool.
	MaxConnections int `yaml:"max_connections"`
	// FetchTimeout bounds a single download. Zero means no limit.
	FetchTimeout time.Duration `yaml:"fetch_timeout,omitempty"`
	// GenerationTimeout bounds a whole generation. Zero disables the safeguard.
	GenerationTimeout time.Duration `yaml:"generation_timeout,omitempty"`
	// EmptyArchivePolicy is applied when every manifest entry is unreachable.
	EmptyArchivePolicy EmptyArchivePolicy `yaml:"empty_archive_policy"`
	// NotUsedDaysCleanup enables the retention sweep when set.
	NotUsedDaysCleanup *int `yaml:"not_used_days_cleanup,omitempty"`
	// CleanupSchedule is the cron expression that triggers the retention sweep.
	CleanupSchedule string `yaml:"cleanup_schedule"`
	// IntegrityWindow is the number of bytes hashed per read window.
	IntegrityWindow int64 `yaml:"integrity_window"`
	// MirrorURL is an optional blob bucket URL receiving published archives.
	MirrorURL string `yaml:"mirror_url,omitempty"`
	// LogLevel is the minimum log level (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`
	// LogFormat is the log encoder (console or json).
	LogFormat string `yaml:"log_format"`
}

const (
	// DefaultConfigFilename is the default filename for service settings.
	DefaultConfigFilename = "build-archive-settings.yaml"

	// DefaultStorageDir is the default storage root.
	DefaultStorageDir = "data"

	// DefaultListenAddress is the default HTTP listen address.
	DefaultListenAddress = ":8080"

	// DefaultFetchWorkersPerCPU is the default fetch pool multiplier.
	DefaultFetchWorkersPerCPU = 4

	// DefaultMaxConnections is the default size of the HTTP connection pool.
	DefaultMaxConnections = 500

	// DefaultCleanupSchedule fires the retention sweep once a day.
	DefaultCleanupSchedule = "@daily"

	// DefaultIntegrityWindow is the digest read window (100 MiB).
	DefaultIntegrityWindow int64 = 100 << 20

	// DefaultLogLevel is used when log_level is not set.
	DefaultLogLevel = "info"

	// DefaultFilePermissions is the default file permission for config files.
	DefaultFilePermissions = 0o600
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errNegativeValue is returned when a numeric setting is negative.
	errNegativeValue = errors.New("value must not be negative")
	// errUnknownPolicy is returned for an unsupported empty archive policy.
	errUnknownPolicy = errors.New("unknown empty archive policy")
)

// Load reads configuration from the provided path and validates essential fields.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadOrDefault reads configuration from path, or returns validated defaults
// when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}

	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	cfg = new(Config)
	if err = Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes Config to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Restrict permissions.
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate checks the provided settings and fills defaults for unset fields.
//
//nolint:cyclop // A flat list of checks reads better than a table here.
func Validate(settings *Config) error {
	if settings == nil {
		return errConfigIsNotSet
	}

	if settings.StorageDir == "" {
		settings.StorageDir = DefaultStorageDir
	}

	if settings.ListenAddress == "" {
		settings.ListenAddress = DefaultListenAddress
	}

	if _, _, err := net.SplitHostPort(settings.ListenAddress); err != nil {
		return fmt.Errorf("invalid listen address: %w", err)
	}

	if settings.HealthAddress != "" {
		if _, _, err := net.SplitHostPort(settings.HealthAddress); err != nil {
			return fmt.Errorf("invalid health address: %w", err)
		}
	}

	if settings.ContentBaseURL != "" {
		if _, err := url.ParseRequestURI(settings.ContentBaseURL); err != nil {
			return fmt.Errorf("invalid content base URL: %w", err)
		}

		settings.ContentBaseURL = strings.TrimRight(settings.ContentBaseURL, "/")
	}

	if settings.FetchWorkersPerCPU <= 0 {
		settings.FetchWorkersPerCPU = DefaultFetchWorkersPerCPU
	}

	if settings.GenerationWorkers <= 0 {
		settings.GenerationWorkers = runtime.NumCPU()
	}

	if settings.MaxConnections <= 0 {
		settings.MaxConnections = DefaultMaxConnections
	}

	if settings.FetchTimeout < 0 || settings.GenerationTimeout < 0 {
		return fmt.Errorf("timeouts: %w", errNegativeValue)
	}

	switch settings.EmptyArchivePolicy {
	case "":
		settings.EmptyArchivePolicy = EmptyArchiveManifest
	case EmptyArchiveManifest, EmptyArchiveSkip:
	default:
		return fmt.Errorf("%w: %q", errUnknownPolicy, settings.EmptyArchivePolicy)
	}

	if settings.NotUsedDaysCleanup != nil && *settings.NotUsedDaysCleanup < 0 {
		return fmt.Errorf("not_used_days_cleanup: %w", errNegativeValue)
	}

	if settings.CleanupSchedule == "" {
		settings.CleanupSchedule = DefaultCleanupSchedule
	}

	if _, err := cronexpr.Parse(settings.CleanupSchedule); err != nil {
		return fmt.Errorf("invalid cleanup schedule: %w", err)
	}

	if settings.IntegrityWindow <= 0 {
		settings.IntegrityWindow = DefaultIntegrityWindow
	}

	if settings.LogLevel == "" {
		settings.LogLevel = DefaultLogLevel
	}

	return nil
}

// FetchWorkers returns the size of the fetch pool.
func (c *Config) FetchWorkers() int {
	return c.FetchWorkersPerCPU * runtime.NumCPU()
}
