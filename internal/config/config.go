package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/swimr-hq/swimr/internal/common"
)

// Config is the root configuration loaded from YAML.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Storage  StorageConfig  `yaml:"storage"`
	Staging  StagingConfig  `yaml:"staging"`
}

// ServerConfig holds HTTP server and runtime settings.
type ServerConfig struct {
	Addr          string        `yaml:"address"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	MaxUploadSize ByteSize      `yaml:"maxUploadSize"`
	APIKey        string        `yaml:"apiKey"`        // optional static API key header (X-API-Key)
	ShutdownGrace time.Duration `yaml:"shutdownGrace"` // time to wait for workers before forced stop
	TaskWorkers   int           `yaml:"taskWorkers"`   // detached analysis task workers
	TaskCapacity  int           `yaml:"taskCapacity"`  // detached task queue capacity
	LogLevel      string        `yaml:"logLevel"`      // debug|info|warn|error
}

// AnalysisConfig points at the remote analyze-cv endpoint.
type AnalysisConfig struct {
	Endpoint      string        `yaml:"endpoint"`
	APIKey        string        `yaml:"apiKey"` // bearer token for the analysis service
	Timeout       time.Duration `yaml:"timeout"`
	RetryAttempts int           `yaml:"retryAttempts"` // transport-level attempts for transient failures
}

// StorageConfig selects the row-store backend.
type StorageConfig struct {
	Driver  string `yaml:"driver"`  // sqlite|postgres
	DataDir string `yaml:"dataDir"` // sqlite database directory
	Path    string `yaml:"path"`    // optional, overrides default dataDir/swimr.db
	DSN     string `yaml:"dsn"`     // postgres connection string
}

// StagingConfig tunes the simulated upload phase of the staging queue.
type StagingConfig struct {
	TickMin time.Duration `yaml:"tickMin"` // min delay between progress ticks
	TickMax time.Duration `yaml:"tickMax"` // max delay between progress ticks
	StepMin int           `yaml:"stepMin"` // min progress points per tick
	StepMax int           `yaml:"stepMax"` // max progress points per tick
}

// Load reads YAML config from path, expands environment variables, and validates it.
// If path is empty, it will attempt to read from env var SWIMR_CONFIG, then default to "config.yaml".
func Load(path string) (*Config, error) {
	if path == "" {
		if env := os.Getenv("SWIMR_CONFIG"); env != "" {
			path = env
		} else {
			path = "config.yaml"
		}
	}
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - reading sanitized config file path is expected
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	// Expand environment variables in file content.
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	// Ensure data dir exists for the sqlite driver.
	if cfg.Storage.Driver == common.DriverSQLite {
		if err := os.MkdirAll(cfg.Storage.DataDir, 0o750); err != nil {
			return nil, fmt.Errorf("ensure data dir: %w", err)
		}
		if cfg.Storage.Path == "" {
			cfg.Storage.Path = filepath.Join(cfg.Storage.DataDir, "swimr.db")
		}
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 120 * time.Second
	}
	if cfg.Server.MaxUploadSize == 0 {
		cfg.Server.MaxUploadSize = ByteSize(10 * 1024 * 1024) // 10 MiB default
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 15 * time.Second
	}
	if cfg.Server.TaskWorkers <= 0 {
		cfg.Server.TaskWorkers = common.DefaultTaskWorkers
	}
	if cfg.Server.TaskCapacity <= 0 {
		cfg.Server.TaskCapacity = common.DefaultTaskCapacity
	}
	if strings.TrimSpace(cfg.Server.LogLevel) == "" {
		cfg.Server.LogLevel = "info"
	}

	// Analysis defaults
	if cfg.Analysis.Timeout == 0 {
		cfg.Analysis.Timeout = 2 * time.Minute
	}
	if cfg.Analysis.RetryAttempts <= 0 {
		cfg.Analysis.RetryAttempts = common.DefaultRetryAttempts
	}

	// Storage defaults
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = common.DriverSQLite
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}

	// Staging upload simulation defaults
	if cfg.Staging.TickMin == 0 {
		cfg.Staging.TickMin = 300 * time.Millisecond
	}
	if cfg.Staging.TickMax == 0 {
		cfg.Staging.TickMax = 700 * time.Millisecond
	}
	if cfg.Staging.StepMin == 0 {
		cfg.Staging.StepMin = 10
	}
	if cfg.Staging.StepMax == 0 {
		cfg.Staging.StepMax = 35
	}
}

func validate(cfg *Config) error {
	switch cfg.Storage.Driver {
	case common.DriverSQLite:
		// path defaulted later
	case common.DriverPostgres:
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}

	if strings.TrimSpace(cfg.Analysis.Endpoint) == "" {
		return fmt.Errorf("analysis.endpoint is required")
	}

	if cfg.Staging.TickMax < cfg.Staging.TickMin {
		return fmt.Errorf("staging.tickMax must not be below staging.tickMin")
	}
	if cfg.Staging.StepMax < cfg.Staging.StepMin {
		return fmt.Errorf("staging.stepMax must not be below staging.stepMin")
	}
	return nil
}
