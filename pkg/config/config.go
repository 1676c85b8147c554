// Package config provides configuration loading and validation for the
// coupler server and CLI, plus the per-repository analysis Configuration
// object (engine.go).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"

	"github.com/couplegraph/coupler/pkg/streaming"
)

// Sentinel validation errors.
var (
	ErrInvalidPort       = errors.New("invalid server port")
	ErrInvalidConcurrent = errors.New("max concurrent analyses must be positive")
	ErrInvalidBudget     = errors.New("invalid memory budget")
	ErrInvalidTimeout    = errors.New("batch inactivity timeout must be positive")
)

// Default configuration values.
const (
	defaultPort          = 8080
	defaultHost          = "0.0.0.0"
	defaultMaxConcurrent = 8
	maxPort              = 65535

	// defaultBatchInactivityTimeout fails a run whose VCS reads stall
	// mid-batch.
	defaultBatchInactivityTimeout = 5 * time.Minute
)

// Config holds all process configuration for the coupler server and CLI.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Analysis      AnalysisConfig      `mapstructure:"analysis"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// ServerConfig holds the settings handed to the external HTTP/SSE transport.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	Port         int           `mapstructure:"port"`
	Enabled      bool          `mapstructure:"enabled"`
}

// StorageConfig locates the per-repository analytic stores on disk.
type StorageConfig struct {
	// DataDir is the root under which each repository gets its own store
	// directory (relational database file plus sidecar).
	DataDir string `mapstructure:"data_dir"`
	// SpillDir overrides where the Edge Aggregator places on-disk shard
	// files; empty means a "spill" subdirectory of the repository's store.
	SpillDir string `mapstructure:"spill_dir"`
}

// AnalysisConfig holds pipeline-wide execution settings. Per-repository
// analysis knobs (changeset policy, filters, clustering) live in
// Configuration, not here.
type AnalysisConfig struct {
	// MaxConcurrentAnalyses caps how many repositories may analyze at
	// once; the effective pool is min(cpu_count, this).
	MaxConcurrentAnalyses int `mapstructure:"max_concurrent_analyses"`
	// MemoryBudget is a human-readable byte size ("2GB", "512MiB") solved
	// into pipeline knobs by pkg/budget. Empty uses the solver defaults.
	MemoryBudget string `mapstructure:"memory_budget"`
	// CommitBatchSize overrides the Extractor's commits-per-transaction
	// batch; zero lets the budget solver decide.
	CommitBatchSize int `mapstructure:"commit_batch_size"`
	// BatchInactivityTimeout fails a run whose VCS source stalls mid-batch.
	BatchInactivityTimeout time.Duration `mapstructure:"batch_inactivity_timeout"`
	// StreamingMode selects chunked extraction: "auto" (decide from commit
	// count and memory budget), "on", or "off".
	StreamingMode string `mapstructure:"streaming_mode"`
}

// MemoryBudgetBytes parses the configured memory budget. Zero with a nil
// error means "unset".
func (a AnalysisConfig) MemoryBudgetBytes() (int64, error) {
	if a.MemoryBudget == "" {
		return 0, nil
	}

	n, err := humanize.ParseBytes(a.MemoryBudget)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %w", ErrInvalidBudget, a.MemoryBudget, err)
	}

	return int64(n), nil
}

// LoggingConfig holds logging-specific configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// ObservabilityConfig holds OTel export settings.
type ObservabilityConfig struct {
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	OTLPHeaders  string  `mapstructure:"otlp_headers"`
	OTLPInsecure bool    `mapstructure:"otlp_insecure"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
	DebugTrace   bool    `mapstructure:"debug_trace"`
	// PrometheusEnabled serves a /metrics scrape endpoint alongside the
	// transport when the server is enabled.
	PrometheusEnabled bool `mapstructure:"prometheus_enabled"`
}

// LoadConfig loads configuration from file and environment variables.
func LoadConfig(configPath string) (*Config, error) {
	viperCfg := viper.New()

	// Set defaults.
	setDefaults(viperCfg)

	// Read config file.
	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName("config")
		viperCfg.SetConfigType("yaml")
		viperCfg.AddConfigPath(".")
		viperCfg.AddConfigPath("./config")
		viperCfg.AddConfigPath("/etc/coupler")
	}

	// Read environment variables.
	viperCfg.SetEnvPrefix("COUPLER")
	viperCfg.AutomaticEnv()
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file.
	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFoundErr) {
			return nil, fmt.Errorf("failed to read config file: %w", readErr)
		}
	}

	var config Config

	unmarshalErr := viperCfg.Unmarshal(&config)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", unmarshalErr)
	}

	validateErr := validateConfig(&config)
	if validateErr != nil {
		return nil, fmt.Errorf("invalid configuration: %w", validateErr)
	}

	return &config, nil
}

// setDefaults sets default configuration values.
func setDefaults(viperCfg *viper.Viper) {
	// Server defaults.
	viperCfg.SetDefault("server.enabled", false)
	viperCfg.SetDefault("server.port", defaultPort)
	viperCfg.SetDefault("server.host", defaultHost)
	viperCfg.SetDefault("server.read_timeout", "30s")
	viperCfg.SetDefault("server.write_timeout", "30s")
	viperCfg.SetDefault("server.idle_timeout", "60s")

	// Storage defaults.
	viperCfg.SetDefault("storage.data_dir", "./coupler-data")

	// Analysis defaults.
	viperCfg.SetDefault("analysis.max_concurrent_analyses", defaultMaxConcurrent)
	viperCfg.SetDefault("analysis.batch_inactivity_timeout", defaultBatchInactivityTimeout.String())
	viperCfg.SetDefault("analysis.streaming_mode", "auto")

	// Logging defaults.
	viperCfg.SetDefault("logging.level", "info")
	viperCfg.SetDefault("logging.format", "json")
	viperCfg.SetDefault("logging.output", "stderr")
}

// validateConfig validates the configuration.
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > maxPort {
		return fmt.Errorf("%w: %d", ErrInvalidPort, config.Server.Port)
	}

	if config.Analysis.MaxConcurrentAnalyses <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidConcurrent, config.Analysis.MaxConcurrentAnalyses)
	}

	if config.Analysis.BatchInactivityTimeout <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTimeout, config.Analysis.BatchInactivityTimeout)
	}

	if _, err := config.Analysis.MemoryBudgetBytes(); err != nil {
		return err
	}

	if _, err := streaming.ParseMode(config.Analysis.StreamingMode); err != nil {
		return fmt.Errorf("%w: %q", err, config.Analysis.StreamingMode)
	}

	return nil
}
