// Package config provides configuration types and defaults for the runtime.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zjrosen/stepcore/internal/log"
)

// Config holds all configuration options for the runtime.
type Config struct {
	Runtime RuntimeConfig `mapstructure:"runtime"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// RuntimeConfig controls script discovery, hot-reload cadence, and the
// batch sizes used when the supervisor loop drains bus traffic, UI state
// updates, and pending commands each tick.
type RuntimeConfig struct {
	Name                 string        `mapstructure:"name"`
	ScriptsDir           string        `mapstructure:"scripts_dir"`
	HotReloadEnabled     bool          `mapstructure:"hot_reload_enabled"`
	ReloadCheckInterval  time.Duration `mapstructure:"reload_check_interval"`
	BusDrainBatch        int           `mapstructure:"bus_drain_batch"`
	UiDrainBatch         int           `mapstructure:"ui_drain_batch"`
	CommandDispatchBatch int           `mapstructure:"command_dispatch_batch"`
	MailboxCap           int           `mapstructure:"mailbox_cap"` // 0 = unbounded
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether distributed tracing is active.
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend: "none", "file", "stdout", or "otlp".
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for the "file" exporter.
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for the "otlp" exporter.
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	SampleRate float64 `mapstructure:"sample_rate"`
}

// ValidateTracing checks tracing configuration for errors.
func ValidateTracing(tracing TracingConfig) error {
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}

	if tracing.Enabled {
		if tracing.Exporter == "file" && tracing.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// ValidateRuntime checks runtime configuration for errors.
func ValidateRuntime(rt RuntimeConfig) error {
	if rt.ScriptsDir == "" {
		return fmt.Errorf("runtime.scripts_dir is required")
	}
	if rt.ReloadCheckInterval <= 0 {
		return fmt.Errorf("runtime.reload_check_interval must be positive, got %v", rt.ReloadCheckInterval)
	}
	if rt.BusDrainBatch <= 0 {
		return fmt.Errorf("runtime.bus_drain_batch must be positive, got %d", rt.BusDrainBatch)
	}
	if rt.UiDrainBatch <= 0 {
		return fmt.Errorf("runtime.ui_drain_batch must be positive, got %d", rt.UiDrainBatch)
	}
	if rt.CommandDispatchBatch <= 0 {
		return fmt.Errorf("runtime.command_dispatch_batch must be positive, got %d", rt.CommandDispatchBatch)
	}
	if rt.MailboxCap < 0 {
		return fmt.Errorf("runtime.mailbox_cap must be >= 0, got %d", rt.MailboxCap)
	}
	return nil
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Runtime: RuntimeConfig{
			Name:                 "stepcore",
			ScriptsDir:           "./scripts",
			HotReloadEnabled:     true,
			ReloadCheckInterval:  2 * time.Second,
			BusDrainBatch:        200,
			UiDrainBatch:         200,
			CommandDispatchBatch: 50,
			MailboxCap:           0,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     "",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# stepcore configuration

# Runtime controls script discovery and the scheduler's hot-reload and
# batch-drain behavior.
runtime:
  # Directory scanned (recursively) for .lua chain scripts. Directories
  # and files beginning with "_" are skipped.
  scripts_dir: ./scripts

  # Poll the scripts directory for changed/added/removed scripts.
  hot_reload_enabled: true

  # How often to check scripts_dir for changes when hot reload is enabled.
  reload_check_interval: 2s

  # Max bus messages drained into chain contexts per supervisor tick.
  bus_drain_batch: 200

  # Max UI-originated state updates drained per supervisor tick.
  ui_drain_batch: 200

  # Max pending commands (start/stop/pause/...) dispatched per tick.
  command_dispatch_batch: 50

  # Maximum messages queued in the runtime's worker-bus mailbox before the
  # oldest is dropped; values below 10000 are raised to 10000.
  # 0 means unbounded.
  mailbox_cap: 0

# Distributed tracing configuration.
tracing:
  enabled: false
  # exporter: none, file, stdout, or otlp
  exporter: file
  # file_path: ~/.config/stepcore/traces/traces.jsonl
  otlp_endpoint: localhost:4317
  sample_rate: 1.0
`
}

// DefaultTracesFilePath returns the default path for trace file export.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "stepcore", "traces", "traces.jsonl")
}

// WriteDefaultConfig creates a config file at the given path with default
// settings and comments, creating the parent directory if needed.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
