package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	viperlib "github.com/spf13/viper"

	"github.com/zjrosen/stepcore/internal/config"
	"github.com/zjrosen/stepcore/internal/log"
)

var (
	version   = "dev"
	cfgFile   string
	cfg       config.Config
	debugFlag bool

	viper = viperlib.New()
)

var rootCmd = &cobra.Command{
	Use:     "stepcore",
	Short:   "A script-driven workstation automation runtime",
	Long:    `stepcore runs hot-reloadable Lua scripts against a worker pub/sub bus, coordinating PLCs, instruments, and operator UI state for a single workstation.`,
	Version: version,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ./.stepcore/config.yaml, then ~/.config/stepcore/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false,
		"enable debug mode with logging (also: STEPCORE_DEBUG=1)")
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("runtime.name", defaults.Runtime.Name)
	viper.SetDefault("runtime.scripts_dir", defaults.Runtime.ScriptsDir)
	viper.SetDefault("runtime.hot_reload_enabled", defaults.Runtime.HotReloadEnabled)
	viper.SetDefault("runtime.reload_check_interval", defaults.Runtime.ReloadCheckInterval)
	viper.SetDefault("runtime.bus_drain_batch", defaults.Runtime.BusDrainBatch)
	viper.SetDefault("runtime.ui_drain_batch", defaults.Runtime.UiDrainBatch)
	viper.SetDefault("runtime.command_dispatch_batch", defaults.Runtime.CommandDispatchBatch)
	viper.SetDefault("runtime.mailbox_cap", defaults.Runtime.MailboxCap)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. ./.stepcore/config.yaml (current directory)
		// 2. ~/.config/stepcore/config.yaml (user config)
		if _, err := os.Stat(".stepcore/config.yaml"); err == nil {
			viper.SetConfigFile(".stepcore/config.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "stepcore"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viperlib.ConfigFileNotFoundError
		if errors.As(err, &configNotFound) {
			defaultPath := ".stepcore/config.yaml"
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
				log.Info(log.CatConfig, "config loaded", "path", defaultPath)
			}
			// If write fails, continue with defaults (no config file).
		}
	} else {
		log.Info(log.CatConfig, "config loaded", "path", viper.ConfigFileUsed())
	}

	_ = viper.Unmarshal(&cfg)
}

// initLogging enables file-backed debug logging if requested by flag or
// env var, returning a cleanup func to call on shutdown.
func initLogging(component string) (func(), error) {
	debug := os.Getenv("STEPCORE_DEBUG") != "" || debugFlag
	if !debug {
		return func() {}, nil
	}

	logPath := os.Getenv("STEPCORE_LOG")
	if logPath == "" {
		logPath = "debug.log"
	}

	cleanup, err := log.Init(logPath)
	if err != nil {
		return nil, fmt.Errorf("initializing logging: %w", err)
	}
	log.Info(log.CatConfig, component+" starting", "version", version, "debug", true, "logPath", logPath)
	return cleanup, nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
