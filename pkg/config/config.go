package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Logging      LoggingConfig   `mapstructure:"logging"`
	API          APIConfig       `mapstructure:"api"`
	Storage      StorageConfig   `mapstructure:"storage"`
	Telemetry    TelemetryConfig `mapstructure:"telemetry"`
	ShowThinking bool            `mapstructure:"show_thinking"`
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	LogFile  string `mapstructure:"log_file"`
	Preserve bool   `mapstructure:"preserve"`
	Level    string `mapstructure:"level"`
}

// APIConfig holds the conversation backend connection settings
type APIConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	AuthToken string `mapstructure:"auth_token"`
	Secret    string `mapstructure:"secret"`

	// RequestTimeout bounds connect and response headers; stream bodies are
	// read for as long as the server keeps sending frames.
	RequestTimeout    time.Duration `mapstructure:"-"`
	RequestTimeoutStr string        `mapstructure:"request_timeout"`

	// ResumeRate is the number of resume attempts allowed per second
	ResumeRate  float64 `mapstructure:"resume_rate"`
	ResumeBurst int     `mapstructure:"resume_burst"`
}

// StorageConfig holds local message persistence configuration
type StorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`

	// Output receives exported spans and metrics as JSON; empty means stderr
	Output string `mapstructure:"output"`

	ExportInterval    time.Duration `mapstructure:"-"`
	ExportIntervalStr string        `mapstructure:"export_interval"`
}

// Load loads configuration from file and environment
func Load(cfgFile string) (*Config, error) {
	// Set defaults first
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}

		xdgConfigHome := os.Getenv("XDG_CONFIG_HOME")
		if xdgConfigHome == "" {
			xdgConfigHome = filepath.Join(home, ".config")
		}

		viper.AddConfigPath("./.thrive") // Check project directory first
		viper.AddConfigPath(filepath.Join(xdgConfigHome, ".thrive"))
		viper.SetConfigType("yaml")
		viper.SetConfigName("settings.yaml")
	}

	viper.AutomaticEnv()
	bindEnvironmentVariables()

	// A missing config file is fine, defaults and env still apply
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Post-process durations (viper doesn't handle time.Duration directly)
	if err := processDurations(cfg); err != nil {
		return nil, fmt.Errorf("failed to process durations: %w", err)
	}

	return cfg, nil
}

// setDefaults sets all default configuration values
func setDefaults() {
	viper.SetDefault("api.base_url", "https://vital.ninimu.com/api/v1")
	viper.SetDefault("api.auth_token", "")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.request_timeout", "30s")
	viper.SetDefault("api.resume_rate", 0.5)
	viper.SetDefault("api.resume_burst", 2)

	viper.SetDefault("storage.enabled", true)
	viper.SetDefault("storage.path", "./.thrive/messages.db")

	viper.SetDefault("logging.log_file", "./.thrive/system.log")
	viper.SetDefault("logging.preserve", false)
	viper.SetDefault("logging.level", "info")

	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.service_name", "thrive")
	viper.SetDefault("telemetry.output", "./.thrive/telemetry.jsonl")
	viper.SetDefault("telemetry.export_interval", "30s")

	viper.SetDefault("show_thinking", true)
}

// bindEnvironmentVariables binds THRIVE_ environment variables to viper keys
func bindEnvironmentVariables() {
	viper.BindEnv("api.base_url", "THRIVE_API_BASE_URL")
	viper.BindEnv("api.auth_token", "THRIVE_API_AUTH_TOKEN")
	viper.BindEnv("api.secret", "THRIVE_API_SECRET")
	viper.BindEnv("api.request_timeout", "THRIVE_API_REQUEST_TIMEOUT")
	viper.BindEnv("storage.path", "THRIVE_STORAGE_PATH")
	viper.BindEnv("storage.enabled", "THRIVE_STORAGE_ENABLED")
	viper.BindEnv("logging.level", "THRIVE_LOG_LEVEL")
	viper.BindEnv("logging.log_file", "THRIVE_LOG_FILE")
	viper.BindEnv("logging.preserve", "THRIVE_LOG_PRESERVE")
	viper.BindEnv("telemetry.enabled", "THRIVE_TELEMETRY_ENABLED")
	viper.BindEnv("telemetry.output", "THRIVE_TELEMETRY_OUTPUT")
	viper.BindEnv("show_thinking", "THRIVE_SHOW_THINKING")
}

// processDurations converts string durations to time.Duration
func processDurations(cfg *Config) error {
	if cfg.API.RequestTimeoutStr != "" {
		d, err := time.ParseDuration(cfg.API.RequestTimeoutStr)
		if err != nil {
			return fmt.Errorf("invalid api.request_timeout: %w", err)
		}
		cfg.API.RequestTimeout = d
	} else if cfg.API.RequestTimeout == 0 {
		cfg.API.RequestTimeout = 30 * time.Second
	}

	if cfg.Telemetry.ExportIntervalStr != "" {
		d, err := time.ParseDuration(cfg.Telemetry.ExportIntervalStr)
		if err != nil {
			return fmt.Errorf("invalid telemetry.export_interval: %w", err)
		}
		cfg.Telemetry.ExportInterval = d
	}

	return nil
}

// GetConfigFileUsed returns the path to the config file being used
func GetConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
