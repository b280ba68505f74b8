// Package config provides configuration management for nvrd using Viper.
// It supports configuration from files, environment variables, and
// defaults. The legacy environment contract (DBPATH, WEBPATH, PORT,
// LOG_LEVEL) is bound onto the corresponding keys.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort = 8080
	defaultStorePath  = "./mydb"
	defaultFFmpegBin  = "ffmpeg"
)

// Config holds all configuration for the application. Per-camera tuning
// and operator-adjustable behaviour live in the persisted settings record,
// not here; this is the process-level bootstrap only.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Web      WebConfig      `mapstructure:"web"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	FFmpeg   FFmpegConfig   `mapstructure:"ffmpeg"`
	Detector DetectorConfig `mapstructure:"detector"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// StoreConfig holds the embedded store location.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// WebConfig holds the static asset root.
type WebConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// FFmpegConfig holds the transcoder/extractor binary location.
type FFmpegConfig struct {
	BinaryPath string `mapstructure:"binary_path"`
}

// DetectorConfig holds how the detection worker is launched.
type DetectorConfig struct {
	Cmd  string   `mapstructure:"cmd"`
	Args []string `mapstructure:"args"`
	Dir  string   `mapstructure:"dir"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration and are
// prefixed with NVRD_ (e.g. NVRD_SERVER_PORT=8080). The unprefixed legacy
// variables DBPATH, WEBPATH, PORT, and LOG_LEVEL are also honoured.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/nvrd")
	}

	v.SetEnvPrefix("NVRD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindLegacyEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)

	v.SetDefault("store.path", defaultStorePath)
	v.SetDefault("web.path", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("ffmpeg.binary_path", defaultFFmpegBin)

	v.SetDefault("detector.cmd", "python3")
	v.SetDefault("detector.args", []string{"detect.py"})
	v.SetDefault("detector.dir", defaultDetectorDir())
}

// bindLegacyEnv maps the unprefixed environment contract onto viper keys.
func bindLegacyEnv(v *viper.Viper) {
	v.BindEnv("store.path", "NVRD_STORE_PATH", "DBPATH")
	v.BindEnv("web.path", "NVRD_WEB_PATH", "WEBPATH")
	v.BindEnv("server.port", "NVRD_SERVER_PORT", "PORT")
	v.BindEnv("logging.level", "NVRD_LOGGING_LEVEL", "LOG_LEVEL")
}

// defaultDetectorDir locates the detector worker directory next to the
// working directory.
func defaultDetectorDir() string {
	wd, err := os.Getwd()
	if err != nil {
		return "ai"
	}
	return filepath.Join(wd, "ai")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}
	if c.FFmpeg.BinaryPath == "" {
		return fmt.Errorf("ffmpeg.binary_path is required")
	}
	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
