// Package config provides configuration loading for the Grasplet exporter
// and the store of configured accounts.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/grasplet-dashboard/exporter/grasplet"
)

// Config holds the application configuration.
type Config struct {
	// Grasplet API configuration
	Grasplet GraspletConfig `yaml:"grasplet"`

	// Account is an optional account set up at startup
	Account grasplet.Credentials `yaml:"account"`

	// Server configuration
	Server ServerConfig `yaml:"server"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging"`
}

// GraspletConfig holds API connection settings.
type GraspletConfig struct {
	// URL is the base URL of the API
	URL string `yaml:"url"`

	// Timeout for API requests
	Timeout time.Duration `yaml:"timeout"`

	// InsecureSkipVerify skips TLS certificate verification
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	// EntriesFile is where configured accounts are stored. Empty keeps them in memory.
	EntriesFile string `yaml:"entries_file"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Port to serve on
	Port int `yaml:"port"`

	// MetricsPath for the Prometheus endpoint
	MetricsPath string `yaml:"metrics_path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, notice, warning, error, critical)
	Level string `yaml:"level"`

	// Format is the log format (text, color)
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Grasplet: GraspletConfig{
			URL:         grasplet.DefaultBaseURL,
			Timeout:     30 * time.Second,
			EntriesFile: "entries.yaml",
		},
		Server: ServerConfig{
			Port:        9110,
			MetricsPath: "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return &cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &cfg, nil
}

// LoadConfigFromEnv loads configuration from environment variables, reading
// a .env file in the working directory first when one exists.
// Environment variables override values from the config file.
func LoadConfigFromEnv(cfg *Config) {
	_ = godotenv.Load()

	if url := os.Getenv("GRASPLET_URL"); url != "" {
		cfg.Grasplet.URL = url
	}

	if timeout := os.Getenv("GRASPLET_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			cfg.Grasplet.Timeout = d
		}
	}

	if file, ok := os.LookupEnv("GRASPLET_ENTRIES_FILE"); ok {
		cfg.Grasplet.EntriesFile = file
	}

	if username := os.Getenv("GRASPLET_USERNAME"); username != "" {
		cfg.Account.Username = username
	}

	if password := os.Getenv("GRASPLET_PASSWORD"); password != "" {
		cfg.Account.Password = password
	}

	if hours := os.Getenv("GRASPLET_POLL_INTERVAL_HOURS"); hours != "" {
		if h, err := strconv.Atoi(hours); err == nil {
			cfg.Account.PollIntervalHours = h
		}
	}

	if port := os.Getenv("GRASPLET_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}

	if level := os.Getenv("GRASPLET_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	if format := os.Getenv("GRASPLET_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}
}

// ToClientConfig converts the config to a grasplet.ClientConfig.
func (c *Config) ToClientConfig(version string) grasplet.ClientConfig {
	return grasplet.ClientConfig{
		URL:                strings.TrimRight(c.Grasplet.URL, "/"),
		Timeout:            c.Grasplet.Timeout,
		InsecureSkipVerify: c.Grasplet.InsecureSkipVerify,
		UserAgent:          "grasplet-exporter/" + version,
	}
}

// HasAccount reports whether a bootstrap account was configured.
func (c *Config) HasAccount() bool {
	return c.Account.Username != "" && c.Account.Password != ""
}

// MaskPassword hides all but the first and last character of a password.
func MaskPassword(password string) string {
	if len(password) == 0 {
		return ""
	}
	if len(password) <= 2 {
		return strings.Repeat("*", len(password))
	}
	return string(password[0]) + strings.Repeat("*", len(password)-2) + string(password[len(password)-1])
}
