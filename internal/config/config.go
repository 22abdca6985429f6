// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the mail catcher.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Config holds the complete application configuration.
type Config struct {
	SMTP   SMTPConfig   `yaml:"smtp"`
	HTTP   HTTPConfig   `yaml:"http"`
	Events EventsConfig `yaml:"events"`
	Log    LogConfig    `yaml:"log"`
}

// SMTPConfig holds SMTP server configuration.
type SMTPConfig struct {
	Listen         string        `yaml:"listen"`
	Hostname       string        `yaml:"hostname"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxConnections int           `yaml:"max_connections"`
	ConnectionRate float64       `yaml:"connection_rate"`
	Echo           bool          `yaml:"echo"`
}

// HTTPConfig holds the web API configuration.
type HTTPConfig struct {
	Listen         string   `yaml:"listen"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// EventsConfig tunes the event broadcaster.
type EventsConfig struct {
	Buffer       int           `yaml:"buffer"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
	File        string `yaml:"file"`
	MaxSizeMB   int    `yaml:"max_size_mb"`
	MaxBackups  int    `yaml:"max_backups"`
	MaxAgeDays  int    `yaml:"max_age_days"`
	Compress    bool   `yaml:"compress"`
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Variables that are already set are left alone and missing
// files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
	}
	return nil
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	switch {
	case c.SMTP.Listen == "":
		return errors.New("smtp.listen must not be empty")
	case c.HTTP.Listen == "":
		return errors.New("http.listen must not be empty")
	case strings.TrimSpace(c.SMTP.Hostname) == "":
		return errors.New("smtp.hostname must not be empty")
	case c.SMTP.MaxMessageSize <= 0:
		return fmt.Errorf("smtp.max_message_size must be positive, got %d", c.SMTP.MaxMessageSize)
	case c.SMTP.IdleTimeout <= 0:
		return fmt.Errorf("smtp.idle_timeout must be positive, got %s", c.SMTP.IdleTimeout)
	case c.SMTP.MaxConnections <= 0:
		return fmt.Errorf("smtp.max_connections must be positive, got %d", c.SMTP.MaxConnections)
	case c.SMTP.ConnectionRate <= 0:
		return fmt.Errorf("smtp.connection_rate must be positive, got %g", c.SMTP.ConnectionRate)
	case c.Events.Buffer <= 0:
		return fmt.Errorf("events.buffer must be positive, got %d", c.Events.Buffer)
	case c.Events.PingInterval <= 0:
		return fmt.Errorf("events.ping_interval must be positive, got %s", c.Events.PingInterval)
	}
	return nil
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":1025"
	c.SMTP.Hostname = "MailCatcher"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.SMTP.IdleTimeout = 5 * time.Minute
	c.SMTP.MaxConnections = 100
	c.SMTP.ConnectionRate = 50
	c.HTTP.Listen = ":1080"
	c.HTTP.AllowedOrigins = []string{"*"}
	c.Events.Buffer = 64
	c.Events.PingInterval = 10 * time.Second
	c.Log.Level = "info"
	c.Log.MaxSizeMB = 100
	c.Log.MaxBackups = 3
	c.Log.MaxAgeDays = 28
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values; values
// that do not parse are ignored.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("SMTP_LISTEN"); v != "" {
		c.SMTP.Listen = v
	}
	if v := os.Getenv("SMTP_HOSTNAME"); v != "" {
		c.SMTP.Hostname = v
	}
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SMTP.MaxMessageSize = size
		}
	}
	if v := os.Getenv("SMTP_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.SMTP.IdleTimeout = d
		}
	}
	if v := os.Getenv("SMTP_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SMTP.MaxConnections = n
		}
	}
	if v := os.Getenv("SMTP_CONNECTION_RATE"); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil {
			c.SMTP.ConnectionRate = r
		}
	}
	if v := os.Getenv("SMTP_ECHO"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.SMTP.Echo = b
		}
	}

	if v := os.Getenv("HTTP_LISTEN"); v != "" {
		c.HTTP.Listen = v
	}
	if v := os.Getenv("HTTP_ALLOWED_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.HTTP.AllowedOrigins = origins
	}

	if v := os.Getenv("EVENTS_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Events.Buffer = n
		}
	}
	if v := os.Getenv("EVENTS_PING_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Events.PingInterval = d
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_DEVELOPMENT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Log.Development = b
		}
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		c.Log.File = v
	}
}
