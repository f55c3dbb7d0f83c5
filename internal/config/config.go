// Package config provides environment-variable-first configuration loading
// with optional YAML or TOML file fallback for the mail saver.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 32 MiB in bytes.
const defaultMaxMessageSize = 33554432

// Config holds the complete application configuration.
type Config struct {
	SMTP            SMTPConfig    `yaml:"smtp" toml:"smtp"`
	Web             WebConfig     `yaml:"web" toml:"web"`
	Storage         StorageConfig `yaml:"storage" toml:"storage"`
	Logging         LoggingConfig `yaml:"logging" toml:"logging"`
	Provider        string        `yaml:"provider" toml:"provider" validate:"oneof=saver stdout"`
	Workers         int           `yaml:"workers" toml:"workers" validate:"min=1,max=256"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout" validate:"gt=0"`
}

// SMTPConfig holds SMTP server configuration.
type SMTPConfig struct {
	Host           string `yaml:"host" toml:"host" validate:"required"`
	Port           int    `yaml:"port" toml:"port" validate:"min=1,max=65535"`
	Hostname       string `yaml:"hostname" toml:"hostname"`
	MaxMessageSize int64  `yaml:"max_message_size" toml:"max_message_size" validate:"min=0"`
}

// WebConfig holds the browsing server configuration.
type WebConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Host    string `yaml:"host" toml:"host" validate:"required_if=Enabled true"`
	Port    int    `yaml:"port" toml:"port" validate:"min=1,max=65535"`
}

// StorageConfig selects where records are written.
type StorageConfig struct {
	Backend         string `yaml:"backend" toml:"backend" validate:"oneof=disk s3"`
	Dir             string `yaml:"dir" toml:"dir" validate:"required"`
	Bucket          string `yaml:"bucket" toml:"bucket" validate:"required_if=Backend s3"`
	Region          string `yaml:"region" toml:"region"`
	Endpoint        string `yaml:"endpoint" toml:"endpoint" validate:"omitempty,url"`
	Prefix          string `yaml:"prefix" toml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id" toml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" toml:"secret_access_key"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" toml:"format" validate:"oneof=json text"`
	Output string `yaml:"output" toml:"output" validate:"oneof=terminal file both"`
	File   string `yaml:"file" toml:"file" validate:"required_unless=Output terminal"`
}

var validate = validator.New()

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML or TOML file as the base
// layer, then overrides with environment variables. Files ending in .toml
// are decoded as TOML, anything else as YAML. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override file values
	cfg.applyEnvVars()

	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Variables already set are left alone and missing files are
// skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Validate checks the configuration against its field constraints.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

// SMTPAddr returns the host:port the SMTP listener binds to.
func (c *Config) SMTPAddr() string {
	return net.JoinHostPort(c.SMTP.Host, strconv.Itoa(c.SMTP.Port))
}

// WebAddr returns the host:port the browsing server binds to.
func (c *Config) WebAddr() string {
	return net.JoinHostPort(c.Web.Host, strconv.Itoa(c.Web.Port))
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Host = "localhost"
	c.SMTP.Port = 1025
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.Web.Enabled = true
	c.Web.Host = "localhost"
	c.Web.Port = 8080
	c.Storage.Backend = "disk"
	c.Storage.Dir = "email"
	c.Logging.Level = "info"
	c.Logging.Format = "json"
	c.Logging.Output = "both"
	c.Logging.File = "email_server.log"
	c.Provider = "saver"
	c.Workers = 4
	c.ShutdownTimeout = 30 * time.Second
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values, and
// values that fail to parse are ignored.
func (c *Config) applyEnvVars() {
	setString(&c.SMTP.Host, "SMTP_HOST")
	setInt(&c.SMTP.Port, "SMTP_PORT")
	setString(&c.SMTP.Hostname, "SMTP_HOSTNAME")
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SMTP.MaxMessageSize = size
		}
	}

	if v := os.Getenv("WEB_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Web.Enabled = enabled
		}
	}
	setString(&c.Web.Host, "WEB_HOST")
	setInt(&c.Web.Port, "WEB_PORT")

	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = strings.ToLower(v)
	}
	setString(&c.Storage.Dir, "STORAGE_DIR")
	setString(&c.Storage.Bucket, "S3_BUCKET")
	setString(&c.Storage.Region, "S3_REGION")
	setString(&c.Storage.Endpoint, "S3_ENDPOINT")
	setString(&c.Storage.Prefix, "S3_PREFIX")
	setString(&c.Storage.AccessKeyID, "S3_ACCESS_KEY_ID")
	setString(&c.Storage.SecretAccessKey, "S3_SECRET_ACCESS_KEY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_OUTPUT"); v != "" {
		c.Logging.Output = strings.ToLower(v)
	}
	setString(&c.Logging.File, "LOG_FILE")

	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}
	setInt(&c.Workers, "WORKERS")
	if v := os.Getenv("SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ShutdownTimeout = d
		}
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
