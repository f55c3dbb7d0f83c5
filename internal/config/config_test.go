package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envVars = []string{
	"SMTP_HOST", "SMTP_PORT", "SMTP_HOSTNAME", "SMTP_MAX_MESSAGE_SIZE",
	"WEB_ENABLED", "WEB_HOST", "WEB_PORT",
	"STORAGE_BACKEND", "STORAGE_DIR",
	"S3_BUCKET", "S3_REGION", "S3_ENDPOINT", "S3_PREFIX", "S3_ACCESS_KEY_ID", "S3_SECRET_ACCESS_KEY",
	"LOG_LEVEL", "LOG_FORMAT", "LOG_OUTPUT", "LOG_FILE",
	"PROVIDER", "WORKERS", "SHUTDOWN_TIMEOUT",
}

// clearEnv blanks every variable the loader reads for this test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range envVars {
		t.Setenv(env, "")
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.SMTP.Host)
	assert.Equal(t, 1025, cfg.SMTP.Port)
	assert.Empty(t, cfg.SMTP.Hostname)
	assert.Equal(t, int64(32<<20), cfg.SMTP.MaxMessageSize)
	assert.True(t, cfg.Web.Enabled)
	assert.Equal(t, 8080, cfg.Web.Port)
	assert.Equal(t, "disk", cfg.Storage.Backend)
	assert.Equal(t, "email", cfg.Storage.Dir)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "both", cfg.Logging.Output)
	assert.Equal(t, "email_server.log", cfg.Logging.File)
	assert.Equal(t, "saver", cfg.Provider)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)

	assert.Equal(t, "localhost:1025", cfg.SMTPAddr())
	assert.Equal(t, "localhost:8080", cfg.WebAddr())
	assert.NoError(t, cfg.Validate())
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("SMTP_HOST", "0.0.0.0")
	t.Setenv("SMTP_PORT", "2525")
	t.Setenv("SMTP_HOSTNAME", "mx.test")
	t.Setenv("SMTP_MAX_MESSAGE_SIZE", "10485760")
	t.Setenv("WEB_ENABLED", "false")
	t.Setenv("WEB_PORT", "9090")
	t.Setenv("STORAGE_BACKEND", "S3")
	t.Setenv("S3_BUCKET", "captured")
	t.Setenv("S3_REGION", "eu-west-1")
	t.Setenv("S3_ENDPOINT", "http://localhost:9000")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("LOG_OUTPUT", "terminal")
	t.Setenv("PROVIDER", "stdout")
	t.Setenv("WORKERS", "8")
	t.Setenv("SHUTDOWN_TIMEOUT", "5s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:2525", cfg.SMTPAddr())
	assert.Equal(t, "mx.test", cfg.SMTP.Hostname)
	assert.Equal(t, int64(10485760), cfg.SMTP.MaxMessageSize)
	assert.False(t, cfg.Web.Enabled)
	assert.Equal(t, 9090, cfg.Web.Port)
	assert.Equal(t, "s3", cfg.Storage.Backend)
	assert.Equal(t, "captured", cfg.Storage.Bucket)
	assert.Equal(t, "eu-west-1", cfg.Storage.Region)
	assert.Equal(t, "http://localhost:9000", cfg.Storage.Endpoint)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "terminal", cfg.Logging.Output)
	assert.Equal(t, "stdout", cfg.Provider)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_InvalidNumbersKeepDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("SMTP_MAX_MESSAGE_SIZE", "not-a-number")
	t.Setenv("SMTP_PORT", "abc")
	t.Setenv("SHUTDOWN_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int64(defaultMaxMessageSize), cfg.SMTP.MaxMessageSize)
	assert.Equal(t, 1025, cfg.SMTP.Port)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
}

func TestLoadFromFile_YAML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "config.yaml", `
smtp:
  host: "127.0.0.1"
  port: 2525
storage:
  dir: "/var/mail/captured"
logging:
  level: "warn"
  format: "text"
workers: 2
shutdown_timeout: 10s
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:2525", cfg.SMTPAddr())
	assert.Equal(t, "/var/mail/captured", cfg.Storage.Dir)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)

	// Unset fields keep their defaults.
	assert.Equal(t, 8080, cfg.Web.Port)
	assert.Equal(t, "saver", cfg.Provider)
}

func TestLoadFromFile_TOML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "config.toml", `
provider = "stdout"

[smtp]
port = 2626
hostname = "mx.toml.test"

[storage]
backend = "s3"
bucket = "mail"
prefix = "captured/"
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 2626, cfg.SMTP.Port)
	assert.Equal(t, "mx.toml.test", cfg.SMTP.Hostname)
	assert.Equal(t, "s3", cfg.Storage.Backend)
	assert.Equal(t, "mail", cfg.Storage.Bucket)
	assert.Equal(t, "captured/", cfg.Storage.Prefix)
	assert.Equal(t, "stdout", cfg.Provider)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "config.yaml", `
smtp:
  port: 2525
  hostname: "file.test"
logging:
  level: "debug"
`)
	t.Setenv("SMTP_PORT", "3535")
	t.Setenv("LOG_LEVEL", "error")

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 3535, cfg.SMTP.Port)
	assert.Equal(t, "error", cfg.Logging.Level)
	assert.Equal(t, "file.test", cfg.SMTP.Hostname, "empty env should not override the file")
}

func TestLoadFromFile_FileNotFound(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoadFromFile_InvalidContent(t *testing.T) {
	clearEnv(t)

	_, err := LoadFromFile(writeFile(t, "config.yaml", "{{invalid yaml"))
	assert.Error(t, err)

	_, err = LoadFromFile(writeFile(t, "config.toml", "port = = 1"))
	assert.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("SMTP_HOSTNAME", "from-env")

	// godotenv only fills variables that are entirely absent; t.Setenv in
	// clearEnv restores the original value afterwards.
	os.Unsetenv("WORKERS")

	path := writeFile(t, ".env", "SMTP_HOSTNAME=from-dotenv\nWORKERS=7\n")

	require.NoError(t, LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.SMTP.Hostname, "real environment wins over .env")
	assert.Equal(t, 7, cfg.Workers)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "port out of range", mutate: func(c *Config) { c.SMTP.Port = 70000 }, wantErr: "SMTP.Port"},
		{name: "unknown provider", mutate: func(c *Config) { c.Provider = "graph" }, wantErr: "Provider"},
		{name: "unknown logging output", mutate: func(c *Config) { c.Logging.Output = "syslog" }, wantErr: "Logging.Output"},
		{name: "unknown log level", mutate: func(c *Config) { c.Logging.Level = "trace" }, wantErr: "Logging.Level"},
		{name: "s3 without bucket", mutate: func(c *Config) { c.Storage.Backend = "s3" }, wantErr: "Storage.Bucket"},
		{name: "s3 with bucket", mutate: func(c *Config) { c.Storage.Backend = "s3"; c.Storage.Bucket = "b" }},
		{name: "bad endpoint", mutate: func(c *Config) { c.Storage.Endpoint = "not a url" }, wantErr: "Storage.Endpoint"},
		{name: "zero workers", mutate: func(c *Config) { c.Workers = 0 }, wantErr: "Workers"},
		{name: "file output without path", mutate: func(c *Config) { c.Logging.File = "" }, wantErr: "Logging.File"},
		{name: "terminal output without path", mutate: func(c *Config) {
			c.Logging.Output = "terminal"
			c.Logging.File = ""
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.applyDefaults()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
