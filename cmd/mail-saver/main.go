// Package main is the entry point for the mail saver: a fake SMTP server
// that stores every received message on disk (or S3) for inspection.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/shineum/smtp-mail-saver/internal/config"
	"github.com/shineum/smtp-mail-saver/internal/logger"
	"github.com/shineum/smtp-mail-saver/internal/provider"
	"github.com/shineum/smtp-mail-saver/internal/provider/saver"
	"github.com/shineum/smtp-mail-saver/internal/provider/stdout"
	"github.com/shineum/smtp-mail-saver/internal/smtp"
	"github.com/shineum/smtp-mail-saver/internal/storage"
	"github.com/shineum/smtp-mail-saver/internal/storage/s3"
	"github.com/shineum/smtp-mail-saver/internal/web"
)

// flags are command-line overrides applied on top of file and env config.
type flags struct {
	config  string
	host    string
	port    int
	webHost string
	webPort int
	logging string
}

func main() {
	var f flags
	flag.StringVar(&f.config, "config", "", "path to YAML or TOML configuration file (optional)")
	flag.StringVar(&f.host, "host", "localhost", "SMTP listen host")
	flag.IntVar(&f.port, "port", 1025, "SMTP listen port")
	flag.StringVar(&f.webHost, "web-host", "localhost", "browsing server listen host")
	flag.IntVar(&f.webPort, "web-port", 8080, "browsing server listen port")
	flag.StringVar(&f.logging, "logging", "both", "log output: terminal, file or both")
	flag.Parse()

	if err := run(f); err != nil {
		slog.Error("mail-saver failed", "error", err)
		os.Exit(1)
	}
}

func run(f flags) error {
	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}

	// Load configuration
	cfg, err := loadConfig(f.config)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	applyFlags(cfg, f)

	if err := cfg.Validate(); err != nil {
		return err
	}

	// Setup structured logging
	log, closer, err := logger.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer closer.Close()
	slog.SetDefault(log)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Select the provider that handles received envelopes
	prov, writer, closeProvider, err := selectProvider(ctx, cfg, log)
	if err != nil {
		return err
	}

	server := smtp.New(smtp.ServerConfig{
		ListenAddr:      cfg.SMTPAddr(),
		Hostname:        cfg.SMTP.Hostname,
		Provider:        prov,
		MaxMessageSize:  cfg.SMTP.MaxMessageSize,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          log,
	})
	if err := server.Listen(); err != nil {
		closeProvider()
		return err
	}

	var browser *web.Server
	if cfg.Web.Enabled {
		if root, ok := browseRoot(writer); ok {
			browser = web.New(web.Config{Addr: cfg.WebAddr(), Root: root}, log)
			if err := browser.Listen(); err != nil {
				closeProvider()
				return err
			}
		} else {
			log.Warn("web server disabled: records are not written to a local directory",
				"provider", prov.Name(),
				"storage", cfg.Storage.Backend,
			)
		}
	}

	log.Info("starting mail-saver",
		"smtp", server.Addr(),
		"web", browser != nil,
		"provider", prov.Name(),
		"storage", cfg.Storage.Backend,
		"logging", cfg.Logging.Output,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		log.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	var (
		wg     sync.WaitGroup
		webErr error
	)
	if browser != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := browser.Serve(ctx); err != nil {
				webErr = err
				log.Error("web server error", "error", err)
				cancel()
			}
		}()
	}

	// Blocks until the context is cancelled and sessions have drained
	smtpErr := server.Serve(ctx)
	cancel()
	wg.Wait()

	// Queued envelopes finish before exit.
	closeProvider()

	log.Info("mail-saver stopped")
	return errors.Join(smtpErr, webErr)
}

// loadConfig loads configuration from the specified path (file + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// applyFlags copies explicitly set command-line flags over the loaded
// configuration.
func applyFlags(cfg *config.Config, f flags) {
	flag.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "host":
			cfg.SMTP.Host = f.host
		case "port":
			cfg.SMTP.Port = f.port
		case "web-host":
			cfg.Web.Host = f.webHost
		case "web-port":
			cfg.Web.Port = f.webPort
		case "logging":
			cfg.Logging.Output = f.logging
		}
	})
}

// selectProvider builds the provider named in the configuration, along with
// the storage writer it saves through (nil for stdout). The returned func
// releases the provider once the SMTP server has stopped.
func selectProvider(ctx context.Context, cfg *config.Config, log *slog.Logger) (provider.Provider, *storage.Writer, func(), error) {
	switch cfg.Provider {
	case "stdout":
		log.Info("using stdout provider")
		return stdout.New(), nil, func() {}, nil

	case "saver", "":
		backend, err := selectBackend(ctx, cfg, log)
		if err != nil {
			return nil, nil, nil, err
		}
		writer := storage.NewWriter(backend, log)
		s := saver.New(writer, log, cfg.Workers)
		log.Info("using saver provider",
			"backend", writer.Backend().Name(),
			"workers", cfg.Workers,
		)
		return s, writer, func() { s.Close() }, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// browseRoot returns the directory the web server exposes: the local root
// the writer saves records under. It is false when records go elsewhere.
func browseRoot(writer *storage.Writer) (string, bool) {
	if writer == nil {
		return "", false
	}
	return storage.LocalRoot(writer.Backend())
}

// selectBackend builds the storage backend the saver writes to.
func selectBackend(ctx context.Context, cfg *config.Config, log *slog.Logger) (storage.Backend, error) {
	switch cfg.Storage.Backend {
	case "s3":
		b, err := s3.New(ctx, s3.Config{
			Bucket:          cfg.Storage.Bucket,
			Region:          cfg.Storage.Region,
			Endpoint:        cfg.Storage.Endpoint,
			Prefix:          cfg.Storage.Prefix,
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 backend: %w", err)
		}
		log.Info("storing records in S3",
			"bucket", cfg.Storage.Bucket,
			"prefix", cfg.Storage.Prefix,
		)
		return b, nil

	case "disk", "":
		log.Info("storing records on disk", "dir", cfg.Storage.Dir)
		return storage.NewDisk(cfg.Storage.Dir), nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
