// Package main is the entry point for the tmp-mail receiver.
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

	"github.com/shineum/tmpmail/internal/config"
	"github.com/shineum/tmpmail/internal/forward"
	"github.com/shineum/tmpmail/internal/forward/ses"
	"github.com/shineum/tmpmail/internal/forward/stdout"
	"github.com/shineum/tmpmail/internal/httpapi"
	"github.com/shineum/tmpmail/internal/smtp"
	"github.com/shineum/tmpmail/internal/store"
	"github.com/shineum/tmpmail/internal/sweeper"
)

func main() {
	configPath := flag.String("config", "", "path to YAML or TOML configuration file (optional)")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	messages, err := store.Open(ctx, cfg.Store.URL)
	if err != nil {
		if errors.Is(err, store.ErrSchemaInit) {
			slog.Error("failed to initialize mail schema", "error", err)
		} else {
			slog.Error("failed to open message store", "error", err)
		}
		os.Exit(1)
	}

	fwd, err := selectForwarder(ctx, cfg)
	if err != nil {
		slog.Error("failed to create forwarder", "error", err)
		messages.Close()
		os.Exit(1)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.New(messages, cfg.Store.SweepInterval, cfg.Store.Retention).Run(ctx)
	}()

	if cfg.HTTP.Listen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := httpapi.New(cfg.HTTP.Listen, messages).Start(ctx); err != nil {
				slog.Error("HTTP API server failed", "error", err)
			}
		}()
	}

	server := smtp.New(smtp.ServerConfig{
		ListenAddr:  cfg.SMTP.Listen,
		Domain:      cfg.SMTP.Domain,
		ServiceName: cfg.SMTP.ServiceName,
		IdleTimeout: cfg.SMTP.IdleTimeout,
		Store:       messages,
		Forwarder:   fwd,
	})

	slog.Info("starting tmp-mail",
		"listen", cfg.SMTP.Listen,
		"http", cfg.HTTP.Listen,
		"forward", cfg.ForwardProvider(),
		"retention", cfg.Store.Retention,
	)

	// Start the server (blocks until context is cancelled)
	serveErr := server.ListenAndServe(ctx)
	cancel()
	// Sessions past the shutdown timeout may still be persisting.
	server.Wait()
	wg.Wait()

	if err := messages.Close(); err != nil {
		slog.Error("failed to close message store", "error", err)
	}
	if serveErr != nil {
		slog.Error("server error", "error", serveErr)
		os.Exit(1)
	}

	slog.Info("tmp-mail stopped")
}

// loadConfig loads configuration from the specified path (file + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// selectForwarder builds the configured forwarder. It returns nil when
// forwarding is disabled.
func selectForwarder(ctx context.Context, cfg *config.Config) (forward.Forwarder, error) {
	switch cfg.ForwardProvider() {
	case config.ForwardNone:
		return nil, nil

	case config.ForwardStdout:
		slog.Info("forwarding stored mail to stdout")
		return stdout.New(), nil

	case config.ForwardSES:
		slog.Info("forwarding stored mail via AWS SES",
			"region", cfg.Forward.SES.Region,
			"sender", cfg.Forward.SES.Sender,
			"to", cfg.Forward.To,
		)
		return ses.New(ctx, ses.SESForwarderConfig{
			Region:          cfg.Forward.SES.Region,
			AccessKeyID:     cfg.Forward.SES.AccessKeyID,
			SecretAccessKey: cfg.Forward.SES.SecretAccessKey,
			Sender:          cfg.Forward.SES.Sender,
			To:              cfg.Forward.To,
		})

	default:
		return nil, fmt.Errorf("unknown forward provider %q", cfg.Forward.Provider)
	}
}
