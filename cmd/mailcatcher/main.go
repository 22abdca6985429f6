// Package main is the entry point for the mail catcher.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shineum/mailcatcher-lite/internal/broker"
	"github.com/shineum/mailcatcher-lite/internal/config"
	"github.com/shineum/mailcatcher-lite/internal/httpapi"
	"github.com/shineum/mailcatcher-lite/internal/logger"
	"github.com/shineum/mailcatcher-lite/internal/metrics"
	"github.com/shineum/mailcatcher-lite/internal/provider"
	"github.com/shineum/mailcatcher-lite/internal/provider/capture"
	"github.com/shineum/mailcatcher-lite/internal/provider/stdout"
	"github.com/shineum/mailcatcher-lite/internal/smtp"
	"github.com/shineum/mailcatcher-lite/internal/store"
)

// httpShutdownTimeout bounds the wait for in-flight HTTP requests.
const httpShutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mailcatcher",
		Short: "Catch every message sent over SMTP and browse it over HTTP",
		Long: "mailcatcher accepts mail for any recipient, keeps it in memory and serves\n" +
			"it through a JSON API with live Server-Sent Events and WebSocket streams.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			log, err := logger.New(logger.Config{
				Level:       cfg.Log.Level,
				Development: cfg.Log.Development,
				File:        cfg.Log.File,
				MaxSizeMB:   cfg.Log.MaxSizeMB,
				MaxBackups:  cfg.Log.MaxBackups,
				MaxAgeDays:  cfg.Log.MaxAgeDays,
				Compress:    cfg.Log.Compress,
			})
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, log)
		},
	}

	fl := rootCmd.Flags()
	fl.StringP("config", "c", "", "path to YAML configuration file (optional)")
	fl.String("smtp", "", "SMTP listen address (default :1025)")
	fl.String("http", "", "HTTP listen address (default :1080)")
	fl.String("smtp-name", "", "server name used in the SMTP greeting")
	fl.String("log-level", "", "log level: debug, info, warn, error")
	fl.Bool("echo", false, "print every received message to stdout")

	return rootCmd
}

// loadConfig reads .env, then the YAML file or the environment, and lets
// explicitly set flags override both.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, err
	}

	fl := cmd.Flags()
	var (
		cfg *config.Config
		err error
	)
	if path, _ := fl.GetString("config"); path != "" {
		cfg, err = config.LoadFromFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	overrides := map[string]*string{
		"smtp":      &cfg.SMTP.Listen,
		"http":      &cfg.HTTP.Listen,
		"smtp-name": &cfg.SMTP.Hostname,
		"log-level": &cfg.Log.Level,
	}
	for name, target := range overrides {
		if fl.Changed(name) {
			*target, _ = fl.GetString(name)
		}
	}
	if fl.Changed("echo") {
		cfg.SMTP.Echo, _ = fl.GetBool("echo")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// run wires the components and blocks until ctx is cancelled or one of
// the servers fails.
func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	if cfg.Log.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	mails := store.NewMemory(store.WithOrder(store.OldestFirst))
	defer mails.Close()

	m := metrics.New()
	events := broker.New(
		broker.WithBuffer(cfg.Events.Buffer),
		broker.WithObserver(m),
		broker.WithLogger(log.Named("events")),
	)
	defer events.Close()

	var prov provider.Provider = capture.New(mails, events, m, log.Named("capture"))
	if cfg.SMTP.Echo {
		prov = provider.Chain{prov, stdout.New()}
	}

	smtpServer := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       cfg.SMTP.Hostname,
		Provider:       prov,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
		IdleTimeout:    cfg.SMTP.IdleTimeout,
		MaxConnections: cfg.SMTP.MaxConnections,
		ConnectionRate: cfg.SMTP.ConnectionRate,
		Logger:         log.Named("smtp"),
		Observer:       m,
	})

	router := httpapi.NewRouter(httpapi.Dependencies{
		Store:          mails,
		Events:         events,
		Metrics:        m,
		Provider:       prov,
		Health:         httpapi.NewHealth(cfg.SMTP.Listen),
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Logger:         log.Named("http"),
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("starting mailcatcher",
		zap.String("smtp", cfg.SMTP.Listen),
		zap.String("http", cfg.HTTP.Listen),
		zap.String("hostname", cfg.SMTP.Hostname),
		zap.String("provider", prov.Name()),
	)

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := smtpServer.ListenAndServe(gctx); err != nil {
			log.Error("SMTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("addr", cfg.HTTP.Listen))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-gctx.Done()
		// Closing the broker ends the open event streams, which would
		// otherwise keep Shutdown waiting.
		events.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("HTTP server shutdown", zap.Error(err))
		}
		return nil
	})

	group.Go(func() error {
		return events.RunPinger(gctx, cfg.Events.PingInterval)
	})

	err := group.Wait()
	log.Info("mailcatcher stopped", zap.Int("messages", mails.Len()))
	return err
}
