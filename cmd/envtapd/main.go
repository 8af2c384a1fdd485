// Command envtapd is the envtap HTTP control plane. It loads a YAML
// configuration file, opens the configured audit backend, starts the
// JWT-authenticated REST API, and shuts down gracefully on SIGTERM or
// SIGINT.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tripwire/envtap/internal/audit"
	"github.com/tripwire/envtap/internal/config"
	"github.com/tripwire/envtap/internal/httpapi"
	"github.com/tripwire/envtap/internal/inject"
)

func main() {
	configPath := flag.String("config", "/etc/envtap/envtapd.yaml", "path to the envtapd YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		// No logger yet; this failure precedes log-level configuration.
		os.Stderr.WriteString("envtapd: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("listen_addr", cfg.ListenAddr),
		slog.String("audit_backend", cfg.Audit.Backend),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openAuditStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open audit backend", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	pem, err := os.ReadFile(cfg.JWTPublicKeyPath)
	if err != nil {
		logger.Error("failed to read JWT public key", slog.Any("error", err))
		os.Exit(1)
	}
	pubKey, err := jwt.ParseRSAPublicKeyFromPEM(pem)
	if err != nil {
		logger.Error("failed to parse JWT public key", slog.Any("error", err))
		os.Exit(1)
	}

	opts := inject.Options{
		LibrarySubstring: cfg.LibrarySubstring,
		TraceScopePath:   cfg.TraceScopePath,
		Recorder:         store,
		Logger:           logger,
	}

	srv := httpapi.NewServer(inject.Peek, opts)
	handler := httpapi.NewRouter(srv, pubKey)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP control plane listening", slog.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
			return
		}
		close(httpErrCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("HTTP server error", slog.Any("error", err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", slog.Any("error", err))
	}

	logger.Info("envtapd exited cleanly")
}

// openAuditStore constructs the configured audit.Store backend.
func openAuditStore(ctx context.Context, cfg *config.Config) (audit.Store, error) {
	switch cfg.Audit.Backend {
	case config.BackendPostgres:
		return audit.OpenPostgres(ctx, cfg.Audit.PostgresDSN, audit.DefaultBatchSize, audit.DefaultFlushInterval)
	default:
		return audit.OpenSQLite(cfg.Audit.SQLitePath)
	}
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
