package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agora/gateway/auth"
	gwcfg "agora/gateway/config"
	"agora/observability/logging"
	"agora/observability/otel"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to gateway config file (YAML)")
	flag.Parse()

	cfg, err := gwcfg.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup("market-gateway", cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel := func(context.Context) error { return nil }
	if cfg.Observability.Enabled {
		shutdownOtel, err = otel.Init(ctx, otel.Config{
			ServiceName: cfg.Observability.ServiceName,
			Environment: cfg.Environment,
			Endpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			Insecure:    os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
			Headers:     otel.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
			Metrics:     true,
			Traces:      true,
		})
		if err != nil {
			logger.Error("otel init failed", "err", err)
			os.Exit(1)
		}
	}

	store, err := NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		logger.Error("open sqlite store", "path", cfg.DatabasePath, "err", err)
		os.Exit(1)
	}
	defer store.Close()

	authenticator := auth.NewAuthenticator(
		cfg.Secrets(),
		cfg.Signing.TimestampSkew,
		cfg.Signing.NonceTTL,
		cfg.Signing.NonceCapacity,
		nil,
		store,
	)
	if err := authenticator.HydrateNonces(ctx, time.Now().Add(-cfg.Signing.NonceTTL)); err != nil {
		logger.Warn("nonce hydration failed", "err", err)
	}

	nodeURL, err := cfg.NodeURL()
	if err != nil {
		logger.Error("invalid node url", "err", err)
		os.Exit(1)
	}
	nodeURL, upgraded, err := gwcfg.EnforceSecureScheme(cfg.Environment, nodeURL, cfg.Security.AutoUpgradeHTTP)
	if err != nil {
		logger.Error("node url rejected", "err", err)
		os.Exit(1)
	}
	if upgraded {
		logger.Warn("node url upgraded to https", "url", nodeURL.String())
	}
	node := NewRPCNodeClient(nodeURL.String(), cfg.Node.AuthToken, cfg.Node.Timeout)

	queue := NewWebhookQueue(
		WithWebhookTaskCapacity(cfg.Webhooks.QueueCapacity),
		WithWebhookHistoryCapacity(cfg.Webhooks.HistoryCapacity),
		WithWebhookTTL(cfg.Webhooks.TTL),
	)
	worker := NewWebhookWorker(store, queue)
	go worker.Run(ctx)

	watcher := NewEventWatcher(node, store, queue, logger)
	if cfg.Watcher.PollInterval > 0 {
		watcher.SetPollInterval(cfg.Watcher.PollInterval)
	}
	if cfg.Watcher.BatchSize > 0 {
		watcher.SetBatchSize(cfg.Watcher.BatchSize)
	}
	go watcher.Run(ctx)

	server := NewServer(cfg, authenticator, node, store, queue, logger)
	srv := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      server,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("market gateway listening", "addr", cfg.ListenAddress, "env", cfg.Environment)
		if cfg.Security.TLSCertFile != "" && cfg.Security.TLSKeyFile != "" {
			errCh <- srv.ListenAndServeTLS(cfg.Security.TLSCertFile, cfg.Security.TLSKeyFile)
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "err", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
	if err := shutdownOtel(shutdownCtx); err != nil {
		logger.Warn("otel shutdown failed", "err", err)
	}
}
