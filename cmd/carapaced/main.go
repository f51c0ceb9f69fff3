// Command carapaced is the gateway's holder-side daemon: it loads
// configuration, builds the policy engine and channel adapters, and
// serves the IPC endpoint until a shutdown signal arrives. Structured
// the way the teacher's cmd/odin-ws/main.go wires config, logging,
// metrics, and transport before starting its accept loop.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"

	"github.com/carapace-gateway/carapace/internal/adapter"
	"github.com/carapace-gateway/carapace/internal/adapter/discord"
	"github.com/carapace-gateway/carapace/internal/adapter/gmail"
	"github.com/carapace-gateway/carapace/internal/adapter/subprocess"
	"github.com/carapace-gateway/carapace/internal/audit"
	"github.com/carapace-gateway/carapace/internal/config"
	"github.com/carapace-gateway/carapace/internal/connection"
	"github.com/carapace-gateway/carapace/internal/diagnostics"
	"github.com/carapace-gateway/carapace/internal/listener"
	"github.com/carapace-gateway/carapace/internal/logging"
	"github.com/carapace-gateway/carapace/internal/metrics"
	"github.com/carapace-gateway/carapace/internal/policy"
	"github.com/carapace-gateway/carapace/internal/router"
	"github.com/carapace-gateway/carapace/internal/subscription"
)

// exit codes per spec.md §6.
const (
	exitOK           = 0
	exitAdapterError = 1
	exitConfigError  = 2
	exitBindError    = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := os.Getenv("CARAPACE_CONFIG")

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "carapaced: config: %v\n", err)
		return exitConfigError
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "carapaced: config: %v\n", err)
		return exitConfigError
	}

	logger, err := logging.New(cfg.Endpoint.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "carapaced: logging: %v\n", err)
		return exitConfigError
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("carapaced starting",
		zap.String("socket", cfg.Endpoint.Path),
		zap.Int("host_cpus", diagnostics.HostCPUCount()))

	reg := metrics.NewRegistry()

	engine, err := policy.NewEngine(cfg)
	if err != nil {
		logger.Error("policy engine init failed", zap.Error(err))
		return exitConfigError
	}

	journal, err := audit.Open(cfg.Security.AuditPath, cfg.Security.AuditEnabled)
	if err != nil {
		logger.Error("audit journal open failed", zap.Error(err))
		return exitConfigError
	}
	defer journal.Close()

	deadLetters, err := audit.NewDeadLetterStore(cfg.Security.DeadLetterDir)
	if err != nil {
		logger.Error("dead letter store init failed", zap.Error(err))
		return exitConfigError
	}

	adapters, err := buildAdapters(cfg, logger)
	if err != nil {
		logger.Error("adapter construction failed", zap.Error(err))
		return exitAdapterError
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for id, a := range adapters {
		if sp, ok := a.(*subprocess.Adapter); ok {
			if err := sp.Start(ctx); err != nil {
				logger.Error("adapter start failed", zap.String("channel", id), zap.Error(err))
				return exitAdapterError
			}
			defer sp.Stop()
		}
	}

	loadConfig := func() (config.File, error) { return config.Load(configPath) }
	rtr := router.New(adapters, engine, journal, deadLetters, reg, logger, loadConfig, cfg)
	subs := subscription.New(adapters, engine, journal, deadLetters, reg, logger, cfg.Advanced.WatchBufferSize)

	handler := &connection.Handler{
		Router:         rtr,
		Subscriptions:  subs,
		Logger:         logger,
		RequestTimeout: cfg.Endpoint.RequestTimeout,
	}

	ln := listener.New(listener.Config{
		Path:           cfg.Endpoint.Path,
		GroupName:      cfg.Endpoint.GroupName,
		MaxConnections: cfg.Advanced.MaxConnections,
	}, handler, logger, reg)

	if err := ln.Start(ctx); err != nil {
		logger.Error("listener start failed", zap.Error(err))
		return exitBindError
	}

	stopSweep := startSweeper(ctx, engine)
	defer stopSweep()

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = startMetricsServer(ctx, cfg.Metrics.ListenAddr, reg, logger)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	ln.Stop()
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	logger.Info("carapaced stopped")
	return exitOK
}

func buildAdapters(cfg config.File, logger *zap.Logger) (map[string]adapter.Adapter, error) {
	adapters := make(map[string]adapter.Adapter)

	for id, ch := range cfg.Channels {
		if !ch.Enabled {
			continue
		}
		switch id {
		case "imsg", "signal":
			adapters[id] = subprocess.New(subprocess.Config{
				ChannelID: id,
				Binary:    ch.Binary,
				Args:      nil,
			}, logger)
		case "discord":
			token, err := readTokenFile(ch.TokenFile)
			if err != nil {
				return nil, fmt.Errorf("discord: %w", err)
			}
			adapters[id] = discord.New(discord.Config{BotToken: token}, logger)
		case "gmail":
			adapters[id] = gmail.New(gmail.Config{TokenFile: ch.TokenFile, Account: ch.Account}, logger)
		default:
			logger.Warn("carapaced: unknown channel id, skipping", zap.String("channel", id))
		}
	}

	return adapters, nil
}

func readTokenFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file %s: %w", path, err)
	}
	return string(data), nil
}

// startSweeper runs the rate limiter's background timestamp trim
// (spec.md §4.4) on a fixed interval for the life of ctx.
func startSweeper(ctx context.Context, engine *policy.Engine) func() {
	ticker := time.NewTicker(time.Minute)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ticker.C:
				engine.SweepRates()
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		<-done
	}
}

func startMetricsServer(ctx context.Context, addr string, reg *metrics.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		logger.Info("metrics http server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics http server error", zap.Error(err))
		}
	}()

	return srv
}
