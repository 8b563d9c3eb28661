package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/comfortablynumb/pmp-imposter/internal/config"
	"github.com/comfortablynumb/pmp-imposter/internal/imposter"
	"github.com/comfortablynumb/pmp-imposter/internal/inject"
	"github.com/comfortablynumb/pmp-imposter/internal/loader"
	"github.com/comfortablynumb/pmp-imposter/internal/observability"
	"github.com/comfortablynumb/pmp-imposter/internal/proxy"
	"github.com/comfortablynumb/pmp-imposter/internal/repository"
	"github.com/comfortablynumb/pmp-imposter/internal/repository/filesystem"
	"github.com/comfortablynumb/pmp-imposter/internal/watcher"
)

const shutdownTimeout = 10 * time.Second

func newStartCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start imposters and serve them until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.watch, "watch", false, "Reload imposters when the config file changes")
	flags.IntVar(&opts.metricsPort, "metrics-port", 9090, "Port for metrics and health endpoints (0 disables)")
	flags.StringVar(&opts.otlpEndpoint, "otlp-endpoint", "", "OTLP gRPC endpoint for traces")
	flags.DurationVar(&opts.proxyTimeout, "proxy-timeout", 30*time.Second, "Timeout of proxied requests")
	flags.BoolVar(&opts.preserveHost, "proxy-preserve-host", false, "Preserve the original Host header when proxying")
	return cmd
}

// run serves imposters until ctx is done
func run(ctx context.Context, cfg *config.Config) error {
	if err := observability.InitLogger(cfg.LogLevel, cfg.Development); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer observability.Sync()
	logger := observability.Named("imposterd")
	observability.SetVersion(Version)

	if cfg.OTLPEndpoint != "" {
		shutdown, err := observability.InitTracing("imposterd", cfg.OTLPEndpoint)
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("Failed to flush traces", zap.Error(err))
			}
		}()
	}

	manager := newManager(cfg, logger)
	if err := manager.Load(ctx); err != nil {
		return fmt.Errorf("failed to load stored imposters: %w", err)
	}
	logger.Info("Imposter daemon started",
		zap.String("datadir", cfg.DataDir),
		zap.Bool("allowInjection", cfg.AllowInjection),
		zap.Strings("protocols", manager.Protocols()),
		zap.Int("imposters", manager.Count()),
	)

	if cfg.ConfigFile != "" {
		w, err := loadConfigFile(ctx, cfg, manager)
		if err != nil {
			return err
		}
		if w != nil {
			defer w.Close() //nolint:errcheck // cleanup operation
		}
	}

	if cfg.MetricsPort > 0 {
		metricsServer := startMetricsServer(cfg, manager, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	observability.SetReady(true)
	<-ctx.Done()
	observability.SetReady(false)
	logger.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return manager.StopAll(shutdownCtx)
}

// newManager wires the repository, injector and proxy selected by cfg
func newManager(cfg *config.Config, logger *zap.Logger) *imposter.Manager {
	var repo repository.ImposterRepository = repository.NewMemory()
	if cfg.DataDir != "" {
		repo = filesystem.New(cfg.DataDir,
			filesystem.WithLogger(logger),
			filesystem.WithLockOptions(cfg.LockOptions()),
		)
	}

	injector := inject.New(cfg.AllowInjection,
		inject.WithTimeout(cfg.InjectionTimeout),
		inject.WithLogger(logger),
	)
	proxyClient := proxy.NewClient(proxy.Config{
		PreserveHost: cfg.Proxy.PreserveHost,
		Timeout:      cfg.Proxy.Timeout,
	}, logger)

	return imposter.NewManager(repo, protocols(),
		imposter.WithInjector(injector),
		imposter.WithProxy(proxyClient),
		imposter.WithLogger(logger),
	)
}

// loadConfigFile replaces the running imposters with the config file's and
// starts a watcher when requested
func loadConfigFile(ctx context.Context, cfg *config.Config, manager *imposter.Manager) (*watcher.Watcher, error) {
	var loaderOpts []loader.Option
	if cfg.NoParse {
		loaderOpts = append(loaderOpts, loader.WithoutTemplates())
	}
	l := loader.NewLoader(cfg.ConfigFile, nil, loaderOpts...)

	reloadFn := func() error {
		imposters, err := l.Load()
		if err != nil {
			return err
		}
		return manager.Replace(ctx, imposters)
	}

	if err := reloadFn(); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}
	if !cfg.Watch {
		return nil, nil
	}

	w, err := watcher.NewWatcher(l.Path(), reloadFn)
	if err != nil {
		return nil, err
	}
	if err := w.Start(); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

// startMetricsServer serves prometheus metrics and health endpoints
func startMetricsServer(cfg *config.Config, manager *imposter.Manager, logger *zap.Logger) *http.Server {
	observability.RegisterDefaultHealthChecks(manager.Count)
	if cfg.DataDir != "" {
		observability.RegisterDataDirCheck(cfg.DataDir)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/health", observability.HealthHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler())
	mux.HandleFunc("/live", observability.LivenessHandler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Metrics server listening", zap.Int("port", cfg.MetricsPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()
	return srv
}
