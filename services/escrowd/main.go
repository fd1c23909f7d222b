// Package escrowd runs the escrow orchestration service: it loads the chain
// configuration, keeps watchers following every escrow deployment, and serves
// health, metrics, and watcher progress over HTTP.
package escrowd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"escrowcore/config"
	"escrowcore/observability/logging"
	telemetry "escrowcore/observability/otel"
)

// Main runs the daemon using the command line flags.
func Main(passphrase PassphraseFunc) error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "escrow.yaml", "path to escrowd config (.yaml or .toml)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, logCloser := logging.Setup(logging.Options{
		Service:    cfg.Service,
		Env:        cfg.Environment,
		Level:      os.Getenv("ESCROW_LOG_LEVEL"),
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer logCloser.Close()

	headers := cfg.Telemetry.Headers
	if raw := os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"); raw != "" {
		headers = telemetry.ParseHeaders(raw)
	}
	endpoint := cfg.Telemetry.Endpoint
	if env := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); env != "" {
		endpoint = env
	}
	chainNames := make([]string, 0, len(cfg.Chains))
	for _, c := range cfg.Chains {
		chainNames = append(chainNames, c.Name)
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: cfg.Service,
		Environment: cfg.Environment,
		Endpoint:    endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     headers,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		Attributes:  map[string]string{"escrow.chains": strings.Join(chainNames, ",")},
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := Build(ctx, cfg, BuildOptions{Logger: logger, Passphrase: passphrase, Watchers: true})
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn("close runtime", "error", err)
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           otelhttp.NewHandler(NewServer(rt, logger).Handler(), "escrowd"),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("escrowd listening", "addr", cfg.Listen, "watchers", len(rt.Watchers))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	})
	for _, w := range rt.Watchers {
		g.Go(func() error { return w.Run(gctx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("escrowd stopped")
	return nil
}
