package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/BigOD2307/africa-strategy-platform/internal/backend"
	"github.com/BigOD2307/africa-strategy-platform/internal/config"
	"github.com/BigOD2307/africa-strategy-platform/internal/engine"
	"github.com/BigOD2307/africa-strategy-platform/internal/httpapi"
	"github.com/BigOD2307/africa-strategy-platform/internal/report"
	"github.com/BigOD2307/africa-strategy-platform/internal/schema"
	"github.com/BigOD2307/africa-strategy-platform/internal/telemetry"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the session API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

// app holds what serve and watch share.
type app struct {
	logger  *slog.Logger
	metrics *telemetry.Metrics
	schema  *schema.Schema
	client  *backend.Client
	opts    engine.Options
	cfg     engine.Config
	closers []func() error
}

func setup(ctx context.Context, cfg config.Config) (*app, error) {
	rt := &app{logger: cfg.Logger(os.Stderr), metrics: telemetry.NewMetrics()}
	slog.SetDefault(rt.logger)

	shutdownTracing, err := telemetry.InitTracing(ctx, telemetry.TracingConfig{
		ServiceName:  cfg.Telemetry.ServiceName,
		Version:      version,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Insecure:     cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	rt.closers = append(rt.closers, func() error { return shutdownTracing(context.Background()) })

	rt.schema = schema.Default()
	if cfg.SchemaPath != "" {
		if rt.schema, err = schema.Load(cfg.SchemaPath); err != nil {
			rt.close()
			return nil, err
		}
	}
	backendStore, closeStore, err := cfg.OpenStore()
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.closers = append(rt.closers, closeStore)

	rt.client = backend.NewClient(backend.Config{
		BaseURL:    cfg.Backend.URL,
		SubmitPath: cfg.Backend.SubmitPath,
		StatusPath: cfg.Backend.StatusPath,
		Timeout:    cfg.Backend.Timeout,
	})
	rt.cfg = engine.Config{
		PollInterval: cfg.Poll.Interval,
		MaxDuration:  cfg.Poll.MaxDuration,
		MaxBackoff:   cfg.Poll.MaxBackoff,
	}
	rt.opts = engine.Options{
		Schema:  rt.schema,
		Backend: backendStore,
		Logger:  rt.logger,
		Metrics: rt.metrics,
		Tracer:  otel.Tracer("strategy-engine"),
	}
	return rt, nil
}

func (rt *app) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.logger.Warn("shutdown step failed", "err", err)
		}
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	rt, err := setup(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	sessions := engine.NewRegistry(rt.client, rt.cfg, rt.opts)
	defer sessions.Close()

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: httpapi.NewServer(sessions, httpapi.Options{
			Logger:  rt.logger,
			Metrics: rt.metrics.Handler(),
			PDF: report.NewChromiumPDFRenderer(report.PDFOptions{
				ChromePath: cfg.ChromePath,
				Timeout:    cfg.PDF.Timeout,
				Title:      cfg.PDF.Title,
			}),
		}),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.logger.Info("strategy engine listening", "addr", cfg.HTTP.Addr, "backend", cfg.Backend.URL, "store", cfg.Store.Kind)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		rt.logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
