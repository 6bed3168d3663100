// Package server provides the application composition root: it builds every
// long-lived dependency from config and owns their startup and shutdown order.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/commons-photos/internal/api"
	"github.com/JakeFAU/commons-photos/internal/clock/system"
	"github.com/JakeFAU/commons-photos/internal/config"
	"github.com/JakeFAU/commons-photos/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/commons-photos/internal/fetcher/colly"
	"github.com/JakeFAU/commons-photos/internal/hash/md5"
	"github.com/JakeFAU/commons-photos/internal/id/uuid"
	"github.com/JakeFAU/commons-photos/internal/metrics"
	"github.com/JakeFAU/commons-photos/internal/policy/ratelimit"
	"github.com/JakeFAU/commons-photos/internal/progress"
	progresssinks "github.com/JakeFAU/commons-photos/internal/progress/sinks"
	storagemem "github.com/JakeFAU/commons-photos/internal/storage/memory"
	"github.com/JakeFAU/commons-photos/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	apiServer *api.Server

	dispatch     *dispatcher.Dispatcher
	stopDispatch context.CancelFunc
	dispatchDone chan struct{}

	progressHub    *progress.Hub
	history        *progresssinks.HistorySink
	tracerShutdown func(context.Context) error
}

// Build creates the application's dependencies and starts the geosearch
// worker pool. The HTTP listener is started by Run.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	metrics.Init()

	if err := app.setupTracing(ctx); err != nil {
		return nil, err
	}

	app.logger.Info("building application dependencies")
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.RateLimit.RequestsPerSecond,
		DefaultBurst: cfg.RateLimit.Burst,
	})
	fetcher := collyfetcher.New(collyfetcher.Config{
		APIURL:    cfg.Commons.APIURL,
		UserAgent: cfg.HTTP.UserAgent,
		Timeout:   cfg.FetchTimeout(),
	}, limiter, logger.Named("geosearch"))

	app.setupDispatcher(fetcher)
	app.setupProgress(ctx)

	app.apiServer = api.NewServer(api.Deps{
		Store:    storagemem.NewOverlayStore(cfg.Server.MaxOverlays),
		Searcher: app.dispatch,
		Hasher:   md5.New(),
		IDs:      uuid.New(),
		Clock:    system.New(),
		Events:   app.progressHub,
		History:  app.history,
		Logger:   logger.Named("api"),
	}, *cfg)

	return app, nil
}

// Handler exposes the API handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves HTTP until ctx is canceled, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			errCh <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.Close(shutdownCtx)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close detaches every overlay, stops the worker pool, then flushes events
// and traces. It is safe to call more than once.
func (a *App) Close(ctx context.Context) {
	a.apiServer.Close(ctx)

	a.stopDispatch()
	select {
	case <-a.dispatchDone:
	case <-ctx.Done():
		a.logger.Warn("dispatcher did not stop before shutdown deadline")
	}

	if err := a.progressHub.Close(ctx); err != nil {
		a.logger.Warn("progress hub close failed", zap.Error(err))
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracerShutdown = nil
	}
	a.logger.Info("shutdown complete")
}

func (a *App) setupTracing(ctx context.Context) error {
	tcfg := a.cfg.Telemetry
	if !tcfg.TracingEnabled {
		return nil
	}
	var exporters []sdktrace.SpanExporter
	if tcfg.OTLPEndpoint != "" {
		exp, err := telemetry.NewOTLPExporter(ctx, telemetry.ExporterConfig{
			Endpoint: tcfg.OTLPEndpoint,
			Insecure: tcfg.OTLPInsecure,
		})
		if err != nil {
			return fmt.Errorf("tracer init failed: %w", err)
		}
		exporters = append(exporters, exp)
	}
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: tcfg.ServiceName,
		SampleRatio: tcfg.SampleRatio,
	}, exporters...)
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerShutdown = tp.Shutdown
	a.logger.Info("tracing enabled",
		zap.String("service", tcfg.ServiceName),
		zap.Float64("sample_ratio", tcfg.SampleRatio),
		zap.String("otlp_endpoint", tcfg.OTLPEndpoint),
	)
	return nil
}

// setupDispatcher starts the pool on its own context: overlay queries must
// see their own cancellation before the workers stop.
func (a *App) setupDispatcher(backend *collyfetcher.Fetcher) {
	a.dispatch = dispatcher.New(backend, dispatcher.Config{
		Workers:    a.cfg.Dispatcher.Workers,
		QueueDepth: a.cfg.Dispatcher.QueueDepth,
	}, a.logger.Named("dispatcher"))

	ctx, cancel := context.WithCancel(context.Background())
	a.stopDispatch = cancel
	a.dispatchDone = make(chan struct{})
	go func() {
		defer close(a.dispatchDone)
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Dispatcher.Workers))
		a.dispatch.Run(ctx)
	}()
}

func (a *App) setupProgress(ctx context.Context) {
	ecfg := a.cfg.Events
	a.history = progresssinks.NewHistorySink(ecfg.HistoryDepth)
	sinkList := []progress.Sink{a.history}
	if ecfg.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	if ecfg.PrometheusEnabled {
		promSink, err := progresssinks.NewPrometheusSink(nil)
		if err != nil {
			// Already registered by an earlier App in this process.
			a.logger.Warn("prometheus progress sink disabled", zap.Error(err))
		} else {
			sinkList = append(sinkList, promSink)
		}
	}
	hubCfg := progress.Config{
		BufferSize:     ecfg.BufferSize,
		MaxBatchEvents: ecfg.MaxBatchEvents,
		MaxBatchWait:   a.cfg.EventBatchWait(),
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("history_depth", ecfg.HistoryDepth),
	)
}
