package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	avista "github.com/glimte/avista-control"
	"github.com/glimte/avista-control/config"
	"github.com/glimte/avista-control/health"
	"github.com/glimte/avista-control/internal/rabbitmq"
	"github.com/glimte/avista-control/messaging"
	"github.com/glimte/avista-control/poller"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 10 * time.Second
	maxPending      = 100
)

func newRunCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Poll the portal and dispatch tasks to workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(flags)
			if err != nil {
				return err
			}
			loader := config.NewLoader(flags.configPath)
			cfg, err := loader.Load()
			if err != nil {
				return err
			}
			if err := cfg.ValidatePortal(); err != nil {
				return err
			}
			return runController(cmd.Context(), loader, cfg, logger)
		},
	}
}

func newWorkerCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume tasks and reply with a success response",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(flags)
			if err != nil {
				return err
			}
			cfg, err := config.NewLoader(flags.configPath).Load()
			if err != nil {
				return err
			}
			return runWorker(cmd.Context(), cfg, logger)
		},
	}
}

// brokerOptions maps the broker configuration onto component options
func brokerOptions(cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer) []avista.Option {
	return []avista.Option{
		avista.WithLogger(logger),
		avista.WithDescriptor(cfg.Broker.Descriptor()),
		avista.WithMetrics(reg),
		avista.WithCallTimeout(cfg.Broker.CallTimeout),
		avista.WithHandlerTimeout(cfg.Broker.HandlerTimeout),
		avista.WithLifecycleOptions(
			rabbitmq.WithReconnectDelay(cfg.Broker.ReconnectDelay),
			rabbitmq.WithDialTimeout(cfg.Broker.DialTimeout),
		),
	}
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// serveDiagnostics runs /metrics and /healthz until ctx ends
func serveDiagnostics(ctx context.Context, g *errgroup.Group, addr string, reg *prometheus.Registry, checks *health.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/healthz", health.NewHandler(checks, 5*time.Second))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		logger.Info("serving diagnostics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("diagnostics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runController(parent context.Context, loader *config.Loader, cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signalContext(parent)
	defer stop()

	interval, err := cfg.Service.Interval()
	if err != nil {
		return err
	}
	since, err := cfg.State.WatermarkTime()
	if err != nil {
		return err
	}

	reg := newRegistry()
	controller, err := avista.NewController(cfg.Broker.URL, brokerOptions(cfg, logger, reg)...)
	if err != nil {
		return err
	}

	watermark := poller.NewWatermark(since)
	var saveMu sync.Mutex
	persist := func(t time.Time) error {
		saveMu.Lock()
		defer saveMu.Unlock()
		cfg.State.SetWatermark(t)
		return loader.SaveState(cfg.State)
	}

	baseURL := cfg.Service.BaseURL()
	breaker := poller.NewBreaker(poller.WithCoolDown(interval), poller.WithBreakerLogger(logger))
	runner := avista.NewRunner(controller,
		poller.NewHTTPSource(baseURL, poller.WithLogger(logger), poller.WithWatermark(watermark), poller.WithBreaker(breaker)),
		poller.NewHTTPSink(baseURL, poller.WithLogger(logger), poller.WithBreaker(breaker)),
		avista.WithRunnerLogger(logger),
		avista.WithRunnerMetrics(reg),
		avista.WithInterval(interval),
		avista.WithTaskTimeout(cfg.Broker.CallTimeout),
		avista.WithWatermark(watermark, persist),
	)

	checks := health.NewRegistry()
	checks.Register(health.NewLifecycleChecker("caller", controller.Manager()))
	checks.Register(health.NewConfirmChecker(controller.Manager().Tracker(), maxPending))
	checks.Register(health.NewCallChecker(controller.Client(), maxPending))
	checks.Register(health.NewPortalChecker(breaker))
	checks.Register(health.NewRuntimeChecker(1000, 10000))

	if err := controller.Start(ctx); err != nil {
		return err
	}
	logger.Info("controller started",
		"portal", baseURL,
		"broker", rabbitmq.SanitizeURL(cfg.Broker.URL),
		"interval", interval)

	g, gctx := errgroup.WithContext(ctx)
	serveDiagnostics(gctx, g, cfg.HTTP.Addr, reg, checks, logger)
	g.Go(func() error {
		if err := controller.WaitReady(gctx); err != nil {
			return nil
		}
		return runner.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down controller")
		return controller.Close()
	})

	return g.Wait()
}

func runWorker(parent context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signalContext(parent)
	defer stop()

	reg := newRegistry()
	worker, err := avista.NewWorker(cfg.Broker.URL, messaging.EchoSuccessHandler, brokerOptions(cfg, logger, reg)...)
	if err != nil {
		return err
	}

	checks := health.NewRegistry()
	checks.Register(health.NewLifecycleChecker("worker", worker.Manager()))
	checks.Register(health.NewConfirmChecker(worker.Manager().Tracker(), maxPending))
	checks.Register(health.NewRuntimeChecker(1000, 10000))

	if err := worker.Start(ctx); err != nil {
		return err
	}
	logger.Info("worker started", "broker", rabbitmq.SanitizeURL(cfg.Broker.URL))

	g, gctx := errgroup.WithContext(ctx)
	serveDiagnostics(gctx, g, cfg.HTTP.Addr, reg, checks, logger)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down worker")
		return worker.Close()
	})

	return g.Wait()
}
