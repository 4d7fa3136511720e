// Command aarbus runs the AAR event bus with its HTTP monitor.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/coachpo/aarbus/internal/domain/schema"
	"github.com/coachpo/aarbus/internal/infra/bus/eventbus"
	"github.com/coachpo/aarbus/internal/infra/config"
	"github.com/coachpo/aarbus/internal/infra/logging"
	httpserver "github.com/coachpo/aarbus/internal/infra/server/http"
	"github.com/coachpo/aarbus/internal/infra/telemetry"
)

const (
	defaultConfigPath            = "config/app.yaml"
	appSource                    = "aarbus"
	shutdownTimeout              = 30 * time.Second
	monitorServerShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout     = 10 * time.Second
	telemetryShutdownTimeout     = 5 * time.Second
	monitorReadHeaderTimeout     = 5 * time.Second
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "aarbus: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	appCfg, err := config.LoadOrDefault(ctx, resolveConfigPath(cfgPathFlag))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(logging.Options{
		Level:       appCfg.Logging.Level,
		Format:      string(appCfg.Logging.Format),
		Environment: string(appCfg.Environment),
	})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("configuration initialised",
		zap.String("environment", string(appCfg.Environment)),
		zap.Int("filters", len(appCfg.Filters)))

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}

	bus, err := newEventBus(appCfg.Eventbus, logger, telemetryProvider)
	if err != nil {
		return fmt.Errorf("initialise event bus: %w", err)
	}
	if err := installHooks(bus, appCfg, logger); err != nil {
		return fmt.Errorf("install event hooks: %w", err)
	}
	bus.Start()
	publishLifecycle(ctx, bus, logger, func() (*schema.Event, error) {
		return schema.NewApplicationStarted(version, schema.WithSource(appSource))
	})

	var lifecycle conc.WaitGroup
	var monitor *http.Server
	if appCfg.Monitor.Enabled {
		monitor = buildMonitorServer(appCfg.Monitor, appCfg.Environment, bus, logger)
		startMonitorServer(&lifecycle, logger, monitor)
		logger.Info("monitor listening", zap.String("addr", monitor.Addr))
	}

	logger.Info("aarbus started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:      monitor,
		mainCancel:  cancel,
		lifecycle:   &lifecycle,
		bus:         bus,
		stopTimeout: appCfg.Eventbus.StopTimeout,
		telemetry:   telemetryProvider,
	})
	logger.Info("shutdown completed", zap.Duration("elapsed", time.Since(shutdownStart)))
	return nil
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func initTelemetry(ctx context.Context, logger *zap.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	if cfg.MetricInterval > 0 {
		telemetryCfg.MetricInterval = cfg.MetricInterval
	}
	telemetryCfg.ServiceVersion = version
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.Enabled = cfg.EnableMetrics && telemetryCfg.OTLPEndpoint != ""

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled {
		logger.Info("telemetry initialized",
			zap.String("endpoint", telemetryCfg.OTLPEndpoint),
			zap.String("service", telemetryCfg.ServiceName))
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

func newEventBus(cfg config.EventbusConfig, logger *zap.Logger, provider *telemetry.Provider) (*eventbus.EventBus, error) {
	busCfg := cfg.BusConfig()
	busCfg.Logger = logger.Named("eventbus")
	busCfg.Meter = provider.Meter("eventbus")
	return eventbus.NewEventBus(busCfg)
}

// installHooks registers the correlation and event logging interceptors and the configured
// script filters.
func installHooks(bus *eventbus.EventBus, cfg config.AppConfig, logger *zap.Logger) error {
	if cfg.Eventbus.Correlation {
		bus.AddInterceptor(eventbus.CorrelationInterceptor())
	}
	if cfg.Eventbus.LogEvents {
		bus.AddInterceptor(eventbus.LoggingInterceptor(logger.Named("events")))
	}
	filterLogger := logger.Named("filter")
	for _, typ := range cfg.FilterTypes() {
		for _, expr := range cfg.Filters[typ] {
			filter, err := eventbus.NewScriptFilter(expr, filterLogger)
			if err != nil {
				return fmt.Errorf("filter for %s: %w", typ, err)
			}
			bus.AddFilter(typ, filter)
		}
		logger.Debug("filters installed", zap.String("event_type", string(typ)), zap.Int("count", len(cfg.Filters[typ])))
	}
	return nil
}

func publishLifecycle(ctx context.Context, bus eventbus.Bus, logger *zap.Logger, build func() (*schema.Event, error)) {
	evt, err := build()
	if err != nil {
		logger.Warn("build lifecycle event", zap.Error(err))
		return
	}
	bus.Publish(ctx, evt)
}

func buildMonitorServer(cfg config.MonitorConfig, env config.Environment, bus httpserver.EventSource, logger *zap.Logger) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpserver.NewHandler(env, bus, cfg.AllowedOrigins, logger.Named("monitor")),
		ReadHeaderTimeout: monitorReadHeaderTimeout,
	}
}

func startMonitorServer(lifecycle *conc.WaitGroup, logger *zap.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("monitor server", zap.Error(err))
		}
	})
}

type gracefulShutdownConfig struct {
	server      *http.Server
	mainCancel  context.CancelFunc
	lifecycle   *conc.WaitGroup
	bus         *eventbus.EventBus
	stopTimeout time.Duration
	telemetry   *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *zap.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("shutdown: " + name)
		if err := fn(stepCtx); err != nil {
			logger.Warn("shutdown step failed", zap.String("step", name), zap.Error(err))
		} else {
			logger.Info("shutdown step completed", zap.String("step", name))
		}
	}

	if cfg.bus != nil && cfg.bus.Running() {
		publishLifecycle(ctx, cfg.bus, logger, func() (*schema.Event, error) {
			return schema.NewApplicationShutdown("signal", schema.WithSource(appSource))
		})
	}

	if cfg.server != nil {
		shutdownStep("stopping monitor server", monitorServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.bus != nil {
		shutdownStep("stopping event bus", cfg.stopTimeout+time.Second, func(context.Context) error {
			cfg.bus.Stop(cfg.stopTimeout)
			if timeouts := cfg.bus.Stats().ShutdownTimeouts; timeouts > 0 {
				return fmt.Errorf("consumer did not stop within %s", cfg.stopTimeout)
			}
			return nil
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
