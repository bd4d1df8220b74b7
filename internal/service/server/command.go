package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/oshokin/build-archive/internal/api/grpc/health"
	api "github.com/oshokin/build-archive/internal/api/http/archive"
	"github.com/oshokin/build-archive/internal/config"
	domain "github.com/oshokin/build-archive/internal/domain/archive"
	"github.com/oshokin/build-archive/internal/logger"
	"github.com/oshokin/build-archive/internal/metrics"
	"github.com/oshokin/build-archive/internal/repository/instance"
	"github.com/oshokin/build-archive/internal/repository/mirror"
	"github.com/oshokin/build-archive/internal/service/archiver"
	"github.com/oshokin/build-archive/internal/service/fetcher"
	"github.com/oshokin/build-archive/internal/service/integrity"
	"github.com/oshokin/build-archive/internal/service/packager"
	"github.com/oshokin/build-archive/internal/service/resolver"
)

const (
	// shutdownTimeout bounds the graceful shutdown of listeners and generations.
	shutdownTimeout = 30 * time.Second
	// readHeaderTimeout protects the HTTP listener from slow clients.
	readHeaderTimeout = 10 * time.Second
)

// Options controls the archive-server process and configuration.
type Options struct {
	// ConfigPath specifies the path to settings YAML file.
	ConfigPath string
	// ListenAddress provides an optional listen address override for the HTTP server.
	ListenAddress string
	// StorageDir overrides the storage root from the settings.
	StorageDir string
}

// Run starts the archive server and blocks until ctx is canceled or a listener fails.
func Run(ctx context.Context, opts *Options) error {
	// Load configuration first, command line flags win over the file.
	settings, err := loadSettings(opts)
	if err != nil {
		return err
	}

	setupLogging(settings)

	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "archive-server")

	// Only one server may own a storage root.
	guard, err := instance.Acquire(ctx, settings.StorageDir)
	if err != nil {
		return err
	}

	defer func() {
		if err := guard.Release(); err != nil {
			logger.WarnKV(ctx, "Failed to release instance marker", "error", err)
		}
	}()

	// Setup metrics registry with runtime collectors.
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	serviceMetrics := metrics.New(registry)

	publisherOptions := []packager.PublisherOption{packager.WithMetrics(serviceMetrics)}

	// Open the optional replica bucket.
	if settings.MirrorURL != "" {
		bucket, err := mirror.Open(ctx, settings.MirrorURL)
		if err != nil {
			return err
		}

		defer func() {
			_ = bucket.Close()
		}()

		publisherOptions = append(publisherOptions, packager.WithMirror(bucket))

		logger.InfoKV(ctx, "Mirroring published archives", "mirror_url", settings.MirrorURL)
	}

	// Build the generation pipeline.
	layout := domain.NewLayout(settings.StorageDir)

	service := archiver.New(archiver.Options{
		Layout: layout,
		Fetcher: fetcher.New(fetcher.Options{
			Workers:        settings.FetchWorkers(),
			MaxConnections: settings.MaxConnections,
			RequestTimeout: settings.FetchTimeout,
			Metrics:        serviceMetrics,
		}),
		Publisher:          packager.NewPublisher(layout, publisherOptions...),
		Checker:            integrity.NewChecker(settings.IntegrityWindow),
		Metrics:            serviceMetrics,
		GenerationWorkers:  settings.GenerationWorkers,
		GenerationTimeout:  settings.GenerationTimeout,
		EmptyArchivePolicy: settings.EmptyArchivePolicy,
		NotUsedDays:        settings.NotUsedDaysCleanup,
	})

	// Published archives survive restarts, statuses do not.
	if err = service.Recover(ctx); err != nil {
		return fmt.Errorf("recover statuses: %w", err)
	}

	handler := api.NewServer(service, resolver.New(settings.ContentBaseURL), metrics.Handler(registry)).Handler()

	return serve(ctx, settings, service, handler)
}

// loadSettings reads the settings file and applies command line overrides.
func loadSettings(opts *Options) (*config.Config, error) {
	settings, err := config.LoadOrDefault(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	if opts.ListenAddress != "" {
		settings.ListenAddress = opts.ListenAddress
	}

	if opts.StorageDir != "" {
		settings.StorageDir = opts.StorageDir
	}

	if err = config.Validate(settings); err != nil {
		return nil, fmt.Errorf("validate settings: %w", err)
	}

	return settings, nil
}

func setupLogging(settings *config.Config) {
	level, ok := logger.ParseLogLevel(settings.LogLevel)
	if !ok {
		logger.Warnf(context.Background(), "Unknown log level %q, using %s", settings.LogLevel, level)
	}

	format, ok := logger.ParseFormat(settings.LogFormat)
	if !ok {
		logger.Warnf(context.Background(), "Unknown log format %q, using %s", settings.LogFormat, format)
	}

	logger.Setup(level, format)
}

// serve runs the listeners and the retention schedule until ctx ends.
func serve(ctx context.Context, settings *config.Config, service *archiver.Archiver, handler http.Handler) error {
	// Setup TCP listener.
	listenConfig := net.ListenConfig{}

	httpListener, err := listenConfig.Listen(ctx, "tcp", settings.ListenAddress)
	if err != nil {
		if ctx.Err() != nil {
			// Stopped before serving anything.
			return nil
		}

		return fmt.Errorf("listen on %s: %w", settings.ListenAddress, err)
	}

	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	var (
		healthServer   *health.Server
		healthListener net.Listener
	)

	// Health service is optional.
	if settings.HealthAddress != "" {
		healthListener, err = listenConfig.Listen(ctx, "tcp", settings.HealthAddress)
		if err != nil {
			_ = httpListener.Close()

			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("listen on %s: %w", settings.HealthAddress, err)
		}

		healthServer = health.NewServer()
		healthServer.SetServing(true)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.InfoKV(ctx, "Archive server listening",
			"listen_address", settings.ListenAddress,
			"storage_dir", settings.StorageDir)

		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve HTTP: %w", err)
		}

		return nil
	})

	if healthServer != nil {
		group.Go(func() error {
			logger.InfoKV(ctx, "Health service listening", "health_address", settings.HealthAddress)
			return healthServer.Serve(healthListener)
		})
	}

	// Retention sweep runs only when a threshold is configured.
	if settings.NotUsedDaysCleanup != nil {
		// Validate has already parsed the expression.
		expression := cronexpr.MustParse(settings.CleanupSchedule)

		group.Go(func() error {
			schedule(groupCtx, expression, time.Now, func(ctx context.Context) {
				if err := service.Cleanup(ctx); err != nil {
					logger.ErrorKV(ctx, "Retention sweep failed", "error", err)
				}
			})

			return nil
		})

		logger.InfoKV(ctx, "Retention sweep scheduled",
			"schedule", settings.CleanupSchedule,
			"not_used_days", *settings.NotUsedDaysCleanup)
	}

	group.Go(func() error {
		<-groupCtx.Done()

		logger.Info(ctx, "Shutting down archive server")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		if healthServer != nil {
			healthServer.SetServing(false)
		}

		// Stop accepting requests, then let running generations finish.
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.WarnKV(ctx, "HTTP server did not stop gracefully", "error", err)
		}

		if running := inProgress(service.Statuses()); running > 0 {
			logger.InfoKV(ctx, "Waiting for running generations", "in_progress", running)
		}

		if err := service.Close(shutdownCtx); err != nil {
			logger.WarnKV(ctx, "Generations were cancelled during shutdown", "error", err)
		}

		if healthServer != nil {
			healthServer.Stop()
		}

		return nil
	})

	if err = group.Wait(); err != nil {
		return err
	}

	logger.Info(ctx, "Archive server stopped")

	return nil
}

// inProgress counts generations that have not finished yet.
func inProgress(statuses map[string]domain.GenerationStatus) int {
	count := 0

	for _, status := range statuses {
		if status == domain.StatusInProgress {
			count++
		}
	}

	return count
}
