package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/l0p7/offlineshim/internal/config"
	"github.com/l0p7/offlineshim/internal/logging"
	"github.com/l0p7/offlineshim/internal/metrics"
	"github.com/l0p7/offlineshim/internal/runtime"
	"github.com/l0p7/offlineshim/internal/runtime/cache"
	"github.com/l0p7/offlineshim/internal/server"
	"github.com/l0p7/offlineshim/internal/templates"
	"github.com/prometheus/client_golang/prometheus"
)

// configLoader is the part of config.Loader the entry point drives.
type configLoader interface {
	Load(ctx context.Context) (config.Config, error)
	Files() []string
	Watch(ctx context.Context, onChange func(config.Config), onError func(error)) (*config.Watcher, error)
}

type runnableServer interface {
	Run(ctx context.Context) error
}

var (
	newConfigLoader = func(envPrefix, configFile string) configLoader {
		return config.NewLoader(envPrefix, configFile)
	}
	newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		return server.New(cfg, logger, handler)
	}
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "OFFLINESHIM", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	loader := newConfigLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging, os.Stdout)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	storage := buildCacheStorage(ctx, logger.With(slog.String("agent", "cache_factory")), cfg.Cache)

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	fetcher, err := runtime.NewOriginFetcher(cfg.Origin.URL, cfg.Origin.Timeout(), nil)
	if err != nil {
		return fmt.Errorf("origin setup: %w", err)
	}

	controller, err := runtime.NewController(logger, runtime.ControllerOptions{
		Storage:           storage,
		Fetcher:           fetcher,
		Renderer:          templates.NewRenderer(buildTemplateSandbox(logger, cfg.Server.Templates)),
		Metrics:           metricsRecorder,
		Latency:           metrics.NewLatencyTracker(0.01),
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
	})
	if err != nil {
		return fmt.Errorf("controller setup: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := controller.Close(shutdownCtx); err != nil {
			logger.Error("cache shutdown failed", slog.Any("error", err))
		}
	}()

	reloader := newWorkerReloader(controller, cfg, logger)
	if err := reloader.registerInitial(ctx); err != nil {
		return fmt.Errorf("initial worker install: %w", err)
	}

	if len(loader.Files()) > 0 {
		watcher, err := loader.Watch(ctx, func(next config.Config) {
			reloader.apply(ctx, next)
		}, func(err error) {
			if err != nil {
				logger.Error("config watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("config watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	srv, err := newHTTPServer(cfg, logger, server.NewHandler(controller, metricsRecorder.Handler()))
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}

// workerRegistrar is the part of the controller the reloader drives.
type workerRegistrar interface {
	Register(ctx context.Context, opts runtime.WorkerOptions) (*runtime.Worker, error)
}

// workerReloader registers a new worker whenever the worker section of the
// configuration changes.
type workerReloader struct {
	registrar workerRegistrar
	logger    *slog.Logger

	mu      sync.Mutex
	current config.Config
}

func newWorkerReloader(registrar workerRegistrar, cfg config.Config, logger *slog.Logger) *workerReloader {
	return &workerReloader{
		registrar: registrar,
		logger:    logger.With(slog.String("agent", "reloader")),
		current:   cfg,
	}
}

// registerInitial installs the configured worker. A worker that could not be
// installed is fatal; an incomplete cleanup of old stores is only logged.
func (r *workerReloader) registerInitial(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	worker, err := r.registrar.Register(ctx, workerOptions(r.current.Worker))
	if worker == nil {
		if err == nil {
			err = runtime.ErrInstallFailed
		}
		return err
	}
	if err != nil {
		r.logger.Warn("worker activated with errors", slog.Any("error", err))
	}
	return nil
}

func (r *workerReloader) apply(ctx context.Context, next config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if restartRequired(r.current, next) {
		r.logger.Warn("server, origin or cache settings changed; restart to apply them")
	}
	if next.Worker.Equal(r.current.Worker) {
		r.logger.Debug("worker configuration unchanged")
		return
	}

	r.logger.Info("worker configuration changed",
		slog.String("from", r.current.Worker.Version),
		slog.String("to", next.Worker.Version))
	worker, err := r.registrar.Register(ctx, workerOptions(next.Worker))
	if worker == nil {
		r.logger.Error("worker update rejected, keeping previous worker", slog.Any("error", err))
		return
	}
	if err != nil {
		r.logger.Warn("worker activated with errors", slog.Any("error", err))
	}
	r.current.Worker = next.Worker
}

// restartRequired reports whether anything outside the worker section changed.
func restartRequired(current, next config.Config) bool {
	if current.Origin != next.Origin || current.Cache != next.Cache {
		return true
	}
	if current.Server.Listen != next.Server.Listen || current.Server.Logging != next.Server.Logging {
		return true
	}
	return !reflect.DeepEqual(current.Server.Templates, next.Server.Templates)
}

func workerOptions(cfg config.WorkerConfig) runtime.WorkerOptions {
	return runtime.WorkerOptions{
		Version:           cfg.Version,
		Precache:          append([]string(nil), cfg.Precache...),
		FallbackPath:      cfg.FallbackPath,
		StorePolicy:       cfg.StorePolicy,
		UnavailableStatus: cfg.Unavailable.Status,
		UnavailableBody:   cfg.Unavailable.Body,
		UnavailableFile:   cfg.Unavailable.BodyFile,
	}
}

func buildTemplateSandbox(logger *slog.Logger, cfg config.TemplatesConfig) *templates.Sandbox {
	folder := strings.TrimSpace(cfg.TemplatesFolder)
	if folder == "" {
		return nil
	}
	sandbox, err := templates.NewSandbox(folder, cfg.TemplatesAllowEnv, cfg.TemplatesAllowedEnv)
	if err != nil {
		logger.Warn("template sandbox setup failed", slog.String("templates_folder", folder), slog.Any("error", err))
		return nil
	}
	logger.Info("template sandbox ready",
		slog.String("templates_folder", folder),
		slog.Any("allowed_env", sandbox.AllowedEnv()))
	return sandbox
}

func buildCacheStorage(ctx context.Context, logger *slog.Logger, cfg config.CacheConfig) cache.Storage {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		if logger != nil {
			logger.Info("using memory cache storage")
		}
		return cache.NewMemory()
	case "redis":
		storage, err := cache.NewRedis(cache.RedisConfig{
			Address:   cfg.Redis.Address,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Namespace: cfg.Namespace,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			return memoryFallback(logger, "redis", err)
		}
		if logger != nil {
			logger.Info("using redis cache storage", slog.String("address", cfg.Redis.Address))
		}
		return storage
	case "disk":
		storage, err := cache.NewDisk(cfg.Disk.Directory, logger)
		if err != nil {
			return memoryFallback(logger, "disk", err)
		}
		if logger != nil {
			logger.Info("using disk cache storage", slog.String("directory", cfg.Disk.Directory))
		}
		return storage
	case "s3":
		storage, err := cache.NewS3(ctx, cache.S3Config{
			Bucket:       cfg.S3.Bucket,
			Prefix:       s3Prefix(cfg),
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			UsePathStyle: cfg.S3.UsePathStyle,
		})
		if err != nil {
			return memoryFallback(logger, "s3", err)
		}
		if logger != nil {
			logger.Info("using s3 cache storage", slog.String("bucket", cfg.S3.Bucket))
		}
		return storage
	default:
		if logger != nil {
			logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		}
		return cache.NewMemory()
	}
}

func s3Prefix(cfg config.CacheConfig) string {
	if prefix := strings.Trim(cfg.S3.Prefix, "/"); prefix != "" {
		return prefix
	}
	return cfg.Namespace
}

func memoryFallback(logger *slog.Logger, backend string, err error) cache.Storage {
	if logger != nil {
		logger.Error(backend+" cache initialization failed", slog.Any("error", err))
		logger.Info("falling back to memory cache")
	}
	return cache.NewMemory()
}
