package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/l0p7/offlineshim/internal/expr"
	"github.com/l0p7/offlineshim/internal/metrics"
	"github.com/l0p7/offlineshim/internal/runtime/cache"
	"github.com/l0p7/offlineshim/internal/templates"
)

// ControllerOptions carries the dependencies shared by every worker.
type ControllerOptions struct {
	Storage           cache.Storage
	Fetcher           Fetcher
	Renderer          *templates.Renderer
	Metrics           *metrics.Recorder
	Latency           *metrics.LatencyTracker
	CorrelationHeader string
}

// WorkerOptions describes one worker version.
type WorkerOptions struct {
	Version      string
	Precache     []string
	FallbackPath string
	// StorePolicy is a CEL predicate over request and response; empty stores
	// every network response.
	StorePolicy       string
	UnavailableStatus int
	UnavailableBody   string
	UnavailableFile   string
}

// Controller registers workers and routes requests to the active one.
type Controller struct {
	logger  *slog.Logger
	opts    ControllerOptions
	env     *expr.Environment
	started time.Time

	registerMu sync.Mutex
	active     atomic.Pointer[Worker]
}

// NewController validates the shared dependencies.
func NewController(logger *slog.Logger, opts ControllerOptions) (*Controller, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Storage == nil {
		return nil, errors.New("runtime: cache storage required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("runtime: fetcher required")
	}
	if opts.Renderer == nil {
		opts.Renderer = templates.NewRenderer(nil)
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, err
	}
	opts.CorrelationHeader = strings.TrimSpace(opts.CorrelationHeader)
	return &Controller{
		logger:  logger.With(slog.String("agent", "controller")),
		opts:    opts,
		env:     env,
		started: time.Now().UTC(),
	}, nil
}

// Register installs a worker for opts, claims it and then activates it. When
// install fails the previously active worker stays in charge and the error is
// returned. The previous worker is retired before stale stores are deleted so
// none of its in-flight requests can recreate them. Activation errors are
// returned too but the new worker stays claimed.
func (c *Controller) Register(ctx context.Context, opts WorkerOptions) (*Worker, error) {
	c.registerMu.Lock()
	defer c.registerMu.Unlock()

	worker, err := c.newWorker(opts)
	if err != nil {
		return nil, err
	}
	if err := worker.Install(ctx); err != nil {
		return nil, err
	}

	previous := c.active.Swap(worker)
	if previous != nil && previous != worker {
		previous.markRedundant()
	}
	attrs := []any{slog.String("version", worker.version)}
	if previous != nil {
		attrs = append(attrs, slog.String("replaced", previous.version))
	}
	c.logger.Info("worker claimed clients", attrs...)

	activateErr := worker.Activate(ctx)
	if activateErr != nil {
		worker.logger.Error("worker activation incomplete", slog.Any("error", activateErr))
	}
	return worker, activateErr
}

func (c *Controller) newWorker(opts WorkerOptions) (*Worker, error) {
	version := strings.TrimSpace(opts.Version)
	if version == "" {
		return nil, errors.New("runtime: worker version required")
	}
	precache := make([]string, 0, len(opts.Precache))
	for _, path := range opts.Precache {
		if !strings.HasPrefix(path, "/") {
			return nil, fmt.Errorf("runtime: precache path %q must start with /", path)
		}
		precache = append(precache, path)
	}
	var fallbackKey string
	if opts.FallbackPath != "" {
		key, err := cache.KeyForPath(http.MethodGet, opts.FallbackPath)
		if err != nil {
			return nil, fmt.Errorf("runtime: fallback path: %w", err)
		}
		fallbackKey = key
	}
	var policy *expr.Policy
	if source := strings.TrimSpace(opts.StorePolicy); source != "" {
		compiled, err := c.env.Compile(source)
		if err != nil {
			return nil, fmt.Errorf("runtime: store policy: %w", err)
		}
		policy = &compiled
	}
	page, err := templates.NewUnavailablePage(c.opts.Renderer, opts.UnavailableStatus, opts.UnavailableBody, opts.UnavailableFile)
	if err != nil {
		return nil, fmt.Errorf("runtime: unavailable document: %w", err)
	}
	return &Worker{
		version:           version,
		precache:          precache,
		fallbackKey:       fallbackKey,
		storage:           c.opts.Storage,
		fetcher:           c.opts.Fetcher,
		policy:            policy,
		unavailable:       page,
		logger:            c.logger.With(slog.String("agent", "worker"), slog.String("version", version)),
		metrics:           c.opts.Metrics,
		latency:           c.opts.Latency,
		correlationHeader: c.opts.CorrelationHeader,
	}, nil
}

// Active returns the worker currently serving requests, if any.
func (c *Controller) Active() *Worker { return c.active.Load() }

// ServeHTTP hands the request to the active worker. Before the first worker is
// claimed requests go straight to the origin.
func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if worker := c.active.Load(); worker != nil {
		worker.ServeHTTP(w, r)
		return
	}
	start := time.Now()
	status := passThrough(w, r, c.opts.Fetcher, c.logger)
	c.opts.Metrics.ObserveFetch(metrics.FetchSourcePassthrough, r.Method, status, time.Since(start))
}

// Status is the health snapshot reported on /healthz.
type Status struct {
	Status     string                            `json:"status"`
	Version    string                            `json:"version,omitempty"`
	Phase      Phase                             `json:"phase,omitempty"`
	Stores     []string                          `json:"stores"`
	Latency    map[string]metrics.LatencySummary `json:"latency,omitempty"`
	StartedAt  time.Time                         `json:"startedAt"`
	ObservedAt time.Time                         `json:"observedAt"`
	Error      string                            `json:"error,omitempty"`
}

// Status reports the active worker, the stores present and latency quantiles.
func (c *Controller) Status(ctx context.Context) Status {
	status := Status{
		Status:     "starting",
		Stores:     []string{},
		StartedAt:  c.started,
		ObservedAt: time.Now().UTC(),
	}
	if worker := c.active.Load(); worker != nil {
		status.Version = worker.Version()
		status.Phase = worker.Phase()
		status.Status = "ok"
	}
	names, err := c.opts.Storage.Keys(ctx)
	if err != nil {
		status.Status = "degraded"
		status.Error = err.Error()
	} else if names != nil {
		status.Stores = names
	}
	if summary := c.opts.Latency.Summary(); len(summary) > 0 {
		status.Latency = make(map[string]metrics.LatencySummary, len(summary))
		for _, s := range summary {
			status.Latency[s.Label] = s
		}
	}
	return status
}

// ServeHealth renders Status as JSON. A degraded cache answers 503.
func (c *Controller) ServeHealth(w http.ResponseWriter, r *http.Request) {
	status := c.Status(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if status.Status == "degraded" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		c.logger.Error("health encode failed", slog.Any("error", err))
	}
}

// Close releases the cache storage.
func (c *Controller) Close(ctx context.Context) error {
	return c.opts.Storage.Close(ctx)
}
