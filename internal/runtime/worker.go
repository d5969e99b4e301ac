package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/l0p7/offlineshim/internal/expr"
	"github.com/l0p7/offlineshim/internal/metrics"
	"github.com/l0p7/offlineshim/internal/runtime/cache"
	"github.com/l0p7/offlineshim/internal/templates"
	"golang.org/x/sync/errgroup"
)

// SourceHeader reports which layer produced an intercepted response.
const SourceHeader = "X-Offline-Source"

// ErrInstallFailed wraps every error returned from Install.
var ErrInstallFailed = errors.New("runtime: install failed")

// Phase is a worker lifecycle state.
type Phase string

const (
	PhaseInstalling Phase = "installing"
	PhaseInstalled  Phase = "installed"
	PhaseActivating Phase = "activating"
	PhaseActivated  Phase = "activated"
	PhaseRedundant  Phase = "redundant"
)

// precacheConcurrency bounds parallel origin fetches during install.
const precacheConcurrency = 4

// Worker is one versioned interceptor: it owns the store named after its
// version and answers requests network first.
type Worker struct {
	version     string
	precache    []string
	fallbackKey string

	storage     cache.Storage
	fetcher     Fetcher
	policy      *expr.Policy
	unavailable *templates.UnavailablePage

	logger            *slog.Logger
	metrics           *metrics.Recorder
	latency           *metrics.LatencyTracker
	correlationHeader string

	mu    sync.RWMutex
	phase Phase
}

// Version names the worker and its store.
func (w *Worker) Version() string { return w.version }

// Phase reports the current lifecycle state.
func (w *Worker) Phase() Phase {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.phase
}

func (w *Worker) setPhase(phase Phase) {
	w.mu.Lock()
	prev := w.phase
	w.phase = phase
	w.mu.Unlock()
	w.logger.Debug("worker phase changed", slog.String("from", string(prev)), slog.String("to", string(phase)))
}

// Install fetches every pre-cache path and stores the responses under the
// worker's version. It is all or nothing: a transport error or a non-2xx status
// for any path fails the install before anything is written.
func (w *Worker) Install(ctx context.Context) (err error) {
	start := time.Now()
	w.setPhase(PhaseInstalling)
	defer func() {
		w.metrics.ObserveLifecycle("install", w.version, err)
		if err != nil {
			w.setPhase(PhaseRedundant)
			w.logger.Error("worker install failed", slog.Any("error", err))
			return
		}
		w.setPhase(PhaseInstalled)
		w.logger.Info("worker installed",
			slog.Int("precached", len(w.precache)),
			slog.Float64("latency_ms", float64(time.Since(start))/float64(time.Millisecond)))
	}()

	keys := make([]string, len(w.precache))
	snapshots := make([]cache.Snapshot, len(w.precache))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(precacheConcurrency)
	for i, path := range w.precache {
		i, path := i, path
		group.Go(func() error {
			key, snapshot, err := w.precacheOne(groupCtx, path)
			if err != nil {
				return err
			}
			keys[i], snapshots[i] = key, snapshot
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	store, err := w.storage.Open(ctx, w.version)
	if err != nil {
		return fmt.Errorf("%w: open store %s: %w", ErrInstallFailed, w.version, err)
	}
	for i, path := range w.precache {
		if err := w.put(ctx, store, keys[i], snapshots[i]); err != nil {
			return fmt.Errorf("%w: store %s: %w", ErrInstallFailed, path, err)
		}
	}
	return nil
}

// precacheOne fetches path and returns the snapshot with the key live
// requests for the same target are matched under.
func (w *Worker) precacheOne(ctx context.Context, path string) (string, cache.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", cache.Snapshot{}, fmt.Errorf("precache %s: %w", path, err)
	}
	resp, err := w.fetcher.Fetch(ctx, req)
	if err != nil {
		return "", cache.Snapshot{}, fmt.Errorf("precache %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", cache.Snapshot{}, fmt.Errorf("precache %s: origin answered %d", path, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", cache.Snapshot{}, fmt.Errorf("precache %s: read body: %w", path, err)
	}
	return cache.KeyForRequest(req), snapshotOf(resp, body), nil
}

// Activate deletes every store not named after this worker's version. The
// worker is activated even when some deletions fail; their errors are joined.
func (w *Worker) Activate(ctx context.Context) (err error) {
	w.setPhase(PhaseActivating)
	defer func() {
		w.metrics.ObserveLifecycle("activate", w.version, err)
		w.setPhase(PhaseActivated)
	}()

	names, err := w.storage.Keys(ctx)
	if err != nil {
		return fmt.Errorf("runtime: list stores: %w", err)
	}
	var errs []error
	for _, name := range names {
		if name == w.version {
			continue
		}
		start := time.Now()
		removed, delErr := w.storage.Delete(ctx, name)
		w.observeCache(metrics.CacheOperationDelete, delErr, removed, start)
		if delErr != nil {
			errs = append(errs, fmt.Errorf("runtime: delete store %s: %w", name, delErr))
			continue
		}
		if removed {
			w.logger.Info("stale store deleted", slog.String("store", name))
		}
	}
	return errors.Join(errs...)
}

// markRedundant retires a worker that has been replaced.
func (w *Worker) markRedundant() { w.setPhase(PhaseRedundant) }

// ServeHTTP answers GET requests network first, falling back to the stores,
// then the stored fallback page, then the unavailable document. Other methods
// go straight to the origin.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	start := time.Now()
	logger := w.requestLogger(r)

	if r.Method != http.MethodGet {
		status := passThrough(rw, r, w.fetcher, logger)
		w.record(logger, r, metrics.FetchSourcePassthrough, status, start)
		return
	}

	source, status := w.fetch(r.Context(), rw, r, logger)
	w.record(logger, r, source, status, start)
}

func (w *Worker) fetch(ctx context.Context, rw http.ResponseWriter, r *http.Request, logger *slog.Logger) (metrics.FetchSource, int) {
	key := cache.KeyForRequest(r)

	resp, err := w.fetcher.Fetch(ctx, r)
	if err == nil {
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr == nil {
			snapshot := snapshotOf(resp, body)
			w.storeCopy(ctx, r, key, snapshot, logger)
			writeSnapshot(rw, snapshot, metrics.FetchSourceNetwork)
			return metrics.FetchSourceNetwork, snapshot.Status
		}
		err = fmt.Errorf("runtime: read origin body: %w", readErr)
	}
	logger.Warn("network fetch failed, serving offline copy", slog.Any("error", err))

	if snapshot, ok := w.match(ctx, key, logger); ok {
		writeSnapshot(rw, snapshot, metrics.FetchSourceCache)
		return metrics.FetchSourceCache, snapshot.Status
	}
	if w.fallbackKey != "" {
		if snapshot, ok := w.match(ctx, w.fallbackKey, logger); ok {
			writeSnapshot(rw, snapshot, metrics.FetchSourceFallback)
			return metrics.FetchSourceFallback, snapshot.Status
		}
	}
	return metrics.FetchSourceUnavailable, w.writeUnavailable(rw, r, logger)
}

// storeCopy writes the network response to the worker's store when the policy
// allows. Failures are logged and never change the response.
func (w *Worker) storeCopy(ctx context.Context, r *http.Request, key string, snapshot cache.Snapshot, logger *slog.Logger) {
	if w.policy != nil {
		activation := expr.Activation(
			expr.RequestContext(r),
			expr.ResponseContext(snapshot.Status, snapshot.Header, len(snapshot.Body)),
			time.Now(),
		)
		allowed, err := w.policy.Allows(activation)
		if err != nil {
			logger.Warn("store policy evaluation failed, skipping cache write", slog.Any("error", err))
			return
		}
		if !allowed {
			logger.Debug("store policy rejected response", slog.Int("http_status", snapshot.Status))
			return
		}
	}
	// The read lock holds off markRedundant until the write lands, so a retired
	// worker never writes after its store has been deleted.
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.phase == PhaseRedundant {
		return
	}
	store, err := w.storage.Open(ctx, w.version)
	if err != nil {
		logger.Error("cache open failed", slog.Any("error", err))
		return
	}
	if err := w.put(ctx, store, key, snapshot); err != nil {
		logger.Error("cache write failed", slog.Any("error", err))
	}
}

func (w *Worker) put(ctx context.Context, store cache.Store, key string, snapshot cache.Snapshot) error {
	start := time.Now()
	err := store.Put(ctx, key, snapshot)
	w.observeCache(metrics.CacheOperationPut, err, true, start)
	return err
}

func (w *Worker) match(ctx context.Context, key string, logger *slog.Logger) (cache.Snapshot, bool) {
	start := time.Now()
	snapshot, from, ok, err := w.storage.Match(ctx, key)
	w.observeCache(metrics.CacheOperationMatch, err, ok, start)
	if err != nil {
		logger.Error("cache match failed", slog.String("key", key), slog.Any("error", err))
		return cache.Snapshot{}, false
	}
	if ok {
		logger.Debug("cache match", slog.String("key", key), slog.String("store", from))
	}
	return snapshot, ok
}

func (w *Worker) writeUnavailable(rw http.ResponseWriter, r *http.Request, logger *slog.Logger) int {
	status := w.unavailable.Status()
	body, err := w.unavailable.Render(templates.UnavailableData{
		Method:  r.Method,
		Path:    r.URL.Path,
		Version: w.version,
		Status:  status,
	})
	if err != nil {
		logger.Error("unavailable document render failed", slog.Any("error", err))
	}
	header := rw.Header()
	header.Set("Content-Type", "text/html; charset=utf-8")
	header.Set("Cache-Control", "no-store")
	header.Set(SourceHeader, string(metrics.FetchSourceUnavailable))
	rw.WriteHeader(status)
	if _, err := io.WriteString(rw, body); err != nil {
		logger.Error("unavailable response write failed", slog.Any("error", err))
	}
	return status
}

func (w *Worker) observeCache(op metrics.CacheOperation, err error, ok bool, start time.Time) {
	result := metrics.CacheResultOK
	switch {
	case err != nil:
		result = metrics.CacheResultError
	case op == metrics.CacheOperationMatch && ok:
		result = metrics.CacheResultHit
	case op == metrics.CacheOperationMatch:
		result = metrics.CacheResultMiss
	case op == metrics.CacheOperationPut:
		result = metrics.CacheResultStored
	}
	w.metrics.ObserveCache(op, result, time.Since(start))
}

func (w *Worker) requestLogger(r *http.Request) *slog.Logger {
	logger := w.logger
	if w.correlationHeader != "" {
		if id := strings.TrimSpace(r.Header.Get(w.correlationHeader)); id != "" {
			logger = logger.With(slog.String("correlation_id", id))
		}
	}
	return logger
}

func (w *Worker) record(logger *slog.Logger, r *http.Request, source metrics.FetchSource, status int, start time.Time) {
	duration := time.Since(start)
	w.metrics.ObserveFetch(source, r.Method, status, duration)
	w.latency.Record(string(source), duration)
	logger.LogAttrs(r.Context(), slog.LevelInfo, "request served",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("source", string(source)),
		slog.Int("http_status", status),
		slog.Float64("latency_ms", float64(duration)/float64(time.Millisecond)),
	)
}

func snapshotOf(resp *http.Response, body []byte) cache.Snapshot {
	header := resp.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	removeHopHeaders(header)
	header.Del("Content-Length")
	return cache.Snapshot{
		Status:   resp.StatusCode,
		Header:   header,
		Body:     body,
		StoredAt: time.Now().UTC(),
	}
}

func writeSnapshot(rw http.ResponseWriter, snapshot cache.Snapshot, source metrics.FetchSource) {
	header := rw.Header()
	for k, vv := range snapshot.Header {
		header[k] = append([]string(nil), vv...)
	}
	header.Set(SourceHeader, string(source))
	status := snapshot.Status
	if status == 0 {
		status = http.StatusOK
	}
	rw.WriteHeader(status)
	_, _ = rw.Write(snapshot.Body)
}

// passThrough streams the origin's answer to rw, or a 502 when the origin is
// unreachable. It returns the status written.
func passThrough(rw http.ResponseWriter, r *http.Request, fetcher Fetcher, logger *slog.Logger) int {
	resp, err := fetcher.Fetch(r.Context(), r)
	if err != nil {
		logger.Warn("pass-through fetch failed", slog.Any("error", err))
		rw.Header().Set(SourceHeader, string(metrics.FetchSourceUnavailable))
		http.Error(rw, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return http.StatusBadGateway
	}
	defer resp.Body.Close()
	header := rw.Header()
	for k, vv := range resp.Header {
		header[k] = append([]string(nil), vv...)
	}
	removeHopHeaders(header)
	header.Set(SourceHeader, string(metrics.FetchSourceNetwork))
	rw.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(rw, resp.Body); err != nil {
		logger.Warn("pass-through body copy failed", slog.Any("error", err))
	}
	return resp.StatusCode
}
