package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/l0p7/offlineshim/internal/config"
)

// httpDoer is satisfied by both http.Client and httpexpect's client.
type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

type integrationProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	wg     sync.WaitGroup
	stdout *bytes.Buffer
	stderr *bytes.Buffer
}

func startServerProcess(t *testing.T, configPath string, env map[string]string) *integrationProcess {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, "go", "run", ".", "-config", configPath)
	cmd.Dir = "."
	cacheRoot := filepath.Join(os.TempDir(), "offlineshim-integration")
	cacheDir := filepath.Join(cacheRoot, "gocache")
	moduleCache := filepath.Join(cacheRoot, "gomodcache")
	if err := os.MkdirAll(cacheDir, 0o750); err != nil {
		cancel()
		t.Fatalf("failed to create gocache dir: %v", err)
	}
	if err := os.MkdirAll(moduleCache, 0o750); err != nil {
		cancel()
		t.Fatalf("failed to create gomodcache dir: %v", err)
	}
	cmd.Env = append(os.Environ(), "GOFLAGS=", "GOCACHE="+cacheDir, "GOMODCACHE="+moduleCache)
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		t.Fatalf("failed to start server process: %v", err)
	}

	proc := &integrationProcess{cmd: cmd, cancel: cancel, stdout: stdout, stderr: stderr}
	proc.wg.Add(1)
	go func() {
		defer proc.wg.Done()
		_ = cmd.Wait()
	}()
	return proc
}

func (p *integrationProcess) stop(t *testing.T) {
	t.Helper()
	if p == nil {
		return
	}
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(os.Interrupt)
	}
	p.cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Signal(syscall.SIGKILL)
		}
	}
	if t.Failed() {
		if out := strings.TrimSpace(p.stdout.String()); out != "" {
			t.Logf("server stdout:\n%s", out)
		}
		if errOut := strings.TrimSpace(p.stderr.String()); errOut != "" {
			t.Logf("server stderr:\n%s", errOut)
		}
	}
}

func (p *integrationProcess) logs() (string, string) {
	if p == nil {
		return "", ""
	}
	return p.stdout.String(), p.stderr.String()
}

func waitForEndpoint(t *testing.T, client httpDoer, target string, timeout time.Duration, headers map[string]string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, target, nil)
		if err != nil {
			t.Fatalf("failed to build probe request: %v", err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := client.Do(req) // #nosec G107 - test helper for local server
		if err == nil {
			status := resp.StatusCode
			if cerr := resp.Body.Close(); cerr != nil {
				t.Fatalf("failed to close readiness probe body: %v", cerr)
			}
			if status < 500 {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("server did not respond successfully within %v", timeout)
}

// integrationConfig describes the worker the subprocess serves.
type integrationConfig struct {
	port           int
	origin         string
	precache       []string
	fallbackPath   string
	templateFolder string
	allowedEnv     []string
	bodyFile       string
}

func writeIntegrationConfig(t *testing.T, dir string, opts integrationConfig) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatalf("failed to ensure config folder: %v", err)
	}
	server := map[string]any{
		"listen": map[string]any{
			"address": "127.0.0.1",
			"port":    opts.port,
		},
		"logging": map[string]any{
			"format":            "text",
			"level":             "warn",
			"correlationHeader": "X-Request-ID",
		},
	}
	if opts.templateFolder != "" {
		server["templates"] = map[string]any{
			"templatesFolder":     opts.templateFolder,
			"templatesAllowEnv":   len(opts.allowedEnv) > 0,
			"templatesAllowedEnv": opts.allowedEnv,
		}
	}
	cfg := map[string]any{
		"server": server,
		"origin": map[string]any{
			"url":            opts.origin,
			"timeoutSeconds": 2,
		},
		"worker": map[string]any{
			"version":      "pwa-cache-v1",
			"precache":     opts.precache,
			"fallbackPath": opts.fallbackPath,
			"unavailable": map[string]any{
				"status":   http.StatusServiceUnavailable,
				"bodyFile": opts.bodyFile,
			},
		},
		"cache": map[string]any{
			"backend":   "memory",
			"namespace": "integration",
		},
	}

	contents, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		t.Fatalf("failed to marshal config: %v", err)
	}
	path := filepath.Join(dir, "integration-config.json")
	if err := os.WriteFile(path, contents, 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

// newIntegrationOrigin serves a small site: every path answers with a page
// naming it, except /missing which the origin does not know.
func newIntegrationOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, "<p>page "+r.URL.Path+"</p>")
	}))
	t.Cleanup(origin.Close)
	return origin
}

func allocatePort(t *testing.T) int {
	t.Helper()
	var lc net.ListenConfig
	l, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to allocate port: %v", err)
	}
	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("unexpected addr type %T", l.Addr())
	}
	port := addr.Port
	if cerr := l.Close(); cerr != nil {
		t.Fatalf("failed to close listener: %v", cerr)
	}
	return port
}

func integrationURL(port int, path string) string {
	u := url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		Path:   path,
	}
	return u.String()
}

func TestIntegrationOfflineFallback(t *testing.T) {
	if os.Getenv("OFFLINESHIM_INTEGRATION") == "" {
		t.Skip("set OFFLINESHIM_INTEGRATION=1 to run integration tests")
	}
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	origin := newIntegrationOrigin(t)
	temp := t.TempDir()
	port := allocatePort(t)
	configPath := writeIntegrationConfig(t, temp, integrationConfig{
		port:         port,
		origin:       origin.URL,
		precache:     []string{"/", "/offline.html"},
		fallbackPath: "/offline.html",
	})

	loader := config.NewLoader("OFFLINESHIM", configPath)
	cfg, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("failed to load integration config: %v", err)
	}
	if cfg.Worker.FallbackPath != "/offline.html" {
		t.Fatalf("expected fallback path to be configured, got %q", cfg.Worker.FallbackPath)
	}

	process := startServerProcess(t, configPath, map[string]string{
		"OFFLINESHIM_SERVER__LOGGING__LEVEL": "debug",
	})
	defer process.stop(t)

	client := &http.Client{Timeout: 5 * time.Second}
	waitForEndpoint(t, client, integrationURL(port, "/healthz"), 45*time.Second, nil)

	expect := httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  integrationURL(port, ""),
		Reporter: httpexpect.NewRequireReporter(t),
		Client:   client,
	})

	online := expect.GET("/articles/1").Expect()
	online.Status(http.StatusOK)
	online.Header("X-Offline-Source").IsEqual("network")
	online.Body().Contains("page /articles/1")

	origin.Close()

	cached := expect.GET("/articles/1").Expect()
	cached.Status(http.StatusOK)
	cached.Header("X-Offline-Source").IsEqual("cache")
	cached.Body().Contains("page /articles/1")

	fallback := expect.GET("/articles/2").Expect()
	fallback.Status(http.StatusOK)
	fallback.Header("X-Offline-Source").IsEqual("fallback")
	fallback.Body().Contains("page /offline.html")

	health := expect.GET("/healthz").Expect()
	health.Status(http.StatusOK)
	health.JSON().Object().HasValue("version", "pwa-cache-v1").HasValue("phase", "activated")

	if t.Failed() {
		stdout, stderr := process.logs()
		t.Logf("stdout:\n%s\nstderr:\n%s", strings.TrimSpace(stdout), strings.TrimSpace(stderr))
	}
}
